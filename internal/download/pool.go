package download

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/BadgerOps/dtebundle/internal/objref"
)

// Job is a single object to fetch.
type Job struct {
	Index int
	Ref   objref.Ref
}

// Result is the outcome of one Job.
type Result struct {
	Job      Job
	Data     []byte
	Err      error
	Duration time.Duration
}

// FetchFunc resolves one object's bytes.
type FetchFunc func(ctx context.Context, ref objref.Ref) ([]byte, error)

// Gate is consulted before every fetch. *rate.Limiter satisfies it.
type Gate interface {
	Wait(ctx context.Context) error
}

// releaser is implemented by gates that hold a slot for the whole fetch.
type releaser interface {
	Release()
}

// SemaphoreGate limits concurrent fetches across pools sharing it.
type SemaphoreGate struct {
	sem *semaphore.Weighted
}

// NewSemaphoreGate creates a gate admitting n concurrent fetches.
func NewSemaphoreGate(n int64) *SemaphoreGate {
	return &SemaphoreGate{sem: semaphore.NewWeighted(n)}
}

func (g *SemaphoreGate) Wait(ctx context.Context) error { return g.sem.Acquire(ctx, 1) }

func (g *SemaphoreGate) Release() { g.sem.Release(1) }

// Pool runs fetches on a bounded set of worker goroutines and delivers
// results in completion order.
type Pool struct {
	fetch   FetchFunc
	workers int
	gate    Gate
	logger  *slog.Logger

	active atomic.Int64
	peak   atomic.Int64
}

// NewPool creates a pool with at most workers concurrent fetches.
func NewPool(fetch FetchFunc, workers int, gate Gate, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		fetch:   fetch,
		workers: workers,
		gate:    gate,
		logger:  logger,
	}
}

// WorkersFor returns how many workers a batch of n jobs uses.
func (p *Pool) WorkersFor(n int) int {
	if n < p.workers {
		return n
	}
	return p.workers
}

// PeakConcurrency reports the highest number of simultaneous fetches seen.
func (p *Pool) PeakConcurrency() int {
	return int(p.peak.Load())
}

// Stream starts the workers and returns a channel that yields exactly one
// Result per job, closed after the last. Jobs not started before ctx is
// done are reported with ctx's error.
func (p *Pool) Stream(ctx context.Context, jobs []Job) (<-chan Result, int) {
	n := p.WorkersFor(len(jobs))
	resultsChan := make(chan Result, n)
	if len(jobs) == 0 {
		close(resultsChan)
		return resultsChan, 0
	}

	jobsChan := make(chan Job, len(jobs))
	for _, job := range jobs {
		jobsChan <- job
	}
	close(jobsChan)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go p.worker(ctx, jobsChan, resultsChan, &wg)
	}

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	return resultsChan, n
}

// Execute runs every job and returns the results in completion order.
func (p *Pool) Execute(ctx context.Context, jobs []Job) []Result {
	ch, _ := p.Stream(ctx, jobs)
	results := make([]Result, 0, len(jobs))
	for r := range ch {
		results = append(results, r)
	}
	return results
}

// worker processes jobs until the channel is drained.
func (p *Pool) worker(ctx context.Context, jobsChan <-chan Job, resultsChan chan<- Result, wg *sync.WaitGroup) {
	defer wg.Done()

	for job := range jobsChan {
		if err := ctx.Err(); err != nil {
			resultsChan <- Result{Job: job, Err: err}
			continue
		}
		resultsChan <- p.run(ctx, job)
	}
}

func (p *Pool) run(ctx context.Context, job Job) Result {
	start := time.Now()
	if p.gate != nil {
		if err := p.gate.Wait(ctx); err != nil {
			return Result{Job: job, Err: err, Duration: time.Since(start)}
		}
		if r, ok := p.gate.(releaser); ok {
			defer r.Release()
		}
	}

	cur := p.active.Add(1)
	for {
		peak := p.peak.Load()
		if cur <= peak || p.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	data, err := p.fetch(ctx, job.Ref)
	p.active.Add(-1)

	res := Result{Job: job, Data: data, Err: err, Duration: time.Since(start)}
	if err != nil {
		p.logger.Warn("fetch failed", "ref", job.Ref.String(), "error", err)
	} else {
		p.logger.Debug("fetch completed", "ref", job.Ref.String(), "size", len(data), "duration", res.Duration)
	}
	return res
}
