package download

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/BadgerOps/dtebundle/internal/objref"
)

func makeJobs(n int) []Job {
	jobs := make([]Job, n)
	for i := range jobs {
		jobs[i] = Job{Index: i, Ref: objref.Ref{Bucket: "inv-read", Key: fmt.Sprintf("inv/%02d.pdf", i)}}
	}
	return jobs
}

// TestNewPoolDefaultWorkers verifies a non-positive worker count becomes 1
func TestNewPoolDefaultWorkers(t *testing.T) {
	p := NewPool(nil, 0, nil, testLogger())
	if p.workers != 1 {
		t.Errorf("workers = %d, want 1", p.workers)
	}
}

// TestWorkersFor verifies min(workers, jobs)
func TestWorkersFor(t *testing.T) {
	p := NewPool(nil, 10, nil, testLogger())
	tests := []struct{ n, want int }{{0, 0}, {1, 1}, {5, 5}, {10, 10}, {40, 10}}
	for _, tt := range tests {
		if got := p.WorkersFor(tt.n); got != tt.want {
			t.Errorf("WorkersFor(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

// TestPoolExecute verifies every job yields exactly one result
func TestPoolExecute(t *testing.T) {
	fetch := func(ctx context.Context, ref objref.Ref) ([]byte, error) {
		return []byte(ref.Key), nil
	}
	p := NewPool(fetch, 4, nil, testLogger())
	results := p.Execute(context.Background(), makeJobs(25))

	if len(results) != 25 {
		t.Fatalf("got %d results, want 25", len(results))
	}
	seen := make(map[int]bool)
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("job %d failed: %v", r.Job.Index, r.Err)
		}
		if string(r.Data) != r.Job.Ref.Key {
			t.Errorf("job %d data = %q", r.Job.Index, r.Data)
		}
		seen[r.Job.Index] = true
	}
	if len(seen) != 25 {
		t.Errorf("saw %d distinct jobs, want 25", len(seen))
	}
}

// TestPoolConcurrencyBound verifies concurrent fetches never exceed min(workers, jobs)
func TestPoolConcurrencyBound(t *testing.T) {
	tests := []struct{ workers, jobs int }{{1, 5}, {3, 10}, {10, 4}, {32, 40}}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("m%d_n%d", tt.workers, tt.jobs), func(t *testing.T) {
			var active, peak atomic.Int64
			fetch := func(ctx context.Context, ref objref.Ref) ([]byte, error) {
				cur := active.Add(1)
				for {
					old := peak.Load()
					if cur <= old || peak.CompareAndSwap(old, cur) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				active.Add(-1)
				return []byte("x"), nil
			}
			p := NewPool(fetch, tt.workers, nil, testLogger())
			ch, used := p.Stream(context.Background(), makeJobs(tt.jobs))
			for range ch {
			}

			limit := min(tt.workers, tt.jobs)
			if used != limit {
				t.Errorf("workers used = %d, want %d", used, limit)
			}
			if int(peak.Load()) > limit {
				t.Errorf("observed %d concurrent fetches, limit %d", peak.Load(), limit)
			}
			if p.PeakConcurrency() > limit {
				t.Errorf("PeakConcurrency = %d, limit %d", p.PeakConcurrency(), limit)
			}
		})
	}
}

// TestPoolWithFailures verifies failures are reported per job
func TestPoolWithFailures(t *testing.T) {
	fetch := func(ctx context.Context, ref objref.Ref) ([]byte, error) {
		if ref.Key == "inv/02.pdf" {
			return nil, errors.New("object missing")
		}
		return []byte("ok"), nil
	}
	p := NewPool(fetch, 3, nil, testLogger())
	results := p.Execute(context.Background(), makeJobs(5))

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			if r.Job.Index != 2 {
				t.Errorf("unexpected failure for job %d", r.Job.Index)
			}
		}
	}
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
}

// TestPoolContextCancellation verifies unstarted jobs are still reported
func TestPoolContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var started atomic.Int64
	fetch := func(ctx context.Context, ref objref.Ref) ([]byte, error) {
		if started.Add(1) == 1 {
			cancel()
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	p := NewPool(fetch, 1, nil, testLogger())
	results := p.Execute(ctx, makeJobs(6))

	if len(results) != 6 {
		t.Fatalf("got %d results, want 6", len(results))
	}
	for _, r := range results {
		if !errors.Is(r.Err, context.Canceled) {
			t.Errorf("job %d err = %v, want context.Canceled", r.Job.Index, r.Err)
		}
	}
	if started.Load() != 1 {
		t.Errorf("fetch started %d times, want 1", started.Load())
	}
}

// TestPoolEmptyJobs verifies an empty batch closes immediately
func TestPoolEmptyJobs(t *testing.T) {
	p := NewPool(nil, 4, nil, testLogger())
	ch, used := p.Stream(context.Background(), nil)
	if used != 0 {
		t.Errorf("workers used = %d, want 0", used)
	}
	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
}

// TestPoolSemaphoreGate verifies a shared semaphore tightens the bound
func TestPoolSemaphoreGate(t *testing.T) {
	var active, peak atomic.Int64
	fetch := func(ctx context.Context, ref objref.Ref) ([]byte, error) {
		cur := active.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	}
	p := NewPool(fetch, 8, NewSemaphoreGate(2), testLogger())
	p.Execute(context.Background(), makeJobs(12))

	if peak.Load() > 2 {
		t.Errorf("observed %d concurrent fetches through a 2-slot gate", peak.Load())
	}
}

// TestPoolRateGate verifies a rate limiter is accepted as a gate
func TestPoolRateGate(t *testing.T) {
	var calls atomic.Int64
	fetch := func(ctx context.Context, ref objref.Ref) ([]byte, error) {
		calls.Add(1)
		return nil, nil
	}
	p := NewPool(fetch, 4, rate.NewLimiter(rate.Inf, 1), testLogger())
	p.Execute(context.Background(), makeJobs(10))
	if calls.Load() != 10 {
		t.Errorf("calls = %d, want 10", calls.Load())
	}
}
