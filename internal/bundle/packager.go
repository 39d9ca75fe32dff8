package bundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/BadgerOps/dtebundle/internal/download"
	"github.com/BadgerOps/dtebundle/internal/faults"
	"github.com/BadgerOps/dtebundle/internal/metrics"
	"github.com/BadgerOps/dtebundle/internal/objref"
	"github.com/BadgerOps/dtebundle/internal/retry"
	"github.com/BadgerOps/dtebundle/internal/safety"
	"github.com/BadgerOps/dtebundle/internal/signer"
	"github.com/BadgerOps/dtebundle/internal/storage"
)

// Fetch modes.
const (
	FetchDirect = "direct"
	FetchSigned = "signed"
)

const recordTimeout = 10 * time.Second

// URLSigner mints signed URLs. *signer.Signer satisfies it.
type URLSigner interface {
	Sign(ctx context.Context, ref objref.Ref, opts signer.SignOptions) (*signer.SignedURL, error)
}

// JobRecorder persists finished jobs.
type JobRecorder interface {
	RecordJob(ctx context.Context, job *Job) error
}

// Options configures a Packager.
type Options struct {
	MaxWorkers    int
	FetchMode     string
	FetchTimeout  time.Duration // fetch phase only; 0 means no extra deadline
	ArchiveBucket string
	ArchivePrefix string
	// ExpirationMinutes for the archive URL; 0 uses the signer default.
	ExpirationMinutes int
	CompressionLevel  int
	// Gate is consulted before every fetch, e.g. a *rate.Limiter.
	Gate download.Gate
}

// Deps are the collaborators of a Packager.
type Deps struct {
	Store    storage.Store
	Signer   URLSigner
	Client   *download.Client // signed fetch mode only
	Retry    *retry.Strategy
	Metrics  *metrics.Collector
	Recorder JobRecorder // optional
}

// Packager builds archives. It is safe for concurrent use.
type Packager struct {
	opts   Options
	deps   Deps
	logger *slog.Logger

	pending sync.WaitGroup
}

// New creates a Packager.
func New(opts Options, deps Deps, logger *slog.Logger) (*Packager, error) {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 10
	}
	if opts.FetchMode == "" {
		opts.FetchMode = FetchDirect
	}
	if opts.CompressionLevel == 0 {
		opts.CompressionLevel = flate.DefaultCompression
	}
	if logger == nil {
		logger = slog.Default()
	}
	switch {
	case deps.Store == nil:
		return nil, errors.New("bundle: storage is required")
	case deps.Signer == nil:
		return nil, errors.New("bundle: signer is required")
	case opts.ArchiveBucket == "":
		return nil, errors.New("bundle: archive bucket is required")
	case opts.FetchMode != FetchDirect && opts.FetchMode != FetchSigned:
		return nil, fmt.Errorf("bundle: unknown fetch mode %q", opts.FetchMode)
	case opts.FetchMode == FetchSigned && deps.Client == nil:
		return nil, errors.New("bundle: signed fetch mode needs a download client")
	}
	if deps.Retry == nil {
		deps.Retry = retry.New(retry.DefaultPolicy(), deps.Metrics, logger)
	}
	return &Packager{opts: opts, deps: deps, logger: logger.With("component", "bundle")}, nil
}

// Package fetches refs in parallel, writes them into one DEFLATE archive,
// uploads it and signs it. The returned job is always terminal. An error
// is returned only for invalid input, in which case no work is done.
func (p *Packager) Package(ctx context.Context, jobID string, refs []objref.Ref, archiveName string) (*Job, error) {
	if err := p.checkInput(&jobID, refs); err != nil {
		p.deps.Metrics.RecordInputError()
		return nil, err
	}

	start := time.Now()
	job := &Job{
		ID:            jobID,
		RequestedKeys: append([]objref.Ref(nil), refs...),
		State:         StateRunning,
		Included:      []IncludedFile{},
		Missing:       []MissingFile{},
		CreatedAt:     start.UTC(),
	}
	logger := p.logger.With("job_id", jobID)
	logger.Info("building archive", "objects", len(refs), "max_workers", p.opts.MaxWorkers, "fetch_mode", p.opts.FetchMode)

	archive, inputBytes, err := p.build(ctx, job, logger)
	if err != nil {
		job.fail(faults.Internal, fmt.Errorf("writing archive: %w", err))
	} else {
		if len(job.Included) > 0 {
			job.SizeBytes = int64(archive.Len())
		}
		if inputBytes > 0 {
			job.CompressionRatio = min(float64(job.SizeBytes)/float64(inputBytes), 1)
		}
		job.classify()
		switch {
		case job.State != StateFailed:
			p.publish(ctx, job, archive.Bytes(), archiveName, logger)
		case len(job.Missing) > 0:
			job.ErrorKind = job.Missing[0].Kind
			job.ErrorMessage = "no requested object could be fetched: " + job.Missing[0].Reason
		}
	}

	if job.State == StatePartial {
		job.ErrorKind = faults.PartialSuccess
		job.ErrorMessage = fmt.Sprintf("missing %d of %d objects: %s", len(job.Missing), len(refs), strings.Join(job.MissingKeys(), ", "))
	}
	job.GenerationTimeMs = time.Since(start).Milliseconds()
	job.FinishedAt = time.Now().UTC()

	p.deps.Metrics.RecordArchive(string(job.State), time.Since(start))
	logger.Info("archive finished",
		"state", job.State,
		"included", len(job.Included),
		"missing", len(job.Missing),
		"size_bytes", job.SizeBytes,
		"generation_ms", job.GenerationTimeMs,
		"parallel_download_ms", job.ParallelDownloadTimeMs,
		"workers", job.WorkersUsed)
	p.record(job, logger)
	return job, nil
}

// Flush waits for pending job recordings.
func (p *Packager) Flush() {
	p.pending.Wait()
}

func (p *Packager) checkInput(jobID *string, refs []objref.Ref) error {
	if len(refs) == 0 {
		return faults.Newf(faults.InvalidInput, "package", "empty key list")
	}
	if *jobID == "" {
		*jobID = uuid.NewString()
	} else if _, err := uuid.Parse(*jobID); err != nil {
		return faults.Newf(faults.InvalidInput, "package", "job id %q is not a UUID", *jobID)
	}
	for _, ref := range refs {
		if err := ref.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// build runs the fetch pool and writes results in completion order. It
// returns the archive and the total size of the included inputs.
func (p *Packager) build(ctx context.Context, job *Job, logger *slog.Logger) (*bytes.Buffer, int64, error) {
	fetchCtx := ctx
	if p.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.opts.FetchTimeout)
		defer cancel()
	}

	jobs := make([]download.Job, len(job.RequestedKeys))
	for i, ref := range job.RequestedKeys {
		jobs[i] = download.Job{Index: i, Ref: ref}
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	level := p.opts.CompressionLevel
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		fw, err := flate.NewWriter(w, level)
		if err != nil {
			return nil, err
		}
		return fw, nil
	})

	pool := download.NewPool(p.fetch, p.opts.MaxWorkers, p.opts.Gate, logger)
	names := newEntryNames()
	included := make(map[int]IncludedFile, len(jobs))
	missing := make(map[int]MissingFile)
	var inputBytes int64
	var writeErr error

	parallelStart := time.Now()
	results, workers := pool.Stream(fetchCtx, jobs)
	job.WorkersUsed = workers
	for r := range results {
		if r.Err != nil {
			missing[r.Job.Index] = MissingFile{Ref: r.Job.Ref, Kind: faults.Classify(r.Err), Reason: r.Err.Error()}
			continue
		}
		if writeErr != nil {
			missing[r.Job.Index] = MissingFile{Ref: r.Job.Ref, Kind: faults.Internal, Reason: writeErr.Error()}
			continue
		}
		name := names.next(r.Job.Ref.Key)
		if err := writeEntry(zw, name, r.Data); err != nil {
			writeErr = err
			missing[r.Job.Index] = MissingFile{Ref: r.Job.Ref, Kind: faults.Internal, Reason: err.Error()}
			continue
		}
		included[r.Job.Index] = IncludedFile{Ref: r.Job.Ref, EntryName: name, SizeBytes: int64(len(r.Data))}
		inputBytes += int64(len(r.Data))
	}
	job.ParallelDownloadTimeMs = time.Since(parallelStart).Milliseconds()

	job.Included = sortedByIndex(included)
	job.Missing = sortedByIndex(missing)
	if writeErr != nil {
		return nil, 0, writeErr
	}
	if err := zw.Close(); err != nil {
		return nil, 0, err
	}
	return &buf, inputBytes, nil
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("creating entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing entry %s: %w", name, err)
	}
	return nil
}

func sortedByIndex[T any](m map[int]T) []T {
	idx := make([]int, 0, len(m))
	for i := range m {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]T, 0, len(idx))
	for _, i := range idx {
		out = append(out, m[i])
	}
	return out
}

// fetch resolves one object's bytes under the retry strategy.
func (p *Packager) fetch(ctx context.Context, ref objref.Ref) ([]byte, error) {
	start := time.Now()
	var (
		data []byte
		out  retry.Outcome
		err  error
	)
	if p.opts.FetchMode == FetchSigned {
		data, out, err = p.fetchSigned(ctx, ref)
	} else {
		data, out, err = retry.Do(ctx, p.deps.Retry, "read", func(ctx context.Context) ([]byte, error) {
			return p.deps.Store.Read(ctx, ref)
		})
	}
	p.deps.Metrics.RecordDownload(int64(len(data)), time.Since(start), err == nil, out.Retries(),
		faults.Is(err, faults.SignatureMismatch))
	return data, err
}

// fetchSigned signs ref and downloads it. A rejected signature drops the
// URL so the next attempt signs again.
func (p *Packager) fetchSigned(ctx context.Context, ref objref.Ref) ([]byte, retry.Outcome, error) {
	su, err := p.deps.Signer.Sign(ctx, ref, signer.SignOptions{})
	if err != nil {
		return nil, retry.Outcome{Attempts: 1, FinalKind: faults.Classify(err)}, err
	}
	return retry.Do(ctx, p.deps.Retry, "download", func(ctx context.Context) ([]byte, error) {
		if su == nil {
			s, err := p.deps.Signer.Sign(ctx, ref, signer.SignOptions{})
			if err != nil {
				return nil, err
			}
			su = s
		}
		data, err := p.deps.Client.Fetch(ctx, su.URL)
		if faults.Is(err, faults.SignatureMismatch) {
			su = nil
		}
		return data, err
	})
}

// publish uploads the archive and signs it, failing the job on either error.
func (p *Packager) publish(ctx context.Context, job *Job, data []byte, archiveName string, logger *slog.Logger) {
	ref := objref.Ref{Bucket: p.opts.ArchiveBucket, Key: p.archiveKey(job.ID, archiveName)}

	err := p.deps.Retry.Execute(ctx, "upload", func(ctx context.Context) error {
		return p.deps.Store.Write(ctx, ref, data, storage.ContentTypeZip)
	})
	if err != nil {
		logger.Error("archive upload failed", "archive", ref.String(), "error", err)
		job.fail(faults.ArchiveUploadFailed, err)
		return
	}
	job.ArchiveRef = &ref

	su, err := p.deps.Signer.Sign(ctx, ref, signer.SignOptions{
		ExpirationMinutes:  p.opts.ExpirationMinutes,
		SkipExistenceCheck: true,
	})
	if err != nil {
		logger.Error("archive signing failed", "archive", ref.String(), "error", err)
		job.fail(faults.Classify(err), err)
		return
	}
	job.ArchiveURL = su
}

func (p *Packager) archiveKey(jobID, archiveName string) string {
	if name := safety.ArchiveName(archiveName); name != "" {
		return p.opts.ArchivePrefix + name
	}
	return p.opts.ArchivePrefix + jobID + ".zip"
}

// record hands the job to the recorder without blocking the caller.
func (p *Packager) record(job *Job, logger *slog.Logger) {
	if p.deps.Recorder == nil {
		return
	}
	snapshot := *job
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := p.deps.Recorder.RecordJob(ctx, &snapshot); err != nil {
			logger.Warn("failed to record job", "error", err)
		}
	}()
}
