package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BadgerOps/dtebundle/internal/metrics"
	"github.com/BadgerOps/dtebundle/internal/objref"
	"github.com/BadgerOps/dtebundle/internal/retry"
	"github.com/BadgerOps/dtebundle/internal/signer"
	"github.com/BadgerOps/dtebundle/internal/storage"
)

const (
	readBucket    = "inv-read"
	archiveBucket = "dte-archives"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRetry(mc *metrics.Collector) *retry.Strategy {
	return retry.New(retry.Policy{
		MaxRetries:         3,
		BaseDelay:          time.Microsecond,
		SignatureBaseDelay: time.Microsecond,
		MaxDelay:           time.Millisecond,
	}, mc, testLogger())
}

func ref(key string) objref.Ref {
	return objref.Ref{Bucket: readBucket, Key: key}
}

// memStore is an in-memory storage.Store that tracks concurrent reads.
type memStore struct {
	mu       sync.Mutex
	objects  map[objref.Ref][]byte
	types    map[objref.Ref]string
	delay    time.Duration
	delays   map[objref.Ref]time.Duration
	readErrs map[objref.Ref][]error // consumed one per Read
	writeErr error
	writes   int

	active atomic.Int64
	peak   atomic.Int64
}

func newMemStore() *memStore {
	return &memStore{
		objects:  make(map[objref.Ref][]byte),
		types:    make(map[objref.Ref]string),
		delays:   make(map[objref.Ref]time.Duration),
		readErrs: make(map[objref.Ref][]error),
	}
}

func (m *memStore) put(r objref.Ref, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[r] = data
}

func (m *memStore) Stat(ctx context.Context, r objref.Ref) (storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[r]
	if !ok {
		return storage.ObjectInfo{}, storage.NotFound("stat", r, errors.New("no such object"))
	}
	return storage.ObjectInfo{Ref: r, Size: int64(len(data))}, nil
}

func (m *memStore) Read(ctx context.Context, r objref.Ref) ([]byte, error) {
	cur := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		p := m.peak.Load()
		if cur <= p || m.peak.CompareAndSwap(p, cur) {
			break
		}
	}

	m.mu.Lock()
	d := m.delay
	if v, ok := m.delays[r]; ok {
		d = v
	}
	m.mu.Unlock()
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if errs := m.readErrs[r]; len(errs) > 0 {
		m.readErrs[r] = errs[1:]
		return nil, errs[0]
	}
	data, ok := m.objects[r]
	if !ok {
		return nil, storage.NotFound("read", r, errors.New("no such object"))
	}
	return append([]byte(nil), data...), nil
}

func (m *memStore) Write(ctx context.Context, r objref.Ref, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.writeErr != nil {
		return m.writeErr
	}
	m.objects[r] = append([]byte(nil), data...)
	m.types[r] = contentType
	return nil
}

// fakeSigner mints unsigned placeholder URLs under base.
type fakeSigner struct {
	base  string
	err   error
	calls atomic.Int64
}

func (f *fakeSigner) Sign(ctx context.Context, r objref.Ref, opts signer.SignOptions) (*signer.SignedURL, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	base := f.base
	if base == "" {
		base = "https://storage.googleapis.com"
	}
	return &signer.SignedURL{
		URL:       base + "/" + r.Bucket + "/" + r.Key + "?X-Goog-Signature=00",
		ExpiresAt: time.Now().Add(time.Hour),
		Method:    "GET",
		Ref:       r,
		Strategy:  "fake",
	}, nil
}

// jobRecorder collects recorded jobs.
type jobRecorder struct {
	mu   sync.Mutex
	jobs []*Job
}

func (r *jobRecorder) RecordJob(ctx context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func newTestPackager(t *testing.T, store *memStore, opts Options, mc *metrics.Collector) *Packager {
	t.Helper()
	if opts.ArchiveBucket == "" {
		opts.ArchiveBucket = archiveBucket
	}
	if opts.ArchivePrefix == "" {
		opts.ArchivePrefix = "zips/"
	}
	p, err := New(opts, Deps{
		Store:   store,
		Signer:  &fakeSigner{},
		Retry:   testRetry(mc),
		Metrics: mc,
	}, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return p
}

// openArchive reads the uploaded archive of job and returns entry name → contents.
func openArchive(t *testing.T, store *memStore, job *Job) map[string]string {
	t.Helper()
	if job.ArchiveRef == nil {
		t.Fatal("job has no archive")
	}
	store.mu.Lock()
	data, ok := store.objects[*job.ArchiveRef]
	store.mu.Unlock()
	if !ok {
		t.Fatalf("archive %s was not uploaded", job.ArchiveRef)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("archive does not open: %v", err)
	}
	entries := make(map[string]string)
	for _, f := range zr.File {
		if f.Method != zip.Deflate {
			t.Errorf("entry %s uses method %d, want deflate", f.Name, f.Method)
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open entry %s: %v", f.Name, err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read entry %s: %v", f.Name, err)
		}
		entries[f.Name] = string(b)
	}
	return entries
}

func includedKeys(job *Job) []string {
	var out []string
	for _, f := range job.Included {
		out = append(out, f.Ref.Key)
	}
	sort.Strings(out)
	return out
}

func missingKeys(job *Job) []string {
	var out []string
	for _, f := range job.Missing {
		out = append(out, f.Ref.Key)
	}
	sort.Strings(out)
	return out
}
