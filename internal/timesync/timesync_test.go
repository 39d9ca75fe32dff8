package timesync

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type skewLog struct {
	mu     sync.Mutex
	events []string
}

func (s *skewLog) RecordSkew(skew float64, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, status)
}

// newClockServer returns a server whose Date header is offset from real time.
func newClockServer(t *testing.T, offset time.Duration, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
		w.Header().Set("Date", time.Now().UTC().Add(offset).Format(http.TimeFormat))
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProbeClassification(t *testing.T) {
	tests := []struct {
		name       string
		offset     time.Duration
		wantStatus Status
		wantBuffer int
	}{
		{"in sync", 0, StatusOK, 1},
		{"small drift", 20 * time.Second, StatusOK, 1},
		{"remote ahead", 420 * time.Second, StatusSkewed, 5},
		{"remote behind", -600 * time.Second, StatusSkewed, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newClockServer(t, tt.offset, nil)
			rec := &skewLog{}
			v := New(Options{Endpoint: srv.URL}, srv.Client(), rec, testLogger())

			r := v.Probe(context.Background())
			if r.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s (skew %.1f)", r.Status, tt.wantStatus, r.SkewSeconds)
			}
			if r.RecommendedBufferMinutes != tt.wantBuffer {
				t.Errorf("buffer = %d, want %d", r.RecommendedBufferMinutes, tt.wantBuffer)
			}
			// local - remote: a remote clock ahead gives negative skew.
			wantSkew := -tt.offset.Seconds()
			if diff := r.SkewSeconds - wantSkew; diff < -2 || diff > 2 {
				t.Errorf("SkewSeconds = %.1f, want ~%.1f", r.SkewSeconds, wantSkew)
			}
			if tt.wantStatus == StatusSkewed && len(rec.events) != 1 {
				t.Errorf("expected one skew event, got %v", rec.events)
			}
		})
	}
}

func TestProbeUnknownOnFailure(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		v := New(Options{Endpoint: url, Timeout: time.Second}, nil, nil, testLogger())
		r := v.Probe(context.Background())
		if r.Status != StatusUnknown || r.SkewSeconds != 0 || r.RecommendedBufferMinutes != 3 {
			t.Errorf("unexpected result %+v", r)
		}
		if r.Error == "" {
			t.Error("expected error detail")
		}
	})

	t.Run("bad date", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Date", "yesterday-ish")
		}))
		defer srv.Close()

		v := New(Options{Endpoint: srv.URL}, srv.Client(), nil, testLogger())
		r := v.Probe(context.Background())
		if r.Status != StatusUnknown || r.RecommendedBufferMinutes != 3 {
			t.Errorf("unexpected result %+v", r)
		}
	})
}

func TestCheckCachesAndRefresh(t *testing.T) {
	var hits atomic.Int32
	srv := newClockServer(t, 0, &hits)
	v := New(Options{Endpoint: srv.URL, TTL: time.Minute}, srv.Client(), nil, testLogger())

	if _, ok := v.Cached(); ok {
		t.Fatal("cache should start empty")
	}
	for i := 0; i < 5; i++ {
		if b := v.BufferMinutes(context.Background()); b != 1 {
			t.Fatalf("BufferMinutes = %d, want 1", b)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("probes = %d, want 1 while cached", hits.Load())
	}
	if _, ok := v.Cached(); !ok {
		t.Error("expected cached result")
	}

	v.Refresh(context.Background())
	if hits.Load() != 2 {
		t.Errorf("probes after refresh = %d, want 2", hits.Load())
	}
}

func TestCheckExpires(t *testing.T) {
	var hits atomic.Int32
	srv := newClockServer(t, 0, &hits)
	v := New(Options{Endpoint: srv.URL, TTL: 50 * time.Millisecond}, srv.Client(), nil, testLogger())

	v.Check(context.Background())
	time.Sleep(120 * time.Millisecond)
	v.Check(context.Background())

	if hits.Load() != 2 {
		t.Errorf("probes = %d, want 2 after TTL expiry", hits.Load())
	}
}

func TestCheckIgnoresCallerCancellation(t *testing.T) {
	var hits atomic.Int32
	srv := newClockServer(t, 0, &hits)
	v := New(Options{Endpoint: srv.URL, TTL: time.Minute}, srv.Client(), nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	first := v.Check(ctx)
	if first.Status != StatusOK {
		t.Errorf("cancelled caller status = %s, want %s", first.Status, StatusOK)
	}

	second := v.Check(context.Background())
	if second.Status != StatusOK || second.RecommendedBufferMinutes != 1 {
		t.Errorf("second check = %s/%d, want %s/1", second.Status, second.RecommendedBufferMinutes, StatusOK)
	}
	if hits.Load() != 1 {
		t.Errorf("probes = %d, want 1", hits.Load())
	}
}

func TestConcurrentChecksShareProbe(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}))
	defer srv.Close()

	v := New(Options{Endpoint: srv.URL}, srv.Client(), nil, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v.Check(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if hits.Load() != 1 {
		t.Errorf("probes = %d, want 1 for concurrent misses", hits.Load())
	}
}

func TestBufferFor(t *testing.T) {
	if BufferFor(StatusOK) != 1 || BufferFor(StatusUnknown) != 3 || BufferFor(StatusSkewed) != 5 {
		t.Error("unexpected buffer mapping")
	}
}
