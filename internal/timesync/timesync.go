// Package timesync measures drift between the local clock and the object
// storage service clock, and turns it into extra validity for signed URLs.
package timesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

// Status classifies a probe.
type Status string

const (
	StatusOK      Status = "OK"
	StatusSkewed  Status = "SKEWED"
	StatusUnknown Status = "UNKNOWN"
)

const (
	DefaultEndpoint  = "https://storage.googleapis.com"
	DefaultThreshold = 60 * time.Second
	DefaultTTL       = 60 * time.Second
	DefaultTimeout   = 5 * time.Second

	cacheKey = "probe"
)

// Result is the outcome of one probe.
type Result struct {
	LocalTime                time.Time `json:"local_time"`
	RemoteTime               time.Time `json:"remote_time,omitempty"`
	SkewSeconds              float64   `json:"skew_seconds"`
	Status                   Status    `json:"status"`
	RecommendedBufferMinutes int       `json:"recommended_buffer_minutes"`
	Endpoint                 string    `json:"endpoint"`
	Error                    string    `json:"error,omitempty"`
}

// Options configures a Validator. Zero values take the defaults.
type Options struct {
	Endpoint  string
	Threshold time.Duration // |skew| below this is OK
	TTL       time.Duration
	Timeout   time.Duration // capped at 5s

	OKBufferMinutes      int
	UnknownBufferMinutes int
	SkewedBufferMinutes  int
}

func (o *Options) setDefaults() {
	if o.Endpoint == "" {
		o.Endpoint = DefaultEndpoint
	}
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Timeout <= 0 || o.Timeout > DefaultTimeout {
		o.Timeout = DefaultTimeout
	}
	if o.OKBufferMinutes <= 0 {
		o.OKBufferMinutes = 1
	}
	if o.UnknownBufferMinutes <= 0 {
		o.UnknownBufferMinutes = 3
	}
	if o.SkewedBufferMinutes <= 0 {
		o.SkewedBufferMinutes = 5
	}
}

// SkewRecorder receives every probe that found the clocks drifting.
type SkewRecorder interface {
	RecordSkew(skewSeconds float64, status string)
}

// Validator probes the remote clock and caches the result for a short TTL.
// It is safe for concurrent use; concurrent cache misses share one probe.
type Validator struct {
	opts     Options
	client   *http.Client
	cache    *ttlcache.Cache[string, Result]
	group    singleflight.Group
	recorder SkewRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Validator. client and recorder may be nil.
func New(opts Options, client *http.Client, recorder SkewRecorder, logger *slog.Logger) *Validator {
	opts.setDefaults()
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		opts:   opts,
		client: client,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, Result](opts.TTL),
			ttlcache.WithDisableTouchOnHit[string, Result](),
		),
		recorder: recorder,
		logger:   logger.With("component", "timesync"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Check returns the cached result, probing when the cache is empty or expired.
func (v *Validator) Check(ctx context.Context) Result {
	if item := v.cache.Get(cacheKey); item != nil {
		return item.Value()
	}
	res, _, _ := v.group.Do(cacheKey, func() (any, error) {
		if item := v.cache.Get(cacheKey); item != nil {
			return item.Value(), nil
		}
		// The shared probe outlives any single caller; Probe bounds it with opts.Timeout.
		r := v.Probe(context.WithoutCancel(ctx))
		v.cache.Set(cacheKey, r, ttlcache.DefaultTTL)
		return r, nil
	})
	return res.(Result)
}

// BufferMinutes returns the recommended expiry padding for signed URLs.
func (v *Validator) BufferMinutes(ctx context.Context) int {
	return v.Check(ctx).RecommendedBufferMinutes
}

// Refresh drops the cached result and probes again.
func (v *Validator) Refresh(ctx context.Context) Result {
	v.cache.Delete(cacheKey)
	return v.Check(ctx)
}

// Cached returns the cached result without probing.
func (v *Validator) Cached() (Result, bool) {
	if item := v.cache.Get(cacheKey); item != nil {
		return item.Value(), true
	}
	return Result{}, false
}

// Probe sends a HEAD request to the endpoint and compares its Date header
// with the local UTC clock. It never fails: network or parse errors yield
// StatusUnknown with zero skew.
func (v *Validator) Probe(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
	defer cancel()

	remote, err := v.remoteTime(ctx)
	local := v.now()
	if err != nil {
		v.logger.Warn("time sync probe failed", "endpoint", v.opts.Endpoint, "error", err)
		r := Result{
			LocalTime:                local,
			Status:                   StatusUnknown,
			RecommendedBufferMinutes: v.opts.UnknownBufferMinutes,
			Endpoint:                 v.opts.Endpoint,
			Error:                    err.Error(),
		}
		v.record(r)
		return r
	}

	skew := local.Sub(remote).Seconds()
	r := Result{
		LocalTime:   local,
		RemoteTime:  remote,
		SkewSeconds: skew,
		Endpoint:    v.opts.Endpoint,
	}
	if math.Abs(skew) < v.opts.Threshold.Seconds() {
		r.Status = StatusOK
		r.RecommendedBufferMinutes = v.opts.OKBufferMinutes
	} else {
		r.Status = StatusSkewed
		r.RecommendedBufferMinutes = v.opts.SkewedBufferMinutes
		v.logger.Warn("clock skew detected", "skew_seconds", skew, "buffer_minutes", r.RecommendedBufferMinutes)
	}
	v.record(r)
	return r
}

func (v *Validator) remoteTime(ctx context.Context) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, v.opts.Endpoint, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("building request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("head request: %w", err)
	}
	resp.Body.Close()

	date := resp.Header.Get("Date")
	if date == "" {
		return time.Time{}, errors.New("response has no Date header")
	}
	remote, err := http.ParseTime(date)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing Date header %q: %w", date, err)
	}
	return remote.UTC(), nil
}

func (v *Validator) record(r Result) {
	if v.recorder != nil && r.Status == StatusSkewed {
		v.recorder.RecordSkew(r.SkewSeconds, string(r.Status))
	}
}

// BufferFor maps a status to its default buffer minutes.
func BufferFor(s Status) int {
	switch s {
	case StatusOK:
		return 1
	case StatusSkewed:
		return 5
	default:
		return 3
	}
}
