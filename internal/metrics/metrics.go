// Package metrics keeps in-process counters and bounded rolling histories
// for signed-URL generation, object downloads and archive builds.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/BadgerOps/dtebundle/internal/faults"
)

// DefaultMaxHistory bounds every rolling history when no size is given.
const DefaultMaxHistory = 1000

// Strategy name whose use is additionally counted as sign_blob_api_used.
const signBlobStrategy = "sign_blob"

// Counters are the monotonic totals since start or the last Reset.
type Counters struct {
	URLGenerationSuccess int64 `json:"url_generation_success"`
	URLGenerationFailure int64 `json:"url_generation_failure"`
	SignatureErrors      int64 `json:"signature_errors"`
	ClockSkewDetected    int64 `json:"clock_skew_detected"`
	DownloadsSuccess     int64 `json:"downloads_success"`
	DownloadsFailure     int64 `json:"downloads_failure"`
	RetriesAttempted     int64 `json:"retries_attempted"`
	BytesDownloaded      int64 `json:"bytes_downloaded"`
	InputErrors          int64 `json:"input_errors"`
	SignBlobAPIUsed      int64 `json:"sign_blob_api_used"`
	ArchivesReady        int64 `json:"archives_ready"`
	ArchivesPartial      int64 `json:"archives_partial"`
	ArchivesFailed       int64 `json:"archives_failed"`
}

// BucketCounts are per-bucket URL generation outcomes.
type BucketCounts struct {
	Success int64 `json:"success"`
	Failure int64 `json:"failure"`
}

// ErrorEvent is one entry of the recent errors history.
type ErrorEvent struct {
	Time   time.Time   `json:"time"`
	Op     string      `json:"op"`
	Kind   faults.Kind `json:"kind"`
	Detail string      `json:"detail,omitempty"`
}

// SkewEvent records a time-sync probe that found the local clock drifting.
type SkewEvent struct {
	Time        time.Time `json:"time"`
	SkewSeconds float64   `json:"skew_seconds"`
	Status      string    `json:"status"`
}

// DownloadSample is one entry of the download history.
type DownloadSample struct {
	Time           time.Time `json:"time"`
	SizeBytes      int64     `json:"size_bytes"`
	DurationMs     float64   `json:"duration_ms"`
	Success        bool      `json:"success"`
	Retries        int       `json:"retries"`
	SignatureError bool      `json:"signature_error"`
}

// Snapshot is a point-in-time copy of the collector state.
type Snapshot struct {
	Counters

	Buckets       map[string]BucketCounts `json:"buckets"`
	Strategies    map[string]int64        `json:"strategies"`
	RetriesByKind map[string]int64        `json:"retries_by_kind"`

	URLSuccessRate      float64 `json:"url_success_rate"`
	DownloadSuccessRate float64 `json:"download_success_rate"`
	AvgURLGenerationMs  float64 `json:"avg_url_generation_ms"`
	P95URLGenerationMs  float64 `json:"p95_url_generation_ms"`
	AvgDownloadMs       float64 `json:"avg_download_ms"`
	AvgDownloadBytes    float64 `json:"avg_download_bytes"`
	AvgArchiveMs        float64 `json:"avg_archive_ms"`
	RecentSkewEvents    int     `json:"recent_skew_events"`

	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Enabled       bool      `json:"enabled"`
}

// Collector aggregates metrics. All methods are safe for concurrent use.
// A disabled collector accepts every call and records nothing.
type Collector struct {
	mu         sync.Mutex
	enabled    bool
	maxHistory int
	now        func() time.Time

	start         time.Time
	counters      Counters
	buckets       map[string]*BucketCounts
	strategies    map[string]int64
	retriesByKind map[string]int64

	latencies map[string][]float64 // op -> recent durations in ms
	downloads []DownloadSample
	errors    []ErrorEvent
	skews     []SkewEvent
}

// New creates a Collector whose histories keep at most maxHistory entries.
func New(maxHistory int, enabled bool) *Collector {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	c := &Collector{
		enabled:    enabled,
		maxHistory: maxHistory,
		now:        time.Now,
	}
	c.resetLocked()
	return c
}

// Enabled reports whether the collector records anything.
func (c *Collector) Enabled() bool {
	return c != nil && c.enabled
}

// RecordURLGeneration records the outcome of one signed-URL request.
func (c *Collector) RecordURLGeneration(bucket string, d time.Duration, success, clockSkewDetected bool) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	bc := c.buckets[bucket]
	if bc == nil {
		bc = &BucketCounts{}
		c.buckets[bucket] = bc
	}
	if success {
		c.counters.URLGenerationSuccess++
		bc.Success++
	} else {
		c.counters.URLGenerationFailure++
		bc.Failure++
	}
	if clockSkewDetected {
		c.counters.ClockSkewDetected++
	}
	c.appendLatencyLocked("url_generation", d)
}

// RecordDownload records one object fetch.
func (c *Collector) RecordDownload(sizeBytes int64, d time.Duration, success bool, retries int, signatureError bool) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if success {
		c.counters.DownloadsSuccess++
		c.counters.BytesDownloaded += sizeBytes
	} else {
		c.counters.DownloadsFailure++
	}
	c.downloads = appendBounded(c.downloads, DownloadSample{
		Time:           c.now(),
		SizeBytes:      sizeBytes,
		DurationMs:     ms(d),
		Success:        success,
		Retries:        retries,
		SignatureError: signatureError,
	}, c.maxHistory)
	c.appendLatencyLocked("download", d)
}

// RecordRetry counts one retry scheduled after a failure of the given kind.
func (c *Collector) RecordRetry(op string, kind faults.Kind) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters.RetriesAttempted++
	c.retriesByKind[string(kind)]++
}

// RecordFailure adds a failed attempt to the recent errors history.
// Signature mismatches are also counted in signature_errors.
func (c *Collector) RecordFailure(op string, kind faults.Kind, err error) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind == faults.SignatureMismatch {
		c.counters.SignatureErrors++
	}
	ev := ErrorEvent{Time: c.now(), Op: op, Kind: kind}
	if err != nil {
		ev.Detail = err.Error()
	}
	c.errors = appendBounded(c.errors, ev, c.maxHistory)
}

// RecordSkew adds a time-sync observation to the skew history.
func (c *Collector) RecordSkew(skewSeconds float64, status string) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skews = appendBounded(c.skews, SkewEvent{Time: c.now(), SkewSeconds: skewSeconds, Status: status}, c.maxHistory)
}

// RecordInputError counts a request rejected before any network call.
func (c *Collector) RecordInputError() {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters.InputErrors++
}

// RecordStrategy counts a successful signature produced by the named strategy.
func (c *Collector) RecordStrategy(name string) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategies[name]++
	if name == signBlobStrategy {
		c.counters.SignBlobAPIUsed++
	}
}

// RecordArchive counts a finished archive job by terminal state.
func (c *Collector) RecordArchive(state string, d time.Duration) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch state {
	case "READY":
		c.counters.ArchivesReady++
	case "PARTIAL":
		c.counters.ArchivesPartial++
	default:
		c.counters.ArchivesFailed++
	}
	c.appendLatencyLocked("archive", d)
}

// Summary returns a copy of the current state with derived rates and averages.
func (c *Collector) Summary() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Counters:      c.counters,
		Buckets:       make(map[string]BucketCounts, len(c.buckets)),
		Strategies:    make(map[string]int64, len(c.strategies)),
		RetriesByKind: make(map[string]int64, len(c.retriesByKind)),
		StartedAt:     c.start,
		UptimeSeconds: c.now().Sub(c.start).Seconds(),
		Enabled:       c.enabled,
	}
	for k, v := range c.buckets {
		s.Buckets[k] = *v
	}
	for k, v := range c.strategies {
		s.Strategies[k] = v
	}
	for k, v := range c.retriesByKind {
		s.RetriesByKind[k] = v
	}

	s.URLSuccessRate = rate(c.counters.URLGenerationSuccess, c.counters.URLGenerationFailure)
	s.DownloadSuccessRate = rate(c.counters.DownloadsSuccess, c.counters.DownloadsFailure)
	s.AvgURLGenerationMs = mean(c.latencies["url_generation"])
	s.P95URLGenerationMs = percentile(c.latencies["url_generation"], 0.95)
	s.AvgDownloadMs = mean(c.latencies["download"])
	s.AvgArchiveMs = mean(c.latencies["archive"])
	s.RecentSkewEvents = len(c.skews)

	if n := len(c.downloads); n > 0 {
		var total int64
		for _, d := range c.downloads {
			total += d.SizeBytes
		}
		s.AvgDownloadBytes = float64(total) / float64(n)
	}
	return s
}

// RecentErrors returns up to limit of the newest errors, newest first.
func (c *Collector) RecentErrors(limit int) []ErrorEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit <= 0 || limit > len(c.errors) {
		limit = len(c.errors)
	}
	out := make([]ErrorEvent, 0, limit)
	for i := len(c.errors) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, c.errors[i])
	}
	return out
}

// RecentSkewEvents returns a copy of the skew history, oldest first.
func (c *Collector) RecentSkewEvents() []SkewEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SkewEvent(nil), c.skews...)
}

// RecentDownloads returns a copy of the download history, oldest first.
func (c *Collector) RecentDownloads() []DownloadSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]DownloadSample(nil), c.downloads...)
}

// Reset clears every counter and history and restarts the uptime clock.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *Collector) resetLocked() {
	c.start = c.now()
	c.counters = Counters{}
	c.buckets = make(map[string]*BucketCounts)
	c.strategies = make(map[string]int64)
	c.retriesByKind = make(map[string]int64)
	c.latencies = make(map[string][]float64)
	c.downloads = nil
	c.errors = nil
	c.skews = nil
}

func (c *Collector) appendLatencyLocked(op string, d time.Duration) {
	c.latencies[op] = appendBounded(c.latencies[op], ms(d), c.maxHistory)
}

// appendBounded appends v and drops the oldest entries beyond max.
func appendBounded[T any](s []T, v T, max int) []T {
	s = append(s, v)
	if over := len(s) - max; over > 0 {
		s = append(s[:0:0], s[over:]...)
	}
	return s
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func rate(ok, fail int64) float64 {
	total := ok + fail
	if total == 0 {
		return 0
	}
	return float64(ok) / float64(total)
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func percentile(v []float64, p float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sorted := append([]float64(nil), v...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
