// Package signer mints V4 signed URLs for objects in Cloud Storage. Expiry
// is padded by the time-sync buffer, signing falls back through a chain of
// credential strategies, and every URL passes ValidateURL before release.
package signer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BadgerOps/dtebundle/internal/faults"
	"github.com/BadgerOps/dtebundle/internal/metrics"
	"github.com/BadgerOps/dtebundle/internal/objref"
	"github.com/BadgerOps/dtebundle/internal/retry"
	"github.com/BadgerOps/dtebundle/internal/storage"
	"github.com/BadgerOps/dtebundle/internal/timesync"
)

// SignedURL is a minted URL. It is opaque to callers.
type SignedURL struct {
	URL           string     `json:"url"`
	ExpiresAt     time.Time  `json:"expires_at"`
	Method        string     `json:"method"`
	Ref           objref.Ref `json:"ref"`
	Strategy      string     `json:"strategy"`
	BufferMinutes int        `json:"buffer_minutes"`
}

// SignOptions tunes one Sign call. Zero values take the signer defaults.
type SignOptions struct {
	Method            string // GET (default) or PUT
	ExpirationMinutes int
	// BufferMinutes overrides the time-sync buffer when set.
	BufferMinutes *int
	// SkipExistenceCheck avoids the Stat call, e.g. for freshly written objects.
	SkipExistenceCheck bool
}

// Clock supplies the expiry buffer.
type Clock interface {
	Check(ctx context.Context) timesync.Result
	Refresh(ctx context.Context) timesync.Result
}

// Stater is the part of storage.Store the signer needs.
type Stater interface {
	Stat(ctx context.Context, ref objref.Ref) (storage.ObjectInfo, error)
}

// Options configures a Signer.
type Options struct {
	DefaultExpiration time.Duration // default 1h
	// FixedBufferMinutes replaces the time-sync buffer when > 0.
	FixedBufferMinutes int
	RequestTimeout     time.Duration // per attempt, default 30s
	DefaultBucket      string
	BatchChunkSize     int // default 50
	BatchConcurrency   int // default 8
}

func (o *Options) setDefaults() {
	if o.DefaultExpiration <= 0 {
		o.DefaultExpiration = time.Hour
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.BatchChunkSize <= 0 {
		o.BatchChunkSize = 50
	}
	if o.BatchConcurrency <= 0 {
		o.BatchConcurrency = 8
	}
}

// Signer mints signed URLs. It is safe for concurrent use.
type Signer struct {
	opts       Options
	store      Stater
	strategies []Strategy
	clock      Clock
	retry      *retry.Strategy
	metrics    *metrics.Collector
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Signer. strategies are tried in the given order.
func New(opts Options, store Stater, strategies []Strategy, clock Clock, rs *retry.Strategy, mc *metrics.Collector, logger *slog.Logger) *Signer {
	opts.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if rs == nil {
		rs = retry.New(retry.DefaultPolicy(), mc, logger)
	}
	return &Signer{
		opts:       opts,
		store:      store,
		strategies: strategies,
		clock:      clock,
		retry:      rs,
		metrics:    mc,
		logger:     logger.With("component", "signer"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Strategies returns the configured chain, in order.
func (s *Signer) Strategies() []Strategy {
	return append([]Strategy(nil), s.strategies...)
}

// SignURI parses a gs:// URI or bare key and signs it.
func (s *Signer) SignURI(ctx context.Context, raw string, opts SignOptions) (*SignedURL, error) {
	ref, err := objref.Parse(raw, s.opts.DefaultBucket)
	if err != nil {
		s.metrics.RecordInputError()
		return nil, err
	}
	return s.Sign(ctx, ref, opts)
}

// Sign mints a URL for ref. Errors are faults: NOT_FOUND,
// CREDENTIAL_CHAIN_EXHAUSTED, FORMAT_INVALID, INVALID_INPUT, TIMEOUT or a
// retryable kind after the retry budget is spent.
func (s *Signer) Sign(ctx context.Context, ref objref.Ref, opts SignOptions) (*SignedURL, error) {
	if err := s.checkInput(ref, &opts); err != nil {
		s.metrics.RecordInputError()
		return nil, err
	}
	return s.sign(ctx, ref, opts, s.plan(ctx, opts))
}

// bufferPlan is the expiry padding chosen before signing. follow lets a
// refreshed clock probe replace minutes after a signature mismatch.
type bufferPlan struct {
	minutes int
	skewed  bool
	follow  bool
}

func (s *Signer) plan(ctx context.Context, opts SignOptions) bufferPlan {
	if opts.BufferMinutes != nil {
		return bufferPlan{minutes: *opts.BufferMinutes}
	}
	b, skewed := s.buffer(ctx)
	return bufferPlan{minutes: b, skewed: skewed, follow: s.opts.FixedBufferMinutes <= 0}
}

// sign runs the retry loop for a validated ref.
func (s *Signer) sign(ctx context.Context, ref objref.Ref, opts SignOptions, p bufferPlan) (*SignedURL, error) {
	start := time.Now()
	var (
		mu        sync.Mutex
		buffer    = p.minutes
		skewed    = p.skewed
		refreshed bool
	)

	onRetry := retry.OnRetry(func(attempt int, kind faults.Kind, err error) {
		if kind != faults.SignatureMismatch || s.clock == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if refreshed {
			return
		}
		refreshed = true
		res := s.clock.Refresh(ctx)
		s.logger.Warn("signature mismatch, refreshed clock probe", "ref", ref.String(), "status", res.Status, "skew_seconds", res.SkewSeconds)
		if res.Status == timesync.StatusSkewed {
			skewed = true
		}
		if p.follow {
			buffer = res.RecommendedBufferMinutes
		}
	})

	su, _, err := retry.Do(ctx, s.retry, "sign", func(ctx context.Context) (*SignedURL, error) {
		mu.Lock()
		b := buffer
		mu.Unlock()
		return s.attempt(ctx, ref, opts, b)
	}, onRetry)

	mu.Lock()
	skewedNow := skewed
	mu.Unlock()
	s.metrics.RecordURLGeneration(ref.Bucket, time.Since(start), err == nil, skewedNow)

	if err != nil {
		s.logger.Error("signing failed", "ref", ref.String(), "kind", faults.Classify(err), "error", err)
		return nil, err
	}
	s.metrics.RecordStrategy(su.Strategy)
	s.logger.Debug("signed url minted", "ref", ref.String(), "strategy", su.Strategy, "expires_at", su.ExpiresAt)
	return su, nil
}

func (s *Signer) signChecked(ctx context.Context, ref objref.Ref, opts SignOptions, p bufferPlan) (*SignedURL, error) {
	if err := s.checkInput(ref, &opts); err != nil {
		s.metrics.RecordInputError()
		return nil, err
	}
	return s.sign(ctx, ref, opts, p)
}

func (s *Signer) checkInput(ref objref.Ref, opts *SignOptions) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	switch opts.Method {
	case "":
		opts.Method = http.MethodGet
	case http.MethodGet:
	case http.MethodPut:
		opts.SkipExistenceCheck = true
	default:
		return &faults.Error{Kind: faults.InvalidInput, Op: "sign", Ref: ref.String(),
			Err: fmt.Errorf("unsupported method %q", opts.Method)}
	}
	if opts.ExpirationMinutes < 0 {
		return &faults.Error{Kind: faults.InvalidInput, Op: "sign", Ref: ref.String(),
			Err: fmt.Errorf("negative expiration %d", opts.ExpirationMinutes)}
	}
	if opts.ExpirationMinutes == 0 {
		opts.ExpirationMinutes = int(s.opts.DefaultExpiration / time.Minute)
	}
	if opts.BufferMinutes != nil && *opts.BufferMinutes < 0 {
		return &faults.Error{Kind: faults.InvalidInput, Op: "sign", Ref: ref.String(),
			Err: fmt.Errorf("negative buffer %d", *opts.BufferMinutes)}
	}
	return nil
}

// buffer returns the buffer minutes and whether the clock looked skewed.
func (s *Signer) buffer(ctx context.Context) (int, bool) {
	if s.opts.FixedBufferMinutes > 0 {
		return s.opts.FixedBufferMinutes, false
	}
	if s.clock == nil {
		return timesync.BufferFor(timesync.StatusUnknown), false
	}
	res := s.clock.Check(ctx)
	return res.RecommendedBufferMinutes, res.Status == timesync.StatusSkewed
}

func (s *Signer) attempt(ctx context.Context, ref objref.Ref, opts SignOptions, buffer int) (*SignedURL, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	if !opts.SkipExistenceCheck && s.store != nil {
		if _, err := s.store.Stat(ctx, ref); err != nil {
			if faults.Is(err, faults.NotFound) {
				return nil, &faults.Error{Kind: faults.NotFound, Op: "sign", Ref: ref.String(), Status: 404, Err: err}
			}
			return nil, err
		}
	}

	now := s.now()
	p := urlParams{
		Method:  opts.Method,
		Ref:     ref,
		Now:     now,
		Expires: ExpiresSeconds(opts.ExpirationMinutes, buffer),
	}

	raw, strategy, err := s.signWithChain(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := ValidateURL(raw); err != nil {
		s.logger.Error("signed url failed format check", "ref", ref.String(), "strategy", strategy, "error", err)
		return nil, err
	}

	return &SignedURL{
		URL:           raw,
		ExpiresAt:     now.Add(time.Duration(p.Expires) * time.Second),
		Method:        opts.Method,
		Ref:           ref,
		Strategy:      strategy,
		BufferMinutes: buffer,
	}, nil
}

// signWithChain tries each strategy in order and stops at the first success.
func (s *Signer) signWithChain(ctx context.Context, p urlParams) (string, string, error) {
	chain := &faults.ChainError{}
	for _, st := range s.strategies {
		if err := st.Available(ctx); err != nil {
			s.logger.Debug("signing strategy unavailable", "strategy", st.Name(), "reason", err)
			chain.Tiers = append(chain.Tiers, faults.TierError{Strategy: st.Name(), Err: err})
			continue
		}
		p.Email = st.Email()
		raw, err := buildURL(ctx, p, st.SignBytes)
		if err != nil {
			if ctx.Err() != nil {
				return "", "", ctx.Err()
			}
			s.logger.Warn("signing strategy failed", "strategy", st.Name(), "error", err)
			chain.Tiers = append(chain.Tiers, faults.TierError{Strategy: st.Name(), Err: err})
			continue
		}
		return raw, st.Name(), nil
	}
	return "", "", chain
}

// BatchResult holds per-ref outcomes of SignBatch. URLs has an entry for
// every requested ref; failed refs map to nil and have an entry in Errors.
type BatchResult struct {
	URLs   map[objref.Ref]*SignedURL
	Errors map[objref.Ref]error
}

// SignBatch signs refs in chunks. The clock is probed once and the same
// buffer and skew verdict apply to every URL.
func (s *Signer) SignBatch(ctx context.Context, refs []objref.Ref, opts SignOptions) BatchResult {
	res := BatchResult{
		URLs:   make(map[objref.Ref]*SignedURL, len(refs)),
		Errors: make(map[objref.Ref]error),
	}
	if len(refs) == 0 {
		return res
	}

	p := s.plan(ctx, opts)
	p.follow = false

	var mu sync.Mutex
	for start := 0; start < len(refs); start += s.opts.BatchChunkSize {
		end := min(start+s.opts.BatchChunkSize, len(refs))
		chunk := refs[start:end]

		if err := ctx.Err(); err != nil {
			for _, ref := range refs[start:] {
				res.URLs[ref] = nil
				res.Errors[ref] = &faults.Error{Kind: faults.Classify(err), Op: "sign_batch", Ref: ref.String(), Err: err}
			}
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.opts.BatchConcurrency)
		for _, ref := range chunk {
			g.Go(func() error {
				su, err := s.signChecked(gctx, ref, opts, p)
				mu.Lock()
				defer mu.Unlock()
				res.URLs[ref] = su
				if err != nil {
					res.Errors[ref] = err
				}
				return nil
			})
		}
		_ = g.Wait()
		s.logger.Debug("signed batch chunk", "from", start, "to", end, "total", len(refs))
	}
	return res
}
