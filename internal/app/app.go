// Package app wires the signing and packaging components from a config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"github.com/BadgerOps/dtebundle/internal/bundle"
	"github.com/BadgerOps/dtebundle/internal/config"
	"github.com/BadgerOps/dtebundle/internal/download"
	"github.com/BadgerOps/dtebundle/internal/envcheck"
	"github.com/BadgerOps/dtebundle/internal/metrics"
	"github.com/BadgerOps/dtebundle/internal/retry"
	"github.com/BadgerOps/dtebundle/internal/safety"
	"github.com/BadgerOps/dtebundle/internal/server"
	"github.com/BadgerOps/dtebundle/internal/signer"
	"github.com/BadgerOps/dtebundle/internal/storage"
	"github.com/BadgerOps/dtebundle/internal/storage/fsstore"
	"github.com/BadgerOps/dtebundle/internal/storage/gcs"
	"github.com/BadgerOps/dtebundle/internal/storage/s3compat"
	"github.com/BadgerOps/dtebundle/internal/store"
	"github.com/BadgerOps/dtebundle/internal/timesync"
)

// ErrNoArchiveBucket is returned by commands that package when neither an
// archive bucket nor an invoice bucket is configured.
var ErrNoArchiveBucket = errors.New("no archive bucket configured")

// Container holds one of each component for the process.
type Container struct {
	Config   *config.Config
	Storage  storage.Store
	Clock    *timesync.Validator
	Metrics  *metrics.Collector
	Retry    *retry.Strategy
	Signer   *signer.Signer
	Client   *download.Client
	Packager *bundle.Packager // nil without an archive bucket
	Jobs     *store.Store     // nil when history is disabled
	Env      *envcheck.Validator

	logger  *slog.Logger
	closers []func() error
}

// Hooks replace external dependencies in tests. Zero values use the real ones.
type Hooks struct {
	Lookup       config.LookupFunc
	FindADC      envcheck.CredentialFinder
	Strategies   []signer.Strategy
	StorageOpts  []option.ClientOption
	DiscoverMail func(ctx context.Context) string
}

// New builds the container. cfg is normalized in place.
func New(ctx context.Context, cfg *config.Config, hooks Hooks, logger *slog.Logger) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, note := range cfg.Normalize() {
		logger.Warn("config adjusted", "detail", note)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Container{Config: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	st, err := c.openStorage(ctx, hooks)
	if err != nil {
		return nil, err
	}
	c.Storage = st

	c.Metrics = metrics.New(cfg.Metrics.MaxHistory, cfg.Signing.MonitoringEnabled)
	c.Clock = NewClock(cfg, c.Metrics, logger)
	c.Retry = retry.New(RetryPolicy(cfg), c.Metrics, logger)

	strategies := hooks.Strategies
	if strategies == nil {
		strategies = c.buildStrategies(ctx, hooks)
	}
	requestTimeout := seconds(float64(cfg.Signing.RequestTimeoutSeconds))
	c.Signer = signer.New(signer.Options{
		DefaultExpiration:  time.Duration(cfg.Signing.ExpirationHours) * time.Hour,
		FixedBufferMinutes: cfg.Signing.BufferMinutes,
		RequestTimeout:     requestTimeout,
		DefaultBucket:      cfg.Storage.InvoiceBucket,
		BatchChunkSize:     cfg.Signing.BatchChunkSize,
		BatchConcurrency:   cfg.Signing.BatchConcurrency,
	}, c.Storage, strategies, c.Clock, c.Retry, c.Metrics, logger)

	c.Client = download.NewClient(safety.NewHTTPClient(requestTimeout), cfg.Zip.MaxObjectBytes, logger)

	if cfg.Store.DBPath != "" {
		jobs, err := store.New(cfg.Store.DBPath, logger)
		if err != nil {
			return nil, err
		}
		c.Jobs = jobs
		c.closers = append(c.closers, jobs.Close)
	}

	if err := c.buildPackager(); err != nil {
		return nil, err
	}

	c.Env = NewEnv(cfg, c.Clock, hooks, logger)

	ok = true
	logger.Debug("container ready",
		"backend", cfg.Storage.Backend,
		"strategies", cfg.Signing.Strategies,
		"fetch_mode", cfg.Zip.FetchMode,
		"history", c.Jobs != nil,
	)
	return c, nil
}

// NewClock builds the time sync validator from the timesync section.
// recorder may be nil.
func NewClock(cfg *config.Config, recorder timesync.SkewRecorder, logger *slog.Logger) *timesync.Validator {
	return timesync.New(timesync.Options{
		Endpoint:  cfg.TimeSync.Endpoint,
		Threshold: seconds(float64(cfg.TimeSync.ThresholdSeconds)),
		TTL:       seconds(float64(cfg.TimeSync.CacheTTLSeconds)),
		Timeout:   seconds(float64(cfg.TimeSync.ProbeTimeoutSeconds)),
	}, nil, recorder, logger)
}

// NewEnv builds the environment validator. It needs no storage client, so
// it works on hosts where the container itself cannot be built.
func NewEnv(cfg *config.Config, clock envcheck.TimeSource, hooks Hooks, logger *slog.Logger) *envcheck.Validator {
	return envcheck.New(hooks.Lookup, hooks.FindADC, clock, cfg.Signing.CredentialsFile, logger)
}

// RetryPolicy converts the retry section of cfg.
func RetryPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		MaxRetries:         cfg.Signing.MaxSignatureRetries,
		BaseDelay:          seconds(cfg.Retry.BaseDelaySeconds),
		SignatureBaseDelay: seconds(cfg.Retry.SignatureBaseDelaySeconds),
		MaxDelay:           seconds(cfg.Retry.MaxDelaySeconds),
		Jitter:             cfg.Retry.Jitter,
	}
}

func (c *Container) openStorage(ctx context.Context, hooks Hooks) (storage.Store, error) {
	cfg := c.Config
	switch cfg.Storage.Backend {
	case config.BackendFS:
		return fsstore.New(cfg.Storage.FSRoot, cfg.Zip.MaxObjectBytes, c.logger)
	case config.BackendS3Compat:
		s3 := cfg.Storage.S3
		return s3compat.New(ctx, s3compat.Options{
			Endpoint:        s3.Endpoint,
			Region:          s3.Region,
			AccessKeyID:     s3.AccessKeyID,
			SecretAccessKey: s3.SecretAccessKey,
			UsePathStyle:    s3.UsePathStyle,
			MaxObjectBytes:  cfg.Zip.MaxObjectBytes,
		}, c.logger)
	default:
		opts := append([]option.ClientOption(nil), hooks.StorageOpts...)
		if cfg.Signing.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.Signing.CredentialsFile))
		}
		st, err := gcs.New(ctx, cfg.Zip.MaxObjectBytes, c.logger, opts...)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, st.Close)
		return st, nil
	}
}

// buildStrategies assembles the credential chain in config order.
func (c *Container) buildStrategies(ctx context.Context, hooks Hooks) []signer.Strategy {
	cfg := c.Config.Signing
	discover := hooks.DiscoverMail
	if discover == nil {
		discover = signer.DiscoverEmail
	}

	var out []signer.Strategy
	for _, name := range cfg.Strategies {
		switch name {
		case signer.StrategyDirect:
			out = append(out, signer.DirectFromFile(cfg.CredentialsFile))
		case signer.StrategyImpersonation:
			out = append(out, signer.NewImpersonation(cfg.SignerServiceAccount, nil))
		case signer.StrategySignBlob:
			email := discover(ctx)
			if email == "" {
				email = cfg.SignerServiceAccount
			}
			out = append(out, signer.NewSignBlob(email))
		}
	}
	return out
}

func (c *Container) buildPackager() error {
	cfg := c.Config
	archiveBucket := cfg.Storage.ArchiveBucket
	if archiveBucket == "" {
		archiveBucket = cfg.Storage.InvoiceBucket
	}
	if archiveBucket == "" {
		c.logger.Warn("packaging disabled", "reason", ErrNoArchiveBucket)
		return nil
	}

	opts := bundle.Options{
		MaxWorkers:    cfg.Zip.MaxWorkers,
		FetchMode:     cfg.Zip.FetchMode,
		FetchTimeout:  seconds(float64(cfg.Zip.FetchTimeoutSeconds)),
		ArchiveBucket: archiveBucket,
		ArchivePrefix: cfg.Storage.ArchivePrefix,
	}
	if cfg.Zip.FetchRatePerSecond > 0 {
		burst := cfg.Zip.FetchBurst
		if burst <= 0 {
			burst = cfg.Zip.MaxWorkers
		}
		opts.Gate = rate.NewLimiter(rate.Limit(cfg.Zip.FetchRatePerSecond), burst)
	}

	deps := bundle.Deps{
		Store:   c.Storage,
		Signer:  c.Signer,
		Client:  c.Client,
		Retry:   c.Retry,
		Metrics: c.Metrics,
	}
	if c.Jobs != nil {
		deps.Recorder = c.Jobs
	}

	p, err := bundle.New(opts, deps, c.logger)
	if err != nil {
		return fmt.Errorf("creating packager: %w", err)
	}
	c.Packager = p
	return nil
}

// ShouldBundle reports whether n documents exceed the ZIP threshold, above
// which callers hand out one archive instead of individual links.
func (c *Container) ShouldBundle(n int) bool {
	return n > c.Config.Zip.Threshold
}

// ServerDeps returns the operator API dependencies.
func (c *Container) ServerDeps() server.Deps {
	deps := server.Deps{
		Signer:        c.Signer,
		Clock:         c.Clock,
		Env:           c.Env,
		Metrics:       c.Metrics,
		DefaultBucket: c.Config.Storage.InvoiceBucket,
	}
	if c.Packager != nil {
		deps.Packager = c.Packager
	}
	if c.Jobs != nil {
		deps.Jobs = c.Jobs
	}
	return deps
}

// Close waits for pending job recordings and releases resources.
func (c *Container) Close() error {
	if c.Packager != nil {
		c.Packager.Flush()
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
