package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables recognized by ApplyEnv.
const (
	EnvTimezone            = "TZ"
	EnvExpirationHours     = "SIGNED_URL_EXPIRATION_HOURS"
	EnvBufferMinutes       = "SIGNED_URL_BUFFER_MINUTES"
	EnvMaxSignatureRetries = "MAX_SIGNATURE_RETRIES"
	EnvRequestTimeout      = "GCS_REQUEST_TIMEOUT"
	EnvZipMaxWorkers       = "ZIP_MAX_WORKERS"
	EnvZipThreshold        = "ZIP_THRESHOLD"
	EnvMonitoringEnabled   = "SIGNED_URL_MONITORING_ENABLED"
	EnvCredentialsFile     = "GOOGLE_APPLICATION_CREDENTIALS"
	EnvSignerAccount       = "SIGNER_SERVICE_ACCOUNT"
	EnvInvoiceBucket       = "INVOICE_BUCKET"
	EnvArchiveBucket       = "ARCHIVE_BUCKET"
)

// Hard limits applied by Normalize.
const (
	MinExpirationHours = 1
	MaxExpirationHours = 24
	MaxZipWorkers      = 32
	MaxZipThreshold    = 2
	MinBufferMinutes   = 1
	MaxBufferMinutes   = 5
)

// Storage backends.
const (
	BackendGCS      = "gcs"
	BackendS3Compat = "s3compat"
	BackendFS       = "fs"
)

// Fetch modes for archive members.
const (
	FetchDirect = "direct"
	FetchSigned = "signed"
)

// Config is the top-level configuration
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Signing  SigningConfig  `yaml:"signing"`
	TimeSync TimeSyncConfig `yaml:"timesync"`
	Retry    RetryConfig    `yaml:"retry"`
	Zip      ZipConfig      `yaml:"zip"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
}

// StorageConfig selects the object storage backend and buckets
type StorageConfig struct {
	Backend       string   `yaml:"backend"`
	InvoiceBucket string   `yaml:"invoice_bucket"`
	ArchiveBucket string   `yaml:"archive_bucket"`
	ArchivePrefix string   `yaml:"archive_prefix"`
	FSRoot        string   `yaml:"fs_root"`
	S3            S3Config `yaml:"s3"`
}

// S3Config holds settings for the S3-compatible (XML interoperability) backend
type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// SigningConfig holds signed URL tunables
type SigningConfig struct {
	ExpirationHours       int      `yaml:"signed_url_expiration_hours"`
	BufferMinutes         int      `yaml:"signed_url_buffer_minutes"` // 0 means ask the time sync validator
	MaxSignatureRetries   int      `yaml:"max_signature_retries"`
	RequestTimeoutSeconds int      `yaml:"gcs_request_timeout_seconds"`
	MonitoringEnabled     bool     `yaml:"signed_url_monitoring_enabled"`
	CredentialsFile       string   `yaml:"credentials_file"`
	SignerServiceAccount  string   `yaml:"signer_service_account"`
	Strategies            []string `yaml:"strategies"`
	BatchChunkSize        int      `yaml:"batch_chunk_size"`
	BatchConcurrency      int      `yaml:"batch_concurrency"`
}

// TimeSyncConfig holds clock probe settings
type TimeSyncConfig struct {
	Endpoint            string `yaml:"endpoint"`
	ThresholdSeconds    int    `yaml:"threshold_seconds"`
	CacheTTLSeconds     int    `yaml:"cache_ttl_seconds"`
	ProbeTimeoutSeconds int    `yaml:"probe_timeout_seconds"`
}

// RetryConfig holds backoff settings
type RetryConfig struct {
	BaseDelaySeconds          float64 `yaml:"base_delay_seconds"`
	SignatureBaseDelaySeconds float64 `yaml:"signature_base_delay_seconds"`
	MaxDelaySeconds           float64 `yaml:"max_delay_seconds"`
	Jitter                    bool    `yaml:"jitter"`
}

// ZipConfig holds archive packaging settings
type ZipConfig struct {
	MaxWorkers          int     `yaml:"zip_max_workers"`
	Threshold           int     `yaml:"zip_threshold_invoices"`
	FetchMode           string  `yaml:"fetch_mode"`
	FetchTimeoutSeconds int     `yaml:"fetch_timeout_seconds"`
	FetchRatePerSecond  float64 `yaml:"fetch_rate_per_second"` // 0 disables the limiter
	FetchBurst          int     `yaml:"fetch_burst"`
	MaxObjectBytes      int64   `yaml:"max_object_bytes"`
}

// MetricsConfig holds in-process metrics settings
type MetricsConfig struct {
	MaxHistory int `yaml:"max_history"`
}

// ServerConfig holds operator API settings
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// StoreConfig holds job history settings
type StoreConfig struct {
	DBPath string `yaml:"db_path"`
}

// DefaultStrategies is the credential chain order.
var DefaultStrategies = []string{"direct", "impersonation", "sign_blob"}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:       BackendGCS,
			InvoiceBucket: "",
			ArchiveBucket: "",
			ArchivePrefix: "zips/",
			FSRoot:        "/var/lib/dtebundle/objects",
			S3: S3Config{
				Endpoint: "https://storage.googleapis.com",
				Region:   "auto",
			},
		},
		Signing: SigningConfig{
			ExpirationHours:       1,
			BufferMinutes:         0,
			MaxSignatureRetries:   3,
			RequestTimeoutSeconds: 30,
			MonitoringEnabled:     true,
			Strategies:            append([]string(nil), DefaultStrategies...),
			BatchChunkSize:        50,
			BatchConcurrency:      8,
		},
		TimeSync: TimeSyncConfig{
			Endpoint:            "https://storage.googleapis.com",
			ThresholdSeconds:    60,
			CacheTTLSeconds:     60,
			ProbeTimeoutSeconds: 5,
		},
		Retry: RetryConfig{
			BaseDelaySeconds:          2,
			SignatureBaseDelaySeconds: 60,
			MaxDelaySeconds:           300,
			Jitter:                    true,
		},
		Zip: ZipConfig{
			MaxWorkers:          10,
			Threshold:           2,
			FetchMode:           FetchDirect,
			FetchTimeoutSeconds: 120,
			MaxObjectBytes:      50 << 20,
		},
		Metrics: MetricsConfig{
			MaxHistory: 1000,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8080",
		},
		Store: StoreConfig{
			DBPath: "/var/lib/dtebundle/dtebundle.db",
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Marshal renders cfg as YAML
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"dtebundle.yaml",
		"/etc/dtebundle/dtebundle.yaml",
	}

	// Add user config path
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "dtebundle", "dtebundle.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// LookupFunc reads one environment variable
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides config values from environment variables read through lookup.
// Unparseable values are reported as errors; nothing is applied in that case.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	next := *c
	next.Signing.Strategies = append([]string(nil), c.Signing.Strategies...)

	var errs []string
	setInt := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s=%q is not an integer", key, v))
			return
		}
		*dst = n
	}
	setString := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	setInt(EnvExpirationHours, &next.Signing.ExpirationHours)
	setInt(EnvBufferMinutes, &next.Signing.BufferMinutes)
	setInt(EnvMaxSignatureRetries, &next.Signing.MaxSignatureRetries)
	setInt(EnvRequestTimeout, &next.Signing.RequestTimeoutSeconds)
	setInt(EnvZipMaxWorkers, &next.Zip.MaxWorkers)
	setInt(EnvZipThreshold, &next.Zip.Threshold)
	setString(EnvCredentialsFile, &next.Signing.CredentialsFile)
	setString(EnvSignerAccount, &next.Signing.SignerServiceAccount)
	setString(EnvInvoiceBucket, &next.Storage.InvoiceBucket)
	setString(EnvArchiveBucket, &next.Storage.ArchiveBucket)

	if v, ok := lookup(EnvMonitoringEnabled); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s=%q is not a boolean", EnvMonitoringEnabled, v))
		} else {
			next.Signing.MonitoringEnabled = b
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	*c = next
	return nil
}

// Normalize clamps tunables into their permitted ranges and returns a
// description of every adjustment made.
func (c *Config) Normalize() []string {
	var notes []string
	clamp := func(name string, v *int, lo, hi int) {
		switch {
		case *v < lo:
			notes = append(notes, fmt.Sprintf("%s=%d raised to %d", name, *v, lo))
			*v = lo
		case *v > hi:
			notes = append(notes, fmt.Sprintf("%s=%d capped at %d", name, *v, hi))
			*v = hi
		}
	}

	clamp("signed_url_expiration_hours", &c.Signing.ExpirationHours, MinExpirationHours, MaxExpirationHours)
	if c.Signing.BufferMinutes != 0 {
		clamp("signed_url_buffer_minutes", &c.Signing.BufferMinutes, MinBufferMinutes, MaxBufferMinutes)
	}
	clamp("zip_max_workers", &c.Zip.MaxWorkers, 1, MaxZipWorkers)
	clamp("zip_threshold_invoices", &c.Zip.Threshold, 1, MaxZipThreshold)
	if c.Signing.MaxSignatureRetries < 0 {
		notes = append(notes, fmt.Sprintf("max_signature_retries=%d raised to 0", c.Signing.MaxSignatureRetries))
		c.Signing.MaxSignatureRetries = 0
	}
	if c.Signing.RequestTimeoutSeconds <= 0 {
		notes = append(notes, "gcs_request_timeout_seconds defaulted to 30")
		c.Signing.RequestTimeoutSeconds = 30
	}
	if c.Signing.BatchChunkSize <= 0 {
		c.Signing.BatchChunkSize = 50
	}
	if c.Signing.BatchConcurrency <= 0 {
		c.Signing.BatchConcurrency = 1
	}
	if len(c.Signing.Strategies) == 0 {
		c.Signing.Strategies = append([]string(nil), DefaultStrategies...)
	}
	if c.Metrics.MaxHistory <= 0 {
		c.Metrics.MaxHistory = 1000
	}
	return notes
}

// Validate reports configuration values that cannot work
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendGCS, BackendS3Compat, BackendFS:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Zip.FetchMode {
	case FetchDirect, FetchSigned:
	default:
		return fmt.Errorf("unknown zip fetch mode %q", c.Zip.FetchMode)
	}
	for _, s := range c.Signing.Strategies {
		switch s {
		case "direct", "impersonation", "sign_blob":
		default:
			return fmt.Errorf("unknown signing strategy %q", s)
		}
	}
	if c.Storage.Backend == BackendFS && c.Storage.FSRoot == "" {
		return fmt.Errorf("storage.fs_root is required for the fs backend")
	}
	return nil
}
