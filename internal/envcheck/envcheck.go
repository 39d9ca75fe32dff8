// Package envcheck performs the startup readiness check: UTC timezone,
// usable credentials and the signing tunables.
package envcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/oauth2/google"

	"github.com/BadgerOps/dtebundle/internal/config"
	"github.com/BadgerOps/dtebundle/internal/timesync"
)

// storageScope is requested when resolving Application Default Credentials.
const storageScope = "https://www.googleapis.com/auth/devstorage.read_write"

// Report is the result of Validate.
type Report struct {
	Success          bool     `json:"success"`
	TimezoneOK       bool     `json:"timezone_ok"`
	CredentialsOK    bool     `json:"credentials_ok"`
	EnvVarsOK        bool     `json:"env_vars_ok"`
	CredentialSource string   `json:"credential_source,omitempty"`
	Issues           []string `json:"issues"`
	Recommendations  []string `json:"recommendations"`
}

// CredentialFinder resolves Application Default Credentials.
type CredentialFinder func(ctx context.Context) error

// TimeSource supplies the buffer default and the last clock probe.
type TimeSource interface {
	BufferMinutes(ctx context.Context) int
	Cached() (timesync.Result, bool)
}

// requiredTunables are the env vars that must resolve for a ready process.
var requiredTunables = []string{
	config.EnvExpirationHours,
	config.EnvBufferMinutes,
	config.EnvMaxSignatureRetries,
	config.EnvRequestTimeout,
	config.EnvMonitoringEnabled,
}

// Validator checks process readiness. It reads the environment through an
// injected lookup and never writes to it.
type Validator struct {
	lookup   config.LookupFunc
	findADC  CredentialFinder
	readFile func(string) ([]byte, error)
	clock    TimeSource
	credFile string // from the config file; GOOGLE_APPLICATION_CREDENTIALS wins
	logger   *slog.Logger

	mu         sync.RWMutex
	configured map[string]string
}

// New creates a Validator. A nil lookup reads the process environment, a
// nil finder uses google.FindDefaultCredentials.
func New(lookup config.LookupFunc, findADC CredentialFinder, clock TimeSource, credFile string, logger *slog.Logger) *Validator {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if findADC == nil {
		findADC = DefaultCredentialFinder
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		lookup:     lookup,
		findADC:    findADC,
		readFile:   os.ReadFile,
		clock:      clock,
		credFile:   credFile,
		logger:     logger.With("component", "envcheck"),
		configured: make(map[string]string),
	}
}

// DefaultCredentialFinder resolves ADC the way the Google client libraries do.
func DefaultCredentialFinder(ctx context.Context) error {
	_, err := google.FindDefaultCredentials(ctx, storageScope)
	return err
}

func (v *Validator) get(key string) (string, bool) {
	v.mu.RLock()
	val, ok := v.configured[key]
	v.mu.RUnlock()
	if ok {
		return val, true
	}
	val, ok = v.lookup(key)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

// Validate runs every check and returns a report. It is safe to call repeatedly.
func (v *Validator) Validate(ctx context.Context) Report {
	r := Report{Issues: []string{}, Recommendations: []string{}}

	tz, _ := v.get(config.EnvTimezone)
	r.TimezoneOK = tz == "UTC"
	if !r.TimezoneOK {
		if tz == "" {
			r.Issues = append(r.Issues, "TZ is not set")
		} else {
			r.Issues = append(r.Issues, fmt.Sprintf("TZ is %q, not UTC", tz))
		}
		r.Recommendations = append(r.Recommendations, "export TZ=UTC so signing timestamps match the storage service")
	}

	source, err := v.checkCredentials(ctx)
	if err != nil {
		r.Issues = append(r.Issues, err.Error())
		r.Recommendations = append(r.Recommendations,
			"set GOOGLE_APPLICATION_CREDENTIALS to a readable service account key, or run `gcloud auth application-default login`")
	} else {
		r.CredentialsOK = true
		r.CredentialSource = source
	}

	r.EnvVarsOK = true
	for _, key := range requiredTunables {
		val, ok := v.get(key)
		if !ok {
			r.EnvVarsOK = false
			r.Issues = append(r.Issues, fmt.Sprintf("%s is not set", key))
			continue
		}
		if msg := checkTunable(key, val); msg != "" {
			r.EnvVarsOK = false
			r.Issues = append(r.Issues, msg)
		}
	}
	if !r.EnvVarsOK {
		r.Recommendations = append(r.Recommendations, "run `dtebundle env --configure` to apply defaults for missing tunables")
	}

	r.Success = r.TimezoneOK && r.CredentialsOK && r.EnvVarsOK
	v.logger.Debug("environment validated", "success", r.Success, "issues", len(r.Issues))
	return r
}

func (v *Validator) checkCredentials(ctx context.Context) (string, error) {
	path, _ := v.get(config.EnvCredentialsFile)
	if path == "" {
		path = v.credFile
	}
	if path != "" {
		data, err := v.readFile(path)
		if err != nil {
			return "", fmt.Errorf("credentials file %s is not readable: %w", path, err)
		}
		var key struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &key); err != nil {
			return "", fmt.Errorf("credentials file %s is not valid JSON: %w", path, err)
		}
		return "key_file:" + key.Type, nil
	}
	if err := v.findADC(ctx); err != nil {
		return "", fmt.Errorf("application default credentials unavailable: %w", err)
	}
	return "adc", nil
}

func checkTunable(key, val string) string {
	switch key {
	case config.EnvMonitoringEnabled:
		if _, err := strconv.ParseBool(val); err != nil {
			return fmt.Sprintf("%s=%q is not a boolean", key, val)
		}
	case config.EnvExpirationHours:
		n, err := strconv.Atoi(val)
		if err != nil || n < config.MinExpirationHours || n > config.MaxExpirationHours {
			return fmt.Sprintf("%s=%q must be an integer in [%d,%d]", key, val, config.MinExpirationHours, config.MaxExpirationHours)
		}
	default:
		if n, err := strconv.Atoi(val); err != nil || n < 0 {
			return fmt.Sprintf("%s=%q must be a non-negative integer", key, val)
		}
	}
	return ""
}

// Status returns a snapshot of the settings the validator sees.
func (v *Validator) Status() map[string]string {
	out := make(map[string]string)
	keys := append([]string{config.EnvTimezone, config.EnvCredentialsFile, config.EnvSignerAccount}, requiredTunables...)
	for _, k := range keys {
		if val, ok := v.get(k); ok {
			out[k] = val
		} else {
			out[k] = "(unset)"
		}
	}
	if v.credFile != "" {
		out["credentials_file_config"] = v.credFile
	}
	if v.clock != nil {
		if res, ok := v.clock.Cached(); ok {
			out["timesync_status"] = string(res.Status)
			out["timesync_skew_seconds"] = strconv.FormatFloat(res.SkewSeconds, 'f', 1, 64)
		}
	}
	return out
}

// Configure fills missing tunables in cfg with defaults, remembers them so
// later Validate calls see them, and returns the names it set.
// The buffer default comes from the clock probe.
func (v *Validator) Configure(ctx context.Context, cfg *config.Config) []string {
	defaults := config.DefaultConfig()
	var applied []string

	for _, note := range cfg.Normalize() {
		v.logger.Info("tunable adjusted", "detail", note)
	}

	set := func(key, val string) {
		v.mu.Lock()
		v.configured[key] = val
		v.mu.Unlock()
		applied = append(applied, key)
	}

	if _, ok := v.get(config.EnvExpirationHours); !ok {
		if cfg.Signing.ExpirationHours <= 0 {
			cfg.Signing.ExpirationHours = defaults.Signing.ExpirationHours
		}
		set(config.EnvExpirationHours, strconv.Itoa(cfg.Signing.ExpirationHours))
	}
	if _, ok := v.get(config.EnvBufferMinutes); !ok {
		if cfg.Signing.BufferMinutes <= 0 {
			buf := timesync.BufferFor(timesync.StatusUnknown)
			if v.clock != nil {
				buf = v.clock.BufferMinutes(ctx)
			}
			cfg.Signing.BufferMinutes = buf
		}
		set(config.EnvBufferMinutes, strconv.Itoa(cfg.Signing.BufferMinutes))
	}
	if _, ok := v.get(config.EnvMaxSignatureRetries); !ok {
		if cfg.Signing.MaxSignatureRetries < 0 {
			cfg.Signing.MaxSignatureRetries = defaults.Signing.MaxSignatureRetries
		}
		set(config.EnvMaxSignatureRetries, strconv.Itoa(cfg.Signing.MaxSignatureRetries))
	}
	if _, ok := v.get(config.EnvRequestTimeout); !ok {
		if cfg.Signing.RequestTimeoutSeconds <= 0 {
			cfg.Signing.RequestTimeoutSeconds = defaults.Signing.RequestTimeoutSeconds
		}
		set(config.EnvRequestTimeout, strconv.Itoa(cfg.Signing.RequestTimeoutSeconds))
	}
	if _, ok := v.get(config.EnvMonitoringEnabled); !ok {
		set(config.EnvMonitoringEnabled, strconv.FormatBool(cfg.Signing.MonitoringEnabled))
	}
	if _, ok := v.get(config.EnvZipMaxWorkers); !ok {
		if cfg.Zip.MaxWorkers <= 0 {
			cfg.Zip.MaxWorkers = defaults.Zip.MaxWorkers
		}
		set(config.EnvZipMaxWorkers, strconv.Itoa(cfg.Zip.MaxWorkers))
	}
	if _, ok := v.get(config.EnvZipThreshold); !ok {
		if cfg.Zip.Threshold <= 0 {
			cfg.Zip.Threshold = defaults.Zip.Threshold
		}
		set(config.EnvZipThreshold, strconv.Itoa(cfg.Zip.Threshold))
	}

	sort.Strings(applied)
	if len(applied) > 0 {
		v.logger.Info("applied environment defaults", "tunables", applied)
	}
	return applied
}
