package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/dtebundle/internal/app"
	"github.com/BadgerOps/dtebundle/internal/config"
)

// Exit codes beyond the generic 1.
const (
	exitPartial = 2
	exitFailed  = 3
	exitUsage   = 64
)

var (
	// Global flags
	cfgPath   string
	logLevel  string
	logFormat string
	globalCfg *config.Config
	logger    = slog.Default()

	// Global components, built on first use
	globalContainer *app.Container

	// newContainer is replaced in tests.
	newContainer = func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app.Container, error) {
		return app.New(ctx, cfg, app.Hooks{}, logger)
	}
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// requireContainer builds the global container if needed.
func requireContainer(ctx context.Context) (*app.Container, error) {
	if globalContainer != nil {
		return globalContainer, nil
	}
	if globalCfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	c, err := newContainer(ctx, globalCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	globalContainer = c
	return c, nil
}

// closeContainer flushes pending job records and closes the container.
func closeContainer() {
	if globalContainer == nil {
		return
	}
	start := time.Now()
	if err := globalContainer.Close(); err != nil {
		logger.Error("failed to close components", "error", err)
	}
	logger.Debug("components closed", "took", time.Since(start))
	globalContainer = nil
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dtebundle",
		Short: "Signed URLs and ZIP bundles for tax documents in object storage",
		Long: `dtebundle mints time-limited signed URLs for invoice documents stored in
Cloud Storage and packages many documents into a single ZIP archive that is
uploaded back to storage and shared through one signed link.

Signing falls back across credential strategies (local key, impersonation,
remote signBlob) and adapts URL lifetimes to the measured clock skew.`,
		Example: `  dtebundle sign gs://invoices/2024/05/F33-1001.pdf
  dtebundle pkg --keys-file keys.txt
  dtebundle env --configure
  dtebundle serve --listen 127.0.0.1:8080
  dtebundle jobs list --state PARTIAL`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogging(); err != nil {
				return err
			}

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json or pretty)")

	cmd.AddCommand(
		newPkgCmd(),
		newSignCmd(),
		newEnvCmd(),
		newTimeSyncCmd(),
		newJobsCmd(),
		newServeCmd(),
		newConfigCmd(),
	)

	return cmd
}

// loadConfig reads the config file, then applies environment overrides.
func loadConfig() error {
	path := cfgPath
	if path == "" {
		var err error
		path, err = config.FindConfigFile()
		if err != nil {
			logger.Debug("config file not found, using defaults", "error", err)
		}
	}

	cfg := config.DefaultConfig()
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return &exitError{code: exitUsage, err: err}
	}

	globalCfg = cfg
	logger.Debug("config loaded", "path", path, "backend", cfg.Storage.Backend)
	return nil
}

// setupLogging initializes the slog logger based on flags
func setupLogging() error {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return &exitError{code: exitUsage, err: fmt.Errorf("unknown log level %q", logLevel)}
	}

	var handler slog.Handler
	switch strings.ToLower(logFormat) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	case "pretty":
		handler = charmlog.NewWithOptions(os.Stderr, charmlog.Options{
			Level:           charmlog.Level(level),
			ReportTimestamp: true,
			TimeFormat:      time.Kitchen,
		})
	case "text", "":
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return &exitError{code: exitUsage, err: fmt.Errorf("unknown log format %q", logFormat)}
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
	return nil
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":       true,
		"version":    true,
		"completion": true,
	}
	return skipConfigCmds[cmdName]
}
