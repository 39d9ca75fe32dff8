package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/dtebundle/internal/app"
	"github.com/BadgerOps/dtebundle/internal/bundle"
	"github.com/BadgerOps/dtebundle/internal/faults"
	"github.com/BadgerOps/dtebundle/internal/objref"
)

var (
	pkgJobID       string
	pkgKeysFile    string
	pkgArchiveName string
)

func newPkgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pkg [KEY...]",
		Short: "Package objects into one ZIP archive and sign it",
		Long: `Fetch the given objects in parallel, write them into a DEFLATE ZIP archive,
upload the archive to the archive bucket and print the job as JSON.

Keys are object keys in the invoice bucket or full gs://bucket/key URIs. They
can be given as arguments or read from --keys-file, one per line; blank lines
and lines starting with # are ignored. Use --keys-file - to read stdin.

Exit status is 0 when every object was included, 2 when some were missing,
3 when no archive was produced and 64 on invalid input.`,
		Example: `  dtebundle pkg 2024/05/F33-1001.xml 2024/05/F33-1002.xml
  dtebundle pkg --keys-file mayo.txt --archive-name "Facturas Mayo 2024"
  dtebundle pkg --job-id 3f2b8c1e-5d4a-4e6f-9a7b-1c2d3e4f5a6b --keys-file -`,
		RunE: pkgRun,
	}

	cmd.Flags().StringVar(&pkgJobID, "job-id", "", "job UUID (generated when empty)")
	cmd.Flags().StringVar(&pkgKeysFile, "keys-file", "", "file with one key per line, or - for stdin")
	cmd.Flags().StringVar(&pkgArchiveName, "archive-name", "", "archive file name (defaults to the job id)")

	return cmd
}

func pkgRun(cmd *cobra.Command, args []string) error {
	keys := append([]string(nil), args...)
	if pkgKeysFile != "" {
		fromFile, err := readKeysFile(pkgKeysFile, cmd.InOrStdin())
		if err != nil {
			return &exitError{code: exitUsage, err: err}
		}
		keys = append(keys, fromFile...)
	}

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	// Keys are checked before any client is built.
	refs, err := objref.ParseAll(keys, globalCfg.Storage.InvoiceBucket)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}

	c, err := requireContainer(cmd.Context())
	if err != nil {
		return err
	}
	if c.Packager == nil {
		return &exitError{code: exitUsage, err: app.ErrNoArchiveBucket}
	}

	job, err := c.Packager.Package(cmd.Context(), pkgJobID, refs, pkgArchiveName)
	if err != nil {
		if faults.Is(err, faults.InvalidInput) {
			return &exitError{code: exitUsage, err: err}
		}
		return err
	}

	logger.Info("package finished",
		"job_id", job.ID,
		"state", job.State,
		"included", len(job.Included),
		"missing", len(job.Missing),
		"size", humanize.Bytes(uint64(job.SizeBytes)),
		"generation_ms", job.GenerationTimeMs,
	)
	if err := printJSON(cmd.OutOrStdout(), jobOutput{Job: job, Message: job.UserMessage(), Analytics: job.Analytics()}); err != nil {
		return err
	}
	return exitForState(job.State)
}

// jobOutput is the printed form of a finished job.
type jobOutput struct {
	*bundle.Job
	Message   string           `json:"message"`
	Analytics bundle.Analytics `json:"analytics"`
}

// exitForState maps a terminal job state to the command result.
func exitForState(s bundle.State) error {
	switch s {
	case bundle.StateReady:
		return nil
	case bundle.StatePartial:
		return &exitError{code: exitPartial}
	default:
		return &exitError{code: exitFailed}
	}
}

func readKeysFile(path string, stdin io.Reader) ([]string, error) {
	if path == "-" {
		return readKeys(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening keys file: %w", err)
	}
	defer f.Close()
	return readKeys(f)
}

// readKeys returns one key per non-blank line, skipping # comments.
func readKeys(r io.Reader) ([]string, error) {
	var keys []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading keys: %w", err)
	}
	return keys, nil
}
