package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BadgerOps/dtebundle/internal/app"
	"github.com/BadgerOps/dtebundle/internal/bundle"
	"github.com/BadgerOps/dtebundle/internal/config"
	"github.com/BadgerOps/dtebundle/internal/objref"
	"github.com/BadgerOps/dtebundle/internal/signer"
)

func TestReadKeys(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", nil},
		{"plain", "a.xml\nb.pdf\n", []string{"a.xml", "b.pdf"}},
		{"comments and blanks", "# mayo\n\n  2024/05/a.xml  \n\t\n# fin\ngs://other/b.xml", []string{"2024/05/a.xml", "gs://other/b.xml"}},
		{"crlf", "a.xml\r\nb.xml\r\n", []string{"a.xml", "b.xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readKeys(strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("readKeys() error: %v", err)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("readKeys() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExitForState(t *testing.T) {
	tests := []struct {
		state bundle.State
		want  int
	}{
		{bundle.StateReady, 0},
		{bundle.StatePartial, exitPartial},
		{bundle.StateFailed, exitFailed},
	}
	for _, tt := range tests {
		err := exitForState(tt.state)
		if got := exitCode(err); got != tt.want {
			t.Errorf("exitForState(%s) code = %d, want %d", tt.state, got, tt.want)
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// cliEnv is a config file on disk plus a filesystem object store.
type cliEnv struct {
	dir     string
	cfgFile string
	cfg     *config.Config
}

func setupCLI(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = config.BackendFS
	cfg.Storage.FSRoot = filepath.Join(dir, "objects")
	cfg.Storage.InvoiceBucket = "inv-read"
	cfg.Storage.ArchiveBucket = "dte-archives"
	cfg.Signing.BufferMinutes = 2
	cfg.Store.DBPath = filepath.Join(dir, "dtebundle.db")

	data, err := cfg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	cfgFile := filepath.Join(dir, "dtebundle.yaml")
	if err := os.WriteFile(cfgFile, data, 0644); err != nil {
		t.Fatal(err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	origNew := newContainer
	newContainer = func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app.Container, error) {
		return app.New(ctx, cfg, app.Hooks{
			Lookup:     func(string) (string, bool) { return "", false },
			FindADC:    func(context.Context) error { return nil },
			Strategies: []signer.Strategy{signer.NewDirect("signer@dte-project.iam.gserviceaccount.com", key)},
		}, logger)
	}
	t.Cleanup(func() {
		closeContainer()
		newContainer = origNew
		globalCfg = nil
	})

	return &cliEnv{dir: dir, cfgFile: cfgFile, cfg: cfg}
}

func (e *cliEnv) seed(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		p := filepath.Join(e.cfg.Storage.FSRoot, "inv-read", filepath.FromSlash(k))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("<DTE>"+k+"</DTE>"), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func (e *cliEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", e.cfgFile, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestPkgExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		keys     string
		wantCode int
		state    bundle.State
	}{
		{"ready", "2024/05/a.xml\n2024/05/b.xml\n", 0, bundle.StateReady},
		{"partial", "# lote\n2024/05/a.xml\n2024/05/ghost.xml\n", exitPartial, bundle.StatePartial},
		{"failed", "2024/05/ghost.xml\n", exitFailed, bundle.StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupCLI(t)
			env.seed(t, "2024/05/a.xml", "2024/05/b.xml")

			out, err := env.run(t, tt.keys, "pkg", "--keys-file", "-")
			if got := exitCode(err); got != tt.wantCode {
				t.Fatalf("exit code = %d, want %d (err=%v)", got, tt.wantCode, err)
			}

			var job struct {
				ID      string       `json:"job_id"`
				State   bundle.State `json:"state"`
				Message string       `json:"message"`
			}
			if err := json.Unmarshal([]byte(out), &job); err != nil {
				t.Fatalf("output is not JSON: %v\n%s", err, out)
			}
			if job.State != tt.state {
				t.Errorf("state = %s, want %s", job.State, tt.state)
			}
			if job.Message == "" {
				t.Error("expected a user message")
			}
		})
	}
}

func TestPkgRecordsHistory(t *testing.T) {
	env := setupCLI(t)
	env.seed(t, "a.xml")

	const jobID = "3f2b8c1e-5d4a-4e6f-9a7b-1c2d3e4f5a6b"
	if _, err := env.run(t, "", "pkg", "--job-id", jobID, "a.xml"); err != nil {
		t.Fatalf("pkg: %v", err)
	}
	closeContainer()

	out, err := env.run(t, "", "jobs", "show", jobID)
	if err != nil {
		t.Fatalf("jobs show: %v", err)
	}
	if !strings.Contains(out, `"state": "READY"`) || !strings.Contains(out, `"entry_name": "a.xml"`) {
		t.Errorf("unexpected job output:\n%s", out)
	}

	out, err = env.run(t, "", "jobs", "list")
	if err != nil {
		t.Fatalf("jobs list: %v", err)
	}
	if !strings.Contains(out, jobID) || !strings.Contains(out, "1/1") {
		t.Errorf("unexpected list output:\n%s", out)
	}
}

func TestPkgInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no keys", []string{"pkg"}},
		{"bad uri", []string{"pkg", "gs://"}},
		{"bad job id", []string{"pkg", "--job-id", "not-a-uuid", "a.xml"}},
		{"missing keys file", []string{"pkg", "--keys-file", "/nonexistent/keys.txt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupCLI(t)
			_, err := env.run(t, "", tt.args...)
			if got := exitCode(err); got != exitUsage {
				t.Fatalf("exit code = %d, want %d (err=%v)", got, exitUsage, err)
			}
		})
	}
}

func TestPkgRejectsKeysBeforeBuildingClients(t *testing.T) {
	env := setupCLI(t)
	built := 0
	wrapped := newContainer
	newContainer = func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app.Container, error) {
		built++
		return wrapped(ctx, cfg, logger)
	}

	_, err := env.run(t, "", "pkg", "http://not-gs/x")
	if got := exitCode(err); got != exitUsage {
		t.Fatalf("exit code = %d, want %d (err=%v)", got, exitUsage, err)
	}
	if built != 0 {
		t.Errorf("container built %d times before key validation", built)
	}
}

func TestSignCommand(t *testing.T) {
	env := setupCLI(t)
	env.seed(t, "2024/05/a.pdf")

	out, err := env.run(t, "", "sign", "--expiration-minutes", "15", "2024/05/a.pdf")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	var su signer.SignedURL
	if err := json.Unmarshal([]byte(out), &su); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if su.Ref != (objref.Ref{Bucket: "inv-read", Key: "2024/05/a.pdf"}) {
		t.Errorf("ref = %v", su.Ref)
	}
	if err := signer.ValidateURL(su.URL); err != nil {
		t.Errorf("ValidateURL() error: %v", err)
	}
}

func TestSignBatchReportsMissing(t *testing.T) {
	env := setupCLI(t)
	env.seed(t, "a.pdf", "b.pdf")

	out, err := env.run(t, "", "sign", "a.pdf", "b.pdf", "ghost.pdf")
	if got := exitCode(err); got != exitPartial {
		t.Fatalf("exit code = %d, want %d", got, exitPartial)
	}
	var entries []batchEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[2].Code != "E_NOT_FOUND" || entries[2].Signed != nil {
		t.Errorf("missing entry = %+v", entries[2])
	}
	if entries[0].Signed == nil || entries[1].Signed == nil {
		t.Error("expected signed urls for existing objects")
	}
}

func TestInvalidEnvironmentOverride(t *testing.T) {
	env := setupCLI(t)
	t.Setenv(config.EnvZipMaxWorkers, "many")

	_, err := env.run(t, "", "config", "show")
	if got := exitCode(err); got != exitUsage {
		t.Fatalf("exit code = %d, want %d", got, exitUsage)
	}
}

func TestConfigInit(t *testing.T) {
	env := setupCLI(t)
	path := filepath.Join(env.dir, "nested", "dtebundle.yaml")

	if _, err := env.run(t, "", "config", "init", path); err != nil {
		t.Fatalf("config init: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Zip.Threshold != config.MaxZipThreshold {
		t.Errorf("threshold = %d", cfg.Zip.Threshold)
	}

	if _, err := env.run(t, "", "config", "init", path); err == nil {
		t.Error("expected error for existing file")
	}
	if _, err := env.run(t, "", "config", "init", "--force", path); err != nil {
		t.Errorf("config init --force: %v", err)
	}
}

func TestUnknownLogFormat(t *testing.T) {
	env := setupCLI(t)
	_, err := env.run(t, "", "--log-format", "xml", "config", "show")
	if got := exitCode(err); got != exitUsage {
		t.Fatalf("exit code = %d, want %d", got, exitUsage)
	}
}
