package app

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BadgerOps/dtebundle/internal/bundle"
	"github.com/BadgerOps/dtebundle/internal/config"
	"github.com/BadgerOps/dtebundle/internal/objref"
	"github.com/BadgerOps/dtebundle/internal/signer"
)

const testEmail = "signer@dte-project.iam.gserviceaccount.com"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = config.BackendFS
	cfg.Storage.FSRoot = filepath.Join(dir, "objects")
	cfg.Storage.InvoiceBucket = "inv-read"
	cfg.Storage.ArchiveBucket = "dte-archives"
	cfg.Signing.BufferMinutes = 2
	cfg.Store.DBPath = filepath.Join(dir, "db", "dtebundle.db")
	return cfg
}

func directHooks(t *testing.T) Hooks {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return Hooks{
		Lookup:     func(string) (string, bool) { return "", false },
		FindADC:    func(context.Context) error { return nil },
		Strategies: []signer.Strategy{signer.NewDirect(testEmail, key)},
	}
}

func TestNewFSContainerPackages(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, testConfig(t), directHooks(t), testLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer c.Close()

	if c.Packager == nil || c.Jobs == nil {
		t.Fatal("expected packager and job history to be wired")
	}

	refs := []objref.Ref{
		{Bucket: "inv-read", Key: "2024/05/a.xml"},
		{Bucket: "inv-read", Key: "2024/05/b.pdf"},
		{Bucket: "inv-read", Key: "2024/05/missing.xml"},
	}
	for _, r := range refs[:2] {
		if err := c.Storage.Write(ctx, r, []byte("contenido de "+r.Key), "application/octet-stream"); err != nil {
			t.Fatalf("seeding %s: %v", r, err)
		}
	}

	job, err := c.Packager.Package(ctx, "", refs, "")
	if err != nil {
		t.Fatalf("Package() error: %v", err)
	}
	if job.State != bundle.StatePartial {
		t.Fatalf("state = %s, want PARTIAL", job.State)
	}
	if job.ArchiveRef == nil || job.ArchiveRef.Bucket != "dte-archives" || !strings.HasPrefix(job.ArchiveRef.Key, "zips/") {
		t.Fatalf("unexpected archive ref %v", job.ArchiveRef)
	}
	if job.ArchiveURL == nil || !strings.Contains(job.ArchiveURL.URL, "X-Goog-Signature=") {
		t.Fatalf("expected a signed archive url, got %+v", job.ArchiveURL)
	}
	if _, err := c.Storage.Stat(ctx, *job.ArchiveRef); err != nil {
		t.Errorf("archive not stored: %v", err)
	}

	c.Packager.Flush()
	rec, err := c.Jobs.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	if rec.State != string(bundle.StatePartial) || len(rec.Files) != 3 {
		t.Errorf("unexpected record: state=%s files=%d", rec.State, len(rec.Files))
	}

	snap := c.Metrics.Summary()
	if snap.ArchivesPartial != 1 {
		t.Errorf("archives partial = %d, want 1", snap.ArchivesPartial)
	}
}

func TestNewSignsWithDefaultBucket(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, testConfig(t), directHooks(t), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	r := objref.Ref{Bucket: "inv-read", Key: "factura 1.pdf"}
	if err := c.Storage.Write(ctx, r, []byte("%PDF"), "application/pdf"); err != nil {
		t.Fatal(err)
	}
	su, err := c.Signer.SignURI(ctx, "factura 1.pdf", signer.SignOptions{ExpirationMinutes: 10})
	if err != nil {
		t.Fatalf("SignURI() error: %v", err)
	}
	if su.Ref != r {
		t.Errorf("ref = %v, want %v", su.Ref, r)
	}
	if su.BufferMinutes != 2 {
		t.Errorf("buffer = %d, want fixed 2", su.BufferMinutes)
	}
	if got := su.ExpiresAt.Sub(time.Now()); got > 13*time.Minute || got < 11*time.Minute {
		t.Errorf("expires in %s, want about 12m", got)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"backend", func(c *config.Config) { c.Storage.Backend = "ftp" }},
		{"fetch mode", func(c *config.Config) { c.Zip.FetchMode = "carrier-pigeon" }},
		{"strategy", func(c *config.Config) { c.Signing.Strategies = []string{"direct", "hsm"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			if _, err := New(context.Background(), cfg, directHooks(t), testLogger()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestPackagingDisabledWithoutBucket(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.InvoiceBucket = ""
	cfg.Storage.ArchiveBucket = ""
	cfg.Store.DBPath = ""

	c, err := New(context.Background(), cfg, directHooks(t), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if c.Packager != nil {
		t.Error("expected packaging to be disabled")
	}
	if c.Jobs != nil {
		t.Error("expected history to be disabled")
	}
	deps := c.ServerDeps()
	if deps.Packager != nil || deps.Jobs != nil {
		t.Error("server deps must hold untyped nils for disabled components")
	}
}

func TestArchiveBucketFallsBackToInvoiceBucket(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.ArchiveBucket = ""
	cfg.Zip.FetchRatePerSecond = 50

	c, err := New(context.Background(), cfg, directHooks(t), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx := context.Background()
	r := objref.Ref{Bucket: "inv-read", Key: "a.xml"}
	if err := c.Storage.Write(ctx, r, []byte("<dte/>"), "application/xml"); err != nil {
		t.Fatal(err)
	}
	job, err := c.Packager.Package(ctx, "", []objref.Ref{r}, "")
	if err != nil {
		t.Fatal(err)
	}
	if job.State != bundle.StateReady {
		t.Fatalf("state = %s", job.State)
	}
	if job.ArchiveRef.Bucket != "inv-read" {
		t.Errorf("archive bucket = %s, want inv-read", job.ArchiveRef.Bucket)
	}
}

func TestBuildStrategiesOrder(t *testing.T) {
	cfg := testConfig(t)
	cfg.Signing.Strategies = []string{"sign_blob", "direct", "impersonation"}
	cfg.Signing.SignerServiceAccount = "zip-signer@dte-project.iam.gserviceaccount.com"

	hooks := directHooks(t)
	hooks.Strategies = nil
	hooks.DiscoverMail = func(context.Context) string { return "" }

	c, err := New(context.Background(), cfg, hooks, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	got := c.Signer.Strategies()
	want := []string{signer.StrategySignBlob, signer.StrategyDirect, signer.StrategyImpersonation}
	if len(got) != len(want) {
		t.Fatalf("got %d strategies, want %d", len(got), len(want))
	}
	for i, s := range got {
		if s.Name() != want[i] {
			t.Errorf("strategy %d = %s, want %s", i, s.Name(), want[i])
		}
	}
	if got[0].Email() != cfg.Signing.SignerServiceAccount {
		t.Errorf("sign_blob email = %q, want the signer account fallback", got[0].Email())
	}
	if err := got[1].Available(context.Background()); err == nil {
		t.Error("direct strategy without a key file should be unavailable")
	}
}

func TestShouldBundle(t *testing.T) {
	cfg := testConfig(t)
	cfg.Zip.Threshold = 5 // capped at 2 by Normalize

	c, err := New(context.Background(), cfg, directHooks(t), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	for n, want := range map[int]bool{1: false, 2: false, 3: true, 50: true} {
		if got := c.ShouldBundle(n); got != want {
			t.Errorf("ShouldBundle(%d) = %v, want %v", n, got, want)
		}
	}
}

func TestRetryPolicy(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Signing.MaxSignatureRetries = 4
	cfg.Retry.BaseDelaySeconds = 0.5

	p := RetryPolicy(cfg)
	if p.MaxRetries != 4 {
		t.Errorf("max retries = %d", p.MaxRetries)
	}
	if p.BaseDelay != 500*time.Millisecond {
		t.Errorf("base delay = %s", p.BaseDelay)
	}
	if p.SignatureBaseDelay != time.Minute || p.MaxDelay != 5*time.Minute {
		t.Errorf("unexpected delays %s / %s", p.SignatureBaseDelay, p.MaxDelay)
	}
	if !p.Jitter {
		t.Error("expected jitter")
	}
}
