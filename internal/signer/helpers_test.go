package signer

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/api/option"

	"github.com/BadgerOps/dtebundle/internal/faults"
	"github.com/BadgerOps/dtebundle/internal/metrics"
	"github.com/BadgerOps/dtebundle/internal/objref"
	"github.com/BadgerOps/dtebundle/internal/retry"
	"github.com/BadgerOps/dtebundle/internal/storage"
	"github.com/BadgerOps/dtebundle/internal/timesync"
)

const testEmail = "signer@dte-project.iam.gserviceaccount.com"

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRetry(maxRetries int, mc *metrics.Collector) *retry.Strategy {
	return retry.New(retry.Policy{
		MaxRetries:         maxRetries,
		BaseDelay:          time.Microsecond,
		SignatureBaseDelay: time.Microsecond,
		MaxDelay:           time.Millisecond,
	}, mc, testLogger())
}

// fakeStore answers Stat from an in-memory object map.
type fakeStore struct {
	mu      sync.Mutex
	objects map[objref.Ref][]byte
	fail    []error // returned by successive Stat calls before consulting objects
	calls   atomic.Int64
}

func newFakeStore(objs map[objref.Ref][]byte) *fakeStore {
	if objs == nil {
		objs = make(map[objref.Ref][]byte)
	}
	return &fakeStore{objects: objs}
}

func (f *fakeStore) Stat(ctx context.Context, ref objref.Ref) (storage.ObjectInfo, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fail) > 0 {
		err := f.fail[0]
		f.fail = f.fail[1:]
		return storage.ObjectInfo{}, err
	}
	data, ok := f.objects[ref]
	if !ok {
		return storage.ObjectInfo{}, storage.NotFound("stat", ref, fmt.Errorf("no such object"))
	}
	return storage.ObjectInfo{Ref: ref, Size: int64(len(data))}, nil
}

// fakeClock returns a fixed probe result.
type fakeClock struct {
	mu        sync.Mutex
	result    timesync.Result
	afterRef  *timesync.Result
	checks    int
	refreshes int
}

func clockWith(status timesync.Status, skew float64) *fakeClock {
	return &fakeClock{result: timesync.Result{
		Status:                   status,
		SkewSeconds:              skew,
		RecommendedBufferMinutes: timesync.BufferFor(status),
	}}
}

func (c *fakeClock) Check(ctx context.Context) timesync.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks++
	return c.result
}

func (c *fakeClock) Refresh(ctx context.Context) timesync.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes++
	if c.afterRef != nil {
		c.result = *c.afterRef
	}
	return c.result
}

// verifySignedURL recomputes the string to sign from raw and checks the
// signature against pub.
func verifySignedURL(raw string, pub *rsa.PublicKey) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	return verifyRequest(http.MethodGet, u.EscapedPath(), u.Query(), pub, time.Now())
}

func verifyRequest(method, escapedPath string, q url.Values, pub *rsa.PublicKey, now time.Time) error {
	if q.Get(ParamAlgorithm) != Algorithm {
		return fmt.Errorf("algorithm %q", q.Get(ParamAlgorithm))
	}
	signedAt, err := time.Parse(dateTimeFormat, q.Get(ParamDate))
	if err != nil {
		return fmt.Errorf("bad date: %w", err)
	}
	expires, err := strconv.Atoi(q.Get(ParamExpires))
	if err != nil {
		return fmt.Errorf("bad expires: %w", err)
	}
	if now.After(signedAt.Add(time.Duration(expires) * time.Second)) {
		return fmt.Errorf("url expired")
	}
	if !strings.HasSuffix(q.Get(ParamCredential), "/"+CredentialScope(signedAt)) {
		return fmt.Errorf("credential scope mismatch: %s", q.Get(ParamCredential))
	}
	sig, err := hex.DecodeString(q.Get(ParamSignature))
	if err != nil {
		return fmt.Errorf("signature is not hex: %w", err)
	}
	sts := StringToSign(CanonicalRequest(method, escapedPath, q, DefaultHost), signedAt)
	sum := sha256.Sum256([]byte(sts))
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, sum[:], sig)
}

// objectServer serves objects only to requests carrying a valid signature,
// answering 403 SignatureDoesNotMatch otherwise.
func objectServer(t *testing.T, pub *rsa.PublicKey, objects map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := verifyRequest(r.Method, r.URL.EscapedPath(), r.URL.Query(), pub, time.Now()); err != nil {
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, "<Error><Code>SignatureDoesNotMatch</Code><Message>"+err.Error()+"</Message></Error>")
			return
		}
		data, ok := objects[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// rewriteTransport sends every request to target, keeping path and query.
type rewriteTransport struct {
	target *url.URL
}

func (rt rewriteTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r2 := r.Clone(r.Context())
	r2.URL.Scheme = rt.target.Scheme
	r2.URL.Host = rt.target.Host
	r2.Host = ""
	return http.DefaultTransport.RoundTrip(r2)
}

func clientFor(srv *httptest.Server) *http.Client {
	u, _ := url.Parse(srv.URL)
	return &http.Client{Transport: rewriteTransport{target: u}}
}

// iamServer is a fake IAM Credentials API that signs with key.
type iamServer struct {
	*httptest.Server
	calls     atomic.Int64
	lastAuth  atomic.Value
	lastName  atomic.Value
	forceFail bool
}

func newIAMServer(t *testing.T, key *rsa.PrivateKey) *iamServer {
	t.Helper()
	s := &iamServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		s.lastAuth.Store(r.Header.Get("Authorization"))
		if !strings.HasSuffix(r.URL.Path, ":signBlob") {
			http.NotFound(w, r)
			return
		}
		s.lastName.Store(strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/"), ":signBlob"))
		if s.forceFail {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, `{"error":{"code":403,"message":"Permission iam.serviceAccounts.signBlob denied","status":"PERMISSION_DENIED"}}`)
			return
		}
		var req struct {
			Payload string `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		payload, err := base64.StdEncoding.DecodeString(req.Payload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sum := sha256.Sum256(payload)
		sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"keyId":      "test-key",
			"signedBlob": base64.StdEncoding.EncodeToString(sig),
		})
	}))
	t.Cleanup(s.Server.Close)
	return s
}

func (s *iamServer) opts() []option.ClientOption {
	return []option.ClientOption{
		option.WithEndpoint(s.URL + "/"),
		option.WithHTTPClient(s.Client()),
	}
}

// unavailable is a strategy that is never usable.
type unavailable struct {
	name string
}

func (u unavailable) Name() string                        { return u.name }
func (u unavailable) Capability() Capability              { return CanSignLocally }
func (u unavailable) Available(ctx context.Context) error { return fmt.Errorf("%s disabled", u.name) }
func (u unavailable) Email() string                       { return "" }
func (u unavailable) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	return nil, fmt.Errorf("%s disabled", u.name)
}

// constSigner returns a fixed signature.
type constSigner struct {
	sig []byte
}

func (c constSigner) Name() string                        { return "const" }
func (c constSigner) Capability() Capability              { return CanSignLocally }
func (c constSigner) Available(ctx context.Context) error { return nil }
func (c constSigner) Email() string                       { return testEmail }
func (c constSigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	return c.sig, nil
}

func expiresOf(t *testing.T, raw string) int {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	n, err := strconv.Atoi(u.Query().Get(ParamExpires))
	if err != nil {
		t.Fatalf("X-Goog-Expires: %v", err)
	}
	return n
}

func kindOf(err error) faults.Kind { return faults.Classify(err) }
