package signer

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/impersonate"
	"google.golang.org/api/option"
)

// Capability is what a strategy needs from the credential environment.
type Capability string

const (
	CanSignLocally  Capability = "can_sign_locally"
	CanImpersonate  Capability = "can_impersonate"
	CanCallSignBlob Capability = "can_call_sign_blob"
)

// Strategy names, in the order the chain tries them.
const (
	StrategyDirect        = "direct"
	StrategyImpersonation = "impersonation"
	StrategySignBlob      = "sign_blob"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// Strategy is one way of producing an RSA-SHA256 signature for a service
// account identity.
type Strategy interface {
	Name() string
	Capability() Capability
	// Available returns nil when the strategy can be attempted, or the
	// reason it is skipped.
	Available(ctx context.Context) error
	// Email is the service account the signature is attributed to.
	Email() string
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

// Direct signs with a service account private key held in process.
type Direct struct {
	email string
	key   *rsa.PrivateKey
	err   error
}

// NewDirect creates a direct strategy from an RSA key.
func NewDirect(email string, key *rsa.PrivateKey) *Direct {
	return &Direct{email: email, key: key}
}

// DirectFromJSON parses a service account key file. Any other credential
// type yields an unavailable strategy rather than an error, since ADC-only
// environments are expected to fall through to the next tier.
func DirectFromJSON(data []byte) *Direct {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return &Direct{err: fmt.Errorf("parsing credentials: %w", err)}
	}
	if head.Type != "service_account" {
		return &Direct{err: fmt.Errorf("credentials of type %q cannot sign locally", head.Type)}
	}

	cfg, err := google.JWTConfigFromJSON(data)
	if err != nil {
		return &Direct{err: fmt.Errorf("parsing service account key: %w", err)}
	}
	key, err := parseRSAKey(cfg.PrivateKey)
	if err != nil {
		return &Direct{err: err}
	}
	return &Direct{email: cfg.Email, key: key}
}

// DirectFromFile reads a key file. An empty path means ADC only.
func DirectFromFile(path string) *Direct {
	if path == "" {
		return &Direct{err: errors.New("no service account key configured")}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &Direct{err: fmt.Errorf("reading credentials file: %w", err)}
	}
	return DirectFromJSON(data)
}

func parseRSAKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("private key is not PEM encoded")
	}
	if k, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not RSA")
		}
		return rk, nil
	}
	k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return k, nil
}

func (d *Direct) Name() string           { return StrategyDirect }
func (d *Direct) Capability() Capability { return CanSignLocally }
func (d *Direct) Email() string          { return d.email }

func (d *Direct) Available(ctx context.Context) error {
	if d.err != nil {
		return d.err
	}
	if d.key == nil {
		return errors.New("no private key")
	}
	return nil
}

func (d *Direct) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if err := d.Available(ctx); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(payload)
	return rsa.SignPKCS1v15(rand.Reader, d.key, crypto.SHA256, sum[:])
}

// blobSigner calls the IAM Credentials signBlob method.
type blobSigner struct {
	svc *iamcredentials.Service
}

func (b blobSigner) sign(ctx context.Context, email string, payload []byte) ([]byte, error) {
	name := "projects/-/serviceAccounts/" + email
	resp, err := b.svc.Projects.ServiceAccounts.SignBlob(name, &iamcredentials.SignBlobRequest{
		Payload: base64.StdEncoding.EncodeToString(payload),
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("signBlob for %s: %w", email, err)
	}
	sig, err := base64.StdEncoding.DecodeString(resp.SignedBlob)
	if err != nil {
		return nil, fmt.Errorf("decoding signBlob response: %w", err)
	}
	return sig, nil
}

// TokenSourceFunc produces credentials for the impersonated principal.
type TokenSourceFunc func(ctx context.Context, target string) (oauth2.TokenSource, error)

// ImpersonatedTokenSource uses the ambient credentials to impersonate target.
func ImpersonatedTokenSource(ctx context.Context, target string) (oauth2.TokenSource, error) {
	return impersonate.CredentialsTokenSource(ctx, impersonate.CredentialsConfig{
		TargetPrincipal: target,
		Scopes:          []string{cloudPlatformScope},
	})
}

// Impersonation obtains short-lived credentials for a signer principal and
// has that principal sign its own blob.
type Impersonation struct {
	target      string
	tokenSource TokenSourceFunc
	svcOpts     []option.ClientOption

	mu     sync.Mutex
	signer *blobSigner
}

// NewImpersonation creates the strategy. A nil tokenSource uses
// ImpersonatedTokenSource; svcOpts configure the IAM Credentials client.
func NewImpersonation(target string, tokenSource TokenSourceFunc, svcOpts ...option.ClientOption) *Impersonation {
	if tokenSource == nil {
		tokenSource = ImpersonatedTokenSource
	}
	return &Impersonation{target: target, tokenSource: tokenSource, svcOpts: svcOpts}
}

func (i *Impersonation) Name() string           { return StrategyImpersonation }
func (i *Impersonation) Capability() Capability { return CanImpersonate }
func (i *Impersonation) Email() string          { return i.target }

func (i *Impersonation) Available(ctx context.Context) error {
	if i.target == "" {
		return errors.New("no signer service account configured")
	}
	return nil
}

func (i *Impersonation) client(ctx context.Context) (*blobSigner, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.signer != nil {
		return i.signer, nil
	}

	// The client is cached, so its token source must not hold the attempt's
	// context: oauth2 reuses it for every later refresh.
	base := context.WithoutCancel(ctx)
	ts, err := i.tokenSource(base, i.target)
	if err != nil {
		return nil, fmt.Errorf("impersonating %s: %w", i.target, err)
	}
	// Refresh now so a principal we cannot impersonate fails this tier.
	if _, err := ts.Token(); err != nil {
		return nil, fmt.Errorf("refreshing impersonated token: %w", err)
	}
	opts := append([]option.ClientOption{option.WithTokenSource(oauth2.ReuseTokenSource(nil, ts))}, i.svcOpts...)
	svc, err := iamcredentials.NewService(base, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating iamcredentials client: %w", err)
	}
	i.signer = &blobSigner{svc: svc}
	return i.signer, nil
}

func (i *Impersonation) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if err := i.Available(ctx); err != nil {
		return nil, err
	}
	b, err := i.client(ctx)
	if err != nil {
		return nil, err
	}
	return b.sign(ctx, i.target, payload)
}

// SignBlob asks the IAM Credentials API to sign on behalf of email using
// the process's Application Default Credentials.
type SignBlob struct {
	email   string
	svcOpts []option.ClientOption

	mu     sync.Mutex
	signer *blobSigner
	err    error
}

// NewSignBlob creates the strategy. The client is built on first use.
func NewSignBlob(email string, svcOpts ...option.ClientOption) *SignBlob {
	return &SignBlob{email: email, svcOpts: svcOpts}
}

func (s *SignBlob) Name() string           { return StrategySignBlob }
func (s *SignBlob) Capability() Capability { return CanCallSignBlob }
func (s *SignBlob) Email() string          { return s.email }

func (s *SignBlob) Available(ctx context.Context) error {
	if s.email == "" {
		return errors.New("no signer service account configured")
	}
	_, err := s.client(ctx)
	return err
}

func (s *SignBlob) client(ctx context.Context) (*blobSigner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signer != nil || s.err != nil {
		return s.signer, s.err
	}
	svc, err := iamcredentials.NewService(context.WithoutCancel(ctx), s.svcOpts...)
	if err != nil {
		// Missing ADC does not fix itself; remember it.
		s.err = fmt.Errorf("creating iamcredentials client: %w", err)
		return nil, s.err
	}
	s.signer = &blobSigner{svc: svc}
	return s.signer, nil
}

func (s *SignBlob) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	b, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	return b.sign(ctx, s.email, payload)
}

// DiscoverEmail returns the client_email of the ambient credentials, if
// they carry one.
func DiscoverEmail(ctx context.Context) string {
	creds, err := google.FindDefaultCredentials(ctx, cloudPlatformScope)
	if err != nil || len(creds.JSON) == 0 {
		return ""
	}
	var f struct {
		ClientEmail string `json:"client_email"`
	}
	if json.Unmarshal(creds.JSON, &f) != nil {
		return ""
	}
	return f.ClientEmail
}
