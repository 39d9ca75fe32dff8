package signer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/dtebundle/internal/objref"
)

const (
	Algorithm       = "GOOG4-RSA-SHA256"
	DefaultHost     = "storage.googleapis.com"
	UnsignedPayload = "UNSIGNED-PAYLOAD"

	// MaxExpires is the longest validity the service accepts, in seconds.
	MaxExpires = 7 * 24 * 60 * 60

	dateFormat     = "20060102"
	dateTimeFormat = "20060102T150405Z"
	signedHeaders  = "host"
)

// Query parameter names of a V4 signed URL.
const (
	ParamAlgorithm     = "X-Goog-Algorithm"
	ParamCredential    = "X-Goog-Credential"
	ParamDate          = "X-Goog-Date"
	ParamExpires       = "X-Goog-Expires"
	ParamSignedHeaders = "X-Goog-SignedHeaders"
	ParamSignature     = "X-Goog-Signature"
)

// SignBytesFunc signs payload with RSA-SHA256 and returns the raw signature.
type SignBytesFunc func(ctx context.Context, payload []byte) ([]byte, error)

// urlParams are the inputs to one signed URL.
type urlParams struct {
	Method  string
	Ref     objref.Ref
	Email   string
	Now     time.Time
	Expires int // seconds
}

// CredentialScope returns the scope string for date t.
func CredentialScope(t time.Time) string {
	return t.UTC().Format(dateFormat) + "/auto/storage/goog4_request"
}

// ExpiresSeconds converts minutes of validity plus buffer into the
// X-Goog-Expires value, capped at MaxExpires.
func ExpiresSeconds(expirationMinutes, bufferMinutes int) int {
	secs := (expirationMinutes + bufferMinutes) * 60
	if secs > MaxExpires {
		return MaxExpires
	}
	if secs < 1 {
		return 1
	}
	return secs
}

// canonicalURI escapes every key byte outside the unreserved set, keeping "/".
func canonicalURI(ref objref.Ref) string {
	return "/" + uriEncode(ref.Bucket, true) + "/" + uriEncode(ref.Key, false)
}

func uriEncode(s string, encodeSlash bool) string {
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		case c == '/' && !encodeSlash:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&15])
		}
	}
	return b.String()
}

// canonicalQuery sorts and encodes query parameters, skipping the signature.
func canonicalQuery(q url.Values) string {
	params := make([]string, 0, len(q))
	for key, values := range q {
		if key == ParamSignature {
			continue
		}
		for _, v := range values {
			params = append(params, uriEncode(key, true)+"="+uriEncode(v, true))
		}
	}
	sort.Strings(params)
	return strings.Join(params, "&")
}

// CanonicalRequest builds the request string covered by the signature.
func CanonicalRequest(method, uri string, query url.Values, host string) string {
	return strings.Join([]string{
		method,
		uri,
		canonicalQuery(query),
		"host:" + strings.ToLower(host) + "\n",
		signedHeaders,
		UnsignedPayload,
	}, "\n")
}

// StringToSign hashes the canonical request into the signed payload.
func StringToSign(canonicalRequest string, t time.Time) string {
	sum := sha256.Sum256([]byte(canonicalRequest))
	return strings.Join([]string{
		Algorithm,
		t.UTC().Format(dateTimeFormat),
		CredentialScope(t),
		hex.EncodeToString(sum[:]),
	}, "\n")
}

func (p urlParams) query() url.Values {
	q := url.Values{}
	q.Set(ParamAlgorithm, Algorithm)
	q.Set(ParamCredential, p.Email+"/"+CredentialScope(p.Now))
	q.Set(ParamDate, p.Now.UTC().Format(dateTimeFormat))
	q.Set(ParamExpires, strconv.Itoa(p.Expires))
	q.Set(ParamSignedHeaders, signedHeaders)
	return q
}

// buildURL assembles and signs a V4 URL for p.
func buildURL(ctx context.Context, p urlParams, sign SignBytesFunc) (string, error) {
	if p.Email == "" {
		return "", fmt.Errorf("signing identity has no email")
	}
	q := p.query()
	uri := canonicalURI(p.Ref)
	sts := StringToSign(CanonicalRequest(p.Method, uri, q, DefaultHost), p.Now)

	sig, err := sign(ctx, []byte(sts))
	if err != nil {
		return "", err
	}

	return "https://" + DefaultHost + uri + "?" + canonicalQuery(q) + "&" + ParamSignature + "=" + hex.EncodeToString(sig), nil
}
