package signer

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/BadgerOps/dtebundle/internal/faults"
)

const (
	MaxURLLength       = 2000
	MaxSignatureLength = 512
	repeatWindow       = 32
)

var requiredParams = []string{
	ParamAlgorithm,
	ParamCredential,
	ParamDate,
	ParamExpires,
	ParamSignedHeaders,
	ParamSignature,
}

// ValidateURL runs the format check every emitted URL must pass. A failure
// is returned as a FORMAT_INVALID fault.
func ValidateURL(raw string) error {
	if err := checkURL(raw); err != nil {
		return &faults.Error{Kind: faults.FormatInvalid, Op: "validate", Err: err}
	}
	return nil
}

func checkURL(raw string) error {
	if len(raw) > MaxURLLength {
		return fmt.Errorf("url is %d characters, limit %d", len(raw), MaxURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("unparseable url: %w", err)
	}
	if u.Scheme != "https" || u.Host != DefaultHost {
		return fmt.Errorf("url must start with https://%s, got %s://%s", DefaultHost, u.Scheme, u.Host)
	}
	if n := strings.Count(raw, ParamSignature+"="); n != 1 {
		return fmt.Errorf("%s appears %d times", ParamSignature, n)
	}

	q := u.Query()
	for _, p := range requiredParams {
		if q.Get(p) == "" {
			return fmt.Errorf("missing %s", p)
		}
	}

	sig := q.Get(ParamSignature)
	if len(sig) > MaxSignatureLength {
		return fmt.Errorf("signature is %d characters, limit %d", len(sig), MaxSignatureLength)
	}
	if s, ok := repeatedRun(sig, repeatWindow); ok {
		return fmt.Errorf("signature repeats the pattern %q", s)
	}
	return nil
}

// repeatedRun reports the first window-length substring of s that occurs
// more than once, overlapping occurrences included. Any longer repeated
// pattern contains a repeated window, so one size suffices.
func repeatedRun(s string, window int) (string, bool) {
	if len(s) < window+1 {
		return "", false
	}
	seen := make(map[string]struct{}, len(s)-window+1)
	for i := 0; i+window <= len(s); i++ {
		w := s[i : i+window]
		if _, dup := seen[w]; dup {
			return w, true
		}
		seen[w] = struct{}{}
	}
	return "", false
}
