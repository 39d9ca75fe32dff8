// Package objref parses and formats references to objects held in cloud
// object storage ("gs://bucket/key").
package objref

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/BadgerOps/dtebundle/internal/faults"
)

// Scheme is the only URI scheme accepted for object references.
const Scheme = "gs://"

// maxKeyLength is the object name limit enforced by Cloud Storage.
const maxKeyLength = 1024

// Ref identifies a single object. It is a value type and safe to use as a map key.
type Ref struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// New builds a Ref from its parts and validates it.
func New(bucket, key string) (Ref, error) {
	r := Ref{Bucket: bucket, Key: key}
	if err := r.Validate(); err != nil {
		return Ref{}, err
	}
	return r, nil
}

// Parse converts raw into a Ref. raw is either a gs:// URI or a bare object key,
// in which case defaultBucket is used. Any other scheme is rejected.
func Parse(raw, defaultBucket string) (Ref, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Ref{}, invalid(raw, "empty reference")
	}

	if strings.HasPrefix(s, Scheme) {
		rest := strings.TrimPrefix(s, Scheme)
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok {
			return Ref{}, invalid(raw, "missing object key")
		}
		return New(bucket, key)
	}

	if strings.Contains(s, "://") {
		return Ref{}, invalid(raw, "unsupported scheme, expected gs://")
	}
	if defaultBucket == "" {
		return Ref{}, invalid(raw, "bare key given but no default bucket configured")
	}
	return New(defaultBucket, strings.TrimPrefix(s, "/"))
}

// ParseAll parses every entry of raws, stopping at the first invalid one.
func ParseAll(raws []string, defaultBucket string) ([]Ref, error) {
	refs := make([]Ref, 0, len(raws))
	for _, raw := range raws {
		r, err := Parse(raw, defaultBucket)
		if err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, nil
}

// Validate reports whether r names a plausible object.
func (r Ref) Validate() error {
	switch {
	case r.Bucket == "":
		return invalid(r.String(), "empty bucket")
	case strings.ContainsAny(r.Bucket, "/ "):
		return invalid(r.String(), "malformed bucket name")
	case r.Key == "":
		return invalid(r.String(), "empty object key")
	case strings.HasSuffix(r.Key, "/"):
		return invalid(r.String(), "object key names a folder")
	case len(r.Key) > maxKeyLength:
		return invalid(r.String(), fmt.Sprintf("object key longer than %d bytes", maxKeyLength))
	}
	for _, seg := range strings.Split(r.Key, "/") {
		if seg == ".." {
			return invalid(r.String(), "parent traversal in object key")
		}
	}
	return nil
}

// String renders the reference as a gs:// URI.
func (r Ref) String() string {
	return Scheme + r.Bucket + "/" + r.Key
}

// Base returns the last path element of the key.
func (r Ref) Base() string {
	return path.Base(r.Key)
}

// IsZero reports whether r is the zero value.
func (r Ref) IsZero() bool {
	return r.Bucket == "" && r.Key == ""
}

// Strings renders every ref as a gs:// URI.
func Strings(refs []Ref) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.String()
	}
	return out
}

func invalid(raw, reason string) error {
	return &faults.Error{
		Kind: faults.InvalidInput,
		Op:   "parse",
		Ref:  raw,
		Err:  errors.New(reason),
	}
}
