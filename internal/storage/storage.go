// Package storage defines the object storage contract used by the signer
// and the packager. Backends live in subpackages.
package storage

import (
	"context"
	"time"

	"github.com/BadgerOps/dtebundle/internal/faults"
	"github.com/BadgerOps/dtebundle/internal/objref"
)

// ContentTypeZip is the content type of uploaded archives.
const ContentTypeZip = "application/zip"

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Ref         objref.Ref `json:"ref"`
	Size        int64      `json:"size"`
	ContentType string     `json:"content_type,omitempty"`
	Updated     time.Time  `json:"updated,omitempty"`
}

// Store is the minimal object storage surface. Missing objects must be
// reported as faults.NotFound so callers never retry them.
type Store interface {
	// Stat returns object metadata without reading the body.
	Stat(ctx context.Context, ref objref.Ref) (ObjectInfo, error)
	// Read returns the full object body.
	Read(ctx context.Context, ref objref.Ref) ([]byte, error)
	// Write stores data at ref, replacing any existing object.
	Write(ctx context.Context, ref objref.Ref, data []byte, contentType string) error
}

// NotFound returns the error backends use for a missing object.
func NotFound(op string, ref objref.Ref, cause error) error {
	return &faults.Error{Kind: faults.NotFound, Op: op, Ref: ref.String(), Status: 404, Err: cause}
}
