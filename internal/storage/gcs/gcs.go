// Package gcs implements storage.Store on the Cloud Storage JSON API.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/BadgerOps/dtebundle/internal/faults"
	"github.com/BadgerOps/dtebundle/internal/objref"
	"github.com/BadgerOps/dtebundle/internal/safety"
	st "github.com/BadgerOps/dtebundle/internal/storage"
)

// Store reads and writes objects through the Cloud Storage client.
type Store struct {
	client   *storage.Client
	maxBytes int64
	logger   *slog.Logger
}

// New creates a Store. Extra client options (credentials file, endpoint)
// are passed through to storage.NewClient.
func New(ctx context.Context, maxBytes int64, logger *slog.Logger, opts ...option.ClientOption) (*Store, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &Store{client: client, maxBytes: maxBytes, logger: logger.With("backend", "gcs")}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Stat(ctx context.Context, ref objref.Ref) (st.ObjectInfo, error) {
	attrs, err := s.client.Bucket(ref.Bucket).Object(ref.Key).Attrs(ctx)
	if err != nil {
		return st.ObjectInfo{}, mapError("stat", ref, err)
	}
	return st.ObjectInfo{
		Ref:         ref,
		Size:        attrs.Size,
		ContentType: attrs.ContentType,
		Updated:     attrs.Updated,
	}, nil
}

func (s *Store) Read(ctx context.Context, ref objref.Ref) ([]byte, error) {
	r, err := s.client.Bucket(ref.Bucket).Object(ref.Key).NewReader(ctx)
	if err != nil {
		return nil, mapError("read", ref, err)
	}
	defer r.Close()

	data, err := safety.ReadAllWithLimit(r, s.maxBytes)
	if err != nil {
		return nil, mapError("read", ref, err)
	}
	return data, nil
}

func (s *Store) Write(ctx context.Context, ref objref.Ref, data []byte, contentType string) error {
	w := s.client.Bucket(ref.Bucket).Object(ref.Key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return mapError("write", ref, err)
	}
	if err := w.Close(); err != nil {
		return mapError("write", ref, err)
	}
	s.logger.Debug("object written", "ref", ref.String(), "bytes", len(data))
	return nil
}

// mapError tags client errors with a kind. googleapi errors carry the status.
func mapError(op string, ref objref.Ref, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return st.NotFound(op, ref, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if kind, ok := faults.KindForStatus(apiErr.Code); ok {
			return &faults.Error{Kind: kind, Op: op, Ref: ref.String(), Status: apiErr.Code, Err: err}
		}
	}
	return fmt.Errorf("gcs %s %s: %w", op, ref, err)
}
