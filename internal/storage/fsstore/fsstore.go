// Package fsstore implements storage.Store on a local directory tree laid
// out as {root}/{bucket}/{key}. It backs development setups and tests.
package fsstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"

	"github.com/BadgerOps/dtebundle/internal/objref"
	"github.com/BadgerOps/dtebundle/internal/safety"
	"github.com/BadgerOps/dtebundle/internal/storage"
)

// Store serves objects from files below root.
type Store struct {
	root     string
	maxBytes int64
	logger   *slog.Logger
}

// New creates a Store rooted at root, creating the directory if needed.
func New(root string, maxBytes int64, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating storage root %s: %w", root, err)
	}
	return &Store{root: root, maxBytes: maxBytes, logger: logger.With("backend", "fs")}, nil
}

func (s *Store) path(op string, ref objref.Ref) (string, error) {
	p, err := safety.ObjectPath(s.root, ref.Bucket, ref.Key)
	if err != nil {
		return "", storage.NotFound(op, ref, err)
	}
	return p, nil
}

func (s *Store) Stat(ctx context.Context, ref objref.Ref) (storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return storage.ObjectInfo{}, err
	}
	p, err := s.path("stat", ref)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return storage.ObjectInfo{}, mapError("stat", ref, err)
	}
	if fi.IsDir() {
		return storage.ObjectInfo{}, storage.NotFound("stat", ref, errors.New("is a directory"))
	}
	return storage.ObjectInfo{
		Ref:         ref,
		Size:        fi.Size(),
		ContentType: mime.TypeByExtension(filepath.Ext(p)),
		Updated:     fi.ModTime().UTC(),
	}, nil
}

func (s *Store) Read(ctx context.Context, ref objref.Ref) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path("read", ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, mapError("read", ref, err)
	}
	defer f.Close()

	data, err := safety.ReadAllWithLimit(f, s.maxBytes)
	if err != nil {
		return nil, mapError("read", ref, err)
	}
	return data, nil
}

// Write stores data atomically by renaming a temp file into place.
func (s *Store) Write(ctx context.Context, ref objref.Ref, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := safety.ObjectPath(s.root, ref.Bucket, ref.Key)
	if err != nil {
		return fmt.Errorf("write %s: %w", ref, err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("write %s: %w", ref, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", ref, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", ref, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", ref, err)
	}
	s.logger.Debug("object written", "ref", ref.String(), "bytes", len(data), "content_type", contentType)
	return nil
}

func mapError(op string, ref objref.Ref, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return storage.NotFound(op, ref, err)
	}
	return fmt.Errorf("fs %s %s: %w", op, ref, err)
}
