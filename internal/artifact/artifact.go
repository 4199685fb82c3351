// Package artifact stores per-case files: originals, extracted text,
// analysis records and the case manifest. Components receive a Case handle
// and address files relative to it.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned when an artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// ErrInvalidPath is returned for keys that would escape their case.
var ErrInvalidPath = errors.New("invalid artifact path")

// Backend is a flat key/value blob store. Put must be atomic: a reader sees
// either the previous content or the new content, never a partial write.
type Backend interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// Store hands out case handles over a backend.
type Store struct {
	backend Backend
}

// New creates a Store.
func New(b Backend) *Store {
	return &Store{backend: b}
}

// Case returns the handle for caseID.
func (s *Store) Case(caseID string) (Case, error) {
	if !validSegment(caseID) {
		return Case{}, fmt.Errorf("%w: case id %q", ErrInvalidPath, caseID)
	}
	return Case{backend: s.backend, id: caseID}, nil
}

// Case addresses the files of one case.
type Case struct {
	backend Backend
	id      string
}

// ID returns the case id.
func (c Case) ID() string { return c.id }

// Write stores data at rel, replacing any previous content atomically.
func (c Case) Write(ctx context.Context, rel string, data []byte) error {
	key, err := c.key(rel)
	if err != nil {
		return err
	}
	return c.backend.Put(ctx, key, data)
}

// Read returns the content at rel or ErrNotFound.
func (c Case) Read(ctx context.Context, rel string) ([]byte, error) {
	key, err := c.key(rel)
	if err != nil {
		return nil, err
	}
	return c.backend.Get(ctx, key)
}

// RemoveAll deletes rel and everything below it.
func (c Case) RemoveAll(ctx context.Context, rel string) error {
	key, err := c.key(rel)
	if err != nil {
		return err
	}
	return c.backend.DeletePrefix(ctx, key)
}

func (c Case) key(rel string) (string, error) {
	if rel == "" || strings.HasPrefix(rel, "/") || strings.Contains(rel, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	clean := path.Clean(rel)
	if clean != rel || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	return "cases/" + c.id + "/" + clean, nil
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, "/\\\x00")
}
