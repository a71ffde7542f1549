// Package docstore provides a namespaced key-value store for memory
// metadata and turn checkpoints.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// ErrStorage marks a durable read or write failure. Layers above (memory,
// checkpoint) wrap their storage failures with it so callers can match via
// errors.Is.
var ErrStorage = errors.New("storage failure")

// Namespace is an ordered tuple of path segments, e.g.
// ("session_abc", "memories", "simplemem_atom").
type Namespace []string

// NS builds a namespace from segments.
func NS(segments ...string) Namespace { return Namespace(segments) }

// String renders the namespace as a slash-joined path.
func (n Namespace) String() string { return strings.Join(n, "/") }

// Child returns the namespace extended with more segments.
func (n Namespace) Child(segments ...string) Namespace {
	out := make(Namespace, 0, len(n)+len(segments))
	out = append(out, n...)
	out = append(out, segments...)
	return out
}

// Store is a durable namespaced KV store. Values are opaque JSON documents.
type Store interface {
	// Setup creates backing schema. Idempotent.
	Setup(ctx context.Context) error

	// Get returns the value at (namespace, key), or ErrNotFound.
	Get(ctx context.Context, ns Namespace, key string) (json.RawMessage, error)

	// Put stores value at (namespace, key), replacing any existing value.
	Put(ctx context.Context, ns Namespace, key string, value json.RawMessage) error

	// Delete removes (namespace, key). Deleting a missing key is not an error.
	Delete(ctx context.Context, ns Namespace, key string) error

	// Close releases resources.
	Close() error
}

// Compactor is implemented by stores that can reclaim space.
type Compactor interface {
	Compact(ctx context.Context) error
}

// GetJSON fetches and unmarshals a document into out.
func GetJSON(ctx context.Context, s Store, ns Namespace, key string, out any) error {
	raw, err := s.Get(ctx, ns, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// PutJSON marshals v and stores it.
func PutJSON(ctx context.Context, s Store, ns Namespace, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Put(ctx, ns, key, raw)
}
