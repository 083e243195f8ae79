// Package store defines the narrow document-store contract the game core
// depends on: durable key-value documents, atomic partial updates, a
// server-assigned timestamp on write, and cancellable snapshot subscriptions.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("store: document not found")

// Document is a stored document together with its id.
type Document struct {
	ID     string
	Fields map[string]any
}

// Snapshot is one observed state of a single document. Exists is false when
// the document is absent, in which case Fields is nil.
type Snapshot struct {
	Exists bool
	Fields map[string]any
}

// CancelFunc tears down a subscription. Calling it more than once is safe.
type CancelFunc func()

// Store is the session-store collaborator. Updates to a single document are
// delivered to every subscriber in commit order; no ordering is guaranteed
// across documents.
type Store interface {
	// GetDocument returns the current state of a document, or ErrNotFound.
	GetDocument(ctx context.Context, collection, id string) (Document, error)

	// SetDocument fully overwrites a document, creating it if absent.
	SetDocument(ctx context.Context, collection, id string, fields map[string]any) error

	// UpdateDocument atomically merges fields into an existing document.
	// Returns ErrNotFound if the document is absent.
	UpdateDocument(ctx context.Context, collection, id string, fields map[string]any) error

	// QueryWhere returns every document in the collection whose field equals value.
	QueryWhere(ctx context.Context, collection, field string, value any) ([]Document, error)

	// ListDocuments returns every document in the collection.
	ListDocuments(ctx context.Context, collection string) ([]Document, error)

	// Subscribe delivers the current snapshot immediately, then one snapshot
	// per subsequent committed change, until cancelled.
	Subscribe(ctx context.Context, collection, id string) (<-chan Snapshot, CancelFunc, error)

	// SubscribeCollection is Subscribe for a whole collection: the full
	// document list is delivered immediately and after every change.
	SubscribeCollection(ctx context.Context, collection string) (<-chan []Document, CancelFunc, error)
}

type serverTimestamp struct{}

type deleteField struct{}

// ServerTimestamp returns a placeholder which the store resolves to its own
// clock at commit time, so every observer derives elapsed time from the same
// authoritative instant.
func ServerTimestamp() any { return serverTimestamp{} }

// DeleteField returns a placeholder which removes the field on update.
func DeleteField() any { return deleteField{} }

// IsServerTimestamp reports whether v is the ServerTimestamp placeholder.
func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

// IsDeleteField reports whether v is the DeleteField placeholder.
func IsDeleteField(v any) bool {
	_, ok := v.(deleteField)
	return ok
}

// ResolveFields replaces placeholders in fields: ServerTimestamp markers
// become now formatted with EncodeTime, DeleteField markers are dropped and
// their keys returned separately. The input map is not modified.
func ResolveFields(fields map[string]any, now time.Time) (resolved map[string]any, deleted []string) {
	resolved = make(map[string]any, len(fields))
	for k, v := range fields {
		switch {
		case IsServerTimestamp(v):
			resolved[k] = EncodeTime(now)
		case IsDeleteField(v):
			deleted = append(deleted, k)
		default:
			resolved[k] = v
		}
	}
	return resolved, deleted
}

// EncodeTime formats a timestamp the way stores persist it.
func EncodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// DecodeTime parses a persisted timestamp. Returns false for absent or
// malformed values.
func DecodeTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
