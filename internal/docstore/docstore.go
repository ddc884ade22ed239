// Package docstore abstracts the realtime document database behind the
// journal: schemaless documents addressed by collection/document paths, with
// one-shot queries and push-based subscriptions.
package docstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Update and Get when no document exists at the path.
var ErrNotFound = errors.New("document not found")

// serverTimestamp is a sentinel replaced with the store's clock at write time.
type serverTimestamp struct{}

// ServerTimestamp marks a field to be filled with the server-side write time.
var ServerTimestamp = serverTimestamp{}

// Document is one stored record. Fields is schemaless; timestamps come back
// as time.Time values.
type Document struct {
	ID     string
	Path   string
	Fields map[string]any
}

// Unsubscribe tears down a subscription. Safe to call more than once.
type Unsubscribe func()

// Store is the document database contract. Subscriptions push the full
// matching set on every change; there is no partial-update protocol.
type Store interface {
	// Create inserts a document into collection and returns its assigned id.
	Create(ctx context.Context, collection string, fields map[string]any) (string, error)
	// Set writes the document at path, merging fields into any existing document
	// or creating one with the caller-chosen id.
	Set(ctx context.Context, path string, fields map[string]any) error
	// Update patches the document at path. Fails with ErrNotFound if absent.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Delete removes the document at path. Deleting an absent path is a no-op.
	Delete(ctx context.Context, path string) error
	// Get returns the document at path, or nil if absent.
	Get(ctx context.Context, path string) (*Document, error)
	// List returns every document in collection in creation order.
	List(ctx context.Context, collection string) ([]Document, error)
	// QueryEquals returns all documents in collection whose field equals value.
	QueryEquals(ctx context.Context, collection, field string, value any) ([]Document, error)
	// QueryContains returns all documents whose array-valued field contains value.
	QueryContains(ctx context.Context, collection, field string, value any) ([]Document, error)
	// SubscribeCollection delivers the full document set of collection on every
	// change, starting with the current snapshot.
	SubscribeCollection(collection string, fn func([]Document)) (Unsubscribe, error)
	// SubscribeDocument delivers the document at path on every change; nil when
	// the document is missing or deleted.
	SubscribeDocument(path string, fn func(*Document)) (Unsubscribe, error)
}

// DocPath joins a collection path and a document id.
func DocPath(collection, id string) string {
	return collection + "/" + id
}

// SplitPath returns the collection and document id of a document path.
func SplitPath(path string) (collection, id string) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}

// String reads a string field, defaulting to empty.
func (d *Document) String(field string) string {
	if d == nil {
		return ""
	}
	s, _ := d.Fields[field].(string)
	return s
}

// Bool reads a bool field, defaulting to false.
func (d *Document) Bool(field string) bool {
	if d == nil {
		return false
	}
	b, _ := d.Fields[field].(bool)
	return b
}

// Int reads an integer field. JSON round-trips may store it as float64.
func (d *Document) Int(field string) int {
	if d == nil {
		return 0
	}
	switch v := d.Fields[field].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Time reads a timestamp field, defaulting to the zero time.
func (d *Document) Time(field string) time.Time {
	if d == nil {
		return time.Time{}
	}
	switch v := d.Fields[field].(type) {
	case time.Time:
		return v
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}
		}
		return parsed
	default:
		return time.Time{}
	}
}

// Strings reads a string-array field, defaulting to nil.
func (d *Document) Strings(field string) []string {
	if d == nil {
		return nil
	}
	switch v := d.Fields[field].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
