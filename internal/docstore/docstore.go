// Package docstore provides read access to ingested threat-intelligence
// documents. Document acquisition (feeds, scraping) lives outside the
// workflow engine; the engine only ever reads documents, it never mutates
// them.
package docstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a document id is unknown.
var ErrNotFound = errors.New("docstore: document not found")

// Document is an ingested threat-intelligence document.
type Document struct {
	ID            string    `json:"id"`
	Source        string    `json:"source"`
	Title         string    `json:"title"`
	Text          string    `json:"text"`
	PlatformHints []string  `json:"platform_hints,omitempty"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// Store fetches documents by id.
type Store interface {
	// Get returns the document with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Document, error)
}

// Writer is implemented by stores that also accept documents. The workflow
// engine never uses it; it exists for the ingestion side and for tests.
type Writer interface {
	Put(ctx context.Context, doc *Document) error
}
