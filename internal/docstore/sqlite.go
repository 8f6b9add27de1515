package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const docSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id             TEXT PRIMARY KEY,
	source         TEXT NOT NULL DEFAULT '',
	title          TEXT NOT NULL DEFAULT '',
	text           TEXT NOT NULL,
	platform_hints TEXT NOT NULL DEFAULT '[]',
	fetched_at     TIMESTAMP NOT NULL
);
`

// SQLiteStore is a Store backed by a local sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) a sqlite-backed document store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening document database: %w", err)
	}
	if _, err := db.Exec(docSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating document schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStore wraps an existing database handle, migrating the document
// table. Used when documents share a database with the execution store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(docSchema); err != nil {
		return nil, fmt.Errorf("migrating document schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get returns the document with the given id, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source, title, text, platform_hints, fetched_at FROM documents WHERE id = ?`, id)

	var doc Document
	var hints string
	err := row.Scan(&doc.ID, &doc.Source, &doc.Title, &doc.Text, &hints, &doc.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying document %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(hints), &doc.PlatformHints); err != nil {
		return nil, fmt.Errorf("decoding platform hints for %s: %w", id, err)
	}
	return &doc, nil
}

// Put inserts or replaces a document.
func (s *SQLiteStore) Put(ctx context.Context, doc *Document) error {
	hints, err := json.Marshal(doc.PlatformHints)
	if err != nil {
		return fmt.Errorf("encoding platform hints: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO documents (id, source, title, text, platform_hints, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Source, doc.Title, doc.Text, string(hints), doc.FetchedAt)
	if err != nil {
		return fmt.Errorf("storing document %s: %w", doc.ID, err)
	}
	return nil
}

// Close closes the underlying database if this store owns it.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var (
	_ Store  = (*SQLiteStore)(nil)
	_ Writer = (*SQLiteStore)(nil)
)
