// Package documents serves document metadata (source, URL, title) from
// PostgreSQL. It overlays the metadata embedded in an index, so corrections
// do not require rebuilding the index.
package documents

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/corpus"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS document_metadata (
    index_name  TEXT NOT NULL,
    doc_id      BIGINT NOT NULL,
    source      TEXT NOT NULL DEFAULT '',
    source_url  TEXT NOT NULL DEFAULT '',
    title       TEXT NOT NULL DEFAULT '',
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (index_name, doc_id)
)`

// Metadata is one row of the overlay table. Empty fields leave the index
// metadata untouched.
type Metadata struct {
	DocumentID int64
	Source     string
	SourceURL  string
	Title      string
}

// Store reads and writes the metadata overlay.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewStore(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "document-store"),
	}
}

// EnsureSchema creates the overlay table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating document_metadata table: %w", err)
	}
	return nil
}

// Lookup returns the overlay rows of the given documents, keyed by id.
func (s *Store) Lookup(ctx context.Context, index string, ids []int64) (map[int64]Metadata, error) {
	out := make(map[int64]Metadata, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT doc_id, source, source_url, title FROM document_metadata
		 WHERE index_name = $1 AND doc_id = ANY($2)`,
		index, pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("querying document metadata: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m Metadata
		if err := rows.Scan(&m.DocumentID, &m.Source, &m.SourceURL, &m.Title); err != nil {
			return nil, fmt.Errorf("scanning document metadata: %w", err)
		}
		out[m.DocumentID] = m
	}
	return out, rows.Err()
}

// Upsert writes overlay rows for index in one transaction.
func (s *Store) Upsert(ctx context.Context, index string, rows []Metadata) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO document_metadata (index_name, doc_id, source, source_url, title)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (index_name, doc_id) DO UPDATE
			SET source = EXCLUDED.source, source_url = EXCLUDED.source_url,
			    title = EXCLUDED.title, updated_at = NOW()`)
		if err != nil {
			return fmt.Errorf("preparing metadata upsert: %w", err)
		}
		defer stmt.Close()
		for _, m := range rows {
			if _, err := stmt.ExecContext(ctx, index, m.DocumentID, m.Source, m.SourceURL, m.Title); err != nil {
				return fmt.Errorf("upserting metadata of document %d: %w", m.DocumentID, err)
			}
		}
		s.logger.Info("document metadata upserted", "index", index, "rows", len(rows))
		return nil
	})
}

// Apply replaces index metadata with overlay values where the overlay has a
// non-empty value. The output has the same length and order as docs.
func (s *Store) Apply(ctx context.Context, index string, docs []corpus.Document) ([]corpus.Document, error) {
	ids := make([]int64, 0, len(docs))
	seen := make(map[int64]struct{}, len(docs))
	for _, d := range docs {
		if _, ok := seen[d.ID]; !ok {
			seen[d.ID] = struct{}{}
			ids = append(ids, d.ID)
		}
	}
	rows, err := s.Lookup(ctx, index, ids)
	if err != nil {
		return nil, err
	}
	return Merge(docs, rows), nil
}

// Merge applies overlay rows to docs without mutating the input.
func Merge(docs []corpus.Document, rows map[int64]Metadata) []corpus.Document {
	out := make([]corpus.Document, len(docs))
	for i, d := range docs {
		if m, ok := rows[d.ID]; ok {
			if m.Source != "" {
				d.Source = m.Source
			}
			if m.SourceURL != "" {
				d.SourceURL = m.SourceURL
			}
			if m.Title != "" {
				d.Title = m.Title
			}
		}
		out[i] = d
	}
	return out
}
