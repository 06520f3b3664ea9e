// Package store is the canonical document store. The sync core only needs
// read-after-write visibility for a single writer and last-write-wins
// semantics across writers; postgres row-level atomicity covers both.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("document not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// EnsureSchema creates the blueprint table when missing. The wider CRUD
// application owns the business schema; the sync core only needs this one
// table.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS blueprints (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			live_data  BYTEA,
			updated_by TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (Document, error) {
	const query = `SELECT id, name, live_data, updated_by, updated_at FROM blueprints WHERE id = $1`
	var doc Document
	err := s.db.QueryRowContext(ctx, query, id).Scan(&doc.ID, &doc.Name, &doc.LiveData, &doc.UpdatedBy, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document %s: %w", id, err)
	}
	return doc, nil
}

// UpsertDocumentState commits a serialized snapshot. Last write wins across
// concurrent committers; the CRDT payload makes a lost checkpoint safe
// since live replicas re-converge and re-commit.
func (s *PostgresStore) UpsertDocumentState(ctx context.Context, id string, state []byte, updatedBy string) error {
	const query = `
		INSERT INTO blueprints (id, live_data, updated_by, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET live_data=EXCLUDED.live_data, updated_by=EXCLUDED.updated_by, updated_at=NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, id, state, updatedBy); err != nil {
		return fmt.Errorf("upsert document state %s: %w", id, err)
	}
	return nil
}

// CreateDocument registers a new blueprint. The authorization path never
// creates documents implicitly; this is the explicit CRUD entry point.
func (s *PostgresStore) CreateDocument(ctx context.Context, id, name, createdBy string) (Document, error) {
	const query = `
		INSERT INTO blueprints (id, name, updated_by, updated_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING id, name, live_data, updated_by, updated_at
	`
	var doc Document
	err := s.db.QueryRowContext(ctx, query, id, name, createdBy).Scan(&doc.ID, &doc.Name, &doc.LiveData, &doc.UpdatedBy, &doc.UpdatedAt)
	if err != nil {
		return Document{}, fmt.Errorf("create document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
