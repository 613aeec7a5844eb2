package vector

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// PGIndex stores vectors in Postgres using the pgvector extension and lets
// the database order results by cosine distance.
type PGIndex struct {
	pool *pgxpool.Pool
}

// pgSchema uses an unsized vector column so one table serves any embedding model.
var pgSchema = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE TABLE IF NOT EXISTS code_vectors (
		namespace TEXT NOT NULL,
		id TEXT NOT NULL,
		path TEXT NOT NULL,
		start_line INTEGER NOT NULL,
		end_line INTEGER NOT NULL,
		content TEXT NOT NULL,
		embedding vector NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (namespace, id)
	)`,
	`CREATE INDEX IF NOT EXISTS code_vectors_namespace_path ON code_vectors (namespace, path)`,
}

// NewPGIndex connects to dsn, verifies the connection and ensures the schema exists.
func NewPGIndex(ctx context.Context, dsn string) (*PGIndex, error) {
	if dsn == "" {
		return nil, errors.New("pgvector backend requires a DSN")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	for _, stmt := range pgSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("creating pgvector schema: %w", err)
		}
	}
	return &PGIndex{pool: pool}, nil
}

// Close releases the connection pool.
func (p *PGIndex) Close() {
	p.pool.Close()
}

// Upsert sends all vectors in one batch inside a transaction.
func (p *PGIndex) Upsert(ctx context.Context, namespace string, vectors []Vector) error {
	if len(vectors) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, v := range vectors {
		if v.ID == "" || len(v.Values) == 0 {
			return fmt.Errorf("vector %q for %s is incomplete", v.ID, v.Metadata.Path)
		}
		batch.Queue(`
			INSERT INTO code_vectors (namespace, id, path, start_line, end_line, content, embedding, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			ON CONFLICT (namespace, id) DO UPDATE SET
				path = EXCLUDED.path,
				start_line = EXCLUDED.start_line,
				end_line = EXCLUDED.end_line,
				content = EXCLUDED.content,
				embedding = EXCLUDED.embedding,
				updated_at = now()`,
			namespace, v.ID, v.Metadata.Path, v.Metadata.StartLine, v.Metadata.EndLine,
			v.Metadata.Text, pgvector.NewVector(v.Values))
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning vector upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upserting vectors: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing vector upsert: %w", err)
	}
	return nil
}

// Query orders the namespace by cosine distance and converts it to a similarity score.
func (p *PGIndex) Query(ctx context.Context, namespace string, values []float32, topK int) ([]Match, error) {
	if topK <= 0 || len(values) == 0 {
		return []Match{}, nil
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, path, start_line, end_line, content, 1 - (embedding <=> $2) AS score
		FROM code_vectors
		WHERE namespace = $1 AND vector_dims(embedding) = $4
		ORDER BY embedding <=> $2
		LIMIT $3`, namespace, pgvector.NewVector(values), topK, len(values))
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	matches := []Match{}
	for rows.Next() {
		var m Match
		var score float64
		if err := rows.Scan(&m.ID, &m.Metadata.Path, &m.Metadata.StartLine, &m.Metadata.EndLine, &m.Metadata.Text, &score); err != nil {
			return nil, fmt.Errorf("scanning vector: %w", err)
		}
		m.Score = float32(score)
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Entries lists the namespace ordered by path then id.
func (p *PGIndex) Entries(ctx context.Context, namespace string) ([]Entry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, path FROM code_vectors WHERE namespace = $1 ORDER BY path, id`, namespace)
	if err != nil {
		return nil, fmt.Errorf("listing vectors: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Path); err != nil {
			return nil, fmt.Errorf("scanning vector entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes ids from the namespace.
func (p *PGIndex) Delete(ctx context.Context, namespace string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx,
		`DELETE FROM code_vectors WHERE namespace = $1 AND id = ANY($2)`, namespace, ids); err != nil {
		return fmt.Errorf("deleting vectors: %w", err)
	}
	return nil
}

// DeleteNamespace removes every vector stored under namespace.
func (p *PGIndex) DeleteNamespace(ctx context.Context, namespace string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM code_vectors WHERE namespace = $1`, namespace); err != nil {
		return fmt.Errorf("deleting namespace %s: %w", namespace, err)
	}
	return nil
}

var _ Index = (*PGIndex)(nil)
