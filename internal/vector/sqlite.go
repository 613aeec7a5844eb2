package vector

import (
	"container/heap"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// SQLiteIndex keeps vectors in the store's vectors table and answers queries
// by brute-force cosine similarity over one namespace.
type SQLiteIndex struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteIndex returns an index over db. The vectors table is created by the
// store migrations.
func NewSQLiteIndex(db *sql.DB, logger *slog.Logger) *SQLiteIndex {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteIndex{db: db, logger: logger}
}

// Upsert writes all vectors in one transaction.
func (s *SQLiteIndex) Upsert(ctx context.Context, namespace string, vectors []Vector) error {
	if len(vectors) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning vector upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vectors (namespace, id, path, start_line, end_line, content, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, id) DO UPDATE SET
			path = excluded.path,
			start_line = excluded.start_line,
			end_line = excluded.end_line,
			content = excluded.content,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("preparing vector upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, v := range vectors {
		if v.ID == "" {
			return fmt.Errorf("vector for %s has no id", v.Metadata.Path)
		}
		if len(v.Values) == 0 {
			return fmt.Errorf("vector %s has no values", v.ID)
		}
		_, err := stmt.ExecContext(ctx, namespace, v.ID, v.Metadata.Path, v.Metadata.StartLine,
			v.Metadata.EndLine, v.Metadata.Text, Encode(v.Values), now)
		if err != nil {
			return fmt.Errorf("upserting vector %s: %w", v.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing vector upsert: %w", err)
	}
	return nil
}

// Query scans the namespace and keeps the topK best matches in a min-heap.
// Rows whose dimension differs from values are skipped.
func (s *SQLiteIndex) Query(ctx context.Context, namespace string, values []float32, topK int) ([]Match, error) {
	if topK <= 0 || len(values) == 0 {
		return []Match{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, start_line, end_line, content, embedding
		FROM vectors WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &matchHeap{}
	skipped := 0
	for rows.Next() {
		var m Match
		var blob []byte
		if err := rows.Scan(&m.ID, &m.Metadata.Path, &m.Metadata.StartLine, &m.Metadata.EndLine, &m.Metadata.Text, &blob); err != nil {
			return nil, fmt.Errorf("scanning vector: %w", err)
		}
		score, err := Cosine(values, Decode(blob))
		if err != nil {
			skipped++
			continue
		}
		m.Score = score
		if h.Len() < topK {
			heap.Push(h, m)
		} else if score > (*h)[0].Score {
			(*h)[0] = m
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating vectors: %w", err)
	}
	if skipped > 0 {
		s.logger.Warn("skipped vectors with mismatched dimension", "namespace", namespace, "count", skipped)
	}

	matches := make([]Match, h.Len())
	copy(matches, *h)
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	return matches, nil
}

// Entries lists the namespace ordered by path then id.
func (s *SQLiteIndex) Entries(ctx context.Context, namespace string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, path FROM vectors WHERE namespace = ? ORDER BY path, id`, namespace)
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

// deleteBatch keeps the parameter count well under SQLite's limit.
const deleteBatch = 500

// Delete removes ids from the namespace in batches.
func (s *SQLiteIndex) Delete(ctx context.Context, namespace string, ids []string) error {
	for start := 0; start < len(ids); start += deleteBatch {
		end := min(start+deleteBatch, len(ids))
		batch := ids[start:end]

		args := make([]any, 0, len(batch)+1)
		args = append(args, namespace)
		for _, id := range batch {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		query := `DELETE FROM vectors WHERE namespace = ? AND id IN (` + placeholders + `)`
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("deleting vectors: %w", err)
		}
	}
	return nil
}

// DeleteNamespace removes every vector stored under namespace.
func (s *SQLiteIndex) DeleteNamespace(ctx context.Context, namespace string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vectors WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("deleting namespace %s: %w", namespace, err)
	}
	return nil
}

// matchHeap is a min-heap on Score; the root is the weakest kept match.
type matchHeap []Match

func (h matchHeap) Len() int           { return len(h) }
func (h matchHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h matchHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(x any)        { *h = append(*h, x.(Match)) }
func (h *matchHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	*h = old[:n-1]
	return m
}

var _ Index = (*SQLiteIndex)(nil)
