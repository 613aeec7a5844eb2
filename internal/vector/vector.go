// Package vector stores code-chunk embeddings per repository namespace and
// answers nearest-neighbour queries over them.
package vector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Metadata describes the source chunk a vector was computed from.
type Metadata struct {
	Path      string `json:"path"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
	Text      string `json:"text"`
}

// Vector is one embedded chunk.
type Vector struct {
	ID       string
	Values   []float32
	Metadata Metadata
}

// Match is a query hit. Higher scores are more similar.
type Match struct {
	ID       string   `json:"id"`
	Score    float32  `json:"score"`
	Metadata Metadata `json:"metadata"`
}

// Entry identifies a stored vector without its values.
type Entry struct {
	ID   string
	Path string
}

// Index is a namespaced vector store. Operations on one namespace never read
// or modify another.
type Index interface {
	// Upsert inserts vectors or replaces those with the same ID.
	Upsert(ctx context.Context, namespace string, vectors []Vector) error
	// Query returns up to topK matches ordered by descending score.
	// An unknown or empty namespace yields no matches.
	Query(ctx context.Context, namespace string, values []float32, topK int) ([]Match, error)
	// Entries lists every stored vector in the namespace.
	Entries(ctx context.Context, namespace string) ([]Entry, error)
	// Delete removes the given IDs from the namespace.
	Delete(ctx context.Context, namespace string, ids []string) error
	// DeleteNamespace removes every vector in the namespace.
	DeleteNamespace(ctx context.Context, namespace string) error
}

// ChunkID returns a stable identifier for the chunk of path starting at the
// given offset within namespace. Re-indexing unchanged content yields the
// same IDs, so upserts overwrite rather than duplicate.
func ChunkID(namespace, path string, offset int) string {
	h := sha256.New()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(offset)))
	return hex.EncodeToString(h.Sum(nil))
}
