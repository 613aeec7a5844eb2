// Package retrieval turns a natural-language query into the most relevant
// source snippets of one repository.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jacklau/reviewbot/internal/provider"
	"github.com/jacklau/reviewbot/internal/vector"
)

// DefaultTopK is the number of snippets returned when TopK is unset.
const DefaultTopK = 5

// maxQueryChars bounds the text sent to the embedder.
const maxQueryChars = 8000

// Snippet is a retrieved chunk of source.
type Snippet struct {
	Path      string  `json:"path"`
	StartLine int     `json:"startLine"`
	EndLine   int     `json:"endLine"`
	Text      string  `json:"text"`
	Score     float32 `json:"score"`
}

// String renders the snippet with a location header for prompting.
func (s Snippet) String() string {
	if s.Path == "" {
		return s.Text
	}
	return fmt.Sprintf("// %s:%d-%d\n%s", s.Path, s.StartLine, s.EndLine, s.Text)
}

// Join renders snippets separated by blank lines.
func Join(snippets []Snippet) string {
	parts := make([]string, len(snippets))
	for i, s := range snippets {
		parts[i] = s.String()
	}
	return strings.Join(parts, "\n\n")
}

// Retriever queries one namespace of a vector index.
type Retriever struct {
	embedder provider.Embedder
	index    vector.Index
	topK     int
	minScore float32
	logger   *slog.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithTopK sets how many snippets are returned.
func WithTopK(k int) Option {
	return func(r *Retriever) {
		if k > 0 {
			r.topK = k
		}
	}
}

// WithMinScore drops matches scoring below min.
func WithMinScore(min float32) Option {
	return func(r *Retriever) { r.minScore = min }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Retriever) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Retriever.
func New(embedder provider.Embedder, index vector.Index, opts ...Option) *Retriever {
	r := &Retriever{
		embedder: embedder,
		index:    index,
		topK:     DefaultTopK,
		minScore: -1,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Retrieve returns up to TopK snippets of namespace ranked by similarity to
// query. A blank query or a namespace with nothing indexed yields an empty,
// non-nil slice.
func (r *Retriever) Retrieve(ctx context.Context, namespace, query string) ([]Snippet, error) {
	query = strings.TrimSpace(query)
	if query == "" || namespace == "" {
		return []Snippet{}, nil
	}
	if len(query) > maxQueryChars {
		query = query[:maxQueryChars]
	}

	values, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	matches, err := r.index.Query(ctx, namespace, values, r.topK)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", namespace, err)
	}

	out := make([]Snippet, 0, len(matches))
	for _, m := range matches {
		if m.Score < r.minScore || m.Metadata.Text == "" {
			continue
		}
		out = append(out, Snippet{
			Path:      m.Metadata.Path,
			StartLine: m.Metadata.StartLine,
			EndLine:   m.Metadata.EndLine,
			Text:      m.Metadata.Text,
			Score:     m.Score,
		})
	}
	r.logger.Debug("retrieved context", "namespace", namespace, "matches", len(matches), "snippets", len(out))
	return out, nil
}
