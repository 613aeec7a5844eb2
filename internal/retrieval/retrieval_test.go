package retrieval

import (
	"context"
	"testing"

	"github.com/jacklau/reviewbot/internal/provider/providertest"
	"github.com/jacklau/reviewbot/internal/store"
	"github.com/jacklau/reviewbot/internal/vector"
)

func seededIndex(t *testing.T, emb *providertest.HashEmbedder) vector.Index {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	idx := vector.NewSQLiteIndex(db.Conn(), nil)

	docs := map[string]map[string]string{
		"acme/widgets": {
			"auth/session.go": "func refreshSession token expiry session cookie",
			"db/pool.go":      "func openPool database connection pool size",
			"ui/button.go":    "func renderButton color label",
		},
		"acme/gadgets": {
			"auth/session.go": "func refreshSession token expiry session cookie gadgets",
		},
	}
	ctx := context.Background()
	for ns, files := range docs {
		var vecs []vector.Vector
		for path, text := range files {
			v, _ := emb.Embed(ctx, text)
			vecs = append(vecs, vector.Vector{
				ID:       vector.ChunkID(ns, path, 0),
				Values:   v,
				Metadata: vector.Metadata{Path: path, StartLine: 1, EndLine: 10, Text: text},
			})
		}
		if err := idx.Upsert(ctx, ns, vecs); err != nil {
			t.Fatalf("Upsert(%s): %v", ns, err)
		}
	}
	return idx
}

func TestRetrieveRanksBySimilarity(t *testing.T) {
	emb := &providertest.HashEmbedder{}
	r := New(emb, seededIndex(t, emb), WithTopK(2))

	got, err := r.Retrieve(context.Background(), "acme/widgets", "Fix session token expiry")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 snippets, got %d", len(got))
	}
	if got[0].Path != "auth/session.go" {
		t.Errorf("expected auth/session.go first, got %s", got[0].Path)
	}
	if got[0].Score < got[1].Score {
		t.Errorf("snippets not ordered by score: %v", got)
	}
}

func TestRetrieveStaysInNamespace(t *testing.T) {
	emb := &providertest.HashEmbedder{}
	r := New(emb, seededIndex(t, emb), WithTopK(10))

	got, err := r.Retrieve(context.Background(), "acme/gadgets", "session token")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected only the gadgets snippet, got %d", len(got))
	}
	if got[0].Text != "func refreshSession token expiry session cookie gadgets" {
		t.Errorf("snippet from wrong namespace: %q", got[0].Text)
	}
}

func TestRetrieveEmpty(t *testing.T) {
	emb := &providertest.HashEmbedder{}
	r := New(emb, seededIndex(t, emb))
	ctx := context.Background()

	for _, tc := range []struct{ name, ns, query string }{
		{"unindexed namespace", "acme/nothing", "session"},
		{"blank query", "acme/widgets", "   "},
		{"no namespace", "", "session"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.Retrieve(ctx, tc.ns, tc.query)
			if err != nil {
				t.Fatalf("Retrieve: %v", err)
			}
			if got == nil || len(got) != 0 {
				t.Errorf("expected empty non-nil slice, got %#v", got)
			}
		})
	}
}

func TestRetrieveMinScore(t *testing.T) {
	emb := &providertest.HashEmbedder{}
	r := New(emb, seededIndex(t, emb), WithTopK(10), WithMinScore(0.99))

	got, err := r.Retrieve(context.Background(), "acme/widgets", "completely unrelated words")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no snippets above threshold, got %d", len(got))
	}
}

func TestRetrieveEmbedError(t *testing.T) {
	emb := &providertest.HashEmbedder{FailOn: "boom"}
	r := New(emb, seededIndex(t, &providertest.HashEmbedder{}))

	if _, err := r.Retrieve(context.Background(), "acme/widgets", "boom"); err == nil {
		t.Fatal("expected embed error")
	}
}

func TestSnippetString(t *testing.T) {
	s := Snippet{Path: "a.go", StartLine: 3, EndLine: 9, Text: "x := 1"}
	if got := s.String(); got != "// a.go:3-9\nx := 1" {
		t.Errorf("String() = %q", got)
	}
	if got := Join([]Snippet{s, {Text: "raw"}}); got != "// a.go:3-9\nx := 1\n\nraw" {
		t.Errorf("Join() = %q", got)
	}
	if got := Join(nil); got != "" {
		t.Errorf("Join(nil) = %q", got)
	}
}
