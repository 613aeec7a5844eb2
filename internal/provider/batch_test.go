package provider

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// singleEmbedder embeds one text per call, like a provider without a batch
// endpoint. Texts containing failOn fail.
type singleEmbedder struct {
	calls  int
	failOn string
}

func (e *singleEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls++
	if e.failOn != "" && strings.Contains(text, e.failOn) {
		return nil, errors.New("model overloaded")
	}
	return []float32{float32(len(text)), 1}, nil
}

func TestAsBatch_KeepsNativeBatchEmbedder(t *testing.T) {
	native := NewOllamaEmbedder("http://localhost:11434", "")
	if got := AsBatch(native); got != BatchEmbedder(native) {
		t.Errorf("AsBatch wrapped a native batch embedder: %T", got)
	}
}

func TestAsBatch_EmbedsChunksInOrder(t *testing.T) {
	inner := &singleEmbedder{}
	b := AsBatch(inner)

	chunks := []string{"func main() {}", "package main", "x := 1"}
	vecs, err := b.EmbedBatch(context.Background(), chunks)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != len(chunks) || inner.calls != len(chunks) {
		t.Fatalf("got %d vectors from %d calls, want %d", len(vecs), inner.calls, len(chunks))
	}
	for i, c := range chunks {
		if vecs[i][0] != float32(len(c)) {
			t.Errorf("vector %d belongs to another chunk: %v", i, vecs[i])
		}
	}

	one, err := b.Embed(context.Background(), "query")
	if err != nil || len(one) != 2 {
		t.Errorf("Embed passthrough = %v, %v", one, err)
	}
}

func TestAsBatch_EmptyInput(t *testing.T) {
	inner := &singleEmbedder{}
	vecs, err := AsBatch(inner).EmbedBatch(context.Background(), nil)
	if err != nil || len(vecs) != 0 || inner.calls != 0 {
		t.Errorf("expected no work, got %d vectors, %d calls, %v", len(vecs), inner.calls, err)
	}
}

func TestAsBatch_ReportsFailingIndex(t *testing.T) {
	inner := &singleEmbedder{failOn: "bad"}
	_, err := AsBatch(inner).EmbedBatch(context.Background(), []string{"ok", "bad chunk", "never"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "embedding text 1") {
		t.Errorf("error %q does not name the failing input", err)
	}
	if inner.calls != 2 {
		t.Errorf("expected to stop after the failure, made %d calls", inner.calls)
	}
}

func TestAsBatch_StopsOnCancel(t *testing.T) {
	inner := &singleEmbedder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := AsBatch(inner).EmbedBatch(ctx, []string{"a", "b"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if inner.calls != 0 {
		t.Errorf("expected no calls after cancel, got %d", inner.calls)
	}
}
