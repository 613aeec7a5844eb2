// Package indexing embeds a repository's source files into the vector index
// when the repository is connected.
package indexing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jacklau/reviewbot/internal/chunk"
	"github.com/jacklau/reviewbot/internal/dispatch"
	"github.com/jacklau/reviewbot/internal/events"
	"github.com/jacklau/reviewbot/internal/github"
	"github.com/jacklau/reviewbot/internal/provider"
	"github.com/jacklau/reviewbot/internal/retry"
	"github.com/jacklau/reviewbot/internal/vector"
)

// FunctionID identifies the indexing workflow in the run journal.
const FunctionID = "index-repo"

// DefaultBatchSize is the number of chunks embedded per provider call.
const DefaultBatchSize = 32

// Gateway is the subset of the GitHub client the workflow needs.
type Gateway interface {
	ListFiles(ctx context.Context, token, owner, repo string) ([]github.FileRef, error)
	FetchFile(ctx context.Context, token, owner, repo string, ref github.FileRef) (*github.FileContent, error)
}

// Credentials resolves a user's GitHub token.
type Credentials interface {
	GetAccessToken(ctx context.Context, userID string) (string, error)
}

// Summary reports the outcome of one indexing run.
type Summary struct {
	Files   int      `json:"files"`
	Indexed int      `json:"indexed"`
	Chunks  int      `json:"chunks"`
	Skipped []string `json:"skipped,omitempty"`
	Pruned  int      `json:"pruned"`
}

// fileResult is the journaled output of one index-file step.
type fileResult struct {
	Path   string   `json:"path"`
	IDs    []string `json:"ids"`
	Binary bool     `json:"binary,omitempty"`
}

// Workflow indexes repositories.
type Workflow struct {
	gh        Gateway
	creds     Credentials
	embedder  provider.BatchEmbedder
	index     vector.Index
	chunker   *chunk.Chunker
	batchSize int
	logger    *slog.Logger
}

// Config holds the collaborators of a Workflow.
type Config struct {
	GitHub      Gateway
	Credentials Credentials
	Embedder    provider.Embedder
	Index       vector.Index
	Chunker     *chunk.Chunker
	BatchSize   int
	Logger      *slog.Logger
}

// New creates an indexing Workflow.
func New(cfg Config) *Workflow {
	w := &Workflow{
		gh:        cfg.GitHub,
		creds:     cfg.Credentials,
		embedder:  provider.AsBatch(cfg.Embedder),
		index:     cfg.Index,
		chunker:   cfg.Chunker,
		batchSize: cfg.BatchSize,
		logger:    cfg.Logger,
	}
	if w.chunker == nil {
		w.chunker = chunk.New(chunk.DefaultSize, chunk.DefaultOverlap, nil)
	}
	if w.batchSize <= 0 {
		w.batchSize = DefaultBatchSize
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

// Function returns the dispatcher registration of the workflow.
func (w *Workflow) Function(concurrency int, policy retry.Policy) dispatch.Function {
	return dispatch.Function{
		ID:          FunctionID,
		Event:       events.RepositoryConnected,
		Concurrency: concurrency,
		Retry:       policy,
		Handler:     w.handle,
	}
}

func (w *Workflow) handle(ctx context.Context, run *dispatch.Run) error {
	p, err := events.Decode[events.RepositoryConnectedPayload](run.Payload)
	if err != nil {
		return err
	}
	_, err = w.Index(ctx, run, p)
	return err
}

// Index runs the workflow steps for one repository. A file that cannot be
// fetched or embedded is skipped; only credential and listing failures fail
// the run.
func (w *Workflow) Index(ctx context.Context, run *dispatch.Run, p events.RepositoryConnectedPayload) (*Summary, error) {
	ns := p.Namespace()
	logger := run.Logger().With("repo", ns)
	start := time.Now()

	// The token stays out of the journal and is resolved on every execution.
	token, err := w.creds.GetAccessToken(ctx, p.UserID)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("resolving credential for user %s: %w", p.UserID, err))
	}

	files, err := dispatch.Step(ctx, run, "list-files", func(ctx context.Context) ([]github.FileRef, error) {
		return w.gh.ListFiles(ctx, token, p.Owner, p.Repo)
	})
	if err != nil {
		return nil, err
	}
	logger.Info("indexing repository", "files", len(files))

	sum := &Summary{Files: len(files)}
	keep := make(map[string]bool)
	skipped := make(map[string]bool)
	for _, ref := range files {
		res, err := dispatch.Step(ctx, run, "index-file:"+ref.Path, func(ctx context.Context) (fileResult, error) {
			return w.indexFile(ctx, token, p, ref)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("skipping file", "path", ref.Path, "error", err)
			sum.Skipped = append(sum.Skipped, ref.Path)
			skipped[ref.Path] = true
			continue
		}
		if res.Binary {
			continue
		}
		sum.Indexed++
		sum.Chunks += len(res.IDs)
		for _, id := range res.IDs {
			keep[id] = true
		}
	}

	pruned, err := dispatch.Step(ctx, run, "prune-stale", func(ctx context.Context) (int, error) {
		return w.prune(ctx, ns, keep, skipped)
	})
	if err != nil {
		return nil, err
	}
	sum.Pruned = pruned

	logger.Info("indexing complete",
		"files", sum.Files,
		"indexed", sum.Indexed,
		"chunks", sum.Chunks,
		"skipped", len(sum.Skipped),
		"pruned", sum.Pruned,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return sum, nil
}

func (w *Workflow) indexFile(ctx context.Context, token string, p events.RepositoryConnectedPayload, ref github.FileRef) (fileResult, error) {
	res := fileResult{Path: ref.Path, IDs: []string{}}

	fc, err := w.gh.FetchFile(ctx, token, p.Owner, p.Repo, ref)
	if errors.Is(err, github.ErrBinaryFile) {
		res.Binary = true
		return res, nil
	}
	if err != nil {
		return res, err
	}

	chunks := w.chunker.Split(ref.Path, fc.Content)
	ns := p.Namespace()
	for start := 0; start < len(chunks); start += w.batchSize {
		end := min(start+w.batchSize, len(chunks))
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = embeddingText(c)
		}
		values, err := w.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return res, fmt.Errorf("embedding %s: %w", ref.Path, err)
		}
		if len(values) != len(batch) {
			return res, fmt.Errorf("embedding %s: got %d vectors for %d chunks", ref.Path, len(values), len(batch))
		}

		vecs := make([]vector.Vector, len(batch))
		for i, c := range batch {
			id := vector.ChunkID(ns, c.Path, c.Offset)
			vecs[i] = vector.Vector{
				ID:     id,
				Values: values[i],
				Metadata: vector.Metadata{
					Path:      c.Path,
					StartLine: c.StartLine,
					EndLine:   c.EndLine,
					Text:      c.Text,
				},
			}
			res.IDs = append(res.IDs, id)
		}
		if err := w.index.Upsert(ctx, ns, vecs); err != nil {
			return res, fmt.Errorf("upserting %s: %w", ref.Path, err)
		}
	}
	return res, nil
}

// prune deletes vectors this run did not produce, except those of files that
// were skipped, so a transient failure does not drop a file's old chunks.
func (w *Workflow) prune(ctx context.Context, ns string, keep, skipped map[string]bool) (int, error) {
	entries, err := w.index.Entries(ctx, ns)
	if err != nil {
		return 0, err
	}
	var stale []string
	for _, e := range entries {
		if keep[e.ID] || skipped[e.Path] {
			continue
		}
		stale = append(stale, e.ID)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := w.index.Delete(ctx, ns, stale); err != nil {
		return 0, err
	}
	return len(stale), nil
}

func embeddingText(c chunk.Chunk) string {
	return fmt.Sprintf("File: %s\n\n%s", c.Path, c.Text)
}
