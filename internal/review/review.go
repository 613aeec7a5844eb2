// Package review generates AI code reviews for pull requests and posts them
// back to GitHub.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jacklau/reviewbot/internal/dispatch"
	"github.com/jacklau/reviewbot/internal/events"
	"github.com/jacklau/reviewbot/internal/github"
	"github.com/jacklau/reviewbot/internal/notify"
	"github.com/jacklau/reviewbot/internal/provider"
	"github.com/jacklau/reviewbot/internal/retrieval"
	"github.com/jacklau/reviewbot/internal/retry"
	"github.com/jacklau/reviewbot/internal/store"
)

// FunctionID identifies the review workflow in the run journal.
const FunctionID = "generate-review"

// FailedFetchTitle is the title of a failed review recorded before the pull
// request could be fetched.
const FailedFetchTitle = "Failed to fetch PR"

// Gateway is the subset of the GitHub client the workflow needs.
type Gateway interface {
	GetPullRequest(ctx context.Context, token, owner, repo string, number int) (*github.PullRequest, error)
	PostReviewComment(ctx context.Context, token, owner, repo string, number int, body string) (*github.Comment, error)
}

// Credentials resolves a user's GitHub token.
type Credentials interface {
	GetAccessToken(ctx context.Context, userID string) (string, error)
}

// Store persists review records.
type Store interface {
	GetRepositoryByName(ctx context.Context, owner, name string) (*store.Repository, error)
	CreateReview(ctx context.Context, r *store.Review) (*store.Review, error)
}

// Retriever finds repository snippets relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, namespace, query string) ([]retrieval.Snippet, error)
}

// Config holds the collaborators of a Workflow.
type Config struct {
	GitHub       Gateway
	Credentials  Credentials
	Store        Store
	Retriever    Retriever
	Completer    provider.Completer
	Notifier     notify.Notifier
	Footer       string
	MaxDiffBytes int
	Logger       *slog.Logger
}

// Workflow reviews pull requests.
type Workflow struct {
	gh           Gateway
	creds        Credentials
	store        Store
	retriever    Retriever
	llm          provider.Completer
	notifier     notify.Notifier
	footer       string
	maxDiffBytes int
	logger       *slog.Logger
}

// New creates a review Workflow.
func New(cfg Config) *Workflow {
	w := &Workflow{
		gh:           cfg.GitHub,
		creds:        cfg.Credentials,
		store:        cfg.Store,
		retriever:    cfg.Retriever,
		llm:          cfg.Completer,
		notifier:     cfg.Notifier,
		footer:       cfg.Footer,
		maxDiffBytes: cfg.MaxDiffBytes,
		logger:       cfg.Logger,
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
		Event:       events.ReviewRequested,
		Concurrency: concurrency,
		Retry:       policy,
		Handler:     w.handle,
	}
}

func (w *Workflow) handle(ctx context.Context, run *dispatch.Run) error {
	p, err := events.Decode[events.ReviewRequestedPayload](run.Payload)
	if err != nil {
		return err
	}
	_, err = w.Review(ctx, run, p)
	return err
}

// Result is the outcome of a completed review run.
type Result struct {
	CommentURL string
	ReviewID   int64
	Persisted  bool
}

// posted is the journaled output of post-comment.
type posted struct {
	ID  int64  `json:"id"`
	URL string `json:"url"`
}

// saved is the journaled output of save-review.
type saved struct {
	ReviewID int64 `json:"reviewId"`
}

// Review runs the workflow steps for one pull request. Any failure before
// the comment is posted records a failed review and fails the run; after
// the post, bookkeeping errors are only logged.
func (w *Workflow) Review(ctx context.Context, run *dispatch.Run, p events.ReviewRequestedPayload) (*Result, error) {
	logger := run.Logger().With("repo", p.Namespace(), "pr", p.PRNumber)
	start := time.Now()

	pr, err := dispatch.Step(ctx, run, "fetch-pr-data", func(ctx context.Context) (*github.PullRequest, error) {
		token, err := w.token(ctx, p.UserID)
		if err != nil {
			return nil, err
		}
		return w.gh.GetPullRequest(ctx, token, p.Owner, p.Repo, p.PRNumber)
	})
	if err != nil {
		return nil, w.fail(ctx, run, p, nil, err)
	}

	snippets, err := dispatch.Step(ctx, run, "retrieve-context", func(ctx context.Context) ([]retrieval.Snippet, error) {
		return w.retrieve(ctx, logger, p.Namespace(), pr)
	})
	if err != nil {
		return nil, w.fail(ctx, run, p, pr, err)
	}

	body, err := dispatch.Step(ctx, run, "generate-ai-review", func(ctx context.Context) (string, error) {
		prompt, err := BuildPrompt(PromptInput{
			Title:        pr.Title,
			Description:  pr.Description,
			Diff:         pr.Diff,
			Context:      retrieval.Join(snippets),
			MaxDiffBytes: w.maxDiffBytes,
		})
		if err != nil {
			return "", retry.Permanent(err)
		}
		out, err := w.llm.Complete(ctx, prompt)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(out) == "" {
			return "", retry.Permanent(errors.New("model returned an empty review"))
		}
		return out, nil
	})
	if err != nil {
		return nil, w.fail(ctx, run, p, pr, err)
	}

	// A comment is visible to users once created, so a failed post is not
	// retried within the step.
	comment, err := dispatch.Step(ctx, run, "post-comment", func(ctx context.Context) (posted, error) {
		token, err := w.token(ctx, p.UserID)
		if err != nil {
			return posted{}, err
		}
		c, err := w.gh.PostReviewComment(ctx, token, p.Owner, p.Repo, p.PRNumber, w.withFooter(body))
		if err != nil {
			return posted{}, err
		}
		return posted{ID: c.ID, URL: c.URL}, nil
	}, dispatch.WithRetry(retry.NoRetry))
	if err != nil {
		return nil, w.fail(ctx, run, p, pr, err)
	}
	logger.Info("review posted", "comment", comment.URL)

	rec, err := dispatch.Step(ctx, run, "save-review", func(ctx context.Context) (saved, error) {
		return w.save(ctx, logger, p, pr, body)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("failed to persist review", "error", err)
	}

	w.notify(ctx, run, logger, notify.Outcome{
		Repo:     p.Namespace(),
		PRNumber: p.PRNumber,
		PRTitle:  pr.Title,
		PRURL:    p.PRURL(),
		Status:   notify.StatusCompleted,
		Review:   body,
	})

	logger.Info("review complete", "duration", time.Since(start).Round(time.Millisecond))
	return &Result{CommentURL: comment.URL, ReviewID: rec.ReviewID, Persisted: rec.ReviewID != 0}, nil
}

// token resolves the user's credential. It is never journaled.
func (w *Workflow) token(ctx context.Context, userID string) (string, error) {
	token, err := w.creds.GetAccessToken(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNoCredential) {
			return "", retry.Permanent(err)
		}
		return "", fmt.Errorf("resolving credential: %w", err)
	}
	return token, nil
}

// retrieve never fails: missing context only makes the review less informed.
func (w *Workflow) retrieve(ctx context.Context, logger *slog.Logger, ns string, pr *github.PullRequest) ([]retrieval.Snippet, error) {
	if w.retriever == nil {
		return []retrieval.Snippet{}, nil
	}
	query := strings.TrimSpace(pr.Title + "\n\n" + pr.Description)
	snippets, err := w.retriever.Retrieve(ctx, ns, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("context retrieval failed, reviewing without context", "error", err)
		return []retrieval.Snippet{}, nil
	}
	if snippets == nil {
		snippets = []retrieval.Snippet{}
	}
	logger.Info("retrieved context", "snippets", len(snippets))
	return snippets, nil
}

func (w *Workflow) withFooter(body string) string {
	if w.footer == "" {
		return body
	}
	return strings.TrimRight(body, "\n") + "\n\n" + w.footer
}

func (w *Workflow) save(ctx context.Context, logger *slog.Logger, p events.ReviewRequestedPayload, pr *github.PullRequest, body string) (saved, error) {
	repo, err := w.store.GetRepositoryByName(ctx, p.Owner, p.Repo)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn(fmt.Sprintf("Repository %s not found, skipping review persistence", p.Namespace()))
		return saved{}, nil
	}
	if err != nil {
		return saved{}, err
	}
	rec, err := w.store.CreateReview(ctx, &store.Review{
		RepositoryID: repo.ID,
		PRNumber:     p.PRNumber,
		PRTitle:      pr.Title,
		PRURL:        p.PRURL(),
		Body:         body,
		Status:       store.ReviewCompleted,
	})
	if err != nil {
		return saved{}, err
	}
	return saved{ReviewID: rec.ID}, nil
}

// fail records a failed review for err and returns err. pr is nil when the
// pull request was never fetched.
func (w *Workflow) fail(ctx context.Context, run *dispatch.Run, p events.ReviewRequestedPayload, pr *github.PullRequest, cause error) error {
	if ctx.Err() != nil {
		return cause
	}
	logger := run.Logger().With("repo", p.Namespace(), "pr", p.PRNumber)

	title := FailedFetchTitle
	if pr != nil {
		title = pr.Title
	}
	_, err := dispatch.Step(ctx, run, "record-failure", func(ctx context.Context) (saved, error) {
		repo, err := w.store.GetRepositoryByName(ctx, p.Owner, p.Repo)
		if errors.Is(err, store.ErrNotFound) {
			return saved{}, nil
		}
		if err != nil {
			return saved{}, err
		}
		rec, err := w.store.CreateReview(ctx, &store.Review{
			RepositoryID: repo.ID,
			PRNumber:     p.PRNumber,
			PRTitle:      title,
			PRURL:        p.PRURL(),
			Body:         "Error: " + cause.Error(),
			Status:       store.ReviewFailed,
		})
		if err != nil {
			return saved{}, err
		}
		return saved{ReviewID: rec.ID}, nil
	})
	if err != nil {
		logger.Warn("failed to record review failure", "error", err)
	}

	w.notify(ctx, run, logger, notify.Outcome{
		Repo:     p.Namespace(),
		PRNumber: p.PRNumber,
		PRTitle:  title,
		PRURL:    p.PRURL(),
		Status:   notify.StatusFailed,
		Error:    cause.Error(),
	})
	return cause
}

func (w *Workflow) notify(ctx context.Context, run *dispatch.Run, logger *slog.Logger, o notify.Outcome) {
	if w.notifier == nil {
		return
	}
	o.At = time.Now()
	_, err := dispatch.Step(ctx, run, "notify", func(ctx context.Context) (bool, error) {
		return true, w.notifier.Notify(ctx, o)
	}, dispatch.WithRetry(retry.NoRetry))
	if err != nil {
		logger.Warn("failed to send notification", "error", err)
	}
}
