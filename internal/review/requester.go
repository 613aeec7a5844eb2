package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jacklau/reviewbot/internal/dispatch"
	"github.com/jacklau/reviewbot/internal/events"
	"github.com/jacklau/reviewbot/internal/github"
	"github.com/jacklau/reviewbot/internal/store"
)

// Emitter queues events for the dispatcher.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) (*dispatch.Handle, error)
}

// PullFetcher fetches pull request metadata.
type PullFetcher interface {
	GetPullRequest(ctx context.Context, token, owner, repo string, number int) (*github.PullRequest, error)
}

// Requester turns a pull request notification into a review run. It is the
// review queue the webhook and the poller hand pull requests to.
type Requester struct {
	store   Store
	creds   Credentials
	gh      PullFetcher
	emitter Emitter
	logger  *slog.Logger
}

// NewRequester creates a Requester.
func NewRequester(st Store, creds Credentials, gh PullFetcher, emitter Emitter, logger *slog.Logger) *Requester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Requester{store: st, creds: creds, gh: gh, emitter: emitter, logger: logger}
}

// RequestReview checks that the repository is connected and the pull
// request exists, then emits pr.review.requested. When the check fails for
// a connected repository, a failed review is recorded.
func (r *Requester) RequestReview(ctx context.Context, owner, repo string, number int) (*dispatch.Handle, error) {
	logger := r.logger.With("repo", events.Namespace(owner, repo), "pr", number)

	rec, err := r.store.GetRepositoryByName(ctx, owner, repo)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("Repository %s not found in database. Please reconnect the repository.", events.Namespace(owner, repo))
	}
	if err != nil {
		return nil, fmt.Errorf("looking up repository: %w", err)
	}

	h, err := r.request(ctx, rec, owner, repo, number)
	if err != nil {
		logger.Error("review request failed", "error", err)
		_, serr := r.store.CreateReview(context.WithoutCancel(ctx), &store.Review{
			RepositoryID: rec.ID,
			PRNumber:     number,
			PRTitle:      FailedFetchTitle,
			PRURL:        github.PullRequestURL(owner, repo, number),
			Body:         "Error: " + err.Error(),
			Status:       store.ReviewFailed,
		})
		if serr != nil {
			logger.Warn("failed to record review failure", "error", serr)
		}
		return nil, err
	}
	logger.Info("review requested", "run_ids", h.RunIDs)
	return h, nil
}

func (r *Requester) request(ctx context.Context, rec *store.Repository, owner, repo string, number int) (*dispatch.Handle, error) {
	token, err := r.creds.GetAccessToken(ctx, rec.UserID)
	if err != nil {
		return nil, err
	}
	if _, err := r.gh.GetPullRequest(ctx, token, owner, repo, number); err != nil {
		return nil, err
	}
	return r.emitter.Emit(ctx, events.ReviewRequested, events.ReviewRequestedPayload{
		Owner:    owner,
		Repo:     repo,
		PRNumber: number,
		UserID:   rec.UserID,
	})
}
