package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gogithub "github.com/google/go-github/v60/github"

	"github.com/jacklau/reviewbot/internal/store"
)

// PollStore persists conditional-request state and the last seen head of
// every pull request. It is satisfied by *store.DB.
type PollStore interface {
	GetPollState(ctx context.Context, owner, repo string) (*store.PollState, error)
	UpdatePollState(ctx context.Context, owner, repo, etag string, polledAt time.Time) error
	GetPRHead(ctx context.Context, owner, repo string, number int) (string, error)
	SetPRHead(ctx context.Context, owner, repo string, number int, sha string) error
}

// PRChange is reported for a pull request that was opened or received new
// commits since the previous poll.
type PRChange struct {
	Owner   string
	Repo    string
	PR      PullRequestRef
	Opened  bool
	PrevSHA string
}

// PRPoller watches a repository's open pull requests for repositories that
// cannot receive webhooks. The first poll of a repository records a baseline
// and reports nothing.
type PRPoller struct {
	client   *Client
	state    PollStore
	token    string
	owner    string
	repo     string
	onChange func(ctx context.Context, c PRChange) error
	logger   *slog.Logger
}

// NewPRPoller creates a poller for owner/repo. onChange is called once per
// new or updated pull request; a failed callback leaves the head unrecorded
// so the next poll retries it.
func NewPRPoller(client *Client, state PollStore, token, owner, repo string, onChange func(context.Context, PRChange) error) *PRPoller {
	return &PRPoller{
		client:   client,
		state:    state,
		token:    token,
		owner:    owner,
		repo:     repo,
		onChange: onChange,
		logger:   client.logger.With("component", "poller", "repo", owner+"/"+repo),
	}
}

// Run polls at interval until ctx is cancelled.
func (p *PRPoller) Run(ctx context.Context, interval time.Duration) error {
	p.logger.Info("starting poll loop", "interval", interval)

	if _, err := p.Poll(ctx); err != nil {
		p.logger.Warn("initial poll failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poll loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil {
				p.logger.Warn("poll failed", "error", err)
			}
		}
	}
}

// Poll performs a single cycle and returns the number of changes reported.
func (p *PRPoller) Poll(ctx context.Context) (int, error) {
	st, err := p.state.GetPollState(ctx, p.owner, p.repo)
	if err != nil {
		return 0, err
	}
	baseline := st.LastPolledAt == nil

	prs, etag, notModified, err := p.listOpen(ctx, st.ETag)
	if err != nil {
		return 0, err
	}
	if notModified {
		p.logger.Debug("no changes (304 Not Modified)")
		return 0, nil
	}

	changes := 0
	complete := true
	for _, pr := range prs {
		prev, err := p.state.GetPRHead(ctx, p.owner, p.repo, pr.Number)
		if err != nil {
			return changes, err
		}
		if prev == pr.HeadSHA {
			continue
		}
		if !baseline {
			change := PRChange{Owner: p.owner, Repo: p.repo, PR: pr, Opened: prev == "", PrevSHA: prev}
			if err := p.onChange(ctx, change); err != nil {
				p.logger.Error("handling pull request change failed", "pr", pr.Number, "error", err)
				complete = false
				continue
			}
			changes++
		}
		if err := p.state.SetPRHead(ctx, p.owner, p.repo, pr.Number, pr.HeadSHA); err != nil {
			return changes, err
		}
	}

	// Keep the old ETag after a failed callback so the next poll sees the
	// listing again instead of a 304.
	if !complete {
		etag = st.ETag
	}
	if err := p.state.UpdatePollState(ctx, p.owner, p.repo, etag, time.Now().UTC()); err != nil {
		return changes, err
	}

	p.logger.Info("poll complete", "open", len(prs), "changes", changes, "baseline", baseline)
	return changes, nil
}

// listOpen fetches every open pull request. The first page is sent with
// If-None-Match so an unchanged listing costs no quota.
func (p *PRPoller) listOpen(ctx context.Context, etag string) ([]PullRequestRef, string, bool, error) {
	gh, err := p.client.rest(p.token)
	if err != nil {
		return nil, "", false, err
	}

	var (
		out     []PullRequestRef
		newETag string
		page    = 1
	)
	for {
		u := fmt.Sprintf("repos/%s/%s/pulls?state=open&sort=created&direction=desc&per_page=100&page=%d", p.owner, p.repo, page)
		req, err := gh.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			return nil, "", false, fmt.Errorf("creating request: %w", err)
		}
		if page == 1 && etag != "" {
			req.Header.Set("If-None-Match", etag)
		}

		var prs []*gogithub.PullRequest
		resp, err := gh.Do(ctx, req, &prs)
		if resp != nil && IsNotModified(resp.Response) {
			return nil, etag, true, nil
		}
		if err != nil {
			return nil, "", false, classify(fmt.Sprintf("listing pull requests of %s/%s", p.owner, p.repo), resp, err)
		}
		if page == 1 {
			newETag = resp.Header.Get("ETag")
		}
		if rl := ParseRateLimit(resp.Response); rl.Low() {
			p.logger.Warn("rate limit low", "remaining", rl.Remaining, "reset_in", rl.UntilReset())
		}

		for _, pr := range prs {
			out = append(out, PullRequestRef{
				Number:  pr.GetNumber(),
				Title:   pr.GetTitle(),
				HeadSHA: pr.GetHead().GetSHA(),
				Author:  pr.GetUser().GetLogin(),
			})
		}
		if resp.NextPage == 0 {
			return out, newETag, false, nil
		}
		page = resp.NextPage
	}
}
