package github

import (
	"context"
	"fmt"

	gogithub "github.com/google/go-github/v60/github"

	"github.com/jacklau/reviewbot/internal/retry"
)

// GetPullRequest fetches a pull request and its unified diff.
func (c *Client) GetPullRequest(ctx context.Context, token, owner, repo string, number int) (*PullRequest, error) {
	gh, err := c.rest(token)
	if err != nil {
		return nil, err
	}

	pr, resp, err := gh.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, classify(fmt.Sprintf("getting %s/%s#%d", owner, repo, number), resp, err)
	}

	diff, resp, err := gh.PullRequests.GetRaw(ctx, owner, repo, number, gogithub.RawOptions{Type: gogithub.Diff})
	if err != nil {
		return nil, classify(fmt.Sprintf("getting diff of %s/%s#%d", owner, repo, number), resp, err)
	}

	out := &PullRequest{
		Number:      pr.GetNumber(),
		Title:       pr.GetTitle(),
		Description: pr.GetBody(),
		Diff:        diff,
		HeadSHA:     pr.GetHead().GetSHA(),
		URL:         pr.GetHTMLURL(),
		State:       pr.GetState(),
		Author:      pr.GetUser().GetLogin(),
	}
	if out.URL == "" {
		out.URL = PullRequestURL(owner, repo, number)
	}
	return out, nil
}

// PullRequestURL returns the canonical web URL of a pull request.
func PullRequestURL(owner, repo string, number int) string {
	return fmt.Sprintf("https://github.com/%s/%s/pull/%d", owner, repo, number)
}

// PostReviewComment posts body as a conversation comment on the pull request.
func (c *Client) PostReviewComment(ctx context.Context, token, owner, repo string, number int, body string) (*Comment, error) {
	gh, err := c.rest(token)
	if err != nil {
		return nil, err
	}
	comment, resp, err := gh.Issues.CreateComment(ctx, owner, repo, number, &gogithub.IssueComment{Body: gogithub.String(body)})
	if err != nil {
		return nil, classify(fmt.Sprintf("commenting on %s/%s#%d", owner, repo, number), resp, err)
	}
	return &Comment{ID: comment.GetID(), URL: comment.GetHTMLURL()}, nil
}

// GetRepository fetches repository metadata.
func (c *Client) GetRepository(ctx context.Context, token, owner, repo string) (*RepoInfo, error) {
	gh, err := c.rest(token)
	if err != nil {
		return nil, err
	}
	r, resp, err := gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return nil, classify(fmt.Sprintf("getting repository %s/%s", owner, repo), resp, err)
	}
	info := repoInfo(r)
	return &info, nil
}

// CreateWebhook subscribes the configured webhook URL to pull_request events.
// A hook already pointing at that URL is reused.
func (c *Client) CreateWebhook(ctx context.Context, token, owner, repo string) (*Hook, error) {
	if c.opts.WebhookURL == "" {
		return nil, retry.Permanent(fmt.Errorf("github.webhook_url is not configured"))
	}
	gh, err := c.rest(token)
	if err != nil {
		return nil, err
	}

	existing, err := c.findHook(ctx, gh, owner, repo)
	if err != nil {
		return nil, err
	}
	if existing != 0 {
		c.logger.Info("reusing existing webhook", "repo", owner+"/"+repo, "hook_id", existing)
		return &Hook{ID: existing, URL: c.opts.WebhookURL}, nil
	}

	cfg := &gogithub.HookConfig{
		URL:         gogithub.String(c.opts.WebhookURL),
		ContentType: gogithub.String("json"),
		InsecureSSL: gogithub.String("0"),
	}
	if c.opts.WebhookSecret != "" {
		cfg.Secret = gogithub.String(c.opts.WebhookSecret)
	}
	hook, resp, err := gh.Repositories.CreateHook(ctx, owner, repo, &gogithub.Hook{
		Name:   gogithub.String("web"),
		Active: gogithub.Bool(true),
		Events: []string{"pull_request"},
		Config: cfg,
	})
	if err != nil {
		return nil, classify(fmt.Sprintf("creating webhook on %s/%s", owner, repo), resp, err)
	}
	return &Hook{ID: hook.GetID(), URL: c.opts.WebhookURL}, nil
}

// DeleteWebhook removes a hook. When hookID is zero the hook pointing at the
// configured URL is looked up first. It reports whether a hook was deleted.
func (c *Client) DeleteWebhook(ctx context.Context, token, owner, repo string, hookID int64) (bool, error) {
	gh, err := c.rest(token)
	if err != nil {
		return false, err
	}

	if hookID == 0 {
		hookID, err = c.findHook(ctx, gh, owner, repo)
		if err != nil || hookID == 0 {
			return false, err
		}
	}

	resp, err := gh.Repositories.DeleteHook(ctx, owner, repo, hookID)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return false, nil
		}
		return false, classify(fmt.Sprintf("deleting webhook %d on %s/%s", hookID, owner, repo), resp, err)
	}
	return true, nil
}

func (c *Client) findHook(ctx context.Context, gh *gogithub.Client, owner, repo string) (int64, error) {
	if c.opts.WebhookURL == "" {
		return 0, nil
	}
	opts := &gogithub.ListOptions{PerPage: 100}
	for {
		hooks, resp, err := gh.Repositories.ListHooks(ctx, owner, repo, opts)
		if err != nil {
			return 0, classify(fmt.Sprintf("listing webhooks on %s/%s", owner, repo), resp, err)
		}
		for _, h := range hooks {
			if h.GetConfig().GetURL() == c.opts.WebhookURL {
				return h.GetID(), nil
			}
		}
		if resp.NextPage == 0 {
			return 0, nil
		}
		opts.Page = resp.NextPage
	}
}
