package github

import (
	"context"

	gogithub "github.com/google/go-github/v60/github"
)

// ListUserRepositories lists the repositories the token's user can access,
// most recently updated first.
func (c *Client) ListUserRepositories(ctx context.Context, token string, page, perPage int) ([]RepoInfo, error) {
	gh, err := c.rest(token)
	if err != nil {
		return nil, err
	}
	repos, resp, err := gh.Repositories.ListByAuthenticatedUser(ctx, &gogithub.RepositoryListByAuthenticatedUserOptions{
		Sort:        "updated",
		Direction:   "desc",
		Visibility:  "all",
		ListOptions: gogithub.ListOptions{Page: page, PerPage: perPage},
	})
	if err != nil {
		return nil, classify("listing repositories", resp, err)
	}

	out := make([]RepoInfo, 0, len(repos))
	for _, r := range repos {
		out = append(out, repoInfo(r))
	}
	return out, nil
}

func repoInfo(r *gogithub.Repository) RepoInfo {
	return RepoInfo{
		ID:            r.GetID(),
		Owner:         r.GetOwner().GetLogin(),
		Name:          r.GetName(),
		FullName:      r.GetFullName(),
		URL:           r.GetHTMLURL(),
		DefaultBranch: r.GetDefaultBranch(),
		Private:       r.GetPrivate(),
	}
}
