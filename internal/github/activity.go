package github

import (
	"context"
	"fmt"
	"time"

	gogithub "github.com/google/go-github/v60/github"
	"github.com/shurcooL/githubv4"
)

type contributionsQuery struct {
	User struct {
		ContributionsCollection struct {
			TotalCommitContributions      int
			TotalPullRequestContributions int
			ContributionCalendar          struct {
				TotalContributions int
				Weeks              []struct {
					ContributionDays []struct {
						Date              string
						ContributionCount int
					}
				}
			}
		} `graphql:"contributionsCollection(from: $from, to: $to)"`
	} `graphql:"user(login: $login)"`
}

// Contributions returns the contribution calendar of login between from and
// to. GitHub caps the window at one year.
func (c *Client) Contributions(ctx context.Context, token, login string, from, to time.Time) (*Contributions, error) {
	gql, err := c.graphql(token)
	if err != nil {
		return nil, err
	}

	var q contributionsQuery
	vars := map[string]any{
		"login": githubv4.String(login),
		"from":  githubv4.DateTime{Time: from.UTC()},
		"to":    githubv4.DateTime{Time: to.UTC()},
	}
	if err := gql.Query(ctx, &q, vars); err != nil {
		return nil, fmt.Errorf("querying contributions of %s: %w", login, err)
	}

	cc := q.User.ContributionsCollection
	out := &Contributions{
		TotalContributions: cc.ContributionCalendar.TotalContributions,
		TotalCommits:       cc.TotalCommitContributions,
		TotalPullRequests:  cc.TotalPullRequestContributions,
	}
	for _, w := range cc.ContributionCalendar.Weeks {
		for _, d := range w.ContributionDays {
			day, err := time.Parse("2006-01-02", d.Date)
			if err != nil {
				c.logger.Debug("skipping contribution day with bad date", "date", d.Date)
				continue
			}
			out.Days = append(out.Days, ContributionDay{Date: day, Count: d.ContributionCount})
		}
	}
	return out, nil
}

// AuthenticatedLogin returns the login of the token's owner.
func (c *Client) AuthenticatedLogin(ctx context.Context, token string) (string, error) {
	gql, err := c.graphql(token)
	if err != nil {
		return "", err
	}
	var q struct {
		Viewer struct {
			Login string
		}
	}
	if err := gql.Query(ctx, &q, nil); err != nil {
		return "", fmt.Errorf("querying viewer: %w", err)
	}
	if q.Viewer.Login == "" {
		return "", fmt.Errorf("GitHub username not found")
	}
	return q.Viewer.Login, nil
}

// CountPullRequests returns how many pull requests login has authored.
func (c *Client) CountPullRequests(ctx context.Context, token, login string) (int, error) {
	gh, err := c.rest(token)
	if err != nil {
		return 0, err
	}
	res, resp, err := gh.Search.Issues(ctx, fmt.Sprintf("author:%s type:pr", login), &gogithub.SearchOptions{
		ListOptions: gogithub.ListOptions{PerPage: 1},
	})
	if err != nil {
		return 0, classify("searching pull requests", resp, err)
	}
	return res.GetTotal(), nil
}

// PullRequestTimes returns the creation times of pull requests login opened
// after since, up to the first 100 search results.
func (c *Client) PullRequestTimes(ctx context.Context, token, login string, since time.Time) ([]time.Time, error) {
	gh, err := c.rest(token)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("author:%s type:pr created:>%s", login, since.UTC().Format("2006-01-02"))
	res, resp, err := gh.Search.Issues(ctx, q, &gogithub.SearchOptions{
		ListOptions: gogithub.ListOptions{PerPage: 100},
	})
	if err != nil {
		return nil, classify("searching pull requests", resp, err)
	}
	out := make([]time.Time, 0, len(res.Issues))
	for _, is := range res.Issues {
		if is.CreatedAt != nil {
			out = append(out, is.CreatedAt.Time)
		}
	}
	return out, nil
}
