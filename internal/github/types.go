package github

import "time"

// PullRequest is the subset of a pull request a review needs.
type PullRequest struct {
	Number      int    `json:"number"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Diff        string `json:"diff"`
	HeadSHA     string `json:"headSha"`
	URL         string `json:"url"`
	State       string `json:"state"`
	Author      string `json:"author"`
}

// PullRequestRef identifies an open pull request at a head commit.
type PullRequestRef struct {
	Number  int
	Title   string
	HeadSHA string
	Author  string
}

// Comment is a posted issue comment.
type Comment struct {
	ID  int64  `json:"id"`
	URL string `json:"url"`
}

// Hook is a repository webhook.
type Hook struct {
	ID  int64
	URL string
}

// RepoInfo describes a repository on the host.
type RepoInfo struct {
	ID            int64
	Owner         string
	Name          string
	FullName      string
	URL           string
	DefaultBranch string
	Private       bool
}

// FileRef points at a blob in a repository tree.
type FileRef struct {
	Path string `json:"path"`
	SHA  string `json:"sha"`
	Size int    `json:"size"`
}

// FileContent is a decoded text file.
type FileContent struct {
	Path    string
	Content string
}

// ContributionDay is one cell of the contribution calendar.
type ContributionDay struct {
	Date  time.Time
	Count int
}

// Contributions summarizes a user's activity over a period.
type Contributions struct {
	TotalContributions int
	TotalCommits       int
	TotalPullRequests  int
	Days               []ContributionDay
}
