// Package stats aggregates a user's GitHub activity and review history for
// the dashboard.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jacklau/reviewbot/internal/github"
)

// months is the length of the activity window.
const months = 6

// GitHub is the subset of the GitHub client the dashboard reads.
type GitHub interface {
	AuthenticatedLogin(ctx context.Context, token string) (string, error)
	Contributions(ctx context.Context, token, login string, from, to time.Time) (*github.Contributions, error)
	CountPullRequests(ctx context.Context, token, login string) (int, error)
	PullRequestTimes(ctx context.Context, token, login string, since time.Time) ([]time.Time, error)
}

// Store is the subset of the relational store the dashboard reads.
type Store interface {
	CountRepositories(ctx context.Context, userID string) (int, error)
	CountReviews(ctx context.Context, userID string) (int, error)
	ReviewTimesSince(ctx context.Context, userID string, since time.Time) ([]time.Time, error)
}

// Credentials resolves a user's GitHub token.
type Credentials interface {
	GetAccessToken(ctx context.Context, userID string) (string, error)
}

// Dashboard holds the headline counters.
type Dashboard struct {
	TotalCommits int `json:"totalCommits"`
	TotalPRs     int `json:"totalPRs"`
	TotalReviews int `json:"totalReviews"`
	TotalRepos   int `json:"totalRepos"`
}

// Month is one bucket of MonthlyActivity.
type Month struct {
	Month   string    `json:"month"`
	Start   time.Time `json:"start"`
	Commits int       `json:"commits"`
	PRs     int       `json:"prs"`
	Reviews int       `json:"reviews"`
}

// Day is one cell of the contribution calendar.
type Day struct {
	Date  time.Time `json:"date"`
	Count int       `json:"count"`
	Level int       `json:"level"`
}

// Calendar is the contribution calendar with per-day intensity levels.
type Calendar struct {
	Days  []Day `json:"days"`
	Total int   `json:"totalContributions"`
}

// Service computes dashboard statistics.
type Service struct {
	gh     GitHub
	store  Store
	creds  Credentials
	logger *slog.Logger
}

// New creates a Service.
func New(gh GitHub, st Store, creds Credentials, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{gh: gh, store: st, creds: creds, logger: logger}
}

func (s *Service) login(ctx context.Context, userID string) (token, login string, err error) {
	token, err = s.creds.GetAccessToken(ctx, userID)
	if err != nil {
		return "", "", err
	}
	login, err = s.gh.AuthenticatedLogin(ctx, token)
	if err != nil {
		return "", "", err
	}
	return token, login, nil
}

// Dashboard returns the headline counters. Any failure is logged and yields
// all zeros.
func (s *Service) Dashboard(ctx context.Context, userID string, now time.Time) Dashboard {
	d, err := s.dashboard(ctx, userID, now)
	if err != nil {
		s.logger.Warn("error fetching dashboard stats", "user", userID, "error", err)
		return Dashboard{}
	}
	return d
}

func (s *Service) dashboard(ctx context.Context, userID string, now time.Time) (Dashboard, error) {
	token, login, err := s.login(ctx, userID)
	if err != nil {
		return Dashboard{}, err
	}

	var d Dashboard
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := s.gh.Contributions(gctx, token, login, now.AddDate(-1, 0, 0), now)
		if err != nil {
			return err
		}
		d.TotalCommits = c.TotalContributions
		return nil
	})
	g.Go(func() error {
		n, err := s.gh.CountPullRequests(gctx, token, login)
		d.TotalPRs = n
		return err
	})
	g.Go(func() error {
		n, err := s.store.CountReviews(gctx, userID)
		d.TotalReviews = n
		return err
	})
	g.Go(func() error {
		n, err := s.store.CountRepositories(gctx, userID)
		d.TotalRepos = n
		return err
	})
	if err := g.Wait(); err != nil {
		return Dashboard{}, err
	}
	return d, nil
}

// MonthlyActivity returns commits, pull requests and reviews for the six
// calendar months ending with the month of now, oldest first.
func (s *Service) MonthlyActivity(ctx context.Context, userID string, now time.Time) ([]Month, error) {
	token, login, err := s.login(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]Month, months)
	for i := range out {
		start := time.Date(now.Year(), now.Month()-time.Month(months-1-i), 1, 0, 0, 0, 0, now.Location())
		out[i] = Month{Month: start.Format("Jan"), Start: start}
	}
	since := out[0].Start

	var (
		contrib *github.Contributions
		prs     []time.Time
		reviews []time.Time
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		contrib, err = s.gh.Contributions(gctx, token, login, since, now)
		return err
	})
	g.Go(func() (err error) {
		prs, err = s.gh.PullRequestTimes(gctx, token, login, since)
		return err
	})
	g.Go(func() (err error) {
		reviews, err = s.store.ReviewTimesSince(gctx, userID, since)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetching monthly activity: %w", err)
	}

	loc := now.Location()
	for _, day := range contrib.Days {
		// Calendar dates carry no zone.
		if i := bucket(out, day.Date.Year(), day.Date.Month()); i >= 0 {
			out[i].Commits += day.Count
		}
	}
	for _, t := range prs {
		t = t.In(loc)
		if i := bucket(out, t.Year(), t.Month()); i >= 0 {
			out[i].PRs++
		}
	}
	for _, t := range reviews {
		t = t.In(loc)
		if i := bucket(out, t.Year(), t.Month()); i >= 0 {
			out[i].Reviews++
		}
	}
	return out, nil
}

// bucket returns the index of the given month, or -1.
func bucket(ms []Month, year int, month time.Month) int {
	for i, m := range ms {
		if year == m.Start.Year() && month == m.Start.Month() {
			return i
		}
	}
	return -1
}

// ContributionCalendar returns the last year of contributions with an
// intensity level from 0 to 4 per day.
func (s *Service) ContributionCalendar(ctx context.Context, userID string, now time.Time) (*Calendar, error) {
	token, login, err := s.login(ctx, userID)
	if err != nil {
		return nil, err
	}
	c, err := s.gh.Contributions(ctx, token, login, now.AddDate(-1, 0, 0), now)
	if err != nil {
		return nil, err
	}
	cal := &Calendar{Total: c.TotalContributions, Days: make([]Day, len(c.Days))}
	for i, d := range c.Days {
		cal.Days[i] = Day{Date: d.Date, Count: d.Count, Level: min(d.Count/5, 4)}
	}
	return cal, nil
}
