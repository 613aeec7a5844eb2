package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RepoStats holds aggregate review statistics for a single repository.
type RepoStats struct {
	Repository     Repository
	ReviewCount    int
	CompletedCount int
	FailedCount    int
	LastReviewAt   *time.Time
}

// GetRepoStats returns aggregate statistics for a single repository.
func (d *DB) GetRepoStats(ctx context.Context, repositoryID int64) (*RepoStats, error) {
	repo, err := d.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("getting repository: %w", err)
	}

	stats := &RepoStats{Repository: *repo}

	var completed, failed sql.NullInt64
	var last sql.NullString
	err = d.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
		       MAX(created_at)
		FROM reviews WHERE repository_id = ?`,
		string(ReviewCompleted), string(ReviewFailed), repositoryID,
	).Scan(&stats.ReviewCount, &completed, &failed, &last)
	if err != nil {
		return nil, fmt.Errorf("counting reviews: %w", err)
	}
	stats.CompletedCount = int(completed.Int64)
	stats.FailedCount = int(failed.Int64)
	if last.Valid {
		t := parseTime(last.String)
		stats.LastReviewAt = &t
	}

	return stats, nil
}

// GetAllRepoStats returns statistics for every repository a user connected.
func (d *DB) GetAllRepoStats(ctx context.Context, userID string) ([]RepoStats, error) {
	repos, err := d.ListRepositories(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}

	var results []RepoStats
	for _, repo := range repos {
		stats, err := d.GetRepoStats(ctx, repo.ID)
		if err != nil {
			return nil, fmt.Errorf("getting stats for %s: %w", repo.FullName, err)
		}
		results = append(results, *stats)
	}

	return results, nil
}
