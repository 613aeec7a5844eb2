package store

import (
	"context"
	"fmt"
	"time"
)

// ReviewStatus is the lifecycle state of a review record.
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "pending"
	ReviewCompleted ReviewStatus = "completed"
	ReviewFailed    ReviewStatus = "failed"
)

// Review is a generated (or failed) pull request review.
type Review struct {
	ID           int64
	RepositoryID int64
	PRNumber     int
	PRTitle      string
	PRURL        string
	Body         string
	Status       ReviewStatus
	CreatedAt    time.Time
}

const reviewColumns = `id, repository_id, pr_number, pr_title, pr_url, body, status, created_at`

// CreateReview inserts a review record.
func (d *DB) CreateReview(ctx context.Context, r *Review) (*Review, error) {
	if r.Status == "" {
		r.Status = ReviewPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	result, err := d.db.ExecContext(ctx,
		`INSERT INTO reviews (repository_id, pr_number, pr_title, pr_url, body, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RepositoryID, r.PRNumber, r.PRTitle, r.PRURL, r.Body, string(r.Status), formatTime(r.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("creating review: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting review id: %w", err)
	}

	row := d.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id = ?`, id)
	return scanReview(row)
}

// LatestReview returns the most recent review for a pull request. The latest
// record is authoritative when several exist.
func (d *DB) LatestReview(ctx context.Context, repositoryID int64, prNumber int) (*Review, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+reviewColumns+` FROM reviews
		 WHERE repository_id = ? AND pr_number = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		repositoryID, prNumber)
	return scanReview(row)
}

// ListReviews returns the newest reviews for a repository, up to limit.
func (d *DB) ListReviews(ctx context.Context, repositoryID int64, limit int) ([]Review, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+reviewColumns+` FROM reviews WHERE repository_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		repositoryID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing reviews: %w", err)
	}
	defer rows.Close()

	var reviews []Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		reviews = append(reviews, *r)
	}
	return reviews, rows.Err()
}

// CountReviews returns how many reviews exist across a user's repositories.
func (d *DB) CountReviews(ctx context.Context, userID string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reviews r
		 JOIN repositories p ON p.id = r.repository_id
		 WHERE p.user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting reviews: %w", err)
	}
	return n, nil
}

// ReviewTimesSince returns the creation times of a user's reviews created at
// or after since.
func (d *DB) ReviewTimesSince(ctx context.Context, userID string, since time.Time) ([]time.Time, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT r.created_at FROM reviews r
		 JOIN repositories p ON p.id = r.repository_id
		 WHERE p.user_id = ? AND r.created_at >= ?
		 ORDER BY r.created_at`, userID, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("listing review times: %w", err)
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scanning review time: %w", err)
		}
		times = append(times, parseTime(s))
	}
	return times, rows.Err()
}

func scanReview(row scanner) (*Review, error) {
	var r Review
	var status, createdAt string

	err := row.Scan(&r.ID, &r.RepositoryID, &r.PRNumber, &r.PRTitle, &r.PRURL, &r.Body, &status, &createdAt)
	if err != nil {
		return nil, notFound(err, "review")
	}
	r.Status = ReviewStatus(status)
	r.CreatedAt = parseTime(createdAt)

	return &r, nil
}
