package store

import (
	"context"
	"time"
)

// Store defines the record operations used by the review and indexing
// workflows, the repository service and the dashboard. It is satisfied by
// *DB and can be replaced with a fake for testing.
type Store interface {
	CreateRepository(ctx context.Context, r *Repository) (*Repository, error)
	GetRepository(ctx context.Context, id int64) (*Repository, error)
	GetRepositoryByName(ctx context.Context, owner, name string) (*Repository, error)
	ListRepositories(ctx context.Context, userID string) ([]Repository, error)
	SetWebhookID(ctx context.Context, id, webhookID int64) error
	DeleteRepository(ctx context.Context, id int64) error
	CountRepositories(ctx context.Context, userID string) (int, error)

	CreateReview(ctx context.Context, r *Review) (*Review, error)
	LatestReview(ctx context.Context, repositoryID int64, prNumber int) (*Review, error)
	CountReviews(ctx context.Context, userID string) (int, error)
	ReviewTimesSince(ctx context.Context, userID string, since time.Time) ([]time.Time, error)

	GetAccessToken(ctx context.Context, userID string) (string, error)
}

// Compile-time check that *DB satisfies the Store interface.
var _ Store = (*DB)(nil)
