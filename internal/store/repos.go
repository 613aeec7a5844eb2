package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Repository is a GitHub repository connected by a user.
type Repository struct {
	ID        int64
	GitHubID  int64
	Owner     string
	Name      string
	FullName  string
	URL       string
	UserID    string
	WebhookID int64
	CreatedAt time.Time
}

const repositoryColumns = `id, github_id, owner, name, full_name, url, user_id, webhook_id, created_at`

// CreateRepository inserts a repository record. FullName and URL are derived
// from owner and name when empty.
func (d *DB) CreateRepository(ctx context.Context, r *Repository) (*Repository, error) {
	if r.FullName == "" {
		r.FullName = r.Owner + "/" + r.Name
	}
	if r.URL == "" {
		r.URL = "https://github.com/" + r.FullName
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	result, err := d.db.ExecContext(ctx,
		`INSERT INTO repositories (github_id, owner, name, full_name, url, user_id, webhook_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.GitHubID, r.Owner, r.Name, r.FullName, r.URL, r.UserID, r.WebhookID, formatTime(r.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("creating repository: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting repository id: %w", err)
	}

	return d.GetRepository(ctx, id)
}

// GetRepository retrieves a repository by its ID.
func (d *DB) GetRepository(ctx context.Context, id int64) (*Repository, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE id = ?`, id)
	return scanRepository(row)
}

// GetRepositoryByName retrieves a repository by owner and name.
func (d *DB) GetRepositoryByName(ctx context.Context, owner, name string) (*Repository, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE owner = ? AND name = ?`, owner, name)
	return scanRepository(row)
}

// ListRepositories returns the repositories connected by a user. An empty
// userID lists every repository.
func (d *DB) ListRepositories(ctx context.Context, userID string) ([]Repository, error) {
	query := `SELECT ` + repositoryColumns + ` FROM repositories`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY id`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}
	defer rows.Close()

	var repos []Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, *r)
	}
	return repos, rows.Err()
}

// SetWebhookID records the webhook registered for a repository.
func (d *DB) SetWebhookID(ctx context.Context, id, webhookID int64) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE repositories SET webhook_id = ? WHERE id = ?`, webhookID, id)
	if err != nil {
		return fmt.Errorf("updating webhook id: %w", err)
	}
	return nil
}

// DeleteRepository removes a repository and, by cascade, its reviews.
func (d *DB) DeleteRepository(ctx context.Context, id int64) error {
	result, err := d.db.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting repository: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting repository: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("repository %d: %w", id, ErrNotFound)
	}
	return nil
}

// CountRepositories returns how many repositories a user has connected.
func (d *DB) CountRepositories(ctx context.Context, userID string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM repositories WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting repositories: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRepository(row scanner) (*Repository, error) {
	var r Repository
	var createdAt string

	err := row.Scan(&r.ID, &r.GitHubID, &r.Owner, &r.Name, &r.FullName, &r.URL,
		&r.UserID, &r.WebhookID, &createdAt)
	if err != nil {
		return nil, notFound(err, "repository")
	}
	r.CreatedAt = parseTime(createdAt)

	return &r, nil
}

var _ scanner = (*sql.Row)(nil)
