package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PollState is the conditional-request state of a polled repository.
type PollState struct {
	Owner        string
	Repo         string
	ETag         string
	LastPolledAt *time.Time
}

// GetPollState returns the poll state of a repository. A repository that
// was never polled yields an empty state.
func (d *DB) GetPollState(ctx context.Context, owner, repo string) (*PollState, error) {
	st := &PollState{Owner: owner, Repo: repo}
	var etag, polled sql.NullString
	err := d.db.QueryRowContext(ctx,
		`SELECT etag, last_polled_at FROM poll_state WHERE owner = ? AND repo = ?`, owner, repo,
	).Scan(&etag, &polled)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading poll state: %w", err)
	}
	st.ETag = etag.String
	if polled.Valid {
		t := parseTime(polled.String)
		st.LastPolledAt = &t
	}
	return st, nil
}

// UpdatePollState records the ETag and poll time of a repository.
func (d *DB) UpdatePollState(ctx context.Context, owner, repo, etag string, polledAt time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO poll_state (owner, repo, etag, last_polled_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(owner, repo) DO UPDATE SET
			etag = excluded.etag,
			last_polled_at = excluded.last_polled_at`,
		owner, repo, etag, formatTime(polledAt),
	)
	if err != nil {
		return fmt.Errorf("updating poll state: %w", err)
	}
	return nil
}

// GetPRHead returns the last seen head SHA of a pull request, or "" when the
// pull request has not been seen.
func (d *DB) GetPRHead(ctx context.Context, owner, repo string, number int) (string, error) {
	var sha string
	err := d.db.QueryRowContext(ctx,
		`SELECT head_sha FROM pr_snapshots WHERE owner = ? AND repo = ? AND number = ?`,
		owner, repo, number,
	).Scan(&sha)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading pr snapshot: %w", err)
	}
	return sha, nil
}

// SetPRHead records the head SHA of a pull request.
func (d *DB) SetPRHead(ctx context.Context, owner, repo string, number int, sha string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO pr_snapshots (owner, repo, number, head_sha, seen_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner, repo, number) DO UPDATE SET
			head_sha = excluded.head_sha,
			seen_at = excluded.seen_at`,
		owner, repo, number, sha, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("writing pr snapshot: %w", err)
	}
	return nil
}
