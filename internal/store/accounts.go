package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ProviderGitHub is the provider id of GitHub accounts.
const ProviderGitHub = "github"

// ErrNoCredential is returned when a user has no usable access token.
var ErrNoCredential = errors.New("no GitHub access token found for this user")

// Account links a user to an external provider and holds its access token.
type Account struct {
	UserID      string
	Provider    string
	AccessToken string
	Login       string
	UpdatedAt   time.Time
}

// UpsertAccount creates or replaces the account for (user, provider).
func (d *DB) UpsertAccount(ctx context.Context, a *Account) error {
	if a.Provider == "" {
		a.Provider = ProviderGitHub
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, provider, access_token, login, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET
			access_token = excluded.access_token,
			login = excluded.login,
			updated_at = excluded.updated_at`,
		a.UserID, a.Provider, a.AccessToken, a.Login, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upserting account: %w", err)
	}
	return nil
}

// GetAccount returns the account for (user, provider).
func (d *DB) GetAccount(ctx context.Context, userID, provider string) (*Account, error) {
	var a Account
	var login *string
	var updatedAt string
	err := d.db.QueryRowContext(ctx,
		`SELECT user_id, provider, access_token, login, updated_at FROM accounts
		 WHERE user_id = ? AND provider = ?`, userID, provider,
	).Scan(&a.UserID, &a.Provider, &a.AccessToken, &login, &updatedAt)
	if err != nil {
		return nil, notFound(err, "account")
	}
	if login != nil {
		a.Login = *login
	}
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// GetAccessToken returns the user's GitHub access token. It returns an error
// wrapping ErrNoCredential when the account is missing or has no token.
func (d *DB) GetAccessToken(ctx context.Context, userID string) (string, error) {
	a, err := d.GetAccount(ctx, userID, ProviderGitHub)
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("user %s: %w", userID, ErrNoCredential)
	}
	if err != nil {
		return "", err
	}
	if a.AccessToken == "" {
		return "", fmt.Errorf("user %s: %w", userID, ErrNoCredential)
	}
	return a.AccessToken, nil
}

// DeleteAccount removes the account for (user, provider).
func (d *DB) DeleteAccount(ctx context.Context, userID, provider string) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM accounts WHERE user_id = ? AND provider = ?`, userID, provider)
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	return nil
}
