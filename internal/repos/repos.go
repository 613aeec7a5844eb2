// Package repos connects and disconnects GitHub repositories: it manages
// their webhooks, their records and their vector namespaces.
package repos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/jacklau/reviewbot/internal/dispatch"
	"github.com/jacklau/reviewbot/internal/events"
	"github.com/jacklau/reviewbot/internal/github"
	"github.com/jacklau/reviewbot/internal/store"
)

// ErrAlreadyConnected is returned when connecting a repository twice.
var ErrAlreadyConnected = errors.New("repository already connected")

// disconnectParallelism bounds concurrent disconnects in DisconnectAll.
const disconnectParallelism = 4

// Gateway is the subset of the GitHub client the service needs.
type Gateway interface {
	GetRepository(ctx context.Context, token, owner, repo string) (*github.RepoInfo, error)
	ListUserRepositories(ctx context.Context, token string, page, perPage int) ([]github.RepoInfo, error)
	CreateWebhook(ctx context.Context, token, owner, repo string) (*github.Hook, error)
	DeleteWebhook(ctx context.Context, token, owner, repo string, hookID int64) (bool, error)
}

// Store persists repository records.
type Store interface {
	CreateRepository(ctx context.Context, r *store.Repository) (*store.Repository, error)
	GetRepository(ctx context.Context, id int64) (*store.Repository, error)
	GetRepositoryByName(ctx context.Context, owner, name string) (*store.Repository, error)
	ListRepositories(ctx context.Context, userID string) ([]store.Repository, error)
	DeleteRepository(ctx context.Context, id int64) error
}

// Credentials resolves a user's GitHub token.
type Credentials interface {
	GetAccessToken(ctx context.Context, userID string) (string, error)
}

// Emitter queues events for the dispatcher.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) (*dispatch.Handle, error)
}

// Namespaces drops a repository's vectors.
type Namespaces interface {
	DeleteNamespace(ctx context.Context, namespace string) error
}

// Service manages connected repositories.
type Service struct {
	gh      Gateway
	store   Store
	creds   Credentials
	emitter Emitter
	vectors Namespaces
	logger  *slog.Logger
}

// Config holds the collaborators of a Service.
type Config struct {
	GitHub      Gateway
	Store       Store
	Credentials Credentials
	Emitter     Emitter
	Vectors     Namespaces
	Logger      *slog.Logger
}

// New creates a Service.
func New(cfg Config) *Service {
	s := &Service{
		gh:      cfg.GitHub,
		store:   cfg.Store,
		creds:   cfg.Credentials,
		emitter: cfg.Emitter,
		vectors: cfg.Vectors,
		logger:  cfg.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Remote is a repository visible to the user on GitHub.
type Remote struct {
	github.RepoInfo
	Connected bool
}

// ListRemote lists the user's GitHub repositories and marks those already
// connected.
func (s *Service) ListRemote(ctx context.Context, userID string, page, perPage int) ([]Remote, error) {
	token, err := s.creds.GetAccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	remote, err := s.gh.ListUserRepositories(ctx, token, page, perPage)
	if err != nil {
		return nil, err
	}
	local, err := s.store.ListRepositories(ctx, userID)
	if err != nil {
		return nil, err
	}

	connected := make(map[int64]bool, len(local))
	for _, r := range local {
		connected[r.GitHubID] = true
	}
	out := make([]Remote, len(remote))
	for i, r := range remote {
		out[i] = Remote{RepoInfo: r, Connected: connected[r.ID]}
	}
	return out, nil
}

// Connection is a connected repository and its queued indexing run.
// Indexing is nil when the run could not be queued.
type Connection struct {
	*store.Repository
	Indexing *dispatch.Handle
}

// Connect registers the review webhook on owner/repo, records the
// repository and queues its indexing. A failure to queue indexing is logged
// and does not undo the connection.
func (s *Service) Connect(ctx context.Context, userID, owner, repo string) (*Connection, error) {
	logger := s.logger.With("repo", events.Namespace(owner, repo))

	existing, err := s.store.GetRepositoryByName(ctx, owner, repo)
	if err == nil {
		return &Connection{Repository: existing}, fmt.Errorf("%s: %w", existing.FullName, ErrAlreadyConnected)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	token, err := s.creds.GetAccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	info, err := s.gh.GetRepository(ctx, token, owner, repo)
	if err != nil {
		return nil, err
	}
	hook, err := s.gh.CreateWebhook(ctx, token, owner, repo)
	if err != nil {
		return nil, err
	}

	rec, err := s.store.CreateRepository(ctx, &store.Repository{
		GitHubID:  info.ID,
		Owner:     owner,
		Name:      repo,
		URL:       info.URL,
		UserID:    userID,
		WebhookID: hook.ID,
	})
	if err != nil {
		if _, derr := s.gh.DeleteWebhook(context.WithoutCancel(ctx), token, owner, repo, hook.ID); derr != nil {
			logger.Warn("failed to remove webhook of unrecorded repository", "webhook_id", hook.ID, "error", derr)
		}
		return nil, err
	}
	logger.Info("repository connected", "id", rec.ID, "webhook_id", hook.ID)

	conn := &Connection{Repository: rec}
	conn.Indexing, err = s.emitter.Emit(ctx, events.RepositoryConnected, events.RepositoryConnectedPayload{
		Owner: owner, Repo: repo, UserID: userID,
	})
	if err != nil {
		logger.Error("failed to queue repository indexing", "error", err)
		conn.Indexing = nil
	}
	return conn, nil
}

// Reindex queues indexing of an already connected repository.
func (s *Service) Reindex(ctx context.Context, userID, owner, repo string) (*dispatch.Handle, error) {
	rec, err := s.store.GetRepositoryByName(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, fmt.Errorf("repository %s: %w", rec.FullName, store.ErrNotFound)
	}
	return s.emitter.Emit(ctx, events.RepositoryConnected, events.RepositoryConnectedPayload{
		Owner: owner, Repo: repo, UserID: userID,
	})
}

// Disconnect removes the webhook, the indexed vectors and the record of the
// repository. It reports whether the webhook was deleted; failing to delete
// it only logs a warning.
func (s *Service) Disconnect(ctx context.Context, userID string, id int64) (bool, error) {
	rec, err := s.store.GetRepository(ctx, id)
	if err != nil {
		return false, err
	}
	if rec.UserID != userID {
		return false, fmt.Errorf("repository %d: %w", id, store.ErrNotFound)
	}
	logger := s.logger.With("repo", rec.FullName)

	deleted := s.deleteWebhook(ctx, userID, rec)
	if !deleted {
		logger.Warn(fmt.Sprintf("Failed to delete webhook for %s, but proceeding with repository deletion", rec.FullName))
	}

	if s.vectors != nil {
		if err := s.vectors.DeleteNamespace(ctx, events.Namespace(rec.Owner, rec.Name)); err != nil {
			logger.Warn("failed to drop indexed vectors", "error", err)
		}
	}

	if err := s.store.DeleteRepository(ctx, rec.ID); err != nil {
		return deleted, err
	}
	logger.Info("repository disconnected", "webhook_deleted", deleted)
	return deleted, nil
}

func (s *Service) deleteWebhook(ctx context.Context, userID string, rec *store.Repository) bool {
	token, err := s.creds.GetAccessToken(ctx, userID)
	if err != nil {
		s.logger.Warn("cannot delete webhook without a credential", "repo", rec.FullName, "error", err)
		return false
	}
	deleted, err := s.gh.DeleteWebhook(ctx, token, rec.Owner, rec.Name, rec.WebhookID)
	if err != nil {
		s.logger.Warn("deleting webhook", "repo", rec.FullName, "error", err)
		return false
	}
	return deleted
}

// DisconnectAll disconnects every repository of the user and returns how
// many were removed.
func (s *Service) DisconnectAll(ctx context.Context, userID string) (int, error) {
	list, err := s.store.ListRepositories(ctx, userID)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(disconnectParallelism)
	for _, r := range list {
		g.Go(func() error {
			_, err := s.Disconnect(gctx, userID, r.ID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("disconnecting repositories: %w", err)
	}
	return len(list), nil
}
