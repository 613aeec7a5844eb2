package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	gogithub "github.com/google/go-github/v60/github"
	"github.com/google/uuid"

	"github.com/jacklau/reviewbot/internal/chunk"
	"github.com/jacklau/reviewbot/internal/config"
	"github.com/jacklau/reviewbot/internal/dispatch"
	"github.com/jacklau/reviewbot/internal/github"
	"github.com/jacklau/reviewbot/internal/indexing"
	"github.com/jacklau/reviewbot/internal/notify"
	"github.com/jacklau/reviewbot/internal/provider"
	"github.com/jacklau/reviewbot/internal/repos"
	"github.com/jacklau/reviewbot/internal/retrieval"
	"github.com/jacklau/reviewbot/internal/retry"
	"github.com/jacklau/reviewbot/internal/review"
	"github.com/jacklau/reviewbot/internal/stats"
	"github.com/jacklau/reviewbot/internal/store"
	"github.com/jacklau/reviewbot/internal/vector"
)

var (
	cfgFile   string
	verbose   bool
	ephemeral bool
)

var rootCmd = &cobra.Command{
	Use:   "reviewbot",
	Short: "Review GitHub pull requests with AI and repository context",
	Long: `Reviewbot indexes connected GitHub repositories into a vector index and
posts an AI review on every opened or updated pull request, using code
retrieved from the index as context.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", fmt.Sprintf("config file (default %s)", defaultConfigPath()))
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&ephemeral, "ephemeral", false, "keep the run journal in memory; runs do not survive a restart")
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "reviewbot", "config.yaml")
	}
	return filepath.Join(home, ".config", "reviewbot", "config.yaml")
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	path := cfgFile
	if path == "" {
		path = defaultConfigPath()
	}
	return config.Load(path)
}

// tokenSource resolves user tokens from the accounts table and falls back to
// github.token for the configured local user.
type tokenSource struct {
	db    *store.DB
	user  string
	token string
}

func (t *tokenSource) GetAccessToken(ctx context.Context, userID string) (string, error) {
	tok, err := t.db.GetAccessToken(ctx, userID)
	if errors.Is(err, store.ErrNoCredential) && userID == t.user && t.token != "" {
		return t.token, nil
	}
	return tok, err
}

// components holds initialized components for use by subcommands.
type components struct {
	Config     *config.Config
	Store      *store.DB
	GitHub     *github.Client
	Creds      *tokenSource
	Embedder   provider.BatchEmbedder
	Completer  provider.Completer
	Index      vector.Index
	Dispatcher *dispatch.Dispatcher
	Indexer    *indexing.Workflow
	Reviewer   *review.Workflow
	Requester  *review.Requester
	Repos      *repos.Service
	Stats      *stats.Service
	Notifier   notify.Notifier
	Logger     *slog.Logger

	closers []func()
}

// Close releases the vector index and the store.
func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// openStore opens the relational store and the token source. Commands that
// never run workflows use it instead of initComponents.
func openStore(cfg *config.Config) (*store.DB, *tokenSource, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating store directory: %w", err)
	}
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	return db, &tokenSource{db: db, user: cfg.User, token: cfg.GitHub.Token}, nil
}

// newGitHubClient builds the gateway, with a GitHub App client when app
// credentials are configured.
func newGitHubClient(cfg *config.Config, logger *slog.Logger) (*github.Client, error) {
	opts := github.Options{
		WebhookURL:    cfg.GitHub.WebhookURL,
		WebhookSecret: cfg.GitHub.WebhookSecret,
		Timeout:       cfg.GitHub.Timeout(),
		MaxFileBytes:  cfg.Index.MaxFileBytes,
		Logger:        logger,
	}
	if cfg.GitHub.AppID != "" {
		app, err := newAppClient(cfg.GitHub)
		if err != nil {
			return nil, err
		}
		opts.App = app
	}
	return github.New(opts), nil
}

func newAppClient(gc config.GitHubConfig) (*gogithub.Client, error) {
	appID, err := strconv.ParseInt(gc.AppID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing app_id: %w", err)
	}
	installID, err := strconv.ParseInt(gc.InstallationID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing installation_id: %w", err)
	}
	client, err := github.NewAppClient(appID, installID, []byte(gc.PrivateKey), gc.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("creating GitHub App client: %w", err)
	}
	return client, nil
}

// stepPolicy is the default retry policy of workflow steps.
func stepPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.Dispatcher.MaxAttempts,
		BaseDelay:   cfg.Dispatcher.BaseDelay(),
		MaxDelay:    cfg.Dispatcher.MaxDelay(),
		Jitter:      retry.DefaultJitter,
	}
}

// initComponents creates all components from config and registers both
// workflows with the dispatcher. The dispatcher is not started. notifyFlag
// overrides the configured notification channels.
func initComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger, notifyFlag string) (*components, error) {
	c := &components{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	db, creds, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	c.Store = db
	c.Creds = creds
	c.closers = append(c.closers, func() { db.Close() })

	c.GitHub, err = newGitHubClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	c.Embedder, err = provider.NewEmbedder(provider.EmbedderConfig{
		Type:   cfg.Providers.Embedding.Type,
		Model:  cfg.Providers.Embedding.Model,
		APIKey: cfg.Providers.Embedding.APIKey,
		URL:    cfg.Providers.Embedding.URL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}
	c.Completer, err = provider.NewCompleter(ctx, provider.CompleterConfig{
		Type:    cfg.Providers.LLM.Type,
		Model:   cfg.Providers.LLM.Model,
		APIKey:  cfg.Providers.LLM.APIKey,
		URL:     cfg.Providers.LLM.URL,
		Timeout: cfg.Providers.LLM.Timeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating LLM provider: %w", err)
	}

	switch cfg.Vector.Backend {
	case "pgvector":
		pg, err := vector.NewPGIndex(ctx, cfg.Vector.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening pgvector index: %w", err)
		}
		c.Index = pg
		c.closers = append(c.closers, pg.Close)
	default:
		c.Index = vector.NewSQLiteIndex(db.Conn(), logger)
	}

	tok, err := chunk.NewTokenizer(cfg.Index.Tokenizer)
	if err != nil {
		return nil, fmt.Errorf("creating tokenizer: %w", err)
	}

	c.Notifier, err = createNotifier(cfg, notifyFlag, logger)
	if err != nil {
		return nil, fmt.Errorf("creating notifier: %w", err)
	}

	var journal dispatch.Journal = dispatch.NewSQLJournal(db.Conn())
	if ephemeral {
		journal = dispatch.NewMemoryJournal()
	}
	c.Dispatcher = dispatch.New(dispatch.Options{Journal: journal, Logger: logger, Owner: dispatcherOwner()})

	policy := stepPolicy(cfg)
	c.Indexer = indexing.New(indexing.Config{
		GitHub:      c.GitHub,
		Credentials: creds,
		Embedder:    c.Embedder,
		Index:       c.Index,
		Chunker:     chunk.New(cfg.Index.ChunkSize, cfg.Index.ChunkOverlap, tok),
		BatchSize:   cfg.Index.BatchSize,
		Logger:      logger,
	})
	c.Reviewer = review.New(review.Config{
		GitHub:      c.GitHub,
		Credentials: creds,
		Store:       db,
		Retriever: retrieval.New(c.Embedder, c.Index,
			retrieval.WithTopK(cfg.Review.TopK),
			retrieval.WithLogger(logger)),
		Completer:    c.Completer,
		Notifier:     c.Notifier,
		Footer:       cfg.Review.Footer,
		MaxDiffBytes: cfg.Review.MaxDiffBytes,
		Logger:       logger,
	})
	if err := c.Dispatcher.Register(c.Indexer.Function(cfg.Dispatcher.IndexConcurrency, policy)); err != nil {
		return nil, fmt.Errorf("registering indexing workflow: %w", err)
	}
	if err := c.Dispatcher.Register(c.Reviewer.Function(cfg.Dispatcher.ReviewConcurrency, policy)); err != nil {
		return nil, fmt.Errorf("registering review workflow: %w", err)
	}

	c.Requester = review.NewRequester(db, creds, c.GitHub, c.Dispatcher, logger)
	c.Repos = repos.New(repos.Config{
		GitHub:      c.GitHub,
		Store:       db,
		Credentials: creds,
		Emitter:     c.Dispatcher,
		Vectors:     c.Index,
		Logger:      logger,
	})
	c.Stats = stats.New(c.GitHub, db, creds, logger)
	ok = true
	return c, nil
}

// createNotifier builds a Notifier from config and flag override. It returns
// nil when nothing is configured and no override is given.
func createNotifier(cfg *config.Config, notifyFlag string, logger *slog.Logger) (notify.Notifier, error) {
	slackURL, discordURL := cfg.Notify.SlackWebhook, cfg.Notify.DiscordWebhook
	switch notifyFlag {
	case "":
		return notify.New(slackURL, discordURL, logger), nil
	case "none":
		return nil, nil
	case "slack":
		if slackURL == "" {
			return nil, fmt.Errorf("--notify slack requires notify.slack_webhook")
		}
		return notify.NewSlackNotifier(slackURL, logger), nil
	case "discord":
		if discordURL == "" {
			return nil, fmt.Errorf("--notify discord requires notify.discord_webhook")
		}
		return notify.NewDiscordNotifier(discordURL), nil
	case "both":
		if slackURL == "" || discordURL == "" {
			return nil, fmt.Errorf("--notify both requires notify.slack_webhook and notify.discord_webhook")
		}
		return notify.NewMultiNotifier(logger,
			notify.NewSlackNotifier(slackURL, logger),
			notify.NewDiscordNotifier(discordURL)), nil
	default:
		return nil, fmt.Errorf("unsupported notifier %q: expected slack, discord, both or none", notifyFlag)
	}
}

// dispatcherOwner names this process in the run journal.
func dispatcherOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "reviewbot"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
