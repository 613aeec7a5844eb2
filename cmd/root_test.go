package cmd

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jacklau/reviewbot/internal/config"
	"github.com/jacklau/reviewbot/internal/notify"
	"github.com/jacklau/reviewbot/internal/retry"
	"github.com/jacklau/reviewbot/internal/store"
)

func TestCreateNotifier(t *testing.T) {
	slackURL := "https://hooks.slack.com/services/xxx"
	discordURL := "https://discord.com/api/webhooks/xxx"

	tests := []struct {
		name       string
		notify     config.NotifyConfig
		notifyFlag string
		wantNil    bool
		wantErr    bool
	}{
		{name: "slack only from config", notify: config.NotifyConfig{SlackWebhook: slackURL}},
		{name: "discord only from config", notify: config.NotifyConfig{DiscordWebhook: discordURL}},
		{name: "both from config", notify: config.NotifyConfig{SlackWebhook: slackURL, DiscordWebhook: discordURL}},
		{name: "neither configured", wantNil: true},
		{name: "none disables configured channels", notify: config.NotifyConfig{SlackWebhook: slackURL}, notifyFlag: "none", wantNil: true},
		{name: "slack flag without url", notifyFlag: "slack", wantNil: true, wantErr: true},
		{name: "discord flag without url", notify: config.NotifyConfig{SlackWebhook: slackURL}, notifyFlag: "discord", wantNil: true, wantErr: true},
		{name: "both flag with one url", notify: config.NotifyConfig{SlackWebhook: slackURL}, notifyFlag: "both", wantNil: true, wantErr: true},
		{name: "unsupported flag", notifyFlag: "email", wantNil: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Notify: tt.notify}
			n, err := createNotifier(cfg, tt.notifyFlag, slog.Default())
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantNil && n != nil {
				t.Errorf("expected nil notifier, got %T", n)
			}
			if !tt.wantNil && n == nil {
				t.Error("expected non-nil notifier, got nil")
			}
		})
	}
}

func TestCreateNotifierTypes(t *testing.T) {
	cfg := &config.Config{
		Notify: config.NotifyConfig{
			SlackWebhook:   "https://hooks.slack.com/services/xxx",
			DiscordWebhook: "https://discord.com/api/webhooks/xxx",
		},
	}

	t.Run("slack returns SlackNotifier", func(t *testing.T) {
		n, err := createNotifier(cfg, "slack", slog.Default())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, ok := n.(*notify.SlackNotifier); !ok {
			t.Errorf("expected *notify.SlackNotifier, got %T", n)
		}
	})

	t.Run("discord returns DiscordNotifier", func(t *testing.T) {
		n, err := createNotifier(cfg, "discord", slog.Default())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, ok := n.(*notify.DiscordNotifier); !ok {
			t.Errorf("expected *notify.DiscordNotifier, got %T", n)
		}
	})

	t.Run("both returns MultiNotifier", func(t *testing.T) {
		n, err := createNotifier(cfg, "both", slog.Default())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, ok := n.(*notify.MultiNotifier); !ok {
			t.Errorf("expected *notify.MultiNotifier, got %T", n)
		}
	})
}

func TestTokenSourceFallback(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	ts := &tokenSource{db: db, user: "local", token: "ghp_config"}

	tok, err := ts.GetAccessToken(ctx, "local")
	if err != nil || tok != "ghp_config" {
		t.Errorf("expected config token fallback, got %q, %v", tok, err)
	}

	if _, err := ts.GetAccessToken(ctx, "someone-else"); err == nil {
		t.Error("expected an error for a user without credentials")
	}

	if err := db.UpsertAccount(ctx, &store.Account{UserID: "local", AccessToken: "ghp_stored"}); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	tok, err = ts.GetAccessToken(ctx, "local")
	if err != nil || tok != "ghp_stored" {
		t.Errorf("expected stored token to win, got %q, %v", tok, err)
	}
}

func TestTokenSourceNoFallbackWithoutConfigToken(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()

	ts := &tokenSource{db: db, user: "local"}
	if _, err := ts.GetAccessToken(context.Background(), "local"); err == nil {
		t.Error("expected ErrNoCredential without a stored or configured token")
	}
}

func TestStepPolicy(t *testing.T) {
	cfg := config.Default()
	p := stepPolicy(cfg)

	if p.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", p.MaxAttempts)
	}
	if p.BaseDelay != time.Second || p.MaxDelay != 10*time.Second {
		t.Errorf("unexpected delays %v / %v", p.BaseDelay, p.MaxDelay)
	}
	if p.Jitter != retry.DefaultJitter {
		t.Errorf("Jitter = %v, want %v", p.Jitter, retry.DefaultJitter)
	}
}

func TestSetupLoggerVerbose(t *testing.T) {
	old := verbose
	defer func() { verbose = old }()

	verbose = false
	if setupLogger().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug logging should be off by default")
	}
	verbose = true
	if !setupLogger().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug logging should be on with --verbose")
	}
}

func testComponentsConfig() *config.Config {
	cfg := config.Default()
	cfg.Store.Path = ":memory:"
	cfg.Providers.Embedding = config.ProviderConfig{Type: "openai", APIKey: "test-key", Model: "text-embedding-3-small"}
	cfg.Providers.LLM = config.ProviderConfig{Type: "openai", APIKey: "test-key", Model: "gpt-4o-mini"}
	return cfg
}

func TestInitComponentsWithMemoryStore(t *testing.T) {
	cfg := testComponentsConfig()
	logger := slog.Default()

	c, err := initComponents(context.Background(), cfg, logger, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Close()

	if c.Store == nil || c.GitHub == nil || c.Index == nil {
		t.Error("expected store, gateway and index to be set")
	}
	if c.Embedder == nil || c.Completer == nil {
		t.Error("expected both providers to be set")
	}
	if c.Dispatcher == nil || c.Indexer == nil || c.Reviewer == nil {
		t.Error("expected dispatcher and both workflows to be set")
	}
	if c.Requester == nil || c.Repos == nil || c.Stats == nil {
		t.Error("expected requester, repos and stats services to be set")
	}
	if c.Notifier != nil {
		t.Errorf("expected no notifier without webhooks, got %T", c.Notifier)
	}
	if c.Config != cfg || c.Logger != logger {
		t.Error("expected Config and Logger to match input")
	}
}

func TestInitComponentsWithOllamaProviders(t *testing.T) {
	cfg := testComponentsConfig()
	cfg.Providers.Embedding = config.ProviderConfig{Type: "ollama", URL: "http://localhost:11434", Model: "nomic-embed-text"}
	cfg.Providers.LLM = config.ProviderConfig{Type: "ollama", URL: "http://localhost:11434", Model: "llama3.1"}

	c, err := initComponents(context.Background(), cfg, slog.Default(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Close()

	if c.Embedder == nil || c.Completer == nil {
		t.Error("expected ollama providers to be set")
	}
}

func TestInitComponentsEphemeralJournal(t *testing.T) {
	old := ephemeral
	ephemeral = true
	defer func() { ephemeral = old }()

	c, err := initComponents(context.Background(), testComponentsConfig(), slog.Default(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Close()

	if c.Dispatcher == nil {
		t.Fatal("expected a dispatcher")
	}
}

func TestInitComponentsErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		flag   string
		want   string
	}{
		{
			name:   "missing embedding key",
			mutate: func(c *config.Config) { c.Providers.Embedding.APIKey = "" },
			want:   "creating embedding provider",
		},
		{
			name:   "unsupported llm",
			mutate: func(c *config.Config) { c.Providers.LLM.Type = "bard" },
			want:   "creating LLM provider",
		},
		{
			name:   "unknown tokenizer",
			mutate: func(c *config.Config) { c.Index.Tokenizer = "words" },
			want:   "creating tokenizer",
		},
		{
			name:   "unsupported notifier",
			mutate: func(c *config.Config) {},
			flag:   "pager",
			want:   "creating notifier",
		},
		{
			name:   "bad app id",
			mutate: func(c *config.Config) { c.GitHub.AppID = "not-a-number" },
			want:   "parsing app_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testComponentsConfig()
			tt.mutate(cfg)
			_, err := initComponents(context.Background(), cfg, slog.Default(), tt.flag)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestInitComponentsStoreOnDisk(t *testing.T) {
	cfg := testComponentsConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "data", "reviewbot.db")

	c, err := initComponents(context.Background(), cfg, slog.Default(), "none")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Close()

	if _, err := c.Store.ListRepositories(context.Background(), cfg.User); err != nil {
		t.Errorf("store on disk is not usable: %v", err)
	}
}
