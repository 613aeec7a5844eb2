package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jacklau/reviewbot/internal/dispatch"
	"github.com/jacklau/reviewbot/internal/github"
	"github.com/jacklau/reviewbot/internal/pubsub"
	"github.com/jacklau/reviewbot/internal/webhook"
)

var (
	serveAddr     string
	servePoll     []string
	serveInterval string
	serveNotify   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher and the GitHub webhook server",
	Long: `Serve starts the event dispatcher, resumes unfinished runs from the
journal and listens for GitHub webhook deliveries on /api/webhooks/github.

Repositories that cannot receive webhooks can be polled instead:
  reviewbot serve --poll org/repo1 --poll org/repo2

Without --poll the repositories listed under poll.repos in the config
file are polled, if any.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default server.addr)")
	serveCmd.Flags().StringArrayVar(&servePoll, "poll", nil, "poll this repository for pull requests (repeatable)")
	serveCmd.Flags().StringVar(&serveInterval, "interval", "", "poll interval, e.g. 5m (default poll.interval)")
	serveCmd.Flags().StringVar(&serveNotify, "notify", "", "notification target: slack, discord, both or none")
	rootCmd.AddCommand(serveCmd)
}

// resolvePollRepos validates the repositories to poll, preferring flags over
// the config file. An empty result disables polling.
func resolvePollRepos(flags, cfgRepos []string) ([][2]string, error) {
	src := flags
	if len(src) == 0 {
		src = cfgRepos
	}
	var out [][2]string
	seen := make(map[[2]string]bool)
	for _, arg := range src {
		owner, repo, err := parseRepoArg(arg)
		if err != nil {
			return nil, err
		}
		key := [2]string{owner, repo}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	interval := cfg.Poll.Interval()
	if serveInterval != "" {
		interval, err = time.ParseDuration(serveInterval)
		if err != nil {
			return fmt.Errorf("invalid interval %q: %w", serveInterval, err)
		}
	}
	polled, err := resolvePollRepos(servePoll, cfg.Poll.Repos)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	c, err := initComponents(ctx, cfg, logger, serveNotify)
	if err != nil {
		return fmt.Errorf("initializing components: %w", err)
	}
	defer c.Close()

	var pollers []*github.PRPoller
	if len(polled) > 0 {
		token, err := c.Creds.GetAccessToken(ctx, cfg.User)
		if err != nil {
			return fmt.Errorf("polling needs a GitHub token for %s: %w", cfg.User, err)
		}
		for _, r := range polled {
			pollers = append(pollers, github.NewPRPoller(c.GitHub, c.Store, token, r[0], r[1], func(ctx context.Context, ch github.PRChange) error {
				_, err := c.Requester.RequestReview(ctx, ch.Owner, ch.Repo, ch.PR.Number)
				return err
			}))
		}
	}

	go logRunUpdates(c.Dispatcher.Broker().Subscribe(ctx), logger)
	if err := c.Dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := c.Dispatcher.Stop(stopCtx); err != nil {
			logger.Warn("stopping dispatcher", "error", err)
		}
	}()

	handler := webhook.NewHandler(c.Requester, cfg.GitHub.WebhookSecret, logger)
	server := webhook.NewServer(cfg.Server.Addr, handler, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	for _, p := range pollers {
		g.Go(func() error {
			return p.Run(gctx, interval)
		})
	}
	for _, r := range polled {
		logger.Info("polling repository", "repo", r[0]+"/"+r[1], "interval", interval.String())
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("reviewbot stopped")
	return nil
}

// logRunUpdates logs run lifecycle events until updates is closed.
func logRunUpdates(updates <-chan pubsub.Event[dispatch.RunUpdate], logger *slog.Logger) {
	for evt := range updates {
		u := evt.Payload
		attrs := []any{"run_id", u.RunID, "function", u.FunctionID, "event", u.Event}
		switch evt.Type {
		case pubsub.Failed:
			logger.Warn("run failed", append(attrs, "error", u.Error)...)
		case pubsub.Completed:
			logger.Info("run completed", attrs...)
		case pubsub.Interrupted:
			logger.Info("run interrupted; it resumes on the next start", attrs...)
		default:
			logger.Debug("run "+string(evt.Type), attrs...)
		}
	}
}
