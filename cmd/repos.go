package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jacklau/reviewbot/internal/dispatch"
	"github.com/jacklau/reviewbot/internal/repos"
	"github.com/jacklau/reviewbot/internal/store"
)

var (
	connectWait   bool
	indexWait     bool
	disconnectAll bool
	reposRemote   bool
	reposPage     int
	reposPerPage  int
)

var connectCmd = &cobra.Command{
	Use:   "connect <owner/repo>...",
	Short: "Connect repositories: install the webhook and index the code",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runConnect,
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect [owner/repo|id]...",
	Short: "Disconnect repositories and drop their indexed code",
	RunE:  runDisconnect,
}

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "List connected repositories",
	Args:  cobra.NoArgs,
	RunE:  runRepos,
}

var indexCmd = &cobra.Command{
	Use:   "index <owner/repo>...",
	Short: "Re-index connected repositories",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIndex,
}

func init() {
	connectCmd.Flags().BoolVar(&connectWait, "wait", false, "index in this process and wait for it to finish")
	indexCmd.Flags().BoolVar(&indexWait, "wait", false, "index in this process and wait for it to finish")
	disconnectCmd.Flags().BoolVar(&disconnectAll, "all", false, "disconnect every connected repository")
	reposCmd.Flags().BoolVar(&reposRemote, "remote", false, "list repositories on GitHub and mark the connected ones")
	reposCmd.Flags().IntVar(&reposPage, "page", 1, "page of remote repositories")
	reposCmd.Flags().IntVar(&reposPerPage, "per-page", 30, "remote repositories per page")
	rootCmd.AddCommand(connectCmd, disconnectCmd, reposCmd, indexCmd)
}

func runConnect(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	logger := setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	c, err := initComponents(ctx, cfg, logger, "")
	if err != nil {
		return fmt.Errorf("initializing components: %w", err)
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	var handles []*dispatch.Handle
	var names []string
	var failed int
	for _, arg := range args {
		owner, repo, err := parseRepoArg(arg)
		if err != nil {
			return err
		}
		conn, err := c.Repos.Connect(ctx, cfg.User, owner, repo)
		if err != nil {
			if errors.Is(err, repos.ErrAlreadyConnected) {
				fmt.Fprintf(out, "%s is already connected (id %d)\n", conn.FullName, conn.ID)
				continue
			}
			fmt.Fprintf(out, "failed to connect %s/%s: %v\n", owner, repo, err)
			failed++
			continue
		}
		fmt.Fprintf(out, "connected %s (id %d, webhook %d)\n", conn.FullName, conn.ID, conn.WebhookID)
		if conn.Indexing == nil {
			fmt.Fprintf(out, "indexing %s could not be queued; retry with 'reviewbot index %s'\n", conn.FullName, conn.FullName)
			continue
		}
		if !shouldWait(connectWait) {
			printQueued(out, "indexing of "+conn.FullName, conn.Indexing)
			continue
		}
		handles = append(handles, conn.Indexing)
		names = append(names, conn.FullName)
	}

	if err := waitForIndexing(ctx, c.Dispatcher, out, handles, names); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d repositories failed to connect", failed, len(args))
	}
	return nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	logger := setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	c, err := initComponents(ctx, cfg, logger, "")
	if err != nil {
		return fmt.Errorf("initializing components: %w", err)
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	var handles []*dispatch.Handle
	var names []string
	for _, arg := range args {
		owner, repo, err := parseRepoArg(arg)
		if err != nil {
			return err
		}
		h, err := c.Repos.Reindex(ctx, cfg.User, owner, repo)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%s/%s is not connected; run 'reviewbot connect %s/%s' first", owner, repo, owner, repo)
			}
			return fmt.Errorf("queueing indexing of %s/%s: %w", owner, repo, err)
		}
		if !shouldWait(indexWait) {
			printQueued(out, "indexing of "+owner+"/"+repo, h)
			continue
		}
		handles = append(handles, h)
		names = append(names, owner+"/"+repo)
	}
	return waitForIndexing(ctx, c.Dispatcher, out, handles, names)
}

// waitForIndexing runs the queued indexing runs in-process with a progress bar.
func waitForIndexing(ctx context.Context, d *dispatch.Dispatcher, out io.Writer, handles []*dispatch.Handle, names []string) error {
	if len(handles) == 0 {
		return nil
	}
	bar := newProgressBar(len(handles), "Indexing", os.Stderr)
	var failed []string
	err := awaitRuns(ctx, d, handles, func(i int, err error) {
		if err != nil {
			bar.Fail(1)
			failed = append(failed, fmt.Sprintf("%s: %v", names[i], err))
			return
		}
		bar.Add(1)
	})
	bar.Finish()
	for _, f := range failed {
		fmt.Fprintf(out, "indexing failed for %s\n", f)
	}
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d repositories failed to index", len(failed), len(handles))
	}
	return nil
}

func runDisconnect(cmd *cobra.Command, args []string) error {
	if disconnectAll == (len(args) > 0) {
		return fmt.Errorf("pass repositories to disconnect or --all, not both")
	}
	ctx, stop := signalContext()
	defer stop()
	logger := setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	c, err := initComponents(ctx, cfg, logger, "")
	if err != nil {
		return fmt.Errorf("initializing components: %w", err)
	}
	defer c.Close()
	out := cmd.OutOrStdout()

	if disconnectAll {
		n, err := c.Repos.DisconnectAll(ctx, cfg.User)
		fmt.Fprintf(out, "disconnected %d repositories\n", n)
		return err
	}

	for _, arg := range args {
		id, err := resolveRepositoryID(ctx, c.Store, arg)
		if err != nil {
			return err
		}
		hookDeleted, err := c.Repos.Disconnect(ctx, cfg.User, id)
		if err != nil {
			return fmt.Errorf("disconnecting %s: %w", arg, err)
		}
		if !hookDeleted {
			fmt.Fprintf(out, "disconnected %s; the webhook could not be deleted and may need manual removal\n", arg)
			continue
		}
		fmt.Fprintf(out, "disconnected %s\n", arg)
	}
	return nil
}

// resolveRepositoryID accepts a numeric record id or a repository name.
func resolveRepositoryID(ctx context.Context, db *store.DB, arg string) (int64, error) {
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return id, nil
	}
	owner, repo, err := parseRepoArg(arg)
	if err != nil {
		return 0, err
	}
	rec, err := db.GetRepositoryByName(ctx, owner, repo)
	if err != nil {
		return 0, fmt.Errorf("looking up %s/%s: %w", owner, repo, err)
	}
	return rec.ID, nil
}

func runRepos(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	logger := setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	out := cmd.OutOrStdout()

	if reposRemote {
		c, err := initComponents(ctx, cfg, logger, "")
		if err != nil {
			return fmt.Errorf("initializing components: %w", err)
		}
		defer c.Close()
		remotes, err := c.Repos.ListRemote(ctx, cfg.User, reposPage, reposPerPage)
		if err != nil {
			return fmt.Errorf("listing GitHub repositories: %w", err)
		}
		printRemotes(out, remotes)
		return nil
	}

	db, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	allStats, err := db.GetAllRepoStats(ctx, cfg.User)
	if err != nil {
		return fmt.Errorf("querying repositories: %w", err)
	}
	if len(allStats) == 0 {
		fmt.Fprintln(out, "No repositories connected yet.")
		fmt.Fprintln(out, "Run 'reviewbot connect <owner/repo>' to get started.")
		return nil
	}
	printRepoStats(out, allStats)
	return nil
}

func printRepoStats(out io.Writer, allStats []store.RepoStats) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREPOSITORY\tWEBHOOK\tREVIEWS\tFAILED\tLAST REVIEW")
	for _, s := range allStats {
		last := "never"
		if s.LastReviewAt != nil {
			last = s.LastReviewAt.Local().Format("2006-01-02 15:04")
		}
		hook := "-"
		if s.Repository.WebhookID != 0 {
			hook = strconv.FormatInt(s.Repository.WebhookID, 10)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\n",
			s.Repository.ID, s.Repository.FullName, hook, s.ReviewCount, s.FailedCount, last)
	}
	w.Flush()
}

func printRemotes(out io.Writer, remotes []repos.Remote) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REPOSITORY\tVISIBILITY\tCONNECTED")
	for _, r := range remotes {
		visibility := "public"
		if r.Private {
			visibility = "private"
		}
		connected := ""
		if r.Connected {
			connected = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.FullName, visibility, connected)
	}
	w.Flush()
}
