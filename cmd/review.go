package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jacklau/reviewbot/internal/dispatch"
	"github.com/jacklau/reviewbot/internal/notify"
)

var (
	reviewWait   bool
	reviewNotify string
	reviewsLimit int
)

var reviewCmd = &cobra.Command{
	Use:   "review <owner/repo> <number> | <owner/repo#number> | <pull request URL>",
	Short: "Request an AI review of a pull request",
	Long: `Review queues the same review a webhook delivery would. The repository
must be connected.

  reviewbot review acme/widgets 42
  reviewbot review acme/widgets#42 --wait
  reviewbot review https://github.com/acme/widgets/pull/42`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runReview,
}

var reviewsCmd = &cobra.Command{
	Use:   "reviews <owner/repo>",
	Short: "List the stored reviews of a repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviews,
}

func init() {
	reviewCmd.Flags().BoolVar(&reviewWait, "wait", false, "run the review in this process and wait for it to finish")
	reviewCmd.Flags().StringVar(&reviewNotify, "notify", "", "notification target: slack, discord, both or none")
	reviewsCmd.Flags().IntVar(&reviewsLimit, "limit", 20, "maximum number of reviews to show")
	rootCmd.AddCommand(reviewCmd, reviewsCmd)
}

// parsePullArgs accepts "owner/repo N", "owner/repo#N" or a pull request URL.
func parsePullArgs(args []string) (owner, repo string, number int, err error) {
	var repoArg, numArg string
	switch {
	case len(args) == 2:
		repoArg, numArg = args[0], args[1]
	case strings.Contains(args[0], "/pull/"):
		repoArg, numArg, _ = strings.Cut(args[0], "/pull/")
		numArg = strings.Trim(numArg, "/")
	default:
		var ok bool
		repoArg, numArg, ok = strings.Cut(args[0], "#")
		if !ok {
			return "", "", 0, fmt.Errorf("missing pull request number in %q", args[0])
		}
	}
	owner, repo, err = parseRepoArg(repoArg)
	if err != nil {
		return "", "", 0, err
	}
	number, err = strconv.Atoi(numArg)
	if err != nil || number <= 0 {
		return "", "", 0, fmt.Errorf("invalid pull request number %q", numArg)
	}
	return owner, repo, number, nil
}

func runReview(cmd *cobra.Command, args []string) error {
	owner, repo, number, err := parsePullArgs(args)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	logger := setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	c, err := initComponents(ctx, cfg, logger, reviewNotify)
	if err != nil {
		return fmt.Errorf("initializing components: %w", err)
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	h, err := c.Requester.RequestReview(ctx, owner, repo, number)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s/%s#%d", owner, repo, number)
	if !shouldWait(reviewWait) {
		printQueued(out, "review of "+name, h)
		return nil
	}

	var runErr error
	if err := awaitRuns(ctx, c.Dispatcher, []*dispatch.Handle{h}, func(_ int, err error) { runErr = err }); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("reviewing %s: %w", name, runErr)
	}

	rec, err := c.Store.GetRepositoryByName(ctx, owner, repo)
	if err != nil {
		return err
	}
	latest, err := c.Store.LatestReview(ctx, rec.ID, number)
	if err != nil {
		fmt.Fprintf(out, "reviewed %s\n", name)
		return nil
	}
	fmt.Fprintf(out, "%s review of %s: %s\n", latest.Status, name, latest.PRTitle)
	fmt.Fprintln(out, notify.Summary(latest.Body))
	return nil
}

func runReviews(cmd *cobra.Command, args []string) error {
	owner, repo, err := parseRepoArg(args[0])
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	rec, err := db.GetRepositoryByName(ctx, owner, repo)
	if err != nil {
		return fmt.Errorf("looking up %s/%s: %w", owner, repo, err)
	}
	reviews, err := db.ListReviews(ctx, rec.ID, reviewsLimit)
	if err != nil {
		return fmt.Errorf("listing reviews: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(reviews) == 0 {
		fmt.Fprintf(out, "No reviews for %s yet.\n", rec.FullName)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PR\tSTATUS\tTITLE\tCREATED")
	for _, r := range reviews {
		fmt.Fprintf(w, "#%d\t%s %s\t%s\t%s\n", r.PRNumber, notify.StatusEmoji(string(r.Status)), r.Status,
			notify.Excerpt(r.PRTitle, 60), notify.TimeAgo(r.CreatedAt))
	}
	return w.Flush()
}
