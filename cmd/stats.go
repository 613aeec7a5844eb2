package cmd

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jacklau/reviewbot/internal/stats"
)

var statsCalendar bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show GitHub activity and review statistics",
	Long: `Display the dashboard counters (contributions over the last year, pull
requests, reviews and connected repositories) and the activity of the last
six months. --calendar also prints the contribution calendar.`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsCalendar, "calendar", false, "print the contribution calendar of the last year")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	logger := setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, creds, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	gh, err := newGitHubClient(cfg, logger)
	if err != nil {
		return err
	}
	svc := stats.New(gh, db, creds, logger)
	now := time.Now()
	out := cmd.OutOrStdout()

	printDashboard(out, svc.Dashboard(ctx, cfg.User, now))
	months, err := svc.MonthlyActivity(ctx, cfg.User, now)
	if err != nil {
		return fmt.Errorf("fetching monthly activity: %w", err)
	}
	fmt.Fprintln(out)
	printMonths(out, months)

	if statsCalendar {
		return printCalendarFor(ctx, out, svc, cfg.User, now)
	}
	return nil
}

func printCalendarFor(ctx context.Context, out io.Writer, svc *stats.Service, user string, now time.Time) error {
	cal, err := svc.ContributionCalendar(ctx, user, now)
	if err != nil {
		return fmt.Errorf("fetching contribution calendar: %w", err)
	}
	fmt.Fprintln(out)
	printCalendar(out, cal)
	return nil
}

func printDashboard(out io.Writer, d stats.Dashboard) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Contributions (last year):\t%d\n", d.TotalCommits)
	fmt.Fprintf(w, "Pull requests:\t%d\n", d.TotalPRs)
	fmt.Fprintf(w, "Reviews:\t%d\n", d.TotalReviews)
	fmt.Fprintf(w, "Connected repositories:\t%d\n", d.TotalRepos)
	w.Flush()
}

func printMonths(out io.Writer, months []stats.Month) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MONTH\tCOMMITS\tPRS\tREVIEWS")
	for _, m := range months {
		fmt.Fprintf(w, "%s %d\t%d\t%d\t%d\n", m.Month, m.Start.Year(), m.Commits, m.PRs, m.Reviews)
	}
	w.Flush()
}

// calendarCells maps intensity levels 0-4 to characters.
var calendarCells = []string{"·", "░", "▒", "▓", "█"}

// printCalendar draws one row per weekday and one column per week.
func printCalendar(out io.Writer, cal *stats.Calendar) {
	if len(cal.Days) == 0 {
		fmt.Fprintln(out, "No contributions recorded.")
		return
	}
	first := cal.Days[0].Date
	lead := int(first.Weekday())
	weeks := max((daysBetween(first, cal.Days[len(cal.Days)-1].Date)+lead)/7+1, 1)
	rows := make([][]string, 7)
	for i := range rows {
		rows[i] = make([]string, weeks)
		for j := range rows[i] {
			rows[i][j] = " "
		}
	}
	for _, d := range cal.Days {
		offset := daysBetween(first, d.Date) + lead
		if offset < 0 || offset/7 >= weeks {
			continue
		}
		rows[offset%7][offset/7] = calendarCells[min(max(d.Level, 0), 4)]
	}
	for i, r := range rows {
		fmt.Fprintf(out, "%s %s\n", time.Weekday(i).String()[:3], strings.Join(r, ""))
	}
	fmt.Fprintf(out, "%d contributions in the last year\n", cal.Total)
}

func daysBetween(a, b time.Time) int {
	return int(math.Round(b.Sub(a).Hours() / 24))
}
