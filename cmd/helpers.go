package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	giturls "github.com/whilp/git-urls"

	"github.com/jacklau/reviewbot/internal/dispatch"
	"github.com/jacklau/reviewbot/internal/events"
)

// parseRepoArg accepts "owner/repo" or any git remote URL
// (https://github.com/owner/repo, git@github.com:owner/repo.git) and returns
// owner and repo.
func parseRepoArg(arg string) (owner, repo string, err error) {
	u, err := giturls.Parse(strings.TrimSpace(arg))
	if err != nil {
		return "", "", fmt.Errorf("invalid repository %q: %w", arg, err)
	}
	path := strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
	parts := strings.Split(path, "/")
	if u.Scheme != "file" && len(parts) > 2 {
		parts = parts[len(parts)-2:]
	}
	owner, repo, err = events.SplitFullName(strings.Join(parts, "/"))
	if err != nil {
		return "", "", fmt.Errorf("invalid repository %q: expected owner/repo or a git URL", arg)
	}
	return owner, repo, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// stopTimeout bounds how long a command waits for in-flight runs on exit.
const stopTimeout = 30 * time.Second

// awaitRuns starts the dispatcher, waits for every handle and stops it again.
// Runs still in flight when ctx ends resume on the next start. done is called
// once per finished handle.
func awaitRuns(ctx context.Context, d *dispatch.Dispatcher, handles []*dispatch.Handle, done func(i int, err error)) error {
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}
	var waitErr error
	for i, h := range handles {
		err := h.Wait(ctx)
		if ctx.Err() != nil {
			waitErr = ctx.Err()
			break
		}
		if done != nil {
			done(i, err)
		}
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := d.Stop(stopCtx); err != nil {
		return err
	}
	return waitErr
}

// printQueued tells the user a run was journaled for a later serve.
func printQueued(w io.Writer, what string, h *dispatch.Handle) {
	fmt.Fprintf(w, "%s queued as run %s; a running 'reviewbot serve' picks it up (or pass --wait)\n",
		what, strings.Join(h.RunIDs, ", "))
}

// shouldWait reports whether a command must execute its runs in-process. An
// in-memory journal would lose queued runs at exit.
func shouldWait(wait bool) bool {
	return wait || ephemeral
}
