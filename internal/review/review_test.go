package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jacklau/reviewbot/internal/dispatch"
	"github.com/jacklau/reviewbot/internal/events"
	"github.com/jacklau/reviewbot/internal/github"
	"github.com/jacklau/reviewbot/internal/notify"
	"github.com/jacklau/reviewbot/internal/provider/providertest"
	"github.com/jacklau/reviewbot/internal/pubsub"
	"github.com/jacklau/reviewbot/internal/retrieval"
	"github.com/jacklau/reviewbot/internal/retry"
	"github.com/jacklau/reviewbot/internal/store"
	"github.com/jacklau/reviewbot/internal/vector"
)

const sampleDiff = `diff --git a/widget.go b/widget.go
index 1111111..2222222 100644
--- a/widget.go
+++ b/widget.go
@@ -1,2 +1,3 @@
 package widgets
-func Spin() {}
+func Spin() error { return nil }
+func Stop() {}
`

type fakeGitHub struct {
	mu      sync.Mutex
	prs     map[int]*github.PullRequest
	posts   []string
	postErr error
	fetches int
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{prs: map[int]*github.PullRequest{
		42: {
			Number:      42,
			Title:       "Make widget spin return an error",
			Description: "Spin can fail when the widget is jammed.",
			Diff:        sampleDiff,
			URL:         "https://github.com/acme/widgets/pull/42",
		},
	}}
}

func (f *fakeGitHub) GetPullRequest(_ context.Context, token, owner, repo string, number int) (*github.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if token != "tok" {
		return nil, retry.Permanent(fmt.Errorf("bad token %q", token))
	}
	pr, ok := f.prs[number]
	if !ok {
		return nil, retry.Permanent(fmt.Errorf("getting pull request %s/%s#%d: %w", owner, repo, number, github.ErrNotFound))
	}
	cp := *pr
	return &cp, nil
}

func (f *fakeGitHub) PostReviewComment(_ context.Context, token, owner, repo string, number int, body string) (*github.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return nil, f.postErr
	}
	f.posts = append(f.posts, body)
	id := int64(len(f.posts))
	return &github.Comment{ID: id, URL: fmt.Sprintf("https://github.com/%s/%s/pull/%d#issuecomment-%d", owner, repo, number, id)}, nil
}

func (f *fakeGitHub) Posts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posts...)
}

type fakeCreds map[string]string

func (c fakeCreds) GetAccessToken(_ context.Context, userID string) (string, error) {
	tok, ok := c[userID]
	if !ok {
		return "", store.ErrNoCredential
	}
	return tok, nil
}

// blockingStore stalls repository lookups until the run is cancelled while
// block is set.
type blockingStore struct {
	*store.DB
	block   atomic.Bool
	reached chan struct{}
}

func (s *blockingStore) GetRepositoryByName(ctx context.Context, owner, name string) (*store.Repository, error) {
	if s.block.Load() {
		s.reached <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.DB.GetRepositoryByName(ctx, owner, name)
}

type recordingNotifier struct {
	mu       sync.Mutex
	outcomes []notify.Outcome
}

func (n *recordingNotifier) Notify(_ context.Context, o notify.Outcome) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outcomes = append(n.outcomes, o)
	return nil
}

type harness struct {
	db       *store.DB
	gh       *fakeGitHub
	llm      *providertest.Completer
	embedder *providertest.HashEmbedder
	index    vector.Index
	creds    fakeCreds
	notifier notify.Notifier
	repo     *store.Repository
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo, err := db.CreateRepository(context.Background(), &store.Repository{
		GitHubID: 7, Owner: "acme", Name: "widgets", UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}

	return &harness{
		db:       db,
		gh:       newFakeGitHub(),
		llm:      &providertest.Completer{Response: "### 1. Summary\nLooks good."},
		embedder: &providertest.HashEmbedder{},
		index:    vector.NewSQLiteIndex(db.Conn(), nil),
		creds:    fakeCreds{"user-1": "tok"},
		repo:     repo,
	}
}

func (h *harness) workflow(st Store) *Workflow {
	return New(Config{
		GitHub:       h.gh,
		Credentials:  h.creds,
		Store:        st,
		Retriever:    retrieval.New(h.embedder, h.index, retrieval.WithTopK(3)),
		Completer:    h.llm,
		Notifier:     h.notifier,
		Footer:       "-- reviewbot",
		MaxDiffBytes: 4096,
	})
}

func (h *harness) start(t *testing.T, st Store, opts dispatch.Options) *dispatch.Dispatcher {
	t.Helper()
	if opts.Journal == nil {
		opts.Journal = dispatch.NewSQLJournal(h.db.Conn())
	}
	d := dispatch.New(opts)
	if err := d.Register(h.workflow(st).Function(5, retry.Policy{MaxAttempts: 2})); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { d.Stop(context.Background()) })
	return d
}

func (h *harness) review(t *testing.T, pr int) error {
	t.Helper()
	d := h.start(t, h.db, dispatch.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	handle, err := d.Emit(ctx, events.ReviewRequested, events.ReviewRequestedPayload{
		Owner: "acme", Repo: "widgets", PRNumber: pr, UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	return handle.Wait(ctx)
}

func (h *harness) latest(t *testing.T, pr int) *store.Review {
	t.Helper()
	rec, err := h.db.LatestReview(context.Background(), h.repo.ID, pr)
	if err != nil {
		t.Fatalf("LatestReview: %v", err)
	}
	return rec
}

func TestReviewPostsThenPersists(t *testing.T) {
	h := newHarness(t)
	err := h.index.Upsert(context.Background(), "acme/widgets", []vector.Vector{{
		ID:       "w1",
		Values:   mustEmbed(t, h.embedder, "widget spin jammed error"),
		Metadata: vector.Metadata{Path: "widget.go", StartLine: 1, EndLine: 3, Text: "func Spin() {}"},
	}})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := h.review(t, 42); err != nil {
		t.Fatalf("review run failed: %v", err)
	}

	posts := h.gh.Posts()
	if len(posts) != 1 {
		t.Fatalf("expected 1 posted comment, got %d", len(posts))
	}
	if posts[0] != "### 1. Summary\nLooks good.\n\n-- reviewbot" {
		t.Errorf("unexpected comment body %q", posts[0])
	}

	prompts := h.llm.Prompts()
	if len(prompts) != 1 {
		t.Fatalf("expected 1 completion, got %d", len(prompts))
	}
	for _, want := range []string{"Make widget spin return an error", "// widget.go:1-3\nfunc Spin() {}", "widget.go (", "+2 -1)", "+func Stop() {}"} {
		if !strings.Contains(prompts[0], want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	rec := h.latest(t, 42)
	if rec.Status != store.ReviewCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
	if rec.PRURL != "https://github.com/acme/widgets/pull/42" || rec.PRTitle != "Make widget spin return an error" {
		t.Errorf("unexpected review record %+v", rec)
	}
	if rec.Body != "### 1. Summary\nLooks good." {
		t.Errorf("stored body should exclude the footer, got %q", rec.Body)
	}
}

func TestReviewWithEmptyIndex(t *testing.T) {
	h := newHarness(t)
	if err := h.review(t, 42); err != nil {
		t.Fatalf("review run failed: %v", err)
	}
	prompts := h.llm.Prompts()
	if len(prompts) != 1 || !strings.Contains(prompts[0], "No additional context available.") {
		t.Errorf("expected prompt without context, got %q", prompts)
	}
	if len(h.gh.Posts()) != 1 {
		t.Error("expected the review to be posted")
	}
}

func TestReviewRetrievalFailureDegrades(t *testing.T) {
	h := newHarness(t)
	h.embedder.FailOn = "jammed"

	if err := h.review(t, 42); err != nil {
		t.Fatalf("review run failed: %v", err)
	}
	prompts := h.llm.Prompts()
	if len(prompts) != 1 || !strings.Contains(prompts[0], "No additional context available.") {
		t.Errorf("expected prompt without context, got %q", prompts)
	}
	if h.latest(t, 42).Status != store.ReviewCompleted {
		t.Error("expected completed review")
	}
}

func TestReviewMissingRepositoryPostsOnce(t *testing.T) {
	h := newHarness(t)
	if err := h.db.DeleteRepository(context.Background(), h.repo.ID); err != nil {
		t.Fatalf("DeleteRepository: %v", err)
	}

	if err := h.review(t, 42); err != nil {
		t.Fatalf("run should succeed without a repository record: %v", err)
	}
	if got := len(h.gh.Posts()); got != 1 {
		t.Errorf("expected exactly 1 post, got %d", got)
	}
	n, err := h.db.CountReviews(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("CountReviews: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no review records, got %d", n)
	}
}

func TestReviewMissingCredentialRecordsFailure(t *testing.T) {
	h := newHarness(t)
	h.creds = fakeCreds{}

	err := h.review(t, 42)
	if !errors.Is(err, store.ErrNoCredential) {
		t.Fatalf("expected missing credential error, got %v", err)
	}
	if h.gh.fetches != 0 || len(h.gh.Posts()) != 0 || len(h.llm.Prompts()) != 0 {
		t.Error("nothing should be fetched, generated or posted without a credential")
	}

	rec := h.latest(t, 42)
	if rec.Status != store.ReviewFailed || rec.PRTitle != FailedFetchTitle {
		t.Errorf("unexpected failure record %+v", rec)
	}
	if !strings.HasPrefix(rec.Body, "Error: ") || !strings.Contains(rec.Body, "no GitHub access token") {
		t.Errorf("unexpected failure body %q", rec.Body)
	}
}

func TestReviewUnknownPullRequestRecordsFailure(t *testing.T) {
	h := newHarness(t)

	err := h.review(t, 7)
	if !errors.Is(err, github.ErrNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
	if h.gh.fetches != 1 {
		t.Errorf("a missing PR should not be retried, fetched %d times", h.gh.fetches)
	}
	rec := h.latest(t, 7)
	if rec.Status != store.ReviewFailed || rec.PRTitle != FailedFetchTitle {
		t.Errorf("unexpected failure record %+v", rec)
	}
}

func TestReviewPostFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.gh.postErr = errors.New("502 bad gateway")

	if err := h.review(t, 42); err == nil {
		t.Fatal("expected the run to fail")
	}
	rec := h.latest(t, 42)
	if rec.Status != store.ReviewFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
	if rec.PRTitle != "Make widget spin return an error" {
		t.Errorf("failure after fetch should keep the PR title, got %q", rec.PRTitle)
	}
	if len(h.llm.Prompts()) != 1 {
		t.Errorf("expected 1 completion, got %d", len(h.llm.Prompts()))
	}
}

func TestReviewCompletionRetriedOnTransientError(t *testing.T) {
	h := newHarness(t)
	h.llm.Errs = []error{errors.New("503 overloaded")}

	if err := h.review(t, 42); err != nil {
		t.Fatalf("review run failed: %v", err)
	}
	if got := len(h.llm.Prompts()); got != 2 {
		t.Errorf("expected 2 completion attempts, got %d", got)
	}
	if len(h.gh.Posts()) != 1 {
		t.Error("expected the review to be posted once")
	}
}

func TestReviewNotifies(t *testing.T) {
	h := newHarness(t)
	rn := &recordingNotifier{}
	h.notifier = rn

	if err := h.review(t, 42); err != nil {
		t.Fatalf("review run failed: %v", err)
	}
	if len(rn.outcomes) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(rn.outcomes))
	}
	o := rn.outcomes[0]
	if o.Status != notify.StatusCompleted || o.Repo != "acme/widgets" || o.PRNumber != 42 || o.Review == "" {
		t.Errorf("unexpected outcome %+v", o)
	}
}

func TestReviewStepsMemoizedOnReplay(t *testing.T) {
	h := newHarness(t)
	journal := dispatch.NewSQLJournal(h.db.Conn())
	bs := &blockingStore{DB: h.db, reached: make(chan struct{}, 1)}
	bs.block.Store(true)

	d1 := h.start(t, bs, dispatch.Options{Journal: journal})
	handle, err := d1.Emit(context.Background(), events.ReviewRequested, events.ReviewRequestedPayload{
		Owner: "acme", Repo: "widgets", PRNumber: 42, UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	select {
	case <-bs.reached:
	case <-time.After(5 * time.Second):
		t.Fatal("save-review never started")
	}
	if err := d1.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := handle.Wait(ctx); !errors.Is(err, dispatch.ErrStopped) {
		t.Fatalf("expected interrupted run, got %v", err)
	}

	bs.block.Store(false)
	broker := pubsub.NewBroker[dispatch.RunUpdate]()
	updates := broker.Subscribe(ctx)
	h.start(t, bs, dispatch.Options{Journal: journal, Broker: broker})
	waitForStatus(t, updates, handle.RunIDs[0], dispatch.RunCompleted)

	if got := len(h.gh.Posts()); got != 1 {
		t.Errorf("expected exactly 1 post across both executions, got %d", got)
	}
	if got := len(h.llm.Prompts()); got != 1 {
		t.Errorf("expected 1 completion across both executions, got %d", got)
	}
	if h.gh.fetches != 1 {
		t.Errorf("expected 1 PR fetch across both executions, got %d", h.gh.fetches)
	}
	if h.latest(t, 42).Status != store.ReviewCompleted {
		t.Error("expected the resumed run to persist the review")
	}
}

func waitForStatus(t *testing.T, updates <-chan pubsub.Event[dispatch.RunUpdate], runID string, want dispatch.RunStatus) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt := <-updates:
			if evt.Payload.RunID != runID {
				continue
			}
			if evt.Payload.Status == want {
				return
			}
			if evt.Type.Terminal() {
				t.Fatalf("run ended with %s (%s), want %s", evt.Payload.Status, evt.Payload.Error, want)
			}
		case <-timeout:
			t.Fatalf("timed out waiting for run %s to reach %s", runID, want)
		}
	}
}

func mustEmbed(t *testing.T, e *providertest.HashEmbedder, text string) []float32 {
	t.Helper()
	v, err := e.Embed(context.Background(), text)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	return v
}
