package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestRepo(t *testing.T, db *DB, owner, name, user string) *Repository {
	t.Helper()
	repo, err := db.CreateRepository(context.Background(), &Repository{Owner: owner, Name: name, UserID: user, GitHubID: 1001})
	if err != nil {
		t.Fatalf("CreateRepository failed: %v", err)
	}
	return repo
}

func TestMigration(t *testing.T) {
	db := setupTestDB(t)

	var version int
	err := db.Conn().QueryRow("PRAGMA user_version").Scan(&version)
	if err != nil {
		t.Fatalf("failed to read user_version: %v", err)
	}
	if version != currentVersion {
		t.Errorf("expected user_version %d, got %d", currentVersion, version)
	}

	for _, table := range []string{"repositories", "reviews", "accounts", "workflow_runs", "workflow_steps", "vectors", "poll_state", "pr_snapshots"} {
		var name string
		err := db.Conn().QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("expected table %s: %v", table, err)
		}
	}
}

func TestRepositoriesCRUD(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	repo := createTestRepo(t, db, "acme", "widgets", "u1")
	if repo.ID == 0 {
		t.Error("expected non-zero repository ID")
	}
	if repo.FullName != "acme/widgets" {
		t.Errorf("expected full name acme/widgets, got %q", repo.FullName)
	}
	if repo.URL != "https://github.com/acme/widgets" {
		t.Errorf("unexpected URL %q", repo.URL)
	}

	got, err := db.GetRepositoryByName(ctx, "acme", "widgets")
	if err != nil {
		t.Fatalf("GetRepositoryByName failed: %v", err)
	}
	if got.ID != repo.ID || got.UserID != "u1" || got.GitHubID != 1001 {
		t.Errorf("unexpected repository: %+v", got)
	}

	if err := db.SetWebhookID(ctx, repo.ID, 77); err != nil {
		t.Fatalf("SetWebhookID failed: %v", err)
	}
	got, _ = db.GetRepository(ctx, repo.ID)
	if got.WebhookID != 77 {
		t.Errorf("expected webhook id 77, got %d", got.WebhookID)
	}

	createTestRepo(t, db, "acme", "gadgets", "u1")
	createTestRepo(t, db, "other", "thing", "u2")

	mine, err := db.ListRepositories(ctx, "u1")
	if err != nil {
		t.Fatalf("ListRepositories failed: %v", err)
	}
	if len(mine) != 2 {
		t.Errorf("expected 2 repositories for u1, got %d", len(mine))
	}
	all, _ := db.ListRepositories(ctx, "")
	if len(all) != 3 {
		t.Errorf("expected 3 repositories total, got %d", len(all))
	}

	n, err := db.CountRepositories(ctx, "u1")
	if err != nil || n != 2 {
		t.Errorf("CountRepositories = %d, %v; want 2", n, err)
	}
}

func TestRepositoryDuplicate(t *testing.T) {
	db := setupTestDB(t)
	createTestRepo(t, db, "acme", "widgets", "u1")

	_, err := db.CreateRepository(context.Background(), &Repository{Owner: "acme", Name: "widgets", UserID: "u1"})
	if err == nil {
		t.Error("expected error on duplicate repository, got nil")
	}
}

func TestRepositoryNotFound(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.GetRepositoryByName(context.Background(), "ghost", "repo")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := db.DeleteRepository(context.Background(), 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting missing repository, got %v", err)
	}
}

func TestDeleteRepositoryCascadesReviews(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := createTestRepo(t, db, "acme", "widgets", "u1")

	_, err := db.CreateReview(ctx, &Review{RepositoryID: repo.ID, PRNumber: 1, PRTitle: "t", PRURL: "u", Body: "b", Status: ReviewCompleted})
	if err != nil {
		t.Fatalf("CreateReview failed: %v", err)
	}

	if err := db.DeleteRepository(ctx, repo.ID); err != nil {
		t.Fatalf("DeleteRepository failed: %v", err)
	}

	var n int
	if err := db.Conn().QueryRow(`SELECT COUNT(*) FROM reviews`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected reviews to cascade, %d left", n)
	}
}

func TestReviewsLatestIsAuthoritative(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := createTestRepo(t, db, "acme", "widgets", "u1")

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := db.CreateReview(ctx, &Review{
		RepositoryID: repo.ID, PRNumber: 42, PRTitle: "Failed to fetch PR",
		PRURL: "https://github.com/acme/widgets/pull/42", Body: "Error: boom",
		Status: ReviewFailed, CreatedAt: base,
	})
	if err != nil {
		t.Fatalf("CreateReview failed: %v", err)
	}
	_, err = db.CreateReview(ctx, &Review{
		RepositoryID: repo.ID, PRNumber: 42, PRTitle: "Add widgets",
		PRURL: "https://github.com/acme/widgets/pull/42", Body: "## Summary",
		Status: ReviewCompleted, CreatedAt: base.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("CreateReview failed: %v", err)
	}

	latest, err := db.LatestReview(ctx, repo.ID, 42)
	if err != nil {
		t.Fatalf("LatestReview failed: %v", err)
	}
	if latest.Status != ReviewCompleted || latest.Body != "## Summary" {
		t.Errorf("expected completed review to be latest, got %+v", latest)
	}
	if !latest.CreatedAt.Equal(base.Add(time.Second)) {
		t.Errorf("expected created_at round trip, got %v", latest.CreatedAt)
	}

	list, err := db.ListReviews(ctx, repo.ID, 10)
	if err != nil {
		t.Fatalf("ListReviews failed: %v", err)
	}
	if len(list) != 2 || list[0].Status != ReviewCompleted || list[1].Status != ReviewFailed {
		t.Errorf("expected newest first, got %+v", list)
	}

	if _, err := db.LatestReview(ctx, repo.ID, 7); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown PR, got %v", err)
	}
}

func TestReviewDefaultsToPending(t *testing.T) {
	db := setupTestDB(t)
	repo := createTestRepo(t, db, "acme", "widgets", "u1")

	r, err := db.CreateReview(context.Background(), &Review{RepositoryID: repo.ID, PRNumber: 1, PRTitle: "t", PRURL: "u"})
	if err != nil {
		t.Fatalf("CreateReview failed: %v", err)
	}
	if r.Status != ReviewPending {
		t.Errorf("expected pending status, got %q", r.Status)
	}
}

func TestReviewRequiresRepository(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.CreateReview(context.Background(), &Review{RepositoryID: 404, PRNumber: 1, PRTitle: "t", PRURL: "u"})
	if err == nil {
		t.Error("expected foreign key error for missing repository")
	}
}

func TestCountReviewsAndTimes(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	mine := createTestRepo(t, db, "acme", "widgets", "u1")
	theirs := createTestRepo(t, db, "other", "thing", "u2")

	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	for i, repo := range []*Repository{mine, mine, theirs} {
		_, err := db.CreateReview(ctx, &Review{
			RepositoryID: repo.ID, PRNumber: i + 1, PRTitle: "t", PRURL: "u", Body: "b",
			Status: ReviewCompleted, CreatedAt: now.AddDate(0, -i, 0),
		})
		if err != nil {
			t.Fatalf("CreateReview failed: %v", err)
		}
	}

	n, err := db.CountReviews(ctx, "u1")
	if err != nil || n != 2 {
		t.Errorf("CountReviews = %d, %v; want 2", n, err)
	}

	times, err := db.ReviewTimesSince(ctx, "u1", now.AddDate(0, 0, -7))
	if err != nil {
		t.Fatalf("ReviewTimesSince failed: %v", err)
	}
	if len(times) != 1 || !times[0].Equal(now) {
		t.Errorf("expected one review time %v, got %v", now, times)
	}
}

func TestAccounts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if _, err := db.GetAccessToken(ctx, "u1"); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential for missing account, got %v", err)
	}

	if err := db.UpsertAccount(ctx, &Account{UserID: "u1", AccessToken: "gho_first", Login: "octo"}); err != nil {
		t.Fatalf("UpsertAccount failed: %v", err)
	}
	if err := db.UpsertAccount(ctx, &Account{UserID: "u1", AccessToken: "gho_second", Login: "octo"}); err != nil {
		t.Fatalf("UpsertAccount failed: %v", err)
	}

	token, err := db.GetAccessToken(ctx, "u1")
	if err != nil {
		t.Fatalf("GetAccessToken failed: %v", err)
	}
	if token != "gho_second" {
		t.Errorf("expected replaced token, got %q", token)
	}

	acct, err := db.GetAccount(ctx, "u1", ProviderGitHub)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.Login != "octo" {
		t.Errorf("expected login octo, got %q", acct.Login)
	}

	if err := db.UpsertAccount(ctx, &Account{UserID: "u2", AccessToken: ""}); err != nil {
		t.Fatalf("UpsertAccount failed: %v", err)
	}
	if _, err := db.GetAccessToken(ctx, "u2"); !errors.Is(err, ErrNoCredential) {
		t.Errorf("expected ErrNoCredential for empty token, got %v", err)
	}

	if err := db.DeleteAccount(ctx, "u1", ProviderGitHub); err != nil {
		t.Fatalf("DeleteAccount failed: %v", err)
	}
	if _, err := db.GetAccessToken(ctx, "u1"); !errors.Is(err, ErrNoCredential) {
		t.Errorf("expected ErrNoCredential after delete, got %v", err)
	}
}

func TestPollStateAndSnapshots(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	st, err := db.GetPollState(ctx, "acme", "widgets")
	if err != nil {
		t.Fatalf("GetPollState failed: %v", err)
	}
	if st.ETag != "" || st.LastPolledAt != nil {
		t.Errorf("expected empty poll state, got %+v", st)
	}

	polled := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := db.UpdatePollState(ctx, "acme", "widgets", `W/"abc"`, polled); err != nil {
		t.Fatalf("UpdatePollState failed: %v", err)
	}
	st, _ = db.GetPollState(ctx, "acme", "widgets")
	if st.ETag != `W/"abc"` || st.LastPolledAt == nil || !st.LastPolledAt.Equal(polled) {
		t.Errorf("unexpected poll state %+v", st)
	}

	sha, err := db.GetPRHead(ctx, "acme", "widgets", 42)
	if err != nil || sha != "" {
		t.Fatalf("GetPRHead = %q, %v; want empty", sha, err)
	}
	if err := db.SetPRHead(ctx, "acme", "widgets", 42, "deadbeef"); err != nil {
		t.Fatalf("SetPRHead failed: %v", err)
	}
	if err := db.SetPRHead(ctx, "acme", "widgets", 42, "cafebabe"); err != nil {
		t.Fatalf("SetPRHead failed: %v", err)
	}
	sha, _ = db.GetPRHead(ctx, "acme", "widgets", 42)
	if sha != "cafebabe" {
		t.Errorf("expected updated head sha, got %q", sha)
	}
}
