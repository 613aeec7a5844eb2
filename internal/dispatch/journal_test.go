package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/jacklau/reviewbot/internal/store"
)

func journals(t *testing.T) map[string]Journal {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return map[string]Journal{
		"memory": NewMemoryJournal(),
		"sql":    NewSQLJournal(db.Conn()),
	}
}

func TestJournal(t *testing.T) {
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			for i, id := range []string{"r1", "r2", "r3"} {
				rec := RunRecord{
					ID: id, FunctionID: "review-pr", Event: "pr.review.requested",
					Payload: json.RawMessage(`{"prNumber":42}`), Status: RunQueued,
					CreatedAt: base.Add(time.Duration(i) * time.Minute), UpdatedAt: base,
				}
				if err := j.CreateRun(ctx, rec); err != nil {
					t.Fatalf("CreateRun(%s): %v", id, err)
				}
			}

			if err := j.UpdateRunStatus(ctx, "r1", RunCompleted, ""); err != nil {
				t.Fatalf("UpdateRunStatus: %v", err)
			}
			if err := j.UpdateRunStatus(ctx, "r2", RunRunning, ""); err != nil {
				t.Fatalf("UpdateRunStatus: %v", err)
			}
			if err := j.UpdateRunStatus(ctx, "missing", RunFailed, "x"); !errors.Is(err, ErrRunNotFound) {
				t.Errorf("expected ErrRunNotFound, got %v", err)
			}

			pending, err := j.PendingRuns(ctx)
			if err != nil {
				t.Fatalf("PendingRuns: %v", err)
			}
			var ids []string
			for _, r := range pending {
				ids = append(ids, r.ID)
			}
			if diff := cmp.Diff([]string{"r2", "r3"}, ids); diff != "" {
				t.Errorf("pending mismatch (-want +got):\n%s", diff)
			}

			recent, err := j.RecentRuns(ctx, 2)
			if err != nil {
				t.Fatalf("RecentRuns: %v", err)
			}
			if len(recent) != 2 || recent[0].ID != "r3" || recent[1].ID != "r2" {
				t.Errorf("unexpected recent runs %+v", recent)
			}

			got, err := j.GetRun(ctx, "r1")
			if err != nil {
				t.Fatalf("GetRun: %v", err)
			}
			if got.Status != RunCompleted || string(got.Payload) != `{"prNumber":42}` {
				t.Errorf("unexpected run %+v", got)
			}
			if _, err := j.GetRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
				t.Errorf("expected ErrRunNotFound, got %v", err)
			}

			if err := j.SaveStep(ctx, "r2", "fetch-pr-data", json.RawMessage(`{"title":"Fix"}`)); err != nil {
				t.Fatalf("SaveStep: %v", err)
			}
			if err := j.SaveStep(ctx, "r2", "fetch-pr-data", json.RawMessage(`{"title":"Fix 2"}`)); err != nil {
				t.Fatalf("SaveStep overwrite: %v", err)
			}
			steps, err := j.LoadSteps(ctx, "r2")
			if err != nil {
				t.Fatalf("LoadSteps: %v", err)
			}
			if len(steps) != 1 || string(steps["fetch-pr-data"]) != `{"title":"Fix 2"}` {
				t.Errorf("unexpected steps %v", steps)
			}
			if steps, _ := j.LoadSteps(ctx, "r3"); len(steps) != 0 {
				t.Errorf("expected no steps for r3, got %v", steps)
			}
		})
	}
}

func TestJournal_ClaimRun(t *testing.T) {
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			for _, id := range []string{"r1", "done"} {
				if err := j.CreateRun(ctx, RunRecord{
					ID: id, FunctionID: "review-pr", Event: "pr.review.requested",
					Payload: json.RawMessage(`{}`), Status: RunQueued, CreatedAt: now, UpdatedAt: now,
				}); err != nil {
					t.Fatalf("CreateRun: %v", err)
				}
			}

			claim := func(owner string, at time.Time) bool {
				t.Helper()
				ok, err := j.ClaimRun(ctx, "r1", owner, at, at.Add(time.Minute))
				if err != nil {
					t.Fatalf("ClaimRun(%s): %v", owner, err)
				}
				return ok
			}

			if !claim("a", now) {
				t.Fatal("an unowned queued run should be claimable")
			}
			rec, _ := j.GetRun(ctx, "r1")
			if rec.Status != RunRunning || rec.Owner != "a" || !rec.LeaseUntil.Equal(now.Add(time.Minute)) {
				t.Errorf("unexpected claimed run %+v", rec)
			}
			if claim("b", now.Add(30*time.Second)) {
				t.Error("a live lease must not be claimed by another owner")
			}
			if !claim("a", now.Add(30*time.Second)) {
				t.Error("the holder should be able to reclaim its run")
			}

			if ok, err := j.RenewLease(ctx, "r1", "a", now.Add(5*time.Minute)); err != nil || !ok {
				t.Fatalf("RenewLease = %v, %v", ok, err)
			}
			if ok, _ := j.RenewLease(ctx, "r1", "b", now.Add(5*time.Minute)); ok {
				t.Error("only the holder may renew a lease")
			}
			if claim("b", now.Add(4*time.Minute)) {
				t.Error("a renewed lease must not be claimed")
			}
			if !claim("b", now.Add(6*time.Minute)) {
				t.Error("an expired lease should be claimable")
			}
			if ok, _ := j.RenewLease(ctx, "r1", "a", now.Add(10*time.Minute)); ok {
				t.Error("the previous holder should have lost its lease")
			}

			if err := j.ReleaseRun(ctx, "r1", "a"); err != nil {
				t.Fatalf("ReleaseRun: %v", err)
			}
			if rec, _ := j.GetRun(ctx, "r1"); rec.Owner != "b" {
				t.Errorf("release by a non-holder changed the owner to %q", rec.Owner)
			}
			if err := j.ReleaseRun(ctx, "r1", "b"); err != nil {
				t.Fatalf("ReleaseRun: %v", err)
			}
			if !claim("c", now.Add(6*time.Minute)) {
				t.Error("a released run should be claimable")
			}

			if err := j.UpdateRunStatus(ctx, "done", RunCompleted, ""); err != nil {
				t.Fatalf("UpdateRunStatus: %v", err)
			}
			if ok, err := j.ClaimRun(ctx, "done", "a", now, now.Add(time.Minute)); err != nil || ok {
				t.Errorf("a completed run must not be claimed, got %v, %v", ok, err)
			}
		})
	}
}
