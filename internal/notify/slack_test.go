package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func completedOutcome() Outcome {
	return Outcome{
		Repo:     "acme/widgets",
		PRNumber: 42,
		PRTitle:  "Fix null check",
		PRURL:    "https://github.com/acme/widgets/pull/42",
		Status:   StatusCompleted,
		Review:   "## Summary\nTightens the nil handling.\n\n## Walkthrough\n- main.go",
		At:       time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestBuildSlackPayload_Completed(t *testing.T) {
	payload := BuildSlackPayload(completedOutcome())

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	var parsed struct {
		Text   string `json:"text"`
		Blocks []struct {
			Type string `json:"type"`
			Text struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"text"`
		} `json:"blocks"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}

	if parsed.Text != "Review posted on acme/widgets#42" {
		t.Errorf("unexpected fallback text %q", parsed.Text)
	}
	if len(parsed.Blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(parsed.Blocks))
	}
	if parsed.Blocks[0].Type != "header" || !strings.Contains(parsed.Blocks[0].Text.Text, "Review posted") {
		t.Errorf("unexpected header %+v", parsed.Blocks[0])
	}
	if !strings.Contains(parsed.Blocks[1].Text.Text, "<https://github.com/acme/widgets/pull/42|#42 Fix null check>") {
		t.Errorf("unexpected link block %q", parsed.Blocks[1].Text.Text)
	}
	if parsed.Blocks[2].Text.Text != "*Summary:*\nTightens the nil handling." {
		t.Errorf("unexpected summary block %q", parsed.Blocks[2].Text.Text)
	}
}

func TestBuildSlackPayload_Failed(t *testing.T) {
	o := completedOutcome()
	o.Status = StatusFailed
	o.Review = ""
	o.Error = "no GitHub access token found for this user"

	payload := BuildSlackPayload(o)
	if len(payload.Blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(payload.Blocks))
	}
	if !strings.Contains(payload.Blocks[0].Text.Text, "Review failed") {
		t.Errorf("unexpected header %q", payload.Blocks[0].Text.Text)
	}
	if !strings.Contains(payload.Blocks[2].Text.Text, "no GitHub access token") {
		t.Errorf("expected error block, got %q", payload.Blocks[2].Text.Text)
	}
}

func TestSlackNotifier_Notify_Success(t *testing.T) {
	var received atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected Content-Type application/json, got %q", r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "acme/widgets#42") {
			t.Errorf("body missing PR reference: %s", body)
		}
		received.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, nil)
	if err := n.Notify(context.Background(), completedOutcome()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !received.Load() {
		t.Error("expected webhook to be called")
	}
}

func TestSlackNotifier_Notify_RetriesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, nil)
	if err := n.Notify(context.Background(), completedOutcome()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestSlackNotifier_Notify_HTTPError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("invalid_token"))
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, nil)
	err := n.Notify(context.Background(), completedOutcome())
	if err == nil || !strings.Contains(err.Error(), "invalid_token") {
		t.Fatalf("expected error with response body, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls (original + retry), got %d", calls.Load())
	}
}

func TestSlackNotifier_Notify_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := NewSlackNotifier(srv.URL, nil)
	if err := n.Notify(ctx, completedOutcome()); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
