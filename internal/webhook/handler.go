// Package webhook serves the GitHub webhook endpoint that turns pull request
// activity into review requests.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	gogithub "github.com/google/go-github/v60/github"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jacklau/reviewbot/internal/dispatch"
	"github.com/jacklau/reviewbot/internal/events"
)

const (
	maxBodyBytes    = 25 << 20 // GitHub caps payloads at 25MB
	requestTimeout  = 2 * time.Minute
	signatureHeader = "X-Hub-Signature-256"
)

var errInvalidBody = errors.New("body is not valid JSON")

// Response messages.
const (
	msgPong      = "Pong"
	msgProcessed = "Event Processed"
	msgInternal  = "Internal Server Error"
	msgSignature = "Invalid signature"
)

var deliveries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "reviewbot_webhook_deliveries_total",
		Help: "Webhook deliveries by event and outcome",
	},
	[]string{"event", "outcome"},
)

// ReviewQueue accepts pull requests to review.
type ReviewQueue interface {
	RequestReview(ctx context.Context, owner, repo string, number int) (*dispatch.Handle, error)
}

// Handler handles GitHub webhook deliveries.
type Handler struct {
	queue  ReviewQueue
	secret []byte
	logger *slog.Logger

	wg sync.WaitGroup
}

// NewHandler creates a Handler. When secret is non-empty every delivery
// must carry a valid X-Hub-Signature-256.
func NewHandler(queue ReviewQueue, secret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{queue: queue, secret: []byte(secret), logger: logger}
}

type pullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Number int `json:"number"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	event := gogithub.WebHookType(r)
	logger := h.logger.With("event", event, "delivery", gogithub.DeliveryID(r))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || !json.Valid(body) {
		logger.Error("error processing webhook", "error", errOrInvalid(err))
		h.reply(w, event, "error", http.StatusInternalServerError, msgInternal)
		return
	}
	if len(h.secret) > 0 {
		if err := gogithub.ValidateSignature(r.Header.Get(signatureHeader), body, h.secret); err != nil {
			logger.Warn("rejecting webhook with bad signature", "error", err)
			h.reply(w, event, "unauthorized", http.StatusUnauthorized, msgSignature)
			return
		}
	}
	logger.Info("received GitHub event")

	switch strings.ToLower(event) {
	case "ping":
		h.reply(w, event, "pong", http.StatusOK, msgPong)
		return
	case "pull_request":
		var ev pullRequestEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			logger.Error("error processing webhook", "error", err)
			h.reply(w, event, "error", http.StatusInternalServerError, msgInternal)
			return
		}
		if ev.Action == "opened" || ev.Action == "synchronize" {
			owner, repo, err := events.SplitFullName(ev.Repository.FullName)
			number := ev.Number
			if number == 0 {
				number = ev.PullRequest.Number
			}
			if err != nil || number <= 0 {
				logger.Error("error processing webhook", "error", errOrInvalid(err), "number", number)
				h.reply(w, event, "error", http.StatusInternalServerError, msgInternal)
				return
			}
			h.enqueue(r.Context(), logger, owner, repo, number)
			h.reply(w, event, "queued", http.StatusOK, msgProcessed)
			return
		}
	}
	h.reply(w, event, "ignored", http.StatusOK, msgProcessed)
}

// enqueue requests the review in the background; GitHub only waits ten
// seconds for a response.
func (h *Handler) enqueue(parent context.Context, logger *slog.Logger, owner, repo string, number int) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), requestTimeout)
		defer cancel()
		if _, err := h.queue.RequestReview(ctx, owner, repo, number); err != nil {
			logger.Error("review request failed", "repo", events.Namespace(owner, repo), "pr", number, "error", err)
			return
		}
		logger.Info("review queued", "repo", events.Namespace(owner, repo), "pr", number)
	}()
}

// Wait blocks until every background review request has returned.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) reply(w http.ResponseWriter, event, outcome string, status int, msg string) {
	label := strings.ToLower(event)
	if label != "ping" && label != "pull_request" {
		label = "other"
	}
	deliveries.WithLabelValues(label, outcome).Inc()
	writeJSON(w, status, map[string]string{"message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func errOrInvalid(err error) error {
	if err != nil {
		return err
	}
	return errInvalidBody
}
