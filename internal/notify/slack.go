package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// slackSectionLimit is Slack's maximum text length of a section block.
const slackSectionLimit = 3000

// SlackNotifier sends review notifications to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	logger     *slog.Logger
}

// NewSlackNotifier creates a SlackNotifier with the given webhook URL.
func NewSlackNotifier(webhookURL string, logger *slog.Logger) *SlackNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackPayload struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

// BuildSlackPayload creates the Block Kit message for a review outcome.
func BuildSlackPayload(o Outcome) slackPayload {
	title := headline(o)
	link := fmt.Sprintf("*<%s|#%d %s>*", o.PRURL, o.PRNumber, o.PRTitle)

	blocks := []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: StatusEmoji(o.Status) + " " + title}},
		{Type: "section", Text: &slackText{Type: "mrkdwn", Text: ":link: " + link}},
	}

	if o.Status == StatusFailed && o.Error != "" {
		blocks = append(blocks, slackBlock{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: "*Error:*\n" + Excerpt(o.Error, slackSectionLimit-16)},
		})
	} else if s := Summary(o.Review); s != "" {
		blocks = append(blocks, slackBlock{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: "*Summary:*\n" + Excerpt(s, slackSectionLimit-16)},
		})
	}

	return slackPayload{Text: title, Blocks: blocks}
}

// Notify posts the outcome to Slack. It retries once on failure.
func (s *SlackNotifier) Notify(ctx context.Context, o Outcome) error {
	body, err := json.Marshal(BuildSlackPayload(o))
	if err != nil {
		return fmt.Errorf("marshaling slack payload: %w", err)
	}

	if err := s.post(ctx, body); err != nil {
		s.logger.Warn("slack notify failed, retrying", "error", err)
		if err := s.post(ctx, body); err != nil {
			return fmt.Errorf("slack notify failed after retry: %w", err)
		}
	}
	return nil
}

func (s *SlackNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
