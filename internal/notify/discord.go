package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	discordColorCompleted = 3066993  // green
	discordColorFailed    = 15158332 // red

	discordFieldLimit = 1024
)

// DiscordNotifier sends review notifications to a Discord webhook.
type DiscordNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordNotifier creates a DiscordNotifier with the given webhook URL.
func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

type discordEmbed struct {
	Title       string         `json:"title"`
	URL         string         `json:"url"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Footer      *discordFooter `json:"footer,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordFooter struct {
	Text string `json:"text"`
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

// BuildDiscordPayload creates the embed message for a review outcome.
func BuildDiscordPayload(o Outcome) discordPayload {
	embed := discordEmbed{
		Title:       headline(o),
		URL:         o.PRURL,
		Description: fmt.Sprintf("#%d %s", o.PRNumber, o.PRTitle),
		Color:       discordColorCompleted,
		Footer:      &discordFooter{Text: "reviewbot - " + o.Repo},
	}
	if !o.At.IsZero() {
		embed.Timestamp = o.At.UTC().Format(time.RFC3339)
	}

	if o.Status == StatusFailed {
		embed.Color = discordColorFailed
		if o.Error != "" {
			embed.Fields = append(embed.Fields, discordField{Name: "Error", Value: Excerpt(o.Error, discordFieldLimit)})
		}
	} else if s := Summary(o.Review); s != "" {
		embed.Fields = append(embed.Fields, discordField{Name: "Summary", Value: Excerpt(s, discordFieldLimit)})
	}

	return discordPayload{Embeds: []discordEmbed{embed}}
}

// Notify posts the outcome to Discord.
func (d *DiscordNotifier) Notify(ctx context.Context, o Outcome) error {
	body, err := json.Marshal(BuildDiscordPayload(o))
	if err != nil {
		return fmt.Errorf("marshaling discord payload: %w", err)
	}
	return d.post(ctx, body)
}

func (d *DiscordNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("discord webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
