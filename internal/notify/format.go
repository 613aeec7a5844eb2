package notify

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Excerpt shortens text to at most max runes, cutting at a line or word
// boundary where possible and appending an ellipsis.
func Excerpt(text string, max int) string {
	text = strings.TrimSpace(text)
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	cut := string(runes[:max-1])
	if i := strings.LastIndexAny(cut, "\n "); i > max/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " \n") + "…"
}

// Summary returns the body of the review's Summary section, or the start of
// the review when it has none.
func Summary(review string) string {
	lines := strings.Split(review, "\n")
	start := -1
	for i, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "#") && strings.Contains(strings.ToLower(l), "summary") {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return strings.TrimSpace(review)
	}
	var out []string
	for _, l := range lines[start:] {
		if strings.HasPrefix(strings.TrimSpace(l), "#") {
			break
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// StatusEmoji returns a marker for the outcome status.
func StatusEmoji(status string) string {
	switch status {
	case StatusCompleted:
		return "✅"
	case StatusFailed:
		return "❌"
	default:
		return "❔"
	}
}

// TimeAgo returns a human-readable relative time string.
func TimeAgo(t time.Time) string {
	d := time.Since(t)

	switch {
	case d < time.Minute:
		secs := int(d.Seconds())
		if secs <= 1 {
			return "just now"
		}
		return fmt.Sprintf("%d sec ago", secs)
	case d < time.Hour:
		mins := int(d.Minutes())
		if mins == 1 {
			return "1 min ago"
		}
		return fmt.Sprintf("%d min ago", mins)
	case d < 24*time.Hour:
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}
