package github

import (
	"net/http"
	"strconv"
	"time"
)

const (
	// throttleThreshold is the remaining request count below which the poller
	// skips a cycle.
	throttleThreshold = 100

	// defaultRateLimitWait applies when a limited response carries no timing.
	defaultRateLimitWait = 60 * time.Second
)

// RateLimit is the quota reported by a GitHub API response.
type RateLimit struct {
	Remaining int
	Reset     time.Time
}

// ParseRateLimit reads the X-RateLimit headers. It returns nil when neither
// header is present.
func ParseRateLimit(resp *http.Response) *RateLimit {
	if resp == nil {
		return nil
	}
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	reset := resp.Header.Get("X-RateLimit-Reset")
	if remaining == "" && reset == "" {
		return nil
	}

	rl := &RateLimit{Remaining: -1}
	if n, err := strconv.Atoi(remaining); err == nil {
		rl.Remaining = n
	}
	if unix, err := strconv.ParseInt(reset, 10, 64); err == nil {
		rl.Reset = time.Unix(unix, 0)
	}
	return rl
}

// Low reports whether the remaining quota is below the throttle threshold.
func (r *RateLimit) Low() bool {
	return r != nil && r.Remaining >= 0 && r.Remaining < throttleThreshold
}

// Exhausted reports whether no requests remain.
func (r *RateLimit) Exhausted() bool {
	return r != nil && r.Remaining == 0
}

// UntilReset returns the time left before the quota resets, or zero.
func (r *RateLimit) UntilReset() time.Duration {
	if r == nil || r.Reset.IsZero() {
		return 0
	}
	if d := time.Until(r.Reset); d > 0 {
		return d
	}
	return 0
}

// IsRateLimitError reports whether resp is a rate limit rejection. A 429 always
// is; a 403 only when the quota is exhausted or the server asks to retry later,
// since GitHub also uses 403 for missing permissions.
func IsRateLimitError(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
		return ParseRateLimit(resp).Exhausted() || resp.Header.Get("Retry-After") != ""
	}
	return false
}

// RetryAfter returns how long to wait after a rate limited response, taken
// from the reset header, then Retry-After, then a fixed fallback.
func RetryAfter(resp *http.Response) time.Duration {
	if d := ParseRateLimit(resp).UntilReset(); d > 0 {
		return d
	}
	if resp != nil {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultRateLimitWait
}

// IsNotModified reports a 304, which does not count against the quota.
func IsNotModified(resp *http.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusNotModified
}
