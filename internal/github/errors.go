package github

import (
	"errors"
	"fmt"
	"net/http"

	gogithub "github.com/google/go-github/v60/github"

	"github.com/jacklau/reviewbot/internal/retry"
)

var (
	// ErrNotFound is returned for missing repositories, pull requests and hooks.
	ErrNotFound = errors.New("not found on GitHub")
	// ErrBinaryFile is returned by FetchFile for content that is not text.
	ErrBinaryFile = errors.New("binary file")
	// ErrNoToken is returned when neither a user token nor an app client is available.
	ErrNoToken = errors.New("no GitHub token available")
)

// classify wraps a go-github error so the caller's retry policy does the
// right thing: missing resources, validation failures and authorization
// failures are permanent, rate limits and server errors are retried.
func classify(op string, resp *gogithub.Response, err error) error {
	if err == nil {
		return nil
	}

	var rateErr *gogithub.RateLimitError
	var abuseErr *gogithub.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return fmt.Errorf("%s: rate limited: %w", op, err)
	}

	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}
	switch {
	case status == http.StatusNotFound:
		return retry.Permanent(fmt.Errorf("%s: %w: %v", op, ErrNotFound, err))
	case status == http.StatusUnprocessableEntity:
		return retry.Permanent(fmt.Errorf("%s: %w", op, err))
	case (status == http.StatusUnauthorized || status == http.StatusForbidden) && !IsRateLimitError(resp.Response):
		return retry.Permanent(fmt.Errorf("%s: %w", op, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}
