// Package events defines the named events that drive workflow runs and
// their typed payloads.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Event names.
const (
	RepositoryConnected = "repository.connected"
	ReviewRequested     = "pr.review.requested"
)

// ErrInvalidPayload is returned when an event payload fails to parse or validate.
var ErrInvalidPayload = errors.New("invalid event payload")

// Payload is implemented by every typed event payload.
type Payload interface {
	EventName() string
	Validate() error
}

// RepositoryConnectedPayload triggers indexing of a newly connected repository.
type RepositoryConnectedPayload struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	UserID string `json:"userId"`
}

// EventName implements Payload.
func (RepositoryConnectedPayload) EventName() string { return RepositoryConnected }

// Validate implements Payload.
func (p RepositoryConnectedPayload) Validate() error {
	return requireFields(map[string]string{"owner": p.Owner, "repo": p.Repo, "userId": p.UserID})
}

// Namespace returns the vector namespace of the repository.
func (p RepositoryConnectedPayload) Namespace() string { return Namespace(p.Owner, p.Repo) }

// ReviewRequestedPayload triggers a review of a single pull request.
type ReviewRequestedPayload struct {
	Owner    string `json:"owner"`
	Repo     string `json:"repo"`
	PRNumber int    `json:"prNumber"`
	UserID   string `json:"userId"`
}

// EventName implements Payload.
func (ReviewRequestedPayload) EventName() string { return ReviewRequested }

// Validate implements Payload.
func (p ReviewRequestedPayload) Validate() error {
	if err := requireFields(map[string]string{"owner": p.Owner, "repo": p.Repo, "userId": p.UserID}); err != nil {
		return err
	}
	if p.PRNumber <= 0 {
		return fmt.Errorf("%w: prNumber must be positive, got %d", ErrInvalidPayload, p.PRNumber)
	}
	return nil
}

// Namespace returns the vector namespace of the repository.
func (p ReviewRequestedPayload) Namespace() string { return Namespace(p.Owner, p.Repo) }

// PRURL returns the web URL of the pull request.
func (p ReviewRequestedPayload) PRURL() string {
	return fmt.Sprintf("https://github.com/%s/%s/pull/%d", p.Owner, p.Repo, p.PRNumber)
}

// Namespace returns the vector index namespace for a repository.
func Namespace(owner, repo string) string {
	return owner + "/" + repo
}

// SplitFullName splits "owner/repo" into its parts.
func SplitFullName(fullName string) (owner, repo string, err error) {
	owner, repo, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("%w: repository full name %q is not owner/repo", ErrInvalidPayload, fullName)
	}
	return owner, repo, nil
}

// Decode parses raw JSON into a payload of type T and validates it.
func Decode[T Payload](raw []byte) (T, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func requireFields(fields map[string]string) error {
	var missing []string
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("%w: missing %s", ErrInvalidPayload, strings.Join(missing, ", "))
	}
	return nil
}
