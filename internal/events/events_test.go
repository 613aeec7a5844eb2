package events

import (
	"errors"
	"testing"
)

func TestDecodeReviewRequested(t *testing.T) {
	p, err := Decode[ReviewRequestedPayload]([]byte(`{"owner":"acme","repo":"widgets","prNumber":42,"userId":"u1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Owner != "acme" || p.Repo != "widgets" || p.PRNumber != 42 || p.UserID != "u1" {
		t.Errorf("unexpected payload: %+v", p)
	}
	if p.Namespace() != "acme/widgets" {
		t.Errorf("expected namespace acme/widgets, got %q", p.Namespace())
	}
	if p.PRURL() != "https://github.com/acme/widgets/pull/42" {
		t.Errorf("unexpected PR URL %q", p.PRURL())
	}
	if p.EventName() != ReviewRequested {
		t.Errorf("unexpected event name %q", p.EventName())
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "malformed json", raw: `{"owner":`},
		{name: "missing owner", raw: `{"repo":"widgets","prNumber":1,"userId":"u1"}`},
		{name: "zero pr number", raw: `{"owner":"acme","repo":"widgets","userId":"u1"}`},
		{name: "string pr number", raw: `{"owner":"acme","repo":"widgets","prNumber":"42","userId":"u1"}`},
		{name: "blank user", raw: `{"owner":"acme","repo":"widgets","prNumber":3,"userId":"  "}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode[ReviewRequestedPayload]([]byte(tc.raw))
			if !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("expected ErrInvalidPayload, got %v", err)
			}
		})
	}
}

func TestDecodeRepositoryConnected(t *testing.T) {
	p, err := Decode[RepositoryConnectedPayload]([]byte(`{"owner":"acme","repo":"widgets","userId":"u1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Namespace() != "acme/widgets" {
		t.Errorf("expected namespace acme/widgets, got %q", p.Namespace())
	}

	_, err = Decode[RepositoryConnectedPayload]([]byte(`{"owner":"acme"}`))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if want := "invalid event payload: missing repo, userId"; err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestSplitFullName(t *testing.T) {
	tests := []struct {
		in        string
		owner     string
		repo      string
		expectErr bool
	}{
		{in: "acme/widgets", owner: "acme", repo: "widgets"},
		{in: "acme", expectErr: true},
		{in: "/widgets", expectErr: true},
		{in: "acme/", expectErr: true},
		{in: "a/b/c", expectErr: true},
	}
	for _, tc := range tests {
		owner, repo, err := SplitFullName(tc.in)
		if tc.expectErr {
			if err == nil {
				t.Errorf("SplitFullName(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("SplitFullName(%q): unexpected error %v", tc.in, err)
			continue
		}
		if owner != tc.owner || repo != tc.repo {
			t.Errorf("SplitFullName(%q) = %q, %q", tc.in, owner, repo)
		}
	}
}
