package github

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	gogithub "github.com/google/go-github/v60/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/jacklau/reviewbot/internal/retry"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxFileBytes = 512 * 1024
)

// Options configures a Client.
type Options struct {
	// BaseURL overrides the REST endpoint (GitHub Enterprise or tests).
	BaseURL string
	// GraphQLURL overrides the GraphQL endpoint.
	GraphQLURL string
	// WebhookURL is where created hooks deliver events.
	WebhookURL    string
	WebhookSecret string
	Timeout       time.Duration
	MaxFileBytes  int
	// App is used for calls made without a user token.
	App    *gogithub.Client
	Logger *slog.Logger
}

// Client talks to GitHub on behalf of a user. Every call takes the user's
// access token; there is no shared authenticated state.
type Client struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = defaultMaxFileBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{opts: opts, logger: opts.Logger}
}

func (c *Client) httpClient(token string) *http.Client {
	hc := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	hc.Timeout = c.opts.Timeout
	return hc
}

// rest returns a REST client authenticated with token, or the app client
// when token is empty.
func (c *Client) rest(token string) (*gogithub.Client, error) {
	if token == "" {
		if c.opts.App != nil {
			return c.opts.App, nil
		}
		return nil, retry.Permanent(ErrNoToken)
	}
	gh := gogithub.NewClient(c.httpClient(token))
	if c.opts.BaseURL != "" {
		base := c.opts.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("parsing GitHub base URL: %w", err))
		}
		gh.BaseURL = u
	}
	return gh, nil
}

func (c *Client) graphql(token string) (*githubv4.Client, error) {
	if token == "" {
		return nil, retry.Permanent(ErrNoToken)
	}
	if c.opts.GraphQLURL != "" {
		return githubv4.NewEnterpriseClient(c.opts.GraphQLURL, c.httpClient(token)), nil
	}
	return githubv4.NewClient(c.httpClient(token)), nil
}

// NewAppClient creates a GitHub API client authenticated as a GitHub App
// installation. It uses ghinstallation for automatic JWT and installation
// token management.
//
// privateKey can be either:
//   - Raw PEM bytes (begins with "-----BEGIN")
//   - Base64-encoded PEM bytes
//
// If privateKey is nil or empty and privateKeyPath is provided, the key is
// read from that file path.
func NewAppClient(appID, installationID int64, privateKey []byte, privateKeyPath string) (*gogithub.Client, error) {
	key, err := resolvePrivateKey(privateKey, privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("resolving private key: %w", err)
	}

	transport, err := ghinstallation.New(http.DefaultTransport, appID, installationID, key)
	if err != nil {
		return nil, fmt.Errorf("creating installation transport: %w", err)
	}

	return gogithub.NewClient(&http.Client{Transport: transport}), nil
}

// resolvePrivateKey returns PEM-encoded private key bytes from either the
// provided raw/base64-encoded key or by reading from a file path.
func resolvePrivateKey(key []byte, keyPath string) ([]byte, error) {
	if len(key) > 0 {
		s := strings.TrimSpace(string(key))
		if strings.HasPrefix(s, "-----BEGIN") {
			return []byte(s), nil
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			decoded, err = base64.URLEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("private key is neither PEM nor valid base64: %w", err)
			}
		}
		return decoded, nil
	}

	if keyPath != "" {
		data, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("reading private key file %s: %w", keyPath, err)
		}
		return data, nil
	}

	return nil, fmt.Errorf("no private key provided: set private_key or private_key_path")
}
