package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Sentinel errors for provider operations.
var (
	ErrRateLimit       = errors.New("rate limit exceeded")
	ErrTimeout         = errors.New("request timed out")
	ErrInvalidResponse = errors.New("invalid response from provider")
)

// Embedder generates vector embeddings from text.
type Embedder interface {
	// Embed returns a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BatchEmbedder extends Embedder with batch embedding support.
type BatchEmbedder interface {
	Embedder
	// EmbedBatch returns vector embeddings for multiple texts in a single call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// AsBatch returns e itself when it embeds natively in batches, and otherwise
// a BatchEmbedder that embeds one text per call.
func AsBatch(e Embedder) BatchEmbedder {
	if b, ok := e.(BatchEmbedder); ok {
		return b
	}
	return sequentialEmbedder{e}
}

type sequentialEmbedder struct {
	Embedder
}

func (s sequentialEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emb, err := s.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		results[i] = emb
	}
	return results, nil
}

// Completer generates text completions from a prompt.
type Completer interface {
	// Complete returns a text completion for the given prompt.
	Complete(ctx context.Context, prompt string) (string, error)
}

// Provider type names accepted in configuration.
const (
	TypeOpenAI    = "openai"
	TypeOllama    = "ollama"
	TypeAnthropic = "anthropic"
	TypeGemini    = "gemini"
)

// EmbedderConfig holds configuration for creating an Embedder.
type EmbedderConfig struct {
	Type   string
	Model  string
	APIKey string
	URL    string
}

// CompleterConfig holds configuration for creating a Completer.
type CompleterConfig struct {
	Type    string
	Model   string
	APIKey  string
	URL     string
	Timeout time.Duration
}

// NewEmbedder builds the embedding provider named by cfg.Type.
func NewEmbedder(cfg EmbedderConfig) (BatchEmbedder, error) {
	switch cfg.Type {
	case TypeOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai embedder requires an API key")
		}
		return NewOpenAIEmbedderWithURL(cfg.APIKey, cfg.URL, cfg.Model), nil
	case TypeOllama:
		return NewOllamaEmbedder(cfg.URL, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Type)
	}
}

// NewCompleter builds the completion provider named by cfg.Type. A positive
// cfg.Timeout bounds every call.
func NewCompleter(ctx context.Context, cfg CompleterConfig) (Completer, error) {
	var c Completer
	switch cfg.Type {
	case TypeGemini:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("gemini completer requires an API key")
		}
		g, err := NewGeminiCompleter(ctx, cfg.APIKey, cfg.URL, cfg.Model)
		if err != nil {
			return nil, err
		}
		c = g
	case TypeAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic completer requires an API key")
		}
		c = NewAnthropicCompleter(cfg.APIKey, cfg.Model)
	case TypeOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai completer requires an API key")
		}
		oc := openai.DefaultConfig(cfg.APIKey)
		if cfg.URL != "" {
			oc.BaseURL = cfg.URL
		}
		c = newOpenAICompleterWithClient(openai.NewClientWithConfig(oc), cfg.Model)
	case TypeOllama:
		c = NewOllamaCompleter(cfg.URL, cfg.Model)
	default:
		return nil, fmt.Errorf("unsupported completion provider %q", cfg.Type)
	}
	return WithTimeout(c, cfg.Timeout), nil
}

type timeoutCompleter struct {
	next    Completer
	timeout time.Duration
}

// WithTimeout wraps c so each Complete call is bounded by d. A non-positive d
// returns c unchanged.
func WithTimeout(c Completer, d time.Duration) Completer {
	if d <= 0 {
		return c
	}
	return &timeoutCompleter{next: c, timeout: d}
}

func (t *timeoutCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	out, err := t.next.Complete(ctx, prompt)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return "", fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return out, err
}

// statusOverloaded is the non-standard status Anthropic returns when the API
// is temporarily overloaded.
const statusOverloaded = 529

// classifyStatus maps a failed completion call to the package sentinels so
// callers can tell throttling and timeouts from other failures.
func classifyStatus(ctx context.Context, name string, code int, err error) error {
	switch code {
	case http.StatusTooManyRequests, statusOverloaded:
		return fmt.Errorf("%w: %s", ErrRateLimit, err)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", ErrTimeout, err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s", ErrTimeout, ctx.Err())
	}
	return fmt.Errorf("%s completion: %w", name, err)
}
