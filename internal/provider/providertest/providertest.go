// Package providertest provides deterministic in-process embedders and
// completers for tests.
package providertest

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"
)

// Dims is the dimension of HashEmbedder vectors.
const Dims = 32

// HashEmbedder embeds text as a bag of hashed lowercase words, so texts
// sharing words score as similar. Texts containing FailOn return Err.
type HashEmbedder struct {
	FailOn string
	Err    error

	mu    sync.Mutex
	calls int
	texts int
}

func (e *HashEmbedder) vector(text string) ([]float32, error) {
	if e.FailOn != "" && strings.Contains(text, e.FailOn) {
		if e.Err != nil {
			return nil, e.Err
		}
		return nil, errors.New("embedding failed")
	}
	v := make([]float32, Dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%Dims]++
	}
	// Keep empty text off the origin so cosine stays defined.
	v[0] += 0.01
	return v, nil
}

// Embed implements provider.Embedder.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.texts++
	e.mu.Unlock()
	return e.vector(text)
}

// EmbedBatch implements provider.BatchEmbedder.
func (e *HashEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.texts += len(texts)
	e.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.vector(t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Calls returns the number of Embed and EmbedBatch calls.
func (e *HashEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Texts returns the number of texts embedded.
func (e *HashEmbedder) Texts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.texts
}

// Completer returns Response for every prompt, or the next error queued in
// Errs. Prompts are recorded.
type Completer struct {
	Response string
	Errs     []error

	mu      sync.Mutex
	prompts []string
}

// Complete implements provider.Completer.
func (c *Completer) Complete(_ context.Context, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, prompt)
	if len(c.Errs) > 0 {
		err := c.Errs[0]
		c.Errs = c.Errs[1:]
		return "", err
	}
	return c.Response, nil
}

// Prompts returns every prompt received.
func (c *Completer) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}
