package chunk

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer names accepted by NewTokenizer.
const (
	TokenizerLines    = "lines"
	TokenizerTiktoken = "tiktoken"
)

// Tokenizer measures the size of a line in tokens.
type Tokenizer interface {
	Count(text string) int
}

// LineTokenizer counts every line as one token, so chunk sizes are in lines.
type LineTokenizer struct{}

func (LineTokenizer) Count(string) int { return 1 }

// TiktokenTokenizer counts BPE tokens, matching how embedding models bill input.
type TiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenTokenizer loads the named encoding, e.g. "cl100k_base".
func NewTiktokenTokenizer(encoding string) (*TiktokenTokenizer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("loading tiktoken encoding %s: %w", encoding, err)
	}
	return &TiktokenTokenizer{enc: enc}, nil
}

func (t *TiktokenTokenizer) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// NewTokenizer returns the tokenizer for a config name. An empty name means lines.
func NewTokenizer(name string) (Tokenizer, error) {
	switch name {
	case "", TokenizerLines:
		return LineTokenizer{}, nil
	case TokenizerTiktoken:
		return NewTiktokenTokenizer("cl100k_base")
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", name)
	}
}
