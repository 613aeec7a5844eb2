// Package chunk splits source files into overlapping line-aligned chunks.
// Output depends only on the input, so chunk offsets and the IDs derived
// from them are stable across re-indexing runs.
package chunk

import (
	"strings"
)

const (
	DefaultSize     = 60
	DefaultOverlap  = 10
	DefaultMaxBytes = 8000
)

// Chunk is a contiguous run of lines from one file.
type Chunk struct {
	Path  string
	Index int
	// Offset is the byte offset of the first line within the file.
	Offset    int
	StartLine int
	EndLine   int
	Text      string
}

// Chunker groups lines into chunks of at most Size tokens, repeating up to
// Overlap tokens of trailing lines at the start of the next chunk. A single
// line larger than Size becomes its own chunk. Text is cut at MaxBytes.
type Chunker struct {
	Size      int
	Overlap   int
	MaxBytes  int
	Tokenizer Tokenizer
}

// New returns a Chunker, substituting defaults for non-positive values and a
// LineTokenizer for a nil tokenizer.
func New(size, overlap int, tok Tokenizer) *Chunker {
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}
	if tok == nil {
		tok = LineTokenizer{}
	}
	return &Chunker{Size: size, Overlap: overlap, MaxBytes: DefaultMaxBytes, Tokenizer: tok}
}

// Split chunks content. Empty or whitespace-only content yields no chunks.
func (c *Chunker) Split(path, content string) []Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	lines := strings.SplitAfter(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	offsets := make([]int, len(lines))
	costs := make([]int, len(lines))
	pos := 0
	for i, line := range lines {
		offsets[i] = pos
		pos += len(line)
		costs[i] = max(1, c.Tokenizer.Count(line))
	}

	var chunks []Chunk
	n := len(lines)
	for start := 0; start < n; {
		end, total := start, 0
		for end < n && (end == start || total+costs[end] <= c.Size) {
			total += costs[end]
			end++
		}

		text := strings.Join(lines[start:end], "")
		if strings.TrimSpace(text) != "" {
			chunks = append(chunks, Chunk{
				Path:      path,
				Index:     len(chunks),
				Offset:    offsets[start],
				StartLine: start + 1,
				EndLine:   end,
				Text:      c.truncate(text),
			})
		}
		if end == n {
			break
		}

		next, overlap := end, 0
		for next-1 > start && overlap+costs[next-1] <= c.Overlap {
			overlap += costs[next-1]
			next--
		}
		start = next
	}
	return chunks
}

func (c *Chunker) truncate(text string) string {
	if c.MaxBytes <= 0 || len(text) <= c.MaxBytes {
		return text
	}
	return strings.ToValidUTF8(text[:c.MaxBytes], "")
}
