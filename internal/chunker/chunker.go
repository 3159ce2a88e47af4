// Package chunker splits document text into overlapping whitespace-token
// windows for embedding.
package chunker

import (
	"unicode"
	"unicode/utf8"

	"github.com/jcmvstard-prog/customs-kb/internal/domain"
)

const (
	// DefaultMaxTokens is the default window size in whitespace tokens.
	DefaultMaxTokens = 512
	// DefaultOverlap is the default number of tokens repeated between windows.
	DefaultOverlap = 50
)

// Chunk is one window of a document's text. Start and End are byte offsets
// into the original text, so Text == text[Start:End].
type Chunk struct {
	Ordinal int    `json:"ordinal"`
	Text    string `json:"text"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
}

// Split cuts text into windows of at most maxTokens whitespace tokens, each
// window repeating the last overlap tokens of the previous one.
//
// A window spans from the start of its first token up to the start of the
// token that follows its last token; the first window starts at offset 0 and
// the last one runs to the end of the text. Whitespace is therefore never
// lost and the chunks (minus their overlapping prefixes) reassemble the
// input exactly.
func Split(text string, maxTokens, overlap int) ([]Chunk, error) {
	if maxTokens <= 0 {
		return nil, domain.Invalid("max_tokens", "must be positive, got %d", maxTokens)
	}
	if overlap < 0 {
		return nil, domain.Invalid("overlap", "must not be negative, got %d", overlap)
	}
	if overlap >= maxTokens {
		return nil, domain.Invalid("overlap", "must be less than max_tokens (%d >= %d)", overlap, maxTokens)
	}

	starts := tokenStarts(text)
	n := len(starts)
	if n == 0 {
		return nil, nil
	}

	// boundary(i) is the byte offset where token i's segment begins.
	boundary := func(i int) int {
		switch {
		case i <= 0:
			return 0
		case i >= n:
			return len(text)
		default:
			return starts[i]
		}
	}

	chunks := make([]Chunk, 0, n/(maxTokens-overlap)+1)
	first := 0
	for {
		last := first + maxTokens
		if last > n {
			last = n
		}
		start, end := boundary(first), boundary(last)
		chunks = append(chunks, Chunk{
			Ordinal: len(chunks),
			Text:    text[start:end],
			Start:   start,
			End:     end,
		})
		if last == n {
			break
		}
		first = last - overlap
	}
	return chunks, nil
}

// Texts returns the text of each chunk in order.
func Texts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

// tokenStarts returns the byte offset of every maximal non-whitespace run.
func tokenStarts(text string) []int {
	var starts []int
	inToken := false
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if unicode.IsSpace(r) {
			inToken = false
		} else if !inToken {
			starts = append(starts, i)
			inToken = true
		}
		i += size
	}
	return starts
}

// Chunker carries configured window parameters.
type Chunker struct {
	maxTokens int
	overlap   int
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithMaxTokens sets the window size in tokens.
func WithMaxTokens(n int) Option {
	return func(c *Chunker) {
		c.maxTokens = n
	}
}

// WithOverlap sets the number of tokens shared by consecutive windows.
func WithOverlap(n int) Option {
	return func(c *Chunker) {
		c.overlap = n
	}
}

// New builds a Chunker and validates its parameters.
func New(opts ...Option) (*Chunker, error) {
	c := &Chunker{
		maxTokens: DefaultMaxTokens,
		overlap:   DefaultOverlap,
	}
	for _, opt := range opts {
		opt(c)
	}
	if _, err := Split("x", c.maxTokens, c.overlap); err != nil {
		return nil, err
	}
	return c, nil
}

// Split applies the configured parameters.
func (c *Chunker) Split(text string) ([]Chunk, error) {
	return Split(text, c.maxTokens, c.overlap)
}

// MaxTokens returns the configured window size.
func (c *Chunker) MaxTokens() int { return c.maxTokens }

// Overlap returns the configured overlap.
func (c *Chunker) Overlap() int { return c.overlap }
