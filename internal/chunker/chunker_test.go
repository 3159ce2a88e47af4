package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmvstard-prog/customs-kb/internal/domain"
)

func reassemble(chunks []Chunk) string {
	if len(chunks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(chunks[0].Text)
	for i := 1; i < len(chunks); i++ {
		prevEnd := chunks[i-1].End
		b.WriteString(chunks[i].Text[prevEnd-chunks[i].Start:])
	}
	return b.String()
}

func TestSplitEmpty(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t "} {
		chunks, err := Split(text, 512, 50)
		require.NoError(t, err)
		assert.Empty(t, chunks, "text %q", text)
	}
}

func TestSplitShortText(t *testing.T) {
	chunks, err := Split("short text", 512, 50)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "short text", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Ordinal)
}

func TestSplitShortTextKeepsWhitespace(t *testing.T) {
	text := "  padded  text \n"
	chunks, err := Split(text, 512, 50)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Text)
}

func TestSplitValidation(t *testing.T) {
	tests := []struct {
		name      string
		maxTokens int
		overlap   int
	}{
		{"overlap equals max", 10, 10},
		{"overlap exceeds max", 10, 11},
		{"zero max", 0, 0},
		{"negative overlap", 10, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Split("some text here", tt.maxTokens, tt.overlap)
			require.Error(t, err)
			assert.True(t, domain.IsValidation(err), "want ValidationError, got %v", err)
		})
	}
}

func TestSplitWindows(t *testing.T) {
	words := make([]string, 25)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	text := strings.Join(words, " ")

	chunks, err := Split(text, 10, 3)
	require.NoError(t, err)

	// windows start at tokens 0, 7, 14, 21
	require.Len(t, chunks, 4)
	assert.True(t, strings.HasPrefix(chunks[1].Text, "w7 "))
	assert.True(t, strings.HasPrefix(chunks[2].Text, "w14 "))
	assert.Equal(t, "w21 w22 w23 w24", chunks[3].Text)
	for i, c := range chunks {
		assert.Equal(t, i, c.Ordinal)
		assert.LessOrEqual(t, len(strings.Fields(c.Text)), 10)
		assert.Equal(t, text[c.Start:c.End], c.Text)
	}
}

func TestSplitReassembles(t *testing.T) {
	texts := []string{
		"one",
		"alpha beta gamma delta epsilon zeta eta theta iota kappa lambda mu",
		"  leading and trailing whitespace\n\nwith   odd\tspacing  ",
		strings.Repeat("customs ruling on steel imports ", 40),
		"unicode ünïcödé tokens — with dashes and 日本語 text in between",
	}
	params := [][2]int{{1, 0}, {2, 1}, {5, 2}, {10, 9}, {512, 50}}

	for _, text := range texts {
		for _, p := range params {
			chunks, err := Split(text, p[0], p[1])
			require.NoError(t, err)
			assert.Equal(t, text, reassemble(chunks), "max=%d overlap=%d", p[0], p[1])
		}
	}
}

func TestSplitDeterministic(t *testing.T) {
	text := strings.Repeat("antidumping duty order ", 100)
	a, err := Split(text, 20, 5)
	require.NoError(t, err)
	b, err := Split(text, 20, 5)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestChunkerOptions(t *testing.T) {
	c, err := New(WithMaxTokens(4), WithOverlap(1))
	require.NoError(t, err)
	assert.Equal(t, 4, c.MaxTokens())
	assert.Equal(t, 1, c.Overlap())

	chunks, err := c.Split("a b c d e f g")
	require.NoError(t, err)
	assert.Equal(t, []string{"a b c d ", "d e f g"}, Texts(chunks))

	_, err = New(WithMaxTokens(5), WithOverlap(5))
	assert.True(t, domain.IsValidation(err))
}
