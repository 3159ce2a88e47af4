package internal

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/jcmvstard-prog/customs-kb/internal/domain"
)

// PrintJSON writes v to stdout as indented JSON.
func PrintJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		Fail(fmt.Errorf("failed to marshal output: %w", err))
	}
	fmt.Println(string(data))
}

// Fail prints err and exits with status 1. Transient failures get a hint
// that retrying may help.
func Fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if domain.IsTransient(err) {
		fmt.Fprintln(os.Stderr, "The service may be temporarily unavailable; try again later.")
	}
	os.Exit(1)
}

// Rule is the separator line used by text output.
var Rule = strings.Repeat("=", 80)

// Truncate shortens s to n runes, collapsing whitespace.
func Truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// OrNA returns "N/A" for empty strings.
func OrNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
