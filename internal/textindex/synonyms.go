package textindex

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed synonyms.yaml
var defaultSynonyms []byte

type synonymsFile struct {
	Version  int                 `yaml:"version"`
	Synonyms map[string][]string `yaml:"synonyms"`
}

// Expander adds trade vocabulary variants to keyword queries, so that a
// query for "CBP" also finds "Customs and Border Protection".
type Expander struct {
	groups []synonymGroup
}

type synonymGroup struct {
	terms     []string
	normTerms []string
}

// DefaultExpander returns the built-in customs vocabulary.
func DefaultExpander() *Expander {
	e, err := parseSynonyms(defaultSynonyms)
	if err != nil {
		panic(fmt.Sprintf("textindex: bad built-in synonyms: %v", err))
	}
	return e
}

// LoadExpander reads a synonyms file. A missing path yields the built-in
// vocabulary.
func LoadExpander(path string) (*Expander, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultExpander(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultExpander(), nil
		}
		return nil, fmt.Errorf("read synonyms file: %w", err)
	}
	return parseSynonyms(data)
}

func parseSynonyms(data []byte) (*Expander, error) {
	var file synonymsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse synonyms file: %w", err)
	}
	return NewExpander(file.Synonyms), nil
}

// NewExpander builds an expander from canonical terms and their aliases.
func NewExpander(synonyms map[string][]string) *Expander {
	keys := make([]string, 0, len(synonyms))
	for k := range synonyms {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	e := &Expander{}
	for _, canonical := range keys {
		terms, normTerms := buildTerms(canonical, synonyms[canonical])
		if len(terms) > 1 {
			e.groups = append(e.groups, synonymGroup{terms: terms, normTerms: normTerms})
		}
	}
	return e
}

// Expand returns the variants of every group the query mentions, minus
// the terms the query already contains.
func (e *Expander) Expand(query string) []string {
	if e == nil {
		return nil
	}
	normQuery := " " + normalizeTerm(query) + " "
	if strings.TrimSpace(normQuery) == "" {
		return nil
	}

	var out []string
	seen := make(map[string]bool)
	for _, g := range e.groups {
		if !g.matches(normQuery) {
			continue
		}
		for i, term := range g.terms {
			norm := g.normTerms[i]
			if seen[norm] || strings.Contains(normQuery, " "+norm+" ") {
				continue
			}
			seen[norm] = true
			out = append(out, term)
		}
	}
	return out
}

func (g synonymGroup) matches(normQuery string) bool {
	for _, term := range g.normTerms {
		if strings.Contains(normQuery, " "+term+" ") {
			return true
		}
	}
	return false
}

func buildTerms(canonical string, aliases []string) ([]string, []string) {
	terms := make([]string, 0, 1+len(aliases))
	normTerms := make([]string, 0, 1+len(aliases))
	seen := make(map[string]bool)

	add := func(term string) {
		term = strings.TrimSpace(term)
		norm := normalizeTerm(term)
		if norm == "" || seen[norm] {
			return
		}
		terms = append(terms, term)
		normTerms = append(normTerms, norm)
		seen[norm] = true
	}

	add(canonical)
	for _, alias := range aliases {
		add(alias)
	}
	return terms, normTerms
}

func normalizeTerm(term string) string {
	term = strings.ToLower(strings.TrimSpace(term))
	term = strings.NewReplacer("_", " ", "-", " ", ".", " ", ",", " ").Replace(term)
	return strings.Join(strings.Fields(term), " ")
}
