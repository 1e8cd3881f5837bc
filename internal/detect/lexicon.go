package detect

import (
	_ "embed"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"astralcore.app/crisis/internal/model"
	"gopkg.in/yaml.v3"
)

//go:embed lexicon.yaml
var defaultLexiconYAML []byte

const defaultNegationWindow = 3

// Lexicon is the compiled phrase table the extractor matches against.
type Lexicon struct {
	NegationWindow int
	negators       map[string]struct{}
	byFirstToken   map[string][]entry
	stems          []entry
	size           int
}

type entry struct {
	category       model.RiskCategory
	phrase         string
	tokens         []string
	weight         float64
	prefix         bool
	ignoreNegation bool
}

type lexiconFile struct {
	Version        int                       `yaml:"version"`
	NegationWindow int                       `yaml:"negation_window"`
	Negators       []string                  `yaml:"negators"`
	Categories     map[string][]lexiconEntry `yaml:"categories"`
}

type lexiconEntry struct {
	Phrase         string  `yaml:"phrase"`
	Weight         float64 `yaml:"weight"`
	Prefix         bool    `yaml:"prefix"`
	IgnoreNegation bool    `yaml:"ignore_negation"`
}

// DefaultLexicon returns the built-in lexicon.
func DefaultLexicon() (*Lexicon, error) {
	return ParseLexicon(defaultLexiconYAML)
}

// LoadLexicon returns the built-in lexicon extended by the YAML file at path.
// Entries in the file with the same category and phrase replace built-in weights.
// An empty path yields the built-in lexicon.
func LoadLexicon(path string) (*Lexicon, error) {
	base, err := parseLexiconFile(defaultLexiconYAML)
	if err != nil {
		return nil, fmt.Errorf("parsing built-in lexicon: %w", err)
	}
	if path == "" {
		return compile(base)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading lexicon %s: %w", path, err)
	}
	override, err := parseLexiconFile(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing lexicon %s: %w", path, err)
	}

	return compile(merge(base, override))
}

// ParseLexicon compiles a standalone lexicon document.
func ParseLexicon(raw []byte) (*Lexicon, error) {
	f, err := parseLexiconFile(raw)
	if err != nil {
		return nil, err
	}
	return compile(f)
}

func parseLexiconFile(raw []byte) (lexiconFile, error) {
	var f lexiconFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return lexiconFile{}, fmt.Errorf("decoding lexicon yaml: %w", err)
	}
	if f.Version > 1 {
		return lexiconFile{}, fmt.Errorf("unsupported lexicon version %d", f.Version)
	}
	return f, nil
}

func merge(base, override lexiconFile) lexiconFile {
	out := lexiconFile{
		Version:        base.Version,
		NegationWindow: base.NegationWindow,
		Negators:       append([]string{}, base.Negators...),
		Categories:     make(map[string][]lexiconEntry, len(base.Categories)),
	}
	if override.NegationWindow > 0 {
		out.NegationWindow = override.NegationWindow
	}
	out.Negators = append(out.Negators, override.Negators...)

	for cat, entries := range base.Categories {
		out.Categories[cat] = append([]lexiconEntry{}, entries...)
	}
	for cat, entries := range override.Categories {
		for _, e := range entries {
			replaced := false
			for i, existing := range out.Categories[cat] {
				if normalizePhrase(existing.Phrase) == normalizePhrase(e.Phrase) {
					out.Categories[cat][i] = e
					replaced = true
					break
				}
			}
			if !replaced {
				out.Categories[cat] = append(out.Categories[cat], e)
			}
		}
	}
	return out
}

func compile(f lexiconFile) (*Lexicon, error) {
	lex := &Lexicon{
		NegationWindow: f.NegationWindow,
		negators:       make(map[string]struct{}, len(f.Negators)),
		byFirstToken:   make(map[string][]entry),
	}
	if lex.NegationWindow <= 0 {
		lex.NegationWindow = defaultNegationWindow
	}
	for _, n := range f.Negators {
		if norm := normalizePhrase(n); norm != "" {
			lex.negators[norm] = struct{}{}
		}
	}

	var errs []error
	for _, cat := range slices.Sorted(maps.Keys(f.Categories)) {
		entries := f.Categories[cat]
		category := model.RiskCategory(cat)
		if !category.IsValid() {
			errs = append(errs, fmt.Errorf("unknown category %q", cat))
			continue
		}
		for _, e := range entries {
			tokens := tokenWords(e.Phrase)
			if len(tokens) == 0 {
				errs = append(errs, fmt.Errorf("%s: empty phrase", cat))
				continue
			}
			if e.Weight < 0 || e.Weight > 1 {
				errs = append(errs, fmt.Errorf("%s %q: weight %.2f outside [0,1]", cat, e.Phrase, e.Weight))
				continue
			}
			compiled := entry{
				category:       category,
				phrase:         strings.Join(tokens, " "),
				tokens:         tokens,
				weight:         e.Weight,
				prefix:         e.Prefix,
				ignoreNegation: e.IgnoreNegation,
			}
			if e.Prefix && len(tokens) == 1 {
				lex.stems = append(lex.stems, compiled)
			} else {
				lex.byFirstToken[tokens[0]] = append(lex.byFirstToken[tokens[0]], compiled)
			}
			lex.size++
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return lex, nil
}

// Size returns the number of phrases.
func (l *Lexicon) Size() int {
	return l.size
}

// candidates returns the entries that may start at a token.
func (l *Lexicon) candidates(tok string) []entry {
	out := l.byFirstToken[tok]
	for _, stem := range l.stems {
		if strings.HasPrefix(tok, stem.tokens[0]) {
			out = append(out[:len(out):len(out)], stem)
		}
	}
	return out
}

func (l *Lexicon) isNegator(tok string) bool {
	_, ok := l.negators[tok]
	return ok
}

func normalizePhrase(s string) string {
	return strings.Join(tokenWords(s), " ")
}

func tokenWords(s string) []string {
	toks := tokenize(s)
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = t.text
	}
	return out
}
