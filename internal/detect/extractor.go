package detect

import (
	"cmp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"astralcore.app/crisis/internal/model"
)

type token struct {
	text   string
	start  int
	end    int
	clause int
}

// Extractor scans text for weighted risk signals. Safe for concurrent use.
type Extractor struct {
	lex *Lexicon
}

func NewExtractor(lex *Lexicon) *Extractor {
	return &Extractor{lex: lex}
}

// Extract returns at most one signal per category, carrying the heaviest match.
// Empty, blank and invalid UTF-8 input yield no signals.
func (e *Extractor) Extract(text string) []model.RiskSignal {
	if strings.TrimSpace(text) == "" || !utf8.ValidString(text) {
		return []model.RiskSignal{}
	}

	tokens := tokenize(text)
	best := make(map[model.RiskCategory]model.RiskSignal)

	for i, tok := range tokens {
		for _, candidate := range e.lex.candidates(tok.text) {
			last, ok := matchAt(tokens, i, candidate)
			if !ok {
				continue
			}
			if !candidate.ignoreNegation && e.negated(tokens, i) {
				continue
			}
			sig := model.RiskSignal{
				Category: candidate.category,
				Weight:   candidate.weight,
				Span:     model.Span{Start: tok.start, End: tokens[last].end},
				Term:     candidate.phrase,
			}
			if cur, seen := best[candidate.category]; !seen || sig.Weight > cur.Weight {
				best[candidate.category] = sig
			}
		}
	}

	signals := make([]model.RiskSignal, 0, len(best))
	for _, s := range best {
		signals = append(signals, s)
	}
	slices.SortFunc(signals, func(a, b model.RiskSignal) int {
		if c := cmp.Compare(b.Weight, a.Weight); c != 0 {
			return c
		}
		return cmp.Compare(a.Category, b.Category)
	})
	return signals
}

func matchAt(tokens []token, i int, e entry) (int, bool) {
	if i+len(e.tokens) > len(tokens) {
		return 0, false
	}
	for j, want := range e.tokens {
		got := tokens[i+j].text
		if j == len(e.tokens)-1 && e.prefix {
			if !strings.HasPrefix(got, want) {
				return 0, false
			}
			continue
		}
		if got != want {
			return 0, false
		}
	}
	return i + len(e.tokens) - 1, true
}

// negated looks back at most NegationWindow tokens within the clause of tokens[i].
func (e *Extractor) negated(tokens []token, i int) bool {
	for j := i - 1; j >= max(0, i-e.lex.NegationWindow); j-- {
		if tokens[j].clause != tokens[i].clause {
			return false
		}
		if e.lex.isNegator(tokens[j].text) {
			return true
		}
	}
	return false
}

// tokenize splits on anything that is not a letter, digit or apostrophe.
// Apostrophes are dropped from the token text; offsets refer to the input bytes.
// Sentence and clause punctuation, newlines and the word "but" start a new clause.
func tokenize(s string) []token {
	var (
		tokens []token
		b      strings.Builder
		start  = -1
		clause int
	)
	flush := func(end int) {
		if start >= 0 && b.Len() > 0 {
			text := b.String()
			tokens = append(tokens, token{text: text, start: start, end: end, clause: clause})
			if text == "but" {
				clause++
			}
		}
		b.Reset()
		start = -1
	}

	for i, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if start < 0 {
				start = i
			}
			b.WriteRune(unicode.ToLower(r))
		case (r == '\'' || r == '’') && start >= 0:
		default:
			flush(i)
			if isClauseBreak(r) {
				clause++
			}
		}
	}
	flush(len(s))
	return tokens
}

func isClauseBreak(r rune) bool {
	switch r {
	case '.', '!', '?', ';', ',', '\n':
		return true
	}
	return false
}
