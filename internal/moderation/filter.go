// Package moderation screens chat content before it is persisted. The
// filter is a keyword blocklist (single words and multi-word phrases,
// matched on whole tokens with common leetspeak undone) followed by flood
// heuristics.
package moderation

import (
	"strings"
	"unicode"
)

// Reasons reported in Result.Reason.
const (
	ReasonKeyword = "blocked_keyword"
	ReasonFlood   = "spam_pattern"
)

// Result is the outcome of a Check. The zero value means the text passed.
type Result struct {
	Blocked bool
	Reason  string
	Term    string
}

// Filter is immutable after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases [][]string
}

// NewFilter builds a filter from terms. A term containing whitespace is a
// phrase and matches only as a consecutive token sequence. Blank terms are
// ignored; a nil list leaves only the flood checks active.
func NewFilter(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		tokens := tokenizePlain(strings.ToLower(term))
		switch len(tokens) {
		case 0:
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, tokens)
		}
	}
	return f
}

// Check screens text. Keyword matches take precedence over flood checks.
func (f *Filter) Check(text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{}
	}
	lower := strings.ToLower(text)

	if term, ok := f.matchKeywords(tokenizePlain(lower)); ok {
		return Result{Blocked: true, Reason: ReasonKeyword, Term: term}
	}

	leet := tokenizeLeet(lower)
	for i := range leet {
		leet[i] = normalizeLeet(leet[i])
	}
	if term, ok := f.matchKeywords(leet); ok {
		return Result{Blocked: true, Reason: ReasonKeyword, Term: term}
	}

	return checkFlood(text)
}

func (f *Filter) matchKeywords(tokens []string) (string, bool) {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
	}
	for _, phrase := range f.phrases {
		if containsSequence(tokens, phrase) {
			return strings.Join(phrase, " "), true
		}
	}
	return "", false
}

func containsSequence(tokens, seq []string) bool {
	for i := 0; i+len(seq) <= len(tokens); i++ {
		match := true
		for j := range seq {
			if tokens[i+j] != seq[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// tokenizePlain splits on anything that is not a letter or digit.
func tokenizePlain(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits on whitespace and strips surrounding punctuation that
// can't be a letter substitute, keeping symbols like @ $ ! inside tokens.
func tokenizeLeet(s string) []string {
	fields := strings.Fields(s)
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			_, leet := leetMap[r]
			return !leet && !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

func normalizeLeet(s string) string {
	return strings.Map(func(r rune) rune {
		if sub, ok := leetMap[r]; ok {
			return sub
		}
		return r
	}, s)
}
