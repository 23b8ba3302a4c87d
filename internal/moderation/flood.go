package moderation

import (
	"strings"
	"unicode"
)

// Flood thresholds, tuned for group chat.
const (
	charFloodThreshold = 8
	wordFloodThreshold = 4
)

type floodCheck struct {
	name  string
	match func(string) bool
}

// Order matters: the first match wins.
var floodChecks = []floodCheck{
	{name: "char_flood", match: hasCharFlood},
	{name: "word_flood", match: hasWordFlood},
}

// hasCharFlood reports a run of charFloodThreshold identical runes. RE2
// has no backreferences, hence the scan.
func hasCharFlood(text string) bool {
	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= charFloodThreshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood reports the same whitespace-delimited word repeated
// wordFloodThreshold times in a row, case-insensitively.
func hasWordFlood(text string) bool {
	words := strings.FieldsFunc(text, unicode.IsSpace)
	if len(words) < wordFloodThreshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= wordFloodThreshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}

func checkFlood(text string) Result {
	for _, fc := range floodChecks {
		if fc.match(text) {
			return Result{Blocked: true, Reason: ReasonFlood, Term: fc.name}
		}
	}
	return Result{}
}
