package validator

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Verdict is the policy result for one cleaned reply.
type Verdict struct {
	Capitalized bool
	// Word is the first capitalised token found.
	Word string
	SelfAware bool
	// Phrase is the self-awareness phrase that matched.
	Phrase string
}

func (v Verdict) Flagged() bool {
	return v.Capitalized || v.SelfAware
}

// Reason names the first flag raised, for logs and events.
func (v Verdict) Reason() string {
	switch {
	case v.Capitalized:
		return "capitals_detected"
	case v.SelfAware:
		return "self_awareness_detected"
	default:
		return ""
	}
}

// Policy holds the configured keyword lists. Matching is case sensitive
// substring search.
type Policy struct {
	BrokenKeywords        []string
	SelfAwarenessKeywords []string
}

// Check screens a cleaned reply. Both checks always run.
func (p Policy) Check(reply string) Verdict {
	var v Verdict
	if word, ok := firstCapitalized(reply); ok {
		v.Capitalized = true
		v.Word = word
	}
	if phrase, ok := containsAny(reply, p.SelfAwarenessKeywords); ok {
		v.SelfAware = true
		v.Phrase = phrase
	}
	return v
}

// BrokenKeyword reports whether the outgoing context contains a broken
// keyword. Note this inspects what chat members wrote, not the reply.
func (p Policy) BrokenKeyword(context string) (string, bool) {
	return containsAny(context, p.BrokenKeywords)
}

func firstCapitalized(text string) (string, bool) {
	for _, word := range strings.Fields(text) {
		r, _ := utf8.DecodeRuneInString(word)
		if unicode.IsUpper(r) {
			return word, true
		}
	}
	return "", false
}

func containsAny(text string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, kw) {
			return kw, true
		}
	}
	return "", false
}
