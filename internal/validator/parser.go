// Package validator decides whether backend output may be published.
//
// Parsing turns a raw transcript-style completion into a cleaned reply. The
// policy then screens cleaned replies (and outgoing prompts) for signs that
// the conversation broke persona.
package validator

import (
	"fmt"
	"regexp"
	"strings"
)

// Parser extracts a publishable reply from raw backend text.
type Parser interface {
	// Parse returns the cleaned reply, or false when the text is rejected.
	Parse(raw string) (string, bool)
}

var (
	// Any bracketed span, shortest match.
	timestampPattern = regexp.MustCompile(`\[[\w\W]+?\]`)
	// "name [2024-01-01 00:00:00]:" speaker header. Names may be any script.
	headerPattern = regexp.MustCompile(`[\p{L}\p{N}\p{Mn}_]+ \[[\p{Nd} -:]+\]:`)
)

// TranscriptParser handles completions written in the same
// "author [timestamp]: body" transcript format the prompt uses.
type TranscriptParser struct{}

func (TranscriptParser) Parse(raw string) (string, bool) {
	if !timestampPattern.MatchString(raw) {
		return "", false
	}

	segments := headerPattern.Split(raw, -1)
	for i, s := range segments {
		segments[i] = strings.TrimSpace(s)
	}
	stripped := strings.Join(segments, "\n")

	// Headers without a recognised speaker name.
	stripped = timestampPattern.ReplaceAllString(stripped, "")

	return strings.TrimSpace(stripped), true
}

// SafeParse runs p and converts a panic into a rejection.
func SafeParse(p Parser, raw string) (reply string, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply, ok, err = "", false, fmt.Errorf("parser panic: %v", r)
		}
	}()
	reply, ok = p.Parse(raw)
	return reply, ok, nil
}
