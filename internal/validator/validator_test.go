package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscriptParser_Parse(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   string
		wantOK bool
	}{
		{
			name:   "single header line",
			raw:    "bot [2024-01-01 00:00:01]: yeah i'm fine",
			want:   "yeah i'm fine",
			wantOK: true,
		},
		{
			name:   "body is trimmed",
			raw:    "  bot [2024-01-01 00:00:01]:    lol same   \n",
			want:   "lol same",
			wantOK: true,
		},
		{
			name:   "multi turn completion keeps every body",
			raw:    "bot [2024-01-01 00:00:01]: first\nalice [2024-01-01 00:00:05]: second",
			want:   "first\nsecond",
			wantOK: true,
		},
		{
			name:   "accented speaker name",
			raw:    "josé [2024-01-01 00:00:01]: hola amigo",
			want:   "hola amigo",
			wantOK: true,
		},
		{
			name:   "non latin speaker names across turns",
			raw:    "Дмитрий [2024-01-01 00:00:01]: привет\n太郎 [2024-01-01 00:00:02]: やあ",
			want:   "привет\nやあ",
			wantOK: true,
		},
		{
			name:   "timestamp with fraction and offset",
			raw:    "bot [2024-01-01 00:00:01.123+00:00]: ok",
			want:   "ok",
			wantOK: true,
		},
		{
			name:   "bare timestamp without speaker is stripped",
			raw:    "[2024-01-01 00:00:01] sure thing",
			want:   "sure thing",
			wantOK: true,
		},
		{
			name:   "any bracketed span counts as a timestamp",
			raw:    "haha [lol] yes",
			want:   "haha  yes",
			wantOK: true,
		},
		{
			name:   "no bracket is rejected",
			raw:    "As an AI language model, I cannot...",
			wantOK: false,
		},
		{
			name:   "empty input is rejected",
			raw:    "",
			wantOK: false,
		},
		{
			name:   "empty brackets do not count",
			raw:    "hmm [] ok",
			wantOK: false,
		},
	}

	var p TranscriptParser
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := p.Parse(tc.raw)
			assert.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

type panickyParser struct{}

func (panickyParser) Parse(string) (string, bool) { panic("bad pattern") }

func TestSafeParse(t *testing.T) {
	reply, ok, err := SafeParse(TranscriptParser{}, "bot [2024-01-01 00:00:01]: hey")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hey", reply)

	reply, ok, err = SafeParse(panickyParser{}, "anything")
	require.Error(t, err)
	assert.False(t, ok)
	assert.Empty(t, reply)
}

func TestPolicy_Check(t *testing.T) {
	policy := Policy{SelfAwarenessKeywords: []string{"language model", "as an ai"}}

	tests := []struct {
		name        string
		reply       string
		capitalized bool
		word        string
		selfAware   bool
		reason      string
	}{
		{"casual lowercase passes", "yeah i'm fine", false, "", false, ""},
		{"capital anywhere is flagged", "sure thing Bob", true, "Bob", false, "capitals_detected"},
		{"leading capital is flagged", "Hello there", true, "Hello", false, "capitals_detected"},
		{"non ascii capital is flagged", "ça va Émile", true, "Émile", false, "capitals_detected"},
		{"digits and symbols pass", "lol 100% :) 2024", false, "", false, ""},
		{"self awareness phrase", "well as an ai i can't", false, "", true, "self_awareness_detected"},
		{"both flags", "I am a language model", true, "I", true, "capitals_detected"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := policy.Check(tc.reply)
			assert.Equal(t, tc.capitalized, v.Capitalized)
			assert.Equal(t, tc.word, v.Word)
			assert.Equal(t, tc.selfAware, v.SelfAware)
			assert.Equal(t, tc.capitalized || tc.selfAware, v.Flagged())
			assert.Equal(t, tc.reason, v.Reason())
		})
	}
}

func TestPolicy_SelfAwarenessIsCaseSensitive(t *testing.T) {
	policy := Policy{SelfAwarenessKeywords: []string{"language model"}}
	assert.False(t, policy.Check("a LANGUAGE MODEL").SelfAware)
}

func TestPolicy_BrokenKeyword(t *testing.T) {
	policy := Policy{BrokenKeywords: []string{"", "are you a bot"}}

	kw, ok := policy.BrokenKeyword("alice [2024-01-01 00:00:00]: lurker, are you a bot")
	assert.True(t, ok)
	assert.Equal(t, "are you a bot", kw)

	_, ok = policy.BrokenKeyword("alice [2024-01-01 00:00:00]: hi")
	assert.False(t, ok)

	_, ok = Policy{}.BrokenKeyword("anything")
	assert.False(t, ok)
}
