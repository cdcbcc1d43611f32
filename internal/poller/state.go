package poller

import "lurkbot/internal/models"

// State is the conversation state owned by one loop. It is not safe for
// concurrent use; only the loop goroutine touches it.
type State struct {
	cursor *models.MessageRef
	primed bool
}

// Cursor returns the newest message already folded into the context, or nil.
func (s *State) Cursor() *models.MessageRef {
	if s.cursor == nil {
		return nil
	}
	ref := *s.cursor
	return &ref
}

// Advance moves the cursor forward. Refs that are not newer than the current
// cursor are ignored and reported as false.
func (s *State) Advance(ref models.MessageRef) bool {
	if s.cursor != nil && !ref.After(*s.cursor) {
		return false
	}
	s.cursor = &ref
	return true
}

func (s *State) Primed() bool {
	return s.primed
}

func (s *State) MarkPrimed() {
	s.primed = true
}

func (s *State) Unprime() {
	s.primed = false
}

// Reset rewinds to the initial state: no cursor, not primed.
func (s *State) Reset() {
	s.cursor = nil
	s.primed = false
}
