package models

import (
	"time"
)

// Author identifies who wrote a message.
type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Message is one immutable entry of the channel history.
type Message struct {
	ID        string    `json:"id"`
	Author    Author    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
	Content   string    `json:"content"`
	Mentions  []string  `json:"mentions"` // author IDs
}

// Ref returns the pagination reference for this message.
func (m Message) Ref() MessageRef {
	return MessageRef{ID: m.ID, CreatedAt: m.CreatedAt}
}

// MentionsID reports whether the message mentions the given author ID.
func (m Message) MentionsID(id string) bool {
	for _, mentioned := range m.Mentions {
		if mentioned == id {
			return true
		}
	}
	return false
}

// MessageRef points at a message in the channel; used as an exclusive lower
// bound when fetching history.
type MessageRef struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// After reports whether r is strictly newer than other. Channel IDs are
// ordered chronologically, so equal timestamps fall back to comparing IDs
// (shorter numeric IDs sort first).
func (r MessageRef) After(other MessageRef) bool {
	if !r.CreatedAt.Equal(other.CreatedAt) {
		return r.CreatedAt.After(other.CreatedAt)
	}
	if len(r.ID) != len(other.ID) {
		return len(r.ID) > len(other.ID)
	}
	return r.ID > other.ID
}
