package models

import (
	"time"

	"github.com/google/uuid"
)

// LoopEvent describes the result of one poll-loop iteration.
type LoopEvent struct {
	ID              uuid.UUID `json:"id"`
	LoopID          uuid.UUID `json:"loop_id"`
	ChannelID       string    `json:"channel_id"`
	Iteration       int64     `json:"iteration"`
	Outcome         string    `json:"outcome"`
	Reason          string    `json:"reason,omitempty"`
	Fetched         int       `json:"fetched"`
	Pinged          bool      `json:"pinged"`
	Reply           *string   `json:"reply,omitempty"`
	DryRun          bool      `json:"dry_run"`
	Rotated         bool      `json:"rotated"`
	CredentialIndex int       `json:"credential_index"`
	DurationMS      int64     `json:"duration_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

// WebSocket message types
type WSMessage struct {
	Type    string      `json:"type"` // "loop_event"
	Payload interface{} `json:"payload"`
}

// LoopStatus is a point-in-time view of a running loop.
type LoopStatus struct {
	LoopID          uuid.UUID   `json:"loop_id"`
	ChannelID       string      `json:"channel_id"`
	Cursor          *MessageRef `json:"cursor"`
	Primed          bool        `json:"primed"`
	CredentialIndex int         `json:"credential_index"`
	CredentialCount int         `json:"credential_count"`
	Iterations      int64       `json:"iterations"`
	LastOutcome     string      `json:"last_outcome,omitempty"`
	LastReason      string      `json:"last_reason,omitempty"`
	LastIterationAt *time.Time  `json:"last_iteration_at"`
	DryRun          bool        `json:"dry_run"`
}

// API Error response
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}
