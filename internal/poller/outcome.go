package poller

import "time"

// Outcome is the transition taken by one iteration.
type Outcome string

const (
	// Trigger conditions were not met; nothing was consumed.
	OutcomeSkipped Outcome = "skipped"
	// A reply was sent, or reported in dry-run mode.
	OutcomePublished Outcome = "published"
	// The conversation was judged broken and state was reset.
	OutcomeReset Outcome = "reset"
	// The backend call failed. State is kept; the credential may have rotated.
	OutcomeBackendFailure Outcome = "backend_failure"
	// A transport error or panic aborted the iteration.
	OutcomeError Outcome = "error"
)

// Fast reports whether the loop should use the fast interval next.
func (o Outcome) Fast() bool {
	return o != OutcomePublished
}

// Result describes one finished iteration.
type Result struct {
	Iteration int64
	Outcome   Outcome
	Reason    string
	Fetched   int
	Pinged    bool
	Reply     string
	Rotated   bool
	Err       error
	Duration  time.Duration
}

const (
	ReasonNotTriggered  = "respond_conditions_not_met"
	ReasonBrokenKeyword = "broken_keyword"
	ReasonParseFailed   = "parse_failed"
	ReasonFetchFailed   = "fetch_failed"
	ReasonSendFailed    = "send_failed"
	ReasonDryRun        = "dry_run"
	ReasonSent          = "sent"
	ReasonPanic         = "panic"
)
