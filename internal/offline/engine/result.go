package engine

import (
	"fmt"
	"time"
)

// Outcome says how a drain ended.
type Outcome string

const (
	// OutcomeDrained means every mutation seen by the drain was applied.
	OutcomeDrained Outcome = "drained"
	// OutcomeHalted means a remote write failed and the drain stopped there.
	OutcomeHalted Outcome = "halted"
	// OutcomeBusy means another drain was already running; nothing was done.
	OutcomeBusy Outcome = "busy"
)

// DrainResult describes one FlushQueue call.
type DrainResult struct {
	Outcome Outcome `json:"outcome"`

	// Applied counts mutations confirmed and removed.
	Applied int `json:"applied"`

	// Remaining counts mutations the drain saw but did not apply,
	// the failed one included.
	Remaining int `json:"remaining"`

	// FailedID and Err are set when Outcome is OutcomeHalted.
	FailedID int64 `json:"failedId,omitempty"`
	Err      error `json:"-"`

	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// String returns a one-line summary for logs and the CLI.
func (r DrainResult) String() string {
	switch r.Outcome {
	case OutcomeBusy:
		return "drain already in progress"
	case OutcomeHalted:
		return fmt.Sprintf("halted at mutation %d after %d applied (%d remaining): %v",
			r.FailedID, r.Applied, r.Remaining, r.Err)
	default:
		return fmt.Sprintf("drained %d mutation(s) in %s", r.Applied, r.Duration.Round(time.Millisecond))
	}
}

// Halted reports whether the drain stopped on a failure.
func (r DrainResult) Halted() bool {
	return r.Outcome == OutcomeHalted
}
