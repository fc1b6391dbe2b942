package devicelink

import (
	"fmt"
	"time"
)

// Outcome classifies one reconciliation attempt for one voucher code.
type Outcome string

const (
	OutcomeLinked                Outcome = "linked"
	OutcomeAlreadyLinkedSameUser Outcome = "already_linked_same_user"
	OutcomeConflict              Outcome = "conflict"
	OutcomePendingManualReview   Outcome = "pending_manual_review"
	OutcomeAlreadyProcessed      Outcome = "already_processed"
	OutcomeSkipped               Outcome = "skipped"
	OutcomeError                 Outcome = "error"
)

// Outcomes lists every outcome in reporting order.
var Outcomes = []Outcome{
	OutcomeLinked,
	OutcomeAlreadyLinkedSameUser,
	OutcomeConflict,
	OutcomePendingManualReview,
	OutcomeAlreadyProcessed,
	OutcomeSkipped,
	OutcomeError,
}

// RunSummary aggregates the counters of one run.
type RunSummary struct {
	Linked                int           `json:"linked"`
	AlreadyLinkedSameUser int           `json:"alreadyLinkedSameUser"`
	Conflict              int           `json:"conflict"`
	PendingManualReview   int           `json:"pendingManualReview"`
	AlreadyProcessed      int           `json:"alreadyProcessed"`
	Skipped               int           `json:"skipped"`
	Error                 int           `json:"error"`
	ScanFailures          int           `json:"scanFailures"`
	Duration              time.Duration `json:"duration"`
}

// Add counts one outcome.
func (summary *RunSummary) Add(outcome Outcome) {
	switch outcome {
	case OutcomeLinked:
		summary.Linked++
	case OutcomeAlreadyLinkedSameUser:
		summary.AlreadyLinkedSameUser++
	case OutcomeConflict:
		summary.Conflict++
	case OutcomePendingManualReview:
		summary.PendingManualReview++
	case OutcomeAlreadyProcessed:
		summary.AlreadyProcessed++
	case OutcomeSkipped:
		summary.Skipped++
	default:
		summary.Error++
	}
}

// Count returns the counter for outcome.
func (summary RunSummary) Count(outcome Outcome) int {
	switch outcome {
	case OutcomeLinked:
		return summary.Linked
	case OutcomeAlreadyLinkedSameUser:
		return summary.AlreadyLinkedSameUser
	case OutcomeConflict:
		return summary.Conflict
	case OutcomePendingManualReview:
		return summary.PendingManualReview
	case OutcomeAlreadyProcessed:
		return summary.AlreadyProcessed
	case OutcomeSkipped:
		return summary.Skipped
	case OutcomeError:
		return summary.Error
	}
	return 0
}

// Total returns the number of items reconciled.
func (summary RunSummary) Total() int {
	total := 0
	for _, outcome := range Outcomes {
		total += summary.Count(outcome)
	}
	return total
}

// Failed reports whether the run needs administrator attention.
func (summary RunSummary) Failed() bool {
	return summary.Error > 0 || summary.ScanFailures > 0
}

// String renders the counters on one line.
func (summary RunSummary) String() string {
	return fmt.Sprintf(
		"linked=%d already_linked_same_user=%d conflict=%d pending_manual_review=%d already_processed=%d skipped=%d error=%d scan_failures=%d",
		summary.Linked,
		summary.AlreadyLinkedSameUser,
		summary.Conflict,
		summary.PendingManualReview,
		summary.AlreadyProcessed,
		summary.Skipped,
		summary.Error,
		summary.ScanFailures,
	)
}
