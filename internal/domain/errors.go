package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the orchestration core. Callers match with
// errors.Is / errors.As.
var (
	ErrSpecNotFound    = errors.New("spec not found")
	ErrTaskNotFound    = errors.New("task not found")
	ErrAttemptNotFound = errors.New("attempt not found")

	// ErrCycleRejected is returned when a graph mutation would violate
	// acyclicity. The graph is left unchanged.
	ErrCycleRejected = errors.New("edge insertion would create a cycle")

	// ErrDuplicateRejected is returned when a discovery matches an
	// existing pending task above the similarity threshold.
	ErrDuplicateRejected = errors.New("discovery duplicates an existing task")

	// ErrAttemptActive is returned when a second dispatch is requested
	// for a task that already has a running attempt.
	ErrAttemptActive = errors.New("task already has an active attempt")

	// ErrAttemptStuck marks a heartbeat-stale attempt awaiting intervention.
	ErrAttemptStuck = errors.New("attempt is stuck")

	// ErrAttemptFailed marks a terminal attempt whose retry budget is exhausted.
	ErrAttemptFailed = errors.New("attempt failed terminally")

	// ErrTerminalStatus is returned when mutating a task that is already
	// done or failed. Terminal states are monotonic.
	ErrTerminalStatus = errors.New("task is in a terminal status")

	// ErrPhaseGateFailed is returned when a phase's quality score is
	// below threshold. Retryable up to the gate retry budget.
	ErrPhaseGateFailed = errors.New("phase gate score below threshold")

	// ErrPhaseTransition is returned for transitions outside the
	// allowed table (out-of-band discovery tasks bypass it explicitly).
	ErrPhaseTransition = errors.New("phase transition not allowed")

	// ErrApprovalRequired is returned when a gate passed but the human
	// approval hook has not yet supplied a decision.
	ErrApprovalRequired = errors.New("human approval required")

	// ErrMergeConflict is returned when a dry-run merge detects
	// conflicting hunks and the merge is queued for resolution.
	ErrMergeConflict = errors.New("merge conflict requires resolution")

	// ErrSpecPaused is returned when dispatching for a paused spec.
	ErrSpecPaused = errors.New("spec is paused")
)

// ValidationError carries structured failure reasons back into the
// retry dispatch as additional context.
type ValidationError struct {
	TaskID  string
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for task %s: %s", e.TaskID, strings.Join(e.Reasons, "; "))
}

// Conflict kinds surfaced by the Conductor.
const (
	ConflictDuplicateWork   = "duplicate_work"
	ConflictResourceOverlap = "resource_overlap"
)

// CoherenceConflict reports duplicate or overlapping concurrent work
// detected by the Conductor. Surfaced, never silently auto-resolved.
type CoherenceConflict struct {
	Kind       string // ConflictDuplicateWork or ConflictResourceOverlap
	AttemptA   string
	AttemptB   string
	Similarity float64
	Resources  []string
	Detail     string
}

func (e *CoherenceConflict) Error() string {
	return fmt.Sprintf("coherence conflict (%s) between attempts %s and %s: %s",
		e.Kind, e.AttemptA, e.AttemptB, e.Detail)
}
