package dispatch

import (
	"context"
	"time"

	"github.com/halcyonlabs/specforge/internal/domain"
)

// RunRequest carries everything a sandboxed agent needs: the task, the
// accumulated constraint list, acceptance criteria, and any failure
// reasons from prior validation rounds.
type RunRequest struct {
	Task         domain.Task         `json:"task"`
	Constraints  []domain.Constraint `json:"constraints"`
	Criteria     []domain.Criterion  `json:"criteria"`
	BaseBranch   string              `json:"base_branch"`
	RetryContext []string            `json:"retry_context,omitempty"`
}

// Heartbeat is a periodic liveness and progress report from a sandbox.
type Heartbeat struct {
	AgentID  string    `json:"agent_id"`
	At       time.Time `json:"at"`
	Progress string    `json:"progress,omitempty"`
	Files    []string  `json:"files,omitempty"` // files touched since the last beat
}

// RunResult is the terminal outcome of one sandbox session.
type RunResult struct {
	Artifact *domain.Artifact
	Err      error
}

// Session is one live sandbox execution. Heartbeats and the terminal
// result arrive on channels; interventions are delivered back in.
type Session interface {
	AgentID() string
	Heartbeats() <-chan Heartbeat
	Result() <-chan RunResult
	Deliver(ctx context.Context, iv domain.Intervention) error
	Stop(ctx context.Context) error
}

// Backend acquires isolated execution slots. Sandbox internals are an
// external collaborator; the dispatcher only supervises the session.
type Backend interface {
	Acquire(ctx context.Context, req RunRequest) (Session, error)
}

// Completer receives a finished attempt's artifact for validation and
// merge. Wired by the orchestrator so the dispatcher never judges its
// own output.
type Completer interface {
	OnCompletion(ctx context.Context, attempt domain.ExecutionAttempt, artifact *domain.Artifact)
}
