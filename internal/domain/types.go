package domain

import (
	"time"

	"github.com/google/uuid"
)

// Phase is a stage in a spec's lifecycle.
type Phase string

const (
	PhaseDraft        Phase = "draft"
	PhaseRequirements Phase = "requirements"
	PhaseDesign       Phase = "design"
	PhaseTasks        Phase = "tasks"
	PhaseExecution    Phase = "execution"
	PhaseSync         Phase = "sync"
	PhaseComplete     Phase = "complete"
	PhaseFailed       Phase = "failed"
	PhaseBlocked      Phase = "blocked"
)

// IsTerminal reports whether no further phase transitions are possible.
func (p Phase) IsTerminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// SpecStatus tracks the overall state of a submitted spec.
type SpecStatus string

const (
	SpecDraft    SpecStatus = "draft"
	SpecActive   SpecStatus = "active"
	SpecPaused   SpecStatus = "paused"
	SpecBlocked  SpecStatus = "blocked"
	SpecComplete SpecStatus = "complete"
	SpecFailed   SpecStatus = "failed"
)

// PhaseChange records one phase transition in a spec's history.
type PhaseChange struct {
	From       Phase     `json:"from"`
	To         Phase     `json:"to"`
	GateScore  float64   `json:"gate_score"`
	ApprovedBy string    `json:"approved_by,omitempty"`
	At         time.Time `json:"at"`
}

// CriterionKind distinguishes how an acceptance criterion is checked.
type CriterionKind string

const (
	CriterionTestsPass  CriterionKind = "tests_pass"
	CriterionFileExists CriterionKind = "file_exists"
	CriterionJudged     CriterionKind = "judged"
)

// Criterion is one machine-checkable acceptance criterion.
type Criterion struct {
	ID          string        `json:"id"`
	Kind        CriterionKind `json:"kind"`
	Description string        `json:"description"`
	Target      string        `json:"target,omitempty"`
}

// Constraint is a standing restriction attached to a spec or task.
// Constraints persist for the lifetime of the owner and are re-checked
// on every Guardian cycle, never only at creation.
type Constraint struct {
	Text          string    `json:"text"`
	Source        string    `json:"source"`
	EstablishedAt time.Time `json:"established_at"`
}

// Spec is the top-level unit of work submitted by a user.
type Spec struct {
	ID           uuid.UUID     `json:"id"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	Phase        Phase         `json:"phase"`
	PhaseHistory []PhaseChange `json:"phase_history"`
	Criteria     []Criterion   `json:"criteria"`
	Constraints  []Constraint  `json:"constraints"`
	Status       SpecStatus    `json:"status"`
	BaseBranch   string        `json:"base_branch"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ExecMode is how a task's agent should operate.
type ExecMode string

const (
	ModeExploration    ExecMode = "exploration"
	ModeImplementation ExecMode = "implementation"
	ModeValidation     ExecMode = "validation"
)

// TaskStatus tracks a task through its lifecycle.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskReady      TaskStatus = "ready"
	TaskAssigned   TaskStatus = "assigned"
	TaskRunning    TaskStatus = "running"
	TaskValidating TaskStatus = "validating"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
	TaskBlocked    TaskStatus = "blocked"
)

// IsTerminal reports whether no further status transitions are allowed.
// Blocked tasks are not terminal: they await human or discovery resolution.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskDone || s == TaskFailed
}

// Task is an atomic unit of executable work within a spec.
// Tasks are never deleted, only terminalized, to preserve audit lineage.
type Task struct {
	ID             uuid.UUID    `json:"id"`
	SpecID         uuid.UUID    `json:"spec_id"`
	Description    string       `json:"description"`
	Mode           ExecMode     `json:"mode"`
	Status         TaskStatus   `json:"status"`
	Priority       int          `json:"priority"`
	DependsOn      []uuid.UUID  `json:"depends_on"`
	ParentID       *uuid.UUID   `json:"parent_id,omitempty"`
	DiscoveryID    *uuid.UUID   `json:"discovery_id,omitempty"`
	Criteria       []Criterion  `json:"criteria"`
	Constraints    []Constraint `json:"constraints"`
	Branch         string       `json:"branch,omitempty"`
	Retries        int          `json:"retries"`
	FailureReasons []string     `json:"failure_reasons,omitempty"`
	BlockedReason  string       `json:"blocked_reason,omitempty"`
	Seq            int64        `json:"seq"`
	CreatedAt      time.Time    `json:"created_at"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
}

// AttemptStatus tracks one execution attempt.
type AttemptStatus string

const (
	AttemptRunning   AttemptStatus = "running"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
	AttemptTimedOut  AttemptStatus = "timed_out"
	AttemptStuck     AttemptStatus = "stuck"
)

// IsTerminal reports whether the attempt is closed. Stuck is recoverable.
func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptSucceeded || s == AttemptFailed || s == AttemptTimedOut
}

// AlignmentBand classifies an alignment score against the Guardian thresholds.
type AlignmentBand string

const (
	BandOnTrack   AlignmentBand = "on_track"  // >= 0.85
	BandAttention AlignmentBand = "attention" // 0.70 - 0.84
	BandDrifting  AlignmentBand = "drifting"  // 0.50 - 0.69
	BandCritical  AlignmentBand = "critical"  // < 0.50
)

// AlignmentSample is one Guardian scoring observation for an attempt.
type AlignmentSample struct {
	Score      float64       `json:"score"`
	Confidence float64       `json:"confidence"`
	Band       AlignmentBand `json:"band"`
	At         time.Time     `json:"at"`
}

// Artifact is the output of a completed attempt: a branch plus its diff.
type Artifact struct {
	Branch  string   `json:"branch"`
	Diff    string   `json:"diff"`
	Files   []string `json:"files"`
	Summary string   `json:"summary,omitempty"`
}

// ExecutionAttempt is one supervised run of a task in an isolated sandbox.
// At most one attempt per task is running at any instant.
type ExecutionAttempt struct {
	ID            uuid.UUID         `json:"id"`
	TaskID        uuid.UUID         `json:"task_id"`
	SpecID        uuid.UUID         `json:"spec_id"`
	AgentID       string            `json:"agent_id"`
	Status        AttemptStatus     `json:"status"`
	StartedAt     time.Time         `json:"started_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	ClosedAt      *time.Time        `json:"closed_at,omitempty"`
	Alignment     []AlignmentSample `json:"alignment,omitempty"`
	Interventions int               `json:"interventions"`
	StuckEpisodes int               `json:"stuck_episodes"`
	Artifact      *Artifact         `json:"artifact,omitempty"`
	Error         string            `json:"error,omitempty"`
	Touched       []string          `json:"touched,omitempty"` // files reported modified so far
}

// InterventionType is the kind of steering message issued to an attempt.
type InterventionType string

const (
	InterveneRefocus        InterventionType = "refocus"
	IntervenePrioritize     InterventionType = "prioritize"
	InterveneStop           InterventionType = "stop"
	InterveneAddConstraint  InterventionType = "add_constraint"
	InterveneStatusReminder InterventionType = "status_reminder"
)

// InterventionOutcome is measured at the next Guardian cycle.
type InterventionOutcome string

const (
	OutcomeUnknown InterventionOutcome = "unknown"
	OutcomeSuccess InterventionOutcome = "success"
	OutcomeFailure InterventionOutcome = "failure"
)

// Intervention is a steering message issued to a running attempt.
// Immutable once created except Resolved/Outcome/RecoveryTime, which are
// set on the next observation.
type Intervention struct {
	ID           uuid.UUID           `json:"id"`
	AttemptID    uuid.UUID           `json:"attempt_id"`
	TaskID       uuid.UUID           `json:"task_id"`
	Type         InterventionType    `json:"type"`
	Reason       string              `json:"reason"`
	IssuedBy     string              `json:"issued_by"`
	IssuedAt     time.Time           `json:"issued_at"`
	Resolved     bool                `json:"resolved"`
	RecoveryTime *time.Duration      `json:"recovery_time,omitempty"`
	Outcome      InterventionOutcome `json:"outcome"`
	Audit        map[string]string   `json:"audit,omitempty"` // before/after state
}

// DiscoveryType classifies an agent-reported discovery.
type DiscoveryType string

const (
	DiscoveryBug          DiscoveryType = "bug"
	DiscoveryMissingReq   DiscoveryType = "missing_requirement"
	DiscoveryOptimization DiscoveryType = "optimization"
)

// Discovery is an agent's report that new work should exist. It is
// consumed exactly once: either a task is spawned or the discovery is
// rejected with an explicit reason.
type Discovery struct {
	ID           uuid.UUID     `json:"id"`
	SpecID       uuid.UUID     `json:"spec_id"`
	SourceTaskID uuid.UUID     `json:"source_task_id"`
	Type         DiscoveryType `json:"type"`
	Description  string        `json:"description"`
	Evidence     []string      `json:"evidence,omitempty"`
	DependsOn    []uuid.UUID   `json:"depends_on,omitempty"`
	Blocks       []uuid.UUID   `json:"blocks,omitempty"`       // existing tasks that must wait for the new one
	TargetPhase  Phase         `json:"target_phase,omitempty"` // out-of-band phase target
	Priority     int           `json:"priority"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Approval is a human decision consumed by the phase state machine.
type Approval struct {
	Approved bool      `json:"approved"`
	By       string    `json:"by"`
	Feedback string    `json:"feedback,omitempty"`
	At       time.Time `json:"at"`
}
