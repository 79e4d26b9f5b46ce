package phase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/domain"
	"github.com/halcyonlabs/specforge/internal/graph"
	"go.uber.org/zap"
)

// allowed is the transition table. Anything absent is rejected; there
// is no path back from complete or failed.
var allowed = map[domain.Phase][]domain.Phase{
	domain.PhaseDraft:        {domain.PhaseRequirements, domain.PhaseFailed},
	domain.PhaseRequirements: {domain.PhaseDesign, domain.PhaseBlocked, domain.PhaseFailed},
	domain.PhaseDesign:       {domain.PhaseTasks, domain.PhaseBlocked, domain.PhaseFailed},
	domain.PhaseTasks:        {domain.PhaseExecution, domain.PhaseBlocked, domain.PhaseFailed},
	domain.PhaseExecution:    {domain.PhaseSync, domain.PhaseBlocked, domain.PhaseFailed},
	domain.PhaseSync:         {domain.PhaseComplete, domain.PhaseExecution, domain.PhaseFailed},
	domain.PhaseBlocked:      {domain.PhaseRequirements, domain.PhaseDesign, domain.PhaseTasks, domain.PhaseExecution, domain.PhaseSync, domain.PhaseFailed},
}

// order indexes the forward pipeline for out-of-band checks.
var order = map[domain.Phase]int{
	domain.PhaseDraft:        0,
	domain.PhaseRequirements: 1,
	domain.PhaseDesign:       2,
	domain.PhaseTasks:        3,
	domain.PhaseExecution:    4,
	domain.PhaseSync:         5,
	domain.PhaseComplete:     6,
}

// approvalRequired lists target phases gated on a human decision.
var approvalRequired = map[domain.Phase]bool{
	domain.PhaseDesign:    true,
	domain.PhaseTasks:     true,
	domain.PhaseExecution: true,
}

// GateResult is a gate evaluation: a quality score plus what is missing.
type GateResult struct {
	Score   float64
	Reasons []string
}

// Gate scores whether a spec is ready to enter the target phase.
type Gate interface {
	Evaluate(ctx context.Context, spec domain.Spec, target domain.Phase) (GateResult, error)
}

// Config tunes gate enforcement.
type Config struct {
	GateThreshold  float64 // minimum gate score to pass
	MaxGateRetries int     // failed gate evaluations before the spec blocks
}

func (c Config) withDefaults() Config {
	if c.GateThreshold <= 0 {
		c.GateThreshold = 0.7
	}
	if c.MaxGateRetries <= 0 {
		c.MaxGateRetries = 2
	}
	return c
}

type specState struct {
	spec        *domain.Spec
	gateRetries int
	approval    *domain.Approval
	resumeTo    domain.Phase // phase to return to after blocked
}

// Machine is the spec registry plus its phase state machine. Every
// transition goes through the gate, the approval hook, and the allowed
// table; history is append-only.
type Machine struct {
	gate   Gate
	events graph.EventSink
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	specs map[uuid.UUID]*specState
}

// NewMachine creates the phase machine. gate may be nil to disable scoring.
func NewMachine(gate Gate, cfg Config, events graph.EventSink, logger *zap.Logger) *Machine {
	return &Machine{
		gate:   gate,
		events: events,
		cfg:    cfg.withDefaults(),
		logger: logger,
		specs:  make(map[uuid.UUID]*specState),
	}
}

// Register admits a new spec in draft.
func (m *Machine) Register(spec *domain.Spec) domain.Spec {
	if spec.ID == uuid.Nil {
		spec.ID = uuid.New()
	}
	now := time.Now().UTC()
	spec.Phase = domain.PhaseDraft
	spec.Status = domain.SpecDraft
	spec.CreatedAt = now
	spec.UpdatedAt = now

	m.mu.Lock()
	m.specs[spec.ID] = &specState{spec: spec}
	m.mu.Unlock()
	return *spec
}

// Get returns a copy of a spec.
func (m *Machine) Get(specID uuid.UUID) (domain.Spec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.specs[specID]
	if !ok {
		return domain.Spec{}, domain.ErrSpecNotFound
	}
	return *st.spec, nil
}

// List returns copies of all registered specs.
func (m *Machine) List() []domain.Spec {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Spec, 0, len(m.specs))
	for _, st := range m.specs {
		out = append(out, *st.spec)
	}
	return out
}

// Approve records a human decision for the spec's next gated transition.
func (m *Machine) Approve(specID uuid.UUID, a domain.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.specs[specID]
	if !ok {
		return domain.ErrSpecNotFound
	}
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	st.approval = &a
	return nil
}

// Advance moves the spec to the target phase. The transition must be in
// the allowed table, pass the gate, and carry an approval where one is
// required. Gate failures are retryable up to the budget, then block.
func (m *Machine) Advance(ctx context.Context, specID uuid.UUID, to domain.Phase) error {
	m.mu.Lock()
	st, ok := m.specs[specID]
	if !ok {
		m.mu.Unlock()
		return domain.ErrSpecNotFound
	}
	spec := *st.spec
	m.mu.Unlock()

	if spec.Phase.IsTerminal() {
		return fmt.Errorf("spec %s is %s: %w", specID, spec.Phase, domain.ErrPhaseTransition)
	}
	if !transitionAllowed(spec.Phase, to) {
		return fmt.Errorf("%s -> %s: %w", spec.Phase, to, domain.ErrPhaseTransition)
	}

	var score float64 = 1
	if m.gate != nil && to != domain.PhaseBlocked && to != domain.PhaseFailed {
		res, err := m.gate.Evaluate(ctx, spec, to)
		if err != nil {
			return fmt.Errorf("gate evaluation: %w", err)
		}
		score = res.Score
		if res.Score < m.cfg.GateThreshold {
			return m.gateFailed(ctx, st, to, res)
		}
	}

	m.mu.Lock()
	if st.spec.Phase != spec.Phase {
		// Lost a race with another transition; caller retries. The
		// approval, if any, stays recorded for that retry.
		m.mu.Unlock()
		return fmt.Errorf("%s -> %s: %w", spec.Phase, to, domain.ErrPhaseTransition)
	}
	approvedBy := ""
	if needsApproval(spec.Phase, to) {
		approval := st.approval
		if approval == nil {
			m.mu.Unlock()
			return fmt.Errorf("transition to %s: %w", to, domain.ErrApprovalRequired)
		}
		st.approval = nil
		if !approval.Approved {
			m.mu.Unlock()
			return fmt.Errorf("transition to %s rejected by %s (%s): %w",
				to, approval.By, approval.Feedback, domain.ErrApprovalRequired)
		}
		approvedBy = approval.By
	}
	if to == domain.PhaseBlocked {
		st.resumeTo = st.spec.Phase
	}
	change := domain.PhaseChange{
		From:       st.spec.Phase,
		To:         to,
		GateScore:  score,
		ApprovedBy: approvedBy,
		At:         time.Now().UTC(),
	}
	st.spec.Phase = to
	st.spec.PhaseHistory = append(st.spec.PhaseHistory, change)
	st.spec.UpdatedAt = change.At
	st.gateRetries = 0
	switch to {
	case domain.PhaseComplete:
		st.spec.Status = domain.SpecComplete
	case domain.PhaseFailed:
		st.spec.Status = domain.SpecFailed
	case domain.PhaseBlocked:
		st.spec.Status = domain.SpecBlocked
	default:
		st.spec.Status = domain.SpecActive
	}
	m.mu.Unlock()

	m.logger.Info("phase transition",
		zap.String("spec", specID.String()),
		zap.String("from", string(change.From)),
		zap.String("to", string(to)),
		zap.Float64("gate_score", score))
	m.publish(ctx, domain.NewEvent(domain.EventPhaseTransition, specID, "spec", specID.String(), map[string]string{
		"from": string(change.From),
		"to":   string(to),
	}))
	return nil
}

// gateFailed counts the failure against the retry budget and blocks the
// spec once it is spent.
func (m *Machine) gateFailed(ctx context.Context, st *specState, to domain.Phase, res GateResult) error {
	m.mu.Lock()
	st.gateRetries++
	retries := st.gateRetries
	specID := st.spec.ID
	exhausted := retries > m.cfg.MaxGateRetries
	if exhausted {
		st.resumeTo = st.spec.Phase
		st.spec.PhaseHistory = append(st.spec.PhaseHistory, domain.PhaseChange{
			From:      st.spec.Phase,
			To:        domain.PhaseBlocked,
			GateScore: res.Score,
			At:        time.Now().UTC(),
		})
		st.spec.Phase = domain.PhaseBlocked
		st.spec.Status = domain.SpecBlocked
		st.gateRetries = 0
	}
	m.mu.Unlock()

	m.logger.Warn("phase gate failed",
		zap.String("spec", specID.String()),
		zap.String("target", string(to)),
		zap.Float64("score", res.Score),
		zap.Strings("reasons", res.Reasons),
		zap.Int("attempt", retries))
	m.publish(ctx, domain.NewEvent(domain.EventPhaseGateFailed, specID, "spec", specID.String(), map[string]string{
		"target": string(to),
		"score":  fmt.Sprintf("%.2f", res.Score),
	}))
	if exhausted {
		return fmt.Errorf("gate for %s failed %d times, spec blocked: %w", to, retries, domain.ErrPhaseGateFailed)
	}
	return fmt.Errorf("gate for %s scored %.2f: %w", to, res.Score, domain.ErrPhaseGateFailed)
}

// Resume returns a blocked spec to the phase it was blocked from.
func (m *Machine) Resume(ctx context.Context, specID uuid.UUID) error {
	m.mu.Lock()
	st, ok := m.specs[specID]
	if !ok {
		m.mu.Unlock()
		return domain.ErrSpecNotFound
	}
	if st.spec.Phase != domain.PhaseBlocked || st.resumeTo == "" {
		m.mu.Unlock()
		return fmt.Errorf("spec %s is not blocked: %w", specID, domain.ErrPhaseTransition)
	}
	to := st.resumeTo
	m.mu.Unlock()
	return m.Advance(ctx, specID, to)
}

// OutOfBandAllowed reports whether work targeting an earlier phase may
// run while the spec sits in its current phase. The spec's own phase
// never regresses for it.
func (m *Machine) OutOfBandAllowed(specID uuid.UUID, target domain.Phase) bool {
	spec, err := m.Get(specID)
	if err != nil || spec.Phase.IsTerminal() {
		return false
	}
	cur, ok := order[spec.Phase]
	if !ok {
		// Blocked specs accept no out-of-band work.
		return false
	}
	tgt, ok := order[target]
	return ok && tgt <= cur
}

// History returns the spec's phase transitions in order.
func (m *Machine) History(specID uuid.UUID) ([]domain.PhaseChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.specs[specID]
	if !ok {
		return nil, domain.ErrSpecNotFound
	}
	out := make([]domain.PhaseChange, len(st.spec.PhaseHistory))
	copy(out, st.spec.PhaseHistory)
	return out, nil
}

// SetStatus overrides the spec status for pause and resume of dispatch.
func (m *Machine) SetStatus(specID uuid.UUID, status domain.SpecStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.specs[specID]
	if !ok {
		return domain.ErrSpecNotFound
	}
	st.spec.Status = status
	st.spec.UpdatedAt = time.Now().UTC()
	return nil
}

// needsApproval gates forward pipeline moves only: returning to
// execution after merge conflicts or resuming from blocked reuses the
// approval already given.
func needsApproval(from, to domain.Phase) bool {
	if !approvalRequired[to] {
		return false
	}
	f, ok := order[from]
	if !ok {
		return false
	}
	return f < order[to]
}

func transitionAllowed(from, to domain.Phase) bool {
	for _, p := range allowed[from] {
		if p == to {
			return true
		}
	}
	return false
}

func (m *Machine) publish(ctx context.Context, ev domain.Event) {
	if m.events != nil {
		m.events.Publish(ctx, ev)
	}
}
