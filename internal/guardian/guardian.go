package guardian

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/domain"
	"github.com/halcyonlabs/specforge/internal/graph"
	"github.com/halcyonlabs/specforge/internal/oracle"
	"go.uber.org/zap"
)

// Supervisor is the slice of the dispatcher the Guardian drives.
type Supervisor interface {
	Active() []domain.ExecutionAttempt
	RecordAlignment(attemptID uuid.UUID, sample domain.AlignmentSample) error
	Intervene(ctx context.Context, iv domain.Intervention) error
}

// Config tunes the monitoring loop.
type Config struct {
	Interval        time.Duration // cycle cadence
	OnTrack         float64       // scores at or above need nothing
	Attention       float64       // scores below OnTrack but above this are watched
	Critical        float64       // scores below this get the strongest steering
	ConfidenceFloor float64       // verdicts below this need a second consecutive cycle
	CooldownCycles  int           // cycles to wait between interventions on one attempt
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.OnTrack <= 0 {
		c.OnTrack = 0.85
	}
	if c.Attention <= 0 {
		c.Attention = 0.70
	}
	if c.Critical <= 0 {
		c.Critical = 0.50
	}
	if c.ConfidenceFloor <= 0 {
		c.ConfidenceFloor = 0.5
	}
	if c.CooldownCycles <= 0 {
		c.CooldownCycles = 1
	}
	return c
}

// pendingOutcome is an issued intervention awaiting its next-cycle measurement.
type pendingOutcome struct {
	id       uuid.UUID
	band     domain.AlignmentBand
	wasStuck bool
	issuedAt time.Time
}

type watchState struct {
	lowConfStreak int
	cooldown      int
	pending       *pendingOutcome
}

// typeStats is the per-type intervention track record. Measured outcomes
// feed back into which type gets picked next time.
type typeStats struct {
	Issued    int
	Succeeded int
}

// Guardian watches every active attempt: scores trajectory alignment
// against the task's goal and standing constraints, intervenes when an
// attempt drifts or goes silent, and measures whether each intervention
// worked one cycle later.
type Guardian struct {
	oracle oracle.Oracle
	graph  *graph.Store
	sup    Supervisor
	events graph.EventSink
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	watch  map[uuid.UUID]*watchState
	ledger map[uuid.UUID]*domain.Intervention
	stats  map[domain.InterventionType]*typeStats
}

// New creates a guardian.
func New(o oracle.Oracle, g *graph.Store, sup Supervisor, cfg Config, events graph.EventSink, logger *zap.Logger) *Guardian {
	return &Guardian{
		oracle: o,
		graph:  g,
		sup:    sup,
		events: events,
		cfg:    cfg.withDefaults(),
		logger: logger,
		watch:  make(map[uuid.UUID]*watchState),
		ledger: make(map[uuid.UUID]*domain.Intervention),
		stats:  make(map[domain.InterventionType]*typeStats),
	}
}

// Run cycles until the context is cancelled.
func (g *Guardian) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Cycle(ctx)
		}
	}
}

// Cycle performs one monitoring pass over all active attempts.
func (g *Guardian) Cycle(ctx context.Context) {
	active := g.sup.Active()
	seen := make(map[uuid.UUID]bool, len(active))

	for _, attempt := range active {
		seen[attempt.ID] = true
		g.observe(ctx, attempt)
	}

	g.mu.Lock()
	for id := range g.watch {
		if !seen[id] {
			delete(g.watch, id)
		}
	}
	g.mu.Unlock()
}

func (g *Guardian) observe(ctx context.Context, attempt domain.ExecutionAttempt) {
	g.mu.Lock()
	ws, ok := g.watch[attempt.ID]
	if !ok {
		ws = &watchState{}
		g.watch[attempt.ID] = ws
	}
	g.mu.Unlock()

	task, err := g.graph.Task(attempt.SpecID, attempt.TaskID)
	if err != nil {
		g.logger.Warn("attempt without task", zap.String("attempt", attempt.ID.String()), zap.Error(err))
		return
	}

	// A stuck attempt sends no signal worth scoring; steer it directly.
	if attempt.Status == domain.AttemptStuck {
		g.settleOutcome(ctx, ws, attempt, domain.BandCritical)
		if ws.cooldown > 0 {
			ws.cooldown--
			return
		}
		g.issue(ctx, ws, attempt, domain.InterveneStatusReminder, domain.BandCritical,
			"heartbeats stale, report status and continue or surrender the task")
		return
	}

	resp, err := g.oracle.ScoreAlignment(ctx, oracle.AlignmentRequest{
		TaskDescription: task.Description,
		Constraints:     constraintTexts(task.Constraints),
		Progress:        attempt.Error,
		TouchedFiles:    attempt.Touched,
	})
	if err != nil {
		g.logger.Warn("alignment scoring failed",
			zap.String("attempt", attempt.ID.String()), zap.Error(err))
		return
	}

	band := g.bandFor(resp.Score)
	sample := domain.AlignmentSample{
		Score:      resp.Score,
		Confidence: resp.Confidence,
		Band:       band,
		At:         time.Now().UTC(),
	}
	if err := g.sup.RecordAlignment(attempt.ID, sample); err != nil {
		g.logger.Warn("alignment sample dropped", zap.Error(err))
	}

	g.settleOutcome(ctx, ws, attempt, band)

	// One low-confidence verdict is advisory. Two in a row is a signal.
	if resp.Confidence < g.cfg.ConfidenceFloor {
		ws.lowConfStreak++
		if ws.lowConfStreak < 2 {
			return
		}
	} else {
		ws.lowConfStreak = 0
	}

	if ws.cooldown > 0 {
		ws.cooldown--
		return
	}

	switch {
	case len(resp.Violations) > 0:
		g.issue(ctx, ws, attempt, domain.InterveneAddConstraint, band,
			"constraint violated: "+strings.Join(resp.Violations, "; "))
	case band == domain.BandCritical:
		g.issue(ctx, ws, attempt, g.pickType(domain.InterveneStop, domain.InterveneRefocus), band,
			fmt.Sprintf("trajectory critical (alignment %.2f): %s", resp.Score, resp.Rationale))
	case band == domain.BandDrifting:
		g.issue(ctx, ws, attempt, domain.InterveneRefocus, band,
			fmt.Sprintf("trajectory drifting (alignment %.2f): %s", resp.Score, resp.Rationale))
	case band == domain.BandAttention:
		g.logger.Info("attempt under watch",
			zap.String("attempt", attempt.ID.String()),
			zap.Float64("alignment", resp.Score))
	}
}

// issue sends one intervention and records it for next-cycle measurement.
func (g *Guardian) issue(ctx context.Context, ws *watchState, attempt domain.ExecutionAttempt, t domain.InterventionType, band domain.AlignmentBand, reason string) {
	iv := domain.Intervention{
		ID:        uuid.New(),
		AttemptID: attempt.ID,
		TaskID:    attempt.TaskID,
		Type:      t,
		Reason:    reason,
		IssuedBy:  "guardian",
		IssuedAt:  time.Now().UTC(),
		Outcome:   domain.OutcomeUnknown,
		Audit: map[string]string{
			"before_status": string(attempt.Status),
			"before_band":   string(band),
		},
	}
	if err := g.sup.Intervene(ctx, iv); err != nil {
		g.logger.Warn("intervention not delivered",
			zap.String("attempt", attempt.ID.String()),
			zap.String("type", string(t)),
			zap.Error(err))
		return
	}

	g.mu.Lock()
	g.ledger[iv.ID] = &iv
	st, ok := g.stats[t]
	if !ok {
		st = &typeStats{}
		g.stats[t] = st
	}
	st.Issued++
	g.mu.Unlock()

	ws.pending = &pendingOutcome{
		id:       iv.ID,
		band:     band,
		wasStuck: attempt.Status == domain.AttemptStuck,
		issuedAt: iv.IssuedAt,
	}
	ws.cooldown = g.cfg.CooldownCycles
	g.logger.Info("intervention issued",
		zap.String("attempt", attempt.ID.String()),
		zap.String("type", string(t)),
		zap.String("reason", reason))
}

// settleOutcome measures the previous cycle's intervention against the
// current observation.
func (g *Guardian) settleOutcome(ctx context.Context, ws *watchState, attempt domain.ExecutionAttempt, band domain.AlignmentBand) {
	if ws.pending == nil {
		return
	}
	p := ws.pending
	ws.pending = nil

	recovered := bandRank(band) > bandRank(p.band)
	if p.wasStuck && attempt.Status == domain.AttemptRunning {
		recovered = true
	}

	g.mu.Lock()
	iv, ok := g.ledger[p.id]
	if ok {
		iv.Resolved = true
		if recovered {
			iv.Outcome = domain.OutcomeSuccess
			rt := time.Since(p.issuedAt)
			iv.RecoveryTime = &rt
		} else {
			iv.Outcome = domain.OutcomeFailure
		}
		iv.Audit["after_status"] = string(attempt.Status)
		iv.Audit["after_band"] = string(band)
		if recovered {
			if st := g.stats[iv.Type]; st != nil {
				st.Succeeded++
			}
		}
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	if g.events != nil {
		g.events.Publish(ctx, domain.NewEvent(domain.EventInterventionResolved, attempt.SpecID, "intervention", p.id.String(), map[string]string{
			"attempt": attempt.ID.String(),
			"outcome": string(iv.Outcome),
		}))
	}
}

// OverridePriority reassigns a task's scheduling priority through the
// graph store and records the change as an audited prioritize
// intervention. The intervention has no attempt: it targets the queue
// position, not a running sandbox.
func (g *Guardian) OverridePriority(ctx context.Context, specID, taskID uuid.UUID, priority int, reason string) error {
	old, err := g.graph.SetPriority(specID, taskID, priority)
	if err != nil {
		return fmt.Errorf("override priority: %w", err)
	}

	iv := domain.Intervention{
		ID:       uuid.New(),
		TaskID:   taskID,
		Type:     domain.IntervenePrioritize,
		Reason:   reason,
		IssuedBy: "guardian",
		IssuedAt: time.Now().UTC(),
		Resolved: true,
		Outcome:  domain.OutcomeSuccess,
		Audit: map[string]string{
			"old_priority": fmt.Sprintf("%d", old),
			"new_priority": fmt.Sprintf("%d", priority),
		},
	}
	g.mu.Lock()
	g.ledger[iv.ID] = &iv
	g.mu.Unlock()

	if g.events != nil {
		g.events.Publish(ctx, domain.NewEvent(domain.EventInterventionIssued, specID, "task", taskID.String(), map[string]string{
			"type":         string(domain.IntervenePrioritize),
			"old_priority": iv.Audit["old_priority"],
			"new_priority": iv.Audit["new_priority"],
		}))
	}
	g.logger.Info("task priority overridden",
		zap.String("task", taskID.String()),
		zap.Int("old", old),
		zap.Int("new", priority),
		zap.String("reason", reason))
	return nil
}

// pickType prefers the candidate with the best measured success rate.
// Unmeasured types rank above measured failures so every type gets tried.
func (g *Guardian) pickType(candidates ...domain.InterventionType) domain.InterventionType {
	g.mu.Lock()
	defer g.mu.Unlock()
	best := candidates[0]
	bestRate := -1.0
	for _, c := range candidates {
		rate := 0.5 // optimistic prior for untried types
		if st, ok := g.stats[c]; ok && st.Issued > 0 {
			rate = float64(st.Succeeded) / float64(st.Issued)
		}
		if rate > bestRate {
			best, bestRate = c, rate
		}
	}
	return best
}

func (g *Guardian) bandFor(score float64) domain.AlignmentBand {
	switch {
	case score >= g.cfg.OnTrack:
		return domain.BandOnTrack
	case score >= g.cfg.Attention:
		return domain.BandAttention
	case score >= g.cfg.Critical:
		return domain.BandDrifting
	default:
		return domain.BandCritical
	}
}

func bandRank(b domain.AlignmentBand) int {
	switch b {
	case domain.BandCritical:
		return 0
	case domain.BandDrifting:
		return 1
	case domain.BandAttention:
		return 2
	default:
		return 3
	}
}

// Interventions returns a copy of the intervention ledger.
func (g *Guardian) Interventions() []domain.Intervention {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.Intervention, 0, len(g.ledger))
	for _, iv := range g.ledger {
		out = append(out, *iv)
	}
	return out
}

// SuccessRate returns the measured success rate for an intervention type.
func (g *Guardian) SuccessRate(t domain.InterventionType) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.stats[t]
	if !ok || st.Issued == 0 {
		return 0, false
	}
	return float64(st.Succeeded) / float64(st.Issued), true
}

func constraintTexts(cs []domain.Constraint) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Text
	}
	return out
}
