package conductor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/domain"
	"github.com/halcyonlabs/specforge/internal/graph"
	"github.com/halcyonlabs/specforge/internal/oracle"
	"go.uber.org/zap"
)

// Supervisor is the slice of the dispatcher the Conductor reads.
type Supervisor interface {
	Active() []domain.ExecutionAttempt
}

// Pauser pauses a spec when parallel work cannot be serialized safely.
type Pauser interface {
	Pause(ctx context.Context, specID uuid.UUID, reason string) error
}

// Config tunes the cross-attempt coherence loop.
type Config struct {
	Interval           time.Duration // cycle cadence
	DuplicateThreshold float64       // similarity at or above is duplicate work
	ConfidenceFloor    float64       // oracle verdicts below this are ignored
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 120 * time.Second
	}
	if c.DuplicateThreshold <= 0 {
		c.DuplicateThreshold = 0.85
	}
	if c.ConfidenceFloor <= 0 {
		c.ConfidenceFloor = 0.5
	}
	return c
}

type pairKey struct{ a, b uuid.UUID }

func keyFor(a, b uuid.UUID) pairKey {
	if strings.Compare(a.String(), b.String()) > 0 {
		a, b = b, a
	}
	return pairKey{a, b}
}

// Conductor watches all attempts together where the Guardian watches
// them one at a time: it flags pairs doing duplicate work or touching
// the same files without a declared dependency, serializes them with an
// after-the-fact edge when possible, and publishes a per-spec coherence
// score each cycle.
type Conductor struct {
	oracle oracle.Oracle
	graph  *graph.Store
	sup    Supervisor
	pauser Pauser
	events graph.EventSink
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	reported  map[pairKey]bool
	conflicts []domain.CoherenceConflict
	scores    map[uuid.UUID]float64
}

// New creates a conductor. pauser may be nil.
func New(o oracle.Oracle, g *graph.Store, sup Supervisor, pauser Pauser, cfg Config, events graph.EventSink, logger *zap.Logger) *Conductor {
	return &Conductor{
		oracle:   o,
		graph:    g,
		sup:      sup,
		pauser:   pauser,
		events:   events,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		reported: make(map[pairKey]bool),
		scores:   make(map[uuid.UUID]float64),
	}
}

// Run cycles until the context is cancelled.
func (c *Conductor) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Cycle(ctx)
		}
	}
}

// Cycle performs one coherence pass over every spec with active attempts.
func (c *Conductor) Cycle(ctx context.Context) {
	bySpec := make(map[uuid.UUID][]domain.ExecutionAttempt)
	for _, a := range c.sup.Active() {
		bySpec[a.SpecID] = append(bySpec[a.SpecID], a)
	}

	for specID, attempts := range bySpec {
		sort.Slice(attempts, func(i, j int) bool {
			return attempts[i].StartedAt.Before(attempts[j].StartedAt)
		})
		newConflicts := 0
		for i := 0; i < len(attempts); i++ {
			for j := i + 1; j < len(attempts); j++ {
				if c.inspectPair(ctx, specID, attempts[i], attempts[j]) {
					newConflicts++
				}
			}
		}
		c.publishScore(ctx, specID, attempts, newConflicts)
	}
}

// inspectPair reports whether a new conflict was found for the pair.
// Each task pair is reported at most once.
func (c *Conductor) inspectPair(ctx context.Context, specID uuid.UUID, a, b domain.ExecutionAttempt) bool {
	key := keyFor(a.TaskID, b.TaskID)
	c.mu.Lock()
	if c.reported[key] {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	if conflict := c.resourceOverlap(specID, a, b); conflict != nil {
		c.record(ctx, specID, key, *conflict, a, b)
		return true
	}
	if conflict := c.duplicateWork(ctx, specID, a, b); conflict != nil {
		c.record(ctx, specID, key, *conflict, a, b)
		return true
	}
	return false
}

func (c *Conductor) resourceOverlap(specID uuid.UUID, a, b domain.ExecutionAttempt) *domain.CoherenceConflict {
	shared := intersect(a.Touched, b.Touched)
	if len(shared) == 0 {
		return nil
	}
	if c.graph.Related(specID, a.TaskID, b.TaskID) {
		// A declared dependency already orders the writes.
		return nil
	}
	return &domain.CoherenceConflict{
		Kind:      domain.ConflictResourceOverlap,
		AttemptA:  a.ID.String(),
		AttemptB:  b.ID.String(),
		Resources: shared,
		Detail:    fmt.Sprintf("both attempts modify %s with no dependency between their tasks", strings.Join(shared, ", ")),
	}
}

func (c *Conductor) duplicateWork(ctx context.Context, specID uuid.UUID, a, b domain.ExecutionAttempt) *domain.CoherenceConflict {
	taskA, errA := c.graph.Task(specID, a.TaskID)
	taskB, errB := c.graph.Task(specID, b.TaskID)
	if errA != nil || errB != nil {
		return nil
	}
	resp, err := c.oracle.CompareWork(ctx, oracle.CompareRequest{
		WorkA: taskA.Description,
		WorkB: taskB.Description,
	})
	if err != nil {
		c.logger.Warn("work comparison failed", zap.Error(err))
		return nil
	}
	if resp.Confidence < c.cfg.ConfidenceFloor {
		return nil
	}
	if !resp.IsDuplicate || resp.Similarity < c.cfg.DuplicateThreshold {
		return nil
	}
	return &domain.CoherenceConflict{
		Kind:       domain.ConflictDuplicateWork,
		AttemptA:   a.ID.String(),
		AttemptB:   b.ID.String(),
		Similarity: resp.Similarity,
		Detail:     resp.Description,
	}
}

// record publishes the conflict once and tries to serialize the pair.
func (c *Conductor) record(ctx context.Context, specID uuid.UUID, key pairKey, conflict domain.CoherenceConflict, a, b domain.ExecutionAttempt) {
	c.mu.Lock()
	c.reported[key] = true
	c.conflicts = append(c.conflicts, conflict)
	c.mu.Unlock()

	c.logger.Warn("coherence conflict",
		zap.String("kind", conflict.Kind),
		zap.String("attempt_a", a.ID.String()),
		zap.String("attempt_b", b.ID.String()),
		zap.String("detail", conflict.Detail))
	if c.events != nil {
		c.events.Publish(ctx, domain.NewEvent(domain.EventCoherenceConflict, specID, "conflict", conflict.Kind, map[string]string{
			"attempt_a":  a.ID.String(),
			"attempt_b":  b.ID.String(),
			"detail":     conflict.Detail,
			"similarity": fmt.Sprintf("%.2f", conflict.Similarity),
		}))
	}

	c.remediate(ctx, specID, conflict, a, b)
}

// remediate serializes the younger task behind the older one. When the
// edge would close a cycle the spec pauses for a human call instead.
func (c *Conductor) remediate(ctx context.Context, specID uuid.UUID, conflict domain.CoherenceConflict, a, b domain.ExecutionAttempt) {
	earlier, later := a, b
	if b.StartedAt.Before(a.StartedAt) {
		earlier, later = b, a
	}
	err := c.graph.AddEdge(ctx, specID, earlier.TaskID, later.TaskID)
	if err == nil {
		c.logger.Info("conflicting tasks serialized",
			zap.String("first", earlier.TaskID.String()),
			zap.String("then", later.TaskID.String()))
		return
	}
	if !errors.Is(err, domain.ErrCycleRejected) {
		c.logger.Warn("serialization edge failed", zap.Error(err))
		return
	}
	if c.pauser != nil {
		reason := fmt.Sprintf("unresolvable %s conflict between tasks %s and %s", conflict.Kind, a.TaskID, b.TaskID)
		if perr := c.pauser.Pause(ctx, specID, reason); perr != nil {
			c.logger.Error("spec pause failed", zap.Error(perr))
		}
	}
}

// publishScore computes and publishes the spec's coherence score: mean
// alignment across attempts, discounted for steering pressure and for
// conflicts surfaced this cycle.
func (c *Conductor) publishScore(ctx context.Context, specID uuid.UUID, attempts []domain.ExecutionAttempt, newConflicts int) {
	var alignSum float64
	var alignN int
	var interventions int
	for _, a := range attempts {
		if n := len(a.Alignment); n > 0 {
			alignSum += a.Alignment[n-1].Score
			alignN++
		}
		interventions += a.Interventions
	}
	alignMean := 1.0
	if alignN > 0 {
		alignMean = alignSum / float64(alignN)
	}

	n := float64(len(attempts))
	score := alignMean - 0.1*float64(interventions)/n - 0.1*float64(newConflicts)/n
	if score < 0 {
		score = 0
	}

	c.mu.Lock()
	c.scores[specID] = score
	c.mu.Unlock()

	if c.events != nil {
		c.events.Publish(ctx, domain.NewEvent(domain.EventCoherenceCycle, specID, "spec", specID.String(), map[string]string{
			"score":     fmt.Sprintf("%.3f", score),
			"attempts":  fmt.Sprintf("%d", len(attempts)),
			"conflicts": fmt.Sprintf("%d", newConflicts),
		}))
	}
}

// Score returns the spec's latest coherence score.
func (c *Conductor) Score(specID uuid.UUID) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.scores[specID]
	return s, ok
}

// Conflicts returns a copy of every conflict surfaced so far.
func (c *Conductor) Conflicts() []domain.CoherenceConflict {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.CoherenceConflict, len(c.conflicts))
	copy(out, c.conflicts)
	return out
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, f := range a {
		set[f] = true
	}
	var out []string
	for _, f := range b {
		if set[f] {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}
