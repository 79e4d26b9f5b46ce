package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/domain"
	"github.com/halcyonlabs/specforge/internal/graph"
	"go.uber.org/zap"
)

// Dispatcher runs assigned tasks in isolated sandboxes and tracks the
// active attempt population for ceiling enforcement.
type Dispatcher interface {
	Dispatch(ctx context.Context, task domain.Task) (*domain.ExecutionAttempt, error)
	ActiveCount() int
	ActiveForSpec(specID uuid.UUID) int
}

// SpecGate answers whether a spec may receive new dispatches. A paused
// spec lets in-flight attempts finish but admits nothing new.
type SpecGate interface {
	Dispatchable(specID uuid.UUID) bool
}

// Config bounds concurrent execution.
type Config struct {
	MaxGlobal    int           // ceiling across all specs
	MaxPerSpec   int           // ceiling within one spec
	TickInterval time.Duration // how often the control loop re-evaluates
}

// Scheduler computes the ready frontier per spec and feeds the
// dispatcher up to the configured ceilings. Tasks beyond the ceiling
// stay queued in frontier order (priority desc, oldest first, then
// insertion order), so the queue is FIFO by the same tie-break.
type Scheduler struct {
	graph      *graph.Store
	dispatcher Dispatcher
	gate       SpecGate
	cfg        Config
	events     graph.EventSink
	logger     *zap.Logger

	mu    sync.Mutex
	specs map[uuid.UUID]struct{}
	ticks map[uuid.UUID]*sync.Mutex
}

// New creates a scheduler.
func New(g *graph.Store, d Dispatcher, gate SpecGate, cfg Config, events graph.EventSink, logger *zap.Logger) *Scheduler {
	if cfg.MaxGlobal <= 0 {
		cfg.MaxGlobal = 8
	}
	if cfg.MaxPerSpec <= 0 {
		cfg.MaxPerSpec = 4
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	return &Scheduler{
		graph:      g,
		dispatcher: d,
		gate:       gate,
		cfg:        cfg,
		events:     events,
		logger:     logger,
		specs:      make(map[uuid.UUID]struct{}),
		ticks:      make(map[uuid.UUID]*sync.Mutex),
	}
}

// SetGate wires the dispatch gate after construction. The gate is
// owned by the orchestrator, which itself needs the scheduler.
func (s *Scheduler) SetGate(gate SpecGate) {
	s.gate = gate
}

// Register adds a spec to the control loop.
func (s *Scheduler) Register(specID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[specID] = struct{}{}
}

// Unregister removes a spec from the control loop.
func (s *Scheduler) Unregister(specID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.specs, specID)
}

func (s *Scheduler) registered() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.specs))
	for id := range s.specs {
		ids = append(ids, id)
	}
	return ids
}

// Run ticks until the context is cancelled. Each spec's pipeline
// progresses independently; a stalled spec never blocks the loop.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, specID := range s.registered() {
				s.Tick(ctx, specID)
			}
		}
	}
}

// tickLock returns the per-spec mutex that serializes Tick. Completion
// callbacks, discovery inserts and the Run ticker all call Tick for the
// same spec; interleaved walks of the pending/ready/assigned steps would
// let a losing caller revert a task the winner just dispatched.
func (s *Scheduler) tickLock(specID uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ticks[specID]
	if !ok {
		l = &sync.Mutex{}
		s.ticks[specID] = l
	}
	return l
}

// Tick dispatches as many ready tasks for one spec as the ceilings
// allow. Safe to call redundantly: Ticks for the same spec run one at a
// time, and the frontier is a pure function of graph state, so a
// redundant caller sees already-assigned tasks excluded and does nothing.
func (s *Scheduler) Tick(ctx context.Context, specID uuid.UUID) int {
	if s.gate != nil && !s.gate.Dispatchable(specID) {
		return 0
	}

	l := s.tickLock(specID)
	l.Lock()
	defer l.Unlock()

	dispatched := 0
	for _, task := range s.graph.ReadyFrontier(specID) {
		if s.dispatcher.ActiveCount() >= s.cfg.MaxGlobal {
			s.logger.Debug("global concurrency ceiling reached",
				zap.String("spec", specID.String()))
			break
		}
		if s.dispatcher.ActiveForSpec(specID) >= s.cfg.MaxPerSpec {
			s.logger.Debug("per-spec concurrency ceiling reached",
				zap.String("spec", specID.String()))
			break
		}

		if task.Status == domain.TaskPending {
			if err := s.graph.SetStatus(specID, task.ID, domain.TaskReady); err != nil {
				continue
			}
			if s.events != nil {
				s.events.Publish(ctx, domain.NewEvent(domain.EventTaskReady, specID, "task", task.ID.String(), nil))
			}
		}
		if err := s.graph.SetStatus(specID, task.ID, domain.TaskAssigned); err != nil {
			continue
		}

		task.Status = domain.TaskAssigned
		if _, err := s.dispatcher.Dispatch(ctx, task); err != nil {
			// Another attempt is still active or the slot vanished;
			// return the task so the next tick reconsiders it.
			if revertErr := s.graph.SetStatus(specID, task.ID, domain.TaskPending); revertErr != nil {
				s.logger.Warn("failed to revert assignment",
					zap.String("task", task.ID.String()),
					zap.Error(revertErr))
			}
			if !errors.Is(err, domain.ErrAttemptActive) && !errors.Is(err, domain.ErrAttemptStuck) {
				s.logger.Warn("dispatch failed",
					zap.String("task", task.ID.String()),
					zap.Error(err))
			}
			continue
		}
		dispatched++
	}
	return dispatched
}
