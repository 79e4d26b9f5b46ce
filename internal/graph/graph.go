package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/domain"
	"go.uber.org/zap"
)

// EventSink receives state-change events. Publishing is fire-and-forget
// from the store's point of view.
type EventSink interface {
	Publish(ctx context.Context, ev domain.Event)
}

// Store owns the task dependency graph for every spec. All mutation for
// one spec is serialized behind that spec's mutex (single writer per
// spec); different specs mutate fully in parallel. Readers get copies,
// never live pointers into the adjacency structure.
type Store struct {
	mu     sync.RWMutex
	specs  map[uuid.UUID]*specGraph
	events EventSink
	logger *zap.Logger
}

// specGraph is the per-spec adjacency structure.
type specGraph struct {
	mu         sync.Mutex
	tasks      map[uuid.UUID]*domain.Task
	dependents map[uuid.UUID][]uuid.UUID // dep -> tasks that depend on it
	seq        int64
	version    int64
}

// NewStore creates an empty graph store.
func NewStore(events EventSink, logger *zap.Logger) *Store {
	return &Store{
		specs:  make(map[uuid.UUID]*specGraph),
		events: events,
		logger: logger,
	}
}

func (s *Store) spec(specID uuid.UUID) *specGraph {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.specs[specID]
	if !ok {
		g = &specGraph{
			tasks:      make(map[uuid.UUID]*domain.Task),
			dependents: make(map[uuid.UUID][]uuid.UUID),
		}
		s.specs[specID] = g
	}
	return g
}

func (s *Store) get(specID uuid.UUID) (*specGraph, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.specs[specID]
	return g, ok
}

// AddTask inserts a task plus its dependency edges as one atomic
// operation. deps are tasks the new task depends on; blocks are existing
// tasks that will depend on the new task (a discovery saying "fix this
// before X continues"). Any edge that would create a cycle rejects the
// whole insertion and leaves the graph unchanged.
func (s *Store) AddTask(ctx context.Context, task *domain.Task, deps, blocks []uuid.UUID) error {
	g := s.spec(task.SpecID)
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	for _, dep := range deps {
		if _, ok := g.tasks[dep]; !ok {
			return fmt.Errorf("dependency %s: %w", dep, domain.ErrTaskNotFound)
		}
	}
	for _, b := range blocks {
		if _, ok := g.tasks[b]; !ok {
			return fmt.Errorf("blocked task %s: %w", b, domain.ErrTaskNotFound)
		}
	}

	// A fresh node cannot close a cycle through its deps alone, but a
	// deps+blocks combination can: dep ... reachable-from ... block.
	for _, b := range blocks {
		for _, dep := range deps {
			if b == dep || g.reachable(b, dep) {
				return fmt.Errorf("task %s would depend on its own dependent %s: %w",
					dep, b, domain.ErrCycleRejected)
			}
		}
	}

	g.seq++
	task.Seq = g.seq
	task.DependsOn = append([]uuid.UUID(nil), deps...)
	task.Status = domain.TaskPending
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	g.tasks[task.ID] = task

	for _, dep := range deps {
		g.dependents[dep] = append(g.dependents[dep], task.ID)
	}
	for _, b := range blocks {
		blocked := g.tasks[b]
		blocked.DependsOn = append(blocked.DependsOn, task.ID)
		g.dependents[task.ID] = append(g.dependents[task.ID], b)
	}
	g.version++

	s.logger.Info("task added",
		zap.String("task", task.ID.String()),
		zap.String("spec", task.SpecID.String()),
		zap.Int("deps", len(deps)),
		zap.Int("blocks", len(blocks)))
	s.publish(ctx, domain.NewEvent(domain.EventTaskCreated, task.SpecID, "task", task.ID.String(), map[string]string{
		"description": task.Description,
		"mode":        string(task.Mode),
	}))
	return nil
}

// AddEdge inserts a dependency edge from -> to ("to depends on from")
// between existing tasks. Used by the Conductor to declare an ordering
// after the fact. Rejected if it would create a cycle.
func (s *Store) AddEdge(ctx context.Context, specID, from, to uuid.UUID) error {
	g, ok := s.get(specID)
	if !ok {
		return domain.ErrSpecNotFound
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	toTask, ok := g.tasks[to]
	if !ok {
		return domain.ErrTaskNotFound
	}
	if _, ok := g.tasks[from]; !ok {
		return domain.ErrTaskNotFound
	}
	for _, dep := range toTask.DependsOn {
		if dep == from {
			return nil // edge already present
		}
	}
	// to -> ... -> from means adding from -> to closes a loop.
	if from == to || g.reachable(to, from) {
		return fmt.Errorf("edge %s -> %s: %w", from, to, domain.ErrCycleRejected)
	}

	toTask.DependsOn = append(toTask.DependsOn, from)
	g.dependents[from] = append(g.dependents[from], to)
	g.version++
	return nil
}

// reachable reports whether target can be reached from start by
// following dependent edges. Caller holds g.mu.
func (g *specGraph) reachable(start, target uuid.UUID) bool {
	if start == target {
		return true
	}
	seen := map[uuid.UUID]bool{start: true}
	stack := []uuid.UUID{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.dependents[n] {
			if next == target {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// Related reports whether a dependency path connects the two tasks in
// either direction.
func (s *Store) Related(specID, a, b uuid.UUID) bool {
	g, ok := s.get(specID)
	if !ok {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reachable(a, b) || g.reachable(b, a)
}

// ReadyFrontier returns every task whose dependencies are all done and
// whose status is pending or ready. Deterministic order: priority
// descending, then age (oldest first), then insertion order.
func (s *Store) ReadyFrontier(specID uuid.UUID) []domain.Task {
	g, ok := s.get(specID)
	if !ok {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	var ready []domain.Task
	for _, t := range g.tasks {
		if t.Status != domain.TaskPending && t.Status != domain.TaskReady {
			continue
		}
		if g.depsDone(t) {
			ready = append(ready, *t)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].Seq < ready[j].Seq
	})
	return ready
}

func (g *specGraph) depsDone(t *domain.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := g.tasks[dep]
		if !ok || d.Status != domain.TaskDone {
			return false
		}
	}
	return true
}

// MarkDone terminalizes a task as done. Idempotent; marking a failed
// task done is rejected (terminal states are monotonic).
func (s *Store) MarkDone(ctx context.Context, specID, taskID uuid.UUID) error {
	return s.terminalize(ctx, specID, taskID, domain.TaskDone, "")
}

// MarkFailed terminalizes a task as failed and cascades: every
// transitive dependent becomes blocked, never silently skipped.
func (s *Store) MarkFailed(ctx context.Context, specID, taskID uuid.UUID, reason string) error {
	return s.terminalize(ctx, specID, taskID, domain.TaskFailed, reason)
}

func (s *Store) terminalize(ctx context.Context, specID, taskID uuid.UUID, status domain.TaskStatus, reason string) error {
	g, ok := s.get(specID)
	if !ok {
		return domain.ErrSpecNotFound
	}
	g.mu.Lock()

	t, ok := g.tasks[taskID]
	if !ok {
		g.mu.Unlock()
		return domain.ErrTaskNotFound
	}
	if t.Status.IsTerminal() {
		g.mu.Unlock()
		if t.Status == status {
			return nil // idempotent re-mark
		}
		return fmt.Errorf("task %s is %s: %w", taskID, t.Status, domain.ErrTerminalStatus)
	}

	now := time.Now().UTC()
	t.Status = status
	t.CompletedAt = &now
	if reason != "" {
		t.FailureReasons = append(t.FailureReasons, reason)
	}
	g.version++

	var blocked []uuid.UUID
	if status == domain.TaskFailed {
		blocked = g.blockDependents(taskID, fmt.Sprintf("dependency %s failed: %s", taskID, reason))
	}
	g.mu.Unlock()

	ev := domain.EventTaskDone
	if status == domain.TaskFailed {
		ev = domain.EventTaskFailed
	}
	s.publish(ctx, domain.NewEvent(ev, specID, "task", taskID.String(), map[string]string{"reason": reason}))
	for _, id := range blocked {
		s.publish(ctx, domain.NewEvent(domain.EventTaskBlocked, specID, "task", id.String(), map[string]string{
			"reason": fmt.Sprintf("dependency %s failed", taskID),
		}))
	}
	return nil
}

// blockDependents marks every non-terminal transitive dependent of
// taskID as blocked. Caller holds g.mu. Returns the ids it blocked.
func (g *specGraph) blockDependents(taskID uuid.UUID, reason string) []uuid.UUID {
	var blocked []uuid.UUID
	seen := map[uuid.UUID]bool{}
	stack := append([]uuid.UUID(nil), g.dependents[taskID]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		t := g.tasks[id]
		if t == nil || t.Status.IsTerminal() || t.Status == domain.TaskBlocked {
			continue
		}
		t.Status = domain.TaskBlocked
		t.BlockedReason = reason
		blocked = append(blocked, id)
		stack = append(stack, g.dependents[id]...)
	}
	return blocked
}

// transitions is the legal non-terminal status table. Terminal moves go
// through terminalize.
var transitions = map[domain.TaskStatus][]domain.TaskStatus{
	domain.TaskPending:    {domain.TaskReady, domain.TaskBlocked},
	domain.TaskReady:      {domain.TaskAssigned, domain.TaskPending, domain.TaskBlocked},
	domain.TaskAssigned:   {domain.TaskRunning, domain.TaskPending},
	domain.TaskRunning:    {domain.TaskValidating, domain.TaskPending},
	domain.TaskValidating: {domain.TaskPending},
	domain.TaskBlocked:    {domain.TaskPending},
}

// SetStatus applies a non-terminal status transition, enforcing the
// transition table. Done/failed must go through MarkDone/MarkFailed.
func (s *Store) SetStatus(specID, taskID uuid.UUID, status domain.TaskStatus) error {
	if status.IsTerminal() {
		return fmt.Errorf("terminal status %s must use MarkDone/MarkFailed", status)
	}
	g, ok := s.get(specID)
	if !ok {
		return domain.ErrSpecNotFound
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return domain.ErrTaskNotFound
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("task %s is %s: %w", taskID, t.Status, domain.ErrTerminalStatus)
	}
	if t.Status == status {
		return nil
	}
	for _, allowed := range transitions[t.Status] {
		if allowed == status {
			if status == domain.TaskRunning && t.StartedAt == nil {
				now := time.Now().UTC()
				t.StartedAt = &now
			}
			t.Status = status
			g.version++
			return nil
		}
	}
	return fmt.Errorf("task %s: %s -> %s not allowed", taskID, t.Status, status)
}

// RequeueForRetry returns a task to pending with an incremented retry
// count and the validation reasons appended for the next dispatch.
func (s *Store) RequeueForRetry(specID, taskID uuid.UUID, reasons []string) error {
	g, ok := s.get(specID)
	if !ok {
		return domain.ErrSpecNotFound
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return domain.ErrTaskNotFound
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("task %s is %s: %w", taskID, t.Status, domain.ErrTerminalStatus)
	}
	t.Status = domain.TaskPending
	t.Retries++
	t.FailureReasons = append(t.FailureReasons, reasons...)
	g.version++
	return nil
}

// AddConstraint appends a standing constraint to a task.
func (s *Store) AddConstraint(specID, taskID uuid.UUID, c domain.Constraint) error {
	g, ok := s.get(specID)
	if !ok {
		return domain.ErrSpecNotFound
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[taskID]
	if !ok {
		return domain.ErrTaskNotFound
	}
	t.Constraints = append(t.Constraints, c)
	g.version++
	return nil
}

// SetPriority changes a non-terminal task's scheduling priority and
// returns the previous value.
func (s *Store) SetPriority(specID, taskID uuid.UUID, priority int) (int, error) {
	g, ok := s.get(specID)
	if !ok {
		return 0, domain.ErrSpecNotFound
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[taskID]
	if !ok {
		return 0, domain.ErrTaskNotFound
	}
	if t.Status.IsTerminal() {
		return 0, fmt.Errorf("task %s is %s: %w", taskID, t.Status, domain.ErrTerminalStatus)
	}
	old := t.Priority
	t.Priority = priority
	g.version++
	return old, nil
}

// SetBranch records the branch an attempt produced for a task.
func (s *Store) SetBranch(specID, taskID uuid.UUID, branch string) error {
	g, ok := s.get(specID)
	if !ok {
		return domain.ErrSpecNotFound
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[taskID]
	if !ok {
		return domain.ErrTaskNotFound
	}
	t.Branch = branch
	g.version++
	return nil
}

// Task returns a copy of one task.
func (s *Store) Task(specID, taskID uuid.UUID) (domain.Task, error) {
	g, ok := s.get(specID)
	if !ok {
		return domain.Task{}, domain.ErrSpecNotFound
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[taskID]
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	return *t, nil
}

// Tasks returns copies of all tasks for a spec in insertion order.
func (s *Store) Tasks(specID uuid.UUID) []domain.Task {
	g, ok := s.get(specID)
	if !ok {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Version returns the spec graph's mutation counter. Frontier reads are
// idempotent over a version, so redundant recomputation is harmless.
func (s *Store) Version(specID uuid.UUID) int64 {
	g, ok := s.get(specID)
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.version
}

// AllDone reports whether every task reached a terminal or blocked
// state and at least one exists, plus whether any failed or blocked.
func (s *Store) AllDone(specID uuid.UUID) (settled bool, failed bool) {
	g, ok := s.get(specID)
	if !ok {
		return false, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.tasks) == 0 {
		return false, false
	}
	for _, t := range g.tasks {
		switch t.Status {
		case domain.TaskDone:
		case domain.TaskFailed, domain.TaskBlocked:
			failed = true
		default:
			return false, false
		}
	}
	return true, failed
}

func (s *Store) publish(ctx context.Context, ev domain.Event) {
	if s.events != nil {
		s.events.Publish(ctx, ev)
	}
}
