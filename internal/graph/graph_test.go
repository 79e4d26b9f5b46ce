package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/domain"
	"go.uber.org/zap"
)

func newTestStore() *Store {
	return NewStore(nil, zap.NewNop())
}

func newTask(specID uuid.UUID, desc string, priority int) *domain.Task {
	return &domain.Task{
		ID:          uuid.New(),
		SpecID:      specID,
		Description: desc,
		Mode:        domain.ModeImplementation,
		Priority:    priority,
	}
}

func mustAdd(t *testing.T, s *Store, task *domain.Task, deps ...uuid.UUID) {
	t.Helper()
	if err := s.AddTask(context.Background(), task, deps, nil); err != nil {
		t.Fatalf("AddTask(%s): %v", task.Description, err)
	}
}

func frontierIDs(s *Store, specID uuid.UUID) []uuid.UUID {
	var ids []uuid.UUID
	for _, task := range s.ReadyFrontier(specID) {
		ids = append(ids, task.ID)
	}
	return ids
}

func TestReadyFrontierUnblocksDependent(t *testing.T) {
	s := newTestStore()
	specID := uuid.New()
	ctx := context.Background()

	t1 := newTask(specID, "t1", 0)
	t2 := newTask(specID, "t2 depends on t1", 0)
	mustAdd(t, s, t1)
	mustAdd(t, s, t2, t1.ID)

	ids := frontierIDs(s, specID)
	if len(ids) != 1 || ids[0] != t1.ID {
		t.Fatalf("frontier = %v, want only t1", ids)
	}

	if err := s.MarkDone(ctx, specID, t1.ID); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	ids = frontierIDs(s, specID)
	if len(ids) != 1 || ids[0] != t2.ID {
		t.Fatalf("frontier after t1 done = %v, want only t2", ids)
	}
}

func TestFrontierExcludesAssignedAndRunning(t *testing.T) {
	s := newTestStore()
	specID := uuid.New()

	t1 := newTask(specID, "t1", 0)
	mustAdd(t, s, t1)

	if err := s.SetStatus(specID, t1.ID, domain.TaskReady); err != nil {
		t.Fatalf("SetStatus ready: %v", err)
	}
	if got := frontierIDs(s, specID); len(got) != 1 {
		t.Fatalf("ready task should stay in frontier, got %v", got)
	}

	if err := s.SetStatus(specID, t1.ID, domain.TaskAssigned); err != nil {
		t.Fatalf("SetStatus assigned: %v", err)
	}
	if got := frontierIDs(s, specID); len(got) != 0 {
		t.Fatalf("assigned task must leave frontier, got %v", got)
	}

	if err := s.SetStatus(specID, t1.ID, domain.TaskRunning); err != nil {
		t.Fatalf("SetStatus running: %v", err)
	}
	if got := frontierIDs(s, specID); len(got) != 0 {
		t.Fatalf("running task must leave frontier, got %v", got)
	}
}

func TestFrontierTieBreakOrdering(t *testing.T) {
	s := newTestStore()
	specID := uuid.New()

	old := time.Now().UTC().Add(-time.Hour)
	low := newTask(specID, "low priority", 1)
	highNew := newTask(specID, "high priority new", 5)
	highOld := newTask(specID, "high priority old", 5)
	highOld.CreatedAt = old

	mustAdd(t, s, low)
	mustAdd(t, s, highNew)
	mustAdd(t, s, highOld)

	ids := frontierIDs(s, specID)
	want := []uuid.UUID{highOld.ID, highNew.ID, low.ID}
	if len(ids) != len(want) {
		t.Fatalf("frontier size = %d, want %d", len(ids), len(want))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("frontier[%d] = %v, want %v (priority desc, oldest first, then seq)", i, ids[i], want[i])
		}
	}
}

func TestCycleRejectedViaBlocks(t *testing.T) {
	// Scenario: source -> descendant, then a discovery task depending
	// on the descendant while blocking the source would close a loop.
	s := newTestStore()
	specID := uuid.New()
	ctx := context.Background()

	source := newTask(specID, "source", 0)
	descendant := newTask(specID, "descendant", 0)
	mustAdd(t, s, source)
	mustAdd(t, s, descendant, source.ID)

	before := s.Version(specID)
	d := newTask(specID, "discovered", 0)
	err := s.AddTask(ctx, d, []uuid.UUID{descendant.ID}, []uuid.UUID{source.ID})
	if !errors.Is(err, domain.ErrCycleRejected) {
		t.Fatalf("AddTask = %v, want ErrCycleRejected", err)
	}
	if s.Version(specID) != before {
		t.Fatal("graph mutated despite cycle rejection")
	}
	if _, err := s.Task(specID, d.ID); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatal("rejected task must not be created")
	}
}

func TestAddEdgeCycleRejected(t *testing.T) {
	s := newTestStore()
	specID := uuid.New()
	ctx := context.Background()

	a := newTask(specID, "a", 0)
	b := newTask(specID, "b", 0)
	mustAdd(t, s, a)
	mustAdd(t, s, b, a.ID)

	if err := s.AddEdge(ctx, specID, b.ID, a.ID); !errors.Is(err, domain.ErrCycleRejected) {
		t.Fatalf("AddEdge back-edge = %v, want ErrCycleRejected", err)
	}
	if err := s.AddEdge(ctx, specID, a.ID, a.ID); !errors.Is(err, domain.ErrCycleRejected) {
		t.Fatalf("self edge = %v, want ErrCycleRejected", err)
	}
	// Duplicate of an existing edge is a no-op.
	if err := s.AddEdge(ctx, specID, a.ID, b.ID); err != nil {
		t.Fatalf("duplicate edge: %v", err)
	}
}

func TestTerminalStatusIsMonotonic(t *testing.T) {
	s := newTestStore()
	specID := uuid.New()
	ctx := context.Background()

	t1 := newTask(specID, "t1", 0)
	mustAdd(t, s, t1)

	if err := s.MarkDone(ctx, specID, t1.ID); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if err := s.MarkDone(ctx, specID, t1.ID); err != nil {
		t.Fatalf("idempotent MarkDone: %v", err)
	}
	if err := s.MarkFailed(ctx, specID, t1.ID, "late failure"); !errors.Is(err, domain.ErrTerminalStatus) {
		t.Fatalf("MarkFailed on done task = %v, want ErrTerminalStatus", err)
	}
	if err := s.SetStatus(specID, t1.ID, domain.TaskPending); !errors.Is(err, domain.ErrTerminalStatus) {
		t.Fatalf("SetStatus on done task = %v, want ErrTerminalStatus", err)
	}
}

func TestFailureBlocksDependents(t *testing.T) {
	s := newTestStore()
	specID := uuid.New()
	ctx := context.Background()

	t1 := newTask(specID, "t1", 0)
	t2 := newTask(specID, "t2", 0)
	t3 := newTask(specID, "t3", 0)
	mustAdd(t, s, t1)
	mustAdd(t, s, t2, t1.ID)
	mustAdd(t, s, t3, t2.ID)

	if err := s.MarkFailed(ctx, specID, t1.ID, "sandbox exploded"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	for _, id := range []uuid.UUID{t2.ID, t3.ID} {
		task, err := s.Task(specID, id)
		if err != nil {
			t.Fatalf("Task: %v", err)
		}
		if task.Status != domain.TaskBlocked {
			t.Fatalf("task %s status = %s, want blocked", id, task.Status)
		}
		if task.BlockedReason == "" {
			t.Fatal("blocked task must carry its reason chain")
		}
	}
	if got := frontierIDs(s, specID); len(got) != 0 {
		t.Fatalf("blocked tasks must not appear in frontier, got %v", got)
	}

	settled, failed := s.AllDone(specID)
	if !settled || !failed {
		t.Fatalf("AllDone = (%v, %v), want settled with failure", settled, failed)
	}
}

func TestRequeueForRetryAccumulatesContext(t *testing.T) {
	s := newTestStore()
	specID := uuid.New()

	t1 := newTask(specID, "t1", 0)
	mustAdd(t, s, t1)

	for _, st := range []domain.TaskStatus{domain.TaskReady, domain.TaskAssigned, domain.TaskRunning, domain.TaskValidating} {
		if err := s.SetStatus(specID, t1.ID, st); err != nil {
			t.Fatalf("SetStatus %s: %v", st, err)
		}
	}
	if err := s.RequeueForRetry(specID, t1.ID, []string{"tests failed: TestFoo"}); err != nil {
		t.Fatalf("RequeueForRetry: %v", err)
	}

	task, _ := s.Task(specID, t1.ID)
	if task.Status != domain.TaskPending {
		t.Fatalf("status = %s, want pending", task.Status)
	}
	if task.Retries != 1 || len(task.FailureReasons) != 1 {
		t.Fatalf("retries = %d reasons = %v, want accumulated retry context", task.Retries, task.FailureReasons)
	}
}

func TestCriticalPath(t *testing.T) {
	s := newTestStore()
	specID := uuid.New()

	a := newTask(specID, "a", 0)
	b := newTask(specID, "b", 0)
	c := newTask(specID, "c", 0)
	side := newTask(specID, "side", 0)
	mustAdd(t, s, a)
	mustAdd(t, s, b, a.ID)
	mustAdd(t, s, c, b.ID)
	mustAdd(t, s, side, a.ID)

	md := s.Metadata(specID)
	if md.TotalTasks != 4 || md.TotalEdges != 3 {
		t.Fatalf("metadata = %+v, want 4 tasks / 3 edges", md)
	}
	want := []uuid.UUID{a.ID, b.ID, c.ID}
	if md.CriticalPathLength != 3 {
		t.Fatalf("critical path length = %d, want 3", md.CriticalPathLength)
	}
	for i := range want {
		if md.CriticalPath[i] != want[i] {
			t.Fatalf("critical path[%d] = %v, want %v", i, md.CriticalPath[i], want[i])
		}
	}
}
