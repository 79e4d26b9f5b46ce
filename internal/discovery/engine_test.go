package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/domain"
	"github.com/halcyonlabs/specforge/internal/embedding"
	"github.com/halcyonlabs/specforge/internal/graph"
	"go.uber.org/zap"
)

type tickRecorder struct {
	ticks []uuid.UUID
}

func (r *tickRecorder) Tick(_ context.Context, specID uuid.UUID) int {
	r.ticks = append(r.ticks, specID)
	return 0
}

func newEngineUnderTest() (*Engine, *graph.Store, *tickRecorder) {
	logger := zap.NewNop()
	g := graph.NewStore(nil, logger)
	index := NewMemoryIndex(embedding.NewHashingProvider(128))
	sched := &tickRecorder{}
	e := New(g, index, sched, Config{}, nil, logger)
	return e, g, sched
}

func seedTask(t *testing.T, g *graph.Store, e *Engine, specID uuid.UUID, desc string, deps ...uuid.UUID) *domain.Task {
	t.Helper()
	task := &domain.Task{
		ID:          uuid.New(),
		SpecID:      specID,
		Description: desc,
		Mode:        domain.ModeImplementation,
	}
	if err := g.AddTask(context.Background(), task, deps, nil); err != nil {
		t.Fatalf("AddTask(%s): %v", desc, err)
	}
	e.IndexTask(context.Background(), specID, task.ID, desc)
	return task
}

func TestDiscoverySpawnsTaskAndReschedules(t *testing.T) {
	e, g, sched := newEngineUnderTest()
	specID := uuid.New()
	source := seedTask(t, g, e, specID, "implement the payment form")

	taskID, err := e.Record(context.Background(), domain.Discovery{
		SpecID:       specID,
		SourceTaskID: source.ID,
		Type:         domain.DiscoveryMissingReq,
		Description:  "currency conversion rates must refresh hourly",
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	task, err := g.Task(specID, taskID)
	if err != nil {
		t.Fatalf("spawned task missing: %v", err)
	}
	if task.ParentID == nil || *task.ParentID != source.ID {
		t.Fatal("spawned task must link back to its source")
	}
	if task.DiscoveryID == nil {
		t.Fatal("spawned task must record its discovery lineage")
	}
	if task.Mode != domain.ModeExploration {
		t.Fatalf("missing_requirement mode = %s, want exploration", task.Mode)
	}
	if len(sched.ticks) != 1 || sched.ticks[0] != specID {
		t.Fatalf("scheduler re-evaluation ticks = %v, want one for the spec", sched.ticks)
	}
}

func TestDuplicateDiscoveryRejected(t *testing.T) {
	e, g, _ := newEngineUnderTest()
	specID := uuid.New()
	source := seedTask(t, g, e, specID, "add rate limiting to the public API endpoints")

	before := len(g.Tasks(specID))
	_, err := e.Record(context.Background(), domain.Discovery{
		SpecID:       specID,
		SourceTaskID: source.ID,
		Type:         domain.DiscoveryOptimization,
		Description:  "add rate limiting to the public API endpoints",
	})
	if !errors.Is(err, domain.ErrDuplicateRejected) {
		t.Fatalf("Record duplicate = %v, want ErrDuplicateRejected", err)
	}
	if got := len(g.Tasks(specID)); got != before {
		t.Fatalf("graph grew from %d to %d tasks despite rejection", before, got)
	}
}

func TestDuplicateOfTerminalTaskIsAccepted(t *testing.T) {
	// A completed task coming back as a discovery is new work (e.g. a
	// regression), not a duplicate of in-flight effort.
	e, g, _ := newEngineUnderTest()
	specID := uuid.New()
	ctx := context.Background()
	source := seedTask(t, g, e, specID, "wire up the webhook signature check")
	if err := g.MarkDone(ctx, specID, source.ID); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	if _, err := e.Record(ctx, domain.Discovery{
		SpecID:       specID,
		SourceTaskID: source.ID,
		Type:         domain.DiscoveryBug,
		Description:  "wire up the webhook signature check",
	}); err != nil {
		t.Fatalf("Record against terminal task = %v, want acceptance", err)
	}
}

func TestCycleDiscoveryRejectedGraphUnchanged(t *testing.T) {
	e, g, sched := newEngineUnderTest()
	specID := uuid.New()
	ctx := context.Background()

	source := seedTask(t, g, e, specID, "build the importer")
	descendant := seedTask(t, g, e, specID, "validate imported rows", source.ID)

	before := g.Version(specID)
	_, err := e.Record(ctx, domain.Discovery{
		SpecID:       specID,
		SourceTaskID: source.ID,
		Type:         domain.DiscoveryBug,
		Description:  "importer drops rows with unicode keys",
		DependsOn:    []uuid.UUID{descendant.ID},
		Blocks:       []uuid.UUID{source.ID},
	})
	if !errors.Is(err, domain.ErrCycleRejected) {
		t.Fatalf("Record = %v, want ErrCycleRejected", err)
	}
	if g.Version(specID) != before {
		t.Fatal("graph mutated despite cycle rejection")
	}
	if len(sched.ticks) != 0 {
		t.Fatal("rejected discovery must not trigger rescheduling")
	}
}

func TestDiscoveryInheritsSourceConstraints(t *testing.T) {
	e, g, _ := newEngineUnderTest()
	specID := uuid.New()
	ctx := context.Background()

	source := seedTask(t, g, e, specID, "migrate the sessions table")
	constraint := domain.Constraint{Text: "use pgx, no ORM", Source: "spec"}
	if err := g.AddConstraint(specID, source.ID, constraint); err != nil {
		t.Fatalf("AddConstraint: %v", err)
	}

	taskID, err := e.Record(ctx, domain.Discovery{
		SpecID:       specID,
		SourceTaskID: source.ID,
		Type:         domain.DiscoveryBug,
		Description:  "sessions migration loses timezone data",
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	task, _ := g.Task(specID, taskID)
	if len(task.Constraints) != 1 || task.Constraints[0].Text != constraint.Text {
		t.Fatalf("constraints = %v, want inherited %q", task.Constraints, constraint.Text)
	}
}
