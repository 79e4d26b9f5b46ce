package conductor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/domain"
	"github.com/halcyonlabs/specforge/internal/graph"
	"github.com/halcyonlabs/specforge/internal/oracle"
	"go.uber.org/zap"
)

type fakeSupervisor struct {
	attempts []domain.ExecutionAttempt
}

func (s *fakeSupervisor) Active() []domain.ExecutionAttempt {
	out := make([]domain.ExecutionAttempt, len(s.attempts))
	copy(out, s.attempts)
	return out
}

// compareOracle flags every comparison with the configured verdict.
type compareOracle struct {
	dup   bool
	calls int
}

func (o *compareOracle) ScoreAlignment(context.Context, oracle.AlignmentRequest) (*oracle.AlignmentResponse, error) {
	return &oracle.AlignmentResponse{Score: 1, Confidence: 1}, nil
}

func (o *compareOracle) Judge(context.Context, oracle.JudgeRequest) (*oracle.JudgeResponse, error) {
	return &oracle.JudgeResponse{Passed: true, Confidence: 1}, nil
}

func (o *compareOracle) CompareWork(context.Context, oracle.CompareRequest) (*oracle.CompareResponse, error) {
	o.calls++
	if o.dup {
		return &oracle.CompareResponse{IsDuplicate: true, Similarity: 0.93, Confidence: 0.9, Description: "both implement the same endpoint"}, nil
	}
	return &oracle.CompareResponse{Similarity: 0.1, Confidence: 0.9}, nil
}

type eventRecorder struct {
	events []domain.Event
}

func (r *eventRecorder) Publish(_ context.Context, ev domain.Event) {
	r.events = append(r.events, ev)
}

func (r *eventRecorder) count(t domain.EventType) int {
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type pauseRecorder struct {
	paused []uuid.UUID
}

func (p *pauseRecorder) Pause(_ context.Context, specID uuid.UUID, _ string) error {
	p.paused = append(p.paused, specID)
	return nil
}

func seedAttempt(t *testing.T, g *graph.Store, specID uuid.UUID, desc string, started time.Time, touched ...string) domain.ExecutionAttempt {
	t.Helper()
	task := &domain.Task{ID: uuid.New(), SpecID: specID, Description: desc}
	if err := g.AddTask(context.Background(), task, nil, nil); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	return domain.ExecutionAttempt{
		ID:        uuid.New(),
		TaskID:    task.ID,
		SpecID:    specID,
		Status:    domain.AttemptRunning,
		StartedAt: started,
		Touched:   touched,
	}
}

func TestDuplicateWorkReportedExactlyOnce(t *testing.T) {
	logger := zap.NewNop()
	g := graph.NewStore(nil, logger)
	specID := uuid.New()
	now := time.Now().UTC()

	a := seedAttempt(t, g, specID, "implement the export endpoint", now.Add(-time.Minute))
	b := seedAttempt(t, g, specID, "build the endpoint for exports", now)
	sup := &fakeSupervisor{attempts: []domain.ExecutionAttempt{a, b}}
	rec := &eventRecorder{}
	c := New(&compareOracle{dup: true}, g, sup, nil, Config{}, rec, logger)

	c.Cycle(context.Background())
	c.Cycle(context.Background())

	if got := rec.count(domain.EventCoherenceConflict); got != 1 {
		t.Fatalf("conflict events across two cycles = %d, want exactly 1", got)
	}
	conflicts := c.Conflicts()
	if len(conflicts) != 1 || conflicts[0].Kind != domain.ConflictDuplicateWork {
		t.Fatalf("conflicts = %+v, want one duplicate_work", conflicts)
	}
}

func TestResourceOverlapSerializedWithEdge(t *testing.T) {
	logger := zap.NewNop()
	g := graph.NewStore(nil, logger)
	specID := uuid.New()
	now := time.Now().UTC()

	earlier := seedAttempt(t, g, specID, "refactor the session store", now.Add(-time.Minute), "store/session.go")
	later := seedAttempt(t, g, specID, "add session expiry", now, "store/session.go")
	sup := &fakeSupervisor{attempts: []domain.ExecutionAttempt{earlier, later}}
	c := New(&compareOracle{}, g, sup, nil, Config{}, nil, logger)

	c.Cycle(context.Background())

	conflicts := c.Conflicts()
	if len(conflicts) != 1 || conflicts[0].Kind != domain.ConflictResourceOverlap {
		t.Fatalf("conflicts = %+v, want one resource_overlap", conflicts)
	}
	laterTask, err := g.Task(specID, later.TaskID)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if len(laterTask.DependsOn) != 1 || laterTask.DependsOn[0] != earlier.TaskID {
		t.Fatalf("later task deps = %v, want serialized behind %s", laterTask.DependsOn, earlier.TaskID)
	}
}

func TestDeclaredDependencySuppressesOverlap(t *testing.T) {
	logger := zap.NewNop()
	g := graph.NewStore(nil, logger)
	specID := uuid.New()
	ctx := context.Background()
	now := time.Now().UTC()

	a := seedAttempt(t, g, specID, "write the parser", now.Add(-time.Minute), "parser.go")
	b := seedAttempt(t, g, specID, "extend the parser grammar", now, "parser.go")
	if err := g.AddEdge(ctx, specID, a.TaskID, b.TaskID); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	sup := &fakeSupervisor{attempts: []domain.ExecutionAttempt{a, b}}
	c := New(&compareOracle{}, g, sup, nil, Config{}, nil, logger)

	c.Cycle(ctx)

	if got := len(c.Conflicts()); got != 0 {
		t.Fatalf("conflicts = %d, want none for ordered writes", got)
	}
}

func TestCoherenceScorePublishedPerSpec(t *testing.T) {
	logger := zap.NewNop()
	g := graph.NewStore(nil, logger)
	specID := uuid.New()
	now := time.Now().UTC()

	a := seedAttempt(t, g, specID, "write docs", now.Add(-time.Minute))
	a.Alignment = []domain.AlignmentSample{{Score: 0.8, Band: domain.BandAttention}}
	a.Interventions = 1
	sup := &fakeSupervisor{attempts: []domain.ExecutionAttempt{a}}
	rec := &eventRecorder{}
	c := New(&compareOracle{}, g, sup, nil, Config{}, rec, logger)

	c.Cycle(context.Background())

	score, ok := c.Score(specID)
	if !ok {
		t.Fatal("no coherence score recorded")
	}
	if score <= 0.6 || score >= 0.8 {
		t.Fatalf("score = %f, want alignment discounted for steering", score)
	}
	if rec.count(domain.EventCoherenceCycle) != 1 {
		t.Fatalf("cycle events = %d, want 1", rec.count(domain.EventCoherenceCycle))
	}
}

func TestUnserializableConflictPausesSpec(t *testing.T) {
	logger := zap.NewNop()
	g := graph.NewStore(nil, logger)
	specID := uuid.New()
	ctx := context.Background()
	now := time.Now().UTC()

	// later's task already precedes earlier's in the graph, so the
	// serialization edge would close a loop.
	earlier := seedAttempt(t, g, specID, "split the config loader", now.Add(-time.Minute), "config.go")
	later := seedAttempt(t, g, specID, "validate config schema", now, "config.go")
	if err := g.AddEdge(ctx, specID, later.TaskID, earlier.TaskID); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	sup := &fakeSupervisor{attempts: []domain.ExecutionAttempt{earlier, later}}
	pauser := &pauseRecorder{}
	c := New(&compareOracle{dup: true}, g, sup, pauser, Config{}, nil, logger)

	c.Cycle(ctx)

	if len(pauser.paused) != 1 || pauser.paused[0] != specID {
		t.Fatalf("paused = %v, want the conflicted spec", pauser.paused)
	}
}
