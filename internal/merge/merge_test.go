package merge

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/domain"
	"github.com/halcyonlabs/specforge/internal/graph"
	"go.uber.org/zap"
)

// fakeHost merges in memory. Branches map to their changed files;
// conflictsFor injects dry-run conflicts per branch.
type fakeHost struct {
	files        map[string][]string
	conflictsFor map[string][]string
	mergedOrder  []string
}

func (h *fakeHost) ChangedFiles(_ context.Context, _, branch string) ([]string, error) {
	return h.files[branch], nil
}

func (h *fakeHost) DryRun(_ context.Context, _, branch string) ([]string, error) {
	return h.conflictsFor[branch], nil
}

func (h *fakeHost) Merge(_ context.Context, _, branch, _ string) (string, error) {
	h.mergedOrder = append(h.mergedOrder, branch)
	return fmt.Sprintf("commit-%d", len(h.mergedOrder)), nil
}

func doneTask(t *testing.T, g *graph.Store, specID uuid.UUID, branch string, deps ...uuid.UUID) domain.Task {
	t.Helper()
	ctx := context.Background()
	task := &domain.Task{ID: uuid.New(), SpecID: specID, Description: "work on " + branch}
	if err := g.AddTask(ctx, task, deps, nil); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := g.SetBranch(specID, task.ID, branch); err != nil {
		t.Fatalf("SetBranch: %v", err)
	}
	if err := g.MarkDone(ctx, specID, task.ID); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	return *task
}

func TestSyncMergesInDependencyOrder(t *testing.T) {
	logger := zap.NewNop()
	g := graph.NewStore(nil, logger)
	specID := uuid.New()

	base := doneTask(t, g, specID, "task/base")
	mid := doneTask(t, g, specID, "task/mid", base.ID)
	leaf := doneTask(t, g, specID, "task/leaf", mid.ID)
	_ = leaf

	host := &fakeHost{
		files: map[string][]string{
			"task/base": {"core.go"},
			"task/mid":  {"mid.go"},
			"task/leaf": {"leaf.go"},
		},
		conflictsFor: map[string][]string{},
	}
	c := New(host, g, nil, logger)

	report, err := c.Sync(context.Background(), domain.Spec{ID: specID, BaseBranch: "main"})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(report.Merged) != 3 || len(report.Conflicted) != 0 {
		t.Fatalf("report = %d merged %d conflicted, want 3/0", len(report.Merged), len(report.Conflicted))
	}
	want := []string{"task/base", "task/mid", "task/leaf"}
	for i, branch := range want {
		if host.mergedOrder[i] != branch {
			t.Fatalf("merge order = %v, want %v", host.mergedOrder, want)
		}
	}
}

func TestConflictSurfacedAndPassContinues(t *testing.T) {
	logger := zap.NewNop()
	g := graph.NewStore(nil, logger)
	specID := uuid.New()

	doneTask(t, g, specID, "task/a")
	doneTask(t, g, specID, "task/b")

	host := &fakeHost{
		files: map[string][]string{
			"task/a": {"shared.go"},
			"task/b": {"other.go"},
		},
		conflictsFor: map[string][]string{
			"task/a": {"shared.go"},
		},
	}
	c := New(host, g, nil, logger)

	report, err := c.Sync(context.Background(), domain.Spec{ID: specID, BaseBranch: "main"})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(report.Conflicted) != 1 {
		t.Fatalf("conflicted = %d, want 1", len(report.Conflicted))
	}
	if !errors.Is(report.Conflicted[0].Err, domain.ErrMergeConflict) {
		t.Fatalf("conflict err = %v, want ErrMergeConflict", report.Conflicted[0].Err)
	}
	if len(report.Merged) != 1 || report.Merged[0].Branch != "task/b" {
		t.Fatalf("merged = %+v, want task/b to land despite the conflict", report.Merged)
	}
}

func TestRiskScoresOverlapWithEarlierMerges(t *testing.T) {
	logger := zap.NewNop()
	g := graph.NewStore(nil, logger)
	specID := uuid.New()

	first := doneTask(t, g, specID, "task/first")
	doneTask(t, g, specID, "task/second", first.ID)

	host := &fakeHost{
		files: map[string][]string{
			"task/first":  {"svc.go", "svc_test.go"},
			"task/second": {"svc.go", "handler.go"},
		},
		conflictsFor: map[string][]string{},
	}
	c := New(host, g, nil, logger)

	report, err := c.Sync(context.Background(), domain.Spec{ID: specID, BaseBranch: "main"})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(report.Merged) != 2 {
		t.Fatalf("merged = %d, want 2", len(report.Merged))
	}
	if got := report.Merged[1].Risk; got != 0.5 {
		t.Fatalf("second branch risk = %f, want 0.5 (one of two files overlaps)", got)
	}
}

func TestPlanSkipsUnfinishedAndBranchlessTasks(t *testing.T) {
	logger := zap.NewNop()
	g := graph.NewStore(nil, logger)
	specID := uuid.New()
	ctx := context.Background()

	doneTask(t, g, specID, "task/done")
	pending := &domain.Task{ID: uuid.New(), SpecID: specID, Description: "still running"}
	if err := g.AddTask(ctx, pending, nil, nil); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	branchless := &domain.Task{ID: uuid.New(), SpecID: specID, Description: "done without artifact"}
	if err := g.AddTask(ctx, branchless, nil, nil); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := g.MarkDone(ctx, specID, branchless.ID); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	plan := New(&fakeHost{}, g, nil, logger).Plan(specID)
	if len(plan) != 1 || plan[0].Branch != "task/done" {
		t.Fatalf("plan = %+v, want only the done branch-carrying task", plan)
	}
}
