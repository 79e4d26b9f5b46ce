package merge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/domain"
	"github.com/halcyonlabs/specforge/internal/graph"
	"go.uber.org/zap"
)

// GitHost is the branch surface of the hosting provider.
type GitHost interface {
	ChangedFiles(ctx context.Context, base, branch string) ([]string, error)
	DryRun(ctx context.Context, base, branch string) (conflictFiles []string, err error)
	Merge(ctx context.Context, base, branch, message string) (commit string, err error)
}

// Outcome is the result of one task branch merge.
type Outcome struct {
	TaskID    uuid.UUID
	Branch    string
	Commit    string
	Risk      float64  // pre-merge overlap with branches merged earlier this pass
	Files     []string // footprint of the branch
	Conflicts []string
	Err       error
}

// Report summarizes a sync pass over a spec.
type Report struct {
	Merged     []Outcome
	Conflicted []Outcome
}

// Coordinator merges completed task branches back into the spec's base
// branch, dependencies first, one at a time. A conflicting branch is
// surfaced and skipped; it never aborts the rest of the pass.
type Coordinator struct {
	host   GitHost
	graph  *graph.Store
	events graph.EventSink
	logger *zap.Logger
}

// New creates a merge coordinator.
func New(host GitHost, g *graph.Store, events graph.EventSink, logger *zap.Logger) *Coordinator {
	return &Coordinator{host: host, graph: g, events: events, logger: logger}
}

// Plan returns the spec's done, branch-carrying tasks in merge order:
// topological by dependency, insertion order within a rank.
func (c *Coordinator) Plan(specID uuid.UUID) []domain.Task {
	tasks := c.graph.Tasks(specID)
	eligible := make(map[uuid.UUID]domain.Task)
	for _, t := range tasks {
		if t.Status == domain.TaskDone && t.Branch != "" {
			eligible[t.ID] = t
		}
	}

	indegree := make(map[uuid.UUID]int, len(eligible))
	dependents := make(map[uuid.UUID][]uuid.UUID)
	for id, t := range eligible {
		for _, dep := range t.DependsOn {
			if _, ok := eligible[dep]; ok {
				indegree[id]++
				dependents[dep] = append(dependents[dep], id)
			}
		}
	}

	var frontier []domain.Task
	for id, t := range eligible {
		if indegree[id] == 0 {
			frontier = append(frontier, t)
		}
	}

	var order []domain.Task
	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool { return frontier[i].Seq < frontier[j].Seq })
		next := frontier[0]
		frontier = frontier[1:]
		order = append(order, next)
		for _, dep := range dependents[next.ID] {
			indegree[dep]--
			if indegree[dep] == 0 {
				frontier = append(frontier, eligible[dep])
			}
		}
	}
	return order
}

// Sync merges every eligible branch of the spec into its base branch.
func (c *Coordinator) Sync(ctx context.Context, spec domain.Spec) (Report, error) {
	var report Report
	merged := make(map[string]bool)

	for _, task := range c.Plan(spec.ID) {
		outcome := c.mergeOne(ctx, spec, task, merged)
		if outcome.Err != nil {
			report.Conflicted = append(report.Conflicted, outcome)
			continue
		}
		for _, f := range outcome.Files {
			merged[f] = true
		}
		report.Merged = append(report.Merged, outcome)
	}
	return report, nil
}

func (c *Coordinator) mergeOne(ctx context.Context, spec domain.Spec, task domain.Task, mergedFiles map[string]bool) Outcome {
	out := Outcome{TaskID: task.ID, Branch: task.Branch}

	files, err := c.host.ChangedFiles(ctx, spec.BaseBranch, task.Branch)
	if err != nil {
		out.Err = fmt.Errorf("list changed files: %w", err)
		return out
	}
	out.Files = files
	out.Risk = riskScore(files, mergedFiles)

	conflicts, err := c.host.DryRun(ctx, spec.BaseBranch, task.Branch)
	if err != nil {
		out.Err = fmt.Errorf("dry-run merge: %w", err)
		return out
	}
	if len(conflicts) > 0 {
		out.Conflicts = conflicts
		out.Err = fmt.Errorf("branch %s conflicts in %s: %w",
			task.Branch, strings.Join(conflicts, ", "), domain.ErrMergeConflict)
		c.logger.Warn("merge conflict",
			zap.String("task", task.ID.String()),
			zap.String("branch", task.Branch),
			zap.Strings("files", conflicts))
		c.publish(ctx, domain.NewEvent(domain.EventMergeConflict, spec.ID, "task", task.ID.String(), map[string]string{
			"branch": task.Branch,
			"files":  strings.Join(conflicts, ","),
		}))
		return out
	}

	commit, err := c.host.Merge(ctx, spec.BaseBranch, task.Branch,
		fmt.Sprintf("merge %s: %s", task.Branch, task.Description))
	if err != nil {
		out.Err = fmt.Errorf("merge %s: %w", task.Branch, err)
		return out
	}
	out.Commit = commit
	c.logger.Info("branch merged",
		zap.String("task", task.ID.String()),
		zap.String("branch", task.Branch),
		zap.String("commit", commit),
		zap.Float64("risk", out.Risk))
	c.publish(ctx, domain.NewEvent(domain.EventMergeCompleted, spec.ID, "task", task.ID.String(), map[string]string{
		"branch": task.Branch,
		"commit": commit,
	}))
	return out
}

func riskScore(files []string, merged map[string]bool) float64 {
	if len(files) == 0 {
		return 0
	}
	overlap := 0
	for _, f := range files {
		if merged[f] {
			overlap++
		}
	}
	return float64(overlap) / float64(len(files))
}

func (c *Coordinator) publish(ctx context.Context, ev domain.Event) {
	if c.events != nil {
		c.events.Publish(ctx, ev)
	}
}
