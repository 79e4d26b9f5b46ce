package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/domain"
	"github.com/halcyonlabs/specforge/internal/graph"
	"go.uber.org/zap"
)

// Default cosine similarity above which a discovery is considered a
// duplicate of an existing task.
const DefaultSimilarityThreshold = 0.85

// Rescheduler re-evaluates a spec's ready frontier after the graph grows.
type Rescheduler interface {
	Tick(ctx context.Context, specID uuid.UUID) int
}

// Config tunes the discovery engine.
type Config struct {
	SimilarityThreshold float64
}

// Engine consumes agent-reported discoveries exactly once: each one
// either spawns a task (with its edges, atomically) or is rejected with
// an explicit, logged reason. Rejections are outcomes, not drops.
type Engine struct {
	graph     *graph.Store
	index     Index
	scheduler Rescheduler
	events    graph.EventSink
	threshold float64
	logger    *zap.Logger
}

// New creates a discovery engine.
func New(g *graph.Store, index Index, scheduler Rescheduler, cfg Config, events graph.EventSink, logger *zap.Logger) *Engine {
	threshold := cfg.SimilarityThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultSimilarityThreshold
	}
	return &Engine{
		graph:     g,
		index:     index,
		scheduler: scheduler,
		events:    events,
		threshold: threshold,
		logger:    logger,
	}
}

// IndexTask registers an existing task in the similarity index so later
// discoveries can be checked against it. Called for decomposition
// output as well as accepted discoveries.
func (e *Engine) IndexTask(ctx context.Context, specID, taskID uuid.UUID, description string) {
	if err := e.index.Add(ctx, specID, taskID, description); err != nil {
		e.logger.Warn("task indexing failed",
			zap.String("task", taskID.String()), zap.Error(err))
	}
}

// Record consumes one discovery. On acceptance it returns the new task
// id; on rejection it returns ErrDuplicateRejected or ErrCycleRejected
// with the graph unchanged.
func (e *Engine) Record(ctx context.Context, d domain.Discovery) (uuid.UUID, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	source, err := e.graph.Task(d.SpecID, d.SourceTaskID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("discovery source: %w", err)
	}

	// Duplicate check before any mutation.
	match, err := e.index.Nearest(ctx, d.SpecID, d.Description)
	if err != nil {
		// A broken index must not silently let duplicates through, but
		// it must not wedge the pipeline either. Log and continue.
		e.logger.Warn("similarity lookup failed, skipping de-dup",
			zap.String("discovery", d.ID.String()), zap.Error(err))
	} else if match != nil && match.Score >= e.threshold {
		if existing, lookupErr := e.graph.Task(d.SpecID, match.TaskID); lookupErr == nil && !existing.Status.IsTerminal() {
			e.reject(ctx, d, fmt.Sprintf("duplicate of task %s (similarity %.2f)", match.TaskID, match.Score))
			return uuid.Nil, fmt.Errorf("discovery %s: %w", d.ID, domain.ErrDuplicateRejected)
		}
	}

	task := &domain.Task{
		ID:          uuid.New(),
		SpecID:      d.SpecID,
		Description: d.Description,
		Mode:        modeFor(d.Type),
		Priority:    d.Priority,
		ParentID:    &d.SourceTaskID,
		DiscoveryID: &d.ID,
		Constraints: source.Constraints, // inherit the source's standing constraints
		Criteria:    source.Criteria,
	}

	if err := e.graph.AddTask(ctx, task, d.DependsOn, d.Blocks); err != nil {
		if errors.Is(err, domain.ErrCycleRejected) {
			e.reject(ctx, d, "edge set would create a dependency cycle")
			return uuid.Nil, fmt.Errorf("discovery %s: %w", d.ID, err)
		}
		return uuid.Nil, fmt.Errorf("insert discovered task: %w", err)
	}

	e.IndexTask(ctx, d.SpecID, task.ID, d.Description)
	e.logger.Info("discovery accepted",
		zap.String("discovery", d.ID.String()),
		zap.String("type", string(d.Type)),
		zap.String("task", task.ID.String()),
		zap.String("source", d.SourceTaskID.String()))
	if e.events != nil {
		e.events.Publish(ctx, domain.NewEvent(domain.EventDiscoveryAccepted, d.SpecID, "discovery", d.ID.String(), map[string]string{
			"task":   task.ID.String(),
			"type":   string(d.Type),
			"source": d.SourceTaskID.String(),
		}))
	}

	// The graph grew; the frontier may have too.
	if e.scheduler != nil {
		e.scheduler.Tick(ctx, d.SpecID)
	}
	return task.ID, nil
}

func (e *Engine) reject(ctx context.Context, d domain.Discovery, reason string) {
	e.logger.Info("discovery rejected",
		zap.String("discovery", d.ID.String()),
		zap.String("type", string(d.Type)),
		zap.String("reason", reason))
	if e.events != nil {
		e.events.Publish(ctx, domain.NewEvent(domain.EventDiscoveryRejected, d.SpecID, "discovery", d.ID.String(), map[string]string{
			"reason": reason,
		}))
	}
}

// modeFor maps discovery types to execution modes.
func modeFor(t domain.DiscoveryType) domain.ExecMode {
	switch t {
	case domain.DiscoveryBug:
		return domain.ModeImplementation
	case domain.DiscoveryMissingReq:
		return domain.ModeExploration
	case domain.DiscoveryOptimization:
		return domain.ModeImplementation
	default:
		return domain.ModeImplementation
	}
}
