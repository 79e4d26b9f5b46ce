package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/discovery"
	"github.com/halcyonlabs/specforge/internal/dispatch"
	"github.com/halcyonlabs/specforge/internal/domain"
	"github.com/halcyonlabs/specforge/internal/graph"
	"github.com/halcyonlabs/specforge/internal/merge"
	"github.com/halcyonlabs/specforge/internal/phase"
	"github.com/halcyonlabs/specforge/internal/scheduler"
	"github.com/halcyonlabs/specforge/internal/validator"
	"go.uber.org/zap"
)

// Merger syncs a spec's completed branches into its base branch.
type Merger interface {
	Sync(ctx context.Context, spec domain.Spec) (merge.Report, error)
}

// Persister is the durable write-behind surface. All writes are best
// effort: persistence failures are logged, never block orchestration.
type Persister interface {
	SaveSpec(ctx context.Context, spec *domain.Spec) error
	SaveTask(ctx context.Context, t *domain.Task) error
	SaveAttempt(ctx context.Context, a *domain.ExecutionAttempt) error
	SaveDiscovery(ctx context.Context, d *domain.Discovery, accepted bool, taskID *uuid.UUID, reason string) error
}

// Runnable is a background loop owned by the orchestrator.
type Runnable interface {
	Run(ctx context.Context)
}

// Orchestrator binds the pipeline together: spec admission, task
// decomposition, dispatch gating, validation on completion, merge on
// settlement, and pause/resume. It is the dispatch completer and the
// scheduler's spec gate.
type Orchestrator struct {
	machine   *phase.Machine
	graph     *graph.Store
	scheduler *scheduler.Scheduler
	disp      *dispatch.Dispatcher
	validator *validator.Validator
	merger    Merger
	disc      *discovery.Engine
	persist   Persister
	monitors  []Runnable
	events    graph.EventSink
	logger    *zap.Logger

	mu     sync.Mutex
	paused map[uuid.UUID]string
}

// Deps carries the orchestrator's collaborators. merger, persist and
// monitors may be nil or empty.
type Deps struct {
	Machine   *phase.Machine
	Graph     *graph.Store
	Scheduler *scheduler.Scheduler
	Dispatch  *dispatch.Dispatcher
	Validator *validator.Validator
	Merger    Merger
	Discovery *discovery.Engine
	Persist   Persister
	Monitors  []Runnable
	Events    graph.EventSink
	Logger    *zap.Logger
}

// New wires the orchestrator and registers it as the dispatch completer.
func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		machine:   d.Machine,
		graph:     d.Graph,
		scheduler: d.Scheduler,
		disp:      d.Dispatch,
		validator: d.Validator,
		merger:    d.Merger,
		disc:      d.Discovery,
		persist:   d.Persist,
		monitors:  d.Monitors,
		events:    d.Events,
		logger:    d.Logger,
		paused:    make(map[uuid.UUID]string),
	}
	d.Dispatch.SetCompleter(o)
	d.Scheduler.SetGate(o)
	return o
}

// Run starts every background loop and blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loops := append([]Runnable{o.scheduler, o.disp}, o.monitors...)
	for _, loop := range loops {
		wg.Add(1)
		go func(r Runnable) {
			defer wg.Done()
			r.Run(ctx)
		}(loop)
	}
	wg.Wait()
}

// SubmitSpec admits a new spec in draft and registers it for scheduling.
func (o *Orchestrator) SubmitSpec(ctx context.Context, spec *domain.Spec) domain.Spec {
	admitted := o.machine.Register(spec)
	o.scheduler.Register(admitted.ID)
	o.saveSpec(ctx, admitted)
	o.logger.Info("spec admitted",
		zap.String("spec", admitted.ID.String()),
		zap.String("title", admitted.Title))
	return admitted
}

// AddTask inserts a decomposed task with its edges and indexes it for
// duplicate detection.
func (o *Orchestrator) AddTask(ctx context.Context, task *domain.Task, deps, blocks []uuid.UUID) error {
	if err := o.graph.AddTask(ctx, task, deps, blocks); err != nil {
		return err
	}
	o.disc.IndexTask(ctx, task.SpecID, task.ID, task.Description)
	o.saveTask(ctx, task.SpecID, task.ID)
	return nil
}

// RecordDiscovery consumes an agent discovery. Out-of-band phase
// targets are admitted only for the current phase or earlier.
func (o *Orchestrator) RecordDiscovery(ctx context.Context, d domain.Discovery) (uuid.UUID, error) {
	if d.TargetPhase != "" && !o.machine.OutOfBandAllowed(d.SpecID, d.TargetPhase) {
		err := fmt.Errorf("discovery targets phase %s ahead of the spec: %w", d.TargetPhase, domain.ErrPhaseTransition)
		if o.persist != nil {
			if perr := o.persist.SaveDiscovery(ctx, &d, false, nil, err.Error()); perr != nil {
				o.logger.Warn("discovery not persisted", zap.Error(perr))
			}
		}
		return uuid.Nil, err
	}
	taskID, err := o.disc.Record(ctx, d)
	if o.persist != nil {
		var spawned *uuid.UUID
		reason := ""
		if err != nil {
			reason = err.Error()
		} else {
			spawned = &taskID
		}
		if perr := o.persist.SaveDiscovery(ctx, &d, err == nil, spawned, reason); perr != nil {
			o.logger.Warn("discovery not persisted", zap.Error(perr))
		}
	}
	if err != nil {
		return uuid.Nil, err
	}
	o.saveTask(ctx, d.SpecID, taskID)
	return taskID, nil
}

// Dispatchable implements scheduler.SpecGate: only active specs in the
// execution phase receive new dispatches.
func (o *Orchestrator) Dispatchable(specID uuid.UUID) bool {
	o.mu.Lock()
	_, paused := o.paused[specID]
	o.mu.Unlock()
	if paused {
		return false
	}
	spec, err := o.machine.Get(specID)
	if err != nil {
		return false
	}
	return spec.Status == domain.SpecActive && spec.Phase == domain.PhaseExecution
}

// Pause stops new dispatches for a spec. In-flight attempts finish.
// Pausing an already paused spec is rejected so callers cannot silently
// overwrite another operator's reason.
func (o *Orchestrator) Pause(ctx context.Context, specID uuid.UUID, reason string) error {
	o.mu.Lock()
	if _, already := o.paused[specID]; already {
		o.mu.Unlock()
		return fmt.Errorf("spec %s: %w", specID, domain.ErrSpecPaused)
	}
	o.mu.Unlock()
	if err := o.machine.SetStatus(specID, domain.SpecPaused); err != nil {
		return err
	}
	o.mu.Lock()
	o.paused[specID] = reason
	o.mu.Unlock()
	o.logger.Info("spec paused",
		zap.String("spec", specID.String()),
		zap.String("reason", reason))
	return nil
}

// Resume reopens dispatch for a paused spec and kicks the scheduler.
func (o *Orchestrator) Resume(ctx context.Context, specID uuid.UUID) error {
	o.mu.Lock()
	delete(o.paused, specID)
	o.mu.Unlock()
	if err := o.machine.SetStatus(specID, domain.SpecActive); err != nil {
		return err
	}
	o.scheduler.Tick(ctx, specID)
	return nil
}

// OnCompletion implements dispatch.Completer: validate the artifact,
// then settle or retry the task.
func (o *Orchestrator) OnCompletion(ctx context.Context, attempt domain.ExecutionAttempt, artifact *domain.Artifact) {
	if o.persist != nil {
		if err := o.persist.SaveAttempt(ctx, &attempt); err != nil {
			o.logger.Warn("attempt not persisted", zap.Error(err))
		}
	}

	task, err := o.graph.Task(attempt.SpecID, attempt.TaskID)
	if err != nil {
		o.logger.Error("completed attempt for unknown task",
			zap.String("task", attempt.TaskID.String()), zap.Error(err))
		return
	}

	result, err := o.validator.Validate(ctx, task, artifact)
	if err != nil {
		o.logger.Error("validation errored, requeueing",
			zap.String("task", task.ID.String()), zap.Error(err))
		result = validator.Result{Reasons: []string{"validation error: " + err.Error()}}
	}

	if result.Passed {
		if err := o.graph.MarkDone(ctx, attempt.SpecID, task.ID); err != nil {
			o.logger.Error("mark done", zap.Error(err))
			return
		}
		o.saveTask(ctx, attempt.SpecID, task.ID)
		o.scheduler.Tick(ctx, attempt.SpecID)
		o.settleIfDone(ctx, attempt.SpecID)
		return
	}

	verr := &domain.ValidationError{TaskID: task.ID.String(), Reasons: result.Reasons}
	if task.Retries >= o.validator.MaxRetries()-1 {
		if err := o.graph.MarkFailed(ctx, attempt.SpecID, task.ID,
			fmt.Sprintf("validation budget exhausted: %s", verr.Error())); err != nil {
			o.logger.Error("mark failed", zap.Error(err))
		}
		o.saveTask(ctx, attempt.SpecID, task.ID)
		o.settleIfDone(ctx, attempt.SpecID)
		return
	}
	if err := o.graph.RequeueForRetry(attempt.SpecID, task.ID, result.Reasons); err != nil {
		o.logger.Error("requeue after validation", zap.Error(err))
		return
	}
	o.saveTask(ctx, attempt.SpecID, task.ID)
	o.scheduler.Tick(ctx, attempt.SpecID)
}

// settleIfDone closes out a spec whose tasks have all reached terminal
// or blocked states: merge and complete on success, fail otherwise.
func (o *Orchestrator) settleIfDone(ctx context.Context, specID uuid.UUID) {
	settled, failed := o.graph.AllDone(specID)
	if !settled {
		return
	}
	spec, err := o.machine.Get(specID)
	if err != nil || spec.Phase != domain.PhaseExecution {
		return
	}

	if failed {
		if err := o.machine.Advance(ctx, specID, domain.PhaseFailed); err != nil {
			o.logger.Error("spec failure transition", zap.Error(err))
			return
		}
		o.publish(ctx, domain.NewEvent(domain.EventSpecFailed, specID, "spec", specID.String(), map[string]string{
			"reason": "one or more tasks failed terminally",
		}))
		o.saveSpecByID(ctx, specID)
		return
	}

	if err := o.machine.Advance(ctx, specID, domain.PhaseSync); err != nil {
		o.logger.Error("sync transition", zap.Error(err))
		return
	}
	o.saveSpecByID(ctx, specID)
	o.syncSpec(ctx, specID)
}

// syncSpec merges settled branches. Conflicted branches send their
// tasks back to execution with the conflict as retry context.
func (o *Orchestrator) syncSpec(ctx context.Context, specID uuid.UUID) {
	spec, err := o.machine.Get(specID)
	if err != nil {
		return
	}
	if o.merger == nil {
		o.complete(ctx, specID)
		return
	}

	report, err := o.merger.Sync(ctx, spec)
	if err != nil {
		o.logger.Error("merge sync failed", zap.Error(err))
		return
	}
	if len(report.Conflicted) == 0 {
		o.complete(ctx, specID)
		return
	}

	for _, out := range report.Conflicted {
		reason := fmt.Sprintf("merge conflict on %s: %v", out.Branch, out.Conflicts)
		if err := o.graph.RequeueForRetry(specID, out.TaskID, []string{reason}); err != nil {
			o.logger.Error("requeue conflicted task", zap.Error(err))
		}
		o.saveTask(ctx, specID, out.TaskID)
	}
	if err := o.machine.Advance(ctx, specID, domain.PhaseExecution); err != nil {
		o.logger.Error("return to execution", zap.Error(err))
		return
	}
	o.saveSpecByID(ctx, specID)
	o.scheduler.Tick(ctx, specID)
}

func (o *Orchestrator) complete(ctx context.Context, specID uuid.UUID) {
	if err := o.machine.Advance(ctx, specID, domain.PhaseComplete); err != nil {
		o.logger.Error("completion transition", zap.Error(err))
		return
	}
	o.scheduler.Unregister(specID)
	o.publish(ctx, domain.NewEvent(domain.EventSpecCompleted, specID, "spec", specID.String(), nil))
	o.saveSpecByID(ctx, specID)
	o.logger.Info("spec completed", zap.String("spec", specID.String()))
}

func (o *Orchestrator) publish(ctx context.Context, ev domain.Event) {
	if o.events != nil {
		o.events.Publish(ctx, ev)
	}
}

func (o *Orchestrator) saveSpec(ctx context.Context, spec domain.Spec) {
	if o.persist == nil {
		return
	}
	if err := o.persist.SaveSpec(ctx, &spec); err != nil {
		o.logger.Warn("spec not persisted", zap.Error(err))
	}
}

func (o *Orchestrator) saveSpecByID(ctx context.Context, specID uuid.UUID) {
	spec, err := o.machine.Get(specID)
	if err != nil {
		return
	}
	o.saveSpec(ctx, spec)
}

func (o *Orchestrator) saveTask(ctx context.Context, specID, taskID uuid.UUID) {
	if o.persist == nil {
		return
	}
	task, err := o.graph.Task(specID, taskID)
	if err != nil {
		return
	}
	if err := o.persist.SaveTask(ctx, &task); err != nil {
		o.logger.Warn("task not persisted", zap.Error(err))
	}
}
