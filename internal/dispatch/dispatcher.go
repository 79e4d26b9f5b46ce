package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/domain"
	"github.com/halcyonlabs/specforge/internal/graph"
	"go.uber.org/zap"
)

// Config bounds attempt supervision.
type Config struct {
	HeartbeatInterval time.Duration // expected beat cadence from sandboxes
	StaleThreshold    time.Duration // no beat for this long marks the attempt stuck
	Timeout           time.Duration // hard wall-clock limit per attempt
	MaxInterventions  int           // stuck escalates to failed beyond this
	MaxRetries        int           // re-dispatch budget per task
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 90 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
	if c.MaxInterventions <= 0 {
		c.MaxInterventions = 3
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

type attemptState struct {
	attempt *domain.ExecutionAttempt
	session Session
	cancel  context.CancelFunc
}

// Dispatcher acquires a sandbox per assigned task and supervises one
// execution attempt to completion, failure, or timeout. At most one
// attempt per task is ever active.
type Dispatcher struct {
	backend   Backend
	graph     *graph.Store
	completer Completer
	events    graph.EventSink
	cfg       Config
	logger    *zap.Logger

	mu     sync.Mutex
	byTask map[uuid.UUID]*attemptState
	byID   map[uuid.UUID]*attemptState
}

// New creates a dispatcher. The completer is wired afterwards because
// the validation pipeline depends on the dispatcher for retries.
func New(backend Backend, g *graph.Store, cfg Config, events graph.EventSink, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		backend: backend,
		graph:   g,
		cfg:     cfg.withDefaults(),
		events:  events,
		logger:  logger,
		byTask:  make(map[uuid.UUID]*attemptState),
		byID:    make(map[uuid.UUID]*attemptState),
	}
}

// SetCompleter wires the completion handler (validator + merge).
func (d *Dispatcher) SetCompleter(c Completer) { d.completer = c }

// Dispatch acquires a sandbox and starts supervising a new attempt.
// A second dispatch for a task with an active attempt is rejected.
func (d *Dispatcher) Dispatch(ctx context.Context, task domain.Task) (*domain.ExecutionAttempt, error) {
	attempt := &domain.ExecutionAttempt{
		ID:            uuid.New(),
		TaskID:        task.ID,
		SpecID:        task.SpecID,
		Status:        domain.AttemptRunning,
		StartedAt:     time.Now().UTC(),
		LastHeartbeat: time.Now().UTC(),
	}
	state := &attemptState{attempt: attempt}

	d.mu.Lock()
	if cur, active := d.byTask[task.ID]; active {
		cause := domain.ErrAttemptActive
		if cur.attempt.Status == domain.AttemptStuck {
			// Still occupying the slot but silent; intervention or
			// escalation has to settle it before a re-dispatch.
			cause = domain.ErrAttemptStuck
		}
		d.mu.Unlock()
		return nil, fmt.Errorf("task %s: %w", task.ID, cause)
	}
	d.byTask[task.ID] = state
	d.byID[attempt.ID] = state
	d.mu.Unlock()

	req := RunRequest{
		Task:         task,
		Constraints:  task.Constraints,
		Criteria:     task.Criteria,
		BaseBranch:   task.Branch,
		RetryContext: task.FailureReasons,
	}
	session, err := d.backend.Acquire(ctx, req)
	if err != nil {
		d.remove(state)
		return nil, fmt.Errorf("acquire sandbox for task %s: %w", task.ID, err)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)

	d.mu.Lock()
	state.session = session
	state.cancel = cancel
	attempt.AgentID = session.AgentID()
	d.mu.Unlock()

	if err := d.graph.SetStatus(task.SpecID, task.ID, domain.TaskRunning); err != nil {
		d.logger.Warn("task did not enter running",
			zap.String("task", task.ID.String()), zap.Error(err))
	}
	d.publish(ctx, domain.NewEvent(domain.EventTaskDispatched, task.SpecID, "attempt", attempt.ID.String(), map[string]string{
		"task":  task.ID.String(),
		"agent": attempt.AgentID,
	}))
	d.logger.Info("attempt dispatched",
		zap.String("task", task.ID.String()),
		zap.String("attempt", attempt.ID.String()),
		zap.String("agent", attempt.AgentID))

	go d.supervise(runCtx, state)

	snapshot := *attempt
	return &snapshot, nil
}

// supervise pumps heartbeats and waits for the terminal result or the
// wall-clock timeout.
func (d *Dispatcher) supervise(ctx context.Context, state *attemptState) {
	defer state.cancel()

	for {
		select {
		case hb, ok := <-state.session.Heartbeats():
			if !ok {
				// Heartbeat stream closed; rely on result or timeout.
				d.waitForResult(ctx, state)
				return
			}
			d.recordHeartbeat(state, hb)

		case res := <-state.session.Result():
			d.finish(ctx, state, res)
			return

		case <-ctx.Done():
			d.timeOut(state)
			return
		}
	}
}

func (d *Dispatcher) waitForResult(ctx context.Context, state *attemptState) {
	select {
	case res := <-state.session.Result():
		d.finish(ctx, state, res)
	case <-ctx.Done():
		d.timeOut(state)
	}
}

func (d *Dispatcher) recordHeartbeat(state *attemptState, hb Heartbeat) {
	d.mu.Lock()
	defer d.mu.Unlock()
	at := hb.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	state.attempt.LastHeartbeat = at
	state.attempt.Touched = mergeFiles(state.attempt.Touched, hb.Files)
}

func mergeFiles(have, add []string) []string {
	seen := make(map[string]bool, len(have))
	for _, f := range have {
		seen[f] = true
	}
	for _, f := range add {
		if !seen[f] {
			seen[f] = true
			have = append(have, f)
		}
	}
	return have
}

// finish closes a naturally completed attempt and hands the artifact to
// the validation pipeline.
func (d *Dispatcher) finish(ctx context.Context, state *attemptState, res RunResult) {
	if res.Err != nil {
		d.logger.Warn("attempt failed in sandbox",
			zap.String("attempt", state.attempt.ID.String()),
			zap.Error(res.Err))
		d.close(state, domain.AttemptFailed, res.Err.Error())
		d.requeueOrFail(ctx, state, "sandbox execution failed: "+res.Err.Error())
		return
	}

	d.mu.Lock()
	state.attempt.Artifact = res.Artifact
	d.mu.Unlock()
	d.close(state, domain.AttemptSucceeded, "")

	attempt := d.snapshot(state)
	if res.Artifact != nil && res.Artifact.Branch != "" {
		if err := d.graph.SetBranch(attempt.SpecID, attempt.TaskID, res.Artifact.Branch); err != nil {
			d.logger.Warn("record branch", zap.Error(err))
		}
	}
	if err := d.graph.SetStatus(attempt.SpecID, attempt.TaskID, domain.TaskValidating); err != nil {
		d.logger.Warn("task did not enter validating",
			zap.String("task", attempt.TaskID.String()), zap.Error(err))
		return
	}
	if d.completer != nil {
		d.completer.OnCompletion(ctx, attempt, res.Artifact)
	}
}

func (d *Dispatcher) timeOut(state *attemptState) {
	d.mu.Lock()
	if state.attempt.Status.IsTerminal() {
		// Already closed by another path (e.g. escalation cancelled the
		// run context); nothing to do.
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	d.logger.Warn("attempt timed out",
		zap.String("attempt", state.attempt.ID.String()),
		zap.String("task", state.attempt.TaskID.String()))
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := state.session.Stop(stopCtx); err != nil {
		d.logger.Warn("sandbox teardown failed", zap.Error(err))
	}
	d.close(state, domain.AttemptTimedOut, "wall-clock timeout")
	d.requeueOrFail(stopCtx, state, "attempt timed out")
}

// close terminalizes the attempt and frees the task slot. No-op if the
// attempt is already terminal.
func (d *Dispatcher) close(state *attemptState, status domain.AttemptStatus, errMsg string) {
	d.mu.Lock()
	if state.attempt.Status.IsTerminal() {
		d.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	state.attempt.Status = status
	state.attempt.ClosedAt = &now
	if errMsg != "" {
		state.attempt.Error = errMsg
	}
	delete(d.byTask, state.attempt.TaskID)
	d.mu.Unlock()
}

func (d *Dispatcher) remove(state *attemptState) {
	d.mu.Lock()
	delete(d.byTask, state.attempt.TaskID)
	delete(d.byID, state.attempt.ID)
	d.mu.Unlock()
}

// requeueOrFail returns the task to pending for re-dispatch while the
// retry budget lasts; beyond it the task fails and stays visible with
// its reason chain.
func (d *Dispatcher) requeueOrFail(ctx context.Context, state *attemptState, reason string) {
	attempt := d.snapshot(state)
	task, err := d.graph.Task(attempt.SpecID, attempt.TaskID)
	if err != nil {
		d.logger.Error("requeue lookup failed", zap.Error(err))
		return
	}
	if task.Status.IsTerminal() {
		return
	}
	if task.Retries >= d.cfg.MaxRetries-1 {
		if err := d.graph.MarkFailed(ctx, attempt.SpecID, attempt.TaskID,
			fmt.Sprintf("retry budget exhausted after %d attempts: %s", task.Retries+1, reason)); err != nil {
			d.logger.Error("mark failed", zap.Error(err))
		}
		return
	}
	if err := d.graph.RequeueForRetry(attempt.SpecID, attempt.TaskID, []string{reason}); err != nil {
		d.logger.Error("requeue failed", zap.Error(err))
	}
}

// SweepStale marks attempts whose heartbeats stopped as stuck. Stuck is
// not terminal: the Guardian intervenes and the attempt may resume.
func (d *Dispatcher) SweepStale(ctx context.Context, now time.Time) []domain.ExecutionAttempt {
	d.mu.Lock()
	var stuck []domain.ExecutionAttempt
	for _, state := range d.byTask {
		a := state.attempt
		if a.Status != domain.AttemptRunning {
			continue
		}
		if now.Sub(a.LastHeartbeat) > d.cfg.StaleThreshold {
			a.Status = domain.AttemptStuck
			a.StuckEpisodes++
			stuck = append(stuck, *a)
		}
	}
	d.mu.Unlock()

	for _, a := range stuck {
		d.logger.Warn("attempt stuck: heartbeats stale",
			zap.String("attempt", a.ID.String()),
			zap.String("task", a.TaskID.String()),
			zap.Time("last_heartbeat", a.LastHeartbeat))
		d.publish(ctx, domain.NewEvent(domain.EventAttemptStuck, a.SpecID, "attempt", a.ID.String(), map[string]string{
			"task": a.TaskID.String(),
		}))
	}
	return stuck
}

// Run sweeps for stale heartbeats until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.SweepStale(ctx, now.UTC())
		}
	}
}

// Intervene delivers a steering message to an active attempt. A stuck
// attempt returns to running. Once the intervention budget is exceeded
// the attempt escalates to failed instead.
func (d *Dispatcher) Intervene(ctx context.Context, iv domain.Intervention) error {
	d.mu.Lock()
	state, ok := d.byID[iv.AttemptID]
	if !ok || state.attempt.Status.IsTerminal() {
		d.mu.Unlock()
		return domain.ErrAttemptNotFound
	}
	if state.attempt.Interventions >= d.cfg.MaxInterventions {
		d.mu.Unlock()
		d.failEscalated(ctx, state)
		return domain.ErrAttemptFailed
	}
	state.attempt.Interventions++
	resumed := state.attempt.Status == domain.AttemptStuck
	if resumed {
		state.attempt.Status = domain.AttemptRunning
		state.attempt.LastHeartbeat = time.Now().UTC()
	}
	session := state.session
	specID := state.attempt.SpecID
	d.mu.Unlock()

	if session != nil {
		if err := session.Deliver(ctx, iv); err != nil {
			return fmt.Errorf("deliver intervention: %w", err)
		}
	}
	d.publish(ctx, domain.NewEvent(domain.EventInterventionIssued, specID, "intervention", iv.ID.String(), map[string]string{
		"attempt": iv.AttemptID.String(),
		"type":    string(iv.Type),
		"reason":  iv.Reason,
	}))
	return nil
}

func (d *Dispatcher) failEscalated(ctx context.Context, state *attemptState) {
	d.logger.Warn("intervention budget exceeded, failing attempt",
		zap.String("attempt", state.attempt.ID.String()))
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if state.session != nil {
		_ = state.session.Stop(stopCtx)
	}
	if state.cancel != nil {
		state.cancel()
	}
	d.close(state, domain.AttemptFailed, "intervention budget exceeded")
	d.requeueOrFail(ctx, state, "attempt unrecoverable after maximum interventions")
}

// RecordAlignment appends a Guardian scoring sample to an attempt.
func (d *Dispatcher) RecordAlignment(attemptID uuid.UUID, sample domain.AlignmentSample) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.byID[attemptID]
	if !ok {
		return domain.ErrAttemptNotFound
	}
	state.attempt.Alignment = append(state.attempt.Alignment, sample)
	return nil
}

// Active returns copies of all non-terminal attempts.
func (d *Dispatcher) Active() []domain.ExecutionAttempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.ExecutionAttempt, 0, len(d.byTask))
	for _, state := range d.byTask {
		out = append(out, *state.attempt)
	}
	return out
}

// ActiveForSpecList returns copies of non-terminal attempts for a spec.
func (d *Dispatcher) ActiveForSpecList(specID uuid.UUID) []domain.ExecutionAttempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []domain.ExecutionAttempt
	for _, state := range d.byTask {
		if state.attempt.SpecID == specID {
			out = append(out, *state.attempt)
		}
	}
	return out
}

// ActiveCount returns the number of active attempts across all specs.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byTask)
}

// ActiveForSpec returns the number of active attempts for one spec.
func (d *Dispatcher) ActiveForSpec(specID uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, state := range d.byTask {
		if state.attempt.SpecID == specID {
			n++
		}
	}
	return n
}

// Attempt returns a copy of an attempt by id, including closed ones
// still in the registry.
func (d *Dispatcher) Attempt(attemptID uuid.UUID) (domain.ExecutionAttempt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.byID[attemptID]
	if !ok {
		return domain.ExecutionAttempt{}, domain.ErrAttemptNotFound
	}
	return *state.attempt, nil
}

func (d *Dispatcher) snapshot(state *attemptState) domain.ExecutionAttempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *state.attempt
}

func (d *Dispatcher) publish(ctx context.Context, ev domain.Event) {
	if d.events != nil {
		d.events.Publish(ctx, ev)
	}
}
