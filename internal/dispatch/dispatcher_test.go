package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/domain"
	"github.com/halcyonlabs/specforge/internal/graph"
	"go.uber.org/zap"
)

// fakeSession is a sandbox session driven by the test.
type fakeSession struct {
	agentID   string
	beats     chan Heartbeat
	result    chan RunResult
	mu        sync.Mutex
	delivered []domain.Intervention
	stopped   bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		agentID: "agent-" + uuid.NewString()[:8],
		beats:   make(chan Heartbeat, 4),
		result:  make(chan RunResult, 1),
	}
}

func (s *fakeSession) AgentID() string              { return s.agentID }
func (s *fakeSession) Heartbeats() <-chan Heartbeat { return s.beats }
func (s *fakeSession) Result() <-chan RunResult     { return s.result }

func (s *fakeSession) Deliver(_ context.Context, iv domain.Intervention) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, iv)
	return nil
}

func (s *fakeSession) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

type fakeBackend struct {
	mu       sync.Mutex
	sessions []*fakeSession
}

func (b *fakeBackend) Acquire(context.Context, RunRequest) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := newFakeSession()
	b.sessions = append(b.sessions, s)
	return s, nil
}

func (b *fakeBackend) last() *fakeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[len(b.sessions)-1]
}

type recordingCompleter struct {
	mu       sync.Mutex
	attempts []domain.ExecutionAttempt
	done     chan struct{}
}

func newRecordingCompleter() *recordingCompleter {
	return &recordingCompleter{done: make(chan struct{}, 8)}
}

func (c *recordingCompleter) OnCompletion(_ context.Context, a domain.ExecutionAttempt, _ *domain.Artifact) {
	c.mu.Lock()
	c.attempts = append(c.attempts, a)
	c.mu.Unlock()
	c.done <- struct{}{}
}

func newDispatcherUnderTest(cfg Config) (*Dispatcher, *fakeBackend, *graph.Store) {
	logger := zap.NewNop()
	g := graph.NewStore(nil, logger)
	backend := &fakeBackend{}
	return New(backend, g, cfg, nil, logger), backend, g
}

func seedRunnableTask(t *testing.T, g *graph.Store) domain.Task {
	t.Helper()
	task := &domain.Task{
		ID:          uuid.New(),
		SpecID:      uuid.New(),
		Description: "implement widget",
		Mode:        domain.ModeImplementation,
	}
	if err := g.AddTask(context.Background(), task, nil, nil); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	for _, st := range []domain.TaskStatus{domain.TaskReady, domain.TaskAssigned} {
		if err := g.SetStatus(task.SpecID, task.ID, st); err != nil {
			t.Fatalf("SetStatus %s: %v", st, err)
		}
	}
	return *task
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSecondDispatchRejected(t *testing.T) {
	d, _, g := newDispatcherUnderTest(Config{})
	task := seedRunnableTask(t, g)
	ctx := context.Background()

	if _, err := d.Dispatch(ctx, task); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if _, err := d.Dispatch(ctx, task); !errors.Is(err, domain.ErrAttemptActive) {
		t.Fatalf("second dispatch = %v, want ErrAttemptActive", err)
	}
	if d.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", d.ActiveCount())
	}
}

func TestSuccessHandsArtifactToCompleter(t *testing.T) {
	d, backend, g := newDispatcherUnderTest(Config{})
	completer := newRecordingCompleter()
	d.SetCompleter(completer)
	task := seedRunnableTask(t, g)

	attempt, err := d.Dispatch(context.Background(), task)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	backend.last().result <- RunResult{Artifact: &domain.Artifact{
		Branch: "task/" + task.ID.String()[:8],
		Files:  []string{"widget.go"},
	}}

	select {
	case <-completer.done:
	case <-time.After(2 * time.Second):
		t.Fatal("completer was not invoked")
	}

	got, _ := g.Task(task.SpecID, task.ID)
	if got.Status != domain.TaskValidating {
		t.Fatalf("task status = %s, want validating", got.Status)
	}
	if got.Branch == "" {
		t.Fatal("branch was not recorded on the task")
	}
	closed, err := d.Attempt(attempt.ID)
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if closed.Status != domain.AttemptSucceeded {
		t.Fatalf("attempt status = %s, want succeeded", closed.Status)
	}
	if d.ActiveCount() != 0 {
		t.Fatal("succeeded attempt must free the task slot")
	}
}

func TestStaleHeartbeatMarksStuck(t *testing.T) {
	cfg := Config{StaleThreshold: 90 * time.Second}
	d, backend, g := newDispatcherUnderTest(cfg)
	task := seedRunnableTask(t, g)

	attempt, err := d.Dispatch(context.Background(), task)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	backend.last().beats <- Heartbeat{At: time.Now().UTC()}
	waitFor(t, func() bool {
		a, _ := d.Attempt(attempt.ID)
		return !a.LastHeartbeat.IsZero()
	}, "heartbeat not recorded")

	// Within the threshold nothing happens.
	if stuck := d.SweepStale(context.Background(), time.Now().UTC().Add(60*time.Second)); len(stuck) != 0 {
		t.Fatalf("sweep at 60s flagged %d attempts, want 0", len(stuck))
	}
	// Past the threshold the attempt goes stuck, not failed.
	stuck := d.SweepStale(context.Background(), time.Now().UTC().Add(2*time.Minute))
	if len(stuck) != 1 || stuck[0].ID != attempt.ID {
		t.Fatalf("sweep = %v, want exactly the stale attempt", stuck)
	}
	a, _ := d.Attempt(attempt.ID)
	if a.Status != domain.AttemptStuck || a.StuckEpisodes != 1 {
		t.Fatalf("attempt = %s episodes=%d, want stuck with one episode", a.Status, a.StuckEpisodes)
	}
	// A second sweep does not double-flag a stuck attempt.
	if again := d.SweepStale(context.Background(), time.Now().UTC().Add(3*time.Minute)); len(again) != 0 {
		t.Fatal("stuck attempt re-flagged by sweep")
	}
}

func TestInterventionResumesStuckAttempt(t *testing.T) {
	d, backend, g := newDispatcherUnderTest(Config{MaxInterventions: 3})
	task := seedRunnableTask(t, g)
	ctx := context.Background()

	attempt, err := d.Dispatch(ctx, task)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	d.SweepStale(ctx, time.Now().UTC().Add(time.Hour))

	iv := domain.Intervention{
		ID:        uuid.New(),
		AttemptID: attempt.ID,
		TaskID:    task.ID,
		Type:      domain.InterveneRefocus,
		Reason:    "heartbeats stopped",
	}
	if err := d.Intervene(ctx, iv); err != nil {
		t.Fatalf("Intervene: %v", err)
	}

	a, _ := d.Attempt(attempt.ID)
	if a.Status != domain.AttemptRunning || a.Interventions != 1 {
		t.Fatalf("attempt = %s interventions=%d, want running with 1", a.Status, a.Interventions)
	}
	sess := backend.last()
	sess.mu.Lock()
	delivered := len(sess.delivered)
	sess.mu.Unlock()
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
}

func TestInterventionBudgetEscalatesToFailed(t *testing.T) {
	d, _, g := newDispatcherUnderTest(Config{MaxInterventions: 2, MaxRetries: 1})
	task := seedRunnableTask(t, g)
	ctx := context.Background()

	attempt, err := d.Dispatch(ctx, task)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := g.SetStatus(task.SpecID, task.ID, domain.TaskRunning); err != nil {
		t.Fatalf("SetStatus running: %v", err)
	}

	iv := domain.Intervention{ID: uuid.New(), AttemptID: attempt.ID, TaskID: task.ID, Type: domain.InterveneRefocus}
	for i := 0; i < 2; i++ {
		if err := d.Intervene(ctx, iv); err != nil {
			t.Fatalf("intervention %d: %v", i+1, err)
		}
	}
	// Third intervention exceeds the budget: attempt fails instead.
	if err := d.Intervene(ctx, iv); !errors.Is(err, domain.ErrAttemptFailed) {
		t.Fatalf("over-budget intervention = %v, want ErrAttemptFailed", err)
	}

	a, _ := d.Attempt(attempt.ID)
	if a.Status != domain.AttemptFailed {
		t.Fatalf("attempt status = %s, want failed", a.Status)
	}
	got, _ := g.Task(task.SpecID, task.ID)
	if got.Status != domain.TaskFailed {
		t.Fatalf("task status = %s, want failed (retry budget 1 exhausted)", got.Status)
	}
}

func TestSandboxFailureRequeuesWithinBudget(t *testing.T) {
	d, backend, g := newDispatcherUnderTest(Config{MaxRetries: 3})
	task := seedRunnableTask(t, g)

	if _, err := d.Dispatch(context.Background(), task); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	backend.last().result <- RunResult{Err: errors.New("agent crashed")}

	waitFor(t, func() bool {
		got, _ := g.Task(task.SpecID, task.ID)
		return got.Status == domain.TaskPending
	}, "task was not requeued after sandbox failure")

	got, _ := g.Task(task.SpecID, task.ID)
	if got.Retries != 1 {
		t.Fatalf("retries = %d, want 1", got.Retries)
	}
	if len(got.FailureReasons) == 0 {
		t.Fatal("failure reason chain must be preserved")
	}
}

func TestAlignmentHistoryRecorded(t *testing.T) {
	d, _, g := newDispatcherUnderTest(Config{})
	task := seedRunnableTask(t, g)

	attempt, err := d.Dispatch(context.Background(), task)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	sample := domain.AlignmentSample{Score: 0.91, Confidence: 0.8, Band: domain.BandOnTrack, At: time.Now().UTC()}
	if err := d.RecordAlignment(attempt.ID, sample); err != nil {
		t.Fatalf("RecordAlignment: %v", err)
	}
	a, _ := d.Attempt(attempt.ID)
	if len(a.Alignment) != 1 || a.Alignment[0].Score != 0.91 {
		t.Fatalf("alignment history = %v, want the recorded sample", a.Alignment)
	}
}

func TestDispatchAgainstStuckAttemptReportsStuck(t *testing.T) {
	d, _, g := newDispatcherUnderTest(Config{})
	task := seedRunnableTask(t, g)
	ctx := context.Background()

	if _, err := d.Dispatch(ctx, task); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	d.SweepStale(ctx, time.Now().UTC().Add(time.Hour))

	_, err := d.Dispatch(ctx, task)
	if !errors.Is(err, domain.ErrAttemptStuck) {
		t.Fatalf("re-dispatch against stuck attempt = %v, want ErrAttemptStuck", err)
	}
	if errors.Is(err, domain.ErrAttemptActive) {
		t.Fatal("stuck must be reported as stuck, not merely active")
	}
}
