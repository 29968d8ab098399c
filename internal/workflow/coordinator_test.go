package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/engine"
	"phaseline/internal/migrate"
	"phaseline/internal/workflow"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []workflow.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, _ []string, note workflow.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, note)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type testEnv struct {
	Coord    workflow.Coordinator
	Engine   engine.Engine
	Notifier *recordingNotifier
	Ctx      context.Context
}

// fastConfig shrinks retry intervals so tests don't sleep.
func fastConfig() *config.Config {
	cfg := config.Default("cycle-1")
	for class, p := range cfg.Retry.Policies {
		p.InitialInterval = config.Duration(time.Millisecond)
		p.MaxInterval = config.Duration(5 * time.Millisecond)
		cfg.Retry.Policies[class] = p
	}
	return cfg
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := fastConfig()
	eng := engine.New(conn, cfg)
	ctx := context.Background()
	if _, err := eng.InitCycle(ctx, "cycle-1", "FRY14Q", "", "workflow"); err != nil {
		t.Fatalf("init cycle: %v", err)
	}
	notifier := &recordingNotifier{}
	return testEnv{
		Coord:    workflow.NewCoordinator(eng, cfg, notifier),
		Engine:   eng,
		Notifier: notifier,
		Ctx:      ctx,
	}
}

func (env testEnv) phase(t *testing.T, name string) string {
	t.Helper()
	p, err := env.Engine.CreatePhase(env.Ctx, engine.CreatePhaseOptions{CycleID: "cycle-1", Name: name, ActorID: "workflow"})
	if err != nil {
		t.Fatalf("create phase: %v", err)
	}
	return p.ID
}

func (env testEnv) phaseStatus(t *testing.T, phaseID string) string {
	t.Helper()
	p, err := env.Engine.Repo.GetPhase(env.Ctx, phaseID)
	if err != nil {
		t.Fatal(err)
	}
	return p.Status
}

func TestRetrySucceedsWithinMaxAttempts(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "planning")
	calls := 0
	res, err := env.Coord.ExecutePhaseActivity(env.Ctx, workflow.ExecuteOptions{
		PhaseID: phaseID, ActivityClass: "data_fetch", ActorID: "workflow",
	}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != workflow.StatusSucceeded || res.Attempts != 3 {
		t.Fatalf("expected success on attempt 3, got %s/%d", res.Status, res.Attempts)
	}
	if got := env.phaseStatus(t, phaseID); got != engine.PhaseComplete {
		t.Fatalf("phase status %s", got)
	}
}

func TestRetryExhaustionRunsCompensation(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "planning") // data_fetch allows 3 attempts; planning compensates by notify
	calls := 0
	res, err := env.Coord.ExecutePhaseActivity(env.Ctx, workflow.ExecuteOptions{
		PhaseID: phaseID, ActivityClass: "data_fetch", ActorID: "workflow",
	}, func(context.Context) error {
		calls++
		return errors.New("still down")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
	if !errors.Is(res.Err, workflow.ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", res.Err)
	}
	if res.Status != workflow.StatusCompensated || res.Compensation != "notify" {
		t.Fatalf("expected notify compensation, got %s/%s", res.Status, res.Compensation)
	}
	if env.Notifier.count() != 1 {
		t.Fatalf("expected 1 notification, got %d", env.Notifier.count())
	}
	if got := env.phaseStatus(t, phaseID); got != engine.PhaseFailed {
		t.Fatalf("phase status %s", got)
	}
}

func TestNonRetryableShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "planning")
	calls := 0
	res, _ := env.Coord.ExecutePhaseActivity(env.Ctx, workflow.ExecuteOptions{
		PhaseID: phaseID, ActivityClass: "data_fetch", ActorID: "workflow",
	}, func(context.Context) error {
		calls++
		return workflow.Classify(workflow.KindValidation, errors.New("bad attribute"))
	})
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
	if errors.Is(res.Err, workflow.ErrRetryExhausted) {
		t.Fatalf("terminal failure must not read as exhaustion")
	}
	if res.Status != workflow.StatusCompensated {
		t.Fatalf("status %s", res.Status)
	}
}

func TestCompensationExactlyOncePerInvocation(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "planning")
	fail := func(context.Context) error { return workflow.Classify(workflow.KindValidation, errors.New("nope")) }
	opts := workflow.ExecuteOptions{
		PhaseID: phaseID, ActivityClass: "data_fetch", ActorID: "workflow", InvocationID: "inv-1",
	}
	if _, err := env.Coord.ExecutePhaseActivity(env.Ctx, opts, fail); err == nil {
		t.Fatalf("expected failure")
	}
	// redelivery of the same invocation must not notify again
	res, _ := env.Coord.ExecutePhaseActivity(env.Ctx, opts, fail)
	if res.Status != workflow.StatusCompensated {
		t.Fatalf("replay status %s", res.Status)
	}
	if env.Notifier.count() != 1 {
		t.Fatalf("expected 1 notification across redeliveries, got %d", env.Notifier.count())
	}
	// a fresh invocation compensates again
	opts.InvocationID = "inv-2"
	if _, err := env.Coord.ExecutePhaseActivity(env.Ctx, opts, fail); err == nil {
		t.Fatalf("expected failure")
	}
	if env.Notifier.count() != 2 {
		t.Fatalf("expected 2 notifications, got %d", env.Notifier.count())
	}
}

func TestCancellationStillCompensates(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "planning")
	ctx, cancel := context.WithCancel(env.Ctx)
	res, err := env.Coord.ExecutePhaseActivity(ctx, workflow.ExecuteOptions{
		PhaseID: phaseID, ActivityClass: "data_fetch", ActorID: "workflow",
	}, func(context.Context) error {
		cancel()
		return errors.New("interrupted")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if res.Status != workflow.StatusCompensated {
		t.Fatalf("expected compensation despite cancellation, got %s", res.Status)
	}
	if env.Notifier.count() != 1 {
		t.Fatalf("expected notification, got %d", env.Notifier.count())
	}
}

func TestRollbackCompensationAbortsDraft(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "scoping") // scoping compensates by rolling itself back
	v, err := env.Engine.CreateDraft(env.Ctx, engine.CreateDraftOptions{PhaseID: phaseID, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	res, _ := env.Coord.ExecutePhaseActivity(env.Ctx, workflow.ExecuteOptions{
		PhaseID: phaseID, ActivityClass: "database_operation", ActorID: "workflow",
	}, func(context.Context) error {
		return workflow.Classify(workflow.KindConstraintViolation, errors.New("dup key"))
	})
	if res.Status != workflow.StatusCompensated || res.Compensation != "rollback" {
		t.Fatalf("expected rollback, got %s/%s", res.Status, res.Compensation)
	}
	got, err := env.Engine.Repo.GetVersion(env.Ctx, v.ID)
	if err != nil || got.Status != engine.VersionRejected {
		t.Fatalf("expected draft aborted, got %s (%v)", got.Status, err)
	}
	if s := env.phaseStatus(t, phaseID); s != engine.PhaseFailed {
		t.Fatalf("phase status %s", s)
	}
}

func TestManualInterventionParksPhase(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "test_execution")
	res, _ := env.Coord.ExecutePhaseActivity(env.Ctx, workflow.ExecuteOptions{
		PhaseID: phaseID, ActivityClass: "file_processing", ActorID: "workflow",
	}, func(context.Context) error {
		return workflow.Classify(workflow.KindCorruptFile, errors.New("bad evidence file"))
	})
	if res.Status != workflow.StatusAwaitingHuman {
		t.Fatalf("expected awaiting_human, got %s", res.Status)
	}
	if s := env.phaseStatus(t, phaseID); s != engine.PhaseAwaitingHuman {
		t.Fatalf("phase status %s", s)
	}
	// test_execution requires human approval, so the failure is announced
	if env.Notifier.count() != 1 {
		t.Fatalf("expected notification, got %d", env.Notifier.count())
	}
}

func TestSkipCompensation(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "observation_mgmt")
	res, _ := env.Coord.ExecutePhaseActivity(env.Ctx, workflow.ExecuteOptions{
		PhaseID: phaseID, ActivityClass: "notification", ActorID: "workflow",
	}, func(context.Context) error {
		return errors.New("downstream gone")
	})
	if res.Status != workflow.StatusSkipped {
		t.Fatalf("expected skipped, got %s", res.Status)
	}
	if s := env.phaseStatus(t, phaseID); s != engine.PhaseSkipped {
		t.Fatalf("phase status %s", s)
	}
}

type failingNotifier struct {
	mu    sync.Mutex
	calls int
}

func (n *failingNotifier) Notify(context.Context, []string, workflow.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return errors.New("smtp relay down")
}

func (n *failingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

func TestFailedCompensationSurfacedNotRetried(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "planning") // planning compensates by notify
	notifier := &failingNotifier{}
	coord := env.Coord
	coord.Notifier = notifier

	opts := workflow.ExecuteOptions{
		PhaseID: phaseID, ActivityClass: "data_fetch", ActorID: "workflow", InvocationID: "inv-fail",
	}
	fail := func(context.Context) error {
		return workflow.Classify(workflow.KindValidation, errors.New("bad attribute"))
	}
	res, err := coord.ExecutePhaseActivity(env.Ctx, opts, fail)
	if err == nil {
		t.Fatalf("expected activity error")
	}
	if res.Status != workflow.StatusFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if !errors.Is(res.CompensationErr, workflow.ErrCompensationFailed) {
		t.Fatalf("expected ErrCompensationFailed, got %v", res.CompensationErr)
	}
	if notifier.count() != 1 {
		t.Fatalf("expected 1 notify attempt, got %d", notifier.count())
	}
	comp, err := env.Engine.Repo.GetCompensation(env.Ctx, "inv-fail")
	if err != nil || comp.Status != "failed" {
		t.Fatalf("expected recorded failure, got %+v (%v)", comp, err)
	}

	// redelivery surfaces the recorded failure without re-running the action
	res, _ = coord.ExecutePhaseActivity(env.Ctx, opts, fail)
	if res.Status != workflow.StatusFailed {
		t.Fatalf("replay status %s", res.Status)
	}
	if !errors.Is(res.CompensationErr, workflow.ErrCompensationFailed) {
		t.Fatalf("replay expected ErrCompensationFailed, got %v", res.CompensationErr)
	}
	if notifier.count() != 1 {
		t.Fatalf("expected no second notify attempt, got %d", notifier.count())
	}
}

func TestPartialRollbackAbortsDraftKeepsApproved(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "data_profiling") // data_profiling compensates by partial_rollback

	v1, err := env.Engine.CreateDraft(env.Ctx, engine.CreateDraftOptions{PhaseID: phaseID, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddItems(env.Ctx, engine.AddItemsOptions{
		VersionID: v1.ID,
		Items:     []engine.NewItem{{Kind: "attribute", PayloadJSON: `{"name":"ssn"}`}},
		ActorID:   "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Submit(env.Ctx, v1.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordVerdict(env.Ctx, engine.RecordVerdictOptions{VersionID: v1.ID, Verdict: engine.VerdictApprove, ActorID: "owner"}); err != nil {
		t.Fatal(err)
	}
	v2, err := env.Engine.CreateDraft(env.Ctx, engine.CreateDraftOptions{PhaseID: phaseID, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}

	res, _ := env.Coord.ExecutePhaseActivity(env.Ctx, workflow.ExecuteOptions{
		PhaseID: phaseID, ActivityClass: "database_operation", ActorID: "workflow",
	}, func(context.Context) error {
		return workflow.Classify(workflow.KindConstraintViolation, errors.New("dup key"))
	})
	if res.Status != workflow.StatusCompensated || res.Compensation != "partial_rollback" {
		t.Fatalf("expected partial_rollback, got %s/%s", res.Status, res.Compensation)
	}
	// only the open draft is undone
	got, err := env.Engine.Repo.GetVersion(env.Ctx, v2.ID)
	if err != nil || got.Status != engine.VersionRejected {
		t.Fatalf("expected draft aborted, got %s (%v)", got.Status, err)
	}
	cur, err := env.Engine.GetCurrent(env.Ctx, phaseID)
	if err != nil || cur.ID != v1.ID || cur.Status != engine.VersionApproved {
		t.Fatalf("expected v1 still current and approved: %v", err)
	}
	if s := env.phaseStatus(t, phaseID); s != engine.PhaseFailed {
		t.Fatalf("phase status %s", s)
	}
}
