package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/repo"
)

func draftWithItems(t *testing.T, env testEnv, phaseID string, n int) domain.Version {
	t.Helper()
	v, err := env.Engine.CreateDraft(env.Ctx, engine.CreateDraftOptions{PhaseID: phaseID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	items := make([]engine.NewItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, engine.NewItem{Kind: "attribute", PayloadJSON: fmt.Sprintf(`{"name":"attr-%d"}`, i)})
	}
	if n > 0 {
		if _, err := env.Engine.AddItems(env.Ctx, engine.AddItemsOptions{VersionID: v.ID, Items: items, ActorID: "tester"}); err != nil {
			t.Fatalf("add items: %v", err)
		}
	}
	return v
}

func TestSingleDraftPerPhase(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "scoping")
	draftWithItems(t, env, phaseID, 1)
	_, err := env.Engine.CreateDraft(env.Ctx, engine.CreateDraftOptions{PhaseID: phaseID, ActorID: "tester"})
	if !errors.Is(err, engine.ErrDraftAlreadyExists) {
		t.Fatalf("expected ErrDraftAlreadyExists, got %v", err)
	}
}

func TestSubmitRequiresItems(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "scoping")
	v := draftWithItems(t, env, phaseID, 0)
	_, err := env.Engine.Submit(env.Ctx, v.ID, "tester")
	if !errors.Is(err, engine.ErrEmptyVersion) {
		t.Fatalf("expected ErrEmptyVersion, got %v", err)
	}
}

func TestApproveSupersedesPrior(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "scoping")

	v1 := draftWithItems(t, env, phaseID, 1)
	if _, err := env.Engine.Submit(env.Ctx, v1.ID, "tester"); err != nil {
		t.Fatalf("submit v1: %v", err)
	}
	v1, err := env.Engine.RecordVerdict(env.Ctx, engine.RecordVerdictOptions{VersionID: v1.ID, Verdict: engine.VerdictApprove, ActorID: "owner"})
	if err != nil || v1.Status != engine.VersionApproved {
		t.Fatalf("approve v1: %v status=%s", err, v1.Status)
	}
	cur, err := env.Engine.GetCurrent(env.Ctx, phaseID)
	if err != nil || cur.ID != v1.ID {
		t.Fatalf("expected v1 current: %v", err)
	}

	v2 := draftWithItems(t, env, phaseID, 1)
	if v2.ParentVersionID == nil || *v2.ParentVersionID != v1.ID {
		t.Fatalf("expected v2 parented on v1")
	}
	if v2.SequenceNumber != 2 {
		t.Fatalf("expected sequence 2, got %d", v2.SequenceNumber)
	}
	if _, err := env.Engine.Submit(env.Ctx, v2.ID, "tester"); err != nil {
		t.Fatalf("submit v2: %v", err)
	}
	if _, err := env.Engine.RecordVerdict(env.Ctx, engine.RecordVerdictOptions{VersionID: v2.ID, Verdict: engine.VerdictApprove, ActorID: "owner"}); err != nil {
		t.Fatalf("approve v2: %v", err)
	}

	cur, err = env.Engine.GetCurrent(env.Ctx, phaseID)
	if err != nil || cur.ID != v2.ID {
		t.Fatalf("expected v2 current: %v", err)
	}
	v1, err = env.Engine.Repo.GetVersion(env.Ctx, v1.ID)
	if err != nil || v1.Status != engine.VersionSuperseded {
		t.Fatalf("expected v1 superseded: %v status=%s", err, v1.Status)
	}
}

func TestVerdictIdempotent(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "scoping")
	v := draftWithItems(t, env, phaseID, 1)
	if _, err := env.Engine.Submit(env.Ctx, v.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	opts := engine.RecordVerdictOptions{VersionID: v.ID, Verdict: engine.VerdictApprove, ActorID: "owner", IdempotencyToken: "tok-1"}
	if _, err := env.Engine.RecordVerdict(env.Ctx, opts); err != nil {
		t.Fatalf("first verdict: %v", err)
	}
	// redelivery with the same token is a no-op
	got, err := env.Engine.RecordVerdict(env.Ctx, opts)
	if err != nil || got.Status != engine.VersionApproved {
		t.Fatalf("replay: %v status=%s", err, got.Status)
	}
	// same verdict without a token is also accepted
	if _, err := env.Engine.RecordVerdict(env.Ctx, engine.RecordVerdictOptions{VersionID: v.ID, Verdict: engine.VerdictApprove, ActorID: "owner"}); err != nil {
		t.Fatalf("bare re-approve: %v", err)
	}
	// flipping the verdict is not
	_, err = env.Engine.RecordVerdict(env.Ctx, engine.RecordVerdictOptions{VersionID: v.ID, Verdict: engine.VerdictReject, ActorID: "owner"})
	if !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestRejectedVersionLeavesCurrentAlone(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "scoping")
	v1 := draftWithItems(t, env, phaseID, 1)
	if _, err := env.Engine.Submit(env.Ctx, v1.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordVerdict(env.Ctx, engine.RecordVerdictOptions{VersionID: v1.ID, Verdict: engine.VerdictApprove, ActorID: "owner"}); err != nil {
		t.Fatal(err)
	}
	v2 := draftWithItems(t, env, phaseID, 1)
	if _, err := env.Engine.Submit(env.Ctx, v2.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	v2, err := env.Engine.RecordVerdict(env.Ctx, engine.RecordVerdictOptions{VersionID: v2.ID, Verdict: engine.VerdictReject, ActorID: "owner", Reason: "incomplete"})
	if err != nil || v2.Status != engine.VersionRejected {
		t.Fatalf("reject v2: %v", err)
	}
	cur, err := env.Engine.GetCurrent(env.Ctx, phaseID)
	if err != nil || cur.ID != v1.ID {
		t.Fatalf("expected v1 still current after reject: %v", err)
	}
}

func TestLineageValidation(t *testing.T) {
	env := newTestEnv(t)
	scoping := env.phase(t, "scoping")
	profiling := env.phase(t, "data_profiling")

	v := draftWithItems(t, env, scoping, 1)
	if _, err := env.Engine.Submit(env.Ctx, v.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordVerdict(env.Ctx, engine.RecordVerdictOptions{VersionID: v.ID, Verdict: engine.VerdictApprove, ActorID: "owner"}); err != nil {
		t.Fatal(err)
	}
	// parent from another phase is a lineage violation
	_, err := env.Engine.CreateDraft(env.Ctx, engine.CreateDraftOptions{PhaseID: profiling, ParentVersionID: v.ID, ActorID: "tester"})
	if !errors.Is(err, engine.ErrLineageViolation) {
		t.Fatalf("expected ErrLineageViolation, got %v", err)
	}
}

func TestHistoryAscendingAndRestartable(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "scoping")
	for i := 0; i < 3; i++ {
		v := draftWithItems(t, env, phaseID, 1)
		if _, err := env.Engine.Submit(env.Ctx, v.ID, "tester"); err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.RecordVerdict(env.Ctx, engine.RecordVerdictOptions{VersionID: v.ID, Verdict: engine.VerdictApprove, ActorID: "owner"}); err != nil {
			t.Fatal(err)
		}
	}
	seq := env.Engine.History(env.Ctx, phaseID)
	for pass := 0; pass < 2; pass++ {
		want := 1
		for v, err := range seq {
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			if v.SequenceNumber != want {
				t.Fatalf("pass %d: expected sequence %d, got %d", pass, want, v.SequenceNumber)
			}
			want++
		}
		if want != 4 {
			t.Fatalf("pass %d: expected 3 versions, saw %d", pass, want-1)
		}
	}
}

func TestHistoryHonorsContextCancellation(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "scoping")
	v := draftWithItems(t, env, phaseID, 1)
	if _, err := env.Engine.Submit(env.Ctx, v.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()
	for _, err := range env.Engine.History(ctx, phaseID) {
		if err == nil {
			t.Fatalf("expected iteration error after cancel")
		}
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		return
	}
	t.Fatalf("expected history to yield the cancellation error")
}

func TestAbortDraftKeepsRecord(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "scoping")
	v := draftWithItems(t, env, phaseID, 1)
	aborted, err := env.Engine.AbortDraft(env.Ctx, v.ID, "tester", "restart")
	if err != nil || aborted.Status != engine.VersionRejected {
		t.Fatalf("abort: %v", err)
	}
	// the version stays on the ledger
	if _, err := env.Engine.Repo.GetVersion(env.Ctx, v.ID); err != nil {
		t.Fatalf("aborted version gone: %v", err)
	}
	// and the draft slot is free again
	if _, err := env.Engine.CreateDraft(env.Ctx, engine.CreateDraftOptions{PhaseID: phaseID, ActorID: "tester"}); err != nil {
		t.Fatalf("new draft after abort: %v", err)
	}
}

func TestRollbackPhaseAbortsOpenVersionOnly(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "scoping")
	v1 := draftWithItems(t, env, phaseID, 1)
	if _, err := env.Engine.Submit(env.Ctx, v1.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordVerdict(env.Ctx, engine.RecordVerdictOptions{VersionID: v1.ID, Verdict: engine.VerdictApprove, ActorID: "owner"}); err != nil {
		t.Fatal(err)
	}
	draftWithItems(t, env, phaseID, 1)

	done, err := env.Engine.RollbackPhase(env.Ctx, "cycle-1", "scoping", "workflow", "activity failed")
	if err != nil || !done {
		t.Fatalf("rollback: done=%v err=%v", done, err)
	}
	// approved version untouched, still current
	cur, err := env.Engine.GetCurrent(env.Ctx, phaseID)
	if err != nil || cur.ID != v1.ID {
		t.Fatalf("expected v1 current after rollback: %v", err)
	}
	// nothing left to roll back
	done, err = env.Engine.RollbackPhase(env.Ctx, "cycle-1", "scoping", "workflow", "again")
	if err != nil || done {
		t.Fatalf("expected no-op rollback, done=%v err=%v", done, err)
	}
}

func TestGetCurrentWithoutApproval(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "scoping")
	_, err := env.Engine.GetCurrent(env.Ctx, phaseID)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
