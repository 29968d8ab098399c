package engine_test

import (
	"errors"
	"testing"

	"phaseline/internal/engine"
)

func TestAddItemsValidatesPayload(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "scoping")
	v := draftWithItems(t, env, phaseID, 0)
	_, err := env.Engine.AddItems(env.Ctx, engine.AddItemsOptions{
		VersionID: v.ID,
		Items:     []engine.NewItem{{Kind: "attribute", PayloadJSON: `{not json`}},
		ActorID:   "tester",
	})
	if err == nil {
		t.Fatalf("expected payload validation error")
	}
}

func TestAddItemsTokenReplay(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "scoping")
	v := draftWithItems(t, env, phaseID, 0)
	opts := engine.AddItemsOptions{
		VersionID: v.ID,
		Items: []engine.NewItem{
			{Kind: "attribute", PayloadJSON: `{"name":"balance"}`},
			{Kind: "attribute", PayloadJSON: `{"name":"rate"}`},
		},
		ActorID:          "tester",
		IdempotencyToken: "batch-42",
	}
	first, err := env.Engine.AddItems(env.Ctx, opts)
	if err != nil || len(first) != 2 {
		t.Fatalf("add: %v", err)
	}
	replay, err := env.Engine.AddItems(env.Ctx, opts)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(replay) != 2 || replay[0].ID != first[0].ID || replay[1].ID != first[1].ID {
		t.Fatalf("replay returned different items")
	}
	all, err := env.Engine.Repo.ListItems(env.Ctx, v.ID)
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 items stored, got %d (%v)", len(all), err)
	}
}

func TestItemsFrozenAfterSubmission(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "scoping")
	v := draftWithItems(t, env, phaseID, 1)
	items, _ := env.Engine.Repo.ListItems(env.Ctx, v.ID)
	if _, err := env.Engine.Submit(env.Ctx, v.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.AddItems(env.Ctx, engine.AddItemsOptions{
		VersionID: v.ID,
		Items:     []engine.NewItem{{Kind: "attribute", PayloadJSON: `{}`}},
		ActorID:   "tester",
	})
	if !errors.Is(err, engine.ErrVersionNotMutable) {
		t.Fatalf("expected ErrVersionNotMutable, got %v", err)
	}
	if err := env.Engine.RemoveItem(env.Ctx, items[0].ID, "tester"); !errors.Is(err, engine.ErrVersionNotMutable) {
		t.Fatalf("expected ErrVersionNotMutable on remove, got %v", err)
	}
}

func TestDecisionMutabilityMatrix(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "scoping")
	v := draftWithItems(t, env, phaseID, 1)
	items, _ := env.Engine.Repo.ListItems(env.Ctx, v.ID)
	itemID := items[0].ID

	// draft: both roles decide and re-decide freely
	if _, err := env.Engine.RecordTesterDecision(env.Ctx, itemID, engine.TesterReject, "tester", "bad data"); err != nil {
		t.Fatalf("tester on draft: %v", err)
	}
	if _, err := env.Engine.RecordTesterDecision(env.Ctx, itemID, engine.TesterAccept, "tester", ""); err != nil {
		t.Fatalf("tester flip on draft: %v", err)
	}
	if _, err := env.Engine.RecordOwnerDecision(env.Ctx, itemID, engine.OwnerNeedsRevision, "owner", ""); err != nil {
		t.Fatalf("owner on draft: %v", err)
	}

	if _, err := env.Engine.Submit(env.Ctx, v.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	// pending_approval: owner may still change their view
	if _, err := env.Engine.RecordOwnerDecision(env.Ctx, itemID, engine.OwnerApproved, "owner", ""); err != nil {
		t.Fatalf("owner after submit: %v", err)
	}
	// tester re-recording the same value is a no-op success
	if _, err := env.Engine.RecordTesterDecision(env.Ctx, itemID, engine.TesterAccept, "tester", ""); err != nil {
		t.Fatalf("tester same-value after submit: %v", err)
	}
	// but changing it is not allowed
	if _, err := env.Engine.RecordTesterDecision(env.Ctx, itemID, engine.TesterReject, "tester", ""); !errors.Is(err, engine.ErrVersionNotMutable) {
		t.Fatalf("expected ErrVersionNotMutable for tester change, got %v", err)
	}

	if _, err := env.Engine.RecordVerdict(env.Ctx, engine.RecordVerdictOptions{VersionID: v.ID, Verdict: engine.VerdictApprove, ActorID: "owner"}); err != nil {
		t.Fatal(err)
	}

	// decided: frozen for everyone, identical re-records aside
	if _, err := env.Engine.RecordOwnerDecision(env.Ctx, itemID, engine.OwnerApproved, "owner", ""); err != nil {
		t.Fatalf("owner same-value after verdict: %v", err)
	}
	if _, err := env.Engine.RecordOwnerDecision(env.Ctx, itemID, engine.OwnerRejected, "owner", ""); !errors.Is(err, engine.ErrVersionNotMutable) {
		t.Fatalf("expected ErrVersionNotMutable after verdict, got %v", err)
	}
}
