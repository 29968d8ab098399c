package engine_test

import (
	"errors"
	"testing"

	"phaseline/internal/domain"
	"phaseline/internal/engine"
)

func item(tester, owner string) domain.Item {
	return domain.Item{TesterDecision: tester, OwnerDecision: owner}
}

func TestEvaluate(t *testing.T) {
	cases := []struct {
		name      string
		items     []domain.Item
		verdict   engine.Verdict
		decidable bool
	}{
		{"no items", nil, "", false},
		{"tester pending", []domain.Item{item(engine.TesterPending, engine.OwnerApproved)}, "", false},
		{"owner pending", []domain.Item{item(engine.TesterAccept, engine.OwnerPending)}, "", false},
		{"all agree", []domain.Item{
			item(engine.TesterAccept, engine.OwnerApproved),
			item(engine.TesterAccept, engine.OwnerApproved),
		}, engine.VerdictApprove, true},
		{"owner veto", []domain.Item{
			item(engine.TesterAccept, engine.OwnerApproved),
			item(engine.TesterAccept, engine.OwnerRejected),
		}, engine.VerdictReject, true},
		{"tester reject stands", []domain.Item{
			item(engine.TesterReject, engine.OwnerNeedsRevision),
		}, engine.VerdictReject, true},
		{"owner approval overrides tester reject", []domain.Item{
			item(engine.TesterReject, engine.OwnerApproved),
		}, engine.VerdictApprove, true},
		{"needs_revision does not sink accepted item", []domain.Item{
			item(engine.TesterAccept, engine.OwnerNeedsRevision),
		}, engine.VerdictApprove, true},
		{"override rides owner approval", []domain.Item{
			item(engine.TesterOverride, engine.OwnerApproved),
		}, engine.VerdictApprove, true},
		{"veto beats override", []domain.Item{
			item(engine.TesterOverride, engine.OwnerRejected),
		}, engine.VerdictReject, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict, decidable := engine.Evaluate(tc.items)
			if decidable != tc.decidable {
				t.Fatalf("decidable=%v, want %v", decidable, tc.decidable)
			}
			if decidable && verdict != tc.verdict {
				t.Fatalf("verdict=%s, want %s", verdict, tc.verdict)
			}
		})
	}
}

func TestFinalize(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "scoping")
	v := draftWithItems(t, env, phaseID, 2)
	items, _ := env.Engine.Repo.ListItems(env.Ctx, v.ID)
	for _, it := range items {
		if _, err := env.Engine.RecordTesterDecision(env.Ctx, it.ID, engine.TesterAccept, "tester", ""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.Submit(env.Ctx, v.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	// one owner decision still pending
	if _, err := env.Engine.RecordOwnerDecision(env.Ctx, items[0].ID, engine.OwnerApproved, "owner", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Finalize(env.Ctx, v.ID, "owner"); err == nil {
		t.Fatalf("expected not decidable")
	}

	if _, err := env.Engine.RecordOwnerDecision(env.Ctx, items[1].ID, engine.OwnerApproved, "owner", ""); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Finalize(env.Ctx, v.ID, "owner")
	if err != nil || got.Status != engine.VersionApproved {
		t.Fatalf("finalize: %v status=%s", err, got.Status)
	}
}

func TestFinalizeReplaySeesFrozenDecisions(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "scoping")
	v := draftWithItems(t, env, phaseID, 1)
	items, _ := env.Engine.Repo.ListItems(env.Ctx, v.ID)
	if _, err := env.Engine.RecordTesterDecision(env.Ctx, items[0].ID, engine.TesterAccept, "tester", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Submit(env.Ctx, v.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordOwnerDecision(env.Ctx, items[0].ID, engine.OwnerApproved, "owner", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Finalize(env.Ctx, v.ID, "owner"); err != nil {
		t.Fatal(err)
	}
	// decisions are frozen once the verdict lands, so a late flip
	// cannot change what a replayed finalize evaluates
	if _, err := env.Engine.RecordOwnerDecision(env.Ctx, items[0].ID, engine.OwnerRejected, "owner", ""); !errors.Is(err, engine.ErrVersionNotMutable) {
		t.Fatalf("expected ErrVersionNotMutable, got %v", err)
	}
	got, err := env.Engine.Finalize(env.Ctx, v.ID, "owner")
	if err != nil || got.Status != engine.VersionApproved {
		t.Fatalf("replayed finalize: %v status=%s", err, got.Status)
	}
}

func TestFinalizeRejectRecordsReason(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "scoping")
	v := draftWithItems(t, env, phaseID, 1)
	items, _ := env.Engine.Repo.ListItems(env.Ctx, v.ID)
	if _, err := env.Engine.RecordTesterDecision(env.Ctx, items[0].ID, engine.TesterAccept, "tester", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Submit(env.Ctx, v.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordOwnerDecision(env.Ctx, items[0].ID, engine.OwnerRejected, "owner", "stale evidence"); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Finalize(env.Ctx, v.ID, "owner")
	if err != nil || got.Status != engine.VersionRejected {
		t.Fatalf("finalize: %v", err)
	}
	if got.RejectionReason == nil || *got.RejectionReason == "" {
		t.Fatalf("expected rejection reason")
	}
}
