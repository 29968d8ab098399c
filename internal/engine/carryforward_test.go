package engine_test

import (
	"testing"

	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
)

func TestResolveCarryForward(t *testing.T) {
	origin := "item-origin"
	parent := []domain.Item{
		{ID: "a", Kind: "attribute", PayloadJSON: `{"n":1}`, TesterDecision: engine.TesterAccept, OwnerDecision: engine.OwnerApproved},
		{ID: "b", Kind: "attribute", PayloadJSON: `{"n":2}`, TesterDecision: engine.TesterAccept, OwnerDecision: engine.OwnerRejected},
		{ID: "c", Kind: "attribute", PayloadJSON: `{"n":3}`, TesterDecision: engine.TesterReject, OwnerDecision: engine.OwnerApproved, CarriedFromItemID: &origin},
	}

	t.Run("approved_only", func(t *testing.T) {
		out := engine.ResolveCarryForward(parent, config.CarryForwardRule{Mode: engine.CarryForwardApprovedOnly})
		if len(out) != 2 {
			t.Fatalf("expected 2 carried items, got %d", len(out))
		}
		for _, it := range out {
			if it.TesterDecision != engine.TesterAccept || it.OwnerDecision != engine.OwnerPending {
				t.Fatalf("unexpected decisions: %s/%s", it.TesterDecision, it.OwnerDecision)
			}
			if it.AutoApproved {
				t.Fatalf("approved_only must not auto-approve")
			}
		}
		// lineage chains back to the originating item, not the parent copy
		if out[1].CarriedFromItemID == nil || *out[1].CarriedFromItemID != origin {
			t.Fatalf("expected origin lineage, got %v", out[1].CarriedFromItemID)
		}
	})

	t.Run("auto_approve stable", func(t *testing.T) {
		out := engine.ResolveCarryForward(parent, config.CarryForwardRule{Mode: engine.CarryForwardAutoApprove, Stable: true})
		if len(out) != 2 {
			t.Fatalf("expected 2 carried items, got %d", len(out))
		}
		for _, it := range out {
			if it.OwnerDecision != engine.OwnerApproved || !it.AutoApproved {
				t.Fatalf("expected auto-approved copy")
			}
		}
	})

	t.Run("auto_approve without stable falls back", func(t *testing.T) {
		out := engine.ResolveCarryForward(parent, config.CarryForwardRule{Mode: engine.CarryForwardAutoApprove})
		for _, it := range out {
			if it.AutoApproved || it.OwnerDecision != engine.OwnerPending {
				t.Fatalf("unstable phase must not auto-approve")
			}
		}
	})

	t.Run("none", func(t *testing.T) {
		if out := engine.ResolveCarryForward(parent, config.CarryForwardRule{Mode: engine.CarryForwardNone}); out != nil {
			t.Fatalf("expected empty draft, got %d items", len(out))
		}
	})
}

// Exercises a full revision loop: approve a version, revise it, and
// check the carried items and superseded lineage on the ledger.
func TestRevisionRound(t *testing.T) {
	env := newTestEnv(t)
	phaseID := env.phase(t, "scoping")

	v1, err := env.Engine.CreateDraft(env.Ctx, engine.CreateDraftOptions{PhaseID: phaseID, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	added, err := env.Engine.AddItems(env.Ctx, engine.AddItemsOptions{
		VersionID: v1.ID,
		Items: []engine.NewItem{
			{Kind: "attribute", PayloadJSON: `{"name":"loan_balance"}`},
			{Kind: "attribute", PayloadJSON: `{"name":"interest_rate"}`},
			{Kind: "attribute", PayloadJSON: `{"name":"origination_date"}`},
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, it := range added {
		if _, err := env.Engine.RecordTesterDecision(env.Ctx, it.ID, engine.TesterAccept, "tester", ""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.Submit(env.Ctx, v1.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	for i, it := range added {
		decision := engine.OwnerApproved
		if i == 2 {
			decision = engine.OwnerRejected
		}
		if _, err := env.Engine.RecordOwnerDecision(env.Ctx, it.ID, decision, "owner", ""); err != nil {
			t.Fatal(err)
		}
	}
	// owner rejected one item, so reconciliation rejects the version
	if _, err := env.Engine.Finalize(env.Ctx, v1.ID, "owner"); err != nil {
		t.Fatal(err)
	}
	v1r, _ := env.Engine.Repo.GetVersion(env.Ctx, v1.ID)
	if v1r.Status != engine.VersionRejected {
		t.Fatalf("expected v1 rejected, got %s", v1r.Status)
	}

	// revise: new draft, approve it cleanly
	v2, err := env.Engine.CreateDraft(env.Ctx, engine.CreateDraftOptions{PhaseID: phaseID, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if v2.ParentVersionID != nil {
		t.Fatalf("no approved parent yet, got %v", *v2.ParentVersionID)
	}
	items2, err := env.Engine.AddItems(env.Ctx, engine.AddItemsOptions{
		VersionID: v2.ID,
		Items: []engine.NewItem{
			{Kind: "attribute", PayloadJSON: `{"name":"loan_balance"}`},
			{Kind: "attribute", PayloadJSON: `{"name":"interest_rate"}`},
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, it := range items2 {
		if _, err := env.Engine.RecordTesterDecision(env.Ctx, it.ID, engine.TesterAccept, "tester", ""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.Submit(env.Ctx, v2.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	for _, it := range items2 {
		if _, err := env.Engine.RecordOwnerDecision(env.Ctx, it.ID, engine.OwnerApproved, "owner", ""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.Finalize(env.Ctx, v2.ID, "owner"); err != nil {
		t.Fatal(err)
	}

	// v3 carries the two approved items forward
	v3, err := env.Engine.CreateDraft(env.Ctx, engine.CreateDraftOptions{PhaseID: phaseID, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if v3.ParentVersionID == nil || *v3.ParentVersionID != v2.ID {
		t.Fatalf("expected v3 parented on v2")
	}
	carried, err := env.Engine.Repo.ListItems(env.Ctx, v3.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(carried) != 2 {
		t.Fatalf("expected 2 carried items, got %d", len(carried))
	}
	for _, it := range carried {
		if it.CarriedFromItemID == nil {
			t.Fatalf("carried item missing lineage")
		}
		if it.OwnerDecision != engine.OwnerPending {
			t.Fatalf("scoping carry-forward must reset owner decision")
		}
	}
}
