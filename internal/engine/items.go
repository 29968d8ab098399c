package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/repo"
)

// NewItem is the caller-supplied portion of an item added to a draft.
type NewItem struct {
	Kind        string `json:"kind"`
	PayloadJSON string `json:"payload_json"`
}

// AddItemsOptions are parameters for adding items to a draft version.
type AddItemsOptions struct {
	VersionID string
	Items     []NewItem
	ActorID   string
	// IdempotencyToken replays the stored result on redelivery instead
	// of inserting duplicates.
	IdempotencyToken string
}

// AddItems appends items to a draft version. The payload is opaque to
// the engine beyond being well-formed JSON.
func (e Engine) AddItems(ctx context.Context, opts AddItemsOptions) ([]domain.Item, error) {
	if len(opts.Items) == 0 {
		return nil, errors.New("no items given")
	}
	for i, it := range opts.Items {
		if it.Kind == "" {
			return nil, fmt.Errorf("item %d: kind is required", i)
		}
		if err := validateJSON(it.PayloadJSON); err != nil {
			return nil, fmt.Errorf("item %d payload: %w", i, err)
		}
	}
	v, err := e.Repo.GetVersion(ctx, opts.VersionID)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.lock(v.PhaseID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if opts.IdempotencyToken != "" {
		if _, _, result, err := e.Repo.GetIdempotencyTx(ctx, tx, opts.IdempotencyToken); err == nil {
			var ids []string
			if err := json.Unmarshal([]byte(result), &ids); err != nil {
				return nil, fmt.Errorf("stored idempotency result: %w", err)
			}
			out := make([]domain.Item, 0, len(ids))
			for _, id := range ids {
				it, err := e.Repo.GetItemTx(ctx, tx, id)
				if err != nil {
					return nil, err
				}
				out = append(out, it)
			}
			return out, nil
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}

	v, err = e.Repo.GetVersionTx(ctx, tx, opts.VersionID)
	if err != nil {
		return nil, err
	}
	if v.Status != VersionDraft {
		return nil, fmt.Errorf("add items to %s version: %w", v.Status, ErrVersionNotMutable)
	}
	phase, err := e.Repo.GetPhaseTx(ctx, tx, v.PhaseID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	out := make([]domain.Item, 0, len(opts.Items))
	ids := make([]string, 0, len(opts.Items))
	for _, ni := range opts.Items {
		it := domain.Item{
			ID:             uuid.New().String(),
			VersionID:      v.ID,
			Kind:           ni.Kind,
			PayloadJSON:    ni.PayloadJSON,
			TesterDecision: TesterPending,
			OwnerDecision:  OwnerPending,
			CreatedAt:      now,
		}
		if err := e.Repo.InsertItemTx(ctx, tx, it); err != nil {
			return nil, fmt.Errorf("insert item: %w", err)
		}
		out = append(out, it)
		ids = append(ids, it.ID)
	}
	if opts.IdempotencyToken != "" {
		result, err := json.Marshal(ids)
		if err != nil {
			return nil, err
		}
		if err := e.Repo.InsertIdempotencyTx(ctx, tx, opts.IdempotencyToken, "add_items", v.ID, string(result), now); err != nil {
			return nil, err
		}
	}
	if err := e.Events.Append(ctx, tx, "items.added", phase.CycleID, "version", v.ID, opts.ActorID, events.EventPayload{"count": len(out)}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// RemoveItem deletes an item from a draft version. Items on submitted
// or decided versions are part of the audit record and stay put.
func (e Engine) RemoveItem(ctx context.Context, itemID, actorID string) error {
	it, err := e.Repo.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	v, err := e.Repo.GetVersion(ctx, it.VersionID)
	if err != nil {
		return err
	}
	unlock := e.locks.lock(v.PhaseID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	v, err = e.Repo.GetVersionTx(ctx, tx, it.VersionID)
	if err != nil {
		return err
	}
	if v.Status != VersionDraft {
		return fmt.Errorf("remove item from %s version: %w", v.Status, ErrVersionNotMutable)
	}
	phase, err := e.Repo.GetPhaseTx(ctx, tx, v.PhaseID)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteItemTx(ctx, tx, itemID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "item.removed", phase.CycleID, "item", itemID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordTesterDecision records the tester-side decision on an item.
// Tester decisions are mutable only while the version is a draft; a
// same-value re-record after submission is accepted as a no-op.
func (e Engine) RecordTesterDecision(ctx context.Context, itemID, decision, actorID, notes string) (domain.Item, error) {
	switch decision {
	case TesterAccept, TesterReject, TesterOverride:
	default:
		return domain.Item{}, fmt.Errorf("unknown tester decision %q", decision)
	}
	return e.recordDecision(ctx, itemID, decision, actorID, notes, false)
}

// RecordOwnerDecision records the report-owner decision on an item.
// Owner decisions stay mutable through pending_approval.
func (e Engine) RecordOwnerDecision(ctx context.Context, itemID, decision, actorID, notes string) (domain.Item, error) {
	switch decision {
	case OwnerApproved, OwnerRejected, OwnerNeedsRevision:
	default:
		return domain.Item{}, fmt.Errorf("unknown owner decision %q", decision)
	}
	return e.recordDecision(ctx, itemID, decision, actorID, notes, true)
}

func (e Engine) recordDecision(ctx context.Context, itemID, decision, actorID, notes string, owner bool) (domain.Item, error) {
	it, err := e.Repo.GetItem(ctx, itemID)
	if err != nil {
		return domain.Item{}, err
	}
	v, err := e.Repo.GetVersion(ctx, it.VersionID)
	if err != nil {
		return domain.Item{}, err
	}
	unlock := e.locks.lock(v.PhaseID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()

	it, err = e.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		return domain.Item{}, err
	}
	v, err = e.Repo.GetVersionTx(ctx, tx, it.VersionID)
	if err != nil {
		return domain.Item{}, err
	}
	prev := it.TesterDecision
	if owner {
		prev = it.OwnerDecision
	}
	if prev == decision {
		return it, nil
	}
	switch v.Status {
	case VersionDraft:
		// both roles mutable
	case VersionPendingApproval:
		if !owner {
			return domain.Item{}, fmt.Errorf("tester decision after submission: %w", ErrVersionNotMutable)
		}
	default:
		return domain.Item{}, fmt.Errorf("decision on %s version: %w", v.Status, ErrVersionNotMutable)
	}

	phase, err := e.Repo.GetPhaseTx(ctx, tx, v.PhaseID)
	if err != nil {
		return domain.Item{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	role := "tester"
	evtType := "item.tester_decision"
	if owner {
		role = "report_owner"
		evtType = "item.owner_decision"
		if err := e.Repo.SetOwnerDecisionTx(ctx, tx, itemID, decision, actorID, now, optionalString(notes)); err != nil {
			return domain.Item{}, err
		}
		it.OwnerDecision = decision
		it.OwnerDecidedAt = &now
		it.OwnerDecidedBy = &actorID
		it.OwnerNotes = optionalString(notes)
	} else {
		if err := e.Repo.SetTesterDecisionTx(ctx, tx, itemID, decision, actorID, now, optionalString(notes)); err != nil {
			return domain.Item{}, err
		}
		it.TesterDecision = decision
		it.TesterDecidedAt = &now
		it.TesterDecidedBy = &actorID
		it.TesterNotes = optionalString(notes)
	}
	payload := events.EventPayload{"decision": decision, "role": role, "previous": prev}
	if err := e.Events.Append(ctx, tx, evtType, phase.CycleID, "item", itemID, actorID, payload); err != nil {
		return domain.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Item{}, err
	}
	return it, nil
}
