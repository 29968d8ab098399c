package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"

	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/repo"
)

// CreateDraftOptions are parameters for opening a new draft version.
type CreateDraftOptions struct {
	PhaseID string
	// ParentVersionID defaults to the phase's current approved version.
	ParentVersionID string
	ActorID         string
}

// CreateDraft opens a new draft version for a phase, pre-populated via
// carry-forward when a parent version exists. At most one draft may be
// open per phase.
func (e Engine) CreateDraft(ctx context.Context, opts CreateDraftOptions) (domain.Version, error) {
	if e.Config == nil {
		return domain.Version{}, errors.New("config not loaded")
	}
	unlock := e.locks.lock(opts.PhaseID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()

	phase, err := e.Repo.GetPhaseTx(ctx, tx, opts.PhaseID)
	if err != nil {
		return domain.Version{}, err
	}
	if _, err := e.Repo.GetDraftTx(ctx, tx, opts.PhaseID); err == nil {
		return domain.Version{}, fmt.Errorf("phase %s: %w", opts.PhaseID, ErrDraftAlreadyExists)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Version{}, err
	}

	parentID := opts.ParentVersionID
	if parentID == "" && phase.CurrentVersionID != nil {
		parentID = *phase.CurrentVersionID
	}
	var parent *domain.Version
	if parentID != "" {
		pv, err := e.Repo.GetVersionTx(ctx, tx, parentID)
		if err != nil {
			return domain.Version{}, fmt.Errorf("parent version: %w", err)
		}
		if pv.PhaseID != opts.PhaseID {
			return domain.Version{}, fmt.Errorf("parent %s belongs to phase %s: %w", parentID, pv.PhaseID, ErrLineageViolation)
		}
		parent = &pv
	}

	seq, err := e.Repo.MaxSequenceTx(ctx, tx, opts.PhaseID)
	if err != nil {
		return domain.Version{}, err
	}
	if parent != nil && parent.SequenceNumber > seq {
		return domain.Version{}, fmt.Errorf("parent sequence ahead of ledger: %w", ErrLineageViolation)
	}
	now := e.now().UTC().Format(time.RFC3339)
	v := domain.Version{
		ID:              uuid.New().String(),
		PhaseID:         opts.PhaseID,
		SequenceNumber:  seq + 1,
		Status:          VersionDraft,
		ParentVersionID: optionalString(parentID),
		CreatedAt:       now,
		CreatedBy:       opts.ActorID,
	}
	if err := e.Repo.InsertVersionTx(ctx, tx, v); err != nil {
		return domain.Version{}, fmt.Errorf("insert version: %w", err)
	}

	carried := 0
	if parent != nil {
		parentItems, err := e.Repo.ListItemsTx(ctx, tx, parent.ID)
		if err != nil {
			return domain.Version{}, err
		}
		rule := e.Config.CarryForwardFor(phase.Name)
		for _, it := range ResolveCarryForward(parentItems, rule) {
			it.ID = uuid.New().String()
			it.VersionID = v.ID
			it.CreatedAt = now
			if it.TesterDecision != TesterPending {
				it.TesterDecidedAt = &now
				it.TesterDecidedBy = optionalString(opts.ActorID)
			}
			if it.OwnerDecision != OwnerPending {
				it.OwnerDecidedAt = &now
				it.OwnerDecidedBy = optionalString(opts.ActorID)
			}
			if err := e.Repo.InsertItemTx(ctx, tx, it); err != nil {
				return domain.Version{}, fmt.Errorf("carry forward item: %w", err)
			}
			carried++
		}
	}

	payload := events.EventPayload{"sequence": v.SequenceNumber, "carried_items": carried}
	if parentID != "" {
		payload["parent_version_id"] = parentID
	}
	if err := e.Events.Append(ctx, tx, "version.draft.created", phase.CycleID, "version", v.ID, opts.ActorID, payload); err != nil {
		return domain.Version{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Version{}, err
	}
	return v, nil
}

// Submit moves a draft to pending_approval. The draft must contain at
// least one item.
func (e Engine) Submit(ctx context.Context, versionID, actorID string) (domain.Version, error) {
	v, err := e.Repo.GetVersion(ctx, versionID)
	if err != nil {
		return domain.Version{}, err
	}
	unlock := e.locks.lock(v.PhaseID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()

	v, err = e.Repo.GetVersionTx(ctx, tx, versionID)
	if err != nil {
		return domain.Version{}, err
	}
	if v.Status != VersionDraft {
		return domain.Version{}, fmt.Errorf("submit %s version: %w", v.Status, ErrInvalidState)
	}
	n, err := e.Repo.CountItemsTx(ctx, tx, versionID)
	if err != nil {
		return domain.Version{}, err
	}
	if n == 0 {
		return domain.Version{}, fmt.Errorf("version %s: %w", versionID, ErrEmptyVersion)
	}
	phase, err := e.Repo.GetPhaseTx(ctx, tx, v.PhaseID)
	if err != nil {
		return domain.Version{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.MarkVersionSubmittedTx(ctx, tx, versionID, actorID, now); err != nil {
		return domain.Version{}, err
	}
	if err := e.Events.Append(ctx, tx, "version.submitted", phase.CycleID, "version", versionID, actorID, events.EventPayload{"items": n}); err != nil {
		return domain.Version{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Version{}, err
	}
	v.Status = VersionPendingApproval
	v.SubmittedAt = &now
	v.SubmittedBy = &actorID
	return v, nil
}

// RecordVerdictOptions are parameters for deciding a submitted version.
type RecordVerdictOptions struct {
	VersionID string
	Verdict   Verdict
	ActorID   string
	Reason    string
	// IdempotencyToken makes redelivered calls no-ops.
	IdempotencyToken string
}

// RecordVerdict approves or rejects a pending version. Approval
// atomically supersedes the phase's prior current version. Re-recording
// a verdict that already took effect is a no-op success.
func (e Engine) RecordVerdict(ctx context.Context, opts RecordVerdictOptions) (domain.Version, error) {
	if opts.Verdict != VerdictApprove && opts.Verdict != VerdictReject {
		return domain.Version{}, fmt.Errorf("unknown verdict %q", opts.Verdict)
	}
	return e.recordVerdict(ctx, opts, false)
}

// recordVerdict holds the phase lock for the whole decision. With
// deriveFromItems set, the verdict is computed from the version's item
// decisions inside the transaction, so concurrent decision writes
// cannot slip between evaluation and the verdict.
func (e Engine) recordVerdict(ctx context.Context, opts RecordVerdictOptions, deriveFromItems bool) (domain.Version, error) {
	v, err := e.Repo.GetVersion(ctx, opts.VersionID)
	if err != nil {
		return domain.Version{}, err
	}
	unlock := e.locks.lock(v.PhaseID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()

	if opts.IdempotencyToken != "" {
		if _, _, _, err := e.Repo.GetIdempotencyTx(ctx, tx, opts.IdempotencyToken); err == nil {
			return e.Repo.GetVersionTx(ctx, tx, opts.VersionID)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.Version{}, err
		}
	}

	v, err = e.Repo.GetVersionTx(ctx, tx, opts.VersionID)
	if err != nil {
		return domain.Version{}, err
	}
	if deriveFromItems {
		items, err := e.Repo.ListItemsTx(ctx, tx, opts.VersionID)
		if err != nil {
			return domain.Version{}, err
		}
		verdict, decidable := Evaluate(items)
		if !decidable {
			return domain.Version{}, fmt.Errorf("version %s: %w", opts.VersionID, ErrNotDecidable)
		}
		opts.Verdict = verdict
		if verdict == VerdictReject {
			opts.Reason = rejectionSummary(items)
		}
	}
	switch v.Status {
	case VersionPendingApproval:
		// proceed
	case VersionApproved, VersionSuperseded:
		if opts.Verdict == VerdictApprove {
			return v, nil
		}
		return domain.Version{}, fmt.Errorf("reject %s version: %w", v.Status, ErrInvalidState)
	case VersionRejected:
		if opts.Verdict == VerdictReject {
			return v, nil
		}
		return domain.Version{}, fmt.Errorf("approve rejected version: %w", ErrInvalidState)
	default:
		return domain.Version{}, fmt.Errorf("verdict on %s version: %w", v.Status, ErrInvalidState)
	}

	phase, err := e.Repo.GetPhaseTx(ctx, tx, v.PhaseID)
	if err != nil {
		return domain.Version{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	switch opts.Verdict {
	case VerdictApprove:
		prior := phase.CurrentVersionID
		if prior != nil {
			if err := e.Repo.MarkVersionSupersededTx(ctx, tx, *prior); err != nil {
				return domain.Version{}, err
			}
			if err := e.Events.Append(ctx, tx, "version.superseded", phase.CycleID, "version", *prior, opts.ActorID, events.EventPayload{"by": v.ID}); err != nil {
				return domain.Version{}, err
			}
		}
		if err := e.Repo.MarkVersionDecidedTx(ctx, tx, v.ID, VersionApproved, opts.ActorID, now, nil); err != nil {
			return domain.Version{}, err
		}
		if err := e.Repo.SwapCurrentVersionTx(ctx, tx, v.PhaseID, prior, v.ID); err != nil {
			return domain.Version{}, err
		}
		if err := e.Events.Append(ctx, tx, "version.approved", phase.CycleID, "version", v.ID, opts.ActorID, events.EventPayload{"sequence": v.SequenceNumber}); err != nil {
			return domain.Version{}, err
		}
		v.Status = VersionApproved
	case VerdictReject:
		reason := optionalString(opts.Reason)
		if err := e.Repo.MarkVersionDecidedTx(ctx, tx, v.ID, VersionRejected, opts.ActorID, now, reason); err != nil {
			return domain.Version{}, err
		}
		if err := e.Events.Append(ctx, tx, "version.rejected", phase.CycleID, "version", v.ID, opts.ActorID, events.EventPayload{"reason": opts.Reason}); err != nil {
			return domain.Version{}, err
		}
		v.Status = VersionRejected
		v.RejectionReason = reason
	}
	v.DecidedAt = &now
	v.DecidedBy = &opts.ActorID

	if opts.IdempotencyToken != "" {
		if err := e.Repo.InsertIdempotencyTx(ctx, tx, opts.IdempotencyToken, "record_verdict", v.ID, fmt.Sprintf(`{"status":%q}`, v.Status), now); err != nil {
			return domain.Version{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Version{}, err
	}
	return v, nil
}

// Finalize evaluates the dual decisions on a pending version and
// records the resulting verdict. Returns ErrNotDecidable while any
// item decision is still pending.
func (e Engine) Finalize(ctx context.Context, versionID, actorID string) (domain.Version, error) {
	return e.recordVerdict(ctx, RecordVerdictOptions{
		VersionID: versionID,
		ActorID:   actorID,
	}, true)
}

// AbortDraft rejects an undecided version, releasing the phase's draft
// slot while keeping the audit trail. Versions are never deleted.
func (e Engine) AbortDraft(ctx context.Context, versionID, actorID, reason string) (domain.Version, error) {
	v, err := e.Repo.GetVersion(ctx, versionID)
	if err != nil {
		return domain.Version{}, err
	}
	unlock := e.locks.lock(v.PhaseID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()

	v, err = e.Repo.GetVersionTx(ctx, tx, versionID)
	if err != nil {
		return domain.Version{}, err
	}
	if v.Status != VersionDraft && v.Status != VersionPendingApproval {
		return domain.Version{}, fmt.Errorf("abort %s version: %w", v.Status, ErrInvalidState)
	}
	phase, err := e.Repo.GetPhaseTx(ctx, tx, v.PhaseID)
	if err != nil {
		return domain.Version{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.MarkVersionDecidedTx(ctx, tx, v.ID, VersionRejected, actorID, now, optionalString(reason)); err != nil {
		return domain.Version{}, err
	}
	if err := e.Events.Append(ctx, tx, "version.aborted", phase.CycleID, "version", v.ID, actorID, events.EventPayload{"reason": reason}); err != nil {
		return domain.Version{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Version{}, err
	}
	v.Status = VersionRejected
	return v, nil
}

// AbortOpenDraft aborts the phase's undecided version when one exists.
// Used by partial rollback to discard in-flight state while keeping
// decided versions intact.
func (e Engine) AbortOpenDraft(ctx context.Context, phaseID, actorID, reason string) (bool, error) {
	for v, err := range e.History(ctx, phaseID) {
		if err != nil {
			return false, err
		}
		if v.Status == VersionDraft || v.Status == VersionPendingApproval {
			if _, err := e.AbortDraft(ctx, v.ID, actorID, reason); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// GetCurrent returns the phase's single non-superseded approved version.
func (e Engine) GetCurrent(ctx context.Context, phaseID string) (domain.Version, error) {
	phase, err := e.Repo.GetPhase(ctx, phaseID)
	if err != nil {
		return domain.Version{}, err
	}
	if phase.CurrentVersionID == nil {
		return domain.Version{}, fmt.Errorf("phase %s has no current version: %w", phaseID, repo.ErrNotFound)
	}
	return e.Repo.GetVersion(ctx, *phase.CurrentVersionID)
}

const historyPageSize = 50

// History yields the phase's versions in ascending sequence order. The
// sequence is lazy (paged queries), finite, and restartable: each range
// starts over from the first version. Cancelling ctx ends the iteration
// with the context error.
func (e Engine) History(ctx context.Context, phaseID string) iter.Seq2[domain.Version, error] {
	return func(yield func(domain.Version, error) bool) {
		after := 0
		for {
			page, err := e.Repo.ListVersionsPage(ctx, phaseID, after, historyPageSize)
			if err != nil {
				yield(domain.Version{}, err)
				return
			}
			for _, v := range page {
				if !yield(v, nil) {
					return
				}
				after = v.SequenceNumber
			}
			if len(page) < historyPageSize {
				return
			}
		}
	}
}

// RollbackPhase aborts the named phase's open version within a cycle.
// Decided versions are audit history and are left untouched; a later
// draft re-derives its contents through carry-forward.
func (e Engine) RollbackPhase(ctx context.Context, cycleID, phaseName, actorID, reason string) (bool, error) {
	phases, err := e.Repo.ListPhases(ctx, cycleID)
	if err != nil {
		return false, err
	}
	for _, p := range phases {
		if p.Name == phaseName {
			return e.AbortOpenDraft(ctx, p.ID, actorID, reason)
		}
	}
	return false, fmt.Errorf("phase %q in cycle %s: %w", phaseName, cycleID, repo.ErrNotFound)
}
