package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/repo"
)

// Version statuses.
const (
	VersionDraft           = "draft"
	VersionPendingApproval = "pending_approval"
	VersionApproved        = "approved"
	VersionRejected        = "rejected"
	VersionSuperseded      = "superseded"
)

// Tester (preparer) decisions.
const (
	TesterPending  = "pending"
	TesterAccept   = "accept"
	TesterReject   = "reject"
	TesterOverride = "override"
)

// Report owner decisions.
const (
	OwnerPending       = "pending"
	OwnerApproved      = "approved"
	OwnerRejected      = "rejected"
	OwnerNeedsRevision = "needs_revision"
)

// Phase statuses, driven by the workflow coordinator.
const (
	PhaseOpen          = "open"
	PhaseRunning       = "running"
	PhaseFailed        = "failed"
	PhaseAwaitingHuman = "awaiting_human"
	PhaseSkipped       = "skipped"
	PhaseComplete      = "complete"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	locks *phaseLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		locks:  newPhaseLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// phaseLocks serializes CreateDraft/Submit/RecordVerdict per phase
// instance. Operations on different phases proceed concurrently.
type phaseLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newPhaseLocks() *phaseLocks {
	return &phaseLocks{m: map[string]*sync.Mutex{}}
}

func (l *phaseLocks) lock(phaseID string) func() {
	l.mu.Lock()
	pm, ok := l.m[phaseID]
	if !ok {
		pm = &sync.Mutex{}
		l.m[phaseID] = pm
	}
	l.mu.Unlock()
	pm.Lock()
	return pm.Unlock
}

// InitCycle creates a new test cycle with migrations already run.
func (e Engine) InitCycle(ctx context.Context, cycleID, reportID, description, actorID string) (domain.Cycle, error) {
	if cycleID == "" {
		return domain.Cycle{}, errors.New("cycle id required")
	}
	if reportID == "" {
		reportID = cycleID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Cycle{}, err
	}
	defer tx.Rollback()

	c := domain.Cycle{
		ID:          cycleID,
		ReportID:    reportID,
		Status:      "active",
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertCycleTx(ctx, tx, c); err != nil {
		return domain.Cycle{}, fmt.Errorf("insert cycle: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "cycle.init", c.ID, "cycle", c.ID, actorID, events.EventPayload{"report_id": c.ReportID}); err != nil {
		return domain.Cycle{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Cycle{}, err
	}
	return c, nil
}

// CreatePhaseOptions are parameters for opening a phase instance.
type CreatePhaseOptions struct {
	ID      string
	CycleID string
	Name    string
	ActorID string
}

func (e Engine) CreatePhase(ctx context.Context, opts CreatePhaseOptions) (domain.Phase, error) {
	if e.Config == nil {
		return domain.Phase{}, errors.New("config not loaded")
	}
	if opts.CycleID == "" {
		return domain.Phase{}, errors.New("cycle is required")
	}
	if _, ok := e.Config.Phases.Catalog[opts.Name]; !ok {
		return domain.Phase{}, fmt.Errorf("phase %s not in catalog", opts.Name)
	}
	if _, err := e.Repo.GetCycle(ctx, opts.CycleID); err != nil {
		return domain.Phase{}, err
	}
	id := opts.ID
	now := e.now().UTC().Format(time.RFC3339)
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.CycleID+"|"+opts.Name)).String()
	}
	p := domain.Phase{
		ID:        id,
		CycleID:   opts.CycleID,
		Name:      opts.Name,
		Status:    PhaseOpen,
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Phase{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPhaseTx(ctx, tx, p); err != nil {
		return domain.Phase{}, fmt.Errorf("insert phase: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "phase.created", p.CycleID, "phase", p.ID, opts.ActorID, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Phase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Phase{}, err
	}
	return p, nil
}

// SetPhaseStatus records a workflow-driven phase status change.
func (e Engine) SetPhaseStatus(ctx context.Context, phaseID, status, actorID string) error {
	p, err := e.Repo.GetPhase(ctx, phaseID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdatePhaseStatusTx(ctx, tx, phaseID, status); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "phase.status", p.CycleID, "phase", phaseID, actorID, events.EventPayload{
		"from": p.Status,
		"to":   status,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func validateJSON(in string) error {
	var tmp any
	if err := json.Unmarshal([]byte(in), &tmp); err != nil {
		return err
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
