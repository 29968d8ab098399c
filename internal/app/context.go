package app

import (
	"context"
	"errors"
	"fmt"

	"phaseline/internal/config"
	"phaseline/internal/repo"
)

// ResolveCycleAndConfig picks the active cycle and makes sure it exists
// in the database, seeding it from the workspace config when missing.
// It prefers the explicit override, then the workspace config, then a
// single-cycle database.
func ResolveCycleAndConfig(ctx context.Context, workspace, cycleOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	cycleID := cycleOverride
	if cycleID == "" && cfg != nil {
		cycleID = cfg.Cycle.ID
	}
	if cycleID == "" {
		if c, err := r.SingleCycle(ctx); err == nil {
			cycleID = c.ID
		} else {
			return "", nil, fmt.Errorf("cycle not specified; use --cycle or add phaseline.yml")
		}
	}
	if cfg == nil {
		cfg = config.Default(cycleID)
	}
	cfg.Cycle.ID = cycleID

	if _, err := r.GetCycle(ctx, cycleID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createCycle(ctx, r, cycleID, actorID); err != nil {
			return "", nil, err
		}
	}
	return cycleID, cfg, nil
}

func createCycle(ctx context.Context, r repo.Repo, cycleID, actorID string) error {
	if actorID == "" {
		actorID = "local-user"
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO cycles(id,report_id,status,description,created_at) VALUES (?,?,?,?,datetime('now'))`,
		cycleID, cycleID, "active", ""); err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,cycle_id,entity_kind,entity_id,actor_id,payload) VALUES (datetime('now'),?,?,?,?,?,?)`,
		"cycle.init", cycleID, "cycle", cycleID, actorID, "{}"); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}
