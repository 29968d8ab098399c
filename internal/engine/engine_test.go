package engine_test

import (
	"context"
	"testing"
	"time"

	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/engine"
	"phaseline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("cycle-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitCycle(ctx, "cycle-1", "FRY14Q", "quarterly cycle", "tester"); err != nil {
		t.Fatalf("init cycle: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) phase(t *testing.T, name string) string {
	t.Helper()
	p, err := env.Engine.CreatePhase(env.Ctx, engine.CreatePhaseOptions{CycleID: "cycle-1", Name: name, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create phase %s: %v", name, err)
	}
	return p.ID
}

func TestCreatePhaseRejectsUnknownName(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreatePhase(env.Ctx, engine.CreatePhaseOptions{CycleID: "cycle-1", Name: "made_up", ActorID: "tester"})
	if err == nil {
		t.Fatalf("expected catalog error")
	}
}

func TestPhaseEventsLogged(t *testing.T) {
	env := newTestEnv(t)
	id := env.phase(t, "planning")
	if err := env.Engine.SetPhaseStatus(env.Ctx, id, engine.PhaseRunning, "workflow"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=?`, id)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	if count < 2 {
		t.Fatalf("expected created+status events, got %d", count)
	}
}
