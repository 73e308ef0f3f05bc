package approval_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pulseline/internal/app"
	"pulseline/internal/approval"
	"pulseline/internal/config"
	"pulseline/internal/db"
	"pulseline/internal/domain"
	"pulseline/internal/migrate"
)

type testEnv struct {
	App app.App
	Ctx context.Context
	Now *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	env := testEnv{Ctx: context.Background(), Now: &now}
	env.App = app.New(conn, nil, app.Options{
		Now: func() time.Time { return *env.Now },
	})
	if _, _, err := app.ResolveStartup(env.Ctx, env.App, "acme", "tester"); err != nil {
		t.Fatalf("resolve startup: %v", err)
	}
	cfg := config.Default("acme")
	cfg.Approval.RequireFor = []string{"spend", "external_comms"}
	cfg.Approval.ExpireHours = 2
	if err := env.App.Repo.UpsertStartupConfig(env.Ctx, nil, "acme", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return env
}

func (e testEnv) setLevel(t *testing.T, level string) {
	t.Helper()
	settings, err := e.App.Repo.GetAutonomySettings(e.Ctx, "acme")
	if err != nil {
		t.Fatalf("get autonomy: %v", err)
	}
	settings.Level = level
	settings.UpdatedAt = e.Now.Format(time.RFC3339)
	if err := e.App.Repo.UpsertAutonomySettings(e.Ctx, nil, settings); err != nil {
		t.Fatalf("set level: %v", err)
	}
}

func TestAssistedGatesConfiguredCategories(t *testing.T) {
	env := newTestEnv(t)
	// Default level is assisted; "spend" is configured for approval.
	gated, err := env.App.Actions.Create(env.Ctx, approval.CreateInput{
		StartupID: "acme", Category: "spend", Title: "renew SaaS", ActorID: "heartbeat",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if gated.Status != domain.ActionPendingApproval || !gated.RequiresApproval {
		t.Fatalf("expected PENDING_APPROVAL, got %s", gated.Status)
	}
	if gated.ExpiresAt == nil {
		t.Fatalf("gated action needs an expiry")
	}
	free, err := env.App.Actions.Create(env.Ctx, approval.CreateInput{
		StartupID: "acme", Category: "research", Title: "dig into churn", ActorID: "heartbeat",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if free.Status != domain.ActionPending || free.RequiresApproval {
		t.Fatalf("unconfigured category should not gate, got %s", free.Status)
	}
}

func TestAutonomyLevels(t *testing.T) {
	env := newTestEnv(t)
	env.setLevel(t, "autonomous")
	a, err := env.App.Actions.Create(env.Ctx, approval.CreateInput{
		StartupID: "acme", Category: "spend", Title: "auto spend", ActorID: "heartbeat",
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.RequiresApproval {
		t.Fatalf("autonomous should bypass approval")
	}

	env.setLevel(t, "manual")
	a, err = env.App.Actions.Create(env.Ctx, approval.CreateInput{
		StartupID: "acme", Category: "research", Title: "anything", ActorID: "heartbeat",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !a.RequiresApproval {
		t.Fatalf("manual should gate everything")
	}
}

func TestCategoryLevelOverride(t *testing.T) {
	env := newTestEnv(t)
	settings, _ := env.App.Repo.GetAutonomySettings(env.Ctx, "acme")
	settings.CategoryLevels = map[string]string{"spend": "autonomous"}
	if err := env.App.Repo.UpsertAutonomySettings(env.Ctx, nil, settings); err != nil {
		t.Fatal(err)
	}
	a, err := env.App.Actions.Create(env.Ctx, approval.CreateInput{
		StartupID: "acme", Category: "spend", Title: "override", ActorID: "heartbeat",
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.RequiresApproval {
		t.Fatalf("per-category override should win over the base level")
	}
}

func TestPauseForcesApproval(t *testing.T) {
	env := newTestEnv(t)
	env.setLevel(t, "autonomous")
	ts := env.Now.Format(time.RFC3339)
	if err := env.App.Repo.SetAutonomyPaused(env.Ctx, nil, "acme", true, ts); err != nil {
		t.Fatal(err)
	}
	a, err := env.App.Actions.Create(env.Ctx, approval.CreateInput{
		StartupID: "acme", Category: "research", Title: "while paused", ActorID: "heartbeat",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !a.RequiresApproval {
		t.Fatalf("paused startup must gate every action")
	}
}

func TestExecutionBlockedUntilApproved(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.App.Actions.Create(env.Ctx, approval.CreateInput{
		StartupID: "acme", Category: "spend", Title: "wire money", ActorID: "heartbeat",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.App.Actions.MarkExecuting(env.Ctx, "acme", a.ID, "heartbeat"); !errors.Is(err, approval.ErrApprovalRequired) {
		t.Fatalf("expected ErrApprovalRequired, got %v", err)
	}
	approved, err := env.App.Actions.Approve(env.Ctx, "acme", a.ID, "founder")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.ActionApproved || approved.ApprovedBy == nil || *approved.ApprovedBy != "founder" {
		t.Fatalf("approval not recorded: %+v", approved)
	}
	running, err := env.App.Actions.MarkExecuting(env.Ctx, "acme", a.ID, "heartbeat")
	if err != nil {
		t.Fatalf("execute after approval: %v", err)
	}
	if running.Status != domain.ActionExecuting {
		t.Fatalf("expected EXECUTING, got %s", running.Status)
	}
	done, err := env.App.Actions.Complete(env.Ctx, "acme", a.ID, "heartbeat")
	if err != nil || done.Status != domain.ActionCompleted {
		t.Fatalf("complete: %v (%s)", err, done.Status)
	}
}

func TestDecisionIsFinal(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.App.Actions.Create(env.Ctx, approval.CreateInput{
		StartupID: "acme", Category: "spend", Title: "one shot", ActorID: "heartbeat",
	})
	if _, err := env.App.Actions.Reject(env.Ctx, "acme", a.ID, "founder"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := env.App.Actions.Approve(env.Ctx, "acme", a.ID, "founder"); !errors.Is(err, approval.ErrNotPendingApproval) {
		t.Fatalf("expected ErrNotPendingApproval after reject, got %v", err)
	}
}

func TestLateDecisionExpires(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.App.Actions.Create(env.Ctx, approval.CreateInput{
		StartupID: "acme", Category: "spend", Title: "slow founder", ActorID: "heartbeat",
	})
	*env.Now = env.Now.Add(3 * time.Hour) // past the 2h expiry
	expired, err := env.App.Actions.Approve(env.Ctx, "acme", a.ID, "founder")
	if !errors.Is(err, approval.ErrNotPendingApproval) {
		t.Fatalf("expected expiry refusal, got %v", err)
	}
	if expired.Status != domain.ActionExpired {
		t.Fatalf("expected EXPIRED, got %s", expired.Status)
	}
}

func TestExpireSweep(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		if _, err := env.App.Actions.Create(env.Ctx, approval.CreateInput{
			StartupID: "acme", Category: "spend", Title: "stale", ActorID: "heartbeat",
		}); err != nil {
			t.Fatal(err)
		}
	}
	*env.Now = env.Now.Add(3 * time.Hour)
	n, err := env.App.Actions.ExpireSweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 expired, got %d", n)
	}
	// Second sweep finds nothing.
	n, err = env.App.Actions.ExpireSweep(env.Ctx)
	if err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
}
