// Package app wires the components together and resolves the active
// startup for CLI and server entry points.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pulseline/internal/approval"
	"pulseline/internal/bus"
	"pulseline/internal/config"
	"pulseline/internal/domain"
	"pulseline/internal/heartbeat"
	"pulseline/internal/ledger"
	"pulseline/internal/repo"
	"pulseline/internal/scheduler"
	"pulseline/internal/workflow"
)

// App bundles every component over one database handle.
type App struct {
	DB        *sql.DB
	Repo      repo.Repo
	Ledger    ledger.Writer
	Bus       bus.Bus
	Actions   approval.Manager
	Evaluator heartbeat.Evaluator
	Workflows workflow.Manager
	Runner    workflow.Runner
	Config    *config.Config
	Now       func() time.Time
}

// Options carries the injectable collaborators. Every field may be nil.
type Options struct {
	Decide   heartbeat.DecisionFunc
	Metrics  heartbeat.MetricsProvider
	Notifier heartbeat.NotificationSink
	Exec     workflow.NodeExecutor
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, opts Options) App {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := repo.Repo{DB: db}
	lw := ledger.Writer{DB: db, Now: now}
	b := bus.Bus{DB: db, Repo: r, Ledger: lw, Now: now}
	actions := approval.Manager{DB: db, Repo: r, Ledger: lw, Now: now}
	return App{
		DB:      db,
		Repo:    r,
		Ledger:  lw,
		Bus:     b,
		Actions: actions,
		Evaluator: heartbeat.Evaluator{
			DB: db, Repo: r, Ledger: lw, Bus: b, Actions: actions,
			Decide: opts.Decide, Metrics: opts.Metrics, Notifier: opts.Notifier, Now: now,
		},
		Workflows: workflow.Manager{DB: db, Repo: r, Ledger: lw, Now: now},
		Runner: workflow.Runner{
			DB: db, Repo: r, Ledger: lw, Exec: opts.Exec, Notifier: opts.Notifier, Now: now,
		},
		Config: cfg,
		Now:    now,
	}
}

// Scheduler builds the tick loop over this app's components.
func (a App) Scheduler(interval time.Duration, workers int) scheduler.Scheduler {
	return scheduler.Scheduler{
		Repo:      a.Repo,
		Evaluator: a.Evaluator,
		Approvals: a.Actions,
		Runner:    a.Runner,
		Interval:  interval,
		Workers:   workers,
	}
}

// ResolveStartup picks the active startup and ensures the startup row,
// autonomy settings and config exist in the DB, seeding defaults when
// missing. It prefers the override, then a single-startup workspace.
func ResolveStartup(ctx context.Context, a App, startupOverride, actorID string) (string, *config.Config, error) {
	startupID := startupOverride
	if startupID == "" {
		if s, err := a.Repo.SingleStartup(ctx); err == nil {
			startupID = s.ID
		} else {
			return "", nil, fmt.Errorf("startup not specified; use --startup")
		}
	}
	seedCfg := config.Default(startupID)

	if _, err := a.Repo.GetStartup(ctx, startupID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createStartup(ctx, a, startupID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := a.Repo.GetStartupConfig(ctx, startupID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := a.Repo.UpsertStartupConfig(ctx, nil, startupID, seedCfg); err != nil {
			return "", nil, fmt.Errorf("seed startup config: %w", err)
		}
		cfg = seedCfg
	}
	cfg.Startup.ID = startupID
	if err := a.Evaluator.SeedRules(ctx, startupID, cfg); err != nil {
		return "", nil, fmt.Errorf("seed rules: %w", err)
	}
	return startupID, cfg, nil
}

// createStartup inserts the minimal startup footprint: the row itself,
// default autonomy settings and the seed config.
func createStartup(ctx context.Context, a App, startupID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(startupID)
	}
	now := a.Now().UTC().Format(time.RFC3339)
	tz := seedCfg.Startup.Timezone
	if tz == "" {
		tz = "UTC"
	}
	name := seedCfg.Startup.Name
	if name == "" {
		name = startupID
	}
	if actorID == "" {
		actorID = "local-user"
	}

	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := a.Repo.InsertStartup(ctx, tx, domain.Startup{
		ID:        startupID,
		Name:      name,
		Status:    "active",
		Timezone:  tz,
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("insert startup: %w", err)
	}
	if err := a.Repo.UpsertAutonomySettings(ctx, tx, domain.AutonomySettings{
		StartupID: startupID,
		Level:     "assisted",
		UpdatedAt: now,
	}); err != nil {
		return fmt.Errorf("seed autonomy settings: %w", err)
	}
	if err := a.Repo.UpsertStartupConfig(ctx, tx, startupID, seedCfg); err != nil {
		return fmt.Errorf("insert startup config: %w", err)
	}
	if err := a.Ledger.Append(ctx, tx, "startup.registered", startupID, "startup", startupID, actorID, ledger.Payload{
		"name": name,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
