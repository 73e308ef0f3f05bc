package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pulseline/internal/config"
	"pulseline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertStartup(ctx context.Context, tx *sql.Tx, s domain.Startup) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO startups(id,name,stage,status,timezone,created_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.Name, nullable(s.Stage), s.Status, s.Timezone, s.CreatedAt)
	return err
}

func (r Repo) GetStartup(ctx context.Context, id string) (domain.Startup, error) {
	var s domain.Startup
	var stage sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,stage,status,timezone,created_at FROM startups WHERE id=?`, id).
		Scan(&s.ID, &s.Name, &stage, &s.Status, &s.Timezone, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if stage.Valid {
		s.Stage = stage.String
	}
	return s, err
}

// SingleStartup returns the only startup in the workspace, failing when
// there are zero or several.
func (r Repo) SingleStartup(ctx context.Context) (domain.Startup, error) {
	startups, err := r.ListStartups(ctx)
	if err != nil {
		return domain.Startup{}, err
	}
	if len(startups) != 1 {
		return domain.Startup{}, ErrNotFound
	}
	return startups[0], nil
}

func (r Repo) ListStartups(ctx context.Context) ([]domain.Startup, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(stage,''),status,timezone,created_at FROM startups ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Startup
	for rows.Next() {
		var s domain.Startup
		if err := rows.Scan(&s.ID, &s.Name, &s.Stage, &s.Status, &s.Timezone, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

func (r Repo) DeleteStartup(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM startups WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertStartupConfig(ctx context.Context, tx *sql.Tx, startupID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Startup.ID = startupID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO startup_configs(startup_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(startup_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, startupID, string(payload), now, now)
	return err
}

func (r Repo) GetStartupConfig(ctx context.Context, startupID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM startup_configs WHERE startup_id=?`, startupID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Startup.ID == "" {
		cfg.Startup.ID = startupID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) UpsertAutonomySettings(ctx context.Context, tx *sql.Tx, s domain.AutonomySettings) error {
	var levels any
	if len(s.CategoryLevels) > 0 {
		b, err := json.Marshal(s.CategoryLevels)
		if err != nil {
			return err
		}
		levels = string(b)
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT INTO startup_autonomy_settings(startup_id,level,category_levels_json,is_paused,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(startup_id) DO UPDATE SET level=excluded.level, category_levels_json=excluded.category_levels_json, is_paused=excluded.is_paused, updated_at=excluded.updated_at`,
		s.StartupID, s.Level, levels, boolInt(s.IsPaused), s.UpdatedAt)
	return err
}

func (r Repo) GetAutonomySettings(ctx context.Context, startupID string) (domain.AutonomySettings, error) {
	var s domain.AutonomySettings
	var levels sql.NullString
	var paused int
	err := r.DB.QueryRowContext(ctx, `SELECT startup_id,level,category_levels_json,is_paused,updated_at FROM startup_autonomy_settings WHERE startup_id=?`, startupID).
		Scan(&s.StartupID, &s.Level, &levels, &paused, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.IsPaused = paused != 0
	if levels.Valid && levels.String != "" {
		_ = json.Unmarshal([]byte(levels.String), &s.CategoryLevels)
	}
	return s, nil
}

func (r Repo) SetAutonomyPaused(ctx context.Context, tx *sql.Tx, startupID string, paused bool, ts string) error {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	res, err := exec(`UPDATE startup_autonomy_settings SET is_paused=?, updated_at=? WHERE startup_id=?`,
		boolInt(paused), ts, startupID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestLedger returns the newest action log entries for a startup.
func (r Repo) LatestLedger(ctx context.Context, limit int, startupID, entryType, entityKind string) ([]domain.LedgerEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if startupID != "" {
		clauses = append(clauses, "startup_id=?")
		args = append(args, startupID)
	}
	if entryType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, entryType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,startup_id,entity_kind,entity_id,actor_id,payload_json FROM action_log %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.scanLedger(ctx, query, args...)
}

// LedgerAfter returns entries with IDs greater than the cursor, ascending.
func (r Repo) LedgerAfter(ctx context.Context, limit int, cursor int64, startupID string) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if startupID != "" {
		clauses = append(clauses, "startup_id=?")
		args = append(args, startupID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,startup_id,entity_kind,entity_id,actor_id,payload_json FROM action_log %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.scanLedger(ctx, query, args...)
}

func (r Repo) scanLedger(ctx context.Context, query string, args ...any) ([]domain.LedgerEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var startupID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &startupID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if startupID.Valid {
			e.StartupID = startupID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, nil
}

// LatestLedgerID returns the most recent action log ID for a startup.
func (r Repo) LatestLedgerID(ctx context.Context, startupID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM action_log WHERE startup_id=?`, startupID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
