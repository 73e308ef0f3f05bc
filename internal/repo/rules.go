package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"pulseline/internal/domain"
)

func (r Repo) InsertRule(ctx context.Context, tx *sql.Tx, rule domain.TriggerRule) error {
	checklist, err := json.Marshal(rule.Checklist)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO trigger_rules(id,startup_id,name,kind,checklist_json,quiet_start,quiet_end,timezone,cooldown_minutes,max_triggers_per_day,enabled,paused,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rule.ID, rule.StartupID, rule.Name, rule.Kind, string(checklist),
		nullable(rule.QuietStart), nullable(rule.QuietEnd), nullable(rule.Timezone),
		rule.CooldownMinutes, rule.MaxTriggersPerDay,
		boolInt(rule.Enabled), boolInt(rule.Paused), rule.CreatedAt, rule.UpdatedAt)
	return err
}

func (r Repo) UpdateRule(ctx context.Context, tx *sql.Tx, rule domain.TriggerRule) error {
	checklist, err := json.Marshal(rule.Checklist)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE trigger_rules SET name=?, kind=?, checklist_json=?, quiet_start=?, quiet_end=?, timezone=?, cooldown_minutes=?, max_triggers_per_day=?, enabled=?, updated_at=? WHERE id=? AND startup_id=?`,
		rule.Name, rule.Kind, string(checklist),
		nullable(rule.QuietStart), nullable(rule.QuietEnd), nullable(rule.Timezone),
		rule.CooldownMinutes, rule.MaxTriggersPerDay,
		boolInt(rule.Enabled), rule.UpdatedAt, rule.ID, rule.StartupID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetRulePaused(ctx context.Context, tx *sql.Tx, startupID, ruleID string, paused bool, ts string) error {
	res, err := tx.ExecContext(ctx, `UPDATE trigger_rules SET paused=?, updated_at=? WHERE id=? AND startup_id=?`,
		boolInt(paused), ts, ruleID, startupID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteRule(ctx context.Context, tx *sql.Tx, startupID, ruleID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM trigger_rules WHERE id=? AND startup_id=?`, ruleID, startupID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRule(ctx context.Context, startupID, ruleID string) (domain.TriggerRule, error) {
	row := r.DB.QueryRowContext(ctx, ruleSelect+` WHERE id=? AND startup_id=?`, ruleID, startupID)
	return scanRule(row)
}

// GetRuleByName looks a rule up by its name. Config-seeded rules
// without an explicit id are matched this way.
func (r Repo) GetRuleByName(ctx context.Context, startupID, name string) (domain.TriggerRule, error) {
	row := r.DB.QueryRowContext(ctx, ruleSelect+` WHERE startup_id=? AND name=?`, startupID, name)
	return scanRule(row)
}

func (r Repo) ListRules(ctx context.Context, startupID string) ([]domain.TriggerRule, error) {
	return r.queryRules(ctx, ruleSelect+` WHERE startup_id=? ORDER BY created_at ASC, id ASC`, startupID)
}

// ListActiveRules returns enabled, unpaused rules for a startup.
func (r Repo) ListActiveRules(ctx context.Context, startupID string) ([]domain.TriggerRule, error) {
	return r.queryRules(ctx, ruleSelect+` WHERE startup_id=? AND enabled=1 AND paused=0 ORDER BY created_at ASC, id ASC`, startupID)
}

func (r Repo) queryRules(ctx context.Context, query string, args ...any) ([]domain.TriggerRule, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TriggerRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, nil
}

const ruleSelect = `SELECT id,startup_id,name,kind,checklist_json,quiet_start,quiet_end,timezone,cooldown_minutes,max_triggers_per_day,enabled,paused,created_at,updated_at FROM trigger_rules`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (domain.TriggerRule, error) {
	var rule domain.TriggerRule
	var checklist string
	var quietStart, quietEnd, tz sql.NullString
	var enabled, paused int
	err := row.Scan(&rule.ID, &rule.StartupID, &rule.Name, &rule.Kind, &checklist,
		&quietStart, &quietEnd, &tz, &rule.CooldownMinutes, &rule.MaxTriggersPerDay,
		&enabled, &paused, &rule.CreatedAt, &rule.UpdatedAt)
	if err == sql.ErrNoRows {
		return rule, ErrNotFound
	}
	if err != nil {
		return rule, err
	}
	if err := json.Unmarshal([]byte(checklist), &rule.Checklist); err != nil {
		return rule, err
	}
	if quietStart.Valid {
		rule.QuietStart = quietStart.String
	}
	if quietEnd.Valid {
		rule.QuietEnd = quietEnd.String
	}
	if tz.Valid {
		rule.Timezone = tz.String
	}
	rule.Enabled = enabled != 0
	rule.Paused = paused != 0
	return rule, nil
}

func (r Repo) InsertTriggerLog(ctx context.Context, tx *sql.Tx, l domain.TriggerLog) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO trigger_logs(id,startup_id,rule_id,check_name,result_type,local_day,ts) VALUES (?,?,?,?,?,?,?)`,
		l.ID, l.StartupID, l.RuleID, l.CheckName, l.ResultType, l.LocalDay, l.TS)
	return err
}

// LastFiredAt returns the most recent real trigger time for a rule,
// ignoring SKIPPED accounting rows, or "" if the rule never fired.
func (r Repo) LastFiredAt(ctx context.Context, startupID, ruleID string) (string, error) {
	var ts sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(ts) FROM trigger_logs WHERE startup_id=? AND rule_id=? AND result_type!=?`, startupID, ruleID, domain.ResultSkipped).Scan(&ts)
	if err != nil {
		return "", err
	}
	if !ts.Valid {
		return "", nil
	}
	return ts.String, nil
}

// CountFiresOnDay counts real triggers for a rule on a tenant-local
// calendar day. SKIPPED rows don't count against the daily cap.
func (r Repo) CountFiresOnDay(ctx context.Context, startupID, ruleID, localDay string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM trigger_logs WHERE startup_id=? AND rule_id=? AND local_day=? AND result_type!=?`, startupID, ruleID, localDay, domain.ResultSkipped).Scan(&n)
	return n, err
}

func (r Repo) InsertHeartbeat(ctx context.Context, tx *sql.Tx, h domain.HeartbeatEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO heartbeat_ledger(id,startup_id,rule_id,result_type,triggered_check,summary,context_json,recommended_action,founder_notified,ts)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		h.ID, h.StartupID, h.RuleID, h.ResultType, nullableStringPtr(h.TriggeredCheck),
		nullable(h.Summary), nullable(h.ContextJSON), nullableStringPtr(h.RecommendedAction),
		boolInt(h.FounderNotified), h.TS)
	return err
}

func (r Repo) ListHeartbeats(ctx context.Context, startupID string, limit int) ([]domain.HeartbeatEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,startup_id,rule_id,result_type,triggered_check,COALESCE(summary,''),COALESCE(context_json,''),recommended_action,founder_notified,ts
FROM heartbeat_ledger WHERE startup_id=? ORDER BY ts DESC, id DESC LIMIT ?`, startupID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HeartbeatEntry
	for rows.Next() {
		var h domain.HeartbeatEntry
		var check, action sql.NullString
		var notified int
		if err := rows.Scan(&h.ID, &h.StartupID, &h.RuleID, &h.ResultType, &check, &h.Summary, &h.ContextJSON, &action, &notified, &h.TS); err != nil {
			return nil, err
		}
		h.TriggeredCheck = strPtr(check)
		h.RecommendedAction = strPtr(action)
		h.FounderNotified = notified != 0
		res = append(res, h)
	}
	return res, nil
}
