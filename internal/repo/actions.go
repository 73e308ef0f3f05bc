package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"pulseline/internal/domain"
)

func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agent_actions(id,startup_id,rule_id,category,title,payload_json,status,requires_approval,approved_by,approved_at,expires_at,error_message,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.StartupID, nullableStringPtr(a.RuleID), nullable(a.Category), a.Title, nullable(a.PayloadJSON),
		a.Status, boolInt(a.RequiresApproval),
		nullableStringPtr(a.ApprovedBy), nullableStringPtr(a.ApprovedAt), nullableStringPtr(a.ExpiresAt),
		nullableStringPtr(a.ErrorMessage), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAction(ctx context.Context, startupID, id string) (domain.Action, error) {
	row := r.DB.QueryRowContext(ctx, actionSelect+` WHERE id=? AND startup_id=?`, id, startupID)
	return scanAction(row)
}

func (r Repo) GetActionTx(ctx context.Context, tx *sql.Tx, startupID, id string) (domain.Action, error) {
	row := tx.QueryRowContext(ctx, actionSelect+` WHERE id=? AND startup_id=?`, id, startupID)
	return scanAction(row)
}

// ActionFilter narrows ListActions. Zero values mean no filtering.
type ActionFilter struct {
	Status   string
	Category string
	Limit    int
}

func (r Repo) ListActions(ctx context.Context, startupID string, f ActionFilter) ([]domain.Action, error) {
	clauses := []string{"startup_id=?"}
	args := []any{startupID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`%s WHERE %s ORDER BY created_at DESC, id DESC LIMIT ?`, actionSelect, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryActions(ctx, query, args...)
}

// UpdateActionStatus moves an action between states, guarding on the
// expected current status so concurrent transitions cannot race.
func (r Repo) UpdateActionStatus(ctx context.Context, tx *sql.Tx, a domain.Action, fromStatus string) error {
	res, err := tx.ExecContext(ctx, `UPDATE agent_actions SET status=?, approved_by=?, approved_at=?, error_message=?, updated_at=? WHERE id=? AND startup_id=? AND status=?`,
		a.Status, nullableStringPtr(a.ApprovedBy), nullableStringPtr(a.ApprovedAt),
		nullableStringPtr(a.ErrorMessage), a.UpdatedAt, a.ID, a.StartupID, fromStatus)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpiredPendingApprovals returns actions still waiting on approval past
// their expiry instant.
func (r Repo) ExpiredPendingApprovals(ctx context.Context, now string) ([]domain.Action, error) {
	return r.queryActions(ctx, actionSelect+` WHERE status=? AND expires_at IS NOT NULL AND expires_at<=? ORDER BY expires_at ASC`,
		domain.ActionPendingApproval, now)
}

const actionSelect = `SELECT id,startup_id,rule_id,category,title,payload_json,status,requires_approval,approved_by,approved_at,expires_at,error_message,created_at,updated_at FROM agent_actions`

func (r Repo) queryActions(ctx context.Context, query string, args ...any) ([]domain.Action, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

func scanAction(row rowScanner) (domain.Action, error) {
	var a domain.Action
	var ruleID, category, payload, approvedBy, approvedAt, expiresAt, errMsg sql.NullString
	var requires int
	err := row.Scan(&a.ID, &a.StartupID, &ruleID, &category, &a.Title, &payload,
		&a.Status, &requires, &approvedBy, &approvedAt, &expiresAt, &errMsg, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.RuleID = strPtr(ruleID)
	if category.Valid {
		a.Category = category.String
	}
	if payload.Valid {
		a.PayloadJSON = payload.String
	}
	a.RequiresApproval = requires != 0
	a.ApprovedBy = strPtr(approvedBy)
	a.ApprovedAt = strPtr(approvedAt)
	a.ExpiresAt = strPtr(expiresAt)
	a.ErrorMessage = strPtr(errMsg)
	return a, nil
}
