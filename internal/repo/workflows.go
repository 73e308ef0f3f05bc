package repo

import (
	"context"
	"database/sql"

	"pulseline/internal/domain"
)

func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, w domain.Workflow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflows(id,startup_id,name,description,status,nodes_json,edges_json,webhook_secret,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.StartupID, w.Name, nullable(w.Description), w.Status,
		w.NodesJSON, w.EdgesJSON, nullable(w.WebhookSecret), w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) UpdateWorkflow(ctx context.Context, tx *sql.Tx, w domain.Workflow) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflows SET name=?, description=?, status=?, nodes_json=?, edges_json=?, webhook_secret=?, updated_at=? WHERE id=? AND startup_id=?`,
		w.Name, nullable(w.Description), w.Status, w.NodesJSON, w.EdgesJSON,
		nullable(w.WebhookSecret), w.UpdatedAt, w.ID, w.StartupID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteWorkflow(ctx context.Context, tx *sql.Tx, startupID, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id=? AND startup_id=?`, id, startupID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetWorkflow(ctx context.Context, startupID, id string) (domain.Workflow, error) {
	row := r.DB.QueryRowContext(ctx, workflowSelect+` WHERE id=? AND startup_id=?`, id, startupID)
	return scanWorkflow(row)
}

// GetWorkflowBySecret resolves a webhook secret to its workflow,
// regardless of tenant.
func (r Repo) GetWorkflowBySecret(ctx context.Context, secret string) (domain.Workflow, error) {
	row := r.DB.QueryRowContext(ctx, workflowSelect+` WHERE webhook_secret=?`, secret)
	return scanWorkflow(row)
}

func (r Repo) ListWorkflows(ctx context.Context, startupID string) ([]domain.Workflow, error) {
	rows, err := r.DB.QueryContext(ctx, workflowSelect+` WHERE startup_id=? ORDER BY created_at DESC, id DESC`, startupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, nil
}

const workflowSelect = `SELECT id,startup_id,name,description,status,nodes_json,edges_json,webhook_secret,created_at,updated_at FROM workflows`

func scanWorkflow(row rowScanner) (domain.Workflow, error) {
	var w domain.Workflow
	var desc, secret sql.NullString
	err := row.Scan(&w.ID, &w.StartupID, &w.Name, &desc, &w.Status, &w.NodesJSON, &w.EdgesJSON, &secret, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if desc.Valid {
		w.Description = desc.String
	}
	if secret.Valid {
		w.WebhookSecret = secret.String
	}
	return w, nil
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.WorkflowRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_runs(id,workflow_id,startup_id,status,current_node_id,context_json,nodes_json,edges_json,error_message,error_node_id,started_at,finished_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.WorkflowID, run.StartupID, run.Status, nullableStringPtr(run.CurrentNodeID),
		run.ContextJSON, run.NodesJSON, run.EdgesJSON,
		nullableStringPtr(run.ErrorMessage), nullableStringPtr(run.ErrorNodeID),
		nullableStringPtr(run.StartedAt), nullableStringPtr(run.FinishedAt), run.CreatedAt)
	return err
}

func (r Repo) UpdateRun(ctx context.Context, tx *sql.Tx, run domain.WorkflowRun) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflow_runs SET status=?, current_node_id=?, context_json=?, error_message=?, error_node_id=?, started_at=?, finished_at=? WHERE id=?`,
		run.Status, nullableStringPtr(run.CurrentNodeID), run.ContextJSON,
		nullableStringPtr(run.ErrorMessage), nullableStringPtr(run.ErrorNodeID),
		nullableStringPtr(run.StartedAt), nullableStringPtr(run.FinishedAt), run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, startupID, id string) (domain.WorkflowRun, error) {
	row := r.DB.QueryRowContext(ctx, runSelect+` WHERE id=? AND startup_id=?`, id, startupID)
	return scanRun(row)
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, startupID, id string) (domain.WorkflowRun, error) {
	row := tx.QueryRowContext(ctx, runSelect+` WHERE id=? AND startup_id=?`, id, startupID)
	return scanRun(row)
}

func (r Repo) ListRuns(ctx context.Context, startupID, workflowID string, limit int) ([]domain.WorkflowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := runSelect + ` WHERE startup_id=?`
	args := []any{startupID}
	if workflowID != "" {
		query += ` AND workflow_id=?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, nil
}

const runSelect = `SELECT id,workflow_id,startup_id,status,current_node_id,context_json,nodes_json,edges_json,error_message,error_node_id,started_at,finished_at,created_at FROM workflow_runs`

func scanRun(row rowScanner) (domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	var current, errMsg, errNode, started, finished sql.NullString
	err := row.Scan(&run.ID, &run.WorkflowID, &run.StartupID, &run.Status, &current,
		&run.ContextJSON, &run.NodesJSON, &run.EdgesJSON, &errMsg, &errNode, &started, &finished, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.CurrentNodeID = strPtr(current)
	run.ErrorMessage = strPtr(errMsg)
	run.ErrorNodeID = strPtr(errNode)
	run.StartedAt = strPtr(started)
	run.FinishedAt = strPtr(finished)
	return run, nil
}

func (r Repo) InsertRunLog(ctx context.Context, tx *sql.Tx, l domain.WorkflowLog) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_logs(run_id,node_id,level,message,detail_json,ts) VALUES (?,?,?,?,?,?)`,
		l.RunID, nullableStringPtr(l.NodeID), l.Level, l.Message, nullable(l.DetailJSON), l.TS)
	return err
}

func (r Repo) ListRunLogs(ctx context.Context, runID string) ([]domain.WorkflowLog, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,node_id,level,message,COALESCE(detail_json,''),ts FROM workflow_logs WHERE run_id=? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowLog
	for rows.Next() {
		var l domain.WorkflowLog
		var nodeID sql.NullString
		if err := rows.Scan(&l.ID, &l.RunID, &nodeID, &l.Level, &l.Message, &l.DetailJSON, &l.TS); err != nil {
			return nil, err
		}
		l.NodeID = strPtr(nodeID)
		res = append(res, l)
	}
	return res, nil
}

func (r Repo) InsertRunApproval(ctx context.Context, tx *sql.Tx, a domain.WorkflowApproval) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_approvals(id,run_id,node_id,status,review_title,review_json,decided_by,decided_at,expires_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.RunID, a.NodeID, a.Status, nullable(a.ReviewTitle), nullable(a.ReviewJSON),
		nullableStringPtr(a.DecidedBy), nullableStringPtr(a.DecidedAt), nullableStringPtr(a.ExpiresAt), a.CreatedAt)
	return err
}

// DecideRunApproval settles a pending approval, guarding against double
// decisions.
func (r Repo) DecideRunApproval(ctx context.Context, tx *sql.Tx, id, status, decidedBy, decidedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflow_approvals SET status=?, decided_by=?, decided_at=? WHERE id=? AND status=?`,
		status, decidedBy, decidedAt, id, domain.ApprovalPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRunApproval(ctx context.Context, id string) (domain.WorkflowApproval, error) {
	row := r.DB.QueryRowContext(ctx, approvalSelect+` WHERE id=?`, id)
	return scanApproval(row)
}

func (r Repo) GetRunApprovalTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkflowApproval, error) {
	row := tx.QueryRowContext(ctx, approvalSelect+` WHERE id=?`, id)
	return scanApproval(row)
}

func (r Repo) ListRunApprovals(ctx context.Context, runID string) ([]domain.WorkflowApproval, error) {
	rows, err := r.DB.QueryContext(ctx, approvalSelect+` WHERE run_id=? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowApproval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

// PendingRunApproval returns the open approval for a run and node.
func (r Repo) PendingRunApproval(ctx context.Context, tx *sql.Tx, runID, nodeID string) (domain.WorkflowApproval, error) {
	row := tx.QueryRowContext(ctx, approvalSelect+` WHERE run_id=? AND node_id=? AND status=?`, runID, nodeID, domain.ApprovalPending)
	return scanApproval(row)
}

// ExpiredRunApprovals returns pending approvals past their expiry instant.
func (r Repo) ExpiredRunApprovals(ctx context.Context, now string) ([]domain.WorkflowApproval, error) {
	rows, err := r.DB.QueryContext(ctx, approvalSelect+` WHERE status=? AND expires_at IS NOT NULL AND expires_at<=? ORDER BY expires_at ASC`,
		domain.ApprovalPending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowApproval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

const approvalSelect = `SELECT id,run_id,node_id,status,review_title,review_json,decided_by,decided_at,expires_at,created_at FROM workflow_approvals`

func scanApproval(row rowScanner) (domain.WorkflowApproval, error) {
	var a domain.WorkflowApproval
	var title, review, decidedBy, decidedAt, expiresAt sql.NullString
	err := row.Scan(&a.ID, &a.RunID, &a.NodeID, &a.Status, &title, &review, &decidedBy, &decidedAt, &expiresAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if title.Valid {
		a.ReviewTitle = title.String
	}
	if review.Valid {
		a.ReviewJSON = review.String
	}
	a.DecidedBy = strPtr(decidedBy)
	a.DecidedAt = strPtr(decidedAt)
	a.ExpiresAt = strPtr(expiresAt)
	return a, nil
}
