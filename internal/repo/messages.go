package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"pulseline/internal/domain"
)

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agent_messages(id,startup_id,thread_id,parent_id,from_agent,to_agent,topic,message_type,priority,payload_json,status,requires_response,response_deadline,response_received,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.StartupID, m.ThreadID, nullableStringPtr(m.ParentID), m.FromAgent, nullableStringPtr(m.ToAgent),
		m.Topic, m.Type, m.Priority, m.PayloadJSON, m.Status,
		boolInt(m.RequiresResponse), nullableStringPtr(m.ResponseDeadline), boolInt(m.ResponseReceived), m.CreatedAt)
	return err
}

func (r Repo) GetMessage(ctx context.Context, startupID, id string) (domain.Message, error) {
	row := r.DB.QueryRowContext(ctx, messageSelect+` WHERE id=? AND startup_id=?`, id, startupID)
	return scanMessage(row)
}

// InboxFilter narrows Inbox results. Zero values mean no filtering.
type InboxFilter struct {
	Agent  string
	Status string
	Topic  string
	Since  string
	Limit  int
}

// Inbox lists messages addressed to an agent, newest first.
func (r Repo) Inbox(ctx context.Context, startupID string, f InboxFilter) ([]domain.Message, error) {
	clauses := []string{"startup_id=?", "to_agent=?"}
	args := []any{startupID, f.Agent}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Topic != "" {
		clauses = append(clauses, "topic=?")
		args = append(args, f.Topic)
	}
	if f.Since != "" {
		clauses = append(clauses, "created_at>=?")
		args = append(args, f.Since)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`%s WHERE %s ORDER BY created_at DESC, id DESC LIMIT ?`, messageSelect, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryMessages(ctx, query, args...)
}

// Thread lists every message in a thread, oldest first.
func (r Repo) Thread(ctx context.Context, startupID, threadID string) ([]domain.Message, error) {
	return r.queryMessages(ctx, messageSelect+` WHERE startup_id=? AND thread_id=? ORDER BY created_at ASC, id ASC`, startupID, threadID)
}

// MarkResponseReceived flags a message once any reply to it lands.
func (r Repo) MarkResponseReceived(ctx context.Context, tx *sql.Tx, startupID, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE agent_messages SET response_received=1 WHERE id=? AND startup_id=?`, id, startupID)
	return err
}

func (r Repo) MarkMessageProcessed(ctx context.Context, tx *sql.Tx, startupID, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE agent_messages SET status=? WHERE id=? AND startup_id=?`,
		domain.MessageProcessed, id, startupID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UnansweredRequests returns messages still awaiting a response whose
// deadline falls at or before the given instant.
func (r Repo) UnansweredRequests(ctx context.Context, startupID, deadline string) ([]domain.Message, error) {
	return r.queryMessages(ctx, messageSelect+` WHERE startup_id=? AND requires_response=1 AND response_received=0 AND response_deadline IS NOT NULL AND response_deadline<=? ORDER BY response_deadline ASC`,
		startupID, deadline)
}

const messageSelect = `SELECT id,startup_id,thread_id,parent_id,from_agent,to_agent,topic,message_type,priority,payload_json,status,requires_response,response_deadline,response_received,created_at FROM agent_messages`

func (r Repo) queryMessages(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var m domain.Message
	var parentID, toAgent, deadline sql.NullString
	var requires, received int
	err := row.Scan(&m.ID, &m.StartupID, &m.ThreadID, &parentID, &m.FromAgent, &toAgent,
		&m.Topic, &m.Type, &m.Priority, &m.PayloadJSON, &m.Status,
		&requires, &deadline, &received, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.ParentID = strPtr(parentID)
	m.ToAgent = strPtr(toAgent)
	m.ResponseDeadline = strPtr(deadline)
	m.RequiresResponse = requires != 0
	m.ResponseReceived = received != 0
	return m, nil
}
