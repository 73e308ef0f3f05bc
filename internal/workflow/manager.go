package workflow

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pulseline/internal/domain"
	"pulseline/internal/ledger"
	"pulseline/internal/repo"
)

// Manager owns workflow definitions: create, edit while draft, and the
// draft → active → archived lifecycle.
type Manager struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Writer
	Now    func() time.Time
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

type DefinitionInput struct {
	Name        string
	Description string
	NodesJSON   string
	EdgesJSON   string
}

// Create stores a new workflow in draft. The graph is validated up
// front so activation can never surface a structural error.
func (m Manager) Create(ctx context.Context, startupID, actorID string, in DefinitionInput) (domain.Workflow, error) {
	if in.Name == "" {
		return domain.Workflow{}, fmt.Errorf("name required")
	}
	if _, _, err := ParseGraph(in.NodesJSON, in.EdgesJSON); err != nil {
		return domain.Workflow{}, err
	}
	ts := m.now().UTC().Format(time.RFC3339)
	w := domain.Workflow{
		ID:          uuid.NewString(),
		StartupID:   startupID,
		Name:        in.Name,
		Description: in.Description,
		Status:      domain.WorkflowDraft,
		NodesJSON:   in.NodesJSON,
		EdgesJSON:   in.EdgesJSON,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()
	if err := m.Repo.InsertWorkflow(ctx, tx, w); err != nil {
		return domain.Workflow{}, err
	}
	if err := m.Ledger.Append(ctx, tx, "workflow.created", startupID, "workflow", w.ID, actorID, ledger.Payload{
		"name": w.Name,
	}); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	return w, nil
}

// Update replaces a workflow definition. Active workflows must be
// archived or re-drafted first; runs in flight keep their snapshot
// either way.
func (m Manager) Update(ctx context.Context, startupID, workflowID, actorID string, in DefinitionInput) (domain.Workflow, error) {
	w, err := m.Repo.GetWorkflow(ctx, startupID, workflowID)
	if err != nil {
		return domain.Workflow{}, err
	}
	if w.Status == domain.WorkflowActive {
		return domain.Workflow{}, fmt.Errorf("cannot edit an active workflow: %w", ErrWorkflowActive)
	}
	if _, _, err := ParseGraph(in.NodesJSON, in.EdgesJSON); err != nil {
		return domain.Workflow{}, err
	}
	w.Name = in.Name
	w.Description = in.Description
	w.NodesJSON = in.NodesJSON
	w.EdgesJSON = in.EdgesJSON
	w.UpdatedAt = m.now().UTC().Format(time.RFC3339)

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()
	if err := m.Repo.UpdateWorkflow(ctx, tx, w); err != nil {
		return domain.Workflow{}, err
	}
	if err := m.Ledger.Append(ctx, tx, "workflow.updated", startupID, "workflow", w.ID, actorID, nil); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	return w, nil
}

// Activate moves a workflow to active and mints its webhook secret on
// first activation.
func (m Manager) Activate(ctx context.Context, startupID, workflowID, actorID string) (domain.Workflow, error) {
	w, err := m.Repo.GetWorkflow(ctx, startupID, workflowID)
	if err != nil {
		return domain.Workflow{}, err
	}
	if w.Status == domain.WorkflowActive {
		return w, nil
	}
	if _, _, err := ParseGraph(w.NodesJSON, w.EdgesJSON); err != nil {
		return domain.Workflow{}, err
	}
	w.Status = domain.WorkflowActive
	if w.WebhookSecret == "" {
		secret, err := newSecret()
		if err != nil {
			return domain.Workflow{}, err
		}
		w.WebhookSecret = secret
	}
	return m.save(ctx, w, actorID, "workflow.activated")
}

// Archive retires a workflow. Runs in flight finish on their snapshot.
func (m Manager) Archive(ctx context.Context, startupID, workflowID, actorID string) (domain.Workflow, error) {
	w, err := m.Repo.GetWorkflow(ctx, startupID, workflowID)
	if err != nil {
		return domain.Workflow{}, err
	}
	w.Status = domain.WorkflowArchived
	return m.save(ctx, w, actorID, "workflow.archived")
}

// Delete removes a workflow for good. Active workflows must be
// archived first; past runs keep their definition snapshot.
func (m Manager) Delete(ctx context.Context, startupID, workflowID, actorID string) error {
	w, err := m.Repo.GetWorkflow(ctx, startupID, workflowID)
	if err != nil {
		return err
	}
	if w.Status == domain.WorkflowActive {
		return ErrWorkflowActive
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := m.Repo.DeleteWorkflow(ctx, tx, startupID, workflowID); err != nil {
		return err
	}
	if err := m.Ledger.Append(ctx, tx, "workflow.deleted", startupID, "workflow", workflowID, actorID, ledger.Payload{
		"name": w.Name,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (m Manager) save(ctx context.Context, w domain.Workflow, actorID, entryType string) (domain.Workflow, error) {
	w.UpdatedAt = m.now().UTC().Format(time.RFC3339)
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()
	if err := m.Repo.UpdateWorkflow(ctx, tx, w); err != nil {
		return domain.Workflow{}, err
	}
	if err := m.Ledger.Append(ctx, tx, entryType, w.StartupID, "workflow", w.ID, actorID, ledger.Payload{
		"name":   w.Name,
		"status": w.Status,
	}); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	return w, nil
}

func newSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
