// Package approval owns the agent action lifecycle: whether an action
// needs a human sign-off, the approve/reject decision itself, and the
// sweep that expires decisions nobody made in time.
package approval

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"pulseline/internal/domain"
	"pulseline/internal/ledger"
	"pulseline/internal/repo"
)

var (
	// ErrNotPendingApproval means the action is not in a state where an
	// approval decision applies.
	ErrNotPendingApproval = errors.New("action is not pending approval")
	// ErrApprovalRequired means execution was attempted before the
	// required human decision.
	ErrApprovalRequired = errors.New("action requires approval before execution")
)

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

type CreateInput struct {
	StartupID   string
	RuleID      string
	Category    string
	Title       string
	PayloadJSON string
	ActorID     string
}

// Create records a proposed action. Whether it starts PENDING or
// PENDING_APPROVAL depends on the startup's autonomy settings and the
// configured approval categories.
func (m Manager) Create(ctx context.Context, in CreateInput) (domain.Action, error) {
	now := m.now().UTC()
	ts := now.Format(time.RFC3339)

	needsApproval, expireHours, err := m.requiresApproval(ctx, in.StartupID, in.Category)
	if err != nil {
		return domain.Action{}, err
	}

	a := domain.Action{
		ID:               uuid.NewString(),
		StartupID:        in.StartupID,
		Category:         in.Category,
		Title:            in.Title,
		PayloadJSON:      in.PayloadJSON,
		Status:           domain.ActionPending,
		RequiresApproval: needsApproval,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	if in.RuleID != "" {
		a.RuleID = &in.RuleID
	}
	if needsApproval {
		a.Status = domain.ActionPendingApproval
		expires := now.Add(time.Duration(expireHours) * time.Hour).Format(time.RFC3339)
		a.ExpiresAt = &expires
	}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, err
	}
	defer tx.Rollback()
	if err := m.Repo.InsertAction(ctx, tx, a); err != nil {
		return domain.Action{}, err
	}
	if err := m.Ledger.Append(ctx, tx, "action.created", in.StartupID, "action", a.ID, in.ActorID, ledger.Payload{
		"title":             a.Title,
		"category":          a.Category,
		"status":            a.Status,
		"requires_approval": a.RequiresApproval,
	}); err != nil {
		return domain.Action{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, err
	}
	return a, nil
}

// Approve moves a PENDING_APPROVAL action to APPROVED. An action past
// its expiry is expired instead and the decision rejected.
func (m Manager) Approve(ctx context.Context, startupID, actionID, approver string) (domain.Action, error) {
	return m.decide(ctx, startupID, actionID, approver, domain.ActionApproved, "action.approved")
}

// Reject moves a PENDING_APPROVAL action to REJECTED.
func (m Manager) Reject(ctx context.Context, startupID, actionID, approver string) (domain.Action, error) {
	return m.decide(ctx, startupID, actionID, approver, domain.ActionRejected, "action.rejected")
}

func (m Manager) decide(ctx context.Context, startupID, actionID, approver, toStatus, entryType string) (domain.Action, error) {
	now := m.now().UTC()
	ts := now.Format(time.RFC3339)

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, err
	}
	defer tx.Rollback()

	a, err := m.Repo.GetActionTx(ctx, tx, startupID, actionID)
	if err != nil {
		return domain.Action{}, err
	}
	if a.Status != domain.ActionPendingApproval {
		return domain.Action{}, ErrNotPendingApproval
	}
	if a.ExpiresAt != nil && *a.ExpiresAt <= ts {
		a.Status = domain.ActionExpired
		a.UpdatedAt = ts
		if err := m.Repo.UpdateActionStatus(ctx, tx, a, domain.ActionPendingApproval); err != nil {
			return domain.Action{}, err
		}
		if err := m.Ledger.Append(ctx, tx, "action.expired", startupID, "action", a.ID, "scheduler", nil); err != nil {
			return domain.Action{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Action{}, err
		}
		return a, ErrNotPendingApproval
	}

	a.Status = toStatus
	a.ApprovedBy = &approver
	a.ApprovedAt = &ts
	a.UpdatedAt = ts
	if err := m.Repo.UpdateActionStatus(ctx, tx, a, domain.ActionPendingApproval); err != nil {
		return domain.Action{}, err
	}
	if err := m.Ledger.Append(ctx, tx, entryType, startupID, "action", a.ID, approver, ledger.Payload{
		"title": a.Title,
	}); err != nil {
		return domain.Action{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, err
	}
	return a, nil
}

// MarkExecuting moves an action into EXECUTING. PENDING and APPROVED
// are the only valid origins; an undecided approval is refused.
func (m Manager) MarkExecuting(ctx context.Context, startupID, actionID, actorID string) (domain.Action, error) {
	ts := m.now().UTC().Format(time.RFC3339)

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, err
	}
	defer tx.Rollback()

	a, err := m.Repo.GetActionTx(ctx, tx, startupID, actionID)
	if err != nil {
		return domain.Action{}, err
	}
	switch a.Status {
	case domain.ActionPending, domain.ActionApproved:
	case domain.ActionPendingApproval:
		return domain.Action{}, ErrApprovalRequired
	default:
		return domain.Action{}, ErrNotPendingApproval
	}
	from := a.Status
	a.Status = domain.ActionExecuting
	a.UpdatedAt = ts
	if err := m.Repo.UpdateActionStatus(ctx, tx, a, from); err != nil {
		return domain.Action{}, err
	}
	if err := m.Ledger.Append(ctx, tx, "action.executing", startupID, "action", a.ID, actorID, nil); err != nil {
		return domain.Action{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, err
	}
	return a, nil
}

// Complete moves an EXECUTING action to COMPLETED.
func (m Manager) Complete(ctx context.Context, startupID, actionID, actorID string) (domain.Action, error) {
	return m.finish(ctx, startupID, actionID, actorID, domain.ActionCompleted, "action.completed", "")
}

// Fail moves an EXECUTING action to FAILED and records the error.
func (m Manager) Fail(ctx context.Context, startupID, actionID, actorID, errMsg string) (domain.Action, error) {
	return m.finish(ctx, startupID, actionID, actorID, domain.ActionFailed, "action.failed", errMsg)
}

func (m Manager) finish(ctx context.Context, startupID, actionID, actorID, toStatus, entryType, errMsg string) (domain.Action, error) {
	ts := m.now().UTC().Format(time.RFC3339)

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, err
	}
	defer tx.Rollback()

	a, err := m.Repo.GetActionTx(ctx, tx, startupID, actionID)
	if err != nil {
		return domain.Action{}, err
	}
	if a.Status != domain.ActionExecuting {
		return domain.Action{}, ErrNotPendingApproval
	}
	a.Status = toStatus
	a.UpdatedAt = ts
	if errMsg != "" {
		a.ErrorMessage = &errMsg
	}
	if err := m.Repo.UpdateActionStatus(ctx, tx, a, domain.ActionExecuting); err != nil {
		return domain.Action{}, err
	}
	payload := ledger.Payload{"title": a.Title}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if err := m.Ledger.Append(ctx, tx, entryType, startupID, "action", a.ID, actorID, payload); err != nil {
		return domain.Action{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, err
	}
	return a, nil
}

// ExpireSweep expires every pending approval whose deadline has passed.
// It returns how many actions it expired.
func (m Manager) ExpireSweep(ctx context.Context) (int, error) {
	ts := m.now().UTC().Format(time.RFC3339)
	stale, err := m.Repo.ExpiredPendingApprovals(ctx, ts)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, a := range stale {
		tx, err := m.DB.BeginTx(ctx, nil)
		if err != nil {
			return expired, err
		}
		a.Status = domain.ActionExpired
		a.UpdatedAt = ts
		if err := m.Repo.UpdateActionStatus(ctx, tx, a, domain.ActionPendingApproval); err != nil {
			tx.Rollback()
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return expired, err
		}
		if err := m.Ledger.Append(ctx, tx, "action.expired", a.StartupID, "action", a.ID, "scheduler", ledger.Payload{
			"title": a.Title,
		}); err != nil {
			tx.Rollback()
			return expired, err
		}
		if err := tx.Commit(); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// requiresApproval applies the autonomy policy for a category. A paused
// startup is treated as fully manual.
func (m Manager) requiresApproval(ctx context.Context, startupID, category string) (bool, int, error) {
	expireHours := 24
	requireFor := map[string]bool{}
	if cfg, err := m.Repo.GetStartupConfig(ctx, startupID); err == nil {
		if cfg.Approval.ExpireHours > 0 {
			expireHours = cfg.Approval.ExpireHours
		}
		for _, c := range cfg.Approval.RequireFor {
			requireFor[c] = true
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return false, 0, err
	}

	settings, err := m.Repo.GetAutonomySettings(ctx, startupID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return true, expireHours, nil
		}
		return false, 0, err
	}

	level := settings.Level
	if override, ok := settings.CategoryLevels[category]; ok {
		level = override
	}
	switch {
	case settings.IsPaused:
		return true, expireHours, nil
	case level == "manual":
		return true, expireHours, nil
	case level == "autonomous":
		return false, expireHours, nil
	default: // assisted
		return requireFor[category], expireHours, nil
	}
}
