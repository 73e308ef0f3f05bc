package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pulseline/internal/config"
	"pulseline/internal/domain"
	"pulseline/internal/ledger"
	"pulseline/internal/repo"
)

// RuleInput carries the writable fields of a trigger rule.
type RuleInput struct {
	Name              string
	Kind              string
	Checklist         []domain.Check
	QuietStart        string
	QuietEnd          string
	Timezone          string
	CooldownMinutes   int
	MaxTriggersPerDay int
	Enabled           bool
}

// CreateRule registers a new trigger rule for a startup.
func (e Evaluator) CreateRule(ctx context.Context, startupID, actorID string, in RuleInput) (domain.TriggerRule, error) {
	if in.Name == "" {
		return domain.TriggerRule{}, fmt.Errorf("name required")
	}
	if len(in.Checklist) == 0 {
		return domain.TriggerRule{}, fmt.Errorf("checklist required")
	}
	ts := e.now().UTC().Format(time.RFC3339)
	rule := domain.TriggerRule{
		ID:                uuid.NewString(),
		StartupID:         startupID,
		Name:              in.Name,
		Kind:              normalizeKind(in.Kind),
		Checklist:         in.Checklist,
		QuietStart:        in.QuietStart,
		QuietEnd:          in.QuietEnd,
		Timezone:          in.Timezone,
		CooldownMinutes:   in.CooldownMinutes,
		MaxTriggersPerDay: in.MaxTriggersPerDay,
		Enabled:           in.Enabled,
		CreatedAt:         ts,
		UpdatedAt:         ts,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TriggerRule{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRule(ctx, tx, rule); err != nil {
		return domain.TriggerRule{}, err
	}
	if err := e.Ledger.Append(ctx, tx, "rule.created", startupID, "rule", rule.ID, actorID, ledger.Payload{
		"name": rule.Name,
		"kind": rule.Kind,
	}); err != nil {
		return domain.TriggerRule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TriggerRule{}, err
	}
	return rule, nil
}

// UpdateRule replaces the writable fields of an existing rule.
func (e Evaluator) UpdateRule(ctx context.Context, startupID, ruleID, actorID string, in RuleInput) (domain.TriggerRule, error) {
	rule, err := e.Repo.GetRule(ctx, startupID, ruleID)
	if err != nil {
		return domain.TriggerRule{}, err
	}
	rule.Name = in.Name
	rule.Kind = normalizeKind(in.Kind)
	rule.Checklist = in.Checklist
	rule.QuietStart = in.QuietStart
	rule.QuietEnd = in.QuietEnd
	rule.Timezone = in.Timezone
	rule.CooldownMinutes = in.CooldownMinutes
	rule.MaxTriggersPerDay = in.MaxTriggersPerDay
	rule.Enabled = in.Enabled
	rule.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TriggerRule{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRule(ctx, tx, rule); err != nil {
		return domain.TriggerRule{}, err
	}
	if err := e.Ledger.Append(ctx, tx, "rule.updated", startupID, "rule", rule.ID, actorID, ledger.Payload{
		"name": rule.Name,
	}); err != nil {
		return domain.TriggerRule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TriggerRule{}, err
	}
	return rule, nil
}

// DeleteRule removes a rule permanently. Its trigger history stays in
// the log.
func (e Evaluator) DeleteRule(ctx context.Context, startupID, ruleID, actorID string) error {
	rule, err := e.Repo.GetRule(ctx, startupID, ruleID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteRule(ctx, tx, startupID, ruleID); err != nil {
		return err
	}
	if err := e.Ledger.Append(ctx, tx, "rule.deleted", startupID, "rule", ruleID, actorID, ledger.Payload{
		"name": rule.Name,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// PauseRule suspends a rule without deleting it.
func (e Evaluator) PauseRule(ctx context.Context, startupID, ruleID, actorID string) error {
	return e.setRulePaused(ctx, startupID, ruleID, actorID, true, "rule.paused")
}

// ResumeRule re-activates a paused rule.
func (e Evaluator) ResumeRule(ctx context.Context, startupID, ruleID, actorID string) error {
	return e.setRulePaused(ctx, startupID, ruleID, actorID, false, "rule.resumed")
}

func (e Evaluator) setRulePaused(ctx context.Context, startupID, ruleID, actorID string, paused bool, entryType string) error {
	ts := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetRulePaused(ctx, tx, startupID, ruleID, paused, ts); err != nil {
		return err
	}
	if err := e.Ledger.Append(ctx, tx, entryType, startupID, "rule", ruleID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// SeedRules creates the rules a startup's config declares, skipping any
// that already exist. Rules with a configured id match on it; rules
// without one match on name, so re-registration stays idempotent either
// way.
func (e Evaluator) SeedRules(ctx context.Context, startupID string, cfg *config.Config) error {
	ts := e.now().UTC().Format(time.RFC3339)
	for _, rc := range cfg.Rules {
		var err error
		if rc.ID != "" {
			_, err = e.Repo.GetRule(ctx, startupID, rc.ID)
		} else {
			_, err = e.Repo.GetRuleByName(ctx, startupID, rc.Name)
		}
		if err == nil {
			continue
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		id := rc.ID
		if id == "" {
			id = uuid.NewString()
		}
		rule := domain.TriggerRule{
			ID:                id,
			StartupID:         startupID,
			Name:              rc.Name,
			Kind:              normalizeKind(rc.Kind),
			Checklist:         checklistFromConfig(rc.Checklist),
			QuietStart:        firstNonEmpty(rc.QuietStart, cfg.Defaults.QuietStart),
			QuietEnd:          firstNonEmpty(rc.QuietEnd, cfg.Defaults.QuietEnd),
			Timezone:          cfg.Startup.Timezone,
			CooldownMinutes:   intOr(rc.CooldownMinutes, cfg.Defaults.CooldownMinutes),
			MaxTriggersPerDay: intOr(rc.MaxTriggersPerDay, cfg.Defaults.MaxTriggersPerDay),
			Enabled:           true,
			CreatedAt:         ts,
			UpdatedAt:         ts,
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := e.Repo.InsertRule(ctx, tx, rule); err != nil {
			tx.Rollback()
			return err
		}
		if err := e.Ledger.Append(ctx, tx, "rule.created", startupID, "rule", rule.ID, "config", ledger.Payload{
			"name": rule.Name,
			"kind": rule.Kind,
		}); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func checklistFromConfig(checks []config.CheckConfig) []domain.Check {
	var res []domain.Check
	for _, c := range checks {
		res = append(res, domain.Check{
			Name:      c.Name,
			Condition: c.Condition,
			Action:    c.Action,
			Escalate:  c.Escalate,
		})
	}
	return res
}

// normalizeKind degrades unknown rule kinds to heartbeat instead of
// erroring.
func normalizeKind(kind string) string {
	switch kind {
	case "heartbeat", "metric", "time", "event":
		return kind
	}
	return "heartbeat"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func intOr(v *int, fallback int) int {
	if v != nil {
		return *v
	}
	return fallback
}
