// Package heartbeat runs the scheduled checks: per tick, per startup,
// per rule it assembles context, asks the decision function to classify
// it, and routes the result into messages, actions and the heartbeat
// ledger. Quiet hours, cooldowns and daily caps gate everything.
package heartbeat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pulseline/internal/approval"
	"pulseline/internal/bus"
	"pulseline/internal/domain"
	"pulseline/internal/ledger"
	"pulseline/internal/repo"
)

// EvalContext is what the decision function sees for one rule
// evaluation.
type EvalContext struct {
	StartupID string           `json:"startup_id"`
	RuleID    string           `json:"rule_id"`
	RuleName  string           `json:"rule_name"`
	Metrics   map[string]any   `json:"metrics,omitempty"`
	Memory    []map[string]any `json:"memory,omitempty"`
	Timestamp string           `json:"timestamp"`
}

// Decision is the structured verdict of one evaluation.
type Decision struct {
	ResultType        string   `json:"result_type"`
	TriggeredCheck    string   `json:"triggered_check,omitempty"`
	Summary           string   `json:"summary,omitempty"`
	Category          string   `json:"category,omitempty"`
	RecommendedAction string   `json:"recommended_action,omitempty"`
	ShouldNotify      bool     `json:"should_notify,omitempty"`
	NotifyChannels    []string `json:"notify_channels,omitempty"`
}

// DecisionFunc classifies an evaluation context against a checklist.
// Implementations typically wrap an LLM call and may take seconds.
type DecisionFunc func(ctx context.Context, ec EvalContext, checklist []domain.Check) (Decision, error)

// MetricsProvider supplies the KPI snapshot for a startup.
type MetricsProvider interface {
	Snapshot(ctx context.Context, startupID string) (map[string]any, error)
}

// NotificationSink delivers founder notifications.
type NotificationSink interface {
	Notify(ctx context.Context, title, body string, channels []string) error
}

// SystemAgent is the sender identity for bus messages the evaluator
// publishes.
const SystemAgent = "heartbeat"

type Evaluator struct {
	DB       *sql.DB
	Repo     repo.Repo
	Ledger   ledger.Writer
	Bus      bus.Bus
	Actions  approval.Manager
	Decide   DecisionFunc
	Metrics  MetricsProvider
	Notifier NotificationSink
	Now      func() time.Time
}

func (e Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// EvaluateStartup runs every active rule for one startup. A failing
// rule is recorded and never blocks the others. It returns the number
// of heartbeat rows written.
func (e Evaluator) EvaluateStartup(ctx context.Context, startupID string) (int, error) {
	settings, err := e.Repo.GetAutonomySettings(ctx, startupID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return 0, err
	}
	if settings.IsPaused {
		return 0, nil
	}
	startup, err := e.Repo.GetStartup(ctx, startupID)
	if err != nil {
		return 0, err
	}
	rules, err := e.Repo.ListActiveRules(ctx, startupID)
	if err != nil {
		return 0, err
	}
	written := 0
	for _, rule := range rules {
		n, err := e.EvaluateRule(ctx, startup, rule)
		if err != nil {
			// Rule-level failures are audit entries, not tick aborts.
			e.recordFailure(ctx, startupID, rule.ID, err)
			continue
		}
		written += n
	}
	return written, nil
}

// EvaluateRule runs one rule once. It returns the number of heartbeat
// rows written: zero when quiet hours suppress the tick, one otherwise.
func (e Evaluator) EvaluateRule(ctx context.Context, startup domain.Startup, rule domain.TriggerRule) (int, error) {
	now := e.now().UTC()
	loc := e.location(rule, startup)
	local := now.In(loc)

	if inQuietWindow(local, rule.QuietStart, rule.QuietEnd) {
		return 0, nil
	}

	if reason := e.rateLimitReason(ctx, rule, now, local); reason != "" {
		if err := e.recordSkip(ctx, rule, local, reason); err != nil {
			return 0, err
		}
		return 1, nil
	}

	decision := e.classify(ctx, startup, rule, now)

	entry := domain.HeartbeatEntry{
		ID:         uuid.NewString(),
		StartupID:  rule.StartupID,
		RuleID:     rule.ID,
		ResultType: decision.ResultType,
		Summary:    decision.Summary,
		TS:         now.Format(time.RFC3339),
	}
	if decision.TriggeredCheck != "" {
		check := decision.TriggeredCheck
		entry.TriggeredCheck = &check
	}
	if decision.RecommendedAction != "" {
		rec := decision.RecommendedAction
		entry.RecommendedAction = &rec
	}
	if snapshot, err := json.Marshal(decision); err == nil {
		entry.ContextJSON = string(snapshot)
	}

	if decision.ShouldNotify && e.Notifier != nil {
		title := fmt.Sprintf("%s: %s", rule.Name, decision.ResultType)
		if err := e.Notifier.Notify(ctx, title, decision.Summary, decision.NotifyChannels); err == nil {
			entry.FounderNotified = true
		}
	}

	if err := e.persistResult(ctx, rule, entry, local); err != nil {
		return 0, err
	}

	switch decision.ResultType {
	case domain.ResultInsight, domain.ResultEscalation:
		e.publishResult(ctx, rule, decision)
	case domain.ResultAction:
		e.dispatchAction(ctx, rule, decision)
	}
	return 1, nil
}

// classify invokes the decision function with panic and error recovery:
// a broken decision becomes an OK result carrying the error summary.
func (e Evaluator) classify(ctx context.Context, startup domain.Startup, rule domain.TriggerRule, now time.Time) (decision Decision) {
	defer func() {
		if v := recover(); v != nil {
			decision = Decision{ResultType: domain.ResultOK, Summary: fmt.Sprintf("decision panic: %v", v)}
		}
	}()

	if e.Decide == nil {
		return Decision{ResultType: domain.ResultOK, Summary: "no decision function configured"}
	}

	ec := EvalContext{
		StartupID: rule.StartupID,
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Timestamp: now.Format(time.RFC3339),
	}
	if e.Metrics != nil {
		if snapshot, err := e.Metrics.Snapshot(ctx, startup.ID); err == nil {
			ec.Metrics = snapshot
		}
	}
	if memory, err := e.Repo.LatestLedger(ctx, 10, startup.ID, "", ""); err == nil {
		for _, m := range memory {
			ec.Memory = append(ec.Memory, map[string]any{"ts": m.TS, "type": m.Type, "payload": m.Payload})
		}
	}

	decision, err := e.Decide(ctx, ec, rule.Checklist)
	if err != nil {
		return Decision{ResultType: domain.ResultOK, Summary: fmt.Sprintf("decision error: %v", err)}
	}
	decision.ResultType = normalizeResult(decision.ResultType)
	return decision
}

// persistResult writes the heartbeat row, the trigger accounting row
// for classified results, and the audit entry in one transaction.
func (e Evaluator) persistResult(ctx context.Context, rule domain.TriggerRule, entry domain.HeartbeatEntry, local time.Time) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertHeartbeat(ctx, tx, entry); err != nil {
		return err
	}
	if entry.ResultType != domain.ResultOK {
		check := ""
		if entry.TriggeredCheck != nil {
			check = *entry.TriggeredCheck
		}
		if err := e.Repo.InsertTriggerLog(ctx, tx, domain.TriggerLog{
			ID:         uuid.NewString(),
			StartupID:  rule.StartupID,
			RuleID:     rule.ID,
			CheckName:  check,
			ResultType: entry.ResultType,
			LocalDay:   local.Format("2006-01-02"),
			TS:         entry.TS,
		}); err != nil {
			return err
		}
	}
	if err := e.Ledger.Append(ctx, tx, "heartbeat.evaluated", rule.StartupID, "heartbeat", entry.ID, SystemAgent, ledger.Payload{
		"rule_id":     rule.ID,
		"rule_name":   rule.Name,
		"result_type": entry.ResultType,
		"summary":     entry.Summary,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// recordSkip writes the SKIPPED heartbeat and accounting rows for a
// rate-limited tick. Suppression is an outcome, not an error.
func (e Evaluator) recordSkip(ctx context.Context, rule domain.TriggerRule, local time.Time, reason string) error {
	entry := domain.HeartbeatEntry{
		ID:         uuid.NewString(),
		StartupID:  rule.StartupID,
		RuleID:     rule.ID,
		ResultType: domain.ResultSkipped,
		Summary:    reason,
		TS:         e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertHeartbeat(ctx, tx, entry); err != nil {
		return err
	}
	if err := e.Repo.InsertTriggerLog(ctx, tx, domain.TriggerLog{
		ID:         uuid.NewString(),
		StartupID:  rule.StartupID,
		RuleID:     rule.ID,
		CheckName:  "",
		ResultType: domain.ResultSkipped,
		LocalDay:   local.Format("2006-01-02"),
		TS:         entry.TS,
	}); err != nil {
		return err
	}
	if err := e.Ledger.Append(ctx, tx, "heartbeat.skipped", rule.StartupID, "heartbeat", entry.ID, SystemAgent, ledger.Payload{
		"rule_id": rule.ID,
		"reason":  reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Evaluator) recordFailure(ctx context.Context, startupID, ruleID string, evalErr error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Ledger.Append(ctx, tx, "heartbeat.error", startupID, "rule", ruleID, SystemAgent, ledger.Payload{
		"error": evalErr.Error(),
	}); err != nil {
		return
	}
	tx.Commit()
}

func (e Evaluator) publishResult(ctx context.Context, rule domain.TriggerRule, d Decision) {
	priority := domain.PriorityMedium
	if d.ResultType == domain.ResultEscalation {
		priority = domain.PriorityHigh
	}
	_, _ = e.Bus.Publish(ctx, bus.PublishInput{
		StartupID: rule.StartupID,
		FromAgent: SystemAgent,
		Topic:     fmt.Sprintf("%s.%s", rule.Name, d.ResultType),
		Type:      domain.TypeInsight,
		Priority:  priority,
		Payload: map[string]any{
			"rule_id":            rule.ID,
			"triggered_check":    d.TriggeredCheck,
			"summary":            d.Summary,
			"recommended_action": d.RecommendedAction,
		},
	})
}

// dispatchAction creates the agent action for an ACTION result. When no
// approval is needed it moves straight to EXECUTING; when approval is
// required it stays PENDING_APPROVAL for a human.
func (e Evaluator) dispatchAction(ctx context.Context, rule domain.TriggerRule, d Decision) {
	title := d.RecommendedAction
	if title == "" {
		title = d.Summary
	}
	payload, _ := json.Marshal(d)
	a, err := e.Actions.Create(ctx, approval.CreateInput{
		StartupID:   rule.StartupID,
		RuleID:      rule.ID,
		Category:    d.Category,
		Title:       title,
		PayloadJSON: string(payload),
		ActorID:     SystemAgent,
	})
	if err != nil {
		return
	}
	if !a.RequiresApproval {
		_, _ = e.Actions.MarkExecuting(ctx, rule.StartupID, a.ID, SystemAgent)
	}
}

// rateLimitReason returns a non-empty skip reason when cooldown or the
// daily cap suppress this evaluation.
func (e Evaluator) rateLimitReason(ctx context.Context, rule domain.TriggerRule, now, local time.Time) string {
	if rule.CooldownMinutes > 0 {
		last, err := e.Repo.LastFiredAt(ctx, rule.StartupID, rule.ID)
		if err == nil && last != "" {
			if t, perr := time.Parse(time.RFC3339, last); perr == nil {
				elapsed := now.Sub(t)
				if elapsed < time.Duration(rule.CooldownMinutes)*time.Minute {
					return fmt.Sprintf("cooldown: last trigger %s ago", elapsed.Round(time.Second))
				}
			}
		}
	}
	if rule.MaxTriggersPerDay > 0 {
		n, err := e.Repo.CountFiresOnDay(ctx, rule.StartupID, rule.ID, local.Format("2006-01-02"))
		if err == nil && n >= rule.MaxTriggersPerDay {
			return fmt.Sprintf("daily cap reached: %d/%d", n, rule.MaxTriggersPerDay)
		}
	}
	return ""
}

func (e Evaluator) location(rule domain.TriggerRule, startup domain.Startup) *time.Location {
	tz := rule.Timezone
	if tz == "" {
		tz = startup.Timezone
	}
	if tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.UTC
}

// inQuietWindow reports whether a local time falls inside the quiet
// window. Overnight windows where start > end wrap midnight. The start
// is inclusive, the end exclusive.
func inQuietWindow(local time.Time, start, end string) bool {
	if start == "" || end == "" {
		return false
	}
	cur := local.Hour()*60 + local.Minute()
	s, ok := parseClock(start)
	if !ok {
		return false
	}
	e, ok := parseClock(end)
	if !ok {
		return false
	}
	if s == e {
		return false
	}
	if s < e {
		return cur >= s && cur < e
	}
	return cur >= s || cur < e
}

func parseClock(v string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(v, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func normalizeResult(rt string) string {
	switch rt {
	case domain.ResultOK, domain.ResultInsight, domain.ResultAction, domain.ResultEscalation, domain.ResultSkipped:
		return rt
	}
	// Unknown classifications degrade to OK rather than aborting.
	return domain.ResultOK
}
