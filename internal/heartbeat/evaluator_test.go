package heartbeat_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"pulseline/internal/app"
	"pulseline/internal/config"
	"pulseline/internal/db"
	"pulseline/internal/domain"
	"pulseline/internal/heartbeat"
	"pulseline/internal/migrate"
	"pulseline/internal/repo"
)

type testEnv struct {
	App     app.App
	Ctx     context.Context
	Now     *time.Time
	Startup domain.Startup
}

func newTestEnv(t *testing.T, decide heartbeat.DecisionFunc) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	env := testEnv{Ctx: context.Background(), Now: &now}
	env.App = app.New(conn, nil, app.Options{
		Decide: decide,
		Now:    func() time.Time { return *env.Now },
	})
	if _, _, err := app.ResolveStartup(env.Ctx, env.App, "acme", "tester"); err != nil {
		t.Fatalf("resolve startup: %v", err)
	}
	env.Startup, err = env.App.Repo.GetStartup(env.Ctx, "acme")
	if err != nil {
		t.Fatalf("get startup: %v", err)
	}
	// Park the rules seeded from the default config so only rules a
	// test creates take part in evaluation.
	seeded, err := env.App.Repo.ListRules(env.Ctx, "acme")
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	for _, r := range seeded {
		if err := env.App.Evaluator.PauseRule(env.Ctx, "acme", r.ID, "tester"); err != nil {
			t.Fatalf("pause seeded rule: %v", err)
		}
	}
	return env
}

func (e testEnv) createRule(t *testing.T, in heartbeat.RuleInput) domain.TriggerRule {
	t.Helper()
	if in.Checklist == nil {
		in.Checklist = []domain.Check{{Name: "default-check"}}
	}
	in.Enabled = true
	rule, err := e.App.Evaluator.CreateRule(e.Ctx, "acme", "tester", in)
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return rule
}

func staticDecision(d heartbeat.Decision) heartbeat.DecisionFunc {
	return func(ctx context.Context, ec heartbeat.EvalContext, checklist []domain.Check) (heartbeat.Decision, error) {
		return d, nil
	}
}

func TestQuietHoursWriteNothing(t *testing.T) {
	env := newTestEnv(t, staticDecision(heartbeat.Decision{ResultType: domain.ResultInsight, Summary: "noisy"}))
	rule := env.createRule(t, heartbeat.RuleInput{Name: "night-watch", QuietStart: "22:00", QuietEnd: "07:00"})

	*env.Now = time.Date(2024, 6, 1, 23, 30, 0, 0, time.UTC)
	n, err := env.App.Evaluator.EvaluateRule(env.Ctx, env.Startup, rule)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if n != 0 {
		t.Fatalf("quiet tick wrote %d rows", n)
	}
	beats, _ := env.App.Repo.ListHeartbeats(env.Ctx, "acme", 10)
	if len(beats) != 0 {
		t.Fatalf("quiet tick left heartbeat rows: %d", len(beats))
	}

	// 04:00 is still inside the overnight wrap.
	*env.Now = time.Date(2024, 6, 2, 4, 0, 0, 0, time.UTC)
	if n, _ := env.App.Evaluator.EvaluateRule(env.Ctx, env.Startup, rule); n != 0 {
		t.Fatalf("04:00 should be quiet")
	}

	// The end bound is exclusive of the window: 07:00 evaluates.
	*env.Now = time.Date(2024, 6, 2, 7, 0, 0, 0, time.UTC)
	n, err = env.App.Evaluator.EvaluateRule(env.Ctx, env.Startup, rule)
	if err != nil || n != 1 {
		t.Fatalf("07:00 should evaluate: n=%d err=%v", n, err)
	}
}

func TestQuietHoursRespectTimezone(t *testing.T) {
	env := newTestEnv(t, staticDecision(heartbeat.Decision{ResultType: domain.ResultOK}))
	rule := env.createRule(t, heartbeat.RuleInput{
		Name: "ny-watch", QuietStart: "22:00", QuietEnd: "07:00", Timezone: "America/New_York",
	})
	// 03:00 UTC = 23:00 in New York (EDT): quiet.
	*env.Now = time.Date(2024, 6, 2, 3, 0, 0, 0, time.UTC)
	if n, _ := env.App.Evaluator.EvaluateRule(env.Ctx, env.Startup, rule); n != 0 {
		t.Fatalf("expected quiet in local time")
	}
	// 15:00 UTC = 11:00 in New York: active.
	*env.Now = time.Date(2024, 6, 2, 15, 0, 0, 0, time.UTC)
	if n, _ := env.App.Evaluator.EvaluateRule(env.Ctx, env.Startup, rule); n != 1 {
		t.Fatalf("expected evaluation in local daytime")
	}
}

func TestCooldownSkips(t *testing.T) {
	env := newTestEnv(t, staticDecision(heartbeat.Decision{ResultType: domain.ResultInsight, Summary: "fire"}))
	rule := env.createRule(t, heartbeat.RuleInput{Name: "cool", CooldownMinutes: 30})

	if n, err := env.App.Evaluator.EvaluateRule(env.Ctx, env.Startup, rule); err != nil || n != 1 {
		t.Fatalf("first fire: n=%d err=%v", n, err)
	}
	*env.Now = env.Now.Add(10 * time.Minute)
	if _, err := env.App.Evaluator.EvaluateRule(env.Ctx, env.Startup, rule); err != nil {
		t.Fatal(err)
	}
	beats, _ := env.App.Repo.ListHeartbeats(env.Ctx, "acme", 10)
	if len(beats) != 2 {
		t.Fatalf("expected 2 heartbeat rows, got %d", len(beats))
	}
	if beats[0].ResultType != domain.ResultSkipped {
		t.Fatalf("expected SKIPPED inside cooldown, got %s", beats[0].ResultType)
	}
	// Past the cooldown the rule fires again.
	*env.Now = env.Now.Add(25 * time.Minute)
	if _, err := env.App.Evaluator.EvaluateRule(env.Ctx, env.Startup, rule); err != nil {
		t.Fatal(err)
	}
	beats, _ = env.App.Repo.ListHeartbeats(env.Ctx, "acme", 10)
	if beats[0].ResultType != domain.ResultInsight {
		t.Fatalf("expected fresh INSIGHT after cooldown, got %s", beats[0].ResultType)
	}
}

func TestDailyCapIgnoresSkips(t *testing.T) {
	env := newTestEnv(t, staticDecision(heartbeat.Decision{ResultType: domain.ResultInsight, Summary: "fire"}))
	rule := env.createRule(t, heartbeat.RuleInput{Name: "capped", MaxTriggersPerDay: 2})

	for i := 0; i < 5; i++ {
		if _, err := env.App.Evaluator.EvaluateRule(env.Ctx, env.Startup, rule); err != nil {
			t.Fatal(err)
		}
		*env.Now = env.Now.Add(time.Minute)
	}
	fired, err := env.App.Repo.CountFiresOnDay(env.Ctx, "acme", rule.ID, "2024-06-01")
	if err != nil {
		t.Fatal(err)
	}
	// SKIPPED rows never count toward the cap, so it stays at the limit.
	if fired != 2 {
		t.Fatalf("expected cap to hold at 2, got %d", fired)
	}
	beats, _ := env.App.Repo.ListHeartbeats(env.Ctx, "acme", 10)
	if len(beats) != 5 {
		t.Fatalf("every tick still writes a heartbeat row: %d", len(beats))
	}
	// Next local day resets the cap.
	*env.Now = time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC)
	if _, err := env.App.Evaluator.EvaluateRule(env.Ctx, env.Startup, rule); err != nil {
		t.Fatal(err)
	}
	beats, _ = env.App.Repo.ListHeartbeats(env.Ctx, "acme", 10)
	if beats[0].ResultType != domain.ResultInsight {
		t.Fatalf("new day should fire, got %s", beats[0].ResultType)
	}
}

func TestDecisionErrorDegradesToOK(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, ec heartbeat.EvalContext, checklist []domain.Check) (heartbeat.Decision, error) {
		return heartbeat.Decision{}, fmt.Errorf("model timeout")
	})
	rule := env.createRule(t, heartbeat.RuleInput{Name: "flaky"})
	n, err := env.App.Evaluator.EvaluateRule(env.Ctx, env.Startup, rule)
	if err != nil || n != 1 {
		t.Fatalf("broken decision must not abort: n=%d err=%v", n, err)
	}
	beats, _ := env.App.Repo.ListHeartbeats(env.Ctx, "acme", 1)
	if beats[0].ResultType != domain.ResultOK {
		t.Fatalf("expected OK fallback, got %s", beats[0].ResultType)
	}
}

func TestDecisionPanicDegradesToOK(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, ec heartbeat.EvalContext, checklist []domain.Check) (heartbeat.Decision, error) {
		panic("boom")
	})
	rule := env.createRule(t, heartbeat.RuleInput{Name: "explosive"})
	n, err := env.App.Evaluator.EvaluateRule(env.Ctx, env.Startup, rule)
	if err != nil || n != 1 {
		t.Fatalf("panicking decision must not abort: n=%d err=%v", n, err)
	}
}

func TestInsightPublishesToBus(t *testing.T) {
	env := newTestEnv(t, staticDecision(heartbeat.Decision{
		ResultType: domain.ResultEscalation, TriggeredCheck: "runway", Summary: "runway under 3 months",
	}))
	cfg := config.Default("acme")
	cfg.Subscriptions = map[string][]string{"founder-copilot": {"*"}}
	if err := env.App.Repo.UpsertStartupConfig(env.Ctx, nil, "acme", cfg); err != nil {
		t.Fatal(err)
	}
	rule := env.createRule(t, heartbeat.RuleInput{Name: "cash-monitor"})
	if _, err := env.App.Evaluator.EvaluateRule(env.Ctx, env.Startup, rule); err != nil {
		t.Fatal(err)
	}
	inbox, err := env.App.Repo.Inbox(env.Ctx, "acme", repo.InboxFilter{Agent: "founder-copilot"})
	if err != nil {
		t.Fatal(err)
	}
	if len(inbox) != 1 {
		t.Fatalf("expected 1 escalation message, got %d", len(inbox))
	}
	if inbox[0].Priority != domain.PriorityHigh {
		t.Fatalf("escalations publish HIGH, got %s", inbox[0].Priority)
	}
	if inbox[0].Topic != "cash-monitor.ESCALATION" {
		t.Fatalf("unexpected topic %s", inbox[0].Topic)
	}
}

func TestActionResultCreatesGatedAction(t *testing.T) {
	env := newTestEnv(t, staticDecision(heartbeat.Decision{
		ResultType: domain.ResultAction, Category: "spend", RecommendedAction: "cancel unused seats",
	}))
	cfg := config.Default("acme")
	cfg.Approval.RequireFor = []string{"spend"}
	if err := env.App.Repo.UpsertStartupConfig(env.Ctx, nil, "acme", cfg); err != nil {
		t.Fatal(err)
	}
	rule := env.createRule(t, heartbeat.RuleInput{Name: "cost-cutter"})
	if _, err := env.App.Evaluator.EvaluateRule(env.Ctx, env.Startup, rule); err != nil {
		t.Fatal(err)
	}
	actions, err := env.App.Repo.ListActions(env.Ctx, "acme", repo.ActionFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(actions))
	}
	if actions[0].Status != domain.ActionPendingApproval {
		t.Fatalf("assisted spend action should wait for approval, got %s", actions[0].Status)
	}
	if actions[0].Title != "cancel unused seats" {
		t.Fatalf("title should come from the recommendation, got %q", actions[0].Title)
	}
}

func TestActionResultAutonomousExecutes(t *testing.T) {
	env := newTestEnv(t, staticDecision(heartbeat.Decision{
		ResultType: domain.ResultAction, Category: "research", RecommendedAction: "scan competitors",
	}))
	rule := env.createRule(t, heartbeat.RuleInput{Name: "scout"})
	if _, err := env.App.Evaluator.EvaluateRule(env.Ctx, env.Startup, rule); err != nil {
		t.Fatal(err)
	}
	actions, _ := env.App.Repo.ListActions(env.Ctx, "acme", repo.ActionFilter{})
	if len(actions) != 1 || actions[0].Status != domain.ActionExecuting {
		t.Fatalf("ungated action should move to EXECUTING, got %+v", actions)
	}
}

func TestPausedStartupSkipsAllRules(t *testing.T) {
	env := newTestEnv(t, staticDecision(heartbeat.Decision{ResultType: domain.ResultInsight}))
	env.createRule(t, heartbeat.RuleInput{Name: "r1"})
	env.createRule(t, heartbeat.RuleInput{Name: "r2"})
	ts := env.Now.Format(time.RFC3339)
	if err := env.App.Repo.SetAutonomyPaused(env.Ctx, nil, "acme", true, ts); err != nil {
		t.Fatal(err)
	}
	n, err := env.App.Evaluator.EvaluateStartup(env.Ctx, "acme")
	if err != nil || n != 0 {
		t.Fatalf("paused startup evaluated: n=%d err=%v", n, err)
	}
}

func TestEvaluateStartupIsolatesRuleFailures(t *testing.T) {
	calls := 0
	env := newTestEnv(t, func(ctx context.Context, ec heartbeat.EvalContext, checklist []domain.Check) (heartbeat.Decision, error) {
		calls++
		return heartbeat.Decision{ResultType: domain.ResultOK}, nil
	})
	env.createRule(t, heartbeat.RuleInput{Name: "a"})
	env.createRule(t, heartbeat.RuleInput{Name: "b"})
	n, err := env.App.Evaluator.EvaluateStartup(env.Ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || calls != 2 {
		t.Fatalf("expected both rules evaluated: n=%d calls=%d", n, calls)
	}
}

func TestPausedRuleIsExcluded(t *testing.T) {
	env := newTestEnv(t, staticDecision(heartbeat.Decision{ResultType: domain.ResultOK}))
	rule := env.createRule(t, heartbeat.RuleInput{Name: "pausable"})
	if err := env.App.Evaluator.PauseRule(env.Ctx, "acme", rule.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	n, err := env.App.Evaluator.EvaluateStartup(env.Ctx, "acme")
	if err != nil || n != 0 {
		t.Fatalf("paused rule evaluated: n=%d err=%v", n, err)
	}
	if err := env.App.Evaluator.ResumeRule(env.Ctx, "acme", rule.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if n, _ = env.App.Evaluator.EvaluateStartup(env.Ctx, "acme"); n != 1 {
		t.Fatalf("resumed rule should evaluate")
	}
}

func TestSeedRulesIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	cfg := config.Default("acme")
	cfg.Rules = []config.RuleConfig{
		{
			ID:   "seed-1",
			Name: "seeded",
			Kind: "heartbeat",
			Checklist: []config.CheckConfig{
				{Name: "check-1"},
			},
		},
		{
			Name: "seeded-by-name",
			Kind: "heartbeat",
			Checklist: []config.CheckConfig{
				{Name: "check-1"},
			},
		},
	}
	if err := env.App.Evaluator.SeedRules(env.Ctx, "acme", cfg); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := env.App.Evaluator.SeedRules(env.Ctx, "acme", cfg); err != nil {
		t.Fatalf("re-seed: %v", err)
	}
	rules, err := env.App.Repo.ListRules(env.Ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	byID, byName := 0, 0
	for _, r := range rules {
		if r.ID == "seed-1" {
			byID++
		}
		if r.Name == "seeded-by-name" {
			byName++
		}
	}
	if byID != 1 {
		t.Fatalf("seeded rule duplicated: %d", byID)
	}
	if byName != 1 {
		t.Fatalf("id-less seeded rule duplicated: %d", byName)
	}
}

func TestResolveStartupDoesNotReseedRules(t *testing.T) {
	env := newTestEnv(t, nil)
	before, err := env.App.Repo.ListRules(env.Ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	// Every CLI invocation and create-startup request resolves the
	// startup again; the default-config rules must not multiply.
	for i := 0; i < 3; i++ {
		if _, _, err := app.ResolveStartup(env.Ctx, env.App, "acme", "tester"); err != nil {
			t.Fatalf("re-resolve: %v", err)
		}
	}
	after, err := env.App.Repo.ListRules(env.Ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before) {
		t.Fatalf("rules multiplied on re-resolve: %d -> %d", len(before), len(after))
	}
}

func TestDeleteRule(t *testing.T) {
	env := newTestEnv(t, nil)
	rule := env.createRule(t, heartbeat.RuleInput{Name: "doomed", Kind: "heartbeat"})
	if err := env.App.Evaluator.DeleteRule(env.Ctx, "acme", rule.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.App.Repo.GetRule(env.Ctx, "acme", rule.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("get after delete err = %v", err)
	}
	if err := env.App.Evaluator.DeleteRule(env.Ctx, "acme", rule.ID, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}
