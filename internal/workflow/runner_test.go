package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pulseline/internal/app"
	"pulseline/internal/db"
	"pulseline/internal/domain"
	"pulseline/internal/migrate"
	"pulseline/internal/repo"
	"pulseline/internal/workflow"
)

type testEnv struct {
	App app.App
	Ctx context.Context
	Now *time.Time
}

func newTestEnv(t *testing.T) testEnv {
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
		Now: func() time.Time { return *env.Now },
	})
	if _, _, err := app.ResolveStartup(env.Ctx, env.App, "acme", "tester"); err != nil {
		t.Fatalf("resolve startup: %v", err)
	}
	return env
}

func graphJSON(t *testing.T, nodes []workflow.Node, edges []workflow.Edge) (string, string) {
	t.Helper()
	nj, err := json.Marshal(nodes)
	if err != nil {
		t.Fatal(err)
	}
	ej, err := json.Marshal(edges)
	if err != nil {
		t.Fatal(err)
	}
	return string(nj), string(ej)
}

func rawConfig(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// activeWorkflow creates and activates a workflow from the given graph.
func (e testEnv) activeWorkflow(t *testing.T, name string, nodes []workflow.Node, edges []workflow.Edge) domain.Workflow {
	t.Helper()
	nj, ej := graphJSON(t, nodes, edges)
	w, err := e.App.Workflows.Create(e.Ctx, "acme", "tester", workflow.DefinitionInput{
		Name: name, NodesJSON: nj, EdgesJSON: ej,
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	w, err = e.App.Workflows.Activate(e.Ctx, "acme", w.ID, "tester")
	if err != nil {
		t.Fatalf("activate workflow: %v", err)
	}
	return w
}

func runContext(t *testing.T, run domain.WorkflowRun) map[string]any {
	t.Helper()
	out := map[string]any{}
	if err := json.Unmarshal([]byte(run.ContextJSON), &out); err != nil {
		t.Fatalf("run context: %v", err)
	}
	return out
}

func TestValidateGraphRejectsBadShapes(t *testing.T) {
	trigger := workflow.Node{ID: "t", Kind: workflow.KindTrigger}
	cases := []struct {
		name  string
		nodes []workflow.Node
		edges []workflow.Edge
		want  string
	}{
		{"empty", nil, nil, "no nodes"},
		{"no trigger", []workflow.Node{{ID: "a", Kind: workflow.KindTransform}}, nil, "exactly one trigger"},
		{"two triggers", []workflow.Node{trigger, {ID: "t2", Kind: workflow.KindTrigger}}, nil, "exactly one trigger"},
		{"duplicate id", []workflow.Node{trigger, {ID: "t", Kind: workflow.KindTransform}}, nil, "duplicate node id"},
		{"unknown kind", []workflow.Node{trigger, {ID: "x", Kind: "teleport"}}, nil, "unknown kind"},
		{"edge to nowhere", []workflow.Node{trigger}, []workflow.Edge{{From: "t", To: "ghost"}}, "unknown node"},
		{"bad condition", []workflow.Node{trigger, {ID: "a", Kind: workflow.KindTransform}},
			[]workflow.Edge{{From: "t", To: "a", Condition: "nonsense"}}, "malformed condition"},
		{"http without url", []workflow.Node{trigger, {ID: "h", Kind: workflow.KindHTTP}}, nil, "requires url"},
		{"loop without bound", []workflow.Node{trigger, {ID: "l", Kind: workflow.KindLoop}}, nil, "max_iterations"},
		{"human without title", []workflow.Node{trigger, {ID: "g", Kind: workflow.KindHuman}}, nil, "requires title"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := workflow.ValidateGraph(tc.nodes, tc.edges)
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestEvalCondition(t *testing.T) {
	runCtx := map[string]any{
		"count": float64(5),
		"plan":  "pro",
		"input": map[string]any{"region": "eu-west"},
	}
	cases := []struct {
		cond string
		want bool
	}{
		{"count gt 3", true},
		{"count gt 5", false},
		{"count gte 5", true},
		{"count lt 10", true},
		{"count eq 5", true},
		{"plan eq pro", true},
		{"plan ne free", true},
		{"missing ne anything", true},
		{"missing eq anything", false},
		{"plan exists", true},
		{"missing exists", false},
		{"input.region contains west", true},
		{"input.region eq eu-west", true},
	}
	for _, tc := range cases {
		got, err := workflow.EvalCondition(tc.cond, runCtx)
		if err != nil {
			t.Fatalf("%q: %v", tc.cond, err)
		}
		if got != tc.want {
			t.Errorf("%q = %v, want %v", tc.cond, got, tc.want)
		}
	}
	if _, err := workflow.EvalCondition("just-one-token", runCtx); err == nil {
		t.Fatal("malformed condition accepted")
	}
	if _, err := workflow.EvalCondition("a frobnicate b", runCtx); err == nil {
		t.Fatal("unknown operator accepted")
	}
}

func TestRunCompletesAndMergesContext(t *testing.T) {
	env := newTestEnv(t)
	w := env.activeWorkflow(t, "enrich",
		[]workflow.Node{
			{ID: "t", Kind: workflow.KindTrigger},
			{ID: "set", Kind: workflow.KindTransform, Config: rawConfig(t, workflow.TransformConfig{
				Set:  map[string]any{"stage": "enriched"},
				Copy: map[string]string{"region": "input.region"},
			})},
		},
		[]workflow.Edge{{From: "t", To: "set"}},
	)
	run, err := env.App.Runner.Start(env.Ctx, "acme", w.ID, "tester", map[string]any{"region": "eu-west"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("status = %s, want COMPLETED", run.Status)
	}
	rc := runContext(t, run)
	if rc["stage"] != "enriched" {
		t.Fatalf("transform set missing: %v", rc)
	}
	if rc["region"] != "eu-west" {
		t.Fatalf("transform copy missing: %v", rc)
	}
	logs, err := env.App.Repo.ListRunLogs(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) == 0 {
		t.Fatal("no run logs written")
	}
	last := logs[len(logs)-1]
	if last.Message != "run completed" {
		t.Fatalf("last log %q", last.Message)
	}
}

func TestConditionBranching(t *testing.T) {
	env := newTestEnv(t)
	nodes := []workflow.Node{
		{ID: "t", Kind: workflow.KindTrigger},
		{ID: "gate", Kind: workflow.KindCondition},
		{ID: "big", Kind: workflow.KindTransform, Config: rawConfig(t, workflow.TransformConfig{Set: map[string]any{"path": "big"}})},
		{ID: "small", Kind: workflow.KindTransform, Config: rawConfig(t, workflow.TransformConfig{Set: map[string]any{"path": "small"}})},
	}
	edges := []workflow.Edge{
		{From: "t", To: "gate"},
		{From: "gate", To: "big", Condition: "input.amount gt 100"},
		{From: "gate", To: "small"},
	}
	w := env.activeWorkflow(t, "branch", nodes, edges)

	run, err := env.App.Runner.Start(env.Ctx, "acme", w.ID, "tester", map[string]any{"amount": 500})
	if err != nil {
		t.Fatal(err)
	}
	if rc := runContext(t, run); rc["path"] != "big" {
		t.Fatalf("amount 500 took %v", rc["path"])
	}

	run, err = env.App.Runner.Start(env.Ctx, "acme", w.ID, "tester", map[string]any{"amount": 7})
	if err != nil {
		t.Fatal(err)
	}
	if rc := runContext(t, run); rc["path"] != "small" {
		t.Fatalf("amount 7 took %v", rc["path"])
	}
}

func TestLoopBoundFailsRun(t *testing.T) {
	env := newTestEnv(t)
	nodes := []workflow.Node{
		{ID: "t", Kind: workflow.KindTrigger},
		{ID: "l", Kind: workflow.KindLoop, Config: rawConfig(t, workflow.LoopConfig{MaxIterations: 3})},
	}
	edges := []workflow.Edge{
		{From: "t", To: "l"},
		{From: "l", To: "l"},
	}
	w := env.activeWorkflow(t, "spinner", nodes, edges)
	run, err := env.App.Runner.Start(env.Ctx, "acme", w.ID, "tester", nil)
	if err != nil {
		t.Fatalf("loop failure must persist, not error: %v", err)
	}
	if run.Status != domain.RunFailed {
		t.Fatalf("status = %s, want FAILED", run.Status)
	}
	if run.ErrorMessage == nil || !strings.Contains(*run.ErrorMessage, "max_iterations") {
		t.Fatalf("error = %v", run.ErrorMessage)
	}
	if run.ErrorNodeID == nil || *run.ErrorNodeID != "l" {
		t.Fatalf("error node = %v", run.ErrorNodeID)
	}
}

func TestHTTPNode(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.Header.Get("X-Token") != "shh" {
			t.Errorf("missing header")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"score": 42}`))
	}))
	defer srv.Close()

	nodes := []workflow.Node{
		{ID: "t", Kind: workflow.KindTrigger},
		{ID: "h", Kind: workflow.KindHTTP, Config: rawConfig(t, workflow.HTTPConfig{
			Method:    http.MethodPost,
			URL:       srv.URL,
			Headers:   map[string]string{"X-Token": "shh"},
			Body:      map[string]any{"probe": true},
			OutputKey: "scan",
		})},
	}
	w := env.activeWorkflow(t, "probe", nodes, []workflow.Edge{{From: "t", To: "h"}})
	run, err := env.App.Runner.Start(env.Ctx, "acme", w.ID, "tester", nil)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("status = %s: %v", run.Status, run.ErrorMessage)
	}
	rc := runContext(t, run)
	scan, ok := rc["scan"].(map[string]any)
	if !ok {
		t.Fatalf("output key missing: %v", rc)
	}
	resp, ok := scan["response"].(map[string]any)
	if !ok || resp["score"] != float64(42) {
		t.Fatalf("response = %v", scan["response"])
	}
}

func TestHTTPNodeServerErrorFailsRun(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	nodes := []workflow.Node{
		{ID: "t", Kind: workflow.KindTrigger},
		{ID: "h", Kind: workflow.KindHTTP, Config: rawConfig(t, workflow.HTTPConfig{URL: srv.URL})},
	}
	w := env.activeWorkflow(t, "flaky", nodes, []workflow.Edge{{From: "t", To: "h"}})
	run, err := env.App.Runner.Start(env.Ctx, "acme", w.ID, "tester", nil)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunFailed {
		t.Fatalf("status = %s", run.Status)
	}
	if run.ErrorMessage == nil || !strings.Contains(*run.ErrorMessage, "500") {
		t.Fatalf("error = %v", run.ErrorMessage)
	}
}

func humanGraph(t *testing.T, expireHours int) ([]workflow.Node, []workflow.Edge) {
	t.Helper()
	nodes := []workflow.Node{
		{ID: "t", Kind: workflow.KindTrigger},
		{ID: "gate", Kind: workflow.KindHuman, Config: rawConfig(t, workflow.HumanConfig{
			Title: "sign off on the report", ExpireHours: expireHours,
		})},
		{ID: "done", Kind: workflow.KindTransform, Config: rawConfig(t, workflow.TransformConfig{Set: map[string]any{"shipped": true}})},
	}
	edges := []workflow.Edge{
		{From: "t", To: "gate"},
		{From: "gate", To: "done"},
	}
	return nodes, edges
}

func TestHumanNodeSuspendsAndResumesOnApproval(t *testing.T) {
	env := newTestEnv(t)
	nodes, edges := humanGraph(t, 0)
	w := env.activeWorkflow(t, "gated", nodes, edges)

	run, err := env.App.Runner.Start(env.Ctx, "acme", w.ID, "tester", nil)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunWaitingApproval {
		t.Fatalf("status = %s, want WAITING_APPROVAL", run.Status)
	}
	approvals, err := env.App.Repo.ListRunApprovals(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(approvals) != 1 || approvals[0].Status != domain.ApprovalPending {
		t.Fatalf("approvals = %+v", approvals)
	}
	if approvals[0].ReviewTitle != "sign off on the report" {
		t.Fatalf("title = %q", approvals[0].ReviewTitle)
	}

	run, err = env.App.Runner.Decide(env.Ctx, "acme", approvals[0].ID, "founder", true)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("status after approval = %s: %v", run.Status, run.ErrorMessage)
	}
	rc := runContext(t, run)
	if rc["shipped"] != true || rc["approved"] != true || rc["approved_by"] != "founder" {
		t.Fatalf("context after approval = %v", rc)
	}

	// The decision is final.
	if _, err := env.App.Runner.Decide(env.Ctx, "acme", approvals[0].ID, "founder", false); !errors.Is(err, workflow.ErrApprovalDecided) {
		t.Fatalf("second decide err = %v", err)
	}
}

func TestHumanNodeRejectionFailsRun(t *testing.T) {
	env := newTestEnv(t)
	nodes, edges := humanGraph(t, 0)
	w := env.activeWorkflow(t, "gated", nodes, edges)

	run, err := env.App.Runner.Start(env.Ctx, "acme", w.ID, "tester", nil)
	if err != nil {
		t.Fatal(err)
	}
	approvals, _ := env.App.Repo.ListRunApprovals(env.Ctx, run.ID)
	run, err = env.App.Runner.Decide(env.Ctx, "acme", approvals[0].ID, "founder", false)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunFailed {
		t.Fatalf("status = %s", run.Status)
	}
	if run.ErrorMessage == nil || !strings.Contains(*run.ErrorMessage, domain.ApprovalRejected) {
		t.Fatalf("error = %v", run.ErrorMessage)
	}
}

func TestCancelWaitingRun(t *testing.T) {
	env := newTestEnv(t)
	nodes, edges := humanGraph(t, 0)
	w := env.activeWorkflow(t, "gated", nodes, edges)

	run, err := env.App.Runner.Start(env.Ctx, "acme", w.ID, "tester", nil)
	if err != nil {
		t.Fatal(err)
	}
	run, err = env.App.Runner.Cancel(env.Ctx, "acme", run.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunCancelled {
		t.Fatalf("status = %s", run.Status)
	}
	if _, err := env.App.Runner.Cancel(env.Ctx, "acme", run.ID, "tester"); err == nil {
		t.Fatal("cancelling a terminal run must fail")
	}
}

func TestExpireSweepFailsSuspendedRuns(t *testing.T) {
	env := newTestEnv(t)
	nodes, edges := humanGraph(t, 1)
	w := env.activeWorkflow(t, "gated", nodes, edges)

	run, err := env.App.Runner.Start(env.Ctx, "acme", w.ID, "tester", nil)
	if err != nil {
		t.Fatal(err)
	}
	*env.Now = env.Now.Add(2 * time.Hour)
	n, err := env.App.Runner.ExpireSweep(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expired %d approvals, want 1", n)
	}
	run, err = env.App.Repo.GetRun(env.Ctx, "acme", run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunFailed {
		t.Fatalf("status = %s", run.Status)
	}
	approvals, _ := env.App.Repo.ListRunApprovals(env.Ctx, run.ID)
	if approvals[0].Status != domain.ApprovalExpired {
		t.Fatalf("approval status = %s", approvals[0].Status)
	}
	// The ledger entry carries the owning startup like every other one.
	entries, err := env.App.Repo.LatestLedger(env.Ctx, 5, "acme", "workflow.approval.expired", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expiry ledger entries = %d", len(entries))
	}
	if entries[0].StartupID != "acme" {
		t.Fatalf("expiry ledger startup = %q", entries[0].StartupID)
	}
	// A second sweep finds nothing.
	if n, _ := env.App.Runner.ExpireSweep(env.Ctx); n != 0 {
		t.Fatalf("second sweep expired %d", n)
	}
}

func TestStartRequiresActiveWorkflow(t *testing.T) {
	env := newTestEnv(t)
	nj, ej := graphJSON(t, []workflow.Node{{ID: "t", Kind: workflow.KindTrigger}}, nil)
	w, err := env.App.Workflows.Create(env.Ctx, "acme", "tester", workflow.DefinitionInput{
		Name: "draft-only", NodesJSON: nj, EdgesJSON: ej,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.App.Runner.Start(env.Ctx, "acme", w.ID, "tester", nil); !errors.Is(err, workflow.ErrWorkflowNotActive) {
		t.Fatalf("err = %v", err)
	}
}

func TestStartBySecret(t *testing.T) {
	env := newTestEnv(t)
	w := env.activeWorkflow(t, "hooked",
		[]workflow.Node{{ID: "t", Kind: workflow.KindTrigger}}, nil)
	if w.WebhookSecret == "" {
		t.Fatal("activation must mint a webhook secret")
	}
	run, err := env.App.Runner.StartBySecret(env.Ctx, w.WebhookSecret, map[string]any{"source": "stripe"})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("status = %s", run.Status)
	}
	if rc := runContext(t, run); rc["input"].(map[string]any)["source"] != "stripe" {
		t.Fatalf("webhook input lost: %v", rc)
	}
	if _, err := env.App.Runner.StartBySecret(env.Ctx, "bogus", nil); err == nil {
		t.Fatal("unknown secret must fail")
	}
}

func TestActiveWorkflowCannotBeEdited(t *testing.T) {
	env := newTestEnv(t)
	w := env.activeWorkflow(t, "frozen",
		[]workflow.Node{{ID: "t", Kind: workflow.KindTrigger}}, nil)
	nj, ej := graphJSON(t, []workflow.Node{{ID: "t", Kind: workflow.KindTrigger}}, nil)
	if _, err := env.App.Workflows.Update(env.Ctx, "acme", w.ID, "tester", workflow.DefinitionInput{
		Name: "frozen-2", NodesJSON: nj, EdgesJSON: ej,
	}); err == nil {
		t.Fatal("editing an active workflow must fail")
	}
}

func TestDeleteWorkflow(t *testing.T) {
	env := newTestEnv(t)
	w := env.activeWorkflow(t, "retiring",
		[]workflow.Node{{ID: "t", Kind: workflow.KindTrigger}}, nil)

	if err := env.App.Workflows.Delete(env.Ctx, "acme", w.ID, "tester"); !errors.Is(err, workflow.ErrWorkflowActive) {
		t.Fatalf("delete active err = %v", err)
	}
	if _, err := env.App.Workflows.Archive(env.Ctx, "acme", w.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if err := env.App.Workflows.Delete(env.Ctx, "acme", w.ID, "tester"); err != nil {
		t.Fatalf("delete archived: %v", err)
	}
	if _, err := env.App.Repo.GetWorkflow(env.Ctx, "acme", w.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("get after delete err = %v", err)
	}
	if err := env.App.Workflows.Delete(env.Ctx, "acme", w.ID, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}
