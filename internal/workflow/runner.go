// Package workflow executes typed-node DAGs. A run snapshots the graph
// at start, walks it sequentially, merges each node's output into the
// run context, and suspends on human nodes until someone decides.
package workflow

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"pulseline/internal/domain"
	"pulseline/internal/ledger"
	"pulseline/internal/repo"
)

var (
	ErrWorkflowNotActive = errors.New("workflow is not active")
	ErrWorkflowActive    = errors.New("workflow is active")
	ErrRunNotWaiting     = errors.New("run is not waiting for approval")
	ErrApprovalDecided   = errors.New("approval already decided")
)

// maxSteps caps node executions per run so a mis-wired loop can never
// spin forever.
const maxSteps = 500

// NodeExecutor runs the node kinds that need an external capability
// (ai, browser, code). The returned map is merged into the run context.
type NodeExecutor interface {
	Execute(ctx context.Context, kind string, cfg json.RawMessage, runCtx map[string]any) (map[string]any, error)
}

// Notifier delivers notification-node messages.
type Notifier interface {
	Notify(ctx context.Context, title, body string, channels []string) error
}

type Runner struct {
	DB       *sql.DB
	Repo     repo.Repo
	Ledger   ledger.Writer
	Exec     NodeExecutor
	Notifier Notifier
	HTTP     *http.Client
	Now      func() time.Time
}

func (r Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Start creates a run for a workflow and executes it. The graph is
// copied into the run row so later workflow edits never touch runs in
// flight. Only ACTIVE workflows may start.
func (r Runner) Start(ctx context.Context, startupID, workflowID, actorID string, input map[string]any) (domain.WorkflowRun, error) {
	w, err := r.Repo.GetWorkflow(ctx, startupID, workflowID)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	return r.startRun(ctx, w, actorID, input)
}

// StartBySecret starts a run resolved through a webhook secret. The
// secret itself is the authentication.
func (r Runner) StartBySecret(ctx context.Context, secret string, input map[string]any) (domain.WorkflowRun, error) {
	w, err := r.Repo.GetWorkflowBySecret(ctx, secret)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	return r.startRun(ctx, w, "webhook", input)
}

func (r Runner) startRun(ctx context.Context, w domain.Workflow, actorID string, input map[string]any) (domain.WorkflowRun, error) {
	if w.Status != domain.WorkflowActive {
		return domain.WorkflowRun{}, ErrWorkflowNotActive
	}
	if _, _, err := ParseGraph(w.NodesJSON, w.EdgesJSON); err != nil {
		return domain.WorkflowRun{}, err
	}
	if input == nil {
		input = map[string]any{}
	}
	ctxJSON, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	ts := r.now().UTC().Format(time.RFC3339)
	run := domain.WorkflowRun{
		ID:          uuid.NewString(),
		WorkflowID:  w.ID,
		StartupID:   w.StartupID,
		Status:      domain.RunPending,
		ContextJSON: string(ctxJSON),
		NodesJSON:   w.NodesJSON,
		EdgesJSON:   w.EdgesJSON,
		CreatedAt:   ts,
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	defer tx.Rollback()
	if err := r.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.WorkflowRun{}, err
	}
	if err := r.Ledger.Append(ctx, tx, "workflow.run.started", w.StartupID, "workflow_run", run.ID, actorID, ledger.Payload{
		"workflow_id":   w.ID,
		"workflow_name": w.Name,
	}); err != nil {
		return domain.WorkflowRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowRun{}, err
	}
	return r.execute(ctx, run)
}

// Cancel stops a run that has not finished. Terminal runs are left
// untouched.
func (r Runner) Cancel(ctx context.Context, startupID, runID, actorID string) (domain.WorkflowRun, error) {
	run, err := r.Repo.GetRun(ctx, startupID, runID)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	switch run.Status {
	case domain.RunPending, domain.RunRunning, domain.RunWaitingApproval:
	default:
		return domain.WorkflowRun{}, fmt.Errorf("run is already %s", run.Status)
	}
	ts := r.now().UTC().Format(time.RFC3339)
	run.Status = domain.RunCancelled
	run.FinishedAt = &ts

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	defer tx.Rollback()
	if err := r.Repo.UpdateRun(ctx, tx, run); err != nil {
		return domain.WorkflowRun{}, err
	}
	if err := r.appendLog(ctx, tx, run.ID, run.CurrentNodeID, "warning", "run cancelled", ""); err != nil {
		return domain.WorkflowRun{}, err
	}
	if err := r.Ledger.Append(ctx, tx, "workflow.run.cancelled", startupID, "workflow_run", run.ID, actorID, nil); err != nil {
		return domain.WorkflowRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowRun{}, err
	}
	return run, nil
}

// execute walks the graph from the trigger node (or from the node after
// a resumed approval) until the run reaches a terminal state or
// suspends on a human node.
func (r Runner) execute(ctx context.Context, run domain.WorkflowRun) (domain.WorkflowRun, error) {
	nodes, edges, err := ParseGraph(run.NodesJSON, run.EdgesJSON)
	if err != nil {
		return r.fail(ctx, run, nil, err)
	}
	byID := map[string]Node{}
	for _, n := range nodes {
		byID[n.ID] = n
	}

	runCtx := map[string]any{}
	if err := json.Unmarshal([]byte(run.ContextJSON), &runCtx); err != nil {
		return r.fail(ctx, run, nil, fmt.Errorf("corrupt run context: %w", err))
	}

	var current *Node
	if run.CurrentNodeID != nil {
		// Resuming: continue along the edges out of the suspended node.
		prev, ok := byID[*run.CurrentNodeID]
		if !ok {
			return r.fail(ctx, run, run.CurrentNodeID, fmt.Errorf("current node %s not in graph", *run.CurrentNodeID))
		}
		next, err := nextNode(prev, edges, byID, runCtx)
		if err != nil {
			return r.fail(ctx, run, &prev.ID, err)
		}
		current = next
	} else {
		for i := range nodes {
			if nodes[i].Kind == KindTrigger {
				current = &nodes[i]
				break
			}
		}
	}

	if run.Status != domain.RunRunning {
		ts := r.now().UTC().Format(time.RFC3339)
		run.Status = domain.RunRunning
		if run.StartedAt == nil {
			run.StartedAt = &ts
		}
	}

	steps := 0
	for current != nil {
		steps++
		if steps > maxSteps {
			return r.fail(ctx, run, &current.ID, fmt.Errorf("step budget of %d exceeded", maxSteps))
		}
		node := *current
		run.CurrentNodeID = &node.ID

		if node.Kind == KindHuman {
			return r.suspend(ctx, run, node, runCtx)
		}

		output, err := r.executeNode(ctx, node, runCtx)
		if err != nil {
			return r.fail(ctx, run, &node.ID, err)
		}
		for k, v := range output {
			runCtx[k] = v
		}
		if err := r.checkpoint(ctx, &run, node, runCtx, output); err != nil {
			return domain.WorkflowRun{}, err
		}

		current, err = nextNode(node, edges, byID, runCtx)
		if err != nil {
			return r.fail(ctx, run, &node.ID, err)
		}
	}
	return r.complete(ctx, run, runCtx)
}

// executeNode dispatches one non-human node. Trigger and condition
// nodes are pass-throughs: their effect is in the edges.
func (r Runner) executeNode(ctx context.Context, node Node, runCtx map[string]any) (map[string]any, error) {
	switch node.Kind {
	case KindTrigger, KindCondition:
		return nil, nil
	case KindTransform:
		var cfg TransformConfig
		if err := json.Unmarshal(orEmpty(node.Config), &cfg); err != nil {
			return nil, err
		}
		out := map[string]any{}
		for k, v := range cfg.Set {
			out[k] = v
		}
		for dst, src := range cfg.Copy {
			if v, ok := lookup(runCtx, src); ok {
				out[dst] = v
			}
		}
		return out, nil
	case KindLoop:
		var cfg LoopConfig
		if err := json.Unmarshal(orEmpty(node.Config), &cfg); err != nil {
			return nil, err
		}
		counterKey := "loop_" + node.ID
		iteration := 0
		if v, ok := toFloat(runCtx[counterKey]); ok {
			iteration = int(v)
		}
		iteration++
		if iteration > cfg.MaxIterations {
			return nil, fmt.Errorf("loop %s exceeded max_iterations=%d", node.ID, cfg.MaxIterations)
		}
		return map[string]any{counterKey: iteration}, nil
	case KindHTTP:
		return r.executeHTTP(ctx, node)
	case KindNotification:
		var cfg NotificationConfig
		if err := json.Unmarshal(orEmpty(node.Config), &cfg); err != nil {
			return nil, err
		}
		if r.Notifier == nil {
			return nil, fmt.Errorf("no notifier configured")
		}
		if err := r.Notifier.Notify(ctx, cfg.Title, cfg.Body, cfg.Channels); err != nil {
			return nil, err
		}
		return map[string]any{"notified": true}, nil
	case KindAI, KindBrowser, KindCode:
		if r.Exec == nil {
			return nil, fmt.Errorf("no executor configured for %s nodes", node.Kind)
		}
		return r.Exec.Execute(ctx, node.Kind, orEmpty(node.Config), runCtx)
	}
	return nil, fmt.Errorf("unknown node kind %q", node.Kind)
}

func (r Runner) executeHTTP(ctx context.Context, node Node) (map[string]any, error) {
	var cfg HTTPConfig
	if err := json.Unmarshal(orEmpty(node.Config), &cfg); err != nil {
		return nil, err
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if cfg.Body != nil {
		data, err := json.Marshal(cfg.Body)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	timeout := 30 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, cfg.URL, body)
	if err != nil {
		return nil, err
	}
	if cfg.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	client := r.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http node: %s %s returned %d", method, cfg.URL, resp.StatusCode)
	}
	out := map[string]any{}
	var parsed any
	if json.Unmarshal(data, &parsed) == nil {
		out["response"] = parsed
	} else {
		out["response"] = string(data)
	}
	out["status_code"] = resp.StatusCode
	key := cfg.OutputKey
	if key != "" {
		return map[string]any{key: out}, nil
	}
	return out, nil
}

// nextNode picks the first outgoing edge whose condition holds. No
// outgoing edge, or none matching, means the walk is over.
func nextNode(from Node, edges []Edge, byID map[string]Node, runCtx map[string]any) (*Node, error) {
	for _, e := range edges {
		if e.From != from.ID {
			continue
		}
		if e.Condition != "" {
			ok, err := EvalCondition(e.Condition, runCtx)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		n := byID[e.To]
		return &n, nil
	}
	return nil, nil
}

// checkpoint persists the run position and context after a node.
func (r Runner) checkpoint(ctx context.Context, run *domain.WorkflowRun, node Node, runCtx, output map[string]any) error {
	ctxJSON, err := json.Marshal(runCtx)
	if err != nil {
		return err
	}
	run.ContextJSON = string(ctxJSON)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.Repo.UpdateRun(ctx, tx, *run); err != nil {
		return err
	}
	detail := ""
	if len(output) > 0 {
		if data, err := json.Marshal(output); err == nil {
			detail = string(data)
		}
	}
	if err := r.appendLog(ctx, tx, run.ID, &node.ID, "success", fmt.Sprintf("node %s (%s) executed", node.ID, node.Kind), detail); err != nil {
		return err
	}
	return tx.Commit()
}

// suspend parks the run on a human node and files the approval.
func (r Runner) suspend(ctx context.Context, run domain.WorkflowRun, node Node, runCtx map[string]any) (domain.WorkflowRun, error) {
	var cfg HumanConfig
	if err := json.Unmarshal(orEmpty(node.Config), &cfg); err != nil {
		return r.fail(ctx, run, &node.ID, err)
	}
	now := r.now().UTC()
	ts := now.Format(time.RFC3339)

	ctxJSON, err := json.Marshal(runCtx)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	run.ContextJSON = string(ctxJSON)
	run.Status = domain.RunWaitingApproval
	run.CurrentNodeID = &node.ID

	review, _ := json.Marshal(runCtx)
	a := domain.WorkflowApproval{
		ID:          uuid.NewString(),
		RunID:       run.ID,
		NodeID:      node.ID,
		Status:      domain.ApprovalPending,
		ReviewTitle: cfg.Title,
		ReviewJSON:  string(review),
		CreatedAt:   ts,
	}
	if cfg.ExpireHours > 0 {
		expires := now.Add(time.Duration(cfg.ExpireHours) * time.Hour).Format(time.RFC3339)
		a.ExpiresAt = &expires
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	defer tx.Rollback()
	if err := r.Repo.UpdateRun(ctx, tx, run); err != nil {
		return domain.WorkflowRun{}, err
	}
	// A loop back through the same human node reuses the approval that
	// is still open instead of filing a second one.
	if existing, err := r.Repo.PendingRunApproval(ctx, tx, run.ID, node.ID); err == nil {
		a = existing
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.WorkflowRun{}, err
	} else if err := r.Repo.InsertRunApproval(ctx, tx, a); err != nil {
		return domain.WorkflowRun{}, err
	}
	if err := r.appendLog(ctx, tx, run.ID, &node.ID, "info", fmt.Sprintf("waiting for approval: %s", cfg.Title), ""); err != nil {
		return domain.WorkflowRun{}, err
	}
	if err := r.Ledger.Append(ctx, tx, "workflow.run.waiting", run.StartupID, "workflow_run", run.ID, "runner", ledger.Payload{
		"node_id":     node.ID,
		"approval_id": a.ID,
		"title":       cfg.Title,
	}); err != nil {
		return domain.WorkflowRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowRun{}, err
	}
	return run, nil
}

// Decide settles a pending workflow approval and drives the run:
// approval resumes execution along the matching edge, rejection fails
// the run at the human node.
func (r Runner) Decide(ctx context.Context, startupID, approvalID, decidedBy string, approve bool) (domain.WorkflowRun, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	// Read the approval and run inside the transaction so two
	// concurrent decisions cannot both see PENDING.
	a, err := r.Repo.GetRunApprovalTx(ctx, tx, approvalID)
	if err != nil {
		tx.Rollback()
		return domain.WorkflowRun{}, err
	}
	if a.Status != domain.ApprovalPending {
		tx.Rollback()
		return domain.WorkflowRun{}, ErrApprovalDecided
	}
	run, err := r.Repo.GetRunTx(ctx, tx, startupID, a.RunID)
	if err != nil {
		tx.Rollback()
		return domain.WorkflowRun{}, err
	}
	if run.Status != domain.RunWaitingApproval {
		tx.Rollback()
		return domain.WorkflowRun{}, ErrRunNotWaiting
	}

	now := r.now().UTC()
	ts := now.Format(time.RFC3339)
	status := domain.ApprovalApproved
	if !approve {
		status = domain.ApprovalRejected
	}
	if a.ExpiresAt != nil && *a.ExpiresAt <= ts {
		status = domain.ApprovalExpired
	}

	if err := r.Repo.DecideRunApproval(ctx, tx, a.ID, status, decidedBy, ts); err != nil {
		tx.Rollback()
		return domain.WorkflowRun{}, err
	}
	entryType := "workflow.approval." + strings.ToLower(status)
	if err := r.Ledger.Append(ctx, tx, entryType, startupID, "workflow_approval", a.ID, decidedBy, ledger.Payload{
		"run_id":  a.RunID,
		"node_id": a.NodeID,
	}); err != nil {
		tx.Rollback()
		return domain.WorkflowRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowRun{}, err
	}

	if status != domain.ApprovalApproved {
		return r.fail(ctx, run, &a.NodeID, fmt.Errorf("approval %s", status))
	}

	// Record the decision in the context so edges can branch on it.
	runCtx := map[string]any{}
	_ = json.Unmarshal([]byte(run.ContextJSON), &runCtx)
	runCtx["approved"] = true
	runCtx["approved_by"] = decidedBy
	if ctxJSON, err := json.Marshal(runCtx); err == nil {
		run.ContextJSON = string(ctxJSON)
	}
	return r.execute(ctx, run)
}

// ExpireSweep expires pending workflow approvals whose deadline has
// passed and fails their suspended runs.
func (r Runner) ExpireSweep(ctx context.Context) (int, error) {
	ts := r.now().UTC().Format(time.RFC3339)
	stale, err := r.Repo.ExpiredRunApprovals(ctx, ts)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, a := range stale {
		run, err := r.runByID(ctx, a.RunID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return expired, err
		}
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			return expired, err
		}
		if err := r.Repo.DecideRunApproval(ctx, tx, a.ID, domain.ApprovalExpired, "scheduler", ts); err != nil {
			tx.Rollback()
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return expired, err
		}
		if err := r.Ledger.Append(ctx, tx, "workflow.approval.expired", run.StartupID, "workflow_approval", a.ID, "scheduler", ledger.Payload{
			"run_id": a.RunID,
		}); err != nil {
			tx.Rollback()
			return expired, err
		}
		if err := tx.Commit(); err != nil {
			return expired, err
		}
		// Each expired approval fails its run independently.
		if run.Status == domain.RunWaitingApproval {
			_, _ = r.fail(ctx, run, &a.NodeID, errors.New("approval EXPIRED"))
		}
		expired++
	}
	return expired, nil
}

func (r Runner) runByID(ctx context.Context, runID string) (domain.WorkflowRun, error) {
	var startupID string
	err := r.DB.QueryRowContext(ctx, `SELECT startup_id FROM workflow_runs WHERE id=?`, runID).Scan(&startupID)
	if err == sql.ErrNoRows {
		return domain.WorkflowRun{}, repo.ErrNotFound
	}
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	return r.Repo.GetRun(ctx, startupID, runID)
}

func (r Runner) complete(ctx context.Context, run domain.WorkflowRun, runCtx map[string]any) (domain.WorkflowRun, error) {
	ts := r.now().UTC().Format(time.RFC3339)
	if ctxJSON, err := json.Marshal(runCtx); err == nil {
		run.ContextJSON = string(ctxJSON)
	}
	run.Status = domain.RunCompleted
	run.FinishedAt = &ts

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	defer tx.Rollback()
	if err := r.Repo.UpdateRun(ctx, tx, run); err != nil {
		return domain.WorkflowRun{}, err
	}
	if err := r.appendLog(ctx, tx, run.ID, run.CurrentNodeID, "success", "run completed", ""); err != nil {
		return domain.WorkflowRun{}, err
	}
	if err := r.Ledger.Append(ctx, tx, "workflow.run.completed", run.StartupID, "workflow_run", run.ID, "runner", nil); err != nil {
		return domain.WorkflowRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowRun{}, err
	}
	return run, nil
}

func (r Runner) fail(ctx context.Context, run domain.WorkflowRun, nodeID *string, cause error) (domain.WorkflowRun, error) {
	ts := r.now().UTC().Format(time.RFC3339)
	msg := cause.Error()
	run.Status = domain.RunFailed
	run.ErrorMessage = &msg
	run.ErrorNodeID = nodeID
	run.FinishedAt = &ts

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	defer tx.Rollback()
	if err := r.Repo.UpdateRun(ctx, tx, run); err != nil {
		return domain.WorkflowRun{}, err
	}
	if err := r.appendLog(ctx, tx, run.ID, nodeID, "error", msg, ""); err != nil {
		return domain.WorkflowRun{}, err
	}
	if err := r.Ledger.Append(ctx, tx, "workflow.run.failed", run.StartupID, "workflow_run", run.ID, "runner", ledger.Payload{
		"error": msg,
	}); err != nil {
		return domain.WorkflowRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowRun{}, err
	}
	return run, nil
}

func (r Runner) appendLog(ctx context.Context, tx *sql.Tx, runID string, nodeID *string, level, message, detail string) error {
	return r.Repo.InsertRunLog(ctx, tx, domain.WorkflowLog{
		RunID:      runID,
		NodeID:     nodeID,
		Level:      level,
		Message:    message,
		DetailJSON: detail,
		TS:         r.now().UTC().Format(time.RFC3339),
	})
}
