package server

import (
	"encoding/json"

	"pulseline/internal/domain"
	"pulseline/internal/workflow"
)

// Request payloads

type CreateStartupRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type PublishMessageRequest struct {
	StartupID               string         `json:"startup_id"`
	FromAgent               string         `json:"from_agent"`
	Topic                   string         `json:"topic"`
	MessageType             string         `json:"message_type,omitempty"`
	Payload                 map[string]any `json:"payload,omitempty"`
	ToAgent                 *string        `json:"to_agent,omitempty"`
	Priority                string         `json:"priority,omitempty"`
	ThreadID                string         `json:"thread_id,omitempty"`
	ParentID                string         `json:"parent_id,omitempty"`
	RequiresResponse        bool           `json:"requires_response,omitempty"`
	ResponseDeadlineMinutes *int           `json:"response_deadline_minutes,omitempty"`
}

type RespondRequest struct {
	StartupID string         `json:"startup_id"`
	FromAgent string         `json:"from_agent"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type UpdateAutonomyRequest struct {
	Level          *string           `json:"level,omitempty" enum:"manual,assisted,autonomous"`
	CategoryLevels map[string]string `json:"category_levels,omitempty"`
}

type CheckRequest struct {
	Name      string         `json:"name"`
	Condition map[string]any `json:"condition,omitempty"`
	Action    string         `json:"action,omitempty"`
	Escalate  bool           `json:"escalate,omitempty"`
}

type RuleRequest struct {
	Name              string         `json:"name"`
	Kind              string         `json:"kind,omitempty" enum:"heartbeat,metric,time,event"`
	Checklist         []CheckRequest `json:"checklist"`
	QuietStart        string         `json:"quiet_start,omitempty"`
	QuietEnd          string         `json:"quiet_end,omitempty"`
	Timezone          string         `json:"timezone,omitempty"`
	CooldownMinutes   int            `json:"cooldown_minutes,omitempty"`
	MaxTriggersPerDay int            `json:"max_triggers_per_day,omitempty"`
	Enabled           *bool          `json:"enabled,omitempty"`
}

type WorkflowRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Nodes       []workflow.Node `json:"nodes"`
	Edges       []workflow.Edge `json:"edges"`
}

type RunRequest struct {
	Input map[string]any `json:"input,omitempty"`
}

type DecisionRequest struct {
	StartupID string `json:"startup_id"`
	Approve   bool   `json:"approve"`
}

// Response payloads

type StartupResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Stage     string `json:"stage,omitempty"`
	Status    string `json:"status"`
	Timezone  string `json:"timezone"`
	CreatedAt string `json:"created_at"`
}

func startupResponse(s domain.Startup) StartupResponse {
	return StartupResponse{
		ID:        s.ID,
		Name:      s.Name,
		Stage:     s.Stage,
		Status:    s.Status,
		Timezone:  s.Timezone,
		CreatedAt: s.CreatedAt,
	}
}

type MessageResponse struct {
	ID               string         `json:"id"`
	StartupID        string         `json:"startup_id"`
	ThreadID         string         `json:"thread_id"`
	ParentID         *string        `json:"parent_id,omitempty"`
	FromAgent        string         `json:"from_agent"`
	ToAgent          *string        `json:"to_agent,omitempty"`
	Topic            string         `json:"topic"`
	MessageType      string         `json:"message_type"`
	Priority         string         `json:"priority"`
	Payload          map[string]any `json:"payload,omitempty"`
	Status           string         `json:"status"`
	RequiresResponse bool           `json:"requires_response"`
	ResponseDeadline *string        `json:"response_deadline,omitempty"`
	ResponseReceived bool           `json:"response_received"`
	CreatedAt        string         `json:"created_at"`
}

func messageResponse(m domain.Message) MessageResponse {
	res := MessageResponse{
		ID:               m.ID,
		StartupID:        m.StartupID,
		ThreadID:         m.ThreadID,
		ParentID:         m.ParentID,
		FromAgent:        m.FromAgent,
		ToAgent:          m.ToAgent,
		Topic:            m.Topic,
		MessageType:      m.Type,
		Priority:         m.Priority,
		Status:           m.Status,
		RequiresResponse: m.RequiresResponse,
		ResponseDeadline: m.ResponseDeadline,
		ResponseReceived: m.ResponseReceived,
		CreatedAt:        m.CreatedAt,
	}
	_ = json.Unmarshal([]byte(m.PayloadJSON), &res.Payload)
	return res
}

func mapMessages(items []domain.Message) []MessageResponse {
	res := make([]MessageResponse, 0, len(items))
	for _, m := range items {
		res = append(res, messageResponse(m))
	}
	return res
}

type AutonomyResponse struct {
	StartupID      string            `json:"startup_id"`
	Level          string            `json:"level"`
	CategoryLevels map[string]string `json:"category_levels,omitempty"`
	IsPaused       bool              `json:"is_paused"`
	UpdatedAt      string            `json:"updated_at"`
}

func autonomyResponse(s domain.AutonomySettings) AutonomyResponse {
	return AutonomyResponse{
		StartupID:      s.StartupID,
		Level:          s.Level,
		CategoryLevels: s.CategoryLevels,
		IsPaused:       s.IsPaused,
		UpdatedAt:      s.UpdatedAt,
	}
}

type ActionResponse struct {
	ID               string  `json:"id"`
	StartupID        string  `json:"startup_id"`
	RuleID           *string `json:"rule_id,omitempty"`
	Category         string  `json:"category,omitempty"`
	Title            string  `json:"title"`
	Status           string  `json:"status"`
	RequiresApproval bool    `json:"requires_approval"`
	ApprovedBy       *string `json:"approved_by,omitempty"`
	ApprovedAt       *string `json:"approved_at,omitempty"`
	ExpiresAt        *string `json:"expires_at,omitempty"`
	ErrorMessage     *string `json:"error_message,omitempty"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

func actionResponse(a domain.Action) ActionResponse {
	return ActionResponse{
		ID:               a.ID,
		StartupID:        a.StartupID,
		RuleID:           a.RuleID,
		Category:         a.Category,
		Title:            a.Title,
		Status:           a.Status,
		RequiresApproval: a.RequiresApproval,
		ApprovedBy:       a.ApprovedBy,
		ApprovedAt:       a.ApprovedAt,
		ExpiresAt:        a.ExpiresAt,
		ErrorMessage:     a.ErrorMessage,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

type RuleResponse struct {
	ID                string         `json:"id"`
	StartupID         string         `json:"startup_id"`
	Name              string         `json:"name"`
	Kind              string         `json:"kind"`
	Checklist         []domain.Check `json:"checklist"`
	QuietStart        string         `json:"quiet_start,omitempty"`
	QuietEnd          string         `json:"quiet_end,omitempty"`
	Timezone          string         `json:"timezone,omitempty"`
	CooldownMinutes   int            `json:"cooldown_minutes"`
	MaxTriggersPerDay int            `json:"max_triggers_per_day"`
	Enabled           bool           `json:"enabled"`
	Paused            bool           `json:"paused"`
	CreatedAt         string         `json:"created_at"`
	UpdatedAt         string         `json:"updated_at"`
}

func ruleResponse(r domain.TriggerRule) RuleResponse {
	return RuleResponse{
		ID:                r.ID,
		StartupID:         r.StartupID,
		Name:              r.Name,
		Kind:              r.Kind,
		Checklist:         r.Checklist,
		QuietStart:        r.QuietStart,
		QuietEnd:          r.QuietEnd,
		Timezone:          r.Timezone,
		CooldownMinutes:   r.CooldownMinutes,
		MaxTriggersPerDay: r.MaxTriggersPerDay,
		Enabled:           r.Enabled,
		Paused:            r.Paused,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

type WorkflowResponse struct {
	ID          string          `json:"id"`
	StartupID   string          `json:"startup_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Status      string          `json:"status"`
	Nodes       []workflow.Node `json:"nodes"`
	Edges       []workflow.Edge `json:"edges"`
	WebhookPath string          `json:"webhook_path,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

func workflowResponse(w domain.Workflow) WorkflowResponse {
	res := WorkflowResponse{
		ID:          w.ID,
		StartupID:   w.StartupID,
		Name:        w.Name,
		Description: w.Description,
		Status:      w.Status,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
	_ = json.Unmarshal([]byte(w.NodesJSON), &res.Nodes)
	_ = json.Unmarshal([]byte(w.EdgesJSON), &res.Edges)
	if w.WebhookSecret != "" {
		res.WebhookPath = "/hooks/" + w.WebhookSecret
	}
	return res
}

type RunResponse struct {
	ID            string         `json:"id"`
	WorkflowID    string         `json:"workflow_id"`
	StartupID     string         `json:"startup_id"`
	Status        string         `json:"status"`
	CurrentNodeID *string        `json:"current_node_id,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	ErrorNodeID   *string        `json:"error_node_id,omitempty"`
	StartedAt     *string        `json:"started_at,omitempty"`
	FinishedAt    *string        `json:"finished_at,omitempty"`
	CreatedAt     string         `json:"created_at"`
}

func runResponse(r domain.WorkflowRun) RunResponse {
	res := RunResponse{
		ID:            r.ID,
		WorkflowID:    r.WorkflowID,
		StartupID:     r.StartupID,
		Status:        r.Status,
		CurrentNodeID: r.CurrentNodeID,
		ErrorMessage:  r.ErrorMessage,
		ErrorNodeID:   r.ErrorNodeID,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
		CreatedAt:     r.CreatedAt,
	}
	_ = json.Unmarshal([]byte(r.ContextJSON), &res.Context)
	return res
}

type RunLogResponse struct {
	ID      int64   `json:"id"`
	RunID   string  `json:"run_id"`
	NodeID  *string `json:"node_id,omitempty"`
	Level   string  `json:"level"`
	Message string  `json:"message"`
	Detail  string  `json:"detail,omitempty"`
	TS      string  `json:"ts"`
}

func runLogResponse(l domain.WorkflowLog) RunLogResponse {
	return RunLogResponse{
		ID:      l.ID,
		RunID:   l.RunID,
		NodeID:  l.NodeID,
		Level:   l.Level,
		Message: l.Message,
		Detail:  l.DetailJSON,
		TS:      l.TS,
	}
}

type ApprovalResponse struct {
	ID          string  `json:"id"`
	RunID       string  `json:"run_id"`
	NodeID      string  `json:"node_id"`
	Status      string  `json:"status"`
	ReviewTitle string  `json:"review_title,omitempty"`
	DecidedBy   *string `json:"decided_by,omitempty"`
	DecidedAt   *string `json:"decided_at,omitempty"`
	ExpiresAt   *string `json:"expires_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func approvalResponse(a domain.WorkflowApproval) ApprovalResponse {
	return ApprovalResponse{
		ID:          a.ID,
		RunID:       a.RunID,
		NodeID:      a.NodeID,
		Status:      a.Status,
		ReviewTitle: a.ReviewTitle,
		DecidedBy:   a.DecidedBy,
		DecidedAt:   a.DecidedAt,
		ExpiresAt:   a.ExpiresAt,
		CreatedAt:   a.CreatedAt,
	}
}

type HeartbeatResponse struct {
	ID                string  `json:"id"`
	StartupID         string  `json:"startup_id"`
	RuleID            string  `json:"rule_id"`
	ResultType        string  `json:"result_type"`
	TriggeredCheck    *string `json:"triggered_check,omitempty"`
	Summary           string  `json:"summary,omitempty"`
	RecommendedAction *string `json:"recommended_action,omitempty"`
	FounderNotified   bool    `json:"founder_notified"`
	TS                string  `json:"ts"`
}

func heartbeatResponse(h domain.HeartbeatEntry) HeartbeatResponse {
	return HeartbeatResponse{
		ID:                h.ID,
		StartupID:         h.StartupID,
		RuleID:            h.RuleID,
		ResultType:        h.ResultType,
		TriggeredCheck:    h.TriggeredCheck,
		Summary:           h.Summary,
		RecommendedAction: h.RecommendedAction,
		FounderNotified:   h.FounderNotified,
		TS:                h.TS,
	}
}

type LedgerEntryResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	StartupID  string         `json:"startup_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func ledgerEntryResponse(e domain.LedgerEntry) LedgerEntryResponse {
	res := LedgerEntryResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		StartupID:  e.StartupID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	_ = json.Unmarshal([]byte(e.Payload), &res.Payload)
	return res
}
