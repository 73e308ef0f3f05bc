package domain

type Startup struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Stage     string `json:"stage,omitempty"`
	Status    string `json:"status" enum:"active,paused,archived"`
	Timezone  string `json:"timezone"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type AutonomySettings struct {
	StartupID      string            `json:"startup_id"`
	Level          string            `json:"level" enum:"manual,assisted,autonomous"`
	CategoryLevels map[string]string `json:"category_levels,omitempty"`
	IsPaused       bool              `json:"is_paused"`
	UpdatedAt      string            `json:"updated_at" format:"date-time"`
}

// Check is one entry of a trigger rule's checklist.
type Check struct {
	Name      string         `json:"name"`
	Condition map[string]any `json:"condition,omitempty"`
	Action    string         `json:"action,omitempty"`
	Escalate  bool           `json:"escalate,omitempty"`
}

type TriggerRule struct {
	ID                string  `json:"id"`
	StartupID         string  `json:"startup_id"`
	Name              string  `json:"name"`
	Kind              string  `json:"kind" enum:"heartbeat,metric,time,event"`
	Checklist         []Check `json:"checklist"`
	QuietStart        string  `json:"quiet_start,omitempty"`
	QuietEnd          string  `json:"quiet_end,omitempty"`
	Timezone          string  `json:"timezone,omitempty"`
	CooldownMinutes   int     `json:"cooldown_minutes"`
	MaxTriggersPerDay int     `json:"max_triggers_per_day"`
	Enabled           bool    `json:"enabled"`
	Paused            bool    `json:"paused"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
}

// TriggerLog rows are the rate-limit accounting record: one row per
// classified trigger, keyed by the tenant-local calendar day.
type TriggerLog struct {
	ID         string `json:"id"`
	StartupID  string `json:"startup_id"`
	RuleID     string `json:"rule_id"`
	CheckName  string `json:"check_name"`
	ResultType string `json:"result_type"`
	LocalDay   string `json:"local_day"`
	TS         string `json:"ts" format:"date-time"`
}

type HeartbeatEntry struct {
	ID                string  `json:"id"`
	StartupID         string  `json:"startup_id"`
	RuleID            string  `json:"rule_id"`
	ResultType        string  `json:"result_type" enum:"OK,INSIGHT,ACTION,ESCALATION,SKIPPED"`
	TriggeredCheck    *string `json:"triggered_check,omitempty"`
	Summary           string  `json:"summary,omitempty"`
	ContextJSON       string  `json:"context_json,omitempty"`
	RecommendedAction *string `json:"recommended_action,omitempty"`
	FounderNotified   bool    `json:"founder_notified"`
	TS                string  `json:"ts" format:"date-time"`
}

type Message struct {
	ID               string  `json:"id"`
	StartupID        string  `json:"startup_id"`
	ThreadID         string  `json:"thread_id"`
	ParentID         *string `json:"parent_id,omitempty"`
	FromAgent        string  `json:"from_agent"`
	ToAgent          *string `json:"to_agent,omitempty"`
	Topic            string  `json:"topic"`
	Type             string  `json:"message_type" enum:"INSIGHT,REQUEST,ACTION,ALERT"`
	Priority         string  `json:"priority" enum:"LOW,MEDIUM,HIGH,URGENT"`
	PayloadJSON      string  `json:"payload_json"`
	Status           string  `json:"status" enum:"PENDING,PROCESSED"`
	RequiresResponse bool    `json:"requires_response"`
	ResponseDeadline *string `json:"response_deadline,omitempty" format:"date-time"`
	ResponseReceived bool    `json:"response_received"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

type Action struct {
	ID               string  `json:"id"`
	StartupID        string  `json:"startup_id"`
	RuleID           *string `json:"rule_id,omitempty"`
	Category         string  `json:"category,omitempty"`
	Title            string  `json:"title"`
	PayloadJSON      string  `json:"payload_json,omitempty"`
	Status           string  `json:"status" enum:"PENDING,PENDING_APPROVAL,APPROVED,REJECTED,EXPIRED,EXECUTING,COMPLETED,FAILED"`
	RequiresApproval bool    `json:"requires_approval"`
	ApprovedBy       *string `json:"approved_by,omitempty"`
	ApprovedAt       *string `json:"approved_at,omitempty" format:"date-time"`
	ExpiresAt        *string `json:"expires_at,omitempty" format:"date-time"`
	ErrorMessage     *string `json:"error_message,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

type Workflow struct {
	ID            string `json:"id"`
	StartupID     string `json:"startup_id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Status        string `json:"status" enum:"draft,active,archived"`
	NodesJSON     string `json:"nodes_json"`
	EdgesJSON     string `json:"edges_json"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

type WorkflowRun struct {
	ID            string  `json:"id"`
	WorkflowID    string  `json:"workflow_id"`
	StartupID     string  `json:"startup_id"`
	Status        string  `json:"status" enum:"PENDING,RUNNING,WAITING_APPROVAL,COMPLETED,FAILED,CANCELLED"`
	CurrentNodeID *string `json:"current_node_id,omitempty"`
	ContextJSON   string  `json:"context_json"`
	NodesJSON     string  `json:"-"`
	EdgesJSON     string  `json:"-"`
	ErrorMessage  *string `json:"error_message,omitempty"`
	ErrorNodeID   *string `json:"error_node_id,omitempty"`
	StartedAt     *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt    *string `json:"finished_at,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type WorkflowLog struct {
	ID         int64   `json:"id"`
	RunID      string  `json:"run_id"`
	NodeID     *string `json:"node_id,omitempty"`
	Level      string  `json:"level" enum:"debug,info,warning,error,success"`
	Message    string  `json:"message"`
	DetailJSON string  `json:"detail_json,omitempty"`
	TS         string  `json:"ts" format:"date-time"`
}

type WorkflowApproval struct {
	ID          string  `json:"id"`
	RunID       string  `json:"run_id"`
	NodeID      string  `json:"node_id"`
	Status      string  `json:"status" enum:"PENDING,APPROVED,REJECTED,EXPIRED"`
	ReviewTitle string  `json:"review_title,omitempty"`
	ReviewJSON  string  `json:"review_json,omitempty"`
	DecidedBy   *string `json:"decided_by,omitempty"`
	DecidedAt   *string `json:"decided_at,omitempty" format:"date-time"`
	ExpiresAt   *string `json:"expires_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// LedgerEntry is one row of the proactive action log.
type LedgerEntry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	StartupID  string `json:"startup_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
