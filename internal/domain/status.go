package domain

// Message types and priorities. Unknown values from out-of-date
// producers fall back to TypeInsight / PriorityMedium at the bus.
const (
	TypeInsight = "INSIGHT"
	TypeRequest = "REQUEST"
	TypeAction  = "ACTION"
	TypeAlert   = "ALERT"

	PriorityLow    = "LOW"
	PriorityMedium = "MEDIUM"
	PriorityHigh   = "HIGH"
	PriorityUrgent = "URGENT"

	MessagePending   = "PENDING"
	MessageProcessed = "PROCESSED"
)

// Evaluation result types. SKIPPED is a first-class outcome for
// rate-limit and quiet-hours suppression, distinct from failure.
const (
	ResultOK         = "OK"
	ResultInsight    = "INSIGHT"
	ResultAction     = "ACTION"
	ResultEscalation = "ESCALATION"
	ResultSkipped    = "SKIPPED"
)

// Action statuses.
const (
	ActionPending         = "PENDING"
	ActionPendingApproval = "PENDING_APPROVAL"
	ActionApproved        = "APPROVED"
	ActionRejected        = "REJECTED"
	ActionExpired         = "EXPIRED"
	ActionExecuting       = "EXECUTING"
	ActionCompleted       = "COMPLETED"
	ActionFailed          = "FAILED"
)

// Workflow and run statuses.
const (
	WorkflowDraft    = "draft"
	WorkflowActive   = "active"
	WorkflowArchived = "archived"

	RunPending         = "PENDING"
	RunRunning         = "RUNNING"
	RunWaitingApproval = "WAITING_APPROVAL"
	RunCompleted       = "COMPLETED"
	RunFailed          = "FAILED"
	RunCancelled       = "CANCELLED"

	ApprovalPending  = "PENDING"
	ApprovalApproved = "APPROVED"
	ApprovalRejected = "REJECTED"
	ApprovalExpired  = "EXPIRED"
)
