package schema

// Event type constants for the live status feed.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowStopped   = "workflow_stopped"
	EventWorkflowError     = "workflow_error"

	EventJokeGenerated = "joke_generated"
	EventJokeScored    = "joke_scored"
	EventJokeRejected  = "joke_rejected"
	EventJokeStored    = "joke_stored"

	EventApprovalRequired  = "approval_required"
	EventApprovalExpired   = "approval_expired"
	EventCheckpointPaused  = "checkpoint_paused"
	EventCheckpointResumed = "checkpoint_resumed"

	EventModerationBlocked = "moderation_blocked"
	EventAgentAction       = "agent_action"
)

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusFailed    RunStatus = "failed"
)

// ItemStatus represents the lifecycle state of a candidate item within a run.
type ItemStatus string

const (
	ItemStatusGenerating       ItemStatus = "generating"
	ItemStatusScoring          ItemStatus = "scoring"
	ItemStatusDeciding         ItemStatus = "deciding"
	ItemStatusAwaitingApproval ItemStatus = "awaiting_approval"
	ItemStatusModerating       ItemStatus = "moderating"
	ItemStatusStored           ItemStatus = "stored"
	ItemStatusRejected         ItemStatus = "rejected"
)

// DecisionStatus represents the state of a human-approval decision.
// Transitions out of pending are one-way and happen at most once.
type DecisionStatus string

const (
	DecisionPending  DecisionStatus = "pending"
	DecisionApproved DecisionStatus = "approved"
	DecisionRejected DecisionStatus = "rejected"
)

// Terminal reports whether the decision status is final.
func (s DecisionStatus) Terminal() bool {
	return s == DecisionApproved || s == DecisionRejected
}

// Rejection reasons attached to joke_rejected events.
const (
	ReasonDuplicate  = "duplicate"
	ReasonLowScore   = "malo"
	ReasonModeration = "moderation"
	ReasonHuman      = "human_rejected"
	ReasonExpired    = "expired"
)
