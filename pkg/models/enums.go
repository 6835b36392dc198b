// Package models contains the persistent domain types and status vocabularies
// shared by the store, workers, and API layers.
package models

// WorkItemStatus is the lifecycle status of a work item.
type WorkItemStatus string

const (
	WorkItemStatusNew    WorkItemStatus = "NEW"
	WorkItemStatusDone   WorkItemStatus = "DONE"
	WorkItemStatusFailed WorkItemStatus = "FAILED"
)

// LaneState is the processing state of a conversation lane.
type LaneState string

const (
	LaneStateQueued  LaneState = "queued"
	LaneStateRunning LaneState = "running"
	LaneStatePaused  LaneState = "paused"
)

// LaneMode controls how messages arriving mid-run are handled.
// In steer mode they are offered to the running dispatch; in coalesce
// mode they wait for the next dispatch on the lane.
type LaneMode string

const (
	LaneModeSteer    LaneMode = "steer"
	LaneModeCoalesce LaneMode = "coalesce"
)

// QueueMessageStatus is the consumption status of a lane message.
type QueueMessageStatus string

const (
	QueueMessagePending   QueueMessageStatus = "pending"
	QueueMessageIncluded  QueueMessageStatus = "included"
	QueueMessageDropped   QueueMessageStatus = "dropped"
	QueueMessageCancelled QueueMessageStatus = "cancelled"
)

// DispatchStatus is the lifecycle status of a run dispatch.
type DispatchStatus string

const (
	DispatchQueued    DispatchStatus = "queued"
	DispatchRunning   DispatchStatus = "running"
	DispatchPaused    DispatchStatus = "paused"
	DispatchCompleted DispatchStatus = "completed"
	DispatchFailed    DispatchStatus = "failed"
	DispatchCancelled DispatchStatus = "cancelled"
	DispatchAbandoned DispatchStatus = "abandoned"
	// DispatchMerged marks a queued dispatch that was folded into a newer one
	// on the same lane before any worker claimed it.
	DispatchMerged DispatchStatus = "merged"
)

// IsTerminal reports whether the status is final and the dispatch row
// will never transition again.
func (s DispatchStatus) IsTerminal() bool {
	switch s {
	case DispatchCompleted, DispatchFailed, DispatchCancelled, DispatchAbandoned, DispatchMerged:
		return true
	}
	return false
}

// IsActive reports whether a worker currently holds the dispatch.
func (s DispatchStatus) IsActive() bool {
	return s == DispatchRunning || s == DispatchPaused
}

// ControlState is the pending operator directive on an active dispatch.
type ControlState string

const (
	ControlNormal          ControlState = "normal"
	ControlPauseRequested  ControlState = "pause_requested"
	ControlResumeRequested ControlState = "resume_requested"
	ControlCancelRequested ControlState = "cancel_requested"
)

// EffectStatus is the delivery status of an outbox effect.
type EffectStatus string

const (
	EffectPending EffectStatus = "pending"
	EffectSending EffectStatus = "sending"
	EffectSent    EffectStatus = "sent"
	EffectFailed  EffectStatus = "failed"
	// EffectUnknown means delivery was attempted but the outcome could not be
	// determined. These rows are never retried automatically; an operator must
	// reconcile them.
	EffectUnknown EffectStatus = "unknown"
)

// EffectKind identifies what an outbox effect delivers.
type EffectKind string

const (
	EffectKindFinalResponse EffectKind = "assistant_final_response"
	EffectKindFailureNotice EffectKind = "failure_notice"
)

// JobStatus mirrors the runner-side execution status of a job.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// TriggerKind is how a routine fires.
type TriggerKind string

const (
	TriggerCron      TriggerKind = "cron"
	TriggerCondition TriggerKind = "condition"
	TriggerOneshot   TriggerKind = "oneshot"
	TriggerEvent     TriggerKind = "event"
)

// RunDecision is the receipt outcome of a single routine evaluation.
type RunDecision string

const (
	DecisionEnqueued RunDecision = "enqueued"
	DecisionSkipped  RunDecision = "skipped"
	DecisionError    RunDecision = "error"
)

// EventStatus is the processing status of a routine event envelope.
type EventStatus string

const (
	EventQueued     EventStatus = "queued"
	EventProcessing EventStatus = "processing"
	EventDone       EventStatus = "done"
	EventFailed     EventStatus = "failed"
)

// PauseMode distinguishes a soft intake gate from a hard stop.
type PauseMode string

const (
	PauseSoft PauseMode = "soft"
	PauseHard PauseMode = "hard"
)

// ActorKind classifies who produced a message or effect.
type ActorKind string

const (
	ActorHuman  ActorKind = "human"
	ActorAgent  ActorKind = "agent"
	ActorSystem ActorKind = "system"
)

// ResponseMode is how a channel wants agent output delivered.
type ResponseMode string

const (
	ResponseStreaming ResponseMode = "streaming"
	ResponseFinal     ResponseMode = "final"
)

// MessageRole is the conversational role of a transcript message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// DirectiveAction is the control verb a running job polls for.
type DirectiveAction string

const (
	DirectiveContinue DirectiveAction = "continue"
	DirectiveSteer    DirectiveAction = "steer"
	DirectivePause    DirectiveAction = "pause"
	DirectiveCancel   DirectiveAction = "cancel"
)
