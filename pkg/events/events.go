// Package events defines the event types exchanged between the approval engine and its host.
package events

import (
	"time"

	"github.com/dukex/operion-approval/pkg/models"
	"github.com/google/uuid"
)

type EventType string

const Topic = "operion.approval.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Host engine asks the approval node to enter a step.
	ApprovalStepRequestedEvent EventType = "approval.step.requested"
	// Host engine asks for a job of an entered step to be evaluated again.
	ApprovalStepResumeRequestedEvent EventType = "approval.step.resume_requested"

	// Job lifecycle, consumed by the host engine.
	ApprovalJobPendingEvent EventType = "approval.job.pending"
	ApprovalJobSettledEvent EventType = "approval.job.settled"

	// Best-effort notifications for approvers and initiators.
	ApprovalNotificationEvent EventType = "approval.notification"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewBaseEvent stamps a new event of the given type.
func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
	}
}

// ApprovalStepRequested carries everything the approval node needs to enter a step.
type ApprovalStepRequested struct {
	BaseEvent

	ExecutionID      string                  `json:"execution_id"`
	NodeID           string                  `json:"node_id"`
	NodeType         string                  `json:"node_type"`
	Config           map[string]any          `json:"config"`
	ExecutionContext models.ExecutionContext `json:"execution_context"`
	PreviousJob      *models.Job             `json:"previous_job,omitempty"`
}

func (e ApprovalStepRequested) GetType() EventType {
	return ApprovalStepRequestedEvent
}

// ApprovalStepResumeRequested asks the node that created JobID to re-evaluate it. Config is the
// same node configuration the step was requested with.
type ApprovalStepResumeRequested struct {
	BaseEvent

	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id"`
	NodeType    string         `json:"node_type"`
	Config      map[string]any `json:"config"`
	JobID       string         `json:"job_id"`
}

func (e ApprovalStepResumeRequested) GetType() EventType {
	return ApprovalStepResumeRequestedEvent
}

// ApprovalJobUpdated reports a job state to the host engine.
type ApprovalJobUpdated struct {
	BaseEvent

	ExecutionID string                  `json:"execution_id"`
	NodeID      string                  `json:"node_id"`
	JobID       string                  `json:"job_id"`
	RecordID    string                  `json:"record_id,omitempty"`
	Status      models.JobStatus        `json:"status"`
	Reason      string                  `json:"reason,omitempty"`
	Summary     *models.ApprovalSummary `json:"summary,omitempty"`
}

func (e ApprovalJobUpdated) GetType() EventType {
	if e.Status.IsSettled() {
		return ApprovalJobSettledEvent
	}

	return ApprovalJobPendingEvent
}

// NewApprovalJobUpdated builds the event describing the job's current state.
func NewApprovalJobUpdated(job *models.Job) ApprovalJobUpdated {
	event := ApprovalJobUpdated{
		ExecutionID: job.ExecutionID,
		NodeID:      job.NodeID,
		JobID:       job.ID,
		RecordID:    job.RecordID,
		Status:      job.Status,
		Reason:      job.Reason,
		Summary:     job.Summary,
	}
	event.BaseEvent = NewBaseEvent(event.GetType(), job.WorkflowID)

	return event
}

// ApprovalNotification asks the delivery system to inform a person about an approval.
type ApprovalNotification struct {
	BaseEvent

	Kind      string `json:"kind"`
	Recipient string `json:"recipient"`
	Channel   string `json:"channel,omitempty"`
	RecordID  string `json:"record_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	Title     string `json:"title,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (e ApprovalNotification) GetType() EventType {
	return ApprovalNotificationEvent
}
