// Package models defines the approval records, tasks and node configuration used by the approval engine.
package models

import (
	"slices"
	"time"
)

// ApprovalMode is the resolution strategy of an approval node.
type ApprovalMode string

const (
	ApprovalModeSequential  ApprovalMode = "sequential"
	ApprovalModeCountersign ApprovalMode = "countersign" // all must agree
	ApprovalModeOrSign      ApprovalMode = "or_sign"     // any one suffices
	ApprovalModeVote        ApprovalMode = "vote"        // percentage vote
)

// IsKnown reports whether the mode is one of the supported strategies.
func (m ApprovalMode) IsKnown() bool {
	switch m {
	case ApprovalModeSequential, ApprovalModeCountersign, ApprovalModeOrSign, ApprovalModeVote:
		return true
	default:
		return false
	}
}

// RecordStatus is the status of an ApprovalRecord.
type RecordStatus string

const (
	RecordStatusPending   RecordStatus = "pending"
	RecordStatusApproved  RecordStatus = "approved"
	RecordStatusRejected  RecordStatus = "rejected"
	RecordStatusWithdrawn RecordStatus = "withdrawn"
)

// TaskStatus is the status of an ApprovalTask.
type TaskStatus string

const (
	TaskStatusPending      TaskStatus = "pending"
	TaskStatusApproved     TaskStatus = "approved"
	TaskStatusRejected     TaskStatus = "rejected"
	TaskStatusReturned     TaskStatus = "returned"
	TaskStatusDelegated    TaskStatus = "delegated"
	TaskStatusReassigned   TaskStatus = "reassigned"
	TaskStatusWithdrawn    TaskStatus = "withdrawn"
	TaskStatusAutoApproved TaskStatus = "auto_approved"
	TaskStatusSkipped      TaskStatus = "skipped"
)

// IsKnown reports whether s is one of the declared task statuses.
func (s TaskStatus) IsKnown() bool {
	switch s {
	case TaskStatusPending, TaskStatusApproved, TaskStatusRejected, TaskStatusReturned,
		TaskStatusDelegated, TaskStatusReassigned, TaskStatusWithdrawn,
		TaskStatusAutoApproved, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the task has been processed.
func (s TaskStatus) IsTerminal() bool {
	return s != TaskStatusPending
}

// IsPositive reports whether the status counts as an approval.
func (s TaskStatus) IsPositive() bool {
	return s == TaskStatusApproved || s == TaskStatusAutoApproved || s == TaskStatusSkipped
}

// IsNegative reports whether the status vetoes the approval.
func (s TaskStatus) IsNegative() bool {
	return s == TaskStatusRejected || s == TaskStatusReturned
}

// TaskAction is an action an approver can take on a pending task.
type TaskAction string

const (
	TaskActionApprove  TaskAction = "approve"
	TaskActionReject   TaskAction = "reject"
	TaskActionReturn   TaskAction = "return"
	TaskActionTransfer TaskAction = "transfer"
	TaskActionDelegate TaskAction = "delegate"
	TaskActionAddSign  TaskAction = "add_sign"
)

// AllTaskActions lists every action in the order they are presented to approvers.
var AllTaskActions = []TaskAction{
	TaskActionApprove,
	TaskActionReject,
	TaskActionReturn,
	TaskActionTransfer,
	TaskActionDelegate,
	TaskActionAddSign,
}

// IsKnown reports whether the action is supported.
func (a TaskAction) IsKnown() bool {
	return slices.Contains(AllTaskActions, a)
}

// ApprovalRecord represents one approval step instance inside one workflow execution.
type ApprovalRecord struct {
	ID          string       `json:"id"`
	WorkflowID  string       `json:"workflow_id"`
	ExecutionID string       `json:"execution_id"`
	NodeID      string       `json:"node_id"`
	JobID       string       `json:"job_id"`
	Initiator   string       `json:"initiator"`
	Title       string       `json:"title"`
	Status      RecordStatus `json:"status"`
	SubmittedAt time.Time    `json:"submitted_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// IsPending reports whether the record still awaits a verdict.
func (r *ApprovalRecord) IsPending() bool {
	return r.Status == RecordStatusPending
}

// ApprovalTask is one approver's unit of work within a record.
type ApprovalTask struct {
	ID             string       `json:"id"`
	RecordID       string       `json:"record_id"`
	JobID          string       `json:"job_id"`
	Approver       string       `json:"approver"`
	Order          int          `json:"order"`
	Status         TaskStatus   `json:"status"`
	ApprovalMode   ApprovalMode `json:"approval_mode"`
	Comment        string       `json:"comment,omitempty"`
	Attachments    []string     `json:"attachments,omitempty"`
	ReturnTarget   string       `json:"return_target,omitempty"`
	Deadline       *time.Time   `json:"deadline,omitempty"`
	UrgeCount      int          `json:"urge_count"`
	LastUrgedAt    *time.Time   `json:"last_urged_at,omitempty"`
	LastRemindedAt *time.Time   `json:"last_reminded_at,omitempty"`
	// NextSweepAt is when the timeout sweep should look at the task again.
	// Nil once nothing is left for the sweep to do.
	NextSweepAt *time.Time `json:"next_sweep_at,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IsPending reports whether the task is still awaiting a decision.
func (t *ApprovalTask) IsPending() bool {
	return t.Status == TaskStatusPending
}

// IsOverdue reports whether the task deadline passed before now.
func (t *ApprovalTask) IsOverdue(now time.Time) bool {
	return t.IsPending() && t.Deadline != nil && t.Deadline.Before(now)
}

// TaskCompletion carries the terminal write applied to a pending task.
type TaskCompletion struct {
	Status       TaskStatus
	Comment      string
	Attachments  []string
	ReturnTarget string
	ProcessedAt  time.Time
}

// TaskFilter narrows the tasks returned when listing an approver's inbox.
type TaskFilter struct {
	Status *TaskStatus
	Limit  int
	Offset int
}

// TaskCounts aggregates an approver's tasks by outcome.
type TaskCounts struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
}

// LowestPendingTask returns the pending task with the smallest order, or nil.
func LowestPendingTask(tasks []*ApprovalTask) *ApprovalTask {
	var active *ApprovalTask

	for _, task := range tasks {
		if !task.IsPending() {
			continue
		}

		if active == nil || task.Order < active.Order {
			active = task
		}
	}

	return active
}

// MaxOrder returns the highest order among the tasks, or -1 when there are none.
func MaxOrder(tasks []*ApprovalTask) int {
	highest := -1

	for _, task := range tasks {
		if task.Order > highest {
			highest = task.Order
		}
	}

	return highest
}
