package models

import "time"

// JobStatus is the only information the host engine inspects to continue or halt a branch.
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusResolved JobStatus = "resolved"
	JobStatusRejected JobStatus = "rejected"
)

// IsSettled reports whether the job left the pending state.
func (s JobStatus) IsSettled() bool {
	return s == JobStatusResolved || s == JobStatusRejected
}

// Verdict is the outcome computed from a set of task statuses.
type Verdict string

const (
	VerdictUndetermined Verdict = ""
	VerdictResolved     Verdict = "resolved"
	VerdictRejected     Verdict = "rejected"
)

// Job is the suspension point of one approval step inside a host workflow execution.
type Job struct {
	ID          string     `json:"id"`
	WorkflowID  string     `json:"workflow_id"`
	ExecutionID string     `json:"execution_id"`
	NodeID      string     `json:"node_id"`
	Status      JobStatus  `json:"status"`
	Config      NodeConfig `json:"config"`
	RecordID    string     `json:"record_id,omitempty"`
	// Reason explains a settlement that did not come from the strategy, such as a withdrawal.
	Reason    string           `json:"reason,omitempty"`
	Summary   *ApprovalSummary `json:"summary,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// TaskSummary is the per-task detail attached to a job result.
type TaskSummary struct {
	TaskID      string     `json:"task_id"`
	Approver    string     `json:"approver"`
	Order       int        `json:"order"`
	Status      TaskStatus `json:"status"`
	Comment     string     `json:"comment,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// ApprovalSummary is the progress snapshot of one approval step.
type ApprovalSummary struct {
	Verdict      Verdict       `json:"verdict,omitempty"`
	Total        int           `json:"total"`
	Approved     int           `json:"approved"`
	Rejected     int           `json:"rejected"`
	Pending      int           `json:"pending"`
	ActiveTaskID string        `json:"active_task_id,omitempty"`
	Tasks        []TaskSummary `json:"tasks"`
}

// Summarize builds the progress snapshot of a task set.
func Summarize(tasks []*ApprovalTask, verdict Verdict) *ApprovalSummary {
	summary := &ApprovalSummary{
		Verdict: verdict,
		Total:   len(tasks),
		Tasks:   make([]TaskSummary, 0, len(tasks)),
	}

	for _, task := range tasks {
		switch {
		case task.Status.IsPositive():
			summary.Approved++
		case task.Status.IsNegative():
			summary.Rejected++
		case task.IsPending():
			summary.Pending++
		}

		summary.Tasks = append(summary.Tasks, TaskSummary{
			TaskID:      task.ID,
			Approver:    task.Approver,
			Order:       task.Order,
			Status:      task.Status,
			Comment:     task.Comment,
			ProcessedAt: task.ProcessedAt,
		})
	}

	return summary
}
