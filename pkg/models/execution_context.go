package models

// ExecutionContext is the host engine's view of the execution that reached an approval node.
type ExecutionContext struct {
	ID          string         `json:"id"                     validate:"required"`
	WorkflowID  string         `json:"workflow_id"            validate:"required"`
	Initiator   string         `json:"initiator"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
	StepResults map[string]any `json:"step_results,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
