package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// DefaultVoteThreshold is the vote percentage used when the node config does not set one.
const DefaultVoteThreshold = 50

// TimeoutAction is the policy applied to an overdue task.
type TimeoutAction string

const (
	TimeoutActionAutoApprove TimeoutAction = "auto_approve"
	TimeoutActionAutoReject  TimeoutAction = "auto_reject"
	TimeoutActionRemind      TimeoutAction = "remind"
	TimeoutActionEscalate    TimeoutAction = "escalate"
)

// Duration is a time.Duration encoded as a Go duration string ("36h", "15m").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch value := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}

		*d = Duration(parsed)
	case float64:
		// bare numbers are seconds
		*d = Duration(time.Duration(value * float64(time.Second)))
	case nil:
		*d = 0
	default:
		return errors.New("duration must be a string or a number of seconds")
	}

	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// TimeoutConfig describes what happens when an approver does not act in time.
type TimeoutConfig struct {
	Enabled           bool          `json:"enabled"`
	Duration          Duration      `json:"duration"`
	Action            TimeoutAction `json:"action"                       validate:"omitempty,oneof=auto_approve auto_reject remind escalate"`
	EscalationTargets []string      `json:"escalation_targets,omitempty" validate:"omitempty,dive,required"`
	// RemindInterval is the minimum gap between two reminders for the same task; zero reminds once.
	RemindInterval Duration `json:"remind_interval,omitempty"`
}

// Check verifies the fields that only matter when the timeout is enabled.
func (t TimeoutConfig) Check() error {
	if !t.Enabled {
		return nil
	}

	if t.Duration <= 0 {
		return errors.New("timeout duration must be positive when timeout is enabled")
	}

	if t.Action == "" {
		return errors.New("timeout action is required when timeout is enabled")
	}

	return nil
}

// NodeConfig is the immutable snapshot of an approval node configuration taken when the step is entered.
type NodeConfig struct {
	Mode                ApprovalMode  `json:"mode"`
	VoteThreshold       int           `json:"vote_threshold,omitempty"       validate:"omitempty,min=1,max=100"`
	Approvers           []string      `json:"approvers"                      validate:"dive,required"`
	AllowedActions      []TaskAction  `json:"allowed_actions,omitempty"`
	SkipSelfApproval    bool          `json:"skip_self_approval"`
	Title               string        `json:"title,omitempty"`
	Timeout             TimeoutConfig `json:"timeout"`
	NotificationChannel string        `json:"notification_channel,omitempty"`
}

// EffectiveMode returns the configured mode, falling back to sequential for unknown values.
func (c *NodeConfig) EffectiveMode() ApprovalMode {
	if c.Mode.IsKnown() {
		return c.Mode
	}

	return ApprovalModeSequential
}

// VotePercentage returns the vote threshold percentage, defaulting to DefaultVoteThreshold.
func (c *NodeConfig) VotePercentage() int {
	if c.VoteThreshold <= 0 {
		return DefaultVoteThreshold
	}

	return c.VoteThreshold
}

// Allows reports whether the node permits the action. An empty list permits every action.
func (c *NodeConfig) Allows(action TaskAction) bool {
	if len(c.AllowedActions) == 0 {
		return true
	}

	return slices.Contains(c.AllowedActions, action)
}

// DeadlineFrom returns the task deadline for tasks created at now, or nil when timeouts are off.
func (c *NodeConfig) DeadlineFrom(now time.Time) *time.Time {
	if !c.Timeout.Enabled || c.Timeout.Duration <= 0 {
		return nil
	}

	deadline := now.Add(c.Timeout.Duration.Std())

	return &deadline
}
