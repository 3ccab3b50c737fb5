// Package strategy turns the statuses of an approval step's tasks into a verdict.
package strategy

import (
	"github.com/dukex/operion-approval/pkg/models"
)

// Params is the mode-specific configuration a strategy needs.
type Params struct {
	Mode models.ApprovalMode
	// VotePercentage is only read by the vote strategy.
	VotePercentage int
}

// ParamsFromConfig extracts the strategy parameters of a node config snapshot.
func ParamsFromConfig(config *models.NodeConfig) Params {
	return Params{
		Mode:           config.EffectiveMode(),
		VotePercentage: config.VotePercentage(),
	}
}

// Strategy computes a verdict from the live task statuses of one approval step.
type Strategy func(statuses []models.TaskStatus, params Params) models.Verdict

var strategies = map[models.ApprovalMode]Strategy{
	models.ApprovalModeSequential:  sequential,
	models.ApprovalModeCountersign: countersign,
	models.ApprovalModeOrSign:      orSign,
	models.ApprovalModeVote:        vote,
}

// Resolve computes the verdict of a task set. Tasks that were delegated or reassigned are
// superseded by the tasks created for their targets and do not take part in the decision.
func Resolve(tasks []*models.ApprovalTask, params Params) models.Verdict {
	statuses := make([]models.TaskStatus, 0, len(tasks))
	for _, task := range tasks {
		statuses = append(statuses, task.Status)
	}

	return ResolveStatuses(statuses, params)
}

// ResolveStatuses computes the verdict of a list of task statuses.
// Unknown modes are resolved with the sequential strategy.
func ResolveStatuses(statuses []models.TaskStatus, params Params) models.Verdict {
	live := make([]models.TaskStatus, 0, len(statuses))

	for _, status := range statuses {
		if superseded(status) {
			continue
		}

		live = append(live, status)
	}

	if len(live) == 0 {
		return models.VerdictUndetermined
	}

	strategy, ok := strategies[params.Mode]
	if !ok {
		strategy = sequential
	}

	return strategy(live, params)
}

func superseded(status models.TaskStatus) bool {
	return status == models.TaskStatusDelegated || status == models.TaskStatusReassigned
}

// sequential rejects on any negative outcome wherever it sits; ordering only decides who is asked next.
func sequential(statuses []models.TaskStatus, _ Params) models.Verdict {
	allPositive := true

	for _, status := range statuses {
		if status.IsNegative() {
			return models.VerdictRejected
		}

		if !status.IsPositive() {
			allPositive = false
		}
	}

	if allPositive {
		return models.VerdictResolved
	}

	return models.VerdictUndetermined
}

func countersign(statuses []models.TaskStatus, _ Params) models.Verdict {
	allTerminal := true

	for _, status := range statuses {
		if status.IsNegative() {
			return models.VerdictRejected
		}

		if !status.IsTerminal() {
			allTerminal = false
		}
	}

	if allTerminal {
		return models.VerdictResolved
	}

	return models.VerdictUndetermined
}

func orSign(statuses []models.TaskStatus, _ Params) models.Verdict {
	allNegative := true

	for _, status := range statuses {
		if status == models.TaskStatusApproved || status == models.TaskStatusAutoApproved {
			return models.VerdictResolved
		}

		if !status.IsNegative() {
			allNegative = false
		}
	}

	if allNegative {
		return models.VerdictRejected
	}

	return models.VerdictUndetermined
}

// vote compares percentages with integer arithmetic so thresholds such as 60% of 5 are exact.
func vote(statuses []models.TaskStatus, params Params) models.Verdict {
	percentage := params.VotePercentage
	if percentage <= 0 {
		percentage = models.DefaultVoteThreshold
	}

	var approved, pending int

	for _, status := range statuses {
		switch {
		case status.IsPositive():
			approved++
		case status == models.TaskStatusPending:
			pending++
		}
	}

	total := len(statuses)

	if approved*100 >= percentage*total {
		return models.VerdictResolved
	}

	if (approved+pending)*100 < percentage*total {
		return models.VerdictRejected
	}

	return models.VerdictUndetermined
}
