package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/dukex/operion-approval/pkg/delegation"
	"github.com/dukex/operion-approval/pkg/metrics"
	"github.com/dukex/operion-approval/pkg/models"
	"github.com/dukex/operion-approval/pkg/nodes/approval"
	"github.com/dukex/operion-approval/pkg/notification"
	"github.com/dukex/operion-approval/pkg/otelhelper"
	"github.com/dukex/operion-approval/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultListLimit is the page size used when a listing does not set one.
	DefaultListLimit = 20
	maxListLimit     = 100
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Approval is the action gateway through which approvers and initiators act on approval tasks.
type Approval struct {
	persistence persistence.Persistence
	coordinator *approval.Coordinator
	tracer      trace.Tracer
	logger      *slog.Logger
}

// NewApproval creates a new approval service. A nil tracer disables tracing.
func NewApproval(p persistence.Persistence, coordinator *approval.Coordinator, tracer trace.Tracer, logger *slog.Logger) *Approval {
	if tracer == nil {
		tracer = otelhelper.NoopTracer()
	}

	return &Approval{
		persistence: p,
		coordinator: coordinator,
		tracer:      tracer,
		logger:      logger.With("module", "approval_service"),
	}
}

// HealthCheck checks the health of the persistence layer.
func (a *Approval) HealthCheck(ctx context.Context) (string, bool) {
	if a.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := a.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// SubmitRequest is one decision on a task.
type SubmitRequest struct {
	Action         models.TaskAction `validate:"required"`
	Comment        string
	Attachments    []string
	ReturnTarget   string
	TransferUserID string
	AddSignUserIDs []string
}

// BatchSubmitRequest applies one approve or reject decision to several tasks.
type BatchSubmitRequest struct {
	TaskIDs []string          `validate:"required,min=1,max=100,dive,required"`
	Action  models.TaskAction `validate:"required,oneof=approve reject"`
	Comment string
}

// BatchItemError reports why one task of a batch was not processed.
type BatchItemError struct {
	TaskID string `json:"taskId"`
	Error  string `json:"error"`
}

type BatchSubmitResult struct {
	Processed int              `json:"processed"`
	Total     int              `json:"total"`
	Errors    []BatchItemError `json:"errors,omitempty"`
}

// ListMineRequest contains options for listing the caller's tasks.
type ListMineRequest struct {
	Status *models.TaskStatus
	Limit  int `validate:"min=0,max=100"`
	Offset int `validate:"min=0"`
}

type Stats struct {
	Pending   int `json:"pending"`
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Initiated int `json:"initiated"`
}

type RecordDetail struct {
	Record  *models.ApprovalRecord  `json:"record"`
	Tasks   []*models.ApprovalTask  `json:"tasks"`
	Summary *models.ApprovalSummary `json:"summary,omitempty"`
}

// actionEffect describes what an action does to the caller's task and whom it hands work to.
type actionEffect struct {
	// status is written to the caller's task; empty keeps the task pending.
	status  models.TaskStatus
	targets func(req SubmitRequest) []string
	// sameOrder places the new tasks at the caller's position instead of after the last task.
	sameOrder bool
}

var actionEffects = map[models.TaskAction]actionEffect{
	models.TaskActionApprove: {status: models.TaskStatusApproved},
	models.TaskActionReject:  {status: models.TaskStatusRejected},
	models.TaskActionReturn:  {status: models.TaskStatusReturned},
	models.TaskActionTransfer: {
		status:    models.TaskStatusReassigned,
		targets:   transferTarget,
		sameOrder: true,
	},
	models.TaskActionDelegate: {
		status:    models.TaskStatusDelegated,
		targets:   transferTarget,
		sameOrder: true,
	},
	models.TaskActionAddSign: {
		targets: func(req SubmitRequest) []string { return req.AddSignUserIDs },
	},
}

func transferTarget(req SubmitRequest) []string {
	return []string{req.TransferUserID}
}

// ListMine returns the caller's tasks, newest first.
func (a *Approval) ListMine(ctx context.Context, caller string, req ListMineRequest) ([]*models.ApprovalTask, error) {
	if caller == "" {
		return nil, ErrEmptyCaller
	}

	err := validate.Struct(req)
	if err != nil {
		return nil, NewValidationError("ListMine", "invalid_request", err.Error(), ErrInvalidRequest)
	}

	if req.Limit == 0 {
		req.Limit = DefaultListLimit
	}

	tasks, err := a.persistence.TaskRepository().ListByApprover(ctx, caller, models.TaskFilter{
		Status: req.Status,
		Limit:  min(req.Limit, maxListLimit),
		Offset: req.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list approval tasks: %w", err)
	}

	return tasks, nil
}

// Submit applies the caller's decision to a pending task and resumes the approval step in the
// same transaction.
func (a *Approval) Submit(ctx context.Context, caller, taskID string, req SubmitRequest) (err error) {
	const op = "Submit"

	ctx, span := otelhelper.StartSpan(ctx, a.tracer, "approval.submit",
		attribute.String(otelhelper.TaskIDKey, taskID),
		attribute.String(otelhelper.ActionKey, string(req.Action)),
		attribute.String(otelhelper.ActorKey, caller),
	)
	defer func() {
		metrics.RecordSubmission(string(req.Action), err)
		otelhelper.End(span, err)
	}()

	if caller == "" {
		return ErrEmptyCaller
	}

	effect, ok := actionEffects[req.Action]
	if !ok {
		return NewValidationError(op, "invalid_action", fmt.Sprintf("unknown action %q", req.Action), ErrInvalidAction)
	}

	var targets []string

	if effect.targets != nil {
		targets = cleanTargets(effect.targets(req), caller)
		if len(targets) == 0 {
			return NewValidationError(op, "missing_target", fmt.Sprintf("%s needs at least one user other than the caller", req.Action), ErrMissingTarget)
		}
	}

	var (
		outcome *approval.Outcome
		job     *models.Job
		record  *models.ApprovalRecord
		created []*models.ApprovalTask
	)

	err = a.persistence.Transaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		outcome, created = nil, nil

		task, err := a.lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}

		record = task.record

		if task.Approver != caller {
			return newError(op, ErrNotTaskOwner)
		}

		if !task.IsPending() {
			return newError(op, ErrTaskNotPending)
		}

		job, err = tx.JobRepository().GetByID(ctx, task.JobID)
		if err != nil {
			return err
		}

		if job.Status.IsSettled() || !record.IsPending() {
			return newError(op, ErrRecordNotPending)
		}

		if !job.Config.Allows(req.Action) {
			return NewValidationError(op, "action_not_allowed", fmt.Sprintf("action %q is not allowed by this approval", req.Action), ErrActionNotAllowed)
		}

		siblings, err := tx.TaskRepository().ListByJob(ctx, job.ID)
		if err != nil {
			return err
		}

		if job.Config.EffectiveMode() == models.ApprovalModeSequential {
			active := models.LowestPendingTask(siblings)
			if active != nil && active.Order != task.Order {
				return newError(op, ErrNotActiveApprover)
			}
		}

		if len(targets) > 0 {
			targets = withoutPendingApprovers(targets, siblings)
			if len(targets) == 0 {
				return NewValidationError(op, "target_already_assigned", "every target already has a pending task in this approval", ErrInvalidRequest)
			}
		}

		if effect.status != "" {
			completed, err := tx.TaskRepository().Complete(ctx, task.ID, models.TaskCompletion{
				Status:       effect.status,
				Comment:      req.Comment,
				Attachments:  req.Attachments,
				ReturnTarget: req.ReturnTarget,
				ProcessedAt:  a.coordinator.Now(),
			})
			if err != nil {
				return err
			}

			if !completed {
				return newError(op, ErrTaskNotPending)
			}
		}

		if len(targets) > 0 {
			created = a.newTasks(job, task.ApprovalTask, siblings, targets, effect.sameOrder)

			err = tx.TaskRepository().CreateBatch(ctx, created)
			if err != nil {
				return err
			}
		}

		outcome, err = a.coordinator.ResumeTx(ctx, tx, job.ID)

		return err
	})
	if err != nil {
		return err
	}

	a.logger.InfoContext(ctx, "Approval task submitted",
		"task_id", taskID,
		"action", req.Action,
		"caller", caller,
		"job_status", outcome.Job.Status,
	)

	a.notifyCreated(ctx, outcome, job, record, created)
	a.coordinator.Publish(ctx, outcome)

	return nil
}

// BatchSubmit applies the same approve or reject decision to each task independently.
func (a *Approval) BatchSubmit(ctx context.Context, caller string, req BatchSubmitRequest) (*BatchSubmitResult, error) {
	if caller == "" {
		return nil, ErrEmptyCaller
	}

	if req.Action != models.TaskActionApprove && req.Action != models.TaskActionReject {
		return nil, NewValidationError("BatchSubmit", "invalid_action", "batch submissions only approve or reject", ErrInvalidAction)
	}

	err := validate.Struct(req)
	if err != nil {
		return nil, NewValidationError("BatchSubmit", "invalid_request", err.Error(), ErrInvalidRequest)
	}

	result := &BatchSubmitResult{Total: len(req.TaskIDs)}

	for _, taskID := range req.TaskIDs {
		err := a.Submit(ctx, caller, taskID, SubmitRequest{Action: req.Action, Comment: req.Comment})
		if err != nil {
			result.Errors = append(result.Errors, BatchItemError{TaskID: taskID, Error: err.Error()})

			continue
		}

		result.Processed++
	}

	return result, nil
}

// Withdraw cancels a pending record on behalf of its initiator. Every pending task becomes
// withdrawn and the step is rejected.
func (a *Approval) Withdraw(ctx context.Context, caller, recordID string) (err error) {
	const op = "Withdraw"

	ctx, span := otelhelper.StartSpan(ctx, a.tracer, "approval.withdraw",
		attribute.String(otelhelper.RecordIDKey, recordID),
		attribute.String(otelhelper.ActorKey, caller),
	)
	defer func() {
		metrics.RecordSubmission("withdraw", err)
		otelhelper.End(span, err)
	}()

	if caller == "" {
		return ErrEmptyCaller
	}

	var outcome *approval.Outcome

	err = a.persistence.Transaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		record, err := tx.RecordRepository().Lock(ctx, recordID)
		if err != nil {
			return err
		}

		if record.Initiator != caller {
			return newError(op, ErrNotInitiator)
		}

		if !record.IsPending() {
			return newError(op, ErrRecordNotPending)
		}

		now := a.coordinator.Now()

		closed, err := tx.TaskRepository().ClosePending(ctx, recordID, models.TaskStatusWithdrawn, now)
		if err != nil {
			return err
		}

		if closed == 0 {
			return newError(op, ErrNoPendingTasks)
		}

		_, err = tx.RecordRepository().Complete(ctx, recordID, models.RecordStatusWithdrawn, now)
		if err != nil {
			return err
		}

		outcome, err = a.coordinator.Settle(ctx, tx, record.JobID, models.JobStatusRejected, approval.ReasonWithdrawn)

		return err
	})
	if err != nil {
		return err
	}

	a.logger.InfoContext(ctx, "Approval record withdrawn", "record_id", recordID, "caller", caller)
	a.coordinator.Publish(ctx, outcome)

	return nil
}

// Urge bumps the urge counter of a pending task and nudges its approver.
func (a *Approval) Urge(ctx context.Context, caller, taskID string) (err error) {
	const op = "Urge"

	ctx, span := otelhelper.StartSpan(ctx, a.tracer, "approval.urge",
		attribute.String(otelhelper.TaskIDKey, taskID),
		attribute.String(otelhelper.ActorKey, caller),
	)
	defer func() {
		metrics.RecordSubmission("urge", err)
		otelhelper.End(span, err)
	}()

	if caller == "" {
		return ErrEmptyCaller
	}

	urged, err := a.persistence.TaskRepository().MarkUrged(ctx, taskID, a.coordinator.Now())
	if err != nil {
		return err
	}

	if !urged {
		return newError(op, ErrTaskNotPending)
	}

	task, err := a.persistence.TaskRepository().GetByID(ctx, taskID)
	if err != nil {
		return err
	}

	job, err := a.persistence.JobRepository().GetByID(ctx, task.JobID)
	if err != nil {
		return err
	}

	record, err := a.persistence.RecordRepository().GetByID(ctx, task.RecordID)
	if err != nil {
		return err
	}

	a.coordinator.Notify(ctx, notification.KindUrge, job, record, task)

	return nil
}

// Stats counts the caller's tasks by outcome and the records the caller initiated.
func (a *Approval) Stats(ctx context.Context, caller string) (*Stats, error) {
	if caller == "" {
		return nil, ErrEmptyCaller
	}

	counts, err := a.persistence.TaskRepository().CountByApprover(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("failed to count approval tasks: %w", err)
	}

	initiated, err := a.persistence.RecordRepository().CountByInitiator(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("failed to count approval records: %w", err)
	}

	return &Stats{
		Pending:   counts.Pending,
		Approved:  counts.Approved,
		Rejected:  counts.Rejected,
		Initiated: initiated,
	}, nil
}

// GetRecord returns a record with its tasks to its initiator or one of its approvers.
func (a *Approval) GetRecord(ctx context.Context, caller, recordID string) (*RecordDetail, error) {
	if caller == "" {
		return nil, ErrEmptyCaller
	}

	record, err := a.persistence.RecordRepository().GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}

	tasks, err := a.persistence.TaskRepository().ListByJob(ctx, record.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval tasks: %w", err)
	}

	participant := record.Initiator == caller || slices.ContainsFunc(tasks, func(task *models.ApprovalTask) bool {
		return task.Approver == caller
	})
	if !participant {
		return nil, newError("GetRecord", ErrNotParticipant)
	}

	detail := &RecordDetail{Record: record, Tasks: tasks}

	job, err := a.persistence.JobRepository().GetByID(ctx, record.JobID)
	if err == nil {
		detail.Summary = job.Summary
	} else if !persistence.IsJobNotFound(err) {
		return nil, err
	}

	return detail, nil
}

// ListDelegations returns the delegation rules the caller set up as delegator.
func (a *Approval) ListDelegations(ctx context.Context, caller string) ([]*models.DelegationRule, error) {
	if caller == "" {
		return nil, ErrEmptyCaller
	}

	rules, err := a.persistence.DelegationRepository().ListByDelegator(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("failed to list delegation rules: %w", err)
	}

	return rules, nil
}

type lockedTask struct {
	*models.ApprovalTask
	record *models.ApprovalRecord
}

// lockTask locks the task's record and re-reads the task under that lock.
func (a *Approval) lockTask(ctx context.Context, tx persistence.Repositories, taskID string) (*lockedTask, error) {
	task, err := tx.TaskRepository().GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}

	record, err := tx.RecordRepository().Lock(ctx, task.RecordID)
	if err != nil {
		return nil, err
	}

	task, err = tx.TaskRepository().GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}

	return &lockedTask{ApprovalTask: task, record: record}, nil
}

func (a *Approval) newTasks(
	job *models.Job,
	from *models.ApprovalTask,
	siblings []*models.ApprovalTask,
	targets []string,
	sameOrder bool,
) []*models.ApprovalTask {
	deadline := job.Config.DeadlineFrom(a.coordinator.Now())
	next := models.MaxOrder(siblings) + 1

	// A sequential task waiting for its turn gets its deadline on activation. A replacement for
	// the active task inherits the running clock only if the task it replaces had one.
	if job.Config.EffectiveMode() == models.ApprovalModeSequential && (!sameOrder || from.Deadline == nil) {
		deadline = nil
	}

	tasks := make([]*models.ApprovalTask, 0, len(targets))

	for i, target := range targets {
		order := next + i
		if sameOrder {
			order = from.Order
		}

		tasks = append(tasks, a.coordinator.NewTask(job, target, order, deadline))
	}

	return tasks
}

// notifyCreated tells the new approvers about their tasks. In sequential mode only tasks that
// hold the active position are announced; the others are announced when they activate.
func (a *Approval) notifyCreated(
	ctx context.Context,
	outcome *approval.Outcome,
	job *models.Job,
	record *models.ApprovalRecord,
	created []*models.ApprovalTask,
) {
	if len(created) == 0 || outcome.Job.Status.IsSettled() {
		return
	}

	announce := created

	if job.Config.EffectiveMode() == models.ApprovalModeSequential {
		activeID := ""
		if outcome.Job.Summary != nil {
			activeID = outcome.Job.Summary.ActiveTaskID
		}

		idx := slices.IndexFunc(created, func(task *models.ApprovalTask) bool { return task.ID == activeID })
		if idx < 0 {
			return
		}

		announce = slices.DeleteFunc(slices.Clone(created), func(task *models.ApprovalTask) bool {
			return task.Order != created[idx].Order
		})

		if outcome.Activated != nil && slices.ContainsFunc(announce, func(task *models.ApprovalTask) bool {
			return task.ID == outcome.Activated.ID
		}) {
			outcome.Activated = nil
		}
	}

	a.coordinator.Notify(ctx, notification.KindTaskAssigned, job, record, announce...)
}

// cleanTargets trims, deduplicates and drops the caller from a target list.
func cleanTargets(targets []string, caller string) []string {
	cleaned := make([]string, 0, len(targets))

	for _, target := range targets {
		target = strings.TrimSpace(target)
		if target == "" || target == caller {
			continue
		}

		cleaned = append(cleaned, target)
	}

	return delegation.Dedupe(cleaned)
}

func withoutPendingApprovers(targets []string, tasks []*models.ApprovalTask) []string {
	return slices.DeleteFunc(slices.Clone(targets), func(target string) bool {
		return slices.ContainsFunc(tasks, func(task *models.ApprovalTask) bool {
			return task.IsPending() && task.Approver == target
		})
	})
}
