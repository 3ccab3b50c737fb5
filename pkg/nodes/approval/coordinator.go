// Package approval implements the approval node, which suspends an execution branch until its
// approvers reach a verdict.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dukex/operion-approval/pkg/delegation"
	"github.com/dukex/operion-approval/pkg/metrics"
	"github.com/dukex/operion-approval/pkg/models"
	"github.com/dukex/operion-approval/pkg/notification"
	"github.com/dukex/operion-approval/pkg/otelhelper"
	"github.com/dukex/operion-approval/pkg/persistence"
	"github.com/dukex/operion-approval/pkg/protocol"
	"github.com/dukex/operion-approval/pkg/strategy"
	"github.com/dukex/operion-approval/pkg/template"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// ReasonNoApprovers marks a job resolved without tasks because no approver remained.
	ReasonNoApprovers = "no approvers"
	// ReasonWithdrawn marks a job rejected because its initiator withdrew the record.
	ReasonWithdrawn = "withdrawn"
)

var (
	ErrMissingExecutionContext = errors.New("execution context is required")
	// ErrJobMismatch is returned when a resume names a job that belongs to another step.
	ErrJobMismatch = errors.New("job does not belong to the step")
)

var _ protocol.StepHandler = (*Coordinator)(nil)

// Coordinator creates approval records on step entry and settles their jobs as tasks complete.
type Coordinator struct {
	persistence persistence.Persistence
	delegations *delegation.Resolver
	dispatcher  *notification.Dispatcher
	observer    protocol.JobObserver
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(c *Coordinator) {
		c.newID = newID
	}
}

// WithObserver registers the observer told about every committed job change.
func WithObserver(observer protocol.JobObserver) Option {
	return func(c *Coordinator) {
		c.observer = observer
	}
}

// WithTracer sets the tracer for run and resume spans. A nil tracer keeps the no-op default.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

func WithDispatcher(dispatcher *notification.Dispatcher) Option {
	return func(c *Coordinator) {
		c.dispatcher = dispatcher
	}
}

// NewCoordinator creates a coordinator backed by the given persistence.
func NewCoordinator(p persistence.Persistence, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		persistence: p,
		delegations: delegation.NewResolver(p.DelegationRepository(), logger),
		tracer:      otelhelper.NoopTracer(),
		logger:      logger.With("module", "approval_coordinator"),
		now:         time.Now,
		newID:       uuid.NewString,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Outcome is the result of one resume evaluation, handed to Publish after the surrounding
// transaction committed.
type Outcome struct {
	Job    *models.Job
	Record *models.ApprovalRecord
	// Settled is true when this evaluation moved the job out of pending.
	Settled bool
	// Activated is the sequential task that just became the active one.
	Activated *models.ApprovalTask
}

// Now returns the coordinator clock in UTC.
func (c *Coordinator) Now() time.Time {
	return c.now().UTC()
}

// NewID returns a fresh identifier.
func (c *Coordinator) NewID() string {
	return c.newID()
}

// Run enters an approval step. It creates the job, the record and one task per effective
// approver in one transaction, then notifies the approvers. A step owns one job per execution:
// entering it again returns the stored job unchanged. The result of the node that ran before
// this one is not read.
func (c *Coordinator) Run(
	ctx context.Context,
	nodeID string,
	config models.NodeConfig,
	_ *models.Job,
	executionCtx *models.ExecutionContext,
) (job *models.Job, err error) {
	ctx, span := otelhelper.StartSpan(ctx, c.tracer, "approval.run",
		attribute.String(otelhelper.NodeIDKey, nodeID),
		attribute.String(otelhelper.ModeKey, string(config.EffectiveMode())),
	)
	defer func() { otelhelper.End(span, err) }()

	if executionCtx == nil {
		return nil, ErrMissingExecutionContext
	}

	err = validate.Struct(executionCtx)
	if err != nil {
		return nil, fmt.Errorf("invalid execution context: %w", err)
	}

	err = ValidateNodeConfig(config)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String(otelhelper.WorkflowIDKey, executionCtx.WorkflowID),
		attribute.String(otelhelper.ExecutionIDKey, executionCtx.ID),
	)

	stored, err := c.persistence.JobRepository().GetByStep(ctx, executionCtx.ID, nodeID)
	if err == nil {
		return c.entered(ctx, stored), nil
	}

	if !persistence.IsJobNotFound(err) {
		return nil, err
	}

	now := c.Now()

	approvers, err := c.resolveApprovers(ctx, config, executionCtx, now)
	if err != nil {
		return nil, err
	}

	title, err := template.RenderTitle(config.Title, executionCtx)
	if err != nil {
		return nil, err
	}

	mode := config.EffectiveMode()

	job = &models.Job{
		ID:          c.newID(),
		WorkflowID:  executionCtx.WorkflowID,
		ExecutionID: executionCtx.ID,
		NodeID:      nodeID,
		Status:      models.JobStatusPending,
		Config:      config,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	span.SetAttributes(attribute.String(otelhelper.JobIDKey, job.ID))

	if len(approvers) == 0 {
		job.Status = models.JobStatusResolved
		job.Reason = ReasonNoApprovers
		job.Summary = models.Summarize(nil, models.VerdictResolved)

		err = c.persistence.JobRepository().Save(ctx, job)
		if err != nil {
			return c.enteredConcurrently(ctx, executionCtx.ID, nodeID, err)
		}

		metrics.RecordStepStarted(string(mode), true)
		metrics.RecordVerdict(string(mode), string(job.Status))

		c.logger.InfoContext(ctx, "Approval step resolved without approvers", "job_id", job.ID, "node_id", nodeID)
		c.observe(ctx, job)

		return job, nil
	}

	record := &models.ApprovalRecord{
		ID:          c.newID(),
		WorkflowID:  executionCtx.WorkflowID,
		ExecutionID: executionCtx.ID,
		NodeID:      nodeID,
		JobID:       job.ID,
		Initiator:   executionCtx.Initiator,
		Title:       title,
		Status:      models.RecordStatusPending,
		SubmittedAt: now,
	}

	job.RecordID = record.ID

	tasks := make([]*models.ApprovalTask, 0, len(approvers))

	for i, approver := range approvers {
		order := 0
		deadline := config.DeadlineFrom(now)

		// Sequential tasks start their deadline when they become the active one.
		if mode == models.ApprovalModeSequential {
			order = i

			if i > 0 {
				deadline = nil
			}
		}

		tasks = append(tasks, c.NewTask(job, approver, order, deadline))
	}

	job.Summary = models.Summarize(tasks, models.VerdictUndetermined)
	if mode == models.ApprovalModeSequential {
		job.Summary.ActiveTaskID = tasks[0].ID
	}

	err = c.persistence.Transaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		err := tx.JobRepository().Save(ctx, job)
		if err != nil {
			return err
		}

		err = tx.RecordRepository().Create(ctx, record)
		if err != nil {
			return err
		}

		return tx.TaskRepository().CreateBatch(ctx, tasks)
	})
	if err != nil {
		if errors.Is(err, persistence.ErrAlreadyExists) {
			return c.enteredConcurrently(ctx, executionCtx.ID, nodeID, err)
		}

		return nil, fmt.Errorf("failed to create approval record: %w", err)
	}

	metrics.RecordStepStarted(string(mode), false)

	c.logger.InfoContext(ctx, "Approval step entered",
		"job_id", job.ID,
		"record_id", record.ID,
		"node_id", nodeID,
		"mode", mode,
		"approvers", len(tasks),
	)

	notify := tasks
	if mode == models.ApprovalModeSequential {
		notify = tasks[:1]
	}

	c.Notify(ctx, notification.KindTaskAssigned, job, record, notify...)
	c.observe(ctx, job)

	return job, nil
}

// Resume re-evaluates a job against the stored task set using the configuration snapshot the
// job carries. Only job.ID is required: the stored job is read back, and a non-empty ExecutionID
// or NodeID must match it. Settled jobs are returned unchanged.
func (c *Coordinator) Resume(ctx context.Context, job *models.Job) (result *models.Job, err error) {
	ctx, span := otelhelper.StartSpan(ctx, c.tracer, "approval.resume",
		attribute.String(otelhelper.JobIDKey, job.ID),
	)
	defer func() { otelhelper.End(span, err) }()

	var outcome *Outcome

	err = c.persistence.Transaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		stored, err := tx.JobRepository().GetByID(ctx, job.ID)
		if err != nil {
			return err
		}

		if (job.ExecutionID != "" && job.ExecutionID != stored.ExecutionID) || (job.NodeID != "" && job.NodeID != stored.NodeID) {
			return fmt.Errorf("%w: job %s belongs to %s/%s", ErrJobMismatch, stored.ID, stored.ExecutionID, stored.NodeID)
		}

		if stored.RecordID != "" {
			span.SetAttributes(attribute.String(otelhelper.RecordIDKey, stored.RecordID))

			_, err := tx.RecordRepository().Lock(ctx, stored.RecordID)
			if err != nil {
				return err
			}
		}

		outcome, err = c.ResumeTx(ctx, tx, stored.ID)

		return err
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String(otelhelper.VerdictKey, string(outcome.Job.Status)))

	c.Publish(ctx, outcome)

	return outcome.Job, nil
}

// ResumeTx evaluates a job inside the caller's transaction. The caller must already hold the
// record lock and must call Publish with the outcome once the transaction committed.
func (c *Coordinator) ResumeTx(ctx context.Context, tx persistence.Repositories, jobID string) (*Outcome, error) {
	job, err := tx.JobRepository().GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{Job: job}

	if job.Status.IsSettled() || job.RecordID == "" {
		return outcome, nil
	}

	tasks, err := tx.TaskRepository().ListByJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	params := strategy.ParamsFromConfig(&job.Config)
	verdict := strategy.Resolve(tasks, params)
	now := c.Now()

	previousActive := ""
	if job.Summary != nil {
		previousActive = job.Summary.ActiveTaskID
	}

	summary := models.Summarize(tasks, verdict)

	if verdict == models.VerdictUndetermined && params.Mode == models.ApprovalModeSequential {
		if active := models.LowestPendingTask(tasks); active != nil {
			summary.ActiveTaskID = active.ID

			if active.ID != previousActive {
				outcome.Activated = active
			}

			err := c.startDeadline(ctx, tx, job, tasks, active, previousActive, now)
			if err != nil {
				return nil, err
			}
		}
	}

	if verdict != models.VerdictUndetermined {
		jobStatus, recordStatus := settlement(verdict)

		_, err := tx.RecordRepository().Complete(ctx, job.RecordID, recordStatus, now)
		if err != nil {
			return nil, err
		}

		_, err = tx.TaskRepository().ClosePending(ctx, job.RecordID, models.TaskStatusSkipped, now)
		if err != nil {
			return nil, err
		}

		job.Status = jobStatus
		outcome.Settled = true
	}

	job.Summary = summary
	job.UpdatedAt = now

	err = tx.JobRepository().Update(ctx, job)
	if err != nil {
		return nil, err
	}

	outcome.Record, err = tx.RecordRepository().GetByID(ctx, job.RecordID)
	if err != nil {
		return nil, err
	}

	return outcome, nil
}

// startDeadline starts the timeout of a sequential task once the approval moved to its position.
// Tasks that replace the active one at the same position keep the deadline they were created with.
func (c *Coordinator) startDeadline(
	ctx context.Context,
	tx persistence.Repositories,
	job *models.Job,
	tasks []*models.ApprovalTask,
	active *models.ApprovalTask,
	previousActive string,
	now time.Time,
) error {
	if active.Deadline != nil {
		return nil
	}

	for _, task := range tasks {
		if task.ID == previousActive && task.Order == active.Order {
			return nil
		}
	}

	deadline := job.Config.DeadlineFrom(now)
	if deadline == nil {
		return nil
	}

	started, err := tx.TaskRepository().StartDeadline(ctx, active.ID, *deadline)
	if err != nil {
		return err
	}

	if started {
		active.Deadline = deadline
		active.NextSweepAt = deadline
	}

	return nil
}

// Settle ends a pending job with a fixed status and reason inside the caller's transaction.
func (c *Coordinator) Settle(ctx context.Context, tx persistence.Repositories, jobID string, status models.JobStatus, reason string) (*Outcome, error) {
	job, err := tx.JobRepository().GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{Job: job}

	if job.Status.IsSettled() {
		return outcome, nil
	}

	tasks, err := tx.TaskRepository().ListByJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	verdict := models.VerdictRejected
	if status == models.JobStatusResolved {
		verdict = models.VerdictResolved
	}

	job.Status = status
	job.Reason = reason
	job.Summary = models.Summarize(tasks, verdict)
	job.UpdatedAt = c.Now()

	err = tx.JobRepository().Update(ctx, job)
	if err != nil {
		return nil, err
	}

	outcome.Settled = true

	if job.RecordID != "" {
		outcome.Record, err = tx.RecordRepository().GetByID(ctx, job.RecordID)
		if err != nil {
			return nil, err
		}
	}

	return outcome, nil
}

// Publish runs the effects of a committed outcome: activation and completion notifications,
// verdict metrics and the job observer.
func (c *Coordinator) Publish(ctx context.Context, outcome *Outcome) {
	if outcome == nil || outcome.Job == nil {
		return
	}

	job := outcome.Job

	if outcome.Activated != nil {
		c.Notify(ctx, notification.KindTaskActivated, job, outcome.Record, outcome.Activated)
	}

	if outcome.Settled {
		metrics.RecordVerdict(string(job.Config.EffectiveMode()), string(job.Status))

		c.logger.InfoContext(ctx, "Approval step settled",
			"job_id", job.ID,
			"record_id", job.RecordID,
			"status", job.Status,
			"reason", job.Reason,
		)

		if outcome.Record != nil && outcome.Record.Initiator != "" {
			c.dispatcher.Dispatch(ctx, c.message(notification.KindRecordCompleted, outcome.Record.Initiator, job, outcome.Record, ""))
		}
	}

	c.observe(ctx, job)
}

// Notify sends a best-effort notification of the given kind to the approver of each task.
func (c *Coordinator) Notify(ctx context.Context, kind notification.Kind, job *models.Job, record *models.ApprovalRecord, tasks ...*models.ApprovalTask) {
	if len(tasks) == 0 {
		return
	}

	messages := make([]notification.Message, 0, len(tasks))
	for _, task := range tasks {
		messages = append(messages, c.message(kind, task.Approver, job, record, task.ID))
	}

	c.dispatcher.Dispatch(ctx, messages...)
}

// NewTask builds a pending task of the job for an approver.
func (c *Coordinator) NewTask(job *models.Job, approver string, order int, deadline *time.Time) *models.ApprovalTask {
	return &models.ApprovalTask{
		ID:           c.newID(),
		RecordID:     job.RecordID,
		JobID:        job.ID,
		Approver:     approver,
		Order:        order,
		Status:       models.TaskStatusPending,
		ApprovalMode: job.Config.EffectiveMode(),
		Deadline:     deadline,
		NextSweepAt:  deadline,
		CreatedAt:    c.Now(),
	}
}

// entered returns the job a step already created.
func (c *Coordinator) entered(ctx context.Context, job *models.Job) *models.Job {
	c.logger.InfoContext(ctx, "Approval step already entered", "job_id", job.ID, "status", job.Status)
	c.observe(ctx, job)

	return job
}

// enteredConcurrently resolves a create that lost the race against another delivery of the
// same step.
func (c *Coordinator) enteredConcurrently(ctx context.Context, executionID, nodeID string, cause error) (*models.Job, error) {
	if !errors.Is(cause, persistence.ErrAlreadyExists) {
		return nil, cause
	}

	stored, err := c.persistence.JobRepository().GetByStep(ctx, executionID, nodeID)
	if err != nil {
		return nil, errors.Join(cause, err)
	}

	return c.entered(ctx, stored), nil
}

func (c *Coordinator) resolveApprovers(
	ctx context.Context,
	config models.NodeConfig,
	executionCtx *models.ExecutionContext,
	now time.Time,
) ([]string, error) {
	rendered, err := template.RenderApprovers(config.Approvers, executionCtx)
	if err != nil {
		return nil, err
	}

	approvers := delegation.Dedupe(rendered)

	if config.SkipSelfApproval && executionCtx.Initiator != "" {
		approvers = slices.DeleteFunc(approvers, func(approver string) bool {
			return approver == executionCtx.Initiator
		})
	}

	return c.delegations.Resolve(ctx, approvers, executionCtx.WorkflowID, now)
}

func (c *Coordinator) observe(ctx context.Context, job *models.Job) {
	if c.observer == nil {
		return
	}

	c.observer.JobUpdated(context.WithoutCancel(ctx), job)
}

var messageBodies = map[notification.Kind]string{
	notification.KindTaskAssigned:    "You have a new approval task: %s",
	notification.KindTaskActivated:   "It is your turn to review: %s",
	notification.KindReminder:        "Reminder: %s is still waiting for your decision",
	notification.KindUrge:            "%s is waiting on your approval",
	notification.KindEscalated:       "An overdue approval was escalated to you: %s",
	notification.KindRecordCompleted: "%s was %s",
}

func (c *Coordinator) message(kind notification.Kind, recipient string, job *models.Job, record *models.ApprovalRecord, taskID string) notification.Message {
	title := "Approval request"
	recordID := job.RecordID

	if record != nil {
		recordID = record.ID

		if record.Title != "" {
			title = record.Title
		}
	}

	body := fmt.Sprintf(messageBodies[kind], title)
	if kind == notification.KindRecordCompleted {
		status := string(job.Status)
		if record != nil {
			status = string(record.Status)
		}

		body = fmt.Sprintf(messageBodies[kind], title, status)
	}

	return notification.Message{
		Kind:       kind,
		Recipient:  recipient,
		Channel:    job.Config.NotificationChannel,
		WorkflowID: job.WorkflowID,
		RecordID:   recordID,
		TaskID:     taskID,
		JobID:      job.ID,
		Title:      title,
		Body:       body,
	}
}

func settlement(verdict models.Verdict) (models.JobStatus, models.RecordStatus) {
	if verdict == models.VerdictResolved {
		return models.JobStatusResolved, models.RecordStatusApproved
	}

	return models.JobStatusRejected, models.RecordStatusRejected
}
