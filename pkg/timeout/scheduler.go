// Package timeout sweeps overdue approval tasks and applies the timeout policy of their node.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dukex/operion-approval/pkg/delegation"
	"github.com/dukex/operion-approval/pkg/lock"
	"github.com/dukex/operion-approval/pkg/metrics"
	"github.com/dukex/operion-approval/pkg/models"
	"github.com/dukex/operion-approval/pkg/nodes/approval"
	"github.com/dukex/operion-approval/pkg/notification"
	"github.com/dukex/operion-approval/pkg/otelhelper"
	"github.com/dukex/operion-approval/pkg/persistence"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultInterval  = 60 * time.Second
	DefaultBatchSize = 500

	// LockKey names the lock that keeps one scheduler instance sweeping per tick.
	LockKey = "approval:timeout-sweep"

	AutoApproveComment = "Automatically approved: the approval deadline passed"
	AutoRejectComment  = "Automatically rejected: the approval deadline passed"
	EscalatedComment   = "Escalated: the approval deadline passed"
)

var ErrAlreadyStarted = errors.New("timeout scheduler already started")

// Result counts what one sweep did.
type Result struct {
	Scanned      int
	AutoApproved int
	AutoRejected int
	Reminded     int
	Escalated    int
	Skipped      int
	Failed       int
}

func (r *Result) add(action models.TimeoutAction) {
	switch action {
	case models.TimeoutActionAutoApprove:
		r.AutoApproved++
	case models.TimeoutActionAutoReject:
		r.AutoRejected++
	case models.TimeoutActionRemind:
		r.Reminded++
	case models.TimeoutActionEscalate:
		r.Escalated++
	default:
		r.Skipped++
	}
}

// Scheduler runs the timeout sweep on a fixed cadence.
type Scheduler struct {
	persistence persistence.Persistence
	coordinator *approval.Coordinator
	locker      lock.Locker
	tracer      trace.Tracer
	logger      *slog.Logger
	interval    time.Duration
	batchSize   int
	now         func() time.Time

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Scheduler)

func WithInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithLocker replaces the in-process lock, typically with a Redis lock shared by every instance.
func WithLocker(locker lock.Locker) Option {
	return func(s *Scheduler) {
		s.locker = locker
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

func WithBatchSize(size int) Option {
	return func(s *Scheduler) {
		s.batchSize = size
	}
}

func NewScheduler(p persistence.Persistence, coordinator *approval.Coordinator, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		persistence: p,
		coordinator: coordinator,
		locker:      lock.NewLocalLocker(),
		tracer:      otelhelper.NoopTracer(),
		logger:      logger.With("module", "timeout_scheduler"),
		interval:    DefaultInterval,
		batchSize:   DefaultBatchSize,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start schedules the sweep every interval until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return ErrAlreadyStarted
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := s.cron.AddFunc("@every "+s.interval.String(), s.tick)
	if err != nil {
		s.cron = nil
		s.cancel()

		return fmt.Errorf("failed to schedule timeout sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Timeout scheduler started", "interval", s.interval)

	return nil
}

// Stop cancels the running sweep and waits for it to return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}

	cancel()

	select {
	case <-c.Stop().Done():
		s.logger.Info("Timeout scheduler stopped")

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	result, err := s.Sweep(ctx, s.now())
	if err != nil {
		s.logger.ErrorContext(ctx, "Timeout sweep failed", "error", err)

		return
	}

	if result.Scanned > 0 {
		s.logger.InfoContext(ctx, "Timeout sweep finished",
			"scanned", result.Scanned,
			"auto_approved", result.AutoApproved,
			"auto_rejected", result.AutoRejected,
			"reminded", result.Reminded,
			"escalated", result.Escalated,
			"skipped", result.Skipped,
			"failed", result.Failed,
		)
	}
}

// Sweep applies the timeout policy to every task whose next sweep is due before now. Each task
// is handled in its own transaction so one failure does not stop the others. A task the policy
// leaves pending is rescheduled, so it does not hold a batch slot until it is due again.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (result Result, err error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "approval.timeout.sweep")
	defer func() { otelhelper.End(span, err) }()

	started := time.Now()
	defer func() { metrics.ObserveSweep(time.Since(started).Seconds()) }()

	release, acquired, err := s.locker.TryLock(ctx, LockKey, s.interval)
	if err != nil {
		return result, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}

	if !acquired {
		s.logger.DebugContext(ctx, "Timeout sweep held by another instance")

		return result, nil
	}

	defer func() {
		releaseErr := release(context.WithoutCancel(ctx))
		if releaseErr != nil {
			s.logger.WarnContext(ctx, "Failed to release sweep lock", "error", releaseErr)
		}
	}()

	tasks, err := s.persistence.TaskRepository().ListOverdue(ctx, now.UTC(), s.batchSize)
	if err != nil {
		return result, err
	}

	result.Scanned = len(tasks)

	for _, task := range tasks {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		action, err := s.handle(ctx, task, now.UTC())
		if err != nil {
			result.Failed++

			s.logger.ErrorContext(ctx, "Failed to apply timeout policy",
				"task_id", task.ID,
				"job_id", task.JobID,
				"error", err,
			)

			continue
		}

		result.add(action)

		if action != "" {
			metrics.RecordTimeoutAction(string(action))
		}
	}

	span.SetAttributes(attribute.Int("operion.approval.timeout.scanned", result.Scanned))

	return result, nil
}

type effect struct {
	kind   notification.Kind
	job    *models.Job
	record *models.ApprovalRecord
	tasks  []*models.ApprovalTask
}

// handle applies the policy to one task and reports the action it took, or "" when nothing
// was due.
func (s *Scheduler) handle(ctx context.Context, overdue *models.ApprovalTask, now time.Time) (models.TimeoutAction, error) {
	var (
		applied models.TimeoutAction
		outcome *approval.Outcome
		notify  *effect
	)

	err := s.persistence.Transaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		applied, outcome, notify = "", nil, nil

		record, err := tx.RecordRepository().Lock(ctx, overdue.RecordID)
		if err != nil {
			return err
		}

		job, err := tx.JobRepository().GetByID(ctx, overdue.JobID)
		if err != nil {
			return err
		}

		task, err := tx.TaskRepository().GetByID(ctx, overdue.ID)
		if err != nil {
			return err
		}

		if !task.IsPending() {
			return nil
		}

		if job.Status.IsSettled() || !record.IsPending() {
			return tx.TaskRepository().Reschedule(ctx, task.ID, nil)
		}

		if !task.IsOverdue(now) {
			return tx.TaskRepository().Reschedule(ctx, task.ID, task.Deadline)
		}

		policy := job.Config.Timeout
		action := policy.Action

		if action == models.TimeoutActionEscalate {
			targets, err := s.escalationTargets(ctx, tx, job, task, policy)
			if err != nil {
				return err
			}

			if len(targets) > 0 {
				created, err := s.escalate(ctx, tx, job, task, targets, now)
				if err != nil || created == nil {
					return err
				}

				applied = action
				notify = &effect{kind: notification.KindEscalated, job: job, record: record, tasks: created}
				outcome, err = s.coordinator.ResumeTx(ctx, tx, job.ID)
				if err != nil {
					return err
				}

				// the escalation notice already tells the new approver
				if outcome.Activated != nil && slices.ContainsFunc(created, func(t *models.ApprovalTask) bool {
					return t.ID == outcome.Activated.ID
				}) {
					outcome.Activated = nil
				}

				return nil
			}

			// nobody to escalate to: keep nagging the current approver
			action = models.TimeoutActionRemind
		}

		switch action {
		case models.TimeoutActionAutoApprove, models.TimeoutActionAutoReject:
			status, comment := models.TaskStatusAutoApproved, AutoApproveComment
			if action == models.TimeoutActionAutoReject {
				status, comment = models.TaskStatusRejected, AutoRejectComment
			}

			ok, err := tx.TaskRepository().Complete(ctx, task.ID, models.TaskCompletion{
				Status:      status,
				Comment:     comment,
				ProcessedAt: now,
			})
			if err != nil || !ok {
				return err
			}

			applied = action
			outcome, err = s.coordinator.ResumeTx(ctx, tx, job.ID)

			return err
		case models.TimeoutActionRemind:
			if !dueForReminder(task, policy, now) {
				return tx.TaskRepository().Reschedule(ctx, task.ID, nextReminder(policy, *task.LastRemindedAt))
			}

			err := tx.TaskRepository().MarkReminded(ctx, task.ID, now, nextReminder(policy, now))
			if err != nil {
				return err
			}

			applied = models.TimeoutActionRemind
			notify = &effect{kind: notification.KindReminder, job: job, record: record, tasks: []*models.ApprovalTask{task}}

			return nil
		default:
			s.logger.WarnContext(ctx, "Unknown timeout action", "action", action, "job_id", job.ID)

			return tx.TaskRepository().Reschedule(ctx, task.ID, nil)
		}
	})
	if err != nil {
		return "", err
	}

	if notify != nil {
		s.coordinator.Notify(ctx, notify.kind, notify.job, notify.record, notify.tasks...)
	}

	s.coordinator.Publish(ctx, outcome)

	return applied, nil
}

// escalationTargets returns the configured targets that do not already hold a pending task of
// the job.
func (s *Scheduler) escalationTargets(
	ctx context.Context,
	tx persistence.Repositories,
	job *models.Job,
	task *models.ApprovalTask,
	policy models.TimeoutConfig,
) ([]string, error) {
	if len(policy.EscalationTargets) == 0 {
		return nil, nil
	}

	tasks, err := tx.TaskRepository().ListByJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	busy := []string{task.Approver}

	for _, other := range tasks {
		if other.IsPending() {
			busy = append(busy, other.Approver)
		}
	}

	targets := delegation.Dedupe(policy.EscalationTargets)

	return slices.DeleteFunc(targets, func(target string) bool {
		return slices.Contains(busy, target)
	}), nil
}

// escalate reassigns the overdue task and hands its position to the targets. The new tasks
// keep the original order and carry no deadline.
func (s *Scheduler) escalate(
	ctx context.Context,
	tx persistence.Repositories,
	job *models.Job,
	task *models.ApprovalTask,
	targets []string,
	now time.Time,
) ([]*models.ApprovalTask, error) {
	ok, err := tx.TaskRepository().Complete(ctx, task.ID, models.TaskCompletion{
		Status:      models.TaskStatusReassigned,
		Comment:     EscalatedComment,
		ProcessedAt: now,
	})
	if err != nil || !ok {
		return nil, err
	}

	created := make([]*models.ApprovalTask, 0, len(targets))
	for _, target := range targets {
		created = append(created, s.coordinator.NewTask(job, target, task.Order, nil))
	}

	err = tx.TaskRepository().CreateBatch(ctx, created)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Escalated overdue approval task",
		"task_id", task.ID,
		"from", task.Approver,
		"to", targets,
	)

	return created, nil
}

// nextReminder returns when the reminder after one sent at from is due, or nil when the policy
// reminds only once.
func nextReminder(policy models.TimeoutConfig, from time.Time) *time.Time {
	if policy.RemindInterval <= 0 {
		return nil
	}

	next := from.Add(policy.RemindInterval.Std())

	return &next
}

// dueForReminder applies the reminder cadence: the first reminder is always due, later ones
// only once remind_interval elapsed. A zero interval reminds once.
func dueForReminder(task *models.ApprovalTask, policy models.TimeoutConfig, now time.Time) bool {
	if task.LastRemindedAt == nil {
		return true
	}

	if policy.RemindInterval <= 0 {
		return false
	}

	return !now.Before(task.LastRemindedAt.Add(policy.RemindInterval.Std()))
}
