package memory

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/dukex/operion-approval/pkg/models"
	"github.com/dukex/operion-approval/pkg/persistence"
)

type jobRepository struct {
	store *store
}

func (r *jobRepository) Save(_ context.Context, job *models.Job) error {
	return r.store.write(func(data *state) error {
		if _, ok := data.jobs[job.ID]; ok {
			return persistence.NewJobError("Save", job.ID, persistence.ErrAlreadyExists)
		}

		for _, existing := range data.jobs {
			if existing.ExecutionID == job.ExecutionID && existing.NodeID == job.NodeID {
				return persistence.NewJobError("Save", job.ID, persistence.ErrAlreadyExists)
			}
		}

		data.jobs[job.ID] = cloneJob(job)

		return nil
	})
}

func (r *jobRepository) GetByID(_ context.Context, id string) (*models.Job, error) {
	var job *models.Job

	r.store.read(func(data *state) {
		if found, ok := data.jobs[id]; ok {
			job = cloneJob(found)
		}
	})

	if job == nil {
		return nil, persistence.NewJobError("GetByID", id, persistence.ErrJobNotFound)
	}

	return job, nil
}

func (r *jobRepository) GetByStep(_ context.Context, executionID, nodeID string) (*models.Job, error) {
	var job *models.Job

	r.store.read(func(data *state) {
		for _, found := range data.jobs {
			if found.ExecutionID == executionID && found.NodeID == nodeID {
				job = cloneJob(found)

				return
			}
		}
	})

	if job == nil {
		return nil, persistence.NewJobError("GetByStep", executionID+"/"+nodeID, persistence.ErrJobNotFound)
	}

	return job, nil
}

func (r *jobRepository) Update(_ context.Context, job *models.Job) error {
	return r.store.write(func(data *state) error {
		existing, ok := data.jobs[job.ID]
		if !ok {
			return persistence.NewJobError("Update", job.ID, persistence.ErrJobNotFound)
		}

		existing.Status = job.Status
		existing.Reason = job.Reason
		existing.Summary = job.Summary
		existing.UpdatedAt = job.UpdatedAt

		return nil
	})
}

type recordRepository struct {
	store *store
}

func (r *recordRepository) Create(_ context.Context, record *models.ApprovalRecord) error {
	return r.store.write(func(data *state) error {
		if _, ok := data.records[record.ID]; ok {
			return persistence.NewRecordError("Create", record.ID, persistence.ErrAlreadyExists)
		}

		data.records[record.ID] = cloneRecord(record)

		return nil
	})
}

func (r *recordRepository) GetByID(_ context.Context, id string) (*models.ApprovalRecord, error) {
	var record *models.ApprovalRecord

	r.store.read(func(data *state) {
		if found, ok := data.records[id]; ok {
			record = cloneRecord(found)
		}
	})

	if record == nil {
		return nil, persistence.NewRecordError("GetByID", id, persistence.ErrRecordNotFound)
	}

	return record, nil
}

// Lock is a plain read: memory transactions are already serialized.
func (r *recordRepository) Lock(ctx context.Context, id string) (*models.ApprovalRecord, error) {
	return r.GetByID(ctx, id)
}

func (r *recordRepository) Complete(_ context.Context, id string, status models.RecordStatus, completedAt time.Time) (bool, error) {
	var updated bool

	err := r.store.write(func(data *state) error {
		record, ok := data.records[id]
		if !ok {
			return persistence.NewRecordError("Complete", id, persistence.ErrRecordNotFound)
		}

		if record.Status != models.RecordStatusPending {
			return nil
		}

		record.Status = status
		record.CompletedAt = &completedAt
		updated = true

		return nil
	})

	return updated, err
}

func (r *recordRepository) CountByInitiator(_ context.Context, initiator string) (int, error) {
	count := 0

	r.store.read(func(data *state) {
		for _, record := range data.records {
			if record.Initiator == initiator {
				count++
			}
		}
	})

	return count, nil
}

type taskRepository struct {
	store *store
}

func (r *taskRepository) CreateBatch(_ context.Context, tasks []*models.ApprovalTask) error {
	return r.store.write(func(data *state) error {
		for _, task := range tasks {
			if _, ok := data.tasks[task.ID]; ok {
				return persistence.NewTaskError("CreateBatch", task.ID, persistence.ErrAlreadyExists)
			}
		}

		for _, task := range tasks {
			data.tasks[task.ID] = cloneTask(task)
		}

		return nil
	})
}

func (r *taskRepository) GetByID(_ context.Context, id string) (*models.ApprovalTask, error) {
	var task *models.ApprovalTask

	r.store.read(func(data *state) {
		if found, ok := data.tasks[id]; ok {
			task = cloneTask(found)
		}
	})

	if task == nil {
		return nil, persistence.NewTaskError("GetByID", id, persistence.ErrTaskNotFound)
	}

	return task, nil
}

func (r *taskRepository) ListByJob(_ context.Context, jobID string) ([]*models.ApprovalTask, error) {
	tasks := r.collect(func(task *models.ApprovalTask) bool {
		return task.JobID == jobID
	})

	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Order != tasks[j].Order {
			return tasks[i].Order < tasks[j].Order
		}

		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}

		return tasks[i].ID < tasks[j].ID
	})

	return tasks, nil
}

func (r *taskRepository) ListByApprover(_ context.Context, approver string, filter models.TaskFilter) ([]*models.ApprovalTask, error) {
	tasks := r.collect(func(task *models.ApprovalTask) bool {
		if task.Approver != approver {
			return false
		}

		return filter.Status == nil || task.Status == *filter.Status
	})

	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}

		return tasks[i].ID < tasks[j].ID
	})

	return paginate(tasks, filter.Offset, filter.Limit), nil
}

func (r *taskRepository) Complete(_ context.Context, id string, completion models.TaskCompletion) (bool, error) {
	var updated bool

	err := r.store.write(func(data *state) error {
		task, ok := data.tasks[id]
		if !ok {
			return persistence.NewTaskError("Complete", id, persistence.ErrTaskNotFound)
		}

		if task.Status != models.TaskStatusPending {
			return nil
		}

		processedAt := completion.ProcessedAt
		task.Status = completion.Status
		task.Comment = completion.Comment
		task.Attachments = append([]string(nil), completion.Attachments...)
		task.ReturnTarget = completion.ReturnTarget
		task.ProcessedAt = &processedAt
		updated = true

		return nil
	})

	return updated, err
}

func (r *taskRepository) ClosePending(_ context.Context, recordID string, status models.TaskStatus, at time.Time) (int, error) {
	closed := 0

	err := r.store.write(func(data *state) error {
		for _, task := range data.tasks {
			if task.RecordID != recordID || task.Status != models.TaskStatusPending {
				continue
			}

			processedAt := at
			task.Status = status
			task.ProcessedAt = &processedAt
			closed++
		}

		return nil
	})

	return closed, err
}

func (r *taskRepository) MarkUrged(_ context.Context, id string, at time.Time) (bool, error) {
	var updated bool

	err := r.store.write(func(data *state) error {
		task, ok := data.tasks[id]
		if !ok {
			return persistence.NewTaskError("MarkUrged", id, persistence.ErrTaskNotFound)
		}

		if task.Status != models.TaskStatusPending {
			return nil
		}

		urgedAt := at
		task.UrgeCount++
		task.LastUrgedAt = &urgedAt
		updated = true

		return nil
	})

	return updated, err
}

func (r *taskRepository) MarkReminded(_ context.Context, id string, at time.Time, next *time.Time) error {
	return r.store.write(func(data *state) error {
		task, ok := data.tasks[id]
		if !ok {
			return persistence.NewTaskError("MarkReminded", id, persistence.ErrTaskNotFound)
		}

		remindedAt := at
		task.LastRemindedAt = &remindedAt
		task.NextSweepAt = copyTime(next)

		return nil
	})
}

func (r *taskRepository) Reschedule(_ context.Context, id string, next *time.Time) error {
	return r.store.write(func(data *state) error {
		task, ok := data.tasks[id]
		if !ok {
			return persistence.NewTaskError("Reschedule", id, persistence.ErrTaskNotFound)
		}

		task.NextSweepAt = copyTime(next)

		return nil
	})
}

func (r *taskRepository) StartDeadline(_ context.Context, id string, deadline time.Time) (bool, error) {
	var updated bool

	err := r.store.write(func(data *state) error {
		task, ok := data.tasks[id]
		if !ok {
			return persistence.NewTaskError("StartDeadline", id, persistence.ErrTaskNotFound)
		}

		if task.Status != models.TaskStatusPending || task.Deadline != nil {
			return nil
		}

		task.Deadline = copyTime(&deadline)
		task.NextSweepAt = copyTime(&deadline)
		updated = true

		return nil
	})

	return updated, err
}

func (r *taskRepository) ListOverdue(_ context.Context, now time.Time, limit int) ([]*models.ApprovalTask, error) {
	tasks := r.collect(func(task *models.ApprovalTask) bool {
		return task.IsPending() && task.NextSweepAt != nil && task.NextSweepAt.Before(now)
	})

	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].NextSweepAt.Equal(*tasks[j].NextSweepAt) {
			return tasks[i].NextSweepAt.Before(*tasks[j].NextSweepAt)
		}

		return tasks[i].ID < tasks[j].ID
	})

	return paginate(tasks, 0, limit), nil
}

func (r *taskRepository) CountByApprover(_ context.Context, approver string) (models.TaskCounts, error) {
	var counts models.TaskCounts

	r.store.read(func(data *state) {
		for _, task := range data.tasks {
			if task.Approver != approver {
				continue
			}

			switch task.Status {
			case models.TaskStatusPending:
				counts.Pending++
			case models.TaskStatusApproved, models.TaskStatusAutoApproved:
				counts.Approved++
			case models.TaskStatusRejected, models.TaskStatusReturned:
				counts.Rejected++
			}
		}
	})

	return counts, nil
}

func (r *taskRepository) collect(match func(task *models.ApprovalTask) bool) []*models.ApprovalTask {
	tasks := make([]*models.ApprovalTask, 0)

	r.store.read(func(data *state) {
		for _, task := range data.tasks {
			if match(task) {
				tasks = append(tasks, cloneTask(task))
			}
		}
	})

	return tasks
}

type delegationRepository struct {
	store *store
}

func (r *delegationRepository) Save(_ context.Context, rule *models.DelegationRule) error {
	return r.store.write(func(data *state) error {
		data.delegations[rule.ID] = cloneRule(rule)

		return nil
	})
}

func (r *delegationRepository) ListByDelegator(_ context.Context, delegator string) ([]*models.DelegationRule, error) {
	rules := make([]*models.DelegationRule, 0)

	r.store.read(func(data *state) {
		for _, rule := range data.delegations {
			if rule.Delegator == delegator {
				rules = append(rules, cloneRule(rule))
			}
		}
	})

	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].StartDate.After(rules[j].StartDate)
	})

	return rules, nil
}

func (r *delegationRepository) ActiveDelegations(_ context.Context, delegators []string, at time.Time) ([]*models.DelegationRule, error) {
	rules := make([]*models.DelegationRule, 0)

	r.store.read(func(data *state) {
		for _, rule := range data.delegations {
			if slices.Contains(delegators, rule.Delegator) && rule.ActiveAt(at) {
				rules = append(rules, cloneRule(rule))
			}
		}
	})

	return rules, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	c := *t

	return &c
}

func paginate(tasks []*models.ApprovalTask, offset, limit int) []*models.ApprovalTask {
	if offset > 0 {
		if offset >= len(tasks) {
			return []*models.ApprovalTask{}
		}

		tasks = tasks[offset:]
	}

	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}

	return tasks
}
