// Package memory provides an in-process persistence implementation for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/dukex/operion-approval/pkg/models"
	"github.com/dukex/operion-approval/pkg/persistence"
)

type state struct {
	jobs        map[string]*models.Job
	records     map[string]*models.ApprovalRecord
	tasks       map[string]*models.ApprovalTask
	delegations map[string]*models.DelegationRule
}

func newState() *state {
	return &state{
		jobs:        make(map[string]*models.Job),
		records:     make(map[string]*models.ApprovalRecord),
		tasks:       make(map[string]*models.ApprovalTask),
		delegations: make(map[string]*models.DelegationRule),
	}
}

func (s *state) clone() *state {
	c := newState()

	for id, job := range s.jobs {
		c.jobs[id] = cloneJob(job)
	}

	for id, record := range s.records {
		c.records[id] = cloneRecord(record)
	}

	for id, task := range s.tasks {
		c.tasks[id] = cloneTask(task)
	}

	for id, rule := range s.delegations {
		c.delegations[id] = cloneRule(rule)
	}

	return c
}

// Persistence keeps every approval entity in memory. Transactions are serialized and roll back
// by restoring a snapshot taken when they start.
type Persistence struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data *state
}

// NewPersistence creates an empty in-memory persistence layer.
func NewPersistence() *Persistence {
	return &Persistence{data: newState()}
}

var _ persistence.Persistence = (*Persistence)(nil)

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) JobRepository() persistence.JobRepository {
	return &jobRepository{store: p.view(false)}
}

func (p *Persistence) RecordRepository() persistence.RecordRepository {
	return &recordRepository{store: p.view(false)}
}

func (p *Persistence) TaskRepository() persistence.TaskRepository {
	return &taskRepository{store: p.view(false)}
}

func (p *Persistence) DelegationRepository() persistence.DelegationRepository {
	return &delegationRepository{store: p.view(false)}
}

// Transaction runs fn while holding the transaction lock.
func (p *Persistence) Transaction(ctx context.Context, fn persistence.TxFunc) error {
	p.txMu.Lock()
	defer p.txMu.Unlock()

	p.mu.RLock()
	snapshot := p.data.clone()
	p.mu.RUnlock()

	err := fn(ctx, &txRepositories{store: p.view(true)})
	if err != nil {
		p.mu.Lock()
		p.data = snapshot
		p.mu.Unlock()

		return err
	}

	return nil
}

func (p *Persistence) view(inTx bool) *store {
	return &store{persistence: p, inTx: inTx}
}

type txRepositories struct {
	store *store
}

func (t *txRepositories) JobRepository() persistence.JobRepository {
	return &jobRepository{store: t.store}
}

func (t *txRepositories) RecordRepository() persistence.RecordRepository {
	return &recordRepository{store: t.store}
}

func (t *txRepositories) TaskRepository() persistence.TaskRepository {
	return &taskRepository{store: t.store}
}

func (t *txRepositories) DelegationRepository() persistence.DelegationRepository {
	return &delegationRepository{store: t.store}
}

// store gives repositories access to the shared state. Writes made outside a transaction
// take the transaction lock so a concurrent rollback cannot discard them.
type store struct {
	persistence *Persistence
	inTx        bool
}

func (s *store) read(fn func(data *state)) {
	s.persistence.mu.RLock()
	defer s.persistence.mu.RUnlock()

	fn(s.persistence.data)
}

func (s *store) write(fn func(data *state) error) error {
	if !s.inTx {
		s.persistence.txMu.Lock()
		defer s.persistence.txMu.Unlock()
	}

	s.persistence.mu.Lock()
	defer s.persistence.mu.Unlock()

	return fn(s.persistence.data)
}

func cloneJob(job *models.Job) *models.Job {
	c := *job

	return &c
}

func cloneRecord(record *models.ApprovalRecord) *models.ApprovalRecord {
	c := *record

	return &c
}

func cloneTask(task *models.ApprovalTask) *models.ApprovalTask {
	c := *task
	c.Attachments = append([]string(nil), task.Attachments...)

	return &c
}

func cloneRule(rule *models.DelegationRule) *models.DelegationRule {
	c := *rule

	return &c
}
