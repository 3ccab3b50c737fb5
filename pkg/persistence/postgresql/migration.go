package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE approval_jobs (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				execution_id VARCHAR(255) NOT NULL,
				node_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'resolved', 'rejected')),
				config JSONB NOT NULL DEFAULT '{}',
				record_id VARCHAR(255),
				reason TEXT NOT NULL DEFAULT '',
				summary JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_approval_jobs_execution_id ON approval_jobs(execution_id);
			CREATE INDEX idx_approval_jobs_status ON approval_jobs(status);

			CREATE TABLE approval_records (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				execution_id VARCHAR(255) NOT NULL,
				node_id VARCHAR(255) NOT NULL,
				job_id VARCHAR(255) NOT NULL REFERENCES approval_jobs(id) ON DELETE CASCADE,
				initiator VARCHAR(255) NOT NULL DEFAULT '',
				title TEXT NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL,
				submitted_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_approval_records_job_id ON approval_records(job_id);
			CREATE INDEX idx_approval_records_initiator ON approval_records(initiator);

			CREATE TABLE approval_tasks (
				id VARCHAR(255) PRIMARY KEY,
				record_id VARCHAR(255) NOT NULL REFERENCES approval_records(id) ON DELETE CASCADE,
				job_id VARCHAR(255) NOT NULL,
				approver VARCHAR(255) NOT NULL,
				task_order INT NOT NULL DEFAULT 0,
				status VARCHAR(50) NOT NULL,
				approval_mode VARCHAR(50) NOT NULL,
				comment TEXT NOT NULL DEFAULT '',
				attachments TEXT[] NOT NULL DEFAULT '{}',
				return_target VARCHAR(255) NOT NULL DEFAULT '',
				deadline TIMESTAMP WITH TIME ZONE,
				urge_count INT NOT NULL DEFAULT 0,
				last_urged_at TIMESTAMP WITH TIME ZONE,
				processed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_approval_tasks_job_id ON approval_tasks(job_id);
			CREATE INDEX idx_approval_tasks_record_id ON approval_tasks(record_id);
			CREATE INDEX idx_approval_tasks_approver ON approval_tasks(approver, created_at DESC);
			CREATE INDEX idx_approval_tasks_pending_deadline ON approval_tasks(deadline) WHERE status = 'pending';

			CREATE TABLE approval_delegations (
				id VARCHAR(255) PRIMARY KEY,
				delegator VARCHAR(255) NOT NULL,
				delegatee VARCHAR(255) NOT NULL,
				start_date TIMESTAMP WITH TIME ZONE NOT NULL,
				end_date TIMESTAMP WITH TIME ZONE NOT NULL,
				enabled BOOLEAN NOT NULL DEFAULT true,
				scope VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				CHECK (delegator <> delegatee),
				CHECK (end_date > start_date)
			);

			CREATE INDEX idx_approval_delegations_delegator ON approval_delegations(delegator);
		`,
		2: `
			ALTER TABLE approval_tasks ADD COLUMN last_reminded_at TIMESTAMP WITH TIME ZONE;
		`,
		3: `
			ALTER TABLE approval_tasks ADD COLUMN next_sweep_at TIMESTAMP WITH TIME ZONE;
			UPDATE approval_tasks SET next_sweep_at = deadline WHERE status = 'pending';

			DROP INDEX idx_approval_tasks_pending_deadline;
			CREATE INDEX idx_approval_tasks_next_sweep ON approval_tasks(next_sweep_at) WHERE status = 'pending';

			CREATE UNIQUE INDEX idx_approval_jobs_step ON approval_jobs(execution_id, node_id);
		`,
	}
}
