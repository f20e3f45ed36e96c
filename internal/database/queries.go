package database

// SQL queries for database operations.
// These are organized by entity type and operation.

// Agent queries
const (
	// AgentInsert inserts a new agent.
	AgentInsert = `
		INSERT INTO agents (
			name, address, api_key, country, city, latitude, longitude, isp,
			version, capabilities, status, max_concurrent_tasks, enabled
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		) RETURNING id, registered_at, created_at, updated_at`

	// AgentGetByID retrieves an agent by ID.
	AgentGetByID = `
		SELECT id, name, address, api_key, country, city, latitude, longitude, isp,
			   version, capabilities, status, last_heartbeat, registered_at,
			   availability, success_rate, avg_response_ms,
			   cpu_usage, memory_usage, disk_usage, load_average,
			   max_concurrent_tasks, enabled, created_at, updated_at
		FROM agents
		WHERE id = $1`

	// AgentGetByName retrieves an agent by name.
	AgentGetByName = `
		SELECT id, name, address, api_key, country, city, latitude, longitude, isp,
			   version, capabilities, status, last_heartbeat, registered_at,
			   availability, success_rate, avg_response_ms,
			   cpu_usage, memory_usage, disk_usage, load_average,
			   max_concurrent_tasks, enabled, created_at, updated_at
		FROM agents
		WHERE name = $1`

	// AgentUpdate updates an agent's mutable settings.
	AgentUpdate = `
		UPDATE agents
		SET name = $2, address = $3, api_key = $4, country = $5, city = $6,
			latitude = $7, longitude = $8, isp = $9, version = $10,
			capabilities = $11, status = $12, max_concurrent_tasks = $13,
			enabled = $14
		WHERE id = $1
		RETURNING updated_at`

	// AgentUpdateStatus updates only the agent's status.
	AgentUpdateStatus = `
		UPDATE agents
		SET status = $2
		WHERE id = $1`

	// AgentUpdateHeartbeat updates the agent's last heartbeat time.
	AgentUpdateHeartbeat = `
		UPDATE agents
		SET last_heartbeat = NOW(), status = $2
		WHERE id = $1`

	// AgentUpdateLoad records the latest resource snapshot.
	AgentUpdateLoad = `
		UPDATE agents
		SET cpu_usage = $2, memory_usage = $3, disk_usage = $4, load_average = $5
		WHERE id = $1`

	// AgentUpdateRollingStats updates the rolling aggregates.
	AgentUpdateRollingStats = `
		UPDATE agents
		SET availability = $2, success_rate = $3, avg_response_ms = $4
		WHERE id = $1`

	// AgentSetEnabled flips the operator enable switch.
	AgentSetEnabled = `
		UPDATE agents
		SET enabled = $2
		WHERE id = $1`

	// AgentDelete deletes an agent.
	AgentDelete = `DELETE FROM agents WHERE id = $1`

	// AgentList lists all agents with pagination.
	AgentList = `
		SELECT id, name, address, api_key, country, city, latitude, longitude, isp,
			   version, capabilities, status, last_heartbeat, registered_at,
			   availability, success_rate, avg_response_ms,
			   cpu_usage, memory_usage, disk_usage, load_average,
			   max_concurrent_tasks, enabled, created_at, updated_at
		FROM agents
		ORDER BY name ASC
		LIMIT $1 OFFSET $2`

	// AgentListByStatus lists agents by status.
	AgentListByStatus = `
		SELECT id, name, address, api_key, country, city, latitude, longitude, isp,
			   version, capabilities, status, last_heartbeat, registered_at,
			   availability, success_rate, avg_response_ms,
			   cpu_usage, memory_usage, disk_usage, load_average,
			   max_concurrent_tasks, enabled, created_at, updated_at
		FROM agents
		WHERE status = $1
		ORDER BY name ASC
		LIMIT $2 OFFSET $3`

	// AgentListAvailable retrieves enabled agents eligible for new work:
	// online or busy with a heartbeat newer than the cutoff.
	AgentListAvailable = `
		SELECT id, name, address, api_key, country, city, latitude, longitude, isp,
			   version, capabilities, status, last_heartbeat, registered_at,
			   availability, success_rate, avg_response_ms,
			   cpu_usage, memory_usage, disk_usage, load_average,
			   max_concurrent_tasks, enabled, created_at, updated_at
		FROM agents
		WHERE enabled = true
		  AND status IN ('online', 'busy')
		  AND last_heartbeat > $1
		ORDER BY
			CASE status WHEN 'online' THEN 0 ELSE 1 END,
			last_heartbeat DESC`

	// AgentMarkOfflineStale marks agents offline when their heartbeat is
	// older than the cutoff.
	AgentMarkOfflineStale = `
		UPDATE agents
		SET status = 'offline'
		WHERE status IN ('online', 'busy')
		  AND (last_heartbeat IS NULL OR last_heartbeat < $1)`

	// AgentCount counts agents by status.
	AgentCount = `
		SELECT status, COUNT(*) as count
		FROM agents
		GROUP BY status`
)

// Task queries
const (
	// TaskInsert inserts a new task.
	TaskInsert = `
		INSERT INTO tasks (
			user_id, protocol, target, port, parameters, frequency_seconds,
			timeout_seconds, priority, status, next_run_at,
			preferred_country, preferred_city, preferred_isp
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		) RETURNING id, created_at, updated_at`

	// TaskGetByID retrieves a task by ID.
	TaskGetByID = `
		SELECT id, user_id, protocol, target, port, parameters, frequency_seconds,
			   timeout_seconds, priority, status, next_run_at,
			   preferred_country, preferred_city, preferred_isp,
			   created_at, updated_at
		FROM tasks
		WHERE id = $1`

	// TaskUpdate updates a task.
	TaskUpdate = `
		UPDATE tasks
		SET protocol = $2, target = $3, port = $4, parameters = $5,
			frequency_seconds = $6, timeout_seconds = $7, priority = $8,
			status = $9, next_run_at = $10, preferred_country = $11,
			preferred_city = $12, preferred_isp = $13
		WHERE id = $1
		RETURNING updated_at`

	// TaskDelete deletes a task.
	TaskDelete = `DELETE FROM tasks WHERE id = $1`

	// TaskList lists tasks with pagination.
	TaskList = `
		SELECT id, user_id, protocol, target, port, parameters, frequency_seconds,
			   timeout_seconds, priority, status, next_run_at,
			   preferred_country, preferred_city, preferred_isp,
			   created_at, updated_at
		FROM tasks
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	// TaskListByUser lists tasks owned by a user.
	TaskListByUser = `
		SELECT id, user_id, protocol, target, port, parameters, frequency_seconds,
			   timeout_seconds, priority, status, next_run_at,
			   preferred_country, preferred_city, preferred_isp,
			   created_at, updated_at
		FROM tasks
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	// TaskListByStatus lists tasks by status.
	TaskListByStatus = `
		SELECT id, user_id, protocol, target, port, parameters, frequency_seconds,
			   timeout_seconds, priority, status, next_run_at,
			   preferred_country, preferred_city, preferred_isp,
			   created_at, updated_at
		FROM tasks
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	// TaskGetDue retrieves active tasks due to run, highest priority first.
	TaskGetDue = `
		SELECT id, user_id, protocol, target, port, parameters, frequency_seconds,
			   timeout_seconds, priority, status, next_run_at,
			   preferred_country, preferred_city, preferred_isp,
			   created_at, updated_at
		FROM tasks
		WHERE status = 'active'
		  AND (next_run_at IS NULL OR next_run_at <= $1)
		ORDER BY priority DESC, next_run_at ASC NULLS FIRST
		LIMIT $2`

	// TaskUpdateStatus updates only the task's status.
	TaskUpdateStatus = `
		UPDATE tasks
		SET status = $2
		WHERE id = $1`

	// TaskUpdateNextRun sets the task's next scheduled run time.
	TaskUpdateNextRun = `
		UPDATE tasks
		SET next_run_at = $2
		WHERE id = $1`

	// TaskCount counts total tasks.
	TaskCount = `SELECT COUNT(*) FROM tasks`

	// TaskCountByStatus counts tasks by status.
	TaskCountByStatus = `
		SELECT status, COUNT(*) as count
		FROM tasks
		GROUP BY status`
)

// Task result queries
const (
	// ResultInsert inserts a new task result.
	ResultInsert = `
		INSERT INTO task_results (
			task_id, agent_id, status, executed_at, duration_ms,
			error_message, metrics, raw_data_path, raw_data
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		) RETURNING id, created_at`

	// ResultGetByID retrieves a task result by ID.
	ResultGetByID = `
		SELECT id, task_id, agent_id, status, executed_at, duration_ms,
			   error_message, metrics, raw_data_path, raw_data, created_at
		FROM task_results
		WHERE id = $1`

	// ResultListByTask lists results for a task, newest first.
	ResultListByTask = `
		SELECT id, task_id, agent_id, status, executed_at, duration_ms,
			   error_message, metrics, raw_data_path, raw_data, created_at
		FROM task_results
		WHERE task_id = $1
		ORDER BY executed_at DESC
		LIMIT $2 OFFSET $3`

	// ResultListByAgent lists results produced by an agent, newest first.
	ResultListByAgent = `
		SELECT id, task_id, agent_id, status, executed_at, duration_ms,
			   error_message, metrics, raw_data_path, raw_data, created_at
		FROM task_results
		WHERE agent_id = $1
		ORDER BY executed_at DESC
		LIMIT $2 OFFSET $3`

	// ResultLatestByTask retrieves the most recent result for a task.
	ResultLatestByTask = `
		SELECT id, task_id, agent_id, status, executed_at, duration_ms,
			   error_message, metrics, raw_data_path, raw_data, created_at
		FROM task_results
		WHERE task_id = $1
		ORDER BY executed_at DESC
		LIMIT 1`

	// ResultAgentPerformance aggregates an agent's outcomes since a cutoff.
	ResultAgentPerformance = `
		SELECT COUNT(*) AS total_results,
			   COUNT(*) FILTER (WHERE status = 'success') AS success_count,
			   COALESCE(AVG(duration_ms), 0) AS avg_duration_ms
		FROM task_results
		WHERE agent_id = $1 AND executed_at >= $2`

	// ResultDeleteOlderThan removes results executed before the cutoff.
	ResultDeleteOlderThan = `DELETE FROM task_results WHERE executed_at < $1`
)

// Reassignment queries
const (
	// ReassignmentInsert records a task reassignment.
	ReassignmentInsert = `
		INSERT INTO task_reassignments (task_id, from_agent_id, to_agent_id, reason)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	// ReassignmentListByTask lists reassignments for a task, newest first.
	ReassignmentListByTask = `
		SELECT id, task_id, from_agent_id, to_agent_id, reason, created_at
		FROM task_reassignments
		WHERE task_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	// ReassignmentCountByTaskSince counts reassignments for a task after a cutoff.
	ReassignmentCountByTaskSince = `
		SELECT COUNT(*)
		FROM task_reassignments
		WHERE task_id = $1 AND created_at >= $2`

	// ReassignmentDeleteOlderThan removes reassignment records older than the cutoff.
	ReassignmentDeleteOlderThan = `DELETE FROM task_reassignments WHERE created_at < $1`
)
