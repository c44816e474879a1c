package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/approval"
)

// ApprovalStore is the PostgreSQL approval.Store. Instance and stage/task
// creation happens in one transaction; the one-pending-per-record rule is a
// partial unique index, and the exactly-once swaps are status-guarded
// UPDATEs.
type ApprovalStore struct {
	pool *pgxpool.Pool
}

// NewApprovalStore wraps a pool.
func NewApprovalStore(pool *pgxpool.Pool) *ApprovalStore {
	return &ApprovalStore{pool: pool}
}

func (s *ApprovalStore) CreateInstance(ctx context.Context, inst *approval.Instance, stages []approval.Stage, tasks []approval.Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return lifecycle.WrapError(lifecycle.ErrValidation, err, "begin approval creation")
	}
	defer tx.Rollback(ctx)

	instQuery := `
		INSERT INTO approval_instances
		    (id, template_id, record_type, record_id, tenant,
		     operation, requested_by, status, reject_policy, stage_index, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = tx.Exec(ctx, instQuery,
		inst.ID,
		inst.TemplateID,
		inst.RecordType,
		inst.RecordID,
		inst.Tenant,
		inst.Operation,
		inst.RequestedBy,
		string(inst.Status),
		string(inst.RejectPolicy),
		inst.StageIndex,
		inst.CreatedAt,
	)
	if isUniqueViolation(err) {
		return lifecycle.NewError(lifecycle.ErrDuplicateCode, "record already has a pending approval", map[string]any{
			"record_type": inst.RecordType,
			"record_id":   inst.RecordID,
			"tenant":      inst.Tenant,
		})
	}
	if err != nil {
		return lifecycle.WrapError(lifecycle.ErrValidation, err, "create approval instance")
	}

	stageQuery := `
		INSERT INTO approval_stages
		    (id, instance_id, template_id, name, stage_index, quorum_kind, quorum_count, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for _, stage := range stages {
		if _, err := tx.Exec(ctx, stageQuery,
			stage.ID,
			stage.InstanceID,
			stage.TemplateID,
			stage.Name,
			stage.Index,
			string(stage.Quorum.Kind),
			stage.Quorum.Count,
			string(stage.Status),
		); err != nil {
			return lifecycle.WrapError(lifecycle.ErrValidation, err, "create approval stage")
		}
	}

	for _, task := range tasks {
		if err := insertTask(ctx, tx, task); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return lifecycle.WrapError(lifecycle.ErrValidation, err, "commit approval creation")
	}
	return nil
}

const taskColumns = `
	id, instance_id, stage_id, assignee_id, status,
	snapshot_id, rule_kind, rule_detail, delegated_from, escalated_from, resolved_at,
	comment, decided_by, decided_at, escalated_at,
	reminder_job_id, escalation_job_id, created_at
`

func insertTask(ctx context.Context, tx pgx.Tx, task approval.Task) error {
	query := `
		INSERT INTO approval_tasks
		    (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err := tx.Exec(ctx, query,
		task.ID,
		task.InstanceID,
		task.StageID,
		task.AssigneeID,
		string(task.Status),
		task.Snapshot.ID,
		string(task.Snapshot.RuleKind),
		task.Snapshot.RuleDetail,
		task.Snapshot.DelegatedFrom,
		task.Snapshot.EscalatedFrom,
		task.Snapshot.ResolvedAt,
		task.Comment,
		task.DecidedBy,
		task.DecidedAt,
		task.EscalatedAt,
		task.ReminderJobID,
		task.EscalationJobID,
		task.CreatedAt,
	)
	if err != nil {
		return lifecycle.WrapError(lifecycle.ErrValidation, err, "create approval task")
	}
	return nil
}

func scanTask(row pgx.Row) (*approval.Task, error) {
	var task approval.Task
	err := row.Scan(
		&task.ID,
		&task.InstanceID,
		&task.StageID,
		&task.AssigneeID,
		&task.Status,
		&task.Snapshot.ID,
		&task.Snapshot.RuleKind,
		&task.Snapshot.RuleDetail,
		&task.Snapshot.DelegatedFrom,
		&task.Snapshot.EscalatedFrom,
		&task.Snapshot.ResolvedAt,
		&task.Comment,
		&task.DecidedBy,
		&task.DecidedAt,
		&task.EscalatedAt,
		&task.ReminderJobID,
		&task.EscalationJobID,
		&task.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	task.Snapshot.AssigneeID = task.AssigneeID
	return &task, nil
}

const approvalInstanceColumns = `
	id, template_id, record_type, record_id, tenant,
	operation, requested_by, status, reject_policy, stage_index, created_at, completed_at
`

func scanApprovalInstance(row pgx.Row) (*approval.Instance, error) {
	var inst approval.Instance
	err := row.Scan(
		&inst.ID,
		&inst.TemplateID,
		&inst.RecordType,
		&inst.RecordID,
		&inst.Tenant,
		&inst.Operation,
		&inst.RequestedBy,
		&inst.Status,
		&inst.RejectPolicy,
		&inst.StageIndex,
		&inst.CreatedAt,
		&inst.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *ApprovalStore) GetInstance(ctx context.Context, id string) (*approval.Instance, error) {
	query := `
		SELECT ` + approvalInstanceColumns + `
		FROM approval_instances
		WHERE id = $1
	`
	inst, err := scanApprovalInstance(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, lifecycle.WrapError(lifecycle.ErrNotFound, err, "get approval instance")
	}
	return inst, nil
}

func (s *ApprovalStore) ActiveInstanceForRecord(ctx context.Context, recordType, recordID, tenant string) (*approval.Instance, error) {
	query := `
		SELECT ` + approvalInstanceColumns + `
		FROM approval_instances
		WHERE record_type = $1 AND record_id = $2 AND tenant = $3 AND status = 'pending'
	`
	inst, err := scanApprovalInstance(s.pool.QueryRow(ctx, query, recordType, recordID, tenant))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, lifecycle.WrapError(lifecycle.ErrNotFound, err, "get active approval instance")
	}
	return inst, nil
}

func (s *ApprovalStore) CompleteInstanceIfPending(ctx context.Context, id string, status approval.InstanceStatus) (bool, error) {
	query := `
		UPDATE approval_instances
		SET status       = $2,
		    completed_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING id
	`
	var returnedID string
	err := s.pool.QueryRow(ctx, query, id, string(status)).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		// no pending row: distinguish "already completed" from "never existed"
		inst, gerr := s.GetInstance(ctx, id)
		if gerr != nil {
			return false, gerr
		}
		if inst == nil {
			return false, lifecycle.NewError(lifecycle.ErrNotFound, "approval instance not found", map[string]any{"instance_id": id})
		}
		return false, nil
	}
	if err != nil {
		return false, lifecycle.WrapError(lifecycle.ErrValidation, err, "complete approval instance")
	}
	return true, nil
}

func (s *ApprovalStore) SetInstanceStageIndex(ctx context.Context, id string, index int) error {
	query := `
		UPDATE approval_instances
		SET stage_index = $2
		WHERE id = $1
		RETURNING id
	`
	var returnedID string
	err := s.pool.QueryRow(ctx, query, id, index).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return lifecycle.NewError(lifecycle.ErrNotFound, "approval instance not found", map[string]any{"instance_id": id})
	}
	return err
}

func (s *ApprovalStore) StagesForInstance(ctx context.Context, instanceID string) ([]approval.Stage, error) {
	query := `
		SELECT id, instance_id, template_id, name, stage_index, quorum_kind, quorum_count, status
		FROM approval_stages
		WHERE instance_id = $1
		ORDER BY stage_index ASC
	`
	rows, err := s.pool.Query(ctx, query, instanceID)
	if err != nil {
		return nil, lifecycle.WrapError(lifecycle.ErrValidation, err, "list approval stages")
	}
	defer rows.Close()

	var stages []approval.Stage
	for rows.Next() {
		var stage approval.Stage
		if err := rows.Scan(
			&stage.ID,
			&stage.InstanceID,
			&stage.TemplateID,
			&stage.Name,
			&stage.Index,
			&stage.Quorum.Kind,
			&stage.Quorum.Count,
			&stage.Status,
		); err != nil {
			return nil, lifecycle.WrapError(lifecycle.ErrValidation, err, "scan approval stage")
		}
		stages = append(stages, stage)
	}
	return stages, rows.Err()
}

func (s *ApprovalStore) UpdateStageStatusIfPending(ctx context.Context, stageID string, status approval.StageStatus) (bool, error) {
	query := `
		UPDATE approval_stages
		SET status = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING id
	`
	var returnedID string
	err := s.pool.QueryRow(ctx, query, stageID, string(status)).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		var probe string
		perr := s.pool.QueryRow(ctx, `SELECT id FROM approval_stages WHERE id = $1`, stageID).Scan(&probe)
		if errors.Is(perr, pgx.ErrNoRows) {
			return false, lifecycle.NewError(lifecycle.ErrNotFound, "approval stage not found", map[string]any{"stage_id": stageID})
		}
		if perr != nil {
			return false, lifecycle.WrapError(lifecycle.ErrValidation, perr, "settle approval stage")
		}
		return false, nil
	}
	if err != nil {
		return false, lifecycle.WrapError(lifecycle.ErrValidation, err, "settle approval stage")
	}
	return true, nil
}

func (s *ApprovalStore) GetTask(ctx context.Context, id string) (*approval.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM approval_tasks
		WHERE id = $1
	`
	task, err := scanTask(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, lifecycle.WrapError(lifecycle.ErrNotFound, err, "get approval task")
	}
	return task, nil
}

func (s *ApprovalStore) AddTask(ctx context.Context, task approval.Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return lifecycle.WrapError(lifecycle.ErrValidation, err, "begin task insert")
	}
	defer tx.Rollback(ctx)
	if err := insertTask(ctx, tx, task); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return lifecycle.WrapError(lifecycle.ErrValidation, err, "commit task insert")
	}
	return nil
}

func (s *ApprovalStore) DecideTaskIfPending(ctx context.Context, id string, status approval.TaskStatus, actorID, comment string) (*approval.Task, bool, error) {
	query := `
		UPDATE approval_tasks
		SET status     = $2,
		    decided_by = $3,
		    comment    = $4,
		    decided_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + taskColumns + `
	`
	task, err := scanTask(s.pool.QueryRow(ctx, query, id, string(status), actorID, comment))
	if errors.Is(err, pgx.ErrNoRows) {
		// already decided: hand back the settled row
		current, gerr := s.GetTask(ctx, id)
		if gerr != nil {
			return nil, false, gerr
		}
		if current == nil {
			return nil, false, lifecycle.NewError(lifecycle.ErrNotFound, "approval task not found", map[string]any{"task_id": id})
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, lifecycle.WrapError(lifecycle.ErrValidation, err, "decide approval task")
	}
	return task, true, nil
}

func (s *ApprovalStore) MarkTaskEscalatedOnce(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE approval_tasks
		SET escalated_at = NOW()
		WHERE id = $1 AND escalated_at IS NULL
		RETURNING id
	`
	var returnedID string
	err := s.pool.QueryRow(ctx, query, id).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, lifecycle.WrapError(lifecycle.ErrValidation, err, "mark approval task escalated")
	}
	return true, nil
}

func (s *ApprovalStore) SetTaskJobs(ctx context.Context, id, reminderJobID, escalationJobID string) error {
	query := `
		UPDATE approval_tasks
		SET reminder_job_id   = $2,
		    escalation_job_id = $3
		WHERE id = $1
		RETURNING id
	`
	var returnedID string
	err := s.pool.QueryRow(ctx, query, id, reminderJobID, escalationJobID).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return lifecycle.NewError(lifecycle.ErrNotFound, "approval task not found", map[string]any{"task_id": id})
	}
	return err
}

func (s *ApprovalStore) TasksForStage(ctx context.Context, stageID string) ([]approval.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM approval_tasks
		WHERE stage_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.pool.Query(ctx, query, stageID)
	if err != nil {
		return nil, lifecycle.WrapError(lifecycle.ErrValidation, err, "list stage tasks")
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *ApprovalStore) TasksForUser(ctx context.Context, tenant, assigneeID string, statuses ...approval.TaskStatus) ([]approval.Task, error) {
	filter := make([]string, 0, len(statuses))
	for _, status := range statuses {
		filter = append(filter, string(status))
	}

	query := `
		SELECT t.id, t.instance_id, t.stage_id, t.assignee_id, t.status,
		       t.snapshot_id, t.rule_kind, t.rule_detail, t.delegated_from, t.escalated_from, t.resolved_at,
		       t.comment, t.decided_by, t.decided_at, t.escalated_at,
		       t.reminder_job_id, t.escalation_job_id, t.created_at
		FROM approval_tasks t
		JOIN approval_instances i ON i.id = t.instance_id
		WHERE i.tenant = $1
		  AND t.assignee_id = $2
		  AND (cardinality($3::text[]) = 0 OR t.status = ANY ($3::text[]))
		ORDER BY t.created_at ASC, t.id ASC
	`
	rows, err := s.pool.Query(ctx, query, tenant, assigneeID, filter)
	if err != nil {
		return nil, lifecycle.WrapError(lifecycle.ErrValidation, err, "list user tasks")
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]approval.Task, error) {
	var tasks []approval.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, lifecycle.WrapError(lifecycle.ErrValidation, err, "scan approval task")
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func (s *ApprovalStore) AppendEscalation(ctx context.Context, esc approval.Escalation) error {
	query := `
		INSERT INTO approval_escalations (id, instance_id, task_id, kind, note, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, query, esc.ID, esc.InstanceID, esc.TaskID, esc.Kind, esc.Note, esc.OccurredAt)
	if err != nil {
		return lifecycle.WrapError(lifecycle.ErrValidation, err, "append escalation")
	}
	return nil
}

func (s *ApprovalStore) EscalationsForInstance(ctx context.Context, instanceID string) ([]approval.Escalation, error) {
	query := `
		SELECT id, instance_id, task_id, kind, note, occurred_at
		FROM approval_escalations
		WHERE instance_id = $1
		ORDER BY occurred_at ASC, id ASC
	`
	rows, err := s.pool.Query(ctx, query, instanceID)
	if err != nil {
		return nil, lifecycle.WrapError(lifecycle.ErrValidation, err, "list escalations")
	}
	defer rows.Close()

	var escalations []approval.Escalation
	for rows.Next() {
		var esc approval.Escalation
		if err := rows.Scan(&esc.ID, &esc.InstanceID, &esc.TaskID, &esc.Kind, &esc.Note, &esc.OccurredAt); err != nil {
			return nil, lifecycle.WrapError(lifecycle.ErrValidation, err, "scan escalation")
		}
		escalations = append(escalations, esc)
	}
	return escalations, rows.Err()
}

func (s *ApprovalStore) AppendDecisionEvent(ctx context.Context, evt approval.DecisionEvent) error {
	query := `
		INSERT INTO approval_decisions (id, instance_id, task_id, actor_id, action, comment, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query, evt.ID, evt.InstanceID, evt.TaskID, evt.ActorID, string(evt.Action), evt.Comment, evt.OccurredAt)
	if err != nil {
		return lifecycle.WrapError(lifecycle.ErrValidation, err, "append decision event")
	}
	return nil
}

func (s *ApprovalStore) DecisionEventsForInstance(ctx context.Context, instanceID string) ([]approval.DecisionEvent, error) {
	query := `
		SELECT id, instance_id, task_id, actor_id, action, comment, occurred_at
		FROM approval_decisions
		WHERE instance_id = $1
		ORDER BY occurred_at ASC, id ASC
	`
	rows, err := s.pool.Query(ctx, query, instanceID)
	if err != nil {
		return nil, lifecycle.WrapError(lifecycle.ErrValidation, err, "list decision events")
	}
	defer rows.Close()

	var events []approval.DecisionEvent
	for rows.Next() {
		var evt approval.DecisionEvent
		if err := rows.Scan(&evt.ID, &evt.InstanceID, &evt.TaskID, &evt.ActorID, &evt.Action, &evt.Comment, &evt.OccurredAt); err != nil {
			return nil, lifecycle.WrapError(lifecycle.ErrValidation, err, "scan decision event")
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}
