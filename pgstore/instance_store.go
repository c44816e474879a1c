package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/engine"
)

// InstanceStore is the PostgreSQL engine.InstanceStore. Optimistic locking
// rides on a version column guarded in the UPDATE predicate.
type InstanceStore struct {
	pool *pgxpool.Pool
}

// NewInstanceStore wraps a pool.
func NewInstanceStore(pool *pgxpool.Pool) *InstanceStore {
	return &InstanceStore{pool: pool}
}

const instanceColumns = `
	id, record_type, record_id, tenant, lifecycle_id, current_state_id,
	version, pending_operation, pending_approval_id, created_at, updated_at
`

func scanInstance(row pgx.Row) (*engine.Instance, error) {
	var inst engine.Instance
	err := row.Scan(
		&inst.ID,
		&inst.RecordType,
		&inst.RecordID,
		&inst.Tenant,
		&inst.LifecycleID,
		&inst.CurrentStateID,
		&inst.Version,
		&inst.PendingOperation,
		&inst.PendingApprovalID,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *InstanceStore) Get(ctx context.Context, recordType, recordID, tenant string) (*engine.Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM lifecycle_instances
		WHERE record_type = $1 AND record_id = $2 AND tenant = $3
	`

	inst, err := scanInstance(s.pool.QueryRow(ctx, query, recordType, recordID, tenant))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, lifecycle.WrapError(lifecycle.ErrNotFound, err, "get lifecycle instance")
	}
	return inst, nil
}

func (s *InstanceStore) Create(ctx context.Context, inst *engine.Instance) error {
	query := `
		INSERT INTO lifecycle_instances
		    (id, record_type, record_id, tenant, lifecycle_id, current_state_id,
		     version, pending_operation, pending_approval_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err := s.pool.QueryRow(ctx, query,
		inst.ID,
		inst.RecordType,
		inst.RecordID,
		inst.Tenant,
		inst.LifecycleID,
		inst.CurrentStateID,
		inst.Version,
		inst.PendingOperation,
		inst.PendingApprovalID,
	).Scan(&inst.CreatedAt, &inst.UpdatedAt)
	if isUniqueViolation(err) {
		return lifecycle.NewError(lifecycle.ErrDuplicateCode, "lifecycle instance already exists", map[string]any{
			"record_type": inst.RecordType,
			"record_id":   inst.RecordID,
			"tenant":      inst.Tenant,
		})
	}
	if err != nil {
		return lifecycle.WrapError(lifecycle.ErrValidation, err, "create lifecycle instance")
	}
	return nil
}

func (s *InstanceStore) SaveIfVersion(ctx context.Context, inst *engine.Instance, expectedVersion int) (int, error) {
	query := `
		UPDATE lifecycle_instances
		SET current_state_id    = $3,
		    pending_operation   = $4,
		    pending_approval_id = $5,
		    version             = version + 1,
		    updated_at          = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`

	var version int
	err := s.pool.QueryRow(ctx, query,
		inst.ID,
		expectedVersion,
		inst.CurrentStateID,
		inst.PendingOperation,
		inst.PendingApprovalID,
	).Scan(&version, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, lifecycle.NewError(lifecycle.ErrConcurrentModification, "lifecycle instance was modified concurrently", map[string]any{
			"instance_id":      inst.ID,
			"expected_version": expectedVersion,
		})
	}
	if err != nil {
		return 0, lifecycle.WrapError(lifecycle.ErrConcurrentModification, err, "save lifecycle instance")
	}
	inst.Version = version
	return version, nil
}

// EventStore is the PostgreSQL engine.EventStore over the append-only
// lifecycle_events table.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore wraps a pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

func (s *EventStore) Append(ctx context.Context, evt engine.Event) error {
	query := `
		INSERT INTO lifecycle_events
		    (id, instance_id, record_type, record_id, tenant,
		     operation, from_state_id, to_state_id, outcome, reason, actor_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.pool.Exec(ctx, query,
		evt.ID,
		evt.InstanceID,
		evt.RecordType,
		evt.RecordID,
		evt.Tenant,
		evt.Operation,
		evt.FromStateID,
		evt.ToStateID,
		evt.Outcome,
		evt.Reason,
		evt.ActorID,
		evt.OccurredAt,
	)
	if err != nil {
		return lifecycle.WrapError(lifecycle.ErrValidation, err, "append lifecycle event")
	}
	return nil
}

func (s *EventStore) List(ctx context.Context, recordType, recordID, tenant string) ([]engine.Event, error) {
	query := `
		SELECT id, instance_id, record_type, record_id, tenant,
		       operation, from_state_id, to_state_id, outcome, reason, actor_id, occurred_at
		FROM lifecycle_events
		WHERE record_type = $1 AND record_id = $2 AND tenant = $3
		ORDER BY occurred_at ASC, id ASC
	`

	rows, err := s.pool.Query(ctx, query, recordType, recordID, tenant)
	if err != nil {
		return nil, lifecycle.WrapError(lifecycle.ErrValidation, err, "list lifecycle events")
	}
	defer rows.Close()

	var events []engine.Event
	for rows.Next() {
		var evt engine.Event
		if err := rows.Scan(
			&evt.ID,
			&evt.InstanceID,
			&evt.RecordType,
			&evt.RecordID,
			&evt.Tenant,
			&evt.Operation,
			&evt.FromStateID,
			&evt.ToStateID,
			&evt.Outcome,
			&evt.Reason,
			&evt.ActorID,
			&evt.OccurredAt,
		); err != nil {
			return nil, lifecycle.WrapError(lifecycle.ErrValidation, err, "scan lifecycle event")
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}
