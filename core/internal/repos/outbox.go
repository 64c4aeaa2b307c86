package repos

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"predictive-maintenance-core/core/internal/models"
	"predictive-maintenance-core/core/internal/store"
	"predictive-maintenance-core/shared/workflow"
)

const outboxColumns = `event_id, tenant_id, aggregate_id, topic, schema_version, payload, status, retry_count, last_error,
	created_at, processed_at, next_retry_at, locked_by, locked_until`

func scanOutboxEvent(row rowScanner) (models.OutboxEvent, error) {
	var e models.OutboxEvent
	err := row.Scan(
		&e.EventID, &e.TenantID, &e.AggregateID, &e.Topic, &e.SchemaVersion, &e.Payload, &e.Status, &e.RetryCount, &e.LastError,
		&e.CreatedAt, &e.ProcessedAt, &e.NextRetryAt, &e.LockedBy, &e.LockedUntil,
	)
	return e, err
}

func insertOutboxEvent(ctx context.Context, db DBTX, e models.OutboxEvent) (models.OutboxEvent, error) {
	if e.EventID == uuid.Nil {
		e.EventID = uuid.New()
	}
	if e.Status == "" {
		e.Status = workflow.OutboxPending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return scanOutboxEvent(db.QueryRow(ctx, `
		INSERT INTO outbox_events (`+outboxColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING `+outboxColumns,
		e.EventID, e.TenantID, e.AggregateID, e.Topic, e.SchemaVersion, e.Payload, e.Status, e.RetryCount, e.LastError,
		e.CreatedAt, e.ProcessedAt, e.NextRetryAt, e.LockedBy, e.LockedUntil))
}

// ClaimPending leases due rows with SKIP LOCKED so concurrent pollers never
// receive the same row. A crashed owner's lease simply expires.
func (p *Postgres) ClaimPending(ctx context.Context, owner string, limit int, lease time.Duration) ([]models.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		WITH candidates AS (
			SELECT event_id
			FROM outbox_events
			WHERE status = $1
				AND (next_retry_at IS NULL OR next_retry_at <= now())
				AND (locked_until IS NULL OR locked_until < now())
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE outbox_events o
		SET locked_by = $3, locked_until = now() + make_interval(secs => $4)
		FROM candidates c
		WHERE o.event_id = c.event_id
		RETURNING o.event_id, o.tenant_id, o.aggregate_id, o.topic, o.schema_version, o.payload, o.status, o.retry_count,
			o.last_error, o.created_at, o.processed_at, o.next_retry_at, o.locked_by, o.locked_until
	`, workflow.OutboxPending, limit, owner, lease.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]models.OutboxEvent, 0, limit)
	for rows.Next() {
		e, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// UPDATE ... RETURNING does not preserve the CTE order
	sortByCreated(events)
	return events, nil
}

func (p *Postgres) GetEvent(ctx context.Context, eventID uuid.UUID) (models.OutboxEvent, error) {
	e, err := scanOutboxEvent(p.pool.QueryRow(ctx, `
		SELECT `+outboxColumns+` FROM outbox_events WHERE event_id = $1
	`, eventID))
	if notFound(err) {
		return models.OutboxEvent{}, store.ErrNotFound
	}
	return e, err
}

// RenewLease only extends a lease that is still live, so a row another
// poller may already have reclaimed is never taken back.
func (p *Postgres) RenewLease(ctx context.Context, eventID uuid.UUID, owner string, lease time.Duration) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE outbox_events
		SET locked_until = now() + make_interval(secs => $4)
		WHERE event_id = $1 AND status = $2 AND locked_by = $3 AND locked_until > now()
	`, eventID, workflow.OutboxPending, owner, lease.Seconds())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

func (p *Postgres) MarkPublished(ctx context.Context, eventID uuid.UUID, owner string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, processed_at = now(), locked_by = '', locked_until = NULL
		WHERE event_id = $1 AND status = $3 AND ($4::text = '' OR locked_by = $4::text)
	`, eventID, workflow.OutboxPublished, workflow.OutboxPending, owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if owner != "" {
			return store.ErrLeaseLost
		}
		return fmt.Errorf("%w: outbox event %s is not pending", workflow.ErrInvalidTransition, eventID)
	}
	return nil
}

func (p *Postgres) MarkFailed(ctx context.Context, eventID uuid.UUID, owner string, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error {
	status := workflow.OutboxPending
	if dead {
		status = workflow.OutboxFailed
		nextRetryAt = nil
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, retry_count = $3, next_retry_at = $4, last_error = $5, locked_by = '', locked_until = NULL
		WHERE event_id = $1 AND ($6::text = '' OR locked_by = $6::text)
	`, eventID, status, attempts, nextRetryAt, lastErr, owner)
	if err != nil {
		return err
	}
	if owner != "" && tag.RowsAffected() == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

// Requeue is the operator path for a FAILED row.
func (p *Postgres) Requeue(ctx context.Context, eventID uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, retry_count = 0, next_retry_at = NULL, locked_by = '', locked_until = NULL
		WHERE event_id = $1 AND status = $3
	`, eventID, workflow.OutboxPending, workflow.OutboxFailed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: outbox event %s is not failed", workflow.ErrInvalidTransition, eventID)
	}
	return nil
}

func (p *Postgres) RescanFailed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	tag, err := p.pool.Exec(ctx, `
		WITH failed AS (
			SELECT event_id FROM outbox_events
			WHERE status = $2
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		UPDATE outbox_events o
		SET status = $1, retry_count = 0, next_retry_at = NULL, locked_by = '', locked_until = NULL
		FROM failed f
		WHERE o.event_id = f.event_id
	`, workflow.OutboxPending, workflow.OutboxFailed, limit)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func sortByCreated(events []models.OutboxEvent) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
}
