package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/scholarstream/application-service/internal/domain"
)

// claimOutboxQuery hands out due rows in insertion order. A row is held back
// while an older row for the same aggregate is still unpublished, so a
// consumer never sees an application's events out of order even when an
// earlier publish failed and was rescheduled.
const claimOutboxQuery = `
		WITH candidates AS (
			SELECT o.id
			FROM event_outbox o
			WHERE (
				(o.status = 'pending' AND o.next_attempt_at <= NOW())
				OR (o.status = 'processing' AND o.processing_started_at < NOW() - make_interval(secs => $2))
			)
			AND NOT EXISTS (
				SELECT 1
				FROM event_outbox earlier
				WHERE o.aggregate_id <> ''
				  AND earlier.aggregate_id = o.aggregate_id
				  AND earlier.id < o.id
				  AND earlier.status <> 'published'
			)
			ORDER BY o.id
			LIMIT $1
			FOR UPDATE OF o SKIP LOCKED
		)
		UPDATE event_outbox AS claimed
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = claimed.attempts + 1
		FROM candidates
		WHERE claimed.id = candidates.id
		RETURNING claimed.id, claimed.aggregate_id, claimed.exchange, claimed.routing_key, claimed.payload, claimed.attempts
	`

// ClaimOutboxMessages leases up to limit publishable rows. Rows stuck in
// processing longer than staleAfterSeconds are leased again.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	rows, err := r.db.Query(ctx, claimOutboxQuery, limit, staleAfterSeconds)
	if err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[OutboxMessage])
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	return r.settleOutbox(ctx, `status = 'published', published_at = NOW(), last_error = NULL`, id)
}

// MarkOutboxFailed returns a row to pending. Later rows for the same
// aggregate stay parked behind it until it is published.
func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	return r.settleOutbox(ctx,
		`status = 'pending', next_attempt_at = NOW() + make_interval(secs => $2), last_error = $3`,
		id, retryAfterSeconds, truncateReason(reason))
}

func (r *PostgresRepository) settleOutbox(ctx context.Context, set string, id int64, args ...interface{}) error {
	query := `UPDATE event_outbox SET processing_started_at = NULL, ` + set + ` WHERE id = $1`
	if _, err := r.db.Exec(ctx, query, append([]interface{}{id}, args...)...); err != nil {
		return fmt.Errorf("settle outbox message %d: %w", id, err)
	}
	return nil
}

// appendEvent records an application event inside the transaction that made
// the change, keyed by the application so its events publish in order.
func (r *PostgresRepository) appendEvent(ctx context.Context, tx pgx.Tx, event domain.ApplicationEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO event_outbox (aggregate_id, exchange, routing_key, payload)
		VALUES ($1, $2, $3, $4::jsonb)
	`, event.ApplicationID.String(), r.exchange, event.Type, string(body)); err != nil {
		return fmt.Errorf("append %s event for application %s: %w", event.Type, event.ApplicationID, err)
	}
	return nil
}

func newApplicationEvent(eventType string, app *domain.Application, previous domain.ApplicationStatus, actorID string) domain.ApplicationEvent {
	return domain.ApplicationEvent{
		EventID:        uuid.New(),
		Type:           eventType,
		ApplicationID:  app.ID,
		ScholarshipID:  app.ScholarshipID,
		ApplicantEmail: app.ApplicantEmail,
		Status:         app.ApplicationStatus,
		PreviousStatus: previous,
		ActorID:        actorID,
		OccurredAt:     time.Now().UTC(),
	}
}
