package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/scholarstream/application-service/internal/domain"
)

var (
	ErrAttemptNotFound      = errors.New("checkout attempt not found")
	ErrAttemptStateConflict = errors.New("checkout attempt is not in the expected state")
)

const maxLastErrorLength = 2000

const attemptColumns = `
	id, intent_id, user_id, applicant_email, amount, currency, status, transaction_ref,
	application_id, draft::text, attempts, last_error, next_attempt_at, escalated_at,
	created_at, updated_at`

// CreateCheckoutAttempt records a checkout before the processor is asked to
// charge. A second call for the same intent returns the stored attempt.
func (r *PostgresRepository) CreateCheckoutAttempt(ctx context.Context, attempt *domain.CheckoutAttempt) (*domain.CheckoutAttempt, error) {
	intentID := strings.TrimSpace(attempt.IntentID)
	if intentID == "" {
		return nil, fmt.Errorf("checkout attempt requires an intent id")
	}
	draft, err := json.Marshal(attempt.Draft)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO checkout_attempts (intent_id, user_id, applicant_email, amount, currency, status, draft)
		VALUES ($1, $2, $3, $4, $5, 'awaiting_confirmation', $6::jsonb)
		ON CONFLICT (intent_id) DO NOTHING
		RETURNING ` + attemptColumns
	stored, err := scanAttempt(r.db.QueryRow(ctx, query,
		intentID,
		attempt.UserID,
		attempt.ApplicantEmail,
		attempt.Amount,
		attempt.Currency,
		string(draft),
	))
	if err == pgx.ErrNoRows {
		return r.FindCheckoutAttemptByIntentID(ctx, intentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record checkout attempt: %w", err)
	}
	return stored, nil
}

func (r *PostgresRepository) FindCheckoutAttemptByID(ctx context.Context, id uuid.UUID) (*domain.CheckoutAttempt, error) {
	attempt, err := scanAttempt(r.db.QueryRow(ctx, `SELECT `+attemptColumns+` FROM checkout_attempts WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	return attempt, nil
}

func (r *PostgresRepository) FindCheckoutAttemptByIntentID(ctx context.Context, intentID string) (*domain.CheckoutAttempt, error) {
	attempt, err := scanAttempt(r.db.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM checkout_attempts WHERE intent_id = $1`, strings.TrimSpace(intentID)))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	return attempt, nil
}

// ListCheckoutAttempts lists attempts newest first, optionally filtered by status.
func (r *PostgresRepository) ListCheckoutAttempts(ctx context.Context, status *domain.AttemptStatus, limit int) ([]domain.CheckoutAttempt, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	var (
		rows pgx.Rows
		err  error
	)
	if status != nil {
		rows, err = r.db.Query(ctx, `SELECT `+attemptColumns+` FROM checkout_attempts WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, string(*status), limit)
	} else {
		rows, err = r.db.Query(ctx, `SELECT `+attemptColumns+` FROM checkout_attempts ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	return collectAttempts(rows)
}

// ListAttemptsOlderThan returns attempts that have sat in status for longer than age.
func (r *PostgresRepository) ListAttemptsOlderThan(ctx context.Context, status domain.AttemptStatus, age time.Duration, limit int) ([]domain.CheckoutAttempt, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `
		SELECT ` + attemptColumns + `
		FROM checkout_attempts
		WHERE status = $1 AND updated_at < NOW() - ($2 * INTERVAL '1 second')
		ORDER BY updated_at
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, string(status), int(age.Seconds()), limit)
	if err != nil {
		return nil, err
	}
	return collectAttempts(rows)
}

// MarkAttemptConfirmed records that the processor reported the charge as
// succeeded. An abandoned attempt is revived, since money has moved. Repeated
// confirmations for the same charge are no-ops.
func (r *PostgresRepository) MarkAttemptConfirmed(ctx context.Context, intentID string, transactionRef string) (*domain.CheckoutAttempt, error) {
	query := `
		UPDATE checkout_attempts
		SET status = 'confirmed',
			transaction_ref = $2,
			next_attempt_at = NOW(),
			updated_at = NOW()
		WHERE intent_id = $1 AND status IN ('awaiting_confirmation', 'abandoned')
		RETURNING ` + attemptColumns
	attempt, err := scanAttempt(r.db.QueryRow(ctx, query, strings.TrimSpace(intentID), strings.TrimSpace(transactionRef)))
	if err == nil {
		return attempt, nil
	}
	if err != pgx.ErrNoRows {
		return nil, err
	}

	existing, err := r.FindCheckoutAttemptByIntentID(ctx, intentID)
	if err != nil {
		return nil, err
	}
	switch existing.Status {
	case domain.AttemptConfirmed, domain.AttemptPersisting, domain.AttemptPersisted:
		return existing, nil
	}
	return existing, ErrAttemptStateConflict
}

// MarkAttemptAbandoned closes an attempt whose charge did not go through.
func (r *PostgresRepository) MarkAttemptAbandoned(ctx context.Context, intentID string, reason string) (*domain.CheckoutAttempt, error) {
	query := `
		UPDATE checkout_attempts
		SET status = 'abandoned',
			last_error = $2,
			updated_at = NOW()
		WHERE intent_id = $1 AND status = 'awaiting_confirmation'
		RETURNING ` + attemptColumns
	attempt, err := scanAttempt(r.db.QueryRow(ctx, query, strings.TrimSpace(intentID), truncateReason(reason)))
	if err == nil {
		return attempt, nil
	}
	if err != pgx.ErrNoRows {
		return nil, err
	}

	existing, err := r.FindCheckoutAttemptByIntentID(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if existing.Status == domain.AttemptAbandoned {
		return existing, nil
	}
	return existing, ErrAttemptStateConflict
}

// MarkAttemptAmountMismatch parks a charge whose confirmed amount does not
// match the computed fee. Such attempts are never persisted automatically.
func (r *PostgresRepository) MarkAttemptAmountMismatch(ctx context.Context, intentID string, transactionRef string, reason string) (*domain.CheckoutAttempt, error) {
	query := `
		UPDATE checkout_attempts
		SET status = 'amount_mismatch',
			transaction_ref = $2,
			last_error = $3,
			updated_at = NOW()
		WHERE intent_id = $1 AND status = 'awaiting_confirmation'
		RETURNING ` + attemptColumns
	attempt, err := scanAttempt(r.db.QueryRow(ctx, query, strings.TrimSpace(intentID), strings.TrimSpace(transactionRef), truncateReason(reason)))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAttemptStateConflict
		}
		return nil, err
	}
	return attempt, nil
}

// ClaimConfirmedAttempts hands confirmed attempts to the persistence worker.
// Attempts left in persisting for longer than staleAfterSeconds are reclaimed.
func (r *PostgresRepository) ClaimConfirmedAttempts(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.CheckoutAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		UPDATE checkout_attempts
		SET status = 'persisting',
			processing_started_at = NOW(),
			attempts = attempts + 1,
			updated_at = NOW()
		WHERE id IN (
			SELECT id
			FROM checkout_attempts
			WHERE (
				(status = 'confirmed' AND next_attempt_at <= NOW())
				OR (status = 'persisting' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY next_attempt_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + attemptColumns

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	return collectAttempts(rows)
}

// MarkAttemptRetry returns a claimed attempt to the queue after a failed persist.
func (r *PostgresRepository) MarkAttemptRetry(ctx context.Context, id uuid.UUID, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	_, err := r.db.Exec(ctx, `
		UPDATE checkout_attempts
		SET status = 'confirmed',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3,
			updated_at = NOW()
		WHERE id = $1 AND status = 'persisting'
	`, id, retryAfterSeconds, truncateReason(reason))
	return err
}

func (r *PostgresRepository) MarkAttemptEscalated(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE checkout_attempts SET escalated_at = NOW() WHERE id = $1`, id)
	return err
}

// RequeueAttempt makes a confirmed or stuck attempt eligible for immediate retry.
func (r *PostgresRepository) RequeueAttempt(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE checkout_attempts
		SET status = 'confirmed',
			next_attempt_at = NOW(),
			processing_started_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status IN ('confirmed', 'persisting')
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, findErr := r.FindCheckoutAttemptByID(ctx, id); findErr != nil {
			return findErr
		}
		return ErrAttemptStateConflict
	}
	return nil
}

func scanAttempt(row pgx.Row) (*domain.CheckoutAttempt, error) {
	var (
		attempt domain.CheckoutAttempt
		status  string
		draft   string
	)
	err := row.Scan(
		&attempt.ID,
		&attempt.IntentID,
		&attempt.UserID,
		&attempt.ApplicantEmail,
		&attempt.Amount,
		&attempt.Currency,
		&status,
		&attempt.TransactionRef,
		&attempt.ApplicationID,
		&draft,
		&attempt.Attempts,
		&attempt.LastError,
		&attempt.NextAttemptAt,
		&attempt.EscalatedAt,
		&attempt.CreatedAt,
		&attempt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	attempt.Status = domain.AttemptStatus(status)
	if err := json.Unmarshal([]byte(draft), &attempt.Draft); err != nil {
		return nil, fmt.Errorf("invalid draft on checkout attempt %s: %w", attempt.ID, err)
	}
	return &attempt, nil
}

func collectAttempts(rows pgx.Rows) ([]domain.CheckoutAttempt, error) {
	defer rows.Close()
	attempts := make([]domain.CheckoutAttempt, 0)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *attempt)
	}
	return attempts, rows.Err()
}

func truncateReason(reason string) string {
	if len(reason) > maxLastErrorLength {
		return reason[:maxLastErrorLength]
	}
	return reason
}
