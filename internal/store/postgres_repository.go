/**
 * @description
 * PostgreSQL implementation of the `Repository` interface for scholarships and
 * applications. Status changes are conditional writes guarded by the status the
 * caller observed, so a concurrent moderator can never be silently overwritten.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and pool.
 * - github.com/shopspring/decimal: NUMERIC fee columns.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/scholarstream/application-service/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrScholarshipNotFound    = errors.New("scholarship not found")
	ErrApplicationNotFound    = errors.New("application not found")
	ErrApplicationNotEditable = errors.New("application is no longer pending")
	ErrStaleTransition        = errors.New("application status changed since it was read")
	ErrMissingTransactionRef  = errors.New("application requires a transaction reference")
	ErrUnpaidApplication      = errors.New("application rows are only created for paid checkouts")
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

const applicationColumns = `
	id, scholarship_id, scholarship_name, university_name, university_country, degree,
	subject_category, user_id, applicant_email, applicant_name, application_fees::text,
	service_charge::text, amount_paid, currency, payment_status, application_status,
	feedback, transaction_ref, application_date, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db       *pgxpool.Pool
	exchange string
}

// NewPostgresRepository creates a new instance of PostgresRepository. Domain
// events are enqueued for publication on exchange.
func NewPostgresRepository(db *pgxpool.Pool, exchange string) *PostgresRepository {
	return &PostgresRepository{db: db, exchange: strings.TrimSpace(exchange)}
}

// FindScholarshipByID reads the fee and display fields of a catalog entry.
func (r *PostgresRepository) FindScholarshipByID(ctx context.Context, id uuid.UUID) (*domain.Scholarship, error) {
	var (
		s      domain.Scholarship
		fee    *string
		charge *string
	)
	query := `
		SELECT id, scholarship_name, university_name, university_country, degree, subject_category,
			application_fees::text, service_charge::text
		FROM scholarships
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.Name, &s.UniversityName, &s.UniversityCountry, &s.DegreeName, &s.SubjectCategory, &fee, &charge,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrScholarshipNotFound
		}
		return nil, err
	}
	if s.ApplicationFee, err = parseNullDecimal(fee); err != nil {
		return nil, fmt.Errorf("scholarship %s application fee: %w", id, err)
	}
	if s.ServiceCharge, err = parseNullDecimal(charge); err != nil {
		return nil, fmt.Errorf("scholarship %s service charge: %w", id, err)
	}
	return &s, nil
}

// CreateApplication inserts a paid application. The insert is idempotent on
// transaction_ref: a retry for the same charge returns the existing row.
func (r *PostgresRepository) CreateApplication(ctx context.Context, params CreateApplicationParams) (*domain.Application, error) {
	app := params.Application
	app.TransactionRef = strings.TrimSpace(app.TransactionRef)
	if app.TransactionRef == "" {
		return nil, ErrMissingTransactionRef
	}
	if app.PaymentStatus != domain.PaymentPaid {
		return nil, ErrUnpaidApplication
	}
	if app.ApplicationStatus == "" {
		app.ApplicationStatus = domain.StatusPending
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO applications (
			scholarship_id, scholarship_name, university_name, university_country, degree,
			subject_category, user_id, applicant_email, applicant_name, application_fees,
			service_charge, amount_paid, currency, payment_status, application_status, transaction_ref
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11::numeric, $12, $13, $14, $15, $16)
		ON CONFLICT (transaction_ref) DO NOTHING
		RETURNING ` + applicationColumns

	created := true
	stored, err := scanApplication(tx.QueryRow(ctx, insert,
		app.ScholarshipID,
		app.ScholarshipName,
		app.UniversityName,
		app.UniversityCountry,
		app.DegreeName,
		app.SubjectCategory,
		app.UserID,
		app.ApplicantEmail,
		app.ApplicantName,
		app.ApplicationFee.StringFixed(2),
		app.ServiceCharge.StringFixed(2),
		app.AmountPaid,
		app.Currency,
		string(app.PaymentStatus),
		string(app.ApplicationStatus),
		app.TransactionRef,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		created = false
		stored, err = scanApplication(tx.QueryRow(ctx,
			`SELECT `+applicationColumns+` FROM applications WHERE transaction_ref = $1`, app.TransactionRef))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert application: %w", err)
	}

	if params.AttemptID != nil {
		if _, err := tx.Exec(ctx, `
			UPDATE checkout_attempts
			SET status = 'persisted',
				application_id = $2,
				processing_started_at = NULL,
				last_error = NULL,
				updated_at = NOW()
			WHERE id = $1
		`, *params.AttemptID, stored.ID); err != nil {
			return nil, fmt.Errorf("failed to mark checkout attempt persisted: %w", err)
		}
	}

	if created {
		event := newApplicationEvent(domain.EventApplicationCreated, stored, "", stored.UserID)
		if err := r.appendEvent(ctx, tx, event); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return stored, nil
}

// FindApplicationByID retrieves an application by id.
func (r *PostgresRepository) FindApplicationByID(ctx context.Context, id uuid.UUID) (*domain.Application, error) {
	app, err := scanApplication(r.db.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrApplicationNotFound
		}
		return nil, err
	}
	return app, nil
}

// FindApplicationByTransactionRef retrieves the application created for a processor charge.
func (r *PostgresRepository) FindApplicationByTransactionRef(ctx context.Context, transactionRef string) (*domain.Application, error) {
	app, err := scanApplication(r.db.QueryRow(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE transaction_ref = $1`, strings.TrimSpace(transactionRef)))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrApplicationNotFound
		}
		return nil, err
	}
	return app, nil
}

// Rows without a subject predate identity ids and are matched on email alone.
const listApplicationsByUserQuery = `
		SELECT ` + applicationColumns + `
		FROM applications
		WHERE user_id = $1
		   OR (user_id = '' AND $2 <> '' AND LOWER(applicant_email) = LOWER($2))
		ORDER BY application_date DESC
	`

// ListApplicationsByUser returns the applications submitted by a user, matched
// on the identity subject. The applicant email only matches rows that carry
// no subject.
func (r *PostgresRepository) ListApplicationsByUser(ctx context.Context, userID, email string) ([]domain.Application, error) {
	rows, err := r.db.Query(ctx, listApplicationsByUserQuery, strings.TrimSpace(userID), strings.TrimSpace(email))
	if err != nil {
		return nil, err
	}
	return collectApplications(rows)
}

// ListApplications returns every application, newest first, optionally filtered by status.
func (r *PostgresRepository) ListApplications(ctx context.Context, opts domain.ListApplicationsOptions) ([]domain.Application, error) {
	query, args := buildListApplicationsQuery(opts)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectApplications(rows)
}

// TransitionApplicationStatus moves a row from params.From to params.To. If the
// row no longer holds params.From the write is skipped and ErrStaleTransition
// is returned.
func (r *PostgresRepository) TransitionApplicationStatus(ctx context.Context, params TransitionParams) (*domain.Application, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE applications
		SET application_status = $3, updated_at = NOW()
		WHERE id = $1 AND application_status = $2
		RETURNING ` + applicationColumns
	app, err := scanApplication(tx.QueryRow(ctx, query, params.ID, string(params.From), string(params.To)))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, missingOr(ctx, tx, params.ID, ErrStaleTransition)
		}
		return nil, err
	}

	event := newApplicationEvent(domain.EventApplicationStatusChanged, app, params.From, params.ActorID)
	if err := r.appendEvent(ctx, tx, event); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return app, nil
}

// UpdateApplicantFields applies a student self-edit while the row is still pending.
func (r *PostgresRepository) UpdateApplicantFields(ctx context.Context, id uuid.UUID, update domain.ApplicantFieldsUpdate, actorID string) (*domain.Application, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE applications
		SET applicant_name = COALESCE($2, applicant_name),
			applicant_email = COALESCE($3, applicant_email),
			updated_at = NOW()
		WHERE id = $1 AND application_status = 'pending'
		RETURNING ` + applicationColumns
	app, err := scanApplication(tx.QueryRow(ctx, query, id, update.ApplicantName, update.ApplicantEmail))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, missingOr(ctx, tx, id, ErrApplicationNotEditable)
		}
		return nil, err
	}

	event := newApplicationEvent(domain.EventApplicationUpdated, app, "", actorID)
	if err := r.appendEvent(ctx, tx, event); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return app, nil
}

// DeleteApplication removes a pending application.
func (r *PostgresRepository) DeleteApplication(ctx context.Context, id uuid.UUID, actorID string) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		DELETE FROM applications
		WHERE id = $1 AND application_status = 'pending'
		RETURNING ` + applicationColumns
	app, err := scanApplication(tx.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return missingOr(ctx, tx, id, ErrApplicationNotEditable)
		}
		return err
	}

	event := newApplicationEvent(domain.EventApplicationDeleted, app, "", actorID)
	if err := r.appendEvent(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SetFeedback replaces the moderator note. Blank feedback clears it.
func (r *PostgresRepository) SetFeedback(ctx context.Context, id uuid.UUID, feedback string, actorID string) (*domain.Application, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE applications
		SET feedback = NULLIF(btrim($2), ''), updated_at = NOW()
		WHERE id = $1
		RETURNING ` + applicationColumns
	app, err := scanApplication(tx.QueryRow(ctx, query, id, feedback))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrApplicationNotFound
		}
		return nil, err
	}

	event := newApplicationEvent(domain.EventApplicationFeedbackSet, app, "", actorID)
	if err := r.appendEvent(ctx, tx, event); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return app, nil
}

// missingOr distinguishes a row that does not exist from one whose guard failed.
func missingOr(ctx context.Context, tx pgx.Tx, id uuid.UUID, guardErr error) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM applications WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrApplicationNotFound
	}
	return guardErr
}

func buildListApplicationsQuery(opts domain.ListApplicationsOptions) (string, []interface{}) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		b    strings.Builder
		args []interface{}
	)
	b.WriteString(`SELECT ` + applicationColumns + ` FROM applications`)
	if opts.Status != nil {
		args = append(args, string(*opts.Status))
		fmt.Fprintf(&b, " WHERE application_status = $%d", len(args))
	}
	args = append(args, limit, offset)
	fmt.Fprintf(&b, " ORDER BY application_date DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return b.String(), args
}

func scanApplication(row pgx.Row) (*domain.Application, error) {
	var (
		app           domain.Application
		fee           string
		charge        string
		paymentStatus string
		status        string
	)
	err := row.Scan(
		&app.ID,
		&app.ScholarshipID,
		&app.ScholarshipName,
		&app.UniversityName,
		&app.UniversityCountry,
		&app.DegreeName,
		&app.SubjectCategory,
		&app.UserID,
		&app.ApplicantEmail,
		&app.ApplicantName,
		&fee,
		&charge,
		&app.AmountPaid,
		&app.Currency,
		&paymentStatus,
		&status,
		&app.Feedback,
		&app.TransactionRef,
		&app.ApplicationDate,
		&app.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if app.ApplicationFee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("invalid application fee %q: %w", fee, err)
	}
	if app.ServiceCharge, err = decimal.NewFromString(charge); err != nil {
		return nil, fmt.Errorf("invalid service charge %q: %w", charge, err)
	}
	app.PaymentStatus = domain.PaymentStatus(paymentStatus)
	app.ApplicationStatus = domain.ApplicationStatus(status)
	return &app, nil
}

func collectApplications(rows pgx.Rows) ([]domain.Application, error) {
	defer rows.Close()
	apps := make([]domain.Application, 0)
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, *app)
	}
	return apps, rows.Err()
}

func parseNullDecimal(raw *string) (decimal.NullDecimal, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(*raw))
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}
