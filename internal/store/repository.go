/**
 * @description
 * The `Repository` interface covers every data access operation the
 * application-service needs: the application record store, the durable
 * checkout attempts that back post-charge persistence, the read-only
 * scholarship catalog, and the event outbox.
 *
 * @dependencies
 * - github.com/google/uuid: identifiers.
 * - internal/domain: domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/scholarstream/application-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Catalog (read-only)
	FindScholarshipByID(ctx context.Context, id uuid.UUID) (*domain.Scholarship, error)

	// Application record store
	CreateApplication(ctx context.Context, params CreateApplicationParams) (*domain.Application, error)
	FindApplicationByID(ctx context.Context, id uuid.UUID) (*domain.Application, error)
	FindApplicationByTransactionRef(ctx context.Context, transactionRef string) (*domain.Application, error)
	ListApplicationsByUser(ctx context.Context, userID, email string) ([]domain.Application, error)
	ListApplications(ctx context.Context, opts domain.ListApplicationsOptions) ([]domain.Application, error)
	TransitionApplicationStatus(ctx context.Context, params TransitionParams) (*domain.Application, error)
	UpdateApplicantFields(ctx context.Context, id uuid.UUID, update domain.ApplicantFieldsUpdate, actorID string) (*domain.Application, error)
	DeleteApplication(ctx context.Context, id uuid.UUID, actorID string) error
	SetFeedback(ctx context.Context, id uuid.UUID, feedback string, actorID string) (*domain.Application, error)

	// Checkout attempts
	CreateCheckoutAttempt(ctx context.Context, attempt *domain.CheckoutAttempt) (*domain.CheckoutAttempt, error)
	FindCheckoutAttemptByID(ctx context.Context, id uuid.UUID) (*domain.CheckoutAttempt, error)
	FindCheckoutAttemptByIntentID(ctx context.Context, intentID string) (*domain.CheckoutAttempt, error)
	ListCheckoutAttempts(ctx context.Context, status *domain.AttemptStatus, limit int) ([]domain.CheckoutAttempt, error)
	ListAttemptsOlderThan(ctx context.Context, status domain.AttemptStatus, age time.Duration, limit int) ([]domain.CheckoutAttempt, error)
	MarkAttemptConfirmed(ctx context.Context, intentID string, transactionRef string) (*domain.CheckoutAttempt, error)
	MarkAttemptAbandoned(ctx context.Context, intentID string, reason string) (*domain.CheckoutAttempt, error)
	MarkAttemptAmountMismatch(ctx context.Context, intentID string, transactionRef string, reason string) (*domain.CheckoutAttempt, error)
	ClaimConfirmedAttempts(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.CheckoutAttempt, error)
	MarkAttemptRetry(ctx context.Context, id uuid.UUID, retryAfterSeconds int, reason string) error
	MarkAttemptEscalated(ctx context.Context, id uuid.UUID) error
	RequeueAttempt(ctx context.Context, id uuid.UUID) error

	// Event outbox
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// CreateApplicationParams carries the record to insert. When AttemptID is set
// the matching checkout attempt is marked persisted in the same transaction.
type CreateApplicationParams struct {
	Application domain.Application
	AttemptID   *uuid.UUID
}

// TransitionParams describes a status-guarded write: the row is only updated
// while its current status still equals From.
type TransitionParams struct {
	ID      uuid.UUID
	From    domain.ApplicationStatus
	To      domain.ApplicationStatus
	ActorID string
}

// OutboxMessage is a claimed event_outbox row.
type OutboxMessage struct {
	ID          int64
	AggregateID string
	Exchange    string
	RoutingKey  string
	Payload     []byte
	Attempts    int
}
