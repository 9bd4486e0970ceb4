package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/scholarstream/application-service/internal/domain"
	"github.com/scholarstream/application-service/internal/store"
	"github.com/scholarstream/application-service/pkg/paymentgateway"
)

const reconcileBatchSize = 100

// IntentLookup fetches the processor's current view of a payment intent.
type IntentLookup interface {
	GetPaymentIntent(ctx context.Context, intentID string) (*paymentgateway.PaymentIntent, error)
}

// Jobs contains the scheduled reconciliation tasks.
type Jobs struct {
	repo       store.Repository
	gateway    IntentLookup
	events     *PaymentEventConsumer
	escalator  Escalator
	staleAfter time.Duration
	logger     *slog.Logger
}

func NewJobs(repo store.Repository, gateway IntentLookup, escalator Escalator, staleAfter time.Duration, logger *slog.Logger) *Jobs {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &Jobs{
		repo:       repo,
		gateway:    gateway,
		events:     NewPaymentEventConsumer(repo, escalator),
		escalator:  escalator,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// ReconcileStaleAttempts asks the processor about attempts that never heard
// back, and applies its answer as if the matching event had arrived.
func (j *Jobs) ReconcileStaleAttempts() {
	j.logger.Info("starting stale checkout reconciliation job")
	ctx := context.Background()

	attempts, err := j.repo.ListAttemptsOlderThan(ctx, domain.AttemptAwaitingConfirmation, j.staleAfter, reconcileBatchSize)
	if err != nil {
		j.logger.Error("failed to list stale checkout attempts", "error", err)
		return
	}

	resolved := 0
	for i := range attempts {
		attempt := &attempts[i]
		intent, err := j.gateway.GetPaymentIntent(ctx, attempt.IntentID)
		if err != nil {
			var gwErr *paymentgateway.Error
			if errors.As(err, &gwErr) && gwErr.HTTPStatus == 404 {
				if _, err := j.repo.MarkAttemptAbandoned(ctx, attempt.IntentID, "intent unknown to processor"); err != nil {
					j.logger.Error("failed to abandon unknown intent", "intent_id", attempt.IntentID, "error", err)
				}
				continue
			}
			j.logger.Error("failed to fetch payment intent", "intent_id", attempt.IntentID, "error", err)
			continue
		}

		event := domain.PaymentIntentEvent{
			IntentID:       intent.ID,
			Status:         intent.Status,
			Amount:         intent.ConfirmedAmount(),
			Currency:       intent.Currency,
			TransactionRef: intent.TransactionRef(),
		}
		if intent.LastPaymentError != nil {
			event.FailureMessage = intent.LastPaymentError.Message
		}
		if err := j.events.processEvent(ctx, event); err != nil {
			j.logger.Error("failed to apply processor state", "intent_id", attempt.IntentID, "status", intent.Status, "error", err)
			continue
		}
		if intent.Status == paymentgateway.StatusSucceeded || intent.Status == paymentgateway.StatusCanceled {
			resolved++
		}
	}

	j.logger.Info("stale checkout reconciliation job finished", "examined", len(attempts), "resolved", resolved)
}

// EscalateStuckAttempts reports confirmed charges that still have no
// application after the stale threshold.
func (j *Jobs) EscalateStuckAttempts() {
	j.logger.Info("starting stuck checkout escalation job")
	ctx := context.Background()

	attempts, err := j.repo.ListAttemptsOlderThan(ctx, domain.AttemptConfirmed, j.staleAfter, reconcileBatchSize)
	if err != nil {
		j.logger.Error("failed to list stuck checkout attempts", "error", err)
		return
	}

	escalated := 0
	for i := range attempts {
		attempt := &attempts[i]
		if attempt.EscalatedAt != nil {
			continue
		}
		detail := "confirmed charge has no application"
		if attempt.LastError != nil {
			detail += ": " + *attempt.LastError
		}
		j.escalator.Escalate(ctx, escalationFromAttempt(ReasonPersistenceStuck, attempt, detail))
		if err := j.repo.MarkAttemptEscalated(ctx, attempt.ID); err != nil {
			j.logger.Error("failed to mark attempt escalated", "intent_id", attempt.IntentID, "error", err)
			continue
		}
		escalated++
	}

	j.logger.Info("stuck checkout escalation job finished", "escalated", escalated)
}
