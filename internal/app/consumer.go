package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/scholarstream/application-service/internal/domain"
	"github.com/scholarstream/application-service/internal/store"
	"github.com/scholarstream/application-service/pkg/paymentgateway"
)

// PaymentEventConsumer applies processor payment events relayed onto the bus
// to checkout attempts. Confirmed attempts are then persisted by the
// PersistenceWorker.
type PaymentEventConsumer struct {
	repo      store.Repository
	escalator Escalator
}

func NewPaymentEventConsumer(repo store.Repository, escalator Escalator) *PaymentEventConsumer {
	return &PaymentEventConsumer{repo: repo, escalator: escalator}
}

// HandleMessage returns false only for transient failures that should be
// redelivered.
func (c *PaymentEventConsumer) HandleMessage(body []byte) bool {
	var event domain.PaymentIntentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=payment_consumer msg=\"dropping malformed event\" err=%v", err)
		return true
	}
	event.IntentID = strings.TrimSpace(event.IntentID)
	if event.IntentID == "" {
		log.Printf("level=warn component=payment_consumer msg=\"dropping event without intent id\" event_id=%s", event.EventID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.processEvent(ctx, event); err != nil {
		log.Printf("level=error component=payment_consumer msg=\"event processing failed\" event_id=%s intent_id=%s err=%v", event.EventID, event.IntentID, err)
		return false
	}
	return true
}

func (c *PaymentEventConsumer) processEvent(ctx context.Context, event domain.PaymentIntentEvent) error {
	attempt, err := c.repo.FindCheckoutAttemptByIntentID(ctx, event.IntentID)
	if err != nil {
		if errors.Is(err, store.ErrAttemptNotFound) {
			if normalizeEventStatus(event) == paymentgateway.StatusSucceeded {
				c.escalator.Escalate(ctx, domain.EscalationRecord{
					Reason:         ReasonOrphanCharge,
					IntentID:       event.IntentID,
					TransactionRef: event.TransactionRef,
					Amount:         event.Amount,
					Currency:       event.Currency,
					Detail:         "processor reported a charge with no checkout attempt",
				})
			}
			return nil
		}
		return err
	}

	switch normalizeEventStatus(event) {
	case paymentgateway.StatusSucceeded:
		return c.handleSuccess(ctx, attempt, event)
	case paymentgateway.StatusCanceled, paymentgateway.StatusRequiresPaymentMethod:
		return c.handleFailure(ctx, attempt, event)
	default:
		log.Printf("level=info component=payment_consumer msg=\"non-final payment status\" intent_id=%s status=%s", event.IntentID, event.Status)
		return nil
	}
}

func (c *PaymentEventConsumer) handleSuccess(ctx context.Context, attempt *domain.CheckoutAttempt, event domain.PaymentIntentEvent) error {
	switch attempt.Status {
	case domain.AttemptConfirmed, domain.AttemptPersisting, domain.AttemptPersisted, domain.AttemptAmountMismatch:
		return nil
	}

	txRef := strings.TrimSpace(event.TransactionRef)
	if txRef == "" {
		txRef = event.IntentID
	}
	if event.Amount != attempt.Amount || !strings.EqualFold(event.Currency, attempt.Currency) {
		detail := fmt.Sprintf("event amount %d %s, attempt amount %d %s", event.Amount, event.Currency, attempt.Amount, attempt.Currency)
		if _, err := c.repo.MarkAttemptAmountMismatch(ctx, attempt.IntentID, txRef, detail); err != nil && !errors.Is(err, store.ErrAttemptStateConflict) {
			return err
		}
		record := escalationFromAttempt(ReasonAmountMismatch, attempt, detail)
		record.TransactionRef = txRef
		record.Amount = event.Amount
		c.escalator.Escalate(ctx, record)
		return nil
	}

	if _, err := c.repo.MarkAttemptConfirmed(ctx, attempt.IntentID, txRef); err != nil {
		if errors.Is(err, store.ErrAttemptStateConflict) {
			log.Printf("level=warn component=payment_consumer msg=\"attempt not confirmable\" intent_id=%s status=%s", attempt.IntentID, attempt.Status)
			return nil
		}
		return err
	}
	log.Printf("level=info component=payment_consumer msg=\"attempt confirmed from event\" intent_id=%s transaction_id=%s", attempt.IntentID, txRef)
	return nil
}

func (c *PaymentEventConsumer) handleFailure(ctx context.Context, attempt *domain.CheckoutAttempt, event domain.PaymentIntentEvent) error {
	if attempt.Status != domain.AttemptAwaitingConfirmation {
		return nil
	}
	reason := event.FailureMessage
	if reason == "" {
		reason = "processor reported " + event.Status
	}
	if _, err := c.repo.MarkAttemptAbandoned(ctx, attempt.IntentID, reason); err != nil && !errors.Is(err, store.ErrAttemptStateConflict) {
		return err
	}
	return nil
}

func normalizeEventStatus(event domain.PaymentIntentEvent) string {
	if status := strings.ToLower(strings.TrimSpace(event.Status)); status != "" {
		return status
	}
	switch event.Type {
	case domain.EventPaymentIntentSucceeded:
		return paymentgateway.StatusSucceeded
	case domain.EventPaymentIntentFailed:
		return paymentgateway.StatusRequiresPaymentMethod
	case domain.EventPaymentIntentRequiresAction:
		return paymentgateway.StatusRequiresAction
	}
	return ""
}
