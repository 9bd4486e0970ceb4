package app

import (
	"context"
	"log"
	"time"

	"github.com/scholarstream/application-service/internal/domain"
	"github.com/scholarstream/application-service/pkg/rabbitmq"
)

// Escalation reasons.
const (
	ReasonPersistenceFailed = "persistence_failed"
	ReasonPersistenceStuck  = "persistence_stuck"
	ReasonAmountMismatch    = "amount_mismatch"
	ReasonOrphanCharge      = "orphan_charge"
)

// Escalator reports charges that need an operator's attention.
type Escalator interface {
	Escalate(ctx context.Context, record domain.EscalationRecord)
}

// OperatorEscalator writes a critical log line and publishes a
// checkout.escalation event. Publishing is best effort; the log line is the
// record of last resort.
type OperatorEscalator struct {
	publisher rabbitmq.Publisher
	exchange  string
}

func NewOperatorEscalator(publisher rabbitmq.Publisher, exchange string) *OperatorEscalator {
	return &OperatorEscalator{publisher: publisher, exchange: exchange}
}

func (e *OperatorEscalator) Escalate(ctx context.Context, record domain.EscalationRecord) {
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now().UTC()
	}
	log.Printf(
		"level=critical component=escalation reason=%s intent_id=%s transaction_id=%s amount=%d currency=%s user_id=%s user_email=%s detail=%q",
		record.Reason,
		record.IntentID,
		record.TransactionRef,
		record.Amount,
		record.Currency,
		record.UserID,
		record.UserEmail,
		record.Detail,
	)
	if e.publisher == nil {
		return
	}

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.publisher.Publish(publishCtx, e.exchange, domain.EventCheckoutEscalation, record); err != nil {
		log.Printf("level=error component=escalation msg=\"failed to publish escalation\" transaction_id=%s err=%v", record.TransactionRef, err)
	}
}

func escalationFromAttempt(reason string, attempt *domain.CheckoutAttempt, detail string) domain.EscalationRecord {
	record := domain.EscalationRecord{
		Reason:    reason,
		IntentID:  attempt.IntentID,
		Amount:    attempt.Amount,
		Currency:  attempt.Currency,
		UserID:    attempt.UserID,
		UserEmail: attempt.ApplicantEmail,
		Detail:    detail,
	}
	if attempt.TransactionRef != nil {
		record.TransactionRef = *attempt.TransactionRef
	}
	return record
}
