package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys for events this service publishes.
const (
	EventApplicationCreated       = "application.created"
	EventApplicationStatusChanged = "application.status_changed"
	EventApplicationFeedbackSet   = "application.feedback_set"
	EventApplicationUpdated       = "application.updated"
	EventApplicationDeleted       = "application.deleted"
	EventCheckoutEscalation       = "checkout.escalation"
)

// Routing keys for processor events relayed onto the bus.
const (
	EventPaymentIntentSucceeded      = "payment.intent.succeeded"
	EventPaymentIntentFailed         = "payment.intent.failed"
	EventPaymentIntentRequiresAction = "payment.intent.requires_action"
)

// ApplicationEvent is published whenever an application row changes.
type ApplicationEvent struct {
	EventID        uuid.UUID         `json:"event_id"`
	Type           string            `json:"type"`
	ApplicationID  uuid.UUID         `json:"application_id"`
	ScholarshipID  uuid.UUID         `json:"scholarship_id,omitempty"`
	ApplicantEmail string            `json:"applicant_email,omitempty"`
	Status         ApplicationStatus `json:"status,omitempty"`
	PreviousStatus ApplicationStatus `json:"previous_status,omitempty"`
	ActorID        string            `json:"actor_id,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// PaymentIntentEvent is the relayed processor webhook payload.
type PaymentIntentEvent struct {
	EventID        string `json:"event_id"`
	Type           string `json:"type"`
	IntentID       string `json:"payment_intent_id"`
	Status         string `json:"status"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	TransactionRef string `json:"transaction_id"`
	FailureMessage string `json:"failure_message,omitempty"`
}

// EscalationRecord carries what an operator needs to reconcile a charge
// that has no matching application.
type EscalationRecord struct {
	Reason         string    `json:"reason"`
	IntentID       string    `json:"payment_intent_id"`
	TransactionRef string    `json:"transaction_id"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	UserID         string    `json:"user_id"`
	UserEmail      string    `json:"user_email"`
	Detail         string    `json:"detail,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// BatchCommitFailure names one staged change that could not be applied.
type BatchCommitFailure struct {
	ApplicationID uuid.UUID         `json:"application_id"`
	Requested     ApplicationStatus `json:"requested_status"`
	Reason        string            `json:"reason"`
	Error         string            `json:"error"`
}

// BatchCommitReport summarizes one commit of a moderator's staging map.
type BatchCommitReport struct {
	Committed []uuid.UUID          `json:"committed"`
	Failed    []BatchCommitFailure `json:"failed"`
}
