package domain

import (
	"time"

	"github.com/google/uuid"
)

// CheckoutState is the forward-only progress of one checkout session.
type CheckoutState string

const (
	CheckoutIntentAcquired    CheckoutState = "intent_acquired"
	CheckoutTokenized         CheckoutState = "tokenized"
	CheckoutConfirming        CheckoutState = "confirming"
	CheckoutRequiresAction    CheckoutState = "requires_action"
	CheckoutConfirmed         CheckoutState = "confirmed"
	CheckoutPersisted         CheckoutState = "persisted"
	CheckoutPersistenceQueued CheckoutState = "persistence_queued"
	CheckoutFailed            CheckoutState = "failed"
)

var checkoutStateRank = map[CheckoutState]int{
	CheckoutIntentAcquired:    1,
	CheckoutTokenized:         2,
	CheckoutConfirming:        3,
	CheckoutRequiresAction:    4,
	CheckoutConfirmed:         5,
	CheckoutPersisted:         6,
	CheckoutPersistenceQueued: 6,
	CheckoutFailed:            6,
}

// Terminal reports whether no further step may run for the session.
func (s CheckoutState) Terminal() bool {
	return s == CheckoutPersisted || s == CheckoutPersistenceQueued || s == CheckoutFailed
}

// Precedes reports whether next is strictly ahead of s.
func (s CheckoutState) Precedes(next CheckoutState) bool {
	return checkoutStateRank[next] > checkoutStateRank[s]
}

// PaymentIntentHandle is what the browser needs to confirm a payment.
// It is never written to the application database.
type PaymentIntentHandle struct {
	CheckoutID   string `json:"checkout_id"`
	IntentID     string `json:"payment_intent_id"`
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"` // in cents
	Currency     string `json:"currency"`
}

// CheckoutSession is the per-user saga state kept in the session store.
type CheckoutSession struct {
	ID               string              `json:"id"`
	State            CheckoutState       `json:"state"`
	Handle           PaymentIntentHandle `json:"handle"`
	Draft            ApplicationDraft    `json:"draft"`
	PaymentMethodRef string              `json:"payment_method_ref,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// CardInput is raw card data as entered on the checkout page.
type CardInput struct {
	Number   string `json:"number"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
	CVC      string `json:"cvc"`
}

// BillingIdentity accompanies the confirmation call.
type BillingIdentity struct {
	Name  string
	Email string
}

// CheckoutIntentRequest is the DTO for starting a checkout.
type CheckoutIntentRequest struct {
	ScholarshipID uuid.UUID `json:"scholarship_id"`
}

// CheckoutConfirmRequest is the DTO for the confirmation step. Either a card
// or an already tokenized payment method must be supplied.
type CheckoutConfirmRequest struct {
	CheckoutID      string     `json:"checkout_id"`
	Card            *CardInput `json:"card,omitempty"`
	PaymentMethodID string     `json:"payment_method_id,omitempty"`
}

// CheckoutOutcome is returned to the client after confirmation.
type CheckoutOutcome struct {
	State          CheckoutState `json:"state"`
	View           string        `json:"view"`
	ApplicationID  *uuid.UUID    `json:"application_id,omitempty"`
	TransactionRef string        `json:"transaction_id,omitempty"`
	Message        string        `json:"message,omitempty"`
}

const (
	ViewSuccess        = "success"
	ViewFailure        = "failure"
	ViewPending        = "pending"
	ViewActionRequired = "action_required"
)

// AttemptStatus is the persistence state of a durable checkout attempt.
type AttemptStatus string

const (
	AttemptAwaitingConfirmation AttemptStatus = "awaiting_confirmation"
	AttemptConfirmed            AttemptStatus = "confirmed"
	AttemptPersisting           AttemptStatus = "persisting"
	AttemptPersisted            AttemptStatus = "persisted"
	AttemptAbandoned            AttemptStatus = "abandoned"
	AttemptAmountMismatch       AttemptStatus = "amount_mismatch"
)

// CheckoutAttempt maps to the `checkout_attempts` table. It is written before
// the processor is asked to charge, and drives post-charge persistence.
type CheckoutAttempt struct {
	ID             uuid.UUID        `json:"id"`
	IntentID       string           `json:"payment_intent_id"`
	UserID         string           `json:"user_id"`
	ApplicantEmail string           `json:"applicant_email"`
	Amount         int64            `json:"amount"`
	Currency       string           `json:"currency"`
	Status         AttemptStatus    `json:"status"`
	TransactionRef *string          `json:"transaction_id,omitempty"`
	ApplicationID  *uuid.UUID       `json:"application_id,omitempty"`
	Draft          ApplicationDraft `json:"draft"`
	Attempts       int              `json:"attempts"`
	LastError      *string          `json:"last_error,omitempty"`
	NextAttemptAt  time.Time        `json:"next_attempt_at"`
	EscalatedAt    *time.Time       `json:"escalated_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}
