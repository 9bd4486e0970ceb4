/**
 * @description
 * Orchestrator drives the payment confirmation saga for one checkout session:
 * tokenize the card, durably record the attempt, confirm with the processor,
 * then persist the application.
 *
 * @notes
 * - The attempt row is written before the processor is asked to charge. If
 *   that write fails the card is never charged.
 * - Once the processor reports success, persistence runs on a context that
 *   the caller cannot cancel. If it still fails, the attempt stays confirmed
 *   for the PersistenceWorker and the charge is escalated to operators.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/scholarstream/application-service/internal/domain"
	"github.com/scholarstream/application-service/internal/store"
	"github.com/scholarstream/application-service/pkg/paymentgateway"
)

const (
	placeholderBillingName  = "anonymous"
	placeholderBillingEmail = "unknown@scholarstream.app"

	defaultPersistTimeout = 15 * time.Second
	confirmLockTTL        = 2 * time.Minute
)

var (
	cardNumberPattern = regexp.MustCompile(`^[0-9]{12,19}$`)
	cvcPattern        = regexp.MustCompile(`^[0-9]{3,4}$`)
)

// Orchestrator coordinates checkout confirmation.
type Orchestrator struct {
	repo           store.Repository
	gateway        PaymentGateway
	sessions       CheckoutSessionStore
	escalator      Escalator
	persistTimeout time.Duration
	now            func() time.Time
}

func NewOrchestrator(repo store.Repository, gateway PaymentGateway, sessions CheckoutSessionStore, escalator Escalator, persistTimeout time.Duration) *Orchestrator {
	if persistTimeout <= 0 {
		persistTimeout = defaultPersistTimeout
	}
	return &Orchestrator{
		repo:           repo,
		gateway:        gateway,
		sessions:       sessions,
		escalator:      escalator,
		persistTimeout: persistTimeout,
		now:            time.Now,
	}
}

// Confirm runs the remaining saga steps for the caller's checkout session.
//
// A returned outcome is always safe to render. The error classifies it:
// *FieldError for bad card input (nothing changed, resubmit), *DeclineError
// for a terminal gateway failure, ErrAmountMismatch and ErrPersistenceDeferred
// for charges that went through but produced no application yet.
func (o *Orchestrator) Confirm(ctx context.Context, actor Actor, req domain.CheckoutConfirmRequest) (*domain.CheckoutOutcome, error) {
	checkoutID := strings.TrimSpace(req.CheckoutID)
	if checkoutID == "" {
		return nil, &FieldError{Field: "checkout_id", Message: "is required"}
	}

	unlock, err := o.sessions.Lock(ctx, actor.UserID, checkoutID, confirmLockTTL)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := o.sessions.Load(ctx, actor.UserID, checkoutID)
	if err != nil {
		return nil, err
	}
	switch session.State {
	case domain.CheckoutIntentAcquired, domain.CheckoutTokenized:
	case domain.CheckoutRequiresAction:
		return &domain.CheckoutOutcome{
			State:   session.State,
			View:    domain.ViewActionRequired,
			Message: "additional verification is required by your card issuer",
		}, nil
	default:
		return nil, ErrCheckoutClosed
	}

	paymentMethodID, err := o.tokenize(ctx, req)
	if err != nil {
		return nil, err
	}
	session.PaymentMethodRef = paymentMethodID
	o.advance(ctx, actor, session, domain.CheckoutTokenized)

	return o.confirm(ctx, actor, session)
}

func (o *Orchestrator) tokenize(ctx context.Context, req domain.CheckoutConfirmRequest) (string, error) {
	if id := strings.TrimSpace(req.PaymentMethodID); id != "" {
		return id, nil
	}
	if err := validateCard(req.Card); err != nil {
		return "", err
	}

	method, err := o.gateway.TokenizeCard(ctx, paymentgateway.CardDetails{
		Number:   strings.ReplaceAll(req.Card.Number, " ", ""),
		ExpMonth: req.Card.ExpMonth,
		ExpYear:  req.Card.ExpYear,
		CVC:      req.Card.CVC,
	})
	if err != nil {
		var gwErr *paymentgateway.Error
		if errors.As(err, &gwErr) && gwErr.Message != "" {
			return "", &FieldError{Field: cardField(gwErr.Param), Message: gwErr.Message, Err: err}
		}
		return "", &FieldError{Field: "card", Message: "could not verify card details; please try again", Err: err}
	}
	return method.ID, nil
}

func (o *Orchestrator) confirm(ctx context.Context, actor Actor, session *domain.CheckoutSession) (*domain.CheckoutOutcome, error) {
	handle := session.Handle
	draft := session.Draft

	o.advance(ctx, actor, session, domain.CheckoutConfirming)
	attempt, err := o.repo.CreateCheckoutAttempt(ctx, &domain.CheckoutAttempt{
		IntentID:       handle.IntentID,
		UserID:         actor.UserID,
		ApplicantEmail: draft.Applicant.Email,
		Amount:         handle.Amount,
		Currency:       handle.Currency,
		Draft:          draft,
	})
	if err != nil {
		log.Printf("level=error component=checkout msg=\"failed to record checkout attempt; charge not attempted\" intent_id=%s err=%v", handle.IntentID, err)
		return nil, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}
	if attempt.Status != domain.AttemptAwaitingConfirmation {
		return nil, ErrCheckoutClosed
	}

	billing := billingIdentity(draft.Applicant)
	intent, err := o.gateway.ConfirmPayment(ctx, paymentgateway.ConfirmParams{
		ClientSecret:    handle.ClientSecret,
		PaymentMethodID: session.PaymentMethodRef,
		BillingName:     billing.Name,
		BillingEmail:    billing.Email,
		IdempotencyKey:  "confirm:" + handle.IntentID + ":" + session.PaymentMethodRef,
	})
	if err != nil {
		return o.decline(ctx, actor, session, err, isDefiniteDecline(err))
	}

	switch intent.Status {
	case paymentgateway.StatusSucceeded:
	case paymentgateway.StatusRequiresPaymentMethod, paymentgateway.StatusCanceled:
		return o.decline(ctx, actor, session, declineFromIntent(intent), true)
	default:
		// Multi-step authentication is not driven from here; the attempt stays
		// awaiting confirmation until the processor reports a final status.
		o.advance(ctx, actor, session, domain.CheckoutRequiresAction)
		view := domain.ViewActionRequired
		if intent.Status == paymentgateway.StatusProcessing {
			view = domain.ViewPending
		}
		log.Printf("level=info component=checkout msg=\"confirmation not final\" intent_id=%s status=%s", intent.ID, intent.Status)
		return &domain.CheckoutOutcome{
			State:   domain.CheckoutRequiresAction,
			View:    view,
			Message: "additional verification is required by your card issuer",
		}, nil
	}

	return o.persist(ctx, actor, session, attempt, intent)
}

// decline closes the session after a gateway failure. Only a definite
// decline marks the attempt abandoned. Transport failures, processor 5xx,
// rate limits and idempotency conflicts leave it awaiting confirmation
// because the charge may still have gone through; the consumer or the
// reconciliation job resolves it.
func (o *Orchestrator) decline(ctx context.Context, actor Actor, session *domain.CheckoutSession, cause error, definite bool) (*domain.CheckoutOutcome, error) {
	message := "we could not process your payment; please try again"
	var gwErr *paymentgateway.Error
	if definite && errors.As(cause, &gwErr) && gwErr.Message != "" {
		message = gwErr.Message
	}
	if definite {
		if _, err := o.repo.MarkAttemptAbandoned(ctx, session.Handle.IntentID, cause.Error()); err != nil {
			log.Printf("level=warn component=checkout msg=\"failed to mark attempt abandoned\" intent_id=%s err=%v", session.Handle.IntentID, err)
		}
	}
	log.Printf("level=info component=checkout msg=\"payment declined\" intent_id=%s user_id=%s err=%v", session.Handle.IntentID, actor.UserID, cause)

	session.Handle.ClientSecret = ""
	o.advance(ctx, actor, session, domain.CheckoutFailed)
	return &domain.CheckoutOutcome{
		State:   domain.CheckoutFailed,
		View:    domain.ViewFailure,
		Message: message,
	}, &DeclineError{Message: message, Err: cause}
}

func (o *Orchestrator) persist(ctx context.Context, actor Actor, session *domain.CheckoutSession, attempt *domain.CheckoutAttempt, intent *paymentgateway.PaymentIntent) (*domain.CheckoutOutcome, error) {
	// Money has moved. Nothing below may be cut short by the caller going away.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.persistTimeout)
	defer cancel()

	txRef := intent.TransactionRef()
	session.Handle.ClientSecret = ""

	expected := TotalPayable(session.Draft.Scholarship).MinorUnits
	if intent.ConfirmedAmount() != expected || !strings.EqualFold(intent.Currency, session.Handle.Currency) {
		detail := fmt.Sprintf("confirmed %d %s, expected %d %s", intent.ConfirmedAmount(), intent.Currency, expected, session.Handle.Currency)
		if _, err := o.repo.MarkAttemptAmountMismatch(persistCtx, intent.ID, txRef, detail); err != nil {
			log.Printf("level=error component=checkout msg=\"failed to flag amount mismatch\" intent_id=%s err=%v", intent.ID, err)
		}
		record := escalationFromAttempt(ReasonAmountMismatch, attempt, detail)
		record.TransactionRef = txRef
		record.Amount = intent.ConfirmedAmount()
		o.escalator.Escalate(persistCtx, record)
		o.advance(persistCtx, actor, session, domain.CheckoutFailed)
		return &domain.CheckoutOutcome{
			State:          domain.CheckoutFailed,
			View:           domain.ViewPending,
			TransactionRef: txRef,
			Message:        "your payment was received and is under review",
		}, ErrAmountMismatch
	}

	o.advance(persistCtx, actor, session, domain.CheckoutConfirmed)

	var persistErr error
	if _, err := o.repo.MarkAttemptConfirmed(persistCtx, intent.ID, txRef); err != nil {
		persistErr = fmt.Errorf("mark attempt confirmed: %w", err)
	}

	var created *domain.Application
	if persistErr == nil {
		draft := session.Draft
		draft.TransactionRef = txRef
		created, persistErr = o.repo.CreateApplication(persistCtx, store.CreateApplicationParams{
			Application: draft.ToApplication(),
			AttemptID:   &attempt.ID,
		})
	}

	if persistErr != nil {
		record := escalationFromAttempt(ReasonPersistenceFailed, attempt, persistErr.Error())
		record.TransactionRef = txRef
		o.escalator.Escalate(persistCtx, record)
		o.advance(persistCtx, actor, session, domain.CheckoutPersistenceQueued)
		return &domain.CheckoutOutcome{
			State:          domain.CheckoutPersistenceQueued,
			View:           domain.ViewPending,
			TransactionRef: txRef,
			Message:        "your payment was received; your application is being recorded",
		}, fmt.Errorf("%w: %v", ErrPersistenceDeferred, persistErr)
	}

	o.advance(persistCtx, actor, session, domain.CheckoutPersisted)
	log.Printf("level=info component=checkout msg=\"application persisted\" application_id=%s intent_id=%s transaction_id=%s", created.ID, intent.ID, txRef)
	return &domain.CheckoutOutcome{
		State:          domain.CheckoutPersisted,
		View:           domain.ViewSuccess,
		ApplicationID:  &created.ID,
		TransactionRef: txRef,
	}, nil
}

// advance moves the session forward and saves it. Backward moves are ignored.
// A failed save is logged only: the attempt row, not the session, is the
// durable record.
func (o *Orchestrator) advance(ctx context.Context, actor Actor, session *domain.CheckoutSession, next domain.CheckoutState) {
	if !session.State.Precedes(next) && session.State != next {
		log.Printf("level=warn component=checkout msg=\"ignoring backward checkout state\" checkout_id=%s from=%s to=%s", session.ID, session.State, next)
		return
	}
	session.State = next
	session.UpdatedAt = o.now().UTC()
	if err := o.sessions.Save(ctx, actor.UserID, session); err != nil {
		log.Printf("level=warn component=checkout msg=\"failed to save checkout session\" checkout_id=%s state=%s err=%v", session.ID, next, err)
	}
}

func billingIdentity(applicant domain.Applicant) domain.BillingIdentity {
	billing := domain.BillingIdentity{
		Name:  strings.TrimSpace(applicant.Name),
		Email: strings.TrimSpace(applicant.Email),
	}
	if billing.Name == "" {
		billing.Name = placeholderBillingName
	}
	if billing.Email == "" {
		billing.Email = placeholderBillingEmail
	}
	return billing
}

func validateCard(card *domain.CardInput) error {
	if card == nil {
		return &FieldError{Field: "card", Message: "card details are required"}
	}
	if !cardNumberPattern.MatchString(strings.ReplaceAll(card.Number, " ", "")) {
		return &FieldError{Field: "card.number", Message: "card number is invalid"}
	}
	if card.ExpMonth < 1 || card.ExpMonth > 12 {
		return &FieldError{Field: "card.exp_month", Message: "expiry month is invalid"}
	}
	if card.ExpYear < 2000 {
		return &FieldError{Field: "card.exp_year", Message: "expiry year is invalid"}
	}
	if !cvcPattern.MatchString(card.CVC) {
		return &FieldError{Field: "card.cvc", Message: "security code is invalid"}
	}
	return nil
}

func cardField(param string) string {
	param = strings.TrimSpace(param)
	if param == "" {
		return "card"
	}
	param = strings.TrimPrefix(param, "card[")
	param = strings.TrimSuffix(param, "]")
	return "card." + param
}

// isDefiniteDecline reports whether the processor refused the charge
// outright, as opposed to failing in a way that leaves its outcome unknown.
func isDefiniteDecline(err error) bool {
	var gwErr *paymentgateway.Error
	if !errors.As(err, &gwErr) {
		return false
	}
	return gwErr.IsCardError() || gwErr.HTTPStatus == http.StatusPaymentRequired
}

func declineFromIntent(intent *paymentgateway.PaymentIntent) error {
	if intent.LastPaymentError != nil {
		return intent.LastPaymentError
	}
	return &paymentgateway.Error{Type: "card_error", Code: intent.Status, Message: "your card was declined"}
}
