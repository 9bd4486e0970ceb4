package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/scholarstream/application-service/internal/domain"
	"github.com/scholarstream/application-service/pkg/paymentgateway"
)

// PaymentGateway is the card processor capability used by checkout.
type PaymentGateway interface {
	CreatePaymentIntent(ctx context.Context, params paymentgateway.CreateIntentParams) (*paymentgateway.PaymentIntent, error)
	TokenizeCard(ctx context.Context, card paymentgateway.CardDetails) (*paymentgateway.PaymentMethod, error)
	ConfirmPayment(ctx context.Context, params paymentgateway.ConfirmParams) (*paymentgateway.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, intentID string) (*paymentgateway.PaymentIntent, error)
}

// ScholarshipReader reads catalog entries.
type ScholarshipReader interface {
	FindScholarshipByID(ctx context.Context, id uuid.UUID) (*domain.Scholarship, error)
}

// IntentService creates processor payment intents for checkout. Intents are
// idempotent per (user, checkout key): repeating a request with the same key
// returns the handle created the first time.
type IntentService struct {
	catalog  ScholarshipReader
	gateway  PaymentGateway
	sessions CheckoutSessionStore
	currency string
	now      func() time.Time
}

func NewIntentService(catalog ScholarshipReader, gateway PaymentGateway, sessions CheckoutSessionStore, currency string) *IntentService {
	return &IntentService{
		catalog:  catalog,
		gateway:  gateway,
		sessions: sessions,
		currency: strings.ToLower(strings.TrimSpace(currency)),
		now:      time.Now,
	}
}

// CreateIntent starts a checkout for scholarshipID and returns the handle the
// payer's browser needs. checkoutKey may be empty, in which case a fresh key
// is generated.
func (s *IntentService) CreateIntent(ctx context.Context, actor Actor, scholarshipID uuid.UUID, checkoutKey string) (*domain.PaymentIntentHandle, error) {
	checkoutKey = strings.TrimSpace(checkoutKey)
	if checkoutKey == "" {
		checkoutKey = uuid.NewString()
	}
	if len(checkoutKey) > 128 {
		return nil, &FieldError{Field: "Idempotency-Key", Message: "must be at most 128 characters"}
	}

	existing, err := s.sessions.Load(ctx, actor.UserID, checkoutKey)
	switch {
	case err == nil:
		if existing.Draft.Scholarship.ID != scholarshipID {
			return nil, ErrCheckoutKeyConflict
		}
		if existing.State.Terminal() {
			return nil, ErrCheckoutClosed
		}
		handle := existing.Handle
		return &handle, nil
	case !errors.Is(err, ErrCheckoutNotFound):
		log.Printf("level=error component=intent_service msg=\"checkout session lookup failed\" user_id=%s err=%v", actor.UserID, err)
		return nil, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}

	scholarship, err := s.catalog.FindScholarshipByID(ctx, scholarshipID)
	if err != nil {
		return nil, err
	}
	amount := TotalPayable(*scholarship)
	if amount.MinorUnits <= 0 {
		return nil, ErrNothingToPay
	}

	intent, err := s.gateway.CreatePaymentIntent(ctx, paymentgateway.CreateIntentParams{
		Amount:         amount.MinorUnits,
		Currency:       s.currency,
		IdempotencyKey: "checkout:" + actor.UserID + ":" + checkoutKey,
		Metadata: map[string]string{
			"scholarship_id": scholarship.ID.String(),
			"user_id":        actor.UserID,
			"checkout_id":    checkoutKey,
		},
	})
	if err != nil {
		log.Printf("level=warn component=intent_service msg=\"payment intent creation failed\" user_id=%s scholarship_id=%s err=%v", actor.UserID, scholarship.ID, err)
		return nil, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}
	if intent.Amount != amount.MinorUnits {
		log.Printf("level=error component=intent_service msg=\"processor returned unexpected intent amount\" intent_id=%s expected=%d got=%d", intent.ID, amount.MinorUnits, intent.Amount)
		return nil, ErrCheckoutUnavailable
	}

	now := s.now().UTC()
	session := &domain.CheckoutSession{
		ID:    checkoutKey,
		State: domain.CheckoutIntentAcquired,
		Handle: domain.PaymentIntentHandle{
			CheckoutID:   checkoutKey,
			IntentID:     intent.ID,
			ClientSecret: intent.ClientSecret,
			Amount:       amount.MinorUnits,
			Currency:     s.currency,
		},
		Draft: domain.ApplicationDraft{
			Scholarship:    *scholarship,
			Applicant:      actor.Applicant(),
			ApplicationFee: nonNegative(scholarship.ApplicationFee),
			ServiceCharge:  nonNegative(scholarship.ServiceCharge),
			AmountPaid:     amount.MinorUnits,
			Currency:       s.currency,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.sessions.Save(ctx, actor.UserID, session); err != nil {
		log.Printf("level=error component=intent_service msg=\"failed to save checkout session\" intent_id=%s err=%v", intent.ID, err)
		return nil, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}

	log.Printf("level=info component=intent_service msg=\"payment intent created\" intent_id=%s user_id=%s amount=%d currency=%s", intent.ID, actor.UserID, amount.MinorUnits, s.currency)
	handle := session.Handle
	return &handle, nil
}
