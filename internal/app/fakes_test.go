package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/scholarstream/application-service/internal/domain"
	"github.com/scholarstream/application-service/internal/store"
	"github.com/scholarstream/application-service/pkg/paymentgateway"
	"github.com/shopspring/decimal"
)

// memoryRepo is an in-memory store.Repository covering what the app package uses.
type memoryRepo struct {
	store.Repository

	mu           sync.Mutex
	scholarships map[uuid.UUID]domain.Scholarship
	applications map[uuid.UUID]domain.Application
	attempts     map[string]*domain.CheckoutAttempt
	outbox       []store.OutboxMessage
	outboxStatus map[int64]string

	createErr      error
	createAttempt  error
	markFailedErr  error
	transitionHook func(params store.TransitionParams)

	createCalls   int
	publishedIDs  []int64
	failedOutbox  map[int64]int
	retried       map[uuid.UUID]int
	escalatedIDs  []uuid.UUID
	staleAttempts []domain.CheckoutAttempt
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		scholarships: make(map[uuid.UUID]domain.Scholarship),
		applications: make(map[uuid.UUID]domain.Application),
		attempts:     make(map[string]*domain.CheckoutAttempt),
		outboxStatus: make(map[int64]string),
		failedOutbox: make(map[int64]int),
		retried:      make(map[uuid.UUID]int),
	}
}

func (r *memoryRepo) addScholarship(fee, charge string) domain.Scholarship {
	s := domain.Scholarship{
		ID:             uuid.New(),
		Name:           "Global Merit Award",
		UniversityName: "Example University",
	}
	if fee != "" {
		s.ApplicationFee = decimal.NewNullDecimal(decimal.RequireFromString(fee))
	}
	if charge != "" {
		s.ServiceCharge = decimal.NewNullDecimal(decimal.RequireFromString(charge))
	}
	r.mu.Lock()
	r.scholarships[s.ID] = s
	r.mu.Unlock()
	return s
}

func (r *memoryRepo) addApplication(userID, email string, status domain.ApplicationStatus) domain.Application {
	app := domain.Application{
		ID:                uuid.New(),
		ScholarshipID:     uuid.New(),
		UserID:            userID,
		ApplicantEmail:    email,
		ApplicantName:     "Student",
		PaymentStatus:     domain.PaymentPaid,
		ApplicationStatus: status,
		TransactionRef:    "ch_" + uuid.NewString(),
	}
	r.mu.Lock()
	r.applications[app.ID] = app
	r.mu.Unlock()
	return app
}

func (r *memoryRepo) status(id uuid.UUID) domain.ApplicationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applications[id].ApplicationStatus
}

func (r *memoryRepo) applicationCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applications)
}

func (r *memoryRepo) attempt(intentID string) *domain.CheckoutAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[intentID]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

func (r *memoryRepo) FindScholarshipByID(ctx context.Context, id uuid.UUID) (*domain.Scholarship, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scholarships[id]
	if !ok {
		return nil, store.ErrScholarshipNotFound
	}
	return &s, nil
}

func (r *memoryRepo) CreateApplication(ctx context.Context, params store.CreateApplicationParams) (*domain.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++
	if r.createErr != nil {
		return nil, r.createErr
	}
	if params.Application.TransactionRef == "" {
		return nil, store.ErrMissingTransactionRef
	}
	for _, existing := range r.applications {
		if existing.TransactionRef == params.Application.TransactionRef {
			cp := existing
			return &cp, nil
		}
	}
	app := params.Application
	app.ID = uuid.New()
	app.ApplicationDate = time.Now().UTC()
	r.applications[app.ID] = app
	if params.AttemptID != nil {
		for _, a := range r.attempts {
			if a.ID == *params.AttemptID {
				a.Status = domain.AttemptPersisted
				a.ApplicationID = &app.ID
			}
		}
	}
	return &app, nil
}

func (r *memoryRepo) FindApplicationByID(ctx context.Context, id uuid.UUID) (*domain.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.applications[id]
	if !ok {
		return nil, store.ErrApplicationNotFound
	}
	return &app, nil
}

func (r *memoryRepo) ListApplicationsByUser(ctx context.Context, userID, email string) ([]domain.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Application, 0)
	for _, app := range r.applications {
		legacy := app.UserID == "" && email != "" && strings.EqualFold(app.ApplicantEmail, email)
		if app.UserID == userID || legacy {
			out = append(out, app)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListApplications(ctx context.Context, opts domain.ListApplicationsOptions) ([]domain.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Application, 0)
	for _, app := range r.applications {
		if opts.Status == nil || app.ApplicationStatus == *opts.Status {
			out = append(out, app)
		}
	}
	return out, nil
}

func (r *memoryRepo) TransitionApplicationStatus(ctx context.Context, params store.TransitionParams) (*domain.Application, error) {
	if r.transitionHook != nil {
		r.transitionHook(params)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.applications[params.ID]
	if !ok {
		return nil, store.ErrApplicationNotFound
	}
	if app.ApplicationStatus != params.From {
		return nil, store.ErrStaleTransition
	}
	app.ApplicationStatus = params.To
	r.applications[params.ID] = app
	return &app, nil
}

func (r *memoryRepo) UpdateApplicantFields(ctx context.Context, id uuid.UUID, update domain.ApplicantFieldsUpdate, actorID string) (*domain.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.applications[id]
	if !ok {
		return nil, store.ErrApplicationNotFound
	}
	if app.ApplicationStatus != domain.StatusPending {
		return nil, store.ErrApplicationNotEditable
	}
	if update.ApplicantName != nil {
		app.ApplicantName = *update.ApplicantName
	}
	if update.ApplicantEmail != nil {
		app.ApplicantEmail = *update.ApplicantEmail
	}
	r.applications[id] = app
	return &app, nil
}

func (r *memoryRepo) DeleteApplication(ctx context.Context, id uuid.UUID, actorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.applications[id]; !ok {
		return store.ErrApplicationNotFound
	}
	delete(r.applications, id)
	return nil
}

func (r *memoryRepo) SetFeedback(ctx context.Context, id uuid.UUID, feedback string, actorID string) (*domain.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.applications[id]
	if !ok {
		return nil, store.ErrApplicationNotFound
	}
	app.Feedback = &feedback
	r.applications[id] = app
	return &app, nil
}

func (r *memoryRepo) CreateCheckoutAttempt(ctx context.Context, attempt *domain.CheckoutAttempt) (*domain.CheckoutAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createAttempt != nil {
		return nil, r.createAttempt
	}
	if existing, ok := r.attempts[attempt.IntentID]; ok {
		cp := *existing
		return &cp, nil
	}
	stored := *attempt
	stored.ID = uuid.New()
	stored.Status = domain.AttemptAwaitingConfirmation
	stored.CreatedAt = time.Now().UTC()
	r.attempts[stored.IntentID] = &stored
	cp := stored
	return &cp, nil
}

func (r *memoryRepo) FindCheckoutAttemptByIntentID(ctx context.Context, intentID string) (*domain.CheckoutAttempt, error) {
	if a := r.attempt(intentID); a != nil {
		return a, nil
	}
	return nil, store.ErrAttemptNotFound
}

func (r *memoryRepo) ListAttemptsOlderThan(ctx context.Context, status domain.AttemptStatus, age time.Duration, limit int) ([]domain.CheckoutAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.CheckoutAttempt, 0)
	for _, a := range r.staleAttempts {
		if current, ok := r.attempts[a.IntentID]; ok && current.Status == status {
			out = append(out, *current)
		}
	}
	return out, nil
}

func (r *memoryRepo) MarkAttemptConfirmed(ctx context.Context, intentID string, transactionRef string) (*domain.CheckoutAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[intentID]
	if !ok {
		return nil, store.ErrAttemptNotFound
	}
	switch a.Status {
	case domain.AttemptAwaitingConfirmation, domain.AttemptAbandoned:
		a.Status = domain.AttemptConfirmed
		a.TransactionRef = &transactionRef
	case domain.AttemptConfirmed, domain.AttemptPersisting, domain.AttemptPersisted:
	default:
		return nil, store.ErrAttemptStateConflict
	}
	cp := *a
	return &cp, nil
}

func (r *memoryRepo) MarkAttemptAbandoned(ctx context.Context, intentID string, reason string) (*domain.CheckoutAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[intentID]
	if !ok {
		return nil, store.ErrAttemptNotFound
	}
	switch a.Status {
	case domain.AttemptAwaitingConfirmation:
		a.Status = domain.AttemptAbandoned
		a.LastError = &reason
	case domain.AttemptAbandoned:
	default:
		return nil, store.ErrAttemptStateConflict
	}
	cp := *a
	return &cp, nil
}

func (r *memoryRepo) MarkAttemptAmountMismatch(ctx context.Context, intentID string, transactionRef string, reason string) (*domain.CheckoutAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[intentID]
	if !ok || a.Status != domain.AttemptAwaitingConfirmation {
		return nil, store.ErrAttemptStateConflict
	}
	a.Status = domain.AttemptAmountMismatch
	a.TransactionRef = &transactionRef
	a.LastError = &reason
	cp := *a
	return &cp, nil
}

func (r *memoryRepo) ClaimConfirmedAttempts(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.CheckoutAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.CheckoutAttempt, 0)
	for _, a := range r.attempts {
		if a.Status == domain.AttemptConfirmed {
			a.Status = domain.AttemptPersisting
			a.Attempts++
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *memoryRepo) MarkAttemptRetry(ctx context.Context, id uuid.UUID, retryAfterSeconds int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.attempts {
		if a.ID == id {
			a.Status = domain.AttemptConfirmed
			a.LastError = &reason
		}
	}
	r.retried[id] = retryAfterSeconds
	return nil
}

func (r *memoryRepo) MarkAttemptEscalated(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	for _, a := range r.attempts {
		if a.ID == id {
			a.EscalatedAt = &now
		}
	}
	r.escalatedIDs = append(r.escalatedIDs, id)
	return nil
}

// ClaimOutboxMessages follows the SQL claim: rows in id order, skipping any
// row whose aggregate still has an older unpublished row.
func (r *memoryRepo) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]store.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sort.Slice(r.outbox, func(i, j int) bool { return r.outbox[i].ID < r.outbox[j].ID })

	pending := make(map[string]bool)
	claimed := make([]store.OutboxMessage, 0)
	for i := range r.outbox {
		row := &r.outbox[i]
		status := r.outboxStatus[row.ID]
		held := row.AggregateID != "" && pending[row.AggregateID]
		if status != "published" && row.AggregateID != "" {
			pending[row.AggregateID] = true
		}
		if (status != "" && status != "pending") || held || (limit > 0 && len(claimed) == limit) {
			continue
		}
		row.Attempts++
		r.outboxStatus[row.ID] = "processing"
		claimed = append(claimed, *row)
	}
	return claimed, nil
}

func (r *memoryRepo) MarkOutboxPublished(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outboxStatus[id] = "published"
	r.publishedIDs = append(r.publishedIDs, id)
	return nil
}

func (r *memoryRepo) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markFailedErr != nil {
		return r.markFailedErr
	}
	r.outboxStatus[id] = "pending"
	r.failedOutbox[id] = retryAfterSeconds
	return nil
}

// fakeGateway scripts processor responses.
type fakeGateway struct {
	mu sync.Mutex

	intentStatus  string
	confirmAmount int64
	confirmErr    error
	tokenizeErr   error
	createErr     error
	chargeID      string
	lookup        map[string]*paymentgateway.PaymentIntent
	lookupErr     error

	createCalls  int
	confirmCalls int
	intents      map[string]*paymentgateway.PaymentIntent
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		intentStatus: paymentgateway.StatusSucceeded,
		chargeID:     "ch_test_1",
		intents:      make(map[string]*paymentgateway.PaymentIntent),
		lookup:       make(map[string]*paymentgateway.PaymentIntent),
	}
}

func (g *fakeGateway) CreatePaymentIntent(ctx context.Context, params paymentgateway.CreateIntentParams) (*paymentgateway.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	if g.createErr != nil {
		return nil, g.createErr
	}
	if existing, ok := g.intents[params.IdempotencyKey]; ok {
		return existing, nil
	}
	id := "pi_" + uuid.NewString()
	intent := &paymentgateway.PaymentIntent{
		ID:           id,
		Amount:       params.Amount,
		Currency:     params.Currency,
		Status:       paymentgateway.StatusRequiresPaymentMethod,
		ClientSecret: id + "_secret_abc",
	}
	g.intents[params.IdempotencyKey] = intent
	return intent, nil
}

func (g *fakeGateway) TokenizeCard(ctx context.Context, card paymentgateway.CardDetails) (*paymentgateway.PaymentMethod, error) {
	if g.tokenizeErr != nil {
		return nil, g.tokenizeErr
	}
	return &paymentgateway.PaymentMethod{ID: "pm_" + card.Number[len(card.Number)-4:]}, nil
}

func (g *fakeGateway) ConfirmPayment(ctx context.Context, params paymentgateway.ConfirmParams) (*paymentgateway.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.confirmCalls++
	if g.confirmErr != nil {
		return nil, g.confirmErr
	}
	intentID, err := paymentgateway.IntentIDFromClientSecret(params.ClientSecret)
	if err != nil {
		return nil, err
	}
	var amount int64
	for _, intent := range g.intents {
		if intent.ID == intentID {
			amount = intent.Amount
		}
	}
	if g.confirmAmount != 0 {
		amount = g.confirmAmount
	}
	return &paymentgateway.PaymentIntent{
		ID:             intentID,
		Amount:         amount,
		AmountReceived: amount,
		Currency:       "usd",
		Status:         g.intentStatus,
		LatestCharge:   g.chargeID,
	}, nil
}

func (g *fakeGateway) GetPaymentIntent(ctx context.Context, intentID string) (*paymentgateway.PaymentIntent, error) {
	if g.lookupErr != nil {
		return nil, g.lookupErr
	}
	intent, ok := g.lookup[intentID]
	if !ok {
		return nil, &paymentgateway.Error{HTTPStatus: 404, Type: "invalid_request_error", Message: "no such payment_intent"}
	}
	return intent, nil
}

type recordingEscalator struct {
	mu      sync.Mutex
	records []domain.EscalationRecord
}

func (e *recordingEscalator) Escalate(ctx context.Context, record domain.EscalationRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, record)
}

func (e *recordingEscalator) reasons() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.records))
	for _, r := range e.records {
		out = append(out, r.Reason)
	}
	return out
}

var errDatabaseDown = errors.New("database unavailable")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	student   = Actor{UserID: "user_student", Email: "student@example.com", Name: "Ada Student"}
	moderator = Actor{UserID: "user_mod", Email: "mod@example.com", Roles: []string{"moderator"}}
)

func testPolicy() *RolePolicy {
	return NewRolePolicy([]string{"moderator", "admin"})
}
