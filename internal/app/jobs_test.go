package app

import (
	"testing"

	"github.com/scholarstream/application-service/internal/domain"
	"github.com/scholarstream/application-service/pkg/paymentgateway"
)

func TestReconcileStaleAttempts_AppliesProcessorState(t *testing.T) {
	repo := newMemoryRepo()
	seedAwaitingAttempt(t, repo, "pi_paid")
	seedAwaitingAttempt(t, repo, "pi_canceled")
	seedAwaitingAttempt(t, repo, "pi_pending")
	seedAwaitingAttempt(t, repo, "pi_missing")
	for _, id := range []string{"pi_paid", "pi_canceled", "pi_pending", "pi_missing"} {
		repo.staleAttempts = append(repo.staleAttempts, *repo.attempt(id))
	}

	gateway := newFakeGateway()
	gateway.lookup["pi_paid"] = &paymentgateway.PaymentIntent{ID: "pi_paid", Amount: 6000, AmountReceived: 6000, Currency: "usd", Status: paymentgateway.StatusSucceeded, LatestCharge: "ch_paid"}
	gateway.lookup["pi_canceled"] = &paymentgateway.PaymentIntent{ID: "pi_canceled", Amount: 6000, Currency: "usd", Status: paymentgateway.StatusCanceled}
	gateway.lookup["pi_pending"] = &paymentgateway.PaymentIntent{ID: "pi_pending", Amount: 6000, Currency: "usd", Status: paymentgateway.StatusProcessing}

	jobs := NewJobs(repo, gateway, &recordingEscalator{}, 0, discardLogger())
	jobs.ReconcileStaleAttempts()

	want := map[string]domain.AttemptStatus{
		"pi_paid":     domain.AttemptConfirmed,
		"pi_canceled": domain.AttemptAbandoned,
		"pi_pending":  domain.AttemptAwaitingConfirmation,
		"pi_missing":  domain.AttemptAbandoned,
	}
	for id, status := range want {
		if got := repo.attempt(id).Status; got != status {
			t.Errorf("%s: expected %s, got %s", id, status, got)
		}
	}
	if ref := repo.attempt("pi_paid").TransactionRef; ref == nil || *ref != "ch_paid" {
		t.Fatalf("expected charge id recorded, got %v", ref)
	}
}

func TestEscalateStuckAttempts_EscalatesOnce(t *testing.T) {
	repo := newMemoryRepo()
	seedConfirmedAttempt(t, repo, "pi_stuck", "ch_stuck")
	repo.staleAttempts = append(repo.staleAttempts, *repo.attempt("pi_stuck"))
	escalator := &recordingEscalator{}
	jobs := NewJobs(repo, newFakeGateway(), escalator, 0, discardLogger())

	jobs.EscalateStuckAttempts()
	jobs.EscalateStuckAttempts()

	reasons := escalator.reasons()
	if len(reasons) != 1 || reasons[0] != ReasonPersistenceStuck {
		t.Fatalf("expected a single persistence_stuck escalation, got %v", reasons)
	}
	if escalator.records[0].TransactionRef != "ch_stuck" {
		t.Fatalf("expected transaction id on escalation, got %q", escalator.records[0].TransactionRef)
	}
}
