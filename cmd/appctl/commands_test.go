package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/scholarstream/application-service/internal/domain"
	"github.com/scholarstream/application-service/internal/store"
)

type repoStub struct {
	store.Repository

	attempts     []domain.CheckoutAttempt
	listStatus   *domain.AttemptStatus
	requeued     uuid.UUID
	abandoned    string
	application  *domain.Application
	lookedUpByTx string
}

func (s *repoStub) ListCheckoutAttempts(ctx context.Context, status *domain.AttemptStatus, limit int) ([]domain.CheckoutAttempt, error) {
	s.listStatus = status
	return s.attempts, nil
}

func (s *repoStub) RequeueAttempt(ctx context.Context, id uuid.UUID) error {
	s.requeued = id
	return nil
}

func (s *repoStub) FindCheckoutAttemptByID(ctx context.Context, id uuid.UUID) (*domain.CheckoutAttempt, error) {
	for i := range s.attempts {
		if s.attempts[i].ID == id {
			return &s.attempts[i], nil
		}
	}
	return nil, store.ErrAttemptNotFound
}

func (s *repoStub) MarkAttemptAbandoned(ctx context.Context, intentID string, reason string) (*domain.CheckoutAttempt, error) {
	s.abandoned = intentID + "|" + reason
	return &domain.CheckoutAttempt{}, nil
}

func (s *repoStub) FindApplicationByTransactionRef(ctx context.Context, transactionRef string) (*domain.Application, error) {
	s.lookedUpByTx = transactionRef
	return s.application, nil
}

func runCmd(t *testing.T, repo *repoStub, args ...string) (string, error) {
	t.Helper()
	closed := false
	cmd := newRootCmd(func(ctx context.Context) (store.Repository, func(), error) {
		return repo, func() { closed = true }, nil
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err == nil && !closed {
		t.Fatal("expected repository to be closed")
	}
	return out.String(), err
}

func TestAttemptsList(t *testing.T) {
	txRef := "ch_9"
	repo := &repoStub{attempts: []domain.CheckoutAttempt{{
		ID: uuid.New(), IntentID: "pi_9", Status: domain.AttemptConfirmed, Amount: 6000, Currency: "usd", TransactionRef: &txRef,
	}}}

	out, err := runCmd(t, repo, "attempts", "list", "--status", "CONFIRMED")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.listStatus == nil || *repo.listStatus != domain.AttemptConfirmed {
		t.Fatalf("expected confirmed filter, got %v", repo.listStatus)
	}
	if !strings.Contains(out, "pi_9") || !strings.Contains(out, "6000 USD") || !strings.Contains(out, "ch_9") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestAttemptsRetryAndAbandon(t *testing.T) {
	id := uuid.New()
	repo := &repoStub{attempts: []domain.CheckoutAttempt{{ID: id, IntentID: "pi_7", Status: domain.AttemptAwaitingConfirmation}}}

	if _, err := runCmd(t, repo, "attempts", "retry", id.String()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.requeued != id {
		t.Fatalf("expected %s requeued, got %s", id, repo.requeued)
	}

	if _, err := runCmd(t, repo, "attempts", "abandon", id.String(), "--reason", "card stolen"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.abandoned != "pi_7|card stolen" {
		t.Fatalf("unexpected abandon call: %q", repo.abandoned)
	}

	if _, err := runCmd(t, repo, "attempts", "retry", "not-a-uuid"); err == nil {
		t.Fatal("expected invalid id error")
	}
}

func TestApplicationsShowByTransactionID(t *testing.T) {
	repo := &repoStub{application: &domain.Application{ID: uuid.New(), TransactionRef: "ch_5", ApplicationStatus: domain.StatusPending}}

	out, err := runCmd(t, repo, "applications", "show", "ch_5")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.lookedUpByTx != "ch_5" {
		t.Fatalf("expected lookup by transaction id, got %q", repo.lookedUpByTx)
	}
	if !strings.Contains(out, `"transaction_id": "ch_5"`) {
		t.Fatalf("unexpected output:\n%s", out)
	}
}
