package app

import (
	"errors"
	"testing"

	"github.com/scholarstream/application-service/internal/domain"
)

func TestCanTransition_AllPairs(t *testing.T) {
	allowed := map[[2]domain.ApplicationStatus]bool{
		{domain.StatusPending, domain.StatusProcessing}:   true,
		{domain.StatusPending, domain.StatusCompleted}:    true,
		{domain.StatusPending, domain.StatusRejected}:     true,
		{domain.StatusProcessing, domain.StatusCompleted}: true,
		{domain.StatusProcessing, domain.StatusRejected}:  true,
	}
	statuses := []domain.ApplicationStatus{
		domain.StatusPending,
		domain.StatusProcessing,
		domain.StatusCompleted,
		domain.StatusRejected,
	}

	for _, from := range statuses {
		for _, to := range statuses {
			want := allowed[[2]domain.ApplicationStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestValidateTransition_Errors(t *testing.T) {
	if err := ValidateTransition(domain.StatusPending, "archived"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if err := ValidateTransition(domain.StatusCompleted, domain.StatusPending); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if err := ValidateTransition(domain.StatusPending, domain.StatusPending); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected self transition to be illegal, got %v", err)
	}
	if err := ValidateTransition(domain.StatusProcessing, domain.StatusRejected); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestTerminalAndMutableStatuses(t *testing.T) {
	if !IsTerminal(domain.StatusCompleted) || !IsTerminal(domain.StatusRejected) {
		t.Fatal("expected completed and rejected to be terminal")
	}
	if IsTerminal(domain.StatusPending) || IsTerminal(domain.StatusProcessing) {
		t.Fatal("expected pending and processing to be non-terminal")
	}
	if !StudentMutable(domain.StatusPending) {
		t.Fatal("expected pending to be student mutable")
	}
	if StudentMutable(domain.StatusProcessing) {
		t.Fatal("expected processing to be locked for students")
	}
}
