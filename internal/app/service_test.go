package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/scholarstream/application-service/internal/domain"
	"github.com/scholarstream/application-service/internal/store"
)

func TestTransitionStatus_GuardsOnCurrentStatus(t *testing.T) {
	repo := newMemoryRepo()
	app := repo.addApplication(student.UserID, student.Email, domain.StatusPending)
	svc := NewApplicationService(repo, testPolicy())

	updated, err := svc.TransitionStatus(context.Background(), moderator, app.ID, domain.StatusProcessing)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if updated.ApplicationStatus != domain.StatusProcessing {
		t.Fatalf("expected processing, got %s", updated.ApplicationStatus)
	}

	if _, err := svc.TransitionStatus(context.Background(), moderator, app.ID, domain.StatusPending); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if _, err := svc.TransitionStatus(context.Background(), student, app.ID, domain.StatusCompleted); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestTransitionStatus_ReportsConcurrentChange(t *testing.T) {
	repo := newMemoryRepo()
	app := repo.addApplication(student.UserID, student.Email, domain.StatusPending)
	repo.transitionHook = func(params store.TransitionParams) {
		repo.mu.Lock()
		row := repo.applications[params.ID]
		row.ApplicationStatus = domain.StatusRejected
		repo.applications[params.ID] = row
		repo.mu.Unlock()
	}
	svc := NewApplicationService(repo, testPolicy())

	_, err := svc.TransitionStatus(context.Background(), moderator, app.ID, domain.StatusCompleted)
	if !errors.Is(err, store.ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}
	if got := repo.status(app.ID); got != domain.StatusRejected {
		t.Fatalf("expected concurrent rejection to stand, got %s", got)
	}
}

func TestUpdateApplicantFields_OnlyWhilePending(t *testing.T) {
	repo := newMemoryRepo()
	pending := repo.addApplication(student.UserID, student.Email, domain.StatusPending)
	processing := repo.addApplication(student.UserID, student.Email, domain.StatusProcessing)
	svc := NewApplicationService(repo, testPolicy())

	name := "  Ada Lovelace "
	updated, err := svc.UpdateApplicantFields(context.Background(), student, pending.ID, domain.ApplicantFieldsUpdate{ApplicantName: &name})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if updated.ApplicantName != "Ada Lovelace" {
		t.Fatalf("expected trimmed name, got %q", updated.ApplicantName)
	}

	if _, err := svc.UpdateApplicantFields(context.Background(), student, processing.ID, domain.ApplicantFieldsUpdate{ApplicantName: &name}); !errors.Is(err, store.ErrApplicationNotEditable) {
		t.Fatalf("expected ErrApplicationNotEditable, got %v", err)
	}

	bad := "not-an-email"
	_, err = svc.UpdateApplicantFields(context.Background(), student, pending.ID, domain.ApplicantFieldsUpdate{ApplicantEmail: &bad})
	var fieldErr *FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "applicant_email" {
		t.Fatalf("expected applicant_email field error, got %v", err)
	}

	intruder := Actor{UserID: "user_other", Email: "other@example.com"}
	if _, err := svc.UpdateApplicantFields(context.Background(), intruder, pending.ID, domain.ApplicantFieldsUpdate{ApplicantName: &name}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestDelete_RejectsReviewedApplication(t *testing.T) {
	repo := newMemoryRepo()
	completed := repo.addApplication(student.UserID, student.Email, domain.StatusCompleted)
	pending := repo.addApplication(student.UserID, student.Email, domain.StatusPending)
	svc := NewApplicationService(repo, testPolicy())

	if err := svc.Delete(context.Background(), student, completed.ID); !errors.Is(err, store.ErrApplicationNotEditable) {
		t.Fatalf("expected ErrApplicationNotEditable, got %v", err)
	}
	if err := svc.Delete(context.Background(), student, pending.ID); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.applicationCount() != 1 {
		t.Fatalf("expected one remaining application, got %d", repo.applicationCount())
	}
}

func TestSetFeedback_AnyStatus(t *testing.T) {
	repo := newMemoryRepo()
	app := repo.addApplication(student.UserID, student.Email, domain.StatusRejected)
	svc := NewApplicationService(repo, testPolicy())

	updated, err := svc.SetFeedback(context.Background(), moderator, app.ID, "missing transcript")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if updated.Feedback == nil || *updated.Feedback != "missing transcript" {
		t.Fatalf("expected feedback to be stored, got %v", updated.Feedback)
	}
	if _, err := svc.SetFeedback(context.Background(), student, app.ID, "x"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestListMine_EmailMatchesOnlyRowsWithoutSubject(t *testing.T) {
	repo := newMemoryRepo()
	own := repo.addApplication(student.UserID, student.Email, domain.StatusPending)
	legacy := repo.addApplication("", "STUDENT@example.com", domain.StatusCompleted)
	other := Actor{UserID: "user_other", Email: "other@example.com"}
	planted := repo.addApplication(other.UserID, other.Email, domain.StatusPending)
	svc := NewApplicationService(repo, testPolicy())

	victimEmail := student.Email
	if _, err := svc.UpdateApplicantFields(context.Background(), other, planted.ID, domain.ApplicantFieldsUpdate{ApplicantEmail: &victimEmail}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	mine, err := svc.ListMine(context.Background(), student)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	got := map[uuid.UUID]bool{}
	for _, app := range mine {
		got[app.ID] = true
	}
	if len(mine) != 2 || !got[own.ID] || !got[legacy.ID] {
		t.Fatalf("expected own and legacy rows only, got %d rows", len(mine))
	}
	if got[planted.ID] {
		t.Fatal("row owned by another subject leaked through its applicant email")
	}
	if _, err := svc.Get(context.Background(), student, planted.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden on the planted row, got %v", err)
	}

	theirs, err := svc.ListMine(context.Background(), other)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(theirs) != 1 || theirs[0].ID != planted.ID {
		t.Fatalf("expected the owner to keep seeing the edited row, got %d rows", len(theirs))
	}
}
