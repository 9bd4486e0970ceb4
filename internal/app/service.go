/**
 * @description
 * ApplicationService implements the application record operations exposed to
 * students and moderators. Every mutation is authorized through the Policy and
 * every status change is validated against the status read immediately before
 * a guarded write.
 *
 * @dependencies
 * - internal/store: persistence and conditional writes.
 */
package app

import (
	"context"
	"fmt"
	"log"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/scholarstream/application-service/internal/domain"
	"github.com/scholarstream/application-service/internal/store"
)

const maxFeedbackLength = 4000

// ApplicationService provides the business logic for application records.
type ApplicationService struct {
	repo   store.Repository
	policy Policy
}

// NewApplicationService creates a new ApplicationService.
func NewApplicationService(repo store.Repository, policy Policy) *ApplicationService {
	return &ApplicationService{repo: repo, policy: policy}
}

// ListMine returns the caller's own applications.
func (s *ApplicationService) ListMine(ctx context.Context, actor Actor) ([]domain.Application, error) {
	apps, err := s.repo.ListApplicationsByUser(ctx, actor.UserID, actor.Email)
	if err != nil {
		return nil, err
	}
	mine := apps[:0]
	for i := range apps {
		if owns(actor, &apps[i]) {
			mine = append(mine, apps[i])
		}
	}
	return mine, nil
}

// ListAll returns every application. Moderators only.
func (s *ApplicationService) ListAll(ctx context.Context, actor Actor, opts domain.ListApplicationsOptions) ([]domain.Application, error) {
	if err := s.policy.Authorize(actor, ActionListAll, nil); err != nil {
		return nil, err
	}
	if opts.Status != nil && !opts.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *opts.Status)
	}
	return s.repo.ListApplications(ctx, opts)
}

// Get returns one application visible to actor.
func (s *ApplicationService) Get(ctx context.Context, actor Actor, id uuid.UUID) (*domain.Application, error) {
	app, err := s.repo.FindApplicationByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.policy.Authorize(actor, ActionView, app); err != nil {
		return nil, err
	}
	return app, nil
}

// TransitionStatus moves an application to a new status. The transition is
// checked against the row's current status and written only if that status
// is still current when the update runs.
func (s *ApplicationService) TransitionStatus(ctx context.Context, actor Actor, id uuid.UUID, to domain.ApplicationStatus) (*domain.Application, error) {
	if err := s.policy.Authorize(actor, ActionTransition, nil); err != nil {
		return nil, err
	}
	if !to.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}

	current, err := s.repo.FindApplicationByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(current.ApplicationStatus, to); err != nil {
		return nil, err
	}

	updated, err := s.repo.TransitionApplicationStatus(ctx, store.TransitionParams{
		ID:      id,
		From:    current.ApplicationStatus,
		To:      to,
		ActorID: actor.UserID,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=application_service msg=\"status transitioned\" application_id=%s from=%s to=%s actor=%s", id, current.ApplicationStatus, to, actor.UserID)
	return updated, nil
}

// SetFeedback attaches a moderator note. It is legal in any status.
func (s *ApplicationService) SetFeedback(ctx context.Context, actor Actor, id uuid.UUID, feedback string) (*domain.Application, error) {
	if err := s.policy.Authorize(actor, ActionFeedback, nil); err != nil {
		return nil, err
	}
	if len(feedback) > maxFeedbackLength {
		return nil, &FieldError{Field: "feedback", Message: fmt.Sprintf("must be at most %d characters", maxFeedbackLength)}
	}
	return s.repo.SetFeedback(ctx, id, feedback, actor.UserID)
}

// UpdateApplicantFields lets the owner correct their contact details while
// the application is still pending.
func (s *ApplicationService) UpdateApplicantFields(ctx context.Context, actor Actor, id uuid.UUID, update domain.ApplicantFieldsUpdate) (*domain.Application, error) {
	normalized, err := normalizeApplicantUpdate(update)
	if err != nil {
		return nil, err
	}

	app, err := s.repo.FindApplicationByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.policy.Authorize(actor, ActionSelfEdit, app); err != nil {
		return nil, err
	}
	if !StudentMutable(app.ApplicationStatus) {
		return nil, store.ErrApplicationNotEditable
	}
	if normalized.Empty() {
		return app, nil
	}
	return s.repo.UpdateApplicantFields(ctx, id, normalized, actor.UserID)
}

// Delete removes the owner's application while it is still pending.
func (s *ApplicationService) Delete(ctx context.Context, actor Actor, id uuid.UUID) error {
	app, err := s.repo.FindApplicationByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.policy.Authorize(actor, ActionDelete, app); err != nil {
		return err
	}
	if !StudentMutable(app.ApplicationStatus) {
		return store.ErrApplicationNotEditable
	}
	return s.repo.DeleteApplication(ctx, id, actor.UserID)
}

func normalizeApplicantUpdate(update domain.ApplicantFieldsUpdate) (domain.ApplicantFieldsUpdate, error) {
	var out domain.ApplicantFieldsUpdate
	if update.ApplicantName != nil {
		name := strings.TrimSpace(*update.ApplicantName)
		if name == "" {
			return out, &FieldError{Field: "applicant_name", Message: "must not be empty"}
		}
		out.ApplicantName = &name
	}
	if update.ApplicantEmail != nil {
		email := strings.TrimSpace(*update.ApplicantEmail)
		addr, err := mail.ParseAddress(email)
		if err != nil || addr.Address != email {
			return out, &FieldError{Field: "applicant_email", Message: "must be a valid email address", Err: err}
		}
		out.ApplicantEmail = &email
	}
	return out, nil
}
