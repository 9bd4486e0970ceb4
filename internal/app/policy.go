package app

import (
	"strings"

	"github.com/scholarstream/application-service/internal/domain"
)

// Actor is the authenticated caller as reported by the identity provider.
type Actor struct {
	UserID string
	Email  string
	Name   string
	Roles  []string
}

// Applicant returns the identity snapshot stored on new applications.
func (a Actor) Applicant() domain.Applicant {
	return domain.Applicant{UserID: a.UserID, Email: a.Email, Name: a.Name}
}

// Action names an operation subject to authorization.
type Action string

const (
	ActionView       Action = "view"
	ActionListAll    Action = "list_all"
	ActionTransition Action = "transition"
	ActionFeedback   Action = "feedback"
	ActionSelfEdit   Action = "self_edit"
	ActionDelete     Action = "delete"
)

// Policy decides whether actor may perform action. app is nil for actions
// that do not target a single row.
type Policy interface {
	Authorize(actor Actor, action Action, app *domain.Application) error
}

// RolePolicy grants moderation to a configured set of roles and self-service
// actions to the application's owner.
type RolePolicy struct {
	moderatorRoles map[string]struct{}
}

func NewRolePolicy(moderatorRoles []string) *RolePolicy {
	roles := make(map[string]struct{}, len(moderatorRoles))
	for _, role := range moderatorRoles {
		role = strings.ToLower(strings.TrimSpace(role))
		if role != "" {
			roles[role] = struct{}{}
		}
	}
	return &RolePolicy{moderatorRoles: roles}
}

func (p *RolePolicy) Authorize(actor Actor, action Action, app *domain.Application) error {
	switch action {
	case ActionListAll, ActionTransition, ActionFeedback:
		if p.IsModerator(actor) {
			return nil
		}
	case ActionView:
		if p.IsModerator(actor) || owns(actor, app) {
			return nil
		}
	case ActionSelfEdit, ActionDelete:
		if owns(actor, app) {
			return nil
		}
	}
	return ErrForbidden
}

// IsModerator reports whether actor holds any moderator-or-admin role.
func (p *RolePolicy) IsModerator(actor Actor) bool {
	for _, role := range actor.Roles {
		if _, ok := p.moderatorRoles[strings.ToLower(strings.TrimSpace(role))]; ok {
			return true
		}
	}
	return false
}

func owns(actor Actor, app *domain.Application) bool {
	if app == nil {
		return false
	}
	if app.UserID != "" {
		return actor.UserID == app.UserID
	}
	// rows imported without a subject fall back to the applicant email
	return actor.Email != "" && strings.EqualFold(actor.Email, app.ApplicantEmail)
}
