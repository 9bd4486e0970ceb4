package app

import (
	"fmt"

	"github.com/scholarstream/application-service/internal/domain"
)

var allowedTransitions = map[domain.ApplicationStatus]map[domain.ApplicationStatus]bool{
	domain.StatusPending: {
		domain.StatusProcessing: true,
		domain.StatusCompleted:  true,
		domain.StatusRejected:   true,
	},
	domain.StatusProcessing: {
		domain.StatusCompleted: true,
		domain.StatusRejected:  true,
	},
}

// CanTransition reports whether a moderator may move an application from one
// status to another. Completed and rejected are terminal.
func CanTransition(from, to domain.ApplicationStatus) bool {
	return allowedTransitions[from][to]
}

// ValidateTransition returns ErrInvalidStatus for unknown targets and
// ErrIllegalTransition for moves the lifecycle does not permit.
func ValidateTransition(from, to domain.ApplicationStatus) error {
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s domain.ApplicationStatus) bool {
	return len(allowedTransitions[s]) == 0
}

// StudentMutable reports whether the owner may still edit or delete a row in status s.
func StudentMutable(s domain.ApplicationStatus) bool {
	return s == domain.StatusPending
}
