package app

import (
	"errors"
	"fmt"
)

var (
	ErrForbidden           = errors.New("forbidden")
	ErrIllegalTransition   = errors.New("illegal status transition")
	ErrInvalidStatus       = errors.New("invalid application status")
	ErrNothingToPay        = errors.New("scholarship has no payable amount")
	ErrCheckoutUnavailable = errors.New("could not start checkout")
	ErrCheckoutNotFound    = errors.New("checkout session not found")
	ErrCheckoutClosed      = errors.New("checkout session is already finished")
	ErrCheckoutInProgress  = errors.New("checkout confirmation already in progress")
	ErrCheckoutKeyConflict = errors.New("checkout key was already used for a different scholarship")
	ErrAmountMismatch      = errors.New("confirmed amount does not match the payable amount")
	ErrPersistenceDeferred = errors.New("payment confirmed; application recording deferred")
)

// FieldError is an input validation failure tied to one request field.
type FieldError struct {
	Field   string
	Message string
	Err     error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *FieldError) Unwrap() error { return e.Err }

// DeclineError is a terminal gateway failure for one checkout attempt. Message
// is safe to show to the payer.
type DeclineError struct {
	Message string
	Err     error
}

func (e *DeclineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payment declined: %s: %v", e.Message, e.Err)
	}
	return "payment declined: " + e.Message
}

func (e *DeclineError) Unwrap() error { return e.Err }
