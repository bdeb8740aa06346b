package types

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrAccountNotFound      = errors.New("account not found")
	ErrInsufficientReserved = errors.New("insufficient reserved balance")
	ErrOverRelease          = errors.New("release exceeds outstanding reservation")
	ErrCurrencyMismatch     = errors.New("currency mismatch")
	ErrReservationNotFound  = errors.New("fund reservation not found")
	ErrReservationClosed    = errors.New("fund reservation already closed")

	ErrOrderNotFound   = errors.New("order not found")
	ErrVersionConflict = errors.New("order lock version conflict")
	ErrOrderTerminal   = errors.New("order is in a terminal state")

	ErrQueueFull     = errors.New("matching queue is full")
	ErrEngineStopped = errors.New("matching engine stopped")
)

// ValidationError rejects a request before any side effect. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// TransitionError is returned when the order state machine forbids a move.
type TransitionError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid order transition %s -> %s", e.From, e.To)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsBusinessRejection reports errors that are a business outcome rather than
// a system fault.
func IsBusinessRejection(err error) bool {
	return IsValidation(err) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrAccountNotFound)
}
