package domain

import "errors"

// Error kinds returned by the delivery engine. Callers match them with errors.Is;
// the wrapped message carries the precondition that failed.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidState      = errors.New("invalid state")
	ErrSelfBidNotAllowed = errors.New("self bid not allowed")
	ErrFeeTooLow         = errors.New("fee too low")
	ErrInvalidOtp        = errors.New("invalid otp")
	ErrNotFound          = errors.New("not found")
	ErrTooManyAttempts   = errors.New("too many attempts")
)

var errorKinds = []error{
	ErrInvalidInput,
	ErrInsufficientFunds,
	ErrForbidden,
	ErrInvalidState,
	ErrSelfBidNotAllowed,
	ErrFeeTooLow,
	ErrInvalidOtp,
	ErrNotFound,
	ErrTooManyAttempts,
}

// Kind returns the error kind wrapped by err, or nil for infrastructure failures.
func Kind(err error) error {
	for _, kind := range errorKinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
