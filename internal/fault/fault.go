// Package fault defines the structured rejection codes shared across
// the ledger, transfer, withdrawal and governance paths. Every
// user-visible rejection carries one of these codes so clients can tell
// retryable failures from permanent ones.
package fault

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code identifies a rejection class.
type Code string

const (
	InsufficientBalance   Code = "insufficient_balance"
	ReplayDetected        Code = "replay_detected"
	Overflow              Code = "overflow"
	AlreadySettled        Code = "already_settled"
	AlreadyCommitted      Code = "already_committed"
	SignatureInvalid      Code = "signature_invalid"
	RaceLost              Code = "race_lost"
	BelowMinimum          Code = "below_minimum"
	DailyCapExceeded      Code = "daily_cap_exceeded"
	NotPending            Code = "not_pending"
	NotFound              Code = "not_found"
	NotStaged             Code = "not_staged"
	UnknownSigner         Code = "unknown_signer"
	InsufficientApprovals Code = "insufficient_approvals"
	InvalidArgument       Code = "invalid_argument"
	KeyAlreadyRegistered  Code = "key_already_registered"
	PrerequisiteFailed    Code = "prerequisite_failed"
)

// Error is a coded rejection. Details are optional structured context
// echoed back to the caller (e.g. prior nonce use timestamp).
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds a coded error.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches one context field, returning the same error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the rejection code from err, unwrapping as needed.
// Errors without a code are reported as empty.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
