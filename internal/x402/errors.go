package x402

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a protocol failure for programmatic handling. Codes are
// stable wire values: they appear verbatim in invalidReason/error response
// fields.
type ErrorCode string

const (
	// CodeBadPaymentHeader indicates the wire envelope could not be decoded.
	CodeBadPaymentHeader ErrorCode = "BadPaymentHeader"

	// CodeInvalidSignature indicates signature recovery failed or recovered
	// an address other than the claimed payer.
	CodeInvalidSignature ErrorCode = "InvalidSignature"

	// CodeTermsMismatch indicates the intent does not match the requirements.
	CodeTermsMismatch ErrorCode = "TermsMismatch"

	// CodeExpired indicates the intent's validUntil is in the past.
	CodeExpired ErrorCode = "Expired"

	// CodeRequestNotFound indicates the referenced PaymentRequest does not exist.
	CodeRequestNotFound ErrorCode = "RequestNotFound"

	// CodeRequestCancelled indicates the referenced PaymentRequest was cancelled.
	CodeRequestCancelled ErrorCode = "RequestCancelled"

	// CodeAlreadySettled indicates the request is settled or the nonce consumed.
	CodeAlreadySettled ErrorCode = "AlreadySettled"

	// CodeSettlementFailed indicates the ledger write failed.
	CodeSettlementFailed ErrorCode = "SettlementFailed"

	// CodeNonceLockTimeout indicates the per-payer lock could not be acquired.
	CodeNonceLockTimeout ErrorCode = "NonceLockTimeout"
)

// Retryable reports whether a caller may retry the same operation without
// producing a new intent. Signature, terms and expiry failures need a fresh
// intent; lock timeouts and ledger transport failures do not.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeNonceLockTimeout, CodeSettlementFailed:
		return true
	default:
		return false
	}
}

// Error is a protocol failure carrying its taxonomy code. All protocol errors
// are recoverable at the HTTP boundary; none should crash the process.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a protocol code. err may be nil.
func NewError(code ErrorCode, err error) *Error {
	return &Error{Code: code, Err: err}
}

// Errorf is NewError with fmt.Errorf convenience.
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the protocol code from err, or "" if err carries none.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
