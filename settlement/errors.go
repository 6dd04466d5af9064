package settlement

import "fmt"

// Code is a stable machine-readable settlement error code.
type Code string

// The full settlement error taxonomy.
const (
	CodeUnauthenticated         Code = "UNAUTHENTICATED"
	CodeForbidden               Code = "FORBIDDEN"
	CodeNotFound                Code = "NOT_FOUND"
	CodeInvalidState            Code = "INVALID_STATE"
	CodeAlreadySettled          Code = "ALREADY_SETTLED"
	CodeInvalidRecipient        Code = "INVALID_RECIPIENT"
	CodeInvalidCredentials      Code = "INVALID_CREDENTIALS"
	CodeKeyRecoveryFailed       Code = "KEY_RECOVERY_FAILED"
	CodeRecipientAccountMissing Code = "RECIPIENT_ACCOUNT_MISSING"
	CodeNetworkRejected         Code = "NETWORK_REJECTED"
	CodeUncertain               Code = "UNCERTAIN"
	CodeLedgerWriteFailed       Code = "LEDGER_WRITE_FAILED"
)

// Error is a settlement failure with a stable code. When a broadcast may
// have occurred, Signature carries the transaction reference so the caller
// can verify independently on the payment network.
type Error struct {
	Code      Code
	Message   string
	Signature string
	Err       error
}

func (e *Error) Error() string {
	if e.Signature != "" {
		return fmt.Sprintf("settlement: %s: %s (signature %s)", e.Code, e.Message, e.Signature)
	}
	return fmt.Sprintf("settlement: %s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// RetrySafe reports whether the caller may retry the whole settlement
// without risking a double payment. Any error carrying a signature, and any
// post-broadcast code, is not retry-safe.
func (e *Error) RetrySafe() bool {
	if e.Signature != "" {
		return false
	}
	switch e.Code {
	case CodeUncertain, CodeLedgerWriteFailed:
		return false
	}
	return true
}

func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func wrapError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
