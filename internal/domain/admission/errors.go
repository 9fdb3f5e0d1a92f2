package admission

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Code is a stable, client-facing rejection code.
type Code string

const (
	CodeCustomerFormMissing Code = "customerFormMissing"
	CodeCustomerFormInvalid Code = "customerFormInvalid"
	CodeServiceFormMissing  Code = "serviceFormMissing"
	CodeServiceFormInvalid  Code = "serviceFormInvalid"
	CodeWrongTotalPrice     Code = "wrongTotalPrice"
	CodeNoSuchCoupon        Code = "noSuchCoupon"
	CodeExpiredCoupon       Code = "expiredCoupon"
	CodeNoSuchTimeslotID    Code = "noSuchTimeslotId"
	CodeNoAvailability      Code = "noAvailability"
	CodeStorageFailure      Code = "storageFailure"
)

// ErrCapacityExhausted is returned by Tx.Reserve and Tx.ClaimResource when
// the capacity key has no free unit left.
var ErrCapacityExhausted = errors.New("capacity exhausted")

// Error is a typed admission rejection. Every failed admission returns one,
// except requests rejected by reference checks (see RequestError).
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func reject(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the admission code from an error chain.
func CodeOf(err error) (Code, bool) {
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr.Code, true
	}
	return "", false
}

// RequestError reports an order that references data the tenant does not
// have (unknown service, location, add-on) or is otherwise malformed. It is
// raised before the admission pipeline runs.
type RequestError struct {
	Field  string
	Reason string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}
