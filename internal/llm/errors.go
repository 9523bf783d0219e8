package llm

import (
	"errors"
	"fmt"
)

// ErrorKind classifies gateway failures.
type ErrorKind int

const (
	// KindFatal is any failure that retrying will not fix.
	KindFatal ErrorKind = iota
	// KindOverloaded means the backend is temporarily unavailable.
	KindOverloaded
	// KindRateLimited means the caller exceeded its quota.
	KindRateLimited
	// KindBilling means the request needs a paid project or a
	// permission the key does not have.
	KindBilling
)

func (k ErrorKind) String() string {
	switch k {
	case KindOverloaded:
		return "overloaded"
	case KindRateLimited:
		return "rate_limited"
	case KindBilling:
		return "billing"
	default:
		return "fatal"
	}
}

// Error is the gateway's error contract. Vendor error shapes are
// mapped to a Kind at the adapter boundary.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("llm %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("llm %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying.
func (e *Error) Transient() bool {
	return e.Kind == KindOverloaded || e.Kind == KindRateLimited
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindFatal when there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}
