package order

import (
	"errors"
	"fmt"
)

// ErrUnauthenticated means the appliance answered 401: the credential has
// expired or was revoked. Callers hand this to whatever owns the credential.
var ErrUnauthenticated = errors.New("unauthenticated")

// NetworkError wraps a failure to reach the appliance at all.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: appliance unreachable: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a 5xx answer. It is neither a rejection nor an
// authentication problem.
type ServerError struct {
	Op      string
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: appliance error (HTTP %d)", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: appliance error (HTTP %d): %s", e.Op, e.Status, e.Message)
}

// Kind classifies an order API failure so callers can render each one
// differently.
type Kind string

const (
	KindNone            Kind = ""
	KindNetwork         Kind = "network"
	KindUnauthenticated Kind = "unauthenticated"
	KindRejected        Kind = "rejected"
	KindServer          Kind = "server"
	KindUnknown         Kind = "unknown"
)

// KindOf classifies err. A nil error with a rejected outcome is reported by
// OutcomeKind instead.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, ErrUnauthenticated) {
		return KindUnauthenticated
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return KindNetwork
	}
	var se *ServerError
	if errors.As(err, &se) {
		return KindServer
	}
	return KindUnknown
}

// OutcomeKind folds a call's (Outcome, error) pair into one Kind.
func OutcomeKind(o Outcome, err error) Kind {
	if err != nil {
		return KindOf(err)
	}
	if !o.Accepted {
		return KindRejected
	}
	return KindNone
}
