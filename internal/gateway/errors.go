package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/coachlab/simcoach/internal/oracle"
)

// Kind classifies a failed operation.
type Kind string

const (
	// KindTimeout means the operation exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindServer means the oracle answered with a non-2xx status.
	KindServer Kind = "server_error"
	// KindNetwork means the transport failed or was aborted.
	KindNetwork Kind = "network_error"
	// KindValidation means required role/profile data was missing. Checked
	// locally, never dispatched to the oracle.
	KindValidation Kind = "validation_error"
	// KindPartialData means an emergency finish was attempted with too few
	// completed scenarios. Checked locally, never dispatched to the oracle.
	KindPartialData Kind = "partial_data_error"
)

// Error is the typed failure surfaced by the gateway and the session
// machine. Attempts counts every try made, retries included.
type Error struct {
	Kind     Kind
	Op       string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message returns a human-readable description suitable for end users.
func (e *Error) Message() string {
	switch e.Kind {
	case KindTimeout:
		return "The request took too long. Please try again."
	case KindServer:
		return "The evaluation service reported an error. Please try again."
	case KindNetwork:
		return "Could not reach the evaluation service. Check your connection and try again."
	case KindValidation:
		return "Role and profile data are required before the simulation can run."
	case KindPartialData:
		return "At least two scenarios must be completed before finishing early."
	default:
		return "Something went wrong. Please try again."
	}
}

// KindOf extracts the error kind, or empty string for untyped errors.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// NewValidationError reports missing role/profile data.
func NewValidationError(op string, err error) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

// NewPartialDataError reports an emergency finish with too few results.
func NewPartialDataError(op string, err error) *Error {
	return &Error{Kind: KindPartialData, Op: op, Err: err}
}

// classify maps a transport failure to the typed taxonomy.
func classify(op string, attempts int, err error) *Error {
	kind := KindNetwork
	var statusErr *oracle.StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &statusErr):
		kind = KindServer
	}
	return &Error{Kind: kind, Op: op, Attempts: attempts, Err: err}
}
