// internal/oracle/errors.go
package oracle

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is a string type used for structured error classification of
// oracle failures. Using a custom type ensures only the predefined constants
// can be used where an ErrorKind is expected.
type ErrorKind string

const (
	// KindTransport covers network failures, timeouts, and non-2xx HTTP
	// statuses. Transport errors are segment-level: logged, counted, and
	// the run continues. They are deliberately not retried here; retry
	// against a paid oracle is the operator's call, not the client's.
	KindTransport ErrorKind = "TRANSPORT"
	// KindMalformedResponse means the oracle returned a payload that does
	// not parse into the documented fragment shape after stripping
	// conventional code fences. Segment-level, same handling as transport.
	KindMalformedResponse ErrorKind = "MALFORMED_RESPONSE"
	// KindCancelled means the call was abandoned because cancellation was
	// signaled before or during dispatch. Never counted as a failure; it
	// terminates the whole run into the cancelled state.
	KindCancelled ErrorKind = "CANCELLED"
)

// Error is the typed failure returned by every oracle call.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("oracle %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the classification of an oracle error, or "" when err did
// not originate here.
func KindOf(err error) ErrorKind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}

// IsCancelled reports whether the error represents a cancellation, either as
// a classified oracle error or as a bare context error from a layer below.
func IsCancelled(err error) bool {
	if KindOf(err) == KindCancelled {
		return true
	}
	return errors.Is(err, context.Canceled)
}
