// internal/comerr/errors.go
package comerr

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies an error for the client and decides how the owning
// actor treats its hardware handle afterwards.
type Kind int

const (
	// KindTransport marks a failure at the OS/hardware IO layer. The
	// handle is closed and the next request re-opens it.
	KindTransport Kind = iota
	// KindProtocol marks a remote-peer-level failure (bad frame, exception
	// response, CRC mismatch, read timeout). The handle stays open.
	KindProtocol
	// KindArgument marks invalid input detected before any IO.
	KindArgument
	// KindInternal marks an invariant violation inside the relay.
	KindInternal
	// KindDisconnected reports that the target actor is gone.
	KindDisconnected
	// KindTimeout reports a dispatch-level timeout.
	KindTimeout
	KindInvalidAddress
	KindInvalidRequest
	KindNotSupported
	KindLockedByOther
)

// String returns the client-visible tag for the kind.
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "Transport"
	case KindProtocol:
		return "Protocol"
	case KindArgument:
		return "Argument"
	case KindInternal:
		return "Internal"
	case KindDisconnected:
		return "Disconnected"
	case KindTimeout:
		return "Timeout"
	case KindInvalidAddress:
		return "InvalidAddress"
	case KindInvalidRequest:
		return "InvalidRequest"
	case KindNotSupported:
		return "NotSupported"
	case KindLockedByOther:
		return "LockedByOther"
	default:
		return "Internal"
	}
}

// Error carries a classified failure through actors, dispatcher and the
// wire protocol. Errors are never thrown out-of-band; they ride the
// normal Response::Error variant.
type Error struct {
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transport wraps err as a transport-fatal error.
func Transport(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransport, Err: err}
}

// Transportf creates a transport-fatal error from a format string.
func Transportf(format string, args ...interface{}) error {
	return &Error{Kind: KindTransport, Err: fmt.Errorf(format, args...)}
}

// Protocol wraps err as a protocol-level error.
func Protocol(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindProtocol, Err: err}
}

// Protocolf creates a protocol-level error from a format string.
func Protocolf(format string, args ...interface{}) error {
	return &Error{Kind: KindProtocol, Err: fmt.Errorf(format, args...)}
}

// Argument wraps err as an argument validation error.
func Argument(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindArgument, Err: err}
}

// Argumentf creates an argument validation error from a format string.
func Argumentf(format string, args ...interface{}) error {
	return &Error{Kind: KindArgument, Err: fmt.Errorf(format, args...)}
}

// Internal wraps err as an internal error. The cause is annotated with a
// stack trace so the backtrace reaches the log.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindInternal, Err: pkgerrors.WithStack(err)}
}

// Internalf creates an internal error carrying a stack trace.
func Internalf(format string, args ...interface{}) error {
	return &Error{Kind: KindInternal, Err: pkgerrors.Errorf(format, args...)}
}

// Disconnected reports that the target actor has terminated.
func Disconnected() error {
	return &Error{Kind: KindDisconnected}
}

// Timeout reports a dispatch-level timeout.
func Timeout() error {
	return &Error{Kind: KindTimeout}
}

// InvalidAddress reports an unparsable or malformed address.
func InvalidAddress(addr string) error {
	return &Error{Kind: KindInvalidAddress, Err: fmt.Errorf("invalid address: %q", addr)}
}

// InvalidRequest reports a request whose instrument variant does not
// match the resolved actor type.
func InvalidRequest(msg string) error {
	return &Error{Kind: KindInvalidRequest, Err: errors.New(msg)}
}

// NotSupported reports an operation the transport cannot serve.
func NotSupported(msg string) error {
	return &Error{Kind: KindNotSupported, Err: errors.New(msg)}
}

// LockedByOther reports that another client holds the lease.
func LockedByOther() error {
	return &Error{Kind: KindLockedByOther}
}

// KindOf extracts the kind of err. Unclassified errors count as internal.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}

// IsTransport reports whether err is transport-fatal, i.e. whether the
// handle must be closed.
func IsTransport(err error) bool {
	return Is(err, KindTransport)
}

// Ensure returns err classified: already classified errors pass through,
// anything else becomes an internal error.
func Ensure(err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return Internal(err)
}

// Backtrace returns the recorded stack trace of an internal error, or an
// empty string when none was captured.
func Backtrace(err error) string {
	type tracer interface {
		StackTrace() pkgerrors.StackTrace
	}
	var ce *Error
	if !errors.As(err, &ce) || ce.Err == nil {
		return ""
	}
	var st tracer
	if errors.As(ce.Err, &st) {
		return fmt.Sprintf("%+v", st.StackTrace())
	}
	return ""
}
