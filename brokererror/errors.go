// Package brokererror defines the error taxonomy shared by the broker core,
// the HTTP surface and the AMQP client adapter. Codes reuse the AMQP 0.9.1
// reply codes so errors coming back from a real broker map onto the same kinds.
package brokererror

import (
	"errors"
	"fmt"
)

// Code is a broker error code
type Code uint16

// Error code constants
const (
	// Unroutable - Publish matched no binding and the broker rejects unroutable messages
	Unroutable Code = 312

	// ConnectionClosed - Operation attempted on a closed connection
	ConnectionClosed Code = 320

	// AccessRefused - Reserved exchange names, default exchange bindings
	AccessRefused Code = 403

	// NotFound - Missing exchanges, queues, bindings, consumers, delivery tags
	NotFound Code = 404

	// ConfigurationConflict - Redeclare with different parameters
	ConfigurationConflict Code = 406

	// InternalError - Storage failures and other internal errors
	InternalError Code = 500

	// InvalidArgument - Malformed names, unsupported exchange kinds
	InvalidArgument Code = 503

	// ChannelClosed - Operation attempted on, or consumer blocked in, a closed channel
	ChannelClosed Code = 504

	// ResourceError - Channel limit reached
	ResourceError Code = 506

	// NotAllowed - Duplicate consumer tags
	NotAllowed Code = 530
)

// String returns the error string representation of the Code
func (c Code) String() string {
	switch c {
	case Unroutable:
		return "UNROUTABLE"
	case ConnectionClosed:
		return "CONNECTION_CLOSED"
	case AccessRefused:
		return "ACCESS_REFUSED"
	case NotFound:
		return "NOT_FOUND"
	case ConfigurationConflict:
		return "CONFIGURATION_CONFLICT"
	case InternalError:
		return "INTERNAL_ERROR"
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	case ChannelClosed:
		return "CHANNEL_CLOSED"
	case ResourceError:
		return "RESOURCE_ERROR"
	case NotAllowed:
		return "NOT_ALLOWED"
	default:
		return "UNKNOWN_ERROR"
	}
}

// Error is a coded broker error. Two errors match under errors.Is when
// their codes are equal, so callers test against the sentinels below.
type Error struct {
	Code Code
	Text string
}

func (e *Error) Error() string {
	if e.Text == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s - %s", e.Code, e.Text)
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New returns an Error with a formatted text.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Text: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code from err. ok is false for errors outside the taxonomy.
func CodeOf(err error) (code Code, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

var (
	ErrUnroutable            = &Error{Code: Unroutable}
	ErrConnectionClosed      = &Error{Code: ConnectionClosed}
	ErrAccessRefused         = &Error{Code: AccessRefused}
	ErrNotFound              = &Error{Code: NotFound}
	ErrConfigurationConflict = &Error{Code: ConfigurationConflict}
	ErrInternal              = &Error{Code: InternalError}
	ErrInvalidArgument       = &Error{Code: InvalidArgument}
	ErrChannelClosed         = &Error{Code: ChannelClosed}
	ErrResourceError         = &Error{Code: ResourceError}
	ErrNotAllowed            = &Error{Code: NotAllowed}

	// ErrTimeout is returned when a blocking dequeue exceeds its wait bound.
	// It is an expected outcome, not a fault.
	ErrTimeout = errors.New("carrot: dequeue timed out")
)
