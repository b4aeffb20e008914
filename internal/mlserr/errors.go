// Package mlserr defines the error taxonomy shared by the mailbox fabric:
// OPM, the mailbox lookup service, and the transport-specific mailbox
// variants all return *Error rather than bare fmt.Errorf so callers can
// branch on Code() instead of matching strings.
package mlserr

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// Code classifies a failure the way spec §7 does.
type Code int

const (
	// Unknown is the zero value; never returned deliberately.
	Unknown Code = iota
	InvalidArgument
	NotFound
	TransportTransient
	TransportFatal
	PoolExhausted
	DuplicateRegistration
	ProgrammerError
)

func (c Code) String() string {
	switch c {
	case InvalidArgument:
		return "InvalidArgument"
	case NotFound:
		return "NotFound"
	case TransportTransient:
		return "TransportTransient"
	case TransportFatal:
		return "TransportFatal"
	case PoolExhausted:
		return "PoolExhausted"
	case DuplicateRegistration:
		return "DuplicateRegistration"
	case ProgrammerError:
		return "ProgrammerError"
	default:
		return "Unknown"
	}
}

// Error is the fluent, structured error the fabric returns everywhere.
type Error struct {
	code      Code
	message   string
	retryable bool
	source    string
	timestamp *timestamppb.Timestamp
	wrapped   error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Code returns the taxonomy classification.
func (e *Error) Code() Code { return e.code }

// Retryable reports whether the caller's documented cooperative-retry
// contract applies (see spec §4.6 proxy reconnect-and-retry-once).
func (e *Error) Retryable() bool { return e.retryable }

// Timestamp returns when the error was constructed.
func (e *Error) Timestamp() time.Time { return e.timestamp.AsTime() }

// Builder is a fluent constructor, grounded on the teacher's
// ErrorBuilder (patterns/core/errors.go), minus the generated-proto
// payload: this fabric has no wire schema of its own to carry errors
// over, so the builder produces a plain *Error instead of a pb.Error.
type Builder struct {
	err *Error
}

// New starts a builder for the given code.
func New(code Code) *Builder {
	return &Builder{err: &Error{
		code:      code,
		timestamp: timestamppb.Now(),
	}}
}

// Wrap starts a builder around an existing error.
func Wrap(code Code, cause error) *Builder {
	b := New(code)
	b.err.wrapped = cause
	return b
}

func (b *Builder) WithMessage(msg string) *Builder {
	b.err.message = msg
	return b
}

func (b *Builder) WithMessagef(format string, args ...interface{}) *Builder {
	b.err.message = fmt.Sprintf(format, args...)
	return b
}

func (b *Builder) WithSource(source string) *Builder {
	b.err.source = source
	return b
}

func (b *Builder) Retryable() *Builder {
	b.err.retryable = true
	return b
}

func (b *Builder) Build() *Error {
	return b.err
}

// Is implements the code-level comparison errors.Is expects: two *Error
// values are "equal" for matching purposes when their codes match.
func (e *Error) Is(target error) bool {
	o, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == o.code
}

// Source returns the subsystem that raised the error (e.g. "opm", "mls").
func (e *Error) Source() string { return e.source }
