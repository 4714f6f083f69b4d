// Package errors defines the error kinds shared by the gateway core.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Kind classifies an Error.
type Kind int

const (
	// KindProtocol: a connection broke the wire contract (disallowed vanilla
	// session, malformed preamble, bad handshake, oversize frame). The
	// connection is closed, never retried.
	KindProtocol Kind = iota + 1
	// KindState: an integration defect such as misuse of an argslot.Slot.
	KindState
	// KindConfig: an invalid configured value that was replaced by its default.
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindState:
		return "state"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching on the kind alone.
var (
	ErrProtocol = &Error{kind: KindProtocol}
	ErrState    = &Error{kind: KindState}
	ErrConfig   = &Error{kind: KindConfig}
)

type hasInnerError interface {
	// Unwrap returns the underlying error of this one.
	Unwrap() error
}

// Error is an error object with a kind, an optional remote address and an
// underlying error.
type Error struct {
	kind    Kind
	remote  string
	message string
	inner   error
}

// Protocol returns a new protocol error.
func Protocol(format string, args ...interface{}) *Error {
	return &Error{kind: KindProtocol, message: fmt.Sprintf(format, args...)}
}

// State returns a new state error.
func State(format string, args ...interface{}) *Error {
	return &Error{kind: KindState, message: fmt.Sprintf(format, args...)}
}

// Config returns a new config error.
func Config(format string, args ...interface{}) *Error {
	return &Error{kind: KindConfig, message: fmt.Sprintf(format, args...)}
}

// WithRemote records the remote address of the affected connection.
func (err *Error) WithRemote(addr fmt.Stringer) *Error {
	if addr != nil {
		err.remote = addr.String()
	}
	return err
}

// Base sets the underlying error.
func (err *Error) Base(e error) *Error {
	err.inner = e
	return err
}

// Kind returns the error kind.
func (err *Error) Kind() Kind {
	return err.kind
}

// Remote returns the remote address recorded with WithRemote, if any.
func (err *Error) Remote() string {
	return err.remote
}

// Error implements error.Error().
func (err *Error) Error() string {
	builder := strings.Builder{}
	builder.WriteByte('[')
	builder.WriteString(err.kind.String())
	builder.WriteString("] ")
	if err.remote != "" {
		builder.WriteString(err.remote)
		builder.WriteString(": ")
	}
	builder.WriteString(err.message)

	if err.inner != nil {
		builder.WriteString(" > ")
		builder.WriteString(err.inner.Error())
	}

	return builder.String()
}

// Unwrap implements hasInnerError.Unwrap()
func (err *Error) Unwrap() error {
	return err.inner
}

// Is reports whether target is an *Error of the same kind.
func (err *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.kind == err.kind
}

// IsKind reports whether any error in err's chain is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	for err != nil {
		if stderrors.As(err, &e) {
			if e.kind == k {
				return true
			}
			err = e.inner
			continue
		}
		return false
	}
	return false
}

// Cause returns the root cause of this error.
func Cause(err error) error {
	if err == nil {
		return nil
	}
L:
	for {
		switch inner := err.(type) {
		case hasInnerError:
			if inner.Unwrap() == nil {
				break L
			}
			err = inner.Unwrap()
		default:
			break L
		}
	}
	return err
}
