// Package status implements the small status boundary type the driver
// registry speaks in: a kind plus a human-readable message, composable
// with the standard error-wrapping machinery via %w and
// errors.Is/errors.As.
package status

import "fmt"

// Kind classifies a Status. The zero Kind is Ok.
type Kind int

const (
	Ok Kind = iota
	Invalid
	NotFound
	NotSupported
	BadConfig
	Exist
	Fault
)

func (k Kind) String() string {
	switch k {
	case Ok:
		return "ok"
	case Invalid:
		return "invalid"
	case NotFound:
		return "not_found"
	case NotSupported:
		return "not_supported"
	case BadConfig:
		return "bad_config"
	case Exist:
		return "exist"
	case Fault:
		return "fault"
	default:
		return "unknown"
	}
}

// Status is a kind plus a message. A nil *Status and a Status with Kind Ok
// both mean success; New(Ok, "") is preferred when a concrete value is
// needed.
type Status struct {
	kind    Kind
	message string
	wrapped error
}

// New builds a Status carrying kind and message.
func New(kind Kind, message string) *Status {
	return &Status{kind: kind, message: message}
}

// Wrap builds a Status carrying kind and message, recording err so that
// errors.Is/errors.As and %w can see through to it.
func Wrap(kind Kind, message string, err error) *Status {
	return &Status{kind: kind, message: message, wrapped: err}
}

// Kind reports the status's kind.
func (s *Status) Kind() Kind {
	if s == nil {
		return Ok
	}
	return s.kind
}

// OK reports whether the status represents success.
func (s *Status) OK() bool {
	return s.Kind() == Ok
}

// Errormsg returns the status's message.
func (s *Status) Errormsg() string {
	if s == nil {
		return ""
	}
	return s.message
}

// Error implements the error interface so a *Status can be returned and
// checked anywhere Go code expects an error.
func (s *Status) Error() string {
	if s == nil {
		return Ok.String()
	}
	if s.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", s.kind, s.message, s.wrapped)
	}
	return fmt.Sprintf("%s: %s", s.kind, s.message)
}

// Unwrap lets errors.Is/errors.As see through to a wrapped cause.
func (s *Status) Unwrap() error {
	if s == nil {
		return nil
	}
	return s.wrapped
}

// Is reports whether err is a *Status with the same Kind, letting callers
// write errors.Is(err, status.New(status.NotFound, "")).
func (s *Status) Is(target error) bool {
	other, ok := target.(*Status)
	if !ok {
		return false
	}
	return s.Kind() == other.Kind()
}
