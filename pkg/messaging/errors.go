package messaging

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	ErrorKindConnect ErrorKind = "connect"
	ErrorKindPublish ErrorKind = "publish"
	ErrorKindTimeout ErrorKind = "timeout"
	ErrorKindClosed  ErrorKind = "closed"
)

// Error is returned by every Transport implementation.
type Error struct {
	Kind  ErrorKind
	Topic string
	Cause error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Topic != "" {
		msg = fmt.Sprintf("%s %s", e.Kind, e.Topic)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether a later attempt may succeed without operator action.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var msgErr *Error
	if !errors.As(err, &msgErr) {
		return false
	}

	switch msgErr.Kind {
	case ErrorKindConnect, ErrorKindTimeout:
		return true
	case ErrorKindPublish, ErrorKindClosed:
		return false
	default:
		return false
	}
}
