package request

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no response arrives within the request timeout
	ErrTimeout = errors.New("request timed out")
	// ErrConnectionClosed is returned to every pending request when the
	// connection goes away
	ErrConnectionClosed = errors.New("connection closed")
)

// IQError is an error response to an iq query.
type IQError struct {
	Code int
	Text string
}

func (e *IQError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("iq error %d", e.Code)
	}
	return fmt.Sprintf("iq error %d: %s", e.Code, e.Text)
}

// Retryable reports whether err is worth retrying for an idempotent request.
func Retryable(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var iqErr *IQError
	return errors.As(err, &iqErr) && iqErr.Code >= 500
}
