package server

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConnectionNotFound  = errors.New("connection not found")
	ErrDuplicateConnection = errors.New("connection id already registered")
	ErrCapacityReached     = errors.New("connection capacity reached")
	ErrSocketClosed        = errors.New("socket closed")
	ErrSendBufferFull      = errors.New("send buffer full")

	errShuttingDown = errors.New("server shutting down")
)

// DeliveryError reports a failed write to one connection. The registry has
// already removed that connection by the time the error is returned.
type DeliveryError struct {
	ConnectionID string
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.ConnectionID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
