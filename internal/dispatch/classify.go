package dispatch

import (
	"context"
	"errors"
	"net"
	"os"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/genpipe/internal/domain"
)

// Dispatch errors.
var (
	ErrInvalidJob  = errors.New("invalid dispatch job")
	ErrQueueFull   = errors.New("dispatch queue is full")
	ErrQueueClosed = errors.New("dispatch queue is closed")
)

// Classify wraps a dispatch-call error with its class. A timeout leaves the
// worker's fate unknown and is transient; any other rejection means the
// worker never started and is fatal. Classify returns nil for a nil error.
func Classify(err error) *domain.DispatchError {
	if err == nil {
		return nil
	}
	var de *domain.DispatchError
	if errors.As(err, &de) {
		return de
	}
	if isTimeout(err) {
		return &domain.DispatchError{Class: domain.DispatchTransient, Err: err}
	}
	return &domain.DispatchError{Class: domain.DispatchFatal, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return pgconn.Timeout(err)
}
