package wire

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

var (
	ErrRegistrationRejected = errors.New("wire: registration rejected")
	ErrHeartbeatTimeout     = errors.New("wire: heartbeat timeout")
	ErrConnClosed           = errors.New("wire: connection closed")
)

// ErrorClass buckets connection failures for retry-delay selection.
type ErrorClass int

const (
	ClassOther ErrorClass = iota
	ClassSocketClosed
	ClassTimeout
)

// ClassifyError maps a connect/read/heartbeat error onto its retry class.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassOther
	}
	if errors.Is(err, ErrHeartbeatTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, ErrConnClosed) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return ClassSocketClosed
	}
	// String probe for wrapped platform errors that lose their type.
	msg := err.Error()
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "use of closed network connection") {
		return ClassSocketClosed
	}
	return ClassOther
}
