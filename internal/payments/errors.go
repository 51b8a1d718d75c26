package payments

import (
	"errors"
	"fmt"
	"strings"
)

// Permanent gateway rejections. A capture or refund failing with one of these
// can never succeed on retry; the settlement engine records the attempt and
// moves on instead of blocking the queue.
var permanentErrorPatterns = []string{
	"capture from invalid status MARKED_FOR_REVIEW",
	"Reversal from invalid status MARKED_FOR_REVIEW",
	"Reversal from invalid status EXPIRED",
	"capture from invalid status EXPIRED",
	"failed with permanent error",
	"Reversal from invalid status FAILED",
	"Reversal from invalid status LOCKED",
}

// GatewayError wraps a failed gateway call. Adapters that know a rejection is
// final set Final directly; otherwise permanence is decided by message
// pattern.
type GatewayError struct {
	Op        string
	Reference string
	Message   string
	Final     bool
	Err       error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("payments: %s %s: %s", e.Op, e.Reference, e.Message)
	}
	return fmt.Sprintf("payments: %s %s: %v", e.Op, e.Reference, e.Err)
}

// Unwrap exposes the underlying error.
func (e *GatewayError) Unwrap() error { return e.Err }

// Permanent reports whether the rejection can never succeed on retry.
func (e *GatewayError) Permanent() bool {
	if e.Final {
		return true
	}
	for _, pattern := range permanentErrorPatterns {
		if strings.Contains(e.Message, pattern) {
			return true
		}
	}
	return false
}

// IsPermanent reports whether err is a gateway rejection that retrying cannot
// fix.
func IsPermanent(err error) bool {
	var gatewayErr *GatewayError
	if errors.As(err, &gatewayErr) {
		return gatewayErr.Permanent()
	}
	return false
}
