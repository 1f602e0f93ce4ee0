package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies an error for retry purposes.
type Kind int

const (
	// KindClient marks bad input, not-found and conflict errors. Never
	// retried.
	KindClient Kind = iota
	// KindTransient marks connection failures, timeouts and server-class
	// HTTP statuses. Retried.
	KindTransient
	// KindUnknown marks everything else. Treated as transient,
	// conservatively.
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// StatusError is an error carrying the HTTP status of a downstream response.
// Clients of remote collaborators wrap non-2xx responses in it so the retry
// loop can classify them.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Classify maps an error to its retry kind.
func Classify(err error) Kind {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code == http.StatusRequestTimeout,
			statusErr.Code == http.StatusTooManyRequests:
			return KindTransient
		case statusErr.Code >= 500:
			return KindTransient
		case statusErr.Code >= 400:
			return KindClient
		default:
			return KindUnknown
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}

	return KindUnknown
}
