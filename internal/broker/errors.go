package broker

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Order rejections that must never be retried.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidOrder      = errors.New("invalid order")
)

// ErrNoCredentials marks calls on accounts registered without API keys.
var ErrNoCredentials = errors.New("no credentials configured")

// TransientError marks a failure worth retrying: transport errors, timeouts,
// rate limiting, and broker 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// APIError is a non-2xx response from the broker.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker API error (HTTP %d, code %d): %s", e.StatusCode, e.Code, e.Message)
}

// classifyError maps transport and API failures onto the retryable /
// non-retryable split the execution layer depends on.
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusForbidden && mentionsFunds(apiErr.Message):
			return fmt.Errorf("%s: %w: %s", op, ErrInsufficientFunds, apiErr.Message)
		case apiErr.StatusCode == http.StatusUnprocessableEntity:
			return fmt.Errorf("%s: %w: %s", op, ErrInvalidOrder, apiErr.Message)
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode >= http.StatusInternalServerError:
			return &TransientError{Op: op, Err: apiErr}
		default:
			return fmt.Errorf("%s: %w", op, apiErr)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientError{Op: op, Err: err}
	}

	// Anything else the transport produced (connection refused, DNS, EOF)
	// is treated as transient; the retry cap bounds the damage.
	return &TransientError{Op: op, Err: err}
}

func mentionsFunds(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "insufficient") || strings.Contains(m, "buying power")
}
