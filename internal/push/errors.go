package push

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/kursadbilgin/call-dispatcher/internal/domain"
)

// PushError classifies gateway failures as transient or fatal.
type PushError struct {
	StatusCode    int
	Reason        string
	Message       string
	Transient     bool
	// Misconfigured marks a rejection of our own signing credential. Every
	// send fails the same way until an operator replaces it.
	Misconfigured bool
	Cause         error
}

func (e *PushError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 5)
	parts = append(parts, "push error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		parts = append(parts, fmt.Sprintf("reason=%s", reason))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

// Is lets callers match the classification with domain.ErrDeliveryTransient
// and domain.ErrDeliveryFatal.
func (e *PushError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case domain.ErrDeliveryTransient:
		return e.Transient
	case domain.ErrDeliveryFatal:
		return !e.Transient
	}
	return false
}

func (e *PushError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether a delivery should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var pushErr *PushError
	if errors.As(err, &pushErr) {
		return pushErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// IsMisconfigured reports whether err rejects the gateway credentials rather
// than the message or device.
func IsMisconfigured(err error) bool {
	var pushErr *PushError
	return errors.As(err, &pushErr) && pushErr.Misconfigured
}

// ReasonOf returns the gateway reason code carried by err, if any.
func ReasonOf(err error) string {
	var pushErr *PushError
	if errors.As(err, &pushErr) {
		return pushErr.Reason
	}
	return ""
}

// StatusCodeOf returns the gateway HTTP status carried by err, if any.
func StatusCodeOf(err error) int {
	var pushErr *PushError
	if errors.As(err, &pushErr) {
		return pushErr.StatusCode
	}
	return 0
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func transportError(err error) *PushError {
	return &PushError{
		Message:   "gateway request failed",
		Transient: !errors.Is(err, context.Canceled),
		Cause:     err,
	}
}
