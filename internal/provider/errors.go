package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrSendFailed marks an expected provider send failure. Callers turn it
	// into a Failed result rather than propagating it.
	ErrSendFailed              = errors.New("send failed")
	ErrUnsupportedDriver       = errors.New("unsupported driver")
	ErrDriverAlreadyRegistered = errors.New("driver already registered")
	ErrPollingUnsupported      = errors.New("driver does not support status polling")
)

// ProviderError classifies provider call failures as transient/permanent.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
	Transient  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 5)
	parts = append(parts, "provider error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if code := strings.TrimSpace(e.Code); code != "" {
		parts = append(parts, "code="+code)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether an error should be retried.
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
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// sendFailed wraps err so errors.Is(err, ErrSendFailed) holds.
func sendFailed(driver string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrSendFailed, driver)
	}
	return fmt.Errorf("%w: %s: %w", ErrSendFailed, driver, err)
}

// ErrorCode extracts a short code suitable for the error_code column.
func ErrorCode(err error) string {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		if code := strings.TrimSpace(providerErr.Code); code != "" {
			return code
		}
		if providerErr.StatusCode > 0 {
			return fmt.Sprintf("http_%d", providerErr.StatusCode)
		}
	}
	return ""
}
