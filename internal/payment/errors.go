package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/noah-isme/pix-storefront/internal/common"
)

var (
	// ErrNotFound is returned when a charge is unknown locally or upstream.
	ErrNotFound = errors.New("payment: charge not found")
	// ErrInvalidPayload marks webhook payloads that cannot be interpreted.
	ErrInvalidPayload = errors.New("payment: invalid webhook payload")
	// ErrUnknownProvider is returned for webhooks addressed to an unconfigured provider.
	ErrUnknownProvider = errors.New("payment: unknown provider")

	errEmptyBody = errors.New("empty body")
)

// ValidationError rejects a request before any provider call. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "payment: validation failed: " + e.Reason
	}
	return fmt.Sprintf("payment: invalid %s: %s", e.Field, e.Reason)
}

func validationErr(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ProviderError covers upstream 4xx/5xx answers and malformed responses.
type ProviderError struct {
	Provider   string
	StatusCode int
	Detail     string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := "payment: " + e.Provider + " error"
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// WebhookParseError wraps the reason an inbound payload was rejected. It is
// logged and acknowledged, never shown to the payer.
type WebhookParseError struct {
	Provider string
	Err      error
}

func (e *WebhookParseError) Error() string {
	return fmt.Sprintf("payment: %s webhook: %v", e.Provider, e.Err)
}

func (e *WebhookParseError) Unwrap() error { return e.Err }

func invalidPayload(provider, format string, args ...any) error {
	return &WebhookParseError{Provider: provider, Err: fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))}
}

// toAppError maps domain errors onto the API error shape.
func toAppError(err error) *common.AppError {
	var (
		appErr   *common.AppError
		valErr   *ValidationError
		provErr  *ProviderError
		parseErr *WebhookParseError
	)
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.As(err, &valErr):
		return common.NewAppError("VALIDATION_ERROR", valErr.Error(), http.StatusBadRequest, err).
			WithDetails(map[string]string{"field": valErr.Field, "reason": valErr.Reason})
	case errors.Is(err, ErrNotFound):
		return common.NewAppError("NOT_FOUND", "charge not found", http.StatusNotFound, err)
	case errors.Is(err, context.DeadlineExceeded):
		return common.NewAppError("UPSTREAM_TIMEOUT", "payment provider timed out", http.StatusGatewayTimeout, err)
	case errors.As(err, &provErr):
		details := map[string]any{"provider": provErr.Provider}
		if provErr.StatusCode > 0 {
			details["upstreamStatus"] = provErr.StatusCode
		}
		if provErr.Detail != "" {
			details["detail"] = provErr.Detail
		}
		return common.NewAppError("PROVIDER_ERROR", "payment provider request failed", http.StatusInternalServerError, err).WithDetails(details)
	case errors.As(err, &parseErr):
		return common.NewAppError("INVALID_PAYLOAD", parseErr.Error(), http.StatusBadRequest, err)
	default:
		return common.NewAppError("INTERNAL", "internal server error", http.StatusInternalServerError, err)
	}
}
