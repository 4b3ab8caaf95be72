package payment

import (
	"fmt"
	"strings"
)

// ConfigurationError reports a provider whose credentials are incomplete. The
// provider is left out of the registry; startup continues.
type ConfigurationError struct {
	Provider string
	Missing  []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("payment: provider %s not configured: missing %s", e.Provider, strings.Join(e.Missing, ", "))
}

// UnsupportedProviderError is returned when a provider key is not registered.
type UnsupportedProviderError struct {
	Provider string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("payment: unsupported provider %q", e.Provider)
}

// ValidationError reports missing or malformed input detected before any
// network call is made.
type ValidationError struct {
	Provider string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("payment: invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("payment: %s: invalid %s: %s", e.Provider, e.Field, e.Reason)
}

// ProviderAPIError wraps a failed call to a provider API or SDK.
type ProviderAPIError struct {
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *ProviderAPIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("payment: %s %s failed (status %d): %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("payment: %s %s failed: %v", e.Provider, e.Op, e.Err)
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *ProviderAPIError) Unwrap() error {
	return e.Err
}

// WebhookVerificationError reports a notification whose authenticity could not
// be established. Nothing from the payload may be trusted when it is returned.
type WebhookVerificationError struct {
	Provider string
	Err      error
}

func (e *WebhookVerificationError) Error() string {
	return fmt.Sprintf("payment: %s webhook verification failed: %v", e.Provider, e.Err)
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *WebhookVerificationError) Unwrap() error {
	return e.Err
}

func apiError(provider, op string, status int, err error) error {
	return &ProviderAPIError{Provider: provider, Op: op, StatusCode: status, Err: err}
}
