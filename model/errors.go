package model

import "github.com/legalflow/clausereview/apperr"

// ErrProviderUnavailable is returned by Failover when every configured
// provider has exhausted its retry.
func ErrProviderUnavailable(lastErr error) error {
	return apperr.Wrap(apperr.KindProviderUnavailable, "all model providers exhausted", lastErr)
}

// ErrStreamInterrupted is returned when a streaming call fails after the
// first byte has already been delivered to the consumer; per spec, mid-
// stream failures never fail over, to preserve ordering.
func ErrStreamInterrupted(cause error) error {
	return apperr.Wrap(apperr.KindStreamInterrupted, "stream interrupted after first byte", cause)
}

// retryable reports whether a provider error should trigger the single
// same-provider retry (network error, 5xx, 429, malformed response,
// timeout). Concrete backends construct *ProviderError for every failure so
// this check is uniform across providers.
func retryable(err error) bool {
	pe, ok := err.(*ProviderError)
	if !ok {
		return true // unknown error shape: treat conservatively as retryable
	}
	switch pe.Kind {
	case ProviderErrNetwork, ProviderErrServerError, ProviderErrRateLimited, ProviderErrMalformed, ProviderErrTimeout:
		return true
	default:
		return false
	}
}

// ProviderErrKind classifies a single-provider failure for the Failover
// retry/failover decision.
type ProviderErrKind string

const (
	ProviderErrNetwork     ProviderErrKind = "network"
	ProviderErrServerError ProviderErrKind = "server_error"
	ProviderErrRateLimited ProviderErrKind = "rate_limited"
	ProviderErrMalformed   ProviderErrKind = "malformed_response"
	ProviderErrTimeout     ProviderErrKind = "timeout"
	ProviderErrAuth        ProviderErrKind = "auth" // not retryable: bad credentials
)

// ProviderError is the structured failure every backend returns so Failover
// can classify it without inspecting provider-specific error types.
type ProviderError struct {
	Provider string
	Kind     ProviderErrKind
	Cause    error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Provider + ": " + string(e.Kind) + ": " + e.Cause.Error()
	}
	return e.Provider + ": " + string(e.Kind)
}

func (e *ProviderError) Unwrap() error { return e.Cause }
