package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxErrorMessage = 700

// ProviderError is a non-2xx answer from a platform API.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// IsRateLimited reports whether err is a provider quota or rate-limit answer.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) && providerErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "rate limit") ||
		strings.Contains(message, "ratelimit") ||
		strings.Contains(message, "quotaexceeded") ||
		strings.Contains(message, "too many requests")
}

// IsRetryable separates transient failures (timeouts, rate limits, 5xx) from
// permanent ones (other 4xx, malformed answers).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsRateLimited(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.StatusCode >= 500
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "timeout") ||
		strings.Contains(message, "tempor") ||
		strings.Contains(message, "transport error") ||
		strings.Contains(message, "connection reset")
}

// Do sends request and returns the response body, turning non-2xx answers
// into a ProviderError.
func Do(client *http.Client, provider string, request *http.Request) ([]byte, error) {
	response, err := client.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s timeout: %w", provider, err)
		}
		return nil, fmt.Errorf("%s transport error: %w", provider, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s body: %w", provider, err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		if len(message) > maxErrorMessage {
			message = message[:maxErrorMessage]
		}
		return nil, &ProviderError{Provider: provider, StatusCode: response.StatusCode, Message: message}
	}
	return body, nil
}
