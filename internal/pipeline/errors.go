package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/vnmchuo/eu-llm-gateway/internal/billing"
	"github.com/vnmchuo/eu-llm-gateway/internal/compliance"
	"github.com/vnmchuo/eu-llm-gateway/internal/provider"
	"github.com/vnmchuo/eu-llm-gateway/internal/proxy"
)

// Category is the caller-visible failure taxonomy.
type Category string

const (
	CategoryInvalidRequest               Category = "InvalidRequest"
	CategoryLicenseNotFound              Category = "LicenseNotFound"
	CategoryLicenseInactive              Category = "LicenseInactive"
	CategoryLicenseExpired               Category = "LicenseExpired"
	CategoryInsufficientCredits          Category = "InsufficientCredits"
	CategoryProviderAuthError            Category = "ProviderAuthError"
	CategoryProviderRateLimited          Category = "ProviderRateLimited"
	CategoryProviderTransientError       Category = "ProviderTransientError"
	CategoryAllProvidersUnavailable      Category = "AllProvidersUnavailable"
	CategoryComplianceConfigurationError Category = "ComplianceConfigurationError"
	CategoryRateLimitExceeded            Category = "RateLimitExceeded"
	CategoryCanceled                     Category = "Canceled"
	CategoryInternal                     Category = "Internal"
)

// StatusClientClosedRequest is the non-standard status for requests the
// caller abandoned.
const StatusClientClosedRequest = 499

func (c Category) HTTPStatus() int {
	switch c {
	case CategoryInvalidRequest:
		return http.StatusBadRequest
	case CategoryLicenseNotFound:
		return http.StatusNotFound
	case CategoryLicenseInactive, CategoryLicenseExpired:
		return http.StatusForbidden
	case CategoryInsufficientCredits:
		return http.StatusPaymentRequired
	case CategoryProviderAuthError:
		return http.StatusBadGateway
	case CategoryProviderRateLimited, CategoryRateLimitExceeded:
		return http.StatusTooManyRequests
	case CategoryProviderTransientError, CategoryAllProvidersUnavailable:
		return http.StatusServiceUnavailable
	case CategoryCanceled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error carries the category a failure is reported under.
type Error struct {
	Category Category
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrEmptyPrompt      = errors.New("prompt is empty")
	ErrInvalidKeyFormat = errors.New("license key has an invalid format")
	ErrInvalidMaxTokens = errors.New("max tokens must not be negative")
	ErrRateLimited      = errors.New("token rate limit exceeded")
)

func invalid(err error) error {
	return &Error{Category: CategoryInvalidRequest, Err: err}
}

// CategoryOf maps any error returned by the pipeline or its components to a
// category. Unrecognised errors are Internal.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CategoryCanceled
	case errors.Is(err, billing.ErrLicenseNotFound):
		return CategoryLicenseNotFound
	case errors.Is(err, billing.ErrLicenseInactive):
		return CategoryLicenseInactive
	case errors.Is(err, billing.ErrLicenseExpired):
		return CategoryLicenseExpired
	case errors.Is(err, billing.ErrInsufficientCredits):
		return CategoryInsufficientCredits
	case errors.Is(err, billing.ErrInvalidAmount),
		errors.Is(err, compliance.ErrUnknownProvider),
		errors.Is(err, provider.ErrProviderNotFound):
		return CategoryInvalidRequest
	case errors.Is(err, compliance.ErrNoCompliantProvider):
		return CategoryComplianceConfigurationError
	case errors.Is(err, ErrRateLimited):
		return CategoryRateLimitExceeded
	}

	var ue *proxy.UnavailableError
	if errors.As(err, &ue) {
		if len(ue.Attempts) == 1 {
			if c, ok := providerCategory(ue.Attempts[0].Outcome); ok {
				return c
			}
		}
		return CategoryAllProvidersUnavailable
	}
	if errors.Is(err, proxy.ErrAllProvidersUnavailable) {
		return CategoryAllProvidersUnavailable
	}

	var provErr *provider.Error
	if errors.As(err, &provErr) {
		if c, ok := providerCategory(proxy.Outcome(provErr.Kind)); ok {
			return c
		}
		return CategoryAllProvidersUnavailable
	}

	return CategoryInternal
}

// providerCategory reports the specific category of a single failed
// provider. Generic failures have none.
func providerCategory(o proxy.Outcome) (Category, bool) {
	switch provider.ErrorKind(o) {
	case provider.ErrorAuth:
		return CategoryProviderAuthError, true
	case provider.ErrorRateLimited:
		return CategoryProviderRateLimited, true
	case provider.ErrorTransient:
		return CategoryProviderTransientError, true
	}
	return "", false
}
