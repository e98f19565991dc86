// Package errors provides RFC 7807 Problem Details documents for structured
// request rejections.
package errors

import (
	"encoding/json"
	"net/http"
)

// Problem type URIs
const (
	TypeValidationError    = "https://scriptforge.app/problems/validation-error"
	TypeUnauthorized       = "https://scriptforge.app/problems/unauthorized"
	TypeForbidden          = "https://scriptforge.app/problems/forbidden"
	TypeNotFound           = "https://scriptforge.app/problems/not-found"
	TypeRateLimit          = "https://scriptforge.app/problems/rate-limit"
	TypeServiceDegraded    = "https://scriptforge.app/problems/service-degraded"
	TypeUpstreamTimeout    = "https://scriptforge.app/problems/upstream-timeout"
	TypeInternalError      = "https://scriptforge.app/problems/internal-error"
	TypeServiceUnavailable = "https://scriptforge.app/problems/service-unavailable"
)

// Problem titles
const (
	TitleValidationError    = "Validation Error"
	TitleUnauthorized       = "Unauthorized"
	TitleForbidden          = "Forbidden"
	TitleNotFound           = "Not Found"
	TitleRateLimit          = "Rate Limit Exceeded"
	TitleServiceDegraded    = "Service Degraded"
	TitleUpstreamTimeout    = "Upstream Timeout"
	TitleInternalError      = "Internal Server Error"
	TitleServiceUnavailable = "Service Unavailable"
)

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	TraceID  string                 `json:"trace_id,omitempty"`
	Extra    map[string]interface{} `json:"-"`
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return p.Detail
}

// WithTraceID adds a trace ID to the problem details
func (p *ProblemDetails) WithTraceID(traceID string) *ProblemDetails {
	p.TraceID = traceID
	return p
}

// WithExtra adds extra fields to the problem details (they will be serialized at the top level)
func (p *ProblemDetails) WithExtra(key string, value interface{}) *ProblemDetails {
	if p.Extra == nil {
		p.Extra = make(map[string]interface{})
	}
	p.Extra[key] = value
	return p
}

// MarshalJSON implements custom JSON marshaling to include extra fields at the top level
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{}, 6+len(p.Extra))
	for k, v := range p.Extra {
		result[k] = v
	}

	result["type"] = p.Type
	result["title"] = p.Title
	result["status"] = p.Status
	if p.Detail != "" {
		result["detail"] = p.Detail
	}
	if p.Instance != "" {
		result["instance"] = p.Instance
	}
	if p.TraceID != "" {
		result["trace_id"] = p.TraceID
	}

	return json.Marshal(result)
}

// NewValidationError creates a validation error problem
func NewValidationError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeValidationError, TitleValidationError, http.StatusBadRequest, detail, instance)
}

// NewUnauthorizedError creates an unauthorized error problem
func NewUnauthorizedError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeUnauthorized, TitleUnauthorized, http.StatusUnauthorized, detail, instance)
}

// NewForbiddenError creates a forbidden error problem
func NewForbiddenError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeForbidden, TitleForbidden, http.StatusForbidden, detail, instance)
}

// NewNotFoundError creates a not found error problem
func NewNotFoundError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeNotFound, TitleNotFound, http.StatusNotFound, detail, instance)
}

// NewRateLimitError creates a rate limit error problem carrying retry_after seconds
func NewRateLimitError(detail, instance string, retryAfterSeconds int) *ProblemDetails {
	return NewProblemDetails(TypeRateLimit, TitleRateLimit, http.StatusTooManyRequests, detail, instance).
		WithExtra("retry_after", retryAfterSeconds)
}

// NewServiceDegradedError is returned while a dependency's circuit is open.
func NewServiceDegradedError(dependency, instance string, retryAfterSeconds int) *ProblemDetails {
	return NewProblemDetails(TypeServiceDegraded, TitleServiceDegraded, http.StatusServiceUnavailable,
		"dependency "+dependency+" is temporarily unavailable", instance).
		WithExtra("dependency", dependency).
		WithExtra("retry_after", retryAfterSeconds)
}

// NewUpstreamTimeoutError creates a gateway timeout problem
func NewUpstreamTimeoutError(dependency, instance string) *ProblemDetails {
	return NewProblemDetails(TypeUpstreamTimeout, TitleUpstreamTimeout, http.StatusGatewayTimeout,
		"dependency "+dependency+" did not respond in time", instance).
		WithExtra("dependency", dependency)
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeServiceUnavailable, TitleServiceUnavailable, http.StatusServiceUnavailable, detail, instance)
}

// NewInternalError creates an internal server error problem
func NewInternalError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeInternalError, TitleInternalError, http.StatusInternalServerError, detail, instance)
}

// NewProblemDetails creates a generic problem details with all fields
func NewProblemDetails(problemType, title string, status int, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:     problemType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	}
}
