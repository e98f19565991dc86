package server

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/Aidin1998/scriptforge/internal/hooks"
	"github.com/Aidin1998/scriptforge/internal/inference"
	"github.com/Aidin1998/scriptforge/internal/ratelimit"
	"github.com/Aidin1998/scriptforge/internal/resilience"
	apperrors "github.com/Aidin1998/scriptforge/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// classify maps every error a handler or middleware can produce to a problem
// document. Unknown errors become 500 with a generic detail.
func (s *Server) classify(err error, instance string) *apperrors.ProblemDetails {
	var (
		exceeded     *ratelimit.ExceededError
		unavailable  *ratelimit.StoreUnavailableError
		notPermitted *ratelimit.NotPermittedError
		open         *resilience.CircuitOpenError
		timeout      *resilience.TimeoutError
		problem      *apperrors.ProblemDetails
	)

	switch {
	case errors.As(err, &problem):
		return problem
	case errors.As(err, &exceeded):
		return apperrors.NewRateLimitError(
			fmt.Sprintf("too many requests, retry after %d seconds", exceeded.RetryAfter),
			instance, exceeded.RetryAfter)
	case errors.As(err, &unavailable):
		// The limiter already logged the incident with the cause; the client
		// only learns that the request was not admitted.
		return apperrors.NewServiceUnavailableError("request could not be admitted, try again shortly", instance)
	case errors.As(err, &open):
		return apperrors.NewServiceDegradedError(open.Name, instance, open.RetryAfterSeconds())
	case errors.As(err, &timeout):
		return apperrors.NewUpstreamTimeoutError(timeout.Name, instance)
	case errors.As(err, &notPermitted):
		return apperrors.NewForbiddenError(
			fmt.Sprintf("action %s is not available for tier %s", notPermitted.Action, notPermitted.Tier), instance)
	case errors.Is(err, ratelimit.ErrInvalidIdentifier),
		errors.Is(err, hooks.ErrInvalidHook),
		errors.Is(err, inference.ErrInvalidRequest):
		return apperrors.NewValidationError(err.Error(), instance)
	default:
		s.logger.Error("Unhandled request error", zap.String("path", instance), zap.Error(err))
		return apperrors.NewInternalError("internal server error", instance)
	}
}

// writeError renders err as application/problem+json and aborts the chain.
func (s *Server) writeError(c *gin.Context, err error) {
	p := s.classify(err, c.Request.URL.Path)
	if retry, ok := p.Extra["retry_after"].(int); ok && retry > 0 {
		c.Header("Retry-After", strconv.Itoa(retry))
	}
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(p.Status, p)
}
