package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirmap/internal/platform/fhir"
)

// RequestTimeout puts a deadline on the request context. The mapping engine
// and repositories observe it; a handler that returns after the deadline
// without having written a response gets a 504 OperationOutcome.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if c.Response().Committed {
				return err
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return c.JSON(http.StatusGatewayTimeout, fhir.NewOperationOutcome(fhir.IssueSeverityError,
					fhir.IssueTypeTimeout, "Request processing exceeded the allowed time limit"))
			}
			return err
		}
	}
}
