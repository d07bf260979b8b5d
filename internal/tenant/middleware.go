package tenant

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/fhirbox/fhirbox/internal/platform/fhir"
)

type ctxKey struct{}

// DefaultHeader is the tenant header name when the configuration leaves it
// unset.
const DefaultHeader = "X-Tenant-ID"

// ContextWith returns a context carrying the resolved tenant.
func ContextWith(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext retrieves the resolved tenant, or nil outside the middleware.
func FromContext(ctx context.Context) *Tenant {
	t, _ := ctx.Value(ctxKey{}).(*Tenant)
	return t
}

// Middleware resolves the tenant header on every request and stores the
// record in the request context. Resolution failures render as
// OperationOutcome with the status the error kind maps to.
func Middleware(resolver *Resolver, header string) echo.MiddlewareFunc {
	if header == "" {
		header = DefaultHeader
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			externalID := c.Request().Header.Get(header)

			t, err := resolver.Resolve(c.Request().Context(), externalID)
			if err != nil {
				return c.JSON(fhir.StatusOf(err), fhir.OutcomeOf(err))
			}

			ctx := ContextWith(c.Request().Context(), t)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
