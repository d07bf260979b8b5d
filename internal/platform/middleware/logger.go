package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger emits one structured log line per request. Tenant and FHIR version
// fields are present when the resolving middleware ran before the handler.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			evt := logger.Info()
			if err != nil {
				evt = logger.Error().Err(err)
			}

			evt = evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP())

			if tenant, ok := c.Get("tenant_code").(string); ok && tenant != "" {
				evt = evt.Str("tenant", tenant)
			}
			if version, ok := c.Get("fhir_version").(string); ok && version != "" {
				evt = evt.Str("fhir_version", version)
			}

			evt.Msg("request")

			return err
		}
	}
}
