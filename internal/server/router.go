package server

import (
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/config"
	"github.com/fhirbox/fhirbox/internal/platform/db"
	"github.com/fhirbox/fhirbox/internal/platform/fhir"
	"github.com/fhirbox/fhirbox/internal/platform/middleware"
	"github.com/fhirbox/fhirbox/internal/tenant"
)

// Deps carries everything the router needs wired together.
type Deps struct {
	Config   *config.Config
	Pool     *pgxpool.Pool
	Handler  *Handler
	Resolver *tenant.Resolver
	Registry *prometheus.Registry
	Logger   zerolog.Logger
}

// NewRouter assembles the echo instance: operational endpoints at the root,
// one route group per supported FHIR version under the base path, plus
// unversioned aliases serving the configured default version.
func NewRouter(deps Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	basePath := strings.TrimRight(deps.Config.BasePath, "/")

	e.Pre(versionPathRewrite(basePath))
	e.Use(middleware.Recovery(deps.Logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(deps.Logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.SanitizeWithLogger(deps.Logger))
	e.Use(middleware.RequestTimeout(deps.Config.RequestTimeout))
	e.Use(middleware.BodyLimit(basePath, deps.Config.BodyLimit, bundleBodyLimit(deps.Config.BodyLimit)))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: deps.Config.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", deps.Config.TenantHeader},
	}))

	// Operational endpoints sit outside the tenant scope.
	e.GET("/healthz", db.HealthHandler(deps.Pool))
	if deps.Registry != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	rateLimit := middleware.RateLimitConfig{
		RequestsPerSecond: deps.Config.RateLimitRPS,
		BurstSize:         deps.Config.RateLimitBurst,
	}
	if rateLimit.RequestsPerSecond <= 0 {
		rateLimit = middleware.DefaultRateLimitConfig()
	}

	mount := func(prefix string, version fhir.Version) {
		g := e.Group(prefix)
		g.Use(middleware.RateLimit(rateLimit))
		g.Use(tenant.Middleware(deps.Resolver, deps.Config.TenantHeader))
		deps.Handler.Register(g, version)
	}
	for _, version := range fhir.Versions() {
		mount(basePath+"/"+version.PathCode(), version)
	}
	// unversioned paths serve the default version
	mount(basePath, deps.Config.FHIRDefaultVersion())

	return e
}

// versionPathRewrite lowercases the version segment so /fhir/R4B and
// /fhir/r4b land on the same routes. It must run before routing.
func versionPathRewrite(basePath string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			rest, found := strings.CutPrefix(path, basePath+"/")
			if found {
				seg, tail, hasTail := strings.Cut(rest, "/")
				if v, ok := fhir.ParseVersion(seg); ok && seg != v.PathCode() {
					rewritten := basePath + "/" + v.PathCode()
					if hasTail {
						rewritten += "/" + tail
					}
					c.Request().URL.Path = rewritten
				}
			}
			return next(c)
		}
	}
}

// bundleBodyLimit doubles the per-request limit for root bundle posts.
func bundleBodyLimit(limit string) string {
	switch limit {
	case "", "8M":
		return "16M"
	default:
		return limit
	}
}
