// Package http assembles the echo server of the chat core.
package http

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/xiaot623/gogo/chatcore/internal/adapter/auth"
	"github.com/xiaot623/gogo/chatcore/internal/config"
	"github.com/xiaot623/gogo/chatcore/internal/domain"
	"github.com/xiaot623/gogo/chatcore/internal/metrics"
	"github.com/xiaot623/gogo/chatcore/internal/observability"
	"github.com/xiaot623/gogo/chatcore/internal/service"
	v1 "github.com/xiaot623/gogo/chatcore/internal/transport/http/v1"
	"github.com/xiaot623/gogo/chatcore/internal/transport/ws"
)

// Deps are the collaborators of the server.
type Deps struct {
	Config  *config.Config
	Service *service.Service
	Auth    *auth.Authenticator
	// WS serves /v1/ws when set.
	WS      *ws.Server
	Metrics *metrics.Metrics
}

// NewServer creates and configures the HTTP server.
func NewServer(d Deps) *echo.Echo {
	cfg := d.Config
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(observability.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(middleware.Logger())
	e.Use(middleware.Secure())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, auth.ClientIDHeader},
		ExposeHeaders: []string{
			"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset",
			echo.HeaderXRequestID, "X-Exchange-ID",
		},
	}))
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	if cfg.IPRateLimit > 0 {
		e.Use(ipRateLimiter(cfg.IPRateLimit))
	}

	// Handlers
	authMW := auth.Middleware(d.Auth, v1.WriteError)
	v1.NewHandler(d.Service).RegisterRoutes(e, authMW)
	if d.WS != nil {
		e.GET("/v1/ws", d.WS.Handle, authMW)
	}
	e.GET("/metrics", echo.WrapHandler(d.Metrics.Handler()))

	return e
}

// ipRateLimiter is the coarse per-IP limit in front of the per-class
// limiter. Health and metrics endpoints are exempt.
func ipRateLimiter(perSecond float64) echo.MiddlewareFunc {
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			p := c.Request().URL.Path
			return p == "/health" || strings.HasPrefix(p, "/metrics")
		},
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:  rate.Limit(perSecond),
			Burst: int(perSecond) * 2,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			c.Response().Header().Set("Retry-After", "1")
			return c.JSON(http.StatusTooManyRequests, v1.ErrorResponse{Error: &domain.ErrorBody{
				Code:         domain.Code(domain.ErrAdmissionDenied),
				Message:      "too many requests",
				RetryAfterMs: 1000,
			}})
		},
	})
}
