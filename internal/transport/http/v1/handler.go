// Package v1 provides the HTTP handlers of the chat core API.
package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/chatcore/internal/adapter/auth"
	"github.com/xiaot623/gogo/chatcore/internal/domain"
	"github.com/xiaot623/gogo/chatcore/internal/service"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers the API routes. mw runs before every /v1 route
// and must establish the caller identity.
func (h *Handler) RegisterRoutes(e *echo.Echo, mw ...echo.MiddlewareFunc) {
	g := e.Group("/v1", mw...)

	// Sessions
	g.GET("/sessions", h.ListSessions)
	g.GET("/sessions/search", h.SearchSessions)
	g.GET("/sessions/:session_id", h.GetSession)
	g.POST("/sessions/:session_id/messages", h.SendMessage)
	g.POST("/sessions/:session_id/cancel", h.CancelExchange)
	g.POST("/sessions/:session_id/end", h.EndChat)
	g.POST("/sessions/:session_id/persist", h.PersistSession)

	// Preferences
	g.GET("/preferences", h.GetPreferences)
	g.PATCH("/preferences", h.PatchPreferences)

	// Model catalog
	g.GET("/models", h.ListModels)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}

func identityOf(c echo.Context) domain.Identity {
	identity, _ := auth.IdentityFrom(c)
	return identity
}
