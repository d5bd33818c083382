package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// GetPreferences returns the caller's preferences.
// GET /v1/preferences
func (h *Handler) GetPreferences(c echo.Context) error {
	prefs, err := h.service.GetPreferences(c.Request().Context(), identityOf(c))
	if err != nil {
		return WriteError(c, err)
	}
	return c.JSON(http.StatusOK, prefs)
}

// PatchPreferences merges the body into the caller's preferences. A null
// value removes the key.
// PATCH /v1/preferences
func (h *Handler) PatchPreferences(c echo.Context) error {
	var patch map[string]interface{}
	if err := c.Bind(&patch); err != nil {
		return badRequest(c, "body", "invalid request body")
	}
	prefs, err := h.service.SetPreferences(c.Request().Context(), identityOf(c), patch)
	if err != nil {
		return WriteError(c, err)
	}
	return c.JSON(http.StatusOK, prefs)
}
