package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/chatcore/internal/domain"
)

// ModelsResponse lists the model catalog in the OpenAI list shape.
type ModelsResponse struct {
	Object string         `json:"object"`
	Data   []domain.Model `json:"data"`
}

// ListModels returns the model catalog.
// GET /v1/models
func (h *Handler) ListModels(c echo.Context) error {
	models, d, err := h.service.ListModels(c.Request().Context(), identityOf(c))
	writeRateHeaders(c, d)
	if err != nil {
		return WriteError(c, err)
	}
	return c.JSON(http.StatusOK, ModelsResponse{
		Object: "list",
		Data:   models,
	})
}
