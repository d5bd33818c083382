package v1

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/chatcore/internal/domain"
	"github.com/xiaot623/gogo/chatcore/internal/observability"
	"github.com/xiaot623/gogo/chatcore/internal/sse"
)

// SendMessageRequest is the body of a send.
type SendMessageRequest struct {
	Text        string                 `json:"text"`
	Model       string                 `json:"model,omitempty"`
	Attachments []domain.AttachmentRef `json:"attachments,omitempty"`
}

// SendMessage starts an exchange and streams its deltas as server-sent
// events, ending with [DONE]. A denied exchange is answered with 429.
// POST /v1/sessions/:session_id/messages
func (h *Handler) SendMessage(c echo.Context) error {
	ctx := c.Request().Context()

	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "invalid request body")
	}

	ex, err := h.service.SendMessage(ctx, identityOf(c), domain.SendRequest{
		SessionID:   c.Param("session_id"),
		Text:        req.Text,
		Model:       req.Model,
		Attachments: req.Attachments,
	})
	if err != nil {
		return WriteError(c, err)
	}

	admission := ex.Admission()
	writeRateHeaders(c, admission)
	if !admission.Allowed {
		// The denial still leaves a visible message in the session.
		ex.Detach()
		res, _ := ex.Wait(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return writeError(c, admission.Err(), res.Message)
	}

	resp := c.Response()
	resp.Header().Set("Content-Type", "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.Header().Set("X-Exchange-ID", ex.ID)
	resp.WriteHeader(http.StatusOK)

	w := sse.NewWriter(resp)
	log := observability.LoggerFromContext(ctx).With("session_id", ex.SessionID, "exchange_id", ex.ID)
	for {
		select {
		case d, ok := <-ex.Deltas():
			if !ok {
				return w.Done()
			}
			if err := w.JSON(d); err != nil {
				// The exchange keeps running; its result is persisted and pushed.
				log.Info("client went away during stream", "error", err)
				ex.Detach()
				return nil
			}
		case <-ctx.Done():
			log.Info("client disconnected during stream")
			ex.Detach()
			return nil
		}
	}
}

// CancelExchange cancels the streaming exchange of a session.
// POST /v1/sessions/:session_id/cancel
func (h *Handler) CancelExchange(c echo.Context) error {
	if err := h.service.CancelExchange(c.Request().Context(), identityOf(c), c.Param("session_id")); err != nil {
		return WriteError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// GetSession loads a session.
// GET /v1/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	session, err := h.service.LoadSession(c.Request().Context(), identityOf(c), c.Param("session_id"))
	if err != nil {
		return WriteError(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// EndChat archives a session and returns its successor.
// POST /v1/sessions/:session_id/end
func (h *Handler) EndChat(c echo.Context) error {
	session, err := h.service.EndChat(c.Request().Context(), identityOf(c), c.Param("session_id"))
	if err != nil {
		return WriteError(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// PersistSession retries persisting a session after a failed write.
// POST /v1/sessions/:session_id/persist
func (h *Handler) PersistSession(c echo.Context) error {
	session, err := h.service.Persist(c.Request().Context(), identityOf(c), c.Param("session_id"))
	if err != nil {
		return WriteError(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// ListSessions lists the caller's sessions.
// GET /v1/sessions
func (h *Handler) ListSessions(c echo.Context) error {
	items, err := h.service.ListSessions(c.Request().Context(), identityOf(c))
	if err != nil {
		return WriteError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions": items,
	})
}

// SearchSessions searches the caller's sessions.
// GET /v1/sessions/search?q=
func (h *Handler) SearchSessions(c echo.Context) error {
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return badRequest(c, "q", "query is required")
	}
	results, d, err := h.service.SearchSessions(c.Request().Context(), identityOf(c), q)
	writeRateHeaders(c, d)
	if err != nil {
		return WriteError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"results": results,
	})
}
