package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/chatcore/internal/adapter/auth"
	"github.com/xiaot623/gogo/chatcore/internal/domain"
	"github.com/xiaot623/gogo/chatcore/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 * 1024
)

// Server handles websocket connections.
type Server struct {
	hub      *Hub
	service  *service.Service
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer creates a websocket server. An empty origins list or "*"
// accepts any origin.
func NewServer(h *Hub, svc *service.Service, origins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:     h,
		service: svc,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
	}
}

func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || len(allowed) == 0 || allowed[origin]
	}
}

// Handle upgrades the request and serves the connection. The caller
// identity must already be in the echo context.
// GET /v1/ws
func (s *Server) Handle(c echo.Context) error {
	identity, _ := auth.IdentityFrom(c)
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", "error", err)
		return nil
	}

	conn := s.hub.NewConnection(ws, identity)
	s.hub.Register(conn)
	ws.SetReadLimit(maxMessageSize)

	ctx, cancel := context.WithCancel(context.Background())
	go s.writePump(conn)
	go s.readPump(ctx, cancel, conn)
	return nil
}

// readPump reads client messages until the connection fails.
func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, conn *Connection) {
	defer func() {
		cancel()
		s.hub.Unregister(conn)
		conn.Conn.Close()
	}()

	conn.Conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Info("websocket closed", "conn_id", conn.ID, "error", err)
			}
			return
		}
		s.handleMessage(ctx, conn, message)
	}
}

// writePump writes queued messages and keeps the connection alive.
func (s *Server) writePump(conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Info("failed to write websocket message", "conn_id", conn.ID, "error", err)
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(ctx context.Context, conn *Connection, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, msg, domain.NewValidationError("message", "invalid JSON message"))
		return
	}

	switch msg.Type {
	case TypeSubscribe:
		s.handleSubscribe(ctx, conn, msg)
	case TypeSend:
		// Sends may wait on the session lock; keep reading meanwhile.
		go s.handleSend(ctx, conn, msg)
	case TypeCancel:
		s.handleCancel(ctx, conn, msg)
	default:
		s.sendError(conn, msg, domain.NewValidationError("type", "unknown message type: "+msg.Type))
	}
}

// handleSubscribe binds the connection to a session the caller can see.
func (s *Server) handleSubscribe(ctx context.Context, conn *Connection, msg ClientMessage) {
	if msg.SessionID == "" {
		s.sendError(conn, msg, domain.NewValidationError("session_id", "session_id is required"))
		return
	}
	session, err := s.service.LoadSession(ctx, conn.Identity, msg.SessionID)
	if err != nil {
		s.sendError(conn, msg, err)
		return
	}
	s.hub.BindSession(conn, session.ID)
	s.hub.SendJSON(conn, SubscribedMessage{
		Type:      TypeSubscribed,
		Ts:        time.Now().UnixMilli(),
		RequestID: msg.RequestID,
		SessionID: session.ID,
		Session:   session,
	})
}

// handleSend starts an exchange. A connection already subscribed to the
// session receives the deltas through the hub; otherwise they are forwarded
// directly and the connection is subscribed once the exchange ends.
func (s *Server) handleSend(ctx context.Context, conn *Connection, msg ClientMessage) {
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = conn.SessionID()
	}
	if sessionID == "" {
		sessionID = domain.NewSessionID()
	}

	ex, err := s.service.SendMessage(ctx, conn.Identity, domain.SendRequest{
		SessionID: sessionID,
		Text:      msg.Text,
		Model:     msg.Model,
	})
	if err != nil {
		msg.SessionID = sessionID
		s.sendError(conn, msg, err)
		return
	}

	if conn.SessionID() == ex.SessionID {
		ex.Detach()
		return
	}

	for d := range ex.Deltas() {
		err := s.hub.SendJSON(conn, domain.Event{
			Type:      domain.EventMessageDelta,
			SessionID: ex.SessionID,
			Ts:        time.Now().UnixMilli(),
			Delta:     &d,
		})
		if err != nil {
			ex.Detach()
			return
		}
	}
	s.hub.BindSession(conn, ex.SessionID)
}

func (s *Server) handleCancel(ctx context.Context, conn *Connection, msg ClientMessage) {
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = conn.SessionID()
	}
	if err := s.service.CancelExchange(ctx, conn.Identity, sessionID); err != nil {
		msg.SessionID = sessionID
		s.sendError(conn, msg, err)
	}
}

func (s *Server) sendError(conn *Connection, msg ClientMessage, err error) {
	s.hub.SendJSON(conn, ErrorMessage{
		Type:      TypeError,
		Ts:        time.Now().UnixMilli(),
		RequestID: msg.RequestID,
		SessionID: msg.SessionID,
		Error:     domain.ToErrorBody(err),
	})
}
