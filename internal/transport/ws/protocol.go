package ws

import "github.com/xiaot623/gogo/chatcore/internal/domain"

// Message types from client to server
const (
	TypeSubscribe = "subscribe"
	TypeSend      = "send"
	TypeCancel    = "cancel"
)

// Message types from server to client, besides domain.Event types
const (
	TypeSubscribed = "subscribed"
	TypeError      = "error"
)

// ClientMessage is any message a client sends. Fields unused by a type are
// ignored.
type ClientMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Model     string `json:"model,omitempty"`
}

// SubscribedMessage acknowledges a subscription with the session state.
type SubscribedMessage struct {
	Type      string          `json:"type"`
	Ts        int64           `json:"ts"`
	RequestID string          `json:"request_id,omitempty"`
	SessionID string          `json:"session_id"`
	Session   *domain.Session `json:"session"`
}

// ErrorMessage reports a failed client request.
type ErrorMessage struct {
	Type      string            `json:"type"`
	Ts        int64             `json:"ts"`
	RequestID string            `json:"request_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Error     *domain.ErrorBody `json:"error"`
}
