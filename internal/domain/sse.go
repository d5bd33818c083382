package domain

// MessageDelta is one element of the stream returned by SendMessage.
type MessageDelta struct {
	Type      DeltaType     `json:"type"`
	SessionID string        `json:"session_id"`
	MessageID string        `json:"message_id,omitempty"`
	State     ExchangeState `json:"state,omitempty"`
	Content   string        `json:"content,omitempty"`
	Messages  []Message     `json:"messages,omitempty"`
	Message   *Message      `json:"message,omitempty"`
	Error     *ErrorBody    `json:"error,omitempty"`
}

// ErrorBody is the wire form of an error.
type ErrorBody struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// Event is a push event delivered over the websocket channel.
type Event struct {
	Type      EventType     `json:"type"`
	SessionID string        `json:"session_id"`
	Ts        int64         `json:"ts"`
	Delta     *MessageDelta `json:"delta,omitempty"`
	Session   *Session      `json:"session,omitempty"`
	// PreviousID is set on session_rolled_over.
	PreviousID string `json:"previous_id,omitempty"`
}
