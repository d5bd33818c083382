// Package domain defines the core domain models for the chat core.
package domain

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ExchangeState is the state of one send-message exchange.
type ExchangeState string

const (
	StateValidating       ExchangeState = "validating"
	StateOptimisticUpdate ExchangeState = "optimistic_update"
	StateAdmitting        ExchangeState = "admitting"
	StateStreaming        ExchangeState = "streaming"
	StateReconciling      ExchangeState = "reconciling"
	StateFinalizing       ExchangeState = "finalizing"
	StateCommitted        ExchangeState = "committed"
	StateFailed           ExchangeState = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s ExchangeState) Terminal() bool {
	return s == StateCommitted || s == StateFailed
}

// DeltaType identifies a MessageDelta.
type DeltaType string

const (
	// DeltaSnapshot carries the optimistic user message and assistant placeholder.
	DeltaSnapshot DeltaType = "snapshot"
	// DeltaState reports an exchange state transition.
	DeltaState DeltaType = "state"
	// DeltaContent carries one appended chunk of assistant text.
	DeltaContent DeltaType = "content"
	// DeltaThinking reports the placeholder's thinking flag clearing.
	DeltaThinking DeltaType = "thinking"
	// DeltaMessage carries the finalized assistant message.
	DeltaMessage DeltaType = "message"
	// DeltaWarning reports a non-fatal problem, e.g. persistence failure.
	DeltaWarning DeltaType = "warning"
	// DeltaError reports the terminal error of a failed exchange.
	DeltaError DeltaType = "error"
)

// EventType identifies a push event sent to connected clients.
type EventType string

const (
	EventMessageDelta      EventType = "message_delta"
	EventSessionRolledOver EventType = "session_rolled_over"
	EventSessionUpdated    EventType = "session_updated"
)
