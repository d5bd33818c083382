package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTitle is the title of a session before the first user message.
const DefaultTitle = "New Chat"

// TruncationMarker is appended to assistant content cut short by cancellation.
const TruncationMarker = "\n\n[response truncated]"

// Session represents a conversation session.
type Session struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id,omitempty"`
	Title      string    `json:"title"`
	Model      string    `json:"model"`
	Messages   []Message `json:"messages"`
	Active     bool      `json:"active"`
	PreviousID string    `json:"previous_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Message represents a single message in a session.
type Message struct {
	ID          string          `json:"id"`
	Role        Role            `json:"role"`
	Content     string          `json:"content"`
	Metadata    MessageMetadata `json:"metadata"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// MessageMetadata describes how a message was produced.
type MessageMetadata struct {
	Model            string     `json:"model,omitempty"`
	TokenCount       int        `json:"token_count,omitempty"`
	ProcessingTimeMs int64      `json:"processing_time_ms,omitempty"`
	Thinking         bool       `json:"thinking,omitempty"`
	Error            bool       `json:"error,omitempty"`
	Truncated        bool       `json:"truncated,omitempty"`
	Welcome          bool       `json:"welcome,omitempty"`
	Artifacts        []Artifact `json:"artifacts,omitempty"`
}

// Artifact is a structured block detected in assistant output.
type Artifact struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Language string `json:"language,omitempty"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Lines    int    `json:"lines"`
}

// AttachmentRef points at an uploaded file. Storage is handled elsewhere.
type AttachmentRef struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Preferences holds per-user settings.
type Preferences struct {
	OwnerID   string         `json:"owner_id"`
	Values    map[string]any `json:"values"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Well-known preference keys.
const (
	PrefModel       = "model"
	PrefInstruction = "instructions"
	PrefIdleTimeout = "idle_timeout_seconds"
)

// String returns the string value of key, or "".
func (p *Preferences) String(key string) string {
	if p == nil {
		return ""
	}
	s, _ := p.Values[key].(string)
	return s
}

// Int returns the numeric value of key truncated to int, or 0.
func (p *Preferences) Int(key string) int {
	if p == nil {
		return 0
	}
	switch v := p.Values[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

// Summary is the condensed form of an archived session.
type Summary struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	OwnerID      string    `json:"owner_id"`
	Text         string    `json:"text"`
	Topics       []string  `json:"topics"`
	MessageCount int       `json:"message_count"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
}

// Identity is the caller as established by the authentication provider.
type Identity struct {
	// ID is the subject for authenticated callers and the client key otherwise.
	ID        string
	Anonymous bool
}

// OwnerID returns the owner used for durable records, "" for anonymous callers.
func (i Identity) OwnerID() string {
	if i.Anonymous {
		return ""
	}
	return i.ID
}

// NewSessionID generates a session id.
func NewSessionID() string {
	return "sess_" + uuid.NewString()
}

// NewMessageID generates a message id.
func NewMessageID() string {
	return "msg_" + uuid.NewString()
}

// Anonymous reports whether the session has no durable owner.
func (s *Session) Anonymous() bool {
	return s.OwnerID == ""
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		out.Messages[i] = m.Clone()
	}
	return &out
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]AttachmentRef(nil), m.Attachments...)
	}
	if m.Metadata.Artifacts != nil {
		m.Metadata.Artifacts = append([]Artifact(nil), m.Metadata.Artifacts...)
	}
	return m
}

// Find returns the index of the message with id, or -1.
func (s *Session) Find(id string) int {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// ThinkingCount returns the number of messages still flagged as thinking.
func (s *Session) ThinkingCount() int {
	n := 0
	for _, m := range s.Messages {
		if m.Metadata.Thinking {
			n++
		}
	}
	return n
}

// FirstUserMessage returns the content of the first user message, or "".
func (s *Session) FirstUserMessage() string {
	for _, m := range s.Messages {
		if m.Role == RoleUser {
			return m.Content
		}
	}
	return ""
}

// GenerateTitle derives a short title from the first user message.
func GenerateTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return DefaultTitle
	}
	const maxRunes = 48
	r := []rune(text)
	if len(r) <= maxRunes {
		return text
	}
	cut := string(r[:maxRunes])
	if i := strings.LastIndex(cut, " "); i > maxRunes/2 {
		cut = cut[:i]
	}
	return cut + "..."
}
