package domain

// SendRequest is the input of SendMessage.
type SendRequest struct {
	SessionID   string          `json:"session_id"`
	Text        string          `json:"text"`
	Model       string          `json:"model,omitempty"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
}

// SessionListItem is one row of a session listing.
type SessionListItem struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Model     string `json:"model"`
	Active    bool   `json:"active"`
	UpdatedAt int64  `json:"updated_at"`
}

// SearchResult is one match of a session search.
type SearchResult struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
	Snippet   string `json:"snippet,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// Model describes one entry of the model catalog.
type Model struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	OwnedBy  string `json:"owned_by,omitempty"`
}
