// Package llm provides clients for hosted language-model providers.
package llm

import (
	"context"

	"github.com/xiaot623/gogo/chatcore/internal/domain"
)

// Message is one prompt turn sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-neutral completion request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   int
}

// Usage reports token consumption when the provider returns it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk is one element of a streamed response. The last chunk on a stream
// has either Done set or Err non-nil; the channel is closed after it.
type Chunk struct {
	Content string
	Model   string
	Usage   *Usage
	Done    bool
	Err     error
}

// Completion is a non-streamed response.
type Completion struct {
	Content string
	Model   string
	Usage   *Usage
}

// Provider is the inference provider consumed by the chat core.
type Provider interface {
	Name() string
	// Stream starts a streamed completion. Chunks arrive in provider order.
	// Cancelling ctx closes the stream.
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
	Complete(ctx context.Context, req *Request) (*Completion, error)
	ListModels(ctx context.Context) ([]domain.Model, error)
}

// emitter sends chunks until the consumer context ends.
type emitter struct {
	ctx context.Context
	ch  chan<- Chunk
}

func (e emitter) send(c Chunk) bool {
	select {
	case e.ch <- c:
		return true
	case <-e.ctx.Done():
		return false
	}
}
