package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/chatcore/internal/domain"
)

// MockProvider is a scriptable provider. With no funcs set it echoes the
// last user message back in small chunks.
type MockProvider struct {
	StreamFunc     func(ctx context.Context, req *Request) (<-chan Chunk, error)
	CompleteFunc   func(ctx context.Context, req *Request) (*Completion, error)
	ListModelsFunc func(ctx context.Context) ([]domain.Model, error)
}

var _ Provider = (*MockProvider)(nil)

// NewMockProvider returns an echoing mock.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, req)
	}
	return StreamOf(ctx, splitIntoChunks(mockReply(req), 10)...), nil
}

func (m *MockProvider) Complete(ctx context.Context, req *Request) (*Completion, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return &Completion{Content: mockReply(req), Model: req.Model}, nil
}

func (m *MockProvider) ListModels(ctx context.Context) ([]domain.Model, error) {
	if m.ListModelsFunc != nil {
		return m.ListModelsFunc(ctx)
	}
	return []domain.Model{
		{ID: "mock-small", Provider: m.Name(), OwnedBy: "mock"},
		{ID: "mock-large", Provider: m.Name(), OwnedBy: "mock"},
	}, nil
}

// StreamOf returns a stream delivering parts in order followed by Done.
func StreamOf(ctx context.Context, parts ...string) <-chan Chunk {
	ch := make(chan Chunk, len(parts)+1)
	go func() {
		defer close(ch)
		out := emitter{ctx: ctx, ch: ch}
		for _, p := range parts {
			if !out.send(Chunk{Content: p}) {
				return
			}
		}
		out.send(Chunk{Done: true})
	}()
	return ch
}

func mockReply(req *Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == string(domain.RoleUser) {
			return fmt.Sprintf("You said: %s", req.Messages[i].Content)
		}
	}
	return "Hello! How can I help you today?"
}

func splitIntoChunks(s string, size int) []string {
	var chunks []string
	r := []rune(s)
	for len(r) > 0 {
		n := min(size, len(r))
		chunks = append(chunks, string(r[:n]))
		r = r[n:]
	}
	if len(chunks) == 0 {
		chunks = append(chunks, strings.TrimSpace(s))
	}
	return chunks
}
