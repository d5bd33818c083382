package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/xiaot623/gogo/chatcore/internal/domain"
)

// Gemini streams completions from the Gemini API.
type Gemini struct {
	client *genai.Client
}

var _ Provider = (*Gemini)(nil)

// NewGemini creates a Gemini provider.
func NewGemini(ctx context.Context, apiKey string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Gemini{client: client}, nil
}

func (g *Gemini) Name() string { return "gemini" }

// contents splits system turns into the system instruction and maps the
// remaining turns onto Gemini roles.
func contents(req *Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var system []string
	var out []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case string(domain.RoleSystem):
			system = append(system, m.Content)
		case string(domain.RoleAssistant):
			out = append(out, &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: m.Content}}})
		default:
			out = append(out, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: m.Content}}})
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		cfg.Temperature = &t
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return out, cfg
}

func usageOf(resp *genai.GenerateContentResponse) *Usage {
	if resp == nil || resp.UsageMetadata == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
		CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
	}
}

// Complete generates a full response.
func (g *Gemini) Complete(ctx context.Context, req *Request) (*Completion, error) {
	msgs, cfg := contents(req)
	resp, err := g.client.Models.GenerateContent(ctx, req.Model, msgs, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	return &Completion{Content: resp.Text(), Model: req.Model, Usage: usageOf(resp)}, nil
}

// Stream generates a streamed response. The iterator ending without error
// is the terminal sentinel.
func (g *Gemini) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	msgs, cfg := contents(req)
	if len(msgs) == 0 {
		return nil, errors.New("gemini: request has no user or model turns")
	}

	ch := make(chan Chunk, 16)
	out := emitter{ctx: ctx, ch: ch}
	go func() {
		defer close(ch)
		var usage *Usage
		for resp, err := range g.client.Models.GenerateContentStream(ctx, req.Model, msgs, cfg) {
			if err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				out.send(Chunk{Err: fmt.Errorf("gemini stream: %w", err), Usage: usage, Model: req.Model})
				return
			}
			if u := usageOf(resp); u != nil {
				usage = u
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			if !out.send(Chunk{Content: text, Model: req.Model}) {
				return
			}
		}
		out.send(Chunk{Done: true, Usage: usage, Model: req.Model})
	}()
	return ch, nil
}

// ListModels lists the models visible to the API key.
func (g *Gemini) ListModels(ctx context.Context) ([]domain.Model, error) {
	page, err := g.client.Models.List(ctx, &genai.ListModelsConfig{})
	if err != nil {
		return nil, fmt.Errorf("gemini list models: %w", err)
	}
	models := make([]domain.Model, 0, len(page.Items))
	for _, m := range page.Items {
		models = append(models, domain.Model{
			ID:       strings.TrimPrefix(m.Name, "models/"),
			Provider: g.Name(),
			OwnedBy:  "google",
		})
	}
	return models, nil
}
