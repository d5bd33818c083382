// Package prompt assembles token-budgeted prompts from session history.
package prompt

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/xiaot623/gogo/chatcore/internal/adapter/llm"
	"github.com/xiaot623/gogo/chatcore/internal/domain"
)

// perMessageOverhead approximates the role and separator tokens of a turn.
const perMessageOverhead = 4

// Counter counts tokens in text.
type Counter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// NewTokenizer returns a tiktoken counter for model, falling back to
// cl100k_base for models tiktoken does not know.
func NewTokenizer(model string) (Counter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return tiktokenCounter{enc: enc}, nil
}

// ApproxCounter estimates four characters per token.
type ApproxCounter struct{}

func (ApproxCounter) Count(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// DefaultCounter returns the tiktoken counter for model, or ApproxCounter
// when the encoding cannot be loaded.
func DefaultCounter(model string, logger *slog.Logger) Counter {
	c, err := NewTokenizer(model)
	if err != nil {
		logger.Warn("tokenizer unavailable, estimating token counts", "model", model, "error", err)
		return ApproxCounter{}
	}
	return c
}

// Builder assembles the messages sent to the inference provider.
type Builder struct {
	counter      Counter
	systemPrompt string
	maxTokens    int
	reserve      int
}

// NewBuilder creates a Builder. maxTokens is the context window and reserve
// the share kept for the response.
func NewBuilder(counter Counter, systemPrompt string, maxTokens, reserve int) *Builder {
	return &Builder{counter: counter, systemPrompt: systemPrompt, maxTokens: maxTokens, reserve: reserve}
}

// Counter returns the token counter in use.
func (b *Builder) Counter() Counter { return b.counter }

// SystemPrompt returns the base prompt with the user's custom instructions.
func (b *Builder) SystemPrompt(prefs *domain.Preferences) string {
	sys := b.systemPrompt
	if instr := strings.TrimSpace(prefs.String(domain.PrefInstruction)); instr != "" {
		sys += "\n\nUser instructions:\n" + instr
	}
	return sys
}

// Build returns the system prompt followed by as much recent history as
// fits the budget, oldest first. Error, thinking and welcome messages are
// left out. The newest eligible message is always included.
func (b *Builder) Build(session *domain.Session, prefs *domain.Preferences) []llm.Message {
	sys := b.SystemPrompt(prefs)
	budget := b.maxTokens - b.reserve - b.counter.Count(sys) - perMessageOverhead

	var picked []llm.Message
	used := 0
	for i := len(session.Messages) - 1; i >= 0; i-- {
		m := session.Messages[i]
		if !eligible(m) {
			continue
		}
		cost := b.counter.Count(m.Content) + perMessageOverhead
		if used+cost > budget && len(picked) > 0 {
			break
		}
		picked = append(picked, llm.Message{Role: string(m.Role), Content: m.Content})
		used += cost
	}

	out := make([]llm.Message, 0, len(picked)+1)
	out = append(out, llm.Message{Role: string(domain.RoleSystem), Content: sys})
	for i := len(picked) - 1; i >= 0; i-- {
		out = append(out, picked[i])
	}
	return out
}

func eligible(m domain.Message) bool {
	if m.Metadata.Error || m.Metadata.Thinking || m.Metadata.Welcome {
		return false
	}
	return strings.TrimSpace(m.Content) != ""
}
