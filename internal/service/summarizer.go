package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/chatcore/internal/adapter/llm"
	"github.com/xiaot623/gogo/chatcore/internal/domain"
)

const summaryInstruction = `Summarize the conversation below for later search.
Reply with JSON only, in the form {"summary": "<two or three sentences>", "topics": ["<topic>", ...]}.`

type summaryReply struct {
	Summary string   `json:"summary"`
	Topics  []string `json:"topics"`
}

// summarize asks the provider for a summary of session, retrying with the
// persistence policy. Output that is not the requested JSON is kept as the
// summary text.
func (s *Service) summarize(ctx context.Context, session *domain.Session) (*domain.Summary, error) {
	model := s.cfg.SummaryModel
	if model == "" {
		model = session.Model
	}
	if model == "" {
		model = s.cfg.DefaultModel
	}

	req := &llm.Request{
		Model: model,
		Messages: []llm.Message{
			{Role: string(domain.RoleSystem), Content: summaryInstruction},
			{Role: string(domain.RoleUser), Content: transcript(session, s.cfg.SummaryMaxHistory)},
		},
	}

	var completion *llm.Completion
	_, err := s.summaryPol.Do(ctx, func(ctx context.Context) error {
		c, err := s.provider.Complete(ctx, req)
		if err != nil {
			return err
		}
		completion = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("summarize session %s: %w", session.ID, err)
	}

	text, topics := parseSummary(completion.Content)
	return &domain.Summary{
		ID:           "sum_" + uuid.NewString(),
		SessionID:    session.ID,
		OwnerID:      session.OwnerID,
		Text:         text,
		Topics:       topics,
		MessageCount: len(session.Messages),
		Model:        model,
		CreatedAt:    s.now(),
	}, nil
}

// transcript renders the last max conversational messages as plain text.
func transcript(session *domain.Session, max int) string {
	var msgs []domain.Message
	for _, m := range session.Messages {
		if m.Metadata.Welcome || m.Metadata.Error || m.Metadata.Thinking {
			continue
		}
		msgs = append(msgs, m)
	}
	if max > 0 && len(msgs) > max {
		msgs = msgs[len(msgs)-max:]
	}

	var sb strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&sb, "%s: %s\n\n", m.Role, m.Content)
	}
	return strings.TrimSpace(sb.String())
}

func parseSummary(out string) (string, []string) {
	raw := strings.TrimSpace(out)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var reply summaryReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil || strings.TrimSpace(reply.Summary) == "" {
		return strings.TrimSpace(out), nil
	}
	return strings.TrimSpace(reply.Summary), reply.Topics
}
