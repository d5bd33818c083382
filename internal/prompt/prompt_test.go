package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/chatcore/internal/domain"
)

func msg(role domain.Role, content string) domain.Message {
	return domain.Message{ID: domain.NewMessageID(), Role: role, Content: content}
}

func TestBuildExcludesErrorThinkingAndWelcome(t *testing.T) {
	welcome := msg(domain.RoleAssistant, "Welcome!")
	welcome.Metadata.Welcome = true
	failed := msg(domain.RoleAssistant, "Rate limit reached")
	failed.Metadata.Error = true
	thinking := msg(domain.RoleAssistant, "")
	thinking.Metadata.Thinking = true

	s := &domain.Session{Messages: []domain.Message{
		welcome,
		msg(domain.RoleUser, "first"),
		failed,
		msg(domain.RoleUser, "second"),
		thinking,
	}}

	b := NewBuilder(ApproxCounter{}, "be brief", 1000, 100)
	out := b.Build(s, nil)
	require.Len(t, out, 3)
	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, "be brief", out[0].Content)
	assert.Equal(t, "first", out[1].Content)
	assert.Equal(t, "second", out[2].Content)
}

func TestBuildKeepsNewestWithinBudget(t *testing.T) {
	long := strings.Repeat("x", 400) // 100 tokens
	s := &domain.Session{Messages: []domain.Message{
		msg(domain.RoleUser, "oldest "+long),
		msg(domain.RoleAssistant, "older "+long),
		msg(domain.RoleUser, "newest"),
	}}

	b := NewBuilder(ApproxCounter{}, "", 150, 10)
	out := b.Build(s, nil)
	require.Len(t, out, 3)
	assert.True(t, strings.HasPrefix(out[1].Content, "older"))
	assert.Equal(t, "newest", out[2].Content)
}

func TestBuildAlwaysIncludesLatestMessage(t *testing.T) {
	s := &domain.Session{Messages: []domain.Message{
		msg(domain.RoleUser, strings.Repeat("y", 4000)),
	}}
	out := NewBuilder(ApproxCounter{}, "", 100, 50).Build(s, nil)
	assert.Len(t, out, 2)
}

func TestSystemPromptAddsInstructions(t *testing.T) {
	b := NewBuilder(ApproxCounter{}, "base", 1000, 100)
	prefs := &domain.Preferences{Values: map[string]any{domain.PrefInstruction: "answer in French"}}
	sys := b.SystemPrompt(prefs)
	assert.Contains(t, sys, "base")
	assert.Contains(t, sys, "answer in French")
	assert.Equal(t, "base", b.SystemPrompt(nil))
}

func TestApproxCounter(t *testing.T) {
	assert.Equal(t, 0, ApproxCounter{}.Count(""))
	assert.Equal(t, 1, ApproxCounter{}.Count("abcd"))
	assert.Equal(t, 2, ApproxCounter{}.Count("abcde"))
}
