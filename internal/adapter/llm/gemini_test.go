package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestGeminiContents(t *testing.T) {
	temp := 0.5

	tests := []struct {
		name       string
		req        *Request
		wantRoles  []string
		wantTexts  []string
		wantSystem string
		wantTemp   *float32
		wantMaxOut int32
	}{
		{
			name: "roles map onto user and model",
			req: &Request{Messages: []Message{
				{Role: "user", Content: "hi"},
				{Role: "assistant", Content: "hello"},
				{Role: "user", Content: "how are you?"},
			}},
			wantRoles: []string{"user", "model", "user"},
			wantTexts: []string{"hi", "hello", "how are you?"},
		},
		{
			name: "system turns join into the instruction",
			req: &Request{Messages: []Message{
				{Role: "system", Content: "Be brief."},
				{Role: "user", Content: "hi"},
				{Role: "system", Content: "Earlier: a greeting."},
			}},
			wantRoles:  []string{"user"},
			wantTexts:  []string{"hi"},
			wantSystem: "Be brief.\n\nEarlier: a greeting.",
		},
		{
			name: "unknown roles are sent as user",
			req: &Request{Messages: []Message{
				{Role: "tool", Content: "42"},
			}},
			wantRoles: []string{"user"},
			wantTexts: []string{"42"},
		},
		{
			name: "sampling options",
			req: &Request{
				Messages:    []Message{{Role: "user", Content: "hi"}},
				Temperature: &temp,
				MaxTokens:   256,
			},
			wantRoles:  []string{"user"},
			wantTexts:  []string{"hi"},
			wantTemp:   func() *float32 { f := float32(0.5); return &f }(),
			wantMaxOut: 256,
		},
		{
			name:      "empty request",
			req:       &Request{},
			wantRoles: nil,
			wantTexts: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, cfg := contents(tt.req)
			require.NotNil(t, cfg)

			var roles, texts []string
			for _, c := range got {
				roles = append(roles, c.Role)
				require.Len(t, c.Parts, 1)
				texts = append(texts, c.Parts[0].Text)
			}
			assert.Equal(t, tt.wantRoles, roles)
			assert.Equal(t, tt.wantTexts, texts)

			if tt.wantSystem == "" {
				assert.Nil(t, cfg.SystemInstruction)
			} else {
				require.NotNil(t, cfg.SystemInstruction)
				require.Len(t, cfg.SystemInstruction.Parts, 1)
				assert.Equal(t, tt.wantSystem, cfg.SystemInstruction.Parts[0].Text)
			}

			if tt.wantTemp == nil {
				assert.Nil(t, cfg.Temperature)
			} else {
				require.NotNil(t, cfg.Temperature)
				assert.InDelta(t, *tt.wantTemp, *cfg.Temperature, 1e-6)
			}
			assert.Equal(t, tt.wantMaxOut, cfg.MaxOutputTokens)
		})
	}
}

func TestGeminiUsage(t *testing.T) {
	tests := []struct {
		name string
		resp *genai.GenerateContentResponse
		want *Usage
	}{
		{name: "nil response", resp: nil, want: nil},
		{name: "no usage metadata", resp: &genai.GenerateContentResponse{}, want: nil},
		{
			name: "counts",
			resp: &genai.GenerateContentResponse{UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
				PromptTokenCount:     12,
				CandidatesTokenCount: 30,
				TotalTokenCount:      42,
			}},
			want: &Usage{PromptTokens: 12, CompletionTokens: 30, TotalTokens: 42},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, usageOf(tt.resp))
		})
	}
}
