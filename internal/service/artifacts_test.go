package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectArtifacts(t *testing.T) {
	content := "Here you go:\n\n```go\nfunc main() {\n}\n```\n\nAnd a page:\n~~~html\n<p>hi</p>\n~~~\n"

	got := DetectArtifacts(content)
	require.Len(t, got, 2)

	assert.Equal(t, "artifact-1", got[0].ID)
	assert.Equal(t, "code", got[0].Kind)
	assert.Equal(t, "go", got[0].Language)
	assert.Equal(t, "go snippet 1", got[0].Title)
	assert.Equal(t, "func main() {\n}", got[0].Content)
	assert.Equal(t, 2, got[0].Lines)

	assert.Equal(t, "artifact-2", got[1].ID)
	assert.Equal(t, "html", got[1].Kind)
	assert.Equal(t, "<p>hi</p>", got[1].Content)
}

func TestDetectArtifactsEdgeCases(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"plain text", "no code here", 0},
		{"unterminated", "```python\nprint(1)\n", 0},
		{"empty block", "```\n```", 0},
		{"mismatched fence", "```\ncode\n~~~\n", 0},
		{"untagged", "```\nls -la\n```", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, DetectArtifacts(tt.content), tt.want)
		})
	}

	got := DetectArtifacts("```mermaid\ngraph TD\n```\n```\nx\n```")
	require.Len(t, got, 2)
	assert.Equal(t, "diagram", got[0].Kind)
	assert.Equal(t, "Snippet 2", got[1].Title)
}
