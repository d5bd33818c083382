package service

import (
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/chatcore/internal/domain"
)

// minArtifactLines is the smallest fenced block reported as an artifact.
const minArtifactLines = 1

// renderable languages get their own artifact kind; everything else is code.
var renderable = map[string]string{
	"html":     "html",
	"svg":      "svg",
	"mermaid":  "diagram",
	"markdown": "document",
	"md":       "document",
}

// DetectArtifacts returns the fenced code blocks of content in order. An
// unterminated fence at the end of content is not an artifact.
func DetectArtifacts(content string) []domain.Artifact {
	var out []domain.Artifact
	lines := strings.Split(content, "\n")
	for i := 0; i < len(lines); i++ {
		fence, lang, ok := openFence(lines[i])
		if !ok {
			continue
		}
		end := -1
		for j := i + 1; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == fence {
				end = j
				break
			}
		}
		if end < 0 {
			break
		}
		body := lines[i+1 : end]
		i = end
		if len(body) < minArtifactLines {
			continue
		}

		kind := "code"
		if k, ok := renderable[lang]; ok {
			kind = k
		}
		n := len(out) + 1
		out = append(out, domain.Artifact{
			ID:       fmt.Sprintf("artifact-%d", n),
			Kind:     kind,
			Language: lang,
			Title:    artifactTitle(lang, n),
			Content:  strings.Join(body, "\n"),
			Lines:    len(body),
		})
	}
	return out
}

func openFence(line string) (fence, lang string, ok bool) {
	trimmed := strings.TrimSpace(line)
	for _, f := range []string{"```", "~~~"} {
		if strings.HasPrefix(trimmed, f) {
			rest := strings.TrimLeft(trimmed, f[:1])
			fence = trimmed[:len(trimmed)-len(rest)]
			lang = strings.ToLower(strings.TrimSpace(rest))
			if i := strings.IndexAny(lang, " {"); i >= 0 {
				lang = lang[:i]
			}
			return fence, lang, true
		}
	}
	return "", "", false
}

func artifactTitle(lang string, n int) string {
	if lang == "" {
		return fmt.Sprintf("Snippet %d", n)
	}
	return fmt.Sprintf("%s snippet %d", lang, n)
}
