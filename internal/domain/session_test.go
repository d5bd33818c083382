package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTitle(t *testing.T) {
	assert.Equal(t, DefaultTitle, GenerateTitle("   "))
	assert.Equal(t, "hello world", GenerateTitle("  hello \n world "))

	long := strings.Repeat("word ", 30)
	title := GenerateTitle(long)
	assert.True(t, strings.HasSuffix(title, "..."))
	assert.LessOrEqual(t, len([]rune(title)), 51)
}

func TestSessionCloneIsDeep(t *testing.T) {
	s := &Session{ID: "s1", Messages: []Message{{
		ID:       "m1",
		Content:  "a",
		Metadata: MessageMetadata{Artifacts: []Artifact{{ID: "a1"}}},
	}}}
	c := s.Clone()
	c.Messages[0].Content = "b"
	c.Messages[0].Metadata.Artifacts[0].ID = "a2"

	assert.Equal(t, "a", s.Messages[0].Content)
	assert.Equal(t, "a1", s.Messages[0].Metadata.Artifacts[0].ID)
}

func TestPreferencesAccessors(t *testing.T) {
	p := &Preferences{Values: map[string]any{"model": "m", "idle_timeout_seconds": float64(120)}}
	assert.Equal(t, "m", p.String(PrefModel))
	assert.Equal(t, 120, p.Int(PrefIdleTimeout))
	assert.Equal(t, "", p.String("missing"))

	var nilPrefs *Preferences
	assert.Equal(t, "", nilPrefs.String(PrefModel))
}

func TestErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		kind error
		code string
	}{
		{NewValidationError("text", "empty"), ErrValidation, "validation_error"},
		{&AdmissionError{RetryAfter: time.Second, Limit: 5}, ErrAdmissionDenied, "admission_denied"},
		{&TransportError{Cause: context.Canceled}, ErrTransport, "transport_error"},
		{&PersistenceError{Attempts: 3, Last: errors.New("db down")}, ErrPersistence, "persistence_error"},
		{fmt.Errorf("get session: %w", ErrNotFound), ErrNotFound, "not_found"},
		{ErrSessionBusy, ErrSessionBusy, "session_busy"},
	}
	for _, tc := range cases {
		assert.ErrorIs(t, tc.err, tc.kind)
		assert.Equal(t, tc.code, Code(tc.err))
	}

	te := &TransportError{Cause: context.Canceled}
	assert.ErrorIs(t, te, context.Canceled)

	body := ToErrorBody(&AdmissionError{RetryAfter: 1500 * time.Millisecond, Limit: 5})
	require.NotNil(t, body)
	assert.Equal(t, int64(1500), body.RetryAfterMs)
	assert.Equal(t, "internal_error", Code(errors.New("boom")))
}
