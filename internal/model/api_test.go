package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluice-ai/sluice/internal/model"
)

// ---- ChatRequest.Validate ------------------------------------------------

func TestChatRequestValidate_HappyPath(t *testing.T) {
	r := model.ChatRequest{
		Message: "write a haiku about rivers",
		History: []model.ChatMessage{
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi there"},
		},
	}
	assert.NoError(t, r.Validate())
}

func TestChatRequestValidate_EmptyMessage(t *testing.T) {
	err := model.ChatRequest{}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required")
}

func TestChatRequestValidate_MessageAtExactMax(t *testing.T) {
	r := model.ChatRequest{Message: strings.Repeat("x", model.MaxMessageLen)}
	assert.NoError(t, r.Validate(), "at the limit should pass")
}

func TestChatRequestValidate_MessageOverMax(t *testing.T) {
	r := model.ChatRequest{Message: strings.Repeat("x", model.MaxMessageLen+1)}
	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "message")
}

func TestChatRequestValidate_TooManyHistoryTurns(t *testing.T) {
	r := model.ChatRequest{Message: "hi"}
	for i := 0; i < model.MaxHistoryTurns+1; i++ {
		r.History = append(r.History, model.ChatMessage{Role: "user", Content: "turn"})
	}
	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history")
}

func TestChatRequestValidate_BadHistoryRole(t *testing.T) {
	r := model.ChatRequest{
		Message: "hi",
		History: []model.ChatMessage{{Role: "system", Content: "nope"}},
	}
	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "role")
}

func TestChatRequestValidate_OversizedHistoryTurn(t *testing.T) {
	r := model.ChatRequest{
		Message: "hi",
		History: []model.ChatMessage{{Role: "user", Content: strings.Repeat("x", model.MaxHistoryTurnLen+1)}},
	}
	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history[0]")
}

// ---- API keys ------------------------------------------------------------

func TestGenerateRawKey_FormatAndParse(t *testing.T) {
	raw, prefix, err := model.GenerateRawKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "sk_"))
	assert.Len(t, prefix, 8)

	parsedPrefix, fullKey, err := model.ParseRawKey(raw)
	require.NoError(t, err)
	assert.Equal(t, prefix, parsedPrefix)
	assert.Equal(t, raw, fullKey)
}

func TestParseRawKey_RejectsWrongPrefix(t *testing.T) {
	_, _, err := model.ParseRawKey("ak_deadbeef_0123456789abcdef")
	assert.Error(t, err)
}

func TestParseRawKey_RejectsMissingSecret(t *testing.T) {
	_, _, err := model.ParseRawKey("sk_deadbeef_")
	assert.Error(t, err)
}
