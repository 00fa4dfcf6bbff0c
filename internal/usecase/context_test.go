package usecase

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-bot/internal/domain"
)

func seedMessages(t *testing.T, repo *memMessages, userID string, n int) {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < n; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		_, err := repo.Create(context.Background(), domain.Message{
			UserID:    userID,
			Role:      role,
			Content:   fmt.Sprintf("turn %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
}

func TestBuildCapsHistoryAndPrependsSystem(t *testing.T) {
	msgs := &memMessages{}
	settings := &memSettings{}
	seedMessages(t, msgs, "u1", 25)

	b := NewContextBuilder(msgs, settings)
	out, err := b.Build(context.Background(), "u1")
	require.NoError(t, err)

	// 20 history turns plus one system prompt.
	require.Len(t, out, 21)
	assert.Equal(t, domain.RoleSystem, out[0].Role)
	assert.Equal(t, domain.DefaultSystemPrompt, out[0].Content)

	// Only the system prompt in slot zero.
	for _, m := range out[1:] {
		assert.NotEqual(t, domain.RoleSystem, m.Role)
	}

	// History is chronological: oldest surviving turn first, newest last.
	assert.Equal(t, "turn 5", out[1].Content)
	assert.Equal(t, "turn 24", out[20].Content)
}

func TestBuildHonorsMaxContextSetting(t *testing.T) {
	msgs := &memMessages{}
	settings := &memSettings{}
	require.NoError(t, settings.Set(context.Background(), domain.Setting{Key: domain.SettingMaxContextMessages, Value: "5"}))
	seedMessages(t, msgs, "u1", 10)

	b := NewContextBuilder(msgs, settings)
	out, err := b.Build(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, out, 6)
}

func TestBuildInvalidSettingFallsBackToDefault(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"not a number", "many"},
		{"zero", "0"},
		{"negative", "-3"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msgs := &memMessages{}
			settings := &memSettings{}
			require.NoError(t, settings.Set(context.Background(), domain.Setting{Key: domain.SettingMaxContextMessages, Value: tc.value}))
			seedMessages(t, msgs, "u1", 25)

			b := NewContextBuilder(msgs, settings)
			out, err := b.Build(context.Background(), "u1")
			require.NoError(t, err)
			assert.Len(t, out, domain.DefaultMaxContextMessages+1)
		})
	}
}

func TestBuildEmptyHistoryStillHasSystemPrompt(t *testing.T) {
	b := NewContextBuilder(&memMessages{}, &memSettings{})
	out, err := b.Build(context.Background(), "nobody")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, domain.RoleSystem, out[0].Role)
}

func TestBuildCustomSystemPrompt(t *testing.T) {
	settings := &memSettings{}
	require.NoError(t, settings.Set(context.Background(), domain.Setting{Key: domain.SettingSystemPrompt, Value: "Talk like a pirate."}))

	b := NewContextBuilder(&memMessages{}, settings)
	out, err := b.Build(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Talk like a pirate.", out[0].Content)
}
