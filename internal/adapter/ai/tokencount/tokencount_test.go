package tokencount

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-bot/internal/domain"
)

// fixedEncoder emits one token per four characters, roughly BPE density,
// so tests stay deterministic without fetching encoding assets.
type fixedEncoder struct{}

func (fixedEncoder) Encode(text string, _, _ []string) []int {
	return make([]int, (len(text)+3)/4)
}

func newSeededCounter() *Counter {
	c := NewCounter()
	c.load = func(string) (encoder, error) { return fixedEncoder{}, nil }
	return c
}

func TestCountTokens(t *testing.T) {
	t.Parallel()

	counter := newSeededCounter()

	tests := []struct {
		name     string
		text     string
		model    string
		minCount int
		maxCount int
	}{
		{"simple text with gpt-4", "Hello, world!", "gpt-4", 3, 5},
		{"prefixed openrouter id", "Hello, world!", "openai/gpt-4o", 3, 5},
		{"longer text", "The quick brown fox jumps over the lazy dog.", "gpt-3.5-turbo", 8, 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count, err := counter.CountTokens(tt.text, tt.model)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, count, tt.minCount)
			assert.LessOrEqual(t, count, tt.maxCount)
		})
	}
}

func TestCountMessagesIncludesOverhead(t *testing.T) {
	t.Parallel()

	counter := newSeededCounter()
	msgs := []domain.AIMessage{
		domain.TextMessage(domain.RoleSystem, "You are a helpful assistant."),
		domain.TextMessage(domain.RoleUser, "What is the capital of France?"),
	}

	count, err := counter.CountMessages(msgs, "gpt-4")
	require.NoError(t, err)
	assert.Greater(t, count, 10, "should include per-message framing overhead")
	assert.Less(t, count, 40)

	empty, err := counter.CountMessages([]domain.AIMessage{domain.TextMessage(domain.RoleUser, "")}, "gpt-4")
	require.NoError(t, err)
	assert.Greater(t, empty, 0, "framing overhead applies even to empty content")
}

func TestCountMessagesVisionParts(t *testing.T) {
	t.Parallel()

	counter := newSeededCounter()
	msgs := []domain.AIMessage{{
		Role: domain.RoleUser,
		Parts: []domain.ContentPart{
			{Type: domain.PartText, Text: "describe this image"},
			{Type: domain.PartImageURL, ImageURL: "https://img.test/x.png"},
		},
	}}

	count, err := counter.CountMessages(msgs, "openai/gpt-4o")
	require.NoError(t, err)
	assert.Greater(t, count, 0)

	// The image URL itself must not be tokenized as text.
	textOnly := []domain.AIMessage{domain.TextMessage(domain.RoleUser, "describe this image")}
	textCount, err := counter.CountMessages(textOnly, "openai/gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, textCount, count)
}

func TestNormalizeModelName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected string
	}{
		{"gpt-4", "gpt-4"},
		{"gpt-4-turbo", "gpt-4"},
		{"gpt-3.5-turbo", "gpt-3.5-turbo"},
		{"openai/gpt-4o", "gpt-4"},
		{"openai/gpt-3.5-turbo", "gpt-3.5-turbo"},
		{"meta-llama/llama-3.1-8b-instruct:free", "gpt-4"},
		{"unknown-model", "gpt-4"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizeModelName(tt.input))
		})
	}
}

func TestEstimateMessagesFallsBackWhenEncodingUnavailable(t *testing.T) {
	t.Parallel()

	counter := NewCounter()
	counter.load = func(string) (encoder, error) { return nil, errors.New("no encoding assets") }

	msgs := []domain.AIMessage{
		domain.TextMessage(domain.RoleUser, "Machine learning is a subset of artificial intelligence."),
	}
	// 56 chars of content, chars/4 estimate.
	assert.Equal(t, 14, counter.EstimateMessages(msgs, "gpt-4"))
}

func TestEncodingCacheLoadsOnce(t *testing.T) {
	t.Parallel()

	loads := 0
	counter := NewCounter()
	counter.load = func(string) (encoder, error) {
		loads++
		return fixedEncoder{}, nil
	}

	count1, err := counter.CountTokens("Hello", "gpt-4")
	require.NoError(t, err)
	count2, err := counter.CountTokens("Hello", "openai/gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, count1, count2)
	assert.Equal(t, 1, loads, "normalized models share one cached encoding")
}
