// Package tokencount estimates token counts for chat requests.
//
// It uses tiktoken-go, a Go port of OpenAI's tiktoken library. Providers
// report exact usage on success; this package covers the cases where no
// usage arrives, primarily pre-flight context sizing.
package tokencount

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/fairyhunter13/ai-chat-bot/internal/domain"
)

// encoder is the slice of tiktoken the counter needs.
type encoder interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
}

// Counter provides thread-safe token counting with cached encodings.
type Counter struct {
	mu    sync.RWMutex
	cache map[string]encoder
	load  func(name string) (encoder, error)
}

// NewCounter creates a token counter.
func NewCounter() *Counter {
	return &Counter{cache: make(map[string]encoder), load: loadEncoding}
}

func loadEncoding(name string) (encoder, error) {
	enc, err := tiktoken.EncodingForModel(name)
	if err != nil {
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", name),
			slog.Any("error", err))
		return tiktoken.GetEncoding("cl100k_base")
	}
	return enc, nil
}

func (c *Counter) encodingFor(model string) (encoder, error) {
	name := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.cache[name]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.cache[name]; ok {
		return enc, nil
	}

	enc, err := c.load(name)
	if err != nil {
		return nil, err
	}
	c.cache[name] = enc
	return enc, nil
}

// normalizeModelName strips OpenRouter provider prefixes and maps model
// families onto tiktoken-compatible names.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	model = strings.TrimSuffix(model, ":free")

	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		return "gpt-4"
	}
}

// CountTokens counts tokens in a plain text string for the given model.
func (c *Counter) CountTokens(text, model string) (int, error) {
	enc, err := c.encodingFor(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// CountMessages estimates the prompt token count of a full chat request,
// including the per-message framing overhead of OpenAI-compatible APIs.
func (c *Counter) CountMessages(messages []domain.AIMessage, model string) (int, error) {
	enc, err := c.encodingFor(model)
	if err != nil {
		return 0, err
	}

	// 3 framing tokens plus 1 role token per message, then 3 tokens priming
	// the assistant reply. See the OpenAI cookbook token-counting recipe.
	const perMessage = 3
	const perRole = 1

	n := 0
	for _, m := range messages {
		n += perMessage + perRole
		n += len(enc.Encode(m.Role, nil, nil))
		if len(m.Parts) == 0 {
			n += len(enc.Encode(m.Content, nil, nil))
			continue
		}
		for _, p := range m.Parts {
			if p.Type == domain.PartText {
				n += len(enc.Encode(p.Text, nil, nil))
			}
			// Image parts are billed per tile by the provider; they are not
			// estimable from text and count zero here.
		}
	}
	n += 3
	return n, nil
}

// EstimateMessages is CountMessages with a rough chars/4 fallback instead of
// an error, for callers that only need an approximate bound.
func (c *Counter) EstimateMessages(messages []domain.AIMessage, model string) int {
	n, err := c.CountMessages(messages, model)
	if err == nil {
		return n
	}
	slog.Warn("token count failed, using estimate",
		slog.String("model", model),
		slog.Any("error", err))
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
		for _, p := range m.Parts {
			chars += len(p.Text)
		}
	}
	return chars / 4
}
