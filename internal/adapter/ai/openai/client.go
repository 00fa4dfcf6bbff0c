// Package openai implements the OpenAI provider client.
//
// It mirrors the OpenRouter client against the api.openai.com chat
// completions endpoint. OpenAI publishes no balance endpoint, so callers must
// not assume that capability here.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/fairyhunter13/ai-chat-bot/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/ai-chat-bot/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-bot/internal/config"
	"github.com/fairyhunter13/ai-chat-bot/internal/domain"
)

// counter backs the local usage estimate when the API omits the usage block.
var counter = tokencount.NewCounter()

// BaselineModel is the pricing fallback for unknown model strings.
const BaselineModel = "gpt-4"

// DefaultVisionModel is used for image turns when no model is requested.
const DefaultVisionModel = "gpt-4o"

type modelPricing struct {
	prompt     float64 // USD per 1000 prompt tokens
	completion float64 // USD per 1000 completion tokens
}

var pricing = map[string]modelPricing{
	"gpt-4":             {prompt: 0.03, completion: 0.06},
	"gpt-4o":            {prompt: 0.005, completion: 0.015},
	"gpt-4o-mini":       {prompt: 0.00015, completion: 0.0006},
	"gpt-4-turbo":       {prompt: 0.01, completion: 0.03},
	"gpt-3.5-turbo":     {prompt: 0.001, completion: 0.002},
	"gpt-3.5-turbo-16k": {prompt: 0.003, completion: 0.004},
}

// Client talks to one OpenAI account.
type Client struct {
	apiKey       string
	baseURL      string
	defaultModel string
	maxTokens    int
	temperature  float64
	chatHC       *http.Client
	healthHC     *http.Client
}

// New constructs an OpenAI client from configuration.
func New(cfg config.Config) *Client {
	return &Client{
		apiKey:       cfg.OpenAIAPIKey,
		baseURL:      cfg.OpenAIBaseURL,
		defaultModel: cfg.OpenAIModel,
		maxTokens:    cfg.DefaultMaxTokens,
		temperature:  cfg.DefaultTemperature,
		chatHC:       &http.Client{Timeout: cfg.ChatTimeout},
		healthHC:     &http.Client{Timeout: cfg.HealthTimeout},
	}
}

// DefaultModel returns the configured completion model for this backend.
func (c *Client) DefaultModel() string { return c.defaultModel }

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

func toWire(msgs []domain.AIMessage) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		if len(m.Parts) == 0 {
			out = append(out, wireMessage{Role: m.Role, Content: m.Content})
			continue
		}
		parts := make([]map[string]any, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case domain.PartImageURL:
				parts = append(parts, map[string]any{
					"type":      "image_url",
					"image_url": map[string]any{"url": p.ImageURL},
				})
			default:
				parts = append(parts, map[string]any{"type": "text", "text": p.Text})
			}
		}
		out = append(out, wireMessage{Role: m.Role, Content: parts})
	}
	return out
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// SendMessage issues one chat completion call against OpenAI.
func (c *Client) SendMessage(ctx context.Context, messages []domain.AIMessage, opts domain.AIRequestOptions) (domain.AIResponse, error) {
	if c.apiKey == "" {
		return domain.AIResponse{}, fmt.Errorf("%w: OPENAI_API_KEY missing", domain.ErrProviderAuth)
	}
	if len(messages) == 0 {
		return domain.AIResponse{}, fmt.Errorf("%w: empty message list", domain.ErrInvalidArgument)
	}

	model := opts.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temperature := c.temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}

	body := map[string]any{
		"model":       model,
		"messages":    toWire(messages),
		"max_tokens":  maxTokens,
		"temperature": temperature,
		"stream":      false,
	}
	if opts.TopP != nil {
		body["top_p"] = *opts.TopP
	}
	if opts.FrequencyPenalty != nil {
		body["frequency_penalty"] = *opts.FrequencyPenalty
	}
	if opts.PresencePenalty != nil {
		body["presence_penalty"] = *opts.PresencePenalty
	}
	b, err := json.Marshal(body)
	if err != nil {
		return domain.AIResponse{}, fmt.Errorf("op=openai.send marshal: %w", err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return domain.AIResponse{}, fmt.Errorf("op=openai.send request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.chatHC.Do(req)
	observability.AIRequestsTotal.WithLabelValues("openai", "chat").Inc()
	observability.AIRequestDuration.WithLabelValues("openai", "chat").Observe(time.Since(start).Seconds())
	if err != nil {
		return domain.AIResponse{}, classifyTransport(err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.AIResponse{}, fmt.Errorf("op=openai.send read: %w", err)
	}
	if err := classifyStatus(resp.StatusCode, raw); err != nil {
		logProviderError(resp.StatusCode, model, raw)
		return domain.AIResponse{}, err
	}

	var out completionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.AIResponse{}, fmt.Errorf("op=openai.send decode: %w", err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return domain.AIResponse{}, errors.New("openai: no usable completion choice")
	}

	respModel := out.Model
	if respModel == "" {
		respModel = model
	}
	usage := domain.TokenUsage{
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		TotalTokens:      out.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		// Estimate locally when the usage block is missing so the reply still
		// carries a billable token count.
		usage.PromptTokens = counter.EstimateMessages(messages, respModel)
		usage.CompletionTokens = counter.EstimateMessages([]domain.AIMessage{
			domain.TextMessage(domain.RoleAssistant, out.Choices[0].Message.Content),
		}, respModel)
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return domain.AIResponse{
		Content:  out.Choices[0].Message.Content,
		Usage:    usage,
		Model:    respModel,
		Provider: domain.ProviderOpenAI,
	}, nil
}

// GetModels lists the account's models. OpenAI returns only ids; name and
// description are synthesized for a uniform catalog shape.
func (c *Client) GetModels(ctx context.Context) ([]domain.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("op=openai.models request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.chatHC.Do(req)
	observability.AIRequestsTotal.WithLabelValues("openai", "models").Inc()
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("op=openai.models read: %w", err)
	}
	if err := classifyStatus(resp.StatusCode, raw); err != nil {
		return nil, err
	}

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("op=openai.models decode: %w", err)
	}
	models := make([]domain.ModelInfo, 0, len(out.Data))
	for _, m := range out.Data {
		models = append(models, domain.ModelInfo{
			ID:          m.ID,
			Name:        m.ID,
			Description: "OpenAI model: " + m.ID,
		})
	}
	return models, nil
}

// HealthCheck probes the model listing with a short timeout, swallowing errors.
func (c *Client) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	c.setHeaders(req)
	resp, err := c.healthHC.Do(req)
	if err != nil {
		slog.Debug("openai health check failed", slog.Any("error", err))
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// CalculateCost computes USD cost from the static table; unknown models price
// as BaselineModel.
func (c *Client) CalculateCost(promptTokens, completionTokens int, model string) float64 {
	p, ok := pricing[model]
	if !ok {
		p = pricing[BaselineModel]
	}
	promptCost := float64(promptTokens) / 1000 * p.prompt
	completionCost := float64(completionTokens) / 1000 * p.completion
	return promptCost + completionCost
}

// AnalyzeImage sends a single vision turn with the image as an image_url part.
func (c *Client) AnalyzeImage(ctx context.Context, imageURL, prompt, model string) (domain.AIResponse, error) {
	if model == "" {
		model = DefaultVisionModel
	}
	msgs := []domain.AIMessage{{
		Role: domain.RoleUser,
		Parts: []domain.ContentPart{
			{Type: domain.PartText, Text: prompt},
			{Type: domain.PartImageURL, ImageURL: imageURL},
		},
	}}
	return c.SendMessage(ctx, msgs, domain.AIRequestOptions{Model: model})
}

// ProcessTextFile sends a single-turn prompt with the document content inlined.
func (c *Client) ProcessTextFile(ctx context.Context, content, prompt, model string) (domain.AIResponse, error) {
	msgs := []domain.AIMessage{
		domain.TextMessage(domain.RoleUser, prompt+"\n\nDocument content:\n"+content),
	}
	return c.SendMessage(ctx, msgs, domain.AIRequestOptions{Model: model})
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
}

func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: invalid OpenAI API key", domain.ErrProviderAuth)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: openai", domain.ErrProviderRateLimited)
	case status == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrProviderBadRequest, apiErrorMessage(body))
	case status >= 500:
		return fmt.Errorf("%w: openai status %d", domain.ErrProviderUnavailable, status)
	default:
		return fmt.Errorf("openai unexpected status %d", status)
	}
}

func classifyTransport(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: openai timeout: %v", domain.ErrProviderUnavailable, err)
	}
	return fmt.Errorf("op=openai transport: %w", err)
}

func apiErrorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return "invalid request"
}

func logProviderError(status int, model string, body []byte) {
	snippet := string(body)
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	slog.Warn("openai non-2xx",
		slog.Int("status", status),
		slog.String("model", model),
		slog.String("body", snippet))
}
