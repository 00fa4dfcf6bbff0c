// Package ai routes chat requests across configured LLM providers and owns
// the failover policy between them.
package ai

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/ai-chat-bot/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-bot/internal/config"
	"github.com/fairyhunter13/ai-chat-bot/internal/domain"
)

// ProviderClient is one LLM backend as seen by the router.
type ProviderClient interface {
	SendMessage(ctx context.Context, messages []domain.AIMessage, opts domain.AIRequestOptions) (domain.AIResponse, error)
	GetModels(ctx context.Context) ([]domain.ModelInfo, error)
	HealthCheck(ctx context.Context) bool
	CalculateCost(promptTokens, completionTokens int, model string) float64
	AnalyzeImage(ctx context.Context, imageURL, prompt, model string) (domain.AIResponse, error)
	ProcessTextFile(ctx context.Context, content, prompt, model string) (domain.AIResponse, error)
	DefaultModel() string
}

// BalanceProvider is implemented by backends exposing an account balance.
type BalanceProvider interface {
	GetBalance(ctx context.Context) (domain.Balance, error)
}

// fallbackOrder fixes which alternate is tried when a provider fails.
var fallbackOrder = []domain.Provider{domain.ProviderOpenRouter, domain.ProviderOpenAI}

type catalogEntry struct {
	models    []domain.ModelInfo
	fetchedAt time.Time
}

// Router dispatches chat requests to a provider, failing over at most once to
// the alternate when the resolved provider errors and the alternate passes a
// health probe.
type Router struct {
	clients map[domain.Provider]ProviderClient

	mu              sync.RWMutex
	defaultProvider domain.Provider
	defaultModel    string

	catalogTTL time.Duration
	catMu      sync.Mutex
	catalog    map[domain.Provider]catalogEntry
}

// NewRouter wires the given provider clients. The default provider comes from
// AI_PROVIDER when valid, otherwise the first configured entry of the
// fallback order.
func NewRouter(cfg config.Config, clients map[domain.Provider]ProviderClient) *Router {
	r := &Router{
		clients:    clients,
		catalogTTL: cfg.ModelCatalogTTL,
		catalog:    make(map[domain.Provider]catalogEntry),
	}
	if p := domain.Provider(cfg.AIProvider); p.Valid() {
		if _, ok := clients[p]; ok {
			r.defaultProvider = p
		}
	}
	if r.defaultProvider == "" {
		for _, p := range fallbackOrder {
			if _, ok := clients[p]; ok {
				r.defaultProvider = p
				break
			}
		}
	}
	return r
}

// DefaultProvider returns the current runtime default provider.
func (r *Router) DefaultProvider() domain.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultProvider
}

// SetDefaultProvider switches the runtime default provider.
func (r *Router) SetDefaultProvider(p domain.Provider) error {
	if !p.Valid() {
		return fmt.Errorf("%w: unknown provider %q", domain.ErrInvalidArgument, p)
	}
	if _, ok := r.clients[p]; !ok {
		return fmt.Errorf("%w: provider %q not configured", domain.ErrInvalidArgument, p)
	}
	r.mu.Lock()
	r.defaultProvider = p
	r.mu.Unlock()
	return nil
}

// DefaultModel returns the model used when a request names none. The override
// set with SetDefaultModel wins over the provider's configured model.
func (r *Router) DefaultModel() string {
	r.mu.RLock()
	model := r.defaultModel
	p := r.defaultProvider
	r.mu.RUnlock()
	if model != "" {
		return model
	}
	if c, ok := r.clients[p]; ok {
		return c.DefaultModel()
	}
	return ""
}

// SetDefaultModel overrides the default completion model; empty restores the
// provider's configured model.
func (r *Router) SetDefaultModel(model string) {
	r.mu.Lock()
	r.defaultModel = model
	r.mu.Unlock()
}

// IsProviderAvailable probes one provider's health.
func (r *Router) IsProviderAvailable(ctx context.Context, p domain.Provider) bool {
	c, ok := r.clients[p]
	if !ok {
		return false
	}
	return c.HealthCheck(ctx)
}

// AvailableProvider resolves which provider a request should use: the runtime
// default when healthy, otherwise the first healthy alternate in fallback
// order. Both unhealthy yields ErrNoProvidersAvailable.
func (r *Router) AvailableProvider(ctx context.Context) (domain.Provider, error) {
	preferred := r.DefaultProvider()
	if r.IsProviderAvailable(ctx, preferred) {
		return preferred, nil
	}
	for _, p := range fallbackOrder {
		if p == preferred {
			continue
		}
		if r.IsProviderAvailable(ctx, p) {
			slog.Warn("default provider unhealthy, switching",
				slog.String("from", string(preferred)),
				slog.String("to", string(p)))
			return p, nil
		}
	}
	return "", domain.ErrNoProvidersAvailable
}

// dispatch applies the failover policy around one provider call. A pinned
// opts.Provider disables failover entirely. Otherwise the provider is resolved
// by health, and after a failure exactly one alternate attempt is made if the
// alternate's health probe passes; the original error propagates when it does
// not.
func (r *Router) dispatch(ctx context.Context, opts domain.AIRequestOptions, call func(c ProviderClient, opts domain.AIRequestOptions) (domain.AIResponse, error)) (domain.AIResponse, error) {
	if opts.Provider != "" {
		c, ok := r.clients[opts.Provider]
		if !ok {
			return domain.AIResponse{}, fmt.Errorf("%w: provider %q not configured", domain.ErrInvalidArgument, opts.Provider)
		}
		return call(c, opts)
	}

	primary, err := r.AvailableProvider(ctx)
	if err != nil {
		return domain.AIResponse{}, err
	}

	resp, primaryErr := call(r.clients[primary], opts)
	if primaryErr == nil {
		return resp, nil
	}

	alternate, ok := r.alternateOf(primary)
	if !ok || !r.IsProviderAvailable(ctx, alternate) {
		return domain.AIResponse{}, primaryErr
	}

	slog.Warn("provider failed, retrying on alternate",
		slog.String("from", string(primary)),
		slog.String("to", string(alternate)),
		slog.Any("error", primaryErr))
	observability.AIFailoversTotal.WithLabelValues(string(primary), string(alternate)).Inc()

	altOpts := opts
	if altOpts.Model != "" && altOpts.Model == r.clients[primary].DefaultModel() {
		// A primary-specific default model rarely exists on the alternate.
		altOpts.Model = ""
	}
	return call(r.clients[alternate], altOpts)
}

// SendMessage dispatches a chat completion under the failover policy.
func (r *Router) SendMessage(ctx context.Context, messages []domain.AIMessage, opts domain.AIRequestOptions) (domain.AIResponse, error) {
	return r.dispatch(ctx, opts, func(c ProviderClient, opts domain.AIRequestOptions) (domain.AIResponse, error) {
		return c.SendMessage(ctx, messages, opts)
	})
}

func (r *Router) alternateOf(p domain.Provider) (domain.Provider, bool) {
	for _, cand := range fallbackOrder {
		if cand == p {
			continue
		}
		if _, ok := r.clients[cand]; ok {
			return cand, true
		}
	}
	return "", false
}

// AnalyzeImage runs a vision turn under the same failover policy as
// SendMessage. An empty model leaves the provider's vision default in force.
func (r *Router) AnalyzeImage(ctx context.Context, imageURL, prompt string, opts domain.AIRequestOptions) (domain.AIResponse, error) {
	return r.dispatch(ctx, opts, func(c ProviderClient, opts domain.AIRequestOptions) (domain.AIResponse, error) {
		return c.AnalyzeImage(ctx, imageURL, prompt, opts.Model)
	})
}

// ProcessTextFile analyzes an extracted document under the same failover
// policy as SendMessage.
func (r *Router) ProcessTextFile(ctx context.Context, content, prompt string, opts domain.AIRequestOptions) (domain.AIResponse, error) {
	return r.dispatch(ctx, opts, func(c ProviderClient, opts domain.AIRequestOptions) (domain.AIResponse, error) {
		return c.ProcessTextFile(ctx, content, prompt, opts.Model)
	})
}

// CalculateCost prices token usage against one provider's table. Unknown
// providers cost zero.
func (r *Router) CalculateCost(promptTokens, completionTokens int, model string, p domain.Provider) float64 {
	c, ok := r.clients[p]
	if !ok {
		return 0
	}
	return c.CalculateCost(promptTokens, completionTokens, model)
}

// GetBalance returns the account balance for providers that expose one.
func (r *Router) GetBalance(ctx context.Context, p domain.Provider) (domain.Balance, error) {
	c, ok := r.clients[p]
	if !ok {
		return domain.Balance{}, fmt.Errorf("%w: provider %q not configured", domain.ErrInvalidArgument, p)
	}
	bp, ok := c.(BalanceProvider)
	if !ok {
		return domain.Balance{}, fmt.Errorf("%w: provider %q exposes no balance", domain.ErrInvalidArgument, p)
	}
	return bp.GetBalance(ctx)
}

// Models lists a provider's catalog, serving a cached copy inside the TTL.
// Refresh failures fall back to stale data when any exists.
func (r *Router) Models(ctx context.Context, p domain.Provider) ([]domain.ModelInfo, error) {
	c, ok := r.clients[p]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q not configured", domain.ErrInvalidArgument, p)
	}

	r.catMu.Lock()
	defer r.catMu.Unlock()
	if entry, ok := r.catalog[p]; ok && time.Since(entry.fetchedAt) < r.catalogTTL {
		return entry.models, nil
	}

	var models []domain.ModelInfo
	op := func() error {
		var err error
		models, err = c.GetModels(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if entry, ok := r.catalog[p]; ok {
			slog.Warn("model catalog refresh failed, serving stale",
				slog.String("provider", string(p)),
				slog.Any("error", err))
			return entry.models, nil
		}
		return nil, err
	}
	r.catalog[p] = catalogEntry{models: models, fetchedAt: time.Now()}
	return models, nil
}

// HealthCheckAll reports per-provider health. Probes run concurrently and a
// panicking client counts as unhealthy rather than crashing the caller.
func (r *Router) HealthCheckAll(ctx context.Context) map[domain.Provider]bool {
	out := make(map[domain.Provider]bool, len(r.clients))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for p, c := range r.clients {
		wg.Add(1)
		go func(p domain.Provider, c ProviderClient) {
			defer wg.Done()
			healthy := false
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						slog.Error("health check panicked",
							slog.String("provider", string(p)),
							slog.Any("panic", rec))
					}
				}()
				healthy = c.HealthCheck(ctx)
			}()
			mu.Lock()
			out[p] = healthy
			mu.Unlock()
		}(p, c)
	}
	wg.Wait()
	return out
}
