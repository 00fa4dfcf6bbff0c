// Package app wires the HTTP router and readiness checks.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/ai-chat-bot/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-chat-bot/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-bot/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(90 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Bot-facing API. Rate limited per IP; the bot front end authenticates
	// with the configured service token.
	r.Group(func(v chi.Router) {
		v.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		v.Use(httpserver.ServiceTokenGuard(cfg.ServiceToken))

		v.Post("/v1/users/register", srv.RegisterHandler())
		v.Post("/v1/chat", srv.ChatHandler())
		v.Post("/v1/chat/forward", srv.ForwardHandler())
		v.Delete("/v1/chat/context", srv.ClearContextHandler())
		v.Post("/v1/files", srv.FileHandler())

		v.Get("/v1/providers", srv.ProvidersHandler())
		v.Put("/v1/providers/default", srv.SetDefaultProviderHandler())
		v.Get("/v1/models/{provider}", srv.ModelsHandler())
		v.Get("/v1/balance", srv.BalanceHandler())
		v.Get("/v1/usage", srv.UsageHandler())

		v.Post("/v1/access-keys", srv.GenerateKeyHandler())
		v.Get("/v1/access-keys", srv.ListKeysHandler())
		v.Delete("/v1/access-keys/{id}", srv.RevokeKeyHandler())

		v.Get("/v1/users", srv.ListUsersHandler())
		v.Put("/v1/users/{telegram_id}/active", srv.SetUserActiveHandler())

		v.Get("/v1/settings/{key}", srv.GetSettingHandler())
		v.Put("/v1/settings/{key}", srv.SetSettingHandler())

		v.Get("/v1/sessions/{telegram_id}", srv.GetSessionHandler())
		v.Put("/v1/sessions/{telegram_id}", srv.SetSessionHandler())
		v.Delete("/v1/sessions/{telegram_id}", srv.ClearSessionHandler())
	})

	// Health and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
