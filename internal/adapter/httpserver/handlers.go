package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-chat-bot/internal/adapter/ai"
	"github.com/fairyhunter13/ai-chat-bot/internal/adapter/session"
	"github.com/fairyhunter13/ai-chat-bot/internal/config"
	"github.com/fairyhunter13/ai-chat-bot/internal/domain"
	"github.com/fairyhunter13/ai-chat-bot/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Users      usecase.UserService
	Chat       usecase.ChatService
	Files      usecase.FileService
	Usage      usecase.UsageService
	Keys       usecase.AccessKeyService
	Settings   domain.SettingsRepository
	AI         *ai.Router
	Sessions   *session.Store
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, users usecase.UserService, chat usecase.ChatService, files usecase.FileService, usage usecase.UsageService, keys usecase.AccessKeyService, settings domain.SettingsRepository, router *ai.Router, sessions *session.Store, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Users: users, Chat: chat, Files: files, Usage: usage, Keys: keys, Settings: settings, AI: router, Sessions: sessions, DBCheck: dbCheck, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
		return false
	}
	if err := getValidator().Struct(dst); err != nil {
		verrs := map[string]string{}
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
		return false
	}
	return true
}

func (s *Server) resolveUser(w http.ResponseWriter, r *http.Request, telegramID int64) (domain.User, bool) {
	u, err := s.Users.Lookup(r.Context(), telegramID)
	if err != nil {
		writeError(w, r, err, map[string]any{"telegram_id": telegramID})
		return domain.User{}, false
	}
	return u, true
}

// allowTurn enforces the per-user fixed-window turn limit when a session
// store is wired. Counter failures fail open; Redis being down must not take
// chat with it.
func (s *Server) allowTurn(w http.ResponseWriter, r *http.Request, telegramID int64) bool {
	if s.Sessions == nil || s.Cfg.RateLimitPerMin <= 0 {
		return true
	}
	ok, err := s.Sessions.RateAllow(r.Context(), telegramID, s.Cfg.RateLimitPerMin, time.Minute)
	if err != nil {
		LoggerFrom(r).Warn("rate counter unavailable", slog.Any("error", err))
		return true
	}
	if !ok {
		writeJSON(w, http.StatusTooManyRequests, errorEnvelope{Error: apiError{
			Code:    "RATE_LIMITED",
			Message: "too many requests, slow down",
			Details: map[string]any{"limit_per_min": s.Cfg.RateLimitPerMin},
		}})
		return false
	}
	return true
}

func requestOptions(model, provider string) (domain.AIRequestOptions, error) {
	opts := domain.AIRequestOptions{Model: model}
	if provider != "" {
		p := domain.Provider(provider)
		if !p.Valid() {
			return opts, fmt.Errorf("%w: unknown provider %q", domain.ErrInvalidArgument, provider)
		}
		opts.Provider = p
	}
	return opts, nil
}

func messageEnvelope(m domain.Message) map[string]any {
	out := map[string]any{
		"id":         m.ID,
		"role":       m.Role,
		"content":    m.Content,
		"created_at": m.CreatedAt.UTC().Format(time.RFC3339),
	}
	if m.Tokens != nil {
		out["tokens"] = *m.Tokens
	}
	if m.Cost != nil {
		out["cost"] = *m.Cost
	}
	return out
}

// RegisterHandler admits a Telegram account, consuming an access key unless
// the caller is the configured admin.
func (s *Server) RegisterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TelegramID int64  `json:"telegram_id" validate:"required"`
			Username   string `json:"username" validate:"max=128"`
			FirstName  string `json:"first_name" validate:"max=128"`
			LastName   string `json:"last_name" validate:"max=128"`
			AccessKey  string `json:"access_key" validate:"max=256"`
		}
		if !decodeAndValidate(w, r, &req) {
			return
		}
		u, err := s.Users.Register(r.Context(), req.TelegramID, req.Username, req.FirstName, req.LastName, req.AccessKey)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":          u.ID,
			"telegram_id": u.TelegramID,
			"is_admin":    u.IsAdmin,
			"is_active":   u.IsActive,
		})
	}
}

// ChatHandler runs one text turn and returns the assistant reply.
func (s *Server) ChatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TelegramID int64  `json:"telegram_id" validate:"required"`
			Text       string `json:"text" validate:"required,max=32000"`
			Model      string `json:"model" validate:"max=128"`
			Provider   string `json:"provider" validate:"max=32"`
		}
		if !decodeAndValidate(w, r, &req) {
			return
		}
		u, ok := s.resolveUser(w, r, req.TelegramID)
		if !ok {
			return
		}
		if !s.allowTurn(w, r, req.TelegramID) {
			return
		}
		opts, err := requestOptions(req.Model, req.Provider)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		reply, err := s.Chat.Send(r.Context(), u.ID, req.Text, opts)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, messageEnvelope(reply))
	}
}

// ForwardHandler runs a turn over a forwarded message, framed for analysis.
func (s *Server) ForwardHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TelegramID int64  `json:"telegram_id" validate:"required"`
			Origin     string `json:"origin" validate:"max=256"`
			Text       string `json:"text" validate:"required,max=32000"`
			Model      string `json:"model" validate:"max=128"`
			Provider   string `json:"provider" validate:"max=32"`
		}
		if !decodeAndValidate(w, r, &req) {
			return
		}
		u, ok := s.resolveUser(w, r, req.TelegramID)
		if !ok {
			return
		}
		if !s.allowTurn(w, r, req.TelegramID) {
			return
		}
		opts, err := requestOptions(req.Model, req.Provider)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		reply, err := s.Chat.SendForward(r.Context(), u.ID, req.Origin, req.Text, opts)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, messageEnvelope(reply))
	}
}

// ClearContextHandler wipes the caller's conversation history.
func (s *Server) ClearContextHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TelegramID int64 `json:"telegram_id" validate:"required"`
		}
		if !decodeAndValidate(w, r, &req) {
			return
		}
		u, ok := s.resolveUser(w, r, req.TelegramID)
		if !ok {
			return
		}
		n, err := s.Chat.ClearContext(r.Context(), u.ID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
	}
}

// FileHandler ingests a file turn. An image_url form field selects the vision
// path; otherwise the multipart "file" part carries a document to analyze.
func (s *Server) FileHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument), nil)
			return
		}
		maxBytes := s.Cfg.MaxFileSizeBytes
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1<<20)
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "too large") {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
					Code: "INVALID_ARGUMENT", Message: "payload too large",
					Details: map[string]any{"max_bytes": maxBytes},
				}})
				return
			}
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}

		telegramID, err := strconv.ParseInt(r.FormValue("telegram_id"), 10, 64)
		if err != nil || telegramID == 0 {
			writeError(w, r, fmt.Errorf("%w: telegram_id required", domain.ErrInvalidArgument), map[string]string{"field": "telegram_id"})
			return
		}
		u, ok := s.resolveUser(w, r, telegramID)
		if !ok {
			return
		}
		if !s.allowTurn(w, r, telegramID) {
			return
		}
		opts, err := requestOptions(r.FormValue("model"), r.FormValue("provider"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		caption := r.FormValue("caption")

		if imageURL := r.FormValue("image_url"); imageURL != "" {
			reply, err := s.Files.AnalyzeImage(r.Context(), u.ID, imageURL, r.FormValue("file_name"), caption, opts)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			writeJSON(w, http.StatusOK, messageEnvelope(reply))
			return
		}

		f, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: file or image_url required", domain.ErrInvalidArgument), map[string]string{"field": "file"})
			return
		}
		defer func() { _ = f.Close() }()

		if err := s.Files.Validate(header.Filename, header.Size); err != nil {
			writeError(w, r, err, map[string]string{"filename": header.Filename})
			return
		}
		data, err := io.ReadAll(f)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: file read: %v", domain.ErrInvalidArgument, err), nil)
			return
		}

		reply, err := s.Files.ProcessDocument(r.Context(), u.ID, data, header.Filename, caption, opts)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, messageEnvelope(reply))
	}
}

// ProvidersHandler reports the runtime default provider/model and per-provider
// health.
func (s *Server) ProvidersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := s.AI.HealthCheckAll(r.Context())
		out := map[string]any{
			"default_provider": string(s.AI.DefaultProvider()),
			"default_model":    s.AI.DefaultModel(),
			"health":           map[string]bool{},
		}
		hm := out["health"].(map[string]bool)
		for p, ok := range health {
			hm[string(p)] = ok
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// SetDefaultProviderHandler switches the runtime default provider, and
// optionally the default model override.
func (s *Server) SetDefaultProviderHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Provider string `json:"provider" validate:"required,max=32"`
			Model    string `json:"model" validate:"max=128"`
		}
		if !decodeAndValidate(w, r, &req) {
			return
		}
		if err := s.AI.SetDefaultProvider(domain.Provider(req.Provider)); err != nil {
			writeError(w, r, err, nil)
			return
		}
		s.AI.SetDefaultModel(req.Model)
		writeJSON(w, http.StatusOK, map[string]any{
			"default_provider": string(s.AI.DefaultProvider()),
			"default_model":    s.AI.DefaultModel(),
		})
	}
}

// ModelsHandler lists the model catalog for one provider.
func (s *Server) ModelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := domain.Provider(chi.URLParam(r, "provider"))
		models, err := s.AI.Models(r.Context(), p)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]string, 0, len(models))
		for _, m := range models {
			out = append(out, map[string]string{"id": m.ID, "name": m.Name, "description": m.Description})
		}
		writeJSON(w, http.StatusOK, map[string]any{"provider": string(p), "models": out})
	}
}

// BalanceHandler reports remaining account credit for providers that expose
// one.
func (s *Server) BalanceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := domain.Provider(r.URL.Query().Get("provider"))
		if p == "" {
			p = domain.ProviderOpenRouter
		}
		b, err := s.AI.GetBalance(r.Context(), p)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"provider": string(p),
			"credits":  b.Credits,
			"usage":    b.Usage,
		})
	}
}

// UsageHandler returns windowed usage aggregates, optionally scoped to one
// Telegram account.
func (s *Server) UsageHandler() http.HandlerFunc {
	type window struct {
		Requests int64   `json:"requests"`
		Tokens   int64   `json:"tokens"`
		Cost     float64 `json:"cost"`
	}
	toWindow := func(t domain.UsageTotals) window {
		return window{Requests: t.Requests, Tokens: t.Tokens, Cost: t.Cost}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var userID string
		if raw := r.URL.Query().Get("telegram_id"); raw != "" {
			telegramID, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: telegram_id must be an integer", domain.ErrInvalidArgument), nil)
				return
			}
			u, ok := s.resolveUser(w, r, telegramID)
			if !ok {
				return
			}
			userID = u.ID
		}
		stats, err := s.Usage.Stats(r.Context(), userID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"today":    toWindow(stats.Today),
			"last_30d": toWindow(stats.Last30d),
			"all_time": toWindow(stats.AllTime),
		})
	}
}

// GenerateKeyHandler mints a new access key. The raw key appears only in this
// response.
func (s *Server) GenerateKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CreatedBy string `json:"created_by" validate:"max=128"`
		}
		if !decodeAndValidate(w, r, &req) {
			return
		}
		raw, key, err := s.Keys.Generate(r.Context(), req.CreatedBy)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": key.ID, "key": raw})
	}
}

// ListKeysHandler lists issued access keys without their hashes.
func (s *Server) ListKeysHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := s.Keys.List(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]any, 0, len(keys))
		for _, k := range keys {
			entry := map[string]any{
				"id":         k.ID,
				"created_by": k.CreatedBy,
				"is_active":  k.IsActive,
				"created_at": k.CreatedAt.UTC().Format(time.RFC3339),
			}
			if k.UsedAt != nil {
				entry["used_at"] = k.UsedAt.UTC().Format(time.RFC3339)
			}
			out = append(out, entry)
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": out})
	}
}

// RevokeKeyHandler deactivates an access key.
func (s *Server) RevokeKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Keys.Revoke(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_active": false})
	}
}

// ListUsersHandler lists registered accounts for the admin surface.
func (s *Server) ListUsersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := s.Users.List(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]any, 0, len(users))
		for _, u := range users {
			out = append(out, map[string]any{
				"id":          u.ID,
				"telegram_id": u.TelegramID,
				"username":    u.Username,
				"is_admin":    u.IsAdmin,
				"is_active":   u.IsActive,
				"created_at":  u.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": out})
	}
}

// SetUserActiveHandler toggles an account's active flag.
func (s *Server) SetUserActiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		telegramID, err := strconv.ParseInt(chi.URLParam(r, "telegram_id"), 10, 64)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: telegram_id must be an integer", domain.ErrInvalidArgument), nil)
			return
		}
		var req struct {
			Active *bool `json:"active" validate:"required"`
		}
		if !decodeAndValidate(w, r, &req) {
			return
		}
		u, err := s.Users.SetActive(r.Context(), telegramID, *req.Active)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"telegram_id": u.TelegramID,
			"is_active":   u.IsActive,
		})
	}
}

// GetSettingHandler reads one persisted setting.
func (s *Server) GetSettingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		setting, err := s.Settings.Get(r.Context(), key)
		if err != nil {
			writeError(w, r, err, map[string]string{"key": key})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"key":         setting.Key,
			"value":       setting.Value,
			"description": setting.Description,
		})
	}
}

// SetSettingHandler upserts one persisted setting.
func (s *Server) SetSettingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		var req struct {
			Value       string `json:"value" validate:"required,max=8192"`
			Description string `json:"description" validate:"max=512"`
		}
		if !decodeAndValidate(w, r, &req) {
			return
		}
		setting := domain.Setting{Key: key, Value: req.Value, Description: req.Description}
		if err := s.Settings.Set(r.Context(), setting); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": req.Value})
	}
}

func (s *Server) requireSessions(w http.ResponseWriter, r *http.Request) bool {
	if s.Sessions == nil {
		writeError(w, r, fmt.Errorf("%w: session store not configured", domain.ErrInternal), nil)
		return false
	}
	return true
}

// GetSessionHandler reads the bot's dialog state for one user.
func (s *Server) GetSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requireSessions(w, r) {
			return
		}
		telegramID, err := strconv.ParseInt(chi.URLParam(r, "telegram_id"), 10, 64)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: telegram_id must be an integer", domain.ErrInvalidArgument), nil)
			return
		}
		st, err := s.Sessions.Get(r.Context(), telegramID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"step":       st.Step,
			"payload":    st.Payload,
			"updated_at": st.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
}

// SetSessionHandler stores the bot's dialog state for one user.
func (s *Server) SetSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requireSessions(w, r) {
			return
		}
		telegramID, err := strconv.ParseInt(chi.URLParam(r, "telegram_id"), 10, 64)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: telegram_id must be an integer", domain.ErrInvalidArgument), nil)
			return
		}
		var req struct {
			Step    string `json:"step" validate:"required,max=64"`
			Payload string `json:"payload" validate:"max=4096"`
		}
		if !decodeAndValidate(w, r, &req) {
			return
		}
		st := session.State{Step: req.Step, Payload: req.Payload}
		if err := s.Sessions.Set(r.Context(), telegramID, st); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"step": req.Step})
	}
}

// ClearSessionHandler drops the bot's dialog state for one user.
func (s *Server) ClearSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requireSessions(w, r) {
			return
		}
		telegramID, err := strconv.ParseInt(chi.URLParam(r, "telegram_id"), 10, 64)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: telegram_id must be an integer", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Sessions.Clear(r.Context(), telegramID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ReadyzHandler probes the hard dependencies: Postgres and Redis.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
