package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-bot/internal/adapter/ai"
	httpserver "github.com/fairyhunter13/ai-chat-bot/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-chat-bot/internal/config"
	"github.com/fairyhunter13/ai-chat-bot/internal/domain"
	"github.com/fairyhunter13/ai-chat-bot/internal/usecase"
)

type stubMessages struct {
	stored []domain.Message
}

func (s *stubMessages) Create(_ domain.Context, m domain.Message) (string, error) {
	m.ID = fmt.Sprintf("m-%d", len(s.stored)+1)
	s.stored = append(s.stored, m)
	return m.ID, nil
}

func (s *stubMessages) ListRecent(_ domain.Context, userID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	for i := len(s.stored) - 1; i >= 0 && len(out) < limit; i-- {
		if s.stored[i].UserID == userID {
			out = append(out, s.stored[i])
		}
	}
	return out, nil
}

func (s *stubMessages) DeleteAllForUser(_ domain.Context, userID string) (int64, error) {
	var kept []domain.Message
	var n int64
	for _, m := range s.stored {
		if m.UserID == userID {
			n++
			continue
		}
		kept = append(kept, m)
	}
	s.stored = kept
	return n, nil
}

func (s *stubMessages) CountForUser(_ domain.Context, userID string) (int64, error) {
	var n int64
	for _, m := range s.stored {
		if m.UserID == userID {
			n++
		}
	}
	return n, nil
}

type stubUsage struct{ records []domain.UsageRecord }

func (s *stubUsage) Create(_ domain.Context, u domain.UsageRecord) (string, error) {
	s.records = append(s.records, u)
	return fmt.Sprintf("u-%d", len(s.records)), nil
}

func (s *stubUsage) Aggregate(_ domain.Context, userID string, start, end *time.Time) (domain.UsageTotals, error) {
	var t domain.UsageTotals
	for _, rec := range s.records {
		if userID != "" && rec.UserID != userID {
			continue
		}
		if start != nil && rec.CreatedAt.Before(*start) {
			continue
		}
		if end != nil && rec.CreatedAt.After(*end) {
			continue
		}
		t.Requests++
		t.Tokens += int64(rec.Tokens)
		t.Cost += rec.Cost
	}
	return t, nil
}

type stubUsers struct{ users []domain.User }

func (s *stubUsers) Create(_ domain.Context, u domain.User) (string, error) {
	u.ID = fmt.Sprintf("user-%d", len(s.users)+1)
	s.users = append(s.users, u)
	return u.ID, nil
}

func (s *stubUsers) GetByTelegramID(_ domain.Context, telegramID int64) (domain.User, error) {
	for _, u := range s.users {
		if u.TelegramID == telegramID {
			return u, nil
		}
	}
	return domain.User{}, domain.ErrNotFound
}

func (s *stubUsers) Update(_ domain.Context, u domain.User) error {
	for i := range s.users {
		if s.users[i].ID == u.ID {
			s.users[i] = u
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *stubUsers) List(_ domain.Context) ([]domain.User, error) { return s.users, nil }

type stubKeys struct{ keys []domain.AccessKey }

func (s *stubKeys) Create(_ domain.Context, k domain.AccessKey) (string, error) {
	k.ID = fmt.Sprintf("key-%d", len(s.keys)+1)
	s.keys = append(s.keys, k)
	return k.ID, nil
}

func (s *stubKeys) List(_ domain.Context) ([]domain.AccessKey, error) { return s.keys, nil }

func (s *stubKeys) Get(_ domain.Context, id string) (domain.AccessKey, error) {
	for _, k := range s.keys {
		if k.ID == id {
			return k, nil
		}
	}
	return domain.AccessKey{}, domain.ErrNotFound
}

func (s *stubKeys) Update(_ domain.Context, k domain.AccessKey) error {
	for i := range s.keys {
		if s.keys[i].ID == k.ID {
			s.keys[i] = k
			return nil
		}
	}
	return domain.ErrNotFound
}

type stubSettings struct{ values map[string]domain.Setting }

func (s *stubSettings) Get(_ domain.Context, key string) (domain.Setting, error) {
	if v, ok := s.values[key]; ok {
		return v, nil
	}
	return domain.Setting{}, domain.ErrNotFound
}

func (s *stubSettings) Set(_ domain.Context, setting domain.Setting) error {
	if s.values == nil {
		s.values = map[string]domain.Setting{}
	}
	s.values[setting.Key] = setting
	return nil
}

// stubAI scripts the provider layer behind the chat and file services.
type stubAI struct {
	err  error
	resp domain.AIResponse
}

func (a *stubAI) SendMessage(_ domain.Context, _ []domain.AIMessage, _ domain.AIRequestOptions) (domain.AIResponse, error) {
	if a.err != nil {
		return domain.AIResponse{}, a.err
	}
	return a.resp, nil
}

func (a *stubAI) AnalyzeImage(_ domain.Context, _, _ string, _ domain.AIRequestOptions) (domain.AIResponse, error) {
	if a.err != nil {
		return domain.AIResponse{}, a.err
	}
	return a.resp, nil
}

func (a *stubAI) ProcessTextFile(_ domain.Context, _, _ string, _ domain.AIRequestOptions) (domain.AIResponse, error) {
	if a.err != nil {
		return domain.AIResponse{}, a.err
	}
	return a.resp, nil
}

func (a *stubAI) CalculateCost(promptTokens, completionTokens int, _ string, _ domain.Provider) float64 {
	return float64(promptTokens+completionTokens) / 1000
}

func (a *stubAI) Models(_ domain.Context, _ domain.Provider) ([]domain.ModelInfo, error) {
	return nil, nil
}

func (a *stubAI) HealthCheckAll(_ domain.Context) map[domain.Provider]bool { return nil }

// fakeClient backs the AI router for the provider admin endpoints.
type fakeClient struct {
	healthy bool
	models  []domain.ModelInfo
}

func (f *fakeClient) SendMessage(_ context.Context, _ []domain.AIMessage, _ domain.AIRequestOptions) (domain.AIResponse, error) {
	return domain.AIResponse{Content: "ok"}, nil
}

func (f *fakeClient) GetModels(_ context.Context) ([]domain.ModelInfo, error) {
	return f.models, nil
}

func (f *fakeClient) HealthCheck(_ context.Context) bool { return f.healthy }

func (f *fakeClient) CalculateCost(promptTokens, completionTokens int, _ string) float64 {
	return float64(promptTokens+completionTokens) / 1000
}

func (f *fakeClient) AnalyzeImage(_ context.Context, _, _, _ string) (domain.AIResponse, error) {
	return domain.AIResponse{Content: "ok"}, nil
}

func (f *fakeClient) ProcessTextFile(_ context.Context, _, _, _ string) (domain.AIResponse, error) {
	return domain.AIResponse{Content: "ok"}, nil
}

func (f *fakeClient) DefaultModel() string { return "fake-model" }

type fixture struct {
	srv      *httpserver.Server
	messages *stubMessages
	usage    *stubUsage
	users    *stubUsers
	keys     *stubKeys
	ai       *stubAI
}

func okResponse() domain.AIResponse {
	return domain.AIResponse{
		Content:  "pong",
		Usage:    domain.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Model:    "openai/gpt-4",
		Provider: domain.ProviderOpenRouter,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Config{
		AppEnv:           "dev",
		MaxFileSizeBytes: 1 << 20,
		AllowedFileTypes: "txt,jpg,png",
		AdminTelegramID:  999,
		ModelCatalogTTL:  time.Hour,
	}
	messages := &stubMessages{}
	usageRepo := &stubUsage{}
	users := &stubUsers{users: []domain.User{
		{ID: "u1", TelegramID: 42, Username: "alice", IsActive: true, CreatedAt: time.Now().UTC()},
		{ID: "u2", TelegramID: 43, Username: "bob", IsActive: false, CreatedAt: time.Now().UTC()},
	}}
	keys := &stubKeys{}
	settings := &stubSettings{}
	aiStub := &stubAI{resp: okResponse()}

	usageSvc := usecase.NewUsageService(usageRepo, nil)
	builder := usecase.NewContextBuilder(messages, settings)
	chat := usecase.NewChatService(messages, aiStub, builder, usageSvc)
	files := usecase.NewFileService(messages, aiStub, usageSvc, cfg.MaxFileSizeBytes, cfg.AllowedFileExtensions())
	keySvc := usecase.NewAccessKeyService(keys)
	userSvc := usecase.NewUserService(users, keySvc, cfg.AdminTelegramID)

	router := ai.NewRouter(cfg, map[domain.Provider]ai.ProviderClient{
		domain.ProviderOpenRouter: &fakeClient{healthy: true, models: []domain.ModelInfo{{ID: "openai/gpt-4", Name: "GPT-4"}}},
		domain.ProviderOpenAI:     &fakeClient{healthy: false},
	})

	srv := httpserver.NewServer(cfg, userSvc, chat, files, usageSvc, keySvc, settings, router, nil,
		func(context.Context) error { return nil },
		func(context.Context) error { return nil },
	)
	return &fixture{srv: srv, messages: messages, usage: usageRepo, users: users, keys: keys, ai: aiStub}
}

func doJSON(t *testing.T, h http.HandlerFunc, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestChatHandler_Success(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.srv.ChatHandler(), http.MethodPost, "/v1/chat", map[string]any{
		"telegram_id": 42,
		"text":        "ping",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "pong", body["content"])
	require.Equal(t, float64(15), body["tokens"])
	require.InDelta(t, 0.015, body["cost"].(float64), 1e-9)
	require.Len(t, f.usage.records, 1)
}

func TestChatHandler_UnknownUser(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.srv.ChatHandler(), http.MethodPost, "/v1/chat", map[string]any{
		"telegram_id": 777,
		"text":        "ping",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatHandler_DeactivatedUser(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.srv.ChatHandler(), http.MethodPost, "/v1/chat", map[string]any{
		"telegram_id": 43,
		"text":        "ping",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatHandler_ValidationFailure(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.srv.ChatHandler(), http.MethodPost, "/v1/chat", map[string]any{
		"telegram_id": 42,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]any)
	require.Equal(t, "INVALID_ARGUMENT", errObj["code"])
}

func TestChatHandler_UnknownProvider(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.srv.ChatHandler(), http.MethodPost, "/v1/chat", map[string]any{
		"telegram_id": 42,
		"text":        "ping",
		"provider":    "anthropic",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatHandler_ProviderOutageMapsTo503(t *testing.T) {
	f := newFixture(t)
	f.ai.err = fmt.Errorf("op=test: %w", domain.ErrNoProvidersAvailable)
	rec := doJSON(t, f.srv.ChatHandler(), http.MethodPost, "/v1/chat", map[string]any{
		"telegram_id": 42,
		"text":        "ping",
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]any)
	require.Equal(t, "NO_PROVIDERS_AVAILABLE", errObj["code"])
	require.Empty(t, f.usage.records)
}

func TestForwardHandler_Success(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.srv.ForwardHandler(), http.MethodPost, "/v1/chat/forward", map[string]any{
		"telegram_id": 42,
		"origin":      "some channel",
		"text":        "breaking news",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.usage.records, 1)
	require.Equal(t, domain.RequestTypeForward, f.usage.records[0].RequestType)
}

func TestClearContextHandler(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.srv.ChatHandler(), http.MethodPost, "/v1/chat", map[string]any{
		"telegram_id": 42,
		"text":        "ping",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, f.srv.ClearContextHandler(), http.MethodDelete, "/v1/chat/context", map[string]any{
		"telegram_id": 42,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, float64(2), body["deleted"])
}

func TestRegisterHandler_ConsumesAccessKey(t *testing.T) {
	f := newFixture(t)
	raw, _, err := f.srv.Keys.Generate(context.Background(), "admin")
	require.NoError(t, err)

	rec := doJSON(t, f.srv.RegisterHandler(), http.MethodPost, "/v1/users/register", map[string]any{
		"telegram_id": 100,
		"username":    "carol",
		"access_key":  raw,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, float64(100), body["telegram_id"])
	require.Equal(t, true, body["is_active"])

	// Same key cannot admit a second account.
	rec = doJSON(t, f.srv.RegisterHandler(), http.MethodPost, "/v1/users/register", map[string]any{
		"telegram_id": 101,
		"access_key":  raw,
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterHandler_AdminBypassesKey(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.srv.RegisterHandler(), http.MethodPost, "/v1/users/register", map[string]any{
		"telegram_id": 999,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, true, body["is_admin"])
}

func TestFileHandler_ImageURLPath(t *testing.T) {
	f := newFixture(t)
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	require.NoError(t, w.WriteField("telegram_id", "42"))
	require.NoError(t, w.WriteField("image_url", "https://files.example.com/photo.jpg"))
	require.NoError(t, w.WriteField("caption", "what is this"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/files", buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	f.srv.FileHandler()(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.usage.records, 1)
	require.Equal(t, domain.RequestTypeFile, f.usage.records[0].RequestType)
}

func TestFileHandler_DocumentPath(t *testing.T) {
	f := newFixture(t)
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	require.NoError(t, w.WriteField("telegram_id", "42"))
	fw, err := w.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("some meeting notes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/files", buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	f.srv.FileHandler()(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "pong", body["content"])
}

func TestFileHandler_DisallowedExtension(t *testing.T) {
	f := newFixture(t)
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	require.NoError(t, w.WriteField("telegram_id", "42"))
	fw, err := w.CreateFormFile("file", "malware.exe")
	require.NoError(t, err)
	_, err = fw.Write([]byte("MZ"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/files", buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	f.srv.FileHandler()(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, f.usage.records)
}

func TestFileHandler_RequiresMultipart(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/files", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.srv.FileHandler()(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProvidersHandler_ReportsHealthAndDefault(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.srv.ProvidersHandler(), http.MethodGet, "/v1/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "openrouter", body["default_provider"])
	health := body["health"].(map[string]any)
	require.Equal(t, true, health["openrouter"])
	require.Equal(t, false, health["openai"])
}

func TestSetDefaultProviderHandler(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.srv.SetDefaultProviderHandler(), http.MethodPut, "/v1/providers/default", map[string]any{
		"provider": "openai",
		"model":    "gpt-4o",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "openai", body["default_provider"])
	require.Equal(t, "gpt-4o", body["default_model"])

	rec = doJSON(t, f.srv.SetDefaultProviderHandler(), http.MethodPut, "/v1/providers/default", map[string]any{
		"provider": "anthropic",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBalanceHandler_UnsupportedProvider(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.srv.BalanceHandler(), http.MethodGet, "/v1/balance?provider=openai", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUsageHandler_Windows(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		rec := doJSON(t, f.srv.ChatHandler(), http.MethodPost, "/v1/chat", map[string]any{
			"telegram_id": 42,
			"text":        "ping",
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(t, f.srv.UsageHandler(), http.MethodGet, "/v1/usage?telegram_id=42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	today := body["today"].(map[string]any)
	require.Equal(t, float64(3), today["requests"])
	require.Equal(t, float64(45), today["tokens"])

	rec = doJSON(t, f.srv.UsageHandler(), http.MethodGet, "/v1/usage?telegram_id=notanumber", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccessKeyLifecycle(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.srv.GenerateKeyHandler(), http.MethodPost, "/v1/access-keys", map[string]any{
		"created_by": "admin",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	id := body["id"].(string)
	require.True(t, strings.HasPrefix(body["key"].(string), "ak_"))

	rec = doJSON(t, f.srv.ListKeysHandler(), http.MethodGet, "/v1/access-keys", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody(t, rec)["keys"].([]any)
	require.Len(t, list, 1)
	entry := list[0].(map[string]any)
	require.NotContains(t, entry, "key_hash")

	req := httptest.NewRequest(http.MethodDelete, "/v1/access-keys/"+id, nil)
	req = withURLParam(req, "id", id)
	rec2 := httptest.NewRecorder()
	f.srv.RevokeKeyHandler()(rec2, req)
	require.Equal(t, http.StatusOK, rec2.Code)

	got, err := f.keys.Get(context.Background(), id)
	require.NoError(t, err)
	require.False(t, got.IsActive)
}

func TestSetUserActiveHandler(t *testing.T) {
	f := newFixture(t)
	body, err := json.Marshal(map[string]any{"active": false})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPut, "/v1/users/42/active", bytes.NewReader(body))
	req = withURLParam(req, "telegram_id", "42")
	rec := httptest.NewRecorder()
	f.srv.SetUserActiveHandler()(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	require.Equal(t, false, out["is_active"])

	u, err := f.users.GetByTelegramID(context.Background(), 42)
	require.NoError(t, err)
	require.False(t, u.IsActive)
}

func TestSettingsHandlers(t *testing.T) {
	f := newFixture(t)
	body, err := json.Marshal(map[string]any{"value": "30"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPut, "/v1/settings/max_context_messages", bytes.NewReader(body))
	req = withURLParam(req, "key", "max_context_messages")
	rec := httptest.NewRecorder()
	f.srv.SetSettingHandler()(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/settings/max_context_messages", nil)
	req = withURLParam(req, "key", "max_context_messages")
	rec = httptest.NewRecorder()
	f.srv.GetSettingHandler()(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	require.Equal(t, "30", out["value"])

	req = httptest.NewRequest(http.MethodGet, "/v1/settings/nope", nil)
	req = withURLParam(req, "key", "nope")
	rec = httptest.NewRecorder()
	f.srv.GetSettingHandler()(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadyzHandler(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.srv.ReadyzHandler(), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	f.srv.DBCheck = func(context.Context) error { return errors.New("db down") }
	rec = doJSON(t, f.srv.ReadyzHandler(), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
