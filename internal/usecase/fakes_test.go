package usecase

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-chat-bot/internal/domain"
)

// In-memory fakes shared by the package tests.

type memMessages struct {
	mu   sync.Mutex
	seq  int
	rows []domain.Message
}

func (m *memMessages) Create(_ domain.Context, msg domain.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	msg.ID = fmt.Sprintf("msg-%d", m.seq)
	m.rows = append(m.rows, msg)
	return msg.ID, nil
}

func (m *memMessages) ListRecent(_ domain.Context, userID string, limit int) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Message
	for _, r := range m.rows {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memMessages) DeleteAllForUser(_ domain.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []domain.Message
	var n int64
	for _, r := range m.rows {
		if r.UserID == userID {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.rows = kept
	return n, nil
}

func (m *memMessages) CountForUser(_ domain.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.rows {
		if r.UserID == userID {
			n++
		}
	}
	return n, nil
}

type memSettings struct {
	mu   sync.Mutex
	rows map[string]domain.Setting
}

func (m *memSettings) Get(_ domain.Context, key string) (domain.Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[key]
	if !ok {
		return domain.Setting{}, fmt.Errorf("%w: setting %s", domain.ErrNotFound, key)
	}
	return s, nil
}

func (m *memSettings) Set(_ domain.Context, s domain.Setting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows == nil {
		m.rows = make(map[string]domain.Setting)
	}
	m.rows[s.Key] = s
	return nil
}

type memUsage struct {
	mu   sync.Mutex
	seq  int
	rows []domain.UsageRecord
}

func (m *memUsage) Create(_ domain.Context, u domain.UsageRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	u.ID = fmt.Sprintf("usage-%d", m.seq)
	m.rows = append(m.rows, u)
	return u.ID, nil
}

func (m *memUsage) Aggregate(_ domain.Context, userID string, start, end *time.Time) (domain.UsageTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var t domain.UsageTotals
	for _, r := range m.rows {
		if userID != "" && r.UserID != userID {
			continue
		}
		if start != nil && r.CreatedAt.Before(*start) {
			continue
		}
		if end != nil && r.CreatedAt.After(*end) {
			continue
		}
		t.Requests++
		t.Tokens += int64(r.Tokens)
		t.Cost += r.Cost
	}
	return t, nil
}

type memKeys struct {
	mu   sync.Mutex
	seq  int
	rows map[string]domain.AccessKey
}

func (m *memKeys) Create(_ domain.Context, k domain.AccessKey) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows == nil {
		m.rows = make(map[string]domain.AccessKey)
	}
	m.seq++
	k.ID = fmt.Sprintf("key-%d", m.seq)
	m.rows[k.ID] = k
	return k.ID, nil
}

func (m *memKeys) List(_ domain.Context) ([]domain.AccessKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AccessKey, 0, len(m.rows))
	for _, k := range m.rows {
		out = append(out, k)
	}
	return out, nil
}

func (m *memKeys) Get(_ domain.Context, id string) (domain.AccessKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.rows[id]
	if !ok {
		return domain.AccessKey{}, fmt.Errorf("%w: key %s", domain.ErrNotFound, id)
	}
	return k, nil
}

func (m *memKeys) Update(_ domain.Context, k domain.AccessKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[k.ID]; !ok {
		return fmt.Errorf("%w: key %s", domain.ErrNotFound, k.ID)
	}
	m.rows[k.ID] = k
	return nil
}

type memUsers struct {
	mu   sync.Mutex
	seq  int
	rows map[string]domain.User
}

func (m *memUsers) Create(_ domain.Context, u domain.User) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows == nil {
		m.rows = make(map[string]domain.User)
	}
	m.seq++
	u.ID = fmt.Sprintf("user-%d", m.seq)
	m.rows[u.ID] = u
	return u.ID, nil
}

func (m *memUsers) GetByTelegramID(_ domain.Context, telegramID int64) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.rows {
		if u.TelegramID == telegramID {
			return u, nil
		}
	}
	return domain.User{}, fmt.Errorf("%w: telegram id %d", domain.ErrNotFound, telegramID)
}

func (m *memUsers) Update(_ domain.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[u.ID]; !ok {
		return fmt.Errorf("%w: user %s", domain.ErrNotFound, u.ID)
	}
	m.rows[u.ID] = u
	return nil
}

func (m *memUsers) List(_ domain.Context) ([]domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.User, 0, len(m.rows))
	for _, u := range m.rows {
		out = append(out, u)
	}
	return out, nil
}

// fakeAI scripts the provider layer.
type fakeAI struct {
	resp     domain.AIResponse
	err      error
	lastMsgs []domain.AIMessage
	lastOpts domain.AIRequestOptions
	calls    int
}

func (f *fakeAI) SendMessage(_ domain.Context, msgs []domain.AIMessage, opts domain.AIRequestOptions) (domain.AIResponse, error) {
	f.calls++
	f.lastMsgs = msgs
	f.lastOpts = opts
	if f.err != nil {
		return domain.AIResponse{}, f.err
	}
	return f.resp, nil
}

func (f *fakeAI) AnalyzeImage(ctx domain.Context, _, _ string, opts domain.AIRequestOptions) (domain.AIResponse, error) {
	return f.SendMessage(ctx, nil, opts)
}

func (f *fakeAI) ProcessTextFile(ctx domain.Context, _, _ string, opts domain.AIRequestOptions) (domain.AIResponse, error) {
	return f.SendMessage(ctx, nil, opts)
}

func (f *fakeAI) CalculateCost(promptTokens, completionTokens int, _ string, _ domain.Provider) float64 {
	return float64(promptTokens+completionTokens) / 1000
}

func (f *fakeAI) Models(_ domain.Context, _ domain.Provider) ([]domain.ModelInfo, error) {
	return nil, nil
}

func (f *fakeAI) HealthCheckAll(_ domain.Context) map[domain.Provider]bool { return nil }

type capturedPublish struct {
	mu   sync.Mutex
	recs []domain.UsageRecord
	err  error
}

func (p *capturedPublish) PublishUsage(_ domain.Context, u domain.UsageRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.recs = append(p.recs, u)
	return nil
}
