package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/set-night/studiochat/internal/billing"
	"github.com/set-night/studiochat/internal/cache"
	"github.com/set-night/studiochat/internal/domain"
	"github.com/set-night/studiochat/internal/generation"
	"github.com/set-night/studiochat/internal/notify"
	"github.com/set-night/studiochat/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	mu        sync.Mutex
	replies   []*generation.ChatResponse
	chatErr   error
	requests  []generation.ChatRequest
	statuses  map[string]generation.JobStatus
	campaigns []*domain.Campaign
	polls     int
	windows   [][]string
	gate      chan struct{}
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{statuses: make(map[string]generation.JobStatus)}
}

func (g *fakeGenerator) reply(r *generation.ChatResponse) {
	g.mu.Lock()
	g.replies = append(g.replies, r)
	g.mu.Unlock()
}

func (g *fakeGenerator) Chat(_ context.Context, req generation.ChatRequest) (*generation.ChatResponse, error) {
	g.mu.Lock()
	gate := g.gate
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.chatErr != nil {
		return nil, g.chatErr
	}
	if len(g.replies) == 0 {
		return &generation.ChatResponse{Text: "ok"}, nil
	}
	r := g.replies[0]
	g.replies = g.replies[1:]
	return r, nil
}

func (g *fakeGenerator) JobStatus(_ context.Context, id string) (*generation.JobStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.statuses[id]
	if !ok {
		return &generation.JobStatus{Status: generation.JobProcessing}, nil
	}
	return &st, nil
}

func (g *fakeGenerator) CampaignStatus(_ context.Context, id string) (*domain.Campaign, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.campaigns) == 0 {
		return nil, fmt.Errorf("unknown campaign %s", id)
	}
	n := g.polls
	if n >= len(g.campaigns) {
		n = len(g.campaigns) - 1
	}
	g.polls++
	c := *g.campaigns[n]
	c.ID = id
	return &c, nil
}

func (g *fakeGenerator) GenerateTitle(_ context.Context, window []string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.windows = append(g.windows, window)
	return fmt.Sprintf("Title %d", len(window)), nil
}

func (g *fakeGenerator) lastRequest() generation.ChatRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

func completedStatus(url string) generation.JobStatus {
	return generation.JobStatus{Status: generation.JobCompleted, Asset: &generation.Asset{Content: url}}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store  *repository.MemoryStore
	cache  *cache.Memory
	ledger *billing.MemoryLedger
	hub    *notify.Hub
	gen    *fakeGenerator
	svc    *Service
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()

	h := &harness{
		store:  repository.NewMemoryStore(),
		cache:  cache.NewMemory(),
		ledger: billing.NewMemoryLedger(decimal.NewFromInt(1), decimal.NewFromInt(10)),
		hub:    notify.NewHub(),
		gen:    newFakeGenerator(),
	}
	opts := Options{
		JobPollInterval:      2 * time.Millisecond,
		JobMaxAttempts:       200,
		CampaignPollInterval: 2 * time.Millisecond,
		CampaignGrace:        20 * time.Millisecond,
		ReloadDebounce:       10 * time.Millisecond,
		IdleTimeout:          time.Minute,
	}
	for _, m := range mutate {
		m(&opts)
	}
	h.svc = NewService(Deps{
		Store:     h.store,
		Changes:   h.store,
		Cache:     h.cache,
		Generator: h.gen,
		Ledger:    h.ledger,
		Bus:       h.hub,
	}, opts)
	t.Cleanup(h.svc.Close)
	return h
}

func (h *harness) open(t *testing.T, owner string) *View {
	t.Helper()
	v, err := h.svc.Open(context.Background(), owner)
	require.NoError(t, err)
	return v
}

// seedSession stores a session with n user/assistant message pairs.
func (h *harness) seedSession(t *testing.T, owner string, pairs int) (*domain.Session, []domain.Message) {
	t.Helper()
	ctx := context.Background()

	sess, err := h.store.CreateSession(ctx, owner, "seeded")
	require.NoError(t, err)
	for i := 0; i < pairs; i++ {
		_, err := h.store.AddMessage(ctx, sess.ID, domain.RoleUser, fmt.Sprintf("question %d", i))
		require.NoError(t, err)
		_, err = h.store.AddMessage(ctx, sess.ID, domain.RoleAssistant, fmt.Sprintf("answer %d", i))
		require.NoError(t, err)
	}
	msgs, err := h.store.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	return sess, msgs
}

func (h *harness) balance(t *testing.T, owner string) decimal.Decimal {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), owner)
	require.NoError(t, err)
	return b
}

func (h *harness) attachments(t *testing.T, sessionID int64) []domain.Attachment {
	t.Helper()
	atts, err := h.store.ListAttachments(context.Background(), sessionID)
	require.NoError(t, err)
	return atts
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond, msg)
}

func ids(msgs []domain.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
