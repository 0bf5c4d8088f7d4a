package chat

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/set-night/studiochat/internal/config"
	"github.com/set-night/studiochat/internal/domain"
	"github.com/set-night/studiochat/internal/generation"
	"github.com/set-night/studiochat/internal/jobs"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend_FirstMessageCreatesSessionAndTracksJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gen.reply(&generation.ChatResponse{
		Text:           "Here is your logo ad",
		JobID:          "j1",
		GenerationMeta: &generation.GenerationMeta{Total: 1, AspectRatio: "1:1", StyleName: "flat"},
	})
	h.gen.statuses["j1"] = completedStatus("https://cdn/logo.png")

	v := h.open(t, "acme")
	st := v.State()
	require.Len(t, st.Messages, 1)
	assert.True(t, st.Messages[0].Synthetic)
	assert.Zero(t, st.SessionID)
	assert.Equal(t, 0, h.store.ActiveCount("acme"), "session is created lazily")

	require.NoError(t, v.Send(ctx, SendRequest{Text: "Make me a logo ad"}))

	sessionID := v.SessionID()
	require.NotZero(t, sessionID)
	assert.Equal(t, 1, h.store.ActiveCount("acme"))

	msgs, err := h.store.ListMessages(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, config.WelcomeText, msgs[0].Text)
	assert.Equal(t, domain.RoleUser, msgs[1].Role)
	assert.Equal(t, "Make me a logo ad", msgs[1].Text)
	assert.Equal(t, domain.RoleAssistant, msgs[2].Role)

	eventually(t, func() bool { return len(h.attachments(t, sessionID)) == 1 }, "attachment persisted")
	att := h.attachments(t, sessionID)[0]
	assert.Equal(t, msgs[2].ID, att.MessageID)
	assert.Equal(t, "j1", att.Metadata.JobID)
	assert.Equal(t, "Make me a logo ad", att.Metadata.Prompt)
	assert.Equal(t, "flat", att.Metadata.StyleName)

	eventually(t, func() bool {
		st := v.State()
		return len(st.Messages) == 3 && len(st.Messages[2].Attachments) == 1
	}, "attachment applied to the view")
	assert.Equal(t, "https://cdn/logo.png", v.RecentImageRef())
	assert.True(t, h.balance(t, "acme").Equal(decimal.NewFromInt(9)))

	st = v.State()
	assert.Equal(t, ids(msgs), ids(st.Messages))
	for _, m := range st.Messages {
		assert.True(t, m.Confirmed())
	}
}

func TestSend_Rejections(t *testing.T) {
	clk := newClock()
	h := newHarness(t, func(o *Options) {
		o.SendCooldown = 2 * time.Second
		o.Now = clk.Now
	})
	ctx := context.Background()
	v := h.open(t, "acme")

	assert.ErrorIs(t, v.Send(ctx, SendRequest{Text: "   "}), domain.ErrEmptyMessage)

	require.NoError(t, v.Send(ctx, SendRequest{Text: "first"}))
	assert.ErrorIs(t, v.Send(ctx, SendRequest{Text: "too soon"}), domain.ErrCooldown)

	clk.Advance(3 * time.Second)
	h.gen.gate = make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- v.Send(ctx, SendRequest{Text: "slow"}) }()

	eventually(t, func() bool { return v.State().Sending }, "send in flight")
	clk.Advance(3 * time.Second)
	assert.ErrorIs(t, v.Send(ctx, SendRequest{Text: "overlap"}), domain.ErrSendInFlight)

	close(h.gen.gate)
	require.NoError(t, <-done)
	assert.False(t, v.State().Sending)

	msgs, err := h.store.ListMessages(ctx, v.SessionID())
	require.NoError(t, err)
	assert.Len(t, msgs, 5, "welcome plus two turns")
}

func TestSend_HistoryCarriesContextAndImageRef(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gen.reply(&generation.ChatResponse{Text: "done", Image: "https://cdn/inline.png"})

	v := h.open(t, "acme")
	require.NoError(t, v.Send(ctx, SendRequest{Text: "draw a cat"}))
	require.NoError(t, v.Send(ctx, SendRequest{Text: "now bluer", Subject: "brand-kit-7", FreeForm: true}))

	req := h.gen.lastRequest()
	assert.Equal(t, "now bluer", req.NewText)
	assert.Equal(t, "https://cdn/inline.png", req.RecentImageRef)
	require.NotNil(t, req.CreativeContext)
	assert.Equal(t, "brand-kit-7", req.CreativeContext.Subject)
	assert.True(t, req.CreativeContext.FreeForm)

	require.Len(t, req.History, 3)
	assert.Equal(t, "assistant", req.History[0].Role)
	assert.Equal(t, "draw a cat", req.History[1].Text)
	assert.Equal(t, "https://cdn/inline.png", req.History[2].ImageRef)
}

func TestSend_InlineImagePersistedBeforeReturn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gen.reply(&generation.ChatResponse{Text: "here", Image: "https://cdn/inline.png"})

	v := h.open(t, "acme")
	require.NoError(t, v.Send(ctx, SendRequest{Text: "quick sketch"}))

	atts := h.attachments(t, v.SessionID())
	require.Len(t, atts, 1)
	assert.Equal(t, "https://cdn/inline.png", atts[0].URL)

	st := v.State()
	last := st.Messages[len(st.Messages)-1]
	require.Len(t, last.Attachments, 1)
	assert.Equal(t, atts[0].MessageID, last.ID)
	assert.True(t, h.balance(t, "acme").Equal(decimal.NewFromInt(10)), "inline images are not charged as jobs")
}

func TestSend_GenerationFailureAppendsErrorMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gen.chatErr = errors.New("service unavailable")

	v := h.open(t, "acme")
	require.NoError(t, v.Send(ctx, SendRequest{Text: "hello"}))

	st := v.State()
	require.Len(t, st.Messages, 3)
	last := st.Messages[2]
	assert.True(t, last.Synthetic)
	assert.Equal(t, domain.RoleAssistant, last.Role)
	assert.Equal(t, config.ErrorReplyText, last.Text)

	msgs, err := h.store.ListMessages(ctx, v.SessionID())
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "only welcome and user message are stored")

	h.gen.mu.Lock()
	calls := len(h.gen.requests)
	h.gen.mu.Unlock()
	assert.Equal(t, 1, calls, "failed turns are not retried")
}

func TestSend_BatchWithOneFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gen.reply(&generation.ChatResponse{Text: "three variants coming", JobIDs: []string{"a", "b", "c"}})
	h.gen.statuses["a"] = completedStatus("https://cdn/a.png")
	h.gen.statuses["b"] = generation.JobStatus{Status: generation.JobFailed, Error: "filtered"}
	h.gen.statuses["c"] = completedStatus("https://cdn/c.png")

	v := h.open(t, "acme")
	require.NoError(t, v.Send(ctx, SendRequest{Text: "three variants"}))
	sessionID := v.SessionID()

	eventually(t, func() bool { return v.tracker.Pending() == 0 }, "all jobs settled")

	atts := h.attachments(t, sessionID)
	require.Len(t, atts, 2)
	urls := []string{atts[0].URL, atts[1].URL}
	sort.Strings(urls)
	assert.Equal(t, []string{"https://cdn/a.png", "https://cdn/c.png"}, urls)

	var refunds int
	for _, tx := range h.ledger.Transactions("acme") {
		if tx.TxType == domain.TxTypeCredit {
			refunds++
		}
	}
	assert.Equal(t, 1, refunds)
	assert.True(t, h.balance(t, "acme").Equal(decimal.NewFromInt(8)))

	msgs, err := h.store.ListMessages(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{jobs.Notice(domain.JobFailed, true)}, msgs[2].Notices)

	eventually(t, func() bool {
		st := v.State()
		m := st.Messages[len(st.Messages)-1]
		return len(m.Attachments) == 2 && len(m.Notices) == 1
	}, "view shows both images and the notice")
}

func TestSend_DeductionFailureKeepsJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _, err := h.ledger.DeductJobs(ctx, "acme", []string{"x1", "x2", "x3", "x4", "x5", "x6", "x7", "x8", "x9", "x10"})
	require.NoError(t, err)

	h.gen.reply(&generation.ChatResponse{Text: "on it", JobID: "j1"})
	h.gen.statuses["j1"] = completedStatus("https://cdn/j1.png")

	v := h.open(t, "acme")
	require.NoError(t, v.Send(ctx, SendRequest{Text: "one more"}))

	eventually(t, func() bool { return len(h.attachments(t, v.SessionID())) == 1 }, "job still completes")
	assert.True(t, h.balance(t, "acme").IsZero())
	st := v.State()
	assert.False(t, st.Messages[len(st.Messages)-1].Synthetic, "no error message for a failed charge")
}

func TestSend_TitleRefinedAtOneThreeFive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.open(t, "acme")

	for i := 0; i < 6; i++ {
		require.NoError(t, v.Send(ctx, SendRequest{Text: "idea"}))
	}

	eventually(t, func() bool {
		h.gen.mu.Lock()
		defer h.gen.mu.Unlock()
		return len(h.gen.windows) == 3
	}, "three refinements")

	h.gen.mu.Lock()
	sizes := []int{len(h.gen.windows[0]), len(h.gen.windows[1]), len(h.gen.windows[2])}
	h.gen.mu.Unlock()
	sort.Ints(sizes)
	assert.Equal(t, []int{2, 6, 10}, sizes)

	eventually(t, func() bool {
		sess, err := h.store.GetSession(ctx, v.SessionID())
		return err == nil && sess.Title == "Title 10"
	}, "latest refinement wins")
	eventually(t, func() bool { return v.State().Title == "Title 10" }, "view title updated")
}

func TestApplyTitle_DropsStaleRefinement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.open(t, "acme")
	require.NoError(t, v.Send(ctx, SendRequest{Text: "hi"}))
	sessionID := v.SessionID()

	v.applyTitle(ctx, sessionID, 5, "Newer")
	v.applyTitle(ctx, sessionID, 4, "Older")

	sess, err := h.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "Newer", sess.Title)
	assert.Equal(t, "Newer", v.State().Title)
}

func TestSend_CampaignProgressIsTracked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gen.reply(&generation.ChatResponse{Text: "campaign started", CampaignID: "camp-1"})
	h.gen.campaigns = []*domain.Campaign{
		{Status: "processing", TotalImages: 2},
		{Status: "completed", TotalImages: 2, CompletedImages: 2, AssetURLs: []string{"u1", "u2"}},
	}

	v := h.open(t, "acme")
	require.NoError(t, v.Send(ctx, SendRequest{Text: "a whole campaign"}))

	eventually(t, func() bool {
		st := v.State()
		return len(st.Campaigns) == 1 && st.Campaigns[0].Done
	}, "campaign completes")
	assert.Equal(t, []string{"u1", "u2"}, v.State().Campaigns[0].Slots)

	eventually(t, func() bool { return len(v.State().Campaigns) == 0 }, "campaign dismissed after grace")
}

func TestSend_ViewClosedMidTurnChargesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gen.reply(&generation.ChatResponse{Text: "on it", JobID: "j1"})
	h.gen.statuses["j1"] = generation.JobStatus{Status: generation.JobFailed, Error: "filtered"}

	v := h.open(t, "acme")
	gate := make(chan struct{})
	h.gen.mu.Lock()
	h.gen.gate = gate
	h.gen.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- v.Send(ctx, SendRequest{Text: "a fox"}) }()
	eventually(t, func() bool { return v.State().Sending }, "send in flight")

	v.Close()
	close(gate)
	require.NoError(t, <-done)

	assert.Empty(t, h.ledger.Transactions("acme"))
	assert.True(t, h.balance(t, "acme").Equal(decimal.NewFromInt(10)))
	assert.Equal(t, 0, v.tracker.Pending())
}

func TestSubmitJobs_RefundsWhenTrackerStopped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess, msgs := h.seedSession(t, "acme", 1)

	v := h.open(t, "acme")
	require.Equal(t, sess.ID, v.SessionID())
	v.tracker.Close()

	reply := msgs[len(msgs)-1]
	v.submitJobs(ctx, &reply, "a fox", []string{"j1", "j2"}, nil)

	var debits, refunds int
	for _, tx := range h.ledger.Transactions("acme") {
		switch tx.TxType {
		case domain.TxTypeDebit:
			debits++
		case domain.TxTypeCredit:
			refunds++
		}
	}
	assert.Equal(t, 2, debits)
	assert.Equal(t, 2, refunds)
	assert.True(t, h.balance(t, "acme").Equal(decimal.NewFromInt(10)))
	assert.Equal(t, 0, v.tracker.Pending())
}
