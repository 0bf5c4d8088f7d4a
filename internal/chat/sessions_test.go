package chat

import (
	"context"
	"testing"
	"time"

	"github.com/set-night/studiochat/internal/domain"
	"github.com/set-night/studiochat/internal/generation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReset_ReturnsToWelcomeAndSiblingFollows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.open(t, "acme")
	require.NoError(t, a.Send(ctx, SendRequest{Text: "hello"}))
	first := a.SessionID()

	b := h.open(t, "acme")
	require.Equal(t, first, b.SessionID())

	require.NoError(t, a.Reset(ctx))
	assert.Zero(t, a.SessionID())
	assert.Equal(t, 0, h.store.ActiveCount("acme"))
	require.Len(t, a.State().Messages, 1)
	assert.True(t, a.State().Messages[0].Synthetic)

	pointer, err := h.cache.LastSession(ctx, "acme")
	require.NoError(t, err)
	assert.Zero(t, pointer)

	eventually(t, func() bool { return b.SessionID() == 0 }, "sibling view follows the reset")

	sess, err := h.store.GetSession(ctx, first)
	require.NoError(t, err, "reset deactivates, it does not delete")
	assert.False(t, sess.IsActive)

	require.NoError(t, a.Send(ctx, SendRequest{Text: "fresh start"}))
	assert.NotEqual(t, first, a.SessionID())
	assert.Equal(t, 1, h.store.ActiveCount("acme"))
}

func TestSwitch_ActivatesOtherSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	old, msgs := h.seedSession(t, "acme", 2)
	v := h.open(t, "acme")
	require.Equal(t, old.ID, v.SessionID())

	require.NoError(t, v.Reset(ctx))
	require.NoError(t, v.Send(ctx, SendRequest{Text: "new topic"}))
	require.NotEqual(t, old.ID, v.SessionID())

	require.NoError(t, v.Switch(ctx, old.ID))
	assert.Equal(t, old.ID, v.SessionID())
	assert.Equal(t, ids(msgs), ids(v.State().Messages))
	assert.Equal(t, 1, h.store.ActiveCount("acme"))

	sess, err := h.store.GetSession(ctx, old.ID)
	require.NoError(t, err)
	assert.True(t, sess.IsActive)

	foreign, _ := h.seedSession(t, "globex", 1)
	assert.ErrorIs(t, v.Switch(ctx, foreign.ID), domain.ErrSessionNotFound)
}

func TestDeleteSession_CascadesAndUnbinds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gen.reply(&generation.ChatResponse{Text: "here", Image: "https://cdn/s.png"})
	v := h.open(t, "acme")
	require.NoError(t, v.Send(ctx, SendRequest{Text: "sketch"}))
	sessionID := v.SessionID()
	require.Len(t, h.attachments(t, sessionID), 1)

	foreign, _ := h.seedSession(t, "globex", 1)
	assert.ErrorIs(t, v.DeleteSession(ctx, foreign.ID), domain.ErrSessionNotFound)

	require.NoError(t, v.DeleteSession(ctx, sessionID))
	_, err := h.store.GetSession(ctx, sessionID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Empty(t, h.attachments(t, sessionID))
	assert.Zero(t, v.SessionID())

	snap, err := h.cache.LoadSnapshot(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSessions_AtMostOneActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.open(t, "acme")

	for i := 0; i < 4; i++ {
		require.NoError(t, v.Send(ctx, SendRequest{Text: "turn"}))
		assert.LessOrEqual(t, h.store.ActiveCount("acme"), 1)
		require.NoError(t, v.Reset(ctx))
		assert.LessOrEqual(t, h.store.ActiveCount("acme"), 1)
	}

	sessions, err := h.svc.ListSessions(ctx, "acme", 10, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 4)
	require.NoError(t, v.Switch(ctx, sessions[2].ID))
	assert.Equal(t, 1, h.store.ActiveCount("acme"))
}

func TestSessionOps_RejectedWhileSending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.open(t, "acme")

	gate := make(chan struct{})
	h.gen.mu.Lock()
	h.gen.gate = gate
	h.gen.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- v.Send(ctx, SendRequest{Text: "slow"}) }()
	eventually(t, func() bool { return v.State().Sending }, "send in flight")

	assert.ErrorIs(t, v.Reset(ctx), domain.ErrSendInFlight)
	assert.ErrorIs(t, v.Switch(ctx, 1), domain.ErrSendInFlight)

	close(gate)
	require.NoError(t, <-done)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, v.Reset(ctx))
}
