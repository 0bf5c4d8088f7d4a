package cache

import (
	"context"
	"testing"
	"time"

	"github.com/set-night/studiochat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "studio:snapshot:acme", snapshotKey("acme"))
	assert.Equal(t, "studio:last_session:acme", pointerKey("acme"))
	assert.Equal(t, "studio:rate:acme:7", rateKey("acme", 7))
}

func TestSnapshotCodecKeepsOrderAndAttachments(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	snap := &domain.Snapshot{
		SessionID: 7,
		Messages: []domain.Message{
			{ID: 1, SessionID: 7, Role: domain.RoleAssistant, Text: "hi", CreatedAt: created},
			{LocalID: "local-1", Role: domain.RoleUser, Text: "logo", CreatedAt: created.Add(time.Second)},
			{ID: 3, SessionID: 7, Role: domain.RoleAssistant, Text: "here", CreatedAt: created.Add(2 * time.Second),
				Attachments: []domain.Attachment{{ID: 9, MessageID: 3, URL: "https://cdn/x.png", Type: "image"}}},
		},
		LastSyncedAt: created,
	}

	data, err := EncodeSnapshot(snap)
	require.NoError(t, err)
	got, err := DecodeSnapshot(data)
	require.NoError(t, err)

	require.Len(t, got.Messages, 3)
	assert.Equal(t, "local-1", got.Messages[1].LocalID)
	assert.Equal(t, "https://cdn/x.png", got.Messages[2].LastImageURL())
	assert.True(t, got.HasContent())
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	snap, err := m.LoadSnapshot(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, snap)

	require.NoError(t, m.SaveSnapshot(ctx, "acme", &domain.Snapshot{SessionID: 4, Messages: []domain.Message{{ID: 1}}}))
	snap, err = m.LoadSnapshot(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.SessionID)

	require.NoError(t, m.ClearSnapshot(ctx, "acme"))
	snap, err = m.LoadSnapshot(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, snap)

	require.NoError(t, m.SetLastSession(ctx, "acme", 12))
	id, err := m.LastSession(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)
	require.NoError(t, m.SetLastSession(ctx, "acme", 0))
	id, _ = m.LastSession(ctx, "acme")
	assert.Zero(t, id)

	now := time.Unix(600, 0)
	n, _ := m.Hit(ctx, "acme", now)
	assert.Equal(t, 1, n)
	n, _ = m.Hit(ctx, "acme", now.Add(10*time.Second))
	assert.Equal(t, 2, n)
	n, _ = m.Hit(ctx, "acme", now.Add(time.Minute))
	assert.Equal(t, 1, n)
}
