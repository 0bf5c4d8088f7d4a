package notify

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_DeliversToOwnerOnly(t *testing.T) {
	h := NewHub()

	var (
		mu  sync.Mutex
		got []Event
	)
	cancel := h.Subscribe("acme", func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	h.Subscribe("other", func(Event) { t.Error("unexpected delivery to other owner") })

	require.NoError(t, h.Publish(context.Background(), Event{OwnerContextID: "acme", Kind: KindAttachment}))
	require.Len(t, got, 1)
	assert.Equal(t, KindAttachment, got[0].Kind)

	cancel()
	cancel()
	assert.Equal(t, 0, h.SubscriberCount("acme"))

	require.NoError(t, h.Publish(context.Background(), Event{OwnerContextID: "acme", Kind: KindMessage}))
	assert.Len(t, got, 1)
}

func TestHub_MultipleSubscribers(t *testing.T) {
	h := NewHub()
	count := 0
	for i := 0; i < 3; i++ {
		h.Subscribe("acme", func(Event) { count++ })
	}
	h.Deliver(Event{OwnerContextID: "acme"})
	assert.Equal(t, 3, count)
	assert.Equal(t, 3, h.SubscriberCount("acme"))
}
