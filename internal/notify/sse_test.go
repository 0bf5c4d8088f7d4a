package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_StreamsEvents(t *testing.T) {
	b := NewBroadcaster()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.HandleSSE(rec, req)
	}()

	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, time.Millisecond)
	b.Broadcast("transcript", map[string]int{"messages": 2})

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, body, "event: connected")
	assert.Contains(t, body, "event: transcript\ndata: {\"messages\":2}\n\n")
	assert.Equal(t, 0, b.ClientCount())
}

func TestBroadcaster_CloseEndsStreams(t *testing.T) {
	b := NewBroadcaster()

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.HandleSSE(rec, req)
	}()

	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, time.Millisecond)
	b.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not end after Close")
	}

	c := b.AddClient()
	select {
	case <-c.done:
	default:
		t.Fatal("client added after Close must be closed")
	}
}

func TestBroadcaster_DropsSlowClient(t *testing.T) {
	b := NewBroadcaster()
	c := b.AddClient()

	for i := 0; i < clientBuffer+1; i++ {
		b.Broadcast("tick", i)
	}

	assert.Equal(t, 0, b.ClientCount())
	select {
	case <-c.done:
	default:
		t.Fatal("slow client must be disconnected")
	}
}
