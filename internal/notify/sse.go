package notify

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
)

// clientBuffer is how many frames a stream may lag behind before it is
// dropped.
const clientBuffer = 32

// Client is one connected event stream.
type Client struct {
	ID   string
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// Broadcaster pushes updates of one view to its Server-Sent Events streams.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string]*Client
	nextID  int
	closed  bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[string]*Client)}
}

func (b *Broadcaster) AddClient() *Client {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	c := &Client{
		ID:   fmt.Sprintf("client-%d", b.nextID),
		ch:   make(chan []byte, clientBuffer),
		done: make(chan struct{}),
	}
	if b.closed {
		c.close()
		return c
	}
	b.clients[c.ID] = c
	slog.Debug("sse client connected", "client_id", c.ID, "clients", len(b.clients))
	return c
}

func (b *Broadcaster) RemoveClient(c *Client) {
	b.mu.Lock()
	delete(b.clients, c.ID)
	b.mu.Unlock()
	c.close()
}

// Broadcast queues one event frame for every client. A client whose queue is
// full is disconnected instead of blocking the caller.
func (b *Broadcaster) Broadcast(event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		slog.Error("marshal sse payload", "event", event, "error", err)
		return
	}
	frame := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, payload))

	b.mu.RLock()
	var slow []*Client
	for _, c := range b.clients {
		select {
		case c.ch <- frame:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		slog.Warn("sse client too slow, disconnecting", "client_id", c.ID)
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects every stream; later clients are closed immediately.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	clients := b.clients
	b.clients = make(map[string]*Client)
	b.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// HandleSSE streams events to w until the request ends or the client is
// removed.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	c := b.AddClient()
	defer b.RemoveClient(c)

	fmt.Fprintf(w, "event: connected\ndata: {\"clientId\":%q}\n\n", c.ID)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-c.done:
			return
		case frame := <-c.ch:
			if _, err := w.Write(frame); err != nil {
				slog.Debug("sse write failed", "client_id", c.ID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
