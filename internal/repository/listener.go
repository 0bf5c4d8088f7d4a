package repository

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ChangeChannel is the NOTIFY channel written by the messages and
// attachments triggers.
const ChangeChannel = "chat_changes"

// Change is the payload of one store change notification.
type Change struct {
	SessionID int64  `json:"session_id"`
	Table     string `json:"table"`
	Op        string `json:"op"`
}

// changeFeed fans store changes out to per-session subscribers.
type changeFeed struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[int64]map[uint64]func(Change)
}

func newChangeFeed() *changeFeed {
	return &changeFeed{subs: make(map[int64]map[uint64]func(Change))}
}

// Subscribe registers fn for changes touching sessionID and returns a
// function that removes the subscription.
func (f *changeFeed) Subscribe(sessionID int64, fn func(Change)) func() {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	if f.subs[sessionID] == nil {
		f.subs[sessionID] = make(map[uint64]func(Change))
	}
	f.subs[sessionID][id] = fn
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs[sessionID], id)
			if len(f.subs[sessionID]) == 0 {
				delete(f.subs, sessionID)
			}
			f.mu.Unlock()
		})
	}
}

func (f *changeFeed) dispatch(c Change) {
	f.mu.RLock()
	fns := make([]func(Change), 0, len(f.subs[c.SessionID]))
	for _, fn := range f.subs[c.SessionID] {
		fns = append(fns, fn)
	}
	f.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}

// Listener turns Postgres NOTIFY events into per-session change callbacks.
type Listener struct {
	*changeFeed
	db      *pgxpool.Pool
	backoff time.Duration
}

func NewListener(db *pgxpool.Pool, backoff time.Duration) *Listener {
	return &Listener{changeFeed: newChangeFeed(), db: db, backoff: backoff}
}

// Run holds one pooled connection in LISTEN mode until ctx is done,
// reconnecting after failures.
func (l *Listener) Run(ctx context.Context) {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		slog.Error("store change listener stopped", "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.backoff):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.db.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		return err
	}
	slog.Info("listening for store changes", "channel", ChangeChannel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var c Change
		if err := json.Unmarshal([]byte(n.Payload), &c); err != nil {
			slog.Warn("malformed store change payload", "payload", n.Payload, "error", err)
			continue
		}
		if c.SessionID == 0 {
			continue
		}
		l.dispatch(c)
	}
}
