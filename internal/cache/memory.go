package cache

import (
	"context"
	"sync"
	"time"

	"github.com/set-night/studiochat/internal/domain"
)

// Memory is an in-process cache used when no Redis URL is configured.
// Snapshots are stored encoded so callers never share slices with it.
type Memory struct {
	mu        sync.Mutex
	snapshots map[string][]byte
	pointers  map[string]int64
	counters  map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		snapshots: make(map[string][]byte),
		pointers:  make(map[string]int64),
		counters:  make(map[string]int),
	}
}

func (m *Memory) LoadSnapshot(_ context.Context, owner string) (*domain.Snapshot, error) {
	m.mu.Lock()
	data, ok := m.snapshots[owner]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return DecodeSnapshot(data)
}

func (m *Memory) SaveSnapshot(_ context.Context, owner string, snap *domain.Snapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.snapshots[owner] = data
	m.mu.Unlock()
	return nil
}

func (m *Memory) ClearSnapshot(_ context.Context, owner string) error {
	m.mu.Lock()
	delete(m.snapshots, owner)
	m.mu.Unlock()
	return nil
}

func (m *Memory) LastSession(_ context.Context, owner string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pointers[owner], nil
}

func (m *Memory) SetLastSession(_ context.Context, owner string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == 0 {
		delete(m.pointers, owner)
		return nil
	}
	m.pointers[owner] = id
	return nil
}

func (m *Memory) Hit(_ context.Context, owner string, now time.Time) (int, error) {
	key := rateKey(owner, now.Unix()/60)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}
