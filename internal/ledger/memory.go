package ledger

import (
	"context"
	"sync"
	"time"
)

// Memory is the in-process Ledger. Records do not survive a restart.
type Memory struct {
	mu     sync.Mutex
	window time.Duration
	last   map[int]time.Time
}

func NewMemory(window time.Duration) *Memory {
	return &Memory{window: window, last: make(map[int]time.Time)}
}

func (m *Memory) Claim(_ context.Context, taskID int, now time.Time) (Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.last[taskID]; ok && now.Sub(last) < m.window {
		return Claim{Last: last}, nil
	}
	m.last[taskID] = now
	return Claim{Claimed: true}, nil
}

func (m *Memory) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, last := range m.last {
		if now.Sub(last) >= m.window {
			delete(m.last, id)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Size(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.last), nil
}

var _ Ledger = (*Memory)(nil)
