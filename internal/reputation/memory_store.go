package reputation

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for unit tests.
type MemoryStore struct {
	mu     sync.RWMutex
	scores map[string]*Score
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scores: make(map[string]*Score)}
}

func (m *MemoryStore) Get(ctx context.Context, agentAddr string) (*Score, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scores[agentAddr]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, agentAddr string, newValue float64, jobsCompleted int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[agentAddr] = &Score{
		AgentAddr:     agentAddr,
		Value:         newValue,
		Tier:          tierFor(newValue),
		JobsCompleted: jobsCompleted,
	}
	return nil
}
