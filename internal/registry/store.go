package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agentcoin/marketplace/internal/amount"
)

// Store defines the persistence interface for the fields the core reads
// and writes. Full CRUD, discovery, and catalog search are an external
// collaborator's surface and are not modeled here.
type Store interface {
	GetAgent(ctx context.Context, address string) (*Agent, error)
	SetAgentStatus(ctx context.Context, address string, status Status) error
	IncrementWorkerStats(ctx context.Context, address string, earned amount.Amount) error
	IncrementClientStats(ctx context.Context, address string, spent amount.Amount) error

	GetService(ctx context.Context, id string) (*Service, error)
}

// MemoryStore is a thread-safe in-memory Store for unit tests and local
// development seeding.
type MemoryStore struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	services map[string]*Service
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   make(map[string]*Agent),
		services: make(map[string]*Service),
	}
}

var _ Store = (*MemoryStore)(nil)

// SeedAgent inserts or replaces an agent, for test/dev setup.
func (m *MemoryStore) SeedAgent(a *Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.Address = strings.ToLower(a.Address)
	m.agents[a.Address] = a
}

// SeedService inserts or replaces a service, for test/dev setup.
func (m *MemoryStore) SeedService(s *Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.AgentAddress = strings.ToLower(s.AgentAddress)
	m.services[s.ID] = s
}

func (m *MemoryStore) GetAgent(ctx context.Context, address string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[strings.ToLower(address)]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) SetAgentStatus(ctx context.Context, address string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[strings.ToLower(address)]
	if !ok {
		return ErrAgentNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) IncrementWorkerStats(ctx context.Context, address string, earned amount.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[strings.ToLower(address)]
	if !ok {
		return ErrAgentNotFound
	}
	a.JobsCompleted++
	a.TotalEarned = a.TotalEarned.Add(earned)
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) IncrementClientStats(ctx context.Context, address string, spent amount.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[strings.ToLower(address)]
	if !ok {
		return ErrAgentNotFound
	}
	a.JobsHired++
	a.TotalSpent = a.TotalSpent.Add(spent)
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetService(ctx context.Context, id string) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services[id]
	if !ok {
		return nil, ErrServiceNotFound
	}
	cp := *s
	return &cp, nil
}
