package verifier

import (
	"context"
	"sync"
	"time"

	"github.com/agentcoin/marketplace/internal/amount"
	"github.com/agentcoin/marketplace/internal/idgen"
)

// MemoryStore is an in-memory Store for unit tests.
type MemoryStore struct {
	mu       sync.Mutex
	payments map[string]*Payment // tx_hash -> payment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*Payment)}
}

func (m *MemoryStore) GetByTxHash(ctx context.Context, txHash string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[txHash]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Create(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.TxHash]; ok {
		return nil
	}
	p.ID = idgen.WithPrefix("pay_")
	p.CreatedAt = time.Now()
	cp := *p
	m.payments[p.TxHash] = &cp
	return nil
}

func (m *MemoryStore) MarkVerified(ctx context.Context, txHash string, actual amount.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[txHash]
	if !ok {
		return nil
	}
	p.Status = StatusVerified
	p.ActualAmount = actual
	now := time.Now()
	p.VerifiedAt = &now
	return nil
}

func (m *MemoryStore) MarkCredited(ctx context.Context, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[txHash]
	if !ok {
		return nil
	}
	p.Status = StatusCredited
	now := time.Now()
	p.CreditedAt = &now
	return nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, txHash, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[txHash]
	if !ok {
		return nil
	}
	p.Status = StatusFailed
	p.FailureReason = reason
	return nil
}
