package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/agentcoin/marketplace/internal/amount"
	"github.com/agentcoin/marketplace/internal/idgen"
)

// MemoryStore is an in-memory ledger store for unit tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*Balance
	entries  []*Entry
	credits  map[string]bool // tx_hash -> seen
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		credits:  make(map[string]bool),
	}
}

func (m *MemoryStore) balanceLocked(agentAddr string) *Balance {
	bal, ok := m.balances[agentAddr]
	if !ok {
		bal = &Balance{AgentAddr: agentAddr, Available: amount.Zero(), Escrow: amount.Zero(), UpdatedAt: time.Now()}
		m.balances[agentAddr] = bal
	}
	return bal
}

func (m *MemoryStore) GetBalance(ctx context.Context, agentAddr string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if bal, ok := m.balances[agentAddr]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{AgentAddr: agentAddr, Available: amount.Zero(), Escrow: amount.Zero(), UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, agentAddr string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.entries[i]
		if e.AgentAddr == agentAddr || e.Counterparty == agentAddr {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) HasCredit(ctx context.Context, txHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.credits[txHash], nil
}

func (m *MemoryStore) append(e *Entry) {
	e.ID = idgen.WithPrefix("entry_")
	e.CreatedAt = time.Now()
	m.entries = append(m.entries, e)
}

func (m *MemoryStore) Credit(ctx context.Context, agentAddr string, amt amount.Amount, txHash, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if txHash != "" && m.credits[txHash] {
		return ErrDuplicateCredit
	}

	bal := m.balanceLocked(agentAddr)
	bal.Available = bal.Available.Add(amt)
	bal.UpdatedAt = time.Now()

	if txHash != "" {
		m.credits[txHash] = true
	}
	m.append(&Entry{AgentAddr: agentAddr, Type: EntryCredit, Amount: amt, Reference: reference, TxHash: txHash})
	return nil
}

func (m *MemoryStore) LockEscrow(ctx context.Context, agentAddr string, amt amount.Amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balanceLocked(agentAddr)
	if bal.Available.LessThan(amt) {
		return ErrInsufficientBalance
	}
	bal.Available = bal.Available.Sub(amt)
	bal.Escrow = bal.Escrow.Add(amt)
	bal.UpdatedAt = time.Now()

	m.append(&Entry{AgentAddr: agentAddr, Type: EntryEscrowLock, Amount: amt, Reference: reference})
	return nil
}

func (m *MemoryStore) ReleaseEscrow(ctx context.Context, fromAddr, toAddr string, amt amount.Amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.balanceLocked(fromAddr)
	if from.Escrow.LessThan(amt) {
		return ErrInsufficientEscrow
	}
	to := m.balanceLocked(toAddr)

	from.Escrow = from.Escrow.Sub(amt)
	from.UpdatedAt = time.Now()
	to.Available = to.Available.Add(amt)
	to.UpdatedAt = time.Now()

	m.append(&Entry{AgentAddr: fromAddr, Type: EntryEscrowRelease, Amount: amt, Reference: reference, Counterparty: toAddr})
	return nil
}

func (m *MemoryStore) RefundEscrow(ctx context.Context, agentAddr string, amt amount.Amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balanceLocked(agentAddr)
	if bal.Escrow.LessThan(amt) {
		return ErrInsufficientEscrow
	}
	bal.Escrow = bal.Escrow.Sub(amt)
	bal.Available = bal.Available.Add(amt)
	bal.UpdatedAt = time.Now()

	m.append(&Entry{AgentAddr: agentAddr, Type: EntryEscrowRefund, Amount: amt, Reference: reference})
	return nil
}
