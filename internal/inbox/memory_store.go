package inbox

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agentcoin/marketplace/internal/idgen"
)

// MemoryStore is an in-memory Store for unit tests.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]*Message // recipient address -> messages, newest last
	byID     map[string]*Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string][]*Message),
		byID:     make(map[string]*Message),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = idgen.WithPrefix("msg_")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	addr := strings.ToLower(msg.RecipientAddr)
	cp := *msg
	m.messages[addr] = append(m.messages[addr], &cp)
	m.byID[msg.ID] = &cp
	msg.CreatedAt = cp.CreatedAt
	return nil
}

func (m *MemoryStore) ListForAgent(ctx context.Context, recipientAddr string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.messages[strings.ToLower(recipientAddr)]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]*Message, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) MarkRead(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.byID[id]
	if !ok {
		return nil
	}
	now := time.Now()
	msg.ReadAt = &now
	return nil
}
