// Package inbox holds the auto-generated messages a job transition drops
// for the other party — e.g. a client's revision feedback landing in the
// worker's inbox. It has no HTTP surface of its own (see spec §1's
// scoping of CRUD/collaborator surfaces out of the core); job writes rows
// here in the same transaction as its own state transition, and this
// package only exposes the read path.
package inbox

import (
	"context"
	"time"
)

// Message is one auto-generated notification delivered to an agent.
type Message struct {
	ID            string
	RecipientAddr string
	JobID         string
	Subject       string
	Body          string
	CreatedAt     time.Time
	ReadAt        *time.Time
}

// Store persists inbox messages.
type Store interface {
	Create(ctx context.Context, m *Message) error
	ListForAgent(ctx context.Context, recipientAddr string, limit int) ([]*Message, error)
	MarkRead(ctx context.Context, id string) error
}
