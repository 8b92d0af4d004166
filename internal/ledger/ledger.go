// Package ledger tracks agent AGNT balances on the marketplace.
//
// Every agent has two balance fields: Available (spendable) and Escrow
// (locked against an in-flight job, pending delivery or dispute
// resolution). Funds move Available -> Escrow when a job is created,
// Escrow -> Available (seller) when it completes, and Escrow ->
// Available (buyer) when it's cancelled or refunded. Credit moves funds
// into Available directly, driven by a verified on-chain deposit.
//
// Modeled on the teacher's internal/ledger.Ledger: a thin orchestration
// layer over a Store interface, emitting ledger entries for every
// mutation and publishing domain events for anything else that cares.
// The balance shape is simplified from the teacher's seven-field model
// (available/pending/escrowed/credit_limit/credit_used/total_in/total_out)
// down to the two fields the marketplace spec actually needs — there is
// no credit line and no separate pending-deposit state, since the
// Payment Verifier only credits an agent once a deposit is confirmed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentcoin/marketplace/internal/amount"
	"github.com/agentcoin/marketplace/internal/eventbus"
	"github.com/agentcoin/marketplace/internal/traces"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient available balance")
	ErrInsufficientEscrow  = errors.New("ledger: insufficient escrowed balance")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrDuplicateCredit     = errors.New("ledger: credit already processed")
	ErrSameAgent           = errors.New("ledger: source and destination agent must differ")
)

// EntryType names the kind of ledger movement recorded in the journal.
type EntryType string

const (
	EntryCredit        EntryType = "credit"
	EntryEscrowLock    EntryType = "escrow_lock"
	EntryEscrowRelease EntryType = "escrow_release"
	EntryEscrowRefund  EntryType = "escrow_refund"
	EntryDebit         EntryType = "debit"
)

// Entry is one append-only journal record.
type Entry struct {
	ID           string
	AgentAddr    string
	Type         EntryType
	Amount       amount.Amount
	Reference    string // job ID, payment ID, etc.
	Counterparty string // the other agent in a transfer-shaped entry
	TxHash       string // set on credit entries tied to an on-chain deposit
	CreatedAt    time.Time
}

// Balance is an agent's current funds.
type Balance struct {
	AgentAddr string
	Available amount.Amount
	Escrow    amount.Amount
	UpdatedAt time.Time
}

// Store persists balances and the entry journal. Every mutating method
// must be atomic with respect to concurrent calls for the same agent(s).
type Store interface {
	GetBalance(ctx context.Context, agentAddr string) (*Balance, error)
	GetHistory(ctx context.Context, agentAddr string, limit int) ([]*Entry, error)

	// HasCredit reports whether a deposit tx_hash has already been
	// credited, for idempotent re-delivery of Verifier calls.
	HasCredit(ctx context.Context, txHash string) (bool, error)

	// Credit adds amt to agentAddr's available balance. txHash, when
	// non-empty, must be unique across all credits (enforced by the
	// store) so a replayed verification never double-credits.
	Credit(ctx context.Context, agentAddr string, amt amount.Amount, txHash, reference string) error

	// LockEscrow moves amt from agentAddr's available to escrow.
	LockEscrow(ctx context.Context, agentAddr string, amt amount.Amount, reference string) error

	// ReleaseEscrow moves amt from fromAddr's escrow into toAddr's
	// available, atomically, in a single transaction.
	ReleaseEscrow(ctx context.Context, fromAddr, toAddr string, amt amount.Amount, reference string) error

	// RefundEscrow moves amt from agentAddr's escrow back to its own
	// available balance.
	RefundEscrow(ctx context.Context, agentAddr string, amt amount.Amount, reference string) error
}

// Ledger orchestrates balance mutations, journaling, and event
// publication on top of a Store.
type Ledger struct {
	store  Store
	bus    *eventbus.Bus
	logger *slog.Logger
}

// New creates a Ledger. bus and logger may be nil.
func New(store Store, bus *eventbus.Bus, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, bus: bus, logger: logger}
}

func (l *Ledger) publish(ctx context.Context, typ eventbus.Type, data interface{}) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(ctx, typ, data)
}

// GetBalance returns an agent's current balance, zero-valued if unknown.
func (l *Ledger) GetBalance(ctx context.Context, agentAddr string) (*Balance, error) {
	return l.store.GetBalance(ctx, strings.ToLower(agentAddr))
}

// GetHistory returns the most recent journal entries for an agent.
func (l *Ledger) GetHistory(ctx context.Context, agentAddr string, limit int) ([]*Entry, error) {
	return l.store.GetHistory(ctx, strings.ToLower(agentAddr), limit)
}

// Credit applies a verified deposit to an agent's available balance.
// Called exactly once per (txHash) by the Payment Verifier after
// on-chain confirmation; a duplicate txHash returns ErrDuplicateCredit.
func (l *Ledger) Credit(ctx context.Context, agentAddr string, amt amount.Amount, txHash, reference string) error {
	ctx, span := traces.StartSpan(ctx, "ledger.Credit",
		traces.AgentAddr(agentAddr), attribute.String("tx_hash", txHash))
	defer span.End()
	defer observeOp("credit")()

	if amt.Sign() <= 0 {
		span.SetStatus(codes.Error, "invalid amount")
		return ErrInvalidAmount
	}
	addr := strings.ToLower(agentAddr)

	if txHash != "" {
		exists, err := l.store.HasCredit(ctx, txHash)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if exists {
			span.SetStatus(codes.Error, "duplicate credit")
			return ErrDuplicateCredit
		}
	}

	if err := l.store.Credit(ctx, addr, amt, txHash, reference); err != nil {
		span.RecordError(err)
		return err
	}

	l.logger.Info("ledger credit", "agent", addr, "amount", amt.String(), "tx_hash", txHash)
	l.publish(ctx, eventbus.PaymentCredited, map[string]string{
		"agent_addr": addr, "amount": amt.String(), "tx_hash": txHash, "reference": reference,
	})
	return nil
}

// LockEscrow moves funds from an agent's available balance into escrow,
// e.g. when a job is created and the buyer's price is held.
func (l *Ledger) LockEscrow(ctx context.Context, agentAddr string, amt amount.Amount, reference string) error {
	ctx, span := traces.StartSpan(ctx, "ledger.LockEscrow",
		traces.AgentAddr(agentAddr), traces.Reference(reference))
	defer span.End()
	defer observeOp("escrow_lock")()

	if amt.Sign() <= 0 {
		span.SetStatus(codes.Error, "invalid amount")
		return ErrInvalidAmount
	}
	addr := strings.ToLower(agentAddr)

	if err := l.store.LockEscrow(ctx, addr, amt, reference); err != nil {
		span.RecordError(err)
		return err
	}
	l.logger.Info("ledger escrow locked", "agent", addr, "amount", amt.String(), "reference", reference)
	return nil
}

// ReleaseEscrow pays a job's escrowed funds from the buyer to the
// seller, in one atomic store-level transaction.
func (l *Ledger) ReleaseEscrow(ctx context.Context, buyerAddr, sellerAddr string, amt amount.Amount, reference string) error {
	ctx, span := traces.StartSpan(ctx, "ledger.ReleaseEscrow", traces.Reference(reference))
	defer span.End()
	defer observeOp("escrow_release")()

	if amt.Sign() <= 0 {
		span.SetStatus(codes.Error, "invalid amount")
		return ErrInvalidAmount
	}
	buyer, seller := strings.ToLower(buyerAddr), strings.ToLower(sellerAddr)
	if buyer == seller {
		span.SetStatus(codes.Error, "same agent")
		return ErrSameAgent
	}

	if err := l.store.ReleaseEscrow(ctx, buyer, seller, amt, reference); err != nil {
		span.RecordError(err)
		return err
	}
	l.logger.Info("ledger escrow released", "buyer", buyer, "seller", seller, "amount", amt.String(), "reference", reference)
	return nil
}

// RefundEscrow returns escrowed funds to their own agent, e.g. when a
// job is cancelled before delivery.
func (l *Ledger) RefundEscrow(ctx context.Context, agentAddr string, amt amount.Amount, reference string) error {
	ctx, span := traces.StartSpan(ctx, "ledger.RefundEscrow", traces.AgentAddr(agentAddr), traces.Reference(reference))
	defer span.End()
	defer observeOp("escrow_refund")()

	if amt.Sign() <= 0 {
		span.SetStatus(codes.Error, "invalid amount")
		return ErrInvalidAmount
	}
	addr := strings.ToLower(agentAddr)

	if err := l.store.RefundEscrow(ctx, addr, amt, reference); err != nil {
		span.RecordError(err)
		return err
	}
	l.logger.Info("ledger escrow refunded", "agent", addr, "amount", amt.String(), "reference", reference)
	return nil
}

// CanAfford reports whether an agent's available balance covers amt,
// used by callers that want to surface InsufficientFunds before
// attempting a mutation (e.g. negotiation acceptance).
func (l *Ledger) CanAfford(ctx context.Context, agentAddr string, amt amount.Amount) (bool, error) {
	bal, err := l.GetBalance(ctx, agentAddr)
	if err != nil {
		return false, fmt.Errorf("ledger: can afford check: %w", err)
	}
	return bal.Available.Cmp(amt) >= 0, nil
}
