package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentcoin/marketplace/internal/amount"
	"github.com/agentcoin/marketplace/internal/idgen"
	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. Balances are stored as
// NUMERIC(38,8) so Postgres does the arithmetic natively rather than the
// teacher's VARCHAR-plus-CAST trick, and every multi-row mutation locks
// the affected agent_balances rows with SELECT ... FOR UPDATE, taken in
// ascending agent_address order, so two concurrent transfers that touch
// the same pair of agents can never deadlock against each other.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, agentAddr string) (*Balance, error) {
	bal := &Balance{AgentAddr: agentAddr}
	var available, escrow string

	err := p.db.QueryRowContext(ctx, `
		SELECT available, escrow, updated_at
		FROM agent_balances WHERE agent_address = $1
	`, agentAddr).Scan(&available, &escrow, &bal.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{AgentAddr: agentAddr, Available: amount.Zero(), Escrow: amount.Zero(), UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, err
	}
	bal.Available = amount.MustParse(available)
	bal.Escrow = amount.MustParse(escrow)
	return bal, nil
}

func (p *PostgresStore) GetHistory(ctx context.Context, agentAddr string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, agent_address, type, amount, reference, counterparty, tx_hash, created_at
		FROM ledger_entries
		WHERE agent_address = $1 OR counterparty = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, agentAddr, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var amt string
		var reference, counterparty, txHash sql.NullString
		if err := rows.Scan(&e.ID, &e.AgentAddr, &e.Type, &amt, &reference, &counterparty, &txHash, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount = amount.MustParse(amt)
		e.Reference = reference.String
		e.Counterparty = counterparty.String
		e.TxHash = txHash.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) HasCredit(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE type = 'credit' AND tx_hash = $1)
	`, txHash).Scan(&exists)
	return exists, err
}

// lockBalanceRow locks (and creates, if absent) an agent_balances row
// within tx, returning its current available/escrow amounts.
func lockBalanceRow(ctx context.Context, tx *sql.Tx, agentAddr string) (available, escrow amount.Amount, err error) {
	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_balances (agent_address, available, escrow, updated_at)
		VALUES ($1, '0', '0', NOW())
		ON CONFLICT (agent_address) DO NOTHING
	`, agentAddr)
	if err != nil {
		return amount.Zero(), amount.Zero(), err
	}

	var a, e string
	err = tx.QueryRowContext(ctx, `
		SELECT available, escrow FROM agent_balances WHERE agent_address = $1 FOR UPDATE
	`, agentAddr).Scan(&a, &e)
	if err != nil {
		return amount.Zero(), amount.Zero(), err
	}
	return amount.MustParse(a), amount.MustParse(e), nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *Entry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, agent_address, type, amount, reference, counterparty, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, idgen.WithPrefix("entry_"), e.AgentAddr, string(e.Type), e.Amount.String(),
		nullIfEmpty(e.Reference), nullIfEmpty(e.Counterparty), nullIfEmpty(e.TxHash))
	return err
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (p *PostgresStore) Credit(ctx context.Context, agentAddr string, amt amount.Amount, txHash, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	available, _, err := lockBalanceRow(ctx, tx, agentAddr)
	if err != nil {
		return err
	}
	available = available.Add(amt)

	if _, err := tx.ExecContext(ctx, `
		UPDATE agent_balances SET available = $2, updated_at = NOW() WHERE agent_address = $1
	`, agentAddr, available.String()); err != nil {
		return err
	}

	if err := insertEntry(ctx, tx, &Entry{AgentAddr: agentAddr, Type: EntryCredit, Amount: amt, Reference: reference, TxHash: txHash}); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateCredit
		}
		return fmt.Errorf("ledger: record credit entry: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) LockEscrow(ctx context.Context, agentAddr string, amt amount.Amount, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	available, escrow, err := lockBalanceRow(ctx, tx, agentAddr)
	if err != nil {
		return err
	}
	if available.LessThan(amt) {
		return ErrInsufficientBalance
	}
	available = available.Sub(amt)
	escrow = escrow.Add(amt)

	if _, err := tx.ExecContext(ctx, `
		UPDATE agent_balances SET available = $2, escrow = $3, updated_at = NOW() WHERE agent_address = $1
	`, agentAddr, available.String(), escrow.String()); err != nil {
		return err
	}

	if err := insertEntry(ctx, tx, &Entry{AgentAddr: agentAddr, Type: EntryEscrowLock, Amount: amt, Reference: reference}); err != nil {
		return err
	}
	return tx.Commit()
}

// ReleaseEscrow and RefundEscrow below touch two agent rows (or one, for
// refund). Locks are always acquired in ascending agent_address order so
// that a release A->B and a hypothetical release B->A can never form a
// lock-ordering cycle.
func (p *PostgresStore) ReleaseEscrow(ctx context.Context, fromAddr, toAddr string, amt amount.Amount, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	first, second := fromAddr, toAddr
	if second < first {
		first, second = second, first
	}
	if _, _, err := lockBalanceRow(ctx, tx, first); err != nil {
		return err
	}
	if first != second {
		if _, _, err := lockBalanceRow(ctx, tx, second); err != nil {
			return err
		}
	}

	var fromAvail, fromEscrow, toAvail, toEscrow string
	if err := tx.QueryRowContext(ctx, `SELECT available, escrow FROM agent_balances WHERE agent_address = $1`, fromAddr).
		Scan(&fromAvail, &fromEscrow); err != nil {
		return err
	}
	if err := tx.QueryRowContext(ctx, `SELECT available, escrow FROM agent_balances WHERE agent_address = $1`, toAddr).
		Scan(&toAvail, &toEscrow); err != nil {
		return err
	}

	fromBal := amount.MustParse(fromEscrow)
	if fromBal.LessThan(amt) {
		return ErrInsufficientEscrow
	}
	newFromEscrow := fromBal.Sub(amt)
	newToAvail := amount.MustParse(toAvail).Add(amt)

	if _, err := tx.ExecContext(ctx, `UPDATE agent_balances SET escrow = $2, updated_at = NOW() WHERE agent_address = $1`,
		fromAddr, newFromEscrow.String()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE agent_balances SET available = $2, updated_at = NOW() WHERE agent_address = $1`,
		toAddr, newToAvail.String()); err != nil {
		return err
	}

	if err := insertEntry(ctx, tx, &Entry{AgentAddr: fromAddr, Type: EntryEscrowRelease, Amount: amt, Reference: reference, Counterparty: toAddr}); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) RefundEscrow(ctx context.Context, agentAddr string, amt amount.Amount, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	available, escrow, err := lockBalanceRow(ctx, tx, agentAddr)
	if err != nil {
		return err
	}
	if escrow.LessThan(amt) {
		return ErrInsufficientEscrow
	}
	escrow = escrow.Sub(amt)
	available = available.Add(amt)

	if _, err := tx.ExecContext(ctx, `
		UPDATE agent_balances SET available = $2, escrow = $3, updated_at = NOW() WHERE agent_address = $1
	`, agentAddr, available.String(), escrow.String()); err != nil {
		return err
	}

	if err := insertEntry(ctx, tx, &Entry{AgentAddr: agentAddr, Type: EntryEscrowRefund, Amount: amt, Reference: reference}); err != nil {
		return err
	}
	return tx.Commit()
}
