package verifier

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/agentcoin/marketplace/internal/amount"
	"github.com/agentcoin/marketplace/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL. tx_hash carries a
// UNIQUE constraint (see migrations/) so a racing duplicate Create is
// rejected at the database layer, not just the application layer.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetByTxHash(ctx context.Context, txHash string) (*Payment, error) {
	var pay Payment
	var expected, actual sql.NullString
	var failureReason, recipientAddr sql.NullString
	var txType sql.NullString
	var verifiedAt, creditedAt sql.NullTime

	err := p.db.QueryRowContext(ctx, `
		SELECT id, agent_address, recipient_address, type, tx_hash, expected_amount, actual_amount, status,
		       failure_reason, created_at, verified_at, credited_at
		FROM payment_transactions WHERE tx_hash = $1
	`, txHash).Scan(&pay.ID, &pay.AgentAddr, &recipientAddr, &txType, &pay.TxHash, &expected, &actual, &pay.Status,
		&failureReason, &pay.CreatedAt, &verifiedAt, &creditedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pay.RecipientAddr = recipientAddr.String
	pay.Type = TransactionType(txType.String)
	if expected.Valid {
		pay.ExpectedAmount = amount.MustParse(expected.String)
	}
	if actual.Valid {
		pay.ActualAmount = amount.MustParse(actual.String)
	}
	pay.FailureReason = failureReason.String
	if verifiedAt.Valid {
		t := verifiedAt.Time
		pay.VerifiedAt = &t
	}
	if creditedAt.Valid {
		t := creditedAt.Time
		pay.CreditedAt = &t
	}
	return &pay, nil
}

func (p *PostgresStore) Create(ctx context.Context, pay *Payment) error {
	pay.ID = idgen.WithPrefix("pay_")
	pay.CreatedAt = time.Now()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_transactions (id, agent_address, recipient_address, type, tx_hash, expected_amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (tx_hash) DO NOTHING
	`, pay.ID, pay.AgentAddr, pay.RecipientAddr, string(pay.Type), pay.TxHash, pay.ExpectedAmount.String(), string(StatusPending))
	return err
}

func (p *PostgresStore) MarkVerified(ctx context.Context, txHash string, actual amount.Amount) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE payment_transactions SET status = $2, actual_amount = $3, verified_at = NOW()
		WHERE tx_hash = $1
	`, txHash, string(StatusVerified), actual.String())
	return err
}

func (p *PostgresStore) MarkCredited(ctx context.Context, txHash string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE payment_transactions SET status = $2, credited_at = NOW() WHERE tx_hash = $1
	`, txHash, string(StatusCredited))
	return err
}

func (p *PostgresStore) MarkFailed(ctx context.Context, txHash, reason string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE payment_transactions SET status = $2, failure_reason = $3 WHERE tx_hash = $1
	`, txHash, string(StatusFailed), reason)
	return err
}
