package negotiation

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/agentcoin/marketplace/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, n *Negotiation, initial *Offer) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO negotiations (id, service_id, buyer_address, seller_address, status,
			current_price, current_proposer, round, max_rounds, expires_at,
			service_min_price, service_max_price, client_max_price, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
	`, n.ID, n.ServiceID, n.BuyerAddr, n.SellerAddr, string(n.Status),
		n.CurrentPrice, n.CurrentProposer, n.Round, n.MaxRounds, n.ExpiresAt,
		n.ServiceMinPrice, n.ServiceMaxPrice, nullIfEmptyNeg(n.ClientMaxPrice))
	if err != nil {
		return err
	}

	if err := insertOffer(ctx, tx, initial); err != nil {
		return err
	}
	return tx.Commit()
}

func insertOffer(ctx context.Context, tx *sql.Tx, o *Offer) error {
	if o.ID == "" {
		o.ID = idgen.WithPrefix("off_")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO negotiation_offers (id, negotiation_id, proposer_address, action, price_agnt, round, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, o.ID, o.NegotiationID, o.ProposerAddr, string(o.Action), o.PriceAGNT, o.Round)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Negotiation, error) {
	var n Negotiation
	var status string
	var agreedPrice, clientMaxPrice sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, service_id, buyer_address, seller_address, status, current_price,
		       current_proposer, round, max_rounds, expires_at, agreed_price,
		       service_min_price, service_max_price, client_max_price, created_at, updated_at
		FROM negotiations WHERE id = $1
	`, id).Scan(&n.ID, &n.ServiceID, &n.BuyerAddr, &n.SellerAddr, &status, &n.CurrentPrice,
		&n.CurrentProposer, &n.Round, &n.MaxRounds, &n.ExpiresAt, &agreedPrice,
		&n.ServiceMinPrice, &n.ServiceMaxPrice, &clientMaxPrice, &n.CreatedAt, &n.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	n.Status = Status(status)
	n.AgreedPrice = agreedPrice.String
	n.ClientMaxPrice = clientMaxPrice.String
	return &n, nil
}

func (p *PostgresStore) GetOffers(ctx context.Context, negotiationID string) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, negotiation_id, proposer_address, action, price_agnt, round, created_at
		FROM negotiation_offers WHERE negotiation_id = $1 ORDER BY round ASC, created_at ASC
	`, negotiationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Offer
	for rows.Next() {
		var o Offer
		var action string
		if err := rows.Scan(&o.ID, &o.NegotiationID, &o.ProposerAddr, &action, &o.PriceAGNT, &o.Round, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Action = OfferAction(action)
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendOffer(ctx context.Context, n *Negotiation, o *Offer) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE negotiations SET round = $2, current_price = $3, current_proposer = $4, updated_at = NOW()
		WHERE id = $1
	`, n.ID, n.Round, n.CurrentPrice, n.CurrentProposer)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}

	if err := insertOffer(ctx, tx, o); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, status Status, agreedPrice string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE negotiations SET status = $2, agreed_price = $3, updated_at = NOW() WHERE id = $1
	`, id, string(status), nullIfEmptyNeg(agreedPrice))
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListExpirable(ctx context.Context, before time.Time) ([]*Negotiation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, service_id, buyer_address, seller_address, status, current_price,
		       current_proposer, round, max_rounds, expires_at,
		       service_min_price, service_max_price, client_max_price, created_at, updated_at
		FROM negotiations WHERE status = 'active' AND expires_at < $1
	`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Negotiation
	for rows.Next() {
		var n Negotiation
		var status string
		var clientMaxPrice sql.NullString
		if err := rows.Scan(&n.ID, &n.ServiceID, &n.BuyerAddr, &n.SellerAddr, &status, &n.CurrentPrice,
			&n.CurrentProposer, &n.Round, &n.MaxRounds, &n.ExpiresAt,
			&n.ServiceMinPrice, &n.ServiceMaxPrice, &clientMaxPrice, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		n.Status = Status(status)
		n.ClientMaxPrice = clientMaxPrice.String
		out = append(out, &n)
	}
	return out, rows.Err()
}

func nullIfEmptyNeg(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
