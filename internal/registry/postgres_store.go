package registry

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/agentcoin/marketplace/internal/amount"
)

// PostgresStore implements Store against the agents/services tables. It
// reads and writes only the columns the core depends on; the full agent
// and service catalog (descriptions, metadata, discovery indexes) is
// owned and migrated by the external registry collaborator.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) GetAgent(ctx context.Context, address string) (*Agent, error) {
	var a Agent
	var status string
	var earned, spent string
	err := p.db.QueryRowContext(ctx, `
		SELECT address, name, wallet_address, status, jobs_completed, jobs_hired,
		       total_earned, total_spent, created_at, updated_at
		FROM agents WHERE address = $1
	`, strings.ToLower(address)).Scan(&a.Address, &a.Name, &a.WalletAddress, &status,
		&a.JobsCompleted, &a.JobsHired, &earned, &spent, &a.CreatedAt, &a.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	a.TotalEarned = amount.MustParse(earned)
	a.TotalSpent = amount.MustParse(spent)
	return &a, nil
}

func (p *PostgresStore) SetAgentStatus(ctx context.Context, address string, status Status) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE agents SET status = $2, updated_at = NOW() WHERE address = $1
	`, strings.ToLower(address), string(status))
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (p *PostgresStore) IncrementWorkerStats(ctx context.Context, address string, earned amount.Amount) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE agents
		SET jobs_completed = jobs_completed + 1,
		    total_earned = total_earned + $2,
		    updated_at = NOW()
		WHERE address = $1
	`, strings.ToLower(address), earned.String())
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (p *PostgresStore) IncrementClientStats(ctx context.Context, address string, spent amount.Amount) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE agents
		SET jobs_hired = jobs_hired + 1,
		    total_spent = total_spent + $2,
		    updated_at = NOW()
		WHERE address = $1
	`, strings.ToLower(address), spent.String())
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (p *PostgresStore) GetService(ctx context.Context, id string) (*Service, error) {
	var s Service
	var outputType string
	var minPrice, maxPrice string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, agent_address, name, description, required_inputs, output_type,
		       min_price, max_price, allow_negotiation, max_concurrent, is_active,
		       created_at, updated_at
		FROM services WHERE id = $1
	`, id).Scan(&s.ID, &s.AgentAddress, &s.Name, &s.Description, &s.RequiredInputs, &outputType,
		&minPrice, &maxPrice, &s.AllowNegotiation, &s.MaxConcurrent, &s.IsActive,
		&s.CreatedAt, &s.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrServiceNotFound
	}
	if err != nil {
		return nil, err
	}
	s.OutputType = OutputType(outputType)
	s.MinPrice = amount.MustParse(minPrice)
	s.MaxPrice = amount.MustParse(maxPrice)
	return &s, nil
}
