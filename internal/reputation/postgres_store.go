package reputation

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, agentAddr string) (*Score, error) {
	var s Score
	var tier string
	err := p.db.QueryRowContext(ctx, `
		SELECT agent_address, score, tier, jobs_completed
		FROM reputation_scores WHERE agent_address = $1
	`, agentAddr).Scan(&s.AgentAddr, &s.Value, &tier, &s.JobsCompleted)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.Tier = Tier(tier)
	return &s, nil
}

func (p *PostgresStore) Update(ctx context.Context, agentAddr string, newValue float64, jobsCompleted int) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reputation_scores (agent_address, score, tier, jobs_completed, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (agent_address) DO UPDATE
		SET score = $2, tier = $3, jobs_completed = $4, updated_at = NOW()
	`, agentAddr, newValue, string(tierFor(newValue)), jobsCompleted)
	return err
}
