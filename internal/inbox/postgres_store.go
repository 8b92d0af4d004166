package inbox

import (
	"context"
	"database/sql"

	"github.com/agentcoin/marketplace/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// CreateTx inserts a message as part of an existing transaction, used by
// job transitions that must write the message atomically with their own
// state change.
func (p *PostgresStore) CreateTx(ctx context.Context, tx *sql.Tx, m *Message) error {
	if m.ID == "" {
		m.ID = idgen.WithPrefix("msg_")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO inbox_messages (id, recipient_address, job_id, subject, body, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, m.ID, m.RecipientAddr, m.JobID, m.Subject, m.Body)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = idgen.WithPrefix("msg_")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO inbox_messages (id, recipient_address, job_id, subject, body, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, m.ID, m.RecipientAddr, m.JobID, m.Subject, m.Body)
	return err
}

func (p *PostgresStore) ListForAgent(ctx context.Context, recipientAddr string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, recipient_address, job_id, subject, body, created_at, read_at
		FROM inbox_messages WHERE recipient_address = $1
		ORDER BY created_at DESC LIMIT $2
	`, recipientAddr, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var readAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.RecipientAddr, &m.JobID, &m.Subject, &m.Body, &m.CreatedAt, &readAt); err != nil {
			return nil, err
		}
		if readAt.Valid {
			m.ReadAt = &readAt.Time
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkRead(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE inbox_messages SET read_at = NOW() WHERE id = $1`, id)
	return err
}
