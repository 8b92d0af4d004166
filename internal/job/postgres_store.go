package job

import (
	"context"
	"database/sql"
	"time"

	"github.com/agentcoin/marketplace/internal/amount"
)

// PostgresStore persists jobs, deliverables, and activity log rows in
// PostgreSQL. Every mutating method runs inside its own transaction so
// the job row, its Deliverable/ActivityLog rows, and (where relevant)
// an inbox message land together or not at all.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Create(ctx context.Context, j *Job, act *ActivityLog) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertJob(ctx, tx, j); err != nil {
		return err
	}
	if err := insertActivity(ctx, tx, act); err != nil {
		return err
	}
	return tx.Commit()
}

const jobColumns = `id, service_id, client_addr, worker_addr, parent_job_id,
	negotiation_id, quote_id, negotiated_by, title, input_data, price,
	status, escrow_status, escrow_amount, rating, review,
	created_at, started_at, delivered_at, completed_at,
	escrowed_at, released_at, refunded_at`

func insertJob(ctx context.Context, tx *sql.Tx, j *Job) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19, $20,
			$21, $22, $23
		)`,
		j.ID, j.ServiceID, j.ClientAddr, j.WorkerAddr, nullString(j.ParentJobID),
		nullString(j.NegotiationID), nullString(j.QuoteID), string(j.NegotiatedBy), j.Title, j.InputData, j.Price.String(),
		string(j.Status), string(j.EscrowStatus), j.EscrowAmount.String(), nullInt(j.Rating), j.Review,
		j.CreatedAt, nullTime(j.StartedAt), nullTime(j.DeliveredAt), nullTime(j.CompletedAt),
		nullTime(j.EscrowedAt), nullTime(j.ReleasedAt), nullTime(j.RefundedAt),
	)
	return err
}

func insertActivity(ctx context.Context, tx *sql.Tx, act *ActivityLog) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO activity_log (id, job_id, action, actor_addr, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, act.ID, act.JobID, act.Action, act.ActorAddr, act.Detail, act.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, j *Job, act *ActivityLog) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE jobs SET
			status = $1, escrow_status = $2, rating = $3, review = $4,
			started_at = $5, delivered_at = $6, completed_at = $7,
			escrowed_at = $8, released_at = $9, refunded_at = $10
		WHERE id = $11
	`,
		string(j.Status), string(j.EscrowStatus), nullInt(j.Rating), j.Review,
		nullTime(j.StartedAt), nullTime(j.DeliveredAt), nullTime(j.CompletedAt),
		nullTime(j.EscrowedAt), nullTime(j.ReleasedAt), nullTime(j.RefundedAt),
		j.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	if err := insertActivity(ctx, tx, act); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) AddDeliverable(ctx context.Context, j *Job, d *Deliverable, act *ActivityLog) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = $1, delivered_at = $2 WHERE id = $3
	`, string(j.Status), nullTime(j.DeliveredAt), j.ID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO deliverables (id, job_id, version, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, d.ID, d.JobID, d.Version, d.Content, d.CreatedAt); err != nil {
		return err
	}
	if err := insertActivity(ctx, tx, act); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) CountDeliverables(ctx context.Context, jobID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deliverables WHERE job_id = $1`, jobID).Scan(&n)
	return n, err
}

func (p *PostgresStore) GetDeliverables(ctx context.Context, jobID string) ([]*Deliverable, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, job_id, version, content, created_at
		FROM deliverables WHERE job_id = $1 ORDER BY version ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Deliverable
	for rows.Next() {
		d := &Deliverable{}
		if err := rows.Scan(&d.ID, &d.JobID, &d.Version, &d.Content, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetActivityLog(ctx context.Context, jobID string) ([]*ActivityLog, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, job_id, action, actor_addr, detail, created_at
		FROM activity_log WHERE job_id = $1 ORDER BY created_at ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*ActivityLog
	for rows.Next() {
		a := &ActivityLog{}
		if err := rows.Scan(&a.ID, &a.JobID, &a.Action, &a.ActorAddr, &a.Detail, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*Job, error) {
	j := &Job{}
	var (
		parentJobID   sql.NullString
		negotiationID sql.NullString
		quoteID       sql.NullString
		negotiatedBy  string
		status        string
		escrowStatus  string
		price         string
		escrowAmount  string
		rating        sql.NullInt64
		startedAt     sql.NullTime
		deliveredAt   sql.NullTime
		completedAt   sql.NullTime
		escrowedAt    sql.NullTime
		releasedAt    sql.NullTime
		refundedAt    sql.NullTime
	)

	err := s.Scan(
		&j.ID, &j.ServiceID, &j.ClientAddr, &j.WorkerAddr, &parentJobID,
		&negotiationID, &quoteID, &negotiatedBy, &j.Title, &j.InputData, &price,
		&status, &escrowStatus, &escrowAmount, &rating, &j.Review,
		&j.CreatedAt, &startedAt, &deliveredAt, &completedAt,
		&escrowedAt, &releasedAt, &refundedAt,
	)
	if err != nil {
		return nil, err
	}

	j.ParentJobID = parentJobID.String
	j.NegotiationID = negotiationID.String
	j.QuoteID = quoteID.String
	j.NegotiatedBy = NegotiatedBy(negotiatedBy)
	j.Status = Status(status)
	j.EscrowStatus = EscrowStatus(escrowStatus)

	if amt, ok := amount.Parse(price); ok {
		j.Price = amt
	}
	if amt, ok := amount.Parse(escrowAmount); ok {
		j.EscrowAmount = amt
	}
	if rating.Valid {
		r := int(rating.Int64)
		j.Rating = &r
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if deliveredAt.Valid {
		j.DeliveredAt = &deliveredAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	if escrowedAt.Valid {
		j.EscrowedAt = &escrowedAt.Time
	}
	if releasedAt.Valid {
		j.ReleasedAt = &releasedAt.Time
	}
	if refundedAt.Valid {
		j.RefundedAt = &refundedAt.Time
	}
	return j, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
