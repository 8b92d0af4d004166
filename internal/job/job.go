// Package job drives a hired service engagement from creation through
// settlement: pending -> in_progress -> delivered -> completed, with a
// revision loop and client-cancel / worker-fail escape hatches before
// and during work. Every transition that touches money also touches the
// Ledger and, on completion, Reputation and the registry's lifetime
// counters.
//
// Modeled on the teacher's internal/escrow.Service (a Store wrapped with
// a LedgerService collaborator interface, per-ID sync.Map locks so two
// concurrent transitions on the same job can't race, and a
// compensate-and-log-critical strategy when a ledger call succeeds but
// the store update that should follow it fails) and internal/contracts
// (a multi-state lifecycle with an artifact list, here the Deliverable
// log). The escrow package's own states (pending/delivered/released/
// disputed/refunded/expired) are a narrower single-payment protocol;
// this package layers a full job lifecycle, reputation scoring, and
// activity/inbox side effects on top of the same locking and
// compensation idiom.
package job

import (
	"context"
	"errors"
	"time"

	"github.com/agentcoin/marketplace/internal/amount"
)

var (
	ErrNotFound            = errors.New("job: not found")
	ErrInvalidTransition   = errors.New("job: invalid state transition")
	ErrUnauthorized        = errors.New("job: caller is not authorized for this transition")
	ErrInvalidRating       = errors.New("job: rating must be between 1 and 5")
	ErrInvalidPricing      = errors.New("job: invalid pricing source")
	ErrNegotiationMismatch = errors.New("job: negotiation does not match client or service")
	ErrParentCycle         = errors.New("job: parent_job_id would introduce a cycle")
)

// Status is the job's lifecycle state.
type Status string

const (
	StatusPending           Status = "pending"
	StatusInProgress        Status = "in_progress"
	StatusDelivered         Status = "delivered"
	StatusRevisionRequested Status = "revision_requested"
	StatusCompleted         Status = "completed"
	StatusCancelled         Status = "cancelled"
	StatusFailed            Status = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// EscrowStatus mirrors the job's funding state in the Ledger.
type EscrowStatus string

const (
	EscrowUnfunded EscrowStatus = "unfunded"
	EscrowFunded   EscrowStatus = "funded"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// NegotiatedBy records how the job's locked price was established.
type NegotiatedBy string

const (
	NegotiatedByP2P   NegotiatedBy = "p2p"   // an agreed bilateral Negotiation
	NegotiatedByLLM   NegotiatedBy = "llm"   // an accepted Quote
	NegotiatedByAgent NegotiatedBy = "agent" // default midpoint, no negotiation
)

// Job is one hired engagement between a client and a worker over a
// single service.
type Job struct {
	ID            string
	ServiceID     string
	ClientAddr    string
	WorkerAddr    string
	ParentJobID   string // empty if this job has no parent
	NegotiationID string // empty unless pricing_source was a Negotiation
	QuoteID       string // empty unless pricing_source was a Quote
	NegotiatedBy  NegotiatedBy

	Title     string
	InputData string

	Price amount.Amount // locked once at creation, never mutated

	Status       Status
	EscrowStatus EscrowStatus
	EscrowAmount amount.Amount

	Rating *int
	Review string

	CreatedAt   time.Time
	StartedAt   *time.Time
	DeliveredAt *time.Time
	CompletedAt *time.Time
	EscrowedAt  *time.Time
	ReleasedAt  *time.Time
	RefundedAt  *time.Time
}

// Deliverable is one append-only versioned artifact submitted against a
// job.
type Deliverable struct {
	ID        string
	JobID     string
	Version   int
	Content   string
	CreatedAt time.Time
}

// ActivityLog is one append-only audit row for a job transition.
type ActivityLog struct {
	ID        string
	JobID     string
	Action    string
	ActorAddr string
	Detail    string
	CreatedAt time.Time
}

// Quote is the out-of-scope pricing-source collaborator's contract: a
// validated price already stamped as accepted by the client.
type Quote struct {
	ID         string
	ServiceID  string
	ClientAddr string
	Price      amount.Amount
	Accepted   bool
}

// QuoteProvider resolves an accepted Quote by ID. The quote subsystem
// itself (generation, expiry, acceptance flow) is a collaborator; job
// only needs the narrow read contract described in spec.md §4.4.
type QuoteProvider interface {
	GetAcceptedQuote(ctx context.Context, quoteID string) (*Quote, error)
}

// Store persists jobs, their deliverables, and their activity log.
// Every mutating method is expected to be transactional with respect to
// the rows it touches: the status/timestamp update, the new Deliverable
// or ActivityLog row, and (on completion) the auto-generated inbox
// message all land in the same database transaction.
type Store interface {
	Create(ctx context.Context, j *Job, activity *ActivityLog) error
	Get(ctx context.Context, id string) (*Job, error)

	// UpdateStatus persists j's mutable fields (status, timestamps,
	// escrow bookkeeping, rating/review) and appends activity as part of
	// the same transaction.
	UpdateStatus(ctx context.Context, j *Job, activity *ActivityLog) error

	// AddDeliverable persists j's delivered_at/status alongside a new
	// Deliverable row and activity entry, in one transaction. d.Version
	// must already be set by the caller.
	AddDeliverable(ctx context.Context, j *Job, d *Deliverable, activity *ActivityLog) error

	CountDeliverables(ctx context.Context, jobID string) (int, error)
	GetDeliverables(ctx context.Context, jobID string) ([]*Deliverable, error)
	GetActivityLog(ctx context.Context, jobID string) ([]*ActivityLog, error)
}
