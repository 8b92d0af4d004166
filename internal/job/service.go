package job

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentcoin/marketplace/internal/amount"
	"github.com/agentcoin/marketplace/internal/eventbus"
	"github.com/agentcoin/marketplace/internal/idgen"
	"github.com/agentcoin/marketplace/internal/inbox"
	"github.com/agentcoin/marketplace/internal/negotiation"
	"github.com/agentcoin/marketplace/internal/registry"
	"github.com/agentcoin/marketplace/internal/reputation"
)

// LedgerService abstracts the Ledger operations job needs, so this
// package depends on a narrow interface rather than importing
// internal/ledger directly (teacher idiom: escrow.LedgerService).
// *ledger.Ledger satisfies this interface as-is.
type LedgerService interface {
	LockEscrow(ctx context.Context, agentAddr string, amt amount.Amount, reference string) error
	ReleaseEscrow(ctx context.Context, buyerAddr, sellerAddr string, amt amount.Amount, reference string) error
	RefundEscrow(ctx context.Context, agentAddr string, amt amount.Amount, reference string) error
}

// ReputationUpdater abstracts the reputation update job needs.
// *reputation.Updater satisfies this interface as-is.
type ReputationUpdater interface {
	RecordRating(ctx context.Context, agentAddr string, rating float64) (*reputation.Score, error)
}

// NegotiationProvider resolves an agreed Negotiation by ID.
// *negotiation.Service satisfies this interface as-is.
type NegotiationProvider interface {
	Get(ctx context.Context, id string) (*negotiation.Negotiation, error)
}

// Service implements job lifecycle business logic on top of a Store and
// its collaborators.
type Service struct {
	store   Store
	ledger  LedgerService
	rep     ReputationUpdater
	agents  registry.Store
	negs    NegotiationProvider
	quotes  QuoteProvider
	inboxes inbox.Store
	bus     *eventbus.Bus
	logger  *slog.Logger
	locks   sync.Map // per-job-ID locks
}

// NewService creates a job Service. rep, negs, quotes, inboxes, bus, and
// logger may be nil; a nil collaborator disables the feature it backs
// (e.g. a nil QuoteProvider means job creation can never resolve a
// Quote-sourced price).
func NewService(
	store Store,
	ledger LedgerService,
	rep ReputationUpdater,
	agents registry.Store,
	negs NegotiationProvider,
	quotes QuoteProvider,
	inboxes inbox.Store,
	bus *eventbus.Bus,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store: store, ledger: ledger, rep: rep, agents: agents,
		negs: negs, quotes: quotes, inboxes: inboxes, bus: bus, logger: logger,
	}
}

func (s *Service) jobLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Service) publish(ctx context.Context, typ eventbus.Type, data interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, typ, data)
}

func activity(jobID, action, actorAddr, detail string) *ActivityLog {
	return &ActivityLog{ID: idgen.WithPrefix("act_"), JobID: jobID, Action: action, ActorAddr: actorAddr, Detail: detail, CreatedAt: time.Now()}
}

// resolvePrice determines a job's locked price per spec.md §4.4: an
// agreed Negotiation, an accepted Quote, or the service's midpoint
// default.
func (s *Service) resolvePrice(ctx context.Context, clientAddr string, svc *registry.Service, negotiationID, quoteID string) (amount.Amount, NegotiatedBy, error) {
	client := strings.ToLower(clientAddr)

	switch {
	case negotiationID != "":
		if s.negs == nil {
			return amount.Zero(), "", ErrInvalidPricing
		}
		n, err := s.negs.Get(ctx, negotiationID)
		if err != nil {
			return amount.Zero(), "", fmt.Errorf("job: resolve negotiation: %w", err)
		}
		if n.Status != negotiation.StatusAgreed {
			return amount.Zero(), "", ErrNegotiationMismatch
		}
		if n.BuyerAddr != client || n.ServiceID != svc.ID {
			return amount.Zero(), "", ErrNegotiationMismatch
		}
		price, ok := amount.Parse(n.AgreedPrice)
		if !ok {
			return amount.Zero(), "", ErrInvalidPricing
		}
		return price, NegotiatedByP2P, nil

	case quoteID != "":
		if s.quotes == nil {
			return amount.Zero(), "", ErrInvalidPricing
		}
		q, err := s.quotes.GetAcceptedQuote(ctx, quoteID)
		if err != nil {
			return amount.Zero(), "", fmt.Errorf("job: resolve quote: %w", err)
		}
		if q == nil || !q.Accepted || q.ServiceID != svc.ID || strings.ToLower(q.ClientAddr) != client {
			return amount.Zero(), "", ErrInvalidPricing
		}
		return q.Price, NegotiatedByLLM, nil

	default:
		if svc.AllowNegotiation {
			return amount.Zero(), "", ErrInvalidPricing
		}
		mid := amount.Mid(svc.MinPrice, svc.MaxPrice)
		return mid, NegotiatedByAgent, nil
	}
}

// maxParentDepth bounds the ancestor-chain walk validateParent performs,
// guarding against a corrupted parent_job_id loop spinning forever.
const maxParentDepth = 64

// validateParent checks that parentJobID (when set) names an existing
// job and that its ancestor chain is a DAG, not a cycle, per the Job
// entity's self-reference constraint. A cycle can only occur here if
// existing data is already malformed, since the job being created has
// no id yet for an ancestor to point back to — the walk still defends
// against that corruption rather than trusting it silently.
func (s *Service) validateParent(ctx context.Context, parentJobID string) error {
	if parentJobID == "" {
		return nil
	}
	seen := make(map[string]bool, maxParentDepth)
	id := parentJobID
	for i := 0; i < maxParentDepth; i++ {
		if seen[id] {
			return ErrParentCycle
		}
		seen[id] = true
		parent, err := s.store.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("job: resolve parent: %w", err)
		}
		if parent == nil {
			return ErrNotFound
		}
		if parent.ParentJobID == "" {
			return nil
		}
		id = parent.ParentJobID
	}
	return ErrParentCycle
}

// Create opens a new job against service, funding escrow with the
// resolved price. pricingSource is exactly one of negotiationID or
// quoteID; leave both empty to use the service's default midpoint
// price (only permitted when the service does not require
// negotiation). parentJobID optionally links this job into another
// job's DAG; it must reference an existing job whose ancestor chain
// does not already cycle.
func (s *Service) Create(ctx context.Context, clientAddr, serviceID, title, inputData, negotiationID, quoteID, parentJobID string) (*Job, error) {
	if s.agents == nil {
		return nil, fmt.Errorf("job: registry unavailable")
	}
	svc, err := s.agents.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if err := s.validateParent(ctx, parentJobID); err != nil {
		return nil, err
	}

	client := strings.ToLower(clientAddr)
	price, negotiatedBy, err := s.resolvePrice(ctx, client, svc, negotiationID, quoteID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	j := &Job{
		ID:            idgen.WithPrefix("job_"),
		ServiceID:     serviceID,
		ClientAddr:    client,
		WorkerAddr:    strings.ToLower(svc.AgentAddress),
		ParentJobID:   parentJobID,
		NegotiationID: negotiationID,
		QuoteID:       quoteID,
		NegotiatedBy:  negotiatedBy,
		Title:         title,
		InputData:     inputData,
		Price:         price,
		Status:        StatusPending,
		EscrowStatus:  EscrowUnfunded,
		CreatedAt:     now,
	}

	if err := s.ledger.LockEscrow(ctx, client, price, j.ID); err != nil {
		return nil, fmt.Errorf("job: lock escrow: %w", err)
	}

	j.EscrowStatus = EscrowFunded
	j.EscrowAmount = price
	j.EscrowedAt = &now

	if err := s.store.Create(ctx, j, activity(j.ID, "created", client, "")); err != nil {
		// Funds already locked; refund since no job row committed.
		_ = s.ledger.RefundEscrow(ctx, client, price, j.ID)
		return nil, fmt.Errorf("job: create: %w", err)
	}

	s.logger.Info("job created", "id", j.ID, "client", client, "worker", j.WorkerAddr, "price", price.String())
	s.publish(ctx, eventbus.JobCreated, map[string]string{"job_id": j.ID, "client": client, "worker": j.WorkerAddr})
	return j, nil
}

// Start transitions pending -> in_progress. Worker-only.
func (s *Service) Start(ctx context.Context, jobID, callerAddr string) (*Job, error) {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	j, err := s.get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(callerAddr) != j.WorkerAddr {
		return nil, ErrUnauthorized
	}
	if j.Status != StatusPending {
		return nil, ErrInvalidTransition
	}

	now := time.Now()
	j.Status = StatusInProgress
	j.StartedAt = &now

	if err := s.store.UpdateStatus(ctx, j, activity(j.ID, "started", j.WorkerAddr, "")); err != nil {
		return nil, err
	}
	s.publish(ctx, eventbus.JobStarted, map[string]string{"job_id": j.ID})
	return j, nil
}

// Deliver appends a new Deliverable and transitions
// {in_progress, revision_requested} -> delivered. Worker-only.
func (s *Service) Deliver(ctx context.Context, jobID, callerAddr, artifact string) (*Job, error) {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	j, err := s.get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(callerAddr) != j.WorkerAddr {
		return nil, ErrUnauthorized
	}
	if j.Status != StatusInProgress && j.Status != StatusRevisionRequested {
		return nil, ErrInvalidTransition
	}

	count, err := s.store.CountDeliverables(ctx, j.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	j.Status = StatusDelivered
	j.DeliveredAt = &now

	d := &Deliverable{ID: idgen.WithPrefix("dlv_"), JobID: j.ID, Version: count + 1, Content: artifact, CreatedAt: now}
	if err := s.store.AddDeliverable(ctx, j, d, activity(j.ID, "delivered", j.WorkerAddr, fmt.Sprintf("version %d", d.Version))); err != nil {
		return nil, err
	}
	s.publish(ctx, eventbus.JobDelivered, map[string]string{"job_id": j.ID, "version": fmt.Sprint(d.Version)})
	return j, nil
}

// RequestRevision transitions delivered -> revision_requested and drops
// an auto-generated inbox message with the client's feedback in the
// worker's inbox. Client-only.
func (s *Service) RequestRevision(ctx context.Context, jobID, callerAddr, feedback string) (*Job, error) {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	j, err := s.get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(callerAddr) != j.ClientAddr {
		return nil, ErrUnauthorized
	}
	if j.Status != StatusDelivered {
		return nil, ErrInvalidTransition
	}

	j.Status = StatusRevisionRequested
	if err := s.store.UpdateStatus(ctx, j, activity(j.ID, "revision_requested", j.ClientAddr, feedback)); err != nil {
		return nil, err
	}

	if s.inboxes != nil {
		_ = s.inboxes.Create(ctx, &inbox.Message{
			RecipientAddr: j.WorkerAddr,
			JobID:         j.ID,
			Subject:       "Revision requested",
			Body:          feedback,
		})
	}

	s.publish(ctx, eventbus.JobRevisionRequested, map[string]string{"job_id": j.ID})
	return j, nil
}

// Complete transitions delivered -> completed: records the client's
// rating, releases escrow to the worker, updates both parties' lifetime
// counters, and publishes job_completed. Client-only.
func (s *Service) Complete(ctx context.Context, jobID, callerAddr string, rating int, review string) (*Job, error) {
	if rating < 1 || rating > 5 {
		return nil, ErrInvalidRating
	}

	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	j, err := s.get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(callerAddr) != j.ClientAddr {
		return nil, ErrUnauthorized
	}
	if j.Status != StatusDelivered {
		return nil, ErrInvalidTransition
	}

	if err := s.ledger.ReleaseEscrow(ctx, j.ClientAddr, j.WorkerAddr, j.Price, j.ID); err != nil {
		return nil, fmt.Errorf("job: release escrow: %w", err)
	}

	now := time.Now()
	r := rating
	j.Status = StatusCompleted
	j.CompletedAt = &now
	j.Rating = &r
	j.Review = review
	j.EscrowStatus = EscrowReleased
	j.ReleasedAt = &now

	if err := s.store.UpdateStatus(ctx, j, activity(j.ID, "completed", j.ClientAddr, review)); err != nil {
		// Escrow already released; funds moved but the row is stale.
		// There is no inverse of ReleaseEscrow, so this requires manual
		// reconciliation rather than a compensating refund.
		s.logger.Error("job completed but status update failed; funds already released", "job_id", j.ID, "error", err)
		return nil, fmt.Errorf("job: complete (requires manual resolution): %w", err)
	}

	if s.rep != nil {
		if _, err := s.rep.RecordRating(ctx, j.WorkerAddr, float64(rating)); err != nil {
			s.logger.Error("job: reputation update failed", "job_id", j.ID, "worker", j.WorkerAddr, "error", err)
		}
	}
	if s.agents != nil {
		if err := s.agents.IncrementWorkerStats(ctx, j.WorkerAddr, j.Price); err != nil {
			s.logger.Error("job: worker stats update failed", "job_id", j.ID, "error", err)
		}
		if err := s.agents.IncrementClientStats(ctx, j.ClientAddr, j.Price); err != nil {
			s.logger.Error("job: client stats update failed", "job_id", j.ID, "error", err)
		}
	}

	s.publish(ctx, eventbus.JobCompleted, map[string]string{"job_id": j.ID, "rating": fmt.Sprint(rating)})
	return j, nil
}

// Cancel transitions pending -> cancelled, refunding the client's
// escrow in full. Client-only; the only permissible pre-work
// termination.
func (s *Service) Cancel(ctx context.Context, jobID, callerAddr string) (*Job, error) {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	j, err := s.get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(callerAddr) != j.ClientAddr {
		return nil, ErrUnauthorized
	}
	if j.Status != StatusPending {
		return nil, ErrInvalidTransition
	}

	if err := s.ledger.RefundEscrow(ctx, j.ClientAddr, j.Price, j.ID); err != nil {
		return nil, fmt.Errorf("job: refund escrow: %w", err)
	}

	now := time.Now()
	j.Status = StatusCancelled
	j.EscrowStatus = EscrowRefunded
	j.RefundedAt = &now

	if err := s.store.UpdateStatus(ctx, j, activity(j.ID, "cancelled", j.ClientAddr, "")); err != nil {
		s.logger.Error("job cancelled but status update failed; funds already refunded", "job_id", j.ID, "error", err)
		return nil, fmt.Errorf("job: cancel (requires manual resolution): %w", err)
	}

	s.publish(ctx, eventbus.JobCancelled, map[string]string{"job_id": j.ID})
	return j, nil
}

// Fail transitions in_progress -> failed, refunding the client's
// escrow in full (same path as Cancel). Worker-only.
func (s *Service) Fail(ctx context.Context, jobID, callerAddr, reason string) (*Job, error) {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	j, err := s.get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(callerAddr) != j.WorkerAddr {
		return nil, ErrUnauthorized
	}
	if j.Status != StatusInProgress {
		return nil, ErrInvalidTransition
	}

	if err := s.ledger.RefundEscrow(ctx, j.ClientAddr, j.Price, j.ID); err != nil {
		return nil, fmt.Errorf("job: refund escrow: %w", err)
	}

	now := time.Now()
	j.Status = StatusFailed
	j.EscrowStatus = EscrowRefunded
	j.RefundedAt = &now

	if err := s.store.UpdateStatus(ctx, j, activity(j.ID, "failed", j.WorkerAddr, reason)); err != nil {
		s.logger.Error("job failed but status update failed; funds already refunded", "job_id", j.ID, "error", err)
		return nil, fmt.Errorf("job: fail (requires manual resolution): %w", err)
	}

	s.publish(ctx, eventbus.JobFailed, map[string]string{"job_id": j.ID, "reason": reason})
	return j, nil
}

// Get returns a job by ID.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.get(ctx, id)
}

func (s *Service) get(ctx context.Context, id string) (*Job, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrNotFound
	}
	return j, nil
}

// Deliverables returns a job's version history.
func (s *Service) Deliverables(ctx context.Context, jobID string) ([]*Deliverable, error) {
	return s.store.GetDeliverables(ctx, jobID)
}

// Activity returns a job's audit trail.
func (s *Service) Activity(ctx context.Context, jobID string) ([]*ActivityLog, error) {
	return s.store.GetActivityLog(ctx, jobID)
}
