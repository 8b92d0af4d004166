package job

import (
	"context"
	"sync"
	"testing"

	"github.com/agentcoin/marketplace/internal/amount"
	"github.com/agentcoin/marketplace/internal/registry"
	"github.com/agentcoin/marketplace/internal/reputation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLedger records calls for verification, mirroring the teacher's
// escrow test doubles.
type mockLedger struct {
	mu       sync.Mutex
	locked   map[string]amount.Amount
	released map[string]amount.Amount
	refunded map[string]amount.Amount
	lockErr  error
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		locked:   make(map[string]amount.Amount),
		released: make(map[string]amount.Amount),
		refunded: make(map[string]amount.Amount),
	}
}

func (m *mockLedger) LockEscrow(ctx context.Context, agentAddr string, amt amount.Amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockErr != nil {
		return m.lockErr
	}
	m.locked[reference] = amt
	return nil
}

func (m *mockLedger) ReleaseEscrow(ctx context.Context, buyerAddr, sellerAddr string, amt amount.Amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released[reference] = amt
	return nil
}

func (m *mockLedger) RefundEscrow(ctx context.Context, agentAddr string, amt amount.Amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunded[reference] = amt
	return nil
}

func newTestRegistry() *registry.MemoryStore {
	r := registry.NewMemoryStore()
	r.SeedAgent(&registry.Agent{Address: "0xclient", Status: registry.StatusAvailable})
	r.SeedAgent(&registry.Agent{Address: "0xworker", Status: registry.StatusAvailable})
	r.SeedService(&registry.Service{
		ID:               "svc_1",
		AgentAddress:     "0xworker",
		Name:             "summarizer",
		MinPrice:         amount.MustParse("10"),
		MaxPrice:         amount.MustParse("20"),
		AllowNegotiation: false,
		IsActive:         true,
	})
	return r
}

func newTestService(t *testing.T, ledger LedgerService, rep ReputationUpdater, agents registry.Store) *Service {
	t.Helper()
	return NewService(NewMemoryStore(), ledger, rep, agents, nil, nil, nil, nil, nil)
}

func TestCreate_LocksEscrowAtMidpointDefault(t *testing.T) {
	ledger := newMockLedger()
	agents := newTestRegistry()
	svc := newTestService(t, ledger, nil, agents)

	j, err := svc.Create(context.Background(), "0xclient", "svc_1", "summarize this", "text...", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, EscrowFunded, j.EscrowStatus)
	assert.Equal(t, "15.00000000", j.Price.String())
	assert.Equal(t, NegotiatedByAgent, j.NegotiatedBy)
	assert.Equal(t, "0xworker", j.WorkerAddr)
	assert.Equal(t, j.Price.String(), ledger.locked[j.ID].String())
}

func TestCreate_RejectsMidpointWhenServiceRequiresNegotiation(t *testing.T) {
	ledger := newMockLedger()
	agents := newTestRegistry()
	svc, err := agents.GetService(context.Background(), "svc_1")
	require.NoError(t, err)
	svc.AllowNegotiation = true
	agents.SeedService(svc)

	s := newTestService(t, ledger, nil, agents)
	_, err = s.Create(context.Background(), "0xclient", "svc_1", "t", "i", "", "", "")
	assert.ErrorIs(t, err, ErrInvalidPricing)
}

func TestCreate_LinksParentJob(t *testing.T) {
	ledger := newMockLedger()
	agents := newTestRegistry()
	s := newTestService(t, ledger, nil, agents)
	ctx := context.Background()

	parent, err := s.Create(ctx, "0xclient", "svc_1", "parent", "i", "", "", "")
	require.NoError(t, err)

	child, err := s.Create(ctx, "0xclient", "svc_1", "child", "i", "", "", parent.ID)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, child.ParentJobID)
}

func TestCreate_FailsOnMissingParent(t *testing.T) {
	ledger := newMockLedger()
	agents := newTestRegistry()
	s := newTestService(t, ledger, nil, agents)

	_, err := s.Create(context.Background(), "0xclient", "svc_1", "t", "i", "", "", "job_doesnotexist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreate_RejectsCyclicParentChain(t *testing.T) {
	ledger := newMockLedger()
	agents := newTestRegistry()
	s := newTestService(t, ledger, nil, agents)
	ctx := context.Background()

	a, err := s.Create(ctx, "0xclient", "svc_1", "a", "i", "", "", "")
	require.NoError(t, err)
	b, err := s.Create(ctx, "0xclient", "svc_1", "b", "i", "", "", a.ID)
	require.NoError(t, err)

	// Corrupt the stored chain so a points to b, forming a cycle
	// a -> b -> a that a fresh Create must refuse to extend.
	store := s.store.(*MemoryStore)
	corrupted, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	corrupted.ParentJobID = b.ID
	require.NoError(t, store.UpdateStatus(ctx, corrupted, activity(a.ID, "test-corrupt", "0xclient", "")))

	_, err = s.Create(ctx, "0xclient", "svc_1", "c", "i", "", "", b.ID)
	assert.ErrorIs(t, err, ErrParentCycle)
}

func TestStart_TransitionsPendingToInProgressForWorker(t *testing.T) {
	ledger := newMockLedger()
	agents := newTestRegistry()
	s := newTestService(t, ledger, nil, agents)

	j, err := s.Create(context.Background(), "0xclient", "svc_1", "t", "i", "", "", "")
	require.NoError(t, err)

	started, err := s.Start(context.Background(), j.ID, "0xworker")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, started.Status)
	assert.NotNil(t, started.StartedAt)
}

func TestStart_RejectsNonWorkerCaller(t *testing.T) {
	ledger := newMockLedger()
	agents := newTestRegistry()
	s := newTestService(t, ledger, nil, agents)

	j, err := s.Create(context.Background(), "0xclient", "svc_1", "t", "i", "", "", "")
	require.NoError(t, err)

	_, err = s.Start(context.Background(), j.ID, "0xclient")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestStart_RejectsWrongStatus(t *testing.T) {
	ledger := newMockLedger()
	agents := newTestRegistry()
	s := newTestService(t, ledger, nil, agents)

	j, err := s.Create(context.Background(), "0xclient", "svc_1", "t", "i", "", "", "")
	require.NoError(t, err)
	_, err = s.Start(context.Background(), j.ID, "0xworker")
	require.NoError(t, err)

	_, err = s.Start(context.Background(), j.ID, "0xworker")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func deliverFullFlow(t *testing.T, s *Service, jobID string) *Job {
	t.Helper()
	_, err := s.Start(context.Background(), jobID, "0xworker")
	require.NoError(t, err)
	d, err := s.Deliver(context.Background(), jobID, "0xworker", "first draft")
	require.NoError(t, err)
	return d
}

func TestDeliver_AppendsVersionedDeliverable(t *testing.T) {
	ledger := newMockLedger()
	agents := newTestRegistry()
	s := newTestService(t, ledger, nil, agents)

	j, err := s.Create(context.Background(), "0xclient", "svc_1", "t", "i", "", "", "")
	require.NoError(t, err)

	delivered := deliverFullFlow(t, s, j.ID)
	assert.Equal(t, StatusDelivered, delivered.Status)

	deliverables, err := s.Deliverables(context.Background(), j.ID)
	require.NoError(t, err)
	require.Len(t, deliverables, 1)
	assert.Equal(t, 1, deliverables[0].Version)
}

func TestRequestRevision_LoopsBackToDelivered(t *testing.T) {
	ledger := newMockLedger()
	agents := newTestRegistry()
	s := newTestService(t, ledger, nil, agents)

	j, err := s.Create(context.Background(), "0xclient", "svc_1", "t", "i", "", "", "")
	require.NoError(t, err)
	deliverFullFlow(t, s, j.ID)

	revised, err := s.RequestRevision(context.Background(), j.ID, "0xclient", "please shorten")
	require.NoError(t, err)
	assert.Equal(t, StatusRevisionRequested, revised.Status)

	redelivered, err := s.Deliver(context.Background(), j.ID, "0xworker", "shortened draft")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, redelivered.Status)

	deliverables, err := s.Deliverables(context.Background(), j.ID)
	require.NoError(t, err)
	require.Len(t, deliverables, 2)
	assert.Equal(t, 2, deliverables[1].Version)
}

func TestComplete_ReleasesEscrowAndUpdatesReputationAndCounters(t *testing.T) {
	ledger := newMockLedger()
	agents := newTestRegistry()
	rep := reputation.New(reputation.NewMemoryStore())
	s := newTestService(t, ledger, rep, agents)

	j, err := s.Create(context.Background(), "0xclient", "svc_1", "t", "i", "", "", "")
	require.NoError(t, err)
	deliverFullFlow(t, s, j.ID)

	completed, err := s.Complete(context.Background(), j.ID, "0xclient", 5, "great work")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	assert.Equal(t, EscrowReleased, completed.EscrowStatus)
	require.NotNil(t, completed.Rating)
	assert.Equal(t, 5, *completed.Rating)
	assert.Equal(t, j.Price.String(), ledger.released[j.ID].String())

	score, err := rep.Get(context.Background(), "0xworker")
	require.NoError(t, err)
	require.NotNil(t, score)
	assert.Equal(t, 1, score.JobsCompleted)

	worker, err := agents.GetAgent(context.Background(), "0xworker")
	require.NoError(t, err)
	assert.Equal(t, int64(1), worker.JobsCompleted)
	assert.Equal(t, j.Price.String(), worker.TotalEarned.String())

	client, err := agents.GetAgent(context.Background(), "0xclient")
	require.NoError(t, err)
	assert.Equal(t, int64(1), client.JobsHired)
}

func TestComplete_RejectsInvalidRating(t *testing.T) {
	ledger := newMockLedger()
	agents := newTestRegistry()
	s := newTestService(t, ledger, nil, agents)

	j, err := s.Create(context.Background(), "0xclient", "svc_1", "t", "i", "", "", "")
	require.NoError(t, err)
	deliverFullFlow(t, s, j.ID)

	_, err = s.Complete(context.Background(), j.ID, "0xclient", 6, "")
	assert.ErrorIs(t, err, ErrInvalidRating)
}

func TestComplete_RejectsNonClientCaller(t *testing.T) {
	ledger := newMockLedger()
	agents := newTestRegistry()
	s := newTestService(t, ledger, nil, agents)

	j, err := s.Create(context.Background(), "0xclient", "svc_1", "t", "i", "", "", "")
	require.NoError(t, err)
	deliverFullFlow(t, s, j.ID)

	_, err = s.Complete(context.Background(), j.ID, "0xworker", 5, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCancel_RefundsClientAndOnlyFromPending(t *testing.T) {
	ledger := newMockLedger()
	agents := newTestRegistry()
	s := newTestService(t, ledger, nil, agents)

	j, err := s.Create(context.Background(), "0xclient", "svc_1", "t", "i", "", "", "")
	require.NoError(t, err)

	cancelled, err := s.Cancel(context.Background(), j.ID, "0xclient")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, EscrowRefunded, cancelled.EscrowStatus)
	assert.Equal(t, j.Price.String(), ledger.refunded[j.ID].String())

	_, err = s.Cancel(context.Background(), j.ID, "0xclient")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFail_RefundsClientFromInProgress(t *testing.T) {
	ledger := newMockLedger()
	agents := newTestRegistry()
	s := newTestService(t, ledger, nil, agents)

	j, err := s.Create(context.Background(), "0xclient", "svc_1", "t", "i", "", "", "")
	require.NoError(t, err)
	_, err = s.Start(context.Background(), j.ID, "0xworker")
	require.NoError(t, err)

	failed, err := s.Fail(context.Background(), j.ID, "0xworker", "cannot complete, input corrupted")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, EscrowRefunded, failed.EscrowStatus)
	assert.Equal(t, j.Price.String(), ledger.refunded[j.ID].String())
}

func TestFail_RejectsClientCaller(t *testing.T) {
	ledger := newMockLedger()
	agents := newTestRegistry()
	s := newTestService(t, ledger, nil, agents)

	j, err := s.Create(context.Background(), "0xclient", "svc_1", "t", "i", "", "", "")
	require.NoError(t, err)
	_, err = s.Start(context.Background(), j.ID, "0xworker")
	require.NoError(t, err)

	_, err = s.Fail(context.Background(), j.ID, "0xclient", "nope")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestGet_UnknownJobReturnsNotFound(t *testing.T) {
	ledger := newMockLedger()
	agents := newTestRegistry()
	s := newTestService(t, ledger, nil, agents)

	_, err := s.Get(context.Background(), "job_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
