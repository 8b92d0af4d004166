package negotiation

import (
	"context"
	"testing"
	"time"

	"github.com/agentcoin/marketplace/internal/amount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	buyer  = "0xbuyer"
	seller = "0xseller"
)

var (
	minPrice = amount.MustParse("10")
	maxPrice = amount.MustParse("200")
)

func newTestService() *Service {
	return NewService(NewMemoryStore(), nil, nil, nil, 4, time.Hour)
}

func TestStartNegotiation_CreatesActiveWithInitialOffer(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	n, err := s.StartNegotiation(ctx, "svc_1", buyer, seller, buyer, amount.MustParse("100"), minPrice, maxPrice, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, n.Status)
	assert.Equal(t, 1, n.Round)
	assert.Equal(t, buyer, n.CurrentProposer)

	offers, err := s.GetOffers(ctx, n.ID)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, ActionPropose, offers[0].Action)
}

func TestStartNegotiation_RejectsOfferBelowServiceMin(t *testing.T) {
	s := newTestService()
	_, err := s.StartNegotiation(context.Background(), "svc_1", buyer, seller, buyer, amount.MustParse("5"), minPrice, maxPrice, nil)
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestStartNegotiation_RejectsOfferAboveClientMax(t *testing.T) {
	s := newTestService()
	clientMax := amount.MustParse("50")
	_, err := s.StartNegotiation(context.Background(), "svc_1", buyer, seller, buyer, amount.MustParse("100"), minPrice, maxPrice, &clientMax)
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestRespond_AcceptAgreesAtCurrentPrice(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	n, _ := s.StartNegotiation(ctx, "svc_1", buyer, seller, buyer, amount.MustParse("100"), minPrice, maxPrice, nil)

	got, err := s.Respond(ctx, n.ID, seller, ActionAccept, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusAgreed, got.Status)
	assert.Equal(t, "100.00000000", got.AgreedPrice)
}

func TestRespond_RejectEndsNegotiation(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	n, _ := s.StartNegotiation(ctx, "svc_1", buyer, seller, buyer, amount.MustParse("100"), minPrice, maxPrice, nil)

	got, err := s.Respond(ctx, n.ID, seller, ActionReject, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
}

func TestRespond_CounterFlipsProposerAndIncrementsRound(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	n, _ := s.StartNegotiation(ctx, "svc_1", buyer, seller, buyer, amount.MustParse("100"), minPrice, maxPrice, nil)

	counter := amount.MustParse("120")
	got, err := s.Respond(ctx, n.ID, seller, ActionCounter, &counter)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Round)
	assert.Equal(t, seller, got.CurrentProposer)
	assert.Equal(t, "120.00000000", got.CurrentPrice)

	// buyer can now accept the seller's counter.
	final, err := s.Respond(ctx, n.ID, buyer, ActionAccept, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusAgreed, final.Status)
	assert.Equal(t, "120.00000000", final.AgreedPrice)
}

func TestRespond_CounterRejectsPriceOutsideServiceBounds(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	n, _ := s.StartNegotiation(ctx, "svc_1", buyer, seller, buyer, amount.MustParse("100"), minPrice, maxPrice, nil)

	counter := amount.MustParse("500")
	_, err := s.Respond(ctx, n.ID, seller, ActionCounter, &counter)
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestRespond_CounterRejectsPriceAboveClientMaxWhenClientCounters(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	clientMax := amount.MustParse("110")
	n, _ := s.StartNegotiation(ctx, "svc_1", buyer, seller, seller, amount.MustParse("100"), minPrice, maxPrice, &clientMax)

	counter := amount.MustParse("150")
	_, err := s.Respond(ctx, n.ID, buyer, ActionCounter, &counter)
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestRespond_RejectsOutOfTurnResponse(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	n, _ := s.StartNegotiation(ctx, "svc_1", buyer, seller, buyer, amount.MustParse("100"), minPrice, maxPrice, nil)

	_, err := s.Respond(ctx, n.ID, buyer, ActionAccept, nil)
	assert.ErrorIs(t, err, ErrNotYourTurn)
}

func TestRespond_MaxRoundsExceeded(t *testing.T) {
	s := NewService(NewMemoryStore(), nil, nil, nil, 2, time.Hour)
	ctx := context.Background()
	n, _ := s.StartNegotiation(ctx, "svc_1", buyer, seller, buyer, amount.MustParse("100"), minPrice, maxPrice, nil)

	counter := amount.MustParse("90")
	_, err := s.Respond(ctx, n.ID, seller, ActionCounter, &counter)
	require.NoError(t, err)

	counter2 := amount.MustParse("95")
	_, err = s.Respond(ctx, n.ID, buyer, ActionCounter, &counter2)
	assert.ErrorIs(t, err, ErrMaxRoundsExceeded)

	got, err := s.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
}

func TestRespond_OnClosedNegotiationFails(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	n, _ := s.StartNegotiation(ctx, "svc_1", buyer, seller, buyer, amount.MustParse("100"), minPrice, maxPrice, nil)
	_, err := s.Respond(ctx, n.ID, seller, ActionReject, nil)
	require.NoError(t, err)

	_, err = s.Respond(ctx, n.ID, buyer, ActionAccept, nil)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestCheckExpired_ExpiresOverdueNegotiations(t *testing.T) {
	s := NewService(NewMemoryStore(), nil, nil, nil, 4, time.Millisecond)
	ctx := context.Background()
	n, _ := s.StartNegotiation(ctx, "svc_1", buyer, seller, buyer, amount.MustParse("100"), minPrice, maxPrice, nil)

	time.Sleep(5 * time.Millisecond)
	s.CheckExpired(ctx)

	got, err := s.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
}

type stubBalances struct {
	sufficient bool
}

func (b stubBalances) CanAfford(ctx context.Context, agentAddr string, amt amount.Amount) (bool, error) {
	return b.sufficient, nil
}

func TestStartNegotiation_RejectsWhenClientCannotAfford(t *testing.T) {
	s := NewService(NewMemoryStore(), nil, nil, stubBalances{sufficient: false}, 4, time.Hour)
	_, err := s.StartNegotiation(context.Background(), "svc_1", buyer, seller, buyer, amount.MustParse("100"), minPrice, maxPrice, nil)
	assert.ErrorIs(t, err, ErrInvalidPrice)
}
