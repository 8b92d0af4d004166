package negotiation

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
	"github.com/agentcoin/marketplace/internal/traces"
)

// BalanceChecker is the narrow liveness-check capability negotiation
// needs from the Ledger, kept as a local interface so this package
// doesn't import internal/ledger directly (teacher idiom: see
// escrow.LedgerService).
type BalanceChecker interface {
	CanAfford(ctx context.Context, agentAddr string, amt amount.Amount) (bool, error)
}

// Service implements negotiation business logic on top of a Store.
type Service struct {
	store     Store
	bus       *eventbus.Bus
	logger    *slog.Logger
	balances  BalanceChecker
	locks     sync.Map // per-negotiation-ID locks
	maxRounds int
	ttl       time.Duration
}

// negotiationLock returns the mutex guarding one negotiation's state
// transitions, so two concurrent Respond calls for the same negotiation
// can't race past each other's round check.
func (s *Service) negotiationLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// NewService creates a negotiation Service. bus, logger, and balances may
// be nil; a nil balances skips the liveness check on the client's
// available balance.
func NewService(store Store, bus *eventbus.Bus, logger *slog.Logger, balances BalanceChecker, maxRounds int, ttl time.Duration) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRounds <= 0 {
		maxRounds = 10
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{store: store, bus: bus, logger: logger, balances: balances, maxRounds: maxRounds, ttl: ttl}
}

// priceWithinBounds checks price against the service's snapshotted
// min/max and, when the acting agent is the client and a client max is
// set, against that ceiling too.
func priceWithinBounds(price amount.Amount, minPrice, maxPrice amount.Amount, clientMaxPrice *amount.Amount, actorIsClient bool) bool {
	if price.LessThan(minPrice) || price.GreaterThan(maxPrice) {
		return false
	}
	if actorIsClient && clientMaxPrice != nil && price.GreaterThan(*clientMaxPrice) {
		return false
	}
	return true
}

func (s *Service) publish(ctx context.Context, typ eventbus.Type, data interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, typ, data)
}

// StartNegotiation opens a negotiation over serviceID with an initial
// offer from proposerAddr. minPrice/maxPrice are the service's price
// bounds, snapshotted onto the negotiation; clientMaxPrice is the
// buyer's optional self-imposed ceiling.
func (s *Service) StartNegotiation(ctx context.Context, serviceID, buyerAddr, sellerAddr, proposerAddr string, price, minPrice, maxPrice amount.Amount, clientMaxPrice *amount.Amount) (*Negotiation, error) {
	ctx, span := traces.StartSpan(ctx, "negotiation.StartNegotiation", traces.AgentAddr(proposerAddr), traces.Amount(price.String()))
	defer span.End()

	if price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	buyer, seller, proposer := strings.ToLower(buyerAddr), strings.ToLower(sellerAddr), strings.ToLower(proposerAddr)
	if proposer != buyer && proposer != seller {
		return nil, fmt.Errorf("negotiation: proposer must be the buyer or seller")
	}
	if !priceWithinBounds(price, minPrice, maxPrice, clientMaxPrice, proposer == buyer) {
		return nil, ErrInvalidPrice
	}
	if s.balances != nil {
		ok, err := s.balances.CanAfford(ctx, buyer, price)
		if err != nil {
			return nil, fmt.Errorf("negotiation: balance check: %w", err)
		}
		if !ok {
			return nil, ErrInvalidPrice
		}
	}

	clientMax := ""
	if clientMaxPrice != nil {
		clientMax = clientMaxPrice.String()
	}

	now := time.Now()
	n := &Negotiation{
		ID:              idgen.WithPrefix("neg_"),
		ServiceID:       serviceID,
		BuyerAddr:       buyer,
		SellerAddr:      seller,
		Status:          StatusActive,
		CurrentPrice:    price.String(),
		CurrentProposer: proposer,
		Round:           1,
		MaxRounds:       s.maxRounds,
		ExpiresAt:       now.Add(s.ttl),
		ServiceMinPrice: minPrice.String(),
		ServiceMaxPrice: maxPrice.String(),
		ClientMaxPrice:  clientMax,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	offer := &Offer{
		ID:            idgen.WithPrefix("off_"),
		NegotiationID: n.ID,
		ProposerAddr:  proposer,
		Action:        ActionPropose,
		PriceAGNT:     price.String(),
		Round:         1,
		CreatedAt:     now,
	}

	if err := s.store.Create(ctx, n, offer); err != nil {
		return nil, fmt.Errorf("negotiation: create: %w", err)
	}

	s.logger.Info("negotiation started", "id", n.ID, "service", serviceID, "proposer", proposer, "price", price.String())
	s.publish(ctx, eventbus.NegotiationStarted, map[string]string{"negotiation_id": n.ID, "service_id": serviceID})
	return n, nil
}

// Respond applies responderAddr's decision to the negotiation's current
// offer: accept agrees at the current price, reject ends it, and a
// non-nil counterPrice proposes a new price and flips current_proposer.
func (s *Service) Respond(ctx context.Context, negotiationID, responderAddr string, action OfferAction, counterPrice *amount.Amount) (*Negotiation, error) {
	ctx, span := traces.StartSpan(ctx, "negotiation.Respond", traces.NegotiationID(negotiationID), traces.AgentAddr(responderAddr))
	defer span.End()

	lock := s.negotiationLock(negotiationID)
	lock.Lock()
	defer lock.Unlock()

	n, err := s.store.Get(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, ErrNotFound
	}
	if !n.IsActive() {
		return nil, ErrNotActive
	}
	if time.Now().After(n.ExpiresAt) {
		_ = s.store.SetStatus(ctx, n.ID, StatusExpired, "")
		s.publish(ctx, eventbus.NegotiationExpired, map[string]string{"negotiation_id": n.ID})
		return nil, ErrExpired
	}

	responder := strings.ToLower(responderAddr)
	if responder != n.OtherParty() {
		return nil, ErrNotYourTurn
	}

	switch action {
	case ActionAccept:
		if err := s.store.SetStatus(ctx, n.ID, StatusAgreed, n.CurrentPrice); err != nil {
			return nil, err
		}
		offer := &Offer{ID: idgen.WithPrefix("off_"), NegotiationID: n.ID, ProposerAddr: responder, Action: ActionAccept, PriceAGNT: n.CurrentPrice, Round: n.Round}
		if err := s.store.AppendOffer(ctx, n, offer); err != nil {
			return nil, err
		}
		n.Status = StatusAgreed
		n.AgreedPrice = n.CurrentPrice
		s.logger.Info("negotiation agreed", "id", n.ID, "price", n.CurrentPrice)
		s.publish(ctx, eventbus.NegotiationAgreed, map[string]string{"negotiation_id": n.ID, "price": n.CurrentPrice})
		return n, nil

	case ActionReject:
		if err := s.store.SetStatus(ctx, n.ID, StatusRejected, ""); err != nil {
			return nil, err
		}
		offer := &Offer{ID: idgen.WithPrefix("off_"), NegotiationID: n.ID, ProposerAddr: responder, Action: ActionReject, PriceAGNT: n.CurrentPrice, Round: n.Round}
		if err := s.store.AppendOffer(ctx, n, offer); err != nil {
			return nil, err
		}
		n.Status = StatusRejected
		s.logger.Info("negotiation rejected", "id", n.ID)
		s.publish(ctx, eventbus.NegotiationRejected, map[string]string{"negotiation_id": n.ID})
		return n, nil

	case ActionCounter:
		if counterPrice == nil || counterPrice.Sign() <= 0 {
			return nil, ErrInvalidPrice
		}
		minPrice, maxPrice := amount.MustParse(n.ServiceMinPrice), amount.MustParse(n.ServiceMaxPrice)
		var clientMax *amount.Amount
		if n.ClientMaxPrice != "" {
			cm := amount.MustParse(n.ClientMaxPrice)
			clientMax = &cm
		}
		responderIsClient := responder == n.BuyerAddr
		if !priceWithinBounds(*counterPrice, minPrice, maxPrice, clientMax, responderIsClient) {
			return nil, ErrInvalidPrice
		}
		if responderIsClient && s.balances != nil {
			ok, err := s.balances.CanAfford(ctx, responder, *counterPrice)
			if err != nil {
				return nil, fmt.Errorf("negotiation: balance check: %w", err)
			}
			if !ok {
				return nil, ErrInvalidPrice
			}
		}
		if n.Round >= n.MaxRounds {
			_ = s.store.SetStatus(ctx, n.ID, StatusRejected, "")
			s.logger.Info("negotiation rejected: max rounds exceeded", "id", n.ID, "round", n.Round, "max_rounds", n.MaxRounds)
			s.publish(ctx, eventbus.NegotiationRejected, map[string]string{"negotiation_id": n.ID})
			return nil, ErrMaxRoundsExceeded
		}
		n.Round++
		n.CurrentPrice = counterPrice.String()
		n.CurrentProposer = responder
		n.UpdatedAt = time.Now()

		offer := &Offer{ID: idgen.WithPrefix("off_"), NegotiationID: n.ID, ProposerAddr: responder, Action: ActionCounter, PriceAGNT: n.CurrentPrice, Round: n.Round}
		if err := s.store.AppendOffer(ctx, n, offer); err != nil {
			return nil, err
		}
		s.logger.Info("negotiation countered", "id", n.ID, "round", n.Round, "price", n.CurrentPrice)
		s.publish(ctx, eventbus.NegotiationCountered, map[string]string{"negotiation_id": n.ID, "price": n.CurrentPrice, "round": fmt.Sprint(n.Round)})
		return n, nil

	default:
		return nil, fmt.Errorf("negotiation: unknown action %q", action)
	}
}

// Get returns a negotiation by ID.
func (s *Service) Get(ctx context.Context, id string) (*Negotiation, error) {
	n, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, ErrNotFound
	}
	return n, nil
}

// GetOffers returns the full offer log for a negotiation.
func (s *Service) GetOffers(ctx context.Context, id string) ([]*Offer, error) {
	return s.store.GetOffers(ctx, id)
}

// CheckExpired finds active negotiations past their deadline and marks
// them expired. Intended to be called periodically by Timer.
func (s *Service) CheckExpired(ctx context.Context) {
	expired, err := s.store.ListExpirable(ctx, time.Now())
	if err != nil {
		s.logger.Error("negotiation: list expirable failed", "error", err)
		return
	}
	for _, n := range expired {
		if err := s.store.SetStatus(ctx, n.ID, StatusExpired, ""); err != nil {
			s.logger.Error("negotiation: expire failed", "id", n.ID, "error", err)
			continue
		}
		s.publish(ctx, eventbus.NegotiationExpired, map[string]string{"negotiation_id": n.ID})
	}
}
