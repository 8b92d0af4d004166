// Package negotiation implements bilateral price negotiation between a
// buyer and a seller agent over a single service, ahead of job creation.
//
// Flow: either party opens a negotiation with an initial offer. The
// other party may accept it (negotiation -> agreed), reject it
// (-> rejected), or counter with a new price (the round counter
// increments and current_proposer flips to the other side). A
// negotiation that runs past MaxRounds or past its deadline without
// agreement expires. Every offer is appended to an immutable log so the
// full back-and-forth is auditable after the fact.
//
// Modeled on the teacher's internal/negotiation.Service: the per-entity
// sync.Map lock (here per negotiation ID), the Store interface shape,
// and the background Timer sweeping for expiry are all kept. The
// RFP/multi-seller-bid marketplace itself is replaced: this spec is a
// single buyer and a single seller haggling over one service, not an
// auction with many competing bidders.
package negotiation

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("negotiation: not found")
	ErrNotActive         = errors.New("negotiation: not active")
	ErrNotYourTurn       = errors.New("negotiation: not the responding party's turn")
	ErrMaxRoundsExceeded = errors.New("negotiation: maximum offer rounds exceeded")
	ErrExpired           = errors.New("negotiation: already expired")
	ErrInvalidPrice      = errors.New("negotiation: invalid price")
)

// Status is the lifecycle state of a negotiation.
type Status string

const (
	StatusActive   Status = "active"
	StatusAgreed   Status = "agreed"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// OfferAction names what a party did with an offer.
type OfferAction string

const (
	ActionPropose OfferAction = "propose"
	ActionCounter OfferAction = "counter"
	ActionAccept  OfferAction = "accept"
	ActionReject  OfferAction = "reject"
)

// Offer is one immutable entry in a negotiation's append-only log.
type Offer struct {
	ID            string
	NegotiationID string
	ProposerAddr  string
	Action        OfferAction
	PriceAGNT     string
	Round         int
	CreatedAt     time.Time
}

// Negotiation is one bilateral price discussion over a service.
type Negotiation struct {
	ID              string
	ServiceID       string
	BuyerAddr       string
	SellerAddr      string
	Status          Status
	CurrentPrice    string
	CurrentProposer string // address of the agent who made the most recent offer
	Round           int    // number of offers exchanged so far
	MaxRounds       int
	ExpiresAt       time.Time
	AgreedPrice     string

	// ServiceMinPrice/ServiceMaxPrice are the service's price bounds,
	// snapshotted at negotiation start so a later change to the service's
	// listed bounds can't retroactively affect an in-flight negotiation.
	ServiceMinPrice string
	ServiceMaxPrice string
	// ClientMaxPrice is the buyer's optional self-imposed ceiling; empty
	// means unset.
	ClientMaxPrice string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive reports whether the negotiation can still receive a response.
func (n *Negotiation) IsActive() bool {
	return n.Status == StatusActive
}

// OtherParty returns the address that did not make the most recent
// offer, i.e. whose turn it is to respond.
func (n *Negotiation) OtherParty() string {
	if strings.EqualFold(n.CurrentProposer, n.BuyerAddr) {
		return n.SellerAddr
	}
	return n.BuyerAddr
}

// Store persists negotiations and their offer logs.
type Store interface {
	Create(ctx context.Context, n *Negotiation, initial *Offer) error
	Get(ctx context.Context, id string) (*Negotiation, error)
	GetOffers(ctx context.Context, negotiationID string) ([]*Offer, error)
	AppendOffer(ctx context.Context, n *Negotiation, o *Offer) error
	SetStatus(ctx context.Context, id string, status Status, agreedPrice string) error
	ListExpirable(ctx context.Context, before time.Time) ([]*Negotiation, error)
}
