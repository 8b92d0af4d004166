// Package verifier confirms an agent's claimed on-chain AGNT payment and
// credits the ledger exactly once per transaction hash.
//
// Flow: an agent claims to have sent a payment by tx_hash. VerifyPayment
// records a pending attempt, fetches the receipt from the Chain Adapter,
// checks it succeeded and carries a Transfer of exactly the expected
// amount to the claim's expected recipient (the platform wallet for a
// top_up, or the named agent's wallet for a p2p transfer), then credits
// the ledger. Every step is idempotent on tx_hash so a retried or
// concurrently duplicated call never double-credits.
//
// Grounded on the teacher's internal/watcher.Watcher: the dedup-by-hash
// guard, the rejection of a log with the wrong topic/data shape, and the
// "credit once, never again" guarantee are all the same idea, reshaped
// from an always-on poller watching every deposit into a request-driven
// check against one hash a caller already knows about.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentcoin/marketplace/internal/amount"
	"github.com/agentcoin/marketplace/internal/chainadapter"
	"github.com/agentcoin/marketplace/internal/eventbus"
	"github.com/agentcoin/marketplace/internal/ledger"
	"github.com/agentcoin/marketplace/internal/registry"
	"github.com/agentcoin/marketplace/internal/traces"
)

var (
	ErrAlreadyProcessed   = errors.New("verifier: payment already processed")
	ErrTransactionPending = errors.New("verifier: transaction not yet mined")
	ErrVerificationFailed = errors.New("verifier: transaction does not satisfy payment claim")
	ErrInvalidAmount      = errors.New("verifier: invalid expected amount")
	ErrInvalidType        = errors.New("verifier: invalid transaction type")
	ErrInvalidRecipient   = errors.New("verifier: recipient agent has no registered wallet address")
)

// TransactionType is the purpose of a claimed payment, which determines
// both the expected on-chain recipient and the ledger credit target.
type TransactionType string

const (
	TypeTopUp  TransactionType = "top_up"
	TypeP2P    TransactionType = "p2p"
	TypeRefund TransactionType = "refund"
)

// Status is the lifecycle state of one payment verification attempt.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusCredited Status = "credited"
	StatusFailed   Status = "failed"
)

// Payment is one verification attempt, keyed on TxHash. AgentAddr is
// always the initiator who submitted the claim; RecipientAddr is only
// meaningful for Type == TypeP2P, where it names the agent the funds
// must land on instead of the platform wallet.
type Payment struct {
	ID             string
	AgentAddr      string
	RecipientAddr  string
	Type           TransactionType
	TxHash         string
	ExpectedAmount amount.Amount
	ActualAmount   amount.Amount
	Status         Status
	FailureReason  string
	CreatedAt      time.Time
	VerifiedAt     *time.Time
	CreditedAt     *time.Time
}

// Store persists payment verification attempts.
type Store interface {
	GetByTxHash(ctx context.Context, txHash string) (*Payment, error)
	Create(ctx context.Context, p *Payment) error
	MarkVerified(ctx context.Context, txHash string, actual amount.Amount) error
	MarkCredited(ctx context.Context, txHash string) error
	MarkFailed(ctx context.Context, txHash, reason string) error
}

// AgentResolver is the narrow capability the Verifier needs from the
// Registry: looking up a p2p recipient's on-chain payout address,
// without importing the whole registry.Store surface.
type AgentResolver interface {
	GetAgent(ctx context.Context, address string) (*registry.Agent, error)
}

// Verifier checks claimed payments against the chain and credits the
// ledger once a claim is confirmed.
type Verifier struct {
	store           Store
	chain           chainadapter.Adapter
	ledger          *ledger.Ledger
	agents          AgentResolver
	bus             *eventbus.Bus
	logger          *slog.Logger
	platformAddress string
	tokenAddress    string
}

// New creates a Verifier. platformAddress is the marketplace's receiving
// wallet for top_up payments; tokenAddress is the AGNT ERC-20 contract.
// agents resolves a p2p recipient's wallet address; bus and logger may be
// nil.
func New(store Store, chain chainadapter.Adapter, lg *ledger.Ledger, agents AgentResolver, bus *eventbus.Bus, logger *slog.Logger, platformAddress, tokenAddress string) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		store:           store,
		chain:           chain,
		ledger:          lg,
		agents:          agents,
		bus:             bus,
		logger:          logger,
		platformAddress: strings.ToLower(platformAddress),
		tokenAddress:    strings.ToLower(tokenAddress),
	}
}

func (v *Verifier) publish(ctx context.Context, typ eventbus.Type, data interface{}) {
	if v.bus == nil {
		return
	}
	v.bus.Publish(ctx, typ, data)
}

// VerifyPayment confirms that txHash carries an AGNT transfer of
// exactly expected from agentAddr (the initiator) to the transaction's
// expected recipient, then credits the ledger. For txType ==
// TypeTopUp the expected recipient is the platform wallet and the
// credit target is the initiator; for TypeP2P the expected recipient is
// recipientAddr's registered wallet address and the credit target is
// the recipient. Calling it again with the same txHash after a credit
// returns ErrAlreadyProcessed; calling it again after a transient
// failure (the transaction not yet mined) simply retries the check.
func (v *Verifier) VerifyPayment(ctx context.Context, agentAddr, txHash string, expected amount.Amount, txType TransactionType, recipientAddr string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "verifier.VerifyPayment", traces.AgentAddr(agentAddr))
	defer span.End()

	if expected.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	addr := strings.ToLower(agentAddr)
	recipient := strings.ToLower(recipientAddr)

	expectedOnChainRecipient, creditTarget, err := v.resolveParties(ctx, addr, txType, recipient)
	if err != nil {
		return nil, err
	}

	existing, err := v.store.GetByTxHash(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("verifier: lookup payment: %w", err)
	}
	if existing == nil {
		existing = &Payment{AgentAddr: addr, RecipientAddr: recipient, Type: txType, TxHash: txHash, ExpectedAmount: expected, Status: StatusPending}
		if err := v.store.Create(ctx, existing); err != nil {
			return nil, fmt.Errorf("verifier: record pending payment: %w", err)
		}
	}
	if existing.Status == StatusCredited {
		return existing, ErrAlreadyProcessed
	}

	receipt, err := v.chain.GetReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, chainadapter.ErrNotFound) {
			return existing, ErrTransactionPending
		}
		return nil, fmt.Errorf("verifier: fetch receipt: %w", err)
	}

	if !receipt.Succeeded() {
		_ = v.store.MarkFailed(ctx, txHash, "transaction reverted")
		return existing, ErrVerificationFailed
	}

	actual, ok := v.matchingTransfer(receipt, addr, expectedOnChainRecipient)
	if !ok || actual.Cmp(expected) != 0 {
		_ = v.store.MarkFailed(ctx, txHash, "no matching transfer of the exact expected value")
		return existing, ErrVerificationFailed
	}

	if err := v.store.MarkVerified(ctx, txHash, actual); err != nil {
		return nil, fmt.Errorf("verifier: mark verified: %w", err)
	}
	v.publish(ctx, eventbus.PaymentVerified, map[string]string{"agent_addr": addr, "tx_hash": txHash, "amount": actual.String()})

	if err := v.ledger.Credit(ctx, creditTarget, actual, txHash, existing.ID); err != nil {
		if errors.Is(err, ledger.ErrDuplicateCredit) {
			_ = v.store.MarkCredited(ctx, txHash)
			return existing, ErrAlreadyProcessed
		}
		return nil, fmt.Errorf("verifier: credit ledger: %w", err)
	}
	if err := v.store.MarkCredited(ctx, txHash); err != nil {
		return nil, fmt.Errorf("verifier: mark credited: %w", err)
	}

	v.logger.Info("payment verified and credited", "agent", addr, "credit_target", creditTarget, "tx_hash", txHash, "amount", actual.String())
	existing.Status = StatusCredited
	existing.ActualAmount = actual
	return existing, nil
}

// resolveParties determines, from the claimed transaction type, which
// on-chain address the Transfer must land on and which agent the
// ledger credit ultimately belongs to: the platform/initiator for
// top_up, the named recipient for p2p.
func (v *Verifier) resolveParties(ctx context.Context, initiatorAddr string, txType TransactionType, recipientAddr string) (expectedOnChainRecipient, creditTarget string, err error) {
	switch txType {
	case TypeTopUp:
		return v.platformAddress, initiatorAddr, nil
	case TypeP2P:
		if recipientAddr == "" {
			return "", "", ErrInvalidRecipient
		}
		if v.agents == nil {
			return "", "", ErrInvalidRecipient
		}
		agent, aerr := v.agents.GetAgent(ctx, recipientAddr)
		if aerr != nil {
			if errors.Is(aerr, registry.ErrAgentNotFound) {
				return "", "", ErrInvalidRecipient
			}
			return "", "", fmt.Errorf("verifier: resolve recipient: %w", aerr)
		}
		wallet := strings.ToLower(agent.WalletAddress)
		if wallet == "" {
			return "", "", ErrInvalidRecipient
		}
		return wallet, recipientAddr, nil
	default:
		return "", "", ErrInvalidType
	}
}

// matchingTransfer finds the first decoded Transfer in receipt that
// moves AGNT from agentAddr to expectedRecipient, returned in
// AGNT-precision units.
func (v *Verifier) matchingTransfer(receipt *chainadapter.Receipt, agentAddr, expectedRecipient string) (amount.Amount, bool) {
	decimals, err := v.chain.TokenDecimals(context.Background(), v.tokenAddress)
	if err != nil {
		decimals = 18
	}
	for _, t := range chainadapter.DecodeTransfers(receipt) {
		if strings.ToLower(t.Token) != v.tokenAddress {
			continue
		}
		if strings.ToLower(t.From) != agentAddr {
			continue
		}
		if strings.ToLower(t.To) != expectedRecipient {
			continue
		}
		return amount.ScaleDown(t.Value, decimals), true
	}
	return amount.Zero(), false
}
