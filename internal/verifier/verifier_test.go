package verifier

import (
	"context"
	"math/big"
	"testing"

	"github.com/agentcoin/marketplace/internal/amount"
	"github.com/agentcoin/marketplace/internal/chainadapter"
	"github.com/agentcoin/marketplace/internal/chainadapter/mock"
	"github.com/agentcoin/marketplace/internal/ledger"
	"github.com/agentcoin/marketplace/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testToken           = "0xtoken"
	testPlatform        = "0x00000000000000000000000000000000000000b2"
	testAgent           = "0x00000000000000000000000000000000000000a1"
	testRecipient       = "0x00000000000000000000000000000000000000c3"
	testRecipientWallet = "0x00000000000000000000000000000000000000d4"
)

// fakeAgentResolver is a minimal AgentResolver for p2p recipient
// resolution, keyed by lowercase address.
type fakeAgentResolver struct {
	agents map[string]*registry.Agent
}

func newFakeAgentResolver() *fakeAgentResolver {
	return &fakeAgentResolver{agents: make(map[string]*registry.Agent)}
}

func (f *fakeAgentResolver) seed(addr, wallet string) {
	f.agents[addr] = &registry.Agent{Address: addr, WalletAddress: wallet}
}

func (f *fakeAgentResolver) GetAgent(ctx context.Context, address string) (*registry.Agent, error) {
	a, ok := f.agents[address]
	if !ok {
		return nil, registry.ErrAgentNotFound
	}
	return a, nil
}

func newTestVerifier(chain chainadapter.Adapter) (*Verifier, *ledger.Ledger) {
	lg := ledger.New(ledger.NewMemoryStore(), nil, nil)
	v := New(NewMemoryStore(), chain, lg, nil, nil, nil, testPlatform, testToken)
	return v, lg
}

func newTestVerifierWithAgents(chain chainadapter.Adapter, agents AgentResolver) (*Verifier, *ledger.Ledger) {
	lg := ledger.New(ledger.NewMemoryStore(), nil, nil)
	v := New(NewMemoryStore(), chain, lg, agents, nil, nil, testPlatform, testToken)
	return v, lg
}

func transferLog(token, from, to string, value int64) chainadapter.Log {
	data := make([]byte, 32)
	big.NewInt(value).FillBytes(data)
	return chainadapter.Log{
		Address: token,
		Topics: []string{
			chainadapter.TransferEventSig,
			"0x000000000000000000000000" + from[2:],
			"0x000000000000000000000000" + to[2:],
		},
		Data: data,
	}
}

func TestVerifyPayment_CreditsOnMatchingTransfer(t *testing.T) {
	chain := mock.New()
	chain.SetTokenDecimals(testToken, 8)
	chain.SetReceipt("0xtx1", &chainadapter.Receipt{
		Status: 1,
		Logs:   []chainadapter.Log{transferLog(testToken, testAgent, testPlatform, 100_00000000)},
	})

	v, lg := newTestVerifier(chain)
	p, err := v.VerifyPayment(context.Background(), testAgent, "0xtx1", amount.MustParse("100"), TypeTopUp, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCredited, p.Status)

	bal, err := lg.GetBalance(context.Background(), testAgent)
	require.NoError(t, err)
	assert.Equal(t, "100.00000000", bal.Available.String())
}

func TestVerifyPayment_PendingWhenNotMined(t *testing.T) {
	chain := mock.New()
	v, _ := newTestVerifier(chain)
	_, err := v.VerifyPayment(context.Background(), testAgent, "0xnotyet", amount.MustParse("10"), TypeTopUp, "")
	assert.ErrorIs(t, err, ErrTransactionPending)
}

func TestVerifyPayment_FailsOnInsufficientValue(t *testing.T) {
	chain := mock.New()
	chain.SetTokenDecimals(testToken, 8)
	chain.SetReceipt("0xtx2", &chainadapter.Receipt{
		Status: 1,
		Logs:   []chainadapter.Log{transferLog(testToken, testAgent, testPlatform, 5_00000000)},
	})

	v, _ := newTestVerifier(chain)
	_, err := v.VerifyPayment(context.Background(), testAgent, "0xtx2", amount.MustParse("100"), TypeTopUp, "")
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestVerifyPayment_FailsOnOverpayment(t *testing.T) {
	chain := mock.New()
	chain.SetTokenDecimals(testToken, 8)
	chain.SetReceipt("0xtx2b", &chainadapter.Receipt{
		Status: 1,
		Logs:   []chainadapter.Log{transferLog(testToken, testAgent, testPlatform, 150_00000000)},
	})

	v, lg := newTestVerifier(chain)
	_, err := v.VerifyPayment(context.Background(), testAgent, "0xtx2b", amount.MustParse("100"), TypeTopUp, "")
	assert.ErrorIs(t, err, ErrVerificationFailed)

	bal, _ := lg.GetBalance(context.Background(), testAgent)
	assert.True(t, bal.Available.IsZero(), "overpayment must not be credited at any amount")
}

func TestVerifyPayment_FailsOnRevertedTransaction(t *testing.T) {
	chain := mock.New()
	chain.SetReceipt("0xtx3", &chainadapter.Receipt{Status: 0})

	v, _ := newTestVerifier(chain)
	_, err := v.VerifyPayment(context.Background(), testAgent, "0xtx3", amount.MustParse("1"), TypeTopUp, "")
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestVerifyPayment_IdempotentOnRetry(t *testing.T) {
	chain := mock.New()
	chain.SetTokenDecimals(testToken, 8)
	chain.SetReceipt("0xtx4", &chainadapter.Receipt{
		Status: 1,
		Logs:   []chainadapter.Log{transferLog(testToken, testAgent, testPlatform, 20_00000000)},
	})

	v, lg := newTestVerifier(chain)
	ctx := context.Background()

	_, err := v.VerifyPayment(ctx, testAgent, "0xtx4", amount.MustParse("20"), TypeTopUp, "")
	require.NoError(t, err)

	_, err = v.VerifyPayment(ctx, testAgent, "0xtx4", amount.MustParse("20"), TypeTopUp, "")
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	bal, _ := lg.GetBalance(ctx, testAgent)
	assert.Equal(t, "20.00000000", bal.Available.String())
}

func TestVerifyPayment_P2P_CreditsRecipientNotInitiator(t *testing.T) {
	chain := mock.New()
	chain.SetTokenDecimals(testToken, 8)
	chain.SetReceipt("0xtx5", &chainadapter.Receipt{
		Status: 1,
		Logs:   []chainadapter.Log{transferLog(testToken, testAgent, testRecipientWallet, 30_00000000)},
	})

	agents := newFakeAgentResolver()
	agents.seed(testRecipient, testRecipientWallet)

	v, lg := newTestVerifierWithAgents(chain, agents)
	ctx := context.Background()

	p, err := v.VerifyPayment(ctx, testAgent, "0xtx5", amount.MustParse("30"), TypeP2P, testRecipient)
	require.NoError(t, err)
	assert.Equal(t, StatusCredited, p.Status)

	recipientBal, _ := lg.GetBalance(ctx, testRecipient)
	assert.Equal(t, "30.00000000", recipientBal.Available.String())

	initiatorBal, _ := lg.GetBalance(ctx, testAgent)
	assert.True(t, initiatorBal.Available.IsZero(), "p2p credits the recipient, not the initiator")
}

func TestVerifyPayment_P2P_FailsWhenRecipientUnknown(t *testing.T) {
	chain := mock.New()
	v, _ := newTestVerifierWithAgents(chain, newFakeAgentResolver())

	_, err := v.VerifyPayment(context.Background(), testAgent, "0xtx6", amount.MustParse("5"), TypeP2P, testRecipient)
	assert.ErrorIs(t, err, ErrInvalidRecipient)
}

func TestVerifyPayment_FailsOnUnknownTransactionType(t *testing.T) {
	chain := mock.New()
	v, _ := newTestVerifier(chain)

	_, err := v.VerifyPayment(context.Background(), testAgent, "0xtx7", amount.MustParse("5"), TransactionType("bogus"), "")
	assert.ErrorIs(t, err, ErrInvalidType)
}
