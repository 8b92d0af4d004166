// Package mock provides a scripted chainadapter.Adapter for tests: receipts
// are registered in advance and returned verbatim, with no network calls.
// This is the primary test double used throughout the Verifier's tests
// (see spec's design note that on-chain verification is never exercised
// against a live node in unit tests).
package mock

import (
	"context"
	"sync"

	"github.com/agentcoin/marketplace/internal/chainadapter"
)

// Adapter is a scripted chainadapter.Adapter.
type Adapter struct {
	mu       sync.Mutex
	receipts map[string]*chainadapter.Receipt
	decimals map[string]int
}

// New creates an empty scripted adapter. Register receipts with
// SetReceipt before the code under test calls GetReceipt.
func New() *Adapter {
	return &Adapter{
		receipts: make(map[string]*chainadapter.Receipt),
		decimals: make(map[string]int),
	}
}

// SetReceipt scripts the receipt returned for txHash.
func (a *Adapter) SetReceipt(txHash string, r *chainadapter.Receipt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.receipts[txHash] = r
}

// SetTokenDecimals scripts the decimals() value for a token address.
func (a *Adapter) SetTokenDecimals(tokenAddress string, decimals int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decimals[tokenAddress] = decimals
}

// GetReceipt implements chainadapter.Adapter.
func (a *Adapter) GetReceipt(ctx context.Context, txHash string) (*chainadapter.Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.receipts[txHash]
	if !ok {
		return nil, chainadapter.ErrNotFound
	}
	return r, nil
}

// TokenDecimals implements chainadapter.Adapter.
func (a *Adapter) TokenDecimals(ctx context.Context, tokenAddress string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d, ok := a.decimals[tokenAddress]; ok {
		return d, nil
	}
	return 18, nil
}
