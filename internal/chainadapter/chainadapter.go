// Package chainadapter defines the read-only capability the core consumes
// to validate on-chain payments: fetching a transaction receipt and
// decoding ERC-20 Transfer events from it. It is an interface only — the
// production implementation (EthClient) and the test double (mock.Adapter,
// see mock.go) both satisfy Adapter.
//
// Grounded on the teacher's internal/watcher, which polls go-ethereum's
// ethclient.Client for Transfer logs; here the same log-decoding logic is
// reused but invoked synchronously against a single transaction hash
// instead of a block range, since the Payment Verifier is request-driven.
package chainadapter

import (
	"context"
	"errors"
	"math/big"
)

// ErrNotFound is returned when the adapter has no receipt for a hash yet
// (e.g. the transaction has not been mined, or was dropped).
var ErrNotFound = errors.New("chainadapter: transaction not found")

// transferEventSig is keccak256("Transfer(address,address,uint256)").
const TransferEventSig = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// Log is one EVM log entry attached to a transaction receipt.
type Log struct {
	Address string   // contract address that emitted the log
	Topics  []string // topic0 = event signature, topics[1:] = indexed args
	Data    []byte   // ABI-encoded non-indexed args
	Removed bool     // true if this log was reorged out
}

// Receipt is the result of looking up a mined transaction.
type Receipt struct {
	Status      uint64 // 1 = success, 0 = reverted, per go-ethereum convention
	BlockNumber uint64
	From        string
	Logs        []Log
}

// Succeeded reports whether the transaction executed successfully.
func (r *Receipt) Succeeded() bool { return r != nil && r.Status == 1 }

// Adapter is the capability the Verifier depends on.
type Adapter interface {
	// GetReceipt fetches the receipt for tx_hash. Returns ErrNotFound if the
	// transaction is unknown to the node (not yet mined, or never existed).
	GetReceipt(ctx context.Context, txHash string) (*Receipt, error)

	// TokenDecimals returns the ERC-20 `decimals()` value for a token
	// contract, used to scale raw Transfer values down to AGNT precision.
	TokenDecimals(ctx context.Context, tokenAddress string) (int, error)
}

// TransferEvent is a decoded ERC-20 Transfer log.
type TransferEvent struct {
	Token string
	From  string
	To    string
	Value *big.Int
}

// DecodeTransfers extracts every ERC-20 Transfer event from a receipt's
// logs, skipping logs that don't match the Transfer signature/shape and
// logs marked Removed (reorged out), mirroring watcher.go's validation of
// topic count and fixed 32-byte data width.
func DecodeTransfers(r *Receipt) []TransferEvent {
	if r == nil {
		return nil
	}
	var out []TransferEvent
	for _, lg := range r.Logs {
		if lg.Removed {
			continue
		}
		if len(lg.Topics) != 3 || len(lg.Topics[0]) == 0 {
			continue
		}
		if lg.Topics[0] != TransferEventSig {
			continue
		}
		if len(lg.Data) != 32 {
			continue
		}
		out = append(out, TransferEvent{
			Token: lg.Address,
			From:  topicToAddress(lg.Topics[1]),
			To:    topicToAddress(lg.Topics[2]),
			Value: new(big.Int).SetBytes(lg.Data),
		})
	}
	return out
}

// topicToAddress extracts the low 20 bytes of a 32-byte indexed address
// topic, i.e. the last 40 hex chars after the "0x" prefix.
func topicToAddress(topic string) string {
	if len(topic) < 42 {
		return topic
	}
	return "0x" + topic[len(topic)-40:]
}
