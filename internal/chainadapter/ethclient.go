package chainadapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/agentcoin/marketplace/internal/circuitbreaker"
	"github.com/agentcoin/marketplace/internal/retry"
)

// erc20DecimalsABI is the minimal ABI fragment for ERC-20's decimals().
const erc20DecimalsABI = `[{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}]`

// breakerKey is the circuit breaker key for an EthClient's upstream RPC
// endpoint; every call against the same dialed client shares one breaker
// entry, since a failing RPC node fails every request against it alike.
const breakerKey = "rpc"

// EthClient is the production Adapter, backed by go-ethereum's ethclient
// the same way the teacher's watcher.Watcher talks to the chain, but
// request-driven (one hash at a time) rather than polling a block range.
// A circuit breaker trips after repeated RPC failures so a flaky or down
// node fails fast instead of letting every verification request hang on
// its own timeout.
type EthClient struct {
	client  *ethclient.Client
	abi     abi.ABI
	breaker *circuitbreaker.Breaker
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(rpcURL string) (*EthClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chainadapter: dial rpc: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20DecimalsABI))
	if err != nil {
		return nil, fmt.Errorf("chainadapter: parse abi: %w", err)
	}
	return &EthClient{
		client:  client,
		abi:     parsed,
		breaker: circuitbreaker.New(5, 30*time.Second),
	}, nil
}

// ErrCircuitOpen is returned when the RPC circuit breaker has tripped.
var ErrCircuitOpen = errors.New("chainadapter: rpc circuit open")

// GetReceipt implements Adapter.
func (c *EthClient) GetReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	if !c.breaker.Allow(breakerKey) {
		return nil, ErrCircuitOpen
	}

	hash := common.HexToHash(txHash)
	var r *gethtypes.Receipt
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		var rerr error
		r, rerr = c.client.TransactionReceipt(ctx, hash)
		if errors.Is(rerr, ethereum.NotFound) {
			return retry.Permanent(rerr)
		}
		return rerr
	})
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			c.breaker.RecordSuccess(breakerKey)
			return nil, ErrNotFound
		}
		c.breaker.RecordFailure(breakerKey)
		return nil, fmt.Errorf("chainadapter: get receipt: %w", err)
	}
	c.breaker.RecordSuccess(breakerKey)

	tx, _, err := c.client.TransactionByHash(ctx, hash)
	from := ""
	if err == nil && tx != nil {
		signer := gethtypes.LatestSignerForChainID(tx.ChainId())
		if sender, serr := gethtypes.Sender(signer, tx); serr == nil {
			from = strings.ToLower(sender.Hex())
		}
	}

	out := &Receipt{
		Status:      r.Status,
		BlockNumber: r.BlockNumber.Uint64(),
		From:        from,
	}
	for _, lg := range r.Logs {
		topics := make([]string, len(lg.Topics))
		for i, t := range lg.Topics {
			topics[i] = t.Hex()
		}
		out.Logs = append(out.Logs, Log{
			Address: strings.ToLower(lg.Address.Hex()),
			Topics:  topics,
			Data:    lg.Data,
			Removed: lg.Removed,
		})
	}
	return out, nil
}

// TokenDecimals implements Adapter.
func (c *EthClient) TokenDecimals(ctx context.Context, tokenAddress string) (int, error) {
	input, err := c.abi.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("chainadapter: pack decimals call: %w", err)
	}
	addr := common.HexToAddress(tokenAddress)
	result, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: input}, nil)
	if err != nil {
		return 0, fmt.Errorf("chainadapter: call decimals: %w", err)
	}
	values, err := c.abi.Unpack("decimals", result)
	if err != nil || len(values) != 1 {
		return 0, fmt.Errorf("chainadapter: unpack decimals: %w", err)
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("chainadapter: unexpected decimals type %T", values[0])
	}
	return int(decimals), nil
}
