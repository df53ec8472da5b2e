package rescue

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/meridian-sec/tokenrescue/params"
)

// NonceTag selects which account state a nonce query reads.
type NonceTag int

const (
	// TagLatest reads the last mined state.
	TagLatest NonceTag = iota
	// TagPending includes pool contents, so a sweep attempt already broadcast
	// by the adversary is visible.
	TagPending
)

// BlockInfo is the slice of a block header the planner needs.
type BlockInfo struct {
	Number  uint64
	BaseFee *big.Int
}

// Receipt is the slice of a transaction receipt the engine needs.
type Receipt struct {
	BlockNumber uint64
	GasUsed     uint64
	Status      uint64
}

// Gateway is a uniform view over one JSON-RPC endpoint. One primary gateway
// drives planning and confirmation; any number of additional gateways receive
// fire-and-forget broadcasts.
type Gateway interface {
	ChainID(ctx context.Context) (*big.Int, error)
	LatestBlock(ctx context.Context) (*BlockInfo, error)
	NonceAt(ctx context.Context, addr common.Address, tag NonceTag) (uint64, error)
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	Code(ctx context.Context, addr common.Address) ([]byte, error)
	// EstimateGas may fail against an unfunded executor; callers substitute
	// params.DefaultTransferGas.
	EstimateGas(ctx context.Context, from common.Address, to common.Address, data []byte) (uint64, error)
	// SubmitRaw hands the encoded tx to the endpoint's pool. It returns once
	// the pool accepts or rejects; it never waits for inclusion.
	SubmitRaw(ctx context.Context, raw []byte) (common.Hash, error)
	// AwaitReceipt polls for the receipt of hash until it lands or ctx
	// expires.
	AwaitReceipt(ctx context.Context, hash common.Hash) (*Receipt, error)
	Endpoint() string
}

// ethGateway implements Gateway on top of ethclient plus the underlying rpc
// client for raw submissions.
type ethGateway struct {
	url string
	ec  *ethclient.Client
	rc  *rpc.Client

	pollInterval time.Duration
}

// DialGateway connects to a JSON-RPC endpoint.
func DialGateway(ctx context.Context, url string) (Gateway, error) {
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &ethGateway{
		url:          url,
		ec:           ethclient.NewClient(rc),
		rc:           rc,
		pollInterval: params.ReceiptPollInterval,
	}, nil
}

func (g *ethGateway) Endpoint() string { return g.url }

func (g *ethGateway) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := g.withRetry(ctx, func(ctx context.Context) error {
		var err error
		id, err = g.ec.ChainID(ctx)
		return err
	})
	return id, err
}

func (g *ethGateway) LatestBlock(ctx context.Context) (*BlockInfo, error) {
	var info *BlockInfo
	err := g.withRetry(ctx, func(ctx context.Context) error {
		header, err := g.ec.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		baseFee := header.BaseFee
		if baseFee == nil {
			// Pre-London endpoint; treat as zero base fee.
			baseFee = new(big.Int)
		}
		info = &BlockInfo{
			Number:  header.Number.Uint64(),
			BaseFee: new(big.Int).Set(baseFee),
		}
		return nil
	})
	return info, err
}

func (g *ethGateway) NonceAt(ctx context.Context, addr common.Address, tag NonceTag) (uint64, error) {
	var nonce uint64
	err := g.withRetry(ctx, func(ctx context.Context) error {
		var err error
		if tag == TagPending {
			nonce, err = g.ec.PendingNonceAt(ctx, addr)
		} else {
			nonce, err = g.ec.NonceAt(ctx, addr, nil)
		}
		return err
	})
	return nonce, err
}

func (g *ethGateway) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var balance *big.Int
	err := g.withRetry(ctx, func(ctx context.Context) error {
		var err error
		balance, err = g.ec.BalanceAt(ctx, addr, nil)
		return err
	})
	return balance, err
}

func (g *ethGateway) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	var code []byte
	err := g.withRetry(ctx, func(ctx context.Context) error {
		var err error
		code, err = g.ec.CodeAt(ctx, addr, nil)
		return err
	})
	return code, err
}

func (g *ethGateway) EstimateGas(ctx context.Context, from common.Address, to common.Address, data []byte) (uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, params.RPCCallTimeout)
	defer cancel()
	return g.ec.EstimateGas(callCtx, ethereum.CallMsg{From: from, To: &to, Data: data})
}

func (g *ethGateway) SubmitRaw(ctx context.Context, raw []byte) (common.Hash, error) {
	callCtx, cancel := context.WithTimeout(ctx, params.RPCCallTimeout)
	defer cancel()
	var hash common.Hash
	if err := g.rc.CallContext(callCtx, &hash, "eth_sendRawTransaction", hexutil.Encode(raw)); err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrSubmissionRefused, err)
	}
	return hash, nil
}

func (g *ethGateway) AwaitReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := g.ec.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return &Receipt{
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
				Status:      receipt.Status,
			}, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			log.Debug("receipt poll failed", "tx", hash, "err", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, hash.Hex())
		case <-ticker.C:
		}
	}
}

// withRetry wraps a read call with a short transient-failure retry. Submissions
// never retry: a replayed eth_sendRawTransaction after an ambiguous failure
// could double-report acceptance state.
func (g *ethGateway) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(
		func() error {
			callCtx, cancel := context.WithTimeout(ctx, params.RPCCallTimeout)
			defer cancel()
			return fn(callCtx)
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
	)
}

// isTransient reports whether an RPC error looks like a transport hiccup worth
// a retry. Comparing strings is unavoidable here: transports surface these
// without sentinel types.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"i/o timeout",
		"EOF",
		"502",
		"503",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
