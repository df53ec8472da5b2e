package rescue

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// mockGateway is an in-memory Gateway with scriptable pool and receipt
// behavior. acceptHook runs under the mock's lock and must not call back into
// the mock; receiptHook runs after the lock is released.
type mockGateway struct {
	mu sync.Mutex

	endpoint string
	chainID  *big.Int
	baseFee  *big.Int
	block    uint64

	pending  map[common.Address]uint64
	balances map[common.Address]*big.Int
	codes    map[common.Address][]byte

	estimate    uint64
	estimateErr error

	// acceptHook decides whether the pool takes a submission. nil accepts
	// everything.
	acceptHook func(tx *types.Transaction, from common.Address) error
	// receiptHook decides what AwaitReceipt returns for a submitted tx.
	// Returning (nil, nil) leaves the tx pending until the context expires.
	// nil yields a status-1 receipt in the next block.
	receiptHook func(tx *types.Transaction, from common.Address) (*Receipt, error)

	submissions []*submittedTx
}

type submittedTx struct {
	Tx   *types.Transaction
	From common.Address
	Raw  []byte
	Hash common.Hash
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		endpoint: "mock://primary",
		chainID:  big.NewInt(8453),
		baseFee:  big.NewInt(20_000_000), // 0.02 gwei
		block:    100,
		pending:  make(map[common.Address]uint64),
		balances: make(map[common.Address]*big.Int),
		codes:    make(map[common.Address][]byte),
		estimate: 65_000,
	}
}

func (m *mockGateway) Endpoint() string { return m.endpoint }

func (m *mockGateway) ChainID(ctx context.Context) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.chainID), nil
}

func (m *mockGateway) LatestBlock(ctx context.Context) (*BlockInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &BlockInfo{Number: m.block, BaseFee: new(big.Int).Set(m.baseFee)}, nil
}

func (m *mockGateway) NonceAt(ctx context.Context, addr common.Address, tag NonceTag) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[addr], nil
}

func (m *mockGateway) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (m *mockGateway) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[addr], nil
}

func (m *mockGateway) EstimateGas(ctx context.Context, from common.Address, to common.Address, data []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.estimate, m.estimateErr
}

func (m *mockGateway) SubmitRaw(ctx context.Context, raw []byte) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, fmt.Errorf("%w: undecodable tx: %v", ErrSubmissionRefused, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	from, err := types.Sender(types.LatestSignerForChainID(m.chainID), tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: unrecoverable sender: %v", ErrSubmissionRefused, err)
	}
	if m.acceptHook != nil {
		if err := m.acceptHook(tx, from); err != nil {
			return common.Hash{}, fmt.Errorf("%w: %v", ErrSubmissionRefused, err)
		}
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	m.submissions = append(m.submissions, &submittedTx{Tx: tx, From: from, Raw: cp, Hash: tx.Hash()})
	return tx.Hash(), nil
}

func (m *mockGateway) AwaitReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	m.mu.Lock()
	var found *submittedTx
	for _, sub := range m.submissions {
		if sub.Hash == hash {
			found = sub
			break
		}
	}
	hook := m.receiptHook
	block := m.block
	m.mu.Unlock()

	if found != nil {
		if hook == nil {
			return &Receipt{BlockNumber: block + 1, GasUsed: 21_000, Status: 1}, nil
		}
		receipt, err := hook(found.Tx, found.From)
		if receipt != nil || err != nil {
			return receipt, err
		}
		// Scripted as pending forever: fall through to the timeout path.
	}
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, hash.Hex())
}

// setPending scripts the pending nonce of addr.
func (m *mockGateway) setPending(addr common.Address, nonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[addr] = nonce
}

// setBalance scripts the native balance of addr.
func (m *mockGateway) setBalance(addr common.Address, wei *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[addr] = wei
}

// submitted returns a snapshot of every accepted submission, in pool order.
func (m *mockGateway) submitted() []*submittedTx {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*submittedTx, len(m.submissions))
	copy(out, m.submissions)
	return out
}

// submittedBy filters submissions by sender.
func (m *mockGateway) submittedBy(addr common.Address) []*submittedTx {
	var out []*submittedTx
	for _, sub := range m.submitted() {
		if sub.From == addr {
			out = append(out, sub)
		}
	}
	return out
}
