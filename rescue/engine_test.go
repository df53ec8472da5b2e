package rescue

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testReceiptTimeout = 200 * time.Millisecond

func planTestBundle(t *testing.T, gw *mockGateway, n int) (*SignedRescueBundle, PlanRequest, *testAccount, *testAccount) {
	t.Helper()
	req, executor, sponsor := testPlanRequest(t, n)
	bundle, err := PlanBundle(context.Background(), gw, req)
	require.NoError(t, err)
	return bundle, req, executor, sponsor
}

func TestBurstOrderingFundingFirst(t *testing.T) {
	gw := newMockGateway()
	bundle, req, executor, sponsor := planTestBundle(t, gw, 3)

	engine := NewEngine(gw, nil, req.ExecutorKey, req.Calls, testReceiptTimeout)
	outcome := engine.RunAttempt(context.Background(), bundle)
	require.Equal(t, OutcomeSuccess, outcome.Kind)

	subs := gw.submitted()
	require.Len(t, subs, 4)
	// The funding tx reaches the primary pool strictly before any transfer.
	assert.Equal(t, sponsor.addr, subs[0].From, "first submission must be the funding tx")
	for _, sub := range subs[1:] {
		assert.Equal(t, executor.addr, sub.From)
	}
	assert.Len(t, outcome.TransferHashes, 3)
}

func TestPrivateGatewaysReceiveEveryTx(t *testing.T) {
	gw := newMockGateway()
	priv1 := newMockGateway()
	priv1.endpoint = "mock://private-1"
	priv2 := newMockGateway()
	priv2.endpoint = "mock://private-2"

	bundle, req, _, _ := planTestBundle(t, gw, 2)
	engine := NewEngine(gw, []Gateway{priv1, priv2}, req.ExecutorKey, req.Calls, testReceiptTimeout)
	outcome := engine.RunAttempt(context.Background(), bundle)
	engine.waitPrivateBroadcasts()
	require.Equal(t, OutcomeSuccess, outcome.Kind)

	primarySubs := gw.submitted()
	for _, priv := range []*mockGateway{priv1, priv2} {
		privSubs := priv.submitted()
		require.Len(t, privSubs, len(primarySubs), "%s must see every tx", priv.endpoint)
		for _, want := range primarySubs {
			found := false
			for _, got := range privSubs {
				if bytes.Equal(got.Raw, want.Raw) {
					found = true
					break
				}
			}
			assert.True(t, found, "%s missing raw bytes of %s", priv.endpoint, want.Hash.Hex())
		}
	}
}

func TestNonceGuardResignsTransfersOnly(t *testing.T) {
	gw := newMockGateway()
	bundle, req, executor, _ := planTestBundle(t, gw, 1)
	fundingRawBefore := append([]byte(nil), bundle.Funding.Raw...)
	require.Equal(t, uint64(0), bundle.Transfers[0].Tx.Nonce())

	// A sweep tx slips into the pool between planning and submission.
	gw.setPending(executor.addr, 1)

	engine := NewEngine(gw, nil, req.ExecutorKey, req.Calls, testReceiptTimeout)
	outcome := engine.RunAttempt(context.Background(), bundle)
	require.Equal(t, OutcomeSuccess, outcome.Kind)

	// Transfers were re-signed above the sweep; the funding tx is untouched.
	transfers := gw.submittedBy(executor.addr)
	require.Len(t, transfers, 1)
	assert.Equal(t, uint64(1), transfers[0].Tx.Nonce())
	assert.True(t, bytes.Equal(fundingRawBefore, bundle.Funding.Raw))
	assert.Equal(t, uint64(1), bundle.ExecutorNonce)
}

func TestFundingRefusedDiscardsWaitSet(t *testing.T) {
	gw := newMockGateway()
	bundle, req, _, sponsor := planTestBundle(t, gw, 2)

	gw.acceptHook = func(tx *types.Transaction, from common.Address) error {
		if from == sponsor.addr {
			return errors.New("replacement transaction underpriced")
		}
		return nil
	}

	engine := NewEngine(gw, nil, req.ExecutorKey, req.Calls, testReceiptTimeout)
	outcome := engine.RunAttempt(context.Background(), bundle)

	assert.Equal(t, OutcomeRefused, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, ErrSubmissionRefused)
	// No transfer ever reached the primary: the wait set is discarded.
	assert.Empty(t, gw.submitted())
}

func TestTransferRevertIsPartial(t *testing.T) {
	gw := newMockGateway()
	bundle, req, executor, _ := planTestBundle(t, gw, 3)

	// The middle transfer reverts; the others confirm.
	gw.receiptHook = func(tx *types.Transaction, from common.Address) (*Receipt, error) {
		status := uint64(1)
		if from == executor.addr && tx.Nonce() == 1 {
			status = 0
		}
		return &Receipt{BlockNumber: 101, GasUsed: 40_000, Status: status}, nil
	}

	engine := NewEngine(gw, nil, req.ExecutorKey, req.Calls, testReceiptTimeout)
	outcome := engine.RunAttempt(context.Background(), bundle)

	assert.Equal(t, OutcomePartial, outcome.Kind)
	assert.Equal(t, []int{1}, outcome.FailingIndexes)
	assert.NotEqual(t, common.Hash{}, outcome.FundingHash)
	assert.ErrorIs(t, outcome.Err, ErrReverted)
}

func TestRefusedTransferCountsAsFailing(t *testing.T) {
	gw := newMockGateway()
	bundle, req, executor, _ := planTestBundle(t, gw, 2)

	// Pool refuses the second transfer, first goes through.
	gw.acceptHook = func(tx *types.Transaction, from common.Address) error {
		if from == executor.addr && tx.Nonce() == 1 {
			return errors.New("nonce gap")
		}
		return nil
	}

	engine := NewEngine(gw, nil, req.ExecutorKey, req.Calls, testReceiptTimeout)
	outcome := engine.RunAttempt(context.Background(), bundle)

	assert.Equal(t, OutcomePartial, outcome.Kind)
	assert.Equal(t, []int{1}, outcome.FailingIndexes)
	assert.Len(t, outcome.TransferHashes, 1)
}

func TestAllTransfersRefused(t *testing.T) {
	gw := newMockGateway()
	bundle, req, executor, _ := planTestBundle(t, gw, 2)

	gw.acceptHook = func(tx *types.Transaction, from common.Address) error {
		if from == executor.addr {
			return errors.New("underpriced")
		}
		return nil
	}

	engine := NewEngine(gw, nil, req.ExecutorKey, req.Calls, testReceiptTimeout)
	outcome := engine.RunAttempt(context.Background(), bundle)

	assert.Equal(t, OutcomeRefused, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, ErrSubmissionRefused)
}

func TestFundingNeverConfirmsIsFundingFailed(t *testing.T) {
	gw := newMockGateway()
	bundle, req, _, sponsor := planTestBundle(t, gw, 1)

	// Funding stays pending until the attempt window closes.
	gw.receiptHook = func(tx *types.Transaction, from common.Address) (*Receipt, error) {
		if from == sponsor.addr {
			return nil, nil
		}
		return &Receipt{BlockNumber: 101, Status: 1}, nil
	}

	engine := NewEngine(gw, nil, req.ExecutorKey, req.Calls, testReceiptTimeout)
	outcome := engine.RunAttempt(context.Background(), bundle)

	assert.Equal(t, OutcomeFundingFailed, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, ErrReceiptTimeout)
}

func TestFundingRevertIsFundingFailed(t *testing.T) {
	gw := newMockGateway()
	bundle, req, _, sponsor := planTestBundle(t, gw, 1)

	// A 7702-delegated executor can make even a plain value transfer revert.
	gw.receiptHook = func(tx *types.Transaction, from common.Address) (*Receipt, error) {
		if from == sponsor.addr {
			return &Receipt{BlockNumber: 101, Status: 0}, nil
		}
		return &Receipt{BlockNumber: 101, Status: 1}, nil
	}

	engine := NewEngine(gw, nil, req.ExecutorKey, req.Calls, testReceiptTimeout)
	outcome := engine.RunAttempt(context.Background(), bundle)

	assert.Equal(t, OutcomeFundingFailed, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, ErrReverted)
}

func TestRunTransfersOnlyNeverSubmitsFunding(t *testing.T) {
	gw := newMockGateway()
	bundle, req, executor, sponsor := planTestBundle(t, gw, 2)

	// Transfers from a previous attempt already consumed executor nonce space.
	gw.setPending(executor.addr, 5)

	engine := NewEngine(gw, nil, req.ExecutorKey, req.Calls, testReceiptTimeout)
	outcome := engine.RunTransfersOnly(context.Background(), bundle)
	require.Equal(t, OutcomeSuccess, outcome.Kind)

	assert.Empty(t, gw.submittedBy(sponsor.addr), "partial path must not re-send funding")
	transfers := gw.submittedBy(executor.addr)
	require.Len(t, transfers, 2)
	nonces := map[uint64]bool{}
	for _, sub := range transfers {
		nonces[sub.Tx.Nonce()] = true
	}
	// Re-signed against the fresh pending nonce.
	assert.True(t, nonces[5] && nonces[6], "got nonces %v", nonces)
}

func TestSweeperInterceptWarningDoesNotAbort(t *testing.T) {
	gw := newMockGateway()
	bundle, req, executor, _ := planTestBundle(t, gw, 1)

	// Executor balance after funding lands is nearly nothing.
	gw.setBalance(executor.addr, big.NewInt(1))

	engine := NewEngine(gw, nil, req.ExecutorKey, req.Calls, testReceiptTimeout)
	outcome := engine.RunAttempt(context.Background(), bundle)

	// The attempt proceeds regardless of the warning.
	assert.Equal(t, OutcomeSuccess, outcome.Kind)
}
