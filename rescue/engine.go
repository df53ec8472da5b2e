package rescue

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/semaphore"

	"github.com/meridian-sec/tokenrescue/params"
)

// maxPrivateBroadcasts bounds concurrently running private-gateway broadcast
// goroutines.
const maxPrivateBroadcasts = 16

// Engine drives a single burst-submission attempt: nonce-staleness guard,
// fan-out to the primary plus private gateways, confirmation wait, and
// partial-success diagnosis.
type Engine struct {
	primary  Gateway
	privates []Gateway

	executorKey  *ecdsa.PrivateKey
	executorAddr common.Address
	calls        []TransferCall

	receiptTimeout time.Duration

	privSem *semaphore.Weighted
	privWG  sync.WaitGroup
}

// NewEngine wires an engine for one rescue invocation. The executor key is
// held only for on-the-fly re-signing when the staleness guard trips.
func NewEngine(primary Gateway, privates []Gateway, executorKey *ecdsa.PrivateKey, calls []TransferCall, receiptTimeout time.Duration) *Engine {
	if receiptTimeout <= 0 {
		receiptTimeout = params.ReceiptTimeout
	}
	return &Engine{
		primary:        primary,
		privates:       privates,
		executorKey:    executorKey,
		executorAddr:   crypto.PubkeyToAddress(executorKey.PublicKey),
		calls:          calls,
		receiptTimeout: receiptTimeout,
		privSem:        semaphore.NewWeighted(maxPrivateBroadcasts),
	}
}

// RunAttempt executes one full attempt with the given bundle. The bundle's
// transfer txs may be re-signed in place by the staleness guard; the funding
// tx never is.
func (e *Engine) RunAttempt(ctx context.Context, bundle *SignedRescueBundle) AttemptOutcome {
	if err := e.guardNonce(ctx, bundle, false); err != nil {
		return AttemptOutcome{Kind: OutcomeFundingFailed, Err: err}
	}

	// Burst: every private endpoint sees the funding tx first, then the
	// primary submission is awaited. Only after the primary has the funding
	// tx do the transfer submissions start, so the causal order "funding
	// before transfer-i" holds in every pool we touch.
	e.broadcastPrivate(ctx, bundle.Funding, "funding")
	fundingHash, err := e.primary.SubmitRaw(ctx, bundle.Funding.Raw)
	if err != nil {
		// The wait set is discarded wholesale: without observable funding
		// there is nothing to await, even if a private gateway took the
		// transfers.
		metricsSubmit(false)
		log.Error("FAILED funding submission refused", "err", err)
		return AttemptOutcome{Kind: OutcomeRefused, Err: err}
	}
	metricsSubmit(true)
	log.Info("SENT funding", "hash", fundingHash, "nonce", bundle.SponsorNonce, "value", bundle.TotalExecutorGasCost)

	tracker := e.submitTransfers(ctx, bundle)
	accepted := tracker.Accepted()
	if len(accepted) == 0 {
		log.Error("FAILED every transfer submission refused")
		return AttemptOutcome{
			Kind:        OutcomeRefused,
			FundingHash: fundingHash,
			Err:         fmt.Errorf("%w: all transfers", ErrSubmissionRefused),
		}
	}

	// Funding confirmation gates everything downstream.
	start := time.Now()
	fundingReceipt, err := e.awaitReceipt(ctx, fundingHash)
	metricsFundingWaitCost(start)
	if err != nil {
		if ctx.Err() != nil {
			return AttemptOutcome{Kind: OutcomeTimeout, FundingHash: fundingHash, Err: err}
		}
		log.Error("FAILED funding never confirmed", "hash", fundingHash, "err", err)
		return AttemptOutcome{Kind: OutcomeFundingFailed, FundingHash: fundingHash, Err: err}
	}
	if fundingReceipt.Status == 0 {
		log.Error("FAILED funding reverted", "hash", fundingHash, "block", fundingReceipt.BlockNumber)
		return AttemptOutcome{
			Kind:        OutcomeFundingFailed,
			FundingHash: fundingHash,
			Err:         fmt.Errorf("funding: %w", ErrReverted),
		}
	}
	log.Info("CONFIRMED funding", "hash", fundingHash, "block", fundingReceipt.BlockNumber)

	e.checkFundedBalance(ctx, bundle)

	outcome := e.awaitTransfers(ctx, tracker, len(bundle.Transfers))
	outcome.FundingHash = fundingHash
	return outcome
}

// RunTransfersOnly executes the partial-progress fast path: funding already
// landed in a previous attempt, so only the transfer txs are re-signed against
// the current pending nonce (with the bundle's — typically escalated — fee
// quote) and submitted. No funding tx is signed or submitted here.
func (e *Engine) RunTransfersOnly(ctx context.Context, bundle *SignedRescueBundle) AttemptOutcome {
	if err := e.guardNonce(ctx, bundle, true); err != nil {
		return AttemptOutcome{Kind: OutcomeTimeout, Err: err}
	}

	tracker := e.submitTransfers(ctx, bundle)
	if len(tracker.Accepted()) == 0 {
		log.Error("FAILED every transfer submission refused")
		return AttemptOutcome{Kind: OutcomeRefused, Err: fmt.Errorf("%w: all transfers", ErrSubmissionRefused)}
	}
	return e.awaitTransfers(ctx, tracker, len(bundle.Transfers))
}

// guardNonce re-checks the executor's pending nonce immediately before the
// burst. A moved nonce means a sweep tx slipped into the pool after planning;
// the transfer txs are re-signed above it while the funding tx stays intact.
// force re-signs unconditionally so a refreshed fee quote takes effect.
func (e *Engine) guardNonce(ctx context.Context, bundle *SignedRescueBundle, force bool) error {
	current, err := e.primary.NonceAt(ctx, e.executorAddr, TagPending)
	if err != nil {
		return fmt.Errorf("nonce guard: %w", err)
	}
	if !force && current == bundle.ExecutorNonce {
		return nil
	}
	if current != bundle.ExecutorNonce {
		log.Warn("NONCE GUARD executor nonce moved, re-signing transfers",
			"signed", bundle.ExecutorNonce, "pending", current)
	}
	if err := resignTransfers(bundle, e.executorKey, e.calls, current, bundle.Fee); err != nil {
		return fmt.Errorf("nonce guard re-sign: %w", err)
	}
	return nil
}

// submitTransfers fans every transfer tx out to the private gateways and the
// primary. The primary submissions run concurrently with each other; none is
// awaited before the next is issued. Refusals are recorded, not fatal.
func (e *Engine) submitTransfers(ctx context.Context, bundle *SignedRescueBundle) *SubmissionSet {
	tracker := NewSubmissionSet()

	var wg sync.WaitGroup
	for i, transfer := range bundle.Transfers {
		// Private endpoints see the tx before the public pool can gossip it.
		e.broadcastPrivate(ctx, transfer, "transfer")
		tracker.Add(i, transfer.Tx.Nonce(), transfer.Hash, transfer.Raw)

		wg.Add(1)
		go func(index int, tx SignedTx) {
			defer wg.Done()
			hash, err := e.primary.SubmitRaw(ctx, tx.Raw)
			if err != nil {
				metricsSubmit(false)
				log.Warn("SENT transfer refused", "index", index, "tx", tx.Hash, "err", err)
				return
			}
			metricsSubmit(true)
			tracker.MarkAccepted(hash)
			log.Info("SENT transfer", "index", index, "hash", hash, "nonce", tx.Tx.Nonce())
		}(i, transfer)
	}
	wg.Wait()
	return tracker
}

// awaitTransfers waits for every accepted transfer receipt in parallel and
// classifies the attempt. Refused submissions and dropped or reverted txs all
// land in FailingIndexes.
func (e *Engine) awaitTransfers(ctx context.Context, tracker *SubmissionSet, total int) AttemptOutcome {
	start := time.Now()
	defer metricsTransferWaitCost(start)

	accepted := tracker.Accepted()

	failed := make([]bool, total)
	for i := range failed {
		failed[i] = true
	}
	hashes := make([]common.Hash, 0, len(accepted))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, entry := range accepted {
		hashes = append(hashes, entry.Hash)
		wg.Add(1)
		go func(entry *txSubmission) {
			defer wg.Done()
			receipt, err := e.awaitReceipt(ctx, entry.Hash)
			ok := err == nil && receipt.Status == 1
			metricsConfirm(ok)
			if !ok {
				// Dropped transactions surface as receipt-wait failures and
				// count as reverts.
				log.Warn("FAILED transfer", "index", entry.Index, "tx", entry.Hash, "err", err)
				return
			}
			mu.Lock()
			failed[entry.Index] = false
			mu.Unlock()
			log.Info("CONFIRMED transfer", "index", entry.Index, "hash", entry.Hash, "block", receipt.BlockNumber)
		}(entry)
	}
	wg.Wait()

	failing := make([]int, 0, total)
	for i, f := range failed {
		if f {
			failing = append(failing, i)
		}
	}
	sort.Ints(failing)

	if len(failing) == 0 {
		log.Info("SUCCESS all transfers confirmed", "count", total)
		return AttemptOutcome{Kind: OutcomeSuccess, TransferHashes: hashes}
	}
	if ctx.Err() != nil && len(failing) == total {
		return AttemptOutcome{
			Kind:           OutcomeTimeout,
			TransferHashes: hashes,
			FailingIndexes: failing,
			Err:            fmt.Errorf("transfers: %w", ErrReceiptTimeout),
		}
	}
	log.Warn("FAILED transfers incomplete", "failing", failing, "total", total)
	return AttemptOutcome{
		Kind:           OutcomePartial,
		TransferHashes: hashes,
		FailingIndexes: failing,
		Err:            fmt.Errorf("%d of %d transfers: %w", len(failing), total, ErrReverted),
	}
}

// checkFundedBalance reads the executor balance right after funding confirms.
// A balance far below the funded amount means the sweeper likely intercepted;
// the attempt continues regardless since the remainder may still cover the
// transfers.
func (e *Engine) checkFundedBalance(ctx context.Context, bundle *SignedRescueBundle) {
	balance, err := e.primary.Balance(ctx, e.executorAddr)
	if err != nil {
		log.Warn("WARNING executor balance unreadable after funding", "err", err)
		return
	}
	half := new(big.Int).Div(bundle.TotalExecutorGasCost, big.NewInt(2))
	if balance.Cmp(half) < 0 {
		log.Warn("WARNING executor balance below half the funded amount, sweeper likely intercepted",
			"balance", balance, "funded", bundle.TotalExecutorGasCost)
	}
}

// awaitReceipt waits for one receipt under the engine's attempt window.
func (e *Engine) awaitReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.receiptTimeout)
	defer cancel()
	receipt, err := e.primary.AwaitReceipt(waitCtx, hash)
	if err != nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %s", ErrReceiptTimeout, hash.Hex())
	}
	return receipt, err
}

// broadcastPrivate hands the raw tx to every private gateway as a detached
// task. Errors are logged and swallowed; the primary path never waits on
// these.
func (e *Engine) broadcastPrivate(ctx context.Context, tx SignedTx, label string) {
	for _, pg := range e.privates {
		pg := pg
		e.privWG.Add(1)
		go func() {
			defer e.privWG.Done()
			if err := e.privSem.Acquire(ctx, 1); err != nil {
				return
			}
			defer e.privSem.Release(1)
			if _, err := pg.SubmitRaw(ctx, tx.Raw); err != nil {
				log.Debug("PRIVATE RPC rejected", "endpoint", pg.Endpoint(), "kind", label, "tx", tx.Hash, "err", err)
				return
			}
			metricsPrivateSubmit(1)
			log.Debug("PRIVATE RPC accepted", "endpoint", pg.Endpoint(), "kind", label, "tx", tx.Hash)
		}()
	}
}

// waitPrivateBroadcasts blocks until every in-flight private broadcast has
// finished. Only tests call it; the submission flow itself never does.
func (e *Engine) waitPrivateBroadcasts() {
	e.privWG.Wait()
}
