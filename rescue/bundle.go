package rescue

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TransferCall describes one token transfer the executor must emit. The
// calldata is produced by the caller (typically an ERC-20 transfer); the core
// treats it as opaque.
type TransferCall struct {
	To       common.Address // token contract
	Calldata []byte
	GasLimit uint64
}

// FeeQuote is the EIP-1559 price triple used for every transaction of one
// attempt. MaxFee >= BaseFee*2 + PriorityFee holds for any quote produced by
// the planner.
type FeeQuote struct {
	BaseFee     *big.Int
	PriorityFee *big.Int
	MaxFee      *big.Int
}

// SignedTx bundles a signed transaction with its RLP encoding so the engine
// can hand identical bytes to every gateway.
type SignedTx struct {
	Tx   *types.Transaction
	Raw  []byte
	Hash common.Hash
}

// SignedRescueBundle is the atomic output of one planning pass: a funding
// transaction from the sponsor plus the causally dependent transfer
// transactions from the executor, all signed against the nonces observed at
// planning time.
type SignedRescueBundle struct {
	Funding   SignedTx
	Transfers []SignedTx

	Fee     FeeQuote
	ChainID *big.Int

	// Nonces observed at signing time, retained for the staleness guard.
	ExecutorNonce uint64
	SponsorNonce  uint64

	// TotalExecutorGasCost is the value carried by the funding tx, retained
	// for the funded-enough check after funding confirms.
	TotalExecutorGasCost *big.Int
}

// OutcomeKind tags the result of one submission attempt.
type OutcomeKind int

const (
	// OutcomeSuccess: funding and every transfer confirmed with status 1.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeFundingFailed: the funding tx never confirmed inside the attempt
	// window or confirmed with status 0, or the pre-burst nonce guard failed.
	OutcomeFundingFailed
	// OutcomePartial: funding confirmed but at least one transfer reverted,
	// was refused, or was dropped.
	OutcomePartial
	// OutcomeRefused: the primary gateway rejected the funding tx outright, or
	// every transfer submission was refused.
	OutcomeRefused
	// OutcomeTimeout: the caller's context ended during a receipt wait, or the
	// transfers-only path could not read the executor nonce. A wait that runs
	// out the engine's own receipt timeout yields OutcomeFundingFailed or a
	// failing transfer instead.
	OutcomeTimeout
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFundingFailed:
		return "funding failed"
	case OutcomePartial:
		return "funding landed, transfers failed"
	case OutcomeRefused:
		return "submission refused"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// AttemptOutcome is the sum-typed result of a single engine attempt. The retry
// controller branches on Kind alone, never on error strings.
type AttemptOutcome struct {
	Kind OutcomeKind

	FundingHash    common.Hash
	TransferHashes []common.Hash

	// FailingIndexes are positions into the original transfer-call list that
	// reverted, were refused, or were dropped. Meaningful for OutcomePartial.
	FailingIndexes []int

	Err error
}

// RescueResult is the terminal report handed back to the caller.
type RescueResult struct {
	FundingHash    *common.Hash
	TransferHashes []common.Hash
	Success        bool
	Attempts       int
	LastError      error
}
