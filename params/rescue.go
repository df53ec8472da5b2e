package params

import (
	"math/big"
	"time"
)

// Rescue calibration constants. MaxRetryAttempts and GasEscalationFactor are
// defaults that rescue.Options can override per invocation. The fee cap, the
// funding gas limits and DefaultTransferGas are used as they are; no
// parameter overrides them.
const (
	// MaxRetryAttempts bounds the outer submission loop.
	MaxRetryAttempts = 3

	// GasEscalationFactor is the percent applied to the running gas factor on
	// every retry, producing the ladder 100, 130, 169.
	GasEscalationFactor = 130

	// MaxFeeCapGwei caps the escalation ladder. On a low-fee L2 an uncapped
	// ladder would waste sponsor balance against an opponent whose own tip is
	// bounded.
	MaxFeeCapGwei = 10

	// FundingGasLimitEOA is the gas limit for the sponsor->executor value
	// transfer when the executor is a plain EOA.
	FundingGasLimitEOA = 21_000

	// FundingGasLimitDelegated compensates for EIP-7702 delegated code running
	// on a plain value transfer to the executor.
	FundingGasLimitDelegated = 100_000

	// DefaultTransferGas is the conservative gas limit substituted when
	// eth_estimateGas refuses to run against an unfunded executor.
	DefaultTransferGas = 65_000

	// GweiPerEther-style unit helpers.
	Wei  = 1
	GWei = 1e9
)

// Default network timings for the orchestrator.
const (
	// ReceiptTimeout bounds a single receipt wait against the primary gateway.
	ReceiptTimeout = 90 * time.Second

	// ReceiptPollInterval is the delay between receipt polls.
	ReceiptPollInterval = 500 * time.Millisecond

	// RPCCallTimeout bounds any single read call against a gateway.
	RPCCallTimeout = 15 * time.Second
)

// GweiToWei converts a whole-gwei amount into wei.
func GweiToWei(gwei uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(gwei), big.NewInt(GWei))
}

// FloatGweiToWei converts a fractional gwei amount (display/CLI unit) into an
// integer wei amount. Fee arithmetic downstream is integer-only; this is the
// single boundary where a float is accepted.
func FloatGweiToWei(gwei float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(GWei))
	wei, _ := f.Int(nil)
	if wei.Sign() < 0 {
		return new(big.Int)
	}
	return wei
}
