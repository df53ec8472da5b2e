package rescue

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/meridian-sec/tokenrescue/params"
)

// Options parametrizes one rescue invocation. The retry budget, escalation
// factor and receipt timeout are options; the fee cap and funding gas limits
// come from package params and are not. The package keeps no state between
// invocations.
type Options struct {
	ExecutorKey *ecdsa.PrivateKey
	SponsorKey  *ecdsa.PrivateKey
	Calls       []TransferCall

	Primary  Gateway
	Privates []Gateway

	PriorityFee *big.Int // wei
	MaxFee      *big.Int // wei

	// ExecutorIsContract is probed by the caller via Code(); it widens the
	// funding gas limit for EIP-7702 delegated executors.
	ExecutorIsContract bool

	// MaxAttempts bounds the outer loop; zero means params.MaxRetryAttempts.
	MaxAttempts int
	// EscalationFactor is the percent applied to the gas factor per retry;
	// zero means params.GasEscalationFactor.
	EscalationFactor uint64
	// ReceiptTimeout bounds each receipt wait; zero means
	// params.ReceiptTimeout.
	ReceiptTimeout time.Duration
}

func (o *Options) withDefaults() error {
	if o.ExecutorKey == nil || o.SponsorKey == nil {
		return errors.New("rescue: missing signing key")
	}
	if o.Primary == nil {
		return errors.New("rescue: missing primary gateway")
	}
	if len(o.Calls) == 0 {
		return ErrNoTransfers
	}
	if o.PriorityFee == nil || o.MaxFee == nil {
		return errors.New("rescue: missing fee bounds")
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = params.MaxRetryAttempts
	}
	if o.EscalationFactor == 0 {
		o.EscalationFactor = params.GasEscalationFactor
	}
	if o.ReceiptTimeout <= 0 {
		o.ReceiptTimeout = params.ReceiptTimeout
	}
	return nil
}

// Rescue runs the bounded retry loop around the submission engine: plan,
// burst, confirm, and on failure escalate gas and re-plan. A funding tx that
// landed without its transfers triggers the partial-progress fast path, which
// re-sends escalated transfer txs without ever funding twice.
func Rescue(ctx context.Context, opts Options) (*RescueResult, error) {
	if err := opts.withDefaults(); err != nil {
		return nil, err
	}

	engine := NewEngine(opts.Primary, opts.Privates, opts.ExecutorKey, opts.Calls, opts.ReceiptTimeout)

	result := &RescueResult{}
	gasFactor := uint64(100)
	var lastErr error

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			gasFactor = gasFactor * opts.EscalationFactor / 100
			log.Info("RETRY re-planning with escalated gas", "attempt", attempt, "gasFactor", gasFactor)
		}
		metricsAttempt(gasFactor)
		result.Attempts = attempt

		bundle, err := PlanBundle(ctx, opts.Primary, PlanRequest{
			SponsorKey:         opts.SponsorKey,
			ExecutorKey:        opts.ExecutorKey,
			Calls:              opts.Calls,
			PriorityFee:        opts.PriorityFee,
			MaxFee:             opts.MaxFee,
			GasFactor:          gasFactor,
			ExecutorIsContract: opts.ExecutorIsContract,
		})
		if err != nil {
			// Planning failures are fatal to the attempt, not the loop.
			lastErr = err
			log.Warn("FAILED attempt could not be planned", "attempt", attempt, "err", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		outcome := engine.RunAttempt(ctx, bundle)
		recordOutcome(result, outcome)

		switch outcome.Kind {
		case OutcomeSuccess:
			result.Success = true
			result.LastError = nil
			log.Info("SUCCESS rescue complete", "attempts", attempt)
			return result, nil

		case OutcomePartial:
			lastErr = outcome.Err
			if attempt >= opts.MaxAttempts {
				break
			}
			// Funding already sits as executor balance; only the transfers
			// are re-priced and re-sent.
			bundle.Fee = escalateQuote(bundle.Fee, opts.EscalationFactor)
			log.Info("RETRY partial progress, re-sending transfers only",
				"attempt", attempt,
				"failing", outcome.FailingIndexes,
				"maxFee", bundle.Fee.MaxFee,
			)
			sub := engine.RunTransfersOnly(ctx, bundle)
			recordOutcome(result, sub)
			if sub.Kind == OutcomeSuccess {
				result.Success = true
				result.LastError = nil
				result.Attempts = attempt + 1
				log.Info("SUCCESS rescue complete via partial-progress path", "attempts", result.Attempts)
				return result, nil
			}
			if sub.Err != nil {
				lastErr = sub.Err
			}

		default:
			if outcome.Err != nil {
				lastErr = outcome.Err
			} else {
				lastErr = fmt.Errorf("attempt %d: %s", attempt, outcome.Kind)
			}
		}

		if ctx.Err() != nil {
			break
		}
	}

	result.Success = false
	result.LastError = lastErr
	log.Error("FAILED rescue exhausted retry budget", "attempts", result.Attempts, "err", lastErr)
	return result, nil
}

// recordOutcome folds the observable hashes of one attempt into the terminal
// result so a failed run still reports everything a block explorer can show.
func recordOutcome(result *RescueResult, outcome AttemptOutcome) {
	if outcome.FundingHash != (common.Hash{}) {
		h := outcome.FundingHash
		result.FundingHash = &h
	}
	for _, h := range outcome.TransferHashes {
		seen := false
		for _, existing := range result.TransferHashes {
			if existing == h {
				seen = true
				break
			}
		}
		if !seen {
			result.TransferHashes = append(result.TransferHashes, h)
		}
	}
}
