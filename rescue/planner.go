package rescue

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-sec/tokenrescue/params"
)

// PlanRequest carries everything the planner needs to produce one bundle.
// Fees are integer wei; the gwei-denominated CLI surface converts before the
// core is reached.
type PlanRequest struct {
	SponsorKey  *ecdsa.PrivateKey
	ExecutorKey *ecdsa.PrivateKey
	Calls       []TransferCall

	PriorityFee *big.Int // wei
	MaxFee      *big.Int // wei, before gas-factor scaling

	// GasFactor is a percentage (100 = no escalation) applied by the retry
	// ladder.
	GasFactor uint64

	// ExecutorIsContract widens the funding gas limit to absorb EIP-7702
	// delegated code running on a plain value transfer.
	ExecutorIsContract bool
}

// PlanBundle reads chain state through the gateway and signs a complete
// rescue bundle against the observed pending nonces.
func PlanBundle(ctx context.Context, gw Gateway, req PlanRequest) (*SignedRescueBundle, error) {
	if len(req.Calls) == 0 {
		return nil, ErrNoTransfers
	}
	if req.SponsorKey == nil || req.ExecutorKey == nil {
		return nil, fmt.Errorf("%w: missing key", ErrPlanning)
	}
	if req.GasFactor < 100 {
		req.GasFactor = 100
	}

	var (
		block   *BlockInfo
		chainID *big.Int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		block, err = gw.LatestBlock(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		chainID, err = gw.ChainID(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		metricsPlan(false)
		return nil, fmt.Errorf("%w: %v", ErrPlanning, err)
	}

	quote := quoteFees(block.BaseFee, req.PriorityFee, req.MaxFee, req.GasFactor)

	// Pending nonces for both accounts, fetched in parallel. Pending matters:
	// a sweep attempt already in the pool moves the executor's next usable
	// nonce, and signing below it would hand the adversary a free replacement
	// target.
	sponsorAddr := crypto.PubkeyToAddress(req.SponsorKey.PublicKey)
	executorAddr := crypto.PubkeyToAddress(req.ExecutorKey.PublicKey)

	var sponsorNonce, executorNonce uint64
	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sponsorNonce, err = gw.NonceAt(gctx, sponsorAddr, TagPending)
		return err
	})
	g.Go(func() error {
		var err error
		executorNonce, err = gw.NonceAt(gctx, executorAddr, TagPending)
		return err
	})
	if err := g.Wait(); err != nil {
		metricsPlan(false)
		return nil, fmt.Errorf("%w: %v", ErrPlanning, err)
	}

	var totalGas uint64
	for _, call := range req.Calls {
		totalGas += call.GasLimit
	}
	fundingValue := new(big.Int).Mul(new(big.Int).SetUint64(totalGas), quote.MaxFee)

	fundingGas := uint64(params.FundingGasLimitEOA)
	if req.ExecutorIsContract {
		fundingGas = params.FundingGasLimitDelegated
	}

	funding, err := SignTemplate(req.SponsorKey, TxTemplate{
		ChainID:   chainID,
		Nonce:     sponsorNonce,
		To:        executorAddr,
		Value:     fundingValue,
		Gas:       fundingGas,
		GasFeeCap: quote.MaxFee,
		GasTipCap: quote.PriorityFee,
	})
	if err != nil {
		metricsPlan(false)
		return nil, fmt.Errorf("%w: %v", ErrPlanning, err)
	}

	transfers, err := signTransfers(req.ExecutorKey, chainID, executorNonce, quote, req.Calls)
	if err != nil {
		metricsPlan(false)
		return nil, fmt.Errorf("%w: %v", ErrPlanning, err)
	}

	bundle := &SignedRescueBundle{
		Funding:              funding,
		Transfers:            transfers,
		Fee:                  quote,
		ChainID:              chainID,
		ExecutorNonce:        executorNonce,
		SponsorNonce:         sponsorNonce,
		TotalExecutorGasCost: fundingValue,
	}

	metricsPlan(true)
	log.Info("PLAN bundle signed",
		"transfers", len(transfers),
		"executorNonce", executorNonce,
		"sponsorNonce", sponsorNonce,
		"baseFee", quote.BaseFee,
		"maxFee", quote.MaxFee,
		"priorityFee", quote.PriorityFee,
		"funding", fundingValue,
		"gasFactor", req.GasFactor,
	)
	return bundle, nil
}

// quoteFees derives the attempt's fee triple. All arithmetic is integer wei.
//
// The raw ceiling scales with the retry ladder, then is capped: against an
// opponent whose own tip is bounded, outbidding past the cap only burns
// sponsor balance. The base-fee floor (2x headroom plus tip) wins over the cap
// so the quote stays includable after one base-fee doubling.
func quoteFees(baseFee, priorityFee, maxFee *big.Int, gasFactor uint64) FeeQuote {
	scaled := new(big.Int).Mul(maxFee, new(big.Int).SetUint64(gasFactor))
	scaled.Div(scaled, big.NewInt(100))

	capWei := params.GweiToWei(params.MaxFeeCapGwei)
	if scaled.Cmp(capWei) > 0 {
		scaled = capWei
	}

	floor := new(big.Int).Mul(baseFee, big.NewInt(2))
	floor.Add(floor, priorityFee)
	if scaled.Cmp(floor) < 0 {
		scaled = floor
	}

	return FeeQuote{
		BaseFee:     new(big.Int).Set(baseFee),
		PriorityFee: new(big.Int).Set(priorityFee),
		MaxFee:      scaled,
	}
}

// escalateQuote applies one retry step to an existing quote without touching
// the chain. The ceiling grows by factorPct but never past the cap unless it
// was already above it (base-fee floor), and never shrinks. The tip follows
// the ceiling so a replacement actually outbids the original.
func escalateQuote(q FeeQuote, factorPct uint64) FeeQuote {
	factor := new(big.Int).SetUint64(factorPct)

	scaledMax := new(big.Int).Mul(q.MaxFee, factor)
	scaledMax.Div(scaledMax, big.NewInt(100))
	capWei := params.GweiToWei(params.MaxFeeCapGwei)
	if scaledMax.Cmp(capWei) > 0 && q.MaxFee.Cmp(capWei) <= 0 {
		scaledMax = capWei
	}
	if scaledMax.Cmp(q.MaxFee) < 0 {
		scaledMax = new(big.Int).Set(q.MaxFee)
	}

	scaledTip := new(big.Int).Mul(q.PriorityFee, factor)
	scaledTip.Div(scaledTip, big.NewInt(100))
	if scaledTip.Cmp(scaledMax) > 0 {
		scaledTip = new(big.Int).Set(scaledMax)
	}

	return FeeQuote{
		BaseFee:     new(big.Int).Set(q.BaseFee),
		PriorityFee: scaledTip,
		MaxFee:      scaledMax,
	}
}

// signTransfers signs the transfer list in order with sequential nonces
// starting at startNonce.
func signTransfers(key *ecdsa.PrivateKey, chainID *big.Int, startNonce uint64, quote FeeQuote, calls []TransferCall) ([]SignedTx, error) {
	transfers := make([]SignedTx, 0, len(calls))
	for i, call := range calls {
		signed, err := SignTemplate(key, TxTemplate{
			ChainID:   chainID,
			Nonce:     startNonce + uint64(i),
			To:        call.To,
			Value:     new(big.Int),
			Data:      call.Calldata,
			Gas:       call.GasLimit,
			GasFeeCap: quote.MaxFee,
			GasTipCap: quote.PriorityFee,
		})
		if err != nil {
			return nil, fmt.Errorf("transfer %d: %w", i, err)
		}
		transfers = append(transfers, signed)
	}
	return transfers, nil
}

// resignTransfers replaces the bundle's transfer txs against a new executor
// nonce and fee quote. The funding tx is never re-signed here.
func resignTransfers(bundle *SignedRescueBundle, key *ecdsa.PrivateKey, calls []TransferCall, nonce uint64, quote FeeQuote) error {
	transfers, err := signTransfers(key, bundle.ChainID, nonce, quote, calls)
	if err != nil {
		return err
	}
	bundle.Transfers = transfers
	bundle.ExecutorNonce = nonce
	bundle.Fee = quote
	return nil
}
