package rescue

import (
	"time"

	"github.com/ethereum/go-ethereum/metrics"
)

// metrics
var (
	// Planning
	planMeter       = metrics.NewRegisteredMeter("rescue/plan", nil)
	planFailedMeter = metrics.NewRegisteredMeter("rescue/plan/failed", nil)

	// Submission counters
	submitAcceptedMeter = metrics.NewRegisteredMeter("rescue/submit/accepted", nil)
	submitRefusedMeter  = metrics.NewRegisteredMeter("rescue/submit/refused", nil)
	privateSubmitMeter  = metrics.NewRegisteredMeter("rescue/submit/private", nil)

	// Confirmation outcome
	confirmSuccessMeter = metrics.NewRegisteredMeter("rescue/confirm/success", nil)
	confirmRevertMeter  = metrics.NewRegisteredMeter("rescue/confirm/revert", nil)

	// Retry state
	attemptMeter   = metrics.NewRegisteredMeter("rescue/attempt", nil)
	gasFactorGauge = metrics.NewRegisteredGauge("rescue/gasfactor", nil)

	// In-flight submissions tracked by the engine
	inflightGauge = metrics.NewRegisteredGauge("rescue/inflight", nil)

	// Timings
	fundingWaitTimer  = metrics.NewRegisteredTimer("rescue/wait/funding", nil)
	transferWaitTimer = metrics.NewRegisteredTimer("rescue/wait/transfers", nil)
)

func metricsPlan(ok bool) {
	if ok {
		planMeter.Mark(1)
	} else {
		planFailedMeter.Mark(1)
	}
}

func metricsSubmit(accepted bool) {
	if accepted {
		submitAcceptedMeter.Mark(1)
	} else {
		submitRefusedMeter.Mark(1)
	}
}

func metricsPrivateSubmit(count int) {
	privateSubmitMeter.Mark(int64(count))
}

func metricsConfirm(success bool) {
	if success {
		confirmSuccessMeter.Mark(1)
	} else {
		confirmRevertMeter.Mark(1)
	}
}

func metricsAttempt(gasFactor uint64) {
	attemptMeter.Mark(1)
	gasFactorGauge.Update(int64(gasFactor))
}

func metricsInflightInc(count int) {
	inflightGauge.Inc(int64(count))
}

func metricsInflightDec(count int) {
	inflightGauge.Dec(int64(count))
}

func metricsFundingWaitCost(start time.Time) {
	fundingWaitTimer.Update(time.Since(start))
}

func metricsTransferWaitCost(start time.Time) {
	transferWaitTimer.Update(time.Since(start))
}
