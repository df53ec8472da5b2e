package rescue

import "errors"

// Error kinds of the orchestrator. The retry controller recovers from all of
// them except ErrNoTransfers up to the retry budget and surfaces the most
// recent cause in RescueResult.LastError. ErrNoTransfers is returned by Rescue
// before the loop starts.
var (
	// ErrPlanning wraps a gateway failure during bundle construction.
	ErrPlanning = errors.New("bundle planning failed")

	// ErrSubmissionRefused marks a signed tx the primary gateway rejected
	// (nonce gap, underpriced, replaced).
	ErrSubmissionRefused = errors.New("submission refused")

	// ErrReverted marks a receipt with status 0.
	ErrReverted = errors.New("transaction reverted")

	// ErrReceiptTimeout marks a receipt that did not arrive within the
	// provider limits. Treated as a revert for transfers and as a failure for
	// the funding tx.
	ErrReceiptTimeout = errors.New("timed out waiting for receipt")

	// ErrNoTransfers rejects an empty transfer-call list before any network
	// traffic.
	ErrNoTransfers = errors.New("no transfer calls")
)
