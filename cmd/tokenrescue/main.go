// tokenrescue sweeps fungible tokens out of a compromised account, paying gas
// from a separate sponsor so the adversary holding the leaked key never sees
// a spendable native balance arrive unannounced.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "YAML config `FILE` (flags override file values)",
	}
	primaryRPCFlag = &cli.StringFlag{
		Name:    "primary-rpc",
		Usage:   "primary JSON-RPC endpoint `URL`",
		EnvVars: []string{"RESCUE_PRIMARY_RPC"},
	}
	privateRPCFlag = &cli.StringSliceFlag{
		Name:    "private-rpc",
		Usage:   "private / MEV-protected endpoint `URL` (repeatable)",
		EnvVars: []string{"RESCUE_PRIVATE_RPCS"},
	}
	executorKeyFlag = &cli.StringFlag{
		Name:    "executor-key",
		Usage:   "compromised account private key (hex)",
		EnvVars: []string{"RESCUE_EXECUTOR_KEY"},
	}
	sponsorKeyFlag = &cli.StringFlag{
		Name:    "sponsor-key",
		Usage:   "gas sponsor private key (hex)",
		EnvVars: []string{"RESCUE_SPONSOR_KEY"},
	}
	recipientFlag = &cli.StringFlag{
		Name:    "recipient",
		Usage:   "safe destination `ADDRESS`",
		EnvVars: []string{"RESCUE_RECIPIENT"},
	}
	tokenFlag = &cli.StringSliceFlag{
		Name:  "token",
		Usage: "token contract `ADDRESS` to sweep (repeatable)",
	}
	priorityFeeFlag = &cli.Float64Flag{
		Name:  "priority-fee",
		Usage: "priority fee in gwei",
		Value: 1.0,
	}
	maxFeeFlag = &cli.Float64Flag{
		Name:  "max-fee",
		Usage: "max fee per gas in gwei (pre-escalation)",
		Value: 3.0,
	}
	receiptTimeoutFlag = &cli.DurationFlag{
		Name:  "receipt-timeout",
		Usage: "per-receipt confirmation wait",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log-file",
		Usage: "write JSON logs to `FILE` (rotated)",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity (0=crit .. 5=trace)",
		Value: 3,
	}
)

func main() {
	app := &cli.App{
		Name:  "tokenrescue",
		Usage: "sweep tokens out of a compromised account with sponsored gas",
		Flags: []cli.Flag{
			configFlag,
			primaryRPCFlag,
			privateRPCFlag,
			executorKeyFlag,
			sponsorKeyFlag,
			recipientFlag,
			tokenFlag,
			priorityFeeFlag,
			maxFeeFlag,
			receiptTimeoutFlag,
			logFileFlag,
			verbosityFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
