package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/meridian-sec/tokenrescue/config"
	"github.com/meridian-sec/tokenrescue/erc20"
	"github.com/meridian-sec/tokenrescue/params"
	"github.com/meridian-sec/tokenrescue/rescue"
)

// errFundsInsufficient aborts before the orchestrator runs when the sponsor
// cannot cover funding plus its own gas.
var errFundsInsufficient = errors.New("sponsor balance cannot cover funding")

func run(c *cli.Context) error {
	setupLogger(c)

	cfg, err := resolveConfig(c)
	if err != nil {
		return err
	}

	executorKey, err := crypto.HexToECDSA(strings.TrimPrefix(c.String(executorKeyFlag.Name), "0x"))
	if err != nil {
		return fmt.Errorf("bad executor key: %w", err)
	}
	sponsorKey, err := crypto.HexToECDSA(strings.TrimPrefix(c.String(sponsorKeyFlag.Name), "0x"))
	if err != nil {
		return fmt.Errorf("bad sponsor key: %w", err)
	}
	executorAddr := crypto.PubkeyToAddress(executorKey.PublicKey)
	sponsorAddr := crypto.PubkeyToAddress(sponsorKey.PublicKey)
	recipient := common.HexToAddress(cfg.Recipient)

	ctx := c.Context

	primary, err := rescue.DialGateway(ctx, cfg.PrimaryRPC)
	if err != nil {
		return err
	}
	privates := make([]rescue.Gateway, 0, len(cfg.PrivateRPCs))
	for _, url := range cfg.PrivateRPCs {
		gw, err := rescue.DialGateway(ctx, url)
		if err != nil {
			// A dead private endpoint must not kill the rescue.
			log.Warn("PRIVATE RPC unreachable, continuing without it", "url", url, "err", err)
			continue
		}
		privates = append(privates, gw)
	}

	ec, err := ethclient.DialContext(ctx, cfg.PrimaryRPC)
	if err != nil {
		return err
	}
	defer ec.Close()

	calls, err := discoverTransfers(ctx, ec, primary, cfg, executorAddr, recipient)
	if err != nil {
		return err
	}

	code, err := primary.Code(ctx, executorAddr)
	if err != nil {
		return fmt.Errorf("probe executor code: %w", err)
	}
	executorIsContract := len(code) > 0
	if executorIsContract {
		log.Info("executor carries delegated code, widening funding gas limit", "addr", executorAddr)
	}

	priorityFee := params.FloatGweiToWei(cfg.PriorityFeeGwei)
	maxFee := params.FloatGweiToWei(cfg.MaxFeeGwei)

	if err := checkSponsorFunds(ctx, primary, sponsorAddr, calls, maxFee, executorIsContract); err != nil {
		return err
	}

	result, err := rescue.Rescue(ctx, rescue.Options{
		ExecutorKey:        executorKey,
		SponsorKey:         sponsorKey,
		Calls:              calls,
		Primary:            primary,
		Privates:           privates,
		PriorityFee:        priorityFee,
		MaxFee:             maxFee,
		ExecutorIsContract: executorIsContract,
		ReceiptTimeout:     cfg.ReceiptTimeout,
	})
	if err != nil {
		return err
	}

	printResult(result)
	if !result.Success {
		return cli.Exit("", 1)
	}
	return nil
}

// resolveConfig merges the optional YAML file with flag overrides and
// validates the outcome.
func resolveConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.DefaultConfig
	if path := c.String(configFlag.Name); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	if c.IsSet(primaryRPCFlag.Name) || cfg.PrimaryRPC == "" {
		cfg.PrimaryRPC = c.String(primaryRPCFlag.Name)
	}
	if c.IsSet(privateRPCFlag.Name) {
		cfg.PrivateRPCs = c.StringSlice(privateRPCFlag.Name)
	}
	if c.IsSet(recipientFlag.Name) || cfg.Recipient == "" {
		cfg.Recipient = c.String(recipientFlag.Name)
	}
	if c.IsSet(tokenFlag.Name) {
		cfg.Tokens = c.StringSlice(tokenFlag.Name)
	}
	if c.IsSet(priorityFeeFlag.Name) {
		cfg.PriorityFeeGwei = c.Float64(priorityFeeFlag.Name)
	}
	if c.IsSet(maxFeeFlag.Name) {
		cfg.MaxFeeGwei = c.Float64(maxFeeFlag.Name)
	}
	if c.IsSet(receiptTimeoutFlag.Name) {
		cfg.ReceiptTimeout = c.Duration(receiptTimeoutFlag.Name)
	}
	if c.IsSet(logFileFlag.Name) {
		cfg.LogFile = c.String(logFileFlag.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if c.String(executorKeyFlag.Name) == "" || c.String(sponsorKeyFlag.Name) == "" {
		return nil, fmt.Errorf("executor and sponsor keys are required (flags or environment)")
	}
	return &cfg, nil
}

// discoverTransfers probes every configured token and builds one transfer
// call per non-zero balance, in the configured order.
func discoverTransfers(ctx context.Context, ec *ethclient.Client, gw rescue.Gateway, cfg *config.Config, executor, recipient common.Address) ([]rescue.TransferCall, error) {
	calls := make([]rescue.TransferCall, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		token := common.HexToAddress(t)
		balance, err := erc20.BalanceOf(ctx, ec, token, executor)
		if err != nil {
			return nil, err
		}
		meta := erc20.Probe(ctx, ec, token)
		if balance.Sign() == 0 {
			log.Warn("token balance is zero, skipping", "token", token, "symbol", meta.Symbol)
			continue
		}
		log.Info("token discovered", "token", token, "symbol", meta.Symbol,
			"balance", erc20.FormatUnits(balance, meta.Decimals))

		if ok, why, err := erc20.PreflightTransfer(ctx, ec, token, executor, recipient, balance); err == nil && !ok {
			log.Warn("WARNING transfer preflight failed, sweeping anyway", "token", token, "reason", why)
		}

		calldata, err := erc20.TransferCalldata(recipient, balance)
		if err != nil {
			return nil, err
		}
		gasLimit, err := gw.EstimateGas(ctx, executor, token, calldata)
		if err != nil || gasLimit == 0 {
			// Nodes refuse to estimate against an unfunded sender; fall back
			// to a conservative default.
			gasLimit = params.DefaultTransferGas
		}
		calls = append(calls, rescue.TransferCall{To: token, Calldata: calldata, GasLimit: gasLimit})
	}
	if len(calls) == 0 {
		return nil, fmt.Errorf("nothing to rescue: every configured token has zero balance")
	}
	return calls, nil
}

// checkSponsorFunds verifies the sponsor can pay the funding value plus the
// funding tx's own gas, priced at the higher of the configured max fee and the
// escalation cap, before anything is signed.
func checkSponsorFunds(ctx context.Context, gw rescue.Gateway, sponsor common.Address, calls []rescue.TransferCall, maxFee *big.Int, executorIsContract bool) error {
	var totalGas uint64
	for _, call := range calls {
		totalGas += call.GasLimit
	}
	fundingGas := uint64(params.FundingGasLimitEOA)
	if executorIsContract {
		fundingGas = params.FundingGasLimitDelegated
	}
	capWei := params.GweiToWei(params.MaxFeeCapGwei)
	ceiling := maxFee
	if capWei.Cmp(ceiling) > 0 {
		ceiling = capWei
	}
	need := new(big.Int).Mul(new(big.Int).SetUint64(totalGas+fundingGas), ceiling)

	balance, err := gw.Balance(ctx, sponsor)
	if err != nil {
		return fmt.Errorf("sponsor balance: %w", err)
	}
	if balance.Cmp(need) < 0 {
		return fmt.Errorf("%w: need %s wei, have %s wei", errFundsInsufficient, need, balance)
	}
	return nil
}

func printResult(result *rescue.RescueResult) {
	fmt.Println("---------------------------------------------")
	if result.Success {
		fmt.Printf("Rescue succeeded after %d attempt(s)\n", result.Attempts)
	} else {
		fmt.Printf("Rescue FAILED after %d attempt(s)\n", result.Attempts)
		if result.LastError != nil {
			fmt.Println("Last error:", result.LastError)
		}
	}
	if result.FundingHash != nil {
		fmt.Println("Funding tx: ", result.FundingHash.Hex())
	}
	for _, h := range result.TransferHashes {
		fmt.Println("Transfer tx:", h.Hex())
	}
	fmt.Println("---------------------------------------------")
}

// setupLogger routes structured logs to the terminal or, when a log file is
// requested, to a rotated JSON file instead of the terminal.
func setupLogger(c *cli.Context) {
	level := log.FromLegacyLevel(c.Int(verbosityFlag.Name))

	if path := c.String(logFileFlag.Name); path != "" {
		rotated := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // MB
			MaxBackups: 3,
		}
		log.SetDefault(log.NewLogger(log.JSONHandler(rotated)))
		return
	}

	useColor := isatty.IsTerminal(os.Stderr.Fd())
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, level, useColor)))
}
