// Package erc20 discovers token balances and metadata and builds the transfer
// calldata the rescue core submits. Every read is a plain eth_call; nothing
// here signs or sends.
package erc20

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const erc20ABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"type":"uint8"}]},
  {"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"type":"string"}]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"type":"bool"}]}
]`

var parsedABI abi.ABI

func init() {
	var err error
	parsedABI, err = abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic(fmt.Sprintf("erc20: bad ABI: %v", err))
	}
}

// Caller is the read-only slice of a chain client this package needs.
// *ethclient.Client satisfies it.
type Caller interface {
	ethereum.ContractCaller
}

// Token is the discovered metadata of one contract.
type Token struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

// BalanceOf reads the token balance of holder.
func BalanceOf(ctx context.Context, caller Caller, token, holder common.Address) (*big.Int, error) {
	data, err := parsedABI.Pack("balanceOf", holder)
	if err != nil {
		return nil, err
	}
	ret, err := caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf %s: %w", token.Hex(), err)
	}
	if len(ret) < 32 {
		return nil, fmt.Errorf("balanceOf %s: short return (%d bytes)", token.Hex(), len(ret))
	}
	word := new(uint256.Int).SetBytes32(ret[:32])
	return word.ToBig(), nil
}

// Probe fetches symbol and decimals, tolerating tokens that implement
// neither: the fallbacks are "?" and 18.
func Probe(ctx context.Context, caller Caller, token common.Address) Token {
	t := Token{Address: token, Symbol: "?", Decimals: 18}

	if data, err := parsedABI.Pack("decimals"); err == nil {
		if ret, err := caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil); err == nil {
			if out, err := parsedABI.Unpack("decimals", ret); err == nil && len(out) == 1 {
				if d, ok := out[0].(uint8); ok {
					t.Decimals = d
				}
			}
		}
	}
	if data, err := parsedABI.Pack("symbol"); err == nil {
		if ret, err := caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil); err == nil {
			if out, err := parsedABI.Unpack("symbol", ret); err == nil && len(out) == 1 {
				if s, ok := out[0].(string); ok && s != "" {
					t.Symbol = s
				}
			}
		}
	}
	return t
}

// TransferCalldata encodes transfer(to, amount).
func TransferCalldata(to common.Address, amount *big.Int) ([]byte, error) {
	return parsedABI.Pack("transfer", to, amount)
}

// PreflightTransfer simulates transfer(to, amount) from the holder via
// eth_call. It reports (false, reason) when the transfer would revert or the
// token returns false, so a doomed rescue can be aborted before any gas is
// spent.
func PreflightTransfer(ctx context.Context, caller Caller, token, holder, to common.Address, amount *big.Int) (bool, string, error) {
	data, err := TransferCalldata(to, amount)
	if err != nil {
		return false, "calldata encoding failed", err
	}
	ret, err := caller.CallContract(ctx, ethereum.CallMsg{From: holder, To: &token, Data: data}, nil)
	if err != nil {
		return false, "transfer reverts", nil
	}
	// Missing return data is fine: pre-ERC20 tokens return nothing.
	if len(ret) == 0 {
		return true, "", nil
	}
	out, err := parsedABI.Unpack("transfer", ret)
	if err != nil {
		return false, "unexpected return data", nil
	}
	if len(out) == 1 {
		if ok, _ := out[0].(bool); ok {
			return true, "", nil
		}
	}
	return false, "transfer returned false", nil
}

// FormatUnits renders amount with the token's decimal point for display.
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(amount, scale, new(big.Int))
	if frac.Sign() == 0 {
		return whole.String()
	}
	fracStr := frac.String()
	if pad := int(decimals) - len(fracStr); pad > 0 {
		fracStr = strings.Repeat("0", pad) + fracStr
	}
	return whole.String() + "." + strings.TrimRight(fracStr, "0")
}
