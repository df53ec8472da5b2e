package rescue

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxTemplate is a fully parametrized EIP-1559 transaction. Every field is
// explicit; there are no defaults and no implicit type selection.
type TxTemplate struct {
	ChainID   *big.Int
	Nonce     uint64
	To        common.Address
	Value     *big.Int
	Data      []byte
	Gas       uint64
	GasFeeCap *big.Int
	GasTipCap *big.Int
}

// SignTemplate produces a signed, RLP-encoded type-2 transaction from the
// template. Pure function of its inputs: identical inputs yield bytewise
// identical raw transactions.
func SignTemplate(key *ecdsa.PrivateKey, tmpl TxTemplate) (SignedTx, error) {
	if tmpl.ChainID == nil {
		return SignedTx{}, fmt.Errorf("sign: nil chain id")
	}
	value := tmpl.Value
	if value == nil {
		value = new(big.Int)
	}
	to := tmpl.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   tmpl.ChainID,
		Nonce:     tmpl.Nonce,
		GasTipCap: tmpl.GasTipCap,
		GasFeeCap: tmpl.GasFeeCap,
		Gas:       tmpl.Gas,
		To:        &to,
		Value:     value,
		Data:      tmpl.Data,
	})

	signer := types.NewLondonSigner(tmpl.ChainID)
	signed, err := types.SignTx(tx, signer, key)
	if err != nil {
		return SignedTx{}, fmt.Errorf("sign nonce %d: %w", tmpl.Nonce, err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return SignedTx{}, fmt.Errorf("encode nonce %d: %w", tmpl.Nonce, err)
	}
	return SignedTx{Tx: signed, Raw: raw, Hash: signed.Hash()}, nil
}
