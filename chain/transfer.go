package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// erc20TransferGas bounds a standard token transfer. BEP-20 transfers on BSC
// stay well under this.
const erc20TransferGas = 100_000

// TransferReceipt reports a submitted token transfer. Fee is the gas budget
// in the native coin (BNB), not the token.
type TransferReceipt struct {
	TxHash string
	Fee    decimal.Decimal
}

// SubmitTransfer signs and broadcasts an ERC-20 transfer of amount tokens
// from the key's address to the recipient. The caller owns key zeroing.
func (c *Client) SubmitTransfer(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount decimal.Decimal) (*TransferReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	from := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("chain: pending nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: gas price: %w", err)
	}
	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: chain id: %w", err)
	}

	raw := amount.Shift(c.decimals).BigInt()
	if raw.Sign() <= 0 {
		return nil, fmt.Errorf("chain: non-positive transfer amount %s", amount)
	}
	data := transferCalldata(to, raw)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Value:    big.NewInt(0),
		Gas:      erc20TransferGas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("chain: sign transfer: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("chain: broadcast transfer: %w", err)
	}

	feeWei := new(big.Int).Mul(gasPrice, big.NewInt(erc20TransferGas))
	return &TransferReceipt{
		TxHash: signed.Hash().Hex(),
		Fee:    decimal.NewFromBigInt(feeWei, -18),
	}, nil
}

func transferCalldata(to common.Address, raw *big.Int) []byte {
	selector := crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	data := make([]byte, 0, 4+64)
	data = append(data, selector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(raw.Bytes(), 32)...)
	return data
}
