package payout

import (
	"context"
	"crypto/ecdsa"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"chainpay/chain"
	"chainpay/models"
	"chainpay/wallet"
)

// TransferState is a backend's view of a submitted payout.
type TransferState string

const (
	TransferPending   TransferState = "PENDING"
	TransferConfirmed TransferState = "CONFIRMED"
	TransferFailed    TransferState = "FAILED"
)

// Backend executes outbound transfers. Two implementations exist: the direct
// on-chain signer and the custodial Binance adapter. Selection is
// per-deployment configuration.
type Backend interface {
	Name() string
	SubmitTransfer(ctx context.Context, destination string, amount decimal.Decimal) (string, error)
	TransferStatus(ctx context.Context, reference string) (TransferState, error)
	Balance(ctx context.Context) (decimal.Decimal, error)
}

// ChainNode is the node surface the on-chain backend needs, satisfied by
// *chain.Client.
type ChainNode interface {
	SubmitTransfer(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount decimal.Decimal) (*chain.TransferReceipt, error)
	TokenBalance(ctx context.Context, holder common.Address) (decimal.Decimal, error)
	Confirmations(ctx context.Context, txHash string) (uint64, error)
}

// OnChainBackend signs payout transfers with the hot-wallet key and tracks
// them by confirmation count.
type OnChainBackend struct {
	node     ChainNode
	cipher   *wallet.KeyCipher
	hot      *models.PaymentAddress
	required uint64
}

// NewOnChainBackend wires the direct signer over the hot wallet.
func NewOnChainBackend(node ChainNode, cipher *wallet.KeyCipher, hot *models.PaymentAddress, required uint64) *OnChainBackend {
	if required == 0 {
		required = 12
	}
	return &OnChainBackend{node: node, cipher: cipher, hot: hot, required: required}
}

func (b *OnChainBackend) Name() string { return "onchain" }

func (b *OnChainBackend) SubmitTransfer(ctx context.Context, destination string, amount decimal.Decimal) (string, error) {
	raw, err := b.cipher.Open(b.hot.EncryptedKey)
	if err != nil {
		return "", err
	}
	defer zeroBytes(raw)
	key, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return "", err
	}
	receipt, err := b.node.SubmitTransfer(ctx, key, common.HexToAddress(destination), amount)
	if err != nil {
		return "", err
	}
	return receipt.TxHash, nil
}

func (b *OnChainBackend) TransferStatus(ctx context.Context, reference string) (TransferState, error) {
	confirmations, err := b.node.Confirmations(ctx, reference)
	if err != nil {
		if errors.Is(err, chain.ErrTxNotFound) {
			return TransferPending, nil
		}
		return TransferPending, err
	}
	if confirmations >= b.required {
		return TransferConfirmed, nil
	}
	return TransferPending, nil
}

func (b *OnChainBackend) Balance(ctx context.Context) (decimal.Decimal, error) {
	return b.node.TokenBalance(ctx, common.HexToAddress(b.hot.Address))
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
