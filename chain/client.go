package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// transferTopic is the keccak hash of the ERC-20 Transfer event signature.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ErrTxNotFound indicates the node does not know the transaction.
var ErrTxNotFound = errors.New("chain: transaction not found")

const rpcTimeout = 30 * time.Second

// TransferEvent is one decoded inbound token transfer. It doubles as the
// detection payload published on the transaction.detect queue.
type TransferEvent struct {
	TxHash         string          `json:"txHash"`
	LogIndex       uint            `json:"logIndex"`
	FromAddress    string          `json:"fromAddress"`
	ToAddress      string          `json:"toAddress"`
	Amount         decimal.Decimal `json:"amount"`
	RawAmount      string          `json:"rawAmount"`
	BlockNumber    uint64          `json:"blockNumber"`
	BlockHash      string          `json:"blockHash"`
	BlockTimestamp time.Time       `json:"blockTimestamp"`
	Confirmations  uint64          `json:"confirmations"`
	Source         string          `json:"source"`
}

// Reader is the node access surface the monitor and state machine consume.
// Fakes implement it in tests.
type Reader interface {
	HeadBlock(ctx context.Context) (uint64, error)
	TransferLogs(ctx context.Context, fromBlock, toBlock uint64, recipients []common.Address) ([]TransferEvent, error)
	SubscribeTransfers(ctx context.Context, recipients []common.Address, sink chan<- TransferEvent) (ethereum.Subscription, error)
	Confirmations(ctx context.Context, txHash string) (uint64, error)
}

// Client reads USDT transfer activity from a BSC node.
type Client struct {
	eth      *ethclient.Client
	ws       *ethclient.Client
	contract common.Address
	decimals int32
}

// Dial connects the HTTP RPC endpoint and, when wsURL is non-empty, the
// WebSocket endpoint used for push subscriptions.
func Dial(ctx context.Context, rpcURL, wsURL, contract string, decimals int32) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial rpc: %w", err)
	}
	c := &Client{
		eth:      eth,
		contract: common.HexToAddress(contract),
		decimals: decimals,
	}
	if strings.TrimSpace(wsURL) != "" {
		ws, err := ethclient.DialContext(ctx, wsURL)
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("chain: dial ws: %w", err)
		}
		c.ws = ws
	}
	return c, nil
}

// Raw exposes the underlying RPC client for the settlement and payout
// submitters.
func (c *Client) Raw() *ethclient.Client { return c.eth }

// Contract returns the watched token contract address.
func (c *Client) Contract() common.Address { return c.contract }

// Decimals returns the token's decimal scale.
func (c *Client) Decimals() int32 { return c.decimals }

// HeadBlock returns the current chain head number.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	return c.eth.BlockNumber(ctx)
}

// TransferLogs scans [fromBlock, toBlock] for token transfers to any of the
// given recipients.
func (c *Client) TransferLogs(ctx context.Context, fromBlock, toBlock uint64, recipients []common.Address) ([]TransferEvent, error) {
	if len(recipients) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{transferTopic}, nil, recipientTopics(recipients)},
	}
	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("chain: filter logs: %w", err)
	}
	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: head: %w", err)
	}
	out := make([]TransferEvent, 0, len(logs))
	for _, entry := range logs {
		evt, ok := c.decodeTransfer(entry)
		if !ok {
			continue
		}
		if ts, err := c.blockTime(ctx, entry.BlockHash); err == nil {
			evt.BlockTimestamp = ts
		}
		if head >= entry.BlockNumber {
			evt.Confirmations = head - entry.BlockNumber + 1
		}
		evt.Source = "poll"
		out = append(out, evt)
	}
	return out, nil
}

// SubscribeTransfers pushes matching transfers into sink until the
// subscription errors or ctx ends. Requires a WebSocket endpoint.
func (c *Client) SubscribeTransfers(ctx context.Context, recipients []common.Address, sink chan<- TransferEvent) (ethereum.Subscription, error) {
	if c.ws == nil {
		return nil, errors.New("chain: websocket endpoint not configured")
	}
	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{transferTopic}, nil, recipientTopics(recipients)},
	}
	raw := make(chan types.Log, 128)
	sub, err := c.ws.SubscribeFilterLogs(ctx, query, raw)
	if err != nil {
		return nil, fmt.Errorf("chain: subscribe logs: %w", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-raw:
				if !ok {
					return
				}
				evt, decoded := c.decodeTransfer(entry)
				if !decoded {
					continue
				}
				evt.Source = "subscription"
				select {
				case sink <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return sub, nil
}

// Confirmations reports how many blocks sit atop the transaction's block.
func (c *Client) Confirmations(ctx context.Context, txHash string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	receipt, err := c.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return 0, ErrTxNotFound
		}
		return 0, fmt.Errorf("chain: receipt: %w", err)
	}
	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: head: %w", err)
	}
	blockNum := receipt.BlockNumber.Uint64()
	if head < blockNum {
		return 0, nil
	}
	return head - blockNum + 1, nil
}

// TokenBalance reads the ERC-20 balance of the holder at the latest block.
func (c *Client) TokenBalance(ctx context.Context, holder common.Address) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	data := append(balanceOfSelector(), common.LeftPadBytes(holder.Bytes(), 32)...)
	res, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("chain: balanceOf: %w", err)
	}
	raw := new(big.Int).SetBytes(res)
	return c.scale(raw), nil
}

func (c *Client) decodeTransfer(entry types.Log) (TransferEvent, bool) {
	if entry.Removed || len(entry.Topics) != 3 || entry.Topics[0] != transferTopic {
		return TransferEvent{}, false
	}
	raw, overflow := uint256.FromBig(new(big.Int).SetBytes(entry.Data))
	if overflow {
		return TransferEvent{}, false
	}
	from := common.BytesToAddress(entry.Topics[1].Bytes())
	to := common.BytesToAddress(entry.Topics[2].Bytes())
	return TransferEvent{
		TxHash:      entry.TxHash.Hex(),
		LogIndex:    entry.Index,
		FromAddress: from.Hex(),
		ToAddress:   to.Hex(),
		Amount:      c.scale(raw.ToBig()),
		RawAmount:   raw.Dec(),
		BlockNumber: entry.BlockNumber,
		BlockHash:   entry.BlockHash.Hex(),
	}, true
}

func (c *Client) blockTime(ctx context.Context, hash common.Hash) (time.Time, error) {
	header, err := c.eth.HeaderByHash(ctx, hash)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

func (c *Client) scale(raw *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(raw, -c.decimals)
}

// SmallestUnit is one raw token unit expressed as a decimal, the tolerance
// used when classifying under/over payment.
func (c *Client) SmallestUnit() decimal.Decimal {
	return decimal.New(1, -c.decimals)
}

func recipientTopics(recipients []common.Address) []common.Hash {
	topics := make([]common.Hash, 0, len(recipients))
	for _, addr := range recipients {
		topics = append(topics, common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32)))
	}
	return topics
}

func balanceOfSelector() []byte {
	return crypto.Keccak256([]byte("balanceOf(address)"))[:4]
}

// Close releases both RPC connections.
func (c *Client) Close() {
	c.eth.Close()
	if c.ws != nil {
		c.ws.Close()
	}
}
