package evm

import (
	"context"
	"math/big"
	"regexp"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var addressPattern = regexp.MustCompile("^0x[0-9a-fA-F]{40}$")

func IsValidAddress(address string) bool {
	return addressPattern.MatchString(address)
}

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Client is a read-only chain client used by the API surface and the
// deposit watcher. It dials lazily so daemons survive an RPC that is down
// at boot.
type Client struct {
	url string
	eth *ethclient.Client
}

func New(url string) *Client {
	return &Client{url: url}
}

func (c *Client) ensure() (*ethclient.Client, error) {
	if c.eth != nil {
		return c.eth, nil
	}
	eth, err := ethclient.Dial(c.url)
	if err != nil {
		return nil, err
	}
	c.eth = eth
	return c.eth, nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	eth, err := c.ensure()
	if err != nil {
		return 0, err
	}
	header, err := eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, err
	}
	return header.Number.Uint64(), nil
}

func (c *Client) GetBalance(address string) (string, error) {
	eth, err := c.ensure()
	if err != nil {
		return "", err
	}
	balance, err := eth.BalanceAt(context.Background(), common.HexToAddress(address), nil)
	if err != nil {
		return "", err
	}
	return balance.String(), nil
}

func (c *Client) GetGasPrice() (string, error) {
	eth, err := c.ensure()
	if err != nil {
		return "", err
	}
	price, err := eth.SuggestGasPrice(context.Background())
	if err != nil {
		return "", err
	}
	return price.String(), nil
}

// TransferEvent is one ERC20 Transfer log decoded to the fields the deposit
// pipeline cares about.
type TransferEvent struct {
	TxHash      string
	From        string
	To          string
	Amount      *big.Int
	BlockNumber uint64
}

// TokenTransfers scans Transfer logs of the token contract from fromBlock
// to head. The caller filters by recipient address.
func (c *Client) TokenTransfers(ctx context.Context, token string, fromBlock uint64) ([]TransferEvent, error) {
	eth, err := c.ensure()
	if err != nil {
		return nil, err
	}
	query := ethereum.FilterQuery{
		Addresses: []common.Address{common.HexToAddress(token)},
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Topics:    [][]common.Hash{{transferTopic}},
	}
	logs, err := eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, err
	}
	var events []TransferEvent
	for _, vLog := range logs {
		if len(vLog.Topics) != 3 {
			continue
		}
		events = append(events, TransferEvent{
			TxHash:      vLog.TxHash.Hex(),
			From:        common.HexToAddress(vLog.Topics[1].Hex()).Hex(),
			To:          common.HexToAddress(vLog.Topics[2].Hex()).Hex(),
			Amount:      new(big.Int).SetBytes(vLog.Data),
			BlockNumber: vLog.BlockNumber,
		})
	}
	return events, nil
}

// Confirmations computes the inclusive confirmation count for a block at
// the given head.
func Confirmations(head uint64, blockNumber uint64) uint {
	if head < blockNumber {
		return 0
	}
	return uint(head - blockNumber + 1)
}
