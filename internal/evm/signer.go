package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/chenzhijie/go-web3"
	"github.com/chenzhijie/go-web3/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

const erc20Abi = `[{"inputs":[{"internalType":"address","name":"recipient","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

// Signer sends token transactions from one hot key. Sends for the same key
// are serialized through a redis lock so concurrent workers cannot race the
// nonce.
type Signer struct {
	conn *web3.Web3
	rdb  *redis.Client
}

func NewSigner(rpcURL string, privHex string, chainId int64, rdb *redis.Client) (*Signer, error) {
	conn, err := web3.NewWeb3(rpcURL)
	if err != nil {
		return nil, err
	}
	conn.Eth.SetChainId(chainId)
	if err := conn.Eth.SetAccount(privHex); err != nil {
		return nil, err
	}
	return &Signer{conn: conn, rdb: rdb}, nil
}

func (s *Signer) Address() string {
	return s.conn.Eth.Address().Hex()
}

// TransferToken sends an ERC20 transfer of amount (in token base units) to
// the given address and waits for the transaction hash.
func (s *Signer) TransferToken(token string, to string, amount *big.Int) (string, error) {
	if err := s.lock(); err != nil {
		return "", err
	}
	defer s.unlock()

	nonce, err := s.conn.Eth.GetNonce(s.conn.Eth.Address(), nil)
	if err != nil {
		return "", err
	}
	contract, err := s.conn.Eth.NewContract(erc20Abi, token)
	if err != nil {
		return "", err
	}
	data, err := contract.EncodeABI("transfer", common.HexToAddress(to), amount)
	if err != nil {
		return "", err
	}
	call := &types.CallMsg{
		From: s.conn.Eth.Address(),
		To:   common.HexToAddress(token),
		Data: data,
		Gas:  types.NewCallMsgBigInt(big.NewInt(types.MAX_GAS_LIMIT)),
	}
	gasLimit, err := s.conn.Eth.EstimateGas(call)
	if err != nil {
		return "", err
	}
	gasPrice, err := s.conn.Eth.SuggestGasTipCap()
	if err != nil {
		return "", err
	}
	gasPriceBase, err := s.conn.Eth.EstimateFee()
	if err != nil {
		return "", err
	}
	gasPrice.Add(gasPriceBase.MaxPriorityFeePerGas, gasPriceBase.BaseFee)
	txHash, err := s.conn.Eth.SyncSendRawTransaction(
		common.HexToAddress(token),
		big.NewInt(0),
		nonce,
		gasLimit,
		gasPrice,
		data,
	)
	if err != nil {
		return "", err
	}
	return txHash.TxHash.Hex(), nil
}

// TokenBalance reads the ERC20 balance of the given holder.
func (s *Signer) TokenBalance(token string, holder string) (*big.Int, error) {
	contract, err := s.conn.Eth.NewContract(erc20Abi, token)
	if err != nil {
		return nil, err
	}
	raw, err := contract.Call("balanceOf", common.HexToAddress(holder))
	if err != nil {
		return nil, err
	}
	balance, ok := new(big.Int).SetString(fmt.Sprintf("%d", raw), 10)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %v", raw)
	}
	return balance, nil
}

func (s *Signer) lockKey() string {
	return "send_lock:" + s.Address()
}

func (s *Signer) lock() error {
	if s.rdb == nil {
		return nil
	}
	ctx := context.Background()
	for i := 0; i < 120; i++ {
		ok, err := s.rdb.SetNX(ctx, s.lockKey(), "y", 60*time.Second).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("send lock timeout for %s", s.Address())
}

func (s *Signer) unlock() {
	if s.rdb == nil {
		return
	}
	s.rdb.Del(context.Background(), s.lockKey())
}
