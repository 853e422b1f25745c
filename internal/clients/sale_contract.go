package clients

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/presale/internal/domain"
)

const defaultReceiptPollInterval = 2 * time.Second

// ErrNoSigner is returned by write calls on a read-only session.
var ErrNoSigner = errors.New("no signing account configured")

// ContractInfo is the raw result of getContractInfo.
type ContractInfo struct {
	TokenAddress  common.Address
	TokenBalance  *big.Int
	UnitPrice     *big.Int
	TotalSold     *big.Int
	TokenDecimals uint8
}

// SaleEvent is a decoded TokensPurchased or TokensClaimed log.
type SaleEvent struct {
	Kind        domain.TxKind
	Account     common.Address
	AmountPaid  *big.Int // nil for claims
	Tokens      *big.Int
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
	Removed     bool
}

// RevertError is returned when a mined transaction has a failed status.
type RevertError struct {
	TxHash common.Hash
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transaction %s reverted", e.TxHash.Hex())
	}
	return fmt.Sprintf("transaction %s reverted: %s", e.TxHash.Hex(), e.Reason)
}

// RevertReason returns the decoded revert string, if any.
func (e *RevertError) RevertReason() string { return e.Reason }

// SaleContract is a typed handle on the presale contract and its sale token.
type SaleContract struct {
	client    *ethclient.Client
	address   common.Address
	sale      *bind.BoundContract
	saleABI   abi.ABI
	erc20ABI  abi.ABI
	wallet    *Wallet
	l         *zap.Logger
	pollEvery time.Duration

	mu      sync.Mutex
	chainID *big.Int
}

// NewSaleContract binds the contract at address. wallet may be nil for a read-only handle.
func NewSaleContract(client *ethclient.Client, address common.Address, wallet *Wallet, l *zap.Logger) (*SaleContract, error) {
	if client == nil {
		return nil, errors.New("ethereum client is nil")
	}
	if l == nil {
		l = zap.NewNop()
	}

	saleABI, err := abi.JSON(strings.NewReader(saleContractABI))
	if err != nil {
		return nil, errors.Wrap(err, "parse sale contract abi")
	}
	tokenABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, errors.Wrap(err, "parse erc20 abi")
	}

	return &SaleContract{
		client:    client,
		address:   address,
		sale:      bind.NewBoundContract(address, saleABI, client, client, client),
		saleABI:   saleABI,
		erc20ABI:  tokenABI,
		wallet:    wallet,
		l:         l.With(zap.String("contract", address.Hex())),
		pollEvery: defaultReceiptPollInterval,
	}, nil
}

func (c *SaleContract) Address() common.Address { return c.address }

// Account returns the signing account, if the handle has one.
func (c *SaleContract) Account() (common.Address, bool) {
	if c.wallet == nil {
		return common.Address{}, false
	}
	return c.wallet.Address(), true
}

// ChainID asks the node for its chain id.
func (c *SaleContract) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.client.ChainID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "get chain id")
	}

	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()

	return id, nil
}

// LatestBlock returns the current head block number.
func (c *SaleContract) LatestBlock(ctx context.Context) (uint64, error) {
	n, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "get block number")
	}
	return n, nil
}

// BlockTime returns the timestamp of block number.
func (c *SaleContract) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	header, err := c.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "get header %d", number)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// Read calls a view method of the sale contract.
func (c *SaleContract) Read(ctx context.Context, method string, args ...any) ([]any, error) {
	var out []any
	if err := c.sale.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, errors.Wrapf(err, "call %s", method)
	}
	return out, nil
}

// ContractInfo reads the sale parameters in one call.
func (c *SaleContract) ContractInfo(ctx context.Context) (ContractInfo, error) {
	out, err := c.Read(ctx, MethodGetContractInfo)
	if err != nil {
		return ContractInfo{}, err
	}
	if len(out) != 5 {
		return ContractInfo{}, fmt.Errorf("getContractInfo returned %d values, expected 5", len(out))
	}

	info := ContractInfo{}
	var ok bool
	if info.TokenAddress, ok = out[0].(common.Address); !ok {
		return ContractInfo{}, fmt.Errorf("unexpected tokenAddress type %T", out[0])
	}
	if info.TokenBalance, ok = out[1].(*big.Int); !ok {
		return ContractInfo{}, fmt.Errorf("unexpected tokenBalance type %T", out[1])
	}
	if info.UnitPrice, ok = out[2].(*big.Int); !ok {
		return ContractInfo{}, fmt.Errorf("unexpected ethPrice type %T", out[2])
	}
	if info.TotalSold, ok = out[3].(*big.Int); !ok {
		return ContractInfo{}, fmt.Errorf("unexpected totalSold type %T", out[3])
	}
	if info.TokenDecimals, ok = out[4].(uint8); !ok {
		return ContractInfo{}, fmt.Errorf("unexpected tokenDecimals type %T", out[4])
	}

	return info, nil
}

// NativeBalance returns the native currency balance of account in wei.
func (c *SaleContract) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := c.client.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "get balance of %s", account.Hex())
	}
	return balance, nil
}

// TokenBalance returns the ERC20 balance of holder in raw units.
func (c *SaleContract) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	return c.erc20Uint(ctx, token, "balanceOf", holder)
}

// TokenTotalSupply returns the ERC20 total supply in raw units.
func (c *SaleContract) TokenTotalSupply(ctx context.Context, token common.Address) (*big.Int, error) {
	return c.erc20Uint(ctx, token, "totalSupply")
}

func (c *SaleContract) erc20Uint(ctx context.Context, token common.Address, method string, args ...any) (*big.Int, error) {
	data, err := c.erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", method)
	}

	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "call %s on %s", method, token.Hex())
	}

	out, err := c.erc20ABI.Unpack(method, raw)
	if err != nil {
		return nil, errors.Wrapf(err, "unpack %s", method)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s returned %d values", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s type %T", method, out[0])
	}
	return v, nil
}

// Send signs and broadcasts a call to method with value attached.
// Errors are returned as produced by the node so callers can classify them.
func (c *SaleContract) Send(ctx context.Context, method string, value *big.Int, args ...any) (*types.Transaction, error) {
	if c.wallet == nil {
		return nil, ErrNoSigner
	}

	chainID, err := c.cachedChainID(ctx)
	if err != nil {
		return nil, err
	}

	opts, err := c.wallet.Transactor(ctx, chainID)
	if err != nil {
		return nil, err
	}
	opts.Value = value

	tx, err := c.sale.Transact(opts, method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "send %s", method)
	}

	c.l.Info("transaction sent", zap.String("method", method), zap.String("hash", tx.Hash().Hex()))
	return tx, nil
}

// WaitMined polls for the receipt of tx until it is mined or ctx is done.
// A failed receipt is reported as *RevertError with the reason recovered by replaying the call.
func (c *SaleContract) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, tx.Hash())
		if err == nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return receipt, nil
			}
			return receipt, &RevertError{TxHash: tx.Hash(), Reason: c.replayRevert(ctx, tx, receipt)}
		}
		if !errors.Is(err, ethereum.NotFound) {
			c.l.Debug("receipt not available yet", zap.String("hash", tx.Hash().Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *SaleContract) replayRevert(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) string {
	msg := ethereum.CallMsg{
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	if c.wallet != nil {
		msg.From = c.wallet.Address()
	}

	_, err := c.client.CallContract(ctx, msg, receipt.BlockNumber)
	if err == nil {
		return ""
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(hexData); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason
				}
			}
		}
	}
	return strings.TrimPrefix(err.Error(), "execution reverted: ")
}

func (c *SaleContract) cachedChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	id := c.chainID
	c.mu.Unlock()

	if id != nil {
		return id, nil
	}
	return c.ChainID(ctx)
}

func (c *SaleContract) eventQuery(from uint64, to *uint64) ethereum.FilterQuery {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		Addresses: []common.Address{c.address},
		Topics: [][]common.Hash{{
			c.saleABI.Events[EventTokensPurchased].ID,
			c.saleABI.Events[EventTokensClaimed].ID,
		}},
	}
	if to != nil {
		q.ToBlock = new(big.Int).SetUint64(*to)
	}
	return q
}

// PastEvents returns purchase and claim events emitted in [from, to], in emission order.
func (c *SaleContract) PastEvents(ctx context.Context, from, to uint64) ([]SaleEvent, error) {
	logs, err := c.client.FilterLogs(ctx, c.eventQuery(from, &to))
	if err != nil {
		return nil, errors.Wrapf(err, "filter logs %d-%d", from, to)
	}

	events := make([]SaleEvent, 0, len(logs))
	for _, lg := range logs {
		ev, err := c.decodeEvent(lg)
		if err != nil {
			c.l.Warn("skipping undecodable log", zap.String("tx", lg.TxHash.Hex()), zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// eventSubscription forwards the terminal error of the underlying log subscription.
type eventSubscription struct {
	inner ethereum.Subscription
	errc  chan error
}

func (s *eventSubscription) Unsubscribe()      { s.inner.Unsubscribe() }
func (s *eventSubscription) Err() <-chan error { return s.errc }

// SubscribeEvents streams newly emitted purchase and claim events into sink.
// The returned subscription must be unsubscribed by the caller; its Err channel is closed
// once delivery stops.
func (c *SaleContract) SubscribeEvents(ctx context.Context, sink chan<- SaleEvent) (ethereum.Subscription, error) {
	q := c.eventQuery(0, nil)
	q.FromBlock = nil

	logs := make(chan types.Log, 64)
	inner, err := c.client.SubscribeFilterLogs(ctx, q, logs)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe logs")
	}

	sub := &eventSubscription{inner: inner, errc: make(chan error, 1)}

	go func() {
		defer close(sub.errc)
		for {
			select {
			case <-ctx.Done():
				inner.Unsubscribe()
				return
			case err := <-inner.Err():
				if err != nil {
					sub.errc <- err
				}
				return
			case lg := <-logs:
				ev, err := c.decodeEvent(lg)
				if err != nil {
					c.l.Warn("skipping undecodable log", zap.String("tx", lg.TxHash.Hex()), zap.Error(err))
					continue
				}
				select {
				case sink <- ev:
				case <-ctx.Done():
					inner.Unsubscribe()
					return
				}
			}
		}
	}()

	return sub, nil
}

func (c *SaleContract) decodeEvent(lg types.Log) (SaleEvent, error) {
	if len(lg.Topics) < 2 {
		return SaleEvent{}, fmt.Errorf("log has %d topics", len(lg.Topics))
	}

	ev := SaleEvent{
		Account:     common.BytesToAddress(lg.Topics[1].Bytes()),
		TxHash:      lg.TxHash,
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
		Removed:     lg.Removed,
	}

	switch lg.Topics[0] {
	case c.saleABI.Events[EventTokensPurchased].ID:
		values, err := c.saleABI.Unpack(EventTokensPurchased, lg.Data)
		if err != nil {
			return SaleEvent{}, errors.Wrap(err, "unpack TokensPurchased")
		}
		if len(values) != 2 {
			return SaleEvent{}, fmt.Errorf("TokensPurchased has %d data fields", len(values))
		}
		ev.Kind = domain.TxKindBuy
		ev.AmountPaid, _ = values[0].(*big.Int)
		ev.Tokens, _ = values[1].(*big.Int)
	case c.saleABI.Events[EventTokensClaimed].ID:
		values, err := c.saleABI.Unpack(EventTokensClaimed, lg.Data)
		if err != nil {
			return SaleEvent{}, errors.Wrap(err, "unpack TokensClaimed")
		}
		if len(values) != 1 {
			return SaleEvent{}, fmt.Errorf("TokensClaimed has %d data fields", len(values))
		}
		ev.Kind = domain.TxKindClaim
		ev.Tokens, _ = values[0].(*big.Int)
	default:
		return SaleEvent{}, fmt.Errorf("unknown event topic %s", lg.Topics[0].Hex())
	}

	if ev.Tokens == nil {
		return SaleEvent{}, errors.New("event without token amount")
	}
	return ev, nil
}
