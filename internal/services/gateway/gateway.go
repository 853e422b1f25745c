// Package gateway runs the mutating presale operations: buy and the admin calls.
package gateway

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/presale/internal/clients"
	"github.com/vadiminshakov/presale/internal/domain"
	"github.com/vadiminshakov/presale/internal/events"
	"github.com/vadiminshakov/presale/internal/services/errclass"
)

const (
	msgNotConnected       = "Connect your wallet first"
	msgNoContractState    = "Contract state is not loaded yet"
	msgInvalidAmount      = "Invalid amount"
	msgAmountNotPositive  = "Amount must be greater than zero"
	msgInsufficientSupply = "Insufficient Token Supply"
	msgPriceNotSet        = "Token price is not set"
	msgInvalidAddress     = "Invalid token address"
	msgAwaiting           = "Processing, waiting for confirmation"
)

type contractWriter interface {
	Account() (common.Address, bool)
	Send(ctx context.Context, method string, value *big.Int, args ...any) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

type stateView interface {
	Snapshot() (domain.ContractSnapshot, bool)
	Balances() (domain.UserBalances, bool)
	Bump() uint64
}

type txCache interface {
	Append(record domain.TransactionRecord) (bool, error)
}

type notifier interface {
	Start(message string) string
	Update(id, message string) bool
	Complete(id, message string) bool
	Reject(id, message string) bool
	Fail(id, message string) bool
	Immediate(status events.Status, message string) string
}

// Config holds display names and the buy policy.
type Config struct {
	TokenSymbol string
	Currency    string
	// MinSupply is the sale-token balance below which buys are refused. Zero disables the check.
	MinSupply decimal.Decimal
}

// Gateway is the Write-Operation Gateway.
//
// Operations are validated on the caller's goroutine and then executed one at a time on a
// single worker, so two writes never race for the same nonce or the local cache.
// Every call resolves to an OperationResult and emits exactly one terminal notification.
type Gateway struct {
	writer     contractWriter
	state      stateView
	cache      txCache
	notes      notifier
	classifier *errclass.Classifier
	pool       pond.Pool
	cfg        Config
	now        func() time.Time
	l          *zap.Logger
}

// NewGateway creates a gateway. writer may be nil for a read-only session, in which case
// every operation fails its connection precondition.
func NewGateway(writer contractWriter, state stateView, cache txCache, notes notifier, cfg Config, l *zap.Logger) *Gateway {
	if l == nil {
		l = zap.NewNop()
	}

	l = l.With(zap.String("component", "gateway"))
	return &Gateway{
		writer:     writer,
		state:      state,
		cache:      cache,
		notes:      notes,
		classifier: errclass.NewClassifier(l),
		pool:       pond.NewPool(1, pond.WithQueueSize(16)),
		cfg:        cfg,
		now:        time.Now,
		l:          l,
	}
}

// Close waits for queued operations and stops the worker.
func (g *Gateway) Close() {
	g.pool.StopAndWait()
}

// operation describes one contract write.
type operation struct {
	name      string
	startMsg  string
	method    string
	value     *big.Int
	args      []any
	onSuccess func(account common.Address, receipt *types.Receipt) (*domain.TransactionRecord, string)
}

// Buy pays amountIn of native currency for sale tokens.
func (g *Gateway) Buy(ctx context.Context, amountIn string) domain.OperationResult {
	account, res, ok := g.connected()
	if !ok {
		return res
	}

	amount, res, ok := g.positiveAmount(amountIn)
	if !ok {
		return res
	}

	snapshot, found := g.state.Snapshot()
	if !found {
		return g.reject(domain.ErrorKindNotConnected, msgNoContractState)
	}

	supply, err := snapshot.SupplyLeft()
	if err != nil || supply.LessThan(g.cfg.MinSupply) {
		return g.reject(domain.ErrorKindInsufficientSupply, msgInsufficientSupply)
	}

	price, err := snapshot.UnitPrice()
	if err != nil || price.Sign() <= 0 {
		return g.reject(domain.ErrorKindContract, msgPriceNotSet)
	}

	if balances, known := g.state.Balances(); known {
		native, err := balances.Native()
		if err == nil && native.LessThan(amount) {
			return g.reject(domain.ErrorKindInsufficientFunds, fmt.Sprintf("Insufficient %s Balance", g.cfg.Currency))
		}
	}

	value, err := domain.ParseUnits(amount.String(), domain.NativeDecimals)
	if err != nil {
		return g.reject(domain.ErrorKindInvalidInput, msgInvalidAmount)
	}

	return g.execute(ctx, account, operation{
		name:     "buy",
		startMsg: fmt.Sprintf("Buying %s with %s..", g.cfg.TokenSymbol, g.cfg.Currency),
		method:   clients.MethodBuyToken,
		value:    value,
		onSuccess: func(account common.Address, receipt *types.Receipt) (*domain.TransactionRecord, string) {
			tokens, _ := domain.TokensForPayment(amount, price)
			record := &domain.TransactionRecord{
				Kind:            domain.TxKindBuy,
				Counterparty:    account.Hex(),
				TokenIn:         g.cfg.Currency,
				TokenOut:        g.cfg.TokenSymbol,
				AmountIn:        amount.String(),
				AmountOut:       tokens.String(),
				TxHash:          receipt.TxHash.Hex(),
				TimestampMillis: g.now().UnixMilli(),
				Provenance:      domain.ProvenanceLocal,
			}
			if receipt.BlockNumber != nil {
				record.BlockNumber = receipt.BlockNumber.Uint64()
			}
			return record, fmt.Sprintf("Successfully bought %s %s tokens", tokens.StringFixed(domain.DisplayPlaces), g.cfg.TokenSymbol)
		},
	})
}

// SetSaleToken points the sale contract at a new sale token.
func (g *Gateway) SetSaleToken(ctx context.Context, tokenAddress string) domain.OperationResult {
	account, res, ok := g.connected()
	if !ok {
		return res
	}
	if !common.IsHexAddress(tokenAddress) {
		return g.reject(domain.ErrorKindInvalidInput, msgInvalidAddress)
	}
	token := common.HexToAddress(tokenAddress)

	return g.execute(ctx, account, operation{
		name:     "set_sale_token",
		startMsg: fmt.Sprintf("Setting sale token to %s..", token.Hex()),
		method:   clients.MethodSetSaleToken,
		args:     []any{token},
		onSuccess: func(common.Address, *types.Receipt) (*domain.TransactionRecord, string) {
			return nil, "Sale token updated"
		},
	})
}

// UpdatePrice sets the per-token price in native currency.
func (g *Gateway) UpdatePrice(ctx context.Context, price string) domain.OperationResult {
	account, res, ok := g.connected()
	if !ok {
		return res
	}

	amount, res, ok := g.positiveAmount(price)
	if !ok {
		return res
	}
	wei, err := domain.ParseUnits(amount.String(), domain.NativeDecimals)
	if err != nil {
		return g.reject(domain.ErrorKindInvalidInput, msgInvalidAmount)
	}

	return g.execute(ctx, account, operation{
		name:     "update_price",
		startMsg: fmt.Sprintf("Updating token price to %s %s..", amount.String(), g.cfg.Currency),
		method:   clients.MethodUpdateTokenPrice,
		args:     []any{wei},
		onSuccess: func(common.Address, *types.Receipt) (*domain.TransactionRecord, string) {
			return nil, fmt.Sprintf("Token price updated to %s %s", amount.String(), g.cfg.Currency)
		},
	})
}

// WithdrawAll moves every unsold sale token back to the owner.
func (g *Gateway) WithdrawAll(ctx context.Context) domain.OperationResult {
	account, res, ok := g.connected()
	if !ok {
		return res
	}

	return g.execute(ctx, account, operation{
		name:     "withdraw_all",
		startMsg: fmt.Sprintf("Withdrawing all %s..", g.cfg.TokenSymbol),
		method:   clients.MethodWithdrawAllTokens,
		onSuccess: func(common.Address, *types.Receipt) (*domain.TransactionRecord, string) {
			return nil, "All tokens withdrawn"
		},
	})
}

// RescueTokens recovers an arbitrary ERC20 sent to the sale contract by mistake.
func (g *Gateway) RescueTokens(ctx context.Context, tokenAddress string) domain.OperationResult {
	account, res, ok := g.connected()
	if !ok {
		return res
	}
	if !common.IsHexAddress(tokenAddress) {
		return g.reject(domain.ErrorKindInvalidInput, msgInvalidAddress)
	}
	token := common.HexToAddress(tokenAddress)

	return g.execute(ctx, account, operation{
		name:     "rescue_tokens",
		startMsg: fmt.Sprintf("Rescuing tokens %s..", token.Hex()),
		method:   clients.MethodRescueTokens,
		args:     []any{token},
		onSuccess: func(common.Address, *types.Receipt) (*domain.TransactionRecord, string) {
			return nil, "Tokens rescued"
		},
	})
}

// execute moves an operation from SUBMITTING to a terminal state on the worker and waits for it.
// The chain calls run detached from ctx cancellation and deadline: once a transaction is sent,
// the caller going away must not turn a pending confirmation into a failure. Timeouts are left
// to the RPC client.
func (g *Gateway) execute(ctx context.Context, account common.Address, op operation) domain.OperationResult {
	id := g.notes.Start(op.startMsg)

	var result domain.OperationResult
	task := g.pool.Submit(func() {
		result = g.run(context.WithoutCancel(ctx), id, account, op)
	})

	if err := task.Wait(); err != nil {
		g.l.Error("operation did not run", zap.String("operation", op.name), zap.Error(err))
		txErr := g.classifier.Classify(op.name, err)
		g.notes.Fail(id, txErr.Message)
		return domain.Failure(domain.OperationFailed, txErr)
	}
	return result
}

func (g *Gateway) run(ctx context.Context, id string, account common.Address, op operation) domain.OperationResult {
	tx, err := g.writer.Send(ctx, op.method, op.value, op.args...)
	if err != nil {
		return g.terminate(id, op.name, err)
	}

	g.notes.Update(id, msgAwaiting)

	receipt, err := g.writer.WaitMined(ctx, tx)
	if err != nil {
		res := g.terminate(id, op.name, err)
		res.TxHash = tx.Hash().Hex()
		return res
	}

	record, message := op.onSuccess(account, receipt)
	if record != nil {
		if _, err := g.cache.Append(*record); err != nil {
			g.l.Error("failed to cache transaction", zap.String("hash", record.TxHash), zap.Error(err))
		}
	}
	g.state.Bump()
	g.notes.Complete(id, message)

	g.l.Info("operation succeeded", zap.String("operation", op.name), zap.String("hash", receipt.TxHash.Hex()))

	return domain.OperationResult{
		Succeeded:   true,
		State:       domain.OperationSucceeded.String(),
		UserMessage: message,
		TxHash:      receipt.TxHash.Hex(),
		Record:      record,
	}
}

func (g *Gateway) terminate(id, op string, err error) domain.OperationResult {
	txErr := g.classifier.Classify(op, err)
	if txErr.Kind == domain.ErrorKindRejected {
		g.notes.Reject(id, txErr.Message)
		return domain.Failure(domain.OperationRejected, txErr)
	}

	g.notes.Fail(id, txErr.Message)
	return domain.Failure(domain.OperationFailed, txErr)
}

// reject ends an operation whose precondition failed. Nothing reaches the chain.
func (g *Gateway) reject(kind domain.ErrorKind, message string) domain.OperationResult {
	g.notes.Immediate(events.StatusError, message)
	return domain.Failure(domain.OperationIdle, &domain.TxError{Kind: kind, Message: message})
}

func (g *Gateway) connected() (common.Address, domain.OperationResult, bool) {
	if g.writer == nil {
		return common.Address{}, g.reject(domain.ErrorKindNotConnected, msgNotConnected), false
	}
	account, ok := g.writer.Account()
	if !ok {
		return common.Address{}, g.reject(domain.ErrorKindNotConnected, msgNotConnected), false
	}
	return account, domain.OperationResult{}, true
}

func (g *Gateway) positiveAmount(s string) (decimal.Decimal, domain.OperationResult, bool) {
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, g.reject(domain.ErrorKindInvalidInput, msgInvalidAmount), false
	}
	if amount.Sign() <= 0 {
		return decimal.Zero, g.reject(domain.ErrorKindInvalidInput, msgAmountNotPositive), false
	}
	return amount, domain.OperationResult{}, true
}
