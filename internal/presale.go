package internal

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/vadiminshakov/presale/config"
	"github.com/vadiminshakov/presale/internal/clients"
	"github.com/vadiminshakov/presale/internal/domain"
	"github.com/vadiminshakov/presale/internal/events"
	"github.com/vadiminshakov/presale/internal/services/feed"
	"github.com/vadiminshakov/presale/internal/services/gateway"
	"github.com/vadiminshakov/presale/internal/services/state"
)

const notificationBuffer = 32

// ErrNoQuotePrice is returned by Quote when the contract price is not known yet.
var ErrNoQuotePrice = errors.New("contract state is not loaded yet")

// SaleChain is everything the session needs from the sale contract and the wallet behind it.
type SaleChain interface {
	Address() common.Address
	Account() (common.Address, bool)
	ChainID(ctx context.Context) (*big.Int, error)

	ContractInfo(ctx context.Context) (clients.ContractInfo, error)
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error)
	TokenTotalSupply(ctx context.Context, token common.Address) (*big.Int, error)

	LatestBlock(ctx context.Context) (uint64, error)
	BlockTime(ctx context.Context, number uint64) (time.Time, error)
	PastEvents(ctx context.Context, from, to uint64) ([]clients.SaleEvent, error)
	SubscribeEvents(ctx context.Context, sink chan<- clients.SaleEvent) (ethereum.Subscription, error)

	Send(ctx context.Context, method string, value *big.Int, args ...any) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// TxCache is the durable local transaction cache.
type TxCache interface {
	All() ([]domain.TransactionRecord, error)
	Append(record domain.TransactionRecord) (bool, error)
	RecordsAfter(index uint64) ([]domain.TransactionRecordEntry, error)
	Close() error
}

// SessionState is the read-only view handed to the presentation layer.
type SessionState struct {
	IsConnected      bool                     `json:"isConnected"`
	IsLoading        bool                     `json:"isLoading"`
	Error            string                   `json:"error,omitempty"`
	Account          string                   `json:"account,omitempty"`
	ChainID          string                   `json:"chainId,omitempty"`
	TokenSymbol      string                   `json:"tokenSymbol"`
	Currency         string                   `json:"currency"`
	Recompute        uint64                   `json:"recompute"`
	ContractSnapshot *domain.ContractSnapshot `json:"contractSnapshot"`
	UserBalances     *domain.UserBalances     `json:"userBalances"`
}

// Session is one wallet session against one sale contract.
// It owns the state store, the feed reconciler and the write gateway and keeps them in sync.
type Session struct {
	cfg     config.Config
	chain   SaleChain
	cache   TxCache
	prices  priceService
	state   *state.Store
	feed    *feed.Reconciler
	gateway *gateway.Gateway
	notes   *events.Notifier
	l       *zap.Logger
	onClose func()

	mu      sync.RWMutex
	chainID *big.Int
}

// NewSession wires the sync components over chain and cache. prices may be nil.
func NewSession(cfg config.Config, chain SaleChain, cache TxCache, prices priceService, l *zap.Logger) *Session {
	if l == nil {
		l = zap.NewNop()
	}

	var account *common.Address
	if addr, ok := chain.Account(); ok {
		account = &addr
	}

	notes := events.NewNotifier(notificationBuffer, l)
	store := state.NewStore(chain, l)
	reconciler := feed.NewReconciler(chain, cache, feed.Config{
		StartBlock:    cfg.StartBlock,
		Window:        cfg.EventWindow,
		PollInterval:  cfg.RefreshInterval,
		TokenSymbol:   cfg.TokenSymbol,
		Currency:      cfg.Currency,
		TokenDecimals: cfg.TokenDecimals,
		Account:       account,
	}, l)
	gw := gateway.NewGateway(chain, store, cache, notes, gateway.Config{
		TokenSymbol: cfg.TokenSymbol,
		Currency:    cfg.Currency,
		MinSupply:   cfg.MinSupply,
	}, l)

	return &Session{
		cfg:     cfg,
		chain:   chain,
		cache:   cache,
		prices:  prices,
		state:   store,
		feed:    reconciler,
		gateway: gw,
		notes:   notes,
		l:       l.With(zap.String("component", "session")),
	}
}

// Close stops the write worker and closes the cache and the chain connection.
func (s *Session) Close() error {
	s.gateway.Close()
	err := s.cache.Close()
	if s.onClose != nil {
		s.onClose()
	}
	return err
}

// Run performs the initial sync and then keeps state and feed current until ctx is done.
// Refreshes come from the refresh schedule, from recompute bumps and from chain changes.
func (s *Session) Run(ctx context.Context) error {
	if err := s.checkChain(ctx); err != nil {
		s.l.Warn("failed to read chain id", zap.Error(err))
	}
	s.sync(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.feed.Watch(ctx)
	}()

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := fmt.Sprintf("@every %s", s.cfg.RefreshInterval)
	if _, err := scheduler.AddFunc(spec, func() { s.tick(ctx) }); err != nil {
		return errors.Wrapf(err, "failed to schedule refresh %q", spec)
	}
	scheduler.Start()
	defer func() {
		<-scheduler.Stop().Done()
		wg.Wait()
	}()

	s.l.Info("starting session loop",
		zap.String("contract", s.chain.Address().Hex()),
		zap.Duration("refresh_interval", s.cfg.RefreshInterval))

	for {
		select {
		case <-ctx.Done():
			s.l.Info("context done, stopping session loop")
			return ctx.Err()
		case <-s.state.RecomputeRequested():
			s.l.Debug("recompute requested", zap.Uint64("recompute", s.state.Recompute()))
			s.sync(ctx)
		}
	}
}

// tick is the scheduled refresh. A chain change drops account state before refreshing.
func (s *Session) tick(ctx context.Context) {
	if err := s.checkChain(ctx); err != nil {
		s.l.Warn("failed to read chain id", zap.Error(err))
	}
	s.refreshState(ctx)
}

func (s *Session) checkChain(ctx context.Context) error {
	id, err := s.chain.ChainID(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.chainID
	s.chainID = id
	s.mu.Unlock()

	if prev == nil || prev.Cmp(id) == 0 {
		return nil
	}

	s.l.Warn("chain changed, resetting session state",
		zap.String("from", prev.String()), zap.String("to", id.String()))
	s.state.Invalidate()
	s.feed.Reset()
	s.state.Bump()
	return nil
}

// sync refreshes the state store and rebuilds the feed.
func (s *Session) sync(ctx context.Context) {
	s.refreshState(ctx)
	if _, err := s.feed.Rebuild(ctx); err != nil && ctx.Err() == nil {
		s.l.Warn("feed rebuild failed", zap.Error(err))
	}
}

func (s *Session) refreshState(ctx context.Context) {
	// failures are recorded by the store
	if err := s.state.Refresh(ctx, s.account()); err != nil {
		return
	}

	if snap, ok := s.state.Snapshot(); ok && snap.TokenDecimals > 0 {
		s.feed.SetTokenDecimals(int32(snap.TokenDecimals))
	}
}

func (s *Session) account() *common.Address {
	addr, ok := s.chain.Account()
	if !ok {
		return nil
	}
	return &addr
}

// Refresh synchronously refreshes state and feed.
func (s *Session) Refresh(ctx context.Context) error {
	err := s.state.Refresh(ctx, s.account())
	if err != nil && !errors.Is(err, state.ErrSuperseded) {
		return err
	}
	if snap, ok := s.state.Snapshot(); ok && snap.TokenDecimals > 0 {
		s.feed.SetTokenDecimals(int32(snap.TokenDecimals))
	}
	_, err = s.feed.Rebuild(ctx)
	return err
}

// RequestRefresh increments the recompute counter; the run loop picks it up.
func (s *Session) RequestRefresh() uint64 {
	return s.state.Bump()
}

// IsConnected reports whether a signing account is present and the chain is reachable.
func (s *Session) IsConnected() bool {
	if _, ok := s.chain.Account(); !ok {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainID != nil
}

func (s *Session) IsLoading() bool {
	return s.state.Loading()
}

func (s *Session) Snapshot() (domain.ContractSnapshot, bool) {
	return s.state.Snapshot()
}

func (s *Session) Balances() (domain.UserBalances, bool) {
	return s.state.Balances()
}

// State returns the combined view of connection, loading flag and latest values.
func (s *Session) State() SessionState {
	st := s.state.Status()
	out := SessionState{
		IsConnected:      s.IsConnected(),
		IsLoading:        st.Loading,
		Error:            st.Error,
		TokenSymbol:      s.cfg.TokenSymbol,
		Currency:         s.cfg.Currency,
		Recompute:        st.Recompute,
		ContractSnapshot: st.Snapshot,
		UserBalances:     st.Balances,
	}
	if addr, ok := s.chain.Account(); ok {
		out.Account = addr.Hex()
	}
	s.mu.RLock()
	if s.chainID != nil {
		out.ChainID = s.chainID.String()
	}
	s.mu.RUnlock()
	return out
}

// Feed returns the merged transaction feed, newest first.
func (s *Session) Feed() []domain.TransactionRecord {
	return s.feed.Feed()
}

// ExportFeedCSV renders the current feed as CSV.
func (s *Session) ExportFeedCSV() string {
	return domain.FeedCSV(s.feed.Feed())
}

// Stats aggregates the current feed.
func (s *Session) Stats() domain.FeedStats {
	return domain.ComputeStats(s.feed.Feed())
}

// CacheEntriesAfter returns locally cached records after the given cache position.
func (s *Session) CacheEntriesAfter(index uint64) ([]domain.TransactionRecordEntry, error) {
	return s.cache.RecordsAfter(index)
}

// Notifications exposes the notification sink for streaming.
func (s *Session) Notifications() *events.Notifier {
	return s.notes
}

// Quote returns the expected token amount for amountIn and, with a quote source, its USD value.
// A failing quote source only drops the USD value.
func (s *Session) Quote(ctx context.Context, amountIn string) (domain.Quote, error) {
	amount, err := domain.ParseDecimal(amountIn)
	if err != nil {
		return domain.Quote{}, err
	}
	if amount.Sign() <= 0 {
		return domain.Quote{}, errors.New("amount must be greater than zero")
	}

	snap, ok := s.state.Snapshot()
	if !ok {
		return domain.Quote{}, ErrNoQuotePrice
	}
	price, err := snap.UnitPrice()
	if err != nil {
		return domain.Quote{}, errors.Wrap(err, "invalid unit price")
	}

	quote, err := domain.NewQuote(amount, price)
	if err != nil {
		return domain.Quote{}, err
	}

	if s.prices != nil {
		usd, err := s.prices.GetPrice(ctx, s.cfg.QuotePair)
		if err != nil {
			s.l.Warn("failed to get quote price", zap.String("pair", s.cfg.QuotePair.String()), zap.Error(err))
			return quote, nil
		}
		quote.ValueUSD = amount.Mul(usd).StringFixed(domain.DisplayPlaces)
	}

	return quote, nil
}

func (s *Session) Buy(ctx context.Context, amountIn string) domain.OperationResult {
	return s.gateway.Buy(ctx, amountIn)
}

func (s *Session) SetSaleToken(ctx context.Context, tokenAddress string) domain.OperationResult {
	return s.gateway.SetSaleToken(ctx, tokenAddress)
}

func (s *Session) UpdatePrice(ctx context.Context, price string) domain.OperationResult {
	return s.gateway.UpdatePrice(ctx, price)
}

func (s *Session) WithdrawAll(ctx context.Context) domain.OperationResult {
	return s.gateway.WithdrawAll(ctx)
}

func (s *Session) RescueTokens(ctx context.Context, tokenAddress string) domain.OperationResult {
	return s.gateway.RescueTokens(ctx, tokenAddress)
}
