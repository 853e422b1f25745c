// Package state keeps the latest contract snapshot and the connected account's balances.
package state

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/presale/internal/clients"
	"github.com/vadiminshakov/presale/internal/domain"
	"github.com/vadiminshakov/presale/pkg/retrier"
)

// ErrSuperseded is returned by Refresh when a newer refresh was issued before this one settled.
// The response of the superseded call is discarded.
var ErrSuperseded = errors.New("refresh superseded by a newer request")

type contractReader interface {
	Address() common.Address
	ContractInfo(ctx context.Context) (clients.ContractInfo, error)
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error)
	TokenTotalSupply(ctx context.Context, token common.Address) (*big.Int, error)
}

// Status is a point-in-time view of the store.
type Status struct {
	Loading   bool                     `json:"isLoading"`
	Error     string                   `json:"error,omitempty"`
	Snapshot  *domain.ContractSnapshot `json:"contractSnapshot,omitempty"`
	Balances  *domain.UserBalances     `json:"userBalances,omitempty"`
	Recompute uint64                   `json:"recompute"`
}

// Option configures a Store.
type Option func(*Store)

// WithRetrier overrides the retry policy used for contract reads.
func WithRetrier(r *retrier.Retrier) Option {
	return func(s *Store) {
		s.retry = r
	}
}

// WithClock overrides the clock used to stamp snapshots.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store is the Contract State Store.
//
// Refreshes may overlap. Each call takes a generation number and only the most recently
// issued call may publish its result, so a slow stale response never overwrites a newer one.
type Store struct {
	reader contractReader
	retry  *retrier.Retrier
	now    func() time.Time
	l      *zap.Logger

	recompute atomic.Uint64
	trigger   chan struct{}

	// generation and loading change together under mu
	mu         sync.RWMutex
	generation uint64
	loading    bool
	lastErr    error
	snapshot   *domain.ContractSnapshot
	balances   *domain.UserBalances
}

// NewStore creates a Store reading through reader.
func NewStore(reader contractReader, l *zap.Logger, opts ...Option) *Store {
	if l == nil {
		l = zap.NewNop()
	}

	s := &Store{
		reader:  reader,
		now:     time.Now,
		l:       l.With(zap.String("component", "state")),
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.retry == nil {
		s.retry = retrier.New(
			retrier.WithMaxRetries(3),
			retrier.WithInitialInterval(500*time.Millisecond),
			retrier.WithRetryIf(isTransient),
		)
	}

	return s
}

// Refresh reads contract-wide parameters and, when account is set, the account's balances.
// On any failure the previous snapshot stays visible and the error is recorded.
func (s *Store) Refresh(ctx context.Context, account *common.Address) error {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.loading = true
	s.mu.Unlock()

	snapshot, balances, err := s.read(ctx, account)

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		s.l.Debug("discarding superseded refresh", zap.Uint64("generation", gen))
		return ErrSuperseded
	}

	s.loading = false
	if err != nil {
		s.lastErr = err
		s.l.Warn("refresh failed", zap.Error(err))
		return err
	}

	s.lastErr = nil
	s.snapshot = &snapshot
	s.balances = balances
	return nil
}

func (s *Store) read(ctx context.Context, account *common.Address) (domain.ContractSnapshot, *domain.UserBalances, error) {
	info, err := retrier.DoWithData(s.retry, ctx, s.reader.ContractInfo)
	if err != nil {
		return domain.ContractSnapshot{}, nil, errors.Wrap(err, "read contract info")
	}

	decimals := int32(info.TokenDecimals)
	if decimals == 0 {
		decimals = domain.NativeDecimals
	}

	snapshot := domain.ContractSnapshot{
		SaleTokenAddress:  info.TokenAddress.Hex(),
		SaleTokenBalance:  domain.FormatUnits(info.TokenBalance, decimals),
		UnitPriceInNative: domain.FormatUnits(info.UnitPrice, domain.NativeDecimals),
		TotalSold:         domain.FormatUnits(info.TotalSold, decimals),
		TokenDecimals:     uint8(decimals),
		CapturedAt:        s.now(),
	}

	if account == nil {
		return snapshot, nil, nil
	}

	var (
		nativeBalance, tokenBalance, contractBalance, totalSupply *big.Int
		hasToken                                                  = info.TokenAddress != (common.Address{})
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := s.readBig(gctx, func(ctx context.Context) (*big.Int, error) {
			return s.reader.NativeBalance(ctx, *account)
		})
		nativeBalance = v
		return errors.Wrap(err, "read account balance")
	})
	g.Go(func() error {
		v, err := s.readBig(gctx, func(ctx context.Context) (*big.Int, error) {
			return s.reader.NativeBalance(ctx, s.reader.Address())
		})
		contractBalance = v
		return errors.Wrap(err, "read contract balance")
	})
	if hasToken {
		g.Go(func() error {
			v, err := s.readBig(gctx, func(ctx context.Context) (*big.Int, error) {
				return s.reader.TokenBalance(ctx, info.TokenAddress, *account)
			})
			tokenBalance = v
			return errors.Wrap(err, "read account token balance")
		})
		g.Go(func() error {
			v, err := s.readBig(gctx, func(ctx context.Context) (*big.Int, error) {
				return s.reader.TokenTotalSupply(ctx, info.TokenAddress)
			})
			totalSupply = v
			return errors.Wrap(err, "read token supply")
		})
	}
	if err := g.Wait(); err != nil {
		return domain.ContractSnapshot{}, nil, err
	}

	balances := &domain.UserBalances{
		Account:               account.Hex(),
		NativeBalance:         domain.FormatUnits(nativeBalance, domain.NativeDecimals),
		SaleTokenBalance:      domain.FormatUnits(tokenBalance, decimals),
		ContractNativeBalance: domain.FormatUnits(contractBalance, domain.NativeDecimals),
		SaleTokenTotalSupply:  domain.FormatUnits(totalSupply, decimals),
	}
	return snapshot, balances, nil
}

func (s *Store) readBig(ctx context.Context, fn func(ctx context.Context) (*big.Int, error)) (*big.Int, error) {
	return retrier.DoWithData(s.retry, ctx, fn)
}

// Invalidate drops account-scoped balances, e.g. after an account or chain switch.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.balances = nil
	s.mu.Unlock()
}

// Bump increments the recompute counter and asks the owner to refresh.
func (s *Store) Bump() uint64 {
	n := s.recompute.Add(1)
	select {
	case s.trigger <- struct{}{}:
	default:
	}
	return n
}

// RecomputeRequested fires after Bump. Multiple bumps before a read coalesce into one signal.
func (s *Store) RecomputeRequested() <-chan struct{} {
	return s.trigger
}

// Recompute returns the current recompute counter.
func (s *Store) Recompute() uint64 {
	return s.recompute.Load()
}

// Snapshot returns the latest contract snapshot, if any refresh has succeeded.
func (s *Store) Snapshot() (domain.ContractSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.snapshot == nil {
		return domain.ContractSnapshot{}, false
	}
	return *s.snapshot, true
}

// Balances returns the latest account balances, if known.
func (s *Store) Balances() (domain.UserBalances, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.balances == nil {
		return domain.UserBalances{}, false
	}
	return *s.balances, true
}

// Loading reports whether the most recent refresh is still in flight.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Err returns the error of the most recent settled refresh.
func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Status returns a consistent view of the store.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Loading:   s.loading,
		Recompute: s.recompute.Load(),
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	if s.snapshot != nil {
		snap := *s.snapshot
		st.Snapshot = &snap
	}
	if s.balances != nil {
		b := *s.balances
		st.Balances = &b
	}
	return st
}

// isTransient reports whether a read failure is worth retrying. Reverts and
// cancellations are final.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var reverter interface{ RevertReason() string }
	if errors.As(err, &reverter) {
		return false
	}
	return !strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}
