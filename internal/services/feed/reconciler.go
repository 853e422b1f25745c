// Package feed rebuilds the transaction feed from contract events and the local cache.
package feed

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/presale/internal/clients"
	"github.com/vadiminshakov/presale/internal/domain"
)

const (
	defaultWindow       = 5000
	defaultPollInterval = 15 * time.Second
)

type eventSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	BlockTime(ctx context.Context, number uint64) (time.Time, error)
	PastEvents(ctx context.Context, from, to uint64) ([]clients.SaleEvent, error)
	SubscribeEvents(ctx context.Context, sink chan<- clients.SaleEvent) (ethereum.Subscription, error)
}

type localCache interface {
	All() ([]domain.TransactionRecord, error)
	Append(record domain.TransactionRecord) (bool, error)
}

// Config describes how events are fetched and rendered.
type Config struct {
	StartBlock    uint64
	Window        uint64
	PollInterval  time.Duration
	TokenSymbol   string
	Currency      string
	TokenDecimals int32
	// Account is the session account. Live events for it are also written to the local cache.
	Account *common.Address
}

// Reconciler is the Event Reconciler.
//
// Chain events are fetched incrementally: each rebuild scans only blocks after the last
// scanned one, in windows of Config.Window blocks. The merged feed itself is recomputed
// from scratch on every rebuild.
type Reconciler struct {
	src   eventSource
	cache localCache
	cfg   Config
	l     *zap.Logger

	mu         sync.RWMutex
	chain      map[string]domain.TransactionRecord
	nextBlock  uint64
	blockTimes map[uint64]int64
	feed       []domain.TransactionRecord

	// serializes scans so two rebuilds never fetch the same window
	scanMu sync.Mutex
}

// NewReconciler creates a reconciler over src and cache.
func NewReconciler(src eventSource, cache localCache, cfg Config, l *zap.Logger) *Reconciler {
	if cfg.Window == 0 {
		cfg.Window = defaultWindow
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = domain.NativeDecimals
	}
	if l == nil {
		l = zap.NewNop()
	}

	return &Reconciler{
		src:        src,
		cache:      cache,
		cfg:        cfg,
		l:          l.With(zap.String("component", "feed")),
		chain:      make(map[string]domain.TransactionRecord),
		nextBlock:  cfg.StartBlock,
		blockTimes: make(map[uint64]int64),
	}
}

// SetTokenDecimals changes the decimals used to render token amounts of new events.
func (r *Reconciler) SetTokenDecimals(decimals int32) {
	if decimals <= 0 {
		return
	}
	r.mu.Lock()
	r.cfg.TokenDecimals = decimals
	r.mu.Unlock()
}

// Reset forgets every chain-observed record, e.g. after the chain changed.
func (r *Reconciler) Reset() {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	r.mu.Lock()
	r.chain = make(map[string]domain.TransactionRecord)
	r.blockTimes = make(map[uint64]int64)
	r.nextBlock = r.cfg.StartBlock
	r.mu.Unlock()

	r.remerge()
}

// Rebuild scans new blocks for purchase and claim events and recomputes the merged feed.
// If the scan fails midway, windows already fetched are kept and the feed is still rebuilt.
func (r *Reconciler) Rebuild(ctx context.Context) ([]domain.TransactionRecord, error) {
	scanErr := r.scan(ctx)
	feed := r.remerge()
	if scanErr != nil {
		return feed, scanErr
	}
	return feed, nil
}

func (r *Reconciler) scan(ctx context.Context) error {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	latest, err := r.src.LatestBlock(ctx)
	if err != nil {
		return err
	}

	r.mu.RLock()
	from := r.nextBlock
	r.mu.RUnlock()

	for from <= latest {
		to := from + r.cfg.Window - 1
		if to > latest {
			to = latest
		}

		events, err := r.src.PastEvents(ctx, from, to)
		if err != nil {
			return errors.Wrapf(err, "fetch events %d-%d", from, to)
		}
		for _, ev := range events {
			if err := r.apply(ctx, ev); err != nil {
				return err
			}
		}

		r.mu.Lock()
		r.nextBlock = to + 1
		r.mu.Unlock()

		r.l.Debug("scanned events", zap.Uint64("from", from), zap.Uint64("to", to), zap.Int("events", len(events)))
		from = to + 1
	}

	return nil
}

// apply adds ev to the chain-observed set, or drops it when the log was removed by a reorg.
func (r *Reconciler) apply(ctx context.Context, ev clients.SaleEvent) error {
	key := strings.ToLower(ev.TxHash.Hex())

	if ev.Removed {
		r.mu.Lock()
		delete(r.chain, key)
		r.mu.Unlock()
		return nil
	}

	record, err := r.record(ctx, ev)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.chain[key] = record
	r.mu.Unlock()
	return nil
}

func (r *Reconciler) record(ctx context.Context, ev clients.SaleEvent) (domain.TransactionRecord, error) {
	ts, err := r.blockTime(ctx, ev.BlockNumber)
	if err != nil {
		return domain.TransactionRecord{}, err
	}

	r.mu.RLock()
	decimals := r.cfg.TokenDecimals
	r.mu.RUnlock()

	record := domain.TransactionRecord{
		Kind:            ev.Kind,
		Counterparty:    ev.Account.Hex(),
		TokenOut:        r.cfg.TokenSymbol,
		AmountOut:       domain.FormatUnits(ev.Tokens, decimals),
		TxHash:          ev.TxHash.Hex(),
		TimestampMillis: ts,
		BlockNumber:     ev.BlockNumber,
		LogIndex:        ev.LogIndex,
		Provenance:      domain.ProvenanceChain,
	}
	if ev.Kind == domain.TxKindBuy {
		record.TokenIn = r.cfg.Currency
		record.AmountIn = domain.FormatUnits(ev.AmountPaid, domain.NativeDecimals)
	}
	return record, nil
}

func (r *Reconciler) blockTime(ctx context.Context, number uint64) (int64, error) {
	r.mu.RLock()
	ts, ok := r.blockTimes[number]
	r.mu.RUnlock()
	if ok {
		return ts, nil
	}

	t, err := r.src.BlockTime(ctx, number)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.blockTimes[number] = t.UnixMilli()
	r.mu.Unlock()
	return t.UnixMilli(), nil
}

func (r *Reconciler) remerge() []domain.TransactionRecord {
	local, err := r.cache.All()
	if err != nil {
		r.l.Warn("local transaction cache unavailable", zap.Error(err))
		local = nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	chain := make([]domain.TransactionRecord, 0, len(r.chain))
	for _, rec := range r.chain {
		chain = append(chain, rec)
	}
	r.feed = Merge(chain, local)

	out := make([]domain.TransactionRecord, len(r.feed))
	copy(out, r.feed)
	return out
}

// Feed returns the last merged feed, newest first.
func (r *Reconciler) Feed() []domain.TransactionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.TransactionRecord, len(r.feed))
	copy(out, r.feed)
	return out
}

// Refeed recomputes the merged feed from what is already known, without touching the chain.
func (r *Reconciler) Refeed() []domain.TransactionRecord {
	return r.remerge()
}

// Watch follows live events until ctx is done. After subscribing it backfills the blocks
// mined since the last scan, so nothing emitted in between is missed; duplicates collapse by hash.
// When subscriptions are unavailable or drop, it falls back to periodic rebuilds and
// retries the subscription on the next tick.
func (r *Reconciler) Watch(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := r.follow(ctx); err != nil && ctx.Err() == nil {
			r.l.Debug("live events unavailable, polling", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Rebuild(ctx); err != nil && ctx.Err() == nil {
				r.l.Warn("feed rebuild failed", zap.Error(err))
			}
		}
	}
}

func (r *Reconciler) follow(ctx context.Context) error {
	sink := make(chan clients.SaleEvent, 64)
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, err := r.src.SubscribeEvents(subCtx, sink)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	if _, err := r.Rebuild(ctx); err != nil {
		r.l.Warn("backfill after subscribe failed", zap.Error(err))
	}
	r.l.Info("following live events")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-sub.Err():
			if !ok || err == nil {
				return errors.New("subscription closed")
			}
			return err
		case ev := <-sink:
			r.live(ctx, ev)
		}
	}
}

// live applies a subscribed event. Scan progress is left alone: the block is read again by
// the next windowed scan and the hash key absorbs the duplicate.
func (r *Reconciler) live(ctx context.Context, ev clients.SaleEvent) {
	r.scanMu.Lock()
	err := r.apply(ctx, ev)
	r.scanMu.Unlock()

	if err != nil {
		r.l.Warn("failed to apply live event", zap.String("tx", ev.TxHash.Hex()), zap.Error(err))
		return
	}

	if !ev.Removed && r.cfg.Account != nil && ev.Account == *r.cfg.Account {
		r.mu.RLock()
		record := r.chain[strings.ToLower(ev.TxHash.Hex())]
		r.mu.RUnlock()

		if _, err := r.cache.Append(record); err != nil {
			r.l.Warn("failed to cache live event", zap.String("tx", ev.TxHash.Hex()), zap.Error(err))
		}
	}

	r.remerge()
}
