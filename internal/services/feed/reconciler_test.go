package feed

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/presale/internal/clients"
	"github.com/vadiminshakov/presale/internal/domain"
)

var (
	me    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	other = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type window struct{ from, to uint64 }

type fakeSource struct {
	mu      sync.Mutex
	latest  uint64
	events  []clients.SaleEvent
	windows []window
	failAt  uint64
}

func (f *fakeSource) LatestBlock(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, nil
}

func (f *fakeSource) BlockTime(_ context.Context, n uint64) (time.Time, error) {
	return time.Unix(int64(1700000000+n), 0), nil
}

func (f *fakeSource) PastEvents(_ context.Context, from, to uint64) ([]clients.SaleEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt != 0 && from <= f.failAt && f.failAt <= to {
		return nil, errors.New("query timeout")
	}
	f.windows = append(f.windows, window{from, to})

	var out []clients.SaleEvent
	for _, ev := range f.events {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeSource) SubscribeEvents(context.Context, chan<- clients.SaleEvent) (ethereum.Subscription, error) {
	return nil, errors.New("notifications not supported")
}

type memCache struct {
	mu      sync.Mutex
	records []domain.TransactionRecord
}

func (c *memCache) All() ([]domain.TransactionRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.TransactionRecord, len(c.records))
	for i, r := range c.records {
		out[len(c.records)-1-i] = r
	}
	return out, nil
}

func (c *memCache) Append(r domain.TransactionRecord) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.records {
		if existing.HashKey() == r.HashKey() {
			return false, nil
		}
	}
	c.records = append(c.records, r)
	return true, nil
}

func purchase(hash string, block uint64, buyer common.Address) clients.SaleEvent {
	return clients.SaleEvent{
		Kind:        domain.TxKindBuy,
		Account:     buyer,
		AmountPaid:  big.NewInt(500000000000000000),
		Tokens:      new(big.Int).Mul(big.NewInt(500), big.NewInt(1e18)),
		TxHash:      common.HexToHash(hash),
		BlockNumber: block,
	}
}

func newTestReconciler(src eventSource, cache localCache) *Reconciler {
	acc := me
	return NewReconciler(src, cache, Config{
		StartBlock:    100,
		Window:        5000,
		TokenSymbol:   "TKN",
		Currency:      "ETH",
		TokenDecimals: 18,
		Account:       &acc,
	}, zap.NewNop())
}

func TestReconciler_ScansInWindowsFromLastSeenBlock(t *testing.T) {
	src := &fakeSource{latest: 12000}
	r := newTestReconciler(src, &memCache{})

	_, err := r.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []window{{100, 5099}, {5100, 10099}, {10100, 12000}}, src.windows)

	src.windows = nil
	src.latest = 12005
	_, err = r.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []window{{12001, 12005}}, src.windows)

	src.windows = nil
	_, err = r.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Empty(t, src.windows, "no new blocks means no queries")
}

func TestReconciler_FeedIsNewestFirst(t *testing.T) {
	src := &fakeSource{
		latest: 300,
		events: []clients.SaleEvent{
			purchase("0x01", 150, me),
			purchase("0x02", 250, other),
			{
				Kind:        domain.TxKindClaim,
				Account:     other,
				Tokens:      big.NewInt(7e18),
				TxHash:      common.HexToHash("0x03"),
				BlockNumber: 200,
			},
		},
	}
	r := newTestReconciler(src, &memCache{})

	feed, err := r.Rebuild(context.Background())
	require.NoError(t, err)
	require.Len(t, feed, 3)

	assert.Equal(t, uint64(250), feed[0].BlockNumber)
	assert.Equal(t, uint64(200), feed[1].BlockNumber)
	assert.Equal(t, uint64(150), feed[2].BlockNumber)

	buy := feed[0]
	assert.Equal(t, domain.TxKindBuy, buy.Kind)
	assert.Equal(t, "0.5", buy.AmountIn)
	assert.Equal(t, "500", buy.AmountOut)
	assert.Equal(t, "ETH", buy.TokenIn)
	assert.Equal(t, "TKN", buy.TokenOut)
	assert.Equal(t, domain.ProvenanceChain, buy.Provenance)
	assert.Equal(t, int64(1700000250000), buy.TimestampMillis)

	claim := feed[1]
	assert.Equal(t, domain.TxKindClaim, claim.Kind)
	assert.Empty(t, claim.AmountIn)
	assert.Equal(t, "7", claim.AmountOut)

	assert.Equal(t, feed, r.Feed())
}

// A locally originated record and a chain event with the same hash appear once,
// as the chain-observed record.
func TestReconciler_DeduplicatesByHash(t *testing.T) {
	hash := common.HexToHash("0xfeed")
	cache := &memCache{}
	_, err := cache.Append(domain.TransactionRecord{
		Kind:            domain.TxKindBuy,
		Counterparty:    me.Hex(),
		AmountIn:        "0.5",
		AmountOut:       "500",
		TxHash:          hash.Hex(),
		TimestampMillis: 1700000999000,
		Provenance:      domain.ProvenanceLocal,
	})
	require.NoError(t, err)
	_, err = cache.Append(domain.TransactionRecord{
		Kind:            domain.TxKindBuy,
		Counterparty:    me.Hex(),
		AmountOut:       "1",
		TxHash:          "0xlocalonly",
		TimestampMillis: 1,
		Provenance:      domain.ProvenanceLocal,
	})
	require.NoError(t, err)

	src := &fakeSource{latest: 200, events: []clients.SaleEvent{purchase(hash.Hex(), 150, me)}}
	r := newTestReconciler(src, cache)

	feed, err := r.Rebuild(context.Background())
	require.NoError(t, err)

	matches := 0
	for _, rec := range feed {
		if rec.HashKey() == strings.ToLower(hash.Hex()) {
			matches++
			assert.Equal(t, domain.ProvenanceChain, rec.Provenance)
		}
	}
	assert.Equal(t, 1, matches)
	assert.Len(t, feed, 2, "local-only records stay in the feed")
}

func TestReconciler_ScanFailureKeepsProgress(t *testing.T) {
	src := &fakeSource{latest: 12000, failAt: 6000, events: []clients.SaleEvent{purchase("0x01", 150, me)}}
	r := newTestReconciler(src, &memCache{})

	feed, err := r.Rebuild(context.Background())
	require.Error(t, err)
	assert.Len(t, feed, 1, "events from completed windows are kept")

	src.failAt = 0
	src.windows = nil
	_, err = r.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, window{5100, 10099}, src.windows[0])
}

func TestReconciler_LiveEventDoesNotSkipUnscannedBlocks(t *testing.T) {
	src := &fakeSource{
		latest: 12000,
		failAt: 6000,
		events: []clients.SaleEvent{purchase("0x01", 150, other), purchase("0x02", 7000, other)},
	}
	r := newTestReconciler(src, &memCache{})

	_, err := r.Rebuild(context.Background())
	require.Error(t, err)

	r.live(context.Background(), purchase("0x0b", 11000, other))

	src.failAt = 0
	src.windows = nil
	feed, err := r.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, window{5100, 10099}, src.windows[0], "scan resumes at the first unscanned block")

	var hashes []string
	for _, rec := range feed {
		hashes = append(hashes, rec.TxHash)
	}
	assert.ElementsMatch(t, []string{
		common.HexToHash("0x01").Hex(),
		common.HexToHash("0x02").Hex(),
		common.HexToHash("0x0b").Hex(),
	}, hashes)
}

func TestReconciler_RemovedEventIsDropped(t *testing.T) {
	src := &fakeSource{latest: 200, events: []clients.SaleEvent{purchase("0x01", 150, me)}}
	r := newTestReconciler(src, &memCache{})

	_, err := r.Rebuild(context.Background())
	require.NoError(t, err)
	require.Len(t, r.Feed(), 1)

	removed := purchase("0x01", 150, me)
	removed.Removed = true
	r.live(context.Background(), removed)

	assert.Empty(t, r.Feed())
}

func TestReconciler_LiveEventsForAccountAreCached(t *testing.T) {
	cache := &memCache{}
	r := newTestReconciler(&fakeSource{latest: 100}, cache)

	r.live(context.Background(), purchase("0x0a", 101, me))
	r.live(context.Background(), purchase("0x0b", 102, other))

	cached, err := cache.All()
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, common.HexToHash("0x0a").Hex(), cached[0].TxHash)

	feed := r.Feed()
	require.Len(t, feed, 2)
	assert.Equal(t, common.HexToHash("0x0b").Hex(), feed[0].TxHash)
}

func TestReconciler_Reset(t *testing.T) {
	src := &fakeSource{latest: 200, events: []clients.SaleEvent{purchase("0x01", 150, me)}}
	r := newTestReconciler(src, &memCache{})

	_, err := r.Rebuild(context.Background())
	require.NoError(t, err)

	r.Reset()
	assert.Empty(t, r.Feed())

	src.windows = nil
	_, err = r.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []window{{100, 200}}, src.windows)
}

func TestReconciler_WatchFallsBackToPolling(t *testing.T) {
	src := &fakeSource{latest: 200, events: []clients.SaleEvent{purchase("0x01", 150, me)}}
	r := NewReconciler(src, &memCache{}, Config{StartBlock: 100, PollInterval: 10 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Watch(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(r.Feed()) == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestMerge(t *testing.T) {
	local := []domain.TransactionRecord{
		{TxHash: "0xAA", TimestampMillis: 3, Provenance: domain.ProvenanceLocal},
		{TxHash: "", TimestampMillis: 9, Provenance: domain.ProvenanceLocal},
		{TxHash: "0xbb", TimestampMillis: 1, Provenance: domain.ProvenanceLocal},
	}
	chain := []domain.TransactionRecord{
		{TxHash: "0xaa", TimestampMillis: 2, BlockNumber: 10, Provenance: domain.ProvenanceChain},
		{TxHash: "0xcc", TimestampMillis: 2, BlockNumber: 11, Provenance: domain.ProvenanceChain},
	}

	merged := Merge(chain, local)
	require.Len(t, merged, 3)
	assert.Equal(t, "0xcc", merged[0].TxHash)
	assert.Equal(t, "0xaa", merged[1].TxHash)
	assert.Equal(t, domain.ProvenanceChain, merged[1].Provenance)
	assert.Equal(t, "0xbb", merged[2].TxHash)
}
