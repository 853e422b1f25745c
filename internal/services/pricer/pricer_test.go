package pricer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/presale/internal/domain"
)

var ethUSDT = domain.Pair{From: "ETH", To: "USDT"}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "3012.45", want: "3012.45"},
		{raw: " 0.9998 ", want: "0.9998"},
		{raw: ""},
		{raw: "n/a"},
		{raw: "0"},
		{raw: "-1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			price, err := parsePrice("test", ethUSDT, tt.raw)
			if tt.want == "" {
				require.ErrorIs(t, err, ErrNoPrice)
				assert.True(t, price.IsZero())
				return
			}
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(price), price.String())
		})
	}
}

func TestHyperliquidPricer_NotConfigured(t *testing.T) {
	price, err := NewHyperliquidPricer(nil).GetPrice(context.Background(), ethUSDT)
	assert.Error(t, err)
	assert.True(t, price.IsZero())
}

func TestBybitPricer_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewBybitPricer(nil).GetPrice(ctx, ethUSDT)
	assert.ErrorIs(t, err, context.Canceled)
}

type countingPricer struct {
	mu    sync.Mutex
	calls int
	price decimal.Decimal
	err   error
}

func (p *countingPricer) GetPrice(context.Context, domain.Pair) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.price, p.err
}

func TestCached_ServesWithinTTL(t *testing.T) {
	src := &countingPricer{price: decimal.RequireFromString("3000")}
	cached := NewCached(src, 10*time.Second)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cached.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		price, err := cached.GetPrice(context.Background(), ethUSDT)
		require.NoError(t, err)
		assert.Equal(t, "3000", price.String())
	}
	assert.Equal(t, 1, src.calls, "keystroke bursts hit the exchange once")

	src.price = decimal.RequireFromString("3100")
	now = now.Add(10 * time.Second)
	price, err := cached.GetPrice(context.Background(), ethUSDT)
	require.NoError(t, err)
	assert.Equal(t, "3100", price.String())
	assert.Equal(t, 2, src.calls)

	_, err = cached.GetPrice(context.Background(), domain.Pair{From: "POL", To: "USDT"})
	require.NoError(t, err)
	assert.Equal(t, 3, src.calls, "pairs are cached separately")
}

func TestCached_FailuresAreNotCached(t *testing.T) {
	src := &countingPricer{err: errors.New("rate limited")}
	cached := NewCached(src, time.Minute)

	_, err := cached.GetPrice(context.Background(), ethUSDT)
	require.Error(t, err)

	src.err = nil
	src.price = decimal.RequireFromString("2999.5")
	price, err := cached.GetPrice(context.Background(), ethUSDT)
	require.NoError(t, err)
	assert.Equal(t, "2999.5", price.String())
	assert.Equal(t, 2, src.calls)
}
