package pricer

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/presale/internal/domain"
)

type cachedPrice struct {
	price decimal.Decimal
	at    time.Time
}

// Cached keeps the last good price per pair for ttl. Quote requests arrive on every
// keystroke of the amount field, the exchanges need one call per ttl at most.
// Failures are not cached.
type Cached struct {
	source Pricer
	ttl    time.Duration
	now    func() time.Time
	prices *xsync.Map[string, cachedPrice]
}

func NewCached(source Pricer, ttl time.Duration) *Cached {
	return &Cached{
		source: source,
		ttl:    ttl,
		now:    time.Now,
		prices: xsync.NewMap[string, cachedPrice](),
	}
}

func (c *Cached) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	key := pair.String()
	if hit, ok := c.prices.Load(key); ok && c.now().Sub(hit.at) < c.ttl {
		return hit.price, nil
	}

	price, err := c.source.GetPrice(ctx, pair)
	if err != nil {
		return decimal.Zero, err
	}
	c.prices.Store(key, cachedPrice{price: price, at: c.now()})
	return price, nil
}
