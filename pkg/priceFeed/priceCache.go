package priceFeed

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type Price struct {
	Value     decimal.Decimal
	UpdatedAt time.Time
}

// PriceCache stores the latest off-chain price per token.
type PriceCache interface {
	Get(token common.Address) (*Price, bool)
	SetAll(prices map[common.Address]decimal.Decimal, at time.Time)
}

// InMemoryPriceCache drops prices older than MaxAge on read. A zero MaxAge
// keeps prices forever.
type InMemoryPriceCache struct {
	MaxAge time.Duration

	mu     sync.RWMutex
	prices map[common.Address]*Price
	now    func() time.Time
}

func NewInMemoryPriceCache(maxAge time.Duration) *InMemoryPriceCache {
	return &InMemoryPriceCache{
		MaxAge: maxAge,
		prices: make(map[common.Address]*Price),
		now:    time.Now,
	}
}

func (c *InMemoryPriceCache) Get(token common.Address) (*Price, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.prices[token]
	if !ok {
		return nil, false
	}
	if c.MaxAge > 0 && c.now().Sub(p.UpdatedAt) > c.MaxAge {
		return nil, false
	}
	return p, true
}

// SetAll replaces every cached price with the given set.
func (c *InMemoryPriceCache) SetAll(prices map[common.Address]decimal.Decimal, at time.Time) {
	next := make(map[common.Address]*Price, len(prices))
	for token, value := range prices {
		next[token] = &Price{Value: value, UpdatedAt: at}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices = next
}

func (c *InMemoryPriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prices)
}
