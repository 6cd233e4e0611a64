// Package oracle serves min/max mark prices to the position ledger.
// Prices are stored at 1e30 USD precision and expire after a staleness
// window so the ledger never trades on a dead feed.
package oracle

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

var (
	ErrNoPrice    = errors.New("oracle: no price for asset")
	ErrStalePrice = errors.New("oracle: price is stale")
	ErrZeroPrice  = errors.New("oracle: price is zero")
)

// DefaultStaleness is how long a quote stays usable without an update.
const DefaultStaleness = 30 * time.Second

type quote struct {
	minPrice  *big.Int
	maxPrice  *big.Int
	updatedAt time.Time
}

// Oracle holds the latest bid/ask quotes per asset.
type Oracle struct {
	mu        sync.RWMutex
	quotes    map[string]quote
	staleness time.Duration
	logger    log.Logger
	nowFn     func() time.Time
}

// New creates an oracle with the default staleness window.
func New(logger log.Logger) *Oracle {
	if logger == nil {
		logger = log.Root().New("module", "oracle")
	}
	return &Oracle{
		quotes:    make(map[string]quote),
		staleness: DefaultStaleness,
		logger:    logger,
		nowFn:     time.Now,
	}
}

// SetStaleness overrides the staleness window. Zero disables expiry.
func (o *Oracle) SetStaleness(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.staleness = d
}

// SetPrice stores a symmetric quote (min == max) for an asset.
func (o *Oracle) SetPrice(asset string, price *big.Int) {
	o.SetQuote(asset, price, price)
}

// SetQuote stores a min/max quote for an asset.
func (o *Oracle) SetQuote(asset string, minPrice, maxPrice *big.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quotes[asset] = quote{
		minPrice:  new(big.Int).Set(minPrice),
		maxPrice:  new(big.Int).Set(maxPrice),
		updatedAt: o.nowFn(),
	}
}

// MinPrice implements vault.PriceOracle.
func (o *Oracle) MinPrice(asset string) (*big.Int, error) {
	return o.price(asset, false)
}

// MaxPrice implements vault.PriceOracle.
func (o *Oracle) MaxPrice(asset string) (*big.Int, error) {
	return o.price(asset, true)
}

func (o *Oracle) price(asset string, maximise bool) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	q, ok := o.quotes[asset]
	if !ok {
		return nil, ErrNoPrice
	}
	if o.staleness > 0 && o.nowFn().Sub(q.updatedAt) > o.staleness {
		return nil, ErrStalePrice
	}
	p := q.minPrice
	if maximise {
		p = q.maxPrice
	}
	if p.Sign() <= 0 {
		return nil, ErrZeroPrice
	}
	return new(big.Int).Set(p), nil
}

// ParsePrice converts a decimal USD string ("41000.25") to 1e30 precision.
func ParsePrice(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	if d.Sign() <= 0 {
		return nil, ErrZeroPrice
	}
	return d.Shift(30).BigInt(), nil
}
