package vault

import (
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/log"
)

// ShortsTracker maintains, per index asset, the aggregate short size and the
// weighted average entry price of all short positions in O(1) per update,
// so aggregate paper PnL never requires a scan of individual positions.
type ShortsTracker struct {
	mu sync.RWMutex

	vault  *Vault
	logger log.Logger

	sizes         map[string]*big.Int
	averagePrices map[string]*big.Int

	// Readiness gate: until set, the aggregate is not trustworthy and
	// ledger mutations leave it untouched.
	dataReady   bool
	initialized bool

	// Bounds on the administrative average-price correction path.
	maxAveragePriceChangeBps uint64
	minCorrectionInterval    time.Duration
	lastCorrection           map[string]time.Time
}

// NewShortsTracker creates a tracker bound to a vault's oracle and clock.
func NewShortsTracker(v *Vault, logger log.Logger) *ShortsTracker {
	if logger == nil {
		logger = log.Root().New("module", "shorts")
	}
	return &ShortsTracker{
		vault:                    v,
		logger:                   logger,
		sizes:                    make(map[string]*big.Int),
		averagePrices:            make(map[string]*big.Int),
		maxAveragePriceChangeBps: 20, // 0.2% per correction
		minCorrectionInterval:    time.Hour,
		lastCorrection:           make(map[string]time.Time),
	}
}

// GlobalShortSize returns the aggregate short size for an index asset.
func (t *ShortsTracker) GlobalShortSize(asset string) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.sizes[asset]; ok {
		return new(big.Int).Set(s)
	}
	return big.NewInt(0)
}

// GlobalShortAveragePrice returns the weighted average short entry price.
func (t *ShortsTracker) GlobalShortAveragePrice(asset string) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.averagePrices[asset]; ok {
		return new(big.Int).Set(p)
	}
	return big.NewInt(0)
}

// IsGlobalShortDataReady reports whether the aggregate may be relied on.
func (t *ShortsTracker) IsGlobalShortDataReady() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dataReady
}

// SetDataReady toggles the readiness gate. A fresh deployment with no open
// shorts enables it directly; a migration seeds state first via SetInitData.
func (t *ShortsTracker) SetDataReady(ready bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dataReady = ready
	t.logger.Info("global short data readiness set", "ready", ready)
}

// SetInitData seeds aggregate state once and marks the data ready.
// A second call fails with ErrAlreadyInitialized.
func (t *ShortsTracker) SetInitData(sizes, averagePrices map[string]*big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.initialized {
		return ErrAlreadyInitialized
	}
	for asset, size := range sizes {
		t.sizes[asset] = new(big.Int).Set(size)
	}
	for asset, price := range averagePrices {
		t.averagePrices[asset] = new(big.Int).Set(price)
	}
	t.initialized = true
	t.dataReady = true
	t.logger.Info("global short data seeded", "assets", len(sizes))
	return nil
}

// SetGlobalShortAveragePrice is a rate- and delay-limited correction path
// for average-price drift. The change per call is bounded in basis points
// and calls are separated by a minimum delay, so the path cannot be used as
// a sudden valuation lever.
func (t *ShortsTracker) SetGlobalShortAveragePrice(asset string, averagePrice *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dataReady {
		return ErrShortDataNotReady
	}
	if averagePrice == nil || averagePrice.Sign() <= 0 {
		return ErrInvalidAmount
	}
	now := t.vault.nowFn()
	if last, ok := t.lastCorrection[asset]; ok && now.Sub(last) < t.minCorrectionInterval {
		return ErrAveragePriceUpdateTooSoon
	}
	current, ok := t.averagePrices[asset]
	if ok && current.Sign() > 0 {
		diffBps := mulDiv(absDiff(current, averagePrice), big.NewInt(BasisPointsDivisor), current)
		if diffBps.Cmp(new(big.Int).SetUint64(t.maxAveragePriceChangeBps)) > 0 {
			return ErrAveragePriceChangeTooLarge
		}
	}
	t.averagePrices[asset] = new(big.Int).Set(averagePrice)
	t.lastCorrection[asset] = now
	t.logger.Info("global short average price corrected", "asset", asset, "price", averagePrice.String())
	return nil
}

// GetGlobalShortDelta returns the aggregate unrealized short PnL at the
// given mark price: size * |averagePrice - price| / averagePrice, in profit
// when the average entry is above the mark.
func (t *ShortsTracker) GetGlobalShortDelta(asset string, price *big.Int) (bool, *big.Int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pendingDelta(asset, price)
}

func (t *ShortsTracker) pendingDelta(asset string, price *big.Int) (bool, *big.Int) {
	size, ok := t.sizes[asset]
	if !ok || size.Sign() == 0 {
		return false, big.NewInt(0)
	}
	avg := t.averagePrices[asset]
	if avg == nil || avg.Sign() == 0 {
		return false, big.NewInt(0)
	}
	delta := mulDiv(size, absDiff(avg, price), avg)
	return avg.Cmp(price) > 0, delta
}

// applyIncrease folds sizeDelta at the mark price into the aggregate. A
// freshly added position has zero PnL at the instant it opens, so the fold
// must not alter the book's existing paper PnL. Called with the vault lock
// held; pure deposits (sizeDelta == 0) never reach here.
func (t *ShortsTracker) applyIncrease(asset string, sizeDelta, price *big.Int) error {
	return t.apply(asset, sizeDelta, price, true, big.NewInt(0))
}

// applyDecrease removes sizeDelta from the aggregate while taking the
// realized portion out of the pending book. A sign flip of the implied
// delta is an expected outcome when realized profit exceeds the remaining
// book's pending delta.
func (t *ShortsTracker) applyDecrease(asset string, sizeDelta, price, realisedPnl *big.Int) error {
	return t.apply(asset, sizeDelta, price, false, realisedPnl)
}

func (t *ShortsTracker) apply(asset string, sizeDelta, price *big.Int, isIncrease bool, realisedPnl *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.dataReady || sizeDelta.Sign() == 0 {
		return nil
	}

	size := big.NewInt(0)
	if s, ok := t.sizes[asset]; ok {
		size = s
	}
	avg := big.NewInt(0)
	if p, ok := t.averagePrices[asset]; ok {
		avg = p
	}

	nextSize := new(big.Int).Set(size)
	if isIncrease {
		nextSize.Add(nextSize, sizeDelta)
	} else {
		if sizeDelta.Cmp(size) > 0 {
			return ErrPositionSizeExceeded
		}
		nextSize.Sub(nextSize, sizeDelta)
	}

	if nextSize.Sign() == 0 {
		t.sizes[asset] = big.NewInt(0)
		t.averagePrices[asset] = big.NewInt(0)
		return nil
	}
	if avg.Sign() == 0 {
		t.sizes[asset] = nextSize
		t.averagePrices[asset] = new(big.Int).Set(price)
		return nil
	}

	hasProfit, delta := t.pendingDelta(asset, price)
	hasProfit, delta = nextDelta(hasProfit, delta, realisedPnl)

	divisor := new(big.Int).Set(nextSize)
	if hasProfit {
		divisor.Sub(divisor, delta)
	} else {
		divisor.Add(divisor, delta)
	}
	if divisor.Sign() <= 0 {
		return ErrInvalidAmount
	}

	t.sizes[asset] = nextSize
	t.averagePrices[asset] = mulDiv(price, nextSize, divisor)
	return nil
}

// nextDelta removes the realized portion from the pending aggregate delta.
// realisedPnl is signed from the trader's perspective; realized profit
// shrinks pending profit and can flip it into pending loss.
func nextDelta(hasProfit bool, delta, realisedPnl *big.Int) (bool, *big.Int) {
	delta = new(big.Int).Set(delta)
	if realisedPnl.Sign() == 0 {
		return hasProfit, delta
	}
	abs := new(big.Int).Abs(realisedPnl)
	if hasProfit {
		if realisedPnl.Sign() > 0 {
			if abs.Cmp(delta) > 0 {
				return false, abs.Sub(abs, delta)
			}
			return true, delta.Sub(delta, abs)
		}
		return true, delta.Add(delta, abs)
	}
	if realisedPnl.Sign() > 0 {
		return false, delta.Add(delta, abs)
	}
	if abs.Cmp(delta) > 0 {
		return true, abs.Sub(abs, delta)
	}
	return false, delta.Sub(delta, abs)
}

// snapshot and restore support the vault's all-or-nothing call semantics.

func (t *ShortsTracker) snapshot(asset string) (*big.Int, *big.Int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	size := big.NewInt(0)
	if s, ok := t.sizes[asset]; ok {
		size = new(big.Int).Set(s)
	}
	avg := big.NewInt(0)
	if p, ok := t.averagePrices[asset]; ok {
		avg = new(big.Int).Set(p)
	}
	return size, avg
}

func (t *ShortsTracker) restore(asset string, size, avg *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sizes[asset] = size
	t.averagePrices[asset] = avg
}
