package vault

import (
	"math/big"
	"time"
)

// UpdateFunding advances the funding accumulator for an asset. Keepers call
// this on a schedule; the accrual is gated to once per funding interval and
// is idempotent within the same interval, so repeated calls cannot be used
// to manipulate the rate.
func (v *Vault) UpdateFunding(asset string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	ps, ok := v.pools[asset]
	if !ok {
		return ErrUnknownAsset
	}
	v.updateCumulativeFundingRate(asset, ps)
	return nil
}

// updateCumulativeFundingRate accrues utilization * fundingRateFactor per
// elapsed whole interval. lastFundingTime is floored to the interval so
// accrual boundaries are stable regardless of when the call lands.
func (v *Vault) updateCumulativeFundingRate(asset string, ps *poolState) {
	now := v.nowFn()
	interval := v.cfg.FundingInterval

	if ps.lastFundingTime.IsZero() {
		ps.lastFundingTime = now.Truncate(interval)
		return
	}
	if ps.lastFundingTime.Add(interval).After(now) {
		return
	}

	rate := v.nextFundingRate(ps, now, interval)
	ps.cumulativeFundingRate.Add(ps.cumulativeFundingRate, rate)
	ps.lastFundingTime = now.Truncate(interval)

	v.logger.Debug("funding accrued", "asset", asset,
		"rate", rate.String(), "cumulative", ps.cumulativeFundingRate.String())
	v.emit(Event{
		Type:        EventUpdateFunding,
		IndexAsset:  asset,
		FundingRate: new(big.Int).Set(ps.cumulativeFundingRate).String(),
		Timestamp:   now,
	})
}

// nextFundingRate returns fundingRateFactor * reserved/pool scaled by the
// number of whole intervals elapsed since lastFundingTime.
func (v *Vault) nextFundingRate(ps *poolState, now time.Time, interval time.Duration) *big.Int {
	if ps.lastFundingTime.Add(interval).After(now) {
		return big.NewInt(0)
	}
	if ps.poolAmount.Sign() == 0 {
		return big.NewInt(0)
	}
	intervals := int64(now.Sub(ps.lastFundingTime) / interval)
	factor := new(big.Int).SetUint64(v.cfg.FundingRateFactor)
	factor.Mul(factor, big.NewInt(intervals))
	return mulDiv(factor, ps.reservedAmount, ps.poolAmount)
}

// fundingFee returns the accrued funding owed on size since entryFundingRate.
func (v *Vault) fundingFee(ps *poolState, size, entryFundingRate *big.Int) *big.Int {
	if size.Sign() == 0 {
		return big.NewInt(0)
	}
	rateDelta := new(big.Int).Sub(ps.cumulativeFundingRate, entryFundingRate)
	if rateDelta.Sign() <= 0 {
		return big.NewInt(0)
	}
	return mulDiv(size, rateDelta, big.NewInt(FundingRatePrecision))
}

// positionFee returns the margin fee on a size delta. The fee is the
// complement of the after-fee amount, which rounds the fee up.
func (v *Vault) positionFee(sizeDelta *big.Int) *big.Int {
	if sizeDelta.Sign() == 0 {
		return big.NewInt(0)
	}
	afterFee := mulDiv(sizeDelta,
		big.NewInt(int64(BasisPointsDivisor-v.cfg.MarginFeeBasisPoints)),
		big.NewInt(BasisPointsDivisor))
	return new(big.Int).Sub(sizeDelta, afterFee)
}
