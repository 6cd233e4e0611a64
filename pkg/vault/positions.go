package vault

import (
	"math/big"
)

// checkpoint captures the state an operation may touch so a failed call can
// be rolled back with no partial effect.
type checkpoint struct {
	asset      string
	pool       *poolState
	posKey     string
	pos        *Position
	hadPos     bool
	shortAsset string
	shortSize  *big.Int
	shortAvg   *big.Int
}

func (v *Vault) takeCheckpoint(collateralAsset, posKey, indexAsset string) *checkpoint {
	c := &checkpoint{asset: collateralAsset, posKey: posKey, shortAsset: indexAsset}
	c.pool = v.pools[collateralAsset].clone()
	if pos, ok := v.positions[posKey]; ok {
		c.pos = pos.clone()
		c.hadPos = true
	}
	c.shortSize, c.shortAvg = v.shorts.snapshot(indexAsset)
	return c
}

func (v *Vault) restore(c *checkpoint) {
	v.pools[c.asset] = c.pool
	if c.hadPos {
		v.positions[c.posKey] = c.pos
	} else {
		delete(v.positions, c.posKey)
	}
	v.shorts.restore(c.shortAsset, c.shortSize, c.shortAvg)
}

// checkPoolInvariants verifies the per-asset accounting identities that must
// hold after every successful mutating call.
func (v *Vault) checkPoolInvariants(ps *poolState) error {
	if ps.poolAmount.Sign() < 0 || ps.feeReserve.Sign() < 0 {
		return ErrInsufficientPool
	}
	if ps.reservedAmount.Cmp(ps.poolAmount) > 0 {
		return ErrReserveExceedsPool
	}
	sum := new(big.Int).Add(ps.poolAmount, ps.feeReserve)
	if sum.Cmp(ps.tokenBalance) != 0 {
		return ErrPoolExceedsBalance
	}
	return nil
}

// delta returns the unrealized PnL of size at the conservative mark price
// for the position's direction: longs are marked at the minimum price,
// shorts at the maximum.
func (v *Vault) delta(indexAsset string, size, averagePrice *big.Int, isLong bool) (bool, *big.Int, error) {
	if averagePrice.Sign() == 0 {
		return false, nil, ErrInvalidAmount
	}
	var price *big.Int
	var err error
	if isLong {
		price, err = v.oracle.MinPrice(indexAsset)
	} else {
		price, err = v.oracle.MaxPrice(indexAsset)
	}
	if err != nil {
		return false, nil, err
	}
	priceDelta := absDiff(averagePrice, price)
	delta := mulDiv(size, priceDelta, averagePrice)
	var hasProfit bool
	if isLong {
		hasProfit = price.Cmp(averagePrice) > 0
	} else {
		hasProfit = averagePrice.Cmp(price) > 0
	}
	return hasProfit, delta, nil
}

// nextAveragePrice folds sizeDelta at nextPrice into an existing position
// such that the unrealized delta against the new average equals the delta
// against the old average: adding size at the mark price never itself
// creates or destroys paper PnL.
func (v *Vault) nextAveragePrice(indexAsset string, size, averagePrice *big.Int, isLong bool, nextPrice, sizeDelta *big.Int) (*big.Int, error) {
	hasProfit, delta, err := v.delta(indexAsset, size, averagePrice, isLong)
	if err != nil {
		return nil, err
	}
	nextSize := new(big.Int).Add(size, sizeDelta)
	divisor := new(big.Int).Set(nextSize)
	if isLong == hasProfit {
		divisor.Add(divisor, delta)
	} else {
		divisor.Sub(divisor, delta)
	}
	if divisor.Sign() <= 0 {
		return nil, ErrLossesExceedCollateral
	}
	return mulDiv(nextPrice, nextSize, divisor), nil
}

// IncreasePosition opens or grows a position. Collateral tokens for the
// delta must already be in the vault's bank account (deposit-then-call);
// the unaccounted balance is swept as the collateral delta. A call with
// sizeDelta zero is a pure collateral deposit and is permitted even while
// leverage is disabled.
func (v *Vault) IncreasePosition(caller, account, collateralAsset, indexAsset string, sizeDelta *big.Int, isLong bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if sizeDelta == nil || sizeDelta.Sign() < 0 {
		return ErrInvalidAmount
	}
	if err := v.authorizeAccountCall(caller, account); err != nil {
		return err
	}
	if err := v.validateAssets(collateralAsset, indexAsset, isLong); err != nil {
		return err
	}
	if sizeDelta.Sign() > 0 && !v.leverageEnabled {
		return ErrLeverageDisabled
	}

	key := v.positionKey(account, collateralAsset, indexAsset, isLong)
	cp := v.takeCheckpoint(collateralAsset, key, indexAsset)
	price, feeUsd, err := v.increasePosition(key, collateralAsset, indexAsset, sizeDelta, isLong)
	if err != nil {
		v.restore(cp)
		return err
	}

	v.logger.Info("position increased", "account", account,
		"collateral", collateralAsset, "index", indexAsset, "long", isLong,
		"sizeDelta", sizeDelta.String(), "price", price.String(), "fee", feeUsd.String())
	v.emit(Event{
		Type:            EventIncreasePosition,
		Account:         account,
		CollateralAsset: collateralAsset,
		IndexAsset:      indexAsset,
		IsLong:          isLong,
		SizeDelta:       sizeDelta.String(),
		Price:           price.String(),
		Fee:             feeUsd.String(),
		Timestamp:       v.nowFn(),
	})
	return nil
}

func (v *Vault) increasePosition(key, collateralAsset, indexAsset string, sizeDelta *big.Int, isLong bool) (*big.Int, *big.Int, error) {
	ps := v.pools[collateralAsset]
	v.updateCumulativeFundingRate(collateralAsset, ps)

	// Entry price is the adverse side for the trader.
	var price *big.Int
	var err error
	if isLong {
		price, err = v.oracle.MaxPrice(indexAsset)
	} else {
		price, err = v.oracle.MinPrice(indexAsset)
	}
	if err != nil {
		return nil, nil, err
	}

	pos, ok := v.positions[key]
	if !ok {
		pos = NewPosition()
		v.positions[key] = pos
	}
	if pos.Size.Sign() == 0 && sizeDelta.Sign() > 0 {
		pos.AveragePrice = new(big.Int).Set(price)
	}
	if pos.Size.Sign() > 0 && sizeDelta.Sign() > 0 {
		avg, err := v.nextAveragePrice(indexAsset, pos.Size, pos.AveragePrice, isLong, price, sizeDelta)
		if err != nil {
			return nil, nil, err
		}
		pos.AveragePrice = avg
	}

	feeUsd := v.fundingFee(ps, pos.Size, pos.EntryFundingRate)
	feeUsd.Add(feeUsd, v.positionFee(sizeDelta))

	collateralDelta := v.transferIn(collateralAsset, ps)
	collateralDeltaUsd, err := v.tokenToUSDMin(collateralAsset, collateralDelta)
	if err != nil {
		return nil, nil, err
	}

	pos.Collateral.Add(pos.Collateral, collateralDeltaUsd)
	if pos.Collateral.Cmp(feeUsd) < 0 {
		return nil, nil, ErrFeesExceedCollateral
	}
	pos.Collateral.Sub(pos.Collateral, feeUsd)
	pos.EntryFundingRate = new(big.Int).Set(ps.cumulativeFundingRate)
	pos.Size.Add(pos.Size, sizeDelta)
	pos.LastIncreasedTime = v.nowFn()

	if pos.Size.Sign() == 0 {
		return nil, nil, ErrEmptyPosition
	}
	if pos.Size.Cmp(pos.Collateral) < 0 {
		return nil, nil, ErrSizeBelowCollateral
	}
	if _, _, err := v.validateLiquidation(ps, pos, indexAsset, isLong, true); err != nil {
		return nil, nil, err
	}

	reserveDelta, err := v.usdToTokenMax(collateralAsset, sizeDelta)
	if err != nil {
		return nil, nil, err
	}
	pos.ReserveAmount.Add(pos.ReserveAmount, reserveDelta)
	ps.reservedAmount.Add(ps.reservedAmount, reserveDelta)

	feeTokens, err := v.usdToTokenFee(collateralAsset, feeUsd)
	if err != nil {
		return nil, nil, err
	}
	ps.poolAmount.Add(ps.poolAmount, collateralDelta)
	ps.poolAmount.Sub(ps.poolAmount, feeTokens)
	ps.feeReserve.Add(ps.feeReserve, feeTokens)

	if isLong {
		// guaranteedUsd tracks sum(size - collateral) over longs; the fee was
		// deducted from collateral so it is added back here.
		ps.guaranteedUsd.Add(ps.guaranteedUsd, sizeDelta)
		ps.guaranteedUsd.Add(ps.guaranteedUsd, feeUsd)
		ps.guaranteedUsd.Sub(ps.guaranteedUsd, collateralDeltaUsd)
	} else if sizeDelta.Sign() > 0 {
		if err := v.shorts.applyIncrease(indexAsset, sizeDelta, price); err != nil {
			return nil, nil, err
		}
	}

	if err := v.checkPoolInvariants(ps); err != nil {
		return nil, nil, err
	}
	return price, feeUsd, nil
}

// DecreasePosition withdraws collateral and/or reduces size, paying out
// realized profit net of fees to the receiver in the collateral asset.
// Returns the token amount transferred out.
func (v *Vault) DecreasePosition(caller, account, collateralAsset, indexAsset string, collateralDelta, sizeDelta *big.Int, isLong bool, receiver string) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if collateralDelta == nil || sizeDelta == nil || collateralDelta.Sign() < 0 || sizeDelta.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if collateralDelta.Sign() == 0 && sizeDelta.Sign() == 0 {
		return nil, ErrInvalidAmount
	}
	if receiver == "" {
		return nil, ErrInvalidReceiver
	}
	if err := v.authorizeAccountCall(caller, account); err != nil {
		return nil, err
	}
	if err := v.validateAssets(collateralAsset, indexAsset, isLong); err != nil {
		return nil, err
	}

	key := v.positionKey(account, collateralAsset, indexAsset, isLong)
	cp := v.takeCheckpoint(collateralAsset, key, indexAsset)
	amountOut, price, feeUsd, err := v.decreasePosition(key, collateralAsset, indexAsset, collateralDelta, sizeDelta, isLong, receiver)
	if err != nil {
		v.restore(cp)
		return nil, err
	}

	v.logger.Info("position decreased", "account", account,
		"collateral", collateralAsset, "index", indexAsset, "long", isLong,
		"sizeDelta", sizeDelta.String(), "collateralDelta", collateralDelta.String(),
		"price", price.String(), "amountOut", amountOut.String())
	v.emit(Event{
		Type:            EventDecreasePosition,
		Account:         account,
		CollateralAsset: collateralAsset,
		IndexAsset:      indexAsset,
		IsLong:          isLong,
		SizeDelta:       sizeDelta.String(),
		CollateralDelta: collateralDelta.String(),
		Price:           price.String(),
		Fee:             feeUsd.String(),
		Timestamp:       v.nowFn(),
	})
	return amountOut, nil
}

func (v *Vault) decreasePosition(key, collateralAsset, indexAsset string, collateralDelta, sizeDelta *big.Int, isLong bool, receiver string) (*big.Int, *big.Int, *big.Int, error) {
	ps := v.pools[collateralAsset]
	pos, ok := v.positions[key]
	if !ok || pos.IsEmpty() {
		return nil, nil, nil, ErrEmptyPosition
	}
	if sizeDelta.Cmp(pos.Size) > 0 {
		return nil, nil, nil, ErrPositionSizeExceeded
	}
	if collateralDelta.Cmp(pos.Collateral) > 0 {
		return nil, nil, nil, ErrCollateralExceeded
	}

	v.updateCumulativeFundingRate(collateralAsset, ps)

	// Leverage before the call, used by the fee-avoidance guard below.
	prevLeverage := mulDiv(pos.Size, big.NewInt(BasisPointsDivisor), pos.Collateral)
	collateralBefore := new(big.Int).Set(pos.Collateral)

	var price *big.Int
	var err error
	if isLong {
		price, err = v.oracle.MinPrice(indexAsset)
	} else {
		price, err = v.oracle.MaxPrice(indexAsset)
	}
	if err != nil {
		return nil, nil, nil, err
	}

	if sizeDelta.Sign() > 0 {
		reserveDelta := mulDiv(pos.ReserveAmount, sizeDelta, pos.Size)
		pos.ReserveAmount.Sub(pos.ReserveAmount, reserveDelta)
		ps.reservedAmount.Sub(ps.reservedAmount, reserveDelta)
	}

	usdOut, usdOutAfterFee, feeUsd, realised, err := v.reduceCollateral(ps, pos, collateralAsset, indexAsset, collateralDelta, sizeDelta, isLong)
	if err != nil {
		return nil, nil, nil, err
	}

	fullClose := pos.Size.Cmp(sizeDelta) == 0
	if !fullClose {
		pos.EntryFundingRate = new(big.Int).Set(ps.cumulativeFundingRate)
		pos.Size.Sub(pos.Size, sizeDelta)

		if pos.Size.Cmp(pos.Collateral) < 0 {
			return nil, nil, nil, ErrSizeBelowCollateral
		}
		if _, _, err := v.validateLiquidation(ps, pos, indexAsset, isLong, true); err != nil {
			return nil, nil, nil, err
		}
		// Withdrawing collateral while reducing size must not leave the
		// position at higher leverage than before the call.
		if collateralDelta.Sign() > 0 && sizeDelta.Sign() > 0 {
			newLeverage := mulDiv(pos.Size, big.NewInt(BasisPointsDivisor), pos.Collateral)
			if newLeverage.Cmp(prevLeverage) > 0 {
				return nil, nil, nil, ErrLeverageIncreased
			}
		}
		if isLong {
			ps.guaranteedUsd.Add(ps.guaranteedUsd, new(big.Int).Sub(collateralBefore, pos.Collateral))
			ps.guaranteedUsd.Sub(ps.guaranteedUsd, sizeDelta)
		}
	} else {
		if isLong {
			ps.guaranteedUsd.Add(ps.guaranteedUsd, collateralBefore)
			ps.guaranteedUsd.Sub(ps.guaranteedUsd, pos.Size)
		}
		pos.reset()
	}

	if !isLong && sizeDelta.Sign() > 0 {
		if err := v.shorts.applyDecrease(indexAsset, sizeDelta, price, realised); err != nil {
			return nil, nil, nil, err
		}
	}

	amountOut := big.NewInt(0)
	if usdOut.Sign() > 0 {
		amountOut, err = v.usdToTokenMin(collateralAsset, usdOutAfterFee)
		if err != nil {
			return nil, nil, nil, err
		}
		feeTokens, err := v.usdToTokenFee(collateralAsset, feeUsd)
		if err != nil {
			return nil, nil, nil, err
		}
		ps.poolAmount.Sub(ps.poolAmount, amountOut)
		ps.poolAmount.Sub(ps.poolAmount, feeTokens)
		ps.feeReserve.Add(ps.feeReserve, feeTokens)
		if amountOut.Sign() > 0 {
			if err := v.bank.Transfer(collateralAsset, receiver, amountOut); err != nil {
				return nil, nil, nil, err
			}
			ps.tokenBalance.Sub(ps.tokenBalance, amountOut)
		}
	} else if feeUsd.Sign() > 0 {
		// Fee was funded entirely from collateral that stays in the pool.
		feeTokens, err := v.usdToTokenFee(collateralAsset, feeUsd)
		if err != nil {
			return nil, nil, nil, err
		}
		ps.poolAmount.Sub(ps.poolAmount, feeTokens)
		ps.feeReserve.Add(ps.feeReserve, feeTokens)
	}

	if err := v.checkPoolInvariants(ps); err != nil {
		return nil, nil, nil, err
	}
	return amountOut, price, feeUsd, nil
}

// reduceCollateral realizes the proportional share of the position's PnL and
// assembles the USD amount leaving the position. Profit adds to the payout;
// loss is taken from collateral and stays in the pool.
func (v *Vault) reduceCollateral(ps *poolState, pos *Position, collateralAsset, indexAsset string, collateralDelta, sizeDelta *big.Int, isLong bool) (usdOut, usdOutAfterFee, feeUsd, realised *big.Int, err error) {
	feeUsd = v.fundingFee(ps, pos.Size, pos.EntryFundingRate)
	feeUsd.Add(feeUsd, v.positionFee(sizeDelta))

	hasProfit, delta, err := v.delta(indexAsset, pos.Size, pos.AveragePrice, isLong)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	adjustedDelta := mulDiv(delta, sizeDelta, pos.Size)

	usdOut = big.NewInt(0)
	realised = big.NewInt(0)
	if adjustedDelta.Sign() > 0 {
		if hasProfit {
			usdOut.Add(usdOut, adjustedDelta)
			pos.RealisedPnl.Add(pos.RealisedPnl, adjustedDelta)
			realised = new(big.Int).Set(adjustedDelta)
		} else {
			if pos.Collateral.Cmp(adjustedDelta) < 0 {
				return nil, nil, nil, nil, ErrLossesExceedCollateral
			}
			pos.Collateral.Sub(pos.Collateral, adjustedDelta)
			pos.RealisedPnl.Sub(pos.RealisedPnl, adjustedDelta)
			realised = new(big.Int).Neg(adjustedDelta)
		}
	}

	if collateralDelta.Sign() > 0 {
		if pos.Collateral.Cmp(collateralDelta) < 0 {
			return nil, nil, nil, nil, ErrCollateralExceeded
		}
		usdOut.Add(usdOut, collateralDelta)
		pos.Collateral.Sub(pos.Collateral, collateralDelta)
	}

	if pos.Size.Cmp(sizeDelta) == 0 {
		usdOut.Add(usdOut, pos.Collateral)
		pos.Collateral = big.NewInt(0)
	}

	usdOutAfterFee = new(big.Int).Set(usdOut)
	if usdOut.Cmp(feeUsd) > 0 {
		usdOutAfterFee.Sub(usdOutAfterFee, feeUsd)
	} else if feeUsd.Sign() > 0 {
		if pos.Collateral.Cmp(feeUsd) < 0 {
			return nil, nil, nil, nil, ErrFeesExceedCollateral
		}
		pos.Collateral.Sub(pos.Collateral, feeUsd)
	}
	return usdOut, usdOutAfterFee, feeUsd, realised, nil
}
