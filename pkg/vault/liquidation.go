package vault

import (
	"math/big"
)

// ValidateLiquidation classifies a position without mutating any state:
// LiquidationNone for a healthy position, LiquidationInsolvent when the
// remaining collateral after losses no longer covers fees plus the fixed
// liquidation fee floor, LiquidationMaxLeverage when the position is solvent
// but above the leverage ceiling. The margin fee that a liquidation would
// charge is returned alongside.
func (v *Vault) ValidateLiquidation(account, collateralAsset, indexAsset string, isLong bool, raise bool) (LiquidationState, *big.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.validateAssets(collateralAsset, indexAsset, isLong); err != nil {
		return LiquidationNone, nil, err
	}
	ps := v.pools[collateralAsset]
	pos, ok := v.positions[v.positionKey(account, collateralAsset, indexAsset, isLong)]
	if !ok || pos.IsEmpty() {
		return LiquidationNone, big.NewInt(0), nil
	}
	return v.validateLiquidation(ps, pos, indexAsset, isLong, raise)
}

func (v *Vault) validateLiquidation(ps *poolState, pos *Position, indexAsset string, isLong bool, raise bool) (LiquidationState, *big.Int, error) {
	hasProfit, delta, err := v.delta(indexAsset, pos.Size, pos.AveragePrice, isLong)
	if err != nil {
		return LiquidationNone, nil, err
	}
	marginFees := v.fundingFee(ps, pos.Size, pos.EntryFundingRate)
	marginFees.Add(marginFees, v.positionFee(pos.Size))

	if !hasProfit && pos.Collateral.Cmp(delta) < 0 {
		if raise {
			return LiquidationNone, nil, ErrLossesExceedCollateral
		}
		return LiquidationInsolvent, marginFees, nil
	}

	remaining := new(big.Int).Set(pos.Collateral)
	if !hasProfit {
		remaining.Sub(remaining, delta)
	}

	if remaining.Cmp(marginFees) < 0 {
		if raise {
			return LiquidationNone, nil, ErrFeesExceedCollateral
		}
		// Whatever is left is all the fee that can be collected.
		return LiquidationInsolvent, remaining, nil
	}

	withLiqFee := new(big.Int).Add(marginFees, v.cfg.LiquidationFeeUSD)
	if remaining.Cmp(withLiqFee) < 0 {
		if raise {
			return LiquidationNone, nil, ErrLiquidationFeeExceedsCollateral
		}
		return LiquidationInsolvent, marginFees, nil
	}

	maxLeverage := new(big.Int).SetUint64(v.cfg.MaxLeverage)
	lhs := new(big.Int).Mul(remaining, maxLeverage)
	rhs := new(big.Int).Mul(pos.Size, big.NewInt(BasisPointsDivisor))
	if lhs.Cmp(rhs) < 0 {
		if raise {
			return LiquidationNone, nil, ErrMaxLeverageExceeded
		}
		return LiquidationMaxLeverage, marginFees, nil
	}

	return LiquidationNone, marginFees, nil
}

// LiquidatePosition forcibly closes a position. The caller must pass the
// gate's liquidator check. A position above the leverage ceiling but still
// solvent (soft liquidation) is closed through the ordinary decrease path
// with no punitive fee; an insolvent position is fully closed with losses
// capped at collateral, the fixed liquidation fee transferred to the fee
// receiver and any leftover collateral returned to the account.
func (v *Vault) LiquidatePosition(caller, account, collateralAsset, indexAsset string, isLong bool, feeReceiver string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.gate == nil || !v.gate.IsLiquidator(caller) {
		return ErrInvalidLiquidator
	}
	if err := v.validateAssets(collateralAsset, indexAsset, isLong); err != nil {
		return err
	}
	if feeReceiver == "" {
		return ErrInvalidReceiver
	}

	key := v.positionKey(account, collateralAsset, indexAsset, isLong)
	pos, ok := v.positions[key]
	if !ok || pos.IsEmpty() {
		return ErrEmptyPosition
	}

	cp := v.takeCheckpoint(collateralAsset, key, indexAsset)
	kind, price, err := v.liquidatePosition(key, account, collateralAsset, indexAsset, isLong, feeReceiver)
	if err != nil {
		v.restore(cp)
		return err
	}

	v.logger.Info("position liquidated", "account", account,
		"collateral", collateralAsset, "index", indexAsset, "long", isLong,
		"kind", kind, "price", price.String())
	v.emit(Event{
		Type:            EventLiquidatePosition,
		Account:         account,
		CollateralAsset: collateralAsset,
		IndexAsset:      indexAsset,
		IsLong:          isLong,
		Price:           price.String(),
		Liquidation:     kind,
		Timestamp:       v.nowFn(),
	})
	return nil
}

func (v *Vault) liquidatePosition(key, account, collateralAsset, indexAsset string, isLong bool, feeReceiver string) (string, *big.Int, error) {
	ps := v.pools[collateralAsset]
	pos := v.positions[key]

	v.updateCumulativeFundingRate(collateralAsset, ps)

	state, marginFee, err := v.validateLiquidation(ps, pos, indexAsset, isLong, false)
	if err != nil {
		return "", nil, err
	}
	if state == LiquidationNone {
		return "", nil, ErrPositionCannotBeLiquidated
	}

	var price *big.Int
	if isLong {
		price, err = v.oracle.MinPrice(indexAsset)
	} else {
		price, err = v.oracle.MaxPrice(indexAsset)
	}
	if err != nil {
		return "", nil, err
	}

	if state == LiquidationMaxLeverage {
		// Solvent but above the leverage ceiling: a forced full close at the
		// mark price through the ordinary path, standard close fee only.
		sizeDelta := new(big.Int).Set(pos.Size)
		if _, _, _, err := v.decreasePosition(key, collateralAsset, indexAsset, big.NewInt(0), sizeDelta, isLong, account); err != nil {
			return "", nil, err
		}
		return "soft", price, nil
	}

	hasProfit, delta, err := v.delta(indexAsset, pos.Size, pos.AveragePrice, isLong)
	if err != nil {
		return "", nil, err
	}

	size := new(big.Int).Set(pos.Size)
	collateral := new(big.Int).Set(pos.Collateral)

	// Realized loss is capped at the available collateral; any shortfall
	// beyond it is absorbed by the pool.
	remaining := new(big.Int).Set(collateral)
	realised := big.NewInt(0)
	if hasProfit {
		realised = new(big.Int).Set(delta)
	} else {
		loss := bigMin(delta, collateral)
		remaining.Sub(remaining, loss)
		realised = new(big.Int).Neg(loss)
	}

	feeUsd := bigMin(marginFee, remaining)
	remaining = new(big.Int).Sub(remaining, feeUsd)

	liqFeeUsd := bigMin(v.cfg.LiquidationFeeUSD, remaining)
	remaining = new(big.Int).Sub(remaining, liqFeeUsd)

	ps.reservedAmount.Sub(ps.reservedAmount, pos.ReserveAmount)
	if isLong {
		ps.guaranteedUsd.Sub(ps.guaranteedUsd, new(big.Int).Sub(size, collateral))
	} else {
		if err := v.shorts.applyDecrease(indexAsset, size, price, realised); err != nil {
			return "", nil, err
		}
	}

	// Margin fee accrues to the fee reserve; the fixed liquidation fee is
	// paid out to the fee receiver; leftover collateral returns to the
	// account. Collateral consumed by losses stays in the pool.
	if feeUsd.Sign() > 0 {
		feeTokens, err := v.usdToTokenFee(collateralAsset, feeUsd)
		if err != nil {
			return "", nil, err
		}
		ps.poolAmount.Sub(ps.poolAmount, feeTokens)
		ps.feeReserve.Add(ps.feeReserve, feeTokens)
	}
	if liqFeeUsd.Sign() > 0 {
		liqFeeTokens, err := v.usdToTokenMin(collateralAsset, liqFeeUsd)
		if err != nil {
			return "", nil, err
		}
		if liqFeeTokens.Sign() > 0 {
			if err := v.bank.Transfer(collateralAsset, feeReceiver, liqFeeTokens); err != nil {
				return "", nil, err
			}
			ps.poolAmount.Sub(ps.poolAmount, liqFeeTokens)
			ps.tokenBalance.Sub(ps.tokenBalance, liqFeeTokens)
		}
	}
	if remaining.Sign() > 0 {
		leftoverTokens, err := v.usdToTokenMin(collateralAsset, remaining)
		if err != nil {
			return "", nil, err
		}
		if leftoverTokens.Sign() > 0 {
			if err := v.bank.Transfer(collateralAsset, account, leftoverTokens); err != nil {
				return "", nil, err
			}
			ps.poolAmount.Sub(ps.poolAmount, leftoverTokens)
			ps.tokenBalance.Sub(ps.tokenBalance, leftoverTokens)
		}
	}

	pos.reset()

	if err := v.checkPoolInvariants(ps); err != nil {
		return "", nil, err
	}
	return "hard", price, nil
}
