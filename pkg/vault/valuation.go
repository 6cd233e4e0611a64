package vault

import (
	"math/big"

	"github.com/luxfi/log"
)

// Valuator computes total pool value from the vault's read accessors and the
// global short aggregate. It only reads, never mutates.
type Valuator struct {
	vault  *Vault
	logger log.Logger
}

// NewValuator creates a valuation reader over a vault.
func NewValuator(v *Vault) *Valuator {
	return &Valuator{
		vault:  v,
		logger: log.Root().New("module", "valuator"),
	}
}

// PoolValue returns the total USD value of pooled assets net of outstanding
// unrealized trader PnL, at the aggressive (maximise) or conservative price
// side. Stable pools are taken at face value; for other assets the reserved
// portion is replaced by guaranteedUsd, the pool's worst-case long payout
// obligation. Pending short profit is a pool liability and is deducted.
func (r *Valuator) PoolValue(maximise bool) (*big.Int, error) {
	v := r.vault
	aum := big.NewInt(0)
	shortProfits := big.NewInt(0)

	for _, asset := range v.Assets() {
		cfg, _ := v.AssetConfig(asset)

		var price *big.Int
		var err error
		if maximise {
			price, err = v.oracle.MaxPrice(asset)
		} else {
			price, err = v.oracle.MinPrice(asset)
		}
		if err != nil {
			return nil, err
		}
		unit := cfg.unit()
		pool := v.PoolAmount(asset)

		if cfg.IsStable {
			aum.Add(aum, mulDiv(pool, price, unit))
		} else {
			free := new(big.Int).Sub(pool, v.ReservedAmount(asset))
			aum.Add(aum, mulDiv(free, price, unit))
			aum.Add(aum, v.GuaranteedUsd(asset))
		}

		if cfg.IsShortable {
			hasProfit, delta := v.shorts.GetGlobalShortDelta(asset, price)
			if hasProfit {
				shortProfits.Add(shortProfits, delta)
			} else {
				aum.Add(aum, delta)
			}
		}
	}

	if shortProfits.Cmp(aum) > 0 {
		return big.NewInt(0), nil
	}
	return aum.Sub(aum, shortProfits), nil
}

// PoolValueRange returns the conservative and aggressive pool values.
func (r *Valuator) PoolValueRange() (floor, ceil *big.Int, err error) {
	floor, err = r.PoolValue(false)
	if err != nil {
		return nil, nil, err
	}
	ceil, err = r.PoolValue(true)
	if err != nil {
		return nil, nil, err
	}
	return floor, ceil, nil
}
