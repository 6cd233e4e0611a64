package vault

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubOracle struct {
	min map[string]*big.Int
	max map[string]*big.Int
}

func newStubOracle() *stubOracle {
	return &stubOracle{
		min: make(map[string]*big.Int),
		max: make(map[string]*big.Int),
	}
}

func (o *stubOracle) setPrice(asset string, minUSD, maxUSD int64) {
	o.min[asset] = new(big.Int).Mul(big.NewInt(minUSD), PricePrecision)
	o.max[asset] = new(big.Int).Mul(big.NewInt(maxUSD), PricePrecision)
}

func (o *stubOracle) MinPrice(asset string) (*big.Int, error) {
	if p, ok := o.min[asset]; ok {
		return new(big.Int).Set(p), nil
	}
	return nil, ErrPriceUnavailable
}

func (o *stubOracle) MaxPrice(asset string) (*big.Int, error) {
	if p, ok := o.max[asset]; ok {
		return new(big.Int).Set(p), nil
	}
	return nil, ErrPriceUnavailable
}

type stubGate struct {
	liquidators  map[string]bool
	orderKeepers map[string]bool
	partners     map[string]bool
}

func newStubGate() *stubGate {
	return &stubGate{
		liquidators:  make(map[string]bool),
		orderKeepers: make(map[string]bool),
		partners:     make(map[string]bool),
	}
}

func (g *stubGate) IsLiquidator(addr string) bool  { return g.liquidators[addr] }
func (g *stubGate) IsOrderKeeper(addr string) bool { return g.orderKeepers[addr] }
func (g *stubGate) IsPartner(addr string) bool     { return g.partners[addr] }

func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), PricePrecision)
}

type testEnv struct {
	vault  *Vault
	oracle *stubOracle
	gate   *stubGate
	bank   *MemoryBank
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	o := newStubOracle()
	g := newStubGate()
	b := NewMemoryBank("vault")
	v := New(DefaultConfig(), o, g, b, nil)

	require.NoError(t, v.RegisterAsset(AssetConfig{Symbol: "BTC", Decimals: 8, IsShortable: true}))
	require.NoError(t, v.RegisterAsset(AssetConfig{Symbol: "USDC", Decimals: 6, IsStable: true}))
	v.Shorts().SetDataReady(true)

	env := &testEnv{vault: v, oracle: o, gate: g, bank: b,
		now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	v.nowFn = func() time.Time { return env.now }
	return env
}

// seedPool funds the vault's bank account and sweeps the amount in as
// unreserved pool liquidity.
func (e *testEnv) seedPool(t *testing.T, asset string, amount int64) {
	t.Helper()
	e.bank.Mint("vault", asset, big.NewInt(amount))
	_, err := e.vault.DirectPoolDeposit(asset)
	require.NoError(t, err)
}

// deposit pre-funds collateral in the vault's bank account for the next
// position call to sweep.
func (e *testEnv) deposit(t *testing.T, asset string, amount int64) {
	t.Helper()
	e.bank.Mint("vault", asset, big.NewInt(amount))
}

func (e *testEnv) assertPoolInvariant(t *testing.T, asset string) {
	t.Helper()
	v := e.vault
	sum := new(big.Int).Add(v.PoolAmount(asset), v.FeeReserve(asset))
	assert.Zero(t, sum.Cmp(v.TokenBalance(asset)),
		"pool %s + fees %s != balance %s",
		v.PoolAmount(asset), v.FeeReserve(asset), v.TokenBalance(asset))
	assert.True(t, v.ReservedAmount(asset).Cmp(v.PoolAmount(asset)) <= 0,
		"reserved exceeds pool")
}

func TestRegisterAsset(t *testing.T) {
	env := newTestEnv(t)

	t.Run("duplicate registration fails", func(t *testing.T) {
		err := env.vault.RegisterAsset(AssetConfig{Symbol: "BTC", Decimals: 8})
		assert.ErrorIs(t, err, ErrAlreadyInitialized)
	})

	t.Run("assets listed in registration order", func(t *testing.T) {
		assert.Equal(t, []string{"BTC", "USDC"}, env.vault.Assets())
	})
}

func TestDirectPoolDeposit(t *testing.T) {
	env := newTestEnv(t)

	t.Run("sweeps unaccounted balance into pool", func(t *testing.T) {
		env.bank.Mint("vault", "BTC", big.NewInt(100_000_000))
		amount, err := env.vault.DirectPoolDeposit("BTC")
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(100_000_000), amount)
		assert.Equal(t, big.NewInt(100_000_000), env.vault.PoolAmount("BTC"))
		env.assertPoolInvariant(t, "BTC")
	})

	t.Run("nothing to sweep fails", func(t *testing.T) {
		_, err := env.vault.DirectPoolDeposit("BTC")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("unknown asset fails", func(t *testing.T) {
		_, err := env.vault.DirectPoolDeposit("DOGE")
		assert.ErrorIs(t, err, ErrUnknownAsset)
	})
}

func TestIncreasePositionLong(t *testing.T) {
	env := newTestEnv(t)
	env.oracle.setPrice("BTC", 40_000, 41_000)
	env.seedPool(t, "BTC", 100_000_000) // 1 BTC of pool liquidity

	// 0.00025 BTC of collateral, worth $10 at the min price.
	env.deposit(t, "BTC", 25_000)
	require.NoError(t, env.vault.IncreasePosition("alice", "alice", "BTC", "BTC", usd(90), true))

	pos := env.vault.Position(PositionKey{Account: "alice", CollateralAsset: "BTC", IndexAsset: "BTC", IsLong: true})
	feeUsd := new(big.Int).Div(new(big.Int).Mul(usd(90), big.NewInt(10)), big.NewInt(BasisPointsDivisor))

	t.Run("position fields", func(t *testing.T) {
		assert.Equal(t, usd(90), pos.Size)
		assert.Equal(t, new(big.Int).Sub(usd(10), feeUsd), pos.Collateral)
		assert.Equal(t, usd(41_000), pos.AveragePrice)
		assert.Equal(t, big.NewInt(0), pos.EntryFundingRate)
		// 90 / 40000 BTC reserved against the size.
		assert.Equal(t, big.NewInt(225_000), pos.ReserveAmount)
	})

	t.Run("pool accounting", func(t *testing.T) {
		assert.Equal(t, big.NewInt(225_000), env.vault.ReservedAmount("BTC"))
		// Fee converted at the max price, rounded up: 0.09/41000 BTC.
		assert.Equal(t, big.NewInt(220), env.vault.FeeReserve("BTC"))
		expectedGuaranteed := new(big.Int).Add(usd(90), feeUsd)
		expectedGuaranteed.Sub(expectedGuaranteed, usd(10))
		assert.Equal(t, expectedGuaranteed, env.vault.GuaranteedUsd("BTC"))
		env.assertPoolInvariant(t, "BTC")
	})

	t.Run("add to existing position folds average price", func(t *testing.T) {
		env.oracle.setPrice("BTC", 41_000, 41_000)
		env.deposit(t, "BTC", 25_000)
		require.NoError(t, env.vault.IncreasePosition("alice", "alice", "BTC", "BTC", usd(10), true))
		grown := env.vault.Position(PositionKey{Account: "alice", CollateralAsset: "BTC", IndexAsset: "BTC", IsLong: true})
		assert.Equal(t, usd(100), grown.Size)
		// Same mark price, so the average is unchanged.
		assert.Equal(t, usd(41_000), grown.AveragePrice)
		env.assertPoolInvariant(t, "BTC")
	})
}

func TestIncreasePositionValidation(t *testing.T) {
	env := newTestEnv(t)
	env.oracle.setPrice("BTC", 40_000, 41_000)
	env.oracle.setPrice("USDC", 1, 1)
	env.seedPool(t, "BTC", 100_000_000)

	t.Run("negative size", func(t *testing.T) {
		err := env.vault.IncreasePosition("alice", "alice", "BTC", "BTC", big.NewInt(-1), true)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("unauthorized caller", func(t *testing.T) {
		err := env.vault.IncreasePosition("mallory", "alice", "BTC", "BTC", usd(90), true)
		assert.ErrorIs(t, err, ErrUnauthorizedCaller)
	})

	t.Run("order keeper may act for the account", func(t *testing.T) {
		env.gate.orderKeepers["keeper"] = true
		env.deposit(t, "BTC", 25_000)
		err := env.vault.IncreasePosition("keeper", "alice", "BTC", "BTC", usd(90), true)
		assert.NoError(t, err)
	})

	t.Run("long collateral must be the index", func(t *testing.T) {
		err := env.vault.IncreasePosition("alice", "alice", "USDC", "BTC", usd(90), true)
		assert.ErrorIs(t, err, ErrCollateralNotIndex)
	})

	t.Run("short collateral must be stable", func(t *testing.T) {
		err := env.vault.IncreasePosition("alice", "alice", "BTC", "BTC", usd(90), false)
		assert.ErrorIs(t, err, ErrCollateralNotStable)
	})

	t.Run("short index must be shortable", func(t *testing.T) {
		err := env.vault.IncreasePosition("alice", "alice", "USDC", "USDC", usd(90), false)
		assert.ErrorIs(t, err, ErrAssetNotShortable)
	})

	t.Run("leverage disabled blocks size increase", func(t *testing.T) {
		env.vault.SetLeverageEnabled(false)
		defer env.vault.SetLeverageEnabled(true)
		err := env.vault.IncreasePosition("alice", "alice", "BTC", "BTC", usd(10), true)
		assert.ErrorIs(t, err, ErrLeverageDisabled)
	})

	t.Run("pure deposit allowed while leverage disabled", func(t *testing.T) {
		env.vault.SetLeverageEnabled(false)
		defer env.vault.SetLeverageEnabled(true)
		env.deposit(t, "BTC", 25_000)
		err := env.vault.IncreasePosition("alice", "alice", "BTC", "BTC", big.NewInt(0), true)
		assert.NoError(t, err)
		env.assertPoolInvariant(t, "BTC")
	})

	t.Run("size below collateral", func(t *testing.T) {
		env.deposit(t, "BTC", 25_000) // $10 of collateral
		err := env.vault.IncreasePosition("bob", "bob", "BTC", "BTC", usd(5), true)
		assert.ErrorIs(t, err, ErrSizeBelowCollateral)
	})

	t.Run("short size below collateral", func(t *testing.T) {
		env.deposit(t, "USDC", 100_000_000) // $100 of collateral
		err := env.vault.IncreasePosition("carol", "carol", "USDC", "BTC", usd(90), false)
		assert.ErrorIs(t, err, ErrSizeBelowCollateral)
	})

	t.Run("failed call leaves no partial state", func(t *testing.T) {
		// The $10 collateral from the failed call above must not have leaked
		// into bob's position slot and the pool must still balance.
		pos := env.vault.Position(PositionKey{Account: "bob", CollateralAsset: "BTC", IndexAsset: "BTC", IsLong: true})
		assert.True(t, pos.IsEmpty())
		assert.Equal(t, big.NewInt(0), pos.Collateral)
	})
}

func TestDecreasePositionFullClose(t *testing.T) {
	env := newTestEnv(t)
	env.oracle.setPrice("BTC", 40_000, 41_000)
	env.seedPool(t, "BTC", 100_000_000)

	env.deposit(t, "BTC", 25_000)
	require.NoError(t, env.vault.IncreasePosition("alice", "alice", "BTC", "BTC", usd(90), true))

	// Mark rallies; close the whole position at 45100.
	env.oracle.setPrice("BTC", 45_100, 45_100)
	amountOut, err := env.vault.DecreasePosition("alice", "alice", "BTC", "BTC", big.NewInt(0), usd(90), true, "alice")
	require.NoError(t, err)

	t.Run("payout realizes profit net of close fee", func(t *testing.T) {
		// Profit 90 * 4100/41000 = $9, plus collateral 9.91, minus fee 0.09,
		// at the close price: 18.82/45100 BTC rounded down.
		assert.Equal(t, big.NewInt(41_729), amountOut)
		assert.Equal(t, big.NewInt(41_729), env.bank.AccountBalance("alice", "BTC"))
	})

	t.Run("position is zeroed in place", func(t *testing.T) {
		pos := env.vault.Position(PositionKey{Account: "alice", CollateralAsset: "BTC", IndexAsset: "BTC", IsLong: true})
		assert.True(t, pos.IsEmpty())
		assert.Equal(t, big.NewInt(0), pos.Collateral)
		assert.Equal(t, big.NewInt(0), pos.AveragePrice)
		assert.Equal(t, big.NewInt(0), pos.ReserveAmount)
	})

	t.Run("pool fully releases the position", func(t *testing.T) {
		assert.Equal(t, big.NewInt(0), env.vault.ReservedAmount("BTC"))
		assert.Equal(t, big.NewInt(0), env.vault.GuaranteedUsd("BTC"))
		// Open fee 220 plus close fee ceil(0.09/45100 BTC) = 200.
		assert.Equal(t, big.NewInt(420), env.vault.FeeReserve("BTC"))
		env.assertPoolInvariant(t, "BTC")
	})
}

func TestDecreasePositionGuards(t *testing.T) {
	env := newTestEnv(t)
	env.oracle.setPrice("BTC", 40_000, 40_000)
	env.seedPool(t, "BTC", 100_000_000)

	env.deposit(t, "BTC", 50_000) // $20 of collateral
	require.NoError(t, env.vault.IncreasePosition("alice", "alice", "BTC", "BTC", usd(100), true))

	key := PositionKey{Account: "alice", CollateralAsset: "BTC", IndexAsset: "BTC", IsLong: true}

	t.Run("both deltas zero", func(t *testing.T) {
		_, err := env.vault.DecreasePosition("alice", "alice", "BTC", "BTC", big.NewInt(0), big.NewInt(0), true, "alice")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("empty receiver", func(t *testing.T) {
		_, err := env.vault.DecreasePosition("alice", "alice", "BTC", "BTC", big.NewInt(0), usd(10), true, "")
		assert.ErrorIs(t, err, ErrInvalidReceiver)
	})

	t.Run("size delta exceeds position", func(t *testing.T) {
		_, err := env.vault.DecreasePosition("alice", "alice", "BTC", "BTC", big.NewInt(0), usd(200), true, "alice")
		assert.ErrorIs(t, err, ErrPositionSizeExceeded)
	})

	t.Run("collateral delta exceeds position", func(t *testing.T) {
		_, err := env.vault.DecreasePosition("alice", "alice", "BTC", "BTC", usd(100), usd(10), true, "alice")
		assert.ErrorIs(t, err, ErrCollateralExceeded)
	})

	t.Run("missing position", func(t *testing.T) {
		_, err := env.vault.DecreasePosition("bob", "bob", "BTC", "BTC", big.NewInt(0), usd(10), true, "bob")
		assert.ErrorIs(t, err, ErrEmptyPosition)
	})

	t.Run("withdraw plus decrease must not raise leverage", func(t *testing.T) {
		// Withdrawing most collateral while barely reducing size leaves the
		// remainder at higher leverage than before the call.
		_, err := env.vault.DecreasePosition("alice", "alice", "BTC", "BTC", usd(10), usd(10), true, "alice")
		assert.ErrorIs(t, err, ErrLeverageIncreased)

		pos := env.vault.Position(key)
		assert.Equal(t, usd(100), pos.Size, "failed call must not shrink the position")
		env.assertPoolInvariant(t, "BTC")
	})

	t.Run("partial decrease keeps remainder consistent", func(t *testing.T) {
		amountOut, err := env.vault.DecreasePosition("alice", "alice", "BTC", "BTC", big.NewInt(0), usd(50), true, "alice")
		require.NoError(t, err)
		// No profit at an unchanged mark, nothing to pay out; the close fee
		// comes out of collateral.
		assert.Equal(t, big.NewInt(0), amountOut)
		pos := env.vault.Position(key)
		assert.Equal(t, usd(50), pos.Size)
		env.assertPoolInvariant(t, "BTC")
	})
}

func TestShortPositionRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.oracle.setPrice("BTC", 40_000, 40_000)
	env.oracle.setPrice("USDC", 1, 1)
	env.seedPool(t, "USDC", 1_000_000_000) // 1000 USDC of liquidity

	// 50 USDC of collateral, $90 short on BTC.
	env.deposit(t, "USDC", 50_000_000)
	require.NoError(t, env.vault.IncreasePosition("carol", "carol", "USDC", "BTC", usd(90), false))

	t.Run("aggregate reflects the open short", func(t *testing.T) {
		assert.Equal(t, usd(90), env.vault.GlobalShortSize("BTC"))
		assert.Equal(t, usd(40_000), env.vault.GlobalShortAveragePrice("BTC"))
	})

	t.Run("longs-only aggregate untouched", func(t *testing.T) {
		assert.Equal(t, big.NewInt(0), env.vault.GuaranteedUsd("USDC"))
	})

	// Price drops 10%; close the short entirely.
	env.oracle.setPrice("BTC", 36_000, 36_000)
	amountOut, err := env.vault.DecreasePosition("carol", "carol", "USDC", "BTC", big.NewInt(0), usd(90), false, "carol")
	require.NoError(t, err)

	t.Run("profit paid in stable collateral", func(t *testing.T) {
		// Profit 90 * 4000/40000 = $9, collateral 49.91, fee 0.09:
		// 58.82 USDC out.
		assert.Equal(t, big.NewInt(58_820_000), amountOut)
	})

	t.Run("aggregate zeroed after full close", func(t *testing.T) {
		assert.Equal(t, big.NewInt(0), env.vault.GlobalShortSize("BTC"))
		assert.Equal(t, big.NewInt(0), env.vault.GlobalShortAveragePrice("BTC"))
		env.assertPoolInvariant(t, "USDC")
	})
}

func TestWithdrawFees(t *testing.T) {
	env := newTestEnv(t)
	env.oracle.setPrice("BTC", 40_000, 41_000)
	env.seedPool(t, "BTC", 100_000_000)

	env.deposit(t, "BTC", 25_000)
	require.NoError(t, env.vault.IncreasePosition("alice", "alice", "BTC", "BTC", usd(90), true))
	collected := env.vault.FeeReserve("BTC")
	require.True(t, collected.Sign() > 0)

	amount, err := env.vault.WithdrawFees("BTC", "treasury")
	require.NoError(t, err)
	assert.Equal(t, collected, amount)
	assert.Equal(t, collected, env.bank.AccountBalance("treasury", "BTC"))
	assert.Equal(t, big.NewInt(0), env.vault.FeeReserve("BTC"))
	env.assertPoolInvariant(t, "BTC")

	t.Run("empty reserve is a no-op", func(t *testing.T) {
		amount, err := env.vault.WithdrawFees("BTC", "treasury")
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(0), amount)
	})
}
