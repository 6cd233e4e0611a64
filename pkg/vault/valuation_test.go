package vault

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolValue(t *testing.T) {
	env := newTestEnv(t)
	env.oracle.setPrice("BTC", 40_000, 41_000)
	env.oracle.setPrice("USDC", 1, 1)
	val := NewValuator(env.vault)

	t.Run("empty vault is worthless", func(t *testing.T) {
		v, err := val.PoolValue(false)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(0), v)
	})

	t.Run("stable pool at face value", func(t *testing.T) {
		env.seedPool(t, "USDC", 1_000_000_000) // 1000 USDC
		v, err := val.PoolValue(false)
		require.NoError(t, err)
		assert.Equal(t, usd(1000), v)
	})

	t.Run("volatile pool priced per side", func(t *testing.T) {
		env.seedPool(t, "BTC", 100_000_000) // 1 BTC
		floor, ceil, err := val.PoolValueRange()
		require.NoError(t, err)
		assert.Equal(t, usd(41_000), floor)
		assert.Equal(t, usd(42_000), ceil)
	})

	t.Run("oracle failure propagates", func(t *testing.T) {
		require.NoError(t, env.vault.RegisterAsset(AssetConfig{Symbol: "ETH", Decimals: 18, IsShortable: true}))
		_, err := val.PoolValue(false)
		assert.ErrorIs(t, err, ErrPriceUnavailable)
	})
}

func TestPoolValueWithLongPosition(t *testing.T) {
	env := newTestEnv(t)
	env.oracle.setPrice("BTC", 40_000, 40_000)
	env.oracle.setPrice("USDC", 1, 1)
	val := NewValuator(env.vault)
	env.seedPool(t, "BTC", 100_000_000)

	before, err := val.PoolValue(false)
	require.NoError(t, err)

	// $20 collateral, $100 long.
	env.deposit(t, "BTC", 50_000)
	require.NoError(t, env.vault.IncreasePosition("alice", "alice", "BTC", "BTC", usd(100), true))

	after, err := val.PoolValue(false)
	require.NoError(t, err)

	// free = pool - reserved at 40000, plus guaranteedUsd.
	free := new(big.Int).Sub(env.vault.PoolAmount("BTC"), env.vault.ReservedAmount("BTC"))
	expected := mulDiv(free, usd(40_000), big.NewInt(100_000_000))
	expected.Add(expected, env.vault.GuaranteedUsd("BTC"))
	assert.Equal(t, expected, after)

	// Opening at the mark price leaves pool value unchanged: the swept
	// collateral exactly offsets the reserved slice net of guaranteedUsd,
	// and the fee sits in the fee reserve, outside pool value.
	assert.Equal(t, before, after)
}

func TestPoolValueDeductsShortProfits(t *testing.T) {
	env := newTestEnv(t)
	env.oracle.setPrice("BTC", 40_000, 40_000)
	env.oracle.setPrice("USDC", 1, 1)
	val := NewValuator(env.vault)

	env.seedPool(t, "USDC", 1_000_000_000)
	env.deposit(t, "USDC", 50_000_000)
	require.NoError(t, env.vault.IncreasePosition("carol", "carol", "USDC", "BTC", usd(90), false))

	base, err := val.PoolValue(false)
	require.NoError(t, err)

	t.Run("short loss adds to pool value", func(t *testing.T) {
		env.oracle.setPrice("BTC", 44_000, 44_000)
		defer env.oracle.setPrice("BTC", 40_000, 40_000)
		v, err := val.PoolValue(false)
		require.NoError(t, err)
		// Shorts are down 90 * 4000/40000 = $9; a pool asset.
		assert.Equal(t, new(big.Int).Add(base, usd(9)), v)
	})

	t.Run("short profit is a pool liability", func(t *testing.T) {
		env.oracle.setPrice("BTC", 36_000, 36_000)
		defer env.oracle.setPrice("BTC", 40_000, 40_000)
		v, err := val.PoolValue(false)
		require.NoError(t, err)
		assert.Equal(t, new(big.Int).Sub(base, usd(9)), v)
	})

	t.Run("short profit floors at zero", func(t *testing.T) {
		// An absurd aggregate profit larger than the pool cannot drive the
		// value negative.
		require.NoError(t, env.vault.Shorts().applyIncrease("BTC", usd(1_000_000), usd(400_000)))
		env.oracle.setPrice("BTC", 1, 1)
		defer env.oracle.setPrice("BTC", 40_000, 40_000)
		v, err := val.PoolValue(false)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(0), v)
	})
}
