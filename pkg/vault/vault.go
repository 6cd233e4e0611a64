// Package vault implements the position ledger for a pooled-liquidity
// perpetual exchange: collateralized long/short positions priced against an
// external oracle, per-asset pool/reserve/fee accounting, funding accrual,
// liquidation, and an O(1) global short aggregate.
package vault

import (
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/log"
)

// poolState is the per-asset pool accounting. The invariant
// tokenBalance == poolAmount + feeReserve holds after every successful call.
type poolState struct {
	poolAmount            *big.Int // native units held for trading
	reservedAmount        *big.Int // subset of poolAmount backing open positions
	feeReserve            *big.Int // native units owed to the protocol
	guaranteedUsd         *big.Int // sum over longs of size - collateral
	cumulativeFundingRate *big.Int // FundingRatePrecision scale
	lastFundingTime       time.Time
	tokenBalance          *big.Int // accounted external balance
}

func newPoolState() *poolState {
	return &poolState{
		poolAmount:            big.NewInt(0),
		reservedAmount:        big.NewInt(0),
		feeReserve:            big.NewInt(0),
		guaranteedUsd:         big.NewInt(0),
		cumulativeFundingRate: big.NewInt(0),
		tokenBalance:          big.NewInt(0),
	}
}

func (ps *poolState) clone() *poolState {
	return &poolState{
		poolAmount:            new(big.Int).Set(ps.poolAmount),
		reservedAmount:        new(big.Int).Set(ps.reservedAmount),
		feeReserve:            new(big.Int).Set(ps.feeReserve),
		guaranteedUsd:         new(big.Int).Set(ps.guaranteedUsd),
		cumulativeFundingRate: new(big.Int).Set(ps.cumulativeFundingRate),
		lastFundingTime:       ps.lastFundingTime,
		tokenBalance:          new(big.Int).Set(ps.tokenBalance),
	}
}

// Vault is the canonical position ledger. All mutation flows through its
// exported operations; a single mutex serializes mutating calls so no two
// interleave and no nested mutation can occur mid-call.
type Vault struct {
	mu sync.RWMutex

	cfg             Config
	leverageEnabled bool

	assets    map[string]*AssetConfig
	assetList []string // registration order, used by valuation and snapshots

	positions map[string]*Position
	pools     map[string]*poolState
	shorts    *ShortsTracker

	oracle PriceOracle
	gate   AccessGate
	bank   TokenBank
	sink   EventSink

	logger log.Logger
	nowFn  func() time.Time
}

// New creates a vault backed by the given collaborators.
func New(cfg Config, oracle PriceOracle, gate AccessGate, bank TokenBank, logger log.Logger) *Vault {
	if logger == nil {
		logger = log.Root().New("module", "vault")
	}
	v := &Vault{
		cfg:             cfg,
		leverageEnabled: true,
		assets:          make(map[string]*AssetConfig),
		positions:       make(map[string]*Position),
		pools:           make(map[string]*poolState),
		oracle:          oracle,
		gate:            gate,
		bank:            bank,
		logger:          logger,
		nowFn:           time.Now,
	}
	v.shorts = NewShortsTracker(v, logger)
	return v
}

// SetEventSink attaches a sink for ledger events. The sink must not call
// back into the vault.
func (v *Vault) SetEventSink(sink EventSink) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sink = sink
}

// Shorts returns the global short aggregate maintainer.
func (v *Vault) Shorts() *ShortsTracker {
	return v.shorts
}

// Oracle returns the price oracle the vault marks against.
func (v *Vault) Oracle() PriceOracle {
	return v.oracle
}

// Config returns the current risk parameters.
func (v *Vault) Config() Config {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg
}

// SetConfig replaces the risk parameters. Change control is governed
// externally; the ledger only reads current values.
func (v *Vault) SetConfig(cfg Config) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cfg = cfg
}

// SetLeverageEnabled toggles size-increasing calls. Pure deposits remain
// permitted while leverage is disabled.
func (v *Vault) SetLeverageEnabled(enabled bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.leverageEnabled = enabled
	v.logger.Info("leverage toggled", "enabled", enabled)
}

// RegisterAsset adds an asset to the vault. Registering twice returns
// ErrAlreadyInitialized.
func (v *Vault) RegisterAsset(cfg AssetConfig) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.assets[cfg.Symbol]; ok {
		return ErrAlreadyInitialized
	}
	c := cfg
	v.assets[cfg.Symbol] = &c
	v.assetList = append(v.assetList, cfg.Symbol)
	v.pools[cfg.Symbol] = newPoolState()
	v.logger.Info("asset registered", "asset", cfg.Symbol, "decimals", cfg.Decimals,
		"stable", cfg.IsStable, "shortable", cfg.IsShortable)
	return nil
}

// Assets returns registered asset symbols in registration order.
func (v *Vault) Assets() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, len(v.assetList))
	copy(out, v.assetList)
	return out
}

// AssetConfig returns the configuration for an asset.
func (v *Vault) AssetConfig(asset string) (AssetConfig, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	a, ok := v.assets[asset]
	if !ok {
		return AssetConfig{}, false
	}
	return *a, true
}

// Read accessors, exposed to valuation and API readers.

// PoolAmount returns the pool amount for an asset in native units.
func (v *Vault) PoolAmount(asset string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if ps, ok := v.pools[asset]; ok {
		return new(big.Int).Set(ps.poolAmount)
	}
	return big.NewInt(0)
}

// ReservedAmount returns the reserved amount for an asset in native units.
func (v *Vault) ReservedAmount(asset string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if ps, ok := v.pools[asset]; ok {
		return new(big.Int).Set(ps.reservedAmount)
	}
	return big.NewInt(0)
}

// FeeReserve returns the accumulated protocol fees for an asset.
func (v *Vault) FeeReserve(asset string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if ps, ok := v.pools[asset]; ok {
		return new(big.Int).Set(ps.feeReserve)
	}
	return big.NewInt(0)
}

// GuaranteedUsd returns the pool's worst-case long payout obligation net of
// trader collateral, in USD.
func (v *Vault) GuaranteedUsd(asset string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if ps, ok := v.pools[asset]; ok {
		return new(big.Int).Set(ps.guaranteedUsd)
	}
	return big.NewInt(0)
}

// CumulativeFundingRate returns the funding accumulator for an asset.
func (v *Vault) CumulativeFundingRate(asset string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if ps, ok := v.pools[asset]; ok {
		return new(big.Int).Set(ps.cumulativeFundingRate)
	}
	return big.NewInt(0)
}

// TokenBalance returns the accounted external balance for an asset.
func (v *Vault) TokenBalance(asset string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if ps, ok := v.pools[asset]; ok {
		return new(big.Int).Set(ps.tokenBalance)
	}
	return big.NewInt(0)
}

// GlobalShortSize returns the aggregate short size for an index asset.
func (v *Vault) GlobalShortSize(asset string) *big.Int {
	return v.shorts.GlobalShortSize(asset)
}

// GlobalShortAveragePrice returns the aggregate short average entry price.
func (v *Vault) GlobalShortAveragePrice(asset string) *big.Int {
	return v.shorts.GlobalShortAveragePrice(asset)
}

// Position returns a copy of the position for the given key, which may be
// empty if it was never opened or has been closed.
func (v *Vault) Position(key PositionKey) *Position {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if p, ok := v.positions[key.String()]; ok {
		return p.clone()
	}
	return NewPosition()
}

// PositionKeys returns the keys of all non-empty positions.
func (v *Vault) PositionKeys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.positions))
	for k, p := range v.positions {
		if !p.IsEmpty() {
			out = append(out, k)
		}
	}
	return out
}

// DirectPoolDeposit sweeps tokens deposited to the bank into the pool as
// unreserved liquidity.
func (v *Vault) DirectPoolDeposit(asset string) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ps, ok := v.pools[asset]
	if !ok {
		return nil, ErrUnknownAsset
	}
	amount := v.transferIn(asset, ps)
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	ps.poolAmount.Add(ps.poolAmount, amount)
	v.logger.Info("direct pool deposit", "asset", asset, "amount", amount.String())
	return amount, nil
}

// WithdrawFees transfers the accumulated fee reserve for an asset to the
// receiver and returns the amount moved.
func (v *Vault) WithdrawFees(asset, receiver string) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ps, ok := v.pools[asset]
	if !ok {
		return nil, ErrUnknownAsset
	}
	if receiver == "" {
		return nil, ErrInvalidReceiver
	}
	amount := new(big.Int).Set(ps.feeReserve)
	if amount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if err := v.bank.Transfer(asset, receiver, amount); err != nil {
		return nil, err
	}
	ps.feeReserve = big.NewInt(0)
	ps.tokenBalance.Sub(ps.tokenBalance, amount)
	v.emit(Event{Type: EventCollectFees, CollateralAsset: asset, Fee: amount.String(), Timestamp: v.nowFn()})
	return amount, nil
}

// transferIn sweeps the unaccounted bank balance into the vault's books.
func (v *Vault) transferIn(asset string, ps *poolState) *big.Int {
	external := v.bank.BalanceOf(asset)
	delta := new(big.Int).Sub(external, ps.tokenBalance)
	if delta.Sign() < 0 {
		delta = big.NewInt(0)
	}
	ps.tokenBalance = new(big.Int).Set(external)
	return delta
}

// Conversion helpers. Value leaving the pool rounds down; fee conversion
// rounds up so accumulated rounding can never under-collateralize the pool.

func (v *Vault) tokenToUSDMin(asset string, amount *big.Int) (*big.Int, error) {
	if amount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	price, err := v.oracle.MinPrice(asset)
	if err != nil {
		return nil, err
	}
	return mulDiv(amount, price, v.assets[asset].unit()), nil
}

// usdToTokenMin converts USD to the fewest tokens, dividing by the max price.
func (v *Vault) usdToTokenMin(asset string, usd *big.Int) (*big.Int, error) {
	if usd.Sign() == 0 {
		return big.NewInt(0), nil
	}
	price, err := v.oracle.MaxPrice(asset)
	if err != nil {
		return nil, err
	}
	return mulDiv(usd, v.assets[asset].unit(), price), nil
}

// usdToTokenMax converts USD to the most tokens, dividing by the min price.
func (v *Vault) usdToTokenMax(asset string, usd *big.Int) (*big.Int, error) {
	if usd.Sign() == 0 {
		return big.NewInt(0), nil
	}
	price, err := v.oracle.MinPrice(asset)
	if err != nil {
		return nil, err
	}
	return mulDiv(usd, v.assets[asset].unit(), price), nil
}

// usdToTokenFee converts a USD fee to tokens, rounding up.
func (v *Vault) usdToTokenFee(asset string, usd *big.Int) (*big.Int, error) {
	if usd.Sign() == 0 {
		return big.NewInt(0), nil
	}
	price, err := v.oracle.MaxPrice(asset)
	if err != nil {
		return nil, err
	}
	return mulDivCeil(usd, v.assets[asset].unit(), price), nil
}

func (v *Vault) emit(event Event) {
	if v.sink != nil {
		v.sink.Publish(event)
	}
}

func (v *Vault) positionKey(account, collateralAsset, indexAsset string, isLong bool) string {
	return PositionKey{Account: account, CollateralAsset: collateralAsset, IndexAsset: indexAsset, IsLong: isLong}.String()
}

// validateAssets checks the collateral/index pairing for a position
// direction: longs are collateralized by the index asset itself, shorts by a
// stable asset against a shortable index.
func (v *Vault) validateAssets(collateralAsset, indexAsset string, isLong bool) error {
	collateral, ok := v.assets[collateralAsset]
	if !ok {
		return ErrUnknownAsset
	}
	index, ok := v.assets[indexAsset]
	if !ok {
		return ErrUnknownAsset
	}
	if isLong {
		if collateralAsset != indexAsset {
			return ErrCollateralNotIndex
		}
		if collateral.IsStable {
			return ErrStableCollateral
		}
		return nil
	}
	if !collateral.IsStable {
		return ErrCollateralNotStable
	}
	if index.IsStable || !index.IsShortable {
		return ErrAssetNotShortable
	}
	return nil
}

// authorizeAccountCall permits the account itself, partners and order
// keepers to move a position.
func (v *Vault) authorizeAccountCall(caller, account string) error {
	if caller == account {
		return nil
	}
	if v.gate != nil && (v.gate.IsPartner(caller) || v.gate.IsOrderKeeper(caller)) {
		return nil
	}
	return ErrUnauthorizedCaller
}
