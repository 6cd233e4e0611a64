package vault

import (
	"fmt"
	"math/big"
	"time"
)

// USD amounts are big.Int values scaled by PricePrecision (1e30). Token
// amounts use each asset's native decimals. Funding rates are scaled by
// FundingRatePrecision, fee and leverage parameters by BasisPointsDivisor.
const (
	BasisPointsDivisor   = 10_000
	FundingRatePrecision = 1_000_000
)

// PricePrecision is the fixed-point scale for USD amounts and prices.
var PricePrecision = new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)

// Position is a single account's leveraged position, keyed by
// (account, collateralAsset, indexAsset, isLong). A fully closed position is
// zeroed in place rather than deleted, so re-opening reuses the same slot.
type Position struct {
	Size              *big.Int // USD
	Collateral        *big.Int // USD
	AveragePrice      *big.Int // USD per index unit
	EntryFundingRate  *big.Int // cumulative funding snapshot at last touch
	ReserveAmount     *big.Int // collateral-asset native units reserved from pool
	RealisedPnl       *big.Int // USD, signed
	LastIncreasedTime time.Time
}

// NewPosition returns an empty position.
func NewPosition() *Position {
	return &Position{
		Size:             big.NewInt(0),
		Collateral:       big.NewInt(0),
		AveragePrice:     big.NewInt(0),
		EntryFundingRate: big.NewInt(0),
		ReserveAmount:    big.NewInt(0),
		RealisedPnl:      big.NewInt(0),
	}
}

// IsEmpty reports whether the position is closed.
func (p *Position) IsEmpty() bool {
	return p.Size.Sign() == 0
}

func (p *Position) reset() {
	p.Size = big.NewInt(0)
	p.Collateral = big.NewInt(0)
	p.AveragePrice = big.NewInt(0)
	p.EntryFundingRate = big.NewInt(0)
	p.ReserveAmount = big.NewInt(0)
	p.RealisedPnl = big.NewInt(0)
	p.LastIncreasedTime = time.Time{}
}

func (p *Position) clone() *Position {
	return &Position{
		Size:              new(big.Int).Set(p.Size),
		Collateral:        new(big.Int).Set(p.Collateral),
		AveragePrice:      new(big.Int).Set(p.AveragePrice),
		EntryFundingRate:  new(big.Int).Set(p.EntryFundingRate),
		ReserveAmount:     new(big.Int).Set(p.ReserveAmount),
		RealisedPnl:       new(big.Int).Set(p.RealisedPnl),
		LastIncreasedTime: p.LastIncreasedTime,
	}
}

// PositionKey identifies a position slot.
type PositionKey struct {
	Account         string
	CollateralAsset string
	IndexAsset      string
	IsLong          bool
}

func (k PositionKey) String() string {
	side := "short"
	if k.IsLong {
		side = "long"
	}
	return fmt.Sprintf("%s:%s:%s:%s", k.Account, k.CollateralAsset, k.IndexAsset, side)
}

// AssetConfig describes a tradable asset known to the vault.
type AssetConfig struct {
	Symbol      string
	Decimals    uint8
	IsStable    bool // stable assets collateralize shorts
	IsShortable bool // index assets that can be shorted
}

func (a *AssetConfig) unit() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(a.Decimals)), nil)
}

// LiquidationState classifies the outcome of ValidateLiquidation.
type LiquidationState int

const (
	// LiquidationNone means the position is healthy.
	LiquidationNone LiquidationState = 0
	// LiquidationInsolvent means remaining collateral no longer covers fees
	// and losses; the position is force-closed with the fixed liquidation fee.
	LiquidationInsolvent LiquidationState = 1
	// LiquidationMaxLeverage means the position is solvent but above the
	// leverage ceiling; it is force-closed through the ordinary close path.
	LiquidationMaxLeverage LiquidationState = 2
)

// Config holds the risk parameters the ledger reads. Their change-control
// workflow is governed outside the ledger.
type Config struct {
	MaxLeverage          uint64   // in basis points, e.g. 50x = 500_000
	MarginFeeBasisPoints uint64   // e.g. 10 = 0.1%
	LiquidationFeeUSD    *big.Int // USD, PricePrecision scale
	FundingInterval      time.Duration
	FundingRateFactor    uint64 // per interval, FundingRatePrecision scale
}

// DefaultConfig returns the standard risk parameters.
func DefaultConfig() Config {
	return Config{
		MaxLeverage:          50 * BasisPointsDivisor,
		MarginFeeBasisPoints: 10,
		LiquidationFeeUSD:    new(big.Int).Mul(big.NewInt(5), PricePrecision),
		FundingInterval:      time.Hour,
		FundingRateFactor:    600,
	}
}

// PriceOracle supplies a minimum and maximum price per asset at
// PricePrecision scale. The ledger always picks the conservative side for
// each direction of a calculation. A failed read blocks the whole operation.
type PriceOracle interface {
	MinPrice(asset string) (*big.Int, error)
	MaxPrice(asset string) (*big.Int, error)
}

// AccessGate authorizes callers before an operation reaches the ledger.
type AccessGate interface {
	IsLiquidator(addr string) bool
	IsOrderKeeper(addr string) bool
	IsPartner(addr string) bool
}

// TokenBank abstracts token custody. Deposits follow a deposit-then-call
// pattern: tokens are transferred to the vault's bank account first, then the
// ledger call sweeps the unaccounted balance.
type TokenBank interface {
	BalanceOf(asset string) *big.Int
	Transfer(asset, receiver string, amount *big.Int) error
}

// EventSink receives ledger events. Publish must not call back into the vault.
type EventSink interface {
	Publish(event Event)
}

// Event is a ledger state change notification.
type Event struct {
	Type            string    `json:"type"`
	Account         string    `json:"account,omitempty"`
	CollateralAsset string    `json:"collateralAsset,omitempty"`
	IndexAsset      string    `json:"indexAsset,omitempty"`
	IsLong          bool      `json:"isLong,omitempty"`
	SizeDelta       string    `json:"sizeDelta,omitempty"`
	CollateralDelta string    `json:"collateralDelta,omitempty"`
	Price           string    `json:"price,omitempty"`
	Fee             string    `json:"fee,omitempty"`
	Liquidation     string    `json:"liquidation,omitempty"`
	FundingRate     string    `json:"fundingRate,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Event types published to the sink.
const (
	EventIncreasePosition  = "increase_position"
	EventDecreasePosition  = "decrease_position"
	EventLiquidatePosition = "liquidate_position"
	EventUpdateFunding     = "update_funding"
	EventCollectFees       = "collect_fees"
)
