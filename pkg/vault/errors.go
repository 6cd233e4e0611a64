package vault

import "errors"

// Ledger failure sentinels. Every failure aborts the whole call with no
// partial effect; callers decide whether to resubmit.
var (
	// Input validation
	ErrUnknownAsset        = errors.New("vault: unknown asset")
	ErrInvalidAmount       = errors.New("vault: invalid amount")
	ErrInvalidReceiver     = errors.New("vault: invalid receiver")
	ErrCollateralNotIndex  = errors.New("vault: long collateral must be the index asset")
	ErrCollateralNotStable = errors.New("vault: short collateral must be a stable asset")
	ErrStableCollateral    = errors.New("vault: long collateral must not be a stable asset")
	ErrAssetNotShortable   = errors.New("vault: index asset is not shortable")

	// Authorization
	ErrUnauthorizedCaller = errors.New("vault: caller not authorized for account")
	ErrInvalidLiquidator  = errors.New("vault: caller is not a liquidator")

	// Solvency
	ErrReserveExceedsPool              = errors.New("vault: reserve exceeds pool")
	ErrPoolExceedsBalance              = errors.New("vault: pool exceeds token balance")
	ErrMaxLeverageExceeded             = errors.New("vault: max leverage exceeded")
	ErrLeverageDisabled                = errors.New("vault: leverage is disabled")
	ErrPositionSizeExceeded            = errors.New("vault: size delta exceeds position size")
	ErrCollateralExceeded              = errors.New("vault: collateral delta exceeds position collateral")
	ErrLiquidationFeeExceedsCollateral = errors.New("vault: remaining collateral below liquidation fee")
	ErrLossesExceedCollateral          = errors.New("vault: losses exceed collateral")
	ErrFeesExceedCollateral            = errors.New("vault: fees exceed collateral")
	ErrSizeBelowCollateral             = errors.New("vault: position size below collateral")
	ErrLeverageIncreased               = errors.New("vault: leverage must not increase on partial decrease")
	ErrInsufficientPool                = errors.New("vault: insufficient pool amount")
	ErrInsufficientFeeReserve          = errors.New("vault: insufficient fee reserve")
	ErrInsufficientBalance             = errors.New("vault: insufficient token balance")

	// State
	ErrEmptyPosition              = errors.New("vault: position does not exist")
	ErrPositionCannotBeLiquidated = errors.New("vault: position cannot be liquidated")
	ErrAlreadyInitialized         = errors.New("vault: already initialized")
	ErrShortDataNotReady          = errors.New("vault: global short data not ready")
	ErrAveragePriceChangeTooLarge = errors.New("vault: average price change exceeds limit")
	ErrAveragePriceUpdateTooSoon  = errors.New("vault: average price updated too recently")

	// Oracle
	ErrPriceUnavailable = errors.New("vault: price unavailable")
)
