package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrNotOwner          = errors.New("caller is not the position owner")
	ErrPositionClosed    = errors.New("position is closed")
	ErrLockHeld          = errors.New("position operation already in progress")
	ErrInvalidLeverage   = errors.New("leverage factor below 1x")
	ErrLeverageTooHigh   = errors.New("leverage factor exceeds safe ceiling")
	ErrUnsupportedAsset  = errors.New("asset not supported by lending protocol")
	ErrTooManyAssets     = errors.New("collateral asset limit exceeded")
	ErrSameAsset         = errors.New("debt asset equals collateral asset")
	ErrDuplicateAsset    = errors.New("duplicate collateral asset")
	ErrCollateralCount   = errors.New("wrong collateral count for mode")
	ErrExcessiveRepay    = errors.New("repay amount exceeds outstanding debt")
	ErrBorrowCapExceeded = errors.New("target borrow exceeds available capacity")
	ErrTargetNotReached  = errors.New("target leverage not reached within iteration budget")
	ErrInvalidPriceData  = errors.New("invalid price data")
	ErrInvalidAmount     = errors.New("amount must be positive")
)
