package invest

import "github.com/atmx/fund-engine/internal/apperrors"

var (
	ErrPaused                        = apperrors.New(apperrors.Paused, "invest: engine paused")
	ErrUnknownAsset                  = apperrors.New(apperrors.NotFound, "invest: asset is not tracked")
	ErrBaseAsset                     = apperrors.New(apperrors.Validation, "invest: base asset cannot be an investment")
	ErrInvalidTargetPrice            = apperrors.New(apperrors.Validation, "invest: target price must be positive")
	ErrInvalidPath                   = apperrors.New(apperrors.Validation, "invest: swap path does not connect asset and base")
	ErrRateLimited                   = apperrors.New(apperrors.RateLimited, "invest: cadence has not elapsed")
	ErrInsufficientSamples           = apperrors.New(apperrors.StateConflict, "invest: not enough price samples")
	ErrReservationPending            = apperrors.New(apperrors.StateConflict, "invest: asset has liquidity committed to a reservation")
	ErrNoAuthorizedAmount            = apperrors.New(apperrors.StateConflict, "invest: nothing authorized")
	ErrInsufficientReservedLiquidity = apperrors.New(apperrors.StateConflict, "invest: reserved liquidity is not available")
	ErrAmountMismatch                = apperrors.New(apperrors.Validation, "invest: amount exceeds the reservation")
	ErrEmptyQueue                    = apperrors.New(apperrors.StateConflict, "invest: liquidation queue is empty")
	ErrWrongPurpose                  = apperrors.New(apperrors.StateConflict, "invest: permit was not opened for a redemption")
)
