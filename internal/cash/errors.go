package cash

import "github.com/atmx/fund-engine/internal/apperrors"

var (
	ErrPaused                        = apperrors.New(apperrors.Paused, "cash: engine paused")
	ErrArgumentMismatch              = apperrors.New(apperrors.Validation, "cash: argument lengths differ")
	ErrDuplicateAsset                = apperrors.New(apperrors.Validation, "cash: asset listed twice")
	ErrInvalidTarget                 = apperrors.New(apperrors.Validation, "cash: target percentages exceed 100%")
	ErrInvalidPath                   = apperrors.New(apperrors.Validation, "cash: swap path does not connect asset and base")
	ErrRateLimited                   = apperrors.New(apperrors.RateLimited, "cash: queues were built less than one interval ago")
	ErrEmptyQueue                    = apperrors.New(apperrors.StateConflict, "cash: queue is empty")
	ErrInsufficientLiquidity         = apperrors.New(apperrors.StateConflict, "cash: no free base to spend")
	ErrReservationExists             = apperrors.New(apperrors.StateConflict, "cash: a reservation is already open")
	ErrNoReservation                 = apperrors.New(apperrors.StateConflict, "cash: no reservation is open")
	ErrPermitMismatch                = apperrors.New(apperrors.StateConflict, "cash: permit does not match the open reservation")
	ErrAmountMismatch                = apperrors.New(apperrors.Validation, "cash: amount exceeds the reservation")
	ErrInsufficientReservedLiquidity = apperrors.New(apperrors.StateConflict, "cash: reserved base has not been freed yet")
	ErrUnknownAsset                  = apperrors.New(apperrors.Validation, "cash: asset is not tracked by the investment engine")
	ErrNoAuthorizedAmount            = apperrors.New(apperrors.StateConflict, "cash: no authorized buy to reserve for")
)
