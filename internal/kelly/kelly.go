// Package kelly sizes bets with the Kelly criterion in fixed-point percent.
package kelly

import (
	"fmt"

	"github.com/atmx/fund-engine/internal/apperrors"
	"github.com/atmx/fund-engine/internal/percent"
)

// ErrInvalidConfidence is returned when the win probability exceeds 100%.
var ErrInvalidConfidence = apperrors.New(apperrors.Validation, "kelly: confidence above 100%")

// Fraction returns the Kelly fraction
//
//	f = max(0, confidence/loss - (1-confidence)/gain)
//
// where loss and gain are the fractional loss on a losing bet and the
// fractional gain on a winning one. Both terms are floored before the
// subtraction; a negative edge yields zero.
func Fraction(confidence, loss, gain percent.Percent) (percent.Percent, error) {
	if confidence > percent.Hundred {
		return 0, fmt.Errorf("%w: %s", ErrInvalidConfidence, confidence)
	}
	if loss == 0 || gain == 0 {
		return 0, fmt.Errorf("%w: loss=%s gain=%s", percent.ErrDivisionByZero, loss, gain)
	}

	a := ratio(confidence, loss)
	b := ratio(percent.Hundred-confidence, gain)
	if b >= a {
		return 0, nil
	}
	return a - b, nil
}

// ratio returns floor(num * 100% / den). num never exceeds 100%, so the
// product stays below 10^16.
func ratio(num, den percent.Percent) percent.Percent {
	return num * percent.Hundred / den
}
