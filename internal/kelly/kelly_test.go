package kelly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/fund-engine/internal/percent"
)

func TestFraction(t *testing.T) {
	tests := []struct {
		name                   string
		confidence, loss, gain percent.Percent
		want                   percent.Percent
	}{
		{"even odds", percent.FromWhole(60), percent.FromWhole(20), percent.FromWhole(20), percent.FromWhole(100)},
		{"leveraged", percent.FromWhole(40), percent.FromWhole(10), percent.FromWhole(100), percent.FromWhole(340)},
		{"negative edge clips", percent.FromWhole(60), percent.FromWhole(80), percent.Percent(48_040918), 0},
		{"certain win", percent.Hundred, percent.FromWhole(50), percent.FromWhole(10), percent.FromWhole(200)},
		{"certain loss", 0, percent.FromWhole(50), percent.FromWhole(10), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Fraction(tt.confidence, tt.loss, tt.gain)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFraction_Errors(t *testing.T) {
	_, err := Fraction(percent.FromWhole(101), percent.FromWhole(20), percent.FromWhole(20))
	assert.ErrorIs(t, err, ErrInvalidConfidence)

	_, err = Fraction(percent.FromWhole(50), 0, percent.FromWhole(20))
	assert.ErrorIs(t, err, percent.ErrDivisionByZero)

	_, err = Fraction(percent.FromWhole(50), percent.FromWhole(20), 0)
	assert.ErrorIs(t, err, percent.ErrDivisionByZero)
}
