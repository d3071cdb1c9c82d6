package shifting

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGearing_Ratio(t *testing.T) {
	assert.InDelta(t, 2.94, Gearing{ChainringTeeth: 50, SprocketTeeth: 17}.Ratio(), 0.005)
	assert.InDelta(t, 1.0, Gearing{ChainringTeeth: 34, SprocketTeeth: 34}.Ratio(), 1e-9)
}

func TestScaleGrade(t *testing.T) {
	tests := []struct {
		name       string
		raw        float64
		difficulty float64
		adjustment float64
		vs         bool
		want       float64
	}{
		{"shifting off passes raw grade", 6.5, 100, 1, false, 6.5},
		{"shifting off ignores difficulty and gear", 6.5, 40, 2, false, 6.5},
		{"full difficulty, configured gear", 6.5, 100, 1, true, 6.5},
		{"half difficulty", 8, 50, 1, true, 4},
		{"harder gear", 4, 100, 1.5, true, 6},
		{"descent keeps sign", -3, 50, 2, true, -3},
		{"zero difficulty flattens", 10, 0, 1, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ScaleGrade(tt.raw, tt.difficulty, tt.adjustment, tt.vs), 1e-9)
		})
	}
}
