package shifting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveMode(t *testing.T) {
	tests := []struct {
		last CommandKind
		vs   bool
		want TrainerMode
	}{
		{CommandNone, false, ERGMode},
		{CommandNone, true, ERGMode},
		{CommandTargetPower, false, ERGMode},
		{CommandTargetPower, true, ERGMode},
		{CommandSimulation, false, SIMMode},
		{CommandSimulation, true, SIMModeVirtualShifting},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DeriveMode(tt.last, tt.vs), "%s vs=%v", tt.last, tt.vs)
	}
}

func TestTrainerMode_String(t *testing.T) {
	assert.Equal(t, "ERG mode", ERGMode.String())
	assert.Equal(t, "SIM mode", SIMMode.String())
	assert.Equal(t, "SIM + VS mode", SIMModeVirtualShifting.String())
}

func TestParseVirtualShiftingMode(t *testing.T) {
	for _, m := range []VirtualShiftingMode{BasicResistance, TargetPowerMode, TrackResistance} {
		got, err := ParseVirtualShiftingMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}

	got, err := ParseVirtualShiftingMode(" Track_Resistance ")
	require.NoError(t, err)
	assert.Equal(t, TrackResistance, got)

	_, err = ParseVirtualShiftingMode("gears")
	assert.Error(t, err)
}
