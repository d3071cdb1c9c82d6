package shifting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/ftms"
)

func TestRideOn(t *testing.T) {
	assert.True(t, IsRideOn([]byte("RideOn")))
	assert.False(t, IsRideOn([]byte("RideOn!")))
	assert.Equal(t, []byte{'R', 'i', 'd', 'e', 'O', 'n', 0x01, 0x03}, RideOnReply())
}

func TestDecodeHubCommand(t *testing.T) {
	t.Run("power target", func(t *testing.T) {
		cmd, err := DecodeHubCommand([]byte{0x04, 0x18, 0xC8, 0x01})
		require.NoError(t, err)
		assert.True(t, cmd.HasPowerTarget)
		assert.Equal(t, uint32(200), cmd.PowerTarget)
		assert.False(t, cmd.HasSimulation)
	})

	t.Run("simulation with incline only keeps default coefficients", func(t *testing.T) {
		cmd, err := DecodeHubCommand([]byte{0x04, 0x22, 0x03, 0x10, 0xE8, 0x07})
		require.NoError(t, err)
		require.True(t, cmd.HasSimulation)
		assert.InDelta(t, 5.0, cmd.Simulation.GradePercent, 1e-9)
		assert.Equal(t, ftms.DefaultSimulation.Crr, cmd.Simulation.Crr)
		assert.Equal(t, ftms.DefaultSimulation.Cw, cmd.Simulation.Cw)
	})

	t.Run("gear ratio", func(t *testing.T) {
		cmd, err := DecodeHubCommand([]byte{0x04, 0x2A, 0x04, 0x10, 0xA8, 0xC3, 0x01})
		require.NoError(t, err)
		require.True(t, cmd.HasGearRatio)
		assert.InDelta(t, 2.5, cmd.GearRatio, 1e-9)
		assert.False(t, cmd.HasWeights)
	})

	t.Run("negative values survive encoding", func(t *testing.T) {
		in := HubCommand{
			HasSimulation: true,
			Simulation:    ftms.SimulationParams{WindSpeedMps: -2.5, GradePercent: -7.25, Crr: 0.005, Cw: 0.42},
		}
		cmd, err := DecodeHubCommand(EncodeHubCommand(in))
		require.NoError(t, err)
		assert.InDelta(t, -2.5, cmd.Simulation.WindSpeedMps, 1e-9)
		assert.InDelta(t, -7.25, cmd.Simulation.GradePercent, 1e-9)
		assert.InDelta(t, 0.005, cmd.Simulation.Crr, 1e-9)
		assert.InDelta(t, 0.42, cmd.Simulation.Cw, 1e-9)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := DecodeHubCommand([]byte{0x05, 0x08, 0x01})
		assert.ErrorIs(t, err, ErrUnknownHubMessage)

		_, err = DecodeHubCommand(nil)
		assert.ErrorIs(t, err, ErrUnknownHubMessage)

		_, err = DecodeHubCommand([]byte{0x04, 0x18})
		assert.Error(t, err)
	})
}

func TestEncodeRidingData(t *testing.T) {
	b := EncodeRidingData(RidingData{Power: 150, Cadence: 90, SpeedX100: 3000})
	assert.Equal(t, []byte{0x03, 0x08, 0x96, 0x01, 0x10, 0x5A, 0x18, 0xB8, 0x17, 0x20, 0x00}, b)

	d, err := DecodeRidingData(b)
	require.NoError(t, err)
	assert.Equal(t, RidingData{Power: 150, Cadence: 90, SpeedX100: 3000}, d)
}
