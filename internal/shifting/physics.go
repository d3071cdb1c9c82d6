package shifting

import (
	"math"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/ftms"
)

const (
	gravity    = 9.81
	drivetrain = 0.96
	maxSpeed   = 40.0 // m/s
)

// Physics models a rider on a road for the power-target shifting mode and the
// simulated trainer.
type Physics struct {
	RiderKg float64
	BikeKg  float64
}

func (p Physics) mass() float64 {
	return p.RiderKg + p.BikeKg
}

// wheelPower is the power at the wheel needed to hold speed on grade.
func (p Physics) wheelPower(speed, grade float64, sim ftms.SimulationParams) float64 {
	theta := math.Atan(grade / 100)
	m := p.mass()
	linear := m*gravity*math.Sin(theta) + m*gravity*math.Cos(theta)*sim.Crr
	air := speed + sim.WindSpeedMps
	aero := sim.Cw * air * math.Abs(air)
	return (linear + aero) * speed
}

// PowerForSpeed returns the pedal power in watts needed to hold speed (m/s).
// Descents that need no pedalling return 0.
func (p Physics) PowerForSpeed(speed, grade float64, sim ftms.SimulationParams) float64 {
	if speed <= 0 {
		return 0
	}
	w := p.wheelPower(speed, grade, sim) / drivetrain
	if w < 0 {
		return 0
	}
	return w
}

// SpeedForPower solves PowerForSpeed for speed by bisection.
func (p Physics) SpeedForPower(watts, grade float64, sim ftms.SimulationParams) float64 {
	target := watts * drivetrain
	low, high := 0.0, maxSpeed
	for i := 0; i < 40 && high-low > 0.001; i++ {
		mid := (low + high) / 2
		if p.wheelPower(mid, grade, sim) < target {
			low = mid
		} else {
			high = mid
		}
	}
	return (low + high) / 2
}

// CadenceSpeed converts cadence and gear ratio to road speed in m/s.
func CadenceSpeed(cadenceRpm, gearRatio, wheelCircumferenceM float64) float64 {
	if cadenceRpm <= 0 {
		return 0
	}
	return cadenceRpm / 60 * gearRatio * wheelCircumferenceM
}
