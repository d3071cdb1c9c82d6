package shifting

// Gearing is a chainring and sprocket combination. Tooth counts are validated
// as non-zero when configuration is loaded.
type Gearing struct {
	ChainringTeeth uint16
	SprocketTeeth  uint16
}

// Ratio is chainring teeth divided by sprocket teeth.
func (g Gearing) Ratio() float64 {
	return float64(g.ChainringTeeth) / float64(g.SprocketTeeth)
}

// ScaleGrade applies difficulty and the gear adjustment to a raw grade when
// virtual shifting is active. Otherwise the raw grade is returned unchanged.
func ScaleGrade(rawGrade, difficultyPercent, gearAdjustment float64, virtualShifting bool) float64 {
	if !virtualShifting {
		return rawGrade
	}
	return rawGrade * difficultyPercent / 100 * gearAdjustment
}
