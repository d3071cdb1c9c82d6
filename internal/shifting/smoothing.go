package shifting

import "math"

// GradeSmoother limits how far the effective grade may move per control tick.
// It starts from a flat road.
type GradeSmoother struct {
	maxStep float64
	current float64
}

func NewGradeSmoother(maxStep float64) *GradeSmoother {
	return &GradeSmoother{maxStep: math.Abs(maxStep)}
}

// Step moves towards target by at most maxStep and returns the new grade.
func (s *GradeSmoother) Step(target float64) float64 {
	delta := target - s.current
	switch {
	case delta > s.maxStep:
		s.current += s.maxStep
	case delta < -s.maxStep:
		s.current -= s.maxStep
	default:
		s.current = target
	}
	return s.current
}

// Current returns the last grade produced by Step.
func (s *GradeSmoother) Current() float64 {
	return s.current
}

// Reset places the smoother at grade without ramping.
func (s *GradeSmoother) Reset(grade float64) {
	s.current = grade
}
