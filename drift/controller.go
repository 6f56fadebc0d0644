package drift

import "math"

// Shift is an offset in actuator units
type Shift struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add returns s + o
func (s Shift) Add(o Shift) Shift {
	return Shift{X: s.X + o.X, Y: s.Y + o.Y}
}

// Controller turns measured drift into the offset applied to the trajectory
type Controller interface {
	// Update folds a newly measured drift into the offset and returns the new offset
	Update(measured Shift) Shift

	// Offset is the current offset
	Offset() Shift

	// Reset zeroes the controller
	Reset()
}

// Proportional is a P-only controller.
//
// A correction computed from frame k is applied from frame k+1, while frame k+1
// is already being acquired with the old trajectory; the gain damps the
// overshoot that lag would otherwise cause
type Proportional struct {
	// Gain in (0, 1]
	Gain float64

	// MaxStep bounds the magnitude of each axis of one correction; 0 is unbounded
	MaxStep float64

	offset Shift
}

func (p *Proportional) limit(v float64) float64 {
	if p.MaxStep <= 0 {
		return v
	}
	return math.Max(-p.MaxStep, math.Min(v, p.MaxStep))
}

// Update implements Controller
func (p *Proportional) Update(measured Shift) Shift {
	step := Shift{X: p.limit(p.Gain * measured.X), Y: p.limit(p.Gain * measured.Y)}
	p.offset = p.offset.Add(step)
	return p.offset
}

// Offset implements Controller
func (p *Proportional) Offset() Shift {
	return p.offset
}

// Reset implements Controller
func (p *Proportional) Reset() {
	p.offset = Shift{}
}
