// Package drift measures and corrects the drift of a specimen under a scanning instrument.
//
// Each completed frame is registered against the first frame of the run.  The
// measured shift, converted to actuator units, drives a Controller whose
// offset is added to the scan trajectory of the following frames.
package drift

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/nasa-jpl/syncraster/mathx"
	"github.com/nasa-jpl/syncraster/util"
)

// ErrRejected is generated when a registration's error metric exceeds the threshold
var ErrRejected = errors.New("drift estimate rejected, registration error above threshold")

// State is the state of a Loop
type State int

const (
	// AwaitingReference is the state before the first frame completes
	AwaitingReference State = iota

	// Active is the state once a reference exists
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "awaiting reference"
}

// Config holds the tunables of the loop
type Config struct {
	// Exponent sharpens the correlation, 0 for cross correlation, 1 for phase correlation
	Exponent float64

	// Upsample is the subpixel resolution of the estimate, 1/Upsample pixels
	Upsample int

	// WindowAlpha is the taper fraction of the window applied before correlation
	WindowAlpha float64

	// MaxError rejects estimates with a larger error metric; 0 accepts everything
	MaxError float64

	// SubtractMean removes the mean of each image before windowing
	SubtractMean bool

	// ScaleX and ScaleY convert a column and row shift to actuator units.
	// Their sign encodes the orientation of the image relative to the actuator
	ScaleX, ScaleY float64
}

// Scale returns the conversion from pixels to actuator units for an axis
// spanning [lo, hi] in n pixels, with sign +1 or -1
func Scale(lo, hi float64, n int, sign float64) float64 {
	if n < 1 {
		return 0
	}
	if sign < 0 {
		return -(hi - lo) / float64(n)
	}
	return (hi - lo) / float64(n)
}

// Update is the outcome of one frame
type Update struct {
	Frame int `json:"frame"`

	// Reference is true for the frame that became the reference
	Reference bool `json:"reference"`

	// Rejected is true if the estimate was not applied
	Rejected bool `json:"rejected"`

	Estimate Estimate `json:"estimate"`

	// Measured is the estimate in actuator units
	Measured Shift `json:"measured"`

	// Offset is the cumulative offset after this frame
	Offset Shift `json:"offset"`

	// Waveform is the replacement trajectory, nil if nothing changed
	Waveform []float64 `json:"-"`
}

// Loop is the drift correction state machine.  OnFrame is called from the
// measurement loop only; State and Offset may be read from anywhere
type Loop struct {
	mu sync.Mutex

	cfg   Config
	ctrl  Controller
	state State

	rows, cols int
	win        []float64
	ref        []float64

	orig       []float64
	xlim, ylim util.Limiter
}

// NewLoop returns a loop for rows x cols frames which shifts the interleaved
// x,y trajectory orig
func NewLoop(cfg Config, ctrl Controller, rows, cols int, orig []float64, xlim, ylim util.Limiter) *Loop {
	if cfg.Upsample < 1 {
		cfg.Upsample = 1
	}
	o := make([]float64, len(orig))
	copy(o, orig)
	return &Loop{
		cfg:  cfg,
		ctrl: ctrl,
		rows: rows,
		cols: cols,
		win:  Window(rows, cols, cfg.WindowAlpha),
		orig: o,
		xlim: xlim,
		ylim: ylim,
	}
}

func (l *Loop) prepare(img []float64) []float64 {
	out := make([]float64, len(img))
	copy(out, img)
	if l.cfg.SubtractMean {
		floats.AddConst(-stat.Mean(out, nil), out)
	}
	floats.Mul(out, l.win)
	return out
}

// OnFrame processes a completed frame (one channel, laid out rows x cols).
//
// The first frame becomes the reference.  Later frames are registered against
// it; an estimate that fails or is rejected leaves the offset unchanged and
// returns an error wrapping ErrRegistration or ErrRejected
func (l *Loop) OnFrame(frame int, img []float64) (Update, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(img) != l.rows*l.cols {
		return Update{Frame: frame}, fmt.Errorf("%w: frame is %d values, need %d", ErrRegistration, len(img), l.rows*l.cols)
	}
	p := l.prepare(img)
	if l.state == AwaitingReference {
		l.ref = p
		l.state = Active
		l.ctrl.Reset()
		return Update{Frame: frame, Reference: true, Offset: l.ctrl.Offset()}, nil
	}

	up := Update{Frame: frame, Offset: l.ctrl.Offset()}
	est, err := EstimateShift(l.ref, p, l.rows, l.cols, l.cfg.Exponent, l.cfg.Upsample)
	if err != nil {
		up.Rejected = true
		return up, err
	}
	step := 1 / float64(l.cfg.Upsample)
	est.Row = mathx.Round(est.Row, step)
	est.Col = mathx.Round(est.Col, step)
	up.Estimate = est
	if l.cfg.MaxError > 0 && est.Error > l.cfg.MaxError {
		up.Rejected = true
		return up, fmt.Errorf("%w: error %.3f > %.3f", ErrRejected, est.Error, l.cfg.MaxError)
	}
	up.Measured = Shift{X: est.Col * l.cfg.ScaleX, Y: est.Row * l.cfg.ScaleY}
	up.Offset = l.ctrl.Update(up.Measured)
	up.Waveform = l.waveform(up.Offset)
	log.Printf("drift: frame %d shift (row %.3f, col %.3f) px, offset (%.4g, %.4g)", frame, est.Row, est.Col, up.Offset.X, up.Offset.Y)
	return up, nil
}

// waveform returns the original trajectory shifted by off, clamped to the actuator limits
func (l *Loop) waveform(off Shift) []float64 {
	out := make([]float64, len(l.orig))
	for i := 0; i+1 < len(out); i += 2 {
		out[i] = l.xlim.Clamp(l.orig[i] + off.X)
		out[i+1] = l.ylim.Clamp(l.orig[i+1] + off.Y)
	}
	return out
}

// State returns the state of the loop
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Offset returns the cumulative offset
func (l *Loop) Offset() Shift {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctrl.Offset()
}

// Reference returns a copy of the windowed reference frame, nil before it exists
func (l *Loop) Reference() []float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ref == nil {
		return nil
	}
	out := make([]float64, len(l.ref))
	copy(out, l.ref)
	return out
}
