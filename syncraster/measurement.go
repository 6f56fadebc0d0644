// Package syncraster runs hardware synchronized raster scans.
//
// A Measurement owns a scan configuration and the acquisition hardware.  Run
// generates the scan geometry, arms the input tasks on the output's start
// trigger, assembles frames from the block callbacks, corrects drift between
// frames, and commits every frame to a framestore as it completes.
package syncraster

import (
	"context"
	"errors"
	"sync"

	"github.com/nasa-jpl/syncraster/daq"
	"github.com/nasa-jpl/syncraster/drift"
	"github.com/nasa-jpl/syncraster/framestore"
	"github.com/nasa-jpl/syncraster/hook"
	"github.com/nasa-jpl/syncraster/scan"
	"github.com/nasa-jpl/syncraster/waveform"
)

var (
	// ErrNotRunning is generated when an operation needs a scan in progress
	ErrNotRunning = errors.New("no scan in progress")

	// ErrHardwareMismatch is generated when the enabled channels do not match the hardware
	ErrHardwareMismatch = errors.New("enabled channels do not match the hardware")

	// ErrIncomplete is generated when a finite acquisition ends with frames missing
	ErrIncomplete = errors.New("acquisition completed with frames missing")
)

// Hardware is the acquisition hardware of a measurement
type Hardware struct {
	Device   daq.Device
	Output   daq.OutputTask
	ADC      daq.InputTask
	Counters []daq.CounterTask
}

// SimHardware wraps a simulated device
func SimHardware(sim *daq.Sim) Hardware {
	hw := Hardware{Device: sim, Output: sim.Output(), Counters: sim.Counters()}
	if sim.ADC() != nil {
		hw.ADC = sim.ADC()
	}
	return hw
}

// FrameEvent is passed to Options.OnFrame
type FrameEvent struct {
	// Frame is the frame being filled, or the one just completed
	Frame int `json:"frame"`

	// Complete is true if Frame just completed, false for a periodic update of a partial frame
	Complete bool `json:"complete"`

	Progress float64     `json:"progress"`
	Offset   drift.Shift `json:"offset"`

	// Measured is the drift registered on a completed frame, in actuator units
	Measured drift.Shift `json:"measured"`
}

// Options are optional hooks into a measurement
type Options struct {
	// OnFrame is called from the measurement loop for every completed frame
	// and, at most every DisplayUpdatePeriod, for the partial frame
	OnFrame func(FrameEvent)

	// Hook is run before and after every scan
	Hook hook.PrePost
}

// Status is a summary of the state of a measurement
type Status struct {
	Running  bool          `json:"running"`
	State    string        `json:"state"`
	RunID    string        `json:"runId"`
	Frame    int           `json:"frame"`
	Progress float64       `json:"progress"`
	Offset   drift.Shift   `json:"offset"`
	Plan     daq.BlockPlan `json:"plan"`

	// Output is the activity of the output buffer
	Output waveform.Stats `json:"output"`

	Err string `json:"error,omitempty"`
}

// Measurement is a scan and the hardware that executes it
type Measurement struct {
	mu       sync.Mutex
	settings Settings
	hw       Hardware
	store    *framestore.Store
	opts     Options
	gen      *scan.Generator

	cur    *run
	last   Status
	cancel context.CancelFunc
}

// New returns a measurement.  store may be nil, in which case nothing is persisted
func New(s Settings, hw Hardware, store *framestore.Store, opts Options) (*Measurement, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if hw.Device == nil || hw.Output == nil {
		return nil, errors.New("hardware needs a device and an output task")
	}
	if opts.Hook == nil {
		opts.Hook = hook.Nop{}
	}
	return &Measurement{
		settings: s,
		hw:       hw,
		store:    store,
		opts:     opts,
		gen:      &scan.Generator{XLimit: s.XLimit, YLimit: s.YLimit},
	}, nil
}

// Settings returns a copy of the settings
func (m *Measurement) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// SetSettings replaces the settings.  It fails while a scan is running
func (m *Measurement) SetSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		return scan.ErrScanRunning
	}
	m.settings = s
	m.gen.Lock()
	m.gen.XLimit, m.gen.YLimit = s.XLimit, s.YLimit
	m.gen.Unlock()
	return nil
}

// UpdateSettings applies fn to a copy of the settings and stores the result if it is valid
func (m *Measurement) UpdateSettings(fn func(*Settings)) error {
	s := m.Settings()
	fn(&s)
	return m.SetSettings(s)
}

// Params returns the scan parameters.  After a drift corrected scan they
// have been shifted by the final drift offset
func (m *Measurement) Params() scan.Params {
	return m.Settings().Scan
}

// Geometry returns the geometry of the configured scan
func (m *Measurement) Geometry() (scan.Geometry, error) {
	return m.gen.Generate(m.Params())
}

// Running returns true while a scan is in progress
func (m *Measurement) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur != nil
}

// Interrupt requests that the running scan stop.  The scan stops at the top
// of the next iteration of its loop
func (m *Measurement) Interrupt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
}

// Status returns the state of the running scan, or of the last one
func (m *Measurement) Status() Status {
	m.mu.Lock()
	r := m.cur
	last := m.last
	m.mu.Unlock()
	if r == nil {
		return last
	}
	return r.status()
}

// Progress is the completion of the scan in percent
func (m *Measurement) Progress() float64 {
	return m.Status().Progress
}

// DriftOffset is the cumulative drift offset of the running (or last) scan
func (m *Measurement) DriftOffset() drift.Shift {
	return m.Status().Offset
}

// Plan is the block plan of the running (or last) scan
func (m *Measurement) Plan() daq.BlockPlan {
	return m.Status().Plan
}

// Latest returns the frame being filled on the display channel, as a rows x cols image
func (m *Measurement) Latest() (frame int, img []float64, rows, cols int, err error) {
	m.mu.Lock()
	r := m.cur
	m.mu.Unlock()
	if r == nil {
		return 0, nil, 0, 0, ErrNotRunning
	}
	return r.latest()
}

// Run executes one scan.  It returns when the scan completes, ctx is
// cancelled, Interrupt is called, or an error occurs.  The hardware and the
// run's storage are released on every exit path
func (m *Measurement) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.cur != nil {
		m.mu.Unlock()
		return scan.ErrScanRunning
	}
	s := m.settings
	geo, err := m.gen.Generate(s.Scan)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if err = m.gen.Begin(); err != nil {
		m.mu.Unlock()
		return err
	}
	r := &run{s: s, hw: m.hw, store: m.store, opts: m.opts, geo: geo}
	m.cur = r
	m.cancel = cancel
	m.mu.Unlock()

	err = r.execute(ctx)

	st := r.status()
	st.Running = false
	if err != nil {
		st.Err = err.Error()
		if st.State == framestore.StatusRunning {
			st.State = framestore.StatusFailed
		}
	}
	m.mu.Lock()
	if r.shifted {
		m.settings.Scan = r.s.Scan
	}
	m.last = st
	m.cur = nil
	m.cancel = nil
	m.mu.Unlock()
	m.gen.End()
	return err
}
