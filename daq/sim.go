package daq

import (
	"errors"
	"math"
	"strconv"
	"sync"
	"time"
)

var errSimOffline = errors.New("simulated device offline")

// DefaultSpecimen is a handful of gaussian spots on a faint gradient,
// laid out for a scan over roughly [-1, 1] on both axes
func DefaultSpecimen(x, y float64) float64 {
	spots := [][3]float64{
		{-0.5, -0.3, 1.0},
		{0.4, 0.2, 0.8},
		{0.1, -0.6, 0.6},
		{-0.2, 0.5, 0.9},
		{0.6, -0.4, 0.5},
	}
	const sig2 = 2 * 0.15 * 0.15
	v := 0.05 * (x + y + 2)
	for _, s := range spots {
		dx, dy := x-s[0], y-s[1]
		v += s[2] * math.Exp(-(dx*dx+dy*dy)/sig2)
	}
	return v
}

// Sim is a simulated acquisition device.  Its tasks implement OutputTask,
// InputTask, and CounterTask and share one clock: each pixel the leader
// generates produces one (oversampled) analog input sample per channel and
// one edge count per counter, read from Specimen at the actuator position.
//
// Time only passes in Advance, which fires callbacks synchronously outside of
// the device lock.  If PixelsPerTick is > 0, starting the leader also starts a
// goroutine which calls Advance every Tick.
type Sim struct {
	sync.Mutex

	// Specimen is the signal at an actuator position
	Specimen func(x, y float64) float64

	// DriftX and DriftY move the specimen this far per pass of the output buffer
	DriftX, DriftY float64

	// CountScale converts Specimen to edges per pixel
	CountScale float64

	// CounterBase is the count the counters hold before the run
	CounterBase uint32

	// OpenFailures is the number of calls to Open that fail before one succeeds
	OpenFailures int

	PixelsPerTick int
	Tick          time.Duration

	opened bool
	out    *SimOutput
	adc    *SimInput
	ctrs   []*SimCounter

	// Events logs task starts and stops in order, e.g. "start ai", "stop ao"
	Events []string
}

// NewSim returns a simulated device with nADC analog inputs and nCtr counters
func NewSim(nADC, nCtr int) *Sim {
	s := &Sim{
		Specimen:    DefaultSpecimen,
		CountScale:  100,
		CounterBase: 1 << 20,
		Tick:        time.Millisecond,
	}
	s.out = &SimOutput{simTask: simTask{sim: s, name: "ao"}}
	if nADC > 0 {
		s.adc = &SimInput{simTask: simTask{sim: s, name: "ai"}, ch: nADC}
	}
	for i := 0; i < nCtr; i++ {
		s.ctrs = append(s.ctrs, &SimCounter{simTask: simTask{sim: s, name: "ctr" + strconv.Itoa(i)}})
	}
	return s
}

// Open connects to the simulated device
func (s *Sim) Open() error {
	s.Lock()
	defer s.Unlock()
	if s.OpenFailures > 0 {
		s.OpenFailures--
		return errSimOffline
	}
	s.opened = true
	return nil
}

// Close disconnects from the simulated device
func (s *Sim) Close() error {
	s.Lock()
	s.opened = false
	s.Unlock()
	return nil
}

// Output returns the leader task
func (s *Sim) Output() *SimOutput { return s.out }

// ADC returns the analog input task, nil if there are no analog inputs
func (s *Sim) ADC() *SimInput { return s.adc }

// Counters returns the counter tasks
func (s *Sim) Counters() []CounterTask {
	out := make([]CounterTask, len(s.ctrs))
	for i, c := range s.ctrs {
		out[i] = c
	}
	return out
}

// Counter returns counter i
func (s *Sim) Counter(i int) *SimCounter { return s.ctrs[i] }

// Advance generates up to n pixels and returns the number generated.
// Fewer than n are generated if the leader stops or completes
func (s *Sim) Advance(n int) int {
	for i := 0; i < n; i++ {
		calls, ok := s.step()
		for _, fn := range calls {
			fn()
		}
		if !ok {
			return i
		}
	}
	return n
}

func (s *Sim) step() ([]func(), bool) {
	s.Lock()
	defer s.Unlock()
	o := s.out
	if !o.running || o.done || o.timing.Buffer == 0 {
		return nil, false
	}
	var calls []func()
	buflen := o.timing.Buffer
	p := o.generated % buflen
	x, y := o.buf[2*p], o.buf[2*p+1]
	pass := float64(o.generated) / float64(buflen)
	v := s.Specimen(x-s.DriftX*pass, y-s.DriftY*pass)
	o.generated++
	o.acquired++

	if a := s.adc; a != nil && a.running {
		os := a.oversample(o.timing.Rate)
		for k := 0; k < os; k++ {
			for c := 0; c < a.ch; c++ {
				a.fifo = append(a.fifo, v*float64(c+1)+float64(c))
			}
		}
		a.acquired += os
		calls = a.due(calls)
	}
	for _, c := range s.ctrs {
		if !c.running {
			continue
		}
		c.count += uint32(math.Round(math.Max(v, 0) * s.CountScale))
		c.fifo = append(c.fifo, c.count)
		c.acquired++
		calls = c.due(calls)
	}
	calls = o.due(calls)
	if o.timing.Total > 0 && o.generated >= o.timing.Total {
		o.done = true
		o.running = false
		if o.doneFn != nil {
			fn := o.doneFn
			calls = append(calls, func() { fn(nil) })
		}
		return calls, true
	}
	return calls, true
}

func (s *Sim) tick(stop chan struct{}) {
	t := time.NewTicker(s.Tick)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if s.Advance(s.PixelsPerTick) < s.PixelsPerTick {
				return
			}
		}
	}
}

// simTask holds what every simulated task has in common
type simTask struct {
	sim     *Sim
	name    string
	timing  Timing
	running bool
	done    bool

	cbN      int
	cbFn     func()
	acquired int
	fired    int

	// Stops and Closes count calls to Stop and Close
	Stops  int
	Closes int
}

// due appends the block callback to calls for each block completed.
// called with the device locked
func (t *simTask) due(calls []func()) []func() {
	if t.cbN <= 0 || t.cbFn == nil {
		return calls
	}
	for t.acquired >= (t.fired+1)*t.cbN {
		t.fired++
		calls = append(calls, t.cbFn)
	}
	return calls
}

func (t *simTask) configure(tm Timing) error {
	t.sim.Lock()
	defer t.sim.Unlock()
	if t.running {
		return ErrRunning
	}
	t.timing = tm
	t.done = false
	t.acquired = 0
	t.fired = 0
	return nil
}

func (t *simTask) register(n int, fn func()) error {
	if n < 1 {
		return ErrBadPlan
	}
	t.sim.Lock()
	t.cbN, t.cbFn = n, fn
	t.sim.Unlock()
	return nil
}

func (t *simTask) start() {
	t.running = true
	t.sim.Events = append(t.sim.Events, "start "+t.name)
}

func (t *simTask) stop() {
	t.running = false
	t.Stops++
	t.sim.Events = append(t.sim.Events, "stop "+t.name)
}

// IsDone returns true once a finite task has completed
func (t *simTask) IsDone() (bool, error) {
	t.sim.Lock()
	defer t.sim.Unlock()
	return t.done, nil
}

// Close releases the task
func (t *simTask) Close() error {
	t.sim.Lock()
	t.Closes++
	t.sim.Unlock()
	return nil
}

// SimOutput is the simulated leader
type SimOutput struct {
	simTask
	buf       []float64
	written   int
	generated int
	doneFn    func(error)
	stopCh    chan struct{}
}

// Configure sets the timing of the task
func (o *SimOutput) Configure(t Timing) error {
	if err := o.configure(t); err != nil {
		return err
	}
	o.sim.Lock()
	o.buf = make([]float64, 2*t.Buffer)
	o.written, o.generated = 0, 0
	o.sim.Unlock()
	return nil
}

// Channels is always 2, x and y
func (o *SimOutput) Channels() int { return 2 }

// Write writes interleaved x, y samples at the write cursor
func (o *SimOutput) Write(data []float64, timeout time.Duration) (int, error) {
	o.sim.Lock()
	defer o.sim.Unlock()
	buflen := o.timing.Buffer
	if buflen == 0 {
		return 0, ErrNotConfigured
	}
	n := len(data) / 2
	for i := 0; i < n; i++ {
		p := o.written % buflen
		o.buf[2*p], o.buf[2*p+1] = data[2*i], data[2*i+1]
		o.written++
	}
	return n, nil
}

// WritePosition is the total number of samples per channel written
func (o *SimOutput) WritePosition() (uint64, error) {
	o.sim.Lock()
	defer o.sim.Unlock()
	return uint64(o.written), nil
}

// SpaceAvailable is the number of samples per channel that may be written
// without overwriting samples not yet generated
func (o *SimOutput) SpaceAvailable() (int, error) {
	o.sim.Lock()
	defer o.sim.Unlock()
	space := o.timing.Buffer - (o.written - o.generated)
	if space < 0 {
		space = 0
	}
	return space, nil
}

// SamplesGenerated is the number of samples per channel generated
func (o *SimOutput) SamplesGenerated() (uint64, error) {
	o.sim.Lock()
	defer o.sim.Unlock()
	return uint64(o.generated), nil
}

// RegisterBlockCallback calls fn every n samples generated
func (o *SimOutput) RegisterBlockCallback(n int, fn func()) error {
	return o.register(n, fn)
}

// RegisterDoneCallback calls fn when a finite generation completes
func (o *SimOutput) RegisterDoneCallback(fn func(error)) error {
	o.sim.Lock()
	o.doneFn = fn
	o.sim.Unlock()
	return nil
}

// Start starts generation
func (o *SimOutput) Start() error {
	s := o.sim
	s.Lock()
	defer s.Unlock()
	if !s.opened {
		return errSimOffline
	}
	if o.running {
		return ErrRunning
	}
	o.start()
	if s.PixelsPerTick > 0 {
		o.stopCh = make(chan struct{})
		go s.tick(o.stopCh)
	}
	return nil
}

// Stop aborts generation
func (o *SimOutput) Stop() error {
	o.sim.Lock()
	defer o.sim.Unlock()
	o.stop()
	if o.stopCh != nil {
		close(o.stopCh)
		o.stopCh = nil
	}
	return nil
}

// SimInput is a simulated analog input.  Channel c reads Specimen*(c+1) + c
type SimInput struct {
	simTask
	ch   int
	fifo []float64
}

func (a *SimInput) oversample(pixelRate float64) int {
	if pixelRate <= 0 || a.timing.Rate <= 0 {
		return 1
	}
	os := int(math.Round(a.timing.Rate / pixelRate))
	if os < 1 {
		return 1
	}
	return os
}

// Configure sets the timing of the task
func (a *SimInput) Configure(t Timing) error {
	if err := a.configure(t); err != nil {
		return err
	}
	a.sim.Lock()
	a.fifo = a.fifo[:0]
	a.sim.Unlock()
	return nil
}

// Channels is the number of analog inputs
func (a *SimInput) Channels() int { return a.ch }

// ReadBlock reads n samples per channel
func (a *SimInput) ReadBlock(n int) ([]float64, error) {
	a.sim.Lock()
	defer a.sim.Unlock()
	need := n * a.ch
	if len(a.fifo) < need {
		return nil, ErrNotEnoughData
	}
	out := make([]float64, need)
	copy(out, a.fifo[:need])
	a.fifo = a.fifo[need:]
	return out, nil
}

// RegisterBlockCallback calls fn every n samples per channel
func (a *SimInput) RegisterBlockCallback(n int, fn func()) error {
	return a.register(n, fn)
}

// Start arms the task on the leader's trigger
func (a *SimInput) Start() error {
	a.sim.Lock()
	defer a.sim.Unlock()
	a.start()
	return nil
}

// Stop aborts the task
func (a *SimInput) Stop() error {
	a.sim.Lock()
	defer a.sim.Unlock()
	a.stop()
	return nil
}

// SimCounter is a simulated edge counter
type SimCounter struct {
	simTask
	count uint32
	fifo  []uint32
}

// Configure sets the timing of the task
func (c *SimCounter) Configure(t Timing) error {
	if err := c.configure(t); err != nil {
		return err
	}
	c.sim.Lock()
	c.fifo = c.fifo[:0]
	c.count = c.sim.CounterBase
	c.sim.Unlock()
	return nil
}

// ReadBlock reads n cumulative counts
func (c *SimCounter) ReadBlock(n int) ([]uint32, error) {
	c.sim.Lock()
	defer c.sim.Unlock()
	if len(c.fifo) < n {
		return nil, ErrNotEnoughData
	}
	out := make([]uint32, n)
	copy(out, c.fifo[:n])
	c.fifo = c.fifo[n:]
	return out, nil
}

// RegisterBlockCallback calls fn every n samples
func (c *SimCounter) RegisterBlockCallback(n int, fn func()) error {
	return c.register(n, fn)
}

// Start arms the counter on the leader's trigger
func (c *SimCounter) Start() error {
	c.sim.Lock()
	defer c.sim.Unlock()
	c.start()
	return nil
}

// Stop aborts the counter
func (c *SimCounter) Stop() error {
	c.sim.Lock()
	defer c.sim.Unlock()
	c.stop()
	return nil
}
