package daq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// Connect opens the device.  A failed open is retried once after wait;
// a second failure is returned wrapped in ErrConnect
func Connect(ctx context.Context, dev Device, wait time.Duration) error {
	attempt := 0
	op := func() error {
		attempt++
		err := dev.Open()
		if err != nil {
			log.Printf("daq: connect attempt %d failed: %v", attempt, err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(wait), 1), ctx)
	err := backoff.Retry(op, b)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	return nil
}

// Config is the acquisition configuration of a SyncTaskSet
type Config struct {
	// PixelRate is the rate of the leader, one sample per pixel
	PixelRate float64

	// Oversample is the number of analog input samples per pixel
	Oversample int

	// Npixels is the number of pixels in one pass of the pattern
	Npixels int

	// Frames is the number of passes in finite mode
	Frames int

	// Continuous runs until stopped instead of for Frames passes
	Continuous bool

	// ClockSource is an external sample clock for the leader, "" for onboard
	ClockSource string

	// TriggerOutputTerm exports the leader's start trigger, for other instruments
	TriggerOutputTerm string
}

// Callbacks are invoked from the hardware's callback context.  They must
// be short; none may block on the measurement loop
type Callbacks struct {
	// Output is called every time the output consumes a refill block
	Output func()

	// ADC is called every time a block of pixels is available
	ADC func()

	// Counter is called with the counter index every time a block of pixels is available
	Counter func(int)

	// Done is called when a finite acquisition completes
	Done func(error)
}

// SyncTaskSet owns a leader output task and its followers.
// It exclusively owns the task handles given to it
type SyncTaskSet struct {
	sync.Mutex

	Out      OutputTask
	ADC      InputTask
	Counters []CounterTask

	cfg        Config
	configured bool
	running    bool
	started    []Task
}

// NewSyncTaskSet returns a new task set
func NewSyncTaskSet(out OutputTask, adc InputTask, ctrs []CounterTask) *SyncTaskSet {
	return &SyncTaskSet{Out: out, ADC: adc, Counters: ctrs}
}

// Timings computes the timing of the leader, analog input, and counters for a config
func Timings(c Config) (out, adc, ctr Timing) {
	total := 0
	if !c.Continuous {
		total = c.Npixels * c.Frames
	}
	out = Timing{
		Rate:          c.PixelRate,
		Buffer:        c.Npixels,
		Total:         total,
		Regenerate:    true,
		ClockSource:   c.ClockSource,
		ExportTrigger: c.TriggerOutputTerm,
	}
	os := c.Oversample
	if os < 1 {
		os = 1
	}
	adc = Timing{
		Rate:         c.PixelRate * float64(os),
		Buffer:       4 * c.Npixels * os,
		Total:        total * os,
		StartTrigger: LeaderTrigger,
	}
	if os == 1 {
		adc.ClockSource = LeaderClock
	}
	ctr = Timing{
		Rate:         c.PixelRate,
		Buffer:       4 * c.Npixels,
		Total:        total,
		ClockSource:  LeaderClock,
		StartTrigger: LeaderTrigger,
	}
	return out, adc, ctr
}

// Configure applies timing to every task.  The followers are configured
// before the leader, since configuring the leader commits its clock routes
func (s *SyncTaskSet) Configure(c Config) error {
	s.Lock()
	defer s.Unlock()
	if s.running {
		return ErrRunning
	}
	if c.PixelRate <= 0 || c.Npixels < 1 {
		return fmt.Errorf("%w: rate=%g npixels=%d", ErrBadPlan, c.PixelRate, c.Npixels)
	}
	if !c.Continuous && c.Frames < 1 {
		return fmt.Errorf("finite acquisition needs at least one frame, got %d", c.Frames)
	}
	out, adc, ctr := Timings(c)
	if s.ADC != nil {
		if err := s.ADC.Configure(adc); err != nil {
			return fmt.Errorf("configuring analog input: %w", err)
		}
	}
	for i, t := range s.Counters {
		if err := t.Configure(ctr); err != nil {
			return fmt.Errorf("configuring counter %d: %w", i, err)
		}
	}
	if err := s.Out.Configure(out); err != nil {
		return fmt.Errorf("configuring output: %w", err)
	}
	s.cfg = c
	s.configured = true
	return nil
}

// Register installs the callbacks.  pixelsPerBlock sets the input block size,
// refillBlock the output block size
func (s *SyncTaskSet) Register(pixelsPerBlock, refillBlock int, cb Callbacks) error {
	s.Lock()
	defer s.Unlock()
	if !s.configured {
		return ErrNotConfigured
	}
	if cb.Output != nil {
		if err := s.Out.RegisterBlockCallback(refillBlock, cb.Output); err != nil {
			return fmt.Errorf("registering output callback: %w", err)
		}
	}
	if cb.Done != nil {
		if err := s.Out.RegisterDoneCallback(cb.Done); err != nil {
			return fmt.Errorf("registering done callback: %w", err)
		}
	}
	if s.ADC != nil && cb.ADC != nil {
		os := s.cfg.Oversample
		if os < 1 {
			os = 1
		}
		if err := s.ADC.RegisterBlockCallback(pixelsPerBlock*os, cb.ADC); err != nil {
			return fmt.Errorf("registering analog input callback: %w", err)
		}
	}
	if cb.Counter != nil {
		for i, t := range s.Counters {
			i := i
			if err := t.RegisterBlockCallback(pixelsPerBlock, func() { cb.Counter(i) }); err != nil {
				return fmt.Errorf("registering counter %d callback: %w", i, err)
			}
		}
	}
	return nil
}

// Start arms every follower, then starts the leader.  If anything fails to
// start, the tasks already started are stopped
func (s *SyncTaskSet) Start() error {
	s.Lock()
	defer s.Unlock()
	if !s.configured {
		return ErrNotConfigured
	}
	if s.running {
		return ErrRunning
	}
	s.started = s.started[:0]
	followers := make([]Task, 0, 1+len(s.Counters))
	if s.ADC != nil {
		followers = append(followers, s.ADC)
	}
	for _, t := range s.Counters {
		followers = append(followers, t)
	}
	for _, t := range append(followers, s.Out) {
		if err := t.Start(); err != nil {
			s.stopStarted()
			return fmt.Errorf("starting task: %w", err)
		}
		s.started = append(s.started, t)
	}
	s.running = true
	return nil
}

// stopStarted stops started tasks, leader first
func (s *SyncTaskSet) stopStarted() error {
	var errs []error
	for i := len(s.started) - 1; i >= 0; i-- {
		if err := s.started[i].Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	s.started = s.started[:0]
	return errors.Join(errs...)
}

// Stop aborts every task, leader first.  It is safe to call more than once
func (s *SyncTaskSet) Stop() error {
	s.Lock()
	defer s.Unlock()
	s.running = false
	return s.stopStarted()
}

// IsDone returns true when the leader has completed a finite generation
func (s *SyncTaskSet) IsDone() (bool, error) {
	return s.Out.IsDone()
}

// Running returns true between Start and Stop
func (s *SyncTaskSet) Running() bool {
	s.Lock()
	defer s.Unlock()
	return s.running
}

// Close releases every task
func (s *SyncTaskSet) Close() error {
	s.Lock()
	defer s.Unlock()
	var errs []error
	tasks := []Task{s.Out}
	if s.ADC != nil {
		tasks = append(tasks, s.ADC)
	}
	for _, t := range s.Counters {
		tasks = append(tasks, t)
	}
	for _, t := range tasks {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.configured = false
	return errors.Join(errs...)
}

// Timeout is the wait allowed for a finite acquisition past its nominal duration
func (s *SyncTaskSet) Timeout() time.Duration {
	s.Lock()
	defer s.Unlock()
	if s.cfg.PixelRate <= 0 {
		return 0
	}
	return secs(1.5 * float64(s.cfg.Npixels) / s.cfg.PixelRate)
}
