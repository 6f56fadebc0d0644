// Package daq describes hardware timed acquisition tasks and coordinates a
// set of them under one sample clock.
//
// One output task (the trigger leader) drives the actuator.  An analog input
// task and zero or more edge counters (the followers) arm on the leader's
// start trigger and, where their rates allow, use its sample clock.  Every
// task delivers data through block callbacks, so no software synchronization
// of the tasks is required.
package daq

import (
	"errors"
	"math"
	"time"

	"github.com/nasa-jpl/syncraster/waveform"
)

const (
	// LeaderClock is the terminal of the leader's sample clock
	LeaderClock = "ao/SampleClock"

	// LeaderTrigger is the terminal of the leader's start trigger
	LeaderTrigger = "ao/StartTrigger"
)

var (
	// ErrConnect is generated when the device cannot be reached after the retry
	ErrConnect = errors.New("unable to connect to acquisition hardware")

	// ErrNotConfigured is generated when a task set is started before Configure
	ErrNotConfigured = errors.New("task set not configured")

	// ErrRunning is generated when a task set is configured or started while running
	ErrRunning = errors.New("task set already running")

	// ErrBadPlan is generated when block planning is given nonsense inputs
	ErrBadPlan = errors.New("pixel count, column count, and rate must be positive")

	// ErrNotEnoughData is generated when a read asks for more samples than are buffered
	ErrNotEnoughData = errors.New("fewer samples buffered than requested")
)

// Timing is the clock and buffer configuration of a task
type Timing struct {
	// Rate is the sample rate, Hz
	Rate float64

	// Buffer is the size of the hardware buffer, in samples per channel
	Buffer int

	// Total is the number of samples per channel to acquire or generate
	// before the task completes.  0 runs until stopped
	Total int

	// Regenerate replays the output buffer until it is overwritten
	Regenerate bool

	// ClockSource is the sample clock terminal.  "" uses the onboard clock
	ClockSource string

	// StartTrigger is the terminal of the start trigger.  "" starts on Start()
	StartTrigger string

	// ExportTrigger routes this task's start trigger to a terminal, "" for none
	ExportTrigger string
}

// Task is a hardware timed task
type Task interface {
	// Configure sets the timing of the task; it may not be called while running
	Configure(Timing) error

	// Start arms or starts the task
	Start() error

	// Stop aborts the task, preventing further callbacks
	Stop() error

	// Close releases the task
	Close() error

	// IsDone returns true if a finite task has completed
	IsDone() (bool, error)
}

// OutputTask is an analog output task that leads the others
type OutputTask interface {
	Task
	waveform.Output

	// Channels is the number of output channels
	Channels() int

	// RegisterBlockCallback calls fn each time n samples per channel have been
	// transferred out of the buffer
	RegisterBlockCallback(n int, fn func()) error

	// RegisterDoneCallback calls fn when a finite task completes or fails
	RegisterDoneCallback(fn func(error)) error
}

// InputTask is an analog input task
type InputTask interface {
	Task

	// Channels is the number of input channels
	Channels() int

	// ReadBlock reads n samples per channel, laid out [sample][channel]
	ReadBlock(n int) ([]float64, error)

	// RegisterBlockCallback calls fn each time n samples per channel are available
	RegisterBlockCallback(n int, fn func()) error
}

// CounterTask is an edge counting task, which reports the cumulative
// count at each sample clock edge
type CounterTask interface {
	Task

	// ReadBlock reads n cumulative counts
	ReadBlock(n int) ([]uint32, error)

	// RegisterBlockCallback calls fn each time n samples are available
	RegisterBlockCallback(n int, fn func()) error
}

// Device is the physical acquisition hardware
type Device interface {
	Open() error
	Close() error
}

// secs converts a period in seconds to a time.Duration
func secs(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
