// Package waveform keeps a two channel analog output fed with an actuator trajectory.
//
// The output is run in regenerating mode; the hardware replays whatever is in
// its buffer until it is overwritten.  Buffer refills a half of the trajectory
// each time the hardware has consumed half of it, which is what allows a new
// trajectory to be swapped in on a frame boundary without a discontinuity.
package waveform

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrReentrant is generated when Refill is called while a refill is already executing
	ErrReentrant = errors.New("output refill re-entered while already executing")

	// ErrOddBlock is generated when the refill block (Npixels/2) would not be an integer
	ErrOddBlock = errors.New("pixel count must be even so the refill block is Npixels/2")

	// ErrLength is generated when a replacement waveform does not match the active one in length
	ErrLength = errors.New("replacement waveform length differs from active waveform")

	// ErrUnderrunRisk is generated when there is less space available in the
	// hardware buffer than one refill block; it is a warning, not fatal
	ErrUnderrunRisk = errors.New("output buffer space below one refill block, underrun likely")
)

// Output is the portion of a hardware output task the buffer needs
type Output interface {
	// Write writes interleaved samples at the hardware write cursor
	Write(data []float64, timeout time.Duration) (int, error)

	// WritePosition is the hardware write cursor, in samples per channel
	WritePosition() (uint64, error)

	// SpaceAvailable is the free space in the output buffer, in samples per channel
	SpaceAvailable() (int, error)

	// SamplesGenerated is the total number of samples emitted per channel
	SamplesGenerated() (uint64, error)
}

// Stats summarizes the activity of the buffer
type Stats struct {
	Refills          uint64 `json:"refills"`
	Swaps            uint64 `json:"swaps"`
	UnderrunRisks    uint64 `json:"underrunRisks"`
	Reentries        uint64 `json:"reentries"`
	WritePosition    uint64 `json:"writePosition"`
	SpaceAvailable   int    `json:"spaceAvailable"`
	SamplesGenerated uint64 `json:"samplesGenerated"`
}

// Buffer holds the active and pending trajectory for an output task.
//
// Refill is called from the hardware callback context; SetNext from the
// measurement loop.  The pending slot is the only state they share.
type Buffer struct {
	out Output

	// Block is the number of pixels written per refill
	Block int

	npix int

	// busy is the re-entrancy guard around Refill
	busy int32

	// dacI is the logical position of the next refill, in pixels.
	// only touched inside the guarded section of Refill
	dacI int

	// active is the trajectory being played.  Only Refill replaces it, under
	// actMu, so Refill itself reads it without the lock
	actMu  sync.Mutex
	active []float64

	pendMu  sync.Mutex
	pending []float64

	stats Stats
	stMu  sync.Mutex
}

// New creates a buffer for an interleaved x,y trajectory
func New(out Output, positions []float64) (*Buffer, error) {
	if len(positions)%2 != 0 {
		return nil, fmt.Errorf("positions must be interleaved x,y pairs, got %d values", len(positions))
	}
	npix := len(positions) / 2
	if npix == 0 || npix%2 != 0 {
		return nil, fmt.Errorf("%w: Npixels=%d", ErrOddBlock, npix)
	}
	active := make([]float64, len(positions))
	copy(active, positions)
	return &Buffer{out: out, Block: npix / 2, npix: npix, active: active}, nil
}

// Npixels is the length of the trajectory in pixels
func (b *Buffer) Npixels() int {
	return b.npix
}

// Prime writes the complete trajectory to the hardware; call before the task starts
func (b *Buffer) Prime(timeout time.Duration) error {
	if !atomic.CompareAndSwapInt32(&b.busy, 0, 1) {
		return ErrReentrant
	}
	defer atomic.StoreInt32(&b.busy, 0)
	_, err := b.out.Write(b.active, timeout)
	if err != nil {
		return fmt.Errorf("priming output buffer: %w", err)
	}
	b.dacI = 0
	return nil
}

// SetNext queues a replacement trajectory, which becomes active at the next
// refill that begins at the start of the trajectory.  A second call before the
// swap replaces the pending trajectory
func (b *Buffer) SetNext(positions []float64) error {
	if len(positions) != 2*b.npix {
		return fmt.Errorf("%w: got %d, need %d", ErrLength, len(positions), 2*b.npix)
	}
	next := make([]float64, len(positions))
	copy(next, positions)
	b.pendMu.Lock()
	b.pending = next
	b.pendMu.Unlock()
	return nil
}

// Pending returns true if a replacement trajectory is waiting to be swapped in
func (b *Buffer) Pending() bool {
	b.pendMu.Lock()
	defer b.pendMu.Unlock()
	return b.pending != nil
}

// Refill writes the next Block pixels of the trajectory.  It is called by
// the hardware every time Block samples have been consumed.
//
// A call that overlaps another is refused with ErrReentrant and leaves the
// waveform untouched.  The hardware serializes these callbacks, so seeing one
// means the program's ordering assumptions are broken.
func (b *Buffer) Refill() error {
	if !atomic.CompareAndSwapInt32(&b.busy, 0, 1) {
		b.stMu.Lock()
		b.stats.Reentries++
		b.stMu.Unlock()
		log.Println("waveform: FATAL ordering violation, refill re-entered")
		return ErrReentrant
	}
	defer atomic.StoreInt32(&b.busy, 0)

	wp, err := b.out.WritePosition()
	if err != nil {
		return fmt.Errorf("reading write position: %w", err)
	}
	space, err := b.out.SpaceAvailable()
	if err != nil {
		return fmt.Errorf("reading space available: %w", err)
	}
	gen, err := b.out.SamplesGenerated()
	if err != nil {
		return fmt.Errorf("reading samples generated: %w", err)
	}

	var warn error
	b.stMu.Lock()
	b.stats.WritePosition, b.stats.SpaceAvailable, b.stats.SamplesGenerated = wp, space, gen
	if space < b.Block {
		b.stats.UnderrunRisks++
		warn = fmt.Errorf("%w: space=%d block=%d", ErrUnderrunRisk, space, b.Block)
	}
	b.stMu.Unlock()

	if b.dacI == 0 {
		b.pendMu.Lock()
		if b.pending != nil {
			b.actMu.Lock()
			b.active = b.pending
			b.actMu.Unlock()
			b.pending = nil
			b.stMu.Lock()
			b.stats.Swaps++
			b.stMu.Unlock()
		}
		b.pendMu.Unlock()
	}

	head := 2 * b.dacI
	_, err = b.out.Write(b.active[head:head+2*b.Block], 0)
	if err != nil {
		return fmt.Errorf("writing output block at pixel %d: %w", b.dacI, err)
	}
	b.dacI = (b.dacI + b.Block) % b.npix

	b.stMu.Lock()
	b.stats.Refills++
	b.stMu.Unlock()
	return warn
}

// Active returns a copy of the trajectory currently being played
func (b *Buffer) Active() []float64 {
	b.actMu.Lock()
	defer b.actMu.Unlock()
	out := make([]float64, len(b.active))
	copy(out, b.active)
	return out
}

// Stats returns a snapshot of the buffer's counters
func (b *Buffer) Stats() Stats {
	b.stMu.Lock()
	defer b.stMu.Unlock()
	return b.stats
}
