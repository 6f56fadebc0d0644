// Package assembler turns streams of pixel blocks into frames.
//
// Hardware callbacks hand blocks to OnBlock, which only enqueues them.  The
// measurement loop calls Poll, which drains the queues and scatters each block
// into its group's FrameBuffer using the scan index array.  Channel groups
// (the analog inputs, each counter) keep independent arrival counts and write
// disjoint cells, so they never wait on each other.
package assembler

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nasa-jpl/syncraster/scan"
)

var (
	// ErrQueueOverflow is generated when a group's queue is full, meaning the
	// poll loop has fallen behind the hardware and data has been lost
	ErrQueueOverflow = errors.New("block queue full, poll loop is falling behind")

	// ErrBlockSize is generated when a block is not a whole number of pixels
	ErrBlockSize = errors.New("block length is not a whole number of pixels")

	// ErrUnknownGroup is generated when a block names a group that was never added
	ErrUnknownGroup = errors.New("unknown channel group")

	// ErrFrameOverrun is generated when a finite scan receives data past its last frame
	ErrFrameOverrun = errors.New("data past the last frame of a finite scan")
)

// DefaultQueueDepth is the number of blocks a group may have queued
const DefaultQueueDepth = 64

// PixelBlock is one callback's worth of samples from one group
type PixelBlock struct {
	Group string
	Seq   uint64
	Data  []float64
}

// FrameComplete reports that a group finished a frame
type FrameComplete struct {
	Group string
	Frame int
}

// Config describes the scan being assembled
type Config struct {
	// Index maps pixel number to location; its length is Npixels
	Index []scan.Index

	Subframes, Rows, Cols int

	// Frames is the frame count of a finite scan, and the number of frames
	// a continuous one keeps in memory (at least 2)
	Frames int

	Continuous bool

	// QueueDepth is the per-group queue length, DefaultQueueDepth if 0
	QueueDepth int
}

type group struct {
	name       string
	channels   int
	oversample int
	buf        *FrameBuffer
	chanOffset int

	queue    chan PixelBlock
	seq      uint64 // last enqueued, atomic
	lastSeq  uint64 // last scattered
	overflow uint64 // atomic

	pixelIndex int
	total      int
	completed  int
}

// Assembler scatters pixel blocks into frame buffers
type Assembler struct {
	cfg    Config
	npix   int
	groups []*group
	byName map[string]*group

	mu sync.Mutex

	first     chan struct{}
	firstOnce sync.Once
}

// New returns an assembler with no groups
func New(cfg Config) (*Assembler, error) {
	if len(cfg.Index) == 0 {
		return nil, errors.New("empty scan index array")
	}
	if cfg.Frames < 1 {
		return nil, fmt.Errorf("frame count must be >= 1, got %d", cfg.Frames)
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.Subframes < 1 {
		cfg.Subframes = 1
	}
	return &Assembler{
		cfg:    cfg,
		npix:   len(cfg.Index),
		byName: make(map[string]*group),
		first:  make(chan struct{}),
	}, nil
}

// NewFrameBuffer allocates a frame buffer shaped for this scan, a ring
// buffer if the scan is continuous
func (a *Assembler) NewFrameBuffer(channels int) *FrameBuffer {
	if a.cfg.Continuous {
		slots := a.cfg.Frames
		if slots < 2 {
			slots = 2
		}
		return NewRingBuffer(slots, a.cfg.Subframes, a.cfg.Rows, a.cfg.Cols, channels)
	}
	return NewFrameBuffer(a.cfg.Frames, a.cfg.Subframes, a.cfg.Rows, a.cfg.Cols, channels)
}

// AddGroup adds a channel group that writes channels [chanOffset, chanOffset+channels)
// of buf.  Each sample in the group's blocks holds oversample*channels values
// laid out [oversample][channel].  Groups must be added before any block arrives
func (a *Assembler) AddGroup(name string, channels, oversample int, buf *FrameBuffer, chanOffset int) error {
	if _, ok := a.byName[name]; ok {
		return fmt.Errorf("group %q already added", name)
	}
	if channels < 1 {
		return fmt.Errorf("group %q needs at least one channel", name)
	}
	if oversample < 1 {
		oversample = 1
	}
	if chanOffset < 0 || chanOffset+channels > buf.Channels {
		return fmt.Errorf("group %q channels [%d, %d) do not fit a buffer of %d channels", name, chanOffset, chanOffset+channels, buf.Channels)
	}
	if a.cfg.Continuous && (!buf.Ring() || buf.Frames() < 2) {
		return fmt.Errorf("group %q: a continuous scan needs a ring buffer of at least 2 frames", name)
	}
	g := &group{
		name:       name,
		channels:   channels,
		oversample: oversample,
		buf:        buf,
		chanOffset: chanOffset,
		queue:      make(chan PixelBlock, a.cfg.QueueDepth),
	}
	a.groups = append(a.groups, g)
	a.byName[name] = g
	return nil
}

// OnBlock queues a block of samples from a hardware callback.  It never blocks
func (a *Assembler) OnBlock(name string, data []float64) error {
	g, ok := a.byName[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownGroup, name)
	}
	if len(data)%(g.channels*g.oversample) != 0 {
		return fmt.Errorf("%w: group %q got %d values, need a multiple of %d", ErrBlockSize, name, len(data), g.channels*g.oversample)
	}
	b := PixelBlock{Group: name, Seq: atomic.AddUint64(&g.seq, 1), Data: data}
	select {
	case g.queue <- b:
		return nil
	default:
		atomic.AddUint64(&g.overflow, 1)
		return fmt.Errorf("%w: group %q block %d dropped", ErrQueueOverflow, name, b.Seq)
	}
}

// Poll drains every queue and scatters the blocks.  It returns the frames
// completed, in order per group.  It must only be called from one goroutine.
//
// In a continuous scan a group stops draining once it has completed one frame
// less than its ring holds, so every frame Poll reports is still in the buffer
// when it returns.  The rest of the queue is left for the next Poll
func (a *Assembler) Poll() ([]FrameComplete, error) {
	var done []FrameComplete
	for _, g := range a.groups {
		limit, start := 0, len(done)
		if g.buf.Ring() {
			limit = g.buf.Frames() - 1
		}
	drain:
		for {
			select {
			case b := <-g.queue:
				var err error
				done, err = a.scatter(g, b, done)
				if err != nil {
					return done, err
				}
				if limit > 0 && len(done)-start >= limit {
					break drain
				}
			default:
				break drain
			}
		}
	}
	return done, nil
}

func (a *Assembler) scatter(g *group, b PixelBlock, done []FrameComplete) ([]FrameComplete, error) {
	if b.Seq != g.lastSeq+1 {
		return done, fmt.Errorf("%w: group %q block %d follows block %d", ErrQueueOverflow, g.name, b.Seq, g.lastSeq)
	}
	g.lastSeq = b.Seq

	a.mu.Lock()
	defer a.mu.Unlock()
	stride := g.channels * g.oversample
	n := len(b.Data) / stride
	vals := make([]float64, g.channels)
	for j := 0; j < n; j++ {
		frame := g.total / a.npix
		if g.buf.Ring() {
			if g.pixelIndex == 0 {
				g.buf.clear(frame, g.chanOffset, g.channels)
			}
		} else if frame >= g.buf.Frames() {
			return done, fmt.Errorf("%w: group %q frame %d", ErrFrameOverrun, g.name, frame)
		}
		px := b.Data[j*stride : (j+1)*stride]
		for c := range vals {
			sum := 0.
			for k := 0; k < g.oversample; k++ {
				sum += px[k*g.channels+c]
			}
			vals[c] = sum / float64(g.oversample)
		}
		idx := a.cfg.Index[g.pixelIndex]
		g.buf.set(frame, idx.Sub, idx.Row, idx.Col, g.chanOffset, vals)
		a.firstOnce.Do(func() { close(a.first) })

		g.total++
		g.pixelIndex++
		if g.pixelIndex == a.npix {
			g.pixelIndex = 0
			g.completed++
			done = append(done, FrameComplete{Group: g.name, Frame: g.total/a.npix - 1})
		}
	}
	return done, nil
}

// FirstData is closed when the first pixel of the run has been scattered
func (a *Assembler) FirstData() <-chan struct{} {
	return a.first
}

// Npixels is the number of pixels per frame
func (a *Assembler) Npixels() int {
	return a.npix
}

// Completed returns the number of frames a group has completed
func (a *Assembler) Completed(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if g, ok := a.byName[name]; ok {
		return g.completed
	}
	return 0
}

// Overflows returns the number of blocks dropped for a group
func (a *Assembler) Overflows(name string) uint64 {
	if g, ok := a.byName[name]; ok {
		return atomic.LoadUint64(&g.overflow)
	}
	return 0
}

// Progress is the completion of the scan in percent, measured on the first
// group added.  In continuous mode it is the completion of the current frame
func (a *Assembler) Progress() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.groups) == 0 {
		return 0
	}
	g := a.groups[0]
	if a.cfg.Continuous {
		return 100 * float64(g.pixelIndex) / float64(a.npix)
	}
	return 100 * float64(g.total) / float64(a.npix*a.cfg.Frames)
}

// Latest returns the index of the frame a group is filling (or last
// filled, once a finite scan ends) and the group's buffer
func (a *Assembler) Latest(name string) (int, *FrameBuffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.byName[name]
	if !ok {
		return 0, nil, fmt.Errorf("%w: %q", ErrUnknownGroup, name)
	}
	frame := g.total / a.npix
	if !g.buf.Ring() && frame >= g.buf.Frames() {
		frame = g.buf.Frames() - 1
	}
	return frame, g.buf, nil
}
