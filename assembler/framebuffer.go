package assembler

import "sync"

// FrameBuffer is an image stack shaped (frames, subframes, rows, cols, channels).
// Cells not yet reached by the scan hold zero.
//
// A ring buffer holds the latest frames of an unbounded scan: frame k lives
// in slot k mod Frames, and is cleared when the scan reaches it
type FrameBuffer struct {
	mu sync.RWMutex

	frames    int
	ring      bool
	Subframes int
	Rows      int
	Cols      int
	Channels  int

	data []float64
}

// NewFrameBuffer allocates a frame buffer
func NewFrameBuffer(frames, subframes, rows, cols, channels int) *FrameBuffer {
	fb := &FrameBuffer{
		frames:    frames,
		Subframes: subframes,
		Rows:      rows,
		Cols:      cols,
		Channels:  channels,
	}
	fb.data = make([]float64, frames*fb.FrameSize())
	return fb
}

// NewRingBuffer allocates a frame buffer which reuses its slots
func NewRingBuffer(slots, subframes, rows, cols, channels int) *FrameBuffer {
	fb := NewFrameBuffer(slots, subframes, rows, cols, channels)
	fb.ring = true
	return fb
}

// Ring returns true if frames wrap around the frame axis
func (fb *FrameBuffer) Ring() bool {
	return fb.ring
}

// FrameSize is the number of values in one frame
func (fb *FrameBuffer) FrameSize() int {
	return fb.Subframes * fb.Rows * fb.Cols * fb.Channels
}

// Frames is the capacity of the frame axis
func (fb *FrameBuffer) Frames() int {
	fb.mu.RLock()
	defer fb.mu.RUnlock()
	return fb.frames
}

// Shape returns (frames, subframes, rows, cols, channels)
func (fb *FrameBuffer) Shape() []int {
	fb.mu.RLock()
	defer fb.mu.RUnlock()
	return []int{fb.frames, fb.Subframes, fb.Rows, fb.Cols, fb.Channels}
}

func (fb *FrameBuffer) slot(frame int) int {
	if fb.ring {
		return frame % fb.frames
	}
	return frame
}

func (fb *FrameBuffer) offset(frame, sub, row, col int) int {
	return (((fb.slot(frame)*fb.Subframes+sub)*fb.Rows+row)*fb.Cols + col) * fb.Channels
}

// clear zeroes channels [ch, ch+n) of a frame
func (fb *FrameBuffer) clear(frame, ch, n int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	size := fb.FrameSize()
	base := fb.slot(frame) * size
	for o := base; o < base+size; o += fb.Channels {
		for c := ch; c < ch+n; c++ {
			fb.data[o+c] = 0
		}
	}
}

// set writes values to consecutive channels starting at ch
func (fb *FrameBuffer) set(frame, sub, row, col, ch int, vals []float64) {
	fb.mu.Lock()
	o := fb.offset(frame, sub, row, col) + ch
	copy(fb.data[o:o+len(vals)], vals)
	fb.mu.Unlock()
}

// At returns one value
func (fb *FrameBuffer) At(frame, sub, row, col, ch int) float64 {
	fb.mu.RLock()
	defer fb.mu.RUnlock()
	return fb.data[fb.offset(frame, sub, row, col)+ch]
}

// Frame returns a copy of one frame, laid out (subframes, rows, cols, channels)
func (fb *FrameBuffer) Frame(frame int) []float64 {
	fb.mu.RLock()
	defer fb.mu.RUnlock()
	n := fb.FrameSize()
	k := fb.slot(frame)
	out := make([]float64, n)
	copy(out, fb.data[k*n:(k+1)*n])
	return out
}

// Channel returns a copy of one channel of one subframe, laid out (rows, cols)
func (fb *FrameBuffer) Channel(frame, sub, ch int) []float64 {
	fb.mu.RLock()
	defer fb.mu.RUnlock()
	out := make([]float64, fb.Rows*fb.Cols)
	for r := 0; r < fb.Rows; r++ {
		for c := 0; c < fb.Cols; c++ {
			out[r*fb.Cols+c] = fb.data[fb.offset(frame, sub, r, c)+ch]
		}
	}
	return out
}
