package daq

// CounterDiff converts the cumulative counts read from a counter task into
// counts per pixel.
//
// A free running counter reports its whole history on the first edge, so the
// first pixel of a run is replaced by the second when both are available.
type CounterDiff struct {
	prev    uint32
	started bool
}

// Next returns the per-pixel counts of a block of cumulative counts.
// Wraparound of the 32 bit hardware counter is handled by unsigned subtraction
func (c *CounterDiff) Next(raw []uint32) []float64 {
	out := make([]float64, len(raw))
	prev := c.prev
	for i, v := range raw {
		out[i] = float64(v - prev)
		prev = v
	}
	if !c.started && len(out) > 1 {
		out[0] = out[1]
	}
	if len(raw) > 0 {
		c.started = true
		c.prev = prev
	}
	return out
}

// Reset forgets the counter history; call at the start of a run
func (c *CounterDiff) Reset() {
	c.prev = 0
	c.started = false
}
