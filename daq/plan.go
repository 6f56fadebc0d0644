package daq

import (
	"fmt"
	"math"
	"time"
)

// BlockPlan is the result of PlanBlocks
type BlockPlan struct {
	// PixelsPerBlock is the number of pixels delivered per input callback
	PixelsPerBlock int `json:"pixelsPerBlock"`

	// NumBlocks is the number of blocks in one pass of the pattern
	NumBlocks int `json:"numBlocks"`

	// Requested is the poll period asked for
	Requested time.Duration `json:"requested"`

	// Effective is the time between callbacks that the plan produces.
	// It can differ from Requested by a large factor when Npixels has few divisors
	Effective time.Duration `json:"effective"`
}

// PlanBlocks chooses the number of pixels per input callback.
//
// The target is the number of pixels that elapse in one poll period.  Below
// one line, the largest divisor of the column count that does not exceed the
// target is used; above it, the target is rounded down to whole lines.  The
// number of blocks per pass is then shrunk until it divides Npixels, so blocks
// never straddle a pass.
func PlanBlocks(npixels, cols int, pixelRate float64, poll time.Duration) (BlockPlan, error) {
	if npixels < 1 || cols < 1 || pixelRate <= 0 {
		return BlockPlan{}, fmt.Errorf("%w: npixels=%d cols=%d rate=%g", ErrBadPlan, npixels, cols, pixelRate)
	}
	target := int(math.Floor(poll.Seconds() * pixelRate))
	if target < 1 {
		target = 1
	}

	var ppb int
	if target < cols {
		for d := target; d >= 1; d-- {
			if cols%d == 0 {
				ppb = d
				break
			}
		}
	} else {
		ppb = (target / cols) * cols
	}

	nblocks := npixels / ppb
	if nblocks < 1 {
		nblocks = 1
	}
	for npixels%nblocks != 0 {
		nblocks--
	}
	ppb = npixels / nblocks

	return BlockPlan{
		PixelsPerBlock: ppb,
		NumBlocks:      nblocks,
		Requested:      poll,
		Effective:      secs(float64(ppb) / pixelRate),
	}, nil
}
