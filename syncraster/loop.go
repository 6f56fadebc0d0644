package syncraster

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nasa-jpl/syncraster/drift"
	"github.com/nasa-jpl/syncraster/framestore"
	"github.com/nasa-jpl/syncraster/util"
)

// acquire is the measurement loop.  It returns the final status of the run
func (r *run) acquire(ctx context.Context) (string, error) {
	ticker := time.NewTicker(util.SecsToDuration(r.s.PollPeriod))
	defer ticker.Stop()
	var doneAt time.Time
	for {
		if ctx.Err() != nil {
			log.Printf("raster: run %s interrupted", r.runID)
			return framestore.StatusInterrupted, nil
		}
		select {
		case <-ctx.Done():
			continue
		case err := <-r.faults:
			return framestore.StatusFailed, err
		case err := <-r.done:
			if err != nil {
				return framestore.StatusFailed, fmt.Errorf("acquisition failed: %w", err)
			}
			doneAt = time.Now()
		case <-ticker.C:
		}
		if err := r.poll(); err != nil {
			return framestore.StatusFailed, err
		}
		if r.s.Continuous {
			continue
		}
		if r.finished() {
			return framestore.StatusComplete, nil
		}
		if !doneAt.IsZero() && time.Since(doneAt) > r.tasks.Timeout() {
			return framestore.StatusFailed, ErrIncomplete
		}
	}
}

// finished returns true when every group has completed every frame
func (r *run) finished() bool {
	for _, g := range r.groups {
		if r.asm.Completed(g) < r.s.NFrames {
			return false
		}
	}
	return true
}

// poll drains the assembler and handles completed frames
func (r *run) poll() error {
	done, perr := r.asm.Poll()
	primary := r.groups[0]
	ctrs := false
	for _, fc := range done {
		if fc.Group == primary {
			if err := r.onFrame(fc.Frame); err != nil {
				return err
			}
		}
		if fc.Group == adcGroup {
			if err := r.commit(r.adcDS, fc.Frame, r.adcBuf.Frame(fc.Frame)); err != nil {
				return err
			}
		} else {
			ctrs = true
		}
	}
	if ctrs {
		if err := r.commitCounters(); err != nil {
			return err
		}
	}
	if perr != nil {
		return perr
	}
	if r.display.Allow() {
		st := r.status()
		log.Printf("raster: %.1f%% complete", st.Progress)
		if r.opts.OnFrame != nil {
			r.opts.OnFrame(FrameEvent{Frame: st.Frame, Progress: st.Progress, Offset: st.Offset})
		}
	}
	return nil
}

func (r *run) commit(ds *framestore.Dataset, frame int, data []float64) error {
	if ds == nil {
		return nil
	}
	return ds.CommitFrame(frame, data)
}

// commitCounters commits the frames every counter has completed.  Counters
// finish a frame at slightly different times, and share one buffer
func (r *run) commitCounters() error {
	n := -1
	for _, g := range r.groups {
		if g == adcGroup {
			continue
		}
		if c := r.asm.Completed(g); n < 0 || c < n {
			n = c
		}
	}
	for ; r.ctrCommitted < n; r.ctrCommitted++ {
		k := r.ctrCommitted
		if err := r.commit(r.ctrDS, k, r.ctrBuf.Frame(k)); err != nil {
			return err
		}
	}
	return nil
}

// onFrame runs drift correction on a completed frame and records the offset
func (r *run) onFrame(k int) error {
	now := time.Now()
	log.Printf("raster: frame %d complete, frame_time %v", k, now.Sub(r.frameStart).Round(time.Millisecond))
	r.frameStart = now

	var off, measured drift.Shift
	if r.loop != nil {
		up, err := r.loop.OnFrame(k, r.adcBuf.Channel(k, 0, r.s.Drift.CorrectChan))
		if err != nil {
			log.Printf("raster: frame %d drift not corrected: %v", k, err)
		}
		if up.Waveform != nil {
			if err = r.wave.SetNext(up.Waveform); err != nil {
				return err
			}
		}
		off, measured = up.Offset, up.Measured
	}
	r.mu.Lock()
	r.frame = k + 1
	r.offset = off
	r.mu.Unlock()
	if err := r.commit(r.offDS, k, []float64{off.X, off.Y}); err != nil {
		return err
	}
	if r.opts.OnFrame != nil {
		r.opts.OnFrame(FrameEvent{Frame: k, Complete: true, Progress: r.asm.Progress(), Offset: off, Measured: measured})
	}
	return nil
}
