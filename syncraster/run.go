package syncraster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nasa-jpl/syncraster/assembler"
	"github.com/nasa-jpl/syncraster/daq"
	"github.com/nasa-jpl/syncraster/drift"
	"github.com/nasa-jpl/syncraster/framestore"
	"github.com/nasa-jpl/syncraster/scan"
	"github.com/nasa-jpl/syncraster/util"
	"github.com/nasa-jpl/syncraster/waveform"
)

const adcGroup = "adc"

func ctrGroup(i int) string {
	return "ctr" + strconv.Itoa(i)
}

// run is the state of one execution of a measurement
type run struct {
	s     Settings
	hw    Hardware
	store *framestore.Store
	opts  Options
	geo   scan.Geometry

	// guarded by mu, read by Status and Latest
	mu     sync.Mutex
	state  string
	runID  string
	plan   daq.BlockPlan
	asm    *assembler.Assembler
	frame  int
	offset drift.Shift

	// fixed once the tasks start; read from callbacks
	ppb    int
	nadc   int
	wave   *waveform.Buffer
	diffs  []daq.CounterDiff
	groups []string
	faults chan error
	done   chan error

	// owned by the measurement loop
	tasks        *daq.SyncTaskSet
	adcBuf       *assembler.FrameBuffer
	ctrBuf       *assembler.FrameBuffer
	loop         *drift.Loop
	handle       *framestore.Run
	adcDS        *framestore.Dataset
	ctrDS        *framestore.Dataset
	offDS        *framestore.Dataset
	ctrCommitted int
	frameStart   time.Time
	display      *rate.Limiter
	shifted      bool
	cleanupOnce  sync.Once
}

func (r *run) setState(s string) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *run) status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		Running: true,
		State:   r.state,
		RunID:   r.runID,
		Frame:   r.frame,
		Offset:  r.offset,
		Plan:    r.plan,
	}
	if r.asm != nil {
		// the waveform is set before the assembler is published
		st.Progress = r.asm.Progress()
		st.Output = r.wave.Stats()
	}
	return st
}

func (r *run) latest() (int, []float64, int, int, error) {
	r.mu.Lock()
	asm := r.asm
	r.mu.Unlock()
	if asm == nil {
		return 0, nil, 0, 0, ErrNotRunning
	}
	kind, ch, err := parseChan(r.s.DisplayChan)
	if err != nil {
		return 0, nil, 0, 0, err
	}
	group := adcGroup
	if kind == "ctr" {
		group = ctrGroup(ch)
	}
	frame, buf, err := asm.Latest(group)
	if err != nil {
		return 0, nil, 0, 0, err
	}
	return frame, buf.Channel(frame, 0, ch), r.geo.Rows, r.geo.Cols, nil
}

func (r *run) checkHardware(nadc, nctr int) error {
	if nadc > 0 {
		if r.hw.ADC == nil {
			return fmt.Errorf("%w: %d analog inputs enabled, hardware has none", ErrHardwareMismatch, nadc)
		}
		if c := r.hw.ADC.Channels(); c != nadc {
			return fmt.Errorf("%w: %d analog inputs enabled, hardware has %d", ErrHardwareMismatch, nadc, c)
		}
	}
	if len(r.hw.Counters) != nctr {
		return fmt.Errorf("%w: %d counters enabled, hardware has %d", ErrHardwareMismatch, nctr, len(r.hw.Counters))
	}
	return nil
}

// execute runs the scan from connect to cleanup
func (r *run) execute(ctx context.Context) error {
	r.setState(framestore.StatusRunning)
	adcNames, ctrNames := r.s.EnabledADC(), r.s.EnabledCounters()
	if err := r.checkHardware(len(adcNames), len(ctrNames)); err != nil {
		return err
	}
	if err := daq.Connect(ctx, r.hw.Device, util.SecsToDuration(r.s.ConnectWait)); err != nil {
		return err
	}
	status := framestore.StatusFailed
	defer func() {
		r.cleanup(status)
	}()

	if err := r.setup(adcNames, ctrNames); err != nil {
		return err
	}
	if err := r.createStorage(adcNames, ctrNames); err != nil {
		return err
	}
	if err := r.opts.Hook.PreScan(ctx); err != nil {
		return fmt.Errorf("pre-scan hook: %w", err)
	}
	r.frameStart = time.Now()
	if err := r.tasks.Start(); err != nil {
		return err
	}
	log.Printf("raster: run %s started, %d pixels per frame at %g Hz", r.runID, r.geo.Npixels, r.s.PixelRate())

	var err error
	status, err = r.acquire(ctx)
	if status != framestore.StatusFailed && r.loop != nil {
		r.shiftBounds()
	}
	return err
}

// setup builds the assembler, waveform, drift loop, and task set
func (r *run) setup(adcNames, ctrNames []string) error {
	s, geo := r.s, r.geo
	r.nadc = len(adcNames)
	plan, err := daq.PlanBlocks(geo.Npixels, geo.Cols, s.PixelRate(), util.SecsToDuration(s.PollPeriod))
	if err != nil {
		return err
	}
	log.Printf("raster: %d pixels per block, %d blocks per frame, latency %v (requested %v)",
		plan.PixelsPerBlock, plan.NumBlocks, plan.Effective, plan.Requested)
	r.ppb = plan.PixelsPerBlock

	asm, err := assembler.New(assembler.Config{
		Index:      geo.Index,
		Subframes:  geo.Subframes,
		Rows:       geo.Rows,
		Cols:       geo.Cols,
		Frames:     s.NFrames,
		Continuous: s.Continuous,
	})
	if err != nil {
		return err
	}
	if r.nadc > 0 {
		r.adcBuf = asm.NewFrameBuffer(r.nadc)
		if err = asm.AddGroup(adcGroup, r.nadc, s.ADCOversample, r.adcBuf, 0); err != nil {
			return err
		}
		r.groups = append(r.groups, adcGroup)
	}
	if len(ctrNames) > 0 {
		r.ctrBuf = asm.NewFrameBuffer(len(ctrNames))
		for i := range ctrNames {
			if err = asm.AddGroup(ctrGroup(i), 1, 1, r.ctrBuf, i); err != nil {
				return err
			}
			r.groups = append(r.groups, ctrGroup(i))
		}
	}
	r.diffs = make([]daq.CounterDiff, len(ctrNames))

	r.wave, err = waveform.New(r.hw.Output, geo.Positions)
	if err != nil {
		return err
	}

	if d := s.Drift; d.Enabled {
		cfg := drift.Config{
			Exponent:     d.CorrelationExp,
			Upsample:     d.Upsample,
			WindowAlpha:  d.WindowAlpha,
			MaxError:     d.MaxError,
			SubtractMean: true,
			ScaleX:       drift.Scale(s.Scan.X0, s.Scan.X1, geo.Cols, d.SignX),
			ScaleY:       drift.Scale(s.Scan.Y0, s.Scan.Y1, geo.Rows, d.SignY),
		}
		ctrl := &drift.Proportional{Gain: d.ProportionalGain, MaxStep: d.MaxStep}
		r.loop = drift.NewLoop(cfg, ctrl, geo.Rows, geo.Cols, geo.Positions, s.XLimit, s.YLimit)
	}

	var adc daq.InputTask
	if r.nadc > 0 {
		adc = r.hw.ADC
	}
	r.tasks = daq.NewSyncTaskSet(r.hw.Output, adc, r.hw.Counters)
	err = r.tasks.Configure(daq.Config{
		PixelRate:         s.PixelRate(),
		Oversample:        s.ADCOversample,
		Npixels:           geo.Npixels,
		Frames:            s.NFrames,
		Continuous:        s.Continuous,
		ClockSource:       s.ClockSource,
		TriggerOutputTerm: s.TriggerOutputTerm,
	})
	if err != nil {
		return err
	}
	r.faults = make(chan error, 1)
	r.done = make(chan error, 1)
	cb := daq.Callbacks{Output: r.onRefill, Counter: r.onCounter, Done: r.onDone}
	if r.nadc > 0 {
		cb.ADC = r.onADC
	}
	if err = r.tasks.Register(r.ppb, r.wave.Block, cb); err != nil {
		return err
	}
	if err = r.wave.Prime(r.tasks.Timeout()); err != nil {
		return err
	}

	lim := rate.Inf
	if s.DisplayUpdatePeriod > 0 {
		lim = rate.Every(util.SecsToDuration(s.DisplayUpdatePeriod))
	}
	r.display = rate.NewLimiter(lim, 1)

	r.mu.Lock()
	r.plan = plan
	r.asm = asm
	r.mu.Unlock()
	return nil
}

func frameShape(geo scan.Geometry, channels int) []int {
	if geo.Subframes == 1 {
		return []int{geo.Rows, geo.Cols, channels}
	}
	return []int{geo.Subframes, geo.Rows, geo.Cols, channels}
}

// createStorage creates the run and its datasets
func (r *run) createStorage(adcNames, ctrNames []string) error {
	if r.store == nil {
		r.mu.Lock()
		r.runID = "unsaved"
		r.mu.Unlock()
		return nil
	}
	s, geo := r.s, r.geo
	settings, err := json.Marshal(s)
	if err != nil {
		return err
	}
	h, err := r.store.CreateRun(framestore.RunInfo{Pattern: s.Scan.Pattern.String(), Settings: settings})
	if err != nil {
		return err
	}
	r.handle = h
	r.mu.Lock()
	r.runID = h.ID()
	plan := r.plan
	r.mu.Unlock()

	attrs := [][2]string{
		{"adc_names", strings.Join(adcNames, ",")},
		{"ctr_names", strings.Join(ctrNames, ",")},
		{"pattern", s.Scan.Pattern.String()},
		{"adc_rate", strconv.FormatFloat(s.ADCRate, 'g', -1, 64)},
		{"adc_oversample", strconv.Itoa(s.ADCOversample)},
		{"pixel_rate", strconv.FormatFloat(s.PixelRate(), 'g', -1, 64)},
		{"pixels_per_block", strconv.Itoa(plan.PixelsPerBlock)},
		{"latency", plan.Effective.String()},
		{"frame_shape", util.IntSliceToCSV(geo.FrameShape())},
	}
	for _, kv := range attrs {
		if err = h.SetAttr(kv[0], kv[1]); err != nil {
			return err
		}
	}
	if err = h.WriteArray("scan_index_array", []int{geo.Npixels, 3}, geo.IndexArray()); err != nil {
		return err
	}
	if err = h.WriteArray("imshow_extent", []int{4}, r.geo.Extent[:]); err != nil {
		return err
	}
	if len(adcNames) > 0 {
		r.adcDS, err = h.CreateFramedDataset("adc_map", framestore.Float64, frameShape(geo, len(adcNames)), s.NFrames, s.Continuous)
		if err != nil {
			return err
		}
	}
	if len(ctrNames) > 0 {
		r.ctrDS, err = h.CreateFramedDataset("ctr_map", framestore.Int64, frameShape(geo, len(ctrNames)), s.NFrames, s.Continuous)
		if err != nil {
			return err
		}
	}
	r.offDS, err = h.CreateFramedDataset("dac_offset", framestore.Float64, []int{2}, s.NFrames, s.Continuous)
	return err
}

// cleanup releases everything acquired by execute, exactly once
func (r *run) cleanup(status string) {
	r.cleanupOnce.Do(func() {
		if r.tasks != nil {
			if err := r.tasks.Stop(); err != nil {
				log.Printf("raster: stopping tasks: %v", err)
			}
			if err := r.tasks.Close(); err != nil {
				log.Printf("raster: closing tasks: %v", err)
			}
		}
		if err := r.hw.Device.Close(); err != nil {
			log.Printf("raster: closing device: %v", err)
		}
		if err := r.opts.Hook.PostScan(context.Background()); err != nil {
			log.Printf("raster: post-scan hook: %v", err)
		}
		if r.wave != nil {
			if st := r.wave.Stats(); st.UnderrunRisks > 0 {
				log.Printf("raster: %d output refills ran with less than a block of space", st.UnderrunRisks)
			}
		}
		if r.handle != nil {
			if err := r.handle.Finish(status); err != nil {
				log.Printf("raster: recording run status: %v", err)
			}
		}
		r.setState(status)
		log.Printf("raster: run %s %s", r.runID, status)
	})
}

// shiftBounds moves the scan bounds by the final drift offset, so the next
// scan starts where this one ended
func (r *run) shiftBounds() {
	off := r.loop.Offset()
	if off == (drift.Shift{}) {
		return
	}
	r.s.Scan.Shift(off.X, off.Y)
	r.shifted = true
	log.Printf("raster: scan bounds shifted by (%.4g, %.4g) to x [%.4g, %.4g] y [%.4g, %.4g]",
		off.X, off.Y, r.s.Scan.X0, r.s.Scan.X1, r.s.Scan.Y0, r.s.Scan.Y1)
}

func (r *run) fault(err error) {
	select {
	case r.faults <- err:
	default:
	}
}

func (r *run) onRefill() {
	err := r.wave.Refill()
	switch {
	case err == nil:
	case errors.Is(err, waveform.ErrUnderrunRisk):
		log.Printf("raster: %v", err)
	default:
		r.fault(err)
	}
}

func (r *run) onADC() {
	data, err := r.hw.ADC.ReadBlock(r.ppb * r.s.ADCOversample)
	if err != nil {
		r.fault(fmt.Errorf("reading analog input: %w", err))
		return
	}
	if err = r.asm.OnBlock(adcGroup, data); err != nil {
		log.Printf("raster: %v", err)
	}
}

func (r *run) onCounter(i int) {
	raw, err := r.hw.Counters[i].ReadBlock(r.ppb)
	if err != nil {
		r.fault(fmt.Errorf("reading counter %d: %w", i, err))
		return
	}
	if err = r.asm.OnBlock(ctrGroup(i), r.diffs[i].Next(raw)); err != nil {
		log.Printf("raster: %v", err)
	}
}

func (r *run) onDone(err error) {
	select {
	case r.done <- err:
	default:
	}
}
