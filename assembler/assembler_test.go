package assembler

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nasa-jpl/syncraster/scan"
	"github.com/nasa-jpl/syncraster/util"
)

func geometry(t *testing.T, rows, cols int, pat scan.Pattern) scan.Geometry {
	t.Helper()
	g, err := scan.Generate(scan.Params{Rows: rows, Cols: cols, X1: 1, Y1: 1, Pattern: pat}, util.Limiter{}, util.Limiter{})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func newAssembler(t *testing.T, g scan.Geometry, frames int, continuous bool) *Assembler {
	t.Helper()
	a, err := New(Config{Index: g.Index, Subframes: g.Subframes, Rows: g.Rows, Cols: g.Cols, Frames: frames, Continuous: continuous})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

// pixelValues returns n pixels of one channel numbered from start
func pixelValues(start, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(start + i)
	}
	return out
}

func TestFrameCompletionCount(t *testing.T) {
	g := geometry(t, 4, 5, scan.Raster)
	const k, block = 3, 5
	a := newAssembler(t, g, k, false)
	buf := a.NewFrameBuffer(1)
	if err := a.AddGroup("adc", 1, 1, buf, 0); err != nil {
		t.Fatal(err)
	}
	var events []FrameComplete
	for p := 0; p < k*g.Npixels; p += block {
		if err := a.OnBlock("adc", pixelValues(p, block)); err != nil {
			t.Fatal(err)
		}
		done, err := a.Poll()
		if err != nil {
			t.Fatal(err)
		}
		events = append(events, done...)
	}
	want := []FrameComplete{{"adc", 0}, {"adc", 1}, {"adc", 2}}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("frame completions (-want +got):\n%s", diff)
	}
	if a.Progress() != 100 {
		t.Errorf("expected 100%% progress, got %f", a.Progress())
	}
}

func TestScatterFollowsIndex(t *testing.T) {
	g := geometry(t, 2, 3, scan.Serpentine)
	a := newAssembler(t, g, 1, false)
	buf := a.NewFrameBuffer(1)
	a.AddGroup("adc", 1, 1, buf, 0)
	a.OnBlock("adc", pixelValues(0, 6))
	if _, err := a.Poll(); err != nil {
		t.Fatal(err)
	}
	// serpentine: second row is visited right to left
	want := []float64{0, 1, 2, 5, 4, 3}
	if diff := cmp.Diff(want, buf.Channel(0, 0, 0)); diff != "" {
		t.Errorf("scattered image (-want +got):\n%s", diff)
	}
}

func TestOversampleAveraged(t *testing.T) {
	g := geometry(t, 1, 2, scan.Raster)
	a := newAssembler(t, g, 1, false)
	buf := a.NewFrameBuffer(2)
	a.AddGroup("adc", 2, 3, buf, 0)
	// [pixel][oversample][channel]
	data := []float64{
		1, 10, 2, 20, 3, 30,
		4, 40, 5, 50, 6, 60,
	}
	if err := a.OnBlock("adc", data); err != nil {
		t.Fatal(err)
	}
	a.Poll()
	want := []float64{2, 20, 5, 50}
	if diff := cmp.Diff(want, buf.Frame(0)); diff != "" {
		t.Errorf("averaged frame (-want +got):\n%s", diff)
	}
}

func TestGroupsWriteDisjointChannels(t *testing.T) {
	g := geometry(t, 1, 2, scan.Raster)
	a := newAssembler(t, g, 1, false)
	buf := a.NewFrameBuffer(2)
	a.AddGroup("ctr0", 1, 1, buf, 0)
	a.AddGroup("ctr1", 1, 1, buf, 1)
	a.OnBlock("ctr1", []float64{7, 8})
	a.OnBlock("ctr0", []float64{1, 2})
	done, err := a.Poll()
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 2 {
		t.Errorf("expected each counter to complete its frame, got %v", done)
	}
	want := []float64{1, 7, 2, 8}
	if diff := cmp.Diff(want, buf.Frame(0)); diff != "" {
		t.Errorf("counter frame (-want +got):\n%s", diff)
	}
}

func TestBlockSizeChecked(t *testing.T) {
	g := geometry(t, 2, 2, scan.Raster)
	a := newAssembler(t, g, 1, false)
	a.AddGroup("adc", 2, 1, a.NewFrameBuffer(2), 0)
	if err := a.OnBlock("adc", []float64{1, 2, 3}); !errors.Is(err, ErrBlockSize) {
		t.Errorf("expected ErrBlockSize, got %v", err)
	}
	if err := a.OnBlock("nope", []float64{1}); !errors.Is(err, ErrUnknownGroup) {
		t.Errorf("expected ErrUnknownGroup, got %v", err)
	}
}

func TestOverflowSurfacesInPoll(t *testing.T) {
	g := geometry(t, 2, 2, scan.Raster)
	a, _ := New(Config{Index: g.Index, Rows: 2, Cols: 2, Frames: 4, QueueDepth: 1})
	a.AddGroup("adc", 1, 1, a.NewFrameBuffer(1), 0)
	if err := a.OnBlock("adc", []float64{1}); err != nil {
		t.Fatal(err)
	}
	if err := a.OnBlock("adc", []float64{2}); !errors.Is(err, ErrQueueOverflow) {
		t.Fatalf("expected ErrQueueOverflow, got %v", err)
	}
	if a.Overflows("adc") != 1 {
		t.Errorf("expected 1 overflow, got %d", a.Overflows("adc"))
	}
	if _, err := a.Poll(); err != nil {
		t.Fatalf("first block should scatter, got %v", err)
	}
	a.OnBlock("adc", []float64{3})
	if _, err := a.Poll(); !errors.Is(err, ErrQueueOverflow) {
		t.Errorf("expected the sequence gap to surface as ErrQueueOverflow, got %v", err)
	}
}

func TestContinuousRingKeepsRecentFrames(t *testing.T) {
	g := geometry(t, 1, 2, scan.Raster)
	a := newAssembler(t, g, 2, true)
	buf := a.NewFrameBuffer(1)
	if err := a.AddGroup("adc", 1, 1, buf, 0); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		a.OnBlock("adc", pixelValues(2*i, 2))
	}
	// one frame per poll, each still readable when reported
	var frames []int
	for len(frames) < 5 {
		done, err := a.Poll()
		if err != nil {
			t.Fatal(err)
		}
		if len(done) != 1 {
			t.Fatalf("expected one frame per poll, got %v", done)
		}
		k := done[0].Frame
		frames = append(frames, k)
		want := []float64{float64(2 * k), float64(2*k + 1)}
		if diff := cmp.Diff(want, buf.Frame(k)); diff != "" {
			t.Errorf("frame %d (-want +got):\n%s", k, diff)
		}
	}
	if diff := cmp.Diff([]int{0, 1, 2, 3, 4}, frames); diff != "" {
		t.Errorf("frame order (-want +got):\n%s", diff)
	}
	if buf.Frames() != 2 {
		t.Errorf("ring grew to %d frames", buf.Frames())
	}
	// frame 5 reuses the slot of frame 3, cleared before it is written
	a.OnBlock("adc", pixelValues(10, 1))
	a.Poll()
	if diff := cmp.Diff([]float64{10, 0}, buf.Frame(5)); diff != "" {
		t.Errorf("partial frame 5 (-want +got):\n%s", diff)
	}
	if frame, _, _ := a.Latest("adc"); frame != 5 {
		t.Errorf("expected latest frame 5, got %d", frame)
	}
}

func TestContinuousNeedsRing(t *testing.T) {
	g := geometry(t, 1, 2, scan.Raster)
	a := newAssembler(t, g, 2, true)
	if err := a.AddGroup("adc", 1, 1, NewFrameBuffer(2, 1, 1, 2, 1), 0); err == nil {
		t.Error("a continuous scan accepted a fixed buffer")
	}
}

func TestFiniteOverrun(t *testing.T) {
	g := geometry(t, 1, 2, scan.Raster)
	a := newAssembler(t, g, 1, false)
	a.AddGroup("adc", 1, 1, a.NewFrameBuffer(1), 0)
	a.OnBlock("adc", pixelValues(0, 4))
	if _, err := a.Poll(); !errors.Is(err, ErrFrameOverrun) {
		t.Errorf("expected ErrFrameOverrun, got %v", err)
	}
}

func TestFirstDataClosedOnce(t *testing.T) {
	g := geometry(t, 1, 2, scan.Raster)
	a := newAssembler(t, g, 2, false)
	a.AddGroup("adc", 1, 1, a.NewFrameBuffer(1), 0)
	select {
	case <-a.FirstData():
		t.Fatal("first data signalled before any data")
	default:
	}
	a.OnBlock("adc", pixelValues(0, 2))
	a.OnBlock("adc", pixelValues(2, 2))
	a.Poll()
	select {
	case <-a.FirstData():
	default:
		t.Error("first data not signalled")
	}
	frame, _, err := a.Latest("adc")
	if err != nil || frame != 1 {
		t.Errorf("expected latest frame 1, got %d (%v)", frame, err)
	}
}
