package scan_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nasa-jpl/syncraster/scan"
	"github.com/nasa-jpl/syncraster/util"
)

var sizes = [][2]int{{1, 1}, {1, 7}, {6, 1}, {3, 4}, {10, 10}, {5, 8}}

func TestEveryPixelOncePerSubframe(t *testing.T) {
	for _, name := range scan.Patterns() {
		pat, _ := scan.ValidatePattern(name)
		for _, sz := range sizes {
			p := scan.Params{Rows: sz[0], Cols: sz[1], X0: -1, X1: 1, Y0: -2, Y1: 2, Pattern: pat}
			g, err := scan.Generate(p, util.Limiter{}, util.Limiter{})
			if err != nil {
				t.Fatal(err)
			}
			subs := pat.Subframes()
			if g.Npixels != sz[0]*sz[1]*subs || len(g.Index) != g.Npixels {
				t.Errorf("%s %v: Npixels %d, len(Index) %d", name, sz, g.Npixels, len(g.Index))
			}
			seen := make(map[scan.Index]int)
			for _, idx := range g.Index {
				seen[idx]++
			}
			for s := 0; s < subs; s++ {
				for r := 0; r < sz[0]; r++ {
					for c := 0; c < sz[1]; c++ {
						if n := seen[scan.Index{Sub: s, Row: r, Col: c}]; n != 1 {
							t.Errorf("%s %v: (%d,%d,%d) visited %d times", name, sz, s, r, c, n)
						}
					}
				}
			}
		}
	}
}

func TestPositionsInterleavedAndBounded(t *testing.T) {
	lim := util.Limiter{Min: -10, Max: 10}
	for _, name := range scan.Patterns() {
		pat, _ := scan.ValidatePattern(name)
		p := scan.Params{Rows: 4, Cols: 5, X0: -3, X1: 3, Y0: 1, Y1: 7, Pattern: pat}
		g, err := scan.Generate(p, lim, lim)
		if err != nil {
			t.Fatal(err)
		}
		if len(g.Positions) != 2*g.Npixels {
			t.Fatalf("%s: expected %d positions, got %d", name, 2*g.Npixels, len(g.Positions))
		}
		for i, idx := range g.Index {
			x, y := g.Positions[2*i], g.Positions[2*i+1]
			if x < -3 || x > 3 || y < 1 || y > 7 {
				t.Errorf("%s: pixel %d at (%f, %f) out of bounds", name, i, x, y)
			}
			wantX := -3 + float64(idx.Col)*1.5
			if x != wantX {
				t.Errorf("%s: pixel %d x = %f, expected %f", name, i, x, wantX)
			}
		}
	}
}

func TestGenerateIsIdempotent(t *testing.T) {
	p := scan.Params{Rows: 7, Cols: 9, X0: 0, X1: 1, Y0: 0, Y1: 1, Pattern: scan.OrthoTraceRetrace}
	a, err := scan.Generate(p, util.Limiter{}, util.Limiter{})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := scan.Generate(p, util.Limiter{}, util.Limiter{})
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("geometry differs between calls (-first +second):\n%s", diff)
	}
}

func TestSerpentineOrder(t *testing.T) {
	p := scan.Params{Rows: 2, Cols: 3, Pattern: scan.Serpentine}
	g, _ := scan.Generate(p, util.Limiter{}, util.Limiter{})
	want := []scan.Index{{0, 0, 0}, {0, 0, 1}, {0, 0, 2}, {0, 1, 2}, {0, 1, 1}, {0, 1, 0}}
	if diff := cmp.Diff(want, g.Index); diff != "" {
		t.Errorf("serpentine order (-want +got):\n%s", diff)
	}
	wantSlow := []bool{true, false, false, true, false, false}
	if diff := cmp.Diff(wantSlow, g.SlowMove); diff != "" {
		t.Errorf("slow move flags (-want +got):\n%s", diff)
	}
}

func TestTraceRetraceOrder(t *testing.T) {
	p := scan.Params{Rows: 1, Cols: 3, Pattern: scan.TraceRetrace}
	g, _ := scan.Generate(p, util.Limiter{}, util.Limiter{})
	want := []scan.Index{{0, 0, 0}, {0, 0, 1}, {0, 0, 2}, {1, 0, 2}, {1, 0, 1}, {1, 0, 0}}
	if diff := cmp.Diff(want, g.Index); diff != "" {
		t.Errorf("trace/retrace order (-want +got):\n%s", diff)
	}
}

func TestOrthoRasterSecondHalfColumnMajor(t *testing.T) {
	p := scan.Params{Rows: 2, Cols: 2, Pattern: scan.OrthoRaster}
	g, _ := scan.Generate(p, util.Limiter{}, util.Limiter{})
	want := []scan.Index{{1, 0, 0}, {1, 1, 0}, {1, 0, 1}, {1, 1, 1}}
	if diff := cmp.Diff(want, g.Index[4:]); diff != "" {
		t.Errorf("ortho raster column major half (-want +got):\n%s", diff)
	}
}

func TestExtentPaddedByHalfStep(t *testing.T) {
	p := scan.Params{Rows: 3, Cols: 5, X0: 0, X1: 4, Y0: 0, Y1: 2}
	g, _ := scan.Generate(p, util.Limiter{}, util.Limiter{})
	want := [4]float64{-0.5, 4.5, -0.5, 2.5}
	if g.Extent != want {
		t.Errorf("expected extent %v, got %v", want, g.Extent)
	}
}

func TestGenerateRejectsOutOfRange(t *testing.T) {
	p := scan.Params{Rows: 3, Cols: 3, X0: -11, X1: 0}
	_, err := scan.Generate(p, util.Limiter{Min: -10, Max: 10}, util.Limiter{})
	if !errors.Is(err, scan.ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
}

func TestGeneratorLockedWhileRunning(t *testing.T) {
	g := &scan.Generator{}
	p := scan.Params{Rows: 2, Cols: 2}
	if err := g.Begin(); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Generate(p); !errors.Is(err, scan.ErrScanRunning) {
		t.Errorf("expected ErrScanRunning, got %v", err)
	}
	g.End()
	if _, err := g.Generate(p); err != nil {
		t.Errorf("expected generation to succeed after End, got %v", err)
	}
}

func TestValidatePattern(t *testing.T) {
	for _, s := range []string{"Trace-Retrace", "trace retrace", "TRACE_RETRACE"} {
		p, err := scan.ValidatePattern(s)
		if err != nil || p != scan.TraceRetrace {
			t.Errorf("%q: got %v, %v", s, p, err)
		}
	}
	if _, err := scan.ValidatePattern("spiral"); !errors.Is(err, scan.ErrBadPattern) {
		t.Errorf("expected ErrBadPattern, got %v", err)
	}
}

func ExampleGenerate() {
	p := scan.Params{Rows: 2, Cols: 2, X0: 0, X1: 1, Y0: 0, Y1: 1}
	g, _ := scan.Generate(p, util.Limiter{}, util.Limiter{})
	fmt.Println(g.Npixels, g.IndexArray(), g.Positions)
	// Output: 4 [0 0 0 0 0 1 0 1 0 0 1 1] [0 0 1 0 0 1 1 1]
}
