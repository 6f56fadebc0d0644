// Package scan generates the pixel visiting order and actuator trajectory of a 2D scan.
//
// The fast axis is always the column axis (x); the slow axis is the row axis (y).
// Positions are interleaved x, y pairs, the layout a two channel analog output
// expects.
package scan

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nasa-jpl/syncraster/util"
)

var (
	// ErrBadPattern is generated when a pattern name is not recognized
	ErrBadPattern = errors.New("unknown scan pattern")

	// ErrBadSize is generated when the row or column count is < 1
	ErrBadSize = errors.New("row and column counts must be >= 1")

	// ErrOutOfRange is generated when a scan position would exceed actuator limits
	ErrOutOfRange = errors.New("scan bounds exceed actuator limits")

	// ErrScanRunning is generated when geometry is regenerated during a scan
	ErrScanRunning = errors.New("scan in progress, geometry is locked")
)

// Index locates one pixel in a frame
type Index struct {
	Sub int `json:"sub"`
	Row int `json:"row"`
	Col int `json:"col"`
}

// Params are the user facing scan parameters.
// X0, X1 are the positions of the first and last column;
// Y0, Y1 of the first and last row
type Params struct {
	Rows    int     `yaml:"Rows" koanf:"Rows" json:"rows"`
	Cols    int     `yaml:"Cols" koanf:"Cols" json:"cols"`
	X0      float64 `yaml:"X0" koanf:"X0" json:"x0"`
	X1      float64 `yaml:"X1" koanf:"X1" json:"x1"`
	Y0      float64 `yaml:"Y0" koanf:"Y0" json:"y0"`
	Y1      float64 `yaml:"Y1" koanf:"Y1" json:"y1"`
	Pattern Pattern `yaml:"Pattern" koanf:"Pattern" json:"pattern"`
}

func step(lo, hi float64, n int) float64 {
	if n < 2 {
		return 0
	}
	return (hi - lo) / float64(n-1)
}

// Step returns the distance between adjacent columns and rows
func (p Params) Step() (dx, dy float64) {
	return step(p.X0, p.X1, p.Cols), step(p.Y0, p.Y1, p.Rows)
}

// Shift moves the scan window by (dx, dy)
func (p *Params) Shift(dx, dy float64) {
	p.X0 += dx
	p.X1 += dx
	p.Y0 += dy
	p.Y1 += dy
}

// Npixels is the number of pixels in one pass of the pattern
func (p Params) Npixels() int {
	return p.Rows * p.Cols * p.Pattern.Subframes()
}

// Geometry is the result of generating a scan
type Geometry struct {
	// Index maps pixel number to its location, len == Npixels
	Index []Index

	// Positions holds interleaved x, y setpoints, len == 2*Npixels
	Positions []float64

	// SlowMove is true for the first pixel of each line, where the
	// actuator makes a large move instead of a single step
	SlowMove []bool

	Npixels   int
	Subframes int
	Rows      int
	Cols      int

	// Extent is [x0, x1, y0, y1] padded by half a step, for display
	Extent [4]float64
}

// FrameShape is the shape of one frame, (subframes, rows, cols)
func (g Geometry) FrameShape() []int {
	return []int{g.Subframes, g.Rows, g.Cols}
}

// IndexArray flattens Index to an Npixels x 3 row-major array
func (g Geometry) IndexArray() []int {
	out := make([]int, 0, 3*len(g.Index))
	for _, idx := range g.Index {
		out = append(out, idx.Sub, idx.Row, idx.Col)
	}
	return out
}

// Generate computes the geometry of a scan.  The limiters bound the x and y
// positions; a zero limiter imposes no bound
func Generate(p Params, xlim, ylim util.Limiter) (Geometry, error) {
	if p.Rows < 1 || p.Cols < 1 {
		return Geometry{}, ErrBadSize
	}
	visit, ok := visitors[p.Pattern]
	if !ok {
		return Geometry{}, fmt.Errorf("%w: %d", ErrBadPattern, p.Pattern)
	}
	for _, x := range []float64{p.X0, p.X1} {
		if !xlim.Check(x) {
			return Geometry{}, fmt.Errorf("%w: x=%g not in [%g, %g]", ErrOutOfRange, x, xlim.Min, xlim.Max)
		}
	}
	for _, y := range []float64{p.Y0, p.Y1} {
		if !ylim.Check(y) {
			return Geometry{}, fmt.Errorf("%w: y=%g not in [%g, %g]", ErrOutOfRange, y, ylim.Min, ylim.Max)
		}
	}

	n := p.Npixels()
	g := Geometry{
		Index:     make([]Index, 0, n),
		Positions: make([]float64, 0, 2*n),
		SlowMove:  make([]bool, 0, n),
		Npixels:   n,
		Subframes: p.Pattern.Subframes(),
		Rows:      p.Rows,
		Cols:      p.Cols,
	}
	dx, dy := p.Step()
	visit(p.Rows, p.Cols, func(sub, row, col int, lineStart bool) {
		g.Index = append(g.Index, Index{Sub: sub, Row: row, Col: col})
		g.Positions = append(g.Positions, p.X0+float64(col)*dx, p.Y0+float64(row)*dy)
		g.SlowMove = append(g.SlowMove, lineStart)
	})
	g.Extent = [4]float64{p.X0 - dx/2, p.X1 + dx/2, p.Y0 - dy/2, p.Y1 + dy/2}
	return g, nil
}

// Generator guards geometry against regeneration while hardware is reading it
type Generator struct {
	sync.Mutex
	running bool

	// XLimit and YLimit bound the actuator
	XLimit, YLimit util.Limiter
}

// Generate computes the geometry, failing if a scan is in progress
func (g *Generator) Generate(p Params) (Geometry, error) {
	g.Lock()
	defer g.Unlock()
	if g.running {
		return Geometry{}, ErrScanRunning
	}
	return Generate(p, g.XLimit, g.YLimit)
}

// Begin marks the start of a scan.  It returns ErrScanRunning if already begun
func (g *Generator) Begin() error {
	g.Lock()
	defer g.Unlock()
	if g.running {
		return ErrScanRunning
	}
	g.running = true
	return nil
}

// End marks the end of a scan
func (g *Generator) End() {
	g.Lock()
	g.running = false
	g.Unlock()
}

// Running returns true between Begin and End
func (g *Generator) Running() bool {
	g.Lock()
	defer g.Unlock()
	return g.running
}
