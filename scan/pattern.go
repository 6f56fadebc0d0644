package scan

import (
	"fmt"
	"strings"
)

// Pattern is the order in which pixels of a frame are visited
type Pattern int

const (
	// Raster visits rows top to bottom, each row left to right
	Raster Pattern = iota

	// Serpentine is a raster where odd rows are visited right to left
	Serpentine

	// TraceRetrace sweeps each row left to right and then right to left,
	// the two sweeps land in subframes 0 and 1
	TraceRetrace

	// OrthoRaster is a row-major raster (subframe 0) followed by a
	// column-major raster (subframe 1)
	OrthoRaster

	// OrthoTraceRetrace is TraceRetrace along rows (subframes 0, 1)
	// followed by TraceRetrace along columns (subframes 2, 3)
	OrthoTraceRetrace
)

var patternNames = map[Pattern]string{
	Raster:            "raster",
	Serpentine:        "serpentine",
	TraceRetrace:      "trace_retrace",
	OrthoRaster:       "ortho_raster",
	OrthoTraceRetrace: "ortho_trace_retrace",
}

// Patterns returns the names of all supported patterns
func Patterns() []string {
	out := make([]string, 0, len(patternNames))
	for p := Raster; p <= OrthoTraceRetrace; p++ {
		out = append(out, patternNames[p])
	}
	return out
}

// ValidatePattern converts a string to a Pattern, case and separator insensitive
func ValidatePattern(s string) (Pattern, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	for p, name := range patternNames {
		if s == name {
			return p, nil
		}
	}
	return Raster, fmt.Errorf("%w: %q, valid: %s", ErrBadPattern, s, strings.Join(Patterns(), ", "))
}

// FormatPattern converts a Pattern to its string name
func FormatPattern(p Pattern) string {
	if s, ok := patternNames[p]; ok {
		return s
	}
	return "unknown"
}

// String implements fmt.Stringer
func (p Pattern) String() string {
	return FormatPattern(p)
}

// Subframes is the number of distinct subframes the pattern fills per pass
func (p Pattern) Subframes() int {
	switch p {
	case TraceRetrace, OrthoRaster:
		return 2
	case OrthoTraceRetrace:
		return 4
	default:
		return 1
	}
}

// MarshalText allows a Pattern to be written to yaml and json as its name
func (p Pattern) MarshalText() ([]byte, error) {
	return []byte(FormatPattern(p)), nil
}

// UnmarshalText parses a pattern name
func (p *Pattern) UnmarshalText(b []byte) error {
	pp, err := ValidatePattern(string(b))
	if err != nil {
		return err
	}
	*p = pp
	return nil
}

// visitor emits pixels in order; each pattern is a pure function of the grid size
type visitor func(rows, cols int, emit func(sub, row, col int, lineStart bool))

var visitors = map[Pattern]visitor{
	Raster:            raster,
	Serpentine:        serpentine,
	TraceRetrace:      traceRetrace,
	OrthoRaster:       orthoRaster,
	OrthoTraceRetrace: orthoTraceRetrace,
}

func sweep(n int, reverse bool, fn func(i int, first bool)) {
	if reverse {
		for i := n - 1; i >= 0; i-- {
			fn(i, i == n-1)
		}
		return
	}
	for i := 0; i < n; i++ {
		fn(i, i == 0)
	}
}

func raster(rows, cols int, emit func(int, int, int, bool)) {
	for r := 0; r < rows; r++ {
		sweep(cols, false, func(c int, first bool) { emit(0, r, c, first) })
	}
}

func serpentine(rows, cols int, emit func(int, int, int, bool)) {
	for r := 0; r < rows; r++ {
		sweep(cols, r%2 == 1, func(c int, first bool) { emit(0, r, c, first) })
	}
}

func traceRetrace(rows, cols int, emit func(int, int, int, bool)) {
	for r := 0; r < rows; r++ {
		sweep(cols, false, func(c int, first bool) { emit(0, r, c, first) })
		sweep(cols, true, func(c int, _ bool) { emit(1, r, c, false) })
	}
}

func orthoRaster(rows, cols int, emit func(int, int, int, bool)) {
	raster(rows, cols, emit)
	for c := 0; c < cols; c++ {
		sweep(rows, false, func(r int, first bool) { emit(1, r, c, first) })
	}
}

func orthoTraceRetrace(rows, cols int, emit func(int, int, int, bool)) {
	traceRetrace(rows, cols, emit)
	for c := 0; c < cols; c++ {
		sweep(rows, false, func(r int, first bool) { emit(2, r, c, first) })
		sweep(rows, true, func(r int, _ bool) { emit(3, r, c, false) })
	}
}
