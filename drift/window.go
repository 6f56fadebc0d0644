package drift

import "math"

// tukey returns a tapered cosine window of length n.  alpha is the fraction
// of the window inside the taper: 0 is rectangular, 1 is a Hann window
func tukey(n int, alpha float64) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		x := float64(i) / float64(n-1)
		switch {
		case alpha <= 0:
			w[i] = 1
		case x < alpha/2:
			w[i] = 0.5 * (1 + math.Cos(math.Pi*(2*x/alpha-1)))
		case x <= 1-alpha/2:
			w[i] = 1
		default:
			w[i] = 0.5 * (1 + math.Cos(math.Pi*(2*x/alpha-2/alpha+1)))
		}
	}
	return w
}

// Window returns a separable 2D tukey window laid out (rows, cols).
// alpha is clamped to [0, 1]
func Window(rows, cols int, alpha float64) []float64 {
	alpha = math.Max(0, math.Min(alpha, 1))
	wr, wc := tukey(rows, alpha), tukey(cols, alpha)
	out := make([]float64, rows*cols)
	for r, a := range wr {
		for c, b := range wc {
			out[r*cols+c] = a * b
		}
	}
	return out
}
