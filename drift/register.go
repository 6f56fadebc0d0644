package drift

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

var (
	// ErrRegistration is generated when two images cannot be registered
	ErrRegistration = errors.New("image registration failed")
)

// Estimate is the result of registering an image against a reference
type Estimate struct {
	// Row and Col are the shift, in pixels, which registers the image with
	// the reference.  A feature that moved +1 column reports Col = -1
	Row float64 `json:"row"`
	Col float64 `json:"col"`

	// Error is the normalized residual of the correlation, 0 for a perfect match
	Error float64 `json:"error"`

	// Phase is the global phase difference of the two images
	Phase float64 `json:"phase"`
}

// fft2 computes the 2D DFT (or its unnormalized inverse) of a row-major array
func fft2(in []complex128, rows, cols int, inverse bool) []complex128 {
	out := make([]complex128, len(in))
	rf := fourier.NewCmplxFFT(cols)
	src := make([]complex128, cols)
	dst := make([]complex128, cols)
	for r := 0; r < rows; r++ {
		copy(src, in[r*cols:(r+1)*cols])
		if inverse {
			rf.Sequence(dst, src)
		} else {
			rf.Coefficients(dst, src)
		}
		copy(out[r*cols:(r+1)*cols], dst)
	}

	cf := fourier.NewCmplxFFT(rows)
	src = make([]complex128, rows)
	dst = make([]complex128, rows)
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			src[r] = out[r*cols+c]
		}
		if inverse {
			cf.Sequence(dst, src)
		} else {
			cf.Coefficients(dst, src)
		}
		for r := 0; r < rows; r++ {
			out[r*cols+c] = dst[r]
		}
	}
	return out
}

func toComplex(x []float64) []complex128 {
	out := make([]complex128, len(x))
	for i, v := range x {
		out[i] = complex(v, 0)
	}
	return out
}

// freq is the signed frequency index of DFT bin k of n, as numpy's fftfreq orders them
func freq(k, n int) float64 {
	if k < (n+1)/2 {
		return float64(k)
	}
	return float64(k - n)
}

// upsampledDFT evaluates the inverse DFT of data on a region x region grid
// with spacing 1/up, whose origin lies at (-offR, -offC) in units of 1/up.
// This is the matrix-multiply DFT of Guizar-Sicairos et al., Opt. Lett. 33, 156 (2008)
func upsampledDFT(data []complex128, rows, cols, region int, up, offR, offC float64) []complex128 {
	kc := make([]complex128, region*cols)
	for j := 0; j < region; j++ {
		for c := 0; c < cols; c++ {
			arg := 2 * math.Pi * (float64(j) - offC) * freq(c, cols) / (float64(cols) * up)
			kc[j*cols+c] = cmplx.Exp(complex(0, -arg))
		}
	}
	kr := make([]complex128, region*rows)
	for i := 0; i < region; i++ {
		for r := 0; r < rows; r++ {
			arg := 2 * math.Pi * (float64(i) - offR) * freq(r, rows) / (float64(rows) * up)
			kr[i*rows+r] = cmplx.Exp(complex(0, -arg))
		}
	}
	// contract columns, then rows
	tmp := make([]complex128, rows*region)
	for r := 0; r < rows; r++ {
		for j := 0; j < region; j++ {
			var s complex128
			for c := 0; c < cols; c++ {
				s += kc[j*cols+c] * data[r*cols+c]
			}
			tmp[r*region+j] = s
		}
	}
	out := make([]complex128, region*region)
	for i := 0; i < region; i++ {
		for j := 0; j < region; j++ {
			var s complex128
			for r := 0; r < rows; r++ {
				s += kr[i*rows+r] * tmp[r*region+j]
			}
			out[i*region+j] = s
		}
	}
	return out
}

func argmaxAbs(x []complex128) int {
	best, idx := -1., 0
	for i, v := range x {
		if a := cmplx.Abs(v); a > best {
			best, idx = a, i
		}
	}
	return idx
}

// EstimateShift registers img against ref by phase correlation.
//
// exponent sharpens the correlation peak: the cross power spectrum is divided
// by its magnitude raised to exponent, so 0 is plain cross correlation and 1
// is pure phase correlation.  The integer peak is refined to 1/upsample of a
// pixel with an upsampled DFT in the neighborhood of the peak.
func EstimateShift(ref, img []float64, rows, cols int, exponent float64, upsample int) (Estimate, error) {
	n := rows * cols
	if rows < 1 || cols < 1 || len(ref) != n || len(img) != n {
		return Estimate{}, fmt.Errorf("%w: images must both be %dx%d, got %d and %d values", ErrRegistration, rows, cols, len(ref), len(img))
	}
	if upsample < 1 {
		upsample = 1
	}
	src := fft2(toComplex(ref), rows, cols, false)
	tgt := fft2(toComplex(img), rows, cols, false)

	prod := make([]complex128, n)
	var srcAmp, tgtAmp float64
	p := 1 - exponent
	for k := range prod {
		v := src[k] * cmplx.Conj(tgt[k])
		if m := cmplx.Abs(v); m > 0 {
			v /= complex(math.Pow(m, exponent), 0)
		}
		prod[k] = v
		srcAmp += math.Pow(cmplx.Abs(src[k]), 2*p)
		tgtAmp += math.Pow(cmplx.Abs(tgt[k]), 2*p)
	}
	if srcAmp == 0 || tgtAmp == 0 {
		return Estimate{}, fmt.Errorf("%w: an image has no energy", ErrRegistration)
	}

	cc := fft2(prod, rows, cols, true)
	peak := argmaxAbs(cc)
	shiftR, shiftC := float64(peak/cols), float64(peak%cols)
	if shiftR > float64(rows/2) {
		shiftR -= float64(rows)
	}
	if shiftC > float64(cols/2) {
		shiftC -= float64(cols)
	}

	up := float64(upsample)
	region := 1
	if upsample > 1 {
		region = int(math.Ceil(up * 1.5))
	}
	dftshift := float64(region / 2)
	conj := make([]complex128, n)
	for k, v := range prod {
		conj[k] = cmplx.Conj(v)
	}
	ups := upsampledDFT(conj, rows, cols, region, up, dftshift-shiftR*up, dftshift-shiftC*up)
	norm := complex(float64(n)*up*up, 0)
	for i, v := range ups {
		ups[i] = cmplx.Conj(v) / norm
	}
	m := argmaxAbs(ups)
	ccmax := ups[m]
	shiftR += (float64(m/region) - dftshift) / up
	shiftC += (float64(m%region) - dftshift) / up

	// the amplitudes are evaluated at the origin of the same upsampled grid
	amp := float64(n) * up * up
	srcAmp /= amp
	tgtAmp /= amp
	ratio := real(ccmax*cmplx.Conj(ccmax)) / (srcAmp * tgtAmp)
	est := Estimate{
		Row:   shiftR,
		Col:   shiftC,
		Error: math.Sqrt(math.Abs(1 - ratio)),
		Phase: math.Atan2(imag(ccmax), real(ccmax)),
	}
	if rows == 1 {
		est.Row = 0
	}
	if cols == 1 {
		est.Col = 0
	}
	return est, nil
}
