// Package psd estimates one-sided power spectral densities from capture
// traces using Welch's method: overlapped Hann-windowed segments, averaged
// periodograms, density-normalized against the window power and sample rate.
package psd

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Detrend removes a per-segment offset before windowing.
type Detrend int

const (
	// DetrendNone leaves segments untouched.
	DetrendNone Detrend = iota
	// DetrendMean subtracts the segment mean.
	DetrendMean
	// DetrendMid subtracts the segment's middle sample.
	DetrendMid
)

func (d Detrend) String() string {
	switch d {
	case DetrendNone:
		return "none"
	case DetrendMean:
		return "mean"
	case DetrendMid:
		return "mid"
	}
	return fmt.Sprintf("detrend(%d)", int(d))
}

// ParseDetrend maps a config string onto a Detrend mode.
func ParseDetrend(s string) (Detrend, error) {
	switch s {
	case "", "none":
		return DetrendNone, nil
	case "mean":
		return DetrendMean, nil
	case "mid":
		return DetrendMid, nil
	}
	return DetrendNone, fmt.Errorf("unknown detrend mode %q", s)
}

const (
	DefaultSegmentLength = 512
	DefaultOverlap       = 0.5
	DefaultMinAvg        = 4
)

// Options configure an Estimator. Zero fields take the defaults above.
type Options struct {
	// SegmentLength is the FFT size. It must be a power of two and at
	// least 16.
	SegmentLength int
	// Overlap is the fraction of each segment shared with the next, in
	// [0, 1).
	Overlap float64
	// MinAvg is the smallest number of segments an estimate may average.
	MinAvg  int
	Detrend Detrend
}

// Estimator computes Welch estimates with a fixed segment configuration.
// It is not safe for concurrent use; each goroutine should own one.
type Estimator struct {
	segLen  int
	hop     int
	minAvg  int
	detrend Detrend
	fft     *fourier.FFT
	win     []float64
	wpow    float64
}

// New validates opts and builds the window and FFT plan once.
func New(opts Options) (*Estimator, error) {
	if opts.SegmentLength == 0 {
		opts.SegmentLength = DefaultSegmentLength
	}
	if opts.Overlap == 0 {
		opts.Overlap = DefaultOverlap
	}
	if opts.MinAvg == 0 {
		opts.MinAvg = DefaultMinAvg
	}
	if opts.SegmentLength < 16 || opts.SegmentLength&(opts.SegmentLength-1) != 0 {
		return nil, fmt.Errorf("segment length %d must be a power of two and at least 16", opts.SegmentLength)
	}
	if opts.Overlap < 0 || opts.Overlap >= 1 || math.IsNaN(opts.Overlap) {
		return nil, fmt.Errorf("overlap %v must be in [0, 1)", opts.Overlap)
	}
	if opts.MinAvg < 1 {
		return nil, fmt.Errorf("minimum average count %d must be positive", opts.MinAvg)
	}

	hop := int(float64(opts.SegmentLength) * (1 - opts.Overlap))
	if hop < 1 {
		hop = 1
	}

	win := make([]float64, opts.SegmentLength)
	for i := range win {
		win[i] = 1
	}
	window.Hann(win)
	var wpow float64
	for _, w := range win {
		wpow += w * w
	}

	return &Estimator{
		segLen:  opts.SegmentLength,
		hop:     hop,
		minAvg:  opts.MinAvg,
		detrend: opts.Detrend,
		fft:     fourier.NewFFT(opts.SegmentLength),
		win:     win,
		wpow:    wpow,
	}, nil
}

// Spectrum is a one-sided density estimate. Freqs[0] is DC; the last bin is
// Nyquist. Integrating Power over Freqs recovers the signal variance.
type Spectrum struct {
	Freqs    []float64
	Power    []float64
	Segments int
}

// Estimate computes the Welch PSD of samples taken at rate Hz. It needs
// enough samples for the configured minimum number of segments.
func (e *Estimator) Estimate(samples []float64, rate float64) (*Spectrum, error) {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return nil, fmt.Errorf("sample rate %v must be a positive number", rate)
	}
	if len(samples) < e.segLen {
		return nil, fmt.Errorf("%d samples cannot fill one %d sample segment", len(samples), e.segLen)
	}
	segments := 1 + (len(samples)-e.segLen)/e.hop
	if segments < e.minAvg {
		return nil, fmt.Errorf("%d samples yield %d segments, need at least %d", len(samples), segments, e.minAvg)
	}

	nBins := e.segLen/2 + 1
	acc := make([]float64, nBins)
	seg := make([]float64, e.segLen)
	for s := 0; s < segments; s++ {
		copy(seg, samples[s*e.hop:s*e.hop+e.segLen])
		e.applyDetrend(seg)
		for i := range seg {
			seg[i] *= e.win[i]
		}
		coeffs := e.fft.Coefficients(nil, seg)
		for i, c := range coeffs {
			mag := cmplx.Abs(c)
			acc[i] += mag * mag
		}
	}

	// Density normalization: window power, rate, and segment count, with
	// every bin but DC and Nyquist carrying both spectral halves.
	scale := 1 / (rate * e.wpow * float64(segments))
	sp := &Spectrum{
		Freqs:    make([]float64, nBins),
		Power:    make([]float64, nBins),
		Segments: segments,
	}
	for i := range acc {
		p := acc[i] * scale
		if i != 0 && i != nBins-1 {
			p *= 2
		}
		sp.Power[i] = p
		sp.Freqs[i] = e.fft.Freq(i) * rate
	}
	return sp, nil
}

func (e *Estimator) applyDetrend(seg []float64) {
	switch e.detrend {
	case DetrendMean:
		var mean float64
		for _, v := range seg {
			mean += v
		}
		mean /= float64(len(seg))
		for i := range seg {
			seg[i] -= mean
		}
	case DetrendMid:
		mid := seg[len(seg)/2]
		for i := range seg {
			seg[i] -= mid
		}
	}
}

// LogLog returns the spectrum as [log10 f, 10 log10 P] points for decade
// plotting. DC and non-positive bins are dropped.
func (s *Spectrum) LogLog() [][2]float64 {
	pts := make([][2]float64, 0, len(s.Freqs))
	for i := range s.Freqs {
		if s.Freqs[i] <= 0 || s.Power[i] <= 0 {
			continue
		}
		x := math.Log10(s.Freqs[i])
		y := 10 * math.Log10(s.Power[i])
		if math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(y) || math.IsInf(y, 0) {
			continue
		}
		pts = append(pts, [2]float64{x, y})
	}
	return pts
}
