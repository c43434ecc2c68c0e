// Package render rasterizes capture results into oscilloscope-style waveform
// charts: voltage traces over a shared time axis on a fixed +-10.24 V grid.
package render

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/fogleman/gg"
	"github.com/go-fonts/liberation/liberationsansregular"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"

	"github.com/oscillab/scopeview/pkg/scope"
)

const (
	// Pixel margins around the plot box. Left and bottom are wide enough to
	// hold the tick labels.
	marginLeft   = 32.0
	marginRight  = 16.0
	marginTop    = 16.0
	marginBottom = 32.0

	// Full scale of the instrument's front end.
	voltsMin = -10.24
	voltsMax = 10.24

	strokeWidth = 3.0
	fontSize    = 12.0
)

// palette is cycled per trace index.
var palette = []color.Color{
	color.RGBA{R: 0xff, A: 0xff},
	color.RGBA{G: 0xff, A: 0xff},
	color.RGBA{B: 0xff, A: 0xff},
	color.RGBA{R: 0xff, B: 0xff, A: 0xff},
	color.RGBA{R: 0xff, G: 0xff, A: 0xff},
	color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff},
}

// Waveform draws capture results. The zero value is usable but renders
// nothing until LoadFont has succeeded.
type Waveform struct {
	mu   sync.Mutex
	face font.Face
}

func NewWaveform() *Waveform {
	return &Waveform{}
}

// LoadFont parses the bundled typeface and prepares the label face. Render
// stays a no-op until it succeeds.
func (wf *Waveform) LoadFont() error {
	f, err := truetype.Parse(liberationsansregular.TTF)
	if err != nil {
		return fmt.Errorf("parsing label font: %w", err)
	}
	face := truetype.NewFace(f, &truetype.Options{Size: fontSize})
	wf.mu.Lock()
	wf.face = face
	wf.mu.Unlock()
	return nil
}

// Ready reports whether the label font is loaded.
func (wf *Waveform) Ready() bool {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.face != nil
}

// Render draws the traces against the shared time axis onto a fresh white
// surface of the given viewport size and returns it. It returns nil, drawing
// nothing, while the font is not loaded or when the viewport is degenerate.
// The face caches glyphs and is not safe for concurrent use, so renders
// serialize; each call still gets its own surface.
func (wf *Waveform) Render(times []float64, traces []scope.Trace, viewport image.Point) *image.RGBA {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	face := wf.face
	if face == nil || viewport.X <= 0 || viewport.Y <= 0 {
		return nil
	}

	w := float64(viewport.X)
	h := float64(viewport.Y)

	dc := gg.NewContext(viewport.X, viewport.Y)
	dc.SetFontFace(face)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	var maxTime float64
	for _, t := range times {
		if t > maxTime {
			maxTime = t
		}
	}

	// Data-to-pixel maps. X covers [0, maxTime], Y the fixed voltage range;
	// pixel Y grows downward, so the voltage map flips.
	xpx := func(t float64) float64 {
		if maxTime <= 0 {
			return marginLeft
		}
		return marginLeft + t/maxTime*(w-marginLeft-marginRight)
	}
	ypx := func(v float64) float64 {
		frac := (v - voltsMin) / (voltsMax - voltsMin)
		return h - (marginBottom + frac*(h-marginTop-marginBottom))
	}

	for i, tr := range traces {
		n := len(times)
		if len(tr.Data) < n {
			n = len(tr.Data)
		}
		if n == 0 {
			continue
		}
		dc.SetColor(palette[i%len(palette)])
		dc.SetLineWidth(strokeWidth)
		dc.MoveTo(xpx(times[0]), ypx(tr.Data[0]))
		for j := 1; j < n; j++ {
			dc.LineTo(xpx(times[j]), ypx(tr.Data[j]))
		}
		dc.Stroke()
		dc.DrawStringAnchored(tr.Label, xpx(maxTime/10), ypx(8-0.7*float64(i)), 0, 0.5)
	}

	drawAxes(dc, xpx, ypx, w-marginRight, maxTime)

	img, _ := dc.Image().(*image.RGBA)
	return img
}
