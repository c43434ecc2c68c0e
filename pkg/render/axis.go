package render

import (
	"fmt"
	"math"

	"github.com/fogleman/gg"
)

const (
	tickLen   = 6.0
	tickGap   = 2.5
	yTickStep = 2.0
	xTickDivs = 5.0

	// Relative slack so a mark that lands on the axis maximum through float
	// rounding is not dropped.
	tickEps = 1e-9
)

// ticks places marks at first + i*step for every i that keeps the mark
// within max. The marks are computed from the index, not accumulated, so
// rounding error does not compound across a long axis.
func ticks(first, step, max float64) []float64 {
	if step <= 0 || math.IsNaN(step) || math.IsInf(step, 0) {
		return []float64{first}
	}
	limit := max + tickEps*math.Max(math.Abs(max), 1)
	var out []float64
	for i := 0; ; i++ {
		v := first + float64(i)*step
		if v > limit {
			return out
		}
		out = append(out, v)
	}
}

// drawAxes paints the axis lines, tick marks, and tick labels around the
// plot box. xpx and ypx are the same data-to-pixel maps used for the traces;
// right is the pixel X of the plot box's right edge.
func drawAxes(dc *gg.Context, xpx, ypx func(float64) float64, right, maxTime float64) {
	dc.SetRGB(0, 0, 0)
	dc.SetLineWidth(1)

	bottom := ypx(voltsMin)
	top := ypx(voltsMax)

	dc.DrawLine(marginLeft, bottom, right, bottom)
	dc.Stroke()
	for _, tk := range ticks(0, maxTime/xTickDivs, maxTime) {
		x := xpx(tk)
		dc.DrawLine(x, bottom, x, bottom+tickLen)
		dc.Stroke()
		dc.DrawStringAnchored(fmt.Sprintf("%.2e", tk), x, bottom+tickLen+tickGap, 0.5, 1)
	}

	dc.DrawLine(marginLeft, top, marginLeft, bottom)
	dc.Stroke()
	firstY := math.Ceil(voltsMin/yTickStep) * yTickStep
	for _, tk := range ticks(firstY, yTickStep, voltsMax) {
		y := ypx(tk)
		dc.DrawLine(marginLeft-tickLen, y, marginLeft, y)
		dc.Stroke()
		dc.DrawStringAnchored(fmt.Sprintf("%.1f", tk), marginLeft-tickLen-tickGap, y, 1, 0.5)
	}
}
