package viz

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/oscillab/scopeview/pkg/dsp/psd"
	"github.com/oscillab/scopeview/pkg/scope"
	"github.com/oscillab/scopeview/pkg/util"
)

// PSDProducer charts the spectral density of each trace in the most recent
// capture on log-log axes. Captures too short for the estimator's averaging
// floor chart nothing until a longer one arrives.
type PSDProducer struct {
	name string
	est  *psd.Estimator

	mu  sync.Mutex
	set scope.TraceSet
	has bool

	plotOptions []PlotOptions
}

func NewPSDProducer(name string, est *psd.Estimator) *PSDProducer {
	return &PSDProducer{name: name, est: est}
}

func (p *PSDProducer) Name() string {
	return p.name
}

func (p *PSDProducer) AddPlotOption(opt PlotOptions) {
	p.plotOptions = append(p.plotOptions, opt)
}

// Update stores a completed capture for the next refresh.
func (p *PSDProducer) Update(set scope.TraceSet) {
	p.mu.Lock()
	p.set = set
	p.has = true
	p.mu.Unlock()
}

func (p *PSDProducer) GetImage() *ImageContainer {
	p.mu.Lock()
	set, has := p.set, p.has
	p.mu.Unlock()
	if !has {
		return nil
	}
	rate := util.RateFromTimes(set.Times)
	if rate == 0 {
		return nil
	}

	pl := plotWithDefaults()
	pl.Title.Text = p.name
	pl.X.Label.Text = "log10 Frequency (Hz)"
	pl.Y.Label.Text = "Power (dB/Hz)"

	for _, opt := range p.plotOptions {
		opt(pl)
	}

	grid := plotter.NewGrid()
	pl.Add(grid)

	charted := 0
	for _, tr := range set.Traces {
		sp, err := p.est.Estimate(tr.Data, rate)
		if err != nil {
			log.Debug().Err(err).Str("trace", tr.Label).Msg("skipping spectral estimate")
			continue
		}
		pts := sp.LogLog()
		xys := make(plotter.XYs, len(pts))
		for i, pt := range pts {
			xys[i] = plotter.XY{X: pt[0], Y: pt[1]}
		}
		if err := plotutil.AddLines(pl, tr.Label, xys); err != nil {
			log.Error().Err(err).Str("trace", tr.Label).Msg("charting spectral estimate")
			continue
		}
		charted++
	}
	if charted == 0 {
		return nil
	}

	var imageData bytes.Buffer
	w, err := pl.WriterTo(8*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		log.Error().Err(err).Str("chart", p.name).Msg("encoding chart")
		return nil
	}
	w.WriteTo(&imageData)
	return &ImageContainer{name: p.name, data: imageData.Bytes()}
}
