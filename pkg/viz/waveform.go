package viz

import (
	"bytes"
	"image"
	"image/png"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/oscillab/scopeview/pkg/render"
	"github.com/oscillab/scopeview/pkg/scope"
)

// DefaultViewport matches the instrument panel's chart area.
var DefaultViewport = image.Pt(640, 500)

// WaveformProducer charts the most recent capture with the waveform
// renderer.
type WaveformProducer struct {
	name string
	wf   *render.Waveform
	size image.Point

	mu  sync.Mutex
	set scope.TraceSet
	has bool
}

func NewWaveformProducer(name string, wf *render.Waveform, size image.Point) *WaveformProducer {
	if size.X <= 0 || size.Y <= 0 {
		size = DefaultViewport
	}
	return &WaveformProducer{name: name, wf: wf, size: size}
}

func (p *WaveformProducer) Name() string {
	return p.name
}

// Update stores a completed capture for the next refresh.
func (p *WaveformProducer) Update(set scope.TraceSet) {
	p.mu.Lock()
	p.set = set
	p.has = true
	p.mu.Unlock()
}

func (p *WaveformProducer) GetImage() *ImageContainer {
	p.mu.Lock()
	set, has := p.set, p.has
	p.mu.Unlock()
	if !has {
		return nil
	}

	img := p.wf.Render(set.Times, set.Traces, p.size)
	if img == nil {
		return nil
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		log.Error().Err(err).Str("chart", p.name).Msg("encoding chart")
		return nil
	}
	return &ImageContainer{name: p.name, data: buf.Bytes()}
}
