package stream

import (
	"context"
	"fmt"
	"math"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/oscillab/scopeview/pkg/scope"
)

// Acquirer turns the continuous sample stream into a one-shot capture
// instrument: arming it collects the next capture window's worth of samples
// from every channel, after which the trigger reads Stopped and the window
// can be fetched as traces.
type Acquirer struct {
	src  Source
	rate float64

	mu     sync.Mutex
	armed  bool
	target int
	data   [NumChannels][]float64
	loss   Loss
}

var _ scope.Client = (*Acquirer)(nil)

// NewAcquirer wraps src. rate is the per-channel sample rate in Hz and fixes
// the time axis of fetched traces.
func NewAcquirer(src Source, rate float64) *Acquirer {
	return &Acquirer{src: src, rate: rate}
}

// Run reads frames until ctx is cancelled. Malformed frames are dropped and
// counted against the stream; read timeouts keep the loop waiting.
func (a *Acquirer) Run(ctx context.Context) error {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			a.analyze()
			return nil
		}
		n, err := a.src.Get(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				a.analyze()
				return nil
			}
			return fmt.Errorf("reading stream: %w", err)
		}
		frame, err := ParseFrame(buf[:n])
		if err != nil {
			log.Warn().Err(err).Int("len", n).Msg("dropping frame")
			continue
		}
		a.ingest(frame)
	}
}

// Close releases the underlying source, unblocking Run.
func (a *Acquirer) Close() error {
	return a.src.Close()
}

// StartCapture arms collection of the next durationSecs worth of samples.
func (a *Acquirer) StartCapture(ctx context.Context, durationSecs float64) error {
	n := int(math.Ceil(durationSecs * a.rate))
	if n <= 0 || math.IsNaN(durationSecs) || math.IsInf(durationSecs, 0) {
		return fmt.Errorf("capture window of %v s holds no samples at %v Hz", durationSecs, a.rate)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.armed = true
	a.target = n
	for c := range a.data {
		a.data[c] = make([]float64, 0, n)
	}
	return nil
}

// QueryTrigger reports Idle when unarmed, Armed while the window is filling,
// and Stopped once every channel holds a full window.
func (a *Acquirer) QueryTrigger(ctx context.Context) (scope.TriggerState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case !a.armed:
		return scope.TriggerIdle, nil
	case a.fullLocked():
		return scope.TriggerStopped, nil
	default:
		return scope.TriggerArmed, nil
	}
}

// FetchTraces returns the collected window and disarms the acquirer.
func (a *Acquirer) FetchTraces(ctx context.Context) (scope.TraceSet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.armed {
		return scope.TraceSet{}, fmt.Errorf("no capture armed")
	}
	if !a.fullLocked() {
		return scope.TraceSet{}, fmt.Errorf("capture still filling")
	}

	set := scope.TraceSet{
		Times:  make([]float64, a.target),
		Traces: make([]scope.Trace, NumChannels),
	}
	for i := range set.Times {
		set.Times[i] = float64(i) / a.rate
	}
	for c := range a.data {
		set.Traces[c] = scope.Trace{Label: ChannelNames[c], Data: a.data[c]}
		a.data[c] = nil
	}
	a.armed = false
	return set, nil
}

// Loss returns the stream's batch loss counters.
func (a *Acquirer) Loss() (received, dropped uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loss.Counts()
}

func (a *Acquirer) ingest(f *Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.loss.Update(f)
	if !a.armed {
		return
	}
	for c := range a.data {
		need := a.target - len(a.data[c])
		if need <= 0 {
			continue
		}
		src := f.Data[c]
		if len(src) > need {
			src = src[:need]
		}
		a.data[c] = append(a.data[c], src...)
	}
}

func (a *Acquirer) fullLocked() bool {
	for c := range a.data {
		if len(a.data[c]) < a.target {
			return false
		}
	}
	return true
}

func (a *Acquirer) analyze() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.loss.Analyze()
}
