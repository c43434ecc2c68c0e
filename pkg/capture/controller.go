// Package capture drives a scope.Client through the capture cycle: one start
// request, trigger polls on a fixed cadence until the instrument reports
// Stopped, a single trace fetch, then an optional auto-rearm while continuous
// mode is on.
package capture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/oscillab/scopeview/pkg/scope"
)

// DefaultPollInterval is the trigger poll cadence used unless overridden.
const DefaultPollInterval = 10 * time.Millisecond

// Phase is the controller's position in the capture cycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCapturing
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCapturing:
		return "capturing"
	case PhaseStopped:
		return "stopped"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Failure classes. Each one ends the current capture cycle; the controller
// never retries on its own.
var (
	ErrInvalidConfig = errors.New("invalid capture duration")
	ErrBusy          = errors.New("capture already in progress")
	ErrCaptureStart  = errors.New("capture start rejected")
	ErrTriggerPoll   = errors.New("trigger poll failed")
	ErrTraceFetch    = errors.New("trace fetch failed")
)

// Option configures a Controller.
type Option func(c *Controller)

// WithPollInterval overrides the trigger poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) {
		c.pollInterval = d
	}
}

// WithOnData registers the callback that receives each completed capture.
// The callback runs outside the controller's lock and may block; polling for
// the next cycle does not resume until it returns.
func WithOnData(fn func(scope.TraceSet)) Option {
	return func(c *Controller) {
		c.onData = fn
	}
}

// WithOnError registers a callback for cycle failures that have no caller to
// return to, i.e. poll and fetch errors raised inside the polling loop.
func WithOnError(fn func(error)) Option {
	return func(c *Controller) {
		c.onError = fn
	}
}

// Controller owns the capture state machine. All exported methods are safe
// for concurrent use.
type Controller struct {
	client       scope.Client
	pollInterval time.Duration
	onData       func(scope.TraceSet)
	onError      func(error)

	mu         sync.Mutex
	phase      Phase
	trigger    scope.TriggerState
	duration   float64
	continuous bool
	// cancelPoll stops the live polling loop. At most one loop exists at a
	// time; the handle is nil whenever no loop is armed.
	cancelPoll context.CancelFunc
	// cycle numbers each armed capture. Poll ticks and fetches carry the
	// cycle they belong to and stand down when it is no longer current.
	cycle uint64

	wg sync.WaitGroup
}

// New returns an idle Controller for client. The capture duration starts
// unset; SetDuration must be called before Start.
func New(client scope.Client, opts ...Option) *Controller {
	c := &Controller{
		client:       client,
		pollInterval: DefaultPollInterval,
		phase:        PhaseIdle,
		trigger:      scope.TriggerIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Phase returns the controller's current phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Trigger returns the most recently observed trigger state.
func (c *Controller) Trigger() scope.TriggerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trigger
}

// Continuous reports whether continuous mode is on.
func (c *Controller) Continuous() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.continuous
}

// Duration returns the configured capture length in seconds, 0 if unset.
func (c *Controller) Duration() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}

// SetDuration sets the capture length for subsequent Start calls. The value
// comes from operator input, so anything non-finite or <= 0 is rejected with
// ErrInvalidConfig and the previous duration stands.
func (c *Controller) SetDuration(secs float64) error {
	if err := validateDuration(secs); err != nil {
		return err
	}
	c.mu.Lock()
	c.duration = secs
	c.mu.Unlock()
	return nil
}

// Start arms one capture. It sends the start request, and once the
// instrument accepts it, schedules the polling loop for the new cycle. A
// rejected request leaves the controller in Idle and is reported as
// ErrCaptureStart; Start may be called again immediately.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	d := c.duration
	if err := validateDuration(d); err != nil {
		c.mu.Unlock()
		return err
	}
	c.phase = PhaseCapturing
	c.mu.Unlock()

	if err := c.client.StartCapture(ctx, d); err != nil {
		c.mu.Lock()
		c.phase = PhaseIdle
		c.mu.Unlock()
		err = fmt.Errorf("%w: %s", ErrCaptureStart, err)
		log.Error().Err(err).Float64("duration_secs", d).Msg("instrument rejected capture")
		return err
	}

	c.beginPolling(ctx)
	log.Debug().Float64("duration_secs", d).Msg("capture armed")
	return nil
}

// ToggleContinuous flips continuous mode and returns the new value. Turning
// it on while the controller is idle arms a capture immediately; turning it
// off lets the current cycle finish and simply stops the rearm.
func (c *Controller) ToggleContinuous(ctx context.Context) bool {
	c.mu.Lock()
	c.continuous = !c.continuous
	on := c.continuous
	idle := c.phase == PhaseIdle
	c.mu.Unlock()

	if on && idle {
		if err := c.Start(ctx); err != nil && !errors.Is(err, ErrBusy) {
			log.Error().Err(err).Msg("continuous mode could not arm")
		}
	}
	return on
}

// Reset abandons the current cycle from any phase and returns the controller
// to Idle. The poll loop, if armed, is cancelled; in-flight requests resolve
// against a dead cycle and their results are discarded.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.cycle++
	c.cancelPollLocked()
	c.phase = PhaseIdle
	c.trigger = scope.TriggerIdle
	c.mu.Unlock()
	log.Debug().Msg("controller reset")
}

// Wait blocks until every polling loop has exited. It only returns once the
// context passed to Start is cancelled or the final cycle has completed with
// continuous mode off.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) beginPolling(ctx context.Context) {
	pctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.phase != PhaseCapturing {
		// A reset raced the instrument's accept; the cycle is already dead.
		c.mu.Unlock()
		cancel()
		return
	}
	c.cycle++
	seq := c.cycle
	c.cancelPoll = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer cancel()
		c.pollLoop(ctx, pctx, seq)
	}()
}

// pollLoop queries the trigger once per tick until the instrument reports
// Stopped, the query fails, or cycle seq is cancelled. Queries are issued
// one at a time; a tick that fires while the previous query is still in
// flight waits behind it.
func (c *Controller) pollLoop(ctx, pctx context.Context, seq uint64) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pctx.Done():
			return
		case <-ticker.C:
		}

		state, err := c.client.QueryTrigger(pctx)
		if err != nil {
			if pctx.Err() != nil {
				return
			}
			// The cycle stays in Capturing with no further polls scheduled;
			// Reset is the way out.
			c.report(fmt.Errorf("%w: %s", ErrTriggerPoll, err))
			return
		}
		if !c.observeTrigger(seq, state) {
			return
		}
		if state.Waiting() {
			continue
		}
		if !c.transitionStopped(seq) {
			return
		}
		c.fetchAndRearm(ctx, seq)
		return
	}
}

// observeTrigger records state for cycle seq. It reports false when the
// cycle is no longer current and the loop should stand down.
func (c *Controller) observeTrigger(seq uint64, state scope.TriggerState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.cycle || c.phase != PhaseCapturing {
		return false
	}
	if c.trigger != state {
		log.Debug().Str("trigger", string(state)).Uint64("cycle", seq).Msg("trigger state changed")
	}
	c.trigger = state
	return true
}

// transitionStopped performs the Capturing -> Stopped transition for cycle
// seq and cancels its poll handle. The phase check under the lock makes the
// transition, and with it the cancellation, happen at most once per cycle.
func (c *Controller) transitionStopped(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.cycle || c.phase != PhaseCapturing {
		return false
	}
	c.phase = PhaseStopped
	c.cancelPollLocked()
	return true
}

// fetchAndRearm retrieves the finished capture for cycle seq, delivers it,
// and either returns the controller to Idle or chains straight into the next
// Start when continuous mode is still on.
func (c *Controller) fetchAndRearm(ctx context.Context, seq uint64) {
	set, err := c.client.FetchTraces(ctx)
	if err != nil {
		if ctx.Err() != nil || !c.cycleCurrent(seq) {
			return
		}
		// Stays in Stopped; the capture is lost until a Reset.
		c.report(fmt.Errorf("%w: %s", ErrTraceFetch, err))
		return
	}
	if !c.cycleCurrent(seq) {
		return
	}

	samples := 0
	for _, tr := range set.Traces {
		samples += len(tr.Data)
	}
	log.Info().Int("traces", len(set.Traces)).Int("samples", samples).Uint64("cycle", seq).Msg("capture complete")

	if c.onData != nil {
		c.onData(set)
	}

	c.mu.Lock()
	if seq != c.cycle || c.phase != PhaseStopped {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseIdle
	again := c.continuous
	c.mu.Unlock()

	if again {
		if err := c.Start(ctx); err != nil && !errors.Is(err, ErrBusy) {
			log.Error().Err(err).Msg("auto-rearm failed")
		}
	}
}

func (c *Controller) cycleCurrent(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return seq == c.cycle
}

func (c *Controller) cancelPollLocked() {
	if c.cancelPoll != nil {
		c.cancelPoll()
		c.cancelPoll = nil
	}
}

func (c *Controller) report(err error) {
	log.Error().Err(err).Msg("capture cycle failed")
	if c.onError != nil {
		c.onError(err)
	}
}

func validateDuration(secs float64) error {
	if math.IsNaN(secs) || math.IsInf(secs, 0) || secs <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, secs)
	}
	return nil
}
