// Package scope defines the boundary to a remote one-shot waveform capture
// instrument: arm a capture, poll the trigger until it stops, fetch the
// recorded traces.
package scope

import (
	"context"
	"fmt"
)

// TriggerState is the trigger status reported by the instrument. Every value
// other than Stopped means the instrument is still waiting.
type TriggerState string

const (
	TriggerIdle      TriggerState = "Idle"
	TriggerArmed     TriggerState = "Armed"
	TriggerTriggered TriggerState = "Triggered"
	TriggerStopped   TriggerState = "Stopped"
)

// Waiting reports whether s is anything other than Stopped. Values this
// package does not know about count as waiting.
func (s TriggerState) Waiting() bool {
	return s != TriggerStopped
}

// Trace is one labeled series sharing the capture's time axis.
type Trace struct {
	Label string    `json:"label"`
	Data  []float64 `json:"data"`
}

// TraceSet is the complete result of one capture cycle: a shared,
// monotonically non-decreasing time axis and the traces recorded against it.
// A set is immutable once fetched.
type TraceSet struct {
	Times  []float64 `json:"times"`
	Traces []Trace   `json:"traces"`
}

// Validate checks that every trace is exactly as long as the time axis.
func (ts TraceSet) Validate() error {
	for _, tr := range ts.Traces {
		if len(tr.Data) != len(ts.Times) {
			return fmt.Errorf("trace %q has %d samples for %d time points", tr.Label, len(tr.Data), len(ts.Times))
		}
	}
	return nil
}

// Client is the remote acquisition boundary. Implementations must keep the
// three operations independent: a failed call never retries itself and never
// disturbs instrument state beyond the request it made.
type Client interface {
	// StartCapture arms a capture of the given length in seconds.
	StartCapture(ctx context.Context, durationSecs float64) error
	// QueryTrigger returns the instrument's current trigger status.
	QueryTrigger(ctx context.Context) (TriggerState, error)
	// FetchTraces retrieves the most recently completed capture.
	FetchTraces(ctx context.Context) (TraceSet, error)
}
