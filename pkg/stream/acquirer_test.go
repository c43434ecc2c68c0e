package stream

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oscillab/scopeview/pkg/scope"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// fakeSource hands out queued frames and times out once the queue closes.
type fakeSource struct {
	frames chan []byte
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan []byte, 64)}
}

func (f *fakeSource) Get(buf []byte) (int, error) {
	fr, ok := <-f.frames
	if !ok {
		time.Sleep(time.Millisecond)
		return 0, timeoutError{}
	}
	return copy(buf, fr), nil
}

func (f *fakeSource) Close() error { return nil }

func waitTrigger(t *testing.T, a *Acquirer, want scope.TriggerState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := a.QueryTrigger(context.Background())
		require.NoError(t, err)
		if got == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("trigger never reached %s", want)
}

func TestAcquirerCaptureWindow(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	src := newFakeSource()
	a := NewAcquirer(src, 1000) // 1 kHz: 0.01 s needs 10 samples per channel

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	state, err := a.QueryTrigger(ctx)
	require.NoError(err)
	assert.Equal(scope.TriggerIdle, state)

	require.NoError(a.StartCapture(ctx, 0.01))
	state, err = a.QueryTrigger(ctx)
	require.NoError(err)
	assert.Equal(scope.TriggerArmed, state)

	// Three frames of 4 samples per channel overfill the 10-sample window;
	// the surplus must be cut off at the target.
	for i := uint32(0); i < 3; i++ {
		src.frames <- frameBytes(i, 1, 4, func(c, s int) int16 {
			return int16((c + 1) * 1000)
		})
	}
	waitTrigger(t, a, scope.TriggerStopped)

	set, err := a.FetchTraces(ctx)
	require.NoError(err)
	require.NoError(set.Validate())
	require.Len(set.Times, 10)
	assert.Equal(0.001, set.Times[1])
	require.Len(set.Traces, NumChannels)
	for c, tr := range set.Traces {
		assert.Equal(ChannelNames[c], tr.Label)
		require.Len(tr.Data, 10)
		want := float64((c+1)*1000) * FullScale / 32768
		assert.InDelta(want, tr.Data[0], 1e-12)
	}

	// Fetching disarms; the window is gone until the next capture.
	state, err = a.QueryTrigger(ctx)
	require.NoError(err)
	assert.Equal(scope.TriggerIdle, state)
	_, err = a.FetchTraces(ctx)
	assert.Error(err)

	received, dropped := a.Loss()
	assert.Equal(uint64(3), received)
	assert.Zero(dropped)

	close(src.frames)
	cancel()
	select {
	case err := <-done:
		assert.NoError(err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned after cancellation")
	}
}

func TestAcquirerRejectsEmptyWindow(t *testing.T) {
	a := NewAcquirer(newFakeSource(), 1000)
	for _, bad := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if err := a.StartCapture(context.Background(), bad); err == nil {
			t.Errorf("StartCapture(%v) accepted an empty window", bad)
		}
	}
}

func TestAcquirerDropsMalformedFrames(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	src := newFakeSource()
	a := NewAcquirer(src, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.NoError(a.StartCapture(ctx, 0.004)) // 4 samples

	// Garbage first, then a real frame; only the real one fills the window.
	src.frames <- []byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0, 1, 2}
	src.frames <- frameBytes(0, 1, 4, func(c, s int) int16 { return 100 })
	waitTrigger(t, a, scope.TriggerStopped)

	set, err := a.FetchTraces(ctx)
	require.NoError(err)
	assert.Len(set.Times, 4)

	received, dropped := a.Loss()
	assert.Equal(uint64(1), received)
	assert.Zero(dropped)

	close(src.frames)
	cancel()
	select {
	case err := <-done:
		assert.NoError(err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned after cancellation")
	}
}
