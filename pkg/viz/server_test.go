package viz

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oscillab/scopeview/pkg/capture"
	"github.com/oscillab/scopeview/pkg/scope"
)

type fakeControls struct {
	mu         sync.Mutex
	phase      capture.Phase
	trigger    scope.TriggerState
	duration   float64
	continuous bool
	startErr   error
	starts     int
	resets     int
}

func (f *fakeControls) Phase() capture.Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

func (f *fakeControls) Trigger() scope.TriggerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trigger
}

func (f *fakeControls) Continuous() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.continuous
}

func (f *fakeControls) Duration() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duration
}

func (f *fakeControls) SetDuration(secs float64) error {
	if secs <= 0 {
		return capture.ErrInvalidConfig
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.duration = secs
	return nil
}

func (f *fakeControls) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	return nil
}

func (f *fakeControls) ToggleContinuous(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continuous = !f.continuous
	return f.continuous
}

func (f *fakeControls) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

type fakeProducer struct {
	name string
	data []byte
}

func (f *fakeProducer) Name() string { return f.name }

func (f *fakeProducer) GetImage() *ImageContainer {
	if f.data == nil {
		return nil
	}
	return &ImageContainer{name: f.name, data: f.data}
}

func newTestServer(controls Controls) (*Server, *httptest.Server) {
	s := NewServer(0, 50*time.Millisecond, controls)
	return s, httptest.NewServer(s.routes())
}

func TestStatusEndpoint(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	fc := &fakeControls{
		phase:      capture.PhaseCapturing,
		trigger:    scope.TriggerArmed,
		duration:   0.25,
		continuous: true,
	}
	_, ts := newTestServer(fc)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)

	var got statusPayload
	require.NoError(json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal("capturing", got.Phase)
	assert.Equal("Armed", got.Trigger)
	assert.Equal(0.25, got.DurationSecs)
	assert.True(got.Continuous)
}

func TestCaptureEndpoint(t *testing.T) {
	assert := assert.New(t)

	for _, tt := range []struct {
		name     string
		startErr error
		want     int
	}{
		{name: "accepted", want: http.StatusAccepted},
		{name: "busy", startErr: capture.ErrBusy, want: http.StatusConflict},
		{name: "unconfigured", startErr: capture.ErrInvalidConfig, want: http.StatusBadRequest},
		{name: "rejected", startErr: fmt.Errorf("%w: 400 bad duration", capture.ErrCaptureStart), want: http.StatusBadGateway},
	} {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeControls{startErr: tt.startErr}
			_, ts := newTestServer(fc)
			defer ts.Close()

			resp, err := http.Post(ts.URL+"/api/capture", "", nil)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(tt.want, resp.StatusCode)
		})
	}
}

func TestDurationEndpoint(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	fc := &fakeControls{}
	_, ts := newTestServer(fc)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/duration?secs=0.5", "", nil)
	require.NoError(err)
	resp.Body.Close()
	assert.Equal(http.StatusNoContent, resp.StatusCode)
	assert.Equal(0.5, fc.Duration())

	resp, err = http.Post(ts.URL+"/api/duration?secs=oops", "", nil)
	require.NoError(err)
	resp.Body.Close()
	assert.Equal(http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/duration?secs=-1", "", nil)
	require.NoError(err)
	resp.Body.Close()
	assert.Equal(http.StatusBadRequest, resp.StatusCode)
	assert.Equal(0.5, fc.Duration())

	// Form bodies work as well as query parameters.
	form := url.Values{"secs": {"1.5"}}
	resp, err = http.Post(ts.URL+"/api/duration", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(err)
	resp.Body.Close()
	assert.Equal(http.StatusNoContent, resp.StatusCode)
	assert.Equal(1.5, fc.Duration())
}

func TestContinuousEndpoint(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	fc := &fakeControls{}
	_, ts := newTestServer(fc)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/continuous", "", nil)
	require.NoError(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)

	var got map[string]bool
	require.NoError(json.NewDecoder(resp.Body).Decode(&got))
	assert.True(got["continuous"])
	assert.True(fc.Continuous())
}

func TestResetEndpoint(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	fc := &fakeControls{}
	_, ts := newTestServer(fc)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/reset", "", nil)
	require.NoError(err)
	resp.Body.Close()
	assert.Equal(http.StatusNoContent, resp.StatusCode)
	assert.Equal(1, fc.resets)
}

func TestImageLifecycle(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s, ts := newTestServer(&fakeControls{})
	defer ts.Close()
	s.Register(&fakeProducer{name: "waveform", data: []byte("png bytes")})

	// Refresh does nothing while nobody is watching.
	s.refresh()

	// Nothing rendered yet; this request marks the console viewed.
	resp, err := http.Get(ts.URL + "/img/waveform")
	require.NoError(err)
	resp.Body.Close()
	assert.Equal(http.StatusNotFound, resp.StatusCode)

	// Now charts build.
	s.refresh()
	resp, err = http.Get(ts.URL + "/img/waveform")
	require.NoError(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal("image/png", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(err)
	assert.Equal([]byte("png bytes"), body)
}

func TestConsolePage(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s, ts := newTestServer(&fakeControls{})
	defer ts.Close()
	s.Register(&fakeProducer{name: "waveform"})
	s.Register(&fakeProducer{name: "psd"})

	resp, err := http.Get(ts.URL + "/")
	require.NoError(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(err)
	html := string(body)
	assert.Contains(html, "<title>scopeview</title>")
	assert.Contains(html, "/img/psd")
	assert.Contains(html, "/img/waveform")
	assert.Contains(html, "api('capture')")
	assert.Contains(html, "api('reset')")
	// Charts list sorted by name.
	assert.Less(strings.Index(html, "/img/psd"), strings.Index(html, "/img/waveform"))
}
