package viz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/oscillab/scopeview/pkg/capture"
	"github.com/oscillab/scopeview/pkg/scope"
)

// ImageContainer is one rendered chart, PNG-encoded.
type ImageContainer struct {
	name string
	data []byte
}

// Producer renders a chart from whatever data it holds. GetImage may return
// nil when there is nothing to show yet. Producers are driven by the
// server's single refresh loop.
type Producer interface {
	Name() string
	GetImage() *ImageContainer
}

// Controls is the slice of the capture controller the console drives.
type Controls interface {
	Phase() capture.Phase
	Trigger() scope.TriggerState
	Continuous() bool
	Duration() float64
	SetDuration(secs float64) error
	Start(ctx context.Context) error
	ToggleContinuous(ctx context.Context) bool
	Reset()
}

// Server owns the console. Charts regenerate on a fixed interval while
// someone is actually looking at them.
type Server struct {
	mu             sync.RWMutex
	images         map[string]*ImageContainer
	producers      map[string]Producer
	lastViewed     time.Time
	updateInterval time.Duration
	srv            *http.Server
	controls       Controls
	runCtx         context.Context
}

func NewServer(port int, updateInterval time.Duration, controls Controls) *Server {
	return &Server{
		images:         make(map[string]*ImageContainer),
		producers:      make(map[string]Producer),
		updateInterval: updateInterval,
		srv:            &http.Server{Addr: fmt.Sprintf(":%d", port)},
		controls:       controls,
	}
}

// Register adds a chart to the console. Register everything before Run.
func (s *Server) Register(p Producer) {
	s.mu.Lock()
	s.producers[p.Name()] = p
	s.mu.Unlock()
}

func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.updateInterval):
				s.refresh()
			}
		}
	}()

	s.srv.Handler = s.routes()

	err := s.srv.ListenAndServe()
	switch {
	case err == http.ErrServerClosed:
		return nil
	case err != nil:
		return err
	default:
		return err
	}
}

func (s *Server) refresh() {
	s.mu.RLock()
	viewed := time.Since(s.lastViewed) < time.Second
	s.mu.RUnlock()
	if !viewed {
		return
	}

	for _, p := range s.producerList() {
		img := p.GetImage()
		if img == nil {
			continue
		}
		s.mu.Lock()
		s.images[img.name] = img
		s.mu.Unlock()
	}
}

func (s *Server) producerList() []Producer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.producers))
	for name := range s.producers {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Producer, 0, len(names))
	for _, name := range names {
		out = append(out, s.producers[name])
	}
	return out
}

func (s *Server) touch() {
	s.mu.Lock()
	s.lastViewed = time.Now()
	s.mu.Unlock()
}

// controlCtx is the context handed to control operations. Capture cycles must
// outlive the request that starts them, so the request context won't do.
func (s *Server) controlCtx() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}

func (s *Server) routes() http.Handler {
	handler := httprouter.New()
	handler.GET("/", s.handleConsole)
	handler.GET("/img/:img", s.handleImage)
	handler.GET("/api/status", s.handleStatus)
	handler.POST("/api/capture", s.handleCapture)
	handler.POST("/api/duration", s.handleDuration)
	handler.POST("/api/continuous", s.handleContinuous)
	handler.POST("/api/reset", s.handleReset)
	return handler
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.touch()

	name := params.ByName("img")
	s.mu.RLock()
	img, ok := s.images[name]
	s.mu.RUnlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Add("Content-Type", "image/png")
	w.Write(img.data)
}

type statusPayload struct {
	Phase        string  `json:"phase"`
	Trigger      string  `json:"trigger"`
	DurationSecs float64 `json:"duration_secs"`
	Continuous   bool    `json:"continuous"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusPayload{
		Phase:        s.controls.Phase().String(),
		Trigger:      string(s.controls.Trigger()),
		DurationSecs: s.controls.Duration(),
		Continuous:   s.controls.Continuous(),
	})
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.controls.Start(s.controlCtx()); err != nil {
		s.writeControlError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDuration(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	secs, err := strconv.ParseFloat(r.FormValue("secs"), 64)
	if err != nil {
		http.Error(w, fmt.Sprintf("bad duration: %v", err), http.StatusBadRequest)
		return
	}
	if err := s.controls.SetDuration(secs); err != nil {
		s.writeControlError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleContinuous(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	on := s.controls.ToggleContinuous(s.controlCtx())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"continuous": on})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.controls.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, capture.ErrInvalidConfig):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, capture.ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, capture.ErrCaptureStart):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.touch()

	producers := s.producerList()

	w.Header().Add("Content-Type", "text/html")
	w.Write([]byte(`<html><head><title>scopeview</title></head>`))

	w.Write([]byte(fmt.Sprintf(`
	<script type="text/javascript">
		var toggleRefresh = true;
		function toggleOn() {
			toggleRefresh = !toggleRefresh;
		}

		function api(name) {
			fetch('/api/' + name, {method: 'POST'}).then(refreshStatus);
		}

		function setDuration() {
			var secs = document.getElementById('duration').value;
			fetch('/api/duration?secs=' + encodeURIComponent(secs), {method: 'POST'}).then(refreshStatus);
		}

		function refreshStatus() {
			fetch('/api/status').then(function(r) { return r.json(); }).then(function(s) {
				var text = s.phase + ' | trigger ' + s.trigger + ' | ' + s.duration_secs + ' s';
				if (s.continuous) {
					text += ' | continuous';
				}
				document.getElementById('status').textContent = text;
			});
		}

		window.onload = function() {
			for (var i = 0; i < %d; i++) {
				var img = document.getElementById('graph-' + i);
				setInterval(function(image) {
					if (toggleRefresh) {
						image.src = image.src.split("?")[0] + "?" + new Date().getTime();
					}
				}, %d, img);
			}
			refreshStatus();
			setInterval(refreshStatus, 500);
		}
	</script>`, len(producers), s.updateInterval.Milliseconds())))

	w.Write([]byte(`<body style='background-color: black; color: white; font-family: monospace'>`))

	w.Write([]byte(`<div>`))
	w.Write([]byte(`<button onclick="api('capture')">Capture</button>`))
	w.Write([]byte(`<button onclick="api('continuous')">Continuous</button>`))
	w.Write([]byte(`<button onclick="api('reset')">Reset</button>`))
	w.Write([]byte(`<input id="duration" type="number" step="any" min="0" placeholder="seconds" />`))
	w.Write([]byte(`<button onclick="setDuration()">Set duration</button>`))
	w.Write([]byte(`<button onclick="toggleOn()">Refresh?</button>`))
	w.Write([]byte(`<span id="status"></span>`))
	w.Write([]byte(`</div>`))

	w.Write([]byte(`<div style="display: flex; flex-direction: row; flex-wrap: wrap">`))
	for idx, p := range producers {
		w.Write([]byte(fmt.Sprintf(`<div><img id="graph-%d"
		src="/img/%s?%d" />`, idx, p.Name(), time.Now().UnixMicro())))

		w.Write([]byte("</div>"))
	}
	w.Write([]byte(`</div>`))

	w.Write([]byte(`</body></html>`))
}
