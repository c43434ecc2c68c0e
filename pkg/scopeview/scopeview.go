package scopeview

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/oscillab/scopeview/pkg/capture"
	"github.com/oscillab/scopeview/pkg/dsp/psd"
	"github.com/oscillab/scopeview/pkg/render"
	"github.com/oscillab/scopeview/pkg/scope"
	"github.com/oscillab/scopeview/pkg/util"
	"github.com/oscillab/scopeview/pkg/viz"
)

// Runner pumps a sample source in the background (the UDP listener or the
// file replay). The HTTP instrument client needs none.
type Runner interface {
	Run(ctx context.Context) error
}

type lossCounter interface {
	Loss() (received, dropped uint64)
}

type Options struct {
	DurationSecs      float64
	PollInterval      time.Duration
	Continuous        bool
	VizPort           int
	VizUpdateInterval time.Duration
	ViewportWidth     int
	PSD               psd.Options
	SnapshotDir       string
	SourceTag         string
}

// App wires the capture controller to the chart producers, the console
// server, and the metrics sink.
type App struct {
	client   scope.Client
	opts     Options
	writeAPI api.WriteAPI
	runner   Runner
	logger   zerolog.Logger

	controller *capture.Controller
	wf         *render.Waveform
	waveform   *viz.WaveformProducer
	psd        *viz.PSDProducer
	vizServer  *viz.Server

	mu     sync.Mutex
	cancel context.CancelFunc
}

type AppOption func(a *App) error

func WithInfluxDB(writeAPI api.WriteAPI) AppOption {
	return func(a *App) error {
		a.writeAPI = writeAPI
		return nil
	}
}

func WithRunner(r Runner) AppOption {
	return func(a *App) error {
		a.runner = r
		return nil
	}
}

func WithLogger(logger zerolog.Logger) AppOption {
	return func(a *App) error {
		a.logger = logger
		return nil
	}
}

func New(client scope.Client, options Options, opts ...AppOption) (*App, error) {
	a := &App{
		client:   client,
		opts:     options,
		writeAPI: &util.MockWriteAPI{}, // overwritten with option
		logger:   log.Logger,
		wf:       render.NewWaveform(),
	}

	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}

	est, err := psd.New(options.PSD)
	if err != nil {
		return nil, fmt.Errorf("spectral estimator: %w", err)
	}

	ctrlOpts := []capture.Option{
		capture.WithOnData(a.handleData),
		capture.WithOnError(a.handleError),
	}
	if options.PollInterval > 0 {
		ctrlOpts = append(ctrlOpts, capture.WithPollInterval(options.PollInterval))
	}
	a.controller = capture.New(client, ctrlOpts...)

	if options.DurationSecs != 0 {
		if err := a.controller.SetDuration(options.DurationSecs); err != nil {
			return nil, err
		}
	}

	width := options.ViewportWidth
	if width <= 0 {
		width = viz.DefaultViewport.X
	}
	a.waveform = viz.NewWaveformProducer("waveform", a.wf, image.Pt(width, viz.DefaultViewport.Y))
	a.psd = viz.NewPSDProducer("psd", est)

	if options.VizPort > 0 {
		a.vizServer = viz.NewServer(options.VizPort, options.VizUpdateInterval, a.controller)
		a.vizServer.Register(a.waveform)
		a.vizServer.Register(a.psd)
	}

	return a, nil
}

// Controller exposes the capture state machine for direct driving.
func (a *App) Controller() *capture.Controller {
	return a.controller
}

func (a *App) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	eg.Go(func() error {
		if err := a.wf.LoadFont(); err != nil {
			return fmt.Errorf("loading chart font: %w", err)
		}
		return nil
	})

	if a.runner != nil {
		eg.Go(func() error {
			return a.runner.Run(ctx)
		})
	}

	if a.vizServer != nil {
		eg.Go(func() error {
			return a.vizServer.Run(ctx)
		})
	}

	eg.Go(func() error {
		<-ctx.Done()
		a.controller.Wait()
		return ctx.Err()
	})

	if a.opts.Continuous {
		a.controller.ToggleContinuous(ctx)
	}

	a.logger.Info().
		Str("source", a.opts.SourceTag).
		Float64("duration_secs", a.controller.Duration()).
		Bool("continuous", a.controller.Continuous()).
		Msg("starting")

	return eg.Wait()
}

func (a *App) Stop() error {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	var result error
	if a.vizServer != nil {
		a.vizServer.Stop(context.TODO())
	}
	if c, ok := a.runner.(io.Closer); ok {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.controller.Wait()

	if lc, ok := a.runner.(lossCounter); ok {
		received, dropped := lc.Loss()
		a.writeAPI.WritePoint(influxdb2.NewPoint("stream.loss",
			map[string]string{
				"source": a.opts.SourceTag,
			},
			map[string]interface{}{
				"received": received,
				"dropped":  dropped,
			}, time.Now()))
	}
	a.writeAPI.Flush()

	return result
}

func (a *App) handleData(set scope.TraceSet) {
	a.waveform.Update(set)
	a.psd.Update(set)

	go a.writeAPI.WritePoint(influxdb2.NewPoint("capture.completed",
		map[string]string{
			"source": a.opts.SourceTag,
		},
		map[string]interface{}{
			"traces":      len(set.Traces),
			"samples":     len(set.Times),
			"sample_rate": util.RateFromTimes(set.Times),
		}, time.Now()))

	if a.opts.SnapshotDir != "" {
		a.writeSnapshot(set)
	}
}

func (a *App) handleError(err error) {
	stage := "unknown"
	switch {
	case errors.Is(err, capture.ErrCaptureStart):
		stage = "start"
	case errors.Is(err, capture.ErrTriggerPoll):
		stage = "poll"
	case errors.Is(err, capture.ErrTraceFetch):
		stage = "fetch"
	}

	go a.writeAPI.WritePoint(influxdb2.NewPoint("capture.error",
		map[string]string{
			"source": a.opts.SourceTag,
			"stage":  stage,
		},
		map[string]interface{}{
			"count": 1,
		}, time.Now()))
}

// writeSnapshot dumps the completed capture as a PNG named after the wall
// clock, one file per cycle.
func (a *App) writeSnapshot(set scope.TraceSet) {
	tstamp := time.Now().Format("2006-01-02.150405.000")
	path := filepath.Join(a.opts.SnapshotDir, fmt.Sprintf("capture.%s.png", tstamp))

	micros, err := util.TimeOperationMicrosecondsErr(func() error {
		img := a.wf.Render(set.Times, set.Traces, image.Pt(a.waveformSize()))
		if img == nil {
			return fmt.Errorf("renderer not ready")
		}
		return writePNG(path, img)
	})
	if err != nil {
		a.logger.Error().Err(err).Str("path", path).Msg("writing capture snapshot")
		return
	}

	a.logger.Debug().Str("path", path).Int64("duration_us", micros).Msg("wrote capture snapshot")
	go a.writeAPI.WritePoint(influxdb2.NewPoint("snapshot.written",
		map[string]string{
			"source": a.opts.SourceTag,
		},
		map[string]interface{}{
			"duration_us": micros,
		}, time.Now()))
}

func (a *App) waveformSize() (int, int) {
	width := a.opts.ViewportWidth
	if width <= 0 {
		width = viz.DefaultViewport.X
	}
	return width, viz.DefaultViewport.Y
}

func writePNG(path string, img image.Image) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if e := f.Close(); e != nil {
			err = multierror.Append(err, e)
		}
	}()
	return png.Encode(f, img)
}
