package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/oscillab/scopeview/pkg/dsp/psd"
	"github.com/oscillab/scopeview/pkg/scope"
	"github.com/oscillab/scopeview/pkg/scopeview"
	"github.com/oscillab/scopeview/pkg/scopeview/config"
	"github.com/oscillab/scopeview/pkg/stream"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)
	configFile := flag.String("config", "scopeview.yaml", "YAML config file")

	flag.Parse()

	configContents, err := os.ReadFile(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("error reading config file")
	}
	var opts config.Config
	if err := yaml.Unmarshal(configContents, &opts); err != nil {
		log.Fatal().Err(err).Msg("error unmarshaling yaml file")
	}
	opts.Normalize()
	if err := opts.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	var client scope.Client
	appOpts := []scopeview.AppOption{}

	switch opts.Source {
	case config.SourceInstrument:
		log.Info().Str("source", "instrument").Str("url", opts.Instrument.BaseURL).Msg("initializing source...")
		client = scope.NewHTTPClient(opts.Instrument.BaseURL, scope.HTTPOptions{
			RetryMax: opts.Instrument.Retries,
			Timeout:  opts.InstrumentTimeout(),
		})
	case config.SourceFile:
		log.Info().Str("source", "file").Str("path", opts.Stream.PlaybackLocation).Msg("initializing source...")
		src, err := stream.NewFileSource(opts.Stream.PlaybackLocation, opts.Stream.FrameSize)
		if err != nil {
			log.Fatal().Str("source", "file").Err(err).Msg("failed to open playback file")
		}
		acq := stream.NewAcquirer(src, opts.Stream.SampleRate)
		client = acq
		appOpts = append(appOpts, scopeview.WithRunner(acq))
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	case config.SourceUDP:
		log.Info().Str("source", "udp").Str("addr", opts.Stream.ListenAddr).Msg("initializing source...")
		src, err := stream.NewUDPSource(opts.Stream.ListenAddr)
		if err != nil {
			log.Fatal().Str("source", "udp").Err(err).Msg("failed to bind stream listener")
		}
		acq := stream.NewAcquirer(src, opts.Stream.SampleRate)
		client = acq
		appOpts = append(appOpts, scopeview.WithRunner(acq))
	}

	if opts.InfluxDB.Host != "" {
		appOpts = append(appOpts, scopeview.WithInfluxDB(
			influxdb2.NewClient(opts.InfluxDB.Host, "").WriteAPI(opts.InfluxDB.Organization, opts.InfluxDB.Bucket)))
	}
	appOpts = append(appOpts, scopeview.WithLogger(log.Logger))

	detrend, err := psd.ParseDetrend(opts.PSD.Detrend)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid psd detrend")
	}

	app, err := scopeview.New(client, scopeview.Options{
		DurationSecs:      opts.Capture.DurationSecs,
		PollInterval:      opts.PollInterval(),
		Continuous:        opts.Capture.Continuous,
		VizPort:           opts.VizServer.Port,
		VizUpdateInterval: opts.UpdateInterval(),
		ViewportWidth:     opts.VizServer.Width,
		PSD: psd.Options{
			SegmentLength: opts.PSD.SegmentLength,
			Overlap:       opts.PSD.Overlap,
			MinAvg:        opts.PSD.MinAvg,
			Detrend:       detrend,
		},
		SnapshotDir: opts.SnapshotDir,
		SourceTag:   opts.Source,
	}, appOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create app")
	}

	eg, ctx := errgroup.WithContext(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	eg.Go(func() error {
		select {
		case <-sigChan:
		case <-ctx.Done():
		}

		return app.Stop()
	})

	eg.Go(func() error {
		return app.Start(ctx)
	})

	if err := eg.Wait(); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("exited program")
	}
}
