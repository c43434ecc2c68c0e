package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Capture sources. An explicit playback file wins over everything, then a
// configured instrument URL, then the UDP listener.
const (
	SourceInstrument = "instrument"
	SourceUDP        = "udp"
	SourceFile       = "file"
)

const (
	defaultListenAddr     = "0.0.0.0:9293"
	defaultVizPort        = 8080
	defaultUpdateInterval = time.Second
	defaultViewportWidth  = 640
)

type Config struct {
	Source string `yaml:"source"`

	Instrument struct {
		BaseURL   string `yaml:"base_url"`
		Retries   int    `yaml:"retries"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"instrument"`

	Stream struct {
		ListenAddr       string  `yaml:"listen_addr"`
		PlaybackLocation string  `yaml:"playback_location"`
		FrameSize        int     `yaml:"frame_size"`
		SampleRate       float64 `yaml:"sample_rate"`
	} `yaml:"stream"`

	Capture struct {
		DurationSecs   float64 `yaml:"duration_secs"`
		PollIntervalMS int     `yaml:"poll_interval_ms"`
		Continuous     bool    `yaml:"continuous"`
	} `yaml:"capture"`

	PSD struct {
		SegmentLength int     `yaml:"segment_length"`
		Overlap       float64 `yaml:"overlap"`
		MinAvg        int     `yaml:"min_avg"`
		Detrend       string  `yaml:"detrend"`
	} `yaml:"psd"`

	VizServer struct {
		Port             int `yaml:"port"`
		UpdateIntervalMS int `yaml:"update_interval_ms"`
		Width            int `yaml:"width"`
	} `yaml:"viz_server"`

	InfluxDB struct {
		Host         string `yaml:"host"`
		Organization string `yaml:"organization"`
		Bucket       string `yaml:"bucket"`
	}

	SnapshotDir string `yaml:"snapshot_dir"`
}

// Normalize fills defaults and infers the source when none is named.
func (c *Config) Normalize() {
	if c.Source == "" {
		switch {
		case c.Stream.PlaybackLocation != "":
			c.Source = SourceFile
		case c.Instrument.BaseURL != "":
			c.Source = SourceInstrument
		default:
			c.Source = SourceUDP
		}
	}
	if c.Stream.ListenAddr == "" {
		c.Stream.ListenAddr = defaultListenAddr
	}
	if c.VizServer.Port == 0 {
		c.VizServer.Port = defaultVizPort
	}
	if c.VizServer.UpdateIntervalMS == 0 {
		c.VizServer.UpdateIntervalMS = int(defaultUpdateInterval.Milliseconds())
	}
	if c.VizServer.Width == 0 {
		c.VizServer.Width = defaultViewportWidth
	}
}

func (c *Config) Validate() error {
	var result error

	switch c.Source {
	case SourceInstrument:
		if c.Instrument.BaseURL == "" {
			result = multierror.Append(result, fmt.Errorf("source %q needs instrument.base_url", c.Source))
		}
	case SourceUDP, SourceFile:
		if c.Source == SourceFile && c.Stream.PlaybackLocation == "" {
			result = multierror.Append(result, fmt.Errorf("source %q needs stream.playback_location", c.Source))
		}
		if c.Stream.SampleRate <= 0 {
			result = multierror.Append(result, fmt.Errorf("source %q needs stream.sample_rate", c.Source))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown source %q", c.Source))
	}

	if c.Capture.DurationSecs < 0 {
		result = multierror.Append(result, fmt.Errorf("capture.duration_secs must be positive, got %v", c.Capture.DurationSecs))
	}
	if c.Capture.PollIntervalMS < 0 {
		result = multierror.Append(result, fmt.Errorf("capture.poll_interval_ms must be positive, got %d", c.Capture.PollIntervalMS))
	}

	return result
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Capture.PollIntervalMS) * time.Millisecond
}

func (c *Config) UpdateInterval() time.Duration {
	return time.Duration(c.VizServer.UpdateIntervalMS) * time.Millisecond
}

func (c *Config) InstrumentTimeout() time.Duration {
	return time.Duration(c.Instrument.TimeoutMS) * time.Millisecond
}
