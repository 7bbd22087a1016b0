// Package influx records the readings of a scale as time series in InfluxDB (v2)
package influx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fako1024/btscale/pkg/config"
	"github.com/fako1024/btscale/pkg/scale"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement denotes the name of the measurement readings are written to
const Measurement = "weight"

const defaultConnectTimeout = 10 * time.Second

var (

	// ErrConnectionFailed is returned if the server cannot be reached or is unhealthy
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrDisabled is returned if InfluxDB recording is not enabled
	ErrDisabled = errors.New("influxdb: disabled")
)

// pointWriter is the subset of the (non-blocking) write API used to record points
type pointWriter interface {
	WritePoint(point *write.Point)
}

// Sink denotes an InfluxDB writer for a scale
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	writer   pointWriter

	stableOnly bool

	mu   sync.Mutex
	subs []scale.Subscription

	logger scale.Logger
}

// Connect establishes the connection to the configured server. Writes are batched and
// performed in the background
func Connect(cfg config.InfluxDBConfig, logger scale.Logger) (*Sink, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(cfg.BatchSize)).
			SetFlushInterval(uint(cfg.FlushInterval)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	s := newSink(nil, logger)
	s.client = client
	s.writeAPI = client.WriteAPI(cfg.Org, cfg.Bucket)
	s.writer = s.writeAPI

	go func(errs <-chan error) {
		for err := range errs {
			s.logger.Warnf("failed to write to InfluxDB: %s", err)
		}
	}(s.writeAPI.Errors())

	s.logger.Infof("recording readings to InfluxDB at %s (bucket `%s`)", cfg.URL, cfg.Bucket)

	return s, nil
}

func newSink(writer pointWriter, logger scale.Logger) *Sink {
	if logger == nil {
		logger = &scale.NullLogger{}
	}

	return &Sink{
		writer: writer,
		logger: logger,
	}
}

// StableOnly restricts recording to stable readings
func (s *Sink) StableOnly(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stableOnly = enabled
}

// Attach records all readings of a device (until Close)
func (s *Sink) Attach(device scale.Device) {
	name := device.Identity().DisplayName()

	sub := device.OnReading(func(reading scale.Reading) {
		s.mu.Lock()
		skip := s.stableOnly && !reading.IsStable
		s.mu.Unlock()

		if !skip {
			s.writer.WritePoint(NewPoint(name, reading))
		}
	})

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

// Close detaches from all devices, flushes pending writes and closes the client
func (s *Sink) Close() error {
	s.mu.Lock()
	for _, sub := range s.subs {
		sub.Cancel()
	}
	s.subs = nil
	s.mu.Unlock()

	if s.client != nil {
		s.writeAPI.Flush()
		s.client.Close()
	}

	return nil
}

// NewPoint converts a reading into a point of the weight measurement
func NewPoint(device string, reading scale.Reading) *write.Point {
	return write.NewPoint(
		Measurement,
		map[string]string{
			"device": device,
			"unit":   string(reading.Unit),
		},
		map[string]interface{}{
			"value":  reading.Float(),
			"stable": reading.IsStable,
		},
		reading.TimeStamp,
	)
}
