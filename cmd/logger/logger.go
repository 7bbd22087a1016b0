package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/fako1024/btscale/pkg/api"
	"github.com/fako1024/btscale/pkg/config"
	"github.com/fako1024/btscale/pkg/scale"
	"github.com/fako1024/btscale/pkg/sink/influx"
	"github.com/fako1024/btscale/pkg/sink/mqtt"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func main() {

	// Parse command line options
	var (
		configPath string
		debug      bool
	)

	flag.StringVar(&configPath, "config", "", "Path to the configuration file (YAML)")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %s", err)
	}

	var logger scale.Logger = log
	if debug || cfg.Logging.Debug {
		logger = scale.NewDefaultLogger(true)
	}

	s, err := cfg.NewDevice(logger)
	if err != nil {
		log.Fatalf("Failed to initialize scale: %s", err)
	}
	name := s.Identity().DisplayName()

	s.OnReading(func(reading scale.Reading) {
		log.Infof("%s: %s", name, reading)
	})

	stateChan := make(chan scale.Status, 8)
	s.SetStateChangeChannel(stateChan)
	go func() {
		for st := range stateChan {
			log.Warnf("State change: %s", st)
		}
	}()

	if cfg.MQTT.Enabled {
		sink, err := mqtt.Connect(cfg.MQTT, name, logger)
		if err != nil {
			log.Fatalf("Failed to connect to MQTT broker: %s", err)
		}
		defer sink.Close()
		sink.Attach(s)
	}
	if cfg.InfluxDB.Enabled {
		sink, err := influx.Connect(cfg.InfluxDB, logger)
		if err != nil {
			log.Fatalf("Failed to connect to InfluxDB: %s", err)
		}
		defer sink.Close()
		sink.Attach(s)
	}
	if cfg.API.Enabled {
		srv := api.New(s, api.WithLogger(logger))
		srv.Start(cfg.API.Listen)
		defer srv.Shutdown()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Connect(ctx); err != nil {
		log.Errorf("Failed to connect to %s: %s", name, err)
	} else if err := s.StartContinuousReading(ctx); err != nil {
		log.Errorf("Failed to start continuous reading on %s: %s", name, err)
	}

	<-ctx.Done()
	log.Infof("Got signal, terminating connection to device")

	if err := s.Close(); err != nil {
		log.Errorf("Failed to close %s: %s", name, err)
	}
}
