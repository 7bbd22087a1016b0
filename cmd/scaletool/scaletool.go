package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/fako1024/btscale/pkg/config"
	"github.com/fako1024/btscale/pkg/profile"
	"github.com/fako1024/btscale/pkg/scale"
	"github.com/sirupsen/logrus"
)

type params struct {
	configPath string
	variant    string
	address    string
	profile    string
	debug      bool

	read            bool
	zero            bool
	raw             string
	togglePrecision bool
	toggleBuzzer    bool
}

// felicitaExtras denotes the additional operations of Felicita scales
type felicitaExtras interface {
	TogglePrecision(ctx context.Context) error
	ToggleBuzzingOnTouch(ctx context.Context) error
}

var log = logrus.New()

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() (err error) {

	// Parse command line options
	var p params

	flag.StringVar(&p.configPath, "config", "", "Path to the configuration file (YAML)")
	flag.StringVar(&p.variant, "variant", "", "Device variant (serial, mock, demo, felicita), overrides the configuration")
	flag.StringVar(&p.address, "addr", "", "Address of the device (serial port, MAC on Linux, UUID on OS X), overrides the configuration")
	flag.StringVar(&p.profile, "profile", "", "Command profile of a serial device ("+strings.Join(profile.Names(), ", ")+"), overrides the configuration")
	flag.BoolVar(&p.debug, "debug", false, "Enable debug logging")

	flag.BoolVar(&p.read, "read", false, "Read the current weight")
	flag.BoolVar(&p.zero, "zero", false, "Zero / tare the scale")
	flag.StringVar(&p.raw, "raw", "", "Send a raw command to the scale and print its response")
	flag.BoolVar(&p.togglePrecision, "p", false, "Toggle the scale precision (Felicita only)")
	flag.BoolVar(&p.toggleBuzzer, "b", false, "Toggle the buzzer on touch / action feature (Felicita only)")
	flag.Parse()

	cfg, err := config.Load(p.configPath)
	if err != nil {
		return err
	}
	if p.variant != "" {
		cfg.Device.Variant = p.variant
	}
	if p.address != "" {
		cfg.Connection.Address = p.address
	}
	if p.profile != "" {
		cfg.Device.Profile = p.profile
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var logger scale.Logger = log
	if p.debug || cfg.Logging.Debug {
		logger = scale.NewDefaultLogger(true)
	}

	s, err := cfg.NewDevice(logger)
	if err != nil {
		return fmt.Errorf("failed to initialize scale: %w", err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.Identity().DisplayName(), err)
	}

	if p.zero {
		if err := s.ZeroScale(ctx); err != nil {
			return fmt.Errorf("failed to zero scale: %w", err)
		}
		log.Infof("Zeroed %s", s.Identity().DisplayName())
	}
	if p.read {
		reading, err := s.GetWeight(ctx)
		if err != nil {
			return fmt.Errorf("failed to read weight: %w", err)
		}
		fmt.Println(reading)
	}
	if p.raw != "" {
		resp, err := s.SendRawCommand(ctx, p.raw)
		if err != nil {
			return fmt.Errorf("failed to send raw command: %w", err)
		}
		fmt.Printf("%q\n", resp)
	}

	if p.togglePrecision || p.toggleBuzzer {
		extras, ok := s.(felicitaExtras)
		if !ok {
			return fmt.Errorf("%w: precision / buzzer can only be toggled on Felicita scales", scale.ErrUnsupported)
		}

		// Felicita scales accept commands only after the first notification arrived
		time.Sleep(time.Second)

		if p.togglePrecision {
			if err := extras.TogglePrecision(ctx); err != nil {
				return fmt.Errorf("failed to toggle scale precision: %w", err)
			}
		}
		if p.toggleBuzzer {
			if err := extras.ToggleBuzzingOnTouch(ctx); err != nil {
				return fmt.Errorf("failed to toggle buzzer on touch / action: %w", err)
			}
		}
	}

	return s.Disconnect(ctx)
}
