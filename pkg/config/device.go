package config

import (
	"fmt"

	"github.com/fako1024/btscale/pkg/demo"
	"github.com/fako1024/btscale/pkg/felicita"
	"github.com/fako1024/btscale/pkg/mock"
	"github.com/fako1024/btscale/pkg/profile"
	"github.com/fako1024/btscale/pkg/scale"
	"github.com/fako1024/btscale/pkg/stream"
)

// Supported device variants
const (
	VariantSerial   = "serial"
	VariantMock     = "mock"
	VariantDemo     = "demo"
	VariantFelicita = "felicita"
)

// NewDevice instantiates the configured device (without connecting to it)
func (c *Config) NewDevice(logger scale.Logger) (scale.Device, error) {
	if logger == nil {
		logger = &scale.NullLogger{}
	}

	switch c.Device.Variant {
	case VariantSerial:
		p, err := profile.Lookup(c.Device.Profile)
		if err != nil {
			return nil, err
		}
		dev, err := stream.New(c.Identity(), c.DeviceConnection(), p, stream.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return dev, nil

	case VariantMock:
		options := []func(*mock.Mock){mock.WithLogger(logger)}
		if c.Device.Name != "" {
			options = append(options, mock.WithName(c.Device.Name))
		}
		m, err := mock.New(options...)
		if err != nil {
			return nil, err
		}
		return m, nil

	case VariantDemo:
		options := []func(*demo.Demo){demo.WithLogger(logger)}
		if c.Device.Name != "" {
			options = append(options, demo.WithName(c.Device.Name))
		}
		d, err := demo.New(demo.DefaultScript, options...)
		if err != nil {
			return nil, err
		}
		return d, nil

	case VariantFelicita:
		cfg := c.DeviceConnection()
		cfg.Type = scale.TransportBluetooth
		options := []func(*felicita.Felicita){
			felicita.WithConfig(cfg),
			felicita.WithLogger(logger),
		}
		if c.Device.Name != "" {
			options = append(options, felicita.WithDeviceName(c.Device.Name))
		}
		f, err := felicita.New(options...)
		if err != nil {
			return nil, err
		}
		return f, nil
	}

	return nil, fmt.Errorf("%w: unknown device variant `%s`", scale.ErrConfig, c.Device.Variant)
}
