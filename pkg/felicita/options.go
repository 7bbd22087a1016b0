package felicita

import (
	"github.com/fako1024/btscale/pkg/scale"
	"github.com/fako1024/gatt"
)

// BuzzerSetting denotes the buzzer (on touch) setting to be enforced upon connection
type BuzzerSetting string

const (

	// BuzzerSettingOn turns the buzzer on upon connection (if required)
	BuzzerSettingOn BuzzerSetting = "on"

	// BuzzerSettingOff turns the buzzer off upon connection (if required)
	BuzzerSettingOff BuzzerSetting = "off"
)

// WithDeviceID sets the Bluetooth device ID
func WithDeviceID(deviceID string) func(*Felicita) {
	return func(f *Felicita) {
		f.deviceID = deviceID
	}
}

// WithDeviceName sets the Bluetooth device name
func WithDeviceName(deviceName string) func(*Felicita) {
	return func(f *Felicita) {
		f.deviceName = deviceName
	}
}

// WithDevice sets the Bluetooth device
func WithDevice(btDevice gatt.Device) func(*Felicita) {
	return func(f *Felicita) {
		f.btDevice = btDevice
	}
}

// WithBTOptions overrides the options used to initialize the Bluetooth device
func WithBTOptions(options ...gatt.Option) func(*Felicita) {
	return func(f *Felicita) {
		f.btOptions = options
	}
}

// WithBuzzerSetting enforces a buzzer setting upon connection
func WithBuzzerSetting(setting BuzzerSetting) func(*Felicita) {
	return func(f *Felicita) {
		f.forceBuzzerSettingOnConnect = setting
	}
}

// WithConfig sets the connection configuration (its address, if any, denoting the device ID)
func WithConfig(cfg scale.ConnectionConfig) func(*Felicita) {
	return func(f *Felicita) {
		f.config = cfg
	}
}

// WithLogger sets a logger
func WithLogger(logger scale.Logger) func(*Felicita) {
	return func(f *Felicita) {
		if logger != nil {
			f.logger = logger
		}
	}
}
