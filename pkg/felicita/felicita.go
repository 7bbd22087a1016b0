// Package felicita implements Felicita (Arc / Incline / Parallel) Bluetooth LE scales. The
// scale pushes 18 byte notifications on its data characteristic, which are exposed as byte
// stream to the generic stream driver
package felicita

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/fako1024/btscale/pkg/profile"
	"github.com/fako1024/btscale/pkg/scale"
	"github.com/fako1024/btscale/pkg/session"
	"github.com/fako1024/btscale/pkg/stream"
	"github.com/fako1024/gatt"
	"github.com/fatih/stopwatch"
	"github.com/shopspring/decimal"
)

const (
	defaultDeviceName  = "FELICITA"
	dataService        = "ffe0"
	dataCharacteristic = "ffe1"

	frameSize = 18

	minBatteryLevel = 129.
	maxBatteryLevel = 158.

	cmdStartTimer = 0x52
	cmdStopTimer  = 0x53
	cmdResetTimer = 0x43

	cmdToggleBuzzer    = 0x42
	cmdTogglePrecision = 0x44
	cmdTare            = 0x54
	cmdToggleUnit      = 0x55
)

// Profile denotes the command dictionary of Felicita scales: readings are pushed without
// request and commands are single bytes without terminator
var Profile = profile.Profile{
	Name:        "felicita",
	ZeroCommand: string([]byte{cmdTare}),
	Parse:       ParseFrame,
	Split:       SplitFrames,
}

// Framing denotes the framing of the notification stream
var Framing = stream.Framing{
	Terminator:      "",
	SettleDelay:     0,
	PollInterval:    50 * time.Millisecond,
	MaxResponseSize: 16 * frameSize,
}

// Felicita denotes a Felicita bluetooth scale
type Felicita struct {
	*session.Engine
	driver *stream.Driver

	config   scale.ConnectionConfig
	identity scale.Identity

	deviceID                    string
	deviceName                  string
	forceBuzzerSettingOnConnect BuzzerSetting

	mu               sync.Mutex
	batteryLevel     byte
	isBuzzingOnTouch bool
	unit             scale.Unit
	hasReceivedData  bool
	timer            *stopwatch.Stopwatch

	btOptions     []gatt.Option
	btDevice      gatt.Device
	btInitialized bool
	btPort        *port
	connected     chan *port

	logger scale.Logger
}

// New instantiates a new Felicita scale, executing functional options, if any. The scale is
// searched for (by name or device ID) upon Connect
func New(options ...func(*Felicita)) (*Felicita, error) {

	// Initialize a new instance of a Felicita scale
	f := &Felicita{
		deviceName: defaultDeviceName,
		btOptions:  defaultBTClientOptions,
		connected:  make(chan *port),
		logger:     &scale.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(f)
	}

	if f.config.Type == "" {
		f.config.Type = scale.TransportBluetooth
	}
	if f.config.Type != scale.TransportBluetooth {
		return nil, fmt.Errorf("%w: Felicita scales require a bluetooth transport, got `%s`", scale.ErrConfig, f.config.Type)
	}
	if f.config.Address == "" {
		f.config.Address = f.target()
	} else if f.deviceID == "" {
		f.deviceID = f.config.Address
	}
	f.config = f.config.WithDefaults()
	if err := f.config.Validate(); err != nil {
		return nil, err
	}

	f.identity = scale.Identity{
		Name:         f.deviceName,
		Manufacturer: "Felicita",
		Model:        "Arc",
	}

	f.driver = stream.NewDriver(f.config, Profile,
		stream.WithOpener(f.open),
		stream.WithFraming(Framing),
		stream.WithLogger(f.logger),
	)
	f.Engine = session.New(f.identity, f.config, f.driver, session.WithLogger(f.logger))

	return f, nil
}

// IsBuzzingOnTouch returns if the scale buzzer is turned on or not (on user interaction)
func (f *Felicita) IsBuzzingOnTouch() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.isBuzzingOnTouch
}

// BatteryLevel returns the current battery level
func (f *Felicita) BatteryLevel() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return parseBatteryLevel(f.batteryLevel)
}

// BatteryLevelRaw returns the current battery level in its raw form
func (f *Felicita) BatteryLevelRaw() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return int(f.batteryLevel)
}

// Unit returns the current weight unit
func (f *Felicita) Unit() scale.Unit {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.unit
}

// ToggleBuzzingOnTouch turns the buzzer (on user interaction) on / off
func (f *Felicita) ToggleBuzzingOnTouch(ctx context.Context) error {
	return f.command(ctx, "toggle buzzer", cmdToggleBuzzer)
}

// SetUnit changes the weight unit from / to g / oz
func (f *Felicita) SetUnit(ctx context.Context, unit scale.Unit) error {
	if unit != scale.UnitGrams && unit != scale.UnitOz {
		return fmt.Errorf("%w: Felicita scales only support `g` and `oz`, got `%s`", scale.ErrUnsupported, unit)
	}

	// Check if the unit is already set to the expected value
	if current := f.Unit(); current != scale.UnitUnknown && current == unit {
		return nil
	}

	// Toggle unit, if not
	return f.command(ctx, "toggle unit", cmdToggleUnit)
}

// TogglePrecision toggles the weight precision between 0.1 and 0.01
func (f *Felicita) TogglePrecision(ctx context.Context) error {
	return f.command(ctx, "toggle precision", cmdTogglePrecision)
}

// StartTimer starts the timer / stopwatch
func (f *Felicita) StartTimer(ctx context.Context) error {
	if err := f.command(ctx, "start timer", cmdStartTimer); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer == nil {
		f.timer = stopwatch.Start(0)
	} else {
		f.timer.Start(0)
	}

	return nil
}

// StopTimer stops the timer / stopwatch
func (f *Felicita) StopTimer(ctx context.Context) error {
	if err := f.command(ctx, "stop timer", cmdStopTimer); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer != nil {
		f.timer.Stop()
	}

	return nil
}

// ResetTimer resets the timer / stopwatch
func (f *Felicita) ResetTimer(ctx context.Context) error {
	if err := f.command(ctx, "reset timer", cmdResetTimer); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer != nil {
		f.timer.Reset()
	}

	return nil
}

// ElapsedTime returns the current timer value
func (f *Felicita) ElapsedTime() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.timer != nil {
		return f.timer.ElapsedTime()
	}

	return 0
}

// Close terminates the connection to the device and disposes of it
func (f *Felicita) Close() error {
	if err := f.Engine.Close(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.btDevice == nil {
		return nil
	}
	if err := f.btDevice.StopScanning(); err != nil {
		f.logger.Warnf("failed to stop scanning: %s", err)
	}
	return f.btDevice.RemoveAllServices()
}

////////////////////////////////////////////////////////////////////////////////

func (f *Felicita) command(ctx context.Context, op string, cmd byte) error {
	if status := f.ConnectionStatus(); status != scale.StatusConnected {
		return &scale.StateError{
			Device: f.identity.DisplayName(),
			Op:     op,
			State:  status,
		}
	}

	if err := f.driver.Transmit(ctx, string([]byte{cmd})); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return scale.NewDeviceError(f.identity.DisplayName(), op, err)
	}

	return nil
}

// open searches for the scale and subscribes to its data characteristic, waiting at most
// for the connection timeout
func (f *Felicita) open(cfg scale.ConnectionConfig) (stream.Port, error) {
	if err := f.initDevice(); err != nil {
		return nil, fmt.Errorf("failed to initialize bluetooth device: %w", err)
	}

	timer := time.NewTimer(cfg.ConnectionTimeout)
	defer timer.Stop()

	select {
	case p := <-f.connected:
		return p, nil
	case <-timer.C:
		f.mu.Lock()
		dev := f.btDevice
		f.mu.Unlock()
		if err := dev.StopScanning(); err != nil {
			f.logger.Warnf("failed to stop scanning: %s", err)
		}
		return nil, fmt.Errorf("%w: `%s` not found within %v", scale.ErrMediumMissing, f.target(), cfg.ConnectionTimeout)
	}
}

func (f *Felicita) initDevice() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Initialize a new GATT device (if not provided as option)
	if f.btDevice == nil {
		btDevice, err := gatt.NewDevice(f.btOptions...)
		if err != nil {
			return err
		}
		f.btDevice = btDevice
	}

	// Subsequent connection attempts only restart scanning
	if f.btInitialized {
		return f.btDevice.Scan([]gatt.UUID{}, false)
	}

	// Register handlers
	f.btDevice.Handle(
		gatt.AddPeripheralDiscovered(f.onPeriphDiscovered),
		gatt.AddPeripheralConnected(f.onPeriphConnected),
		gatt.AddPeripheralDisconnected(f.onPeriphDisconnected),
	)
	f.btInitialized = true

	// Initialize the device, scanning starts once it is powered on
	return f.btDevice.Init(f.onStateChanged)
}

func (f *Felicita) target() string {
	if f.deviceID != "" {
		return f.deviceID
	}
	return f.deviceName
}

////////////////////////////////////////////////////////////////////////////////

func (f *Felicita) onStateChanged(d gatt.Device, s gatt.State) {
	switch s {
	case gatt.StatePoweredOn:
		f.logger.Debugf("bluetooth device powered on, scanning")
		if err := d.Scan([]gatt.UUID{}, false); err != nil {
			f.logger.Warnf("failed to enable initial scanning: %s", err)
		}
		return
	case gatt.StatePoweredOff:
		f.logger.Warnf("bluetooth device powered off")
		f.dropPort()
		return
	default:
		if err := d.StopScanning(); err != nil {
			f.logger.Warnf("failed to stop initial scanning: %s", err)
		}
	}
}

func (f *Felicita) onPeriphDiscovered(p gatt.Peripheral, _ *gatt.Advertisement, _ int) {

	f.logger.Debugf("discovered device `%s/%s`", p.Name(), p.ID())

	if !f.thisDevice(p) {
		return
	}

	f.logger.Debugf("connecting device `%s/%s`", p.Name(), p.ID())

	// Stop scanning once we've got the peripheral we're looking for
	if err := p.Device().StopScanning(); err != nil {
		f.logger.Warnf("failed to stop scanning: %s", err)
	}
	if err := p.Device().Connect(p); err != nil {
		f.logger.Errorf("failed to connect device `%s/%s`: %s", p.Name(), p.ID(), err)
	}
}

func (f *Felicita) onPeriphConnected(p gatt.Peripheral, connErr error) {

	if !f.thisDevice(p) {
		return
	}
	if connErr != nil {
		f.logger.Warnf("failed to connect peripheral `%s/%s`: %s", p.Name(), p.ID(), connErr)
		return
	}

	f.logger.Debugf("connected peripheral `%s/%s`", p.Name(), p.ID())
	defer func() {
		_ = p.Device().CancelConnection(p)
	}()

	c, err := f.subscribe(p)
	if err != nil {
		f.logger.Errorf("failed to subscribe to peripheral `%s/%s`: %s", p.Name(), p.ID(), err)
		return
	}

	released := make(chan struct{})
	bp := newPort(func(data []byte) error {
		return p.WriteCharacteristic(c, data, false)
	}, func() {
		close(released)
	})

	f.mu.Lock()
	f.btPort = bp
	f.hasReceivedData = false
	f.mu.Unlock()

	// Hand the port over to a pending connection attempt, if any
	select {
	case f.connected <- bp:
	default:
		f.logger.Warnf("no pending connection attempt for peripheral `%s/%s`, releasing it", p.Name(), p.ID())
		_ = bp.Close()
	}

	f.logger.Debugf("waiting to release peripheral `%s/%s`", p.Name(), p.ID())
	<-released
	f.logger.Debugf("released peripheral `%s/%s`", p.Name(), p.ID())
}

func (f *Felicita) subscribe(p gatt.Peripheral) (*gatt.Characteristic, error) {

	// Set connection MTU
	if err := p.SetMTU(500); err != nil {
		return nil, fmt.Errorf("failed to set MTU: %w", err)
	}

	// Discover services
	ss, err := p.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}
	for _, s := range ss {
		if s.UUID().String() != dataService {
			continue
		}

		// Discover characteristics
		cs, err := p.DiscoverCharacteristics(nil, s)
		if err != nil {
			return nil, fmt.Errorf("failed to discover characteristics: %w", err)
		}
		for _, c := range cs {
			if c.UUID().String() != dataCharacteristic {
				continue
			}

			// Discover descriptors
			if _, err := p.DiscoverDescriptors(nil, c); err != nil {
				return nil, fmt.Errorf("failed to discover descriptors: %w", err)
			}
			if err := p.SetNotifyValue(c, f.receiveData); err != nil {
				return nil, fmt.Errorf("failed to subscribe characteristic: %w", err)
			}

			return c, nil
		}
	}

	return nil, fmt.Errorf("data characteristic `%s/%s` not found", dataService, dataCharacteristic)
}

func (f *Felicita) onPeriphDisconnected(p gatt.Peripheral, _ error) {

	if !f.thisDevice(p) {
		return
	}

	f.dropPort()
	f.logger.Debugf("disconnected peripheral `%s/%s`", p.Name(), p.ID())
}

// dropPort closes the current port, causing pending and subsequent transport operations to
// fail with a fatal error
func (f *Felicita) dropPort() {
	f.mu.Lock()
	bp := f.btPort
	f.btPort = nil
	f.mu.Unlock()

	if bp != nil {
		_ = bp.Close()
	}
}

func (f *Felicita) thisDevice(p gatt.Peripheral) bool {

	// Check if name and / or device ID have been overridden
	if f.deviceID != "" && strings.EqualFold(p.ID(), f.deviceID) {
		return true
	}
	return strings.EqualFold(p.Name(), f.deviceName)
}

func (f *Felicita) receiveData(_ *gatt.Characteristic, req []byte, err error) {
	if err != nil || len(req) != frameSize {
		return
	}
	f.observe(req)

	f.mu.Lock()
	bp := f.btPort
	f.mu.Unlock()
	if bp != nil && !bp.isClosed() {
		bp.push(req)
	}
}

// observe tracks the device state reported alongside the weight
func (f *Felicita) observe(frame []byte) {
	f.mu.Lock()
	f.batteryLevel = frame[15]
	f.isBuzzingOnTouch = parseSignalFlag(frame[14])
	f.unit = parseUnit(frame[9:11])
	first := !f.hasReceivedData
	f.hasReceivedData = true
	f.mu.Unlock()

	// Upon first data reception, check if the Buzzer is configured as expected and
	// attempt to force the setting if not (unless not configured)
	if first {
		go f.forceBuzzerSetting()
	}
}

func (f *Felicita) forceBuzzerSetting() {
	if f.forceBuzzerSettingOnConnect == "" {
		return
	}

	buzzing := f.IsBuzzingOnTouch()
	if buzzing && f.forceBuzzerSettingOnConnect == BuzzerSettingOff ||
		!buzzing && f.forceBuzzerSettingOnConnect == BuzzerSettingOn {
		if err := f.driver.Transmit(context.Background(), string([]byte{cmdToggleBuzzer})); err != nil {
			f.logger.Warnf("failed to force buzzer setting to `%s`: %s", f.forceBuzzerSettingOnConnect, err)
		}
	}
}

////////////////////////////////////////////////////////////////////////////////

// SplitFrames splits a notification stream into frames of 18 bytes (dropping an incomplete
// trailing frame)
func SplitFrames(response string) []string {
	frames := make([]string, 0, len(response)/frameSize)
	for i := 0; i+frameSize <= len(response); i += frameSize {
		frames = append(frames, response[i:i+frameSize])
	}
	return frames
}

// ParseFrame parses a single notification frame, e.g. `\x01\x02+001234 g...`, into a
// reading (the weight being transmitted in hundredths of the unit)
func ParseFrame(frame string) (scale.Reading, bool) {
	if len(frame) != frameSize {
		return scale.Reading{}, false
	}

	raw := strings.TrimPrefix(strings.TrimSpace(frame[2:9]), "+")
	weight, err := decimal.NewFromString(raw)
	if err != nil {
		return scale.Reading{}, false
	}

	return scale.NewReading(weight.Shift(-2), parseUnit([]byte(frame[9:11])), true).
		WithMetadata("battery", parseBatteryLevel(frame[15])), true
}

func parseUnit(data []byte) scale.Unit {
	if len(data) != 2 {
		return scale.UnitUnknown
	}

	if strings.Contains(strings.ToLower(string(data)), "g") {
		return scale.UnitGrams
	}
	if strings.Contains(strings.ToLower(string(data)), "oz") {
		return scale.UnitOz
	}

	return scale.UnitUnknown
}

func parseBatteryLevel(data byte) float64 {

	val := int(data)
	if val < minBatteryLevel {
		return 0.
	} else if val > maxBatteryLevel {
		return 1.
	}

	return math.Round((float64(val)-minBatteryLevel)/(maxBatteryLevel-minBatteryLevel)*100.) / 100.
}

func parseSignalFlag(data byte) bool {
	return data == 0x22
}
