// Package mqtt publishes the readings and status changes of a scale to an MQTT broker:
// readings go to <topic>/reading, the (retained) connection status to <topic>/status
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fako1024/btscale/pkg/config"
	"github.com/fako1024/btscale/pkg/scale"
	"github.com/shopspring/decimal"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second

	statusOffline = "offline"
)

var (

	// ErrConnectionFailed is returned if the broker cannot be reached
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrDisabled is returned if MQTT publishing is not enabled
	ErrDisabled = errors.New("mqtt: disabled")
)

// publisher is the subset of the paho client used to publish messages
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// ReadingPayload denotes the JSON message published for each reading
type ReadingPayload struct {
	Device    string          `json:"device"`
	Value     decimal.Decimal `json:"value"`
	Unit      scale.Unit      `json:"unit"`
	Stable    bool            `json:"stable"`
	TimeStamp time.Time       `json:"timestamp"`
}

// StatusPayload denotes the (retained) JSON message published upon status changes
type StatusPayload struct {
	Device    string    `json:"device"`
	Status    string    `json:"status"`
	TimeStamp time.Time `json:"timestamp"`
}

// Sink denotes an MQTT publisher for a scale
type Sink struct {
	client pahomqtt.Client
	pub    publisher

	topic    string
	qos      byte
	retained bool

	mu   sync.Mutex
	subs []scale.Subscription

	logger scale.Logger
}

// Connect establishes the connection to the configured broker. The broker publishes an
// offline status on behalf of the sink if the connection is lost unexpectedly
func Connect(cfg config.MQTTConfig, device string, logger scale.Logger) (*Sink, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	s := newSink(nil, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(defaultConnectTimeout).
		SetKeepAlive(defaultKeepAlive)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	will, err := StatusMessage(device, statusOffline, time.Now())
	if err != nil {
		return nil, err
	}
	opts.SetBinaryWill(s.StatusTopic(), will, s.qos, true)

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		s.logger.Warnf("lost connection to MQTT broker %s: %s", cfg.Broker, err)
	})

	s.client = pahomqtt.NewClient(opts)
	s.pub = s.client

	token := s.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	s.logger.Infof("connected to MQTT broker %s", cfg.Broker)

	return s, nil
}

func newSink(pub publisher, cfg config.MQTTConfig, logger scale.Logger) *Sink {
	if logger == nil {
		logger = &scale.NullLogger{}
	}

	return &Sink{
		pub:      pub,
		topic:    cfg.Topic,
		qos:      byte(cfg.QoS),
		retained: cfg.Retained,
		logger:   logger,
	}
}

// ReadingTopic returns the topic readings are published to
func (s *Sink) ReadingTopic() string {
	return s.topic + "/reading"
}

// StatusTopic returns the topic status changes are published to
func (s *Sink) StatusTopic() string {
	return s.topic + "/status"
}

// Attach publishes all readings and status changes of a device (until Close)
func (s *Sink) Attach(device scale.Device) {
	name := device.Identity().DisplayName()

	readingSub := device.OnReading(func(reading scale.Reading) {
		payload, err := ReadingMessage(name, reading)
		if err != nil {
			s.logger.Errorf("failed to encode reading: %s", err)
			return
		}
		s.publish(s.ReadingTopic(), s.retained, payload)
	})
	statusSub := device.OnStatusChange(func(_, cur scale.Status) {
		s.publishStatus(name, cur.String())
	})

	s.mu.Lock()
	s.subs = append(s.subs, readingSub, statusSub)
	s.mu.Unlock()

	s.publishStatus(name, device.ConnectionStatus().String())
}

// Close detaches from all devices and disconnects from the broker
func (s *Sink) Close() error {
	s.mu.Lock()
	for _, sub := range s.subs {
		sub.Cancel()
	}
	s.subs = nil
	s.mu.Unlock()

	if s.client != nil {
		s.client.Disconnect(defaultDisconnectQuiesce)
	}

	return nil
}

// ReadingMessage encodes the message published for a reading
func ReadingMessage(device string, reading scale.Reading) ([]byte, error) {
	return json.Marshal(ReadingPayload{
		Device:    device,
		Value:     reading.Value,
		Unit:      reading.Unit,
		Stable:    reading.IsStable,
		TimeStamp: reading.TimeStamp.UTC(),
	})
}

// StatusMessage encodes the message published upon status changes
func StatusMessage(device, status string, ts time.Time) ([]byte, error) {
	return json.Marshal(StatusPayload{
		Device:    device,
		Status:    status,
		TimeStamp: ts.UTC(),
	})
}

////////////////////////////////////////////////////////////////////////////////

func (s *Sink) publishStatus(device, status string) {
	payload, err := StatusMessage(device, status, time.Now())
	if err != nil {
		s.logger.Errorf("failed to encode status: %s", err)
		return
	}
	s.publish(s.StatusTopic(), true, payload)
}

// publish does not wait for the broker, handlers must not block the reading loop
func (s *Sink) publish(topic string, retained bool, payload []byte) {
	token := s.pub.Publish(topic, s.qos, retained, payload)
	go func() {
		if !token.WaitTimeout(defaultPublishTimeout) {
			s.logger.Warnf("publishing to %s timed out after %v", topic, defaultPublishTimeout)
			return
		}
		if err := token.Error(); err != nil {
			s.logger.Warnf("failed to publish to %s: %s", topic, err)
		}
	}()
}
