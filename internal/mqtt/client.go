package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"vimms-gateway/internal/config"
	"vimms-gateway/internal/position"
	"vimms-gateway/internal/reading"
	"vimms-gateway/internal/session"
)

const publishTimeout = 5 * time.Second

var ErrNotConnected = errors.New("mqtt client not connected")

// Client publishes readings and session status for one device.
//
// Topics:
//
//	<prefix>/<device>/readings  QoS 1
//	<prefix>/<device>/status    QoS 1, retained, last will "offline"
type Client struct {
	client    mqtt.Client
	cfg       config.Config
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// ReadingMessage is the JSON body published for each reading.
type ReadingMessage struct {
	DeviceID  string          `json:"device_id"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Reading   reading.Reading `json:"reading"`
	Lat       *float64        `json:"lat,omitempty"`
	Lng       *float64        `json:"lng,omitempty"`
}

// StatusMessage is the retained JSON body describing the session.
type StatusMessage struct {
	DeviceID   string    `json:"device_id"`
	Online     bool      `json:"online"`
	State      string    `json:"state"`
	Peripheral string    `json:"peripheral,omitempty"`
	Profile    string    `json:"profile,omitempty"`
	DeviceInfo string    `json:"device_info,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	// Error is set when the session just failed.
	Error *session.Error `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func NewClient(cfg config.Config, logger *slog.Logger) (*Client, error) {
	if cfg.MQTTBroker == "" {
		return nil, fmt.Errorf("mqtt: broker not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
		stopCh: make(chan struct{}),
	}

	will, err := json.Marshal(StatusMessage{DeviceID: cfg.DeviceID, State: "offline"})
	if err != nil {
		return nil, fmt.Errorf("marshal last will: %w", err)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)
	opts.SetCleanSession(true)
	opts.SetBinaryWill(StatusTopic(cfg.MQTTTopicPrefix, cfg.DeviceID), will, 1, true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.setConnected(true)
		c.logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		c.logger.Warn("mqtt connection lost", "error", err)
	})

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// ReadingsTopic is where readings for device are published.
func ReadingsTopic(prefix, device string) string {
	return fmt.Sprintf("%s/%s/readings", prefix, device)
}

// StatusTopic is where the retained status for device is published.
func StatusTopic(prefix, device string) string {
	return fmt.Sprintf("%s/%s/status", prefix, device)
}

// Connect waits for the initial broker connection. It respects ctx and
// Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return fmt.Errorf("client stopped")
	default:
	}

	if c.IsConnected() {
		return nil
	}

	// With ConnectRetry the token may stay pending while paho retries.
	token := c.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return fmt.Errorf("client stopped")
		default:
		}
	}
}

// PublishReading publishes one reading, tagged with the position when known.
func (c *Client) PublishReading(sessionID string, r reading.Reading, at time.Time, fix *position.Fix) error {
	msg := NewReadingMessage(c.cfg.DeviceID, sessionID, r, at, fix)
	return c.publish(ReadingsTopic(c.cfg.MQTTTopicPrefix, c.cfg.DeviceID), false, msg)
}

// PublishStatus publishes the retained session status.
func (c *Client) PublishStatus(st session.Status, reason session.DisconnectReason) error {
	msg := NewStatusMessage(c.cfg.DeviceID, st, reason, time.Now())
	return c.publish(StatusTopic(c.cfg.MQTTTopicPrefix, c.cfg.DeviceID), true, msg)
}

// PublishFailure publishes the retained status of a failed session together
// with the failure kind and its recovery hints.
func (c *Client) PublishFailure(st session.Status, failure *session.Error) error {
	msg := NewStatusMessage(c.cfg.DeviceID, st, "", time.Now())
	msg.Error = failure
	return c.publish(StatusTopic(c.cfg.MQTTTopicPrefix, c.cfg.DeviceID), true, msg)
}

func (c *Client) publish(topic string, retained bool, v any) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}

	token := c.client.Publish(topic, 1, retained, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	c.logger.Debug("published", "topic", topic, "bytes", len(data), "retained", retained)
	return nil
}

// NewReadingMessage builds the body published on the readings topic.
func NewReadingMessage(device, sessionID string, r reading.Reading, at time.Time, fix *position.Fix) ReadingMessage {
	msg := ReadingMessage{
		DeviceID:  device,
		SessionID: sessionID,
		Timestamp: at.UTC(),
		Reading:   r,
	}
	if fix != nil && fix.Valid() {
		lat, lng := fix.Lat, fix.Lng
		msg.Lat, msg.Lng = &lat, &lng
	}
	return msg
}

// NewStatusMessage builds the body published on the status topic.
func NewStatusMessage(device string, st session.Status, reason session.DisconnectReason, at time.Time) StatusMessage {
	return StatusMessage{
		DeviceID:   device,
		Online:     st.State == session.StateConnected,
		State:      st.State.String(),
		Peripheral: st.Peripheral,
		Profile:    st.Profile,
		DeviceInfo: st.DeviceInfo,
		Reason:     string(reason),
		Timestamp:  at.UTC(),
	}
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Disconnect stops the client. It is idempotent; afterwards Connect returns
// "client stopped".
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopCh) })

	if c.client != nil {
		c.client.Disconnect(250)
	}

	c.setConnected(false)
	c.logger.Info("mqtt disconnected")
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
