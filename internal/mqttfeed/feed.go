// Package mqttfeed connects the kiosk to its MQTT broker: it receives container level
// telemetry and announces confirmed materials to the sorting hardware.
package mqttfeed

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/rewired-gh/recyclekiosk/internal/bus"
	"github.com/rewired-gh/recyclekiosk/internal/logger"
	"github.com/rewired-gh/recyclekiosk/internal/models"
)

const (
	publishTimeout   = 2 * time.Second
	defaultQueueSize = 64
)

// MessageHandler consumes telemetry payloads.
type MessageHandler interface {
	HandleMessage(payload []byte)
}

// StatusSink records whether the feed is connected.
type StatusSink interface {
	SetFeedConnected(connected bool)
}

// Config holds broker settings.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TLSInsecure    bool
	MaterialTopic  string
	LevelTopic     string
	QoS            byte
	ConnectTimeout time.Duration
	QueueSize      int // telemetry payloads buffered between the paho router and Run
}

// Stats counts material announcements and telemetry dropped on a full queue.
type Stats struct {
	Announced uint64 `json:"announced"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// Feed is the MQTT transport.
type Feed struct {
	cfg       Config
	handler   MessageHandler
	status    StatusSink
	pub       bus.Publisher
	newClient func(*mqtt.ClientOptions) mqtt.Client
	inbox     chan []byte

	mu        sync.RWMutex
	client    mqtt.Client
	connected bool

	announced atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a feed. Call Connect to start it.
func New(cfg Config, handler MessageHandler, status StatusSink, pub bus.Publisher) *Feed {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Feed{
		cfg:       cfg,
		handler:   handler,
		status:    status,
		pub:       pub,
		newClient: mqtt.NewClient,
		inbox:     make(chan []byte, cfg.QueueSize),
	}
}

// Run hands queued telemetry to the handler until ctx is cancelled. Persisting a reading
// can take seconds, so it happens here rather than on the paho router goroutine.
func (f *Feed) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-f.inbox:
			f.handler.HandleMessage(payload)
		}
	}
}

// Connect dials the broker. The client keeps retrying in the background when the first
// attempt times out, so a returned error is not fatal; Close must still be called.
func (f *Feed) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(f.cfg.Broker)
	opts.SetClientID(f.cfg.ClientID)
	if f.cfg.Username != "" {
		opts.SetUsername(f.cfg.Username)
		opts.SetPassword(f.cfg.Password)
	}
	if isTLS(f.cfg.Broker) {
		opts.SetTLSConfig(&tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: f.cfg.TLSInsecure,
		})
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = f.onConnect
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("[mqtt] connection lost, will auto-reconnect: %v", err)
		f.setConnected(false, err.Error())
	}

	client := f.newClient(opts)
	f.mu.Lock()
	f.client = client
	f.mu.Unlock()

	logger.Info("[mqtt] connecting to %s", f.cfg.Broker)
	token := client.Connect()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	case <-time.After(f.cfg.ConnectTimeout):
		return fmt.Errorf("mqtt connection to %s timed out, retrying in background", f.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

func isTLS(broker string) bool {
	for _, scheme := range []string{"ssl://", "tls://", "mqtts://"} {
		if strings.HasPrefix(broker, scheme) {
			return true
		}
	}
	return false
}

// onConnect runs on the first connection and after every reconnect, so the telemetry
// subscription survives broker restarts.
func (f *Feed) onConnect(c mqtt.Client) {
	logger.Info("[mqtt] connected to %s", f.cfg.Broker)
	f.setConnected(true, "")

	token := c.Subscribe(f.cfg.LevelTopic, f.cfg.QoS, f.onMessage)
	if !token.WaitTimeout(f.cfg.ConnectTimeout) {
		logger.Error("[mqtt] subscribe to %s timed out", f.cfg.LevelTopic)
		return
	}
	if err := token.Error(); err != nil {
		logger.Error("[mqtt] failed to subscribe to %s: %v", f.cfg.LevelTopic, err)
		return
	}
	logger.Info("[mqtt] subscribed to %s", f.cfg.LevelTopic)
}

func (f *Feed) onMessage(_ mqtt.Client, msg mqtt.Message) {
	logger.Debug("[mqtt] message on %s (%d bytes)", msg.Topic(), len(msg.Payload()))
	select {
	case f.inbox <- msg.Payload():
	default:
		f.dropped.Add(1)
		logger.Warn("[mqtt] telemetry queue full, dropping message on %s", msg.Topic())
	}
}

func (f *Feed) setConnected(connected bool, reason string) {
	f.mu.Lock()
	changed := f.connected != connected
	f.connected = connected
	f.mu.Unlock()

	if f.status != nil {
		f.status.SetFeedConnected(connected)
	}
	if changed {
		f.pub.Publish(bus.TopicFeedStatus, bus.FeedStatus{
			Connected: connected,
			Broker:    f.cfg.Broker,
			Reason:    reason,
		})
	}
}

// Connected reports whether the broker connection is up.
func (f *Feed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// AnnounceMaterial publishes the confirmed material name on the material topic.
func (f *Feed) AnnounceMaterial(m models.MaterialKind) error {
	f.mu.RLock()
	client, connected := f.client, f.connected
	f.mu.RUnlock()

	if client == nil || !connected {
		f.failed.Add(1)
		return errors.New("mqtt not connected")
	}

	token := client.Publish(f.cfg.MaterialTopic, f.cfg.QoS, false, string(m))
	if !token.WaitTimeout(publishTimeout) {
		f.failed.Add(1)
		return fmt.Errorf("publish to %s timed out", f.cfg.MaterialTopic)
	}
	if err := token.Error(); err != nil {
		f.failed.Add(1)
		return fmt.Errorf("publish to %s failed: %w", f.cfg.MaterialTopic, err)
	}

	f.announced.Add(1)
	logger.Info("[mqtt] announced %s on %s", m, f.cfg.MaterialTopic)
	return nil
}

// Stats returns announcement counters.
func (f *Feed) Stats() Stats {
	return Stats{Announced: f.announced.Load(), Failed: f.failed.Load(), Dropped: f.dropped.Load()}
}

// Close disconnects, giving in-flight messages 250ms to complete.
func (f *Feed) Close() {
	f.mu.Lock()
	client := f.client
	f.client = nil
	f.mu.Unlock()

	if client == nil {
		return
	}
	client.Disconnect(250)
	f.setConnected(false, "shutdown")
	logger.Info("[mqtt] disconnected")
}
