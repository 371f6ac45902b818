// Package mqttpub owns the broker connection: it publishes Home
// Assistant discovery configs once per device and publishes a state
// JSON payload for every CompleteReading the cache produces.
package mqttpub

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/sirupsen/logrus"

	"github.com/jenicek001/xiaomi-ble-tempmeter-mqtt-daemon/internal/cache"
)

var (
	ErrBrokerUnreachable = errors.New("mqttpub: broker unreachable")
	ErrPublishTimeout    = errors.New("mqttpub: publish timed out")
	ErrAuthFailed        = errors.New("mqttpub: authentication failed")
)

// TLSConfig controls transport security to the broker.
type TLSConfig struct {
	Enabled            bool
	CAFile             string
	InsecureSkipVerify bool
}

// Config bundles everything the Publisher needs at construction time.
type Config struct {
	BrokerHost      string
	BrokerPort      int
	Username        string
	Password        string
	ClientID        string
	BaseTopic       string
	DiscoveryPrefix string
	QoS             byte
	Retain          bool
	TLS             TLSConfig

	StatisticsEnabled          bool
	Timezone                   *time.Location
	ConnectTimeout             time.Duration
	PublishTimeout             time.Duration
	CleanupDiscoveryOnShutdown bool
}

func (c *Config) applyDefaults() {
	if c.BaseTopic == "" {
		c.BaseTopic = "mijiableht"
	}
	if c.DiscoveryPrefix == "" {
		c.DiscoveryPrefix = "homeassistant"
	}
	if c.ClientID == "" {
		c.ClientID = "mijiableht-daemon"
	}
	if c.BrokerPort == 0 {
		c.BrokerPort = 1883
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.Timezone == nil {
		c.Timezone = time.UTC
	}
}

// Publisher owns the MQTT client, the per-mac "discovery already sent"
// set, and the single-pending-reading-per-mac outbox used while
// disconnected.
type Publisher struct {
	cfg    Config
	logger *logrus.Entry
	client mqtt.Client

	mu         sync.Mutex
	discovered map[string]bool
	pending    *orderedmap.OrderedMap[string, cache.CompleteReading]

	PublishDroppedDisconnected uint64
}

// New constructs a Publisher. It does not touch the network; call Start
// to connect.
func New(cfg Config, logger *logrus.Entry) *Publisher {
	cfg.applyDefaults()
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Publisher{
		cfg:        cfg,
		logger:     logger.WithField("component", "mqttpub"),
		discovered: make(map[string]bool),
		pending:    orderedmap.New[string, cache.CompleteReading](),
	}
}

func (p *Publisher) statusTopic() string {
	return p.cfg.BaseTopic + "/status"
}

func (p *Publisher) stateTopic(deviceID string) string {
	return fmt.Sprintf("%s/%s/state", p.cfg.BaseTopic, deviceID)
}

func (p *Publisher) brokerURL() string {
	scheme := "tcp"
	if p.cfg.TLS.Enabled {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.cfg.BrokerHost, p.cfg.BrokerPort)
}

// Start connects to the broker with a last-will of "offline" on the
// status topic, and blocks until the connection is established or
// ConnectTimeout elapses.
func (p *Publisher) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.brokerURL())
	opts.SetClientID(p.cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetWill(p.statusTopic(), "offline", p.cfg.QoS, true)

	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	if p.cfg.TLS.Enabled {
		tlsCfg, err := buildTLSConfig(p.cfg.TLS)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		opts.SetTLSConfig(tlsCfg)
	}

	opts.OnConnect = func(mqtt.Client) {
		p.logger.Info("connected to broker")
		p.publishAvailability(true)
		p.flushPending()
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.logger.WithError(err).Warn("lost connection to broker, reconnecting with back-off")
	}

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(p.cfg.ConnectTimeout) {
		return fmt.Errorf("%w: connect timed out after %s", ErrBrokerUnreachable, p.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		if isAuthError(err) {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return fmt.Errorf("%w: %v", ErrBrokerUnreachable, err)
	}
	return nil
}

// Publish sends discovery (on first sight of a mac) and the state
// payload for reading. While disconnected it retains only the latest
// reading per mac and increments PublishDroppedDisconnected for every
// reading that displaces an older pending one.
func (p *Publisher) Publish(reading cache.CompleteReading) error {
	if p.client == nil || !p.client.IsConnectionOpen() {
		p.mu.Lock()
		if _, exists := p.pending.Get(reading.Mac); exists {
			p.PublishDroppedDisconnected++
		}
		p.pending.Set(reading.Mac, reading)
		p.mu.Unlock()
		return ErrBrokerUnreachable
	}
	return p.publishNow(reading)
}

func (p *Publisher) publishNow(reading cache.CompleteReading) error {
	deviceID := deviceIDFor(reading.Mac)

	p.mu.Lock()
	first := !p.discovered[reading.Mac]
	if first {
		p.discovered[reading.Mac] = true
	}
	p.mu.Unlock()

	if first {
		for _, entry := range buildDiscoveryPayloads(reading, p.cfg, deviceID) {
			data, err := json.Marshal(entry.Payload)
			if err != nil {
				return err
			}
			if err := p.publishRaw(entry.Topic, data, true); err != nil {
				return err
			}
		}
	}

	payload := buildStatePayload(reading, p.cfg.Timezone, p.cfg.StatisticsEnabled)
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.publishRaw(p.stateTopic(deviceID), data, p.cfg.Retain)
}

// publishRaw publishes payload to topic, retrying once if the first
// attempt does not complete within PublishTimeout.
func (p *Publisher) publishRaw(topic string, payload []byte, retain bool) error {
	for attempt := 0; attempt < 2; attempt++ {
		token := p.client.Publish(topic, p.cfg.QoS, retain, payload)
		if token.WaitTimeout(p.cfg.PublishTimeout) {
			return token.Error()
		}
	}
	return ErrPublishTimeout
}

func (p *Publisher) publishAvailability(online bool) {
	payload := "offline"
	if online {
		payload = "online"
	}
	if err := p.publishRaw(p.statusTopic(), []byte(payload), true); err != nil {
		p.logger.WithError(err).Warn("failed to publish availability")
	}
}

// flushPending publishes every reading queued while disconnected, in
// the order each mac first entered the outbox (replacing a mac's
// pending reading does not move it), then clears the outbox.
func (p *Publisher) flushPending() {
	p.mu.Lock()
	pending := p.pending
	p.pending = orderedmap.New[string, cache.CompleteReading]()
	p.mu.Unlock()

	for pair := pending.Oldest(); pair != nil; pair = pair.Next() {
		if err := p.publishNow(pair.Value); err != nil {
			p.logger.WithError(err).WithField("mac", pair.Key).Warn("failed to flush pending reading on reconnect")
		}
	}
}

// Stop publishes offline availability (and, if configured, empty
// discovery payloads to remove entities) then disconnects cleanly.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	if p.cfg.CleanupDiscoveryOnShutdown {
		p.removeDiscovery()
	}
	p.publishAvailability(false)
	p.client.Disconnect(250)
	return nil
}

func (p *Publisher) removeDiscovery() {
	p.mu.Lock()
	macs := make([]string, 0, len(p.discovered))
	for mac := range p.discovered {
		macs = append(macs, mac)
	}
	p.mu.Unlock()

	for _, mac := range macs {
		deviceID := deviceIDFor(mac)
		for _, spec := range append(append([]sensorSpec{}, requiredSensors...), statisticsSensors...) {
			topic := fmt.Sprintf("%s/sensor/mijiableht_%s_%s/config", p.cfg.DiscoveryPrefix, deviceID, spec.key)
			if err := p.publishRaw(topic, []byte{}, true); err != nil {
				p.logger.WithError(err).WithField("topic", topic).Warn("failed to clean up discovery entity")
			}
		}
	}
}

func deviceIDFor(mac string) string {
	return strings.ToUpper(strings.ReplaceAll(mac, ":", ""))
}

func isAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not authorized") ||
		strings.Contains(msg, "bad user name or password") ||
		strings.Contains(msg, "unauthorized")
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no valid certificates found in %s", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}
