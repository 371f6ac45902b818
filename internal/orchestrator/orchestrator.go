// Package orchestrator wires the scanner, cache, and publisher together
// and owns the daemon's startup and shutdown sequencing.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jenicek001/xiaomi-ble-tempmeter-mqtt-daemon/internal/cache"
	"github.com/jenicek001/xiaomi-ble-tempmeter-mqtt-daemon/internal/config"
	"github.com/jenicek001/xiaomi-ble-tempmeter-mqtt-daemon/internal/mqttpub"
	"github.com/jenicek001/xiaomi-ble-tempmeter-mqtt-daemon/internal/scanner"
)

// Exit codes per spec.md §6.
const (
	ExitOK             = 0
	ExitOther          = 1
	ExitConfigInvalid  = 2
	ExitAdapterFatal   = 3
	ExitMQTTAuthFailed = 4
)

// TickInterval is how often the cache is polled for periodic heartbeats
// that are due, independent of new advertisements arriving.
const TickInterval = 5 * time.Second

// ShutdownGrace bounds how long Run waits for in-flight publishes to
// drain once a shutdown signal is received.
const ShutdownGrace = 5 * time.Second

// Publisher is the subset of *mqttpub.Publisher the orchestrator drives.
// Declared as an interface so tests can substitute a fake.
type Publisher interface {
	Start(ctx context.Context) error
	Publish(reading cache.CompleteReading) error
	Stop(ctx context.Context) error
}

// Scanner is the subset of *scanner.Scanner the orchestrator drives.
type Scanner interface {
	Events() <-chan scanner.Event
	Start(ctx context.Context) error
	Stop() error
}

// Orchestrator owns the lifecycle of one daemon run: connect the
// publisher, start the scanner, pump advertisements into the cache, and
// publish whatever the cache decides is due.
type Orchestrator struct {
	cfg       config.Config
	logger    *logrus.Entry
	scanner   Scanner
	cache     *cache.Cache
	publisher Publisher
}

// New builds an Orchestrator from a validated Config. Scanner and
// Publisher are constructed here from cfg so production callers only
// need to supply cfg and a logger; tests can use NewWithDeps instead.
func New(cfg config.Config, logger *logrus.Entry) *Orchestrator {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	staticDevices := make(map[string]string, len(cfg.Devices.StaticDevices))
	for _, d := range cfg.Devices.StaticDevices {
		staticDevices[d.Mac] = d.FriendlyName
	}

	c := cache.New(cache.Config{
		Thresholds: cache.Thresholds{
			Temperature: cfg.Thresholds.Temperature,
			Humidity:    cfg.Thresholds.Humidity,
		},
		PublishInterval: cfg.MQTT.PublishInterval,
		StaticDevices:   staticDevices,
	}, logger)

	s := scanner.New(scanner.Config{
		AdapterID: cfg.Bluetooth.Adapter,
	}, logger)

	p := mqttpub.New(mqttpub.Config{
		BrokerHost:        cfg.MQTT.BrokerHost,
		BrokerPort:        cfg.MQTT.BrokerPort,
		Username:          cfg.MQTT.Username,
		Password:          cfg.MQTT.Password,
		ClientID:          cfg.MQTT.ClientID,
		BaseTopic:         cfg.MQTT.BaseTopic,
		DiscoveryPrefix:   cfg.MQTT.DiscoveryPrefix,
		QoS:               cfg.MQTT.QoS,
		Retain:            cfg.MQTT.Retain,
		StatisticsEnabled: cfg.Statistics.Enabled,
		Timezone:          cfg.Location(),
		TLS: mqttpub.TLSConfig{
			Enabled:            cfg.MQTT.TLS.Enabled,
			CAFile:             cfg.MQTT.TLS.CAFile,
			InsecureSkipVerify: cfg.MQTT.TLS.InsecureSkipVerify,
		},
	}, logger)

	return NewWithDeps(cfg, logger, s, c, p)
}

// NewWithDeps builds an Orchestrator from already-constructed
// components, letting tests substitute fakes for Scanner and Publisher.
func NewWithDeps(cfg config.Config, logger *logrus.Entry, s Scanner, c *cache.Cache, p Publisher) *Orchestrator {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{
		cfg:       cfg,
		logger:    logger.WithField("component", "orchestrator"),
		scanner:   s,
		cache:     c,
		publisher: p,
	}
}

// Run connects the publisher, starts the scanner, and pumps
// advertisements through the cache to the publisher until ctx is
// cancelled. It returns the exit code spec.md §6 assigns to the reason
// Run stopped.
func (o *Orchestrator) Run(ctx context.Context) int {
	connectCtx, cancel := context.WithTimeout(ctx, ShutdownGrace*3)
	err := o.publisher.Start(connectCtx)
	cancel()
	if err != nil {
		o.logger.WithError(err).Error("failed to connect to mqtt broker")
		if errors.Is(err, mqttpub.ErrAuthFailed) {
			return ExitMQTTAuthFailed
		}
		return ExitOther
	}
	o.logger.Info("connected to mqtt broker")

	if err := o.scanner.Start(ctx); err != nil {
		o.logger.WithError(err).Error("failed to start ble scanner")
		o.shutdown()
		if errors.Is(err, scanner.ErrAdapterUnavailable) ||
			errors.Is(err, scanner.ErrPermissionDenied) ||
			errors.Is(err, scanner.ErrAdapterBusy) {
			return ExitAdapterFatal
		}
		return ExitOther
	}
	o.logger.Info("ble scanner started")

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	events := o.scanner.Events()
	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return ExitOK

		case ev, ok := <-events:
			if !ok {
				o.logger.Warn("scanner event channel closed unexpectedly")
				o.shutdown()
				return ExitAdapterFatal
			}
			o.handleEvent(ev)

		case now := <-ticker.C:
			o.handleTick(now)
		}
	}
}

func (o *Orchestrator) handleEvent(ev scanner.Event) {
	reading, ok := o.cache.Ingest(ev.Mac, ev.RSSI, ev.ServiceData, ev.ReceivedAt)
	if !ok {
		return
	}
	o.publish(*reading)
}

func (o *Orchestrator) handleTick(now time.Time) {
	for _, reading := range o.cache.Tick(now) {
		o.publish(reading)
	}
}

func (o *Orchestrator) publish(reading cache.CompleteReading) {
	if err := o.publisher.Publish(reading); err != nil {
		o.logger.WithError(err).WithField("mac", reading.Mac).Debug("publish did not reach broker, queued")
	}
}

func (o *Orchestrator) shutdown() {
	if err := o.scanner.Stop(); err != nil {
		o.logger.WithError(err).Warn("error stopping scanner")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
	defer cancel()
	if err := o.publisher.Stop(stopCtx); err != nil {
		o.logger.WithError(err).Warn("error disconnecting from mqtt broker")
	}
}

// Describe returns a short human-readable summary of the effective
// configuration, useful for a startup log line.
func (o *Orchestrator) Describe() string {
	return fmt.Sprintf("adapter=%d broker=%s:%d base_topic=%s", o.cfg.Bluetooth.Adapter, o.cfg.MQTT.BrokerHost, o.cfg.MQTT.BrokerPort, o.cfg.MQTT.BaseTopic)
}
