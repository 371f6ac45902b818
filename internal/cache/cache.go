// Package cache holds the one stateful hub of the daemon: per-mac
// device records assembled from MiBeacon partial readings, with the
// change-threshold / periodic-heartbeat publish policy from the data
// model.
package cache

import (
	"sort"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/cornelk/hashmap"
	"github.com/jenicek001/xiaomi-ble-tempmeter-mqtt-daemon/internal/mibeacon"
	"github.com/sirupsen/logrus"
)

// Thresholds configures the emit decision in §4.4 of the specification.
type Thresholds struct {
	Temperature float64 // ΔT in °C, default 0.2
	Humidity    float64 // ΔH in %, default 1.0
}

// Config bundles the tunables the Cache needs at construction time.
type Config struct {
	Thresholds      Thresholds
	PublishInterval time.Duration // P, default 300s
	StaticDevices   map[string]string
}

// Cache is the single stateful component of the daemon. All device
// records live in a lock-free map keyed by normalized mac so Snapshot
// can run concurrently with Ingest without contending the hot path;
// per-mac mutation is still serialized by the mutex embedded in each
// DeviceRecord.
type Cache struct {
	cfg     Config
	devices *hashmap.Map[string, *DeviceRecord]
	logger  *logrus.Entry

	framesDroppedEncrypted uint64
	framesDroppedShort     uint64
	framesDroppedBadMac    uint64
	framesUnknownModel     uint64
}

// New creates an empty Cache. cfg.StaticDevices maps normalized mac ->
// friendly name, per spec.md §6 devices.static_devices.
func New(cfg Config, logger *logrus.Entry) *Cache {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 300 * time.Second
	}
	if cfg.Thresholds.Temperature <= 0 {
		cfg.Thresholds.Temperature = 0.2
	}
	if cfg.Thresholds.Humidity <= 0 {
		cfg.Thresholds.Humidity = 1.0
	}
	return &Cache{
		cfg:     cfg,
		devices: hashmap.New[string, *DeviceRecord](),
		logger:  logger.WithField("component", "cache"),
	}
}

// Ingest runs the MiBeacon codec over serviceData and merges the result
// into the record for mac, returning the CompleteReading to publish (if
// any) per the emit decision in §4.4.
func (c *Cache) Ingest(mac string, rssi *int, serviceData []byte, receivedAt time.Time) (*CompleteReading, bool) {
	rec, _ := c.devices.GetOrInsert(mac, &DeviceRecord{Mac: mac, FirstSeen: receivedAt})
	if name, ok := c.cfg.StaticDevices[mac]; ok {
		rec.mu.Lock()
		if rec.FriendlyName == nil {
			n := name
			rec.FriendlyName = &n
		}
		rec.mu.Unlock()
	}

	result := mibeacon.Decode(serviceData, mac, receivedAt)
	switch result.Err {
	case mibeacon.ErrEncryptedFrame:
		c.framesDroppedEncrypted++
		c.logger.WithField("mac", mac).Debug("dropped encrypted mibeacon frame")
	case mibeacon.ErrShortFrame:
		c.framesDroppedShort++
		c.logger.WithField("mac", mac).Debug("dropped short mibeacon frame")
	case mibeacon.ErrMacMismatch:
		c.framesDroppedBadMac++
		c.logger.WithField("mac", mac).Debug("dropped mibeacon frame with mismatched mac")
	}
	if result.Model == mibeacon.ModelUnknown && result.Err == nil {
		c.framesUnknownModel++
	}

	if len(result.Readings) == 0 {
		rec.touchRSSI(rssi, receivedAt)
		return nil, false
	}

	rec.mu.Lock()
	if rec.isDuplicateFrameLocked(result.FrameCounter, receivedAt) {
		rec.touchRSSILocked(rssi, receivedAt)
		rec.mu.Unlock()
		return nil, false
	}
	if rec.Model == mibeacon.ModelUnknown {
		rec.Model = result.Model
	}
	for _, reading := range result.Readings {
		rec.mergeLocked(reading, rssi, receivedAt)
	}
	reading, emitted := rec.decideLocked(c.cfg.Thresholds, c.cfg.PublishInterval, receivedAt)
	rec.mu.Unlock()

	if emitted {
		return reading, true
	}
	return nil, false
}

// Tick surfaces periodic heartbeats for devices that have gone quiet
// (no new partial, just rssi updates or nothing at all) but are due for
// their periodic emission per §4.4. The Orchestrator calls this on a
// low-frequency timer (default 5s).
func (c *Cache) Tick(now time.Time) []CompleteReading {
	var due []CompleteReading
	c.devices.Range(func(_ string, rec *DeviceRecord) bool {
		rec.mu.Lock()
		if rec.latest.complete() && rec.everPublished && now.Sub(rec.lastPublishAt) >= c.cfg.PublishInterval {
			reading := rec.buildReadingLocked(Periodic, rec.latest.LastSeen)
			rec.markPublishedLocked(now)
			due = append(due, reading)
		}
		rec.mu.Unlock()
		return true
	})
	return due
}

// Snapshot returns a diagnostic, mac-ordered view of every known
// device. It never mutates Cache state.
func (c *Cache) Snapshot() []DeviceSnapshot {
	om := orderedmap.New[string, DeviceSnapshot]()
	c.devices.Range(func(mac string, rec *DeviceRecord) bool {
		om.Set(mac, rec.snapshot())
		return true
	})

	macs := make([]string, 0, om.Len())
	for pair := om.Oldest(); pair != nil; pair = pair.Next() {
		macs = append(macs, pair.Key)
	}
	sort.Strings(macs)

	out := make([]DeviceSnapshot, 0, len(macs))
	for _, mac := range macs {
		v, _ := om.Get(mac)
		out = append(out, v)
	}
	return out
}

// touchRSSI handles the degenerate ingest branch: the codec produced no
// readings, so only rssi / last_seen are refreshed (spec.md §4.4 step 1).
func (d *DeviceRecord) touchRSSI(rssi *int, receivedAt time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.touchRSSILocked(rssi, receivedAt)
}

func (d *DeviceRecord) touchRSSILocked(rssi *int, receivedAt time.Time) {
	if rssi != nil {
		v := *rssi
		d.latest.RSSI = &v
		d.rssiStats.update(float64(v))
	}
	d.latest.LastSeen = receivedAt
}

// frameDedupWindow is how long a repeated MiBeacon frame counter value is
// treated as an exact-duplicate rebroadcast rather than a new sample, per
// spec.md §4.1's frame-counter field.
const frameDedupWindow = 2 * time.Second

// isDuplicateFrameLocked reports whether counter observed at receivedAt
// repeats the last processed frame's counter within frameDedupWindow —
// sensors rebroadcast the identical reading several times per advertising
// interval, and counting each repeat would inflate ValueStatistics.
// Caller must hold d.mu. Always advances the tracked counter/timestamp
// when the frame is not a duplicate.
func (d *DeviceRecord) isDuplicateFrameLocked(counter uint8, receivedAt time.Time) bool {
	if d.hasFrameCounter && counter == d.lastFrameCounter && receivedAt.Sub(d.lastFrameCounterAt) < frameDedupWindow {
		return true
	}
	d.lastFrameCounter = counter
	d.hasFrameCounter = true
	d.lastFrameCounterAt = receivedAt
	return false
}

func (d *DeviceRecord) mergeLocked(reading mibeacon.PartialReading, rssi *int, receivedAt time.Time) {
	if reading.Temperature != nil {
		v := *reading.Temperature
		d.latest.Temperature = &v
		d.temperatureStats.update(v)
	}
	if reading.Humidity != nil {
		v := *reading.Humidity
		d.latest.Humidity = &v
		d.humidityStats.update(v)
	}
	if reading.Battery != nil {
		v := *reading.Battery
		d.latest.Battery = &v
		d.batteryStats.update(float64(v))
	}
	if reading.VoltageMV != nil {
		v := *reading.VoltageMV
		d.latest.VoltageMV = &v
	}
	if rssi != nil {
		v := *rssi
		d.latest.RSSI = &v
		d.rssiStats.update(float64(v))
	}
	d.latest.LastSeen = receivedAt
}

const thresholdEpsilon = 1e-9

// decideLocked implements the emit decision of spec.md §4.4. Caller
// must hold d.mu.
func (d *DeviceRecord) decideLocked(th Thresholds, period time.Duration, receivedAt time.Time) (*CompleteReading, bool) {
	if !d.latest.complete() {
		return nil, false
	}

	var msgType MessageType
	emit := false

	if !d.everPublished {
		msgType = ThresholdBased
		emit = true
	} else {
		// Readings are 0.1-resolution decimals held in float64, so a delta
		// of exactly one threshold (23.0 - 22.8) can come out a hair below
		// it; thresholdEpsilon absorbs that representation error.
		dT := abs(*d.latest.Temperature - d.lastPublishedTemperature)
		dH := abs(*d.latest.Humidity - d.lastPublishedHumidity)
		if dT+thresholdEpsilon >= th.Temperature || dH+thresholdEpsilon >= th.Humidity {
			msgType = ThresholdBased
			emit = true
		} else if receivedAt.Sub(d.lastPublishAt) >= period {
			msgType = Periodic
			emit = true
		}
	}

	if !emit {
		return nil, false
	}

	reading := d.buildReadingLocked(msgType, receivedAt)
	d.markPublishedLocked(receivedAt)
	return &reading, true
}

func (d *DeviceRecord) buildReadingLocked(msgType MessageType, at time.Time) CompleteReading {
	return CompleteReading{
		Mac:              d.Mac,
		FriendlyName:     d.FriendlyName,
		DeviceModel:      d.Model,
		Temperature:      *d.latest.Temperature,
		Humidity:         *d.latest.Humidity,
		Battery:          *d.latest.Battery,
		VoltageMV:        d.latest.VoltageMV,
		RSSI:             d.latest.RSSI,
		LastSeen:         at,
		MessageType:      msgType,
		TemperatureStats: d.temperatureStats.snapshot(),
		HumidityStats:    d.humidityStats.snapshot(),
		BatteryStats:     d.batteryStats.snapshot(),
		RSSIStats:        d.rssiStats.snapshot(),
	}
}

// markPublishedLocked implements DeviceRecord.mark_published() from
// the data model: last_published_values and last_publish_at advance,
// and every ValueStatistics resets to zero in the same critical
// section as the snapshot that was just built, so no external observer
// ever sees a half-reset state.
func (d *DeviceRecord) markPublishedLocked(at time.Time) {
	d.lastPublishedTemperature = *d.latest.Temperature
	d.lastPublishedHumidity = *d.latest.Humidity
	d.lastPublishAt = at
	d.everPublished = true
	d.temperatureStats.reset()
	d.humidityStats.reset()
	d.batteryStats.reset()
	d.rssiStats.reset()
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
