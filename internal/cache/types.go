package cache

import (
	"sync"
	"time"

	"github.com/jenicek001/xiaomi-ble-tempmeter-mqtt-daemon/internal/mibeacon"
)

// MessageType labels why a CompleteReading was emitted.
type MessageType string

const (
	ThresholdBased MessageType = "threshold-based"
	Periodic       MessageType = "periodic"
)

// ValueStatistics accumulates count/min/max/sum for one field since the
// last publish. It resets to zero atomically with DeviceRecord.markPublishedLocked.
type ValueStatistics struct {
	Count uint32
	Min   float64
	Max   float64
	Sum   float64
}

func (s *ValueStatistics) update(x float64) {
	if s.Count == 0 {
		s.Min, s.Max = x, x
	} else {
		if x < s.Min {
			s.Min = x
		}
		if x > s.Max {
			s.Max = x
		}
	}
	s.Sum += x
	s.Count++
}

func (s *ValueStatistics) reset() {
	*s = ValueStatistics{}
}

// Snapshot is an immutable copy of a ValueStatistics suitable for
// embedding in a CompleteReading. Avg is only meaningful when HasData.
type Snapshot struct {
	HasData bool
	Count   uint32
	Min     float64
	Max     float64
	Avg     float64
}

func (s ValueStatistics) snapshot() Snapshot {
	if s.Count == 0 {
		return Snapshot{}
	}
	return Snapshot{
		HasData: true,
		Count:   s.Count,
		Min:     s.Min,
		Max:     s.Max,
		Avg:     s.Sum / float64(s.Count),
	}
}

// latestValues holds the most recently observed reading for a device,
// regardless of whether it has triggered a publish.
type latestValues struct {
	Temperature *float64
	Humidity    *float64
	Battery     *int
	VoltageMV   *int
	RSSI        *int
	LastSeen    time.Time
}

func (l latestValues) complete() bool {
	return l.Temperature != nil && l.Humidity != nil && l.Battery != nil
}

// DeviceRecord is the single per-mac record the Cache owns. All
// mutation goes through methods that hold mu, so a DeviceRecord is safe
// to shard across worker goroutines provided each mac's events are
// delivered to only one logical writer at a time (the mutex then just
// guards against accidental concurrent access, it does not change
// ordering).
type DeviceRecord struct {
	mu sync.Mutex

	Mac          string
	FriendlyName *string
	Model        mibeacon.Model
	FirstSeen    time.Time

	latest latestValues

	lastFrameCounter   uint8
	hasFrameCounter    bool
	lastFrameCounterAt time.Time

	lastPublishedTemperature float64
	lastPublishedHumidity    float64
	lastPublishAt            time.Time
	everPublished            bool

	temperatureStats ValueStatistics
	humidityStats    ValueStatistics
	batteryStats     ValueStatistics
	rssiStats        ValueStatistics
}

// CompleteReading is emitted by the Cache once a device's latest values
// cover temperature, humidity, and battery.
type CompleteReading struct {
	Mac          string
	FriendlyName *string
	DeviceModel  mibeacon.Model

	Temperature float64
	Humidity    float64
	Battery     int
	VoltageMV   *int
	RSSI        *int

	LastSeen    time.Time
	MessageType MessageType

	TemperatureStats Snapshot
	HumidityStats    Snapshot
	BatteryStats     Snapshot
	RSSIStats        Snapshot
}

// DeviceSnapshot is a read-only diagnostic view of a DeviceRecord.
type DeviceSnapshot struct {
	Mac          string
	FriendlyName *string
	Model        mibeacon.Model
	FirstSeen    time.Time
	LastSeen     time.Time
	Temperature  *float64
	Humidity     *float64
	Battery      *int
	RSSI         *int
}

func (d *DeviceRecord) snapshot() DeviceSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DeviceSnapshot{
		Mac:          d.Mac,
		FriendlyName: d.FriendlyName,
		Model:        d.Model,
		FirstSeen:    d.FirstSeen,
		LastSeen:     d.latest.LastSeen,
		Temperature:  d.latest.Temperature,
		Humidity:     d.latest.Humidity,
		Battery:      d.latest.Battery,
		RSSI:         d.latest.RSSI,
	}
}
