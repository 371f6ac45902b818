package mqttpub

import (
	"math"
	"time"

	"github.com/jenicek001/xiaomi-ble-tempmeter-mqtt-daemon/internal/cache"
	"github.com/jenicek001/xiaomi-ble-tempmeter-mqtt-daemon/internal/signalquality"
)

// statePayload is the single JSON object published per CompleteReading,
// field layout and flat *_count/*_min/*_max/*_avg statistics keys exactly
// as specified for the daemon's state topic.
type statePayload struct {
	Temperature  float64  `json:"temperature"`
	Humidity     float64  `json:"humidity"`
	Battery      int      `json:"battery"`
	Voltage      *float64 `json:"voltage,omitempty"`
	RSSI         *int     `json:"rssi,omitempty"`
	Signal       string   `json:"signal"`
	LastSeen     string   `json:"last_seen"`
	MessageType  string   `json:"message_type"`
	FriendlyName *string  `json:"friendly_name,omitempty"`

	TemperatureCount *uint32  `json:"temperature_count,omitempty"`
	TemperatureMin   *float64 `json:"temperature_min,omitempty"`
	TemperatureMax   *float64 `json:"temperature_max,omitempty"`
	TemperatureAvg   *float64 `json:"temperature_avg,omitempty"`

	HumidityCount *uint32  `json:"humidity_count,omitempty"`
	HumidityMin   *float64 `json:"humidity_min,omitempty"`
	HumidityMax   *float64 `json:"humidity_max,omitempty"`
	HumidityAvg   *float64 `json:"humidity_avg,omitempty"`

	BatteryCount *uint32  `json:"battery_count,omitempty"`
	BatteryMin   *float64 `json:"battery_min,omitempty"`
	BatteryMax   *float64 `json:"battery_max,omitempty"`
	BatteryAvg   *float64 `json:"battery_avg,omitempty"`

	RSSICount *uint32  `json:"rssi_count,omitempty"`
	RSSIMin   *float64 `json:"rssi_min,omitempty"`
	RSSIMax   *float64 `json:"rssi_max,omitempty"`
	RSSIAvg   *float64 `json:"rssi_avg,omitempty"`
}

// flatStats is the four scalar fields one ValueStatistics snapshot
// contributes to statePayload, the ones spec.md §4.5 lists as flat
// "{field}_count/min/max/avg" keys rather than a nested object.
type flatStats struct {
	Count *uint32
	Min   *float64
	Max   *float64
	Avg   *float64
}

// round2 rounds avg to 2 decimal places, per spec.md §4.5.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func toFlatStats(s cache.Snapshot) flatStats {
	if !s.HasData {
		return flatStats{}
	}
	count := s.Count
	min, max, avg := s.Min, s.Max, round2(s.Avg)
	return flatStats{Count: &count, Min: &min, Max: &max, Avg: &avg}
}

// buildStatePayload renders reading into its wire form. loc controls how
// last_seen is formatted; statisticsEnabled controls whether the flat
// statistics fields are included.
func buildStatePayload(reading cache.CompleteReading, loc *time.Location, statisticsEnabled bool) statePayload {
	if loc == nil {
		loc = time.UTC
	}
	p := statePayload{
		Temperature:  reading.Temperature,
		Humidity:     reading.Humidity,
		Battery:      reading.Battery,
		Voltage:      voltageVolts(reading.VoltageMV),
		RSSI:         reading.RSSI,
		Signal:       string(signalquality.Classify(reading.RSSI)),
		LastSeen:     reading.LastSeen.In(loc).Format(time.RFC3339),
		MessageType:  string(reading.MessageType),
		FriendlyName: reading.FriendlyName,
	}
	if statisticsEnabled {
		t := toFlatStats(reading.TemperatureStats)
		p.TemperatureCount, p.TemperatureMin, p.TemperatureMax, p.TemperatureAvg = t.Count, t.Min, t.Max, t.Avg

		h := toFlatStats(reading.HumidityStats)
		p.HumidityCount, p.HumidityMin, p.HumidityMax, p.HumidityAvg = h.Count, h.Min, h.Max, h.Avg

		b := toFlatStats(reading.BatteryStats)
		p.BatteryCount, p.BatteryMin, p.BatteryMax, p.BatteryAvg = b.Count, b.Min, b.Max, b.Avg

		r := toFlatStats(reading.RSSIStats)
		p.RSSICount, p.RSSIMin, p.RSSIMax, p.RSSIAvg = r.Count, r.Min, r.Max, r.Avg
	}
	return p
}

// voltageVolts converts the cache's internal millivolt reading to the
// volts-as-float the wire payload specifies, e.g. 2980 mV -> 2.98.
func voltageVolts(mv *int) *float64 {
	if mv == nil {
		return nil
	}
	v := float64(*mv) / 1000.0
	return &v
}
