package mqttpub

import (
	"fmt"

	"github.com/jenicek001/xiaomi-ble-tempmeter-mqtt-daemon/internal/cache"
)

// expireAfterSeconds matches Home Assistant's "mark unavailable if no
// state update within this window" discovery field.
const expireAfterSeconds = 15 * 60

// discoveryPayload is a Home Assistant MQTT discovery message, field
// layout grounded on the DiscoveryPayload/DiscoveryDevice shape used by
// the Home-Assistant discovery reference in the retrieval pack.
type discoveryPayload struct {
	Name                string          `json:"name"`
	UniqueID            string          `json:"unique_id"`
	StateTopic          string          `json:"state_topic"`
	ValueTemplate       string          `json:"value_template"`
	DeviceClass         string          `json:"device_class,omitempty"`
	UnitOfMeasurement   string          `json:"unit_of_measurement,omitempty"`
	ExpireAfter         int             `json:"expire_after"`
	AvailabilityTopic   string          `json:"availability_topic"`
	PayloadAvailable    string          `json:"payload_available"`
	PayloadNotAvailable string          `json:"payload_not_available"`
	Device              discoveryDevice `json:"device"`
}

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	Name         string   `json:"name"`
}

type discoveryEntry struct {
	Topic   string
	Payload discoveryPayload
}

type sensorSpec struct {
	key               string
	name              string
	valueTemplate     string
	deviceClass       string
	unitOfMeasurement string
}

var requiredSensors = []sensorSpec{
	{"temperature", "Temperature", "{{ value_json.temperature }}", "temperature", "°C"},
	{"humidity", "Humidity", "{{ value_json.humidity }}", "humidity", "%"},
	{"battery", "Battery", "{{ value_json.battery }}", "battery", "%"},
}

// statisticsSensors are the auxiliary count/min/max/avg sensors. Per
// spec.md §4.5, device_class and unit_of_measurement are omitted for all
// of them, not only the _count ones — Home Assistant has no sensible
// device class for a running min/max/avg of a measurement.
var statisticsSensors = []sensorSpec{
	{"temperature_min", "Temperature Min", "{{ value_json.temperature_min }}", "", ""},
	{"temperature_max", "Temperature Max", "{{ value_json.temperature_max }}", "", ""},
	{"temperature_avg", "Temperature Avg", "{{ value_json.temperature_avg }}", "", ""},
	{"temperature_count", "Temperature Sample Count", "{{ value_json.temperature_count }}", "", ""},
	{"humidity_min", "Humidity Min", "{{ value_json.humidity_min }}", "", ""},
	{"humidity_max", "Humidity Max", "{{ value_json.humidity_max }}", "", ""},
	{"humidity_avg", "Humidity Avg", "{{ value_json.humidity_avg }}", "", ""},
	{"humidity_count", "Humidity Sample Count", "{{ value_json.humidity_count }}", "", ""},
}

// buildDiscoveryPayloads returns one discovery entry per required sensor
// plus, when statistics are enabled, one per auxiliary statistics sensor.
func buildDiscoveryPayloads(reading cache.CompleteReading, cfg Config, deviceID string) []discoveryEntry {
	deviceName := deviceID
	if reading.FriendlyName != nil && *reading.FriendlyName != "" {
		deviceName = *reading.FriendlyName
	}
	device := discoveryDevice{
		Identifiers:  []string{reading.Mac},
		Manufacturer: "Xiaomi",
		Model:        reading.DeviceModel.String(),
		Name:         deviceName,
	}
	availabilityTopic := cfg.BaseTopic + "/status"
	stateTopic := fmt.Sprintf("%s/%s/state", cfg.BaseTopic, deviceID)

	specs := append([]sensorSpec{}, requiredSensors...)
	if cfg.StatisticsEnabled {
		specs = append(specs, statisticsSensors...)
	}

	entries := make([]discoveryEntry, 0, len(specs))
	for _, spec := range specs {
		uniqueID := fmt.Sprintf("mijiableht_%s_%s", deviceID, spec.key)
		entries = append(entries, discoveryEntry{
			Topic: fmt.Sprintf("%s/sensor/%s/config", cfg.DiscoveryPrefix, uniqueID),
			Payload: discoveryPayload{
				Name:                spec.name,
				UniqueID:            uniqueID,
				StateTopic:          stateTopic,
				ValueTemplate:       spec.valueTemplate,
				DeviceClass:         spec.deviceClass,
				UnitOfMeasurement:   spec.unitOfMeasurement,
				ExpireAfter:         expireAfterSeconds,
				AvailabilityTopic:   availabilityTopic,
				PayloadAvailable:    "online",
				PayloadNotAvailable: "offline",
				Device:              device,
			},
		})
	}
	return entries
}
