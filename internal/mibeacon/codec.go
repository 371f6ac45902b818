// Package mibeacon decodes Xiaomi MiBeacon service-data payloads (BLE
// service UUID 0xFE95) into typed partial sensor readings.
//
// The parser is byte-oriented and never allocates beyond the small
// output slice; it never panics on malformed input and never returns an
// error that needs to propagate further than the caller logging it at
// DEBUG.
package mibeacon

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Model identifies the sensor hardware inferred from the MiBeacon
// product ID field.
type Model int

const (
	ModelUnknown Model = iota
	ModelLYWSDCGQ
	ModelLYWSD03MMC
)

func (m Model) String() string {
	switch m {
	case ModelLYWSDCGQ:
		return "LYWSDCGQ"
	case ModelLYWSD03MMC:
		return "LYWSD03MMC"
	default:
		return "unknown"
	}
}

// Product IDs, little-endian bytes 2-3 of the MiBeacon frame.
const (
	productIDLYWSDCGQ   uint16 = 0x045B
	productIDLYWSD03MMC uint16 = 0x055B
)

// TLV type identifiers understood by the codec.
const (
	tlvTemperature    uint16 = 0x1004
	tlvHumidity       uint16 = 0x1006
	tlvBattery        uint16 = 0x100A
	tlvVoltage        uint16 = 0x100B
	tlvTempHumidCombo uint16 = 0x100D
)

// frame-control bit positions (bytes 0-1, little-endian uint16).
const (
	fctlEncryptedBit = 1 << 3
)

const minFrameLen = 11

// Sentinel errors describing why a frame produced zero readings. These
// never leave the codec as an error return from Decode; they exist so
// callers can log a reason at DEBUG without string matching.
var (
	ErrEncryptedFrame = errors.New("mibeacon: encrypted frame")
	ErrShortFrame     = errors.New("mibeacon: frame too short")
	ErrMacMismatch    = errors.New("mibeacon: advertisement mac does not match embedded mac")
)

// PartialReading is the output of decoding a single advertisement: a
// subset of {temperature, humidity, battery, voltage} observed at one
// instant for one mac.
type PartialReading struct {
	Mac         string
	ReceivedAt  time.Time
	Temperature *float64 // degrees Celsius, 0.1 resolution
	Humidity    *float64 // percent relative humidity, 0.1 resolution
	Battery     *int     // percent, 0..100
	VoltageMV   *int     // millivolts
}

// HasAny reports whether at least one field is populated, per the
// PartialReading invariant in the data model.
func (p PartialReading) HasAny() bool {
	return p.Temperature != nil || p.Humidity != nil || p.Battery != nil || p.VoltageMV != nil
}

// Result is everything Decode could determine about one advertisement.
type Result struct {
	Model        Model
	FrameCounter uint8 // byte 4 of the frame; same value across a sensor's repeat broadcasts
	Readings     []PartialReading
	Err          error // non-nil only for diagnostic purposes; never propagated as a hard failure
}

const (
	minTempC = -40.0
	maxTempC = 85.0
	minHum   = 0.0
	maxHum   = 100.0
	minBatt  = 0
	maxBatt  = 100
)

// Decode parses a raw MiBeacon service-data blob (as carried under BLE
// service UUID 0xFE95) observed from advertisementMac at receivedAt. It
// never panics; besides the returned slice it allocates only the small
// mac strings used for the embedded-mac cross-check.
//
// An encrypted frame, a frame shorter than the minimum header, or a
// frame whose embedded mac disagrees with advertisementMac all yield a
// Result with zero Readings and a non-nil Err describing which. An
// unrecognized product ID still parses TLVs; Model is ModelUnknown in
// that case.
func Decode(data []byte, advertisementMac string, receivedAt time.Time) Result {
	if len(data) < minFrameLen {
		return Result{Err: ErrShortFrame}
	}

	fctl := binary.LittleEndian.Uint16(data[0:2])
	if fctl&fctlEncryptedBit != 0 {
		return Result{Err: ErrEncryptedFrame}
	}

	productID := binary.LittleEndian.Uint16(data[2:4])
	model := modelForProductID(productID)
	frameCounter := data[4]

	embeddedMac := formatMac(data[5:11])
	if !macsEqual(embeddedMac, advertisementMac) {
		return Result{Model: model, FrameCounter: frameCounter, Err: ErrMacMismatch}
	}

	readings := parseTLVs(data[11:], advertisementMac, receivedAt)
	return Result{Model: model, FrameCounter: frameCounter, Readings: readings}
}

func modelForProductID(id uint16) Model {
	switch id {
	case productIDLYWSDCGQ:
		return ModelLYWSDCGQ
	case productIDLYWSD03MMC:
		return ModelLYWSD03MMC
	default:
		return ModelUnknown
	}
}

// parseTLVs walks type(u16 LE)/length(u8)/value TLVs starting right
// after the mac field, optionally preceded by a capability byte. It
// tolerates a stray capability byte by skipping bytes that don't form a
// plausible TLV type, and stops, without error, the moment a declared
// length would run past the end of buf — whatever readings were already
// merged are still returned.
func parseTLVs(buf []byte, mac string, receivedAt time.Time) []PartialReading {
	merged := PartialReading{Mac: mac, ReceivedAt: receivedAt}
	haveAny := false

	i := 0
	// A lone capability byte precedes the first TLV on some firmwares;
	// detect it by checking whether the next two bytes form a known TLV
	// type once we skip it.
	if len(buf) >= 1 && !looksLikeTLVStart(buf, 0) && looksLikeTLVStart(buf, 1) {
		i = 1
	}

	for i+3 <= len(buf) {
		typ := binary.LittleEndian.Uint16(buf[i : i+2])
		length := int(buf[i+2])
		valueStart := i + 3
		valueEnd := valueStart + length
		if valueEnd > len(buf) {
			break // truncated TLV: stop, keep what we have
		}
		value := buf[valueStart:valueEnd]

		switch typ {
		case tlvTemperature:
			if t, ok := decodeTemperature(value); ok {
				merged.Temperature = &t
				haveAny = true
			}
		case tlvHumidity:
			if h, ok := decodeHumidity(value); ok {
				merged.Humidity = &h
				haveAny = true
			}
		case tlvBattery:
			if b, ok := decodeBattery(value); ok {
				merged.Battery = &b
				haveAny = true
			}
		case tlvVoltage:
			if v, ok := decodeVoltage(value); ok {
				merged.VoltageMV = &v
				haveAny = true
			}
		case tlvTempHumidCombo:
			if t, h, ok := decodeTempHumidCombo(value); ok {
				merged.Temperature = &t
				merged.Humidity = &h
				haveAny = true
			}
		}

		i = valueEnd
	}

	if !haveAny {
		return nil
	}
	return []PartialReading{merged}
}

func looksLikeTLVStart(buf []byte, at int) bool {
	if at+3 > len(buf) {
		return false
	}
	typ := binary.LittleEndian.Uint16(buf[at : at+2])
	switch typ {
	case tlvTemperature, tlvHumidity, tlvBattery, tlvVoltage, tlvTempHumidCombo:
		return true
	default:
		return false
	}
}

func decodeTemperature(value []byte) (float64, bool) {
	if len(value) < 2 {
		return 0, false
	}
	raw := int16(binary.LittleEndian.Uint16(value[0:2]))
	t := float64(raw) / 10.0
	if t < minTempC || t > maxTempC {
		return 0, false
	}
	return t, true
}

func decodeHumidity(value []byte) (float64, bool) {
	if len(value) < 2 {
		return 0, false
	}
	raw := binary.LittleEndian.Uint16(value[0:2])
	h := float64(raw) / 10.0
	if h < minHum || h > maxHum {
		return 0, false
	}
	return h, true
}

func decodeBattery(value []byte) (int, bool) {
	if len(value) < 1 {
		return 0, false
	}
	b := int(value[0])
	if b < minBatt || b > maxBatt {
		return 0, false
	}
	return b, true
}

func decodeVoltage(value []byte) (int, bool) {
	if len(value) < 2 {
		return 0, false
	}
	return int(binary.LittleEndian.Uint16(value[0:2])), true
}

func decodeTempHumidCombo(value []byte) (float64, float64, bool) {
	if len(value) < 4 {
		return 0, 0, false
	}
	t, ok := decodeTemperature(value[0:2])
	if !ok {
		return 0, 0, false
	}
	h, ok := decodeHumidity(value[2:4])
	if !ok {
		return 0, 0, false
	}
	return t, h, true
}

func formatMac(b []byte) string {
	// MAC is carried little-endian in the frame; reverse to the
	// conventional big-endian display order before comparing.
	return fmt.Sprintf("%02X%02X%02X%02X%02X%02X", b[5], b[4], b[3], b[2], b[1], b[0])
}

func macsEqual(embedded, advertisement string) bool {
	return normalizeMac(embedded) == normalizeMac(advertisement)
}

func normalizeMac(mac string) string {
	out := make([]byte, 0, len(mac))
	for i := 0; i < len(mac); i++ {
		c := mac[i]
		if c == ':' || c == '-' {
			continue
		}
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
