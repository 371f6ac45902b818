package cache

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMac = "4C:65:A8:DC:84:01"

// macBytes converts a colon-separated mac string into its little-endian
// on-the-wire encoding (reverse byte order of the display form).
func macBytes(mac string) []byte {
	hex := map[byte]byte{
		'0': 0, '1': 1, '2': 2, '3': 3, '4': 4, '5': 5, '6': 6, '7': 7,
		'8': 8, '9': 9, 'A': 10, 'B': 11, 'C': 12, 'D': 13, 'E': 14, 'F': 15,
	}
	var display []byte
	for i := 0; i < len(mac); i += 3 {
		display = append(display, hex[mac[i]]<<4|hex[mac[i+1]])
	}
	out := make([]byte, len(display))
	for i, b := range display {
		out[len(display)-1-i] = b
	}
	return out
}

// frame builds a minimal, unencrypted LYWSD03MMC MiBeacon frame carrying
// a single TLV, or a temperature+humidity combo when both are non-nil.
func frame(mac string, counter byte, temp *float64, hum *float64, batt *int) []byte {
	out := []byte{0x00, 0x00, 0x5B, 0x05, counter}
	out = append(out, macBytes(mac)...)

	if temp != nil && hum != nil {
		tRaw := int16(*temp * 10)
		hRaw := uint16(*hum * 10)
		tlv := make([]byte, 4)
		binary.LittleEndian.PutUint16(tlv[0:2], uint16(tRaw))
		binary.LittleEndian.PutUint16(tlv[2:4], hRaw)
		out = append(out, 0x0D, 0x10, 0x04)
		out = append(out, tlv...)
	} else if temp != nil {
		tRaw := int16(*temp * 10)
		tlv := make([]byte, 2)
		binary.LittleEndian.PutUint16(tlv, uint16(tRaw))
		out = append(out, 0x04, 0x10, 0x02)
		out = append(out, tlv...)
	} else if hum != nil {
		hRaw := uint16(*hum * 10)
		tlv := make([]byte, 2)
		binary.LittleEndian.PutUint16(tlv, hRaw)
		out = append(out, 0x06, 0x10, 0x02)
		out = append(out, tlv...)
	}

	if batt != nil {
		out = append(out, 0x0A, 0x10, 0x01, byte(*batt))
	}

	return out
}

func fp(v float64) *float64 { return &v }
func ip(v int) *int         { return &v }

func newTestCache() *Cache {
	return New(Config{
		Thresholds:      Thresholds{Temperature: 0.2, Humidity: 1.0},
		PublishInterval: 300 * time.Second,
	}, nil)
}

// scenario 1: cold start, first complete reading.
func Test_Ingest_coldStartFirstCompleteReading(t *testing.T) {
	c := newTestCache()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	r, emitted := c.Ingest(testMac, nil, frame(testMac, 1, fp(22.5), nil, nil), base)
	assert.False(t, emitted, "temperature-only partial should not emit")
	assert.Nil(t, r)

	r, emitted = c.Ingest(testMac, nil, frame(testMac, 2, nil, fp(50.3), nil), base.Add(time.Second))
	assert.False(t, emitted, "humidity-only partial should not emit")
	assert.Nil(t, r)

	r, emitted = c.Ingest(testMac, nil, frame(testMac, 3, nil, nil, ip(55)), base.Add(2*time.Second))
	require.True(t, emitted, "battery completing the record should trigger first emission")
	assert.Equal(t, ThresholdBased, r.MessageType)
	assert.Equal(t, 22.5, r.Temperature)
	assert.Equal(t, 50.3, r.Humidity)
	assert.Equal(t, 55, r.Battery)
	assert.Equal(t, uint32(1), r.TemperatureStats.Count)
	assert.Equal(t, uint32(1), r.HumidityStats.Count)
	assert.Equal(t, uint32(1), r.BatteryStats.Count)
}

// scenario 2: threshold trigger and suppression.
func Test_Ingest_thresholdTriggerAndSuppression(t *testing.T) {
	c := newTestCache()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	c.Ingest(testMac, nil, frame(testMac, 1, fp(22.5), fp(50.3), ip(55)), base)

	r, emitted := c.Ingest(testMac, nil, frame(testMac, 2, fp(22.8), nil, nil), base.Add(time.Second))
	require.True(t, emitted, "expected publish at T=22.8")
	assert.Equal(t, 22.8, r.Temperature)

	_, emitted = c.Ingest(testMac, nil, frame(testMac, 3, fp(22.9), nil, nil), base.Add(2*time.Second))
	assert.False(t, emitted, "delta of 0.1 against last published 22.8 should be suppressed")

	r, emitted = c.Ingest(testMac, nil, frame(testMac, 4, fp(23.0), nil, nil), base.Add(3*time.Second))
	require.True(t, emitted, "delta of 0.2 against last published 22.8 should publish")
	assert.Equal(t, 23.0, r.Temperature)
}

// scenario 3: periodic heartbeat via Tick.
func Test_Tick_periodicHeartbeat(t *testing.T) {
	c := newTestCache()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	c.Ingest(testMac, nil, frame(testMac, 1, fp(22.5), fp(50.3), ip(55)), base)

	due := c.Tick(base.Add(100 * time.Second))
	require.Empty(t, due, "no heartbeat expected before the publish interval elapses")

	due = c.Tick(base.Add(301 * time.Second))
	require.Len(t, due, 1, "expected exactly one periodic publish")
	assert.Equal(t, Periodic, due[0].MessageType)
	assert.Equal(t, 22.5, due[0].Temperature)
	assert.Equal(t, 50.3, due[0].Humidity)
	assert.Equal(t, 55, due[0].Battery)
	assert.Zero(t, due[0].TemperatureStats.Count, "no intervening temperature frames since publish")

	due = c.Tick(base.Add(302 * time.Second))
	assert.Empty(t, due, "heartbeat should not repeat immediately after publishing")
}

// scenario 4: humidity spike, four publishes with statistics resetting
// between each.
func Test_Ingest_humiditySpike(t *testing.T) {
	c := newTestCache()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	c.Ingest(testMac, nil, frame(testMac, 1, fp(22.0), fp(50.3), ip(55)), base)

	humidities := []float64{63.2, 77.3, 80.6}
	offsets := []time.Duration{4 * time.Second, 8 * time.Second, 12 * time.Second}
	for idx, h := range humidities {
		r, emitted := c.Ingest(testMac, nil, frame(testMac, byte(2+idx), nil, fp(h), nil), base.Add(offsets[idx]))
		require.True(t, emitted, "expected publish for humidity=%v", h)
		assert.Equal(t, ThresholdBased, r.MessageType)
		assert.GreaterOrEqual(t, r.HumidityStats.Max, r.Humidity, "humidity_max should be >= published humidity")
		assert.Equal(t, uint32(1), r.HumidityStats.Count, "stats should reset between publishes")
	}
}

// scenario 5: encrypted frame interleaved with a valid frame.
func Test_Ingest_encryptedFrameDropped(t *testing.T) {
	c := newTestCache()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	encrypted := frame(testMac, 1, fp(22.0), nil, nil)
	encrypted[0] = 0x08 // set encrypted bit

	_, emitted := c.Ingest(testMac, nil, encrypted, base)
	assert.False(t, emitted, "encrypted frame must never emit")
	assert.EqualValues(t, 1, c.framesDroppedEncrypted, "expected encrypted-frame counter to increment")

	_, emitted = c.Ingest(testMac, nil, frame(testMac, 2, fp(22.0), fp(50.0), ip(90)), base.Add(time.Second))
	assert.True(t, emitted, "the valid frame following an encrypted one should still be processed")
}

func Test_markPublished_resetsAllStatistics(t *testing.T) {
	c := newTestCache()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.Ingest(testMac, ip(-65), frame(testMac, 1, fp(22.0), fp(50.0), ip(80)), base)

	rec, _ := c.devices.Get(testMac)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Zero(t, rec.temperatureStats.Count, "expected temperature statistics reset after publish")
	assert.Zero(t, rec.humidityStats.Count, "expected humidity statistics reset after publish")
	assert.Zero(t, rec.batteryStats.Count, "expected battery statistics reset after publish")
}

// scenario 6: a sensor rebroadcasting the same frame counter within the
// 2s dedup window must not inflate statistics or re-trigger an emission.
func Test_Ingest_duplicateFrameCounterSuppressed(t *testing.T) {
	c := newTestCache()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	c.Ingest(testMac, nil, frame(testMac, 7, fp(22.0), fp(50.0), ip(55)), base)

	// same counter, same payload, rebroadcast 500ms later: must be
	// suppressed as an exact duplicate, not counted as a new sample.
	r, emitted := c.Ingest(testMac, nil, frame(testMac, 7, fp(22.0), fp(50.0), ip(55)), base.Add(500*time.Millisecond))
	assert.False(t, emitted, "duplicate frame counter within the dedup window must not emit")
	assert.Nil(t, r)

	rec, _ := c.devices.Get(testMac)
	rec.mu.Lock()
	statsCount := rec.temperatureStats.Count
	rec.mu.Unlock()
	assert.Zero(t, statsCount, "duplicate frame must not accumulate statistics")

	// a genuinely new counter after the window still publishes normally.
	r, emitted = c.Ingest(testMac, nil, frame(testMac, 8, fp(22.3), nil, nil), base.Add(3*time.Second))
	require.True(t, emitted, "new frame counter after dedup window should publish")
	assert.Equal(t, 22.3, r.Temperature)
}

// a repeated counter observed after the dedup window has elapsed is
// treated as a fresh sample (the sensor's counter wraps and can
// legitimately repeat across advertising cycles).
func Test_Ingest_sameCounterAfterWindowIsNotSuppressed(t *testing.T) {
	c := newTestCache()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	c.Ingest(testMac, nil, frame(testMac, 9, fp(22.0), fp(50.0), ip(55)), base)

	r, emitted := c.Ingest(testMac, nil, frame(testMac, 9, fp(22.5), nil, nil), base.Add(3*time.Second))
	require.True(t, emitted, "same counter after dedup window elapses should still publish")
	assert.Equal(t, 22.5, r.Temperature)
}

func Test_Snapshot_isMacOrdered(t *testing.T) {
	c := newTestCache()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.Ingest("AA:BB:CC:DD:EE:02", nil, frame("AA:BB:CC:DD:EE:02", 1, fp(20.0), fp(40.0), ip(50)), base)
	c.Ingest("AA:BB:CC:DD:EE:01", nil, frame("AA:BB:CC:DD:EE:01", 1, fp(20.0), fp(40.0), ip(50)), base)

	snap := c.Snapshot()
	require.Len(t, snap, 2)
	assert.LessOrEqual(t, snap[0].Mac, snap[1].Mac, "snapshot should be mac-ordered")
}
