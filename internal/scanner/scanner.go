// Package scanner owns the host Bluetooth adapter and turns Xiaomi
// MiBeacon advertisements into a bounded, drop-oldest stream of raw
// events for the cache to ingest.
package scanner

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/examples/lib/dev"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
)

// XiaomiServiceUUID is the 16-bit BLE service UUID MiBeacon advertisements
// carry their service-data payload under.
var XiaomiServiceUUID = ble.UUID16(0xFE95)

// Event is one observed advertisement worth handing to the cache.
type Event struct {
	Mac         string
	RSSI        *int
	ServiceData []byte
	ReceivedAt  time.Time
}

// State is the scanner's lifecycle state, per the state machine in the
// BLE scanner component design.
type State string

const (
	StateInitial      State = "initial"
	StateScanning     State = "scanning"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"
)

var (
	ErrAdapterUnavailable = errors.New("scanner: bluetooth adapter unavailable")
	ErrPermissionDenied   = errors.New("scanner: permission denied opening adapter")
	ErrAdapterBusy        = errors.New("scanner: adapter busy")
)

// DeviceFactory opens the host's default BLE device. Overridable in tests.
var DeviceFactory = func(adapterID int) (ble.Device, error) {
	return dev.NewDevice("default", ble.OptDeviceID(adapterID))
}

// Config tunes adapter selection, queueing, and reconnect back-off.
type Config struct {
	AdapterID      int
	QueueBytes     int           // ring buffer capacity in bytes, default 16KiB
	InitialBackoff time.Duration // default 1s
	MaxBackoff     time.Duration // default 30s
	MaxRetries     int           // 0 = unlimited
}

// Scanner owns the adapter and republishes MiBeacon advertisements as
// Events over a bounded queue. The zero value is not usable; use New.
type Scanner struct {
	cfg    Config
	logger *logrus.Entry

	mu     sync.Mutex
	state  State
	device ble.Device
	cancel context.CancelFunc

	ringMu sync.Mutex
	ring   *ringbuffer.RingBuffer
	events chan Event

	BacklogDrops uint64
}

// New constructs a Scanner in StateInitial. It does not touch the
// adapter until Start is called.
func New(cfg Config, logger *logrus.Entry) *Scanner {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.QueueBytes <= 0 {
		cfg.QueueBytes = 16 * 1024
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Scanner{
		cfg:    cfg,
		logger: logger.WithField("component", "scanner"),
		state:  StateInitial,
		ring:   ringbuffer.New(cfg.QueueBytes),
		events: make(chan Event, 64),
	}
}

// Events returns the channel of decoded scanner events. The channel is
// closed once the scanner has fully stopped.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// State reports the current lifecycle state.
func (s *Scanner) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start acquires the adapter and begins continuous passive scanning. It
// is idempotent: calling Start while already scanning or reconnecting is
// a no-op.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateScanning || s.state == StateReconnecting {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	device, err := DeviceFactory(s.cfg.AdapterID)
	if err != nil {
		return classifyAdapterErr(err)
	}
	ble.SetDefaultDevice(device)

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.device = device
	s.cancel = cancel
	s.state = StateScanning
	s.mu.Unlock()

	go s.pump(runCtx)
	go s.scanLoop(runCtx)
	return nil
}

// Stop releases the adapter and stops scanning. Idempotent.
func (s *Scanner) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	device := s.device
	s.state = StateStopped
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if device != nil {
		return ble.Stop()
	}
	return nil
}

func classifyAdapterErr(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "busy") || strings.Contains(msg, "already"):
		return fmt.Errorf("%w: %v", ErrAdapterBusy, err)
	default:
		return fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}
}

func (s *Scanner) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// scanLoop runs ble.Scan until ctx is cancelled, reconnecting on
// transient errors with exponential back-off and jitter.
func (s *Scanner) scanLoop(ctx context.Context) {
	attempt := 0
	backoff := s.cfg.InitialBackoff

	for {
		err := ble.Scan(ctx, true, s.handleAdvertisement, s.filter)
		if ctx.Err() != nil {
			s.setState(StateStopped)
			return
		}
		if err == nil {
			continue
		}

		attempt++
		if s.cfg.MaxRetries > 0 && attempt > s.cfg.MaxRetries {
			s.logger.WithError(err).WithField("attempts", attempt).Error("retries exhausted, giving up")
			s.setState(StateFailed)
			return
		}

		s.setState(StateReconnecting)
		s.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"backoff": backoff,
		}).Warn("scan interrupted, backing off before retry")

		select {
		case <-time.After(jitter(backoff)):
		case <-ctx.Done():
			s.setState(StateStopped)
			return
		}

		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
		s.setState(StateScanning)
	}
}

// jitter applies ±20% jitter to d.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * 0.2
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}

func (s *Scanner) filter(a ble.Advertisement) bool {
	return xiaomiServiceData(a.ServiceData()) != nil
}

// xiaomiServiceData picks out the MiBeacon payload, if any, from an
// advertisement's service-data list. Split out from handleAdvertisement
// so it can be unit-tested without a live ble.Advertisement.
func xiaomiServiceData(sds []ble.ServiceData) []byte {
	for _, sd := range sds {
		if sd.UUID.Equal(XiaomiServiceUUID) {
			return sd.Data
		}
	}
	return nil
}

func (s *Scanner) handleAdvertisement(a ble.Advertisement) {
	data := xiaomiServiceData(a.ServiceData())
	if data == nil {
		return
	}

	rssi := a.RSSI()
	ev := Event{
		Mac:         normalizeAddr(a.Addr().String()),
		RSSI:        &rssi,
		ServiceData: data,
		ReceivedAt:  time.Now(),
	}
	s.enqueue(ev)
}

func normalizeAddr(addr string) string {
	return strings.ToUpper(addr)
}

// enqueue encodes ev and writes it to the ring buffer, evicting the
// oldest queued record(s) when there is not enough room (true
// drop-oldest: blocking the scan loop is worse than losing one frame
// from a sensor that re-advertises every ~2s).
func (s *Scanner) enqueue(ev Event) {
	rec := encodeEvent(ev)
	need := len(rec)

	s.ringMu.Lock()
	defer s.ringMu.Unlock()

	for s.ring.Capacity()-s.ring.Length() < need {
		if !s.dropOldestLocked() {
			// record itself is larger than total capacity; nothing more to
			// evict, give up on this event rather than spin.
			s.BacklogDrops++
			return
		}
	}

	if _, err := s.ring.Write(rec); err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		s.logger.WithError(err).Warn("failed to queue scanner event")
	}
}

// dropOldestLocked discards the oldest queued record to free space.
// Caller must hold ringMu. Returns false when the ring is empty.
func (s *Scanner) dropOldestLocked() bool {
	var lenBuf [4]byte
	n, err := s.ring.TryRead(lenBuf[:])
	if n < 4 || err != nil {
		return false
	}
	recLen := binary.LittleEndian.Uint32(lenBuf[:])
	discard := make([]byte, recLen)
	s.ring.TryRead(discard)
	s.BacklogDrops++
	return true
}

// pump drains decoded records off the ring buffer into the Events()
// channel until ctx is cancelled.
func (s *Scanner) pump(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	defer close(s.events)

	for {
		select {
		case <-ctx.Done():
			s.drainRemaining()
			return
		case <-ticker.C:
			s.drainRemaining()
		}
	}
}

func (s *Scanner) drainRemaining() {
	for {
		ev, ok := s.dequeue()
		if !ok {
			return
		}
		select {
		case s.events <- ev:
		default:
			// consumer is behind; drop rather than block the pump and
			// let the ring buffer keep accepting fresh advertisements.
			s.ringMu.Lock()
			s.BacklogDrops++
			s.ringMu.Unlock()
		}
	}
}

func (s *Scanner) dequeue() (Event, bool) {
	s.ringMu.Lock()
	defer s.ringMu.Unlock()

	var lenBuf [4]byte
	n, err := s.ring.TryRead(lenBuf[:])
	if n < 4 || err != nil {
		return Event{}, false
	}
	recLen := binary.LittleEndian.Uint32(lenBuf[:])
	payload := make([]byte, recLen)
	if n, err := s.ring.TryRead(payload); n < int(recLen) || err != nil {
		return Event{}, false
	}
	return decodeEvent(payload), true
}

// encodeEvent serializes ev into a self-delimiting record: a 4-byte LE
// length prefix followed by the payload. The ring buffer is a plain
// byte queue, so events must round-trip through bytes to share it.
func encodeEvent(ev Event) []byte {
	mac := []byte(ev.Mac)
	payload := make([]byte, 0, 8+1+len(mac)+1+2+2+len(ev.ServiceData))

	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(ev.ReceivedAt.UnixNano()))
	payload = append(payload, tsBuf[:]...)

	payload = append(payload, byte(len(mac)))
	payload = append(payload, mac...)

	if ev.RSSI != nil {
		payload = append(payload, 1)
		var rssiBuf [2]byte
		binary.LittleEndian.PutUint16(rssiBuf[:], uint16(int16(*ev.RSSI)))
		payload = append(payload, rssiBuf[:]...)
	} else {
		payload = append(payload, 0, 0, 0)
	}

	var sdLenBuf [2]byte
	binary.LittleEndian.PutUint16(sdLenBuf[:], uint16(len(ev.ServiceData)))
	payload = append(payload, sdLenBuf[:]...)
	payload = append(payload, ev.ServiceData...)

	rec := make([]byte, 0, 4+len(payload))
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	rec = append(rec, lenBuf[:]...)
	rec = append(rec, payload...)
	return rec
}

func decodeEvent(payload []byte) Event {
	var ev Event
	off := 0

	ns := int64(binary.LittleEndian.Uint64(payload[off : off+8]))
	ev.ReceivedAt = time.Unix(0, ns).UTC()
	off += 8

	macLen := int(payload[off])
	off++
	ev.Mac = string(payload[off : off+macLen])
	off += macLen

	hasRSSI := payload[off]
	off++
	rssi := int(int16(binary.LittleEndian.Uint16(payload[off : off+2])))
	off += 2
	if hasRSSI == 1 {
		ev.RSSI = &rssi
	}

	sdLen := int(binary.LittleEndian.Uint16(payload[off : off+2]))
	off += 2
	ev.ServiceData = append([]byte(nil), payload[off:off+sdLen]...)

	return ev
}
