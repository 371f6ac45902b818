package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jenicek001/xiaomi-ble-tempmeter-mqtt-daemon/internal/cache"
	"github.com/jenicek001/xiaomi-ble-tempmeter-mqtt-daemon/internal/config"
	"github.com/jenicek001/xiaomi-ble-tempmeter-mqtt-daemon/internal/mqttpub"
	"github.com/jenicek001/xiaomi-ble-tempmeter-mqtt-daemon/internal/scanner"
)

type fakeScanner struct {
	events    chan scanner.Event
	startErr  error
	stopCalls int
	mu        sync.Mutex
}

func newFakeScanner() *fakeScanner {
	return &fakeScanner{events: make(chan scanner.Event, 8)}
}

func (f *fakeScanner) Events() <-chan scanner.Event { return f.events }
func (f *fakeScanner) Start(ctx context.Context) error {
	return f.startErr
}
func (f *fakeScanner) Stop() error {
	f.mu.Lock()
	f.stopCalls++
	f.mu.Unlock()
	close(f.events)
	return nil
}

type fakePublisher struct {
	startErr   error
	published  []cache.CompleteReading
	stopCalls  int
	mu         sync.Mutex
}

func (f *fakePublisher) Start(ctx context.Context) error { return f.startErr }
func (f *fakePublisher) Publish(reading cache.CompleteReading) error {
	f.mu.Lock()
	f.published = append(f.published, reading)
	f.mu.Unlock()
	return nil
}
func (f *fakePublisher) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.stopCalls++
	f.mu.Unlock()
	return nil
}

func newTestOrchestrator(s Scanner, p Publisher) *Orchestrator {
	cfg := config.Default()
	c := cache.New(cache.Config{
		Thresholds:      cache.Thresholds{Temperature: 0.2, Humidity: 1.0},
		PublishInterval: 300 * time.Second,
	}, nil)
	return NewWithDeps(cfg, nil, s, c, p)
}

// validLYWSD03MMCFrame is a realistic MiBeacon service-data payload that
// reports temperature, humidity, and battery in one frame so a single
// Ingest call reaches "complete" and triggers a publish.
func validLYWSD03MMCFrame(mac string) []byte {
	frame := []byte{0x50, 0x20} // frame control: no encryption
	frame = append(frame, 0x5B, 0x05) // product id: LYWSD03MMC
	frame = append(frame, 0x00)       // frame counter
	frame = append(frame, macToBytes(mac)...)
	frame = append(frame, 0x0D, 0x10, 0x04, 0xE4, 0x00, 0x5D, 0x02) // temp+humidity combo
	frame = append(frame, 0x0A, 0x10, 0x01, 0x64)                   // battery
	return frame
}

// macToBytes turns "AA:BB:CC:DD:EE:FF" into the little-endian octet
// order the MiBeacon frame embeds its mac in (reverse of display order).
func macToBytes(mac string) []byte {
	octets := strings.Split(mac, ":")
	out := make([]byte, len(octets))
	for i, o := range octets {
		v, _ := strconv.ParseUint(o, 16, 8)
		out[len(octets)-1-i] = byte(v)
	}
	return out
}

func Test_Run_publishesOnCompleteReadingThenShutsDownOnCancel(t *testing.T) {
	s := newFakeScanner()
	p := &fakePublisher{}
	o := newTestOrchestrator(s, p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- o.Run(ctx) }()

	mac := "4C:65:A8:DC:84:01"
	s.events <- scanner.Event{
		Mac:         mac,
		ServiceData: validLYWSD03MMCFrame(mac),
		ReceivedAt:  time.Now(),
	}

	deadline := time.After(2 * time.Second)
	for {
		p.mu.Lock()
		n := len(p.published)
		p.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for publish")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case code := <-done:
		if code != ExitOK {
			t.Errorf("exit code = %d, want ExitOK", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if p.stopCalls != 1 {
		t.Errorf("publisher.Stop called %d times, want 1", p.stopCalls)
	}
	if s.stopCalls != 1 {
		t.Errorf("scanner.Stop called %d times, want 1", s.stopCalls)
	}
}

func Test_Run_mqttAuthFailureMapsToExitCode(t *testing.T) {
	s := newFakeScanner()
	p := &fakePublisher{startErr: mqttpub.ErrAuthFailed}
	o := newTestOrchestrator(s, p)

	code := o.Run(context.Background())
	if code != ExitMQTTAuthFailed {
		t.Errorf("exit code = %d, want ExitMQTTAuthFailed", code)
	}
}

func Test_Run_adapterFailureMapsToExitCode(t *testing.T) {
	s := &fakeScanner{events: make(chan scanner.Event), startErr: scanner.ErrAdapterUnavailable}
	p := &fakePublisher{}
	o := newTestOrchestrator(s, p)

	code := o.Run(context.Background())
	if code != ExitAdapterFatal {
		t.Errorf("exit code = %d, want ExitAdapterFatal", code)
	}
	if p.stopCalls != 1 {
		t.Errorf("publisher should be stopped after adapter failure, stop calls = %d", p.stopCalls)
	}
}

func Test_Run_genericBrokerFailureMapsToExitOther(t *testing.T) {
	s := newFakeScanner()
	p := &fakePublisher{startErr: errors.New("connection refused")}
	o := newTestOrchestrator(s, p)

	code := o.Run(context.Background())
	if code != ExitOther {
		t.Errorf("exit code = %d, want ExitOther", code)
	}
}

func Test_Describe_includesBrokerAndAdapter(t *testing.T) {
	o := newTestOrchestrator(newFakeScanner(), &fakePublisher{})
	desc := o.Describe()
	if desc == "" {
		t.Error("expected non-empty description")
	}
}
