package ble

import (
	"sync"
	"testing"
	"time"
)

type mockWrite struct {
	char Characteristic
	data []byte
	mode WriteMode
	at   time.Time
}

type mockNotify struct {
	char    Characteristic
	enabled bool
}

// mockTransport records every request and lets the test play the radio by
// calling emit. It never emits on its own except from Enable.
type mockTransport struct {
	mu      sync.Mutex
	handler func(Event)
	caps    Capabilities

	calls       map[string]int
	callTimes   map[string][]time.Time
	scanFilters [][]string
	writes      []mockWrite
	reads       []Characteristic
	notifies    []mockNotify

	connectErr error
	writeErr   error
	readErr    error
	mtu        int
	mtuErr     error
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		calls:     make(map[string]int),
		callTimes: make(map[string][]time.Time),
		mtu:       23,
	}
}

func (t *mockTransport) record(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[name]++
	t.callTimes[name] = append(t.callTimes[name], time.Now())
}

func (t *mockTransport) callCount(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[name]
}

func (t *mockTransport) lastCall(name string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	times := t.callTimes[name]
	if len(times) == 0 {
		return time.Time{}
	}
	return times[len(times)-1]
}

func (t *mockTransport) writesSnapshot() []mockWrite {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]mockWrite(nil), t.writes...)
}

func (t *mockTransport) readsSnapshot() []Characteristic {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Characteristic(nil), t.reads...)
}

func (t *mockTransport) notifiesSnapshot() []mockNotify {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]mockNotify(nil), t.notifies...)
}

func (t *mockTransport) lastScanFilter() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.scanFilters) == 0 {
		return nil
	}
	return t.scanFilters[len(t.scanFilters)-1]
}

func (t *mockTransport) set(fn func(t *mockTransport)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t)
}

// emit delivers ev as if the radio stack had raised it.
func (t *mockTransport) emit(ev Event) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (t *mockTransport) SetEventHandler(h func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *mockTransport) Enable() error {
	t.record("Enable")
	go t.emit(Event{Kind: EventStateChanged, State: TransportPoweredOn})
	return nil
}

func (t *mockTransport) StartScan(serviceUUIDs []string) error {
	t.record("StartScan")
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanFilters = append(t.scanFilters, serviceUUIDs)
	return nil
}

func (t *mockTransport) StopScan() error {
	t.record("StopScan")
	return nil
}

func (t *mockTransport) Connect(p Peripheral) error {
	t.record("Connect")
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectErr
}

func (t *mockTransport) CancelConnect(p Peripheral) error {
	t.record("CancelConnect")
	return nil
}

func (t *mockTransport) DiscoverServices(p Peripheral) error {
	t.record("DiscoverServices")
	return nil
}

func (t *mockTransport) DiscoverCharacteristics(p Peripheral, svc Service) error {
	t.record("DiscoverCharacteristics")
	return nil
}

func (t *mockTransport) ReadValue(p Peripheral, c Characteristic) error {
	t.record("ReadValue")
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.readErr != nil {
		return t.readErr
	}
	t.reads = append(t.reads, c)
	return nil
}

func (t *mockTransport) WriteValue(p Peripheral, c Characteristic, data []byte, mode WriteMode) error {
	t.record("WriteValue")
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = append(t.writes, mockWrite{char: c, data: append([]byte(nil), data...), mode: mode, at: time.Now()})
	return t.writeErr
}

func (t *mockTransport) SetNotify(p Peripheral, c Characteristic, enabled bool) error {
	t.record("SetNotify")
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifies = append(t.notifies, mockNotify{char: c, enabled: enabled})
	return nil
}

func (t *mockTransport) MTU(p Peripheral) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mtu, t.mtuErr
}

func (t *mockTransport) Capabilities() Capabilities {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.caps
}

func TestMockTransportImplementsInterface(t *testing.T) {
	var _ Transport = (*mockTransport)(nil)
}

// Fixtures for a two-service gamepad.
var (
	testPeripheral = Peripheral{ID: "AA:BB:CC:DD:EE:FF", Name: "Pad-S3"}

	batteryService = Service{UUID: BatteryServiceUUID}
	hidService     = Service{UUID: HIDServiceUUID}

	batteryChar = Characteristic{
		ServiceUUID: BatteryServiceUUID,
		UUID:        BatteryLevelUUID,
		Properties:  PropRead | PropNotify,
	}
	reportChar = Characteristic{
		ServiceUUID: HIDServiceUUID,
		UUID:        "00002a4d-0000-1000-8000-00805f9b34fb",
		Properties:  PropRead | PropNotify,
	}
	controlChar = Characteristic{
		ServiceUUID: HIDServiceUUID,
		UUID:        "00002a4c-0000-1000-8000-00805f9b34fb",
		Properties:  PropWriteWithoutResponse,
	}
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.ConnectTimeout = 300 * time.Millisecond
	opts.DisconnectTimeout = 150 * time.Millisecond
	opts.WriteInterval = 20 * time.Millisecond
	return opts
}

// newPoweredManager returns a manager whose transport has reported PoweredOn.
func newPoweredManager(t *testing.T, opts Options) (*Manager, *mockTransport) {
	t.Helper()
	tr := newMockTransport()
	return startManager(t, tr, opts), tr
}

func startManager(t *testing.T, tr *mockTransport, opts Options) *Manager {
	t.Helper()
	m := NewManager(tr, opts)
	t.Cleanup(func() { m.Close() })
	tr.emit(Event{Kind: EventStateChanged, State: TransportPoweredOn})
	waitFor(t, "transport available", m.IsTransportAvailable)
	return m
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// resultRecorder collects Connect results.
type resultRecorder struct {
	mu      sync.Mutex
	results []error
	ch      chan error
}

func newResultRecorder() *resultRecorder {
	return &resultRecorder{ch: make(chan error, 8)}
}

func (r *resultRecorder) onResult(err error) {
	r.mu.Lock()
	r.results = append(r.results, err)
	r.mu.Unlock()
	r.ch <- err
}

func (r *resultRecorder) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect result")
		return nil
	}
}

func (r *resultRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

// progressRecorder collects progress callbacks.
type progressRecorder struct {
	mu    sync.Mutex
	steps []float64
}

func (p *progressRecorder) onProgress(v float64, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, v)
}

func (p *progressRecorder) snapshot() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.steps...)
}

// connectTestPeripheral runs a full handshake for testPeripheral.
func connectTestPeripheral(t *testing.T, m *Manager, tr *mockTransport) {
	t.Helper()
	rec := newResultRecorder()
	m.Connect(testPeripheral, nil, rec.onResult)
	tr.emit(Event{Kind: EventConnected, Peripheral: testPeripheral})
	tr.emit(Event{Kind: EventServicesDiscovered, Peripheral: testPeripheral, Services: []Service{batteryService, hidService}})
	tr.emit(Event{Kind: EventCharacteristicsDiscovered, Peripheral: testPeripheral, Service: batteryService,
		Characteristics: []Characteristic{batteryChar}})
	tr.emit(Event{Kind: EventCharacteristicsDiscovered, Peripheral: testPeripheral, Service: hidService,
		Characteristics: []Characteristic{reportChar, controlChar}})
	if err := rec.wait(t); err != nil {
		t.Fatalf("Connect() result = %v, want nil", err)
	}
	if got := m.State(); got != StateConnected {
		t.Fatalf("State() = %v, want connected", got)
	}
}
