package ble

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// attHeaderSize is subtracted from the ATT MTU to get the usable write length.
const attHeaderSize = 3

// Options configures the Manager.
type Options struct {
	ConnectTimeout      time.Duration // bound on the pre-link phase of Connect (default 10s)
	DisconnectTimeout   time.Duration // wait for the transport to confirm a disconnect (default 5s)
	WriteInterval       time.Duration // pause between queued writes (default 100ms)
	WriteMode           WriteMode
	DefaultPacketSize   int    // used when the transport cannot report an MTU (default 20)
	EventBuffer         int    // capacity of the manager's inbox (default 64)
	TelemetryUUID       string // characteristic read and reported as a level (default Battery Level)
	RequiredServiceUUID string // scan filter used when entering background (default HID)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:      10 * time.Second,
		DisconnectTimeout:   5 * time.Second,
		WriteInterval:       100 * time.Millisecond,
		WriteMode:           WriteWithoutResponse,
		DefaultPacketSize:   20,
		EventBuffer:         64,
		TelemetryUUID:       BatteryLevelUUID,
		RequiredServiceUUID: HIDServiceUUID,
	}
}

// Manager owns the connection lifecycle of a single peripheral. All state
// below the "manager goroutine" marker is read and written only by the
// goroutine started in NewManager; public methods hand work to it through
// the inbox and never block on the radio.
//
// Construct one Manager per process, pass it to whatever needs it, and
// Close it on shutdown.
type Manager struct {
	transport Transport
	opts      Options
	caps      Capabilities

	inbox     chan func()
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	dispatch *dispatcher
	handlers handlers

	stateV         atomic.Int32
	available      atomic.Bool
	connectTimeout atomic.Int64

	// manager goroutine
	state           ConnectionState
	transportState  TransportState
	scanning        bool
	scanFilter      []string
	pendingScan     bool
	peripheral      *Peripheral
	pending         *pendingConnection
	gate            *enumerationGate
	chars           []Characteristic // discovery order
	telemetry       *Characteristic
	notifying       []Characteristic
	writes          writeQueue
	reads           map[string][]func([]byte, error)
	disconnectToken string
	disconnectTimer *time.Timer
}

// NewManager creates a Manager driving t and starts its goroutine.
func NewManager(t Transport, opts Options) *Manager {
	def := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = def.DisconnectTimeout
	}
	if opts.WriteInterval <= 0 {
		opts.WriteInterval = def.WriteInterval
	}
	if opts.DefaultPacketSize <= 0 {
		opts.DefaultPacketSize = def.DefaultPacketSize
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}
	if u, err := NormalizeUUID(opts.TelemetryUUID); err == nil {
		opts.TelemetryUUID = u
	}
	if u, err := NormalizeUUID(opts.RequiredServiceUUID); err == nil {
		opts.RequiredServiceUUID = u
	}

	m := &Manager{
		transport: t,
		opts:      opts,
		caps:      t.Capabilities(),
		inbox:     make(chan func(), opts.EventBuffer),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		dispatch:  newDispatcher(),
		gate:      newEnumerationGate(),
		reads:     make(map[string][]func([]byte, error)),
	}
	m.connectTimeout.Store(int64(opts.ConnectTimeout))
	t.SetEventHandler(m.deliver)
	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.loopDone)
	for {
		select {
		case <-m.quit:
			return
		case fn := <-m.inbox:
			fn()
		}
	}
}

// deliver is the transport's event handler. It may block when the inbox is
// full, which keeps events in emission order.
func (m *Manager) deliver(ev Event) {
	m.post(func() { m.handleEvent(ev) })
}

// post hands fn to the manager goroutine. It returns false once closed.
func (m *Manager) post(fn func()) bool {
	select {
	case <-m.quit:
		return false
	default:
	}
	select {
	case m.inbox <- fn:
		return true
	case <-m.quit:
		return false
	}
}

// do runs fn on the manager goroutine and waits for it.
func (m *Manager) do(fn func()) bool {
	done := make(chan struct{})
	if !m.post(func() {
		fn()
		close(done)
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-m.loopDone:
		return false
	}
}

// afterFunc runs fn on the manager goroutine once d has elapsed.
func (m *Manager) afterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { m.post(fn) })
}

// Enable powers on the transport. The outcome also arrives as a state change.
func (m *Manager) Enable() error {
	var err error
	if !m.do(func() { err = m.transport.Enable() }) {
		return ErrClosed
	}
	return err
}

// Close disconnects, stops the manager goroutine and the observer
// dispatcher. Callbacks already queued are still delivered.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.do(func() {
			if m.scanning {
				m.stopScan()
			}
			m.pendingScan = false
			if pc := m.pending; pc != nil {
				m.resolve(pc, wrapError(ErrDisconnected, ErrClosed))
			}
			if m.peripheral != nil {
				if err := m.transport.CancelConnect(*m.peripheral); err != nil {
					slog.Warn("[BLE] cancel on close failed", "peripheral", m.peripheral.ID, "error", err)
				}
			}
			if m.state != StateDisconnected {
				m.teardown()
			}
		})
		close(m.quit)
		<-m.loopDone
		m.dispatch.close()
	})
	return nil
}

// State returns the current connection state. Safe from any goroutine.
func (m *Manager) State() ConnectionState {
	return ConnectionState(m.stateV.Load())
}

// IsTransportAvailable reports whether the transport is powered on.
func (m *Manager) IsTransportAvailable() bool {
	return m.available.Load()
}

// SetConnectionTimeout changes the timeout used by subsequent Connect calls.
// Non-positive values restore the configured default.
func (m *Manager) SetConnectionTimeout(d time.Duration) {
	if d <= 0 {
		d = m.opts.ConnectTimeout
	}
	m.connectTimeout.Store(int64(d))
}

// ConnectedPeripheral returns the peripheral while Connected.
func (m *Manager) ConnectedPeripheral() (Peripheral, bool) {
	var (
		p  Peripheral
		ok bool
	)
	m.do(func() {
		if m.state == StateConnected && m.peripheral != nil {
			p, ok = *m.peripheral, true
		}
	})
	return p, ok
}

// Characteristic looks up a characteristic enumerated on the current
// connection by UUID. When several instances share the UUID the first
// discovered one is returned; see Characteristics.
func (m *Manager) Characteristic(uuid string) (Characteristic, bool) {
	if all := m.Characteristics(uuid); len(all) > 0 {
		return all[0], true
	}
	return Characteristic{}, false
}

// Characteristics returns every enumerated instance of uuid in discovery
// order.
func (m *Manager) Characteristics(uuid string) []Characteristic {
	var out []Characteristic
	m.do(func() {
		for _, ch := range m.chars {
			if sameUUID(ch.UUID, uuid) {
				out = append(out, ch)
			}
		}
	})
	return out
}

// CurrentPacketSize returns the largest payload a single write can carry,
// falling back to Options.DefaultPacketSize when the MTU is unknown.
func (m *Manager) CurrentPacketSize() int {
	size := m.opts.DefaultPacketSize
	m.do(func() { size = m.packetSize() })
	return size
}

func (m *Manager) packetSize() int {
	if m.state != StateConnected || m.peripheral == nil {
		return m.opts.DefaultPacketSize
	}
	mtu, err := m.transport.MTU(*m.peripheral)
	if err != nil || mtu <= attHeaderSize {
		slog.Debug("[BLE] mtu unavailable, using default packet size", "error", err, "mtu", mtu)
		return m.opts.DefaultPacketSize
	}
	return mtu - attHeaderSize
}

// SetDiscoveryHandler registers the scan result observer.
func (m *Manager) SetDiscoveryHandler(fn func(p Peripheral, rssi int)) {
	m.handlers.update(func(h *handlerSet) { h.discovery = fn })
}

// SetTelemetryHandler registers the observer for the telemetry level
// (battery percentage for the default telemetry characteristic).
func (m *Manager) SetTelemetryHandler(fn func(level int)) {
	m.handlers.update(func(h *handlerSet) { h.telemetry = fn })
}

// SetValueHandler registers the observer for every value update.
func (m *Manager) SetValueHandler(fn func(c Characteristic, value []byte)) {
	m.handlers.update(func(h *handlerSet) { h.value = fn })
}

// SetErrorHandler registers the observer for errors raised outside a
// connection attempt, such as an unsolicited disconnect.
func (m *Manager) SetErrorHandler(fn func(err error)) {
	m.handlers.update(func(h *handlerSet) { h.err = fn })
}

func (m *Manager) reportError(err error) {
	if fn := m.handlers.load().err; fn != nil {
		m.dispatch.post(func() { fn(err) })
		return
	}
	slog.Warn("[BLE] unhandled error", "error", err)
}

func (m *Manager) setState(s ConnectionState) {
	if m.state == s {
		return
	}
	slog.Debug("[BLE] state", "from", m.state, "to", s)
	m.state = s
	m.stateV.Store(int32(s))
}

// StartScanning scans for peripherals advertising any of serviceUUIDs, or
// all peripherals when none are given. Results go to the discovery
// handler. A request made before the transport powers on is deferred.
func (m *Manager) StartScanning(serviceUUIDs ...string) {
	filter := append([]string(nil), serviceUUIDs...)
	m.post(func() { m.requestScan(filter) })
}

// StopScanning stops an active or deferred scan.
func (m *Manager) StopScanning() {
	m.post(func() {
		m.pendingScan = false
		if m.scanning {
			m.stopScan()
		}
	})
}

func (m *Manager) requestScan(filter []string) {
	m.scanFilter = filter
	if m.state == StateConnecting {
		slog.Warn("[BLE] scan ignored while connecting")
		return
	}
	switch m.transportState {
	case TransportPoweredOn:
		m.startScan(filter)
	case TransportUnsupported, TransportUnauthorized:
		m.reportError(transportStateError(m.transportState))
	default:
		slog.Info("[BLE] scan deferred until transport powers on", "state", m.transportState)
		m.pendingScan = true
	}
}

func (m *Manager) startScan(filter []string) {
	if m.scanning {
		m.stopScan()
	}
	if err := m.transport.StartScan(filter); err != nil {
		m.reportError(err)
		return
	}
	m.scanning = true
	slog.Info("[BLE] scanning", "filter", filter)
}

func (m *Manager) stopScan() {
	if err := m.transport.StopScan(); err != nil {
		slog.Debug("[BLE] stop scan", "error", err)
	}
	m.scanning = false
}

// EnterBackground restarts scanning filtered by the required service,
// since unfiltered background scans are typically disallowed. It does
// nothing while a connection is being made or held.
func (m *Manager) EnterBackground() {
	m.post(func() {
		if m.state == StateConnecting || m.state == StateConnected {
			slog.Debug("[BLE] entering background", "state", m.state)
			return
		}
		if m.opts.RequiredServiceUUID == "" {
			slog.Warn("[BLE] entering background without a required service, not scanning")
			return
		}
		slog.Info("[BLE] entering background, rescanning", "service", m.opts.RequiredServiceUUID)
		m.requestScan([]string{m.opts.RequiredServiceUUID})
	})
}

// EnterForeground is a lifecycle hook; no action is forced.
func (m *Manager) EnterForeground() {
	m.post(func() {
		slog.Info("[BLE] entering foreground", "state", m.state, "scanning", m.scanning)
	})
}
