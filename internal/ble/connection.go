package ble

import (
	"log/slog"
	"time"
)

// Connect starts a connection attempt to p. onResult fires exactly once:
// nil after services and characteristics are enumerated, otherwise with
// the reason the attempt ended. A Connect issued while another attempt or
// connection is active is rejected with ErrConnectInProgress and leaves
// the active one untouched.
func (m *Manager) Connect(p Peripheral, onProgress ProgressFunc, onResult ResultFunc) {
	if p.ID == "" {
		if onResult != nil {
			onResult(wrapError(ErrInvalidArgument, errNoPeripheralID))
		}
		return
	}
	timeout := time.Duration(m.connectTimeout.Load())
	if !m.post(func() { m.startConnect(p, timeout, onProgress, onResult) }) && onResult != nil {
		onResult(ErrClosed)
	}
}

// Disconnect cancels a pending attempt or drops the connection. Calling
// it while disconnected or already disconnecting does nothing.
func (m *Manager) Disconnect() {
	m.post(m.disconnect)
}

func (m *Manager) startConnect(p Peripheral, timeout time.Duration, onProgress ProgressFunc, onResult ResultFunc) {
	if m.state != StateDisconnected {
		slog.Warn("[BLE] connect rejected", "peripheral", p.ID, "state", m.state)
		if onResult != nil {
			m.dispatch.post(func() { onResult(ErrConnectInProgress) })
		}
		return
	}
	if m.transportState != TransportPoweredOn {
		err := transportStateError(m.transportState)
		slog.Warn("[BLE] connect rejected", "peripheral", p.ID, "transport", m.transportState)
		if onResult != nil {
			m.dispatch.post(func() { onResult(err) })
		}
		return
	}

	pc := &pendingConnection{
		id:         newAttemptID(),
		peripheral: p,
		onProgress: onProgress,
		onResult:   onResult,
	}
	m.pending = pc
	m.peripheral = &p
	m.gate.reset()
	m.setState(StateConnecting)
	slog.Info("[BLE] connecting", "peripheral", p.ID, "name", p.Name, "attempt", pc.id, "timeout", timeout)
	m.progress(0.1, "connecting")

	pc.timer = m.afterFunc(timeout, func() { m.connectTimedOut(pc.id) })

	if m.caps.StopScanBeforeConnect {
		m.stopScan()
		m.pendingScan = false
		m.afterFunc(m.caps.ScanSettleDelay, func() {
			if m.pending == pc && !pc.resolved {
				m.issueConnect(pc)
			}
		})
		return
	}
	if m.scanning {
		m.stopScan()
	}
	m.pendingScan = false
	m.issueConnect(pc)
}

func (m *Manager) issueConnect(pc *pendingConnection) {
	if err := m.transport.Connect(pc.peripheral); err != nil {
		m.failAttempt(wrapError(ErrConnectFailed, err), false)
	}
}

func (m *Manager) connectTimedOut(id string) {
	pc := m.pending
	if pc == nil || pc.id != id || pc.linkUp {
		return
	}
	m.failAttempt(ErrConnectTimeout, true)
}

func (m *Manager) progress(v float64, status string) {
	pc := m.pending
	if pc == nil || pc.onProgress == nil {
		return
	}
	fn := pc.onProgress
	m.dispatch.post(func() { fn(v, status) })
}

// resolve fires the attempt's result callback unless it already fired.
func (m *Manager) resolve(pc *pendingConnection, err error) {
	if pc.resolved {
		return
	}
	pc.resolved = true
	pc.stopTimer()
	if fn := pc.onResult; fn != nil {
		m.dispatch.post(func() { fn(err) })
	}
}

// failAttempt ends the pending attempt with err and returns to Disconnected.
// cancel asks the transport to abandon the connect or drop the link.
func (m *Manager) failAttempt(err error, cancel bool) {
	pc := m.pending
	if pc == nil {
		return
	}
	slog.Warn("[BLE] connect attempt failed", "peripheral", pc.peripheral.ID, "attempt", pc.id, "error", err)
	m.resolve(pc, err)
	if cancel {
		if cerr := m.transport.CancelConnect(pc.peripheral); cerr != nil {
			slog.Warn("[BLE] cancel connect failed", "peripheral", pc.peripheral.ID, "error", cerr)
		}
	}
	m.teardown()
}

func (m *Manager) finishConnect(pc *pendingConnection) {
	m.setState(StateConnected)
	m.progress(1.0, "connected")
	slog.Info("[BLE] connected", "peripheral", pc.peripheral.ID, "attempt", pc.id,
		"services", m.gate.total(), "notifying", len(m.notifying))
	m.resolve(pc, nil)
	m.pending = nil
}

func (m *Manager) disconnect() {
	switch m.state {
	case StateDisconnected, StateDisconnecting:
		return
	case StateConnecting:
		pc := m.pending
		slog.Info("[BLE] cancelling connect", "peripheral", pc.peripheral.ID, "attempt", pc.id)
		m.resolve(pc, wrapError(ErrDisconnected, errUserCancelled))
		if err := m.transport.CancelConnect(pc.peripheral); err != nil {
			slog.Warn("[BLE] cancel connect failed", "peripheral", pc.peripheral.ID, "error", err)
		}
		if !pc.linkUp {
			m.teardown()
			return
		}
	case StateConnected:
		p := *m.peripheral
		for _, c := range m.notifying {
			if err := m.transport.SetNotify(p, c, false); err != nil {
				slog.Debug("[BLE] disable notify", "char", c.UUID, "error", err)
			}
		}
		m.notifying = nil
		if err := m.transport.CancelConnect(p); err != nil {
			slog.Warn("[BLE] disconnect failed", "peripheral", p.ID, "error", err)
		}
	}

	if n := m.writes.clear(); n > 0 {
		slog.Warn("[BLE] dropping queued writes", "count", n)
	}
	m.setState(StateDisconnecting)
	token := newAttemptID()
	m.disconnectToken = token
	m.disconnectTimer = m.afterFunc(m.opts.DisconnectTimeout, func() {
		if m.state != StateDisconnecting || m.disconnectToken != token {
			return
		}
		slog.Warn("[BLE] forcing disconnect", "error", errDisconnectWait)
		m.teardown()
	})
}

// teardown clears all attempt- and connection-scoped state and lands in
// Disconnected. Queued writes are dropped without completion; pending
// reads fail with ErrDisconnected.
func (m *Manager) teardown() {
	if pc := m.pending; pc != nil {
		m.resolve(pc, ErrDisconnected)
		m.pending = nil
	}
	if m.disconnectTimer != nil {
		m.disconnectTimer.Stop()
		m.disconnectTimer = nil
	}
	m.disconnectToken = ""
	if n := m.writes.clear(); n > 0 {
		slog.Warn("[BLE] dropping queued writes", "count", n)
	}
	for key, q := range m.reads {
		for _, fn := range q {
			if fn != nil {
				m.dispatch.post(func() { fn(nil, ErrDisconnected) })
			}
		}
		delete(m.reads, key)
	}
	m.gate.reset()
	m.chars = nil
	m.telemetry = nil
	m.notifying = nil
	m.peripheral = nil
	m.setState(StateDisconnected)
}

func (m *Manager) handleEvent(ev Event) {
	switch ev.Kind {
	case EventStateChanged:
		m.onTransportState(ev.State, ev.Err)
	case EventPeripheralDiscovered:
		m.onDiscovered(ev)
	case EventConnected:
		m.onConnected(ev.Peripheral)
	case EventConnectFailed:
		m.onConnectFailed(ev)
	case EventDisconnected:
		m.onDisconnected(ev)
	case EventServicesDiscovered:
		m.onServicesDiscovered(ev)
	case EventCharacteristicsDiscovered:
		m.onCharacteristicsDiscovered(ev)
	case EventValueUpdated:
		m.onValueUpdated(ev)
	case EventWriteCompleted:
		if ev.Err != nil {
			slog.Warn("[BLE] write not acknowledged", "char", ev.Characteristic.UUID, "error", ev.Err)
		}
	case EventNotifyStateUpdated:
		if ev.Err != nil {
			slog.Debug("[BLE] notify state", "char", ev.Characteristic.UUID, "error", ev.Err)
			m.dropNotifying(ev.Characteristic)
			return
		}
		slog.Debug("[BLE] notify state", "char", ev.Characteristic.UUID, "notifying", ev.Notifying)
	default:
		slog.Debug("[BLE] unknown event", "kind", ev.Kind)
	}
}

func (m *Manager) onTransportState(s TransportState, cause error) {
	prev := m.transportState
	m.transportState = s
	m.available.Store(s == TransportPoweredOn)
	slog.Info("[BLE] transport state", "from", prev, "to", s)

	if s == TransportPoweredOn {
		if m.pendingScan {
			m.pendingScan = false
			m.startScan(m.scanFilter)
		}
		return
	}

	m.scanning = false
	err := wrapError(transportStateError(s), cause)
	switch m.state {
	case StateConnecting:
		m.failAttempt(err, false)
	case StateConnected:
		m.teardown()
		m.reportError(err)
	case StateDisconnecting:
		m.teardown()
	default:
		if prev == TransportPoweredOn {
			m.reportError(err)
		}
	}
}

func (m *Manager) onDiscovered(ev Event) {
	if !m.scanning {
		return
	}
	if fn := m.handlers.load().discovery; fn != nil {
		p, rssi := ev.Peripheral, ev.RSSI
		m.dispatch.post(func() { fn(p, rssi) })
	}
}

// attemptFor returns the pending attempt if ev refers to its peripheral.
func (m *Manager) attemptFor(p Peripheral) *pendingConnection {
	pc := m.pending
	if pc == nil || m.state != StateConnecting || pc.peripheral.ID != p.ID {
		return nil
	}
	return pc
}

func (m *Manager) onConnected(p Peripheral) {
	pc := m.attemptFor(p)
	if pc == nil {
		if m.peripheral == nil || m.peripheral.ID != p.ID {
			slog.Warn("[BLE] unexpected link, dropping", "peripheral", p.ID)
			if err := m.transport.CancelConnect(p); err != nil {
				slog.Debug("[BLE] drop stale link", "peripheral", p.ID, "error", err)
			}
		}
		return
	}
	if pc.linkUp {
		return
	}
	pc.linkUp = true
	pc.stopTimer()
	slog.Info("[BLE] link up, discovering services", "peripheral", p.ID, "attempt", pc.id)
	m.progress(0.5, "discovering services")
	if err := m.transport.DiscoverServices(pc.peripheral); err != nil {
		m.failAttempt(wrapError(ErrServiceDiscoveryFailed, err), true)
	}
}

func (m *Manager) onConnectFailed(ev Event) {
	pc := m.attemptFor(ev.Peripheral)
	if pc == nil || pc.linkUp {
		slog.Debug("[BLE] ignoring connect failure", "peripheral", ev.Peripheral.ID, "error", ev.Err)
		return
	}
	m.failAttempt(wrapError(ErrConnectFailed, ev.Err), false)
}

func (m *Manager) onDisconnected(ev Event) {
	if m.peripheral == nil || m.peripheral.ID != ev.Peripheral.ID {
		slog.Debug("[BLE] ignoring disconnect", "peripheral", ev.Peripheral.ID)
		return
	}
	switch m.state {
	case StateConnecting:
		m.failAttempt(wrapError(ErrDisconnected, ev.Err), false)
	case StateDisconnecting:
		slog.Info("[BLE] disconnected", "peripheral", ev.Peripheral.ID)
		m.teardown()
	case StateConnected:
		slog.Warn("[BLE] link lost", "peripheral", ev.Peripheral.ID, "error", ev.Err)
		m.teardown()
		m.reportError(wrapError(ErrDisconnected, ev.Err))
	}
}

func (m *Manager) onServicesDiscovered(ev Event) {
	pc := m.attemptFor(ev.Peripheral)
	if pc == nil || !pc.linkUp {
		return
	}
	if ev.Err != nil {
		m.failAttempt(wrapError(ErrServiceDiscoveryFailed, ev.Err), true)
		return
	}
	if len(ev.Services) == 0 {
		m.failAttempt(wrapError(ErrServiceDiscoveryFailed, errNoServices), true)
		return
	}
	if m.gate.total() > 0 {
		slog.Debug("[BLE] duplicate services event", "peripheral", ev.Peripheral.ID)
		return
	}
	m.gate.expect(ev.Services)
	slog.Debug("[BLE] services discovered", "peripheral", ev.Peripheral.ID, "count", m.gate.total())
	m.progress(0.75, "discovering characteristics")
	for _, svc := range ev.Services {
		if err := m.transport.DiscoverCharacteristics(pc.peripheral, svc); err != nil {
			m.failAttempt(wrapError(ErrServiceDiscoveryFailed, err), true)
			return
		}
	}
}

func (m *Manager) onCharacteristicsDiscovered(ev Event) {
	pc := m.attemptFor(ev.Peripheral)
	if pc == nil || !pc.linkUp {
		return
	}
	if ev.Err != nil {
		m.failAttempt(wrapError(ErrServiceDiscoveryFailed, ev.Err), true)
		return
	}
	if !m.gate.mark(ev.Service.key()) {
		slog.Debug("[BLE] ignoring characteristics", "service", ev.Service.UUID, "handle", ev.Service.Handle)
		return
	}
	for _, c := range ev.Characteristics {
		m.setupCharacteristic(pc.peripheral, c)
	}
	slog.Debug("[BLE] service ready", "service", ev.Service.UUID, "handle", ev.Service.Handle,
		"processed", m.gate.count(), "total", m.gate.total())
	if m.gate.tryClose() {
		m.finishConnect(pc)
	}
}

// setupCharacteristic reads the telemetry characteristic and subscribes to
// anything that notifies or indicates. Only the first telemetry instance is
// read and reported.
func (m *Manager) setupCharacteristic(p Peripheral, c Characteristic) {
	m.chars = append(m.chars, c)
	if m.telemetry == nil && m.opts.TelemetryUUID != "" && sameUUID(c.UUID, m.opts.TelemetryUUID) {
		tc := c
		m.telemetry = &tc
		if err := m.transport.ReadValue(p, c); err != nil {
			slog.Warn("[BLE] telemetry read failed", "char", c.UUID, "error", err)
		}
	}
	if c.Properties.Has(PropNotify) || c.Properties.Has(PropIndicate) {
		if err := m.transport.SetNotify(p, c, true); err != nil {
			slog.Warn("[BLE] enable notify failed", "char", c.UUID, "handle", c.Handle, "error", err)
			return
		}
		m.notifying = append(m.notifying, c)
	}
}

func (m *Manager) dropNotifying(c Characteristic) {
	key := c.key()
	for i, n := range m.notifying {
		if n.key() == key {
			m.notifying = append(m.notifying[:i], m.notifying[i+1:]...)
			return
		}
	}
}
