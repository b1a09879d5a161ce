package ble

import "log/slog"

// ReadData issues a read of c. onComplete receives the next value update
// for c; concurrent reads of the same characteristic complete in issue
// order. Reads still outstanding when the connection ends fail with
// ErrDisconnected.
func (m *Manager) ReadData(c Characteristic, onComplete func([]byte, error)) {
	if c.UUID == "" {
		completeRead(onComplete, nil, wrapError(ErrInvalidArgument, errNoTarget))
		return
	}
	if m.State() != StateConnected {
		completeRead(onComplete, nil, ErrNotConnected)
		return
	}
	if !m.post(func() { m.issueRead(c, onComplete) }) {
		completeRead(onComplete, nil, ErrClosed)
	}
}

func (m *Manager) issueRead(c Characteristic, onComplete func([]byte, error)) {
	if m.state != StateConnected || m.peripheral == nil {
		m.completeReadAsync(onComplete, nil, ErrNotConnected)
		return
	}
	if err := m.transport.ReadValue(*m.peripheral, c); err != nil {
		slog.Warn("[BLE] read failed", "char", c.UUID, "error", err)
		m.completeReadAsync(onComplete, nil, wrapError(ErrReadFailed, err))
		return
	}
	// nil completions keep their slot so later reads stay correlated.
	key := c.key()
	m.reads[key] = append(m.reads[key], onComplete)
}

func (m *Manager) onValueUpdated(ev Event) {
	if m.peripheral == nil || m.peripheral.ID != ev.Peripheral.ID {
		slog.Debug("[BLE] ignoring value", "peripheral", ev.Peripheral.ID, "char", ev.Characteristic.UUID)
		return
	}
	c := ev.Characteristic
	value := append([]byte(nil), ev.Value...)

	key := c.key()
	correlated := false
	if q := m.reads[key]; len(q) > 0 {
		fn := q[0]
		if len(q) == 1 {
			delete(m.reads, key)
		} else {
			m.reads[key] = q[1:]
		}
		correlated = true
		if ev.Err != nil {
			m.completeReadAsync(fn, nil, wrapError(ErrReadFailed, ev.Err))
		} else {
			m.completeReadAsync(fn, value, nil)
		}
	}

	if ev.Err != nil {
		if !correlated {
			m.reportError(wrapError(ErrReadFailed, ev.Err))
		}
		return
	}

	h := m.handlers.load()
	if m.telemetry != nil && key == m.telemetry.key() && len(value) > 0 && h.telemetry != nil {
		level := int(value[0])
		fn := h.telemetry
		m.dispatch.post(func() { fn(level) })
	}
	if h.value != nil {
		fn := h.value
		m.dispatch.post(func() { fn(c, value) })
	}
}

func (m *Manager) completeReadAsync(fn func([]byte, error), data []byte, err error) {
	if fn != nil {
		m.dispatch.post(func() { fn(data, err) })
	}
}

func completeRead(fn func([]byte, error), data []byte, err error) {
	if fn != nil {
		fn(data, err)
	}
}

func readKey(uuid string) string {
	if n, err := NormalizeUUID(uuid); err == nil {
		return n
	}
	return uuid
}
