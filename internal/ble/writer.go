package ble

import (
	"log/slog"

	"github.com/chaz8081/padlink/internal/ble/protocol"
)

type writeRequest struct {
	data []byte
	char Characteristic
	done func(error)
}

// writeQueue is the FIFO of outbound writes. It is owned by the manager
// goroutine; writing is set while a drain cycle (including its pacing
// interval) is in flight.
type writeQueue struct {
	items   []writeRequest
	writing bool
	gen     uint64
}

func (q *writeQueue) push(r writeRequest) {
	q.items = append(q.items, r)
}

func (q *writeQueue) pop() (writeRequest, bool) {
	if len(q.items) == 0 {
		return writeRequest{}, false
	}
	r := q.items[0]
	q.items[0] = writeRequest{}
	q.items = q.items[1:]
	return r, true
}

// clear discards queued requests without completing them and invalidates
// any scheduled drain. It returns how many were dropped.
func (q *writeQueue) clear() int {
	n := len(q.items)
	q.items = nil
	q.writing = false
	q.gen++
	return n
}

func (q *writeQueue) size() int {
	return len(q.items)
}

func validateTarget(data []byte, c Characteristic) error {
	if len(data) == 0 {
		return wrapError(ErrInvalidArgument, errEmptyPayload)
	}
	if c.UUID == "" {
		return wrapError(ErrInvalidArgument, errNoTarget)
	}
	return nil
}

// WriteData queues data for c. Writes are submitted one at a time in
// call order, Options.WriteInterval apart. onComplete reports submission
// to the transport, not acknowledgement by the device. Argument errors and
// ErrNotConnected are reported before WriteData returns. Writes still
// queued when the connection ends are dropped without completion.
func (m *Manager) WriteData(data []byte, c Characteristic, onComplete func(error)) {
	if err := validateTarget(data, c); err != nil {
		complete(onComplete, err)
		return
	}
	if m.State() != StateConnected {
		complete(onComplete, ErrNotConnected)
		return
	}
	req := writeRequest{data: append([]byte(nil), data...), char: c, done: onComplete}
	if !m.post(func() { m.enqueueWrite(req) }) {
		complete(onComplete, ErrClosed)
	}
}

// WriteChunked splits data into CurrentPacketSize pieces and queues them
// in order. onComplete fires once, after the last piece, with the first
// error seen.
func (m *Manager) WriteChunked(data []byte, c Characteristic, onComplete func(error)) {
	if err := validateTarget(data, c); err != nil {
		complete(onComplete, err)
		return
	}
	if m.State() != StateConnected {
		complete(onComplete, ErrNotConnected)
		return
	}
	payload := append([]byte(nil), data...)
	if !m.post(func() { m.enqueueChunks(payload, c, onComplete) }) {
		complete(onComplete, ErrClosed)
	}
}

func (m *Manager) enqueueChunks(data []byte, c Characteristic, onComplete func(error)) {
	chunks := protocol.ChunkBytes(data, m.packetSize())
	remaining := len(chunks)
	var first error
	// Completions all run on the dispatcher goroutine.
	done := func(err error) {
		if err != nil && first == nil {
			first = err
		}
		remaining--
		if remaining == 0 && onComplete != nil {
			onComplete(first)
		}
	}
	slog.Debug("[BLE] chunked write", "char", c.UUID, "bytes", len(data), "chunks", len(chunks))
	for _, chunk := range chunks {
		m.enqueueWrite(writeRequest{data: chunk, char: c, done: done})
	}
}

func (m *Manager) enqueueWrite(req writeRequest) {
	if m.state != StateConnected {
		m.completeAsync(req.done, ErrNotConnected)
		return
	}
	m.writes.push(req)
	if !m.writes.writing {
		m.drainWrites()
	}
}

// drainWrites submits the head of the queue and schedules the next drain
// after the write interval. It only runs while Connected: enqueueWrite
// checks the state and stale ticks are discarded by generation.
func (m *Manager) drainWrites() {
	req, ok := m.writes.pop()
	if !ok {
		m.writes.writing = false
		return
	}
	m.writes.writing = true

	if err := m.transport.WriteValue(*m.peripheral, req.char, req.data, m.opts.WriteMode); err != nil {
		slog.Warn("[BLE] write submission failed", "char", req.char.UUID, "bytes", len(req.data), "error", err)
		m.completeAsync(req.done, wrapError(ErrWriteSubmissionFailed, err))
	} else {
		m.completeAsync(req.done, nil)
	}

	// Every path out of Connected clears the queue, which bumps gen, so a
	// tick that still matches runs on the same connection.
	gen := m.writes.gen
	m.afterFunc(m.opts.WriteInterval, func() {
		if m.writes.gen != gen {
			return
		}
		m.drainWrites()
	})
}

func (m *Manager) completeAsync(fn func(error), err error) {
	if fn != nil {
		m.dispatch.post(func() { fn(err) })
	}
}

func complete(fn func(error), err error) {
	if fn != nil {
		fn(err)
	}
}
