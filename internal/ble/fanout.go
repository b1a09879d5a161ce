package ble

import "sync"

// dispatcher runs observer callbacks on one goroutine in the order they
// were posted. The queue is unbounded so the manager goroutine never
// blocks on a slow observer, and observers may call back into the manager.
type dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

// post queues fn. Calls after close are dropped.
func (d *dispatcher) post(fn func()) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// close stops accepting work; callbacks already queued still run.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-d.wake
	}
}

// handlerSet holds the observer slots. Each slot has at most one handler;
// setting replaces, nil clears.
type handlerSet struct {
	discovery func(Peripheral, int)
	telemetry func(int)
	value     func(Characteristic, []byte)
	err       func(error)
}

type handlers struct {
	mu  sync.Mutex
	set handlerSet
}

func (h *handlers) load() handlerSet {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.set
}

func (h *handlers) update(fn func(*handlerSet)) {
	h.mu.Lock()
	fn(&h.set)
	h.mu.Unlock()
}
