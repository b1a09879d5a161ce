package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// tinygo does not expose characteristic properties portably, so every
// characteristic is reported with this set; SetNotify failures on
// characteristics that cannot notify come back as NotifyStateUpdated errors.
const assumedProperties = PropRead | PropWrite | PropWriteWithoutResponse | PropNotify

// scanResultBuffer bounds discoveries waiting for the manager. The scan
// callback never blocks; results beyond this are dropped.
const scanResultBuffer = 128

// TinyGoTransport drives tinygo.org/x/bluetooth. tinygo's blocking calls
// run on goroutines and their outcomes are reported as events.
//
// On macOS peripheral IDs are CoreBluetooth UUIDs, on linux MAC addresses.
type TinyGoTransport struct {
	adapter *bluetooth.Adapter

	mu        sync.Mutex
	handler   func(Event)
	addrs     map[string]bluetooth.Address // scan results by peripheral ID
	devices   map[string]bluetooth.Device  // established links
	cancelled map[string]bool              // connects abandoned while in flight
	services  map[string]bluetooth.DeviceService        // by Service.Handle
	chars     map[string]bluetooth.DeviceCharacteristic // by Characteristic.Handle
	scanning  bool
	results   chan Event

	// gatt runs service and characteristic discovery one request at a
	// time. CoreBluetooth completes discovery on a single per-device
	// channel, so overlapping requests would take each other's results.
	gatt *dispatcher
}

// NewTinyGoTransport wraps the default adapter.
func NewTinyGoTransport() *TinyGoTransport {
	t := &TinyGoTransport{
		adapter:   bluetooth.DefaultAdapter,
		addrs:     make(map[string]bluetooth.Address),
		devices:   make(map[string]bluetooth.Device),
		cancelled: make(map[string]bool),
		services:  make(map[string]bluetooth.DeviceService),
		chars:     make(map[string]bluetooth.DeviceCharacteristic),
		results:   make(chan Event, scanResultBuffer),
		gatt:      newDispatcher(),
	}
	go t.pumpResults()
	return t
}

// Compile-time check that TinyGoTransport implements Transport.
var _ Transport = (*TinyGoTransport)(nil)

func (t *TinyGoTransport) SetEventHandler(h func(Event)) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *TinyGoTransport) emit(ev Event) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (t *TinyGoTransport) pumpResults() {
	for ev := range t.results {
		t.emit(ev)
	}
}

// Capabilities reports that BlueZ needs discovery stopped before a connect.
func (t *TinyGoTransport) Capabilities() Capabilities {
	if runtime.GOOS == "linux" {
		return Capabilities{StopScanBeforeConnect: true, ScanSettleDelay: 100 * time.Millisecond}
	}
	return Capabilities{}
}

func (t *TinyGoTransport) Enable() error {
	if err := t.adapter.Enable(); err != nil {
		go t.emit(Event{Kind: EventStateChanged, State: TransportPoweredOff, Err: err})
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// tinygo reports link loss through the adapter-level connect handler
	// (connected=false).
	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		if t.forget(id) {
			t.emit(Event{Kind: EventDisconnected, Peripheral: Peripheral{ID: id}})
		}
	})

	go t.emit(Event{Kind: EventStateChanged, State: TransportPoweredOn})
	return nil
}

// forget drops the link for id and its GATT handles. It reports whether
// the link was known, so only one path emits the disconnect.
func (t *TinyGoTransport) forget(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.devices[id]
	delete(t.devices, id)
	if ok {
		clear(t.services)
		clear(t.chars)
	}
	return ok
}

func (t *TinyGoTransport) StartScan(serviceUUIDs []string) error {
	filter := make([]bluetooth.UUID, 0, len(serviceUUIDs))
	for _, s := range serviceUUIDs {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("ble: parse service UUID %q: %w", s, err)
		}
		filter = append(filter, u)
	}

	t.mu.Lock()
	if t.scanning {
		t.mu.Unlock()
		return errors.New("ble: scan already running")
	}
	t.scanning = true
	t.mu.Unlock()

	go func() {
		err := t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !matchesFilter(result, filter) {
				return
			}
			id := result.Address.String()
			t.mu.Lock()
			t.addrs[id] = result.Address
			t.mu.Unlock()

			ev := Event{
				Kind:       EventPeripheralDiscovered,
				Peripheral: Peripheral{ID: id, Name: result.LocalName()},
				RSSI:       int(result.RSSI),
			}
			select {
			case t.results <- ev:
			default:
				slog.Debug("[BLE] scan result dropped", "peripheral", id)
			}
		})
		t.mu.Lock()
		t.scanning = false
		t.mu.Unlock()
		if err != nil {
			slog.Warn("[BLE] scan ended", "error", err)
		}
	}()
	return nil
}

func matchesFilter(result bluetooth.ScanResult, filter []bluetooth.UUID) bool {
	if len(filter) == 0 {
		return true
	}
	for _, u := range filter {
		if result.HasServiceUUID(u) {
			return true
		}
	}
	return false
}

func (t *TinyGoTransport) StopScan() error {
	t.mu.Lock()
	scanning := t.scanning
	t.mu.Unlock()
	if !scanning {
		return nil
	}
	if err := t.adapter.StopScan(); err != nil {
		return fmt.Errorf("ble: stop scan: %w", err)
	}
	return nil
}

func (t *TinyGoTransport) Connect(p Peripheral) error {
	t.mu.Lock()
	addr, ok := t.addrs[p.ID]
	delete(t.cancelled, p.ID)
	t.mu.Unlock()
	if !ok {
		// Not seen in a scan; the ID was supplied directly (e.g. from config).
		addr.Set(p.ID)
	}

	// tinygo's Connect blocks with its own timeout and cannot be
	// interrupted; a cancelled attempt is dropped when it returns.
	go func() {
		device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})

		t.mu.Lock()
		cancelled := t.cancelled[p.ID]
		delete(t.cancelled, p.ID)
		if err == nil && !cancelled {
			t.devices[p.ID] = device
		}
		t.mu.Unlock()

		switch {
		case err != nil:
			if !cancelled {
				t.emit(Event{Kind: EventConnectFailed, Peripheral: p, Err: err})
			}
		case cancelled:
			if derr := device.Disconnect(); derr != nil {
				slog.Debug("[BLE] drop abandoned link", "peripheral", p.ID, "error", derr)
			}
		default:
			t.emit(Event{Kind: EventConnected, Peripheral: p})
		}
	}()
	return nil
}

func (t *TinyGoTransport) CancelConnect(p Peripheral) error {
	t.mu.Lock()
	device, ok := t.devices[p.ID]
	if !ok {
		t.cancelled[p.ID] = true
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if !t.forget(p.ID) {
		return nil
	}
	if err := device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", p.ID, err)
	}
	go t.emit(Event{Kind: EventDisconnected, Peripheral: p})
	return nil
}

func (t *TinyGoTransport) device(id string) (bluetooth.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[id]
	if !ok {
		return bluetooth.Device{}, fmt.Errorf("ble: %s: %w", id, ErrNotConnected)
	}
	return d, nil
}

func (t *TinyGoTransport) DiscoverServices(p Peripheral) error {
	device, err := t.device(p.ID)
	if err != nil {
		return err
	}
	t.gatt.post(func() {
		svcs, err := device.DiscoverServices(nil)
		if err != nil {
			t.emit(Event{Kind: EventServicesDiscovered, Peripheral: p, Err: err})
			return
		}
		out := make([]Service, 0, len(svcs))
		t.mu.Lock()
		// Handles restart at zero on every discovery.
		clear(t.services)
		clear(t.chars)
		for i, s := range svcs {
			svc := Service{UUID: s.UUID().String(), Handle: serviceHandle(i)}
			t.services[svc.Handle] = s
			out = append(out, svc)
		}
		t.mu.Unlock()
		t.emit(Event{Kind: EventServicesDiscovered, Peripheral: p, Services: out})
	})
	return nil
}

// DiscoverCharacteristics queues discovery for svc behind any request
// already running; events are emitted in request order.
func (t *TinyGoTransport) DiscoverCharacteristics(p Peripheral, svc Service) error {
	t.mu.Lock()
	s, ok := t.services[svc.Handle]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: service %s (%s) not discovered", svc.UUID, svc.Handle)
	}
	t.gatt.post(func() {
		chars, err := s.DiscoverCharacteristics(nil)
		if err != nil {
			t.emit(Event{Kind: EventCharacteristicsDiscovered, Peripheral: p, Service: svc, Err: err})
			return
		}
		out := make([]Characteristic, 0, len(chars))
		t.mu.Lock()
		for i, c := range chars {
			ch := Characteristic{
				ServiceUUID:   svc.UUID,
				ServiceHandle: svc.Handle,
				UUID:          c.UUID().String(),
				Handle:        characteristicHandle(svc.Handle, i),
				Properties:    assumedProperties,
			}
			t.chars[ch.Handle] = c
			out = append(out, ch)
		}
		t.mu.Unlock()
		t.emit(Event{Kind: EventCharacteristicsDiscovered, Peripheral: p, Service: svc, Characteristics: out})
	})
	return nil
}

// Handles follow discovery order, which is stable for one connection.
func serviceHandle(i int) string {
	return fmt.Sprintf("svc%d", i)
}

func characteristicHandle(service string, i int) string {
	return fmt.Sprintf("%s/chr%d", service, i)
}

func (t *TinyGoTransport) characteristic(c Characteristic) (bluetooth.DeviceCharacteristic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.chars[c.Handle]; ok {
		return ch, nil
	}
	if c.Handle == "" {
		// Caller-built handle: take the first instance of the UUID.
		for i := 0; i < len(t.services); i++ {
			for j := 0; ; j++ {
				ch, ok := t.chars[characteristicHandle(serviceHandle(i), j)]
				if !ok {
					break
				}
				if sameUUID(ch.UUID().String(), c.UUID) {
					return ch, nil
				}
			}
		}
	}
	return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: characteristic %s (%s) not discovered", c.UUID, c.Handle)
}

func (t *TinyGoTransport) ReadValue(p Peripheral, c Characteristic) error {
	ch, err := t.characteristic(c)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 512)
		n, err := ch.Read(buf)
		t.emit(Event{Kind: EventValueUpdated, Peripheral: p, Characteristic: c, Value: buf[:n], Err: err})
	}()
	return nil
}

func (t *TinyGoTransport) WriteValue(p Peripheral, c Characteristic, data []byte, mode WriteMode) error {
	ch, err := t.characteristic(c)
	if err != nil {
		return err
	}
	if mode == WriteWithoutResponse {
		_, err := ch.WriteWithoutResponse(data)
		return err
	}
	go func() {
		acked, err := writeAcknowledged(ch, data)
		if !acked {
			slog.Debug("[BLE] acknowledged write unavailable, sent as command", "char", c.UUID)
		}
		t.emit(Event{Kind: EventWriteCompleted, Peripheral: p, Characteristic: c, Err: err})
	}()
	return nil
}

func (t *TinyGoTransport) SetNotify(p Peripheral, c Characteristic, enabled bool) error {
	ch, err := t.characteristic(c)
	if err != nil {
		return err
	}
	if !enabled && !canDisableNotify(runtime.GOOS) {
		// The subscription ends with the link.
		go t.emit(Event{Kind: EventNotifyStateUpdated, Peripheral: p, Characteristic: c})
		return nil
	}
	go func() {
		var err error
		if enabled {
			err = ch.EnableNotifications(func(buf []byte) {
				value := append([]byte(nil), buf...)
				t.emit(Event{Kind: EventValueUpdated, Peripheral: p, Characteristic: c, Value: value})
			})
		} else {
			err = ch.EnableNotifications(nil)
		}
		t.emit(Event{Kind: EventNotifyStateUpdated, Peripheral: p, Characteristic: c, Notifying: enabled && err == nil, Err: err})
	}()
	return nil
}

// MTU returns the ATT MTU of the link, asked of any discovered
// characteristic since tinygo reports it per link.
func (t *TinyGoTransport) MTU(p Peripheral) (int, error) {
	if _, err := t.device(p.ID); err != nil {
		return 0, err
	}
	t.mu.Lock()
	var (
		ch    bluetooth.DeviceCharacteristic
		found bool
	)
	for _, c := range t.chars {
		ch, found = c, true
		break
	}
	t.mu.Unlock()
	if !found {
		return 0, errors.New("ble: no characteristic to query mtu")
	}
	mtu, err := ch.GetMTU()
	if err != nil {
		return 0, fmt.Errorf("ble: get mtu: %w", err)
	}
	return attMTU(runtime.GOOS, mtu), nil
}

// attMTU converts what tinygo's GetMTU reports into an ATT MTU. On darwin
// it is CoreBluetooth's maximumWriteValueLength, which already excludes
// the ATT header.
func attMTU(goos string, reported uint16) int {
	if goos == "darwin" {
		return int(reported) + attHeaderSize
	}
	return int(reported)
}

// canDisableNotify reports whether tinygo can unsubscribe on goos. darwin
// rejects EnableNotifications(nil).
func canDisableNotify(goos string) bool {
	return goos != "darwin"
}
