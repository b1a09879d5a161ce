// Package ble manages the connection lifecycle of a single BLE peripheral:
// scanning, a bounded-time connect handshake, service and characteristic
// enumeration, a paced outbound write queue, and ordered delivery of
// transport events to one observer.
package ble

import "time"

// Well-known SIG identifiers used by gamepad-class peripherals.
const (
	HIDServiceUUID     = "00001812-0000-1000-8000-00805f9b34fb"
	BatteryServiceUUID = "0000180f-0000-1000-8000-00805f9b34fb"
	BatteryLevelUUID   = "00002a19-0000-1000-8000-00805f9b34fb"
)

// TransportState is the power/authorization state reported by the radio stack.
type TransportState int

const (
	TransportUnknown TransportState = iota
	TransportUnsupported
	TransportUnauthorized
	TransportPoweredOff
	TransportPoweredOn
)

func (s TransportState) String() string {
	switch s {
	case TransportUnsupported:
		return "unsupported"
	case TransportUnauthorized:
		return "unauthorized"
	case TransportPoweredOff:
		return "powered_off"
	case TransportPoweredOn:
		return "powered_on"
	default:
		return "unknown"
	}
}

// Property is the GATT characteristic property bit set.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropWriteWithoutResponse
	PropNotify
	PropIndicate
)

// Has reports whether all bits in p are set.
func (pr Property) Has(p Property) bool {
	return pr&p == p
}

// WriteMode selects acknowledged or fire-and-forget writes.
type WriteMode int

const (
	WriteWithoutResponse WriteMode = iota
	WriteWithResponse
)

// Peripheral identifies a remote device. ID is the transport address
// (a MAC on linux, a CoreBluetooth UUID on macOS).
type Peripheral struct {
	ID   string
	Name string
}

// Service is a discovered GATT service. A peripheral may expose several
// instances of one UUID (composite HID pads do); Handle tells them apart.
// Transports set it, and it is unique per connection.
type Service struct {
	UUID   string
	Handle string
}

func (s Service) key() string {
	if s.Handle != "" {
		return s.Handle
	}
	return readKey(s.UUID)
}

// Characteristic is a read-only handle to a discovered GATT characteristic.
// Handle is unique per connection; ServiceHandle names the owning service
// instance.
type Characteristic struct {
	ServiceUUID   string
	ServiceHandle string
	UUID          string
	Handle        string
	Properties    Property
}

// key identifies the characteristic instance. Without a transport handle it
// falls back to service and characteristic UUID.
func (c Characteristic) key() string {
	if c.Handle != "" {
		return c.Handle
	}
	svc := c.ServiceHandle
	if svc == "" {
		svc = readKey(c.ServiceUUID)
	}
	return svc + "/" + readKey(c.UUID)
}

// Capabilities describes platform quirks the manager must honour.
type Capabilities struct {
	// StopScanBeforeConnect means the stack rejects a connect while
	// discovery is running; the connect is issued ScanSettleDelay after
	// the scan is stopped.
	StopScanBeforeConnect bool
	ScanSettleDelay       time.Duration
}

// EventKind classifies a transport event.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventPeripheralDiscovered
	EventConnected
	EventDisconnected
	EventConnectFailed
	EventServicesDiscovered
	EventCharacteristicsDiscovered
	EventValueUpdated
	EventWriteCompleted
	EventNotifyStateUpdated
)

var eventKindNames = [...]string{
	"state_changed",
	"peripheral_discovered",
	"connected",
	"disconnected",
	"connect_failed",
	"services_discovered",
	"characteristics_discovered",
	"value_updated",
	"write_completed",
	"notify_state_updated",
}

func (k EventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return "unknown"
}

// Event is a single transport callback. Only the fields relevant to Kind
// are populated.
type Event struct {
	Kind            EventKind
	State           TransportState
	Peripheral      Peripheral
	RSSI            int
	Services        []Service
	Service         Service
	Characteristics []Characteristic
	Characteristic  Characteristic
	Value           []byte
	Notifying       bool
	Err             error
}

// Transport is the radio stack as seen by the manager. Methods issue a
// request and return only immediate rejections; outcomes are reported as
// events through the handler installed with SetEventHandler, which may be
// called from any goroutine.
type Transport interface {
	SetEventHandler(handler func(Event))
	// Enable powers on the adapter and reports the result as EventStateChanged.
	Enable() error
	StartScan(serviceUUIDs []string) error
	StopScan() error
	Connect(p Peripheral) error
	// CancelConnect aborts a pending connect or drops an established link.
	CancelConnect(p Peripheral) error
	DiscoverServices(p Peripheral) error
	DiscoverCharacteristics(p Peripheral, svc Service) error
	ReadValue(p Peripheral, c Characteristic) error
	WriteValue(p Peripheral, c Characteristic, data []byte, mode WriteMode) error
	SetNotify(p Peripheral, c Characteristic, enabled bool) error
	// MTU returns the negotiated ATT MTU of the link.
	MTU(p Peripheral) (int, error)
	Capabilities() Capabilities
}
