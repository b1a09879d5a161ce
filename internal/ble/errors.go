package ble

import (
	"errors"
	"fmt"
)

// Error kinds. Causes are joined onto a kind with wrapError, so errors.Is
// matches both the kind and the underlying cause.
var (
	ErrTransportUnsupported   = errors.New("ble: transport unsupported")
	ErrTransportUnauthorized  = errors.New("ble: transport unauthorized")
	ErrTransportPoweredOff    = errors.New("ble: transport powered off")
	ErrConnectInProgress      = errors.New("ble: connection already in progress")
	ErrConnectTimeout         = errors.New("ble: connect timed out")
	ErrConnectFailed          = errors.New("ble: connect failed")
	ErrServiceDiscoveryFailed = errors.New("ble: service discovery failed")
	ErrNotConnected           = errors.New("ble: not connected")
	ErrInvalidArgument        = errors.New("ble: invalid argument")
	ErrWriteSubmissionFailed  = errors.New("ble: write submission failed")
	ErrReadFailed             = errors.New("ble: read failed")
	ErrDisconnected           = errors.New("ble: disconnected")
	ErrClosed                 = errors.New("ble: manager closed")
)

var (
	errNoServices     = errors.New("peripheral reported no services")
	errUserCancelled  = errors.New("cancelled by caller")
	errEmptyPayload   = errors.New("empty payload")
	errNoTarget       = errors.New("characteristic has no uuid")
	errNoPeripheralID = errors.New("peripheral has no id")
	errDisconnectWait = errors.New("transport did not confirm disconnect")
)

// wrapError attaches cause to kind. A nil cause returns kind unchanged.
func wrapError(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// transportStateError maps a non-powered-on transport state to its error kind.
func transportStateError(s TransportState) error {
	switch s {
	case TransportUnsupported:
		return ErrTransportUnsupported
	case TransportUnauthorized:
		return ErrTransportUnauthorized
	default:
		return ErrTransportPoweredOff
	}
}
