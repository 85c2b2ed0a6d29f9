package ble

import "errors"

var (
	// ErrAlreadyConnecting is returned by Connect while an attempt is in flight.
	ErrAlreadyConnecting = errors.New("ble: connection attempt already in progress")
	// ErrNotReady is returned by writes before services are ready.
	ErrNotReady = errors.New("ble: not ready")
	// ErrNoWritableCharacteristic is returned by writes when the connected
	// peripheral exposes no writable characteristic.
	ErrNoWritableCharacteristic = errors.New("ble: no writable characteristic")
	// ErrInterrupted is returned when a transfer is cut short by a disconnect
	// or by cancellation of the caller's context.
	ErrInterrupted = errors.New("ble: transfer interrupted")
	// ErrTransferInProgress is returned when a transfer is requested while
	// another one is still running.
	ErrTransferInProgress = errors.New("ble: transfer already in progress")
	// ErrInvalidCode is returned for pairing codes that are not six digits.
	ErrInvalidCode = errors.New("ble: pairing code must be 6 digits")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("ble: session closed")
)
