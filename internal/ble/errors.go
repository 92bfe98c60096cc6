package ble

import "errors"

var (
	ErrNoDeviceProvided        = errors.New("ble: no device provided")
	ErrAlreadyConnected        = errors.New("ble: a connection is already open or in flight")
	ErrNotConnected            = errors.New("ble: not connected")
	ErrNotReady                = errors.New("ble: characteristic not discovered")
	ErrNotWritable             = errors.New("ble: characteristic is not writable")
	ErrNotReadable             = errors.New("ble: characteristic is not readable")
	ErrStillConnected          = errors.New("ble: close before disconnect was confirmed")
	ErrCharacteristicNotFound  = errors.New("ble: LED characteristic not found")
	ErrNoConfigDescriptor      = errors.New("ble: characteristic has no client configuration descriptor")
	ErrCacheRefreshFailed      = errors.New("ble: attribute cache refresh failed")
	ErrCacheRefreshUnsupported = errors.New("ble: attribute cache refresh not supported by backend")
	ErrTransportFailure        = errors.New("ble: transport failure")
	ErrTimeout                 = errors.New("ble: timed out")
	ErrConnectionInFlight      = errors.New("ble: connection attempt in flight")
	ErrScanInProgress          = errors.New("ble: scan already running")
	ErrSessionShutdown         = errors.New("ble: session shut down")
)
