package model

import (
	"errors"
	"fmt"
)

// Device validation errors.
var (
	ErrMissingHost     = errors.New("device host is required")
	ErrMissingPort     = errors.New("device port is required")
	ErrMissingSerial   = errors.New("device serial is required")
	ErrMissingDeviceID = errors.New("charger device id is required")
	ErrUnknownType     = errors.New("unknown device type")
)

// DeviceType identifies which protocol dialect a device speaks.
type DeviceType uint8

const (
	// DeviceCharger is an EV charger (id/serial-scoped topics).
	DeviceCharger DeviceType = iota

	// DeviceStorage is an energy-storage unit (serial-scoped topics).
	DeviceStorage
)

// String returns the device type name.
func (t DeviceType) String() string {
	switch t {
	case DeviceCharger:
		return "CHARGER"
	case DeviceStorage:
		return "STORAGE"
	default:
		return "UNKNOWN"
	}
}

// Descriptor identifies a device and how to reach it.
// A Descriptor is immutable once a connection has been established;
// it is created by discovery or by manual configuration.
type Descriptor struct {
	// Type selects the protocol dialect.
	Type DeviceType

	// Host is the device address (IP or hostname).
	Host string

	// Port is the WebSocket port.
	Port int

	// DeviceID is the charger device identifier.
	// Empty for storage devices, which are addressed by serial only.
	DeviceID string

	// Serial is the device serial number.
	Serial string
}

// Key returns the identifier used to key per-device state.
// The serial is preferred; host:port is the fallback for manually
// configured devices whose serial is not yet known.
func (d Descriptor) Key() string {
	if d.Serial != "" {
		return d.Serial
	}
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// Addr returns the host:port dial address.
func (d Descriptor) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// Validate checks that the descriptor carries enough information to
// attempt a connection.
func (d Descriptor) Validate() error {
	if d.Host == "" {
		return ErrMissingHost
	}
	if d.Port <= 0 {
		return ErrMissingPort
	}
	switch d.Type {
	case DeviceCharger:
		if d.DeviceID == "" {
			return ErrMissingDeviceID
		}
		if d.Serial == "" {
			return ErrMissingSerial
		}
	case DeviceStorage:
		if d.Serial == "" {
			return ErrMissingSerial
		}
	default:
		return ErrUnknownType
	}
	return nil
}

// String returns a human-readable descriptor summary.
func (d Descriptor) String() string {
	if d.Type == DeviceCharger {
		return fmt.Sprintf("%s %s/%s at %s", d.Type, d.DeviceID, d.Serial, d.Addr())
	}
	return fmt.Sprintf("%s %s at %s", d.Type, d.Serial, d.Addr())
}
