package discovery

import (
	"errors"
	"strings"

	"github.com/PuuuTao/eway-go/pkg/model"
)

// Discovery errors.
var (
	// ErrDiscoveryUnavailable indicates the mDNS transport could not be
	// started (typically the multicast port is in use). Callers fall
	// back to manual device configuration.
	ErrDiscoveryUnavailable = errors.New("discovery unavailable")

	// ErrDeviceNotFound indicates no matching device answered within
	// the browse window.
	ErrDeviceNotFound = errors.New("device not found")
)

// mDNS service parameters. Eway devices advertise plain HTTP service
// records; the device identity lives in the instance name.
const (
	ServiceType = "_http._tcp"
	Domain      = "local"
)

// Instance name prefixes.
const (
	chargerPrefix = "EwayCS-TFT-"
	storagePrefix = "EwayEnergyStorage-"
)

// Service is a discovered Eway device.
type Service struct {
	// Instance is the raw mDNS instance name.
	Instance string

	// Descriptor identifies the device and where to connect.
	Descriptor model.Descriptor

	// Addresses holds all advertised addresses across interfaces.
	// Descriptor.Host is the preferred one.
	Addresses []string
}

// ParseInstance extracts the device identity from an mDNS instance
// name. It returns false for instance names that are not Eway devices.
func ParseInstance(instance string) (deviceType model.DeviceType, deviceID, serial string, ok bool) {
	switch {
	case strings.HasPrefix(instance, chargerPrefix):
		rest := strings.TrimPrefix(instance, chargerPrefix)
		// Charger instances are <deviceID>_<serial>. The split is at
		// the first underscore; the serial may contain more.
		idx := strings.Index(rest, "_")
		if idx <= 0 || idx == len(rest)-1 {
			return 0, "", "", false
		}
		return model.DeviceCharger, rest[:idx], rest[idx+1:], true

	case strings.HasPrefix(instance, storagePrefix):
		serial := strings.TrimPrefix(instance, storagePrefix)
		if serial == "" {
			return 0, "", "", false
		}
		return model.DeviceStorage, "", serial, true

	default:
		return 0, "", "", false
	}
}
