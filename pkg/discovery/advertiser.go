package discovery

import (
	"fmt"
	"net"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

// ChargerInstance builds the mDNS instance name a charger advertises.
func ChargerInstance(deviceID, serial string) string {
	return chargerPrefix + deviceID + "_" + serial
}

// StorageInstance builds the mDNS instance name a storage unit
// advertises.
func StorageInstance(serial string) string {
	return storagePrefix + serial
}

// AdvertiserConfig configures an Advertiser.
type AdvertiserConfig struct {
	// Interface restricts advertising to one network interface.
	// Empty means all multicast-capable interfaces.
	Interface string
}

// Advertiser publishes a device's mDNS service record. Used by the
// device simulator; real devices advertise themselves.
type Advertiser struct {
	config AdvertiserConfig

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser creates an Advertiser.
func NewAdvertiser(config AdvertiserConfig) *Advertiser {
	return &Advertiser{config: config}
}

// Announce registers the instance on the local network. Calling
// Announce while a registration is active replaces it.
func (a *Advertiser) Announce(instance string, port int) error {
	ifaces, err := a.interfaces()
	if err != nil {
		return err
	}

	server, err := zeroconf.Register(instance, ServiceType, Domain, port, nil, ifaces)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDiscoveryUnavailable, err)
	}

	a.mu.Lock()
	if a.server != nil {
		a.server.Shutdown()
	}
	a.server = server
	a.mu.Unlock()
	return nil
}

// Shutdown withdraws the service record.
func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

func (a *Advertiser) interfaces() ([]net.Interface, error) {
	if a.config.Interface == "" {
		return nil, nil
	}
	iface, err := net.InterfaceByName(a.config.Interface)
	if err != nil {
		return nil, fmt.Errorf("%w: interface %q: %v", ErrDiscoveryUnavailable, a.config.Interface, err)
	}
	return []net.Interface{*iface}, nil
}
