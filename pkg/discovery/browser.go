package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/PuuuTao/eway-go/pkg/log"
	"github.com/PuuuTao/eway-go/pkg/model"
)

// BrowserConfig configures the mDNS browser.
type BrowserConfig struct {
	// Interface restricts browsing to one network interface.
	// Empty means all interfaces.
	Interface string

	// Logger receives discovery events. Optional.
	Logger log.Logger
}

// Browser finds Eway devices via mDNS.
type Browser struct {
	config BrowserConfig
	logger log.Logger

	mu      sync.Mutex
	lastErr error
}

// NewBrowser creates a new mDNS browser.
func NewBrowser(config BrowserConfig) *Browser {
	return &Browser{
		config: config,
		logger: log.OrNoop(config.Logger),
	}
}

// Err returns the error that terminated the most recent browse, if
// any. A bind failure reports as ErrDiscoveryUnavailable.
func (b *Browser) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

func (b *Browser) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastErr = err
}

// Browse searches for Eway devices until the context is cancelled.
//
// Services are aggregated by instance name: addresses from multiple
// interfaces are merged into a single entry, and repeat announcements
// for an already-emitted device (same host and serial) are suppressed.
// The returned channel is closed when browsing stops.
func (b *Browser) Browse(ctx context.Context) (<-chan *Service, error) {
	out := make(chan *Service)

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	b.setErr(nil)

	// zeroconf.Browse blocks until the context ends; its error (a bind
	// failure, typically) is recorded for Err and the Find helpers.
	browseErr := make(chan error, 1)
	go func() {
		browseErr <- zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, b.browserOptions()...)
	}()

	go func() {
		defer close(out)

		// One entry per instance; emitted keys dedup by host+serial.
		services := make(map[string]*Service)
		emitted := make(map[string]bool)

		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				svc := b.entryToService(entry)
				if svc == nil {
					continue
				}

				if existing, found := services[svc.Instance]; found {
					existing.Addresses = mergeAddresses(existing.Addresses, svc.Addresses)
					continue
				}
				services[svc.Instance] = svc

				dedupKey := svc.Descriptor.Host + "|" + svc.Descriptor.Serial
				if emitted[dedupKey] {
					continue
				}
				emitted[dedupKey] = true

				b.logFound(svc)
				select {
				case out <- svc:
				case <-ctx.Done():
					return
				}

			case entry, ok := <-removed:
				if !ok {
					continue
				}
				if existing, found := services[entry.Instance]; found {
					existing.Addresses = removeAddresses(existing.Addresses, entry)
					if len(existing.Addresses) == 0 {
						delete(services, entry.Instance)
					}
				}

			case err := <-browseErr:
				if err != nil && ctx.Err() == nil {
					b.setErr(fmt.Errorf("%w: %v", ErrDiscoveryUnavailable, err))
					b.logError(err)
				}
				return

			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Find browses until a device with the given serial appears or the
// context expires.
func (b *Browser) Find(ctx context.Context, serial string, timeout time.Duration) (*Service, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}

	for svc := range results {
		if svc.Descriptor.Serial == serial {
			return svc, nil
		}
	}
	if err := b.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: serial %s", ErrDeviceNotFound, serial)
}

// FindAll collects every device seen within the browse window.
func (b *Browser) FindAll(ctx context.Context, timeout time.Duration) ([]*Service, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}

	var all []*Service
	for svc := range results {
		all = append(all, svc)
	}
	if err := b.Err(); err != nil {
		return nil, err
	}
	return all, nil
}

func (b *Browser) browserOptions() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if b.config.Interface != "" {
		if iface, err := net.InterfaceByName(b.config.Interface); err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		}
	}
	return opts
}

// entryToService converts an mDNS entry, returning nil for instances
// that are not Eway devices or carry no usable address.
func (b *Browser) entryToService(entry *zeroconf.ServiceEntry) *Service {
	deviceType, deviceID, serial, ok := ParseInstance(entry.Instance)
	if !ok {
		return nil
	}

	addresses := collectAddresses(entry)
	if len(addresses) == 0 {
		return nil
	}

	return &Service{
		Instance: entry.Instance,
		Descriptor: model.Descriptor{
			Type:     deviceType,
			Host:     addresses[0],
			Port:     entry.Port,
			DeviceID: deviceID,
			Serial:   serial,
		},
		Addresses: addresses,
	}
}

// collectAddresses gathers entry addresses, IPv4 first.
func collectAddresses(entry *zeroconf.ServiceEntry) []string {
	var addresses []string
	for _, ip := range entry.AddrIPv4 {
		addresses = append(addresses, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addresses = append(addresses, ip.String())
	}
	return addresses
}

// mergeAddresses appends addresses not already present.
func mergeAddresses(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, a := range existing {
		seen[a] = true
	}
	for _, a := range incoming {
		if !seen[a] {
			existing = append(existing, a)
			seen[a] = true
		}
	}
	return existing
}

// removeAddresses drops the addresses advertised by a removed entry.
func removeAddresses(existing []string, entry *zeroconf.ServiceEntry) []string {
	drop := make(map[string]bool)
	for _, ip := range entry.AddrIPv4 {
		drop[ip.String()] = true
	}
	for _, ip := range entry.AddrIPv6 {
		drop[ip.String()] = true
	}

	var kept []string
	for _, a := range existing {
		if !drop[a] {
			kept = append(kept, a)
		}
	}
	return kept
}

func (b *Browser) logError(err error) {
	b.logger.Log(log.Event{
		Timestamp: time.Now(),
		Direction: log.DirectionNone,
		Layer:     log.LayerDiscovery,
		Category:  log.CategoryError,
		Error: &log.ErrorEventData{
			Message: err.Error(),
			Context: "browse",
		},
	})
}

func (b *Browser) logFound(svc *Service) {
	b.logger.Log(log.Event{
		Timestamp: time.Now(),
		Device:    svc.Descriptor.Key(),
		Direction: log.DirectionNone,
		Layer:     log.LayerDiscovery,
		Category:  log.CategoryMessage,
		Topic:     svc.Instance,
	})
}
