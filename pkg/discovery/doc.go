// Package discovery finds Eway power devices on the local network via
// mDNS.
//
// Eway devices advertise a plain _http._tcp service whose instance
// name encodes the device identity:
//
//	EwayCS-TFT-<deviceID>_<serial>   wallbox charger
//	EwayEnergyStorage-<serial>       energy storage unit
//
// The browser filters the _http._tcp noise down to instances matching
// those shapes, aggregates addresses across interfaces and deduplicates
// repeated announcements, emitting one Service per physical device.
package discovery
