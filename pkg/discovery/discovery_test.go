package discovery

import (
	"net"
	"testing"

	"github.com/enbility/zeroconf/v3"

	"github.com/PuuuTao/eway-go/pkg/model"
)

func TestParseInstance(t *testing.T) {
	tests := []struct {
		name       string
		instance   string
		wantOK     bool
		wantType   model.DeviceType
		wantID     string
		wantSerial string
	}{
		{
			name:       "charger",
			instance:   "EwayCS-TFT-0012_EW2206012345",
			wantOK:     true,
			wantType:   model.DeviceCharger,
			wantID:     "0012",
			wantSerial: "EW2206012345",
		},
		{
			// Only the first underscore separates; the rest belongs
			// to the serial.
			name:       "charger with underscore in serial",
			instance:   "EwayCS-TFT-0012_EW_2206012345",
			wantOK:     true,
			wantType:   model.DeviceCharger,
			wantID:     "0012",
			wantSerial: "EW_2206012345",
		},
		{
			name:       "storage",
			instance:   "EwayEnergyStorage-ES9911223344",
			wantOK:     true,
			wantType:   model.DeviceStorage,
			wantSerial: "ES9911223344",
		},
		{
			name:     "charger missing serial",
			instance: "EwayCS-TFT-0012_",
			wantOK:   false,
		},
		{
			name:     "charger missing device id",
			instance: "EwayCS-TFT-_EW2206012345",
			wantOK:   false,
		},
		{
			name:     "charger missing separator",
			instance: "EwayCS-TFT-0012",
			wantOK:   false,
		},
		{
			name:     "storage missing serial",
			instance: "EwayEnergyStorage-",
			wantOK:   false,
		},
		{
			name:     "unrelated http service",
			instance: "Philips Hue Bridge",
			wantOK:   false,
		},
		{
			name:     "empty",
			instance: "",
			wantOK:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deviceType, deviceID, serial, ok := ParseInstance(tt.instance)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if deviceType != tt.wantType {
				t.Errorf("type = %v, want %v", deviceType, tt.wantType)
			}
			if deviceID != tt.wantID {
				t.Errorf("deviceID = %q, want %q", deviceID, tt.wantID)
			}
			if serial != tt.wantSerial {
				t.Errorf("serial = %q, want %q", serial, tt.wantSerial)
			}
		})
	}
}

func TestEntryToService(t *testing.T) {
	b := NewBrowser(BrowserConfig{})

	t.Run("charger entry", func(t *testing.T) {
		entry := &zeroconf.ServiceEntry{
			ServiceRecord: zeroconf.ServiceRecord{Instance: "EwayCS-TFT-0012_EW2206012345"},
			Port:          8887,
			AddrIPv4:      []net.IP{net.ParseIP("192.168.1.50")},
		}
		svc := b.entryToService(entry)
		if svc == nil {
			t.Fatal("expected service for charger entry")
		}
		if svc.Descriptor.Type != model.DeviceCharger {
			t.Errorf("type = %v, want charger", svc.Descriptor.Type)
		}
		if svc.Descriptor.Host != "192.168.1.50" {
			t.Errorf("host = %q", svc.Descriptor.Host)
		}
		if svc.Descriptor.Port != 8887 {
			t.Errorf("port = %d", svc.Descriptor.Port)
		}
		if svc.Descriptor.DeviceID != "0012" || svc.Descriptor.Serial != "EW2206012345" {
			t.Errorf("identity = %q/%q", svc.Descriptor.DeviceID, svc.Descriptor.Serial)
		}
	})

	t.Run("non-eway entry ignored", func(t *testing.T) {
		entry := &zeroconf.ServiceEntry{
			ServiceRecord: zeroconf.ServiceRecord{Instance: "OctoPrint"},
			Port:          80,
			AddrIPv4:      []net.IP{net.ParseIP("192.168.1.60")},
		}
		if svc := b.entryToService(entry); svc != nil {
			t.Errorf("expected nil for non-Eway instance, got %+v", svc)
		}
	})

	t.Run("entry without addresses ignored", func(t *testing.T) {
		entry := &zeroconf.ServiceEntry{
			ServiceRecord: zeroconf.ServiceRecord{Instance: "EwayEnergyStorage-ES1"},
			Port:          8887,
		}
		if svc := b.entryToService(entry); svc != nil {
			t.Errorf("expected nil for address-less entry, got %+v", svc)
		}
	})
}

func TestMergeAddresses(t *testing.T) {
	got := mergeAddresses(
		[]string{"192.168.1.50", "fe80::1"},
		[]string{"192.168.1.50", "10.0.0.5"},
	)
	want := []string{"192.168.1.50", "fe80::1", "10.0.0.5"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRemoveAddresses(t *testing.T) {
	entry := &zeroconf.ServiceEntry{
		AddrIPv4: []net.IP{net.ParseIP("192.168.1.50")},
	}
	got := removeAddresses([]string{"192.168.1.50", "10.0.0.5"}, entry)
	if len(got) != 1 || got[0] != "10.0.0.5" {
		t.Errorf("got %v, want [10.0.0.5]", got)
	}

	if rest := removeAddresses([]string{"192.168.1.50"}, entry); rest != nil {
		t.Errorf("expected nil after removing last address, got %v", rest)
	}
}

func TestInstanceNameRoundTrip(t *testing.T) {
	typ, deviceID, serial, ok := ParseInstance(ChargerInstance("0012", "EW220601"))
	if !ok || typ != model.DeviceCharger || deviceID != "0012" || serial != "EW220601" {
		t.Errorf("charger round trip = %v %q %q %v", typ, deviceID, serial, ok)
	}

	typ, deviceID, serial, ok = ParseInstance(StorageInstance("ES991122"))
	if !ok || typ != model.DeviceStorage || deviceID != "" || serial != "ES991122" {
		t.Errorf("storage round trip = %v %q %q %v", typ, deviceID, serial, ok)
	}
}
