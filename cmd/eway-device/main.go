// Command eway-device is a simulated Eway device for development and
// testing. It serves the device WebSocket endpoint, answers queries in
// the matching dialect, and pushes periodic telemetry.
//
// Usage:
//
//	eway-device [flags]
//
// Flags:
//
//	-type string       Device type: charger, storage (default "charger")
//	-port int          Listen port (default 8887)
//	-serial string     Device serial number (auto-generated if empty)
//	-device-id string  Charger device id (default "0012")
//	-announce          Advertise the device via mDNS (default true)
//	-interval duration Telemetry push interval (default 5s)
//
// Examples:
//
//	# Simulate a charger on the default port
//	eway-device -type charger -serial EW220601
//
//	# Simulate a storage unit without mDNS
//	eway-device -type storage -serial ES991122 -announce=false
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PuuuTao/eway-go/pkg/discovery"
)

// Config holds the simulator configuration.
type Config struct {
	Type     string
	Port     int
	Serial   string
	DeviceID string
	Announce bool
	Interval time.Duration
}

var config Config

func init() {
	flag.StringVar(&config.Type, "type", "charger", "Device type: charger, storage")
	flag.IntVar(&config.Port, "port", 8887, "Listen port")
	flag.StringVar(&config.Serial, "serial", "", "Device serial number (auto-generated if empty)")
	flag.StringVar(&config.DeviceID, "device-id", "0012", "Charger device id")
	flag.BoolVar(&config.Announce, "announce", true, "Advertise the device via mDNS")
	flag.DurationVar(&config.Interval, "interval", 5*time.Second, "Telemetry push interval")
}

func main() {
	flag.Parse()
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	applyDefaults()

	var sim simulator
	var instance string
	switch config.Type {
	case "charger":
		sim = newChargerSim(config.DeviceID, config.Serial)
		instance = discovery.ChargerInstance(config.DeviceID, config.Serial)
	case "storage":
		sim = newStorageSim(config.Serial)
		instance = discovery.StorageInstance(config.Serial)
	default:
		log.Fatalf("Unknown device type: %s (use: charger, storage)", config.Type)
	}

	log.Println("Eway Device Simulator")
	log.Println("=====================")
	log.Printf("Type:   %s", config.Type)
	log.Printf("Serial: %s", config.Serial)
	log.Printf("Port:   %d", config.Port)

	if config.Announce {
		adv := discovery.NewAdvertiser(discovery.AdvertiserConfig{})
		if err := adv.Announce(instance, config.Port); err != nil {
			log.Printf("Warning: mDNS advertising failed: %v", err)
		} else {
			log.Printf("Advertising as %q", instance)
			defer adv.Shutdown()
		}
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("Upgrade failed: %v", err)
			return
		}
		log.Printf("Client connected: %s", ws.RemoteAddr())
		serveClient(ws, sim, config.Interval)
		log.Printf("Client disconnected: %s", ws.RemoteAddr())
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", config.Port)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()
	log.Printf("Listening on :%d", config.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.Printf("Received signal: %v", sig)
	log.Println("Shutting down...")
	_ = srv.Close()
}

func applyDefaults() {
	if config.Serial == "" {
		switch config.Type {
		case "storage":
			config.Serial = fmt.Sprintf("ES%06d", time.Now().Unix()%1000000)
		default:
			config.Serial = fmt.Sprintf("EW%06d", time.Now().Unix()%1000000)
		}
	}
}
