// Command eway-monitor connects to Eway chargers and storage units and
// exposes their state through an interactive console.
//
// Usage:
//
//	eway-monitor [flags]
//
// Flags:
//
//	-config string        Configuration file path (YAML)
//	-log-level string     Log level: debug, info, warn, error (default "info")
//	-protocol-log string  CBOR protocol log file (overrides config)
//	-interactive          Enable the interactive console (default true)
//
// Examples:
//
//	# Monitor the devices listed in a config file
//	eway-monitor -config /etc/eway/devices.yaml
//
//	# Record every protocol frame for later inspection
//	eway-monitor -config devices.yaml -protocol-log /tmp/eway.cbor
//
// Interactive Commands:
//
//	discover           - Browse the local network for devices
//	devices            - List connected devices
//	connect <serial>   - Connect a discovered or configured device
//	disconnect <serial> - Tear down a device session
//	status [serial]    - Show device state
//	watch <serial>     - Stream state updates (watch stop to end)
//	refresh <serial>   - Poll the device immediately
//	charge <serial> on|off - Switch charging
//	power <serial> <watts> - Set storage output power (0-800 W)
//	quit               - Exit
package main

import (
	"context"
	"flag"
	stdlog "log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/PuuuTao/eway-go/cmd/eway-monitor/interactive"
	"github.com/PuuuTao/eway-go/pkg/config"
	"github.com/PuuuTao/eway-go/pkg/coordinator"
	"github.com/PuuuTao/eway-go/pkg/discovery"
	"github.com/PuuuTao/eway-go/pkg/log"
)

var (
	configFile     string
	logLevel       string
	protocolLog    string
	runInteractive bool
)

func init() {
	flag.StringVar(&configFile, "config", "", "Configuration file path")
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&protocolLog, "protocol-log", "", "CBOR protocol log file (overrides config)")
	flag.BoolVar(&runInteractive, "interactive", true, "Enable the interactive console")
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		stdlog.Fatalf("Configuration error: %v", err)
	}

	slogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(logLevel),
	}))

	loggers := []log.Logger{log.NewSlogAdapter(slogger)}

	logPath := cfg.LogFile
	if protocolLog != "" {
		logPath = protocolLog
	}
	var fileLogger *log.FileLogger
	if logPath != "" {
		fileLogger, err = log.NewFileLogger(logPath)
		if err != nil {
			stdlog.Fatalf("Failed to open protocol log: %v", err)
		}
		defer fileLogger.Close()
		loggers = append(loggers, fileLogger)
		slogger.Info("protocol log enabled", "path", logPath)
	}
	protocol := log.NewMultiLogger(loggers...)

	coord := coordinator.New(coordinator.Config{
		RefreshInterval: cfg.ScanInterval.Std(),
		CommandTimeout:  cfg.CommandTimeout.Std(),
		ProductCode:     cfg.ProductCode,
		Logger:          protocol,
	})
	defer coord.Close()

	browser := discovery.NewBrowser(discovery.BrowserConfig{
		Interface: cfg.Discovery.Interface,
		Logger:    protocol,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect configured devices. A failed first attempt is not fatal:
	// the session keeps reconnecting in the background.
	descs, err := cfg.Descriptors()
	if err != nil {
		stdlog.Fatalf("Configuration error: %v", err)
	}
	for _, desc := range descs {
		if err := coord.Connect(ctx, desc); err != nil {
			slogger.Warn("initial connection failed", "device", desc.String(), "err", err)
		} else {
			slogger.Info("connected", "device", desc.String())
		}
	}

	if runInteractive {
		console, err := interactive.New(coord, browser, cfg)
		if err != nil {
			stdlog.Fatalf("Failed to start console: %v", err)
		}
		go console.Run(ctx, cancel)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slogger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}
}

func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return config.Default(), nil
	}
	return config.Load(configFile)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
