// Package interactive provides the interactive console for
// eway-monitor.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/PuuuTao/eway-go/pkg/config"
	"github.com/PuuuTao/eway-go/pkg/coordinator"
	"github.com/PuuuTao/eway-go/pkg/discovery"
	"github.com/PuuuTao/eway-go/pkg/model"
)

// Console handles interactive mode for eway-monitor.
type Console struct {
	coord   *coordinator.Coordinator
	browser *discovery.Browser
	cfg     *config.Config
	rl      *readline.Instance

	// Last discovery results, for connect-by-serial.
	found []*discovery.Service

	// Watch control
	watchMu     sync.Mutex
	watchCancel func()
	watchSerial string
}

// New creates a new console.
func New(coord *coordinator.Coordinator, browser *discovery.Browser, cfg *config.Config) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "eway> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	return &Console{
		coord:   coord,
		browser: browser,
		cfg:     cfg,
		rl:      rl,
	}, nil
}

// Stdout returns a writer that coordinates with the readline prompt.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Run starts the interactive command loop.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()
	defer c.stopWatch()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			c.printHelp()

		case "discover":
			c.cmdDiscover(ctx)

		case "devices", "list", "ls":
			c.cmdDevices()

		case "connect":
			c.cmdConnect(ctx, args)

		case "disconnect":
			c.cmdDisconnect(args)

		case "status", "s":
			c.cmdStatus(args)

		case "watch", "w":
			c.cmdWatch(ctx, args)

		case "refresh":
			c.cmdRefresh(ctx, args)

		case "charge":
			c.cmdCharge(ctx, args)

		case "power":
			c.cmdPower(ctx, args)

		case "quit", "exit", "q":
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return

		default:
			fmt.Fprintf(c.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.rl.Stdout(), `
Eway Monitor Commands:
  Discovery & Connection:
    discover               - Browse the local network for devices
    devices                - List connected devices
    connect <serial>       - Connect a discovered or configured device
    disconnect <serial>    - Tear down a device session

  State:
    status [serial]        - Show device state (all devices if omitted)
    watch <serial>         - Stream state updates
    watch stop             - Stop streaming
    refresh <serial>       - Poll the device immediately

  Control:
    charge <serial> on|off - Switch charging on a charger
    power <serial> <watts> - Set storage output power (0-800 W)

  General:
    help                   - Show this help
    quit                   - Exit`)
}

// cmdDiscover handles the discover command.
func (c *Console) cmdDiscover(ctx context.Context) {
	timeout := c.cfg.Discovery.Timeout.Std()
	if timeout <= 0 {
		timeout = config.DefaultDiscoveryTimeout
	}
	fmt.Fprintf(c.rl.Stdout(), "Browsing for devices (%s)...\n", timeout)

	services, err := c.browser.FindAll(ctx, timeout)
	if err != nil {
		if errors.Is(err, discovery.ErrDiscoveryUnavailable) {
			fmt.Fprintln(c.rl.Stdout(), "Discovery is unavailable on this network.")
			fmt.Fprintln(c.rl.Stdout(), "Configure devices manually and use 'connect <serial>'.")
			return
		}
		fmt.Fprintf(c.rl.Stdout(), "Discovery error: %v\n", err)
		return
	}
	if len(services) == 0 {
		fmt.Fprintln(c.rl.Stdout(), "No devices found")
		return
	}
	c.found = services

	fmt.Fprintf(c.rl.Stdout(), "Found %d device(s):\n", len(services))
	for idx, svc := range services {
		fmt.Fprintf(c.rl.Stdout(), "  %d. %s (%s)\n", idx+1, svc.Descriptor.String(), svc.Instance)
	}
}

// cmdDevices handles the devices command.
func (c *Console) cmdDevices() {
	devices := c.coord.Devices()
	if len(devices) == 0 {
		fmt.Fprintln(c.rl.Stdout(), "No devices connected")
		return
	}

	fmt.Fprintf(c.rl.Stdout(), "\nConnected Devices (%d):\n", len(devices))
	fmt.Fprintln(c.rl.Stdout(), "-------------------------------------------")
	for _, desc := range devices {
		state, err := c.coord.State(desc)
		status := "UNKNOWN"
		updated := ""
		if err == nil {
			status = state.ConnectionStatus.String()
			if !state.LastUpdated.IsZero() {
				updated = state.LastUpdated.Format("15:04:05")
			}
		}
		fmt.Fprintf(c.rl.Stdout(), "  Serial: %s\n", desc.Serial)
		fmt.Fprintf(c.rl.Stdout(), "      Type: %s\n", desc.Type)
		fmt.Fprintf(c.rl.Stdout(), "      Host: %s\n", desc.Addr())
		fmt.Fprintf(c.rl.Stdout(), "      Status: %s\n", status)
		if updated != "" {
			fmt.Fprintf(c.rl.Stdout(), "      Last update: %s\n", updated)
		}
		fmt.Fprintln(c.rl.Stdout())
	}
}

// cmdConnect handles the connect command.
func (c *Console) cmdConnect(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: connect <serial>")
		fmt.Fprintln(c.rl.Stdout(), "  Run 'discover' first, or list the device in the config file")
		return
	}

	desc, ok := c.lookupDescriptor(args[0])
	if !ok {
		fmt.Fprintf(c.rl.Stdout(), "Device not found: %s (try 'discover')\n", args[0])
		return
	}

	fmt.Fprintf(c.rl.Stdout(), "Connecting to %s...\n", desc.String())
	if err := c.coord.Connect(ctx, desc); err != nil {
		if errors.Is(err, coordinator.ErrDeviceExists) {
			fmt.Fprintln(c.rl.Stdout(), "Already connected")
			return
		}
		// Session keeps reconnecting in the background.
		fmt.Fprintf(c.rl.Stdout(), "Initial attempt failed (%v); reconnecting in background\n", err)
		return
	}
	fmt.Fprintln(c.rl.Stdout(), "Connected")
}

// cmdDisconnect handles the disconnect command.
func (c *Console) cmdDisconnect(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: disconnect <serial>")
		return
	}

	desc, ok := c.resolveConnected(args[0])
	if !ok {
		fmt.Fprintf(c.rl.Stdout(), "Device not connected: %s\n", args[0])
		return
	}

	c.stopWatchFor(desc.Serial)
	if err := c.coord.Disconnect(desc); err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Disconnect failed: %v\n", err)
		return
	}
	fmt.Fprintln(c.rl.Stdout(), "Disconnected")
}

// cmdStatus handles the status command.
func (c *Console) cmdStatus(args []string) {
	if len(args) >= 1 {
		desc, ok := c.resolveConnected(args[0])
		if !ok {
			fmt.Fprintf(c.rl.Stdout(), "Device not connected: %s\n", args[0])
			return
		}
		c.printState(desc)
		return
	}

	devices := c.coord.Devices()
	if len(devices) == 0 {
		fmt.Fprintln(c.rl.Stdout(), "No devices connected")
		return
	}
	for _, desc := range devices {
		c.printState(desc)
	}
}

func (c *Console) printState(desc model.Descriptor) {
	state, err := c.coord.State(desc)
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "State unavailable: %v\n", err)
		return
	}

	fmt.Fprintf(c.rl.Stdout(), "\n%s [%s]\n", desc.String(), state.ConnectionStatus)
	fmt.Fprintln(c.rl.Stdout(), "-------------------------------------------")

	keys := make([]string, 0, len(state.Values))
	for k := range state.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(c.rl.Stdout(), "  %-24s %v\n", k, state.Values[k].Any())
	}

	if state.LastCommand.ID != "" {
		lc := state.LastCommand
		outcome := lc.Result
		if lc.Err != "" {
			outcome = "error: " + lc.Err
		}
		fmt.Fprintf(c.rl.Stdout(), "  last command: %s -> %s (%s)\n",
			lc.ID, outcome, lc.Timestamp.Format("15:04:05"))
	}
	fmt.Fprintln(c.rl.Stdout())
}

// cmdWatch handles the watch command.
func (c *Console) cmdWatch(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: watch <serial> | watch stop")
		return
	}

	if args[0] == "stop" {
		if !c.stopWatch() {
			fmt.Fprintln(c.rl.Stdout(), "Not watching")
			return
		}
		fmt.Fprintln(c.rl.Stdout(), "Watch stopped")
		return
	}

	desc, ok := c.resolveConnected(args[0])
	if !ok {
		fmt.Fprintf(c.rl.Stdout(), "Device not connected: %s\n", args[0])
		return
	}

	sub, err := c.coord.Subscribe(desc)
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Subscribe failed: %v\n", err)
		return
	}

	c.stopWatch()

	watchCtx, cancel := context.WithCancel(ctx)
	c.watchMu.Lock()
	c.watchCancel = cancel
	c.watchSerial = desc.Serial
	c.watchMu.Unlock()

	fmt.Fprintf(c.rl.Stdout(), "Watching %s ('watch stop' to end)\n", desc.Serial)

	go func() {
		defer sub.Cancel()
		for {
			select {
			case <-watchCtx.Done():
				return
			case state, ok := <-sub.Updates():
				if !ok {
					fmt.Fprintf(c.rl.Stdout(), "\n[%s] %s: session closed\n",
						time.Now().Format("15:04:05"), desc.Serial)
					c.rl.Refresh()
					return
				}
				c.printUpdate(state)
			}
		}
	}()
}

// printUpdate prints a one-line summary of a state update.
func (c *Console) printUpdate(state *model.State) {
	var fields []string
	for _, key := range watchKeys {
		if v, ok := state.Values[key]; ok {
			fields = append(fields, fmt.Sprintf("%s=%v", key, v.Any()))
		}
	}
	summary := strings.Join(fields, " ")
	if summary == "" {
		summary = state.ConnectionStatus.String()
	}

	fmt.Fprintf(c.rl.Stdout(), "\n[%s] %s: %s\n",
		state.LastUpdated.Format("15:04:05"), state.Descriptor.Serial, summary)
	c.rl.Refresh()
}

// watchKeys are the fields summarized on each watch line.
var watchKeys = []string{
	"power",
	"voltage",
	"current",
	"session_energy",
	"charging_status",
	"output_power",
	"pv_power",
	"battery_power",
	"battery_soc",
	"storage_constant_power",
}

// stopWatch cancels the active watch, if any.
func (c *Console) stopWatch() bool {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if c.watchCancel == nil {
		return false
	}
	c.watchCancel()
	c.watchCancel = nil
	c.watchSerial = ""
	return true
}

// stopWatchFor cancels the watch only if it targets the given serial.
func (c *Console) stopWatchFor(serial string) {
	c.watchMu.Lock()
	match := c.watchSerial == serial
	c.watchMu.Unlock()
	if match {
		c.stopWatch()
	}
}

// cmdRefresh handles the refresh command.
func (c *Console) cmdRefresh(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: refresh <serial>")
		return
	}

	desc, ok := c.resolveConnected(args[0])
	if !ok {
		fmt.Fprintf(c.rl.Stdout(), "Device not connected: %s\n", args[0])
		return
	}

	if err := c.coord.Refresh(ctx, desc); err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Refresh failed: %v\n", err)
		return
	}
	fmt.Fprintln(c.rl.Stdout(), "Queries sent; responses arrive asynchronously")
}

// cmdCharge handles the charge command.
func (c *Console) cmdCharge(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: charge <serial> on|off")
		return
	}

	desc, ok := c.resolveConnected(args[0])
	if !ok {
		fmt.Fprintf(c.rl.Stdout(), "Device not connected: %s\n", args[0])
		return
	}

	var on bool
	switch strings.ToLower(args[1]) {
	case "on":
		on = true
	case "off":
		on = false
	default:
		fmt.Fprintln(c.rl.Stdout(), "Usage: charge <serial> on|off")
		return
	}

	fmt.Fprintf(c.rl.Stdout(), "Switching charging %s on %s...\n", args[1], desc.Serial)
	if err := c.coord.SetChargingState(ctx, desc, on); err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Command failed: %v\n", err)
		return
	}
	fmt.Fprintln(c.rl.Stdout(), "OK")
}

// cmdPower handles the power command.
func (c *Console) cmdPower(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: power <serial> <watts>")
		return
	}

	desc, ok := c.resolveConnected(args[0])
	if !ok {
		fmt.Fprintf(c.rl.Stdout(), "Device not connected: %s\n", args[0])
		return
	}

	watts, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Invalid wattage: %v\n", err)
		return
	}

	fmt.Fprintf(c.rl.Stdout(), "Setting output power to %d W on %s...\n", watts, desc.Serial)
	if err := c.coord.SetStoragePower(ctx, desc, watts); err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Command failed: %v\n", err)
		return
	}
	fmt.Fprintln(c.rl.Stdout(), "OK")
}

// resolveConnected resolves a partial serial against connected devices.
func (c *Console) resolveConnected(partial string) (model.Descriptor, bool) {
	for _, desc := range c.coord.Devices() {
		if desc.Serial == partial {
			return desc, true
		}
	}
	for _, desc := range c.coord.Devices() {
		if strings.Contains(desc.Serial, partial) {
			return desc, true
		}
	}
	return model.Descriptor{}, false
}

// lookupDescriptor resolves a serial against discovery results first,
// then the configured device list.
func (c *Console) lookupDescriptor(serial string) (model.Descriptor, bool) {
	for _, svc := range c.found {
		if svc.Descriptor.Serial == serial || strings.Contains(svc.Descriptor.Serial, serial) {
			return svc.Descriptor, true
		}
	}
	descs, err := c.cfg.Descriptors()
	if err != nil {
		return model.Descriptor{}, false
	}
	for _, desc := range descs {
		if desc.Serial == serial || strings.Contains(desc.Serial, serial) {
			return desc, true
		}
	}
	return model.Descriptor{}, false
}
