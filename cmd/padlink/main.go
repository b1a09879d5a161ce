package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/padlink/internal/ble"
	"github.com/chaz8081/padlink/internal/config"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/padlink/config.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	mgr := ble.NewManager(ble.NewTinyGoTransport(), managerOptions(cfg.BLE))
	app := newApp(cfg.BLE, mgr)

	if err := mgr.Enable(); err != nil {
		mgr.Close()
		log.Fatalf("Failed to enable Bluetooth: %v\n\nCheck that Bluetooth is on and this terminal has Bluetooth permission.", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	go readLines(os.Stdin, app.lines)

	app.seek()
	slog.Info("[BLE] ready, type a line to send it. Ctrl+C to quit.")

	for {
		select {
		case p := <-app.found:
			app.connect(p)

		case err := <-app.results:
			app.onResult(err)

		case err := <-app.errs:
			app.onError(err)

		case <-app.retry:
			app.seek()

		case line, ok := <-app.lines:
			if !ok {
				app.lines = nil
				continue
			}
			app.send(line)

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				mgr.EnterBackground()
				continue
			case syscall.SIGUSR2:
				mgr.EnterForeground()
				continue
			}
			slog.Info("[BLE] shutting down", "signal", sig)
			mgr.Close()
			fmt.Println("Goodbye!")
			return
		}
	}
}

// app wires the manager's callbacks to the main loop. Its fields are only
// touched from main; callbacks communicate through the channels.
type app struct {
	cfg config.BLEConfig
	mgr *ble.Manager

	found   chan ble.Peripheral
	results chan error
	errs    chan error
	retry   chan struct{}
	lines   chan string

	connecting bool
	attempt    int
	target     ble.Characteristic
}

func newApp(cfg config.BLEConfig, mgr *ble.Manager) *app {
	a := &app{
		cfg:     cfg,
		mgr:     mgr,
		found:   make(chan ble.Peripheral, 1),
		results: make(chan error, 1),
		errs:    make(chan error, 8),
		retry:   make(chan struct{}, 1),
		lines:   make(chan string, 16),
	}

	mgr.SetDiscoveryHandler(func(p ble.Peripheral, rssi int) {
		slog.Debug("[BLE] discovered", "id", p.ID, "name", p.Name, "rssi", rssi)
		if !a.matches(p) {
			return
		}
		select {
		case a.found <- p:
		default:
		}
	})
	mgr.SetTelemetryHandler(func(level int) {
		slog.Info("[BLE] battery", "percent", level)
	})
	mgr.SetValueHandler(func(c ble.Characteristic, value []byte) {
		slog.Debug("[BLE] value", "char", c.UUID, "value", fmt.Sprintf("%x", value))
	})
	mgr.SetErrorHandler(func(err error) {
		select {
		case a.errs <- err:
		default:
			slog.Warn("[BLE] error dropped", "error", err)
		}
	})
	return a
}

func (a *app) matches(p ble.Peripheral) bool {
	if a.cfg.DeviceAddress != "" {
		return strings.EqualFold(p.ID, a.cfg.DeviceAddress)
	}
	if a.cfg.DeviceName != "" {
		return p.Name == a.cfg.DeviceName
	}
	return false
}

// seek starts looking for the configured peripheral. Without one, it just
// scans and logs what it sees.
func (a *app) seek() {
	if a.connecting || a.mgr.State() != ble.StateDisconnected {
		return
	}
	if a.cfg.DeviceAddress == "" && a.cfg.DeviceName == "" {
		slog.Info("[BLE] no device configured, scanning only")
	}
	a.mgr.StartScanning(a.cfg.RequiredServiceUUID)
}

func (a *app) connect(p ble.Peripheral) {
	if a.connecting || a.mgr.State() != ble.StateDisconnected {
		return
	}
	a.connecting = true
	a.mgr.SetConnectionTimeout(a.cfg.ConnectTimeout)
	a.mgr.Connect(p,
		func(progress float64, status string) {
			slog.Info("[BLE] connect progress", "percent", int(progress*100), "status", status)
		},
		func(err error) { a.results <- err },
	)
}

func (a *app) onResult(err error) {
	a.connecting = false
	if err != nil {
		slog.Warn("[BLE] connect failed", "error", err)
		a.scheduleRetry()
		return
	}
	a.attempt = 0
	p, _ := a.mgr.ConnectedPeripheral()
	slog.Info("[BLE] connected", "id", p.ID, "name", p.Name, "packet_size", a.mgr.CurrentPacketSize())

	a.target = ble.Characteristic{}
	if a.cfg.WriteCharUUID == "" {
		return
	}
	c, ok := a.mgr.Characteristic(a.cfg.WriteCharUUID)
	if !ok {
		slog.Warn("[BLE] write characteristic not found", "uuid", a.cfg.WriteCharUUID)
		return
	}
	a.target = c
}

func (a *app) onError(err error) {
	slog.Warn("[BLE] error", "error", err)
	if errors.Is(err, ble.ErrDisconnected) || errors.Is(err, ble.ErrTransportPoweredOff) {
		a.target = ble.Characteristic{}
		a.scheduleRetry()
	}
}

// scheduleRetry waits BackoffDelay before seeking again. reconnect_max 0
// turns reconnection off.
func (a *app) scheduleRetry() {
	if a.cfg.ReconnectMax <= 0 {
		return
	}
	delay := ble.BackoffDelay(a.attempt, a.cfg.ReconnectMax)
	a.attempt++
	slog.Info("[BLE] reconnecting", "attempt", a.attempt, "delay", delay)
	time.AfterFunc(delay, func() {
		select {
		case a.retry <- struct{}{}:
		default:
		}
	})
}

func (a *app) send(line string) {
	if a.target.UUID == "" {
		slog.Warn("[BLE] not ready to send", "state", a.mgr.State())
		return
	}
	a.mgr.WriteChunked([]byte(line), a.target, func(err error) {
		if err != nil {
			slog.Warn("[BLE] send failed", "bytes", len(line), "error", err)
			return
		}
		slog.Debug("[BLE] sent", "bytes", len(line))
	})
}

// readLines forwards non-empty lines from f until EOF.
func readLines(f *os.File, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out <- line
		}
	}
}

func managerOptions(c config.BLEConfig) ble.Options {
	opts := ble.DefaultOptions()
	opts.ConnectTimeout = c.ConnectTimeout
	opts.DisconnectTimeout = c.DisconnectTimeout
	opts.WriteInterval = c.WriteInterval
	opts.DefaultPacketSize = c.DefaultPacketSize
	opts.EventBuffer = c.EventBuffer
	opts.TelemetryUUID = c.TelemetryCharUUID
	opts.RequiredServiceUUID = c.RequiredServiceUUID
	if c.WriteWithResponse {
		opts.WriteMode = ble.WriteWithResponse
	}
	return opts
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults (run with -init to write one)")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	device := cfg.BLE.DeviceAddress
	if device == "" {
		device = cfg.BLE.DeviceName
	}
	if device == "" {
		device = "(none, scan only)"
	}
	fmt.Println("=== padlink ===")
	fmt.Printf("  Device:   %s\n", device)
	fmt.Printf("  Service:  %s\n", cfg.BLE.RequiredServiceUUID)
	fmt.Printf("  Timeout:  %s connect, %s disconnect\n", cfg.BLE.ConnectTimeout, cfg.BLE.DisconnectTimeout)
	fmt.Printf("  Writes:   every %s\n", cfg.BLE.WriteInterval)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("===============")
}
