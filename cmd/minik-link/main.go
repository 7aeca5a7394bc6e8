package main

import (
	"context"
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

	"github.com/chaz8081/minik-link/internal/ble"
	"github.com/chaz8081/minik-link/internal/config"
	"github.com/chaz8081/minik-link/internal/console"
	"github.com/chaz8081/minik-link/internal/device"
	"github.com/chaz8081/minik-link/internal/exchange"
	"github.com/chaz8081/minik-link/internal/hardware"
	"github.com/chaz8081/minik-link/internal/heartbeat"
	"github.com/chaz8081/minik-link/internal/hotkey"
	"github.com/chaz8081/minik-link/internal/pairing"
	"github.com/chaz8081/minik-link/internal/registry"
	"github.com/chaz8081/minik-link/internal/wifi"
)

// Simulated phone used when the real network is disabled.
var simPhone = ble.Device{Name: "Simulated Phone", MAC: "02:00:00:00:00:01"}

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/minik-link/config.yaml)")
	initConfig := flag.Bool("init-config", false, "write the default config file and exit")
	qrPNG := flag.String("qr-png", "", "also write the pairing QR code to this PNG (overrides controls.qr_png)")
	simSSID := flag.String("sim-ssid", "MiniK Test Hotspot", "SSID the simulated phone sends when pairing")
	simPassword := flag.String("sim-password", "simulated", "password the simulated phone sends when pairing")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
		} else {
			log.Printf("Default config written to %s", path)
		}
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *qrPNG != "" {
		cfg.Controls.QRPNG = *qrPNG
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	printBanner(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Check radios
	hw := hardware.New(hardware.Options{
		Mode:          cfg.Hardware,
		BLEAdapter:    cfg.BLE.Adapter,
		WiFiInterface: cfg.WiFi.Interface,
		Logger:        logger,
	})
	if _, err := hw.Initialize(ctx); err != nil {
		// Pairing still starts; a dead radio surfaces as an error screen.
		log.Printf("WARNING: %v", err)
	}

	// Open the device registry
	reg, err := registry.Open(cfg.RegistryPath, registry.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to open registry: %v", err)
	}
	log.Printf("Registry ready (%s, %d known phones, id %s)", reg.Path(), reg.Len(), reg.DeviceID())

	// BLE peripheral and WiFi
	var (
		adapter ble.Adapter
		sim     *ble.SimulatedAdapter
		network pairing.Network
	)
	if cfg.Hardware.UseRealNetwork {
		adapter = ble.NewBlueZAdapter(cfg.BLE.Adapter)
		network = wifi.NewManager(wifi.Options{
			Interface:      cfg.WiFi.Interface,
			ConnectDelay:   cfg.WiFi.ConnectDelay,
			VerifyAttempts: cfg.WiFi.VerifyAttempts,
			VerifyInterval: cfg.WiFi.VerifyInterval,
			CommandTimeout: cfg.WiFi.CommandTimeout,
		}, wifi.ExecRunner{}, logger)
	} else {
		sim = ble.NewSimulatedAdapter(simPhone)
		sim.SetNearby(simPhone)
		adapter = sim
		network = wifi.NewSimulated(logger)
	}
	peripheral := ble.NewServer(adapter, reg.DeviceID(), ble.ServerOptions{
		NamePrefix: cfg.BLE.NamePrefix,
		IPGrace:    cfg.BLE.IPGrace,
	}, logger)
	log.Printf("BLE peripheral ready (%s, %s)", peripheral.LocalName(), networkVariant(cfg))

	// Data exchange endpoint; /status reports the orchestrator.
	var orch *pairing.Orchestrator
	endpoint := exchange.NewServer(exchange.Options{
		Port:     cfg.Exchange.Port,
		DeviceID: reg.DeviceID(),
		MDNS:     cfg.Exchange.MDNS,
		Logger:   logger,
	}, func() any { return orch.Status() })

	liveness := func(address string, onOnline func(), onOffline func(error)) pairing.Liveness {
		return heartbeat.New(heartbeat.Config{
			Address:     address,
			Port:        cfg.Heartbeat.Port,
			Interval:    cfg.Heartbeat.Interval,
			Timeout:     cfg.Heartbeat.Timeout,
			MaxFailures: cfg.Heartbeat.MaxFailures,
			OnOnline:    onOnline,
			OnOffline:   onOffline,
			Logger:      logger,
		})
	}

	payload := device.PairingURL(cfg.Pairing.QRScheme, reg.DeviceID(), peripheral.LocalName(), ble.ServiceUUID)
	presenter := console.NewPresenter(os.Stdout, payload, cfg.Controls.QRPNG, logger)

	opts := pairing.Options{
		DeviceID:         reg.DeviceID(),
		RetryLimit:       cfg.Pairing.RetryLimit,
		RetryInterval:    cfg.Pairing.RetryInterval,
		ScanTimeout:      cfg.BLE.ScanTimeout,
		AdvertiseTimeout: cfg.BLE.AdvertiseTimeout,
		LinkCheck:        cfg.WiFi.LinkCheck,
		AllowReset:       cfg.Pairing.AllowReset,
		Logger:           logger,
	}
	if sim != nil {
		opts.OnTransition = func(_, to pairing.State) {
			if to == pairing.AwaitingCredentials {
				go playPhone(ctx, sim, *simSSID, *simPassword)
			}
		}
	}

	orch, err = pairing.New(pairing.Deps{
		Peripheral: peripheral,
		Network:    network,
		Endpoint:   endpoint,
		Registry:   reg,
		Liveness:   liveness,
		Presenter:  presenter,
	}, opts)
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	// Operator input
	var consoleActions <-chan pairing.Action
	if cfg.Controls.Console {
		input := console.NewInput(os.Stdin, os.Stdout)
		consoleActions = input.Actions()
		go input.Start()
		log.Println("Console ready (h for help)")
	}

	var hotkeyEvents <-chan hotkey.Event
	if cfg.Controls.Hotkeys {
		listener, err := newHotkeyListener(cfg.Controls.Bindings)
		if err != nil {
			log.Fatalf("hotkeys: %v", err)
		}
		hotkeyEvents = listener.Events()
		go listener.Start()
		log.Println("Hotkey listener ready")
	}

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runDone := make(chan error, 1)
	go func() { runDone <- orch.Run(ctx) }()

	log.Println("Ready! Ctrl+C to quit.")

	// Main event loop
	for {
		select {
		case a, ok := <-consoleActions:
			if !ok {
				// stdin closed; keep running on hotkeys and signals
				consoleActions = nil
				continue
			}
			orch.Do(a)

		case ev, ok := <-hotkeyEvents:
			if !ok {
				log.Println("Hotkey listener stopped")
				hotkeyEvents = nil
				continue
			}
			a, err := pairing.ParseAction(ev.Action)
			if err != nil {
				log.Printf("ERROR: hotkey: %v", err)
				continue
			}
			orch.Do(a)

		case err := <-runDone:
			log.Printf("ERROR: orchestrator stopped: %v", err)
			shutdown(endpoint)
			os.Exit(1)

		case sig := <-sigCh:
			log.Printf("Received %s, shutting down...", sig)
			cancel()
			select {
			case <-runDone:
			case <-time.After(10 * time.Second):
				log.Println("Orchestrator did not stop in time")
			}
			shutdown(endpoint)
			log.Println("Goodbye!")
			// Exit directly to avoid gohook's C cleanup crash.
			os.Exit(0)
		}
	}
}

func newHotkeyListener(configured map[string]string) (*hotkey.Listener, error) {
	m := configured
	if len(m) == 0 {
		m = hotkey.DefaultBindings()
	}
	bindings, err := hotkey.ParseBindings(m)
	if err != nil {
		return nil, err
	}
	for _, b := range bindings {
		if _, err := pairing.ParseAction(b.Action); err != nil {
			return nil, err
		}
	}
	return hotkey.NewListener(bindings), nil
}

// playPhone writes credentials on behalf of the simulated phone.
func playPhone(ctx context.Context, sim *ble.SimulatedAdapter, ssid, password string) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
	}
	log.Printf("Simulated phone sending credentials for %q", ssid)
	sim.SimulateWrite(ble.SSIDCharUUID, []byte(ssid))
	sim.SimulateWrite(ble.PasswordCharUUID, []byte(password))
}

func shutdown(endpoint *exchange.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := endpoint.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("ERROR: exchange shutdown: %v", err)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	cfg := config.Default()
	cfg.Finalize()
	return cfg, nil
}

func networkVariant(cfg *config.Config) string {
	if cfg.Hardware.UseRealNetwork {
		return "BlueZ " + cfg.BLE.Adapter + ", " + cfg.WiFi.Interface
	}
	return "simulated"
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	var controls []string
	if cfg.Controls.Console {
		controls = append(controls, "console")
	}
	if cfg.Controls.Hotkeys {
		controls = append(controls, "hotkeys")
	}
	if len(controls) == 0 {
		controls = append(controls, "none")
	}

	fmt.Println("=== minik-link ===")
	fmt.Printf("  Registry:  %s\n", cfg.RegistryPath)
	fmt.Printf("  Network:   %s\n", networkVariant(cfg))
	fmt.Printf("  Retries:   %d every %s\n", cfg.Pairing.RetryLimit, cfg.Pairing.RetryInterval)
	fmt.Printf("  Pairing:   %s window, %s scan\n", cfg.BLE.AdvertiseTimeout, cfg.BLE.ScanTimeout)
	fmt.Printf("  Exchange:  port %d (mDNS %t)\n", cfg.Exchange.Port, cfg.Exchange.MDNS)
	fmt.Printf("  Controls:  %s\n", strings.Join(controls, ", "))
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("==================")
}
