// Command test-scan is a manual test for known-phone scanning.
// It scans for the phones in the registry (or the ones given with --mac and
// --name) and prints the first match.
//
// Usage:
//
//	go run ./cmd/test-scan [--adapter hci0] [--timeout 15s] [--mac AA:BB:...] [--name "Pixel 8"]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/chaz8081/minik-link/internal/ble"
	"github.com/chaz8081/minik-link/internal/config"
	"github.com/chaz8081/minik-link/internal/registry"
)

func main() {
	adapterID := flag.String("adapter", "hci0", "BlueZ adapter")
	timeout := flag.Duration("timeout", 15*time.Second, "scan timeout")
	macList := flag.String("mac", "", "comma-separated MAC addresses to look for")
	nameList := flag.String("name", "", "comma-separated device names to look for")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	macs, names := split(*macList), split(*nameList)
	if len(macs) == 0 && len(names) == 0 {
		cfg := config.Default()
		cfg.Finalize()
		reg, err := registry.Open(cfg.RegistryPath, registry.WithLogger(logger))
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		macs, names = reg.MACs(), reg.Names()
	}
	if len(macs) == 0 && len(names) == 0 {
		fmt.Println("Nothing to look for: the registry is empty. Pass --mac or --name.")
		os.Exit(2)
	}

	srv := ble.NewServer(ble.NewBlueZAdapter(*adapterID), "MINIK-TEST0000", ble.DefaultServerOptions(), logger)
	defer srv.Stop()

	fmt.Printf("Scanning %s for %d MACs and %d names...\n", *timeout, len(macs), len(names))
	match, err := srv.ScanForKnownDevice(context.Background(), macs, names, *timeout)
	switch {
	case errors.Is(err, ble.ErrNoMatch):
		fmt.Println("No known phone nearby.")
	case err != nil:
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	default:
		fmt.Printf("Found %s (%s), RSSI %d\n", match.Name, match.MAC, match.RSSI)
	}
}

func split(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
