// Command reset-pairing removes every known phone from the registry. The
// device identifier is kept, so phones can pair again with the same QR code.
//
// Usage:
//
//	go run ./cmd/reset-pairing [--config path] [--yes]
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/chaz8081/minik-link/internal/config"
	"github.com/chaz8081/minik-link/internal/registry"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/minik-link/config.yaml)")
	yes := flag.Bool("yes", false, "do not ask for confirmation")
	flag.Parse()

	cfg := config.Default()
	cfg.Finalize()
	path := *configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath()); err == nil {
			path = config.DefaultConfigPath()
		}
	}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		cfg = loaded
	}

	reg, err := registry.Open(cfg.RegistryPath)
	if err != nil {
		log.Fatalf("registry: %v", err)
	}

	devices := reg.List()
	if len(devices) == 0 {
		fmt.Println("No paired phones.")
		return
	}
	fmt.Printf("Paired phones in %s:\n", reg.Path())
	for _, d := range devices {
		fmt.Printf("  %-20s %s (%s)\n", d.DisplayName(), d.BLEMAC, d.SSID)
	}

	if !*yes {
		fmt.Print("Forget all of them? [y/N] ")
		answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			fmt.Println("Cancelled.")
			return
		}
	}

	if err := reg.Clear(); err != nil {
		log.Fatalf("registry: %v", err)
	}
	fmt.Printf("Cleared. Device ID %s kept.\n", reg.DeviceID())
}
