// Command test-hotkey is a manual test for the global hotkey listener.
// Run it, then press one of the default combinations (Ctrl+Shift+P, L, R,
// S or F) to see the action it maps to.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-hotkey [--bind action=combo]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaz8081/minik-link/internal/hotkey"
	"github.com/chaz8081/minik-link/internal/pairing"
)

func main() {
	bind := flag.String("bind", "", "extra binding, e.g. reset_pairing=ctrl+alt+x")
	flag.Parse()

	m := hotkey.DefaultBindings()
	if *bind != "" {
		action, combo, ok := strings.Cut(*bind, "=")
		if !ok {
			fmt.Printf("Error: --bind wants action=combo, got %q\n", *bind)
			os.Exit(2)
		}
		m[action] = combo
	}

	bindings, err := hotkey.ParseBindings(m)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(2)
	}
	for _, b := range bindings {
		fmt.Printf("  %-16s %s\n", b.Action, strings.Join(b.Keys, "+"))
	}
	fmt.Println("Press Ctrl+C to exit.")

	listener := hotkey.NewListener(bindings)

	// Handle Ctrl+C
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down...")
		listener.Stop()
	}()

	// Read events
	go func() {
		for ev := range listener.Events() {
			if _, err := pairing.ParseAction(ev.Action); err != nil {
				fmt.Printf("??? %s (not a pairing action)\n", ev.Action)
				continue
			}
			fmt.Printf(">>> %s\n", ev.Action)
		}
		fmt.Println("Event channel closed.")
	}()

	// Blocks until stopped
	listener.Start()
	fmt.Println("Done.")
}
