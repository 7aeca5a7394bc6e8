// Command test-send is a manual test for uploads to the phone app.
// It sends one file to the phone's upload server and reports the result.
// Join the phone's hotspot first.
//
// Usage:
//
//	go run ./cmd/test-send --host 172.20.10.1 [--csv] <file>
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chaz8081/minik-link/internal/exchange"
)

func main() {
	host := flag.String("host", "172.20.10.1", "phone address (the hotspot gateway)")
	port := flag.Int("port", exchange.PhonePort, "phone upload server port")
	csv := flag.Bool("csv", false, "send as CSV instead of an image")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Println("Usage: test-send [--host addr] [--port n] [--csv] <file>")
		os.Exit(2)
	}
	path := flag.Arg(0)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client := exchange.NewClient(*host, *port, logger)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	kind := "image"
	send := client.SendImage
	if *csv {
		kind = "CSV"
		send = client.SendCSV
	}

	fmt.Printf("Sending %s %s to %s:%d...\n", kind, path, *host, *port)
	start := time.Now()
	if err := send(ctx, path); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nDone in %s!\n", time.Since(start).Round(time.Millisecond))
}
