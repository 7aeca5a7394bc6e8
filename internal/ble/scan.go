package ble

import (
	"context"
	"time"
)

const stopScanRetry = 50 * time.Millisecond

// stopScanOnCancel calls stop once ctx is done and repeats it every interval
// until it succeeds or done is closed. BlueZ rejects a stop that arrives
// before the scan has registered, and the scan then runs until stopped.
func stopScanOnCancel(ctx context.Context, done <-chan struct{}, stop func() error, interval time.Duration) {
	select {
	case <-ctx.Done():
	case <-done:
		return
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		default:
		}
		if stop() == nil {
			return
		}
		select {
		case <-done:
			return
		case <-t.C:
		}
	}
}
