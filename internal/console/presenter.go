// Package console is the terminal front end of the appliance: it renders
// the pairing screens, including the pairing QR code, and reads operator
// commands from stdin.
package console

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/chaz8081/minik-link/internal/pairing"
)

const qrPNGSize = 256

const rule = "----------------------------------------"

// Presenter writes one screen per state change to w.
type Presenter struct {
	mu      sync.Mutex
	w       io.Writer
	payload string
	pngPath string
	logger  *slog.Logger

	qr      string
	warning string
}

var _ pairing.Presenter = (*Presenter)(nil)

// NewPresenter creates a presenter. payload is the pairing deep link encoded
// in the QR code. When pngPath is set the QR code is also written there the
// first time it is shown.
func NewPresenter(w io.Writer, payload, pngPath string, logger *slog.Logger) *Presenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Presenter{w: w, payload: payload, pngPath: pngPath, logger: logger}
}

func (p *Presenter) ShowScanning() {
	p.screen("Looking for your phone...", "Press p to pair a new phone.")
}

func (p *Presenter) ShowConnecting(name string, attempt int) {
	p.screen(fmt.Sprintf("Connecting to %s's hotspot (attempt %d)...", name, attempt))
}

func (p *Presenter) ShowHotspotPrompt(name string, attempt, retriesLeft int, retryIn time.Duration) {
	status := fmt.Sprintf("Attempt %d failed. Retrying in %s (%d left).", attempt, retryIn.Round(time.Second), retriesLeft)
	if retriesLeft <= 0 {
		status = fmt.Sprintf("Attempt %d failed. No automatic retries left.", attempt)
	}
	p.screen(
		fmt.Sprintf("Turn on the personal hotspot on %s.", name),
		status,
		"Press r to retry now or s to scan again.",
	)
}

func (p *Presenter) ShowQR(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lines []string
	if message != "" {
		lines = append(lines, message, "")
	}
	lines = append(lines, "Scan with the MiniK app to pair:")
	if qr := p.qrCode(); qr != "" {
		lines = append(lines, qr)
	}
	lines = append(lines,
		p.payload,
		"",
		"Press p to pair, l to look for a paired phone.",
	)
	p.writeLocked(lines...)
}

func (p *Presenter) ShowError(message string) {
	p.screen("ERROR: "+message, "Press p to try pairing again, l to look for a paired phone.")
}

func (p *Presenter) ShowAdvertising(bleName string, window time.Duration) {
	p.screen(
		fmt.Sprintf("Pairing mode: advertising as %s for %s.", bleName, window.Round(time.Second)),
		"Open the MiniK app and choose this device.",
	)
}

func (p *Presenter) ShowConnected(name, ip string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.warning = ""
	p.writeLocked(
		fmt.Sprintf("Connected to %s. Address %s.", name, ip),
		"Press f to forget this phone.",
	)
}

func (p *Presenter) ShowWarning(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.warning == message {
		return
	}
	p.warning = message
	fmt.Fprintf(p.w, "! %s\n", message)
}

func (p *Presenter) ClearWarning() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.warning == "" {
		return
	}
	p.warning = ""
	fmt.Fprintln(p.w, "Phone app reachable again.")
}

func (p *Presenter) screen(lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeLocked(lines...)
}

func (p *Presenter) writeLocked(lines ...string) {
	var b strings.Builder
	b.WriteString(rule)
	b.WriteByte('\n')
	for _, l := range lines {
		b.WriteString(l)
		if !strings.HasSuffix(l, "\n") {
			b.WriteByte('\n')
		}
	}
	if _, err := io.WriteString(p.w, b.String()); err != nil {
		p.logger.Debug("[UI] write failed", "error", err)
	}
}

// qrCode renders the payload once and caches it.
func (p *Presenter) qrCode() string {
	if p.qr != "" {
		return p.qr
	}
	q, err := qrcode.New(p.payload, qrcode.Medium)
	if err != nil {
		p.logger.Warn("[UI] QR encode failed", "error", err)
		return ""
	}
	p.qr = q.ToSmallString(false)

	if p.pngPath != "" {
		if err := q.WriteFile(qrPNGSize, p.pngPath); err != nil {
			p.logger.Warn("[UI] failed to write QR image", "path", p.pngPath, "error", err)
		} else {
			p.logger.Info("[UI] QR image written", "path", p.pngPath)
		}
	}
	return p.qr
}
