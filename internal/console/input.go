package console

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/chaz8081/minik-link/internal/pairing"
)

var commands = map[string]pairing.Action{
	"p": pairing.PairNew,
	"l": pairing.LookForPhone,
	"r": pairing.RetryNow,
	"s": pairing.Rescan,
	"f": pairing.ForgetDevice,
	"x": pairing.ResetPairing,
	"w": pairing.WiFiLost,
}

const help = `Commands:
  p  pair a new phone
  l  look for a paired phone
  r  retry the hotspot now
  s  scan again
  f  forget the connected phone
  x  clear all pairings (if enabled)
  w  report the hotspot as lost
  h  this help`

// Input reads one command per line and emits the matching actions.
type Input struct {
	r  io.Reader
	w  io.Writer
	ch chan pairing.Action
}

// NewInput creates an Input reading commands from r. Help and errors are
// written to w.
func NewInput(r io.Reader, w io.Writer) *Input {
	return &Input{r: r, w: w, ch: make(chan pairing.Action, 16)}
}

// Actions returns the channel of parsed actions. It is closed when Start
// returns.
func (in *Input) Actions() <-chan pairing.Action {
	return in.ch
}

// Start reads until EOF or a read error. It blocks; run it in a goroutine.
func (in *Input) Start() {
	defer close(in.ch)

	sc := bufio.NewScanner(in.r)
	for sc.Scan() {
		cmd := strings.ToLower(strings.TrimSpace(sc.Text()))
		switch cmd {
		case "":
			continue
		case "h", "?", "help":
			fmt.Fprintln(in.w, help)
			continue
		}

		a, ok := commands[cmd]
		if !ok {
			fmt.Fprintf(in.w, "unknown command %q (h for help)\n", cmd)
			continue
		}
		select {
		case in.ch <- a:
		default:
			fmt.Fprintln(in.w, "busy, command dropped")
		}
	}
}
