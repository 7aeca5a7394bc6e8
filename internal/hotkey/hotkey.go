// Package hotkey provides a global hotkey listener using gohook. Each
// binding ties a key combination to a named operator action, so a keyboard
// attached to the appliance can drive pairing without the touchscreen.
package hotkey

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	hook "github.com/robotn/gohook"
)

// Binding ties a key combination to an action name.
type Binding struct {
	Action string
	Keys   []string
}

// Event is emitted on the channel returned by Events.
type Event struct {
	Action string
}

// DefaultBindings returns the built-in key combinations.
func DefaultBindings() map[string]string {
	return map[string]string{
		"pair_new":       "ctrl+shift+p",
		"look_for_phone": "ctrl+shift+l",
		"retry_now":      "ctrl+shift+r",
		"rescan":         "ctrl+shift+s",
		"forget_device":  "ctrl+shift+f",
	}
}

// ParseCombo splits a combination such as "ctrl+shift+p" into gohook key
// names.
func ParseCombo(combo string) ([]string, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(combo)), "+")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("hotkey: empty key in %q", combo)
		}
		keys = append(keys, p)
	}
	return keys, nil
}

// ParseBindings turns an action → combination map into bindings, sorted
// by action name.
func ParseBindings(m map[string]string) ([]Binding, error) {
	actions := make([]string, 0, len(m))
	for a := range m {
		actions = append(actions, a)
	}
	sort.Strings(actions)

	seen := make(map[string]string, len(m))
	out := make([]Binding, 0, len(m))
	for _, a := range actions {
		keys, err := ParseCombo(m[a])
		if err != nil {
			return nil, err
		}
		norm := strings.Join(keys, "+")
		if other, dup := seen[norm]; dup {
			return nil, fmt.Errorf("hotkey: %q bound to both %s and %s", norm, other, a)
		}
		seen[norm] = a
		out = append(out, Binding{Action: a, Keys: keys})
	}
	return out, nil
}

// Listener manages the global hotkeys and emits action events.
type Listener struct {
	bindings []Binding
	ch       chan Event
	done     chan struct{}
	once     sync.Once
}

// NewListener creates a Listener for the given bindings.
func NewListener(bindings []Binding) *Listener {
	return &Listener{
		bindings: bindings,
		ch:       make(chan Event, 16),
		done:     make(chan struct{}),
	}
}

// Events returns the channel that receives action events.
// The channel is closed when Start returns.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Start begins listening for the global hotkeys.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	for _, b := range l.bindings {
		action := b.Action
		hook.Register(hook.KeyDown, b.Keys, func(hook.Event) {
			l.emit(action)
		})
	}

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

func (l *Listener) emit(action string) {
	select {
	case l.ch <- Event{Action: action}:
	default: // don't block the hook goroutine if nobody is reading
	}
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}
