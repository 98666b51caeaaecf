package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mixsniff/debug"
	"mixsniff/midi"
)

// Sender writes one complete message to an output
type Sender interface {
	Name() string
	Send(msg []byte) error
}

// Trigger periodically sends a request message so the console keeps
// streaming (meter data stops unless re-requested).
type Trigger struct {
	Name     string
	Message  []byte
	Interval time.Duration
}

// ParseMessage decodes a hex string like "F0 43 30 3E 0D 21 ... F7"
func ParseMessage(s string) ([]byte, error) {
	msg, err := midi.ParseHexLog(strings.NewReader(s))
	if err != nil {
		return nil, err
	}
	if len(msg) < 2 || msg[0] != midi.SysExStart || msg[len(msg)-1] != midi.SysExEnd {
		return nil, fmt.Errorf("trigger message %q is not a complete SysEx", s)
	}
	return msg, nil
}

// RunTrigger sends t.Message once immediately and then every Interval until
// ctx is done. A zero interval sends once. Send errors are counted and logged;
// the loop keeps going.
func RunTrigger(ctx context.Context, s Sender, t Trigger) (sent, failed int) {
	send := func() {
		if err := s.Send(t.Message); err != nil {
			failed++
			debug.Warn("trigger", "%s -> %s: %v", t.Name, s.Name(), err)
			return
		}
		sent++
		debug.LogEvery(20, "trigger", "%s -> %s", t.Name, s.Name())
	}

	send()
	if t.Interval <= 0 {
		return sent, failed
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return sent, failed
		case <-ticker.C:
			send()
		}
	}
}
