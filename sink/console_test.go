package sink

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"mixsniff/aggregate"
	"mixsniff/classify"
	"mixsniff/midi"
	"mixsniff/theme"
)

func newTestConsole() (*Console, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewConsole(&buf, theme.New(theme.DefaultPalette())), &buf
}

func bulk(c *classify.Classifier) classify.Classified {
	return c.Classify(midi.Frame{
		Type:    midi.FrameSysEx,
		Port:    "01V96 Port1",
		Time:    time.Now(),
		Payload: []byte{0x43, 0x10, 0x3E, 0x0E, 0x00},
	})
}

func TestConsoleHighlightedLine(t *testing.T) {
	console, buf := newTestConsole()
	msg := bulk(classify.New(classify.DefaultRules()))
	console.Observe(msg, classify.EmitHighlighted)

	line := buf.String()
	for _, want := range []string{"[PORT 01V96 Port1]", "★", "bulk_request", "F0 43 10 3E 0E 00 F7", "<- bulk-request"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %q", want, line)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("expected no colour when not writing to a terminal")
	}
}

func TestConsoleSuppressed(t *testing.T) {
	console, buf := newTestConsole()
	meter := classify.Classified{Frame: midi.Frame{Type: midi.FrameRealtime, Status: 0xF8, Port: "p"}, Kind: classify.Realtime}

	console.Observe(meter, classify.Suppress)
	if buf.Len() != 0 {
		t.Fatalf("suppressed message printed: %q", buf.String())
	}

	console.ShowSuppressed = true
	console.Observe(meter, classify.Suppress)
	if !strings.Contains(buf.String(), "Realtime clock") {
		t.Fatalf("expected suppressed message shown, got %q", buf.String())
	}

	summary := console.Summary()
	if !strings.Contains(summary, "realtime=2") || !strings.Contains(summary, "suppressed=2") {
		t.Fatalf("unexpected summary %q", summary)
	}
}

func TestConsoleNotices(t *testing.T) {
	console, buf := newTestConsole()
	console.Notice(aggregate.Observation{
		Kind:  aggregate.ObserveFault,
		Port:  "p",
		Fault: &midi.Fault{Kind: midi.FaultInterrupted, Port: "p", Dropped: []byte{0x01, 0x02}},
	})
	console.Notice(aggregate.Observation{
		Kind:    aggregate.ObserveOverrun,
		Port:    "p",
		Overrun: &aggregate.Overrun{Port: "p", DroppedMeter: 7},
	})
	console.Notice(aggregate.Observation{Kind: aggregate.ObservePortLost, Port: "p", Err: midi.ErrPortLost})

	out := buf.String()
	for _, want := range []string{"fault interrupted dropped=[01 02]", "meter dropped=7", "port lost: midi: port lost"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
	if n := strings.Count(out, "\n"); n != 3 {
		t.Fatalf("expected 3 lines, got %d", n)
	}
}

func TestConsoleInputLoss(t *testing.T) {
	console, buf := newTestConsole()
	console.Notice(aggregate.Observation{
		Kind: aggregate.ObserveInputLoss,
		Port: "p",
		Loss: &midi.InputLoss{Port: "p", Messages: 4},
	})
	if !strings.Contains(buf.String(), "input dropped: 4 messages") {
		t.Fatalf("unexpected line %q", buf.String())
	}
}
