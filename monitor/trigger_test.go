package monitor

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

type fakeSender struct {
	sent   [][]byte
	fail   bool
	onSend func(n int)
}

func (s *fakeSender) Name() string { return "fake" }

func (s *fakeSender) Send(msg []byte) error {
	if s.fail {
		return errors.New("output gone")
	}
	s.sent = append(s.sent, msg)
	if s.onSend != nil {
		s.onSend(len(s.sent))
	}
	return nil
}

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage("F0 43 30 3E 0D 21 00 00 00 00 20 F7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msg) != 12 || msg[5] != 0x21 {
		t.Fatalf("unexpected message % X", msg)
	}

	for _, bad := range []string{"", "90 40 7F", "F0 43 10"} {
		if _, err := ParseMessage(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestRunTriggerOnce(t *testing.T) {
	s := &fakeSender{}
	msg := []byte{0xF0, 0x43, 0xF7}
	sent, failed := RunTrigger(context.Background(), s, Trigger{Name: "once", Message: msg})
	if sent != 1 || failed != 0 {
		t.Fatalf("expected one send, got sent=%d failed=%d", sent, failed)
	}
	if !bytes.Equal(s.sent[0], msg) {
		t.Fatalf("sent % X", s.sent[0])
	}
}

func TestRunTriggerRepeatsUntilCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &fakeSender{onSend: func(n int) {
		if n == 3 {
			cancel()
		}
	}}

	done := make(chan int, 1)
	go func() {
		sent, _ := RunTrigger(ctx, s, Trigger{Name: "meter", Message: []byte{0xF0, 0xF7}, Interval: time.Millisecond})
		done <- sent
	}()

	select {
	case sent := <-done:
		// a tick racing the cancel may add one more
		if sent < 3 || sent > 4 {
			t.Fatalf("expected 3 sends before cancel, got %d", sent)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("trigger did not stop")
	}
}

func TestRunTriggerCountsFailures(t *testing.T) {
	s := &fakeSender{fail: true}
	sent, failed := RunTrigger(context.Background(), s, Trigger{Name: "x", Message: []byte{0xF0, 0xF7}})
	if sent != 0 || failed != 1 {
		t.Fatalf("expected one failure, got sent=%d failed=%d", sent, failed)
	}
}
