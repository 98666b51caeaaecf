package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mixsniff/classify"
	"mixsniff/midi"
)

// stepClock advances by step on every reading
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func message(port string, kind classify.Kind, tag byte) classify.Classified {
	return classify.Classified{
		Frame: midi.Frame{Type: midi.FrameSysEx, Port: port, Payload: []byte{0x43, tag}},
		Kind:  kind,
	}
}

func drain(t *testing.T, a *Aggregator) []Observation {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []Observation
	for {
		obs, ok := a.Next(ctx)
		if !ok {
			if ctx.Err() != nil {
				t.Fatalf("drain timed out after %d observations", len(out))
			}
			return out
		}
		out = append(out, obs)
	}
}

func TestArrivalOrderAcrossPorts(t *testing.T) {
	a := New(Options{Capacity: 16})
	ctx := context.Background()
	order := []string{"A", "B", "A", "C", "B"}
	for i, port := range order {
		if err := a.Push(ctx, message(port, classify.ParameterBlock, byte(i))); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	a.Close()

	got := drain(t, a)
	if len(got) != len(order) {
		t.Fatalf("expected %d observations, got %d", len(order), len(got))
	}
	var last uint64
	for i, obs := range got {
		if obs.Port != order[i] || obs.Message.Frame.Payload[1] != byte(i) {
			t.Fatalf("observation %d: expected %s/%d, got %s/%d", i, order[i], i, obs.Port, obs.Message.Frame.Payload[1])
		}
		if obs.Seq <= last {
			t.Fatalf("sequence not increasing: %d after %d", obs.Seq, last)
		}
		last = obs.Seq
	}
}

func TestNoticesComeFirst(t *testing.T) {
	a := New(Options{Capacity: 4})
	ctx := context.Background()
	a.Push(ctx, message("A", classify.BulkRequest, 1))
	a.Fault(&midi.Fault{Kind: midi.FaultStrayData, Port: "A", Raw: []byte{0x40}})
	a.PortLost("B", midi.ErrPortLost)
	a.Close()

	got := drain(t, a)
	if len(got) != 3 {
		t.Fatalf("expected 3 observations, got %d", len(got))
	}
	if got[0].Kind != ObserveFault || got[1].Kind != ObservePortLost || got[2].Kind != ObserveMessage {
		t.Fatalf("unexpected order: %s %s %s", got[0].Kind, got[1].Kind, got[2].Kind)
	}
	if !errors.Is(got[0].Err, midi.ErrFramingFault) {
		t.Fatalf("expected fault error, got %v", got[0].Err)
	}
	if !a.Stats()["B"].Lost {
		t.Fatalf("expected port B marked lost")
	}
}

func TestFaultNoticesAreCapped(t *testing.T) {
	a := New(Options{Capacity: 4, MaxNotices: 2})
	for i := 0; i < 5; i++ {
		a.Fault(&midi.Fault{Kind: midi.FaultStrayEnd, Port: "A", Raw: []byte{0xF7}})
	}
	s := a.Stats()["A"]
	if s.Faults != 5 || s.DroppedFaults != 3 {
		t.Fatalf("expected 5 faults with 3 dropped, got %+v", s)
	}
}

func TestFullQueueShedsMetersFirst(t *testing.T) {
	clk := &stepClock{now: time.Unix(0, 0)}
	a := New(Options{Capacity: 4, Grace: time.Hour, Now: clk.Now})
	ctx := context.Background()

	kinds := []classify.Kind{
		classify.Meter, classify.BulkRequest, classify.Meter, classify.EQBlock,
		classify.BulkRequest, classify.ParameterBlock, classify.Meter,
	}
	for i, k := range kinds {
		if err := a.Push(ctx, message("A", k, byte(i))); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	s := a.Stats()["A"]
	if s.DroppedMeter != 3 || s.DroppedControl != 0 {
		t.Fatalf("expected 3 meters dropped and no control, got %+v", s)
	}
	a.Close()
	for _, obs := range drain(t, a) {
		if obs.Kind == ObserveMessage && obs.Message.Kind == classify.Meter {
			t.Fatalf("meter survived a full queue of control messages")
		}
	}
}

func TestProducerWaitsForConsumer(t *testing.T) {
	a := New(Options{Capacity: 1, Grace: 5 * time.Second})
	ctx := context.Background()
	a.Push(ctx, message("A", classify.BulkRequest, 1))

	pushed := make(chan error, 1)
	go func() {
		pushed <- a.Push(ctx, message("A", classify.BulkRequest, 2))
	}()

	first, ok := a.Next(ctx)
	if !ok || first.Message.Frame.Payload[1] != 1 {
		t.Fatalf("expected first message, got %+v", first)
	}
	select {
	case err := <-pushed:
		if err != nil {
			t.Fatalf("push failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("producer was not released by consumer")
	}
	second, ok := a.Next(ctx)
	if !ok || second.Message.Frame.Payload[1] != 2 {
		t.Fatalf("expected second message, got %+v", second)
	}
	if s := a.Stats()["A"]; s.DroppedControl != 0 || s.Overruns != 0 {
		t.Fatalf("expected no drops, got %+v", s)
	}
}

func TestControlDroppedAfterGrace(t *testing.T) {
	a := New(Options{Capacity: 2, Grace: 0})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := a.Push(ctx, message("A", classify.BulkRequest, byte(i))); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	a.Close()

	got := drain(t, a)
	if len(got) != 3 {
		t.Fatalf("expected overrun plus 2 messages, got %d", len(got))
	}
	if got[0].Kind != ObserveOverrun || !errors.Is(got[0].Overrun, ErrOverrun) {
		t.Fatalf("expected overrun first, got %s", got[0].Kind)
	}
	if got[0].Overrun.DroppedControl != 1 {
		t.Fatalf("expected 1 control drop in overrun, got %d", got[0].Overrun.DroppedControl)
	}
	if got[1].Message.Frame.Payload[1] != 1 || got[2].Message.Frame.Payload[1] != 2 {
		t.Fatalf("expected oldest control message dropped")
	}
}

func TestPushHonorsContext(t *testing.T) {
	a := New(Options{Capacity: 1, Grace: time.Hour})
	a.Push(context.Background(), message("A", classify.BulkRequest, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.Push(ctx, message("A", classify.BulkRequest, 2)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestPushAfterClose(t *testing.T) {
	a := New(Options{})
	a.Close()
	if err := a.Push(context.Background(), message("A", classify.Meter, 0)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, ok := a.Next(context.Background()); ok {
		t.Fatalf("expected closed empty aggregator to end")
	}
}

// Two ports flood meter data with no consumer while bulk and EQ messages
// are interleaved. Every control message must survive.
func TestMeterFloodKeepsControlMessages(t *testing.T) {
	clk := &stepClock{now: time.Unix(0, 0), step: time.Millisecond}
	a := New(Options{Capacity: 64, Grace: 100 * time.Millisecond, Now: clk.Now})
	ctx := context.Background()

	ports := []string{"01V96 Port1", "01V96 Port2"}
	var wg sync.WaitGroup
	for _, port := range ports {
		wg.Add(1)
		go func(port string) {
			defer wg.Done()
			for i := 0; i < 10000; i++ {
				kind := classify.Meter
				switch i % 1000 {
				case 0:
					kind = classify.EQBlock
				case 500:
					kind = classify.BulkRequest
				}
				if err := a.Push(ctx, message(port, kind, byte(i%128))); err != nil {
					t.Errorf("%s push %d: %v", port, i, err)
					return
				}
			}
		}(port)
	}
	wg.Wait()
	a.Close()

	overruns := make(map[string]int)
	control := make(map[string]int)
	for _, obs := range drain(t, a) {
		switch obs.Kind {
		case ObserveOverrun:
			overruns[obs.Port]++
		case ObserveMessage:
			if obs.Message.Kind != classify.Meter {
				control[obs.Port]++
			}
		}
	}

	stats := a.Stats()
	for _, port := range ports {
		if overruns[port] != 1 {
			t.Fatalf("%s: expected one overrun, got %d", port, overruns[port])
		}
		if control[port] != 20 {
			t.Fatalf("%s: expected 20 control messages, got %d", port, control[port])
		}
		s := stats[port]
		if s.DroppedControl != 0 {
			t.Fatalf("%s: control messages dropped: %d", port, s.DroppedControl)
		}
		if s.DroppedMeter == 0 {
			t.Fatalf("%s: expected meters dropped", port)
		}
		if s.Received != 10000 {
			t.Fatalf("%s: expected 10000 received, got %d", port, s.Received)
		}
	}
}

func ExampleAggregator() {
	a := New(Options{Capacity: 8})
	a.Push(context.Background(), message("01V96", classify.BulkRequest, 0))
	a.Close()
	for {
		obs, ok := a.Next(context.Background())
		if !ok {
			break
		}
		fmt.Println(obs.Kind, obs.Port, obs.Message.Kind)
	}
	// Output: message 01V96 bulk_request
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func nextNonBlocking(t *testing.T, a *Aggregator) Observation {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	obs, ok := a.Next(ctx)
	if !ok {
		t.Fatalf("expected an observation")
	}
	return obs
}

// A queue that stays between half and full keeps its episode open, but a
// later stretch at capacity still owes control messages a full grace period
// and a fresh overrun notice once the first one was consumed.
func TestGraceRestartsWhenQueueLeavesCapacity(t *testing.T) {
	clk := &manualClock{now: time.Unix(0, 0)}
	a := New(Options{Capacity: 4, Grace: 100 * time.Millisecond, Now: clk.Now})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		a.Push(ctx, message("A", classify.Meter, byte(i)))
	}
	clk.Advance(time.Second)
	a.Push(ctx, message("A", classify.Meter, 5))
	if s := a.Stats()["A"]; s.Overruns != 1 {
		t.Fatalf("expected first overrun, got %+v", s)
	}

	if obs := nextNonBlocking(t, a); obs.Kind != ObserveOverrun {
		t.Fatalf("expected overrun notice first, got %s", obs.Kind)
	}
	if obs := nextNonBlocking(t, a); obs.Kind != ObserveMessage {
		t.Fatalf("expected a message, got %s", obs.Kind)
	}
	if q := a.Stats()["A"].Queued; q != 3 {
		t.Fatalf("expected 3 queued above the low watermark, got %d", q)
	}

	clk.Advance(2 * time.Hour)
	// one fills the queue, three more replace the queued meters
	for i := 0; i < 4; i++ {
		if err := a.Push(ctx, message("A", classify.BulkRequest, byte(10+i))); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if s := a.Stats()["A"]; s.DroppedControl != 0 {
		t.Fatalf("expected no control drops yet, got %+v", s)
	}

	pushed := make(chan error, 1)
	go func() {
		pushed <- a.Push(ctx, message("A", classify.BulkRequest, 20))
	}()
	select {
	case err := <-pushed:
		t.Fatalf("push of a control message into a full queue returned at once: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	clk.Advance(200 * time.Millisecond)
	select {
	case err := <-pushed:
		if err != nil {
			t.Fatalf("push failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("push still blocked after the grace period")
	}

	s := a.Stats()["A"]
	if s.DroppedControl != 1 || s.Overruns != 2 {
		t.Fatalf("expected one control drop and a second overrun, got %+v", s)
	}
	obs := nextNonBlocking(t, a)
	if obs.Kind != ObserveOverrun || obs.Overrun.DroppedControl != 1 {
		t.Fatalf("expected overrun notice for the control drop, got %s %+v", obs.Kind, obs.Overrun)
	}
}

func TestPendingOverrunTracksLaterDrops(t *testing.T) {
	a := New(Options{Capacity: 2, Grace: 0})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		a.Push(ctx, message("A", classify.ParameterBlock, byte(i)))
	}
	a.Close()

	var overruns []*Overrun
	for _, obs := range drain(t, a) {
		if obs.Kind == ObserveOverrun {
			overruns = append(overruns, obs.Overrun)
		}
	}
	if len(overruns) != 1 {
		t.Fatalf("expected one unconsumed notice, got %d", len(overruns))
	}
	if overruns[0].DroppedControl != 3 {
		t.Fatalf("expected the notice to count 3 control drops, got %d", overruns[0].DroppedControl)
	}
}

func TestInputLossNotices(t *testing.T) {
	a := New(Options{Capacity: 4})
	a.InputLost(&midi.InputLoss{Port: "A", Messages: 2})
	a.InputLost(&midi.InputLoss{Port: "A", Messages: 3})

	obs := nextNonBlocking(t, a)
	if obs.Kind != ObserveInputLoss || obs.Loss.Messages != 5 {
		t.Fatalf("expected merged loss of 5, got %s %+v", obs.Kind, obs.Loss)
	}
	if !errors.Is(obs.Err, midi.ErrInputDropped) {
		t.Fatalf("expected ErrInputDropped, got %v", obs.Err)
	}

	a.InputLost(&midi.InputLoss{Port: "A", Messages: 1})
	if obs := nextNonBlocking(t, a); obs.Kind != ObserveInputLoss || obs.Loss.Messages != 1 {
		t.Fatalf("expected a new notice after the first was consumed, got %+v", obs.Loss)
	}
	if s := a.Stats()["A"]; s.DroppedInput != 6 {
		t.Fatalf("expected 6 dropped input messages, got %d", s.DroppedInput)
	}
}
