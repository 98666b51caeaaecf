// Package aggregate merges classified messages from many ports into one
// observation stream with bounded per-port queues.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"mixsniff/classify"
	"mixsniff/midi"
)

var (
	// ErrOverrun is matched by *Overrun notices
	ErrOverrun = errors.New("aggregate: overrun")
	// ErrClosed is returned by Push after Close
	ErrClosed = errors.New("aggregate: closed")
)

// ObservationKind tags an Observation
type ObservationKind int

const (
	ObserveMessage ObservationKind = iota
	ObserveFault
	ObserveOverrun
	ObservePortLost
	ObserveInputLoss
)

func (k ObservationKind) String() string {
	switch k {
	case ObserveMessage:
		return "message"
	case ObserveFault:
		return "fault"
	case ObserveOverrun:
		return "overrun"
	case ObservePortLost:
		return "port-lost"
	case ObserveInputLoss:
		return "input-loss"
	}
	return fmt.Sprintf("observation(%d)", int(k))
}

// Overrun describes a saturation episode that outlasted the grace period
type Overrun struct {
	Port           string
	Since          time.Time
	DroppedMeter   uint64
	DroppedControl uint64
}

func (o *Overrun) Error() string {
	return fmt.Sprintf("port %s: queue saturated since %s (meter dropped=%d, control dropped=%d)",
		o.Port, o.Since.Format("15:04:05.000"), o.DroppedMeter, o.DroppedControl)
}

func (o *Overrun) Unwrap() error {
	return ErrOverrun
}

// Observation is one item of the merged stream
type Observation struct {
	Kind    ObservationKind
	Seq     uint64
	Port    string
	At      time.Time
	Message classify.Classified
	Fault   *midi.Fault
	Overrun *Overrun
	Loss    *midi.InputLoss
	Err     error
}

// Options configures an Aggregator
type Options struct {
	// Capacity is the per-port queue length
	Capacity int
	// Grace is how long a saturated queue may hold control messages back
	// before the oldest one is dropped
	Grace time.Duration
	// MaxNotices caps pending fault notices
	MaxNotices int
	// Now is the clock, time.Now when nil
	Now func() time.Time
}

// DefaultOptions returns defaults suited to a 01V96 meter stream
func DefaultOptions() Options {
	return Options{
		Capacity:   1024,
		Grace:      500 * time.Millisecond,
		MaxNotices: 256,
	}
}

// PortStats counts a port's traffic through the aggregator
type PortStats struct {
	Received       uint64
	Delivered      uint64
	DroppedMeter   uint64
	DroppedControl uint64
	Faults         uint64
	DroppedFaults  uint64
	Overruns       uint64
	DroppedInput   uint64 // messages the transport shed before framing
	Queued         int
	Lost           bool
}

type entry struct {
	seq uint64
	at  time.Time
	msg classify.Classified
}

type portQueue struct {
	items []entry

	// full and fullSince track the current stretch at capacity; the grace
	// period counts from fullSince
	full      bool
	fullSince time.Time

	// an episode lasts from the first full queue until it drains to half
	// capacity; it is signaled at most once unless control messages drop
	// after the notice was consumed
	episode         bool
	since           time.Time
	overrunSignaled bool

	pending *Overrun        // overrun notice not yet consumed
	loss    *midi.InputLoss // input loss notice not yet consumed

	stats PortStats
}

// Aggregator is safe for many producers and one consumer.
type Aggregator struct {
	opts Options

	mu      sync.Mutex
	seq     uint64
	ports   map[string]*portQueue
	notices []Observation
	faults  int // pending fault notices
	closed  bool

	ready chan struct{}
	space chan struct{} // closed on dequeue to wake waiting producers
}

// New creates an aggregator; zero option fields take defaults
func New(opts Options) *Aggregator {
	def := DefaultOptions()
	if opts.Capacity <= 0 {
		opts.Capacity = def.Capacity
	}
	if opts.Grace < 0 {
		opts.Grace = 0
	}
	if opts.MaxNotices <= 0 {
		opts.MaxNotices = def.MaxNotices
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Aggregator{
		opts:  opts,
		ports: make(map[string]*portQueue),
		ready: make(chan struct{}, 1),
		space: make(chan struct{}),
	}
}

func (a *Aggregator) queue(port string) *portQueue {
	q, ok := a.ports[port]
	if !ok {
		q = &portQueue{items: make([]entry, 0, a.opts.Capacity)}
		a.ports[port] = q
	}
	return q
}

// Push enqueues a message on its frame's port queue.
//
// A full queue sheds Meter messages first. When only control messages are
// queued Push waits for the consumer, but never past the grace period: after
// that the oldest control message is dropped and an Overrun is signaled.
func (a *Aggregator) Push(ctx context.Context, msg classify.Classified) error {
	port := msg.Frame.Port

	a.mu.Lock()
	for {
		if a.closed {
			a.mu.Unlock()
			return ErrClosed
		}
		q := a.queue(port)
		now := a.opts.Now()

		if len(q.items) < a.opts.Capacity {
			a.enqueue(q, msg, now)
			a.checkOverrun(port, q, now)
			a.mu.Unlock()
			a.signal()
			return nil
		}

		if !q.full {
			q.full = true
			q.fullSince = now
		}
		if !q.episode {
			q.episode = true
			q.since = now
		}

		if i := q.oldestMeter(); i >= 0 {
			q.remove(i)
			q.stats.DroppedMeter++
			a.enqueue(q, msg, now)
			a.checkOverrun(port, q, now)
			q.refreshPending()
			a.mu.Unlock()
			a.signal()
			return nil
		}
		if msg.Kind == classify.Meter {
			q.stats.Received++
			q.stats.DroppedMeter++
			a.checkOverrun(port, q, now)
			q.refreshPending()
			a.mu.Unlock()
			return nil
		}

		waited := now.Sub(q.fullSince)
		if waited >= a.opts.Grace {
			q.remove(0)
			q.stats.DroppedControl++
			a.enqueue(q, msg, now)
			switch {
			case q.pending != nil:
				q.refreshPending()
			case q.overrunSignaled:
				// the earlier notice is gone, this drop needs its own
				a.notifyOverrun(port, q, now)
			default:
				a.checkOverrun(port, q, now)
			}
			a.mu.Unlock()
			a.signal()
			return nil
		}

		space := a.space
		a.mu.Unlock()
		timer := time.NewTimer(a.opts.Grace - waited)
		select {
		case <-space:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
		a.mu.Lock()
	}
}

func (a *Aggregator) enqueue(q *portQueue, msg classify.Classified, now time.Time) {
	a.seq++
	q.items = append(q.items, entry{seq: a.seq, at: now, msg: msg})
	q.stats.Received++
}

func (a *Aggregator) checkOverrun(port string, q *portQueue, now time.Time) {
	if !q.full || q.overrunSignaled || now.Sub(q.fullSince) < a.opts.Grace {
		return
	}
	a.notifyOverrun(port, q, now)
}

func (a *Aggregator) notifyOverrun(port string, q *portQueue, now time.Time) {
	q.overrunSignaled = true
	q.stats.Overruns++
	o := &Overrun{
		Port:           port,
		Since:          q.since,
		DroppedMeter:   q.stats.DroppedMeter,
		DroppedControl: q.stats.DroppedControl,
	}
	q.pending = o
	a.seq++
	a.notices = append(a.notices, Observation{
		Kind:    ObserveOverrun,
		Seq:     a.seq,
		Port:    port,
		At:      now,
		Overrun: o,
		Err:     o,
	})
}

// refreshPending keeps an unconsumed overrun notice's counts current
func (q *portQueue) refreshPending() {
	if q.pending != nil {
		q.pending.DroppedMeter = q.stats.DroppedMeter
		q.pending.DroppedControl = q.stats.DroppedControl
	}
}

// Fault records a framing fault for the consumer. Fault notices beyond
// MaxNotices are counted and dropped.
func (a *Aggregator) Fault(f *midi.Fault) {
	a.mu.Lock()
	q := a.queue(f.Port)
	q.stats.Faults++
	if a.faults >= a.opts.MaxNotices || a.closed {
		q.stats.DroppedFaults++
		a.mu.Unlock()
		return
	}
	a.faults++
	a.seq++
	a.notices = append(a.notices, Observation{
		Kind:  ObserveFault,
		Seq:   a.seq,
		Port:  f.Port,
		At:    f.Time,
		Fault: f,
		Err:   f,
	})
	a.mu.Unlock()
	a.signal()
}

// PortLost records that a port went away; its queued messages still drain
func (a *Aggregator) PortLost(port string, err error) {
	a.mu.Lock()
	q := a.queue(port)
	q.stats.Lost = true
	a.seq++
	a.notices = append(a.notices, Observation{
		Kind: ObservePortLost,
		Seq:  a.seq,
		Port: port,
		At:   a.opts.Now(),
		Err:  err,
	})
	a.mu.Unlock()
	a.signal()
}

// InputLost records messages a transport dropped before they reached the
// framer. Losses reported before the consumer sees the notice are merged
// into it.
func (a *Aggregator) InputLost(loss *midi.InputLoss) {
	a.mu.Lock()
	q := a.queue(loss.Port)
	q.stats.DroppedInput += loss.Messages
	if q.loss != nil {
		q.loss.Messages += loss.Messages
		a.mu.Unlock()
		return
	}
	l := *loss
	q.loss = &l
	a.seq++
	a.notices = append(a.notices, Observation{
		Kind: ObserveInputLoss,
		Seq:  a.seq,
		Port: loss.Port,
		At:   loss.Time,
		Loss: q.loss,
		Err:  q.loss,
	})
	a.mu.Unlock()
	a.signal()
}

// Next blocks until an observation is available. Notices come before queued
// messages; messages come in arrival order across ports. It returns false
// once the aggregator is closed and drained, or ctx is done.
func (a *Aggregator) Next(ctx context.Context) (Observation, bool) {
	for {
		a.mu.Lock()
		if len(a.notices) > 0 {
			obs := a.notices[0]
			a.notices[0] = Observation{}
			a.notices = a.notices[1:]
			switch obs.Kind {
			case ObserveFault:
				a.faults--
			case ObserveOverrun:
				if q := a.ports[obs.Port]; q != nil && q.pending == obs.Overrun {
					q.pending = nil
				}
			case ObserveInputLoss:
				if q := a.ports[obs.Port]; q != nil && q.loss == obs.Loss {
					q.loss = nil
				}
			}
			a.mu.Unlock()
			return obs, true
		}

		if obs, ok := a.dequeue(); ok {
			a.mu.Unlock()
			return obs, true
		}

		if a.closed {
			a.mu.Unlock()
			return Observation{}, false
		}
		ready := a.ready
		a.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return Observation{}, false
		}
	}
}

// dequeue pops the oldest head across ports; a.mu must be held
func (a *Aggregator) dequeue() (Observation, bool) {
	var (
		best     *portQueue
		bestPort string
	)
	for port, q := range a.ports {
		if len(q.items) == 0 {
			continue
		}
		if best == nil || q.items[0].seq < best.items[0].seq {
			best, bestPort = q, port
		}
	}
	if best == nil {
		return Observation{}, false
	}

	e := best.items[0]
	best.remove(0)
	best.stats.Delivered++

	// leaving capacity restarts the grace clock; the episode ends at
	// the low watermark
	if len(best.items) < a.opts.Capacity {
		best.full = false
	}
	if best.episode && len(best.items) <= a.opts.Capacity/2 {
		best.episode = false
		best.overrunSignaled = false
	}
	close(a.space)
	a.space = make(chan struct{})

	return Observation{
		Kind:    ObserveMessage,
		Seq:     e.seq,
		Port:    bestPort,
		At:      e.at,
		Message: e.msg,
	}, true
}

// Close stops accepting pushes; Next drains what is left
func (a *Aggregator) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.space)
		a.space = make(chan struct{})
	}
	a.mu.Unlock()
	a.signal()
}

// Stats returns per-port counters
func (a *Aggregator) Stats() map[string]PortStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]PortStats, len(a.ports))
	for port, q := range a.ports {
		s := q.stats
		s.Queued = len(q.items)
		out[port] = s
	}
	return out
}

// Ports returns known port names, sorted
func (a *Aggregator) Ports() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.ports))
	for port := range a.ports {
		names = append(names, port)
	}
	sort.Strings(names)
	return names
}

func (a *Aggregator) signal() {
	select {
	case a.ready <- struct{}{}:
	default:
	}
}

func (q *portQueue) oldestMeter() int {
	for i := range q.items {
		if q.items[i].msg.Kind == classify.Meter {
			return i
		}
	}
	return -1
}

func (q *portQueue) remove(i int) {
	copy(q.items[i:], q.items[i+1:])
	q.items[len(q.items)-1] = entry{}
	q.items = q.items[:len(q.items)-1]
}
