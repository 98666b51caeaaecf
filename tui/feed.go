package tui

import (
	"fmt"
	"sync/atomic"
	"time"

	"mixsniff/aggregate"
	"mixsniff/classify"
	"mixsniff/midi"
)

// Line is one rendered observation waiting for the view
type Line struct {
	Text     string
	Kind     classify.Kind
	Decision classify.Decision
	Warning  bool
}

// Feed is the monitor sink behind the TUI. It never blocks the monitor:
// when the view falls behind, lines are dropped and counted.
type Feed struct {
	lines   chan Line
	start   time.Time
	dropped atomic.Uint64
}

func NewFeed(size int) *Feed {
	return &Feed{
		lines: make(chan Line, size),
		start: time.Now(),
	}
}

func (f *Feed) Lines() <-chan Line {
	return f.lines
}

func (f *Feed) Dropped() uint64 {
	return f.dropped.Load()
}

func (f *Feed) Observe(msg classify.Classified, d classify.Decision) {
	if d == classify.Suppress {
		return
	}
	text := fmt.Sprintf("%8.3fs %-20s %-16s %s", f.elapsed(msg.Frame.Time), msg.Frame.Port, msg.Kind, msg.Frame.Describe())
	f.push(Line{Text: text, Kind: msg.Kind, Decision: d})
}

func (f *Feed) Notice(obs aggregate.Observation) {
	var text string
	switch obs.Kind {
	case aggregate.ObserveFault:
		text = fmt.Sprintf("%8.3fs %-20s fault %s [%s]", f.elapsed(obs.At), obs.Port, obs.Fault.Kind, midi.Hex(obs.Fault.Dropped))
	case aggregate.ObserveOverrun:
		text = fmt.Sprintf("%8.3fs %-20s %v", f.elapsed(obs.At), obs.Port, obs.Overrun)
	case aggregate.ObservePortLost:
		text = fmt.Sprintf("%8.3fs %-20s port lost: %v", f.elapsed(obs.At), obs.Port, obs.Err)
	case aggregate.ObserveInputLoss:
		text = fmt.Sprintf("%8.3fs %-20s input dropped: %d messages", f.elapsed(obs.At), obs.Port, obs.Loss.Messages)
	default:
		return
	}
	f.push(Line{Text: text, Warning: true})
}

func (f *Feed) elapsed(at time.Time) float64 {
	if at.IsZero() {
		return 0
	}
	return at.Sub(f.start).Seconds()
}

func (f *Feed) push(l Line) {
	select {
	case f.lines <- l:
	default:
		f.dropped.Add(1)
	}
}
