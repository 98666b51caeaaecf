package midi

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// DefaultMaxSysEx caps a single SysEx payload
const DefaultMaxSysEx = 64 * 1024

// maxDiscard bounds the raw bytes one overflow fault holds; a runaway dump
// longer than this is reported in several faults
const maxDiscard = 1 << 20

var (
	// ErrFramingFault matches every *Fault
	ErrFramingFault = errors.New("midi: framing fault")
	// ErrBufferOverflow matches faults for SysEx messages over the size cap
	ErrBufferOverflow = errors.New("midi: sysex buffer overflow")
)

// FaultKind classifies a framing fault
type FaultKind int

const (
	FaultInterrupted FaultKind = iota // status byte arrived before F7
	FaultOverflow                     // SysEx grew beyond the configured cap
	FaultStrayData                    // data byte with no status to attach to
	FaultStrayEnd                     // F7 outside a SysEx
	FaultIncomplete                   // message cut short by a new status or close
	FaultUndefined                    // undefined system common status F4/F5

	numFaultKinds = iota
)

func (k FaultKind) String() string {
	switch k {
	case FaultInterrupted:
		return "interrupted"
	case FaultOverflow:
		return "overflow"
	case FaultStrayData:
		return "stray-data"
	case FaultStrayEnd:
		return "stray-end"
	case FaultIncomplete:
		return "incomplete"
	case FaultUndefined:
		return "undefined-status"
	}
	return fmt.Sprintf("fault(%d)", int(k))
}

// Fault reports bytes the framer had to discard.
// Dropped is the SysEx payload or channel data that was lost, Raw every
// discarded byte as it was read.
type Fault struct {
	Kind    FaultKind
	Port    string
	Time    time.Time
	Dropped []byte
	Raw     []byte
}

func (f *Fault) Error() string {
	return fmt.Sprintf("port %s: %s (%d bytes dropped)", f.Port, f.Kind, len(f.Raw))
}

// Is reports ErrFramingFault for any fault and ErrBufferOverflow for overflows
func (f *Fault) Is(target error) bool {
	if target == ErrFramingFault {
		return true
	}
	return target == ErrBufferOverflow && f.Kind == FaultOverflow
}

// Event is a port output: exactly one of Frame, Fault or Loss is set.
// The framer produces frames and faults, Ingest adds input losses.
type Event struct {
	Frame *Frame
	Fault *Fault
	Loss  *InputLoss
}

type framerState int

const (
	stateIdle framerState = iota
	stateSysEx
	stateData
	stateDiscard // rest of an oversize SysEx, up to F7 or a status byte
)

// FramerStats counts framer output
type FramerStats struct {
	Bytes  uint64
	Frames map[FrameType]uint64
	Faults map[FaultKind]uint64
}

// TotalFaults sums faults of every kind
func (s FramerStats) TotalFaults() uint64 {
	var n uint64
	for _, v := range s.Faults {
		n += v
	}
	return n
}

type framerCounters struct {
	bytes  atomic.Uint64
	frames [FrameSysEx + 1]atomic.Uint64
	faults [numFaultKinds]atomic.Uint64
}

// Framer turns one port's byte stream into frames. Feed, FeedBytes and
// Close must be called from a single goroutine; Stats may be called from any.
type Framer struct {
	port     string
	maxSysEx int

	state   framerState
	buf     []byte
	running byte // last channel status, 0 when none
	status  byte // status of the message being collected
	need    int
	data    []byte
	raw     []byte // raw bytes of the channel/common message being collected

	// pending overflow fault while in stateDiscard
	discard   []byte
	overflow  []byte
	discardAt time.Time

	stats framerCounters
}

// NewFramer creates a framer for a port. maxSysEx <= 0 uses DefaultMaxSysEx.
func NewFramer(port string, maxSysEx int) *Framer {
	if maxSysEx <= 0 {
		maxSysEx = DefaultMaxSysEx
	}
	return &Framer{
		port:     port,
		maxSysEx: maxSysEx,
	}
}

// Port returns the port the framer belongs to
func (f *Framer) Port() string {
	return f.port
}

// Feed consumes one byte and returns the events it completed (usually none)
func (f *Framer) Feed(rb RawByte) []Event {
	f.stats.bytes.Add(1)
	var out []Event
	return f.feed(rb.Value, rb.Time, out)
}

// FeedBytes is a convenience for feeding a whole buffer stamped with one time
func (f *Framer) FeedBytes(b []byte, at time.Time) []Event {
	var out []Event
	for _, v := range b {
		f.stats.bytes.Add(1)
		out = f.feed(v, at, out)
	}
	return out
}

// Close flushes any partial message as an incomplete fault and resets state
func (f *Framer) Close(at time.Time) []Event {
	var out []Event
	switch f.state {
	case stateSysEx:
		out = f.fault(out, FaultIncomplete, at, f.buf, f.sysexRaw())
	case stateData:
		out = f.fault(out, FaultIncomplete, at, f.data, f.raw)
	case stateDiscard:
		out = f.flushDiscard(out)
	}
	f.reset()
	f.running = 0
	return out
}

// Stats returns a copy of the framer counters
func (f *Framer) Stats() FramerStats {
	s := FramerStats{
		Bytes:  f.stats.bytes.Load(),
		Frames: make(map[FrameType]uint64),
		Faults: make(map[FaultKind]uint64),
	}
	for i := range f.stats.frames {
		if v := f.stats.frames[i].Load(); v > 0 {
			s.Frames[FrameType(i)] = v
		}
	}
	for i := range f.stats.faults {
		if v := f.stats.faults[i].Load(); v > 0 {
			s.Faults[FaultKind(i)] = v
		}
	}
	return s
}

func (f *Framer) feed(b byte, at time.Time, out []Event) []Event {
	// Realtime bytes may sit anywhere, including inside a SysEx
	if isRealtime(b) {
		return f.emit(out, Frame{Type: FrameRealtime, Status: b, Time: at, Raw: []byte{b}})
	}

	switch f.state {
	case stateSysEx:
		switch {
		case b == SysExEnd:
			payload := f.buf
			raw := f.sysexRaw()
			raw = append(raw, b)
			f.buf = nil
			f.state = stateIdle
			return f.emit(out, Frame{Type: FrameSysEx, Payload: payload, Time: at, Raw: raw})
		case b < 0x80:
			if len(f.buf) >= f.maxSysEx {
				// the overflow fault is held until the dump ends
				f.discard = append(f.sysexRaw(), b)
				f.overflow = f.buf
				f.discardAt = at
				f.buf = nil
				f.state = stateDiscard
				return out
			}
			f.buf = append(f.buf, b)
			return out
		default:
			out = f.fault(out, FaultInterrupted, at, f.buf, f.sysexRaw())
			f.reset()
			return f.idle(b, at, out)
		}

	case stateDiscard:
		switch {
		case b == SysExEnd:
			f.discard = append(f.discard, b)
			out = f.flushDiscard(out)
			f.reset()
			return out
		case b < 0x80:
			f.discard = append(f.discard, b)
			if len(f.discard) >= maxDiscard {
				out = f.flushDiscard(out)
			}
			return out
		default:
			out = f.flushDiscard(out)
			f.reset()
			return f.idle(b, at, out)
		}

	case stateData:
		if b < 0x80 {
			f.data = append(f.data, b)
			f.raw = append(f.raw, b)
			if len(f.data) == f.need {
				out = f.complete(out, at)
			}
			return out
		}
		out = f.fault(out, FaultIncomplete, at, f.data, f.raw)
		f.reset()
		return f.idle(b, at, out)
	}

	return f.idle(b, at, out)
}

func (f *Framer) idle(b byte, at time.Time, out []Event) []Event {
	switch {
	case b == SysExStart:
		f.running = 0
		f.state = stateSysEx
		f.buf = make([]byte, 0, 64)
		return out

	case b == SysExEnd:
		return f.fault(out, FaultStrayEnd, at, nil, []byte{b})

	case isChannelStatus(b):
		f.running = b
		f.begin(b, []byte{b})
		return out

	case b >= 0xF1 && b <= 0xF6:
		f.running = 0
		n := dataLength(b)
		if n < 0 {
			return f.fault(out, FaultUndefined, at, nil, []byte{b})
		}
		f.begin(b, []byte{b})
		if n == 0 {
			return f.complete(out, at)
		}
		return out

	default: // data byte
		if f.running == 0 {
			return f.fault(out, FaultStrayData, at, nil, []byte{b})
		}
		f.begin(f.running, nil)
		f.data = append(f.data, b)
		f.raw = append(f.raw, b)
		if len(f.data) == f.need {
			return f.complete(out, at)
		}
		return out
	}
}

func (f *Framer) begin(status byte, raw []byte) {
	f.status = status
	f.need = dataLength(status)
	f.data = make([]byte, 0, 2)
	f.raw = raw
	f.state = stateData
}

func (f *Framer) complete(out []Event, at time.Time) []Event {
	typ := FrameChannel
	if f.status >= 0xF0 {
		typ = FrameCommon
	}
	fr := Frame{Type: typ, Status: f.status, Data: f.data, Time: at, Raw: f.raw}
	f.reset()
	return f.emit(out, fr)
}

// flushDiscard emits the pending overflow fault; the state is left as is
func (f *Framer) flushDiscard(out []Event) []Event {
	if len(f.discard) == 0 {
		return out
	}
	out = f.fault(out, FaultOverflow, f.discardAt, f.overflow, f.discard)
	f.discard = nil
	f.overflow = nil
	return out
}

func (f *Framer) sysexRaw() []byte {
	raw := make([]byte, 0, len(f.buf)+2)
	raw = append(raw, SysExStart)
	return append(raw, f.buf...)
}

func (f *Framer) emit(out []Event, fr Frame) []Event {
	fr.Port = f.port
	f.stats.frames[fr.Type].Add(1)
	return append(out, Event{Frame: &fr})
}

func (f *Framer) fault(out []Event, kind FaultKind, at time.Time, dropped, raw []byte) []Event {
	f.stats.faults[kind].Add(1)
	return append(out, Event{Fault: &Fault{
		Kind:    kind,
		Port:    f.port,
		Time:    at,
		Dropped: dropped,
		Raw:     raw,
	}})
}

// reset returns to Idle but keeps running status
func (f *Framer) reset() {
	f.state = stateIdle
	f.buf = nil
	f.status = 0
	f.need = 0
	f.data = nil
	f.raw = nil
	f.discard = nil
	f.overflow = nil
}
