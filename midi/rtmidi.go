package midi

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"mixsniff/debug"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // Register MIDI driver
)

// ErrScanTimeout is returned when the OS MIDI service does not answer a port scan
var ErrScanTimeout = errors.New("midi: port scan timed out")

// RtMidi is the Transport backed by the OS MIDI subsystem through gomidi.
type RtMidi struct {
	// PollRate is how often an open port checks it is still present
	PollRate time.Duration
	// ScanTimeout bounds a single port scan (CoreMIDI can hang)
	ScanTimeout time.Duration
	// Buffer is the number of pending messages per port before drops
	Buffer int
	// SysExBuffer is passed to the driver as the SysEx receive buffer size
	SysExBuffer uint32
}

// NewRtMidi creates a transport with default timings
func NewRtMidi() *RtMidi {
	return &RtMidi{
		PollRate:    time.Second,
		ScanTimeout: 3 * time.Second,
		Buffer:      4096,
		SysExBuffer: DefaultMaxSysEx,
	}
}

func (t *RtMidi) inPorts() ([]drivers.In, error) {
	ch := make(chan []drivers.In, 1)
	go func() {
		ch <- gomidi.GetInPorts()
	}()

	select {
	case ins := <-ch:
		return ins, nil
	case <-time.After(t.ScanTimeout):
		// User needs to run: sudo killall coreaudiod midiserver
		return nil, ErrScanTimeout
	}
}

// ListPorts returns the input ports currently visible
func (t *RtMidi) ListPorts() ([]PortDescriptor, error) {
	ins, err := t.inPorts()
	if err != nil {
		return nil, err
	}
	out := make([]PortDescriptor, 0, len(ins))
	for _, in := range ins {
		out = append(out, PortDescriptor{Name: in.String()})
	}
	return out, nil
}

// OutPorts returns the names of output ports
func (t *RtMidi) OutPorts() []string {
	var names []string
	for _, out := range gomidi.GetOutPorts() {
		names = append(names, out.String())
	}
	return names
}

// Open starts listening on the named input port
func (t *RtMidi) Open(name string) (PortHandle, error) {
	ins, err := t.inPorts()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPortUnavailable, name, err)
	}
	in := findPort(ins, name)
	if in == nil {
		return nil, fmt.Errorf("%w: %s: not found", ErrPortUnavailable, name)
	}

	h := &rtPort{
		Pipe:      NewPipe(name, t.Buffer),
		transport: t,
		done:      make(chan struct{}),
	}

	stop, err := gomidi.ListenTo(in, func(msg gomidi.Message, timestampms int32) {
		if !h.Write(msg, time.Now()) {
			debug.LogEvery(100, "rtmidi", "port %s: dropping input, reader behind", name)
		}
	},
		gomidi.UseSysEx(),
		gomidi.UseTimeCode(),
		gomidi.UseActiveSense(),
		gomidi.SysExBufferSize(t.SysExBuffer),
		gomidi.HandleError(func(err error) {
			h.Fail(fmt.Errorf("%w: %s: %v", ErrPortLost, name, err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPortUnavailable, name, err)
	}
	h.stopFunc = stop

	go h.watch()
	return h, nil
}

// rtPort is an open gomidi input. The driver delivers whole messages in a
// callback; the embedded Pipe turns them back into a byte stream.
type rtPort struct {
	*Pipe
	transport *RtMidi
	stopFunc  func()

	once sync.Once
	done chan struct{}
}

// watch polls the port list and fails the pipe once the port disappears
func (p *rtPort) watch() {
	ticker := time.NewTicker(p.transport.PollRate)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			ins, err := p.transport.inPorts()
			if err != nil {
				// hung scan, try again next tick
				continue
			}
			if findPort(ins, p.Name()) == nil {
				p.Fail(fmt.Errorf("%w: %s: disconnected", ErrPortLost, p.Name()))
				p.shutdown()
				return
			}
		}
	}
}

func (p *rtPort) shutdown() {
	p.once.Do(func() {
		close(p.done)
		if p.stopFunc != nil {
			p.stopFunc()
		}
	})
}

func (p *rtPort) Close() error {
	p.shutdown()
	return p.Pipe.Close()
}

// findPort returns the input named exactly name. Open and the presence
// watch both use it so a port is never opened under one rule and lost
// under another.
func findPort(ins []drivers.In, name string) drivers.In {
	for _, in := range ins {
		if in.String() == name {
			return in
		}
	}
	return nil
}
