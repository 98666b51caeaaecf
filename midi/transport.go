package midi

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPortUnavailable wraps failures to open a port
	ErrPortUnavailable = errors.New("midi: port unavailable")
	// ErrPortLost wraps errors that end a port that was open
	ErrPortLost = errors.New("midi: port lost")
	// ErrPortClosed is returned by NextByte once a closed handle is drained
	ErrPortClosed = errors.New("midi: port closed")
	// ErrInputDropped is matched by *InputLoss
	ErrInputDropped = errors.New("midi: input dropped")
)

// InputLoss reports whole messages a transport shed because the reader
// fell behind. Those bytes never reach the framer.
type InputLoss struct {
	Port     string
	Time     time.Time
	Messages uint64
}

func (l *InputLoss) Error() string {
	return fmt.Sprintf("port %s: %d input messages dropped, reader behind", l.Port, l.Messages)
}

func (l *InputLoss) Unwrap() error {
	return ErrInputDropped
}

// DropCounter is implemented by handles that can shed input
type DropCounter interface {
	Dropped() uint64
}

// PortDescriptor describes an input port a transport can open
type PortDescriptor struct {
	Name string
}

// Transport enumerates and opens input ports
type Transport interface {
	ListPorts() ([]PortDescriptor, error)
	Open(name string) (PortHandle, error)
}

// PortHandle is an open input port.
//
// NextByte blocks until a byte arrives. After Close it keeps returning bytes
// the transport already buffered and then ErrPortClosed. A port that went
// away returns an error wrapping ErrPortLost.
type PortHandle interface {
	Name() string
	NextByte() (RawByte, error)
	Close() error
}

// SelectPorts returns the ports whose names contain any of the patterns
// (case-insensitive). No patterns selects every port.
func SelectPorts(ports []PortDescriptor, patterns []string) []PortDescriptor {
	if len(patterns) == 0 {
		return ports
	}
	var out []PortDescriptor
	for _, p := range ports {
		name := strings.ToLower(p.Name)
		for _, pat := range patterns {
			if pat != "" && strings.Contains(name, strings.ToLower(pat)) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

type chunk struct {
	data []byte
	at   time.Time
}

// Pipe is an in-memory PortHandle fed with Write. Transports use it to turn
// callback-delivered messages into a byte stream, tests use it directly.
type Pipe struct {
	name string

	mu     sync.Mutex
	queue  []chunk
	cur    chunk
	pos    int
	closed bool
	err    error
	ready  chan struct{}

	dropped atomic.Uint64
	limit   int
}

// NewPipe creates a pipe holding at most limit pending chunks (0 = unbounded)
func NewPipe(name string, limit int) *Pipe {
	return &Pipe{
		name:  name,
		ready: make(chan struct{}, 1),
		limit: limit,
	}
}

func (p *Pipe) Name() string {
	return p.name
}

// Write queues a copy of b stamped with at. It never blocks; once the chunk
// limit is reached the chunk is dropped and counted. It reports false then.
func (p *Pipe) Write(b []byte, at time.Time) bool {
	if len(b) == 0 {
		return true
	}
	p.mu.Lock()
	if p.closed || p.err != nil {
		p.mu.Unlock()
		return false
	}
	if p.limit > 0 && len(p.queue) >= p.limit {
		p.dropped.Add(1)
		p.mu.Unlock()
		return false
	}
	data := make([]byte, len(b))
	copy(data, b)
	p.queue = append(p.queue, chunk{data: data, at: at})
	p.mu.Unlock()
	p.signal()
	return true
}

// Fail marks the pipe lost; readers see err after draining pending bytes
func (p *Pipe) Fail(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	p.signal()
}

// Dropped returns how many chunks Write refused
func (p *Pipe) Dropped() uint64 {
	return p.dropped.Load()
}

func (p *Pipe) NextByte() (RawByte, error) {
	for {
		p.mu.Lock()
		if p.pos < len(p.cur.data) {
			b := p.cur.data[p.pos]
			p.pos++
			at := p.cur.at
			p.mu.Unlock()
			return RawByte{Port: p.name, Time: at, Value: b}, nil
		}
		if len(p.queue) > 0 {
			p.cur = p.queue[0]
			p.queue[0] = chunk{}
			p.queue = p.queue[1:]
			p.pos = 0
			p.mu.Unlock()
			continue
		}
		if p.err != nil {
			err := p.err
			p.mu.Unlock()
			return RawByte{}, err
		}
		if p.closed {
			p.mu.Unlock()
			return RawByte{}, ErrPortClosed
		}
		p.mu.Unlock()
		<-p.ready
	}
}

func (p *Pipe) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.signal()
	return nil
}

func (p *Pipe) signal() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}
