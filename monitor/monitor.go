// Package monitor wires transports, framers, the classifier, the aggregator
// and the policy into one running engine that reports to a Sink.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"mixsniff/aggregate"
	"mixsniff/classify"
	"mixsniff/debug"
	"mixsniff/midi"
)

// ErrNoPorts is returned by Run when no port was ever opened
var ErrNoPorts = errors.New("monitor: no ports opened")

// Sink receives every message after policy evaluation, plus fault,
// overrun, input-loss and port-lost notices.
type Sink interface {
	Observe(msg classify.Classified, d classify.Decision)
	Notice(obs aggregate.Observation)
}

// Options configures a Monitor
type Options struct {
	Rules    []classify.Rule
	Policy   classify.Policy
	MaxSysEx int
	Queue    aggregate.Options
}

// DefaultOptions uses the default rule table and policy
func DefaultOptions() Options {
	return Options{
		Rules:    classify.DefaultRules(),
		Policy:   classify.DefaultPolicy(),
		MaxSysEx: midi.DefaultMaxSysEx,
		Queue:    aggregate.DefaultOptions(),
	}
}

// Stats is a snapshot of engine counters
type Stats struct {
	Ports   map[string]aggregate.PortStats
	Framers map[string]midi.FramerStats
	Active  []string
}

type port struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}

	framer *midi.Framer

	mu  sync.Mutex
	err error
}

// Monitor runs one processing goroutine per open port and a single
// consumer loop in Run.
type Monitor struct {
	transport  midi.Transport
	classifier *classify.Classifier
	agg        *aggregate.Aggregator
	sink       Sink
	maxSysEx   int

	policyMu sync.RWMutex
	policy   classify.Policy

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	ports   map[string]*port
	ended   map[string]*port
	active  int
	running bool
}

// New creates a monitor reading from t and reporting to sink
func New(t midi.Transport, sink Sink, opts Options) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	if opts.Policy.Decisions == nil {
		opts.Policy = classify.DefaultPolicy()
	}
	return &Monitor{
		transport:  t,
		classifier: classify.New(opts.Rules),
		agg:        aggregate.New(opts.Queue),
		sink:       sink,
		maxSysEx:   opts.MaxSysEx,
		policy:     opts.Policy,
		ctx:        ctx,
		cancel:     cancel,
		ports:      make(map[string]*port),
		ended:      make(map[string]*port),
	}
}

// Classifier returns the active classifier
func (m *Monitor) Classifier() *classify.Classifier {
	return m.classifier
}

// Policy returns the active policy
func (m *Monitor) Policy() classify.Policy {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	return m.policy
}

// SetPolicy swaps the policy; messages already delivered are unaffected
func (m *Monitor) SetPolicy(p classify.Policy) {
	m.policyMu.Lock()
	m.policy = p
	m.policyMu.Unlock()
}

// Open opens the named ports. Ports that fail to open are skipped; their
// errors are joined into the returned error. Already open ports are ignored.
func (m *Monitor) Open(names ...string) error {
	var errs []error
	for _, name := range names {
		if err := m.openPort(name); err != nil {
			debug.Warn("monitor", "open %s: %v", name, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenMatching lists the transport's ports and opens those matching patterns.
// It returns the names it opened.
func (m *Monitor) OpenMatching(patterns []string) ([]string, error) {
	all, err := m.transport.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}
	selected := midi.SelectPorts(all, patterns)
	var names []string
	for _, p := range selected {
		names = append(names, p.Name)
	}
	err = m.Open(names...)

	var opened []string
	m.mu.Lock()
	for _, name := range names {
		if _, ok := m.ports[name]; ok {
			opened = append(opened, name)
		}
	}
	m.mu.Unlock()
	return opened, err
}

func (m *Monitor) openPort(name string) error {
	m.mu.Lock()
	if _, ok := m.ports[name]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	h, err := m.transport.Open(name)
	if err != nil {
		if !errors.Is(err, midi.ErrPortUnavailable) {
			err = fmt.Errorf("%w: %s: %v", midi.ErrPortUnavailable, name, err)
		}
		return err
	}

	pctx, cancel := context.WithCancel(m.ctx)
	p := &port{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
		framer: midi.NewFramer(name, m.maxSysEx),
	}

	m.mu.Lock()
	m.ports[name] = p
	m.active++
	m.mu.Unlock()

	go m.runPort(pctx, h, p)
	return nil
}

func (m *Monitor) runPort(ctx context.Context, h midi.PortHandle, p *port) {
	defer close(p.done)

	err := midi.Ingest(ctx, h, p.framer, func(ev midi.Event) {
		switch {
		case ev.Fault != nil:
			m.agg.Fault(ev.Fault)
			return
		case ev.Loss != nil:
			m.agg.InputLost(ev.Loss)
			return
		}
		msg := m.classifier.Classify(*ev.Frame)
		if err := m.agg.Push(m.ctx, msg); err != nil {
			debug.LogEvery(100, "monitor", "port %s: push: %v", p.name, err)
		}
	})

	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	if err != nil {
		m.agg.PortLost(p.name, err)
	}

	m.mu.Lock()
	delete(m.ports, p.name)
	m.ended[p.name] = p
	m.active--
	last := m.active == 0 && m.running
	m.mu.Unlock()

	if last {
		m.agg.Close()
	}
}

// ClosePort stops one port; the others keep running. It waits for the
// port to finish framing what it already read.
func (m *Monitor) ClosePort(name string) {
	m.mu.Lock()
	p, ok := m.ports[name]
	m.mu.Unlock()
	if !ok {
		return
	}
	p.cancel()
	<-p.done
}

// Run delivers observations to the sink until every port has ended or ctx
// is done. It fails with ErrNoPorts when nothing is open.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.active == 0 && len(m.ended) == 0 {
		m.mu.Unlock()
		return ErrNoPorts
	}
	m.running = true
	drained := m.active == 0
	m.mu.Unlock()

	// every port already finished, deliver what they left behind
	if drained {
		m.agg.Close()
	}

	stop := context.AfterFunc(ctx, m.shutdown)
	defer stop()

	for {
		obs, ok := m.agg.Next(context.Background())
		if !ok {
			return nil
		}
		m.deliver(obs)
	}
}

func (m *Monitor) deliver(obs aggregate.Observation) {
	if obs.Kind != aggregate.ObserveMessage {
		m.sink.Notice(obs)
		return
	}
	m.sink.Observe(obs.Message, m.Policy().Decide(obs.Message.Kind))
}

// shutdown cancels every port; Run returns once they have drained
func (m *Monitor) shutdown() {
	m.cancel()
	m.mu.Lock()
	idle := m.active == 0
	m.mu.Unlock()
	if idle {
		m.agg.Close()
	}
}

// Close stops all ports and waits for them
func (m *Monitor) Close() {
	m.mu.Lock()
	var waits []chan struct{}
	for _, p := range m.ports {
		waits = append(waits, p.done)
	}
	m.mu.Unlock()

	m.shutdown()
	for _, done := range waits {
		<-done
	}
	m.agg.Close()
}

// Stats snapshots aggregator and framer counters
func (m *Monitor) Stats() Stats {
	s := Stats{
		Ports:   m.agg.Stats(),
		Framers: make(map[string]midi.FramerStats),
	}
	m.mu.Lock()
	all := make([]*port, 0, len(m.ports)+len(m.ended))
	for name, p := range m.ports {
		s.Active = append(s.Active, name)
		all = append(all, p)
	}
	for _, p := range m.ended {
		all = append(all, p)
	}
	m.mu.Unlock()

	for _, p := range all {
		s.Framers[p.name] = p.framer.Stats()
	}
	return s
}

// PortErr returns why a port ended, nil for a clean close or unknown port
func (m *Monitor) PortErr(name string) error {
	m.mu.Lock()
	p, ok := m.ended[name]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
