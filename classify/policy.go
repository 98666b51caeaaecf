package classify

import (
	"fmt"
	"strings"
)

// Decision is what a sink should do with a message
type Decision int

const (
	Emit Decision = iota
	Suppress
	EmitHighlighted
)

func (d Decision) String() string {
	switch d {
	case Emit:
		return "emit"
	case Suppress:
		return "suppress"
	case EmitHighlighted:
		return "highlight"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// ParseDecision accepts emit, suppress and highlight (or emit_highlighted)
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "emit", "show":
		return Emit, nil
	case "suppress", "hide":
		return Suppress, nil
	case "highlight", "emit_highlighted", "emit-highlighted":
		return EmitHighlighted, nil
	}
	return Emit, fmt.Errorf("unknown decision %q", s)
}

func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Decision) UnmarshalText(text []byte) error {
	parsed, err := ParseDecision(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Policy maps kinds to decisions; kinds absent from Decisions get Default.
type Policy struct {
	Default   Decision
	Decisions map[Kind]Decision
}

// DefaultPolicy hides clock and meter traffic and highlights bulk and EQ data
func DefaultPolicy() Policy {
	return Policy{
		Default: Emit,
		Decisions: map[Kind]Decision{
			Realtime:    Suppress,
			Meter:       Suppress,
			BulkRequest: EmitHighlighted,
			EQBlock:     EmitHighlighted,
		},
	}
}

// Decide returns the decision for kind
func (p Policy) Decide(kind Kind) Decision {
	if d, ok := p.Decisions[kind]; ok {
		return d
	}
	return p.Default
}

// With returns a copy of p with kind mapped to d
func (p Policy) With(kind Kind, d Decision) Policy {
	out := Policy{Default: p.Default, Decisions: make(map[Kind]Decision, len(p.Decisions)+1)}
	for k, v := range p.Decisions {
		out.Decisions[k] = v
	}
	out.Decisions[kind] = d
	return out
}
