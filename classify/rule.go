package classify

import (
	"fmt"
	"strings"
)

// Anchor selects what a rule offset counts from
type Anchor int

const (
	// AnchorPayload indexes the SysEx payload (F0 excluded)
	AnchorPayload Anchor = iota
	// AnchorMessage indexes the wire message, index 0 being F0
	AnchorMessage
)

func (a Anchor) String() string {
	if a == AnchorMessage {
		return "message"
	}
	return "payload"
}

func (a Anchor) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Anchor) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "payload":
		*a = AnchorPayload
	case "message":
		*a = AnchorMessage
	default:
		return fmt.Errorf("unknown rule anchor %q", string(text))
	}
	return nil
}

// Rule matches a SysEx payload when the byte at Offset equals Value.
type Rule struct {
	Name      string `toml:"name"`
	Offset    int    `toml:"offset"`
	Anchor    Anchor `toml:"anchor"`
	Value     uint8  `toml:"value"`
	Kind      Kind   `toml:"kind"`
	Priority  int    `toml:"priority"`
	MinLength int    `toml:"min_length,omitempty"` // minimum payload length
}

// index returns the payload index the rule inspects, -1 if none
func (r Rule) index() int {
	if r.Anchor == AnchorMessage {
		return r.Offset - 1
	}
	return r.Offset
}

// Match reports whether the rule matches payload. It never panics on short payloads.
func (r Rule) Match(payload []byte) bool {
	i := r.index()
	if i < 0 || i >= len(payload) {
		return false
	}
	if len(payload) < r.MinLength {
		return false
	}
	return payload[i] == r.Value
}

// Validate checks a rule is usable
func (r Rule) Validate() error {
	if r.Offset < 0 {
		return fmt.Errorf("rule %q: negative offset %d", r.Name, r.Offset)
	}
	if r.Anchor == AnchorMessage && r.Offset == 0 {
		return fmt.Errorf("rule %q: message offset 0 is the F0 delimiter", r.Name)
	}
	if r.Value > 0x7F {
		return fmt.Errorf("rule %q: value 0x%02X is not a data byte", r.Name, r.Value)
	}
	if _, ok := kindNames[r.Kind]; !ok {
		return fmt.Errorf("rule %q: invalid kind %d", r.Name, int(r.Kind))
	}
	return nil
}

func (r Rule) String() string {
	return fmt.Sprintf("%s[%s %d]=0x%02X→%s", r.Name, r.Anchor, r.Offset, r.Value, r.Kind)
}

// DefaultRules is the 01V96 rule table.
//
// Bulk request and parameter change sit at wire index 4, meter data at
// wire index 5 with at least 70 wire bytes. The meter constant is unverified
// and meant to be tuned in config.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "bulk-request", Anchor: AnchorMessage, Offset: 4, Value: 0x0E, Kind: BulkRequest, Priority: 10},
		{Name: "eq-library", Anchor: AnchorPayload, Offset: 15, Value: 0x51, Kind: EQBlock, Priority: 20},
		{Name: "parameter-change", Anchor: AnchorMessage, Offset: 4, Value: 0x7F, Kind: ParameterBlock, Priority: 30},
		{Name: "meter", Anchor: AnchorMessage, Offset: 5, Value: 0x21, Kind: Meter, Priority: 40, MinLength: 68},
	}
}
