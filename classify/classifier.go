package classify

import (
	"sort"

	"mixsniff/midi"
)

// Classified is a frame with the kind it was sorted into. Rule is nil when
// no rule decided the kind (non-SysEx frames, unmatched SysEx).
type Classified struct {
	Frame midi.Frame
	Kind  Kind
	Rule  *Rule
}

// Classifier applies an ordered rule table. It holds no mutable state and is
// safe for concurrent use.
type Classifier struct {
	rules []Rule
}

// New sorts a copy of rules by ascending priority; equal priorities keep
// their table order.
func New(rules []Rule) *Classifier {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return &Classifier{rules: sorted}
}

// Rules returns the table in evaluation order
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// KindOf classifies a SysEx payload: first matching rule wins
func (c *Classifier) KindOf(payload []byte) (Kind, *Rule) {
	for i := range c.rules {
		if c.rules[i].Match(payload) {
			r := c.rules[i]
			return r.Kind, &r
		}
	}
	return Unknown, nil
}

// Classify sorts any frame. Realtime frames are Realtime, channel and
// system common frames pass through as ChannelControl.
func (c *Classifier) Classify(f midi.Frame) Classified {
	switch f.Type {
	case midi.FrameRealtime:
		return Classified{Frame: f, Kind: Realtime}
	case midi.FrameSysEx:
		kind, rule := c.KindOf(f.Payload)
		return Classified{Frame: f, Kind: kind, Rule: rule}
	}
	return Classified{Frame: f, Kind: ChannelControl}
}
