// Package classify sorts framed messages into console message kinds and
// decides what a sink should do with each kind.
package classify

import (
	"fmt"
	"strings"
)

// Kind is the class a message falls into
type Kind int

const (
	Unknown Kind = iota
	BulkRequest
	ParameterBlock
	EQBlock
	Meter
	Realtime
	ChannelControl
)

var kindNames = map[Kind]string{
	Unknown:        "unknown",
	BulkRequest:    "bulk_request",
	ParameterBlock: "parameter_block",
	EQBlock:        "eq_block",
	Meter:          "meter",
	Realtime:       "realtime",
	ChannelControl: "channel_control",
}

// Kinds lists every kind in display order
func Kinds() []Kind {
	return []Kind{BulkRequest, ParameterBlock, EQBlock, Meter, Realtime, ChannelControl, Unknown}
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind accepts the names String produces, case and dash insensitive
func ParseKind(s string) (Kind, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for k, name := range kindNames {
		if name == norm {
			return k, nil
		}
	}
	return Unknown, fmt.Errorf("unknown message kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
