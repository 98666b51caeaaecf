package midi

import (
	"fmt"
	"strings"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// Sender writes raw messages to an output port
type Sender struct {
	name string
	send func(msg gomidi.Message) error
	out  drivers.Out
}

// OpenSender opens the first output port whose name contains pattern
func OpenSender(pattern string) (*Sender, error) {
	var out drivers.Out
	for _, p := range gomidi.GetOutPorts() {
		if strings.Contains(strings.ToLower(p.String()), strings.ToLower(pattern)) {
			out = p
			break
		}
	}
	if out == nil {
		return nil, fmt.Errorf("%w: no output matching %q", ErrPortUnavailable, pattern)
	}

	send, err := gomidi.SendTo(out)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	return &Sender{name: out.String(), send: send, out: out}, nil
}

func (s *Sender) Name() string {
	return s.name
}

// Send writes one complete message (SysEx including F0/F7)
func (s *Sender) Send(msg []byte) error {
	if err := s.send(gomidi.Message(msg)); err != nil {
		return fmt.Errorf("send %s: %w", s.name, err)
	}
	return nil
}

func (s *Sender) Close() error {
	return s.out.Close()
}
