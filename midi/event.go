package midi

import (
	"fmt"
	"strings"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"
)

// MIDI status bytes the framer cares about
const (
	SysExStart  byte = 0xF0
	SysExEnd    byte = 0xF7
	TuneRequest byte = 0xF6

	ProgramChange   byte = 0xC0
	ChannelPressure byte = 0xD0
)

// RawByte is one byte pulled off a port, stamped with its arrival time
type RawByte struct {
	Port  string
	Time  time.Time
	Value byte
}

// FrameType identifies the variant held by a Frame
type FrameType int

const (
	FrameChannel FrameType = iota
	FrameCommon
	FrameRealtime
	FrameSysEx
)

func (t FrameType) String() string {
	switch t {
	case FrameChannel:
		return "channel"
	case FrameCommon:
		return "common"
	case FrameRealtime:
		return "realtime"
	case FrameSysEx:
		return "sysex"
	}
	return fmt.Sprintf("frame(%d)", int(t))
}

// RealtimeKind names a system realtime status byte
type RealtimeKind byte

const (
	RealtimeClock         RealtimeKind = 0xF8
	RealtimeTick          RealtimeKind = 0xF9 // undefined in MIDI 1.0
	RealtimeStart         RealtimeKind = 0xFA
	RealtimeContinue      RealtimeKind = 0xFB
	RealtimeStop          RealtimeKind = 0xFC
	RealtimeUndefined     RealtimeKind = 0xFD
	RealtimeActiveSensing RealtimeKind = 0xFE
	RealtimeReset         RealtimeKind = 0xFF
)

func (k RealtimeKind) String() string {
	switch k {
	case RealtimeClock:
		return "clock"
	case RealtimeStart:
		return "start"
	case RealtimeContinue:
		return "continue"
	case RealtimeStop:
		return "stop"
	case RealtimeActiveSensing:
		return "active-sensing"
	case RealtimeReset:
		return "reset"
	}
	return "undefined"
}

// Frame is one completed message off a port.
//
// Channel and common frames use Status and Data, realtime frames only Status,
// SysEx frames only Payload (without the F0/F7 delimiters). Raw holds the
// bytes consumed from the stream to produce the frame, so a running-status
// channel message has no status byte in Raw.
type Frame struct {
	Type    FrameType
	Port    string
	Time    time.Time
	Status  byte
	Data    []byte
	Payload []byte
	Raw     []byte
}

// Realtime returns the realtime kind for realtime frames
func (f Frame) Realtime() RealtimeKind {
	return RealtimeKind(f.Status)
}

// Channel returns the 0-based MIDI channel of a channel frame
func (f Frame) Channel() uint8 {
	return f.Status & 0x0F
}

// Wire returns the full wire form of the frame, status included
func (f Frame) Wire() []byte {
	switch f.Type {
	case FrameSysEx:
		out := make([]byte, 0, len(f.Payload)+2)
		out = append(out, SysExStart)
		out = append(out, f.Payload...)
		return append(out, SysExEnd)
	case FrameRealtime:
		return []byte{f.Status}
	default:
		out := make([]byte, 0, len(f.Data)+1)
		out = append(out, f.Status)
		return append(out, f.Data...)
	}
}

// Message returns the frame as a gomidi message
func (f Frame) Message() gomidi.Message {
	return gomidi.Message(f.Wire())
}

// Describe renders a short human readable summary
func (f Frame) Describe() string {
	switch f.Type {
	case FrameSysEx:
		return fmt.Sprintf("SysEx len=%d %s", len(f.Payload), Hex(f.Wire()))
	case FrameRealtime:
		return "Realtime " + f.Realtime().String()
	}
	return f.Message().String()
}

// Hex formats bytes the way the capture logs do: upper case, space separated
func Hex(b []byte) string {
	var sb strings.Builder
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", v)
	}
	return sb.String()
}

// dataLength returns how many data bytes follow a channel or system common status.
// -1 marks statuses that never take data through the channel path.
func dataLength(status byte) int {
	switch status & 0xF0 {
	case 0x80, 0x90, 0xA0, 0xB0, 0xE0:
		return 2
	case ProgramChange, ChannelPressure:
		return 1
	}
	switch status {
	case 0xF1, 0xF3:
		return 1
	case 0xF2:
		return 2
	case TuneRequest:
		return 0
	}
	return -1
}

func isRealtime(b byte) bool {
	return b >= 0xF8
}

func isChannelStatus(b byte) bool {
	return b >= 0x80 && b < 0xF0
}
