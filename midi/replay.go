package midi

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ReplayTransport serves captured byte streams as ports. Each source is
// either raw MIDI bytes or a hex text log; lines carrying "RX:" are read
// from that marker on, matching the sniffer capture format.
type ReplayTransport struct {
	sources map[string]func() (io.ReadCloser, error)
	hex     map[string]bool
}

// NewReplayTransport creates an empty replay transport
func NewReplayTransport() *ReplayTransport {
	return &ReplayTransport{
		sources: make(map[string]func() (io.ReadCloser, error)),
		hex:     make(map[string]bool),
	}
}

// AddFile registers a capture file as a port named after the file.
// Files ending in .txt or .log are parsed as hex text.
func (t *ReplayTransport) AddFile(path string) string {
	name := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(path))
	t.sources[name] = func() (io.ReadCloser, error) {
		return os.Open(path)
	}
	t.hex[name] = ext == ".txt" || ext == ".log" || ext == ".hex"
	return name
}

// AddReader registers an in-memory source
func (t *ReplayTransport) AddReader(name string, r io.Reader, isHex bool) {
	t.sources[name] = func() (io.ReadCloser, error) {
		return io.NopCloser(r), nil
	}
	t.hex[name] = isHex
}

func (t *ReplayTransport) ListPorts() ([]PortDescriptor, error) {
	names := make([]string, 0, len(t.sources))
	for name := range t.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]PortDescriptor, 0, len(names))
	for _, name := range names {
		out = append(out, PortDescriptor{Name: name})
	}
	return out, nil
}

// Open loads the whole source into a pipe. The pipe is already closed for
// writing, so the port ends with ErrPortClosed once drained.
func (t *ReplayTransport) Open(name string) (PortHandle, error) {
	open, ok := t.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s: no such replay source", ErrPortUnavailable, name)
	}
	rc, err := open()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPortUnavailable, name, err)
	}
	defer rc.Close()

	var data []byte
	if t.hex[name] {
		data, err = ParseHexLog(rc)
	} else {
		data, err = io.ReadAll(rc)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPortUnavailable, name, err)
	}

	p := NewPipe(name, 0)
	p.Write(data, time.Now())
	p.Close()
	return p, nil
}

// ParseHexLog extracts bytes from a hex text capture. Tokens that are not
// exactly one hex byte are skipped, so prefixes like "[PORT 1]" survive.
func ParseHexLog(r io.Reader) ([]byte, error) {
	var out []byte
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*DefaultMaxSysEx)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.Index(line, "RX:"); i >= 0 {
			line = line[i+3:]
		}
		if i := strings.Index(line, "|"); i >= 0 {
			line = line[i+1:]
		}
		for _, tok := range strings.Fields(line) {
			tok = strings.TrimPrefix(strings.TrimPrefix(tok, "0x"), "0X")
			if len(tok) != 2 {
				continue
			}
			b, err := hex.DecodeString(tok)
			if err != nil {
				continue
			}
			out = append(out, b[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
