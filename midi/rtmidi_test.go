package midi

import (
	"testing"

	"gitlab.com/gomidi/midi/v2/drivers"
)

type namedIn struct {
	drivers.In
	name string
}

func (n namedIn) String() string { return n.name }

func TestFindPortIsExact(t *testing.T) {
	ins := []drivers.In{
		namedIn{name: "YAMAHA 01V96 Port1"},
		namedIn{name: "YAMAHA 01V96 Port2"},
	}
	if in := findPort(ins, "YAMAHA 01V96 Port2"); in == nil || in.String() != "YAMAHA 01V96 Port2" {
		t.Fatalf("expected Port2, got %v", in)
	}
	for _, name := range []string{"yamaha 01v96 port1", "YAMAHA 01V96", "Port1"} {
		if in := findPort(ins, name); in != nil {
			t.Fatalf("%q: expected no match, got %s", name, in.String())
		}
	}
}
