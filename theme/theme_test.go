package theme

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mixsniff/classify"
)

const gpl = `GIMP Palette
Name: test
Columns: 2
#
  0   0   0	black
255 255 255	white
`

func writePalette(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "p.gpl")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write palette: %v", err)
	}
	return path
}

func TestLoadGPL(t *testing.T) {
	p, err := LoadGPL(writePalette(t, gpl))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if p.Name != "test" || len(p.Colors) != 2 {
		t.Fatalf("unexpected palette: %+v", p)
	}
	if got := p.Lookup(0.5); got != (RGB{127, 127, 127}) {
		t.Fatalf("expected midpoint grey, got %v", got)
	}
	if got := p.Lookup(2); got != (RGB{255, 255, 255}) {
		t.Fatalf("expected clamp to white, got %v", got)
	}
}

func TestLoadGPLWithoutColors(t *testing.T) {
	if _, err := LoadGPL(writePalette(t, "GIMP Palette\nName: empty\n")); err == nil {
		t.Fatalf("expected error for palette without colors")
	}
}

func TestLoadOrDefault(t *testing.T) {
	p, err := LoadOrDefault("")
	if err != nil || p.Name != "plasma" {
		t.Fatalf("expected default palette, got %v %v", p, err)
	}
	p, err = LoadOrDefault(filepath.Join(t.TempDir(), "missing.gpl"))
	if err == nil {
		t.Fatalf("expected error for missing palette")
	}
	if p == nil || p.Name != "plasma" {
		t.Fatalf("expected fallback palette on error")
	}
}

func TestSingleColorLookup(t *testing.T) {
	p := &Palette{Colors: []RGB{{1, 2, 3}}}
	if got := p.Lookup(0.7); got != (RGB{1, 2, 3}) {
		t.Fatalf("expected the only color, got %v", got)
	}
}

func TestKindColorsAreHex(t *testing.T) {
	th := New(DefaultPalette())
	for _, k := range classify.Kinds() {
		c := string(th.KindColor(k))
		if !strings.HasPrefix(c, "#") || len(c) != 7 {
			t.Fatalf("%s: unexpected color %q", k, c)
		}
	}
}

func TestReadGPLSkipsOutOfRange(t *testing.T) {
	p, err := ReadGPL(strings.NewReader("300 0 0\n10 20 30 ok\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Colors) != 1 || p.Colors[0] != (RGB{10, 20, 30}) {
		t.Fatalf("unexpected colors %v", p.Colors)
	}
}
