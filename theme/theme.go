package theme

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"mixsniff/classify"
)

type Theme struct {
	Palette *Palette
	Symbols Symbols
}

type Symbols struct {
	Highlight rune // ★ highlighted message
	Message   rune // · plain message
	Fault     rune // ✗ framing fault
	Overrun   rune // ▲ queue overrun
	Lost      rune // ⏏ port lost
}

func New(palette *Palette) *Theme {
	return &Theme{
		Palette: palette,
		Symbols: Symbols{
			Highlight: '★',
			Message:   '·',
			Fault:     '✗',
			Overrun:   '▲',
			Lost:      '⏏',
		},
	}
}

// Color roles mapped to palette positions (0-1)
const (
	RoleBG      = 0.0 // deep purple
	RoleMuted   = 0.2 // purple-magenta
	RoleFG      = 0.5 // pink (readable)
	RoleAccent  = 0.4 // vivid magenta
	RoleWarning = 0.75
	RoleSuccess = 1.0 // bright yellow
)

// Style helpers

func (t *Theme) BG() lipgloss.Color {
	return rgbToLipgloss(t.Palette.Lookup(RoleBG))
}

func (t *Theme) FG() lipgloss.Color {
	return rgbToLipgloss(t.Palette.Lookup(RoleFG))
}

func (t *Theme) Accent() lipgloss.Color {
	return rgbToLipgloss(t.Palette.Lookup(RoleAccent))
}

func (t *Theme) Muted() lipgloss.Color {
	return rgbToLipgloss(t.Palette.Lookup(RoleMuted))
}

func (t *Theme) Warning() lipgloss.Color {
	return rgbToLipgloss(t.Palette.Lookup(RoleWarning))
}

func (t *Theme) Success() lipgloss.Color {
	return rgbToLipgloss(t.Palette.Lookup(RoleSuccess))
}

// KindColor spreads the message kinds over the palette
func (t *Theme) KindColor(k classify.Kind) lipgloss.Color {
	kinds := classify.Kinds()
	for i, kind := range kinds {
		if kind == k {
			return rgbToLipgloss(t.Palette.Lookup(0.3 + 0.7*float64(i)/float64(len(kinds)-1)))
		}
	}
	return t.Muted()
}

// DecisionStyle returns the line style for a policy decision
func (t *Theme) DecisionStyle(d classify.Decision) lipgloss.Style {
	switch d {
	case classify.EmitHighlighted:
		return lipgloss.NewStyle().Bold(true).Foreground(t.Success())
	case classify.Suppress:
		return lipgloss.NewStyle().Foreground(t.Muted())
	}
	return lipgloss.NewStyle().Foreground(t.FG())
}

// WarningStyle is used for faults, overruns and lost ports
func (t *Theme) WarningStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Warning())
}

func rgbToLipgloss(c RGB) lipgloss.Color {
	return lipgloss.Color(fmt.Sprintf("#%02x%02x%02x", c[0], c[1], c[2]))
}
