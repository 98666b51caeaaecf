// Package sink holds the line-oriented monitor sinks.
package sink

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"mixsniff/aggregate"
	"mixsniff/classify"
	"mixsniff/midi"
	"mixsniff/theme"
)

// Console prints one line per emitted message, in the capture log format:
//
//	[   1.234s] [PORT 01V96 Port1] bulk_request    F0 43 10 3E 0E 00 F7
type Console struct {
	w     io.Writer
	theme *theme.Theme
	color bool
	start time.Time

	// ShowSuppressed prints suppressed messages dimmed instead of hiding them
	ShowSuppressed bool

	mu         sync.Mutex
	counts     map[classify.Kind]uint64
	suppressed uint64
	notices    map[aggregate.ObservationKind]uint64
}

// NewConsole writes to w; colour is used only when w is a terminal
func NewConsole(w io.Writer, th *theme.Theme) *Console {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Console{
		w:       w,
		theme:   th,
		color:   color,
		start:   time.Now(),
		counts:  make(map[classify.Kind]uint64),
		notices: make(map[aggregate.ObservationKind]uint64),
	}
}

// SetColor forces colour on or off
func (c *Console) SetColor(on bool) {
	c.mu.Lock()
	c.color = on
	c.mu.Unlock()
}

func (c *Console) Observe(msg classify.Classified, d classify.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts[msg.Kind]++
	if d == classify.Suppress {
		c.suppressed++
		if !c.ShowSuppressed {
			return
		}
	}

	marker := c.theme.Symbols.Message
	if d == classify.EmitHighlighted {
		marker = c.theme.Symbols.Highlight
	}
	line := fmt.Sprintf("%s %c %-16s %s", c.prefix(msg.Frame.Time, msg.Frame.Port), marker, msg.Kind, msg.Frame.Describe())
	if msg.Rule != nil && d == classify.EmitHighlighted {
		line += "  <- " + msg.Rule.Name
	}
	c.println(c.theme.DecisionStyle(d).Render, line)
}

func (c *Console) Notice(obs aggregate.Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.notices[obs.Kind]++
	var line string
	switch obs.Kind {
	case aggregate.ObserveFault:
		line = fmt.Sprintf("%s %c fault %s dropped=[%s]", c.prefix(obs.At, obs.Port),
			c.theme.Symbols.Fault, obs.Fault.Kind, midi.Hex(obs.Fault.Dropped))
	case aggregate.ObserveOverrun:
		line = fmt.Sprintf("%s %c %v", c.prefix(obs.At, obs.Port), c.theme.Symbols.Overrun, obs.Overrun)
	case aggregate.ObservePortLost:
		line = fmt.Sprintf("%s %c port lost: %v", c.prefix(obs.At, obs.Port), c.theme.Symbols.Lost, obs.Err)
	case aggregate.ObserveInputLoss:
		line = fmt.Sprintf("%s %c input dropped: %d messages (reader behind)", c.prefix(obs.At, obs.Port),
			c.theme.Symbols.Overrun, obs.Loss.Messages)
	default:
		return
	}
	c.println(c.theme.WarningStyle().Render, line)
}

// Summary reports per-kind counts
func (c *Console) Summary() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var parts []string
	for _, k := range classify.Kinds() {
		if n := c.counts[k]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", k, n))
		}
	}
	var notices []string
	for k, n := range c.notices {
		notices = append(notices, fmt.Sprintf("%s=%d", k, n))
	}
	sort.Strings(notices)
	return fmt.Sprintf("messages: %s | suppressed=%d | notices: %s",
		strings.Join(parts, " "), c.suppressed, strings.Join(notices, " "))
}

func (c *Console) prefix(at time.Time, port string) string {
	elapsed := at.Sub(c.start).Seconds()
	if at.IsZero() {
		elapsed = 0
	}
	return fmt.Sprintf("[%8.3fs] [PORT %s]", elapsed, port)
}

func (c *Console) println(render func(...string) string, line string) {
	if c.color {
		line = render(line)
	}
	fmt.Fprintln(c.w, line)
}
