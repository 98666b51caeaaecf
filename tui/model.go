package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"mixsniff/classify"
	"mixsniff/monitor"
	"mixsniff/theme"
)

const maxLines = 1000

type Model struct {
	Monitor *monitor.Monitor
	Feed    *Feed
	Theme   *theme.Theme

	done     <-chan error
	lines    []Line
	paused   bool
	height   int
	status   string
	quitting bool
	finished bool
}

type LineMsg Line

type TickMsg time.Time

type DoneMsg struct {
	Err error
}

func NewModel(mon *monitor.Monitor, feed *Feed, th *theme.Theme, done <-chan error) Model {
	return Model{
		Monitor: mon,
		Feed:    feed,
		Theme:   th,
		done:    done,
		height:  24,
	}
}

func ListenForLines(feed *Feed) tea.Cmd {
	return func() tea.Msg {
		line, ok := <-feed.Lines()
		if !ok {
			return nil
		}
		return LineMsg(line)
	}
}

func WaitForDone(done <-chan error) tea.Cmd {
	return func() tea.Msg {
		return DoneMsg{Err: <-done}
	}
}

func tick() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		ListenForLines(m.Feed),
		WaitForDone(m.done),
		tick(),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit

		case "p", " ":
			m.paused = !m.paused

		case "c":
			m.lines = nil

		case "m":
			m.status = m.toggle(classify.Meter)

		case "r":
			m.status = m.toggle(classify.Realtime)

		case "u":
			m.status = m.toggle(classify.Unknown)
		}

	case tea.WindowSizeMsg:
		m.height = msg.Height

	case LineMsg:
		if !m.paused {
			m.lines = append(m.lines, Line(msg))
			if len(m.lines) > maxLines {
				m.lines = m.lines[len(m.lines)-maxLines:]
			}
		}
		return m, ListenForLines(m.Feed)

	case TickMsg:
		return m, tick()

	case DoneMsg:
		m.finished = true
		if msg.Err != nil {
			m.status = "stopped: " + msg.Err.Error()
		} else {
			m.status = "all ports closed"
		}
	}

	return m, nil
}

// toggle flips a kind between suppressed and shown
func (m Model) toggle(kind classify.Kind) string {
	p := m.Monitor.Policy()
	d := classify.Suppress
	if p.Decide(kind) == classify.Suppress {
		d = classify.Emit
	}
	m.Monitor.SetPolicy(p.With(kind, d))
	return fmt.Sprintf("%s: %s", kind, d)
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	// Styles
	headerStyle := lipgloss.NewStyle().Foreground(m.Theme.Accent())
	dimStyle := lipgloss.NewStyle().Foreground(m.Theme.Muted())
	warnStyle := m.Theme.WarningStyle()

	state := "LIVE"
	if m.paused {
		state = "PAUSED"
	}
	if m.finished {
		state = "DONE"
	}
	header := headerStyle.Render(fmt.Sprintf("mixsniff  %s  dropped-lines:%d", state, m.Feed.Dropped()))

	stats := m.Monitor.Stats()
	ports := make([]string, 0, len(stats.Ports))
	for name := range stats.Ports {
		ports = append(ports, name)
	}
	sort.Strings(ports)

	var portLines []string
	for _, name := range ports {
		ps := stats.Ports[name]
		fs := stats.Framers[name]
		line := fmt.Sprintf("%-28s rx:%-7d meter-drop:%-6d ctrl-drop:%-4d in-drop:%-4d faults:%-4d overruns:%-3d q:%d",
			name, ps.Received, ps.DroppedMeter, ps.DroppedControl, ps.DroppedInput, fs.TotalFaults(), ps.Overruns, ps.Queued)
		if ps.Lost {
			line = warnStyle.Render(line + "  LOST")
		} else if ps.DroppedControl > 0 || ps.DroppedInput > 0 {
			line = warnStyle.Render(line)
		}
		portLines = append(portLines, line)
	}
	portView := strings.Join(portLines, "\n")

	help := dimStyle.Render("p:pause  c:clear  m:meters  r:realtime  u:unknown  q:quit")
	if m.status != "" {
		help += "  " + headerStyle.Render(m.status)
	}

	// Fit scrollback to the window
	room := m.height - lipgloss.Height(header) - lipgloss.Height(portView) - 5
	if room < 1 {
		room = 1
	}
	visible := m.lines
	if len(visible) > room {
		visible = visible[len(visible)-room:]
	}

	var out strings.Builder
	out.WriteString("\n")
	out.WriteString(header)
	out.WriteString("\n\n")
	out.WriteString(portView)
	out.WriteString("\n\n")
	for _, l := range visible {
		out.WriteString(m.render(l))
		out.WriteString("\n")
	}
	out.WriteString("\n")
	out.WriteString(help)

	return out.String()
}

func (m Model) render(l Line) string {
	if l.Warning {
		return m.Theme.WarningStyle().Render(l.Text)
	}
	style := m.Theme.DecisionStyle(l.Decision)
	if l.Decision == classify.Emit {
		style = style.Foreground(m.Theme.KindColor(l.Kind))
	}
	return style.Render(l.Text)
}
