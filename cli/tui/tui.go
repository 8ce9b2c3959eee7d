package tui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/coapp/downloads"
)

// DefaultInterval is how often the view polls the download.
const DefaultInterval = 200 * time.Millisecond

const barWidth = 40

// Source reports the current state of the download. ok is false once the
// download is no longer known.
type Source func() (entry downloads.Entry, ok bool)

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "cancel"),
	),
}

type tickMsg time.Time

// ProgressModel is a Bubble Tea model following one download until it
// reaches a terminal state.
type ProgressModel struct {
	source   Source
	cancel   func()
	interval time.Duration

	entry      downloads.Entry
	width      int
	cancelling bool
	done       bool
}

// NewProgressModel creates a progress model. cancel is called once when
// the user quits; the model keeps polling until the download settles.
func NewProgressModel(source Source, cancel func()) ProgressModel {
	return ProgressModel{
		source:   source,
		cancel:   cancel,
		interval: DefaultInterval,
		entry:    downloads.Entry{State: downloads.StateInProgress},
	}
}

func (m ProgressModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model.
func (m ProgressModel) Init() tea.Cmd {
	return m.tick()
}

// Update implements tea.Model.
func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) && !m.cancelling {
			m.cancelling = true
			if m.cancel != nil {
				m.cancel()
			}
		}
		return m, nil

	case tickMsg:
		entry, ok := m.source()
		if ok {
			m.entry = entry
		}
		if !ok || entry.State != downloads.StateInProgress {
			m.done = true
			return m, tea.Quit
		}
		return m, m.tick()
	}

	return m, nil
}

// View implements tea.Model.
func (m ProgressModel) View() string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Downloading " + m.entry.URL))
	b.WriteString("\n")

	b.WriteString(LabelStyle.Render("File"))
	b.WriteString(ValueStyle.Render(m.entry.Filename))
	b.WriteString("\n")

	b.WriteString(LabelStyle.Render("Progress"))
	b.WriteString(m.bar())
	b.WriteString(" ")
	b.WriteString(progressText(m.entry))
	b.WriteString("\n")

	state := string(m.entry.State)
	if m.entry.Error != nil {
		state += ": " + *m.entry.Error
	}
	b.WriteString(LabelStyle.Render("State"))
	b.WriteString(StateStyle(string(m.entry.State)).Render(state))
	b.WriteString("\n")

	if !m.done {
		help := "Press q or Ctrl+C to cancel"
		if m.cancelling {
			help = "Cancelling..."
		}
		b.WriteString(HelpStyle.Render(help))
		b.WriteString("\n")
	}
	return b.String()
}

func (m ProgressModel) bar() string {
	width := barWidth
	if m.width > 0 && m.width-40 < width {
		width = max(m.width-40, 10)
	}
	filled := 0
	if m.entry.TotalBytes > 0 {
		filled = int(int64(width) * min(m.entry.BytesReceived, m.entry.TotalBytes) / m.entry.TotalBytes)
	} else if m.entry.State == downloads.StateComplete {
		filled = width
	}
	return BarFilledStyle.Render(strings.Repeat("█", filled)) +
		BarEmptyStyle.Render(strings.Repeat("░", width-filled))
}

// Entry returns the last state seen.
func (m ProgressModel) Entry() downloads.Entry { return m.entry }

func progressText(e downloads.Entry) string {
	if e.TotalBytes <= 0 {
		return FormatBytes(e.BytesReceived)
	}
	pct := float64(e.BytesReceived) * 100 / float64(e.TotalBytes)
	return fmt.Sprintf("%s / %s (%.0f%%)", FormatBytes(e.BytesReceived), FormatBytes(e.TotalBytes), pct)
}

// FormatBytes renders n with a binary unit, e.g. "1.5 MiB".
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// RunProgress shows the progress view on out until the download settles
// and returns its final state.
func RunProgress(out io.Writer, source Source, cancel func()) (downloads.Entry, error) {
	p := tea.NewProgram(NewProgressModel(source, cancel), tea.WithOutput(out))
	final, err := p.Run()
	if err != nil {
		return downloads.Entry{}, err
	}
	return final.(ProgressModel).Entry(), nil
}
