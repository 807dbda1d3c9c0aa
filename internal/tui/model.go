// Package tui renders the host's terminal UI: a participant table, the job
// log, and key bindings that drive the coordinator. It consumes the UI event
// stream and produces commands; all job state stays in the coordinator, the
// model only mirrors what the stream tells it.
package tui

import (
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/oriys/midas/internal/event"
)

// Commander delivers a UI command to the coordinator's router.
type Commander func(event.Event)

const maxLogLines = 500

type participantRow struct {
	endpoint event.EndpointID
	name     string
	status   event.Status
	// progress fraction, negative when unreported.
	progress float64
}

// Model is the bubbletea state for the host UI.
type Model struct {
	events <-chan event.UIEvent
	send   Commander

	scriptPath  textinput.Model
	editingPath bool

	rows     []participantRow
	selected int

	logs       []string
	lastResult string

	width  int
	height int
}

// New builds the initial model. defaultScript preloads the Begin prompt.
func New(events <-chan event.UIEvent, send Commander, defaultScript string) Model {
	ti := textinput.New()
	ti.Placeholder = "path/to/script.js"
	ti.SetValue(defaultScript)
	ti.CharLimit = 256
	return Model{
		events:     events,
		send:       send,
		scriptPath: ti,
	}
}

// Run drives the UI on the calling goroutine until the user quits.
func Run(events <-chan event.UIEvent, send Commander, defaultScript string) error {
	_, err := tea.NewProgram(New(events, send, defaultScript), tea.WithAltScreen()).Run()
	return err
}

type uiEventMsg struct{ ev event.UIEvent }
type streamClosedMsg struct{}

func (m Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return streamClosedMsg{}
		}
		return uiEventMsg{ev: ev}
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.waitForEvent(), textinput.Blink)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case streamClosedMsg:
		return m, tea.Quit

	case uiEventMsg:
		m.apply(msg.ev)
		return m, m.waitForEvent()

	case tea.KeyMsg:
		return m.key(msg)
	}
	return m, nil
}

func (m Model) key(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.editingPath {
		switch msg.String() {
		case "enter":
			m.editingPath = false
			m.scriptPath.Blur()
			if path := m.scriptPath.Value(); path != "" {
				m.send(event.Begin{Path: path})
			}
			return m, nil
		case "esc":
			m.editingPath = false
			m.scriptPath.Blur()
			return m, nil
		}
		var cmd tea.Cmd
		m.scriptPath, cmd = m.scriptPath.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q", "ctrl+c":
		m.send(event.RemoveAll{})
		m.send(event.Shutdown{})
		return m, tea.Quit
	case "b":
		m.editingPath = true
		return m, m.scriptPath.Focus()
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
		return m, nil
	case "down", "j":
		if m.selected < len(m.rows)-1 {
			m.selected++
		}
		return m, nil
	case "p":
		if row, ok := m.selectedRow(); ok {
			m.send(event.PauseOne{Endpoint: row.endpoint})
		}
		return m, nil
	case "r":
		if row, ok := m.selectedRow(); ok {
			m.send(event.PlayOne{Endpoint: row.endpoint})
		}
		return m, nil
	case "x":
		if row, ok := m.selectedRow(); ok {
			m.send(event.KillOne{Endpoint: row.endpoint})
		}
		return m, nil
	case "P":
		m.send(event.PauseAll{})
		return m, nil
	case "R":
		m.send(event.PlayAll{})
		return m, nil
	case "X":
		m.send(event.KillAll{})
		return m, nil
	case "D":
		m.send(event.RemoveAll{})
		return m, nil
	}
	return m, nil
}

func (m *Model) selectedRow() (participantRow, bool) {
	if m.selected < 0 || m.selected >= len(m.rows) {
		return participantRow{}, false
	}
	return m.rows[m.selected], true
}

// apply folds one coordinator event into the mirrored state.
func (m *Model) apply(ev event.UIEvent) {
	switch e := ev.(type) {
	case event.ParticipantRegistered:
		m.rows = append(m.rows, participantRow{
			endpoint: e.Endpoint,
			name:     e.Name,
			status:   event.StatusIdle,
			progress: -1,
		})

	case event.ParticipantUnregistered:
		for i, row := range m.rows {
			if row.name == e.Name {
				m.rows = append(m.rows[:i], m.rows[i+1:]...)
				break
			}
		}
		if m.selected >= len(m.rows) && m.selected > 0 {
			m.selected = len(m.rows) - 1
		}

	case event.ChangeStatusTo:
		for i := range m.rows {
			if m.rows[i].name == e.Name {
				m.rows[i].status = e.Status
				if e.Status == event.StatusIdle {
					m.rows[i].progress = -1
				}
				break
			}
		}

	case event.ParticipantProgress:
		for i := range m.rows {
			if m.rows[i].name == e.Name {
				m.rows[i].progress = e.Fraction
				break
			}
		}

	case event.Log:
		m.logs = append(m.logs, formatLog(e))
		if len(m.logs) > maxLogLines {
			m.logs = m.logs[len(m.logs)-maxLogLines:]
		}

	case event.InterpretResultsReturn:
		m.lastResult = e.Text
	}
}
