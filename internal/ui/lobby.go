package ui

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/motionsignal/motionlink/internal/lobby"
)

// LobbyUpdate is a message sent from external goroutines to update the UI
type LobbyUpdate struct {
	Type    UpdateType
	Device  lobby.Device
	Mode    string
	Message string
	Error   error
}

type UpdateType int

const (
	UpdateDevice UpdateType = iota
	UpdateMode
	UpdateStatus
	UpdateError
)

// LobbyModel is the Bubble Tea model for the live lobby view: the
// member table, the current session mode and a status line.
type LobbyModel struct {
	role      string
	lobbyName string
	mode      string
	statusMsg string

	devices map[string]lobby.Device

	spinner spinner.Model

	width  int
	height int

	mu sync.RWMutex

	updateChan chan LobbyUpdate
	done       chan struct{}

	// onModeKey, when set, runs on the "m" key (host only).
	onModeKey func()

	err error
}

// NewLobbyModel creates a lobby model for the given role ("host" or
// "client") and lobby name.
func NewLobbyModel(role, lobbyName string) *LobbyModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &LobbyModel{
		role:       role,
		lobbyName:  lobbyName,
		mode:       lobby.DefaultMode,
		statusMsg:  "waiting for devices",
		devices:    make(map[string]lobby.Device),
		spinner:    s,
		updateChan: make(chan LobbyUpdate, 100),
		done:       make(chan struct{}),
		width:      80,
		height:     24,
	}
}

// GetUpdateChannel returns the channel for sending updates
func (m *LobbyModel) GetUpdateChannel() chan<- LobbyUpdate {
	return m.updateChan
}

// SetModeKeyHandler binds the "m" key to fn. Must be called before the
// program starts.
func (m *LobbyModel) SetModeKeyHandler(fn func()) {
	m.onModeKey = fn
}

func (m *LobbyModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.waitForUpdates(),
	)
}

// waitForUpdates returns a command that listens for external updates
func (m *LobbyModel) waitForUpdates() tea.Cmd {
	return func() tea.Msg {
		select {
		case update := <-m.updateChan:
			return update
		case <-m.done:
			return nil
		}
	}
}

func (m *LobbyModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "m":
			if m.onModeKey != nil {
				go m.onModeKey()
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case LobbyUpdate:
		m.handleUpdate(msg)
		cmds = append(cmds, m.waitForUpdates())
	}

	return m, tea.Batch(cmds...)
}

func (m *LobbyModel) handleUpdate(update LobbyUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch update.Type {
	case UpdateDevice:
		m.devices[update.Device.ID] = update.Device

	case UpdateMode:
		m.mode = update.Mode

	case UpdateStatus:
		m.statusMsg = update.Message

	case UpdateError:
		m.err = update.Error
	}
}

func (m *LobbyModel) View() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var b strings.Builder

	header := fmt.Sprintf("%s MotionLink Lobby %s (%s)", IconLobby, m.lobbyName, m.role)
	b.WriteString(HeaderStyle.Render(header))
	b.WriteString("\n")

	b.WriteString(fmt.Sprintf("%s Mode: %s\n\n", IconMode, BoldStyle.Render(m.mode)))

	if len(m.devices) == 0 {
		b.WriteString(fmt.Sprintf("%s %s\n", m.spinner.View(), MutedStyle.Render(m.statusMsg)))
	} else {
		b.WriteString(m.deviceTable())
		b.WriteString("\n")
	}

	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(FormatError(m.err))
		b.WriteString("\n")
	}

	footer := "press q to leave the lobby"
	if m.onModeKey != nil {
		footer = "press m to switch mode, q to leave the lobby"
	}
	b.WriteString(FooterStyle.Render(footer))
	return b.String()
}

func (m *LobbyModel) deviceTable() string {
	devices := make([]lobby.Device, 0, len(m.devices))
	for _, dev := range m.devices {
		devices = append(devices, dev)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Name != devices[j].Name {
			return devices[i].Name < devices[j].Name
		}
		return devices[i].ID < devices[j].ID
	})

	headers := []string{"Device", "Status", "Channel"}
	var rows [][]string
	for _, dev := range devices {
		name := dev.Name
		if name == "" {
			name = dev.ID
		}
		if dev.Self {
			name += " (you)"
		}
		status := dev.Status.String()
		channel := "-"
		if dev.ChannelReady {
			channel = "open"
		}
		rows = append(rows, []string{name, fmt.Sprintf("%s %s", statusIcon(status), status), channel})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return tbl.Render()
}
