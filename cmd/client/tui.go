package main

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"skeld/internal/client"
	"skeld/internal/protocol"
)

const tuiHistorySize = 200

var (
	docStyle    = lipgloss.NewStyle().Margin(1, 1)
	prompt      = "> "
	outputStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2).BorderForeground(lipgloss.Color("63"))
	statusStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2).BorderForeground(lipgloss.Color("63"))
	inputStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1).BorderForeground(lipgloss.Color("63"))
)

type model struct {
	client         *client.Client
	events         <-chan string
	statusViewport viewport.Model
	outputViewport viewport.Model
	textinput      textinput.Model
	history        []string
	ready          bool
}

type statusUpdateMsg string
type outputUpdateMsg string
type commandResultMsg string
type disconnectedMsg struct{}

func initialModel(c *client.Client, events <-chan string) model {
	ti := textinput.New()
	ti.Placeholder = "Enter command (help)..."
	ti.Focus()
	ti.Prompt = prompt
	ti.CharLimit = 280

	welcome := fmt.Sprintf("Connected to %s", c.Server())
	outputVp := viewport.New(0, 0)
	outputVp.Style = outputStyle
	outputVp.SetContent(welcome)

	statusVp := viewport.New(0, 0)
	statusVp.Style = statusStyle
	statusVp.SetContent("Room status will appear here.")

	return model{
		client:         c,
		events:         events,
		textinput:      ti,
		outputViewport: outputVp,
		statusViewport: statusVp,
		history:        []string{welcome},
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.updateStatusCmd(), m.waitForEvent())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		iCmd   tea.Cmd
		ovpCmd tea.Cmd
		svpCmd tea.Cmd
	)

	m.textinput, iCmd = m.textinput.Update(msg)
	m.outputViewport, ovpCmd = m.outputViewport.Update(msg)
	m.statusViewport, svpCmd = m.statusViewport.Update(msg)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		verticalMargin, horizontalMargin := docStyle.GetFrameSize()
		const inputHeight = 3
		viewportsHeight := msg.Height - inputHeight - verticalMargin

		statusWidth := msg.Width / 3
		outputWidth := msg.Width - statusWidth - horizontalMargin

		m.statusViewport.Width = statusWidth
		m.statusViewport.Height = viewportsHeight
		m.outputViewport.Width = outputWidth
		m.outputViewport.Height = viewportsHeight

		m.textinput.Width = msg.Width - docStyle.GetHorizontalFrameSize() - inputStyle.GetHorizontalFrameSize() - lipgloss.Width(m.textinput.Prompt) - 1
		m.ready = true
		return m, nil
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.textinput.Value())
			m.textinput.Reset()
			if line == "" {
				return m, nil
			}
			if line == "exit" {
				return m, tea.Quit
			}
			m = m.appendOutput(prompt + line)
			return m, m.runCommand(line)
		}
	case statusUpdateMsg:
		m.statusViewport.SetContent(string(msg))
		return m, m.updateStatusCmd()
	case outputUpdateMsg:
		if msg != "" {
			m = m.appendOutput(string(msg))
		}
		return m, m.waitForEvent()
	case commandResultMsg:
		if msg != "" {
			m = m.appendOutput(string(msg))
		}
		return m, nil
	case disconnectedMsg:
		reason, _ := m.client.Reason()
		m = m.appendOutput(fmt.Sprintf("disconnected: %s", reason))
		return m, nil
	}

	return m, tea.Batch(iCmd, ovpCmd, svpCmd)
}

func (m model) appendOutput(line string) model {
	m.history = append(m.history, line)
	if len(m.history) > tuiHistorySize {
		m.history = m.history[len(m.history)-tuiHistorySize:]
	}
	m.outputViewport.SetContent(strings.Join(m.history, "\n"))
	if m.ready {
		m.outputViewport.GotoBottom()
	}
	return m
}

func (m model) View() string {
	if !m.ready {
		return "Initializing..."
	}
	mainView := lipgloss.JoinVertical(
		lipgloss.Left,
		lipgloss.JoinHorizontal(
			lipgloss.Top,
			m.outputViewport.View(),
			m.statusViewport.View(),
		),
		inputStyle.Render(m.textinput.View()),
	)
	return docStyle.Render(mainView)
}

// runCommand executes a command off the update loop.
func (m model) runCommand(line string) tea.Cmd {
	c := m.client
	return func() tea.Msg {
		return commandResultMsg(handleCommand(c, line))
	}
}

// waitForEvent delivers the next server message line.
func (m model) waitForEvent() tea.Cmd {
	events, done := m.events, m.client.Done()
	return func() tea.Msg {
		select {
		case line := <-events:
			return outputUpdateMsg(line)
		case <-done:
			return disconnectedMsg{}
		}
	}
}

func (m model) updateStatusCmd() tea.Cmd {
	c := m.client
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		var sb strings.Builder

		sb.WriteString("Client Info\n")
		sb.WriteString("--------------------\n")
		fmt.Fprintf(&sb, "Server: %s\n", c.Server())
		fmt.Fprintf(&sb, "Local: %s\n", c.LocalAddr())
		fmt.Fprintf(&sb, "Session: %s\n", c.Session())
		if id := c.ClientID(); id != 0 {
			fmt.Fprintf(&sb, "Client ID: %d\n", id)
		}
		sb.WriteString("\n")

		sb.WriteString("Room Info\n")
		sb.WriteString("--------------------\n")
		code := c.Room()
		if code == 0 {
			sb.WriteString("Not in a room\n")
			return statusUpdateMsg(sb.String())
		}
		fmt.Fprintf(&sb, "Room: %s\n", protocol.FormatGameCode(code))
		fmt.Fprintf(&sb, "Host: %d\n", c.HostID())
		players := c.Players()
		ids := make([]int32, 0, len(players))
		for id := range players {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		fmt.Fprintf(&sb, "Players: %d\n", len(ids))
		for _, id := range ids {
			fmt.Fprintf(&sb, "- [%d] %s\n", id, players[id])
		}
		return statusUpdateMsg(sb.String())
	})
}
