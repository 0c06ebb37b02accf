package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/NERVsystems/letterchat/internal/chat"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Interactive two-pane chat with a live letter draft",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		p := tea.NewProgram(newTUIModel(a.orch), tea.WithAltScreen())
		_, err = p.Run()
		return err
	},
}

var (
	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	userStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// Messages sent from the exchange goroutine to the UI.
type (
	visibleMsg string
	letterMsg  string
	doneMsg    struct {
		result chat.Result
		err    error
	}
)

type turn struct {
	query string
	reply string
	err   error
}

// tuiModel is the bubbletea model: chat on the left, letter on the right.
type tuiModel struct {
	orch    *chat.Orchestrator
	session *chat.Session

	input   textinput.Model
	chatVP  viewport.Model
	letterV viewport.Model
	spinner spinner.Model

	turns    []turn
	letter   string
	rendered string
	loading  bool
	events   chan tea.Msg
	cancel   context.CancelFunc

	width  int
	height int
}

func newTUIModel(orch *chat.Orchestrator) tuiModel {
	ti := textinput.New()
	ti.Placeholder = "Skriv invånarens fråga... (Enter skickar, Ctrl+N ny konversation, Esc avslutar)"
	ti.Prompt = "│ "
	ti.CharLimit = 4096
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return tuiModel{
		orch:    orch,
		session: orch.Sessions().Create(),
		input:   ti,
		chatVP:  viewport.New(40, 20),
		letterV: viewport.New(40, 20),
		spinner: sp,
	}
}

func (m tuiModel) Init() tea.Cmd {
	return textinput.Blink
}

// waitForEvent delivers the next message from the running exchange.
func waitForEvent(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		case tea.KeyCtrlN:
			if !m.loading {
				m.session.Reset()
				m.turns = nil
				m.letter, m.rendered = "", ""
				m.refresh()
			}
			return m, nil
		case tea.KeyEnter:
			if !m.loading {
				return m.submit()
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		m.refresh()

	case visibleMsg:
		if len(m.turns) > 0 {
			m.turns[len(m.turns)-1].reply = string(msg)
		}
		m.refresh()
		return m, waitForEvent(m.events)

	case letterMsg:
		m.letter, m.rendered = string(msg), ""
		m.refresh()
		return m, waitForEvent(m.events)

	case doneMsg:
		m.loading = false
		m.cancel = nil
		if len(m.turns) > 0 {
			last := &m.turns[len(m.turns)-1]
			last.reply = msg.result.Exchange.Visible
			last.err = msg.err
		}
		if msg.result.Exchange.HasLetter() {
			m.letter = msg.result.Exchange.LetterText()
			m.rendered = m.renderMarkdown(m.letter)
		}
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		if m.loading {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.chatVP, cmd = m.chatVP.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// submit starts an exchange for the current input.
func (m tuiModel) submit() (tea.Model, tea.Cmd) {
	query := strings.TrimSpace(m.input.Value())
	if query == "" {
		return m, nil
	}
	m.input.Reset()
	m.turns = append(m.turns, turn{query: query})
	m.loading = true
	m.refresh()

	events := make(chan tea.Msg, 64)
	ctx, cancel := context.WithCancel(context.Background())
	m.events, m.cancel = events, cancel

	orch, sessionID := m.orch, m.session.ID
	go func() {
		defer cancel()
		p := chat.PresenterFuncs{
			OnVisible: func(s string) { events <- visibleMsg(s) },
			OnLetter:  func(s string) { events <- letterMsg(s) },
		}
		res, err := orch.Exchange(ctx, sessionID, query, p)
		events <- doneMsg{result: res, err: err}
	}()

	return m, tea.Batch(waitForEvent(events), m.spinner.Tick)
}

func (m *tuiModel) layout() {
	paneWidth := max(m.width/2-4, 20)
	paneHeight := max(m.height-7, 5)
	m.chatVP.Width, m.chatVP.Height = paneWidth, paneHeight
	m.letterV.Width, m.letterV.Height = paneWidth, paneHeight
	m.input.Width = max(m.width-6, 20)
}

// refresh rebuilds both panes from the model state.
func (m *tuiModel) refresh() {
	var b strings.Builder
	for _, t := range m.turns {
		b.WriteString(userStyle.Render("Fråga: ") + t.query + "\n\n")
		if t.reply != "" {
			b.WriteString(t.reply + "\n")
		}
		if t.err != nil {
			b.WriteString(errorStyle.Render("Fel: "+t.err.Error()) + "\n")
		}
		b.WriteString("\n")
	}
	m.chatVP.SetContent(lipgloss.NewStyle().Width(m.chatVP.Width).Render(b.String()))
	m.chatVP.GotoBottom()

	switch {
	case m.rendered != "":
		m.letterV.SetContent(m.rendered)
	case m.letter != "":
		m.letterV.SetContent(lipgloss.NewStyle().Width(m.letterV.Width).Render(m.letter))
	default:
		m.letterV.SetContent(mutedStyle.Render("Inget brev ännu."))
	}
}

func (m tuiModel) renderMarkdown(text string) string {
	width := max(m.letterV.Width, 20)
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(width))
	if err != nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return out
}

func (m tuiModel) View() string {
	left := paneStyle.Render(titleStyle.Render("Svar") + "\n" + m.chatVP.View())
	right := paneStyle.Render(titleStyle.Render("Brev") + "\n" + m.letterV.View())

	status := mutedStyle.Render(fmt.Sprintf("session %s · %d tokens", shortID(m.session.ID), m.session.TotalTokens()))
	if m.loading {
		status = m.spinner.View() + " " + status
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		lipgloss.JoinHorizontal(lipgloss.Top, left, right),
		m.input.View(),
		status,
	)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
