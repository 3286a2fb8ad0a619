// Package tui is the interactive full-screen chat view.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/shawkym/reqchat/pkg/router"
	"github.com/shawkym/reqchat/pkg/session"
	"github.com/shawkym/reqchat/pkg/transcript"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			Background(lipgloss.Color("63")).
			Padding(0, 1)

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("51"))

	agentStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	systemStyle = lipgloss.NewStyle().
			Italic(true).
			Foreground(lipgloss.Color("244"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	messageStyle = lipgloss.NewStyle().
			PaddingLeft(2)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	offlineStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	searchStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("226")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)
)

// chromeHeight is the number of lines around the viewport: title, blank,
// indicator, status, input (3), help.
const chromeHeight = 9

const statusRefresh = 500 * time.Millisecond

// Session is what the view drives.
type Session interface {
	Submit(ctx context.Context, utterance string) router.Decision
	Status() session.Status
	Reconnect(ctx context.Context)
}

// Model is the bubbletea model of the chat view.
type Model struct {
	ctx        context.Context
	sess       Session
	transcript *transcript.Reconciler
	events     <-chan transcript.Event
	cancel     func()

	entries            []transcript.Entry
	status             session.Status
	viewport           viewport.Model
	input              textarea.Model
	searchInput        textinput.Model
	spinner            spinner.Model
	searchMode         bool
	showHelp           bool
	searchResults      []int
	currentSearchIndex int
	width              int
	height             int
	ready              bool
	statusMessage      string
}

type transcriptEvent struct {
	event transcript.Event
	ok    bool
}

type statusTick struct{}

type submitted struct {
	decision router.Decision
}

// New builds the model and subscribes to rec.
func New(ctx context.Context, sess Session, rec *transcript.Reconciler) Model {
	events, cancel := rec.Subscribe()

	ta := textarea.New()
	ta.Placeholder = "Message the agent, /analyze <text>, or paste Story: blocks (Alt+Enter for a new line)"
	ta.ShowLineNumbers = false
	ta.SetHeight(3)
	ta.Focus()

	searchInput := textinput.New()
	searchInput.Placeholder = "Search transcript..."
	searchInput.CharLimit = 100

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Model{
		ctx:                ctx,
		sess:               sess,
		transcript:         rec,
		events:             events,
		cancel:             cancel,
		entries:            rec.Entries(),
		status:             sess.Status(),
		input:              ta,
		searchInput:        searchInput,
		spinner:            sp,
		searchResults:      make([]int, 0),
		currentSearchIndex: -1,
	}
}

// Run shows the chat view until the user quits.
func Run(ctx context.Context, sess Session, rec *transcript.Reconciler) error {
	m := New(ctx, sess, rec)
	defer m.cancel()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		m.spinner.Tick,
		m.waitForEvent(),
		tickStatus(),
	)
}

func (m Model) waitForEvent() tea.Cmd {
	events := m.events
	return func() tea.Msg {
		ev, ok := <-events
		return transcriptEvent{event: ev, ok: ok}
	}
}

func tickStatus() tea.Cmd {
	return tea.Tick(statusRefresh, func(time.Time) tea.Msg { return statusTick{} })
}

func (m Model) submit(text string) tea.Cmd {
	return func() tea.Msg {
		return submitted{decision: m.sess.Submit(m.ctx, text)}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.searchMode {
			return m.updateSearch(msg)
		}
		if m.showHelp {
			if msg.Type == tea.KeyEsc || msg.String() == "?" {
				m.showHelp = false
			}
			return m, nil
		}

		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyCtrlF:
			if m.ready {
				m.searchMode = true
				return m, nil
			}
		case tea.KeyCtrlR:
			if m.status.Exhausted {
				m.statusMessage = "Reconnecting..."
				sess, ctx := m.sess, m.ctx
				return m, func() tea.Msg {
					sess.Reconnect(ctx)
					return statusTick{}
				}
			}
			m.statusMessage = "Already connected or retrying"
			return m, nil
		case tea.KeyEnter:
			if msg.Alt {
				m.input.InsertString("\n")
				return m, nil
			}
			text := m.input.Value()
			if strings.TrimSpace(text) == "" {
				return m, nil
			}
			m.input.Reset()
			m.statusMessage = ""
			return m, m.submit(text)
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

		if msg.String() == "?" && m.input.Value() == "" {
			m.showHelp = true
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		height := msg.Height - chromeHeight
		if height < 3 {
			height = 3
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
		m.input.SetWidth(msg.Width - 2)
		m.viewport.SetContent(m.renderEntries())
		m.viewport.GotoBottom()

	case transcriptEvent:
		if !msg.ok {
			return m, nil
		}
		// Events are only a wake-up; a full subscriber buffer drops them,
		// so the entries always come from the reconciler.
		m.syncEntries()
		m.status.Indicator = m.transcript.Indicator()
		cmds = append(cmds, m.waitForEvent())

	case statusTick:
		m.status = m.sess.Status()
		if len(m.entries) != m.transcript.Len() {
			m.syncEntries()
		}
		cmds = append(cmds, tickStatus())

	case submitted:
		if msg.decision == router.Pipeline {
			m.statusMessage = "Sent to the analysis pipeline"
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	if m.ready {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m Model) updateSearch(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.searchMode = false
		m.searchInput.SetValue("")
		m.searchResults = make([]int, 0)
		m.currentSearchIndex = -1
		return m, nil
	case tea.KeyEnter:
		m.performSearch()
		return m, nil
	}

	switch msg.String() {
	case "ctrl+n":
		if len(m.searchResults) > 0 {
			m.currentSearchIndex = (m.currentSearchIndex + 1) % len(m.searchResults)
			m.scrollToSearchResult()
		}
		return m, nil
	case "ctrl+p":
		if len(m.searchResults) > 0 {
			m.currentSearchIndex--
			if m.currentSearchIndex < 0 {
				m.currentSearchIndex = len(m.searchResults) - 1
			}
			m.scrollToSearchResult()
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.searchInput, cmd = m.searchInput.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if !m.ready {
		return "Initializing..."
	}
	if m.showHelp {
		return m.renderHelp()
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("reqchat"))
	b.WriteString("\n\n")

	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	b.WriteString(m.renderIndicator())
	b.WriteString("\n")

	b.WriteString(m.renderStatus())
	b.WriteString("\n")

	if m.searchMode {
		bar := searchStyle.Render("Search: ") + m.searchInput.View()
		if len(m.searchResults) > 0 {
			bar += fmt.Sprintf(" (%d/%d matches, Ctrl+N/Ctrl+P to navigate)", m.currentSearchIndex+1, len(m.searchResults))
		} else if m.searchInput.Value() != "" {
			bar += " (no matches)"
		}
		b.WriteString(bar)
	} else {
		b.WriteString(m.input.View())
	}
	b.WriteString("\n")

	b.WriteString(helpStyle.Render("Enter: Send | Alt+Enter: New line | Ctrl+F: Search | Ctrl+R: Reconnect | ?: Help | Ctrl+C: Quit"))

	return b.String()
}

// renderIndicator shows at most one busy indicator. Typing wins.
func (m Model) renderIndicator() string {
	switch m.status.Indicator {
	case transcript.IndicatorTyping:
		return systemStyle.Render("Agent is typing...")
	case transcript.IndicatorBusy:
		return m.spinner.View() + " " + systemStyle.Render("Processing...")
	default:
		return ""
	}
}

func (m Model) renderStatus() string {
	label := m.status.Label()
	connection := statusStyle.Render("Connection: " + label)
	if m.status.Exhausted {
		connection = offlineStyle.Render("Connection: offline (Ctrl+R to reconnect)")
	}
	status := connection + statusStyle.Render(fmt.Sprintf(" | Entries: %d", len(m.entries)))
	if m.statusMessage != "" {
		status += statusStyle.Render(" | " + m.statusMessage)
	}
	return status
}

// syncEntries copies the transcript and redraws the viewport.
func (m *Model) syncEntries() {
	m.entries = m.transcript.Entries()
	if m.ready {
		m.viewport.SetContent(m.renderEntries())
		m.viewport.GotoBottom()
	}
}

func (m Model) renderEntries() string {
	var b strings.Builder

	for i, e := range m.entries {
		timestamp := e.CreatedAt.Local().Format("15:04:05")

		var name string
		var style lipgloss.Style
		switch e.Author {
		case transcript.AuthorUser:
			name, style = "You", userStyle
		case transcript.AuthorAgent:
			name, style = "Agent", agentStyle
		default:
			name, style = "System", systemStyle
		}
		if e.Kind == transcript.KindError {
			name += " (error)"
			style = errorStyle
		}

		prefix := fmt.Sprintf("[%s] %s", timestamp, name)
		if m.isCurrentMatch(i) {
			prefix = searchStyle.Render(prefix)
		} else {
			prefix = style.Render(prefix)
		}
		b.WriteString(prefix)
		b.WriteString("\n")

		body := e.Body
		if m.width > 4 {
			body = lipgloss.NewStyle().Width(m.width - 4).Render(body)
		}
		b.WriteString(messageStyle.Render(body))
		b.WriteString("\n\n")
	}

	return b.String()
}

func (m Model) isCurrentMatch(i int) bool {
	return m.currentSearchIndex >= 0 &&
		m.currentSearchIndex < len(m.searchResults) &&
		m.searchResults[m.currentSearchIndex] == i
}

func (m Model) renderHelp() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("reqchat - Keyboard Shortcuts"))
	b.WriteString("\n\n")

	helpSections := []struct {
		title string
		items [][2]string
	}{
		{
			title: "General",
			items: [][2]string{
				{"Ctrl+C / Esc", "Quit"},
				{"?", "Toggle this help screen (empty input)"},
				{"PgUp / PgDn", "Scroll the conversation"},
				{"Ctrl+R", "Reconnect when offline"},
			},
		},
		{
			title: "Sending",
			items: [][2]string{
				{"Enter", "Send the message"},
				{"Alt+Enter", "Insert a new line"},
				{"/analyze <text>", "Run the analysis pipeline on free text"},
				{"Story: ...", "Story blocks are sent to the pipeline"},
			},
		},
		{
			title: "Search",
			items: [][2]string{
				{"Ctrl+F", "Enter search mode"},
				{"Enter", "Search"},
				{"Ctrl+N / Ctrl+P", "Next / previous match"},
				{"Esc", "Exit search mode"},
			},
		},
	}

	for _, section := range helpSections {
		b.WriteString(agentStyle.Render(section.title + ":"))
		b.WriteString("\n")
		for _, item := range section.items {
			b.WriteString(searchStyle.Render(fmt.Sprintf("  %-17s", item[0])))
			b.WriteString("  ")
			b.WriteString(item[1])
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("Press ? or Esc to close this help screen"))

	return b.String()
}

// performSearch finds entries whose body or author contains the term.
func (m *Model) performSearch() {
	term := strings.ToLower(strings.TrimSpace(m.searchInput.Value()))
	m.searchResults = make([]int, 0)
	m.currentSearchIndex = -1
	if term == "" {
		return
	}

	for i, e := range m.entries {
		if strings.Contains(strings.ToLower(e.Body), term) ||
			strings.Contains(string(e.Author), term) {
			m.searchResults = append(m.searchResults, i)
		}
	}

	if len(m.searchResults) > 0 {
		m.currentSearchIndex = 0
		m.scrollToSearchResult()
	}
}

// scrollToSearchResult moves the viewport to the current match by counting
// the rendered lines of the entries above it.
func (m *Model) scrollToSearchResult() {
	if m.currentSearchIndex < 0 || m.currentSearchIndex >= len(m.searchResults) {
		return
	}
	content := m.renderEntries()
	m.viewport.SetContent(content)

	target := m.searchResults[m.currentSearchIndex]
	above := Model{entries: m.entries[:target], width: m.width}
	line := strings.Count(above.renderEntries(), "\n")

	offset := line - m.viewport.Height/2
	if offset < 0 {
		offset = 0
	}
	m.viewport.SetYOffset(offset)
}
