package tui

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"smartdocs/internal/models"
	"smartdocs/internal/session"
)

// ChatService is the TUI-facing subset of the session service.
type ChatService interface {
	ProcessUploads(ctx context.Context, id string, uploads []session.Upload) (session.ProcessResult, error)
	Ask(ctx context.Context, id, question string) (session.AskResult, error)
}

const helpText = "Commands: /load <file...>  /sources  /help  /quit. Anything else is a question."

type entry struct {
	role    models.Role
	text    string
	sources []models.Chunk
}

type processedMsg struct {
	res session.ProcessResult
	err error
}

type answeredMsg struct {
	question string
	res      session.AskResult
	err      error
}

// Model is the Bubble Tea model for the chat terminal.
type Model struct {
	ctx         context.Context
	service     ChatService
	sessionID   string
	input       textinput.Model
	viewport    viewport.Model
	transcript  []entry
	status      string
	pending     bool
	showSources bool
	ready       bool
	preload     []string
}

// New creates a chat model bound to one session.
func New(ctx context.Context, service ChatService, sessionID string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask about your documents, or /load file.pdf"
	ti.Focus()
	ti.CharLimit = 0
	return Model{
		ctx:       ctx,
		service:   service,
		sessionID: sessionID,
		input:     ti,
		viewport:  viewport.New(0, 0),
		status:    helpText,
	}
}

// Preload processes paths as soon as the program starts.
func (m Model) Preload(paths []string) Model {
	if len(paths) > 0 {
		m.preload = paths
		m.pending = true
		m.status = fmt.Sprintf("Processing %d file(s)...", len(paths))
	}
	return m
}

func (m Model) Init() tea.Cmd {
	if len(m.preload) > 0 {
		return tea.Batch(textinput.Blink, m.processCmd(m.preload))
	}
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, th := transcriptBoxStyle.GetFrameSize()
		_, ih := inputBoxStyle.GetFrameSize()
		reserved := 2 + 1 + ih + 1 // header, session line, status, spacer
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, msg.Height-reserved-th)
		m.refresh()
		return m, nil

	case processedMsg:
		m.pending = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			return m, nil
		}
		// processing starts a fresh conversation
		m.transcript = nil
		m.status = msg.res.Notice
		if len(msg.res.Skipped) > 0 {
			names := make([]string, len(msg.res.Skipped))
			for i, sk := range msg.res.Skipped {
				names[i] = sk.Name
			}
			m.status += " Skipped: " + strings.Join(names, ", ")
		}
		m.refresh()
		return m, nil

	case answeredMsg:
		m.pending = false
		switch {
		case msg.err != nil:
			m.status = "Error: " + msg.err.Error()
		case msg.res.Rejected:
			m.status = msg.res.Notice
		default:
			m.transcript = append(m.transcript,
				entry{role: models.RoleUser, text: msg.question},
				entry{role: models.RoleAssistant, text: msg.res.Answer.Text, sources: msg.res.Answer.Sources},
			)
			m.status = fmt.Sprintf("%d source(s) retrieved", len(msg.res.Answer.Sources))
		}
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		if msg.String() == "enter" {
			line := strings.TrimSpace(m.input.Value())
			if line == "" {
				return m, nil
			}
			return m.submit(line)
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submit(line string) (tea.Model, tea.Cmd) {
	name, args := parseCommand(line)
	switch name {
	case "quit", "exit":
		return m, tea.Quit
	case "help":
		m.status = helpText
		m.input.Reset()
		return m, nil
	case "sources":
		m.showSources = !m.showSources
		m.status = fmt.Sprintf("Show sources: %t", m.showSources)
		m.input.Reset()
		m.refresh()
		return m, nil
	}

	if m.pending {
		m.status = "Still working on your previous request..."
		return m, nil
	}
	m.input.Reset()

	switch name {
	case "load":
		if len(args) == 0 {
			m.status = "Usage: /load <file...>"
			return m, nil
		}
		m.pending = true
		m.status = fmt.Sprintf("Processing %d file(s)...", len(args))
		return m, m.processCmd(args)
	case "":
		m.pending = true
		m.status = "Thinking..."
		return m, m.askCmd(line)
	default:
		m.status = fmt.Sprintf("Unknown command /%s. %s", name, helpText)
		return m, nil
	}
}

func (m Model) processCmd(paths []string) tea.Cmd {
	ctx, svc, id := m.ctx, m.service, m.sessionID
	return func() tea.Msg {
		uploads := make([]session.Upload, 0, len(paths))
		for _, p := range paths {
			f, err := os.Open(p)
			if err != nil {
				closeUploads(uploads)
				return processedMsg{err: err}
			}
			uploads = append(uploads, session.Upload{Name: filepath.Base(p), Reader: f})
		}
		defer closeUploads(uploads)
		res, err := svc.ProcessUploads(ctx, id, uploads)
		return processedMsg{res: res, err: err}
	}
}

func (m Model) askCmd(question string) tea.Cmd {
	ctx, svc, id := m.ctx, m.service, m.sessionID
	return func() tea.Msg {
		res, err := svc.Ask(ctx, id, question)
		return answeredMsg{question: question, res: res, err: err}
	}
}

func closeUploads(uploads []session.Upload) {
	for _, u := range uploads {
		if f, ok := u.Reader.(*os.File); ok {
			_ = f.Close()
		}
	}
}

// parseCommand splits "/name arg..." into its parts. Plain text has an empty
// name.
func parseCommand(line string) (string, []string) {
	if !strings.HasPrefix(line, "/") {
		return "", nil
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("SmartDocs")
	sessionLine := dimStyle.Render("Session ID: " + m.sessionID[:min(8, len(m.sessionID))])
	transcript := transcriptBoxStyle.Render(m.viewport.View())
	input := inputBoxStyle.Render(m.input.View())
	status := statusStyle.Render(m.status)
	return header + "\n" + sessionLine + "\n" + transcript + "\n" + input + "\n" + status
}

func (m Model) renderTranscript() string {
	if len(m.transcript) == 0 {
		return dimStyle.Render("No messages yet.")
	}
	var b strings.Builder
	for _, e := range m.transcript {
		if e.role == models.RoleUser {
			b.WriteString(userStyle.Render("You: "))
		} else {
			b.WriteString(assistantStyle.Render("Assistant: "))
		}
		b.WriteString(e.text)
		b.WriteString("\n")
		if m.showSources {
			for i, src := range e.sources {
				fmt.Fprintf(&b, "%s\n", dimStyle.Render(fmt.Sprintf("  [%d] %s, page %d: %s", i+1, src.Source, src.Page, src.Excerpt())))
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

var (
	transcriptBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputBoxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	userStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle           = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)
