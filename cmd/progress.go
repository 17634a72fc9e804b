package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/airframesio/legacy-extractor/cmd/decision"
	"github.com/airframesio/legacy-extractor/cmd/extractor"
	"github.com/airframesio/legacy-extractor/cmd/manifest"
)

const (
	maxLogLines      = 8
	maxRecentResults = 5
)

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Margin(0, 2)

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Margin(0, 2)

	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFAA00")).
				Bold(true).
				Margin(0, 2)

	progressInfoStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Margin(0, 2)

	promptBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#FF5F87")).
			Padding(0, 1).
			Margin(0, 3)
)

type phaseMsg struct {
	entity string
	status manifest.Status
}

type summaryMsg manifest.Summary

type rowsMsg struct {
	entity string
	rows   int64
}

type logMsg LogMessage

type decisionRequestMsg struct {
	rec   manifest.EntityRecord
	reply chan<- manifest.Decision
}

type finishedMsg struct{}

type entityResult struct {
	name   string
	status manifest.Status
	rows   int64
}

type tuiModel struct {
	sessionID string
	spinner   spinner.Model
	overall   progress.Model
	summary   manifest.Summary
	entity    string
	status    manifest.Status
	rows      int64
	results   []entityResult
	messages  []string
	pending   *decisionRequestMsg
	width     int
	startTime time.Time
	done      bool
	userQuit  bool
}

func newTUIModel(sessionID string) tuiModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return tuiModel{
		sessionID: sessionID,
		spinner:   s,
		overall: progress.New(
			progress.WithScaledGradient("#FF7CCB", "#FDFF8C"),
			progress.WithWidth(60),
		),
		summary:   manifest.Summarize(nil),
		startTime: time.Now(),
	}
}

func (m tuiModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.overall.Width = max(msg.Width-10, 10)
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case phaseMsg:
		return m.handlePhaseMsg(msg), nil
	case summaryMsg:
		m.summary = manifest.Summary(msg)
		return m, nil
	case rowsMsg:
		if msg.entity == m.entity {
			m.rows = msg.rows
		}
		return m, nil
	case logMsg:
		m.messages = appendCapped(m.messages, formatLogLine(LogMessage(msg)), maxLogLines)
		return m, nil
	case decisionRequestMsg:
		m.pending = &msg
		return m, nil
	case finishedMsg:
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

func (m tuiModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if key == "ctrl+c" || (key == "q" && m.pending == nil) {
		m.userQuit = true
		return m, tea.Quit
	}
	if m.pending == nil {
		return m, nil
	}

	answer := key
	if key == "enter" {
		answer = ""
	}
	d, ok := decision.ParseAnswer(answer)
	if !ok {
		return m, nil
	}
	m.pending.reply <- d
	m.messages = appendCapped(m.messages, fmt.Sprintf("%s: %s", m.pending.rec.Name, d), maxLogLines)
	m.pending = nil
	return m, nil
}

func (m tuiModel) handlePhaseMsg(msg phaseMsg) tuiModel {
	if msg.entity != m.entity {
		m.entity = msg.entity
		m.rows = 0
	}
	m.status = msg.status

	if msg.status.IsTerminal() {
		m.results = appendCapped(m.results, entityResult{
			name:   msg.entity,
			status: msg.status,
			rows:   m.rows,
		}, maxRecentResults)
	}
	return m
}

func appendCapped[T any](items []T, item T, limit int) []T {
	items = append(items, item)
	if len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items
}

func formatLogLine(l LogMessage) string {
	ts := l.Timestamp
	if i := strings.LastIndexByte(ts, ' '); i >= 0 {
		ts = ts[i+1:]
	}
	return fmt.Sprintf("%s %-5s %s", ts, l.Level, l.Message)
}

func (m tuiModel) renderHeader() []string {
	title := lipgloss.NewStyle().Foreground(lipgloss.Color("#FF7CCB")).Bold(true)
	sub := lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	return []string{
		"",
		"   " + title.Render("LEGACY EXTRACTOR") + "  " + sub.Render("v"+Version+"  session "+m.sessionID),
		"",
	}
}

func (m tuiModel) renderMessages() []string {
	sections := []string{helpStyle.Render("   Log:")}
	if len(m.messages) == 0 {
		return append(sections, "     (waiting for operations...)")
	}
	for _, msg := range m.messages {
		sections = append(sections, "     "+msg)
	}
	return sections
}

func (m tuiModel) renderSeparator() []string {
	separatorWidth := 80
	if m.width > 0 && m.width < 200 {
		separatorWidth = m.width - 6
	}
	separator := "   " + strings.Repeat("─", max(separatorWidth, 1))
	return []string{"", lipgloss.NewStyle().Foreground(lipgloss.Color("#444")).Render(separator), ""}
}

func (m tuiModel) renderProgress() []string {
	s := m.summary
	sections := []string{tableHeaderStyle.Render("   Entities")}

	done := s.Done()
	overallInfo := fmt.Sprintf("   %d/%d done · %d verified · %d mismatched · %d skipped · %d rows · %s",
		done, s.Total, s.Verified, s.Mismatch, s.ByStatus[manifest.StatusSkipped], s.Rows,
		time.Since(m.startTime).Truncate(time.Second))
	sections = append(sections, progressInfoStyle.Render(overallInfo))

	ratio := 0.0
	if s.Total > 0 {
		ratio = float64(done) / float64(s.Total)
	}
	sections = append(sections, "   "+m.overall.ViewAs(ratio))

	if m.entity != "" && !m.done {
		stage := fmt.Sprintf("   %s %s: %s", m.spinner.View(), m.entity, m.status)
		if m.rows > 0 {
			stage += fmt.Sprintf(" (%d rows)", m.rows)
		}
		sections = append(sections, "", stageStyle.Render(stage))
	}
	return sections
}

func (m tuiModel) renderResults() []string {
	if len(m.results) == 0 {
		return nil
	}
	sections := []string{"", tableHeaderStyle.Render("   Recent Results")}
	for _, r := range m.results {
		icon := "✅"
		if r.status == manifest.StatusSkipped {
			icon = "⏭ "
		}
		sections = append(sections, fmt.Sprintf("   %s %s (%d rows)", icon, r.name, r.rows))
	}
	return sections
}

func (m tuiModel) renderDecision() []string {
	if m.pending == nil {
		return nil
	}
	body := decision.Describe(m.pending.rec) + "\n\n" +
		"[c]ontinue (enter)   [r]etry   [a]bort"
	return []string{"", promptBoxStyle.Render(body)}
}

func (m tuiModel) View() string {
	if m.done {
		return ""
	}

	var sections []string
	sections = append(sections, m.renderHeader()...)
	sections = append(sections, m.renderMessages()...)
	sections = append(sections, m.renderSeparator()...)
	sections = append(sections, m.renderProgress()...)
	sections = append(sections, m.renderResults()...)
	sections = append(sections, m.renderDecision()...)

	sections = append(sections, "")
	if m.pending != nil {
		sections = append(sections, helpStyle.Render("   Waiting for a decision · Ctrl+C to stop"))
	} else {
		sections = append(sections, helpStyle.Render("   Press Ctrl+C or 'q' to stop; progress is kept"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// tuiProgram runs the TUI and adapts it to the orchestrator: it observes
// progress without blocking and answers failure decisions from the
// keyboard.
type tuiProgram struct {
	program *tea.Program
	msgs    chan tea.Msg
	stopped chan struct{}
}

var (
	_ extractor.Observer = (*tuiProgram)(nil)
	_ extractor.Decider  = (*tuiProgram)(nil)
)

func newTUIProgram(sessionID string) *tuiProgram {
	return &tuiProgram{
		program: tea.NewProgram(newTUIModel(sessionID), tea.WithAltScreen()),
		msgs:    make(chan tea.Msg, 256),
		stopped: make(chan struct{}),
	}
}

// Run blocks until the TUI exits. It returns ErrInterrupted when the
// operator quit before the run finished.
func (t *tuiProgram) Run(ctx context.Context) error {
	defer close(t.stopped)

	go t.pump()
	go func() {
		select {
		case <-ctx.Done():
			t.program.Quit()
		case <-t.stopped:
		}
	}()

	final, err := t.program.Run()
	if err != nil {
		return fmt.Errorf("TUI failed: %w", err)
	}
	if m, ok := final.(tuiModel); ok && m.userQuit {
		return ErrInterrupted
	}
	return nil
}

func (t *tuiProgram) pump() {
	for {
		select {
		case msg := <-t.msgs:
			t.program.Send(msg)
		case <-t.stopped:
			return
		}
	}
}

// post drops msg when the TUI is behind.
func (t *tuiProgram) post(msg tea.Msg) {
	select {
	case t.msgs <- msg:
	default:
	}
}

func (t *tuiProgram) Log(m LogMessage) {
	t.post(logMsg(m))
}

func (t *tuiProgram) PhaseChanged(entity string, status manifest.Status) {
	t.post(phaseMsg{entity: entity, status: status})
}

func (t *tuiProgram) Progress(summary manifest.Summary) {
	t.post(summaryMsg(summary))
}

func (t *tuiProgram) RowsStreamed(entity string, rows int64) {
	t.post(rowsMsg{entity: entity, rows: rows})
}

// Decide shows the failed record and waits for a key. A TUI that is no
// longer running cannot answer, which aborts.
func (t *tuiProgram) Decide(ctx context.Context, rec manifest.EntityRecord) (manifest.Decision, error) {
	reply := make(chan manifest.Decision, 1)
	select {
	case t.msgs <- decisionRequestMsg{rec: rec, reply: reply}:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.stopped:
		return manifest.DecisionAbort, nil
	}

	select {
	case d := <-reply:
		return d, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.stopped:
		return manifest.DecisionAbort, nil
	}
}

// Finish tells the TUI the run is over so it exits on its own.
func (t *tuiProgram) Finish() {
	select {
	case t.msgs <- finishedMsg{}:
	case <-t.stopped:
	}
}
