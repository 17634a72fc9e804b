package decision

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/airframesio/legacy-extractor/cmd/manifest"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F87")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Width(12)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFAA00"))

	choiceStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Bold(true)
)

// Prompt asks an operator on a line-oriented terminal.
type Prompt struct {
	mu      sync.Mutex
	in      *bufio.Reader
	out     io.Writer
	pending chan readResult
}

func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	return &Prompt{in: bufio.NewReader(in), out: out}
}

// ParseAnswer maps an operator's answer to a decision. An empty answer is
// continue.
func ParseAnswer(s string) (manifest.Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "c", "continue", "s", "skip":
		return manifest.DecisionContinue, true
	case "r", "retry":
		return manifest.DecisionRetry, true
	case "a", "abort", "q", "quit":
		return manifest.DecisionAbort, true
	}
	return "", false
}

// Describe renders the failed record the way the prompt shows it.
func Describe(rec manifest.EntityRecord) string {
	phase := string(rec.FailedPhase)
	if phase == "" {
		phase = "unclassified"
	}
	lines := []string{
		titleStyle.Render(fmt.Sprintf("✗ %s failed during %s", rec.Name, phase)),
		labelStyle.Render("error") + errorStyle.Render(rec.LastError()),
		labelStyle.Render("retries") + fmt.Sprintf("%d", rec.RetryCount),
	}
	if rec.FailedPhase == manifest.PhaseExtraction {
		lines = append(lines, labelStyle.Render("rows so far")+fmt.Sprintf("%d", rec.RowsExtracted))
	}
	return strings.Join(lines, "\n")
}

func (p *Prompt) Decide(ctx context.Context, rec manifest.EntityRecord) (manifest.Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "\n%s\n", Describe(rec))
	for {
		fmt.Fprintf(p.out, "%s ", choiceStyle.Render("[c]ontinue, [r]etry, [a]bort (default continue):"))
		line, err := p.readLine(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return "", err
			}
			if strings.TrimSpace(line) == "" {
				// Input closed: nobody is left to answer.
				return manifest.DecisionAbort, nil
			}
		}
		if d, ok := ParseAnswer(line); ok {
			return d, nil
		}
		fmt.Fprintf(p.out, "unrecognised answer %q\n", strings.TrimSpace(line))
	}
}

type readResult struct {
	line string
	err  error
}

// readLine returns the next input line or ctx's error, whichever comes
// first. A read abandoned on cancellation is picked up by the next call.
func (p *Prompt) readLine(ctx context.Context) (string, error) {
	if p.pending == nil {
		ch := make(chan readResult, 1)
		go func() {
			line, err := p.in.ReadString('\n')
			ch <- readResult{line, err}
		}()
		p.pending = ch
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-p.pending:
		p.pending = nil
		return r.line, r.err
	}
}
