package extractor

import (
	"fmt"
	"log/slog"

	"github.com/airframesio/legacy-extractor/cmd/manifest"
)

// Observer receives best-effort notifications from the orchestrator's
// goroutine. Implementations must not block and must not mutate what they
// are given.
type Observer interface {
	PhaseChanged(entity string, status manifest.Status)
	Progress(summary manifest.Summary)
	RowsStreamed(entity string, rows int64)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) PhaseChanged(string, manifest.Status) {}

func (NopObserver) Progress(manifest.Summary) {}

func (NopObserver) RowsStreamed(string, int64) {}

// MultiObserver fans notifications out to several observers. A panicking
// observer is logged and does not affect the others.
type MultiObserver struct {
	observers []Observer
	logger    *slog.Logger
}

func NewMultiObserver(logger *slog.Logger, observers ...Observer) *MultiObserver {
	return &MultiObserver{observers: observers, logger: logger}
}

func (m *MultiObserver) PhaseChanged(entity string, status manifest.Status) {
	for _, o := range m.observers {
		m.safely("PhaseChanged", func() { o.PhaseChanged(entity, status) })
	}
}

func (m *MultiObserver) Progress(summary manifest.Summary) {
	for _, o := range m.observers {
		m.safely("Progress", func() { o.Progress(summary) })
	}
}

func (m *MultiObserver) RowsStreamed(entity string, rows int64) {
	for _, o := range m.observers {
		m.safely("RowsStreamed", func() { o.RowsStreamed(entity, rows) })
	}
}

func (m *MultiObserver) safely(method string, fn func()) {
	defer func() {
		if r := recover(); r != nil && m.logger != nil {
			m.logger.Warn("observer panicked", "method", method, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// LogObserver writes phase changes to a structured logger.
type LogObserver struct {
	logger *slog.Logger
}

func NewLogObserver(logger *slog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (o *LogObserver) PhaseChanged(entity string, status manifest.Status) {
	switch status {
	case manifest.StatusFailed:
		o.logger.Warn("entity phase changed", "entity", entity, "status", status)
	default:
		o.logger.Debug("entity phase changed", "entity", entity, "status", status)
	}
}

func (o *LogObserver) Progress(summary manifest.Summary) {
	o.logger.Debug("progress",
		"done", summary.Done(),
		"total", summary.Total,
		"verified", summary.Verified,
		"mismatch", summary.Mismatch,
		"rows", summary.Rows)
}

func (o *LogObserver) RowsStreamed(entity string, rows int64) {
	o.logger.Debug("rows streamed", "entity", entity, "rows", rows)
}
