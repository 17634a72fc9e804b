package cmd

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/gosuri/uiprogress"

	"github.com/airframesio/legacy-extractor/cmd/extractor"
	"github.com/airframesio/legacy-extractor/cmd/manifest"
)

const taskWriteInterval = time.Second

// taskObserver mirrors the run into the task file read by status and the
// viewer.
type taskObserver struct {
	info      *TaskInfo
	lastWrite time.Time
}

var _ extractor.Observer = (*taskObserver)(nil)

func newTaskObserver(info *TaskInfo) *taskObserver {
	o := &taskObserver{info: info}
	o.write()
	return o
}

func (o *taskObserver) PhaseChanged(entity string, status manifest.Status) {
	if entity != o.info.CurrentEntity {
		o.info.RowsStreamed = 0
	}
	o.info.CurrentEntity = entity
	o.info.CurrentStatus = string(status)
	o.write()
}

func (o *taskObserver) Progress(summary manifest.Summary) {
	o.info.TotalItems = summary.Total
	o.info.DoneItems = summary.Done()
	if summary.Total > 0 {
		o.info.Progress = float64(summary.Done()) / float64(summary.Total) * 100
	}
	o.write()
}

func (o *taskObserver) RowsStreamed(entity string, rows int64) {
	o.info.CurrentEntity = entity
	o.info.RowsStreamed = rows
	if time.Since(o.lastWrite) >= taskWriteInterval {
		o.write()
	}
}

func (o *taskObserver) write() {
	o.lastWrite = time.Now()
	if err := WriteTaskInfo(o.info); err != nil && logger != nil {
		logger.Debug(fmt.Sprintf("Failed to write task info: %v", err))
	}
}

// barObserver draws a progress bar for the entity being extracted when the
// TUI is off. The bar tracks how full the current segment is; a fresh
// uiprogress instance is used per entity so that nothing redraws while a
// failure prompt owns the terminal.
type barObserver struct {
	out         io.Writer
	segmentRows int
	progress    *uiprogress.Progress
	bar         *uiprogress.Bar
	entity      string
	rows        atomic.Int64
}

var _ extractor.Observer = (*barObserver)(nil)

func newBarObserver(out io.Writer, segmentRows int) *barObserver {
	return &barObserver{out: out, segmentRows: max(segmentRows, 1)}
}

func (b *barObserver) PhaseChanged(entity string, status manifest.Status) {
	if status == manifest.StatusExtracting {
		b.start(entity)
		return
	}
	if entity == b.entity {
		b.Stop()
	}
}

func (b *barObserver) Progress(manifest.Summary) {}

func (b *barObserver) RowsStreamed(entity string, rows int64) {
	if b.bar == nil || entity != b.entity {
		return
	}
	b.rows.Store(rows)
	_ = b.bar.Set(int(rows % int64(b.segmentRows)))
}

func (b *barObserver) start(entity string) {
	b.Stop()
	b.entity = entity
	b.rows.Store(0)

	b.progress = uiprogress.New()
	b.progress.SetOut(b.out)
	b.bar = b.progress.AddBar(b.segmentRows).PrependElapsed()
	b.bar.PrependFunc(func(*uiprogress.Bar) string {
		return fmt.Sprintf("%-24s", truncateName(entity, 24))
	})
	b.bar.AppendFunc(func(*uiprogress.Bar) string {
		rows := b.rows.Load()
		return fmt.Sprintf("%d rows · segment %d", rows, rows/int64(b.segmentRows)+1)
	})
	b.progress.Start()
}

// Stop stops the active bar, if any.
func (b *barObserver) Stop() {
	if b.progress == nil {
		return
	}
	b.progress.Stop()
	b.progress = nil
	b.bar = nil
	b.entity = ""
}

func truncateName(name string, width int) string {
	r := []rune(name)
	if len(r) <= width {
		return name
	}
	return string(r[:width-1]) + "…"
}
