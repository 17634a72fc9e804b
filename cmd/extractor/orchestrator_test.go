package extractor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/airframesio/legacy-extractor/cmd/catalog"
	"github.com/airframesio/legacy-extractor/cmd/manifest"
	"github.com/airframesio/legacy-extractor/cmd/rowsource"
	"github.com/airframesio/legacy-extractor/cmd/sink"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sliceRows yields n generated rows, then failErr if set, else io.EOF.
type sliceRows struct {
	n, next int64
	failAt  int64
	failErr error
	closed  bool
}

func (r *sliceRows) Next(ctx context.Context) (rowsource.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.failErr != nil && r.next == r.failAt {
		return nil, r.failErr
	}
	if r.next >= r.n {
		return nil, io.EOF
	}
	r.next++
	return rowsource.Row{r.next, "name"}, nil
}

func (r *sliceRows) Close() error {
	r.closed = true
	return nil
}

// scriptedSource serves entities with a fixed row count. Errors queued per
// entity are returned by successive calls until the queue runs dry.
type scriptedSource struct {
	mu           sync.Mutex
	rows         map[string]int64
	count        map[string]int64
	discoverErrs map[string][]error
	readErrs     map[string][]error
	countErrs    map[string][]error
	panicOn      map[string]bool
	calls        []string
	closed       bool
}

func newScriptedSource(rows map[string]int64) *scriptedSource {
	return &scriptedSource{
		rows:         rows,
		count:        map[string]int64{},
		discoverErrs: map[string][]error{},
		readErrs:     map[string][]error{},
		countErrs:    map[string][]error{},
		panicOn:      map[string]bool{},
	}
}

func pop(m map[string][]error, key string) error {
	q := m[key]
	if len(q) == 0 {
		return nil
	}
	m[key] = q[1:]
	return q[0]
}

func (s *scriptedSource) Discover(ctx context.Context, entity string) (rowsource.Discovery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "discover:"+entity)
	if s.panicOn[entity] {
		panic("driver exploded")
	}
	if err := pop(s.discoverErrs, entity); err != nil {
		return rowsource.Discovery{}, err
	}
	return rowsource.Discovery{
		Columns:  []manifest.Column{{Name: "ID", Position: 1}, {Name: "NAME", Position: 2}},
		Strategy: rowsource.StrategyDirect,
	}, nil
}

func (s *scriptedSource) Read(ctx context.Context, rec manifest.EntityRecord) (rowsource.Rows, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "read:"+rec.Name)
	r := &sliceRows{n: s.rows[rec.Name]}
	if err := pop(s.readErrs, rec.Name); err != nil {
		r.failAt = r.n / 2
		r.failErr = err
	}
	return r, nil
}

func (s *scriptedSource) Count(ctx context.Context, entity string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "count:"+entity)
	if err := pop(s.countErrs, entity); err != nil {
		return 0, err
	}
	if n, ok := s.count[entity]; ok {
		return n, nil
	}
	return s.rows[entity], nil
}

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptedSource) called(call string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == call {
			n++
		}
	}
	return n
}

type listEnumerator struct {
	entities []catalog.Entity
	calls    int
}

func (e *listEnumerator) Enumerate(ctx context.Context) ([]catalog.Entity, error) {
	e.calls++
	return e.entities, nil
}

func tables(names ...string) *listEnumerator {
	e := &listEnumerator{}
	for _, n := range names {
		e.entities = append(e.entities, catalog.Entity{Name: n, Kind: manifest.KindTable})
	}
	return e
}

type scriptedDecider struct {
	answers []manifest.Decision
	seen    []manifest.EntityRecord
}

func (d *scriptedDecider) Decide(ctx context.Context, rec manifest.EntityRecord) (manifest.Decision, error) {
	d.seen = append(d.seen, rec)
	if len(d.answers) == 0 {
		return manifest.DecisionContinue, nil
	}
	answer := d.answers[0]
	if len(d.answers) > 1 {
		d.answers = d.answers[1:]
	}
	return answer, nil
}

type recordingObserver struct {
	phases []string
	ticks  []int64
}

func (o *recordingObserver) PhaseChanged(entity string, status manifest.Status) {
	o.phases = append(o.phases, entity+":"+string(status))
}

func (o *recordingObserver) Progress(manifest.Summary) {}

func (o *recordingObserver) RowsStreamed(entity string, rows int64) {
	o.ticks = append(o.ticks, rows)
}

type harness struct {
	dir      string
	store    *manifest.FileStore
	source   *scriptedSource
	enum     *listEnumerator
	decider  *scriptedDecider
	sleeps   []time.Duration
	opts     Options
	observer *recordingObserver
}

func newHarness(t *testing.T, source *scriptedSource, enum *listEnumerator) *harness {
	t.Helper()
	dir := t.TempDir()
	return &harness{
		dir:      dir,
		store:    manifest.NewFileStore(filepath.Join(dir, "manifest.json")),
		source:   source,
		enum:     enum,
		decider:  &scriptedDecider{},
		observer: &recordingObserver{},
		opts: Options{
			SourceIdentifier: "legacy://erp",
			OutputDir:        filepath.Join(dir, "out"),
			SegmentRows:      1000,
			Output:           sink.OutputOptions{Format: "csv", Compression: "none"},
			IdleDelay:        5 * time.Second,
		},
	}
}

func (h *harness) orchestrator() *Orchestrator {
	return New(h.store, h.enum, h.source, h.decider, h.opts, newTestLogger()).
		WithObserver(h.observer).
		WithSleep(func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		})
}

func (h *harness) run(t *testing.T) (*manifest.Manifest, error) {
	t.Helper()
	return h.orchestrator().Run(context.Background())
}

func entity(t *testing.T, m *manifest.Manifest, name string) manifest.EntityRecord {
	t.Helper()
	rec, ok := m.Entity(name)
	require.True(t, ok, "entity %s missing", name)
	return rec
}

func TestRunScenarioXWorkbook(t *testing.T) {
	h := newHarness(t, newScriptedSource(map[string]int64{"ORDERS": 2500}), tables("ORDERS"))
	h.opts.Output = sink.OutputOptions{Format: "xlsx"}

	m, err := h.run(t)
	require.NoError(t, err)

	rec := entity(t, m, "ORDERS")
	assert.Equal(t, manifest.StatusValidated, rec.Status)
	assert.Equal(t, manifest.OutcomeVerified, rec.ValidationOutcome)
	assert.EqualValues(t, 2500, rec.RowsExtracted)
	assert.Equal(t, []int64{1000, 1000, 500}, rec.RowsPerSegment)
	assert.Equal(t, 3, rec.SegmentsCreated)
	require.NotNil(t, rec.SourceRowCount)
	assert.EqualValues(t, 2500, *rec.SourceRowCount)
	assert.Equal(t, rowsource.StrategyDirect, rec.Strategy)

	dir := sink.EntityDir(h.opts.OutputDir, "ORDERS")
	assert.Equal(t, dir, rec.OutputDir)
	assert.FileExists(t, filepath.Join(dir, sink.SchemaFileName))
	stats, err := sink.ReadStats(dir)
	require.NoError(t, err)
	assert.EqualValues(t, 2500, stats.RowsWritten)
	assert.Equal(t, []int64{1000, 1000, 500}, stats.RowsPerSegment)

	f, err := excelize.OpenFile(filepath.Join(dir, "ORDERS.xlsx"))
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{"ORDERS", "ORDERS_Part2", "ORDERS_Part3"}, f.GetSheetList())

	onDisk, err := h.store.Read()
	require.NoError(t, err)
	assert.Equal(t, 1, onDisk.Summary.Verified)
	require.Len(t, onDisk.Sessions, 1)
	assert.Equal(t, SessionCompleted, onDisk.Sessions[0].Outcome)
	assert.NotEmpty(t, onDisk.Sessions[0].ID)

	assert.Equal(t, []string{
		"ORDERS:discovering", "ORDERS:discovered",
		"ORDERS:extracting", "ORDERS:extracted",
		"ORDERS:validating", "ORDERS:validated",
	}, h.observer.phases)
	assert.Equal(t, []int64{1000, 2000, 2500}, h.observer.ticks)
}

func TestRunRetryLoop(t *testing.T) {
	src := newScriptedSource(map[string]int64{"ORDERS": 300})
	src.readErrs["ORDERS"] = []error{errors.New("bridge timeout"), errors.New("bridge timeout")}
	h := newHarness(t, src, tables("ORDERS"))
	h.decider.answers = []manifest.Decision{manifest.DecisionRetry}

	m, err := h.run(t)
	require.NoError(t, err)

	rec := entity(t, m, "ORDERS")
	assert.Equal(t, manifest.StatusValidated, rec.Status)
	assert.Equal(t, 2, rec.RetryCount)
	assert.Equal(t, manifest.OutcomeVerified, rec.ValidationOutcome)
	assert.EqualValues(t, 300, rec.RowsExtracted, "a successful pass overwrites the partial count")
	assert.Equal(t, 3, src.called("read:ORDERS"))
	assert.Equal(t, 1, src.called("discover:ORDERS"))

	require.Len(t, h.decider.seen, 2)
	first := h.decider.seen[0]
	assert.Equal(t, manifest.StatusFailed, first.Status)
	assert.Equal(t, manifest.PhaseExtraction, first.FailedPhase)
	assert.Equal(t, "bridge timeout", first.ExtractionError)
	assert.EqualValues(t, 150, first.RowsExtracted, "decider sees the partial count")
	assert.Equal(t, 1, h.decider.seen[1].RetryCount)
}

func TestRunAbortLeavesLaterEntitiesUntouched(t *testing.T) {
	src := newScriptedSource(map[string]int64{"A": 10, "B": 10, "C": 10})
	src.discoverErrs["B"] = []error{errors.New("ORA-00942: table or view does not exist")}
	h := newHarness(t, src, tables("A", "B", "C"))
	h.decider.answers = []manifest.Decision{manifest.DecisionAbort}

	m, err := h.run(t)
	require.ErrorIs(t, err, ErrAborted)
	require.NotNil(t, m)

	assert.Equal(t, manifest.StatusValidated, entity(t, m, "A").Status)
	b := entity(t, m, "B")
	assert.Equal(t, manifest.StatusFailed, b.Status)
	assert.Equal(t, manifest.PhaseDiscovery, b.FailedPhase)
	assert.Equal(t, manifest.DecisionAbort, b.UserDecision)
	assert.Equal(t, manifest.StatusPending, entity(t, m, "C").Status)
	assert.Zero(t, src.called("discover:C"))
	assert.True(t, src.closed, "abort releases the row source")

	onDisk, err := h.store.Read()
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusPending, entity(t, onDisk, "C").Status)
	assert.Equal(t, SessionAborted, onDisk.Sessions[0].Outcome)
}

func TestRunResumesWithoutRedoingCompletedWork(t *testing.T) {
	src := newScriptedSource(map[string]int64{"A": 10, "B": 20, "C": 30})
	src.discoverErrs["B"] = []error{errors.New("bridge reset")}
	h := newHarness(t, src, tables("A", "B", "C"))
	h.decider.answers = []manifest.Decision{manifest.DecisionAbort}

	_, err := h.run(t)
	require.ErrorIs(t, err, ErrAborted)

	// Second process: same store, healthy bridge, nobody to ask.
	h.decider = &scriptedDecider{}
	m, err := h.run(t)
	require.NoError(t, err)

	for _, name := range []string{"A", "B", "C"} {
		rec := entity(t, m, name)
		assert.Equal(t, manifest.StatusValidated, rec.Status, name)
		assert.Equal(t, manifest.OutcomeVerified, rec.ValidationOutcome, name)
	}
	assert.Equal(t, 1, src.called("read:A"), "validated entity is not extracted again")
	assert.Equal(t, 1, src.called("count:A"))
	assert.Equal(t, 2, src.called("discover:B"))
	assert.Empty(t, h.decider.seen)
	assert.Equal(t, 1, h.enum.calls, "enumeration happens once")

	require.Len(t, m.Sessions, 2)
	assert.Equal(t, SessionAborted, m.Sessions[0].Outcome)
	assert.Equal(t, SessionCompleted, m.Sessions[1].Outcome)
	assert.Equal(t, []string{"A", "B", "C"}, []string{m.Entities[0].Name, m.Entities[1].Name, m.Entities[2].Name})
}

func TestRunResumesInFlightPhaseAfterCrash(t *testing.T) {
	src := newScriptedSource(map[string]int64{"ORDERS": 42})
	h := newHarness(t, src, tables("ORDERS"))

	// A previous process died while streaming.
	m := manifest.New("legacy://erp", time.Now())
	m.AddEntity("ORDERS", manifest.KindTable)
	at := time.Now()
	m.EnumeratedAt = &at
	m.Entities[0].Status = manifest.StatusExtracting
	m.Entities[0].Columns = []manifest.Column{{Name: "ID", Position: 1}, {Name: "NAME", Position: 2}}
	m.Entities[0].Strategy = rowsource.StrategyDirect
	m.Entities[0].RowsExtracted = 17
	require.NoError(t, h.store.Save(m))

	got, err := h.run(t)
	require.NoError(t, err)
	rec := entity(t, got, "ORDERS")
	assert.Equal(t, manifest.StatusValidated, rec.Status)
	assert.EqualValues(t, 42, rec.RowsExtracted)
	assert.Zero(t, src.called("discover:ORDERS"))
	assert.Zero(t, h.enum.calls)
}

func TestRunValidationMismatchIsNotAFailure(t *testing.T) {
	src := newScriptedSource(map[string]int64{"ORDERS": 100})
	src.count["ORDERS"] = 101
	h := newHarness(t, src, tables("ORDERS"))

	m, err := h.run(t)
	require.NoError(t, err)
	rec := entity(t, m, "ORDERS")
	assert.Equal(t, manifest.StatusValidated, rec.Status)
	assert.Equal(t, manifest.OutcomeRowCountMismatch, rec.ValidationOutcome)
	assert.Empty(t, h.decider.seen)
	assert.Equal(t, 1, m.Summary.Mismatch)
}

func TestRunValidationFailureRetriesOnlyValidation(t *testing.T) {
	src := newScriptedSource(map[string]int64{"ORDERS": 100})
	src.countErrs["ORDERS"] = []error{errors.New("count timed out")}
	h := newHarness(t, src, tables("ORDERS"))
	h.decider.answers = []manifest.Decision{manifest.DecisionRetry}

	m, err := h.run(t)
	require.NoError(t, err)
	rec := entity(t, m, "ORDERS")
	assert.Equal(t, manifest.StatusValidated, rec.Status)
	assert.Equal(t, manifest.OutcomeVerified, rec.ValidationOutcome)
	assert.Equal(t, 1, src.called("read:ORDERS"))
	assert.Equal(t, 2, src.called("count:ORDERS"))
	require.Len(t, h.decider.seen, 1)
	assert.Equal(t, manifest.PhaseValidation, h.decider.seen[0].FailedPhase)
	assert.Equal(t, manifest.OutcomeValidationFailed, h.decider.seen[0].ValidationOutcome)
}

func TestRunSkipKeepsErrorAndIdleDelayOnlyAfterSuccess(t *testing.T) {
	src := newScriptedSource(map[string]int64{"A": 1, "B": 1, "C": 1, "D": 1})
	src.discoverErrs["B"] = []error{errors.New("no such table")}
	h := newHarness(t, src, tables("A", "B", "C", "D"))

	m, err := h.run(t)
	require.NoError(t, err)

	b := entity(t, m, "B")
	assert.Equal(t, manifest.StatusSkipped, b.Status)
	assert.Equal(t, manifest.DecisionContinue, b.UserDecision)
	assert.Equal(t, "no such table", b.DiscoveryError)
	assert.Equal(t, manifest.PhaseDiscovery, b.FailedPhase)

	// After A and after C; nothing after the skip or after the last entity.
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, h.sleeps)
}

func TestRunRecoversPanicAsUnclassified(t *testing.T) {
	src := newScriptedSource(map[string]int64{"A": 1, "B": 1})
	src.panicOn["A"] = true
	h := newHarness(t, src, tables("A", "B"))

	m, err := h.run(t)
	require.NoError(t, err)

	a := entity(t, m, "A")
	assert.Equal(t, manifest.StatusSkipped, a.Status)
	assert.Equal(t, manifest.PhaseNone, a.FailedPhase)
	assert.Contains(t, a.UnclassifiedError, "driver exploded")
	assert.Equal(t, manifest.StatusValidated, entity(t, m, "B").Status)
}

func TestRunEmptyEntity(t *testing.T) {
	h := newHarness(t, newScriptedSource(map[string]int64{"EMPTY": 0}), tables("EMPTY"))
	m, err := h.run(t)
	require.NoError(t, err)
	rec := entity(t, m, "EMPTY")
	assert.Equal(t, manifest.OutcomeVerified, rec.ValidationOutcome)
	assert.Equal(t, []int64{0}, rec.RowsPerSegment)
}

type recordingPublisher struct {
	err   error
	calls []string
}

func (p *recordingPublisher) Publish(ctx context.Context, entity, dir string) error {
	p.calls = append(p.calls, entity)
	return p.err
}

func TestRunPublishFailureBecomesWarning(t *testing.T) {
	h := newHarness(t, newScriptedSource(map[string]int64{"ORDERS": 5}), tables("ORDERS"))
	pub := &recordingPublisher{err: errors.New("access denied")}

	m, err := h.orchestrator().WithPublisher(pub).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ORDERS"}, pub.calls)

	rec := entity(t, m, "ORDERS")
	assert.Equal(t, manifest.StatusValidated, rec.Status)
	stats, err := sink.ReadStats(rec.OutputDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"publish failed: access denied"}, stats.Warnings)
}

type panickingPublisher struct{}

func (panickingPublisher) Publish(context.Context, string, string) error {
	panic("nil S3 client")
}

func TestRunPublishPanicKeepsGoing(t *testing.T) {
	h := newHarness(t, newScriptedSource(map[string]int64{"A": 3, "B": 4}), tables("A", "B"))

	m, err := h.orchestrator().WithPublisher(panickingPublisher{}).Run(context.Background())
	require.NoError(t, err)

	for _, name := range []string{"A", "B"} {
		rec := entity(t, m, name)
		assert.Equal(t, manifest.StatusValidated, rec.Status, name)
		stats, err := sink.ReadStats(rec.OutputDir)
		require.NoError(t, err)
		assert.Equal(t, []string{"publish failed: panic: nil S3 client"}, stats.Warnings, name)
	}
	assert.Equal(t, 1, h.source.called("discover:B"))
	assert.Empty(t, h.decider.seen, "a publish fault is not an entity failure")
}

type validatedPanicObserver struct{ NopObserver }

func (validatedPanicObserver) PhaseChanged(_ string, status manifest.Status) {
	if status == manifest.StatusValidated {
		panic("observer broke")
	}
}

func TestRunFaultAfterValidationKeepsEntity(t *testing.T) {
	h := newHarness(t, newScriptedSource(map[string]int64{"A": 3, "B": 4}), tables("A", "B"))

	m, err := h.orchestrator().WithObserver(validatedPanicObserver{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, manifest.StatusValidated, entity(t, m, "A").Status)
	assert.Equal(t, manifest.StatusValidated, entity(t, m, "B").Status)
	assert.Equal(t, 1, h.source.called("discover:B"))
	assert.Empty(t, h.decider.seen)
}

func TestRunCancelledContext(t *testing.T) {
	h := newHarness(t, newScriptedSource(map[string]int64{"A": 1}), tables("A"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m, err := h.orchestrator().Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, manifest.StatusPending, entity(t, m, "A").Status)

	onDisk, err := h.store.Read()
	require.NoError(t, err)
	assert.Equal(t, SessionInterrupted, onDisk.Sessions[0].Outcome)
}

func TestRunSourceMismatch(t *testing.T) {
	h := newHarness(t, newScriptedSource(nil), tables("A"))
	require.NoError(t, h.store.Save(manifest.New("legacy://other", time.Now())))

	_, err := h.run(t)
	assert.ErrorIs(t, err, manifest.ErrSourceMismatch)
}

type panickyObserver struct{}

func (panickyObserver) PhaseChanged(string, manifest.Status) { panic("boom") }

func (panickyObserver) Progress(manifest.Summary) {}

func (panickyObserver) RowsStreamed(string, int64) {}

func TestMultiObserverSurvivesPanics(t *testing.T) {
	rec := &recordingObserver{}
	m := NewMultiObserver(newTestLogger(), panickyObserver{}, rec)
	m.PhaseChanged("A", manifest.StatusDiscovering)
	assert.Equal(t, []string{"A:discovering"}, rec.phases)
}

func TestPhaseErrorUnwraps(t *testing.T) {
	cause := errors.New("timeout")
	err := error(phaseError(manifest.PhaseExtraction, "ORDERS", cause))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "ORDERS extraction: timeout", err.Error())
	assert.Equal(t, "X unclassified: timeout", phaseError(manifest.PhaseNone, "X", cause).Error())
}
