// Package extractor drives every entity of a run through discovery,
// extraction and validation, persisting the manifest after each step.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/airframesio/legacy-extractor/cmd/catalog"
	"github.com/airframesio/legacy-extractor/cmd/manifest"
	"github.com/airframesio/legacy-extractor/cmd/rowsource"
	"github.com/airframesio/legacy-extractor/cmd/sink"
)

// Session outcomes recorded on the manifest.
const (
	SessionCompleted   = "completed"
	SessionAborted     = "aborted"
	SessionInterrupted = "interrupted"
	SessionFailed      = "error"
)

const defaultProgressEvery = 1000

// Enumerator lists the entities of the source once, at first run.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]catalog.Entity, error)
}

// Decider is consulted whenever a phase fails. It may block for as long as
// an operator needs.
type Decider interface {
	Decide(ctx context.Context, rec manifest.EntityRecord) (manifest.Decision, error)
}

// Publisher ships a validated entity's artifact directory somewhere.
type Publisher interface {
	Publish(ctx context.Context, entity, dir string) error
}

// Store is the durable manifest.
type Store interface {
	Load(sourceIdentifier string) (*manifest.Manifest, error)
	Save(m *manifest.Manifest) error
}

// Options configures a run.
type Options struct {
	SourceIdentifier string
	OutputDir        string
	SegmentRows      int
	Output           sink.OutputOptions
	// IdleDelay is waited between successfully completed entities.
	IdleDelay time.Duration
	// ProgressEvery is how many rows pass between RowsStreamed ticks.
	ProgressEvery int64
	// SessionID names this run in the manifest; a new ULID when empty.
	SessionID string
}

// Orchestrator runs the per-entity state machine. It is not safe for
// concurrent use; one entity is processed at a time.
type Orchestrator struct {
	store     Store
	enum      Enumerator
	source    rowsource.Source
	decider   Decider
	observer  Observer
	publisher Publisher
	logger    *slog.Logger
	opts      Options

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	m       *manifest.Manifest
	session int
}

func New(store Store, enum Enumerator, source rowsource.Source, decider Decider, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.SegmentRows <= 0 {
		opts.SegmentRows = sink.MaxSheetRows
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = defaultProgressEvery
	}
	return &Orchestrator{
		store:    store,
		enum:     enum,
		source:   source,
		decider:  decider,
		observer: NopObserver{},
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

func (o *Orchestrator) WithObserver(obs Observer) *Orchestrator {
	if obs != nil {
		o.observer = obs
	}
	return o
}

func (o *Orchestrator) WithPublisher(p Publisher) *Orchestrator {
	o.publisher = p
	return o
}

func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

func (o *Orchestrator) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Orchestrator {
	o.sleep = sleep
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run processes every non-terminal entity in enumeration order and returns
// the manifest as persisted. On an abort decision it returns ErrAborted
// together with the manifest; entities after the aborted one are left
// untouched.
func (o *Orchestrator) Run(ctx context.Context) (m *manifest.Manifest, err error) {
	o.m, err = o.store.Load(o.opts.SourceIdentifier)
	if err != nil {
		return nil, err
	}

	id := o.opts.SessionID
	if id == "" {
		id = ulid.Make().String()
	}
	o.m.Sessions = append(o.m.Sessions, manifest.Session{ID: id, StartedAt: o.now()})
	o.session = len(o.m.Sessions) - 1
	defer func() {
		if endErr := o.endSession(sessionOutcome(err)); endErr != nil && err == nil {
			err = endErr
		}
		m = o.m.Clone()
	}()

	if !o.m.Enumerated() {
		if err := o.enumerate(ctx); err != nil {
			return nil, err
		}
	} else if err := o.save(); err != nil {
		return nil, err
	}
	o.observer.Progress(o.m.Summary)

	o.logger.Info("extraction run started",
		"source", o.m.SourceIdentifier,
		"entities", len(o.m.Entities),
		"remaining", o.m.Pending())

	for i := range o.m.Entities {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if o.m.Entities[i].Status.IsTerminal() {
			continue
		}

		validated, err := o.processEntity(ctx, i)
		if errors.Is(err, ErrAborted) {
			o.logger.Warn("extraction aborted", "entity", o.m.Entities[i].Name)
			if cerr := o.source.Close(); cerr != nil {
				o.logger.Warn("failed to release row source", "error", cerr)
			}
			return nil, err
		}
		if err != nil {
			return nil, err
		}

		if validated && o.hasWorkAfter(i) {
			if err := o.sleep(ctx, o.opts.IdleDelay); err != nil {
				return nil, err
			}
		}
	}

	summary := o.m.Summary
	o.logger.Info("extraction run finished",
		"validated", summary.ByStatus[manifest.StatusValidated],
		"skipped", summary.ByStatus[manifest.StatusSkipped],
		"verified", summary.Verified,
		"mismatch", summary.Mismatch,
		"rows", summary.Rows)
	return nil, nil
}

func sessionOutcome(err error) string {
	switch {
	case err == nil:
		return SessionCompleted
	case errors.Is(err, ErrAborted):
		return SessionAborted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return SessionInterrupted
	default:
		return SessionFailed
	}
}

func (o *Orchestrator) endSession(outcome string) error {
	if o.m == nil || o.session >= len(o.m.Sessions) {
		return nil
	}
	ended := o.now()
	o.m.Sessions[o.session].EndedAt = &ended
	o.m.Sessions[o.session].Outcome = outcome
	return o.save()
}

func (o *Orchestrator) hasWorkAfter(i int) bool {
	for _, e := range o.m.Entities[i+1:] {
		if !e.Status.IsTerminal() {
			return true
		}
	}
	return false
}

func (o *Orchestrator) enumerate(ctx context.Context) error {
	entities, err := o.enum.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("enumeration failed: %w", err)
	}
	for _, e := range entities {
		o.m.AddEntity(e.Name, e.Kind)
	}
	at := o.now()
	o.m.EnumeratedAt = &at
	o.logger.Info("catalog enumerated", "entities", len(o.m.Entities))
	return o.save()
}

func (o *Orchestrator) save() error {
	if err := o.store.Save(o.m); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

// apply runs one transition on entity i and persists the manifest.
func (o *Orchestrator) apply(i int, ev manifest.Event) error {
	ev.At = o.now()
	prev := o.m.Entities[i]
	next, err := manifest.Transition(prev, ev)
	if err != nil {
		return err
	}
	o.m.Entities[i] = next
	if err := o.save(); err != nil {
		return err
	}
	if next.Status != prev.Status {
		o.observer.PhaseChanged(next.Name, next.Status)
	}
	o.observer.Progress(o.m.Summary)
	return nil
}

// processEntity loops one entity until it is terminal, skipped, or the run
// must stop. It reports whether the entity ended validated.
func (o *Orchestrator) processEntity(ctx context.Context, i int) (bool, error) {
	for {
		rec := o.m.Entities[i]
		phase := manifest.NextPhase(rec)
		if phase == manifest.PhaseNone {
			return rec.Status == manifest.StatusValidated, nil
		}

		err := o.runPhaseSafely(ctx, i, phase)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			// The in-flight status stays as is; the next run resumes here.
			return false, ctx.Err()
		}
		var pe *PhaseError
		if !errors.As(err, &pe) {
			return false, err
		}
		if cur := o.m.Entities[i]; cur.Status.IsTerminal() {
			o.logger.Error("fault after entity finished",
				"entity", cur.Name,
				"status", string(cur.Status),
				"error", pe.Err)
			return cur.Status == manifest.StatusValidated, nil
		}

		decision, err := o.fail(ctx, i, pe)
		if err != nil {
			return false, err
		}
		switch decision {
		case manifest.DecisionRetry:
			o.logger.Info("retrying entity",
				"entity", rec.Name,
				"phase", phaseLabel(pe.Phase),
				"retry", o.m.Entities[i].RetryCount)
		case manifest.DecisionAbort:
			return false, ErrAborted
		default:
			o.logger.Info("entity skipped", "entity", rec.Name)
			return false, nil
		}
	}
}

// runPhaseSafely turns panics and unexpected transition errors into an
// unclassified PhaseError so they go through the decider like any other
// failure. Persist errors pass through untouched.
func (o *Orchestrator) runPhaseSafely(ctx context.Context, i int, phase manifest.Phase) (err error) {
	name := o.m.Entities[i].Name
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic while processing entity", "entity", name, "panic", fmt.Sprint(r))
			err = phaseError(manifest.PhaseNone, name, fmt.Errorf("panic: %v", r))
		}
	}()

	switch phase {
	case manifest.PhaseDiscovery:
		err = o.discover(ctx, i)
	case manifest.PhaseExtraction:
		err = o.extract(ctx, i)
	case manifest.PhaseValidation:
		err = o.validate(ctx, i)
	default:
		err = fmt.Errorf("unknown phase %q", phase)
	}

	var pe *PhaseError
	if err != nil && !errors.As(err, &pe) && !errors.Is(err, ErrPersist) && ctx.Err() == nil {
		err = phaseError(manifest.PhaseNone, name, err)
	}
	return err
}

// fail records pe on the entity, asks the decider and records the answer.
func (o *Orchestrator) fail(ctx context.Context, i int, pe *PhaseError) (manifest.Decision, error) {
	o.logger.Warn("entity phase failed",
		"entity", pe.Entity,
		"phase", phaseLabel(pe.Phase),
		"error", pe.Err)

	ev := manifest.Event{Type: manifest.EventPhaseFailed, Phase: pe.Phase, Err: pe.Err.Error()}
	if pe.partial != nil {
		ev.RowsExtracted = pe.partial.RowsWritten
		ev.RowsPerSegment = pe.partial.RowsPerSegment
	}
	if err := o.apply(i, ev); err != nil {
		return "", err
	}

	decision, err := o.decider.Decide(ctx, o.m.Entities[i])
	if err != nil {
		return "", fmt.Errorf("failure decision for %s: %w", pe.Entity, err)
	}
	if err := o.apply(i, manifest.Event{Type: manifest.EventDecided, Decision: decision}); err != nil {
		return "", err
	}
	return o.m.Entities[i].UserDecision, nil
}

func (o *Orchestrator) discover(ctx context.Context, i int) error {
	name := o.m.Entities[i].Name
	if err := o.apply(i, manifest.Event{Type: manifest.EventDiscoveryStarted}); err != nil {
		return err
	}
	o.logger.Debug("discovering entity", "entity", name)

	d, err := o.source.Discover(ctx, name)
	if err != nil {
		return phaseError(manifest.PhaseDiscovery, name, err)
	}
	if len(d.Columns) == 0 {
		return phaseError(manifest.PhaseDiscovery, name, manifest.ErrNoColumns)
	}
	if err := o.apply(i, manifest.Event{Type: manifest.EventDiscovered, Columns: d.Columns, Strategy: d.Strategy}); err != nil {
		return err
	}
	o.logger.Info("entity discovered", "entity", name, "columns", len(d.Columns), "strategy", d.Strategy)
	return nil
}

func (o *Orchestrator) extract(ctx context.Context, i int) error {
	if err := o.apply(i, manifest.Event{Type: manifest.EventExtractionStarted}); err != nil {
		return err
	}
	rec := o.m.Entities[i]
	name := rec.Name
	dir := sink.EntityDir(o.opts.OutputDir, name)

	if err := sink.ResetDir(dir); err != nil {
		return phaseError(manifest.PhaseExtraction, name, err)
	}
	w, err := sink.NewSegmentWriter(dir, name, o.opts.Output)
	if err != nil {
		return phaseError(manifest.PhaseExtraction, name, err)
	}
	cs, err := sink.NewChunkedSink(w, o.opts.SegmentRows)
	if err != nil {
		return phaseError(manifest.PhaseExtraction, name, err)
	}
	if err := cs.WriteHeader(rec.ColumnNames()); err != nil {
		return phaseError(manifest.PhaseExtraction, name, err)
	}

	start := o.now()
	streamErr := o.stream(ctx, rec, cs)
	stats, finErr := cs.Finalize()
	end := o.now()

	if err := sink.WriteStats(dir, sink.NewStatsFile(name, start, end, stats)); err != nil {
		o.logger.Warn("failed to write stats file", "entity", name, "error", err)
	}

	if err := errors.Join(streamErr, finErr); err != nil {
		pe := phaseError(manifest.PhaseExtraction, name, err)
		pe.partial = &stats
		return pe
	}
	if err := sink.WriteSchema(dir, sink.NewSchemaFile(name, rec.Columns, end)); err != nil {
		pe := phaseError(manifest.PhaseExtraction, name, err)
		pe.partial = &stats
		return pe
	}

	if err := o.apply(i, manifest.Event{
		Type:           manifest.EventExtracted,
		RowsExtracted:  stats.RowsWritten,
		RowsPerSegment: stats.RowsPerSegment,
		OutputDir:      dir,
	}); err != nil {
		return err
	}
	o.logger.Info("entity extracted",
		"entity", name,
		"rows", stats.RowsWritten,
		"segments", stats.SegmentCount,
		"duration", end.Sub(start).Round(time.Millisecond))
	return nil
}

// stream copies every row of rec into cs.
func (o *Orchestrator) stream(ctx context.Context, rec manifest.EntityRecord, cs *sink.ChunkedSink) (err error) {
	rows, err := o.source.Read(ctx, rec)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var n int64
	for {
		row, err := rows.Next(ctx)
		if errors.Is(err, io.EOF) {
			o.observer.RowsStreamed(rec.Name, n)
			return nil
		}
		if err != nil {
			o.observer.RowsStreamed(rec.Name, n)
			return err
		}
		if err := cs.Write(row); err != nil {
			return err
		}
		n++
		if n%o.opts.ProgressEvery == 0 {
			o.observer.RowsStreamed(rec.Name, n)
		}
	}
}

func (o *Orchestrator) validate(ctx context.Context, i int) error {
	name := o.m.Entities[i].Name
	if err := o.apply(i, manifest.Event{Type: manifest.EventValidationStarted}); err != nil {
		return err
	}

	count, err := o.source.Count(ctx, name)
	if err != nil {
		return phaseError(manifest.PhaseValidation, name, err)
	}
	if err := o.apply(i, manifest.Event{Type: manifest.EventValidated, SourceRowCount: count}); err != nil {
		return err
	}

	rec := o.m.Entities[i]
	if rec.ValidationOutcome == manifest.OutcomeVerified {
		o.logger.Info("entity verified", "entity", name, "rows", rec.RowsExtracted)
	} else {
		o.logger.Warn("row count mismatch",
			"entity", name,
			"extracted", rec.RowsExtracted,
			"source", count)
	}

	o.publish(ctx, rec)
	return nil
}

// publish uploads the artifacts of a validated entity. Failures become
// stats warnings and never fail the entity.
func (o *Orchestrator) publish(ctx context.Context, rec manifest.EntityRecord) {
	if o.publisher == nil || rec.OutputDir == "" {
		return
	}
	if err := o.publishSafely(ctx, rec); err != nil {
		o.logger.Warn("failed to publish artifacts", "entity", rec.Name, "error", err)
		if werr := sink.AppendWarnings(rec.OutputDir, fmt.Sprintf("publish failed: %v", err)); werr != nil {
			o.logger.Warn("failed to record publish warning", "entity", rec.Name, "error", werr)
		}
	}
}

func (o *Orchestrator) publishSafely(ctx context.Context, rec manifest.EntityRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return o.publisher.Publish(ctx, rec.Name, rec.OutputDir)
}
