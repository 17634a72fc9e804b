// Package manifest holds the durable per-entity progress record of an
// extraction run and the pure transitions that move an entity through its
// discovery, extraction and validation phases.
package manifest

import (
	"time"
)

// Version is the document layout version written to the progress file.
const Version = 1

// Kind distinguishes tables from views.
type Kind string

const (
	KindTable Kind = "TABLE"
	KindView  Kind = "VIEW"
)

// Status is the position of an entity in the extraction state machine.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDiscovering Status = "discovering"
	StatusDiscovered  Status = "discovered"
	StatusExtracting  Status = "extracting"
	StatusExtracted   Status = "extracted"
	StatusValidating  Status = "validating"
	StatusValidated   Status = "validated"
	StatusFailed      Status = "failed"
	StatusSkipped     Status = "skipped"
)

// AllStatuses lists every status in state machine order.
var AllStatuses = []Status{
	StatusPending,
	StatusDiscovering,
	StatusDiscovered,
	StatusExtracting,
	StatusExtracted,
	StatusValidating,
	StatusValidated,
	StatusFailed,
	StatusSkipped,
}

// IsTerminal reports whether an entity in this status is never touched again.
func (s Status) IsTerminal() bool {
	return s == StatusValidated || s == StatusSkipped
}

// Phase names one of the three extraction phases.
type Phase string

const (
	PhaseNone       Phase = ""
	PhaseDiscovery  Phase = "discovery"
	PhaseExtraction Phase = "extraction"
	PhaseValidation Phase = "validation"
)

// Outcome is the result of comparing the extracted row count to the source.
type Outcome string

const (
	OutcomeVerified         Outcome = "VERIFIED"
	OutcomeRowCountMismatch Outcome = "ROW_COUNT_MISMATCH"
	OutcomeColumnMismatch   Outcome = "COLUMN_MISMATCH"
	OutcomeValidationFailed Outcome = "VALIDATION_FAILED"
	OutcomeNotValidated     Outcome = "NOT_VALIDATED"
)

// Decision is the answer of the failure-decision collaborator.
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionRetry    Decision = "retry"
	DecisionAbort    Decision = "abort"
)

// Column describes one column found by the structural check.
type Column struct {
	Name     string `json:"name"`
	Position int    `json:"position"`
	Type     string `json:"type,omitempty"`
	Nullable *bool  `json:"nullable,omitempty"`
}

// EntityRecord is the progress entry of one table or view.
type EntityRecord struct {
	Name     string   `json:"name"`
	Kind     Kind     `json:"kind"`
	Status   Status   `json:"status"`
	Columns  []Column `json:"columns,omitempty"`
	Strategy string   `json:"strategy,omitempty"`

	DiscoveryStartedAt    *time.Time `json:"discoveryStartedAt,omitempty"`
	DiscoveryCompletedAt  *time.Time `json:"discoveryCompletedAt,omitempty"`
	ExtractionStartedAt   *time.Time `json:"extractionStartedAt,omitempty"`
	ExtractionCompletedAt *time.Time `json:"extractionCompletedAt,omitempty"`
	ValidationStartedAt   *time.Time `json:"validationStartedAt,omitempty"`
	ValidationCompletedAt *time.Time `json:"validationCompletedAt,omitempty"`

	RowsExtracted   int64   `json:"rowsExtracted"`
	SegmentsCreated int     `json:"segmentsCreated"`
	RowsPerSegment  []int64 `json:"rowsPerSegment,omitempty"`
	OutputDir       string  `json:"outputDir,omitempty"`

	SourceRowCount    *int64  `json:"sourceRowCount,omitempty"`
	ValidationOutcome Outcome `json:"validationOutcome,omitempty"`

	DiscoveryError    string   `json:"discoveryError,omitempty"`
	ExtractionError   string   `json:"extractionError,omitempty"`
	ValidationError   string   `json:"validationError,omitempty"`
	UnclassifiedError string   `json:"unclassifiedError,omitempty"`
	FailedPhase       Phase    `json:"failedPhase,omitempty"`
	RetryCount        int      `json:"retryCount"`
	UserDecision      Decision `json:"userDecision,omitempty"`
}

// HasColumns reports whether discovery has completed for the record.
func (r EntityRecord) HasColumns() bool {
	return len(r.Columns) > 0
}

// LastError returns the error text of the most recent failure, if any.
func (r EntityRecord) LastError() string {
	switch r.FailedPhase {
	case PhaseDiscovery:
		return r.DiscoveryError
	case PhaseExtraction:
		return r.ExtractionError
	case PhaseValidation:
		return r.ValidationError
	}
	return r.UnclassifiedError
}

// ColumnNames returns the column names in position order.
func (r EntityRecord) ColumnNames() []string {
	names := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		names[i] = c.Name
	}
	return names
}

// Session records one process invocation against the manifest.
type Session struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Outcome   string     `json:"outcome,omitempty"`
}

// Summary is derived from the entity records on every persist.
type Summary struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"byStatus"`
	Verified int            `json:"verified"`
	Mismatch int            `json:"mismatch"`
	Rows     int64          `json:"rowsExtracted"`
}

// Done is the number of entities in a terminal status.
func (s Summary) Done() int {
	return s.ByStatus[StatusValidated] + s.ByStatus[StatusSkipped]
}

// Manifest is the durable aggregate of all entities' progress for a run.
type Manifest struct {
	Version          int            `json:"version"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	SourceIdentifier string         `json:"sourceIdentifier"`
	EnumeratedAt     *time.Time     `json:"enumeratedAt,omitempty"`
	Entities         []EntityRecord `json:"entities"`
	Summary          Summary        `json:"summary"`
	Sessions         []Session      `json:"sessions,omitempty"`
}

// New returns an empty manifest for the given source.
func New(sourceIdentifier string, now time.Time) *Manifest {
	return &Manifest{
		Version:          Version,
		CreatedAt:        now,
		UpdatedAt:        now,
		SourceIdentifier: sourceIdentifier,
		Entities:         []EntityRecord{},
		Summary:          Summarize(nil),
	}
}

// Enumerated reports whether the one-time catalog enumeration already ran.
func (m *Manifest) Enumerated() bool {
	return m.EnumeratedAt != nil
}

// AddEntity appends a pending record unless one with the same name exists.
func (m *Manifest) AddEntity(name string, kind Kind) bool {
	if m.Index(name) >= 0 {
		return false
	}
	m.Entities = append(m.Entities, EntityRecord{
		Name:              name,
		Kind:              kind,
		Status:            StatusPending,
		ValidationOutcome: OutcomeNotValidated,
	})
	return true
}

// Index returns the position of the named entity, or -1.
func (m *Manifest) Index(name string) int {
	for i := range m.Entities {
		if m.Entities[i].Name == name {
			return i
		}
	}
	return -1
}

// Entity returns a copy of the named record.
func (m *Manifest) Entity(name string) (EntityRecord, bool) {
	i := m.Index(name)
	if i < 0 {
		return EntityRecord{}, false
	}
	return m.Entities[i], true
}

// Pending returns the number of entities not yet in a terminal status.
func (m *Manifest) Pending() int {
	n := 0
	for _, e := range m.Entities {
		if !e.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// Summarize computes the derived summary for a set of records.
func Summarize(entities []EntityRecord) Summary {
	s := Summary{
		Total:    len(entities),
		ByStatus: make(map[Status]int, len(AllStatuses)),
	}
	for _, st := range AllStatuses {
		s.ByStatus[st] = 0
	}
	for _, e := range entities {
		s.ByStatus[e.Status]++
		s.Rows += e.RowsExtracted
		switch e.ValidationOutcome {
		case OutcomeVerified:
			s.Verified++
		case OutcomeRowCountMismatch, OutcomeColumnMismatch:
			s.Mismatch++
		}
	}
	return s
}

// Clone returns a deep copy safe to hand to observers.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.Entities = make([]EntityRecord, len(m.Entities))
	for i, e := range m.Entities {
		c.Entities[i] = e.clone()
	}
	c.Sessions = append([]Session(nil), m.Sessions...)
	c.Summary.ByStatus = make(map[Status]int, len(m.Summary.ByStatus))
	for k, v := range m.Summary.ByStatus {
		c.Summary.ByStatus[k] = v
	}
	return &c
}

func (r EntityRecord) clone() EntityRecord {
	c := r
	c.Columns = append([]Column(nil), r.Columns...)
	c.RowsPerSegment = append([]int64(nil), r.RowsPerSegment...)
	if r.SourceRowCount != nil {
		n := *r.SourceRowCount
		c.SourceRowCount = &n
	}
	return c
}
