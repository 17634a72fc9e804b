package manifest

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTerminal          = errors.New("entity is in a terminal status")
	ErrNoColumns         = errors.New("discovery produced no columns")
)

// Transition table: from -> allowed tos
var validTransitions = map[Status][]Status{
	StatusPending:     {StatusDiscovering, StatusFailed},
	StatusDiscovering: {StatusDiscovering, StatusDiscovered, StatusFailed},
	StatusDiscovered:  {StatusDiscovering, StatusExtracting, StatusFailed},
	StatusExtracting:  {StatusExtracting, StatusExtracted, StatusFailed},
	StatusExtracted:   {StatusExtracting, StatusValidating, StatusFailed},
	StatusValidating:  {StatusValidating, StatusValidated, StatusFailed},
	StatusValidated:   {},
	StatusFailed:      {StatusFailed, StatusDiscovering, StatusExtracting, StatusValidating, StatusSkipped, StatusPending},
	StatusSkipped:     {},
}

// CanTransition checks if moving an entity from one status to another is valid.
func CanTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// EventType names what happened to an entity.
type EventType string

const (
	EventDiscoveryStarted  EventType = "discovery_started"
	EventDiscovered        EventType = "discovered"
	EventExtractionStarted EventType = "extraction_started"
	EventExtracted         EventType = "extracted"
	EventValidationStarted EventType = "validation_started"
	EventValidated         EventType = "validated"
	EventPhaseFailed       EventType = "phase_failed"
	EventDecided           EventType = "decided"
	EventReset             EventType = "reset"
)

// Event is the input of Transition. Only the fields relevant to Type are read.
type Event struct {
	Type EventType
	At   time.Time

	// EventDiscovered
	Columns  []Column
	Strategy string

	// EventExtracted, and the partial count for an extraction failure
	RowsExtracted  int64
	RowsPerSegment []int64
	OutputDir      string

	// EventValidated
	SourceRowCount int64

	// EventPhaseFailed; an empty Phase marks an unclassified fault
	Phase Phase
	Err   string

	// EventDecided
	Decision Decision
}

// Transition applies ev to r and returns the updated record. r is not
// modified. The caller owns persisting the result.
func Transition(r EntityRecord, ev Event) (EntityRecord, error) {
	if r.Status.IsTerminal() && ev.Type != EventReset {
		return r, fmt.Errorf("%w: %s is %s", ErrTerminal, r.Name, r.Status)
	}

	next := r.clone()
	at := ev.At

	switch ev.Type {
	case EventDiscoveryStarted:
		if err := move(&next, StatusDiscovering); err != nil {
			return r, err
		}
		next.DiscoveryStartedAt = &at
		next.DiscoveryCompletedAt = nil
		next.DiscoveryError = ""

	case EventDiscovered:
		if len(ev.Columns) == 0 {
			return r, fmt.Errorf("%w: %s", ErrNoColumns, r.Name)
		}
		if err := move(&next, StatusDiscovered); err != nil {
			return r, err
		}
		next.Columns = append([]Column(nil), ev.Columns...)
		next.Strategy = ev.Strategy
		next.DiscoveryCompletedAt = &at
		next.FailedPhase = PhaseNone

	case EventExtractionStarted:
		if !r.HasColumns() {
			return r, fmt.Errorf("%w: %s has no columns", ErrInvalidTransition, r.Name)
		}
		if err := move(&next, StatusExtracting); err != nil {
			return r, err
		}
		next.ExtractionStartedAt = &at
		next.ExtractionCompletedAt = nil
		next.ExtractionError = ""
		next.RowsExtracted = 0
		next.SegmentsCreated = 0
		next.RowsPerSegment = nil

	case EventExtracted:
		if err := move(&next, StatusExtracted); err != nil {
			return r, err
		}
		next.RowsExtracted = ev.RowsExtracted
		next.RowsPerSegment = append([]int64(nil), ev.RowsPerSegment...)
		next.SegmentsCreated = len(ev.RowsPerSegment)
		next.OutputDir = ev.OutputDir
		next.ExtractionCompletedAt = &at
		next.FailedPhase = PhaseNone

	case EventValidationStarted:
		if err := move(&next, StatusValidating); err != nil {
			return r, err
		}
		next.ValidationStartedAt = &at
		next.ValidationCompletedAt = nil
		next.ValidationError = ""

	case EventValidated:
		if err := move(&next, StatusValidated); err != nil {
			return r, err
		}
		count := ev.SourceRowCount
		next.SourceRowCount = &count
		if count == next.RowsExtracted {
			next.ValidationOutcome = OutcomeVerified
		} else {
			next.ValidationOutcome = OutcomeRowCountMismatch
		}
		next.ValidationCompletedAt = &at
		next.FailedPhase = PhaseNone

	case EventPhaseFailed:
		if err := move(&next, StatusFailed); err != nil {
			return r, err
		}
		next.FailedPhase = ev.Phase
		switch ev.Phase {
		case PhaseDiscovery:
			next.DiscoveryError = ev.Err
		case PhaseExtraction:
			next.ExtractionError = ev.Err
			next.RowsExtracted = ev.RowsExtracted
			next.RowsPerSegment = append([]int64(nil), ev.RowsPerSegment...)
			next.SegmentsCreated = len(ev.RowsPerSegment)
		case PhaseValidation:
			next.ValidationError = ev.Err
			next.ValidationOutcome = OutcomeValidationFailed
		default:
			next.UnclassifiedError = ev.Err
		}

	case EventDecided:
		if r.Status != StatusFailed {
			return r, fmt.Errorf("%w: decision on %s entity %s", ErrInvalidTransition, r.Status, r.Name)
		}
		next.UserDecision = ev.Decision
		switch ev.Decision {
		case DecisionRetry:
			next.RetryCount++
		case DecisionAbort:
			// stays failed so the next run picks it up again
		default:
			next.UserDecision = DecisionContinue
			next.Status = StatusSkipped
		}

	case EventReset:
		next.Status = StatusPending
		next.Columns = nil
		next.Strategy = ""
		next.DiscoveryStartedAt, next.DiscoveryCompletedAt = nil, nil
		next.ExtractionStartedAt, next.ExtractionCompletedAt = nil, nil
		next.ValidationStartedAt, next.ValidationCompletedAt = nil, nil
		next.RowsExtracted = 0
		next.SegmentsCreated = 0
		next.RowsPerSegment = nil
		next.OutputDir = ""
		next.SourceRowCount = nil
		next.ValidationOutcome = OutcomeNotValidated
		next.DiscoveryError, next.ExtractionError = "", ""
		next.ValidationError, next.UnclassifiedError = "", ""
		next.FailedPhase = PhaseNone
		next.UserDecision = ""

	default:
		return r, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev.Type)
	}

	return next, nil
}

func move(r *EntityRecord, to Status) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w from %s to %s for %s", ErrInvalidTransition, r.Status, to, r.Name)
	}
	r.Status = to
	return nil
}

// NextPhase returns the first incomplete phase of r, or PhaseNone when r is
// terminal. A restarted run resumes every entity from here.
func NextPhase(r EntityRecord) Phase {
	if r.Status.IsTerminal() {
		return PhaseNone
	}
	if !r.HasColumns() {
		return PhaseDiscovery
	}
	switch r.Status {
	case StatusPending, StatusDiscovering:
		return PhaseDiscovery
	case StatusDiscovered, StatusExtracting:
		return PhaseExtraction
	case StatusExtracted, StatusValidating:
		return PhaseValidation
	case StatusFailed:
		if r.FailedPhase != PhaseNone {
			return r.FailedPhase
		}
		if r.ExtractionCompletedAt != nil {
			return PhaseValidation
		}
		return PhaseExtraction
	}
	return PhaseDiscovery
}
