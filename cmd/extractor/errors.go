package extractor

import (
	"errors"
	"fmt"

	"github.com/airframesio/legacy-extractor/cmd/manifest"
	"github.com/airframesio/legacy-extractor/cmd/sink"
)

var (
	// ErrAborted is returned by Run when the decider answered abort.
	ErrAborted = errors.New("extraction aborted")

	// ErrPersist wraps manifest save failures. These stop the run: without
	// a durable record there is nothing to resume from.
	ErrPersist = errors.New("failed to persist manifest")
)

// PhaseError is a failure attributed to one entity. An empty Phase marks a
// fault outside discovery, extraction and validation.
type PhaseError struct {
	Phase  manifest.Phase
	Entity string
	Err    error

	partial *sink.Stats
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Entity, phaseLabel(e.Phase), e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

func phaseLabel(p manifest.Phase) string {
	if p == manifest.PhaseNone {
		return "unclassified"
	}
	return string(p)
}

func phaseError(phase manifest.Phase, entity string, err error) *PhaseError {
	return &PhaseError{Phase: phase, Entity: entity, Err: err}
}
