// Package decision answers the failure protocol: whenever a phase fails the
// orchestrator asks a Decider whether to continue, retry or abort.
package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sony/gobreaker"

	"github.com/airframesio/legacy-extractor/cmd/manifest"
)

// Failure policy names accepted on the command line.
const (
	PolicyPrompt = "prompt"
	PolicyRetry  = "retry"
	PolicySkip   = "skip"
	PolicyAbort  = "abort"
)

var ErrUnknownPolicy = errors.New("unknown failure policy")

// Policies lists the accepted failure policy names.
func Policies() []string {
	return []string{PolicyPrompt, PolicyRetry, PolicySkip, PolicyAbort}
}

// ValidPolicy reports whether name is a known failure policy.
func ValidPolicy(name string) bool {
	for _, p := range Policies() {
		if strings.EqualFold(p, name) {
			return true
		}
	}
	return false
}

// PolicyConfig configures an unattended decider.
type PolicyConfig struct {
	// Mode is one of retry, skip or abort.
	Mode string
	// MaxRetries caps retries per entity in retry mode; 0 means no cap.
	MaxRetries int
	// BreakerFailures is the number of consecutive failures, across
	// entities, after which the bridge is considered down and the run is
	// aborted. 0 disables the breaker.
	BreakerFailures int
}

// Policy decides without an operator.
type Policy struct {
	cfg     PolicyConfig
	breaker *gobreaker.TwoStepCircuitBreaker
	logger  *slog.Logger
}

func NewPolicy(cfg PolicyConfig, logger *slog.Logger) (*Policy, error) {
	switch strings.ToLower(cfg.Mode) {
	case PolicyRetry, PolicySkip, PolicyAbort:
		cfg.Mode = strings.ToLower(cfg.Mode)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, cfg.Mode)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0, got %d", cfg.MaxRetries)
	}

	p := &Policy{cfg: cfg, logger: logger}
	if cfg.BreakerFailures > 0 {
		threshold := uint32(cfg.BreakerFailures)
		p.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name: "bridge",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				if logger != nil {
					logger.Warn("bridge breaker state changed", "from", from.String(), "to", to.String())
				}
			},
		})
	}
	return p, nil
}

func (p *Policy) Decide(ctx context.Context, rec manifest.EntityRecord) (manifest.Decision, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.breakerOpen() {
		return manifest.DecisionAbort, nil
	}

	switch p.cfg.Mode {
	case PolicyAbort:
		return manifest.DecisionAbort, nil
	case PolicySkip:
		return manifest.DecisionContinue, nil
	}

	if p.cfg.MaxRetries > 0 && rec.RetryCount >= p.cfg.MaxRetries {
		if p.logger != nil {
			p.logger.Warn("retries exhausted, skipping entity", "entity", rec.Name, "retries", rec.RetryCount)
		}
		return manifest.DecisionContinue, nil
	}
	return manifest.DecisionRetry, nil
}

// breakerOpen records one failure and reports whether the breaker has
// tripped.
func (p *Policy) breakerOpen() bool {
	if p.breaker == nil {
		return false
	}
	done, err := p.breaker.Allow()
	if err != nil {
		return true
	}
	done(false)
	if p.breaker.State() == gobreaker.StateOpen {
		if p.logger != nil {
			p.logger.Error("too many consecutive failures, aborting", "threshold", p.cfg.BreakerFailures)
		}
		return true
	}
	return false
}

// PhaseChanged feeds phase completions to the breaker as successes so only
// consecutive failures trip it.
func (p *Policy) PhaseChanged(entity string, status manifest.Status) {
	if p.breaker == nil {
		return
	}
	switch status {
	case manifest.StatusDiscovered, manifest.StatusExtracted, manifest.StatusValidated:
		if done, err := p.breaker.Allow(); err == nil {
			done(true)
		}
	}
}

func (p *Policy) Progress(manifest.Summary) {}

func (p *Policy) RowsStreamed(string, int64) {}
