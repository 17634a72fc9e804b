package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/airframesio/legacy-extractor/cmd/catalog"
	"github.com/airframesio/legacy-extractor/cmd/decision"
	"github.com/airframesio/legacy-extractor/cmd/manifest"
	"github.com/airframesio/legacy-extractor/cmd/rowsource"
)

type staticEnumerator []catalog.Entity

func (s staticEnumerator) Enumerate(context.Context) ([]catalog.Entity, error) {
	return s, nil
}

type recordingDecider struct {
	calls    int
	decision manifest.Decision
}

func (r *recordingDecider) Decide(context.Context, manifest.EntityRecord) (manifest.Decision, error) {
	r.calls++
	return r.decision, nil
}

func fakeConfig(t *testing.T) *Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	return &Config{
		LogFormat:    "text",
		NoTUI:        true,
		Driver:       DriverFake,
		BufferRows:   rowsource.DefaultBufferRows,
		OutputDir:    filepath.Join(t.TempDir(), "extract"),
		SegmentRows:  100,
		OutputFormat: "csv",
		Compression:  "zstd",
		OnFailure:    decision.PolicyAbort,
		Fake:         FakeConfig{Entities: 4, MinRows: 0, MaxRows: 250, Seed: 7},
	}
}

func TestFilteredEnumerator(t *testing.T) {
	enum := staticEnumerator{
		{Name: "ORDERS", Kind: manifest.KindTable},
		{Name: "V_ORDERS", Kind: manifest.KindView},
		{Name: "AUDIT_LOG", Kind: manifest.KindTable},
	}

	t.Run("Include", func(t *testing.T) {
		f := filteredEnumerator{enum: enum, filter: catalog.Filter{Include: []string{"*ORDERS"}}}
		got, err := f.Enumerate(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 entities, got %v", got)
		}
	})

	t.Run("NothingLeft", func(t *testing.T) {
		f := filteredEnumerator{enum: enum, filter: catalog.Filter{Exclude: []string{"*"}}}
		if _, err := f.Enumerate(context.Background()); !errors.Is(err, catalog.ErrNoEntities) {
			t.Fatalf("expected ErrNoEntities, got %v", err)
		}
	})
}

func TestNewPolicyDecider(t *testing.T) {
	config := &Config{OnFailure: decision.PolicyPrompt}
	policy, err := newPolicyDecider(config)
	if err != nil {
		t.Fatal(err)
	}
	if policy != nil {
		t.Fatal("prompt without a breaker needs no policy")
	}

	config.BreakerFailures = 3
	if policy, err = newPolicyDecider(config); err != nil || policy == nil {
		t.Fatalf("prompt with a breaker needs a policy, got %v, %v", policy, err)
	}

	config.OnFailure = decision.PolicyRetry
	config.MaxRetries = 2
	if policy, err = newPolicyDecider(config); err != nil || policy == nil {
		t.Fatalf("retry needs a policy, got %v, %v", policy, err)
	}
}

func TestBreakerFirst(t *testing.T) {
	policy, err := newPolicyDecider(&Config{OnFailure: decision.PolicyPrompt, BreakerFailures: 2})
	if err != nil {
		t.Fatal(err)
	}
	operator := &recordingDecider{decision: manifest.DecisionRetry}
	d := breakerFirst{policy: policy, next: operator}
	rec := manifest.EntityRecord{Name: "ORDERS", Status: manifest.StatusFailed}

	got, err := d.Decide(context.Background(), rec)
	if err != nil {
		t.Fatal(err)
	}
	if got != manifest.DecisionRetry || operator.calls != 1 {
		t.Fatalf("first failure should reach the operator, got %s after %d calls", got, operator.calls)
	}

	got, err = d.Decide(context.Background(), rec)
	if err != nil {
		t.Fatal(err)
	}
	if got != manifest.DecisionAbort || operator.calls != 1 {
		t.Fatalf("tripped breaker should abort without asking, got %s after %d calls", got, operator.calls)
	}
}

func TestRunExtractFakeSource(t *testing.T) {
	config := fakeConfig(t)

	if err := runExtract(context.Background(), config); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	m, err := manifest.NewFileStore(config.ProgressPath()).Read()
	if err != nil {
		t.Fatal(err)
	}
	if m.Summary.Total != 4 || m.Summary.Done() != 4 {
		t.Fatalf("expected 4 finished entities, got %+v", m.Summary)
	}
	for _, r := range m.Entities {
		if r.Status != manifest.StatusValidated || r.ValidationOutcome != manifest.OutcomeVerified {
			t.Errorf("%s: expected validated and verified, got %s/%s", r.Name, r.Status, r.ValidationOutcome)
		}
		if r.SourceRowCount == nil || *r.SourceRowCount != r.RowsExtracted {
			t.Errorf("%s: row counts disagree", r.Name)
		}
		if _, err := os.Stat(r.OutputDir); err != nil {
			t.Errorf("%s: output directory missing: %v", r.Name, err)
		}
	}
	if len(m.Sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(m.Sessions))
	}

	if _, err := os.Stat(GetPIDFilePath()); !os.IsNotExist(err) {
		t.Fatal("PID file should be released")
	}
	if _, err := os.Stat(GetTaskFilePath()); !os.IsNotExist(err) {
		t.Fatal("task file should be released")
	}

	t.Run("ResumeIsANoop", func(t *testing.T) {
		if err := runExtract(context.Background(), config); err != nil {
			t.Fatalf("second run failed: %v", err)
		}
		m, err := manifest.NewFileStore(config.ProgressPath()).Read()
		if err != nil {
			t.Fatal(err)
		}
		if len(m.Sessions) != 2 || m.Summary.Done() != 4 {
			t.Fatalf("unexpected manifest after resume: %d sessions, %+v", len(m.Sessions), m.Summary)
		}
	})
}

func TestRunExtractErrors(t *testing.T) {
	t.Run("InvalidConfig", func(t *testing.T) {
		config := fakeConfig(t)
		config.SegmentRows = 0
		if err := runExtract(context.Background(), config); !errors.Is(err, ErrSegmentRowsInvalid) {
			t.Fatalf("expected ErrSegmentRowsInvalid, got %v", err)
		}
	})

	t.Run("NoEntitiesAfterFilter", func(t *testing.T) {
		config := fakeConfig(t)
		config.Exclude = []string{"*"}
		err := runExtract(context.Background(), config)
		if !errors.Is(err, catalog.ErrNoEntities) {
			t.Fatalf("expected ErrNoEntities, got %v", err)
		}
		if ExitCode(err) != ExitError {
			t.Fatalf("expected exit code %d, got %d", ExitError, ExitCode(err))
		}
	})

	t.Run("Cancelled", func(t *testing.T) {
		config := fakeConfig(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := runExtract(ctx, config)
		if ExitCode(err) != ExitInterrupted {
			t.Fatalf("expected exit code %d, got %d (%v)", ExitInterrupted, ExitCode(err), err)
		}
	})
}
