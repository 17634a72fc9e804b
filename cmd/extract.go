package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/airframesio/legacy-extractor/cmd/bridge"
	"github.com/airframesio/legacy-extractor/cmd/catalog"
	"github.com/airframesio/legacy-extractor/cmd/decision"
	"github.com/airframesio/legacy-extractor/cmd/extractor"
	"github.com/airframesio/legacy-extractor/cmd/manifest"
	"github.com/airframesio/legacy-extractor/cmd/publish"
	"github.com/airframesio/legacy-extractor/cmd/rowsource"
	"github.com/airframesio/legacy-extractor/cmd/sink"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract every table and view into per-entity exports",
	Long: `Runs discovery, extraction and validation for every entity of the source.
Progress is written to the progress file after every step; running the command
again resumes at the first incomplete phase of each entity.`,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return bindFlags(cmd, extractFlagKeys)
	},
	RunE: func(_ *cobra.Command, _ []string) error {
		return runExtract(commandContext(), loadExtractConfig())
	},
}

// extractFlagKeys maps viper keys to extract's flag names.
var extractFlagKeys = map[string]string{
	"source.driver":            "driver",
	"source.dsn":               "dsn",
	"source.schema":            "schema",
	"source.query_timeout":     "query-timeout",
	"source.buffer_rows":       "buffer-rows",
	"output.dir":               "output",
	"output.progress_file":     "progress-file",
	"output.segment_rows":      "segment-rows",
	"output.format":            "format",
	"output.compression":       "compression",
	"output.compression_level": "compression-level",
	"idle":                     "idle",
	"strategies":               "strategies",
	"include":                  "include",
	"exclude":                  "exclude",
	"failure.policy":           "on-failure",
	"failure.max_retries":      "max-retries",
	"failure.breaker_failures": "breaker-failures",
	"no_tui":                   "no-tui",
	"viewer":                   "viewer",
	"viewer_port":              "viewer-port",
	"s3.endpoint":              "s3-endpoint",
	"s3.bucket":                "s3-bucket",
	"s3.access_key":            "s3-access-key",
	"s3.secret_key":            "s3-secret-key",
	"s3.region":                "s3-region",
	"s3.prefix":                "s3-prefix",
	"fake.entities":            "fake-entities",
	"fake.min_rows":            "fake-min-rows",
	"fake.max_rows":            "fake-max-rows",
	"fake.seed":                "fake-seed",
	"fake.fault_rate":          "fake-fault-rate",
}

func init() {
	rootCmd.AddCommand(extractCmd)

	f := extractCmd.Flags()
	f.String("driver", "", "source driver: postgres, mysql, sqlserver, oracle, fake")
	f.String("dsn", "", "connection string for the bridge")
	f.String("schema", "", "schema/owner to enumerate (default: the connection's)")
	f.Duration("query-timeout", 0, "timeout for shape and count queries (0 = none)")
	f.Int("buffer-rows", rowsource.DefaultBufferRows, "rows buffered between the bridge and the writer")

	f.StringP("output", "o", "./extract", "output directory, one sub-directory per entity")
	f.String("progress-file", "", "progress file (default: <output>/progress.json)")
	f.Int("segment-rows", sink.MaxSheetRows, "maximum rows per segment (worksheet or file)")
	f.String("format", "xlsx", "output format: xlsx, csv, jsonl")
	f.String("compression", "none", "compression for csv/jsonl: zstd, lz4, gzip, none")
	f.Int("compression-level", 0, "compression level (0 = compressor default)")

	f.Duration("idle", 2*time.Second, "pause between successfully extracted entities")
	f.String("strategies", "", "per-entity remediation strategies file (YAML)")
	f.StringSlice("include", nil, "only extract entities matching these globs")
	f.StringSlice("exclude", nil, "skip entities matching these globs")

	f.String("on-failure", decision.PolicyPrompt, "failure policy: prompt, retry, skip, abort")
	f.Int("max-retries", 0, "retries per entity before the retry policy skips it (0 = unlimited)")
	f.Int("breaker-failures", 0, "abort after this many consecutive failures (0 = never)")

	f.Bool("no-tui", false, "plain log output with progress bars instead of the TUI")
	f.Bool("viewer", false, "start the embedded progress viewer web server")
	f.Int("viewer-port", 8080, "port for the progress viewer")

	f.String("s3-endpoint", "", "S3-compatible endpoint URL (publishing is enabled by --s3-bucket)")
	f.String("s3-bucket", "", "S3 bucket to publish validated entities to")
	f.String("s3-access-key", "", "S3 access key")
	f.String("s3-secret-key", "", "S3 secret key")
	f.String("s3-region", "auto", "S3 region")
	f.String("s3-prefix", "", "key prefix for published artifacts")

	f.Int("fake-entities", 12, "number of generated entities (--driver fake)")
	f.Int("fake-min-rows", 0, "minimum generated rows per entity")
	f.Int("fake-max-rows", 5000, "maximum generated rows per entity")
	f.Int64("fake-seed", 1, "seed for generated data")
	f.Float64("fake-fault-rate", 0, "chance that a generated read or count fails")
}

func loadExtractConfig() *Config {
	return &Config{
		Debug:     viper.GetBool("debug"),
		LogFormat: viper.GetString("log_format"),
		NoTUI:     viper.GetBool("no_tui"),

		Driver:       viper.GetString("source.driver"),
		DSN:          viper.GetString("source.dsn"),
		Schema:       viper.GetString("source.schema"),
		QueryTimeout: viper.GetDuration("source.query_timeout"),
		BufferRows:   viper.GetInt("source.buffer_rows"),

		OutputDir:        viper.GetString("output.dir"),
		ProgressFile:     viper.GetString("output.progress_file"),
		SegmentRows:      viper.GetInt("output.segment_rows"),
		OutputFormat:     viper.GetString("output.format"),
		Compression:      viper.GetString("output.compression"),
		CompressionLevel: viper.GetInt("output.compression_level"),

		IdleDelay:      viper.GetDuration("idle"),
		StrategiesFile: viper.GetString("strategies"),
		Include:        viper.GetStringSlice("include"),
		Exclude:        viper.GetStringSlice("exclude"),

		OnFailure:       strings.ToLower(viper.GetString("failure.policy")),
		MaxRetries:      viper.GetInt("failure.max_retries"),
		BreakerFailures: viper.GetInt("failure.breaker_failures"),

		Viewer:     viper.GetBool("viewer"),
		ViewerPort: viper.GetInt("viewer_port"),

		S3: S3Config{
			Endpoint:  viper.GetString("s3.endpoint"),
			Bucket:    viper.GetString("s3.bucket"),
			AccessKey: viper.GetString("s3.access_key"),
			SecretKey: viper.GetString("s3.secret_key"),
			Region:    viper.GetString("s3.region"),
			Prefix:    viper.GetString("s3.prefix"),
		},
		Fake: FakeConfig{
			Entities:  viper.GetInt("fake.entities"),
			MinRows:   viper.GetInt("fake.min_rows"),
			MaxRows:   viper.GetInt("fake.max_rows"),
			Seed:      viper.GetInt64("fake.seed"),
			FaultRate: viper.GetFloat64("fake.fault_rate"),
		},
	}
}

// sourceSet is what an extraction reads from.
type sourceSet struct {
	source rowsource.Source
	enum   extractor.Enumerator
}

// openSource connects to the bridge, or builds the generated source for the
// fake driver.
func openSource(ctx context.Context, config *Config) (*sourceSet, error) {
	if config.Driver == DriverFake {
		entities := rowsource.GenerateFakeEntities(config.Fake.Entities, config.Fake.MinRows, config.Fake.MaxRows, config.Fake.Seed)
		fake := rowsource.NewFakeSource(entities, rowsource.FakeOptions{
			Seed:       config.Fake.Seed,
			BufferRows: config.BufferRows,
			FaultRate:  config.Fake.FaultRate,
		})
		return &sourceSet{source: fake, enum: filteredEnumerator{fake, config.Filter()}}, nil
	}

	var overrides *rowsource.Overrides
	if config.StrategiesFile != "" {
		o, err := rowsource.LoadOverrides(config.StrategiesFile)
		if err != nil {
			return nil, err
		}
		overrides = o
	}

	conn, err := bridge.Open(ctx, config.Driver, config.DSN, logger)
	if err != nil {
		return nil, err
	}
	conn.WithQueryTimeout(config.QueryTimeout).WithSchema(config.Schema)

	return &sourceSet{
		source: rowsource.NewSQLSource(conn, overrides, config.BufferRows, logger),
		enum:   catalog.NewSQLEnumerator(conn, config.Schema, config.Filter(), logger),
	}, nil
}

// filteredEnumerator applies the entity filter to an enumerator that does
// not filter by itself.
type filteredEnumerator struct {
	enum   extractor.Enumerator
	filter catalog.Filter
}

func (f filteredEnumerator) Enumerate(ctx context.Context) ([]catalog.Entity, error) {
	entities, err := f.enum.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	entities = f.filter.Apply(entities)
	if len(entities) == 0 {
		return nil, catalog.ErrNoEntities
	}
	return entities, nil
}

// newPolicyDecider builds the automated decider, or nil for the prompt
// policy. The breaker still applies to prompted runs through the observer.
func newPolicyDecider(config *Config) (*decision.Policy, error) {
	mode := config.OnFailure
	if mode == decision.PolicyPrompt {
		if config.BreakerFailures == 0 {
			return nil, nil
		}
		// Only the breaker is consulted in front of the prompt.
		mode = decision.PolicySkip
	}
	return decision.NewPolicy(decision.PolicyConfig{
		Mode:            mode,
		MaxRetries:      config.MaxRetries,
		BreakerFailures: config.BreakerFailures,
	}, logger)
}

// breakerFirst asks the policy only when its breaker is open, and the
// operator otherwise.
type breakerFirst struct {
	policy *decision.Policy
	next   extractor.Decider
}

func (b breakerFirst) Decide(ctx context.Context, rec manifest.EntityRecord) (manifest.Decision, error) {
	d, err := b.policy.Decide(ctx, rec)
	if err != nil || d == manifest.DecisionAbort {
		return d, err
	}
	return b.next.Decide(ctx, rec)
}

func runExtract(ctx context.Context, config *Config) error {
	sessionID := ulid.Make().String()
	tuiMode := !config.NoTUI

	// In TUI mode log lines go to the TUI message log and a log file;
	// printing them would corrupt the display.
	var logOut io.Writer = os.Stdout
	var ui *tuiProgram
	var viewer *Viewer
	if tuiMode {
		ui = newTUIProgram(sessionID)
		logFile, err := openLogFile()
		if err != nil {
			return err
		}
		defer logFile.Close()
		logOut = logFile
	}
	initLogger(config.Debug, config.LogFormat, logOut, func(m LogMessage) {
		if ui != nil {
			ui.Log(m)
		}
		if viewer != nil {
			viewer.Log(m)
		}
	})

	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 Legacy Extractor v%s", Version))
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	logger.Debug("Validating configuration...")
	if err := config.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	release, err := AcquireLock()
	if err != nil {
		return err
	}
	defer release()

	if err := os.MkdirAll(config.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	logger.Debug("Opening source...")
	sources, err := openSource(ctx, config)
	if err != nil {
		return err
	}
	defer sources.source.Close()

	policy, err := newPolicyDecider(config)
	if err != nil {
		return err
	}
	var operator extractor.Decider = decision.NewPrompt(os.Stdin, os.Stdout)
	if tuiMode {
		operator = ui
	}
	decider := operator
	switch {
	case config.OnFailure != decision.PolicyPrompt:
		decider = policy
	case policy != nil:
		decider = breakerFirst{policy: policy, next: operator}
	}

	task := newTaskObserver(&TaskInfo{
		PID:          os.Getpid(),
		SessionID:    sessionID,
		StartTime:    time.Now(),
		Source:       config.SourceIdentifier(),
		ProgressFile: config.ProgressPath(),
	})
	observers := []extractor.Observer{extractor.NewLogObserver(logger), task}
	if policy != nil {
		observers = append(observers, policy)
	}
	var bars *barObserver
	if tuiMode {
		observers = append(observers, ui)
	} else {
		bars = newBarObserver(os.Stdout, config.SegmentRows)
		observers = append(observers, bars)
	}

	store := manifest.NewFileStore(config.ProgressPath())
	orch := extractor.New(store, sources.enum, sources.source, decider, extractor.Options{
		SourceIdentifier: config.SourceIdentifier(),
		OutputDir:        config.OutputDir,
		SegmentRows:      config.SegmentRows,
		Output:           config.OutputOptions(),
		IdleDelay:        config.IdleDelay,
		SessionID:        sessionID,
	}, logger).WithObserver(extractor.NewMultiObserver(logger, observers...))

	if config.S3.Enabled() {
		pub, err := publish.NewS3Publisher(config.S3.publishConfig(), logger)
		if err != nil {
			return err
		}
		orch.WithPublisher(pub)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	if config.Viewer {
		viewer = NewViewer(config.ProgressPath(), logger)
		addr := fmt.Sprintf(":%d", config.ViewerPort)
		logger.Info(fmt.Sprintf("🌐 Progress viewer on http://localhost%s", addr))
		g.Go(func() error {
			return viewer.ListenAndServe(gctx, addr)
		})
	}
	if ui != nil {
		g.Go(func() error {
			return ui.Run(gctx)
		})
	}
	var result *manifest.Manifest
	var runErr error
	g.Go(func() error {
		defer stop()
		result, runErr = orch.Run(gctx)
		if ui != nil {
			ui.Finish()
		}
		return nil
	})

	waitErr := g.Wait()
	if bars != nil {
		bars.Stop()
	}

	if runErr == nil && errors.Is(waitErr, ErrInterrupted) {
		runErr = waitErr
	}
	if runErr == nil && waitErr != nil {
		logger.Warn(fmt.Sprintf("⚠️  %v", waitErr))
	}
	return reportRun(result, runErr)
}

// reportRun prints the final summary and turns the run error into what
// main reports.
func reportRun(m *manifest.Manifest, runErr error) error {
	if m != nil {
		s := m.Summary
		fmt.Println()
		fmt.Println(infoStyle.Render(fmt.Sprintf(
			"📊 %d entities: %d validated (%d verified, %d mismatched), %d skipped, %d remaining, %d rows",
			s.Total, s.ByStatus[manifest.StatusValidated], s.Verified, s.Mismatch,
			s.ByStatus[manifest.StatusSkipped], s.Total-s.Done(), s.Rows)))
	}

	switch {
	case runErr == nil:
		logger.Info("✅ Extraction completed successfully!")
		return nil
	case errors.Is(runErr, extractor.ErrAborted):
		logger.Warn("⛔ Extraction aborted by failure decision; run again to resume")
		return runErr
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, ErrInterrupted):
		logger.Warn("⚠️  Extraction interrupted; run again to resume")
		return fmt.Errorf("%w: %w", ErrInterrupted, runErr)
	default:
		return fmt.Errorf("extraction failed: %w", runErr)
	}
}

func openLogFile() (*os.File, error) {
	path := filepath.Join(stateDir(), "extractor.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}
