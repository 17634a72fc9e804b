package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/airframesio/legacy-extractor/cmd/bridge"
	"github.com/airframesio/legacy-extractor/cmd/catalog"
	"github.com/airframesio/legacy-extractor/cmd/compressors"
	"github.com/airframesio/legacy-extractor/cmd/decision"
	"github.com/airframesio/legacy-extractor/cmd/formatters"
	"github.com/airframesio/legacy-extractor/cmd/publish"
	"github.com/airframesio/legacy-extractor/cmd/sink"
)

// Static errors for configuration validation
var (
	ErrDriverRequired          = errors.New("driver is required")
	ErrDSNRequired             = errors.New("DSN is required")
	ErrOutputDirRequired       = errors.New("output directory is required")
	ErrSegmentRowsInvalid      = errors.New("segment rows must be between 1 and 1048575")
	ErrIdleDelayInvalid        = errors.New("idle delay must be >= 0")
	ErrQueryTimeoutInvalid     = errors.New("query timeout must be >= 0")
	ErrBufferRowsInvalid       = errors.New("buffer rows must be at least 1")
	ErrOutputFormatInvalid     = errors.New("output format must be one of: xlsx, csv, jsonl")
	ErrCompressionInvalid      = errors.New("compression must be one of: zstd, lz4, gzip, none")
	ErrCompressionLevelInvalid = errors.New("compression level is out of range for the selected compression")
	ErrFailurePolicyInvalid    = errors.New("failure policy must be one of: prompt, retry, skip, abort")
	ErrMaxRetriesInvalid       = errors.New("max retries must be >= 0")
	ErrBreakerInvalid          = errors.New("breaker failures must be >= 0")
	ErrViewerPortInvalid       = errors.New("viewer port must be between 1 and 65535")
	ErrFakeEntitiesInvalid     = errors.New("fake entity count must be between 1 and 10000")
	ErrFakeRowsInvalid         = errors.New("fake row range is invalid")
	ErrFakeFaultRateInvalid    = errors.New("fake fault rate must be between 0 and 1")
	ErrS3RegionInvalid         = errors.New("S3 region contains invalid characters or is too long")
)

const (
	regionAuto = "auto"

	// DriverFake selects the generated demo source instead of a bridge.
	DriverFake = "fake"

	// DefaultProgressFile is created inside the output directory.
	DefaultProgressFile = "progress.json"
)

type Config struct {
	Debug     bool
	LogFormat string
	NoTUI     bool

	Driver       string
	DSN          string
	Schema       string
	QueryTimeout time.Duration
	BufferRows   int

	OutputDir        string
	ProgressFile     string
	SegmentRows      int
	OutputFormat     string
	Compression      string
	CompressionLevel int

	IdleDelay      time.Duration
	StrategiesFile string
	Include        []string
	Exclude        []string

	OnFailure       string
	MaxRetries      int
	BreakerFailures int

	Viewer     bool
	ViewerPort int

	S3   S3Config
	Fake FakeConfig
}

type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Prefix    string
}

// Enabled reports whether artifacts should be published at all.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

func (c S3Config) publishConfig() publish.Config {
	return publish.Config{
		Endpoint:  c.Endpoint,
		Region:    c.Region,
		Bucket:    c.Bucket,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
		Prefix:    c.Prefix,
	}
}

// FakeConfig shapes the generated source used with --driver fake.
type FakeConfig struct {
	Entities  int
	MinRows   int
	MaxRows   int
	Seed      int64
	FaultRate float64
}

var validRegion = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}
	return validRegion.MatchString(region)
}

func isValidOutputFormat(format string) bool {
	switch format {
	case formatters.FormatXLSX, formatters.FormatCSV, formatters.FormatJSONL:
		return true
	}
	return false
}

// ProgressPath returns where the manifest lives.
func (c *Config) ProgressPath() string {
	if c.ProgressFile != "" {
		return c.ProgressFile
	}
	return filepath.Join(c.OutputDir, DefaultProgressFile)
}

// Filter returns the entity include/exclude patterns.
func (c *Config) Filter() catalog.Filter {
	return catalog.Filter{Include: c.Include, Exclude: c.Exclude}
}

// OutputOptions returns the sink settings. Compression only applies to
// the file-per-segment formats.
func (c *Config) OutputOptions() sink.OutputOptions {
	opts := sink.OutputOptions{Format: c.OutputFormat}
	if c.OutputFormat != formatters.FormatXLSX {
		opts.Compression = c.Compression
		opts.CompressionLevel = c.CompressionLevel
	}
	return opts
}

func (c *Config) Validate() error {
	if err := c.validateSource(); err != nil {
		return err
	}
	if err := c.validateOutput(); err != nil {
		return err
	}

	if c.IdleDelay < 0 {
		return fmt.Errorf("%w, got %s", ErrIdleDelayInvalid, c.IdleDelay)
	}
	if err := c.Filter().Validate(); err != nil {
		return err
	}

	// "prompt" is handled by the terminal; the rest by decision.Policy.
	if !decision.ValidPolicy(c.OnFailure) {
		return fmt.Errorf("%w, got %q", ErrFailurePolicyInvalid, c.OnFailure)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w, got %d", ErrMaxRetriesInvalid, c.MaxRetries)
	}
	if c.BreakerFailures < 0 {
		return fmt.Errorf("%w, got %d", ErrBreakerInvalid, c.BreakerFailures)
	}

	if c.Viewer && (c.ViewerPort < 1 || c.ViewerPort > 65535) {
		return fmt.Errorf("%w, got %d", ErrViewerPortInvalid, c.ViewerPort)
	}

	if c.S3.Enabled() {
		if err := c.S3.publishConfig().Validate(); err != nil {
			return err
		}
		if c.S3.Region != regionAuto && !isValidRegion(c.S3.Region) {
			return fmt.Errorf("%w: %q", ErrS3RegionInvalid, c.S3.Region)
		}
	}
	return nil
}

func (c *Config) validateSource() error {
	if c.Driver == "" {
		return ErrDriverRequired
	}
	if c.QueryTimeout < 0 {
		return fmt.Errorf("%w, got %s", ErrQueryTimeoutInvalid, c.QueryTimeout)
	}
	if c.BufferRows < 1 {
		return fmt.Errorf("%w, got %d", ErrBufferRowsInvalid, c.BufferRows)
	}

	if c.Driver == DriverFake {
		if c.Fake.Entities < 1 || c.Fake.Entities > 10000 {
			return fmt.Errorf("%w, got %d", ErrFakeEntitiesInvalid, c.Fake.Entities)
		}
		if c.Fake.MinRows < 0 || c.Fake.MaxRows < c.Fake.MinRows {
			return fmt.Errorf("%w: %d..%d", ErrFakeRowsInvalid, c.Fake.MinRows, c.Fake.MaxRows)
		}
		if c.Fake.FaultRate < 0 || c.Fake.FaultRate > 1 {
			return fmt.Errorf("%w, got %g", ErrFakeFaultRateInvalid, c.Fake.FaultRate)
		}
		return nil
	}

	if _, err := bridge.GetDialect(c.Driver); err != nil {
		return err
	}
	if strings.TrimSpace(c.DSN) == "" {
		return ErrDSNRequired
	}
	return nil
}

func (c *Config) validateOutput() error {
	if strings.TrimSpace(c.OutputDir) == "" {
		return ErrOutputDirRequired
	}
	if c.SegmentRows < 1 || c.SegmentRows > sink.MaxSheetRows {
		return fmt.Errorf("%w, got %d", ErrSegmentRowsInvalid, c.SegmentRows)
	}
	if !isValidOutputFormat(c.OutputFormat) {
		return fmt.Errorf("%w, got %q", ErrOutputFormatInvalid, c.OutputFormat)
	}
	if c.OutputFormat == formatters.FormatXLSX {
		return nil
	}

	comp, err := compressors.GetCompressor(c.Compression)
	if err != nil {
		return fmt.Errorf("%w, got %q", ErrCompressionInvalid, c.Compression)
	}
	// Zero selects the compressor's default level.
	if c.CompressionLevel != 0 && !comp.ValidLevel(c.CompressionLevel) {
		return fmt.Errorf("%w: %s level %d", ErrCompressionLevelInvalid, c.Compression, c.CompressionLevel)
	}
	return nil
}

// SourceIdentifier names the source a manifest belongs to, without
// credentials.
func (c *Config) SourceIdentifier() string {
	if c.Driver == DriverFake {
		return fmt.Sprintf("fake://entities=%d,seed=%d", c.Fake.Entities, c.Fake.Seed)
	}
	dialect, err := bridge.GetDialect(c.Driver)
	if err != nil {
		return c.Driver
	}
	return dialect.Identify(c.DSN)
}
