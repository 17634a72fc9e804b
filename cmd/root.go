package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/airframesio/legacy-extractor/cmd/extractor"
)

// Exit codes returned by the binary.
const (
	ExitOK          = 0
	ExitError       = 1
	ExitAborted     = 2
	ExitInterrupted = 130
)

// ErrInterrupted is returned when the operator stops a run from the TUI.
var ErrInterrupted = errors.New("interrupted by user")

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/airframesio/legacy-extractor/cmd.Version=1.2.3"
	Version = "dev"

	// signalContext is set by main() before Cobra initialization
	signalContext context.Context

	cfgFile   string
	debug     bool
	logFormat string

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	logger *slog.Logger
)

// SetSignalContext stores the signal-aware context created in main()
// This must be called before Execute() to ensure proper signal handling
func SetSignalContext(ctx context.Context) {
	signalContext = ctx
}

// ExitCode maps the error returned by Execute to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, extractor.ErrAborted):
		return ExitAborted
	case errors.Is(err, ErrInterrupted), errors.Is(err, context.Canceled):
		return ExitInterrupted
	default:
		return ExitError
	}
}

// broadcastLogHandler wraps a slog handler and copies every record to tap,
// which feeds the TUI message log and the viewer's log stream.
type broadcastLogHandler struct {
	handler slog.Handler
	tap     func(LogMessage)
}

func newBroadcastLogHandler(handler slog.Handler, tap func(LogMessage)) *broadcastLogHandler {
	return &broadcastLogHandler{handler: handler, tap: tap}
}

func (h *broadcastLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *broadcastLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.tap != nil {
		h.tap(newLogMessage(r))
	}
	return h.handler.Handle(ctx, r)
}

func (h *broadcastLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &broadcastLogHandler{handler: h.handler.WithAttrs(attrs), tap: h.tap}
}

func (h *broadcastLogHandler) WithGroup(name string) slog.Handler {
	return &broadcastLogHandler{handler: h.handler.WithGroup(name), tap: h.tap}
}

func newLogMessage(r slog.Record) LogMessage {
	msg := r.Message
	r.Attrs(func(a slog.Attr) bool {
		msg += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})
	return LogMessage{
		Timestamp: r.Time.Format("2006-01-02 15:04:05"),
		Level:     r.Level.String(),
		Message:   msg,
	}
}

// textOnlyHandler is a custom slog handler that outputs human-readable text
// suitable for interactive terminal usage. Attributes follow the message.
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
	attrs  []slog.Attr
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message key=value...
	fmt.Fprintf(&b, "%s %s %s", r.Time.Format("2006-01-02 15:04:05"), r.Level.String(), r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	b.WriteByte('\n')

	_, err := io.WriteString(h.writer, b.String())
	return err
}

func (h *textOnlyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &c
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	// Groups are flattened in text mode
	return h
}

// initLogger builds the process logger. tap, when set, receives a copy of
// every record.
func initLogger(isDebug bool, format string, w io.Writer, tap func(LogMessage)) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "logfmt":
		handler = slog.NewTextHandler(w, opts)
	default: // "text" or anything else
		handler = newTextOnlyHandler(w, opts)
	}
	handler = newBroadcastLogHandler(handler, tap)

	logger = slog.New(handler)
	return logger
}

var rootCmd = &cobra.Command{
	Use:     "legacy-extractor",
	Version: Version,
	Short:   "📤 Extract every table and view of a legacy database into verified exports",
	Long: titleStyle.Render("Legacy Extractor") + `

Extracts all tables and views from a legacy relational source, reached through
a slow and unreliable bridge, into per-entity spreadsheet (or CSV/JSONL) exports.
Each entity moves through discovery, extraction and validation; progress is
written after every step so a killed run resumes where it stopped, and every
export is checked against a COUNT(*) of its source.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, _ []string) {
		// Show help when no subcommand is specified
		_ = cmd.Help()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.legacy-extractor.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, logfmt, json)")

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".legacy-extractor")
	}

	viper.SetEnvPrefix("EXTRACT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && debug {
		if logger == nil {
			initLogger(debug, logFormat, os.Stderr, nil)
		}
		logger.Debug(fmt.Sprintf("📄 Using config file: %s", viper.ConfigFileUsed()))
	}
}

// bindFlags binds a command's flags to viper keys. It runs from the
// command's PreRunE so that commands sharing a key do not overwrite each
// other's binding.
func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for key, flag := range keys {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			return fmt.Errorf("unknown flag %q for key %q", flag, key)
		}
		if err := viper.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

// commandContext returns the signal context installed by main, or a plain
// background context when running without one (tests).
func commandContext() context.Context {
	if signalContext != nil {
		return signalContext
	}
	return context.Background()
}
