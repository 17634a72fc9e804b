package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/airframesio/legacy-extractor/cmd/manifest"
)

// VersionInfo describes this build and what it can read from disk.
type VersionInfo struct {
	Version         string `json:"version"`
	GoVersion       string `json:"goVersion"`
	ManifestVersion int    `json:"manifestVersion"`
	StateDir        string `json:"stateDir"`
	ProgressFile    string `json:"progressFile"`

	// Set when the progress file exists.
	ProgressVersion int        `json:"progressVersion,omitempty"`
	ProgressSource  string     `json:"progressSource,omitempty"`
	LastSession     string     `json:"lastSession,omitempty"`
	LastRunAt       *time.Time `json:"lastRunAt,omitempty"`
	Readable        bool       `json:"readable"`
	Problem         string     `json:"problem,omitempty"`
}

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and the progress file layout it reads",
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return bindFlags(cmd, map[string]string{
			"output.dir":           "output",
			"output.progress_file": "progress-file",
		})
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		info := collectVersionInfo(progressPathFromFlags())
		if versionJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}
		renderVersion(cmd.OutOrStdout(), info)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().StringP("output", "o", "./extract", "output directory of the extraction")
	versionCmd.Flags().String("progress-file", "", "progress file (default: <output>/progress.json)")
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print as JSON")
}

// collectVersionInfo never fails; problems with the progress file are
// reported in the result so the command stays usable for diagnosis.
func collectVersionInfo(progressPath string) VersionInfo {
	info := VersionInfo{
		Version:         Version,
		GoVersion:       runtime.Version(),
		ManifestVersion: manifest.Version,
		StateDir:        stateDir(),
		ProgressFile:    progressPath,
	}

	m, err := manifest.NewFileStore(progressPath).Read()
	switch {
	case errors.Is(err, manifest.ErrNotFound):
		info.Readable = true
		return info
	case err != nil:
		info.Problem = err.Error()
		return info
	}

	info.Readable = true
	info.ProgressVersion = m.Version
	info.ProgressSource = m.SourceIdentifier
	if n := len(m.Sessions); n > 0 {
		last := m.Sessions[n-1]
		info.LastSession = last.ID
		at := last.StartedAt
		if last.EndedAt != nil {
			at = *last.EndedAt
		}
		info.LastRunAt = &at
	}
	return info
}

func renderVersion(w io.Writer, info VersionInfo) {
	fmt.Fprintf(w, "legacy-extractor v%s (%s)\n\n", info.Version, info.GoVersion)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "progress layout\tv%d\n", info.ManifestVersion)
	fmt.Fprintf(tw, "state dir\t%s\n", info.StateDir)
	fmt.Fprintf(tw, "progress file\t%s\n", info.ProgressFile)
	switch {
	case info.Problem != "":
		fmt.Fprintf(tw, "  status\t%s\n", info.Problem)
	case info.ProgressVersion == 0 && info.ProgressSource == "":
		fmt.Fprintf(tw, "  status\tnot created yet\n")
	default:
		fmt.Fprintf(tw, "  layout\tv%d\n", info.ProgressVersion)
		fmt.Fprintf(tw, "  source\t%s\n", info.ProgressSource)
		if info.LastSession != "" {
			fmt.Fprintf(tw, "  last session\t%s (%s)\n", info.LastSession, info.LastRunAt.Local().Format(time.DateTime))
		}
	}
	_ = tw.Flush()
}
