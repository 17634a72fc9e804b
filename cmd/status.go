package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/airframesio/legacy-extractor/cmd/manifest"
)

// ErrEntityNotFound is returned by reset for a name the progress file does
// not know.
var ErrEntityNotFound = errors.New("entity not found in progress file")

var (
	failedOnly bool
	forceReset bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the progress of the extraction",
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return bindFlags(cmd, map[string]string{
			"output.dir":           "output",
			"output.progress_file": "progress-file",
		})
	},
	RunE: func(_ *cobra.Command, _ []string) error {
		m, err := manifest.NewFileStore(progressPathFromFlags()).Read()
		if err != nil {
			return err
		}
		if pid := RunningPID(); pid != 0 {
			if info, err := ReadTaskInfo(); err == nil {
				renderTask(os.Stdout, info)
			}
		}
		renderStatus(os.Stdout, m, failedOnly)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset [entity...]",
	Short: "Move skipped or failed entities back to pending",
	Long: `Moves the named entities back to pending so the next extract run starts them
from discovery. Without names every skipped and failed entity is reset. Validated
entities are only reset with --force. Retry counts are kept.`,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return bindFlags(cmd, map[string]string{
			"output.dir":           "output",
			"output.progress_file": "progress-file",
		})
	},
	RunE: func(_ *cobra.Command, args []string) error {
		if pid := RunningPID(); pid != 0 {
			return fmt.Errorf("%w (pid %d); stop it before resetting", ErrAlreadyRunning, pid)
		}

		store := manifest.NewFileStore(progressPathFromFlags())
		m, err := store.Read()
		if err != nil {
			return err
		}
		reset, err := resetEntities(m, args, forceReset, time.Now())
		if err != nil {
			return err
		}
		if len(reset) == 0 {
			fmt.Println(infoStyle.Render("Nothing to reset"))
			return nil
		}
		if err := store.Save(m); err != nil {
			return err
		}
		for _, name := range reset {
			fmt.Printf("↺ %s\n", name)
		}
		fmt.Println(infoStyle.Render(fmt.Sprintf("Reset %d entities to pending", len(reset))))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, resetCmd} {
		c.Flags().StringP("output", "o", "./extract", "output directory of the extraction")
		c.Flags().String("progress-file", "", "progress file (default: <output>/progress.json)")
		rootCmd.AddCommand(c)
	}
	statusCmd.Flags().BoolVar(&failedOnly, "failed-only", false, "only list skipped and failed entities")
	resetCmd.Flags().BoolVar(&forceReset, "force", false, "also reset entities in any other status")
}

func progressPathFromFlags() string {
	config := &Config{
		OutputDir:    viper.GetString("output.dir"),
		ProgressFile: viper.GetString("output.progress_file"),
	}
	return config.ProgressPath()
}

// resetEntities moves entities back to pending and returns their names.
// Without names it picks every skipped and failed entity.
func resetEntities(m *manifest.Manifest, names []string, force bool, now time.Time) ([]string, error) {
	resettable := func(r manifest.EntityRecord) bool {
		return r.Status == manifest.StatusSkipped || r.Status == manifest.StatusFailed
	}

	var targets []int
	if len(names) == 0 {
		for i, r := range m.Entities {
			if resettable(r) {
				targets = append(targets, i)
			}
		}
	} else {
		for _, name := range names {
			i := m.Index(name)
			if i < 0 {
				return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, name)
			}
			r := m.Entities[i]
			if !force && !resettable(r) {
				return nil, fmt.Errorf("%s is %s; use --force to reset it", name, r.Status)
			}
			if !slices.Contains(targets, i) {
				targets = append(targets, i)
			}
		}
	}

	var reset []string
	for _, i := range targets {
		next, err := manifest.Transition(m.Entities[i], manifest.Event{Type: manifest.EventReset, At: now})
		if err != nil {
			return nil, err
		}
		m.Entities[i] = next
		reset = append(reset, next.Name)
	}
	return reset, nil
}

func renderTask(w io.Writer, info *TaskInfo) {
	fmt.Fprintln(w, titleStyle.Render("Running extractor"))
	fmt.Fprintf(w, "  pid %d · session %s · started %s\n",
		info.PID, info.SessionID, info.StartTime.Format(time.DateTime))
	if info.CurrentEntity != "" {
		fmt.Fprintf(w, "  %s: %s (%d rows) · %d/%d done\n",
			info.CurrentEntity, info.CurrentStatus, info.RowsStreamed, info.DoneItems, info.TotalItems)
	}
	fmt.Fprintln(w)
}

func renderStatus(w io.Writer, m *manifest.Manifest, failedOnly bool) {
	s := m.Summary
	fmt.Fprintln(w, titleStyle.Render("Extraction progress"))
	fmt.Fprintf(w, "  source   %s\n", m.SourceIdentifier)
	fmt.Fprintf(w, "  updated  %s\n", m.UpdatedAt.Format(time.DateTime))
	fmt.Fprintf(w, "  entities %d: %d validated (%d verified, %d mismatched), %d skipped, %d failed, %d remaining\n",
		s.Total, s.ByStatus[manifest.StatusValidated], s.Verified, s.Mismatch,
		s.ByStatus[manifest.StatusSkipped], s.ByStatus[manifest.StatusFailed], s.Total-s.Done())
	fmt.Fprintf(w, "  rows     %d\n\n", s.Rows)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tKIND\tSTATUS\tROWS\tSEGMENTS\tOUTCOME\tRETRIES\tLAST ERROR")
	for _, r := range m.Entities {
		if failedOnly && r.Status != manifest.StatusFailed && r.Status != manifest.StatusSkipped {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%d\t%s\n",
			r.Name, r.Kind, r.Status, r.RowsExtracted, r.SegmentsCreated,
			r.ValidationOutcome, r.RetryCount, truncateName(r.LastError(), 60))
	}
	_ = tw.Flush()
}
