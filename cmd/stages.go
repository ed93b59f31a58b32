package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/radar-cli/internal/model"
)

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Classify records still in their initial state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		kind, err := kindFlag(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 {
			limit = cfg.Classify.BatchSize
		}

		env, err := initEnv(ctx, "classify")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Classifier.Prime(ctx, kind); err != nil {
			zap.L().Warn("prompt cache primer failed", zap.Error(err))
		}
		run, err := env.Orchestrator.ClassifyPending(ctx, kind, limit)
		if run != nil {
			formatRun(os.Stdout, run)
		}
		return err
	},
}

var reverifyCmd = &cobra.Command{
	Use:   "reverify",
	Short: "Re-verify pending locations and flag stale verified ones",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		staleOnly, _ := cmd.Flags().GetBool("stale-only")
		mode := "reverify"
		if staleOnly {
			mode = "stale"
		}
		env, err := initEnv(ctx, mode)
		if err != nil {
			return err
		}
		defer env.Close()
		if staleOnly {
			env.Classifier = nil
		}

		run, err := env.Orchestrator.Reverify(ctx, env.reverifier())
		if run != nil {
			formatRun(os.Stdout, run)
		}
		return err
	},
}

var dedupeCmd = &cobra.Command{
	Use:   "dedupe",
	Short: "Sweep stored records for duplicates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		kind, err := kindFlag(cmd)
		if err != nil {
			return err
		}
		env, err := initEnv(ctx, "dedupe")
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Orchestrator.Dedupe(ctx, kind)
		if run != nil {
			formatRun(os.Stdout, run)
		}
		return err
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish verified upcoming events",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		env, err := initEnv(ctx, "publish")
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Orchestrator.Publish(ctx)
		if run != nil {
			formatRun(os.Stdout, run)
		}
		return err
	},
}

func kindFlag(cmd *cobra.Command) (model.Kind, error) {
	raw, _ := cmd.Flags().GetString("kind")
	k := model.Kind(raw)
	if !k.Valid() {
		return "", eris.Errorf("--kind must be location or event, got %q", raw)
	}
	return k, nil
}

// formatRun prints a one-run summary with its counters sorted by name.
func formatRun(w io.Writer, run *model.Run) {
	_, _ = fmt.Fprintf(w, "run %s  stage=%s  status=%s\n", run.ID, run.Stage, run.Status)
	names := make([]string, 0, len(run.Counters))
	for name := range run.Counters {
		names = append(names, name)
	}
	slices.Sort(names)

	rows := make([][]string, len(names))
	for i, name := range names {
		rows[i] = []string{name, strconv.FormatInt(run.Counters[name], 10)}
	}
	if len(rows) > 0 {
		_, _ = fmt.Fprintln(w, renderTable([]string{"Counter", "Value"}, rows, []columnAlignment{alignLeft, alignRight}))
	}
	if run.Error != "" {
		_, _ = fmt.Fprintf(w, "error: %s\n", run.Error)
	}
}

func init() {
	classifyCmd.Flags().String("kind", string(model.KindLocation), "record kind (location, event)")
	classifyCmd.Flags().Int("limit", 0, "max records to classify (default classify.batch_size)")
	reverifyCmd.Flags().Bool("stale-only", false, "only flag stale records, without model calls")
	dedupeCmd.Flags().String("kind", string(model.KindLocation), "record kind (location, event)")

	rootCmd.AddCommand(classifyCmd, reverifyCmd, dedupeCmd, publishCmd)
}
