package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/radar-cli/internal/model"
	"github.com/sells-group/radar-cli/internal/orchestrator"
	"github.com/sells-group/radar-cli/internal/source"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch, normalize and reconcile every configured scope",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		scopesFile, _ := cmd.Flags().GetString("scopes")
		if scopesFile == "" {
			scopesFile = cfg.Worker.ScopesFile
		}
		only, _ := cmd.Flags().GetStringSlice("scope")
		sources, _ := cmd.Flags().GetStringSlice("source")
		forceClassify, _ := cmd.Flags().GetBool("classify")

		// Scope errors are fatal before any run starts.
		scopes, err := orchestrator.LoadScopes(scopesFile)
		if err != nil {
			return err
		}
		scopes, err = selectScopes(scopes, only)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := orchestrator.CheckAdapters(scopesFile, scopes, env.Sources); err != nil {
			return err
		}
		scopes, err = scopesForSources(scopes, env.Sources, sources)
		if err != nil {
			return err
		}
		if forceClassify {
			if env.Classifier == nil {
				return eris.New("ingest: --classify needs RADAR_ANTHROPIC_KEY")
			}
			for i := range scopes {
				scopes[i].Classify = true
			}
		}

		results := env.Orchestrator.RunBatch(ctx, scopes)
		formatBatch(os.Stdout, results)
		return batchError(results)
	},
}

// selectScopes keeps the scopes whose key is in keys, preserving file
// order. Empty keys keeps every scope.
func selectScopes(scopes []model.Scope, keys []string) ([]model.Scope, error) {
	if len(keys) == 0 {
		return scopes, nil
	}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[strings.ToLower(strings.TrimSpace(k))] = true
	}
	var out []model.Scope
	for _, s := range scopes {
		if want[s.Key()] {
			out = append(out, s)
			delete(want, s.Key())
		}
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for k := range want {
			missing = append(missing, k)
		}
		return nil, eris.Errorf("ingest: unknown scope(s): %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// scopesForSources keeps the scopes fetched by one of the named adapters.
// Empty names keeps every scope; an unregistered name is an error.
func scopesForSources(scopes []model.Scope, reg *source.Registry, names []string) ([]model.Scope, error) {
	adapters, err := reg.Select(names)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: --source")
	}
	want := make(map[string]bool, len(adapters))
	for _, a := range adapters {
		want[a.Name()] = true
	}
	out := make([]model.Scope, 0, len(scopes))
	for _, s := range scopes {
		if want[s.Source] {
			out = append(out, s)
		}
	}
	return out, nil
}

func formatBatch(w io.Writer, results []orchestrator.BatchResult) {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		row := []string{r.Scope.Key(), "-", "", "", "", "", ""}
		if r.Run != nil {
			c := r.Run.Counters
			row = []string{
				r.Scope.Key(),
				string(r.Run.Status),
				strconv.FormatInt(c[model.CounterFetched], 10),
				strconv.FormatInt(c[model.CounterInserted], 10),
				strconv.FormatInt(c[model.CounterUpdated], 10),
				strconv.FormatInt(c[model.CounterNormalizeFailed]+c[model.CounterErrored]+c[model.CounterFetchErrors], 10),
				shortID(r.Run.ID),
			}
		}
		rows = append(rows, row)
	}
	_, _ = fmt.Fprintln(w, renderTable(
		[]string{"Scope", "Status", "Fetched", "Inserted", "Updated", "Failed", "Run"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft},
	))
	for _, r := range results {
		if r.Err != nil {
			_, _ = fmt.Fprintf(w, "%s: %v\n", r.Scope.Key(), r.Err)
		}
	}
}

func batchError(results []orchestrator.BatchResult) error {
	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return eris.Errorf("ingest: %d of %d scopes failed", failed, len(results))
	}
	return nil
}

func init() {
	ingestCmd.Flags().String("scopes", "", "scope definition file (default from worker.scopes_file)")
	ingestCmd.Flags().StringSlice("scope", nil, "only run scopes with these keys (source:kind:city:category)")
	ingestCmd.Flags().StringSlice("source", nil, "only run scopes fetched by these adapters")
	ingestCmd.Flags().Bool("classify", false, "classify new and updated records regardless of scope settings")
	rootCmd.AddCommand(ingestCmd)
}
