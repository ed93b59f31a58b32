package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/radar-cli/internal/model"
)

var overrideCmd = &cobra.Command{
	Use:   "override <record-id>",
	Short: "Set a record's lifecycle state by hand",
	Long:  "Moves a record to --state. Without --force the move must be a legal transition that meets the automatic thresholds. Every attempt is recorded in the decision log.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		state, _ := cmd.Flags().GetString("state")
		force, _ := cmd.Flags().GetBool("force")
		reason, _ := cmd.Flags().GetString("reason")
		if strings.TrimSpace(reason) == "" {
			return eris.New("override: --reason is required")
		}

		env, err := initEnv(ctx, "override")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Machine.Override(ctx, args[0], model.State(state), force, reason)
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <record-id>",
	Short: "Verify a pending location by hand",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		actor, _ := cmd.Flags().GetString("actor")
		env, err := initEnv(ctx, "override")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Store.GetRecord(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "approve")
		}
		if err := env.Machine.Approve(ctx, rec, actor); err != nil {
			return err
		}
		return printJSON(rec)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	overrideCmd.Flags().String("state", "", "target state (e.g. VERIFIED, RETIRED, published)")
	overrideCmd.Flags().Bool("force", false, "allow moves outside the transition table and thresholds")
	overrideCmd.Flags().String("reason", "", "reason recorded in the decision log")
	_ = overrideCmd.MarkFlagRequired("state")

	approveCmd.Flags().String("actor", "", "name recorded as the approver")

	rootCmd.AddCommand(overrideCmd, approveCmd)
}
