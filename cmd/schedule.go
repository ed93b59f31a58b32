package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/radar-cli/internal/model"
	"github.com/sells-group/radar-cli/internal/orchestrator"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run ingest, re-verification and publishing on cron schedules",
	Long:  "Runs until interrupted. Scopes are reloaded from the scope file on every ingest tick; an invalid file skips that tick.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		// Fail fast on a broken scope file.
		if _, err := orchestrator.LoadScopes(cfg.Worker.ScopesFile); err != nil {
			return err
		}

		env, err := initEnv(ctx, "schedule")
		if err != nil {
			return err
		}
		defer env.Close()

		sched, err := orchestrator.NewScheduler(ctx, scheduledJobs(env)...)
		if err != nil {
			return err
		}
		return sched.Run(ctx)
	},
}

func scheduledJobs(env *appEnv) []orchestrator.Job {
	return []orchestrator.Job{
		{
			Name: "ingest",
			Spec: cfg.Scheduler.IngestCron,
			Run: func(ctx context.Context) error {
				scopes, err := orchestrator.LoadScopes(cfg.Worker.ScopesFile)
				if err != nil {
					return err
				}
				if err := orchestrator.CheckAdapters(cfg.Worker.ScopesFile, scopes, env.Sources); err != nil {
					return err
				}
				if env.Classifier != nil {
					if err := env.Classifier.Prime(ctx, model.KindLocation); err != nil {
						zap.L().Warn("prompt cache primer failed", zap.Error(err))
					}
				}
				return batchError(env.Orchestrator.RunBatch(ctx, scopes))
			},
		},
		{
			Name: "reverify",
			Spec: cfg.Scheduler.ReverifyCron,
			Run: func(ctx context.Context) error {
				_, err := env.Orchestrator.Reverify(ctx, env.reverifier())
				return err
			},
		},
		{
			Name: "publish",
			Spec: cfg.Scheduler.PublishCron,
			Run: func(ctx context.Context) error {
				_, err := env.Orchestrator.Publish(ctx)
				return err
			},
		},
	}
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
}
