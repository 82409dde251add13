package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var processLimit int

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process pending FDDs through the pipeline",
	Long: "Picks up Pending and interrupted Processing documents, segments them into items, " +
		"extracts and validates each section, and stores typed rows. SIGINT stops scheduling " +
		"new work; interrupted documents resume on the next invocation.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		sched, err := buildScheduler(ctx, st)
		if err != nil {
			return err
		}

		run, err := sched.ProcessPending(ctx, processLimit)
		if err != nil {
			return eris.Wrap(err, "process pending")
		}

		zap.L().Info("run finished",
			zap.String("run_id", run.ID),
			zap.Int("scheduled", run.Counts["scheduled"]),
			zap.Int("completed", run.Counts["completed"]),
			zap.Int("failed", run.Counts["failed"]),
			zap.Int("timeout", run.Counts["timeout"]),
			zap.Int("interrupted", run.Counts["interrupted"]),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

func init() {
	processCmd.Flags().IntVar(&processLimit, "limit", 20, "maximum documents to schedule this run")
	rootCmd.AddCommand(processCmd)
}
