package main

import (
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/leifmarkthaler/gleitzeit-sub000/internal/recovery"
)

var dryRun bool

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Classify and normalise unfinished workflows in the store",
	Long: `recover loads every unfinished workflow from the durable store and
reports which tasks can resume and which are blocked on dependencies.
Without --dry-run, tasks that were in flight are requeued and the stored
state is rewritten so the next serve picks them up.`,
	RunE: runRecover,
}

func init() {
	recoverCmd.Flags().BoolVar(&dryRun, "dry-run", false, "only report the classification")
}

func runRecover(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var plan []recovery.Classification
	if dryRun {
		plan, err = a.recovery.Plan(ctx)
	} else {
		plan, err = a.recovery.Recover(ctx)
	}
	if plan == nil {
		plan = []recovery.Classification{}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(plan); encErr != nil {
		return encErr
	}
	return err
}
