package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"bulkrun/internal/app"
	"bulkrun/internal/batch"
	"bulkrun/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status [batch-id]",
	Short: "Show batches recorded in the configured store",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		owner, _ := flags.GetString("owner")
		state, _ := flags.GetString("status")
		limit, _ := flags.GetInt("limit")
		asJSON, _ := flags.GetBool("json")

		cfg, err := loadOptionalConfig(configPath(cmd))
		if err != nil {
			return err
		}
		if cfg.Storage == nil || cfg.Storage.Driver == "" || cfg.Storage.Driver == "memory" {
			return fmt.Errorf("status needs a persistent storage driver (file, sqlite or pebble)")
		}
		cfg.Ops.Enabled = false
		cfg.Maintenance = nil
		cfg.Logging.Level = "error"
		cfg.Logging.Console = true

		a, err := app.NewFromConfig(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		out := cmd.OutOrStdout()
		svc := a.Batches()

		if len(args) == 1 {
			v, ok, err := svc.GetStatus(ctx, args[0], owner)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("batch %s not found for owner %q", args[0], owner)
			}
			if asJSON {
				return json.NewEncoder(out).Encode(v)
			}
			res, _, err := svc.GetResults(ctx, v.BatchID, owner, batch.ResultsQuery{Limit: 1, Errors: 10})
			if err != nil {
				return err
			}
			printSummary(out, v, res)
			return nil
		}

		views, total, err := svc.ListBatches(ctx, owner, batch.ListQuery{
			Status: model.BatchStatus(state),
			Limit:  limit,
		})
		if err != nil {
			return err
		}
		if asJSON {
			return json.NewEncoder(out).Encode(map[string]any{"total": total, "batches": views})
		}
		printList(out, views, total)
		return nil
	},
}

func init() {
	f := statusCmd.Flags()
	f.String("owner", "", "owner id (required to show a single batch; empty lists every owner)")
	f.String("status", "", "only list batches in this status")
	f.Int("limit", 20, "max batches to list")
	f.Bool("json", false, "print JSON")
}
