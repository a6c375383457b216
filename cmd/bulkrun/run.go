package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"bulkrun/internal/app"
	"bulkrun/internal/batch"
	"bulkrun/internal/config"
	"bulkrun/internal/model"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process one batch in memory and print the outcome",
	Long: `run loads items from a JSON array (file or "-" for stdin), processes
them with the configured processor against an in-memory store and exits
non-zero when the batch fails.`,
	Args: cobra.NoArgs,
	RunE: runBatch,
}

func init() {
	f := runCmd.Flags()
	f.StringP("type", "t", "VERIFY", "batch type (CREATE, VERIFY, UPDATE, DELETE, EXPORT)")
	f.StringP("items", "i", "-", "JSON array of items, or - for stdin")
	f.String("owner", "cli", "owner id recorded on the batch")
	f.Int("concurrency", 0, "max concurrent items (0 keeps the default)")
	f.Bool("sequential", false, "process items one at a time in index order")
	f.Duration("wait", 10*time.Minute, "give up waiting after this long")
	f.BoolP("verbose", "v", false, "log at debug level")
}

func runBatch(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	typ, _ := flags.GetString("type")
	src, _ := flags.GetString("items")
	owner, _ := flags.GetString("owner")
	conc, _ := flags.GetInt("concurrency")
	sequential, _ := flags.GetBool("sequential")
	wait, _ := flags.GetDuration("wait")
	verbose, _ := flags.GetBool("verbose")

	items, err := readItems(cmd.InOrStdin(), src)
	if err != nil {
		return err
	}

	cfg, err := loadOptionalConfig(configPath(cmd))
	if err != nil {
		return err
	}
	// Dry runs never touch persistent state or open listeners.
	cfg.Storage = nil
	cfg.Maintenance = nil
	cfg.Ops.Enabled = false
	cfg.Logging.Console = true
	cfg.Logging.File.Enabled = false
	cfg.Logging.Level = "warn"
	if verbose {
		cfg.Logging.Level = "debug"
	}

	a, err := app.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), wait)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopRunDone)
	}()

	req := batch.CreateRequest{Type: typ, Items: items}
	req.Config.MaxConcurrency = conc
	if sequential {
		parallel := false
		req.Config.ParallelProcessing = &parallel
	}

	svc := a.Batches()
	res, err := svc.CreateBatch(ctx, owner, req)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("batch rejected: %s: %s", res.Error.Field, res.Error.Reason)
	}

	out := cmd.OutOrStdout()
	view, err := waitTerminal(ctx, svc, res.BatchID, owner, func(v batch.StatusView) {
		printProgress(out, v)
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(out)

	results, _, err := svc.GetResults(ctx, res.BatchID, owner, batch.ResultsQuery{Limit: 1, Errors: 10})
	if err != nil {
		return err
	}
	printSummary(out, view, results)
	if view.Status != model.BatchCompleted {
		return fmt.Errorf("batch %s finished %s", view.BatchID, view.Status)
	}
	return nil
}

func waitTerminal(ctx context.Context, svc *batch.Service, id, owner string, onTick func(batch.StatusView)) (batch.StatusView, error) {
	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	for {
		v, ok, err := svc.GetStatus(ctx, id, owner)
		if err != nil {
			return batch.StatusView{}, err
		}
		if !ok {
			return batch.StatusView{}, fmt.Errorf("batch %s disappeared", id)
		}
		onTick(v)
		if v.Status.Terminal() {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return v, fmt.Errorf("waiting for batch %s: %w", id, ctx.Err())
		case <-t.C:
		}
	}
}

func readItems(stdin io.Reader, src string) ([]json.RawMessage, error) {
	var (
		b   []byte
		err error
	)
	if src == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(src)
	}
	if err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, fmt.Errorf("items must be a JSON array: %w", err)
	}
	return items, nil
}

// loadOptionalConfig returns an empty config when path does not exist.
func loadOptionalConfig(path string) (*app.Config, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &app.Config{}, nil
	}
	if err != nil {
		return nil, err
	}
	cfg, err := config.Decode(path, b)
	if err != nil {
		return nil, err
	}
	return cfg, config.Validate(cfg)
}
