package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/musubi/internal/integrity"
	"github.com/ashita-ai/musubi/internal/service/quality"
	"github.com/ashita-ai/musubi/internal/sqlitestore"
	"github.com/ashita-ai/musubi/internal/trace"
)

// ProcessOptions holds flags for the process command.
type ProcessOptions struct {
	Database string
	Jobs     int
	JSON     bool
	Verbose  bool
}

// NewProcessCommand creates the process command.
func NewProcessCommand() *cobra.Command {
	opts := &ProcessOptions{}

	cmd := &cobra.Command{
		Use:   "process <trace.json>...",
		Short: "Correlate trace files offline",
		Long: `Correlate one or more Chrome JSON trace files without a server.

Each file is decoded, correlated, and scored. With --db the full result
set (tracks, slices, edges, counters) is persisted to a local SQLite
file; without it only the summary and quality report are computed.

Example:
  musubi process checkout.json
  musubi process --db traces.db --jobs 4 captures/*.json`,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd.Context(), opts, args, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "persist results to this SQLite file")
	cmd.Flags().IntVar(&opts.Jobs, "jobs", runtime.NumCPU(), "files processed concurrently")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "emit machine-readable results")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log per-file pipeline stages")

	return cmd
}

// processResult is one file's outcome, in input order.
type processResult struct {
	File    string          `json:"file"`
	TraceID string          `json:"trace_id,omitempty"`
	Summary *trace.Summary  `json:"summary,omitempty"`
	Quality *quality.Report `json:"quality,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func runProcess(ctx context.Context, opts *ProcessOptions, files []string, out io.Writer) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logLevel := slog.LevelWarn
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	var store *sqlitestore.Store
	if opts.Database != "" {
		var err error
		store, err = sqlitestore.Open(opts.Database)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", "error", err)
			}
		}()
	}

	jobs := max(opts.Jobs, 1)

	results := make([]processResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)

	// Workers record per-file failures in their result slot instead of
	// failing the group, so one bad capture doesn't abort the rest.
	for i, path := range files {
		g.Go(func() error {
			results[i] = processFile(gctx, store, path, logger)
			return nil
		})
	}
	_ = g.Wait()

	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			printResult(out, r)
		}
	}

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d traces failed", failed, len(files))
	}
	return nil
}

func processFile(ctx context.Context, store *sqlitestore.Store, path string, logger *slog.Logger) processResult {
	res := processResult{File: path}

	data, err := os.ReadFile(path)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	logger = logger.With("file", filepath.Base(path))

	var (
		w       trace.TraceWriter = trace.NewMemorySink()
		traceID uuid.UUID
	)
	if store != nil {
		row, err := store.CreateTrace(ctx, filepath.Base(path), integrity.Digest(data))
		if err != nil {
			res.Error = err.Error()
			return res
		}
		traceID = row.ID
		res.TraceID = row.ID.String()
		w = store.NewSessionWriter(row.ID)
	}

	onStage := func(stage string) { logger.Debug("pipeline stage", "stage", stage) }

	sum, err := trace.Process(ctx, bytes.NewReader(data), w, nil, logger, onStage)
	if err != nil {
		res.Error = err.Error()
		if store != nil {
			if mErr := store.MarkTraceFailed(ctx, traceID, err.Error()); mErr != nil {
				logger.Error("marking trace failed", "error", mErr)
			}
		}
		return res
	}

	rep := quality.Assess(sum.Events, sum.Counters)
	res.Summary = &sum
	res.Quality = &rep
	return res
}

func printResult(out io.Writer, r processResult) {
	if r.Error != "" {
		fmt.Fprintf(out, "%s: FAILED: %s\n", r.File, r.Error)
		return
	}
	fmt.Fprintf(out, "%s: %d events, %d slices, %d edges, quality %s (%.2f)\n",
		r.File, r.Summary.Events, r.Summary.Slices, r.Summary.Edges,
		r.Quality.Status, r.Quality.Score)
	for _, gap := range r.Quality.Gaps {
		fmt.Fprintf(out, "  gap: %s\n", gap)
	}
	if r.TraceID != "" {
		fmt.Fprintf(out, "  stored as %s\n", r.TraceID)
	}
}
