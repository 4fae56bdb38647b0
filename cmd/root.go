package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-dmarc/config"
	"github.com/dhcgn/mbox-dmarc/model"
	"github.com/dhcgn/mbox-dmarc/output"
	"github.com/dhcgn/mbox-dmarc/runner"
)

// NewRootCmd builds the extract command with the list subcommand attached.
func NewRootCmd() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:   "mbox-dmarc [flags] URI...",
		Short: "Print DMARC aggregate reports referenced by drag-and-dropped mail URIs",
		Long: `mbox-dmarc reads DMARC aggregate reports straight from a local mail folder.

Each URI names one message, e.g. the mailbox:///path/to/Inbox?number=12 link a
mail client produces when a message is dragged onto a terminal. The zip
attachment of that message is unpacked and its XML report is printed, or saved
with --save.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			return extract(ctx, cfg, args, cmd.OutOrStdout(), cmd.ErrOrStderr(), logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		return nil, err
	}

	listCmd, err := newListCmd()
	if err != nil {
		return nil, err
	}
	rootCmd.AddCommand(listCmd)

	return rootCmd, nil
}

// Execute runs the command line and returns the first error.
func Execute() error {
	rootCmd, err := NewRootCmd()
	if err != nil {
		return fmt.Errorf("failed to register CLI flags: %w", err)
	}
	return rootCmd.ExecuteContext(context.Background())
}

func extract(ctx context.Context, cfg config.Config, refs []string, stdout, stderr io.Writer, logger *slog.Logger) error {
	var (
		sink output.Sink
		dir  *output.Dir
	)
	if cfg.Save {
		d, err := output.NewDir(cfg.OutputDir, logger)
		if err != nil {
			return err
		}
		sink, dir = d, d
	} else {
		sink = output.NewStdout(stdout, cfg.Color)
	}

	r, err := runner.New(cfg, sink, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}

	results, runErr := r.Run(ctx, refs)
	for _, res := range results {
		printStatus(stderr, res, dir)
	}

	if errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("interrupted after %d of %d references", len(results), len(refs))
	}
	return runErr
}

func printStatus(w io.Writer, res model.Result, dir *output.Dir) {
	if res.Err != nil {
		fmt.Fprintf(w, "FAIL %s: %s: %v\n", res.Ref, runner.Kind(res.Err), res.Err)
		return
	}
	if dir != nil {
		fmt.Fprintf(w, "ok   %s -> %s\n", res.Ref, dir.Path(res.Report))
		return
	}
	fmt.Fprintf(w, "ok   %s (%s, %d bytes)\n", res.Ref, res.Report.Filename, len(res.Report.Data))
}

func setupLogger(cfg config.Config, w io.Writer) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mbox-dmarc-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(w, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(w, opts)
	return slog.New(handler), cleanup, nil
}
