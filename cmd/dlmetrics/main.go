// dlmetrics collects package download telemetry into snapshot tables and
// computes download metrics workbooks from them.
//
// Usage:
//
//	dlmetrics [--config file] [--env file] [-v] collect [--dataset pypi] [--dry-run]
//	dlmetrics metrics --project sdv
//	dlmetrics summarize
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"dlmetrics/internal/app"
	"dlmetrics/internal/config"
	"dlmetrics/internal/gather"
	"dlmetrics/internal/util"
)

// env is filled by the root Before hook and shared by every command.
type env struct {
	cfg *config.Config
	log *slog.Logger
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e := &env{}
	var verbosity int

	root := &cli.Command{
		Name:  "dlmetrics",
		Usage: "collect package download telemetry and compute download metrics",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				Value:   "config/dlmetrics.yaml",
				Sources: cli.EnvVars("DLMETRICS_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "env",
				Usage: "dotenv file loaded before the configuration",
				Value: ".env",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "raise log verbosity (repeat for debug)",
				Config:  cli.BoolConfig{Count: &verbosity},
			},
			&cli.StringFlag{
				Name:  "logfile",
				Usage: "also write logs to this rotated file",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			return ctx, e.load(cmd, verbosity)
		},
		Commands: []*cli.Command{
			collectCommand(e),
			metricsCommand(e),
			summarizeCommand(e),
		},
	}

	if err := root.Run(ctx, os.Args); err != nil {
		log.Fatalf("dlmetrics: %v", err)
	}
}

// load reads the dotenv file, the configuration and sets up logging.
func (e *env) load(cmd *cli.Command, verbosity int) error {
	envFile := cmd.String("env")
	if err := godotenv.Load(envFile); err != nil {
		// The default file is optional; an explicit one is not.
		if !errors.Is(err, fs.ErrNotExist) || cmd.IsSet("env") {
			return fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Logging.Level = util.VerbosityLevel(verbosity, cfg.Logging.Level)
	if f := cmd.String("logfile"); f != "" {
		cfg.Logging.File = f
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, util.LogWriter(cfg.Logging.File))
	util.SetDefault(logger)

	e.cfg, e.log = cfg, logger
	return nil
}

func (e *env) app(ctx context.Context) (*app.App, error) {
	return app.New(ctx, e.cfg, e.log)
}

// ---------------------------------------------------------------------------
// collect
// ---------------------------------------------------------------------------

func collectCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "collect",
		Usage: "fetch new downloads and merge them into the stored snapshots",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "dataset",
				Usage: "dataset to collect (pypi, conda, conda_totals, github); repeatable, default all enabled",
			},
			&cli.StringSliceFlag{
				Name:    "projects",
				Aliases: []string{"p"},
				Usage:   "entities to query instead of the configured ones",
			},
			&cli.StringFlag{
				Name:  "start-date",
				Usage: "first day to query (YYYY-MM-DD)",
			},
			&cli.IntFlag{
				Name:  "max-days",
				Usage: "days to look back when no start date is given",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "query exactly the requested window regardless of stored coverage",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "estimate and log without persisting anything",
			},
			&cli.BoolFlag{
				Name:  "add-metrics",
				Usage: "write per-project metrics workbooks after collecting pypi",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			opts := app.CollectOptions{
				Datasets:   cmd.StringSlice("dataset"),
				Projects:   cmd.StringSlice("projects"),
				AddMetrics: cmd.Bool("add-metrics"),
				Options: gather.Options{
					MaxDays: int(cmd.Int("max-days")),
					Force:   cmd.Bool("force"),
					DryRun:  cmd.Bool("dry-run"),
				},
			}
			if s := cmd.String("start-date"); s != "" {
				d, err := util.ParseDate(s)
				if err != nil {
					return fmt.Errorf("--start-date: %w", err)
				}
				opts.StartDate = &d
			}

			a, err := e.app(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			started := time.Now()
			results, err := a.Collect(ctx, opts)
			e.log.Info("collect finished", "datasets", len(results), "elapsed", time.Since(started).Round(time.Millisecond))
			return err
		},
	}
}

// ---------------------------------------------------------------------------
// metrics / summarize
// ---------------------------------------------------------------------------

func metricsCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "metrics",
		Usage: "recompute per-project metrics workbooks from the stored pypi snapshot",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "project",
				Aliases: []string{"p"},
				Usage:   "project to compute; repeatable, default all configured pypi projects",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "print the tables instead of writing workbooks",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := e.app(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Metrics(ctx, cmd.StringSlice("project"), cmd.Bool("dry-run"))
		},
	}
}

func summarizeCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "summarize",
		Usage: "write yearly download totals per ecosystem",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "print the tables instead of writing the workbook",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := e.app(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Summarize(ctx, cmd.Bool("dry-run"))
		},
	}
}
