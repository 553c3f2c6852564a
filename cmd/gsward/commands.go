package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/gsward"
)

func createServeCommand(flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervision daemon",
		Long: `Run supervision for every enabled server in the config file until
interrupted. SIGINT and SIGTERM stop supervision cleanly; in-flight
update and backup operations finish first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.ConfigPath, "config", "gsward.toml", "path to TOML config file")
	cmd.Flags().BoolVarP(&flags.Daemonize, "daemonize", "d", false, "run in the background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write daemon PID to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon output to this file")
	return cmd
}

func runServe(flags ServeFlags) error {
	cfg, err := gsward.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(cfg.Log.NewSlogger())

	if flags.Daemonize {
		if err := daemonize(flags.PidFile, flags.LogFile); err != nil {
			return err
		}
	}

	d, err := gsward.NewDaemon(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err = d.Run(ctx)
	if rmErr := removePidFile(flags.PidFile); rmErr != nil {
		slog.Warn("pid file cleanup failed", "err", rmErr)
	}
	return err
}

func createValidateCommand(flags *ValidateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gsward.LoadConfig(flags.ConfigPath)
			if err != nil {
				return err
			}
			errs := cfg.ValidateAll()
			for _, e := range errs {
				cmd.PrintErrln(e)
			}
			if len(errs) > 0 {
				return fmt.Errorf("%d invalid server(s)", len(errs))
			}
			cmd.Printf("%s: ok, %d server(s)\n", flags.ConfigPath, len(cfg.Servers))
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.ConfigPath, "config", "gsward.toml", "path to TOML config file")
	return cmd
}

func createStatusCommand(flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show supervision state for configured servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gsward.LoadConfig(flags.ConfigPath)
			if err != nil {
				return err
			}
			// Status is read-only; never open history sinks for it.
			cfg.HistoryDSNs = nil
			d, err := gsward.NewDaemon(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()
			if flags.Name != "" {
				l, ok := d.Loop(flags.Name)
				if !ok {
					return fmt.Errorf("unknown or disabled server: %s", flags.Name)
				}
				printJSON(l.Snapshot())
				return nil
			}
			printJSON(d.Snapshots())
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.ConfigPath, "config", "gsward.toml", "path to TOML config file")
	cmd.Flags().StringVar(&flags.Name, "name", "", "server name (all servers when empty)")
	return cmd
}

func createUpdateCommand(flags *OpFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Run an update cycle now",
		Long: `Check the update oracle and install immediately, bypassing the
schedule and the adaptive rate limiter. The usual protocol still applies:
pre-update backup, stop, install, restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOp(*flags, func(ctx context.Context, l loop) { l.UpdateNow(ctx) })
		},
	}
	cmd.Flags().StringVar(&flags.ConfigPath, "config", "gsward.toml", "path to TOML config file")
	cmd.Flags().StringVar(&flags.Name, "name", "", "server name (all enabled servers when empty)")
	return cmd
}

func createBackupCommand(flags *OpFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Run a backup now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOp(*flags, func(ctx context.Context, l loop) { l.BackupNow(ctx) })
		},
	}
	cmd.Flags().StringVar(&flags.ConfigPath, "config", "gsward.toml", "path to TOML config file")
	cmd.Flags().StringVar(&flags.Name, "name", "", "server name (all enabled servers when empty)")
	return cmd
}

// loop is the slice of the supervision loop the one-shot commands use.
type loop interface {
	UpdateNow(ctx context.Context)
	BackupNow(ctx context.Context)
	Snapshot() gsward.Snapshot
}

func runOp(flags OpFlags, op func(context.Context, loop)) error {
	cfg, err := gsward.LoadConfig(flags.ConfigPath)
	if err != nil {
		return err
	}
	slog.SetDefault(cfg.Log.NewSlogger())
	d, err := gsward.NewDaemon(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flags.Name != "" {
		l, ok := d.Loop(flags.Name)
		if !ok {
			return fmt.Errorf("unknown or disabled server: %s", flags.Name)
		}
		op(ctx, l)
		printJSON(l.Snapshot())
		return nil
	}
	snaps := d.Snapshots()
	if len(snaps) == 0 {
		return errors.New("no enabled servers in config")
	}
	for _, s := range snaps {
		l, _ := d.Loop(s.Name)
		op(ctx, l)
	}
	printJSON(d.Snapshots())
	return nil
}
