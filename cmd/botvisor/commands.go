package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/loykin/botvisor"
	"github.com/loykin/botvisor/internal/status"
)

type StopFlags struct {
	Wait time.Duration
}

type StatusFlags struct {
	JSON bool
}

type MonitorFlags struct {
	Interval time.Duration
	Listen   string
}

func createStartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the worker unless it is already running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sv, done, err := c.open()
			if err != nil {
				return err
			}
			defer done()
			res, err := sv.Start(cmd.Context())
			if err != nil {
				reportStartError(cmd.ErrOrStderr(), err)
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "started %s (pid %d), logging to %s\n",
				sv.Config().Project, res.PID, res.LogPath)
			return nil
		},
	}
}

// reportStartError prints the captured log tail of a worker that died during startup.
func reportStartError(w io.Writer, err error) {
	var sf *botvisor.StartFailedError
	if !errors.As(err, &sf) || len(sf.Tail) == 0 {
		return
	}
	_ = status.RenderTail(w, "last output of "+sf.LogPath, sf.Tail)
}

func createStopCommand(c *command, v *viper.Viper) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the worker; succeeds when nothing is running",
		Long: `Stop sends SIGTERM to the worker's process group, waits up to --wait for it
to exit and then sends SIGKILL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sv, done, err := c.open()
			if err != nil {
				return err
			}
			defer done()
			res, err := sv.Stop(cmd.Context())
			if err != nil {
				return err
			}
			printStop(cmd.OutOrStdout(), sv.Config().Project, res)
			return nil
		},
	}
	cmd.Flags().DurationVar(&f.Wait, "wait", 0, "graceful shutdown timeout before SIGKILL (default from config)")
	mustBind(v, "stop.graceful_timeout", cmd.Flags().Lookup("wait"))
	return cmd
}

func printStop(w io.Writer, project string, res botvisor.StopResult) {
	switch {
	case !res.WasRunning:
		_, _ = fmt.Fprintf(w, "%s is not running\n", project)
	case res.Forced:
		_, _ = fmt.Fprintf(w, "stopped %s (pid %d) with SIGKILL\n", project, res.PID)
	default:
		_, _ = fmt.Fprintf(w, "stopped %s (pid %d)\n", project, res.PID)
	}
}

func createRestartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop the worker if running, then start it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sv, done, err := c.open()
			if err != nil {
				return err
			}
			defer done()
			res, err := sv.Restart(cmd.Context())
			out := cmd.OutOrStdout()
			if res.Stop.WasRunning {
				printStop(out, sv.Config().Project, res.Stop)
			}
			if err != nil {
				reportStartError(cmd.ErrOrStderr(), err)
				return err
			}
			_, _ = fmt.Fprintf(out, "started %s (pid %d), logging to %s\n",
				sv.Config().Project, res.Start.PID, res.Start.LogPath)
			return nil
		},
	}
}

func createStatusCommand(c *command, f *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the worker is running and today's log summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sv, done, err := c.open()
			if err != nil {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "warning:", err)
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Status:      unknown (configuration not loaded)")
				return nil
			}
			defer done()
			snap, err := sv.Status(cmd.Context())
			if err != nil {
				// status never fails the invocation
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "warning:", err)
			}
			if f.JSON {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			return status.Render(cmd.OutOrStdout(), snap)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print the snapshot as JSON")
	return cmd
}

func createMonitorCommand(c *command, v *viper.Viper) *cobra.Command {
	f := &MonitorFlags{}
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Continuously render status and the tail of today's log",
		Long: `Monitor redraws status and the last lines of today's log every interval
until interrupted. Log rotation runs on the configured schedule meanwhile.
With --listen a read-only HTTP view (/status, /logs/*, /metrics) is served.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sv, done, err := c.open()
			if err != nil {
				return err
			}
			defer done()
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			cfg := sv.Config()
			return sv.Monitor(ctx, botvisor.MonitorOptions{
				Out:      cmd.OutOrStdout(),
				Interval: cfg.Monitor.Interval,
				Listen:   cfg.Monitor.Listen,
			})
		},
	}
	cmd.Flags().DurationVar(&f.Interval, "interval", 0, "refresh interval (default from config)")
	cmd.Flags().StringVar(&f.Listen, "listen", "", "serve the read-only HTTP view on this address")
	mustBind(v, "monitor.interval", cmd.Flags().Lookup("interval"))
	mustBind(v, "monitor.listen", cmd.Flags().Lookup("listen"))
	return cmd
}

func createCleanupCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Archive old daily logs and delete expired archives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sv, done, err := c.open()
			if err != nil {
				return err
			}
			defer done()
			rep, err := sv.Cleanup(cmd.Context())
			out := cmd.OutOrStdout()
			for _, p := range rep.Archived {
				_, _ = fmt.Fprintln(out, "archived", p)
			}
			for _, p := range rep.Expired {
				_, _ = fmt.Fprintln(out, "expired ", p)
			}
			var partial *botvisor.RotationPartialFailure
			switch {
			case errors.As(err, &partial):
				for _, fe := range partial.Failures {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "failed  ", fe)
				}
				return nil
			case err != nil:
				return err
			}
			if rep.Empty() {
				_, _ = fmt.Fprintln(out, "nothing to rotate")
			}
			return nil
		},
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
