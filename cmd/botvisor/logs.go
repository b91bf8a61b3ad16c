package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/botvisor"
)

type LogsTailFlags struct {
	Lines  int
	Follow bool
}

type LogsSearchFlags struct {
	Limit int
	Date  string
}

type LogsStatsFlags struct {
	Date string
	JSON bool
}

const (
	defaultTailLines   = 50
	defaultSearchLimit = 20
)

func createLogsCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Inspect the worker's daily log files",
	}
	cmd.AddCommand(
		createLogsTodayCommand(c),
		createLogsYesterdayCommand(c),
		createLogsSearchCommand(c, "error", "Show the most recent error lines"),
		createLogsSearchCommand(c, "success", "Show the most recent success lines"),
		createLogsStatsCommand(c),
		createLogsListCommand(c),
	)
	return cmd
}

// noLogData turns ErrNoLogData into an informational message.
func noLogData(w io.Writer, path string, err error) error {
	if errors.Is(err, botvisor.ErrNoLogData) {
		_, _ = fmt.Fprintf(w, "no log data: %s\n", path)
		return nil
	}
	return err
}

func createLogsTodayCommand(c *command) *cobra.Command {
	f := &LogsTailFlags{}
	cmd := &cobra.Command{
		Use:   "today",
		Short: "Show the tail of today's log, optionally following it",
		Long: `Today prints the last lines of today's log. With --follow it keeps printing
appended lines until interrupted. A follow started before midnight stays on
that day's file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sv, done, err := c.open()
			if err != nil {
				return err
			}
			defer done()
			out := cmd.OutOrStdout()
			today := time.Now()
			path := sv.LogPath(today)

			lines, err := sv.Tail(today, f.Lines)
			switch {
			case err == nil:
				printLines(out, lines)
			case errors.Is(err, botvisor.ErrNoLogData) && f.Follow:
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "waiting for %s\n", path)
			default:
				return noLogData(out, path, err)
			}
			if !f.Follow {
				return nil
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return sv.Follow(ctx, today, func(line string) {
				_, _ = fmt.Fprintln(out, line)
			})
		},
	}
	cmd.Flags().IntVarP(&f.Lines, "lines", "n", defaultTailLines, "number of lines to show")
	cmd.Flags().BoolVarP(&f.Follow, "follow", "f", false, "keep printing appended lines")
	return cmd
}

func createLogsYesterdayCommand(c *command) *cobra.Command {
	f := &LogsTailFlags{}
	cmd := &cobra.Command{
		Use:   "yesterday",
		Short: "Show the tail of yesterday's log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sv, done, err := c.open()
			if err != nil {
				return err
			}
			defer done()
			day := time.Now().AddDate(0, 0, -1)
			lines, err := sv.Tail(day, f.Lines)
			if err != nil {
				return noLogData(cmd.OutOrStdout(), sv.LogPath(day), err)
			}
			printLines(cmd.OutOrStdout(), lines)
			return nil
		},
	}
	cmd.Flags().IntVarP(&f.Lines, "lines", "n", defaultTailLines, "number of lines to show")
	return cmd
}

// createLogsSearchCommand builds a command listing the lines matched by one classifier rule.
func createLogsSearchCommand(c *command, rule, short string) *cobra.Command {
	f := &LogsSearchFlags{}
	cmd := &cobra.Command{
		Use:   rule,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := parseDate(f.Date, time.Now())
			if err != nil {
				return err
			}
			sv, done, err := c.open()
			if err != nil {
				return err
			}
			defer done()
			out := cmd.OutOrStdout()
			lines, err := sv.Search(day, rule, f.Limit)
			if err != nil {
				return noLogData(out, sv.LogPath(day), err)
			}
			if len(lines) == 0 {
				_, _ = fmt.Fprintf(out, "no %s lines in %s\n", rule, sv.LogPath(day))
				return nil
			}
			printLines(out, lines)
			return nil
		},
	}
	cmd.Flags().IntVar(&f.Limit, "limit", defaultSearchLimit, "maximum number of lines, most recent first")
	cmd.Flags().StringVar(&f.Date, "date", "today", "log date (YYYYMMDD, YYYY-MM-DD, today, yesterday)")
	return cmd
}

func createLogsStatsCommand(c *command) *cobra.Command {
	f := &LogsStatsFlags{}
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count lines per classifier rule in a day's log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := parseDate(f.Date, time.Now())
			if err != nil {
				return err
			}
			sv, done, err := c.open()
			if err != nil {
				return err
			}
			defer done()
			out := cmd.OutOrStdout()
			st, err := sv.LogStats(day)
			if err != nil {
				return noLogData(out, sv.LogPath(day), err)
			}
			if f.JSON {
				return printJSON(out, st)
			}
			_, _ = fmt.Fprintf(out, "file:     %s\n", st.Path)
			_, _ = fmt.Fprintf(out, "lines:    %d\n", st.LineCount)
			_, _ = fmt.Fprintf(out, "size:     %d bytes\n", st.Size)
			_, _ = fmt.Fprintf(out, "modified: %s\n", st.LastModified.Format(time.DateTime))
			_, _ = fmt.Fprintf(out, "error:    %d\n", st.ErrorCount())
			_, _ = fmt.Fprintf(out, "success:  %d\n", st.SuccessCount())
			_, _ = fmt.Fprintf(out, "open:     %d\n", st.OpenCount())
			_, _ = fmt.Fprintf(out, "close:    %d\n", st.CloseCount())
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Date, "date", "today", "log date (YYYYMMDD, YYYY-MM-DD, today, yesterday)")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print stats as JSON")
	return cmd
}

func createLogsListCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List daily logs and archives, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sv, done, err := c.open()
			if err != nil {
				return err
			}
			defer done()
			files, err := sv.LogFiles()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(files) == 0 {
				_, _ = fmt.Fprintln(out, "no log files")
				return nil
			}
			for _, lf := range files {
				_, _ = fmt.Fprintf(out, "%s  %-8s  %10d  %s\n",
					lf.DateKey.Format("2006-01-02"), lf.State, lf.Size, lf.Path)
			}
			return nil
		},
	}
}
