package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/loykin/botvisor/internal/config"
)

func main() {
	root := buildRoot(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	Project    string
	WorkDir    string
	Command    string
	LogLevel   string
}

// buildRoot assembles the command tree around a fresh viper instance so tests
// can run several trees side by side.
func buildRoot(out, errOut io.Writer) *cobra.Command {
	v := config.NewViper()
	globalFlags := &GlobalFlags{}
	c := &command{v: v, flags: globalFlags, errOut: errOut}

	root := createRootCommand(v, globalFlags)
	root.SetOut(out)
	root.SetErr(errOut)

	root.AddCommand(
		createStartCommand(c),
		createStopCommand(c, v),
		createRestartCommand(c),
		createStatusCommand(c, &StatusFlags{}),
		createLogsCommand(c),
		createMonitorCommand(c, v),
		createCleanupCommand(c),
		createInitCommand(c),
	)
	return root
}

func createRootCommand(v *viper.Viper, flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "botvisor",
		Short: "Single-worker supervisor with daily log management",
		Long: `Botvisor keeps one long-running worker per project alive-or-dead on
demand, writes its output to one log file per day and archives old logs.

Examples:
  botvisor --config bot.toml start
  botvisor --config bot.toml status --json
  botvisor --config bot.toml logs today --follow
  BOTVISOR_PROJECT=bot BOTVISOR_WORK_DIR=/srv/bot BOTVISOR_COMMAND="python3 main.py" botvisor start`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.StringVar(&flags.Project, "project", "", "project name (overrides config)")
	pf.StringVar(&flags.WorkDir, "work-dir", "", "worker working directory (overrides config)")
	pf.StringVar(&flags.Command, "command", "", "worker entry command (overrides config)")
	pf.StringVar(&flags.LogLevel, "log-level", "", "diagnostic log level: debug, info, warn, error")

	mustBind(v, "project", pf.Lookup("project"))
	mustBind(v, "work_dir", pf.Lookup("work-dir"))
	mustBind(v, "command", pf.Lookup("command"))
	mustBind(v, "log.level", pf.Lookup("log-level"))
	return root
}
