package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loykin/botvisor/pkg/template"
)

type InitFlags struct {
	Kind   string
	Output string
	Force  bool
}

func createInitCommand(c *command) *cobra.Command {
	f := &InitFlags{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Long: fmt.Sprintf(`Init writes a TOML config for a new project. The project name defaults to the
base name of --work-dir, which defaults to the current directory.

Supported kinds: %v

Examples:
  botvisor init --kind python --command "python3 strategy.py"
  botvisor init --project grid-bot --work-dir /srv/grid --output /etc/botvisor/grid.toml`, template.Kinds()),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			workDir := c.flags.WorkDir
			if workDir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				workDir = wd
			}
			workDir, err := filepath.Abs(workDir)
			if err != nil {
				return err
			}
			project := c.flags.Project
			if project == "" {
				project = filepath.Base(workDir)
			}

			tf, err := template.Generate(template.Kind(f.Kind), project, workDir, c.flags.Command)
			if err != nil {
				return err
			}
			data, err := template.Render(tf)
			if err != nil {
				return err
			}
			if _, err := os.Stat(f.Output); err == nil && !f.Force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", f.Output)
			}
			if err := os.WriteFile(f.Output, data, 0o600); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s for project %s\n", f.Output, project)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", string(template.KindPython), "worker kind")
	cmd.Flags().StringVarP(&f.Output, "output", "o", "botvisor.toml", "config file to write")
	cmd.Flags().BoolVar(&f.Force, "force", false, "overwrite an existing file")
	return cmd
}
