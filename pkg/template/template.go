// Package template generates starter botvisor configuration files.
package template

import (
	"fmt"
	"sort"

	"github.com/pelletier/go-toml/v2"
)

// Kind names the worker runtime a template targets.
type Kind string

const (
	KindPython Kind = "python"
	KindNode   Kind = "node"
	KindBinary Kind = "binary"
	KindShell  Kind = "shell"
)

// File mirrors the subset of the configuration a new project usually edits.
type File struct {
	Project  string   `toml:"project"`
	WorkDir  string   `toml:"work_dir"`
	Command  string   `toml:"command"`
	Env      []string `toml:"env,omitempty"`
	Rotation Rotation `toml:"rotation"`
	Start    Start    `toml:"start"`
	Stop     Stop     `toml:"stop"`
	Monitor  Monitor  `toml:"monitor"`
}

type Rotation struct {
	AgeDays       int    `toml:"age_days"`
	RetentionDays int    `toml:"retention_days"`
	Schedule      string `toml:"schedule"`
}

type Start struct {
	SettleDelay string `toml:"settle_delay"`
}

type Stop struct {
	GracefulTimeout string `toml:"graceful_timeout"`
}

type Monitor struct {
	Interval  string `toml:"interval"`
	TailLines int    `toml:"tail_lines"`
}

var presets = map[Kind]struct {
	command string
	env     []string
}{
	// Unbuffered output so lines reach the daily log as they are printed.
	KindPython: {"python3 main.py", []string{"PYTHONUNBUFFERED=1"}},
	KindNode:   {"node index.js", []string{"NODE_ENV=production"}},
	KindBinary: {"./bot", nil},
	KindShell:  {"sh -c './run.sh'", nil},
}

// Kinds lists the supported template kinds in stable order.
func Kinds() []string {
	out := make([]string, 0, len(presets))
	for k := range presets {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}

// Generate returns the template for kind. An empty command keeps the preset's.
func Generate(kind Kind, project, workDir, command string) (*File, error) {
	p, ok := presets[kind]
	if !ok {
		return nil, fmt.Errorf("unknown template kind %q (supported: %v)", kind, Kinds())
	}
	if command == "" {
		command = p.command
	}
	return &File{
		Project: project,
		WorkDir: workDir,
		Command: command,
		Env:     append([]string(nil), p.env...),
		Rotation: Rotation{
			AgeDays:       7,
			RetentionDays: 30,
			Schedule:      "@every 1h",
		},
		Start:   Start{SettleDelay: "2s"},
		Stop:    Stop{GracefulTimeout: "8s"},
		Monitor: Monitor{Interval: "5s", TailLines: 10},
	}, nil
}

// Render encodes f as TOML with a short header.
func Render(f *File) ([]byte, error) {
	body, err := toml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode template: %w", err)
	}
	header := "# botvisor configuration for " + f.Project + "\n" +
		"# Environment overrides use the BOTVISOR_ prefix, e.g. BOTVISOR_STOP_GRACEFUL_TIMEOUT=15s.\n\n"
	return append([]byte(header), body...), nil
}
