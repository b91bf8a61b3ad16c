package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/loykin/botvisor/internal/env"
)

// Spec describes the worker command of a project.
type Spec struct {
	Name    string   `json:"name"`
	WorkDir string   `json:"work_dir"`
	Command string   `json:"command"`
	Env     []string `json:"env"`
	// EnvFiles are KEY=VALUE files applied before Env.
	EnvFiles []string `json:"env_files,omitempty"`
}

// interpreters whose first argument is a script that must exist before launch.
var interpreters = map[string]bool{
	"python": true, "python3": true, "node": true, "bash": true, "sh": true, "ruby": true, "perl": true,
}

// BuildCommand constructs an *exec.Cmd for s.Command. A shell is used only
// when the command asks for one or contains shell metacharacters.
func (s *Spec) BuildCommand() (*exec.Cmd, error) {
	environ, err := s.Environ()
	if err != nil {
		return nil, err
	}
	var cmd *exec.Cmd
	cmdStr := strings.TrimSpace(s.Command)
	switch {
	case cmdStr == "":
		// #nosec G204
		cmd = exec.Command("/bin/true")
	case isExplicitShell(cmdStr):
		_, after, _ := parseExplicitShell(cmdStr)
		// #nosec G204
		cmd = exec.Command("/bin/sh", "-c", after)
	case strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~"):
		// #nosec G204
		cmd = exec.Command("/bin/sh", "-c", cmdStr)
	default:
		parts := strings.Fields(cmdStr)
		name := parts[0]
		switch {
		case strings.ContainsRune(name, filepath.Separator):
			// Relative executables are looked up from the working directory.
			if !filepath.IsAbs(name) && s.WorkDir != "" {
				name = filepath.Join(s.WorkDir, name)
			}
		default:
			// Bare names follow the worker's PATH, not the supervisor's.
			if p, err := lookPathIn(name, pathOf(environ)); err == nil {
				name = p
			}
		}
		// #nosec G204 -- the worker command is operator configuration
		cmd = exec.Command(name, parts[1:]...)
		cmd.Args[0] = parts[0]
	}
	cmd.Dir = s.WorkDir
	cmd.Env = environ
	return cmd, nil
}

// Environ is the worker environment: the supervisor's own environment,
// then EnvFiles in order, then Env, with ${VAR} references expanded.
// It is nil, meaning inherit unchanged, when nothing is configured.
func (s *Spec) Environ() ([]string, error) {
	if len(s.Env) == 0 && len(s.EnvFiles) == 0 {
		return nil, nil
	}
	layers := make([][]string, 0, len(s.EnvFiles)+1)
	for _, path := range s.EnvFiles {
		if !filepath.IsAbs(path) && s.WorkDir != "" {
			path = filepath.Join(s.WorkDir, path)
		}
		pairs, err := env.LoadFile(path)
		if err != nil {
			return nil, &EnvironmentError{What: "env file", Path: path, Err: err}
		}
		layers = append(layers, pairs)
	}
	layers = append(layers, s.Env)
	return env.Merge(os.Environ(), layers...), nil
}

func isExplicitShell(cmdStr string) bool {
	_, _, ok := parseExplicitShell(cmdStr)
	return ok
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// script after -c with one pair of surrounding quotes stripped.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return strings.Fields(p)[0], after, true
	}
	return "", "", false
}

// Resolve checks that the launch environment exists: the working
// directory, the executable and, for interpreters, the script argument.
func (s *Spec) Resolve() error {
	if s.WorkDir == "" {
		return &EnvironmentError{What: "working directory", Path: s.WorkDir, Err: errors.New("not configured")}
	}
	info, err := os.Stat(s.WorkDir)
	if err != nil {
		return &EnvironmentError{What: "working directory", Path: s.WorkDir, Err: err}
	}
	if !info.IsDir() {
		return &EnvironmentError{What: "working directory", Path: s.WorkDir, Err: errors.New("not a directory")}
	}
	environ, err := s.Environ()
	if err != nil {
		return err
	}
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return &EnvironmentError{What: "command", Path: "", Err: errors.New("empty")}
	}
	if isExplicitShell(cmdStr) || strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// The shell resolves the rest.
		if _, err := os.Stat("/bin/sh"); err != nil {
			return &EnvironmentError{What: "executable", Path: "/bin/sh", Err: err}
		}
		return nil
	}
	parts := strings.Fields(cmdStr)
	if _, err := s.lookPath(parts[0], environ); err != nil {
		return &EnvironmentError{What: "executable", Path: parts[0], Err: err}
	}
	if interpreters[filepath.Base(parts[0])] && len(parts) > 1 && !strings.HasPrefix(parts[1], "-") {
		script := parts[1]
		if !filepath.IsAbs(script) {
			script = filepath.Join(s.WorkDir, script)
		}
		if _, err := os.Stat(script); err != nil {
			return &EnvironmentError{What: "script", Path: script, Err: err}
		}
	}
	return nil
}

func (s *Spec) lookPath(name string, environ []string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		if !filepath.IsAbs(name) {
			name = filepath.Join(s.WorkDir, name)
		}
		info, err := os.Stat(name)
		if err != nil {
			return "", err
		}
		if info.IsDir() || info.Mode()&0o111 == 0 {
			return "", fmt.Errorf("%s is not executable", name)
		}
		return name, nil
	}
	return lookPathIn(name, pathOf(environ))
}

// pathOf returns PATH from environ, or the supervisor's own PATH when
// environ is nil (the worker inherits it unchanged).
func pathOf(environ []string) string {
	if environ == nil {
		return os.Getenv("PATH")
	}
	for _, kv := range environ {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			return v
		}
	}
	return ""
}

// lookPathIn searches the directories of path for an executable name.
func lookPathIn(name, path string) (string, error) {
	if runtime.GOOS == "windows" {
		return exec.LookPath(name)
	}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" || !filepath.IsAbs(dir) {
			continue
		}
		p := filepath.Join(dir, name)
		info, err := os.Stat(p)
		if err != nil || info.IsDir() || info.Mode()&0o111 == 0 {
			continue
		}
		return p, nil
	}
	return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
}
