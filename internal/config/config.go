package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/loykin/botvisor/internal/cron"
	"github.com/loykin/botvisor/internal/logger"
	tlsconf "github.com/loykin/botvisor/internal/tls"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. BOTVISOR_ROTATION_AGE_DAYS.
const EnvPrefix = "BOTVISOR"

var projectNameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Config is the single explicit value describing one supervised project.
type Config struct {
	Project    string   `mapstructure:"project"`
	WorkDir    string   `mapstructure:"work_dir"`
	Command    string   `mapstructure:"command"`
	Env        []string `mapstructure:"env"`
	EnvFiles   []string `mapstructure:"env_files"`
	RunDir     string   `mapstructure:"run_dir"`
	LogDir     string   `mapstructure:"log_dir"`
	ArchiveDir string   `mapstructure:"archive_dir"`

	Rotation   RotationConfig `mapstructure:"rotation"`
	Start      StartConfig    `mapstructure:"start"`
	Stop       StopConfig     `mapstructure:"stop"`
	Restart    RestartConfig  `mapstructure:"restart"`
	Monitor    MonitorConfig  `mapstructure:"monitor"`
	Classifier []RuleConfig   `mapstructure:"classifier"`
	History    HistoryConfig  `mapstructure:"history"`
	Metrics    MetricsConfig  `mapstructure:"metrics"`
	Log        logger.Config  `mapstructure:"log"`
}

type RotationConfig struct {
	AgeDays       int    `mapstructure:"age_days"`
	RetentionDays int    `mapstructure:"retention_days"`
	Schedule      string `mapstructure:"schedule"`
}

type StartConfig struct {
	SettleDelay time.Duration `mapstructure:"settle_delay"`
}

type StopConfig struct {
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	KillTimeout     time.Duration `mapstructure:"kill_timeout"`
}

type RestartConfig struct {
	Delay time.Duration `mapstructure:"delay"`
}

type MonitorConfig struct {
	Interval  time.Duration  `mapstructure:"interval"`
	TailLines int            `mapstructure:"tail_lines"`
	Listen    string         `mapstructure:"listen"`
	TLS       tlsconf.Config `mapstructure:"tls"`
}

// RuleConfig is one keyword rule of the log classifier.
type RuleConfig struct {
	Name     string   `mapstructure:"name"`
	Keywords []string `mapstructure:"keywords"`
}

// HistoryConfig selects an optional lifecycle event sink by DSN.
type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// MetricsConfig selects an optional Prometheus textfile export.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

var defaults = map[string]any{
	"project":                   "",
	"work_dir":                  "",
	"command":                   "",
	"env":                       []string{},
	"env_files":                 []string{},
	"run_dir":                   "",
	"log_dir":                   "",
	"archive_dir":               "",
	"rotation.age_days":         7,
	"rotation.retention_days":   30,
	"rotation.schedule":         "@every 1h",
	"start.settle_delay":        2 * time.Second,
	"stop.graceful_timeout":     8 * time.Second,
	"stop.poll_interval":        500 * time.Millisecond,
	"stop.kill_timeout":         2 * time.Second,
	"restart.delay":             2 * time.Second,
	"monitor.interval":          5 * time.Second,
	"monitor.tail_lines":        10,
	"monitor.listen":            "",
	"monitor.tls.cert_file":     "",
	"monitor.tls.key_file":      "",
	"monitor.tls.dir":           "",
	"monitor.tls.auto_generate": false,
	"monitor.tls.min_version":   "",
	"history.dsn":               "",
	"metrics.textfile":          "",
	"log.level":                 "info",
	"log.format":                "text",
	"log.color":                 true,
	"log.file.path":             "",
	"log.file.max_size_mb":      logger.DefaultMaxSizeMB,
	"log.file.max_backups":      logger.DefaultMaxBackups,
	"log.file.max_age_days":     logger.DefaultMaxAgeDays,
	"log.file.compress":         false,
}

// NewViper returns a viper instance with defaults and environment binding applied.
// Callers may bind command-line flags on it before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional TOML file at path into v and decodes the result.
// Precedence: bound flags > environment > file > defaults.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}
	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Normalize fills derived directories and resolves relative ones against WorkDir.
func (c *Config) Normalize() {
	c.Project = strings.TrimSpace(c.Project)
	c.Command = strings.TrimSpace(c.Command)
	if c.WorkDir != "" {
		if abs, err := filepath.Abs(c.WorkDir); err == nil {
			c.WorkDir = abs
		}
	}
	c.RunDir = c.resolve(c.RunDir, "run")
	c.LogDir = c.resolve(c.LogDir, "logs")
	if c.ArchiveDir == "" {
		c.ArchiveDir = filepath.Join(c.LogDir, "archive")
	} else {
		c.ArchiveDir = c.resolve(c.ArchiveDir, "")
	}
	for _, p := range []*string{&c.Monitor.TLS.CertFile, &c.Monitor.TLS.KeyFile, &c.Monitor.TLS.Dir} {
		if *p != "" {
			*p = c.resolve(*p, "")
		}
	}
	for i, p := range c.EnvFiles {
		if p != "" {
			c.EnvFiles[i] = c.resolve(p, "")
		}
	}
}

func (c *Config) resolve(dir, def string) string {
	if dir == "" {
		dir = def
	}
	if filepath.IsAbs(dir) || c.WorkDir == "" {
		return filepath.Clean(dir)
	}
	return filepath.Join(c.WorkDir, dir)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	switch {
	case c.Project == "":
		errs = append(errs, errors.New("project is required"))
	case !projectNameRe.MatchString(c.Project):
		errs = append(errs, fmt.Errorf("project %q: only letters, digits, '.', '_' and '-' are allowed", c.Project))
	}
	if c.WorkDir == "" {
		errs = append(errs, errors.New("work_dir is required"))
	}
	if c.Command == "" {
		errs = append(errs, errors.New("command is required"))
	}
	for i, kv := range c.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || strings.TrimSpace(k) == "" {
			errs = append(errs, fmt.Errorf("env[%d] %q must be in KEY=VALUE format", i, kv))
		}
	}
	if c.Rotation.AgeDays < 1 {
		errs = append(errs, fmt.Errorf("rotation.age_days must be >= 1, got %d", c.Rotation.AgeDays))
	}
	if c.Rotation.RetentionDays < 1 {
		errs = append(errs, fmt.Errorf("rotation.retention_days must be >= 1, got %d", c.Rotation.RetentionDays))
	}
	if _, err := cron.ParseEvery(c.Rotation.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("rotation.schedule: %w", err))
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"start.settle_delay", c.Start.SettleDelay},
		{"stop.graceful_timeout", c.Stop.GracefulTimeout},
		{"stop.poll_interval", c.Stop.PollInterval},
		{"stop.kill_timeout", c.Stop.KillTimeout},
		{"monitor.interval", c.Monitor.Interval},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", d.key))
		}
	}
	if c.Restart.Delay < 0 {
		errs = append(errs, errors.New("restart.delay cannot be negative"))
	}
	if c.Monitor.TailLines < 1 {
		errs = append(errs, fmt.Errorf("monitor.tail_lines must be >= 1, got %d", c.Monitor.TailLines))
	}
	if err := c.Monitor.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("monitor.tls: %w", err))
	}
	for i, r := range c.Classifier {
		if strings.TrimSpace(r.Name) == "" {
			errs = append(errs, fmt.Errorf("classifier[%d] requires a name", i))
		}
		if len(r.Keywords) == 0 {
			errs = append(errs, fmt.Errorf("classifier[%d] %q requires keywords", i, r.Name))
		}
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// PIDFile is the registry record path for the project.
func (c *Config) PIDFile() string { return filepath.Join(c.RunDir, c.Project+".pid") }

// LockFile is the exclusive lock path held by mutating commands.
func (c *Config) LockFile() string { return filepath.Join(c.RunDir, c.Project+".lock") }
