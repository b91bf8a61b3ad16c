package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/loykin/botvisor"
	"github.com/loykin/botvisor/internal/config"
	"github.com/loykin/botvisor/internal/logger"
)

// command carries the state shared by all subcommands.
type command struct {
	v      *viper.Viper
	flags  *GlobalFlags
	errOut io.Writer
}

// open loads the configuration and builds a supervisor. The returned func
// releases the history sink and the diagnostic log file.
func (c command) open() (*botvisor.Supervisor, func(), error) {
	cfg, err := config.Load(c.v, c.flags.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	log, logCloser, err := logger.New(cfg.Log, c.errOut)
	if err != nil {
		return nil, nil, err
	}
	sv, err := botvisor.New(cfg, botvisor.WithLogger(log))
	if err != nil {
		_ = logCloser.Close()
		return nil, nil, err
	}
	return sv, func() {
		_ = sv.Close()
		_ = logCloser.Close()
	}, nil
}

func mustBind(v *viper.Viper, key string, f *pflag.Flag) {
	if err := v.BindPFlag(key, f); err != nil {
		panic(err)
	}
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// parseDate accepts YYYYMMDD, YYYY-MM-DD, "today" and "yesterday" in local time.
func parseDate(s string, now time.Time) (time.Time, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "today":
		return now, nil
	case "yesterday":
		return now.AddDate(0, 0, -1), nil
	}
	for _, layout := range []string{"20060102", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q: want YYYYMMDD or YYYY-MM-DD", s)
}

func printLines(w io.Writer, lines []string) {
	for _, l := range lines {
		_, _ = fmt.Fprintln(w, l)
	}
}
