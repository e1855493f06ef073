// Package config provides INI configuration loading and validation for the
// crab daemon and the crabsh wrapper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Config is the top-level configuration for the crab daemon.
type Config struct {
	// Crab holds general daemon options ([crab] section).
	Crab CrabConfig

	// Store selects and configures the primary storage backend
	// ([store] section).
	Store StoreConfig

	// OutputStore optionally routes stdout/stderr blobs to a secondary
	// backend ([outputstore] section). Enabled when Backend is set.
	OutputStore StoreConfig

	// Notify holds monitor and notification-engine tunables
	// ([notify] section).
	Notify NotifyConfig

	// Crabsh holds wrapper-side options ([crabsh] section).
	Crabsh CrabshConfig

	// Transports maps a transport name to its options, one
	// [transport:NAME] section each.
	Transports map[string]map[string]string
}

// CrabConfig is the [crab] section.
type CrabConfig struct {
	// Home is the path to static web assets.
	Home string
	// BaseURL is the absolute URL used in feed links. The feed endpoint
	// is disabled when unset.
	BaseURL string
	// Listen is the HTTP listen address.
	Listen string
	// PIDFile is where the daemon records its process id.
	PIDFile string
	// LogLevel sets the minimum log severity: "debug", "info", "warn",
	// or "error". Defaults to "info" when omitted.
	LogLevel string
}

// StoreConfig names a storage backend and its DSN.
type StoreConfig struct {
	Backend string
	DSN     string
}

// NotifyConfig is the [notify] section.
type NotifyConfig struct {
	// Timezone is the IANA zone used for schedules lacking one and for
	// formatting alert bodies.
	Timezone string
	// Interval is the monitor tick period.
	Interval time.Duration
	// Cooldown is the default alert dedup window.
	Cooldown time.Duration
	// DefaultGrace applies to scheduled jobs without their own grace
	// period; DefaultTimeout likewise for the run timeout.
	DefaultGrace   time.Duration
	DefaultTimeout time.Duration
	// RetentionDays bounds event history; 0 disables the retention job.
	RetentionDays int
	// RulesFile optionally seeds the notification rules from a YAML file
	// at startup when the store holds none.
	RulesFile string
}

// CrabshConfig is the [crabsh] section.
type CrabshConfig struct {
	// AllowInhibit makes the wrapper honor an {inhibit:true} start
	// response by skipping the run.
	AllowInhibit bool
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads the INI file at path, applies defaults, and validates all
// fields. It returns an error describing every validation problem found,
// joined into one error; configuration errors are fatal at startup only.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}
	cfg, err := parse(f)
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

func parse(f *ini.File) (*Config, error) {
	cfg := &Config{Transports: make(map[string]map[string]string)}

	crab := f.Section("crab")
	cfg.Crab.Home = crab.Key("home").String()
	cfg.Crab.BaseURL = crab.Key("base_url").String()
	cfg.Crab.Listen = crab.Key("listen").String()
	cfg.Crab.PIDFile = crab.Key("pid_file").String()
	cfg.Crab.LogLevel = crab.Key("log_level").String()

	st := f.Section("store")
	cfg.Store.Backend = st.Key("backend").String()
	cfg.Store.DSN = st.Key("dsn").String()

	out := f.Section("outputstore")
	cfg.OutputStore.Backend = out.Key("backend").String()
	cfg.OutputStore.DSN = out.Key("dsn").String()

	notify := f.Section("notify")
	cfg.Notify.Timezone = notify.Key("timezone").String()
	cfg.Notify.Interval = secondsKey(notify, "interval")
	cfg.Notify.Cooldown = secondsKey(notify, "cooldown")
	cfg.Notify.DefaultGrace = secondsKey(notify, "default_grace")
	cfg.Notify.DefaultTimeout = secondsKey(notify, "default_timeout")
	cfg.Notify.RetentionDays = notify.Key("retention_days").MustInt(0)
	cfg.Notify.RulesFile = notify.Key("rules_file").String()

	crabsh := f.Section("crabsh")
	cfg.Crabsh.AllowInhibit = Truthy(crabsh.Key("allow_inhibit").String())

	for _, section := range f.Sections() {
		name, ok := strings.CutPrefix(section.Name(), "transport:")
		if !ok {
			continue
		}
		opts := make(map[string]string)
		for _, key := range section.Keys() {
			opts[key.Name()] = key.String()
		}
		cfg.Transports[name] = opts
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// secondsKey reads an integer number of seconds as a duration.
func secondsKey(s *ini.Section, name string) time.Duration {
	return time.Duration(s.Key(name).MustInt(0)) * time.Second
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Crab.Listen == "" {
		cfg.Crab.Listen = ":8000"
	}
	if cfg.Crab.LogLevel == "" {
		cfg.Crab.LogLevel = "info"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "sqlite"
	}
	if cfg.Store.DSN == "" && cfg.Store.Backend == "sqlite" {
		cfg.Store.DSN = "crab.db"
	}
	if cfg.Notify.Timezone == "" {
		cfg.Notify.Timezone = "UTC"
	}
	if cfg.Notify.Interval <= 0 {
		cfg.Notify.Interval = 30 * time.Second
	}
	if cfg.Notify.Cooldown <= 0 {
		cfg.Notify.Cooldown = time.Hour
	}
	if cfg.Notify.DefaultGrace <= 0 {
		cfg.Notify.DefaultGrace = 2 * time.Minute
	}
	if cfg.Notify.DefaultTimeout <= 0 {
		cfg.Notify.DefaultTimeout = 5 * time.Minute
	}
}

// validate checks enumerated and cross-field constraints.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.Crab.LogLevel] {
		errs = append(errs, fmt.Errorf("crab.log_level %q must be one of: debug, info, warn, error", cfg.Crab.LogLevel))
	}
	if cfg.Crab.BaseURL != "" {
		if _, err := url.ParseRequestURI(cfg.Crab.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("crab.base_url %q is not a valid URL", cfg.Crab.BaseURL))
		}
	}
	if cfg.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if cfg.OutputStore.Backend != "" && cfg.OutputStore.DSN == "" {
		errs = append(errs, errors.New("outputstore.dsn is required when outputstore.backend is set"))
	}
	if _, err := time.LoadLocation(cfg.Notify.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("notify.timezone %q is not a valid IANA zone", cfg.Notify.Timezone))
	}
	if cfg.Notify.RetentionDays < 0 {
		errs = append(errs, errors.New("notify.retention_days must not be negative"))
	}
	for name := range cfg.Transports {
		if name == "" {
			errs = append(errs, errors.New("transport section needs a name ([transport:NAME])"))
		}
	}

	return errors.Join(errs...)
}

// Truthy implements the wrapper environment contract's boolean parsing:
// case-insensitive "1", "yes", "true" or "on".
func Truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "yes", "true", "on":
		return true
	}
	return false
}
