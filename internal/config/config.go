package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nathan-c/dotnet-gcforce/internal/diagipc"
	"github.com/nathan-c/dotnet-gcforce/internal/gcforce"
	"github.com/nathan-c/dotnet-gcforce/internal/session"
)

type Config struct {
	Force     ForceConfig     `yaml:"force"`
	EventPipe EventPipeConfig `yaml:"eventpipe"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ForceConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	NoDataGrace      time.Duration `yaml:"no_data_grace"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	ShutdownPoll     time.Duration `yaml:"shutdown_poll"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

type EventPipeConfig struct {
	SocketDir        string           `yaml:"socket_dir"` // empty means $TMPDIR
	CircularBufferMB uint32           `yaml:"circular_buffer_mb"`
	RequestRundown   bool             `yaml:"request_rundown"`
	Providers        []ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	Name     string `yaml:"name"`
	Keywords uint64 `yaml:"keywords"`
	Level    uint32 `yaml:"level"`
	Filter   string `yaml:"filter"`
}

// DiscoveryConfig controls what "gcforce ps" shows.
type DiscoveryConfig struct {
	MaskCmdLines bool     `yaml:"mask_cmdlines"`
	Allowed      []string `yaml:"allowed"` // globs on process name or executable path
	Blocked      []string `yaml:"blocked"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // DEBUG, INFO, WARN, ERROR
	Format string `yaml:"format"` // CONSOLE or JSON
}

func defaultConfig() *Config {
	opts := gcforce.DefaultOptions()
	providers := make([]ProviderConfig, 0, 1)
	for _, p := range session.DefaultProviders() {
		providers = append(providers, ProviderConfig{Name: p.Name, Keywords: p.Keywords, Level: p.Level, Filter: p.Filter})
	}
	return &Config{
		Force: ForceConfig{
			Timeout:          opts.Timeout,
			NoDataGrace:      opts.NoDataGrace,
			PollInterval:     opts.PollInterval,
			ShutdownPoll:     opts.ShutdownPoll,
			ShutdownTimeout:  opts.ShutdownTimeout,
			ProgressInterval: opts.ProgressInterval,
		},
		EventPipe: EventPipeConfig{
			CircularBufferMB: session.DefaultCircularBufferMB,
			RequestRundown:   true,
			Providers:        providers,
		},
		Logging: LoggingConfig{
			Level:  "WARN",
			Format: "CONSOLE",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that an empty path yields the defaults. A
// named file that does not exist is an error.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	return Load(path)
}

// Validate checks that every threshold is positive and every provider is
// named.
func (c *Config) Validate() error {
	var errs []error
	durations := []struct {
		key string
		d   time.Duration
	}{
		{"force.timeout", c.Force.Timeout},
		{"force.no_data_grace", c.Force.NoDataGrace},
		{"force.poll_interval", c.Force.PollInterval},
		{"force.shutdown_poll", c.Force.ShutdownPoll},
		{"force.shutdown_timeout", c.Force.ShutdownTimeout},
		{"force.progress_interval", c.Force.ProgressInterval},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.key, d.d))
		}
	}
	if len(c.EventPipe.Providers) == 0 {
		errs = append(errs, errors.New("eventpipe.providers must not be empty"))
	}
	for _, pattern := range append(append([]string(nil), c.Discovery.Allowed...), c.Discovery.Blocked...) {
		if _, err := filepath.Match(pattern, ""); err != nil {
			errs = append(errs, fmt.Errorf("discovery pattern %q: %w", pattern, err))
		}
	}
	for i, p := range c.EventPipe.Providers {
		if strings.TrimSpace(p.Name) == "" {
			errs = append(errs, fmt.Errorf("eventpipe.providers[%d].name is required", i))
		}
	}
	switch strings.ToUpper(c.Logging.Format) {
	case "", "CONSOLE", "JSON":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not CONSOLE or JSON", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// Providers converts the configured providers for the session layer.
func (c *Config) Providers() []diagipc.Provider {
	out := make([]diagipc.Provider, len(c.EventPipe.Providers))
	for i, p := range c.EventPipe.Providers {
		out[i] = diagipc.Provider{Name: p.Name, Keywords: p.Keywords, Level: p.Level, Filter: p.Filter}
	}
	return out
}

// ForceOptions maps the force section onto runner options.
func (c *Config) ForceOptions() gcforce.Options {
	return gcforce.Options{
		Timeout:          c.Force.Timeout,
		NoDataGrace:      c.Force.NoDataGrace,
		PollInterval:     c.Force.PollInterval,
		ShutdownPoll:     c.Force.ShutdownPoll,
		ShutdownTimeout:  c.Force.ShutdownTimeout,
		ProgressInterval: c.Force.ProgressInterval,
		Providers:        c.Providers(),
	}
}

// ProcessFilter builds the listing filter from the discovery section.
func (c *Config) ProcessFilter() *diagipc.ProcessFilter {
	return &diagipc.ProcessFilter{
		MaskCmdLines: c.Discovery.MaskCmdLines,
		Allowed:      c.Discovery.Allowed,
		Blocked:      c.Discovery.Blocked,
	}
}

// SocketDir resolves the diagnostics socket directory.
func (c *Config) SocketDir() string {
	if c.EventPipe.SocketDir != "" {
		return c.EventPipe.SocketDir
	}
	return diagipc.SocketDir()
}
