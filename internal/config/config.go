package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

// ErrMissingAPIKey is returned when the credential variable is unset or empty.
var ErrMissingAPIKey = errors.New("missing API key")

// DefaultRegions are all U.S. states, DC, the national aggregate ("X"), and
// the territories.
var DefaultRegions = []string{
	"AL", "AK", "AZ", "AR", "CA", "CO", "CT", "DE", "FL", "GA", "HI", "ID", "IL", "IN",
	"IA", "KS", "KY", "LA", "ME", "MD", "MA", "MI", "MN", "MS", "MO", "MT", "NE", "NV",
	"NH", "NJ", "NM", "NY", "NC", "ND", "OH", "OK", "OR", "PA", "RI", "SC", "SD", "TN",
	"TX", "UT", "VT", "VA", "WA", "WV", "WI", "WY", "DC", "X", "AS", "MP", "GU", "PR",
	"VI",
}

type Config struct {
	Source   Source   `yaml:"source"`
	Releases Releases `yaml:"releases"`
	Output   Output   `yaml:"output"`
	Server   Server   `yaml:"server"`
	Report   Report   `yaml:"report"`
	Logging  Logging  `yaml:"logging"`
}

type Source struct {
	Endpoint        string        `yaml:"endpoint"`
	APIKeyEnv       string        `yaml:"api_key_env"`
	DataSource      string        `yaml:"data_source"`
	Metrics         string        `yaml:"metrics"`
	Regions         []string      `yaml:"regions"`
	StartYear       int           `yaml:"start_year"`
	EndYear         int           `yaml:"end_year"`
	Timeout         time.Duration `yaml:"timeout"`
	RequestInterval time.Duration `yaml:"request_interval"`
}

type Releases struct {
	Enabled  bool          `yaml:"enabled"`
	DaysBack int           `yaml:"days_back"`
	Timeout  time.Duration `yaml:"timeout"`
	Feeds    []Feed        `yaml:"feeds"`
}

type Feed struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
	DBName  string `yaml:"db_name"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Report struct {
	TopRegions int `yaml:"top_regions"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for ilicrawler.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "ilicrawler")
}

// DataDir returns the XDG data directory for ilicrawler.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "ilicrawler")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/ilicrawler/config.yaml > ./config.yaml.
// An empty path with a nil error means no file exists and the built-in
// defaults apply.
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", nil
}

// Load reads and parses a config YAML file. An empty path loads the
// embedded defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return parse(DefaultConfigYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// LoadEnv loads KEY=VALUE pairs from .env files into the process
// environment without overriding variables that are already set.
// Missing files are ignored.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Source: Source{
			Endpoint:        "https://delphi.cmu.edu/epidata/api.php",
			APIKeyEnv:       "FLUVIEW_API_KEY",
			DataSource:      "fluview",
			Metrics:         "ili",
			Regions:         append([]string(nil), DefaultRegions...),
			StartYear:       1997,
			EndYear:         2025,
			Timeout:         30 * time.Second,
			RequestInterval: time.Second,
		},
		Releases: Releases{
			DaysBack: 30,
			Timeout:  15 * time.Second,
		},
		Output:  Output{DBName: "ili_data.db"},
		Server:  Server{Port: 3000},
		Report:  Report{TopRegions: 10},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the ingest depends on.
func (c *Config) Validate() error {
	s := c.Source
	switch {
	case s.Endpoint == "":
		return fmt.Errorf("invalid config: source.endpoint is empty")
	case s.APIKeyEnv == "":
		return fmt.Errorf("invalid config: source.api_key_env is empty")
	case len(s.Regions) == 0:
		return fmt.Errorf("invalid config: source.regions is empty")
	case s.StartYear > s.EndYear:
		return fmt.Errorf("invalid config: start_year %d is after end_year %d", s.StartYear, s.EndYear)
	case s.Timeout <= 0:
		return fmt.Errorf("invalid config: source.timeout must be positive")
	case s.RequestInterval < 0:
		return fmt.Errorf("invalid config: source.request_interval must not be negative")
	}
	return nil
}

// APIKey returns the credential from the environment variable named by
// source.api_key_env.
func (c *Config) APIKey() (string, error) {
	name := c.Source.APIKeyEnv
	key := strings.TrimSpace(os.Getenv(name))
	if key == "" {
		return "", fmt.Errorf("%w: please set the %s environment variable", ErrMissingAPIKey, name)
	}
	return key, nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// DBPath returns the full path of the SQLite file.
func (c *Config) DBPath() string {
	name := c.Output.DBName
	if name == "" {
		name = "ili_data.db"
	}
	return filepath.Join(c.GetDataDir(), name)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
