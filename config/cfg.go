package config

import (
	_ "embed"
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultConfig []byte

type (
	PaginatorConfig struct {
		Path    string   `yaml:"path"`
		Args    []string `yaml:"args,omitempty"`
		Timeout int      `yaml:"timeout_sec"`
	}

	CompileConfig struct {
		Profile      string          `yaml:"profile"`
		FixZip       bool            `yaml:"fix_zip"`
		Uncompressed bool            `yaml:"uncompressed"`
		Paginator    PaginatorConfig `yaml:"paginator"`
	}

	Config struct {
		Version   int            `yaml:"version"`
		Compile   CompileConfig  `yaml:"compile"`
		Logging   LoggingConfig  `yaml:"logging"`
		Reporting ReporterConfig `yaml:"reporting"`
	}
)

// currently supported configuration version
const configVersion = 1

// LoadConfiguration reads embedded defaults and overlays them with values
// from the file at path, if any.
func LoadConfiguration(path string) (*Config, error) {
	cfg := &Config{}
	if err := unmarshalConfig(defaultConfig, cfg); err != nil {
		return nil, fmt.Errorf("failed to process default configuration: %w", err)
	}
	if len(path) == 0 {
		return cfg, nil
	}

	// overwrite cfg values with values from the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := unmarshalConfig(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to process configuration file: %w", err)
	}
	return cfg, nil
}

func unmarshalConfig(data []byte, cfg *Config) (err error) {
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return cfg.validate()
}

func (cfg *Config) validate() error {
	if cfg.Version != configVersion {
		return fmt.Errorf("unsupported configuration version %d (want %d)", cfg.Version, configVersion)
	}
	switch cfg.Logging.ConsoleLogger.Level {
	case "none", "debug", "normal":
	default:
		return fmt.Errorf("bad console logging level %q", cfg.Logging.ConsoleLogger.Level)
	}
	switch cfg.Logging.FileLogger.Level {
	case "", "none", "debug", "normal":
	default:
		return fmt.Errorf("bad file logging level %q", cfg.Logging.FileLogger.Level)
	}
	if len(cfg.Compile.Profile) == 0 {
		return fmt.Errorf("compile profile name must not be empty")
	}
	if cfg.Compile.Paginator.Timeout < 0 {
		return fmt.Errorf("paginator timeout must not be negative")
	}
	return nil
}

// Prepare returns default embedded configuration as a byte slice.
func Prepare() ([]byte, error) {
	// round-trip to make sure what we ship actually loads
	cfg := &Config{}
	if err := unmarshalConfig(defaultConfig, cfg); err != nil {
		return nil, fmt.Errorf("embedded configuration is broken: %w", err)
	}
	return defaultConfig, nil
}

// Dump serializes active configuration values.
func Dump(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(*cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config to yaml: %v", err)
	}
	return data, nil
}
