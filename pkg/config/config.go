// Package config provides configuration loading and management for brats2twolabel.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"brats2twolabel/pkg/morphology"
	"brats2twolabel/pkg/remap"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Conversion parameters
	Conversion struct {
		// ClusterSizeThreshold is the minimum voxel count for a retained
		// non-enhancing cluster
		ClusterSizeThreshold int `yaml:"clusterSizeThreshold"`

		// ATFill removes necrosis completely enclosed by active tumor
		ATFill bool `yaml:"atFill"`

		// Connectivity is the neighbourhood used for clustering and
		// enclosure detection (6, 18 or 26)
		Connectivity int `yaml:"connectivity"`

		// LabelPolicy is "strict" or "warn"
		LabelPolicy string `yaml:"labelPolicy"`
	} `yaml:"conversion"`

	// Label codes of the input and output conventions
	Labels struct {
		Brats  remap.BratsLabels  `yaml:"brats"`
		HDGlio remap.HDGlioLabels `yaml:"hdglio"`
		Output remap.OutputLabels `yaml:"output"`
	} `yaml:"labels"`

	// Output parameters
	Output struct {
		// SlicesDir receives PNG previews of the converted volume when set
		SlicesDir string `yaml:"slicesDir"`

		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`

		// LogFormat is "text" or "json"
		LogFormat string `yaml:"logFormat"`

		// LogFile sends logs to a rotated file instead of stderr
		LogFile string `yaml:"logFile"`

		// LogMaxSizeMB is the size at which the log file is rotated
		LogMaxSizeMB int `yaml:"logMaxSizeMB"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}
	opts := remap.DefaultOptions()

	cfg.Conversion.ClusterSizeThreshold = opts.ClusterSizeThreshold
	cfg.Conversion.ATFill = opts.ATFill
	cfg.Conversion.Connectivity = int(opts.Connectivity)
	cfg.Conversion.LabelPolicy = string(opts.Policy)

	cfg.Labels.Brats = opts.Brats
	cfg.Labels.HDGlio = opts.HDGlio
	cfg.Labels.Output = opts.Output

	cfg.Output.Verbose = false
	cfg.Output.LogFormat = "text"
	cfg.Output.LogMaxSizeMB = 10

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks value ranges and label code consistency.
func (c *Config) Validate() error {
	if c.Conversion.ClusterSizeThreshold < 0 {
		return fmt.Errorf("clusterSizeThreshold must be non-negative, got %d", c.Conversion.ClusterSizeThreshold)
	}
	if _, err := morphology.ParseConnectivity(c.Conversion.Connectivity); err != nil {
		return err
	}
	switch remap.LabelPolicy(c.Conversion.LabelPolicy) {
	case remap.PolicyStrict, remap.PolicyWarn:
	default:
		return fmt.Errorf("labelPolicy must be %q or %q, got %q",
			remap.PolicyStrict, remap.PolicyWarn, c.Conversion.LabelPolicy)
	}
	switch c.Output.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("logFormat must be \"text\" or \"json\", got %q", c.Output.LogFormat)
	}
	if c.Output.LogMaxSizeMB <= 0 {
		return fmt.Errorf("logMaxSizeMB must be positive, got %d", c.Output.LogMaxSizeMB)
	}

	b := c.Labels.Brats
	if err := distinct("brats", b.Background, b.Necrosis, b.Edema, b.Enhancing); err != nil {
		return err
	}
	h := c.Labels.HDGlio
	if err := distinct("hdglio", h.Background, h.NonEnhancing, h.Enhancing); err != nil {
		return err
	}
	o := c.Labels.Output
	if err := distinct("output", o.Background, o.NonEnhancing, o.Enhancing); err != nil {
		return err
	}
	if o.Necrosis == o.NonEnhancing || o.Necrosis == o.Enhancing {
		return fmt.Errorf("output necrosis code %d collides with a tumor code", o.Necrosis)
	}
	return nil
}

func distinct(scheme string, codes ...uint8) error {
	seen := make(map[uint8]bool, len(codes))
	for _, c := range codes {
		if seen[c] {
			return fmt.Errorf("%s label codes must be distinct, %d is used twice", scheme, c)
		}
		seen[c] = true
	}
	return nil
}

// RemapOptions converts the configuration into remapper options.
func (c *Config) RemapOptions() remap.Options {
	return remap.Options{
		ClusterSizeThreshold: c.Conversion.ClusterSizeThreshold,
		ATFill:               c.Conversion.ATFill,
		Connectivity:         morphology.Connectivity(c.Conversion.Connectivity),
		Policy:               remap.LabelPolicy(c.Conversion.LabelPolicy),
		Brats:                c.Labels.Brats,
		HDGlio:               c.Labels.HDGlio,
		Output:               c.Labels.Output,
	}
}
