// Package config provides configuration loading and management for fsldisplay.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"fsldisplay/pkg/colourmap"
	"fsldisplay/pkg/transform"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Display parameters
	Display struct {
		// DefaultSpace is the display space chosen when the first overlay is
		// added to an empty view: "reference" displays in that overlay's
		// reference space, "world" keeps world space
		DefaultSpace transform.Space `yaml:"defaultSpace"`

		// ColourMap is the colour map given to new volume overlays
		ColourMap string `yaml:"colourMap"`

		// LookupTable is the lookup table given to new label overlays
		LookupTable string `yaml:"lookupTable"`
	} `yaml:"display"`

	// Sync controls which view properties a child view shares with its
	// master when it is created
	Sync struct {
		DisplaySpace    bool `yaml:"displaySpace"`
		Location        bool `yaml:"location"`
		SelectedOverlay bool `yaml:"selectedOverlay"`
		OverlayOrder    bool `yaml:"overlayOrder"`
	} `yaml:"sync"`

	// Logging parameters
	Logging struct {
		// Level is a logrus level name (trace, debug, info, warn, error)
		Level string `yaml:"level"`
	} `yaml:"logging"`

	// ColourMaps and LookupTables are registered in addition to the built-in ones
	ColourMaps   []colourmap.Definition `yaml:"colourMaps"`
	LookupTables []colourmap.Definition `yaml:"lookupTables"`

	// Loader parameters
	Loader struct {
		// Workers is the number of images read concurrently
		Workers int `yaml:"workers"`
	} `yaml:"loader"`

	// Output parameters
	Output struct {
		// SliceDir is where extracted slices are written
		SliceDir string `yaml:"sliceDir"`

		// JPEGQuality is the quality used for saved slices (1-100)
		JPEGQuality int `yaml:"jpegQuality"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Display.DefaultSpace = transform.Reference
	cfg.Display.ColourMap = colourmap.DefaultColourMap
	cfg.Display.LookupTable = colourmap.DefaultLookupTable

	// Views share everything with their master by default
	cfg.Sync.DisplaySpace = true
	cfg.Sync.Location = true
	cfg.Sync.SelectedOverlay = true
	cfg.Sync.OverlayOrder = true

	cfg.Logging.Level = "info"

	cfg.Loader.Workers = runtime.NumCPU()

	cfg.Output.SliceDir = "slices"
	cfg.Output.JPEGQuality = 90

	return cfg
}

// Validate checks values which cannot be checked while parsing
func (c *Config) Validate() error {
	if c.Display.DefaultSpace != transform.World && c.Display.DefaultSpace != transform.Reference {
		return fmt.Errorf("display.defaultSpace must be world or reference, got %v", c.Display.DefaultSpace)
	}
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Loader.Workers < 1 {
		return fmt.Errorf("loader.workers must be positive, got %d", c.Loader.Workers)
	}
	if c.Output.JPEGQuality < 1 || c.Output.JPEGQuality > 100 {
		return fmt.Errorf("output.jpegQuality must be between 1 and 100, got %d", c.Output.JPEGQuality)
	}
	return nil
}

// NewRegistry returns a colour map registry holding the built-in entries
// and the ones listed in the configuration
func (c *Config) NewRegistry() (*colourmap.Registry, error) {
	r := colourmap.NewRegistry()
	r.Init()
	if err := r.Load(colourmap.ColourMap, c.ColourMaps); err != nil {
		return nil, fmt.Errorf("error loading colour maps: %w", err)
	}
	if err := r.Load(colourmap.LookupTable, c.LookupTables); err != nil {
		return nil, fmt.Errorf("error loading lookup tables: %w", err)
	}
	for _, check := range []struct {
		t   colourmap.Type
		key string
	}{
		{colourmap.ColourMap, c.Display.ColourMap},
		{colourmap.LookupTable, c.Display.LookupTable},
	} {
		if _, err := r.Lookup(check.t, check.key); err != nil {
			return nil, fmt.Errorf("display defaults: %w", err)
		}
	}
	return r, nil
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
	// Create directory if it doesn't exist
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
