// Package config provides configuration loading and management for mriascm.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Input parameters
	Input struct {
		// DataChannel is the t index of the 4D acquisition to denoise
		DataChannel int `yaml:"dataChannel"`

		// MaskChannel is the t index thresholded to build the foreground mask
		MaskChannel int `yaml:"maskChannel"`

		// MaskThreshold is the intensity above which a voxel counts as foreground
		MaskThreshold float64 `yaml:"maskThreshold"`

		// Coils is the number of receiver coils of the acquisition hardware,
		// used by the noise estimator
		Coils int `yaml:"coils"`
	} `yaml:"input"`

	// Denoising parameters
	Denoise struct {
		// SmallPatchRadius is the patch radius of the sharp non-local-means pass
		SmallPatchRadius int `yaml:"smallPatchRadius"`

		// LargePatchRadius is the patch radius of the smooth non-local-means pass
		LargePatchRadius int `yaml:"largePatchRadius"`

		// BlockRadius is the search window half-width for both passes
		BlockRadius int `yaml:"blockRadius"`

		// Rician selects the magnitude-image bias correction
		Rician bool `yaml:"rician"`

		// Sigma overrides the estimated noise level when positive
		Sigma float64 `yaml:"sigma"`
	} `yaml:"denoise"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// SaveIntermediaryResults determines whether to save intermediary processing results
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default input parameters matching a typical multi-shell
	// acquisition: channel 0 is the b0 reference used for masking.
	cfg.Input.DataChannel = 1
	cfg.Input.MaskChannel = 0
	cfg.Input.MaskThreshold = 80
	cfg.Input.Coils = 4

	// Set default denoising parameters
	cfg.Denoise.SmallPatchRadius = 1
	cfg.Denoise.LargePatchRadius = 2
	cfg.Denoise.BlockRadius = 1
	cfg.Denoise.Rician = true
	cfg.Denoise.Sigma = 0

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	// Set default output parameters
	cfg.Output.SaveIntermediaryResults = false
	cfg.Output.Verbose = true

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

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
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

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
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
