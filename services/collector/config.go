package collector

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the client-side configuration, loadable from a YAML file.
type Config struct {
	APIServer    APIServerConfig    `yaml:"api_server"`
	LocalStorage LocalStorageConfig `yaml:"local_storage"`
}

// APIServerConfig describes how to reach the ingest service.
type APIServerConfig struct {
	URL            string `yaml:"url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout"`
	RetryCount     int    `yaml:"retry_count"`
	ChunkSizeMB    int    `yaml:"chunk_size_mb"`
}

// LocalStorageConfig controls the local envelope copies written before
// transmission.
type LocalStorageConfig struct {
	Path        string `yaml:"path"`
	Compression *bool  `yaml:"compression"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	compress := true
	return Config{
		APIServer: APIServerConfig{
			URL:            "https://forensics-api.example.com",
			TimeoutSeconds: 30,
			RetryCount:     3,
			ChunkSizeMB:    10,
		},
		LocalStorage: LocalStorageConfig{
			Path:        "/var/evidenced/artifacts",
			Compression: &compress,
			MaxSizeMB:   1000,
		},
	}
}

// LoadConfig reads a YAML config file, filling unset fields with defaults.
// The API key may also come from the EVIDENCED_API_KEY environment
// variable, which wins over the file so secrets can stay out of it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if key := os.Getenv("EVIDENCED_API_KEY"); key != "" {
		cfg.APIServer.APIKey = key
	}

	if cfg.APIServer.URL == "" {
		return Config{}, fmt.Errorf("api_server.url must not be empty")
	}
	if cfg.APIServer.TimeoutSeconds <= 0 {
		cfg.APIServer.TimeoutSeconds = 30
	}
	if cfg.APIServer.RetryCount <= 0 {
		cfg.APIServer.RetryCount = 3
	}
	if cfg.APIServer.ChunkSizeMB <= 0 {
		cfg.APIServer.ChunkSizeMB = 10
	}

	return cfg, nil
}

// Timeout returns the per-request timeout.
func (c APIServerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ChunkSize returns the chunk threshold and slice size in bytes.
func (c APIServerConfig) ChunkSize() int {
	return c.ChunkSizeMB * 1024 * 1024
}

// Compress reports whether local copies should be gzipped (default true).
func (c LocalStorageConfig) Compress() bool {
	return c.Compression == nil || *c.Compression
}
