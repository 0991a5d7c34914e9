package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the on-disk YAML config; CLI flags that were
// explicitly set always win over values loaded here.
type fileConfig struct {
	Server    string `yaml:"server"`
	Token     string `yaml:"token"`
	Subdomain string `yaml:"subdomain"`
	TunnelID  string `yaml:"tunnel_id"`
	Debug     *bool  `yaml:"debug"`
	TLS       *bool  `yaml:"tls"`
	Insecure  *bool  `yaml:"insecure"`
}

// loadConfig reads the YAML config file at path, or ~/.rtun.yaml if
// path is empty. A missing file is not an error.
func loadConfig(path string) (*fileConfig, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil
		}
		path = filepath.Join(home, ".rtun.yaml")
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return &cfg, nil
}
