package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const configFileName = "config.json"

// Dir returns the configuration directory, creating it if needed.
func Dir() (string, error) {
	if dir := os.Getenv("RLM_CONFIG_DIR"); dir != "" {
		return dir, os.MkdirAll(dir, 0700)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".rlm")
	return dir, os.MkdirAll(dir, 0700)
}

// Load reads the config file (if present), decrypts the stored API key and
// overlays environment variables. A missing file yields defaults.
func Load() (Config, error) {
	cfg := Default()

	dir, err := Dir()
	if err != nil {
		return cfg, err
	}
	path := filepath.Join(dir, configFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if cfg.APIKeyBlob != "" {
		key, err := decryptAPIKey(dir, cfg.APIKeyBlob)
		if err != nil {
			return cfg, fmt.Errorf("decrypt API key: %w", err)
		}
		cfg.APIKey = key
	}

	cfg.applyEnv()
	cfg.Normalize()
	return cfg, nil
}

// Save writes the config file with the API key encrypted at rest.
func Save(cfg Config) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if cfg.APIKey != "" {
		blob, err := encryptAPIKey(dir, cfg.APIKey)
		if err != nil {
			return fmt.Errorf("encrypt API key: %w", err)
		}
		cfg.APIKeyBlob = blob
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, configFileName)
	return os.WriteFile(path, data, 0600)
}
