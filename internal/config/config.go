package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Environment describes one deployment target the desktop application can
// authenticate against. Records are immutable once loaded.
type Environment struct {
	ID          string `yaml:"id"`
	Label       string `yaml:"label"`
	APIBaseURL  string `yaml:"api_base_url"`
	IssuerURL   string `yaml:"issuer_url"`
	ClientID    string `yaml:"client_id"`
	APIResource string `yaml:"api_resource"`

	// Local marks the environment that bypasses the OIDC flow entirely and
	// authenticates with a synthesised opaque token against a locally running
	// API.
	Local bool `yaml:"local"`
}

// DefaultEnvironments returns the built-in deployment targets.
func DefaultEnvironments() map[string]Environment {
	return map[string]Environment{
		"local": {
			ID:         "local",
			Label:      "Local",
			APIBaseURL: "http://localhost:5170",
			Local:      true,
		},
		"dev": {
			ID:          "dev",
			Label:       "Development",
			APIBaseURL:  "https://api.dev.ternity.io",
			IssuerURL:   "https://auth.dev.ternity.io",
			ClientID:    "ternity-desktop",
			APIResource: "https://api.dev.ternity.io",
		},
		"prod": {
			ID:          "prod",
			Label:       "Production",
			APIBaseURL:  "https://api.ternity.io",
			IssuerURL:   "https://auth.ternity.io",
			ClientID:    "ternity-desktop",
			APIResource: "https://api.ternity.io",
		},
	}
}

// LoadEnvironments returns the built-in environments merged with overrides
// from a YAML file, if one exists at path. A missing file is not an error.
func LoadEnvironments(path string) (map[string]Environment, error) {
	envs := DefaultEnvironments()
	if path == "" {
		return envs, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return envs, nil
		}
		return nil, fmt.Errorf("failed to read environments file: %w", err)
	}

	var overrides struct {
		Environments []Environment `yaml:"environments"`
	}
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse environments file: %w", err)
	}

	for _, env := range overrides.Environments {
		if env.ID == "" {
			return nil, fmt.Errorf("environment override without an id in %s", path)
		}
		envs[env.ID] = env
	}

	return envs, nil
}

// ConfigDir returns the directory holding the application's persisted state,
// creating it if necessary.
func ConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user config dir: %w", err)
	}

	dir := filepath.Join(base, "ternity-desktop")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config dir: %w", err)
	}
	return dir, nil
}

// SettingsPath returns the location of the shared settings document.
func SettingsPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "settings.json"), nil
}

// EnvironmentsPath returns the location of the optional environments override
// file.
func EnvironmentsPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "environments.yaml"), nil
}
