package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigPath names the environment variable checked first by
// DiscoverConfigPath.
const EnvConfigPath = "STEVEDORE_CONFIG"

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $STEVEDORE_CONFIG, ~/.config/stevedore/config.yaml,
// /etc/stevedore/config.yaml, ./config.yaml.
func DiscoverConfigPath() (string, error) {
	for _, candidate := range candidatePaths() {
		if fileExists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/stevedore/config.yaml, /etc/stevedore/config.yaml, ./config.yaml)", EnvConfigPath)
}

func candidatePaths() []string {
	var out []string
	if p := os.Getenv(EnvConfigPath); p != "" {
		if dirExists(p) {
			p = filepath.Join(p, "config.yaml")
		}
		out = append(out, p)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(homeDir, ".config", "stevedore", "config.yaml"))
	}
	return append(out, "/etc/stevedore/config.yaml", "./config.yaml")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
