package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.pulseboard/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Watch   ConfigWatch   `toml:"watch"`
}

// ConfigDefault holds general SDK settings.
type ConfigDefault struct {
	APIKey      string `toml:"api_key"`
	Environment string `toml:"environment"`
	BaseURL     string `toml:"base_url"`
}

// ConfigWatch holds defaults for the watch command.
type ConfigWatch struct {
	Servers []int64 `toml:"servers"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.pulseboard, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".pulseboard")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.api_key").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.api_key)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "api_key":
			cfg.Default.APIKey = value
		case "environment":
			cfg.Default.Environment = value
		case "base_url":
			cfg.Default.BaseURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "watch":
		switch field {
		case "servers":
			ids, err := parseServerIDs(value)
			if err != nil {
				return err
			}
			cfg.Watch.Servers = ids
		default:
			return fmt.Errorf("unknown field %q in section [watch]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, watch)", section)
	}
	return nil
}

// parseServerIDs parses a comma-separated list of server IDs.
func parseServerIDs(value string) ([]int64, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(value, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid server id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "pulseboard",
	Short: "Pulseboard SDK CLI",
	Long:  "Command-line interface for the Pulseboard monitoring SDK.\nManage configuration, check upload status, and watch live metrics.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
