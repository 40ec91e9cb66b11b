package main

import (
	"fmt"
	"os"

	pulseboard "github.com/pulseboard-io/pulseboard-go"
)

// getAPIClient creates a Pulseboard client authenticated with the API key.
func getAPIClient() *pulseboard.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.APIKey == "" {
		fmt.Fprintln(os.Stderr, "No API key. Run 'pulseboard init <api-key>' first.")
		os.Exit(1)
	}

	var opts []pulseboard.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, pulseboard.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, pulseboard.WithEnvironment(pulseboard.Environment(cfg.Default.Environment)))
	}

	return pulseboard.NewClient(cfg.Default.APIKey, opts...)
}

// maskKey shows the first 8 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	if len(key) <= 12 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
