package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status [upload-id]",
	Short: "Show configuration and API status",
	Long:  "Display the current configuration and live API health.\nWith an upload id, fetch that upload's processing status instead.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if len(args) == 1 {
			return uploadStatus(args[0])
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}
		if cfg.Default.APIKey != "" {
			fmt.Printf("  API Key:     %s\n", maskKey(cfg.Default.APIKey))
		} else {
			fmt.Println("  API Key:     (not set)")
		}
		if len(cfg.Watch.Servers) > 0 {
			fmt.Printf("  Watched:     %v\n", cfg.Watch.Servers)
		}

		if cfg.Default.APIKey == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		client := getAPIClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		health, err := client.Health(ctx)
		if err != nil {
			fmt.Printf("  Error fetching health: %v\n", err)
			return nil
		}
		fmt.Printf("  API:     %s\n", health.Status)
		if health.Version != "" {
			fmt.Printf("  Version: %s\n", health.Version)
		}

		servers, err := client.Servers(ctx)
		if err != nil {
			fmt.Printf("  Error listing servers: %v\n", err)
			return nil
		}
		online := 0
		for _, s := range servers {
			if s.Status == "online" {
				online++
			}
		}
		fmt.Printf("  Servers: %d (%d online)\n", len(servers), online)
		return nil
	},
}

func uploadStatus(uploadID string) error {
	client := getAPIClient()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := client.UploadStatus(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("failed to fetch upload status: %w", err)
	}

	fmt.Printf("Upload %s:\n", uploadID)
	fmt.Printf("  Status:     %s\n", st.Status)
	fmt.Printf("  Processed:  %d\n", st.RecordsProcessed)
	fmt.Printf("  Inserted:   %d\n", st.RecordsInserted)
	fmt.Printf("  Duplicates: %d\n", st.RecordsDuplicate)
	if st.ErrorMessage != "" {
		fmt.Printf("  Error:      %s\n", st.ErrorMessage)
	}
	return nil
}
