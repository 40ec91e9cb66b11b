package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	pulseboard "github.com/pulseboard-io/pulseboard-go"
	"github.com/spf13/cobra"
)

var watchServers string

func init() {
	watchCmd.Flags().StringVar(&watchServers, "servers", "", "comma-separated server IDs to subscribe to")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live metrics to the terminal",
	Long:  "Open a realtime channel and print metric updates as they arrive.\nReconnects automatically if the connection drops. Ctrl-C to exit.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ids := cfg.Watch.Servers
		if watchServers != "" {
			ids, err = parseServerIDs(watchServers)
			if err != nil {
				return err
			}
		}

		client := getAPIClient()
		ch := client.Realtime().MetricsChannel(&pulseboard.ChannelConfig{
			Subscription: ids,
		})

		ch.OnConnected(func() {
			fmt.Fprintln(os.Stderr, "connected")
		})
		ch.OnDisconnected(func(err error) {
			fmt.Fprintf(os.Stderr, "disconnected: %v\n", err)
		})
		ch.OnReconnecting(func(delay time.Duration) {
			fmt.Fprintf(os.Stderr, "reconnecting in %s\n", delay)
		})
		ch.OnMetric(func(m pulseboard.MetricUpdate) {
			line := fmt.Sprintf("%s  %-20s", m.Timestamp, m.Hostname)
			if m.CPUUsage != nil {
				line += fmt.Sprintf("  cpu %5.1f%%", *m.CPUUsage)
			}
			if m.MemoryPercent != nil {
				line += fmt.Sprintf("  mem %5.1f%%", *m.MemoryPercent)
			}
			if m.DiskPercent != nil {
				line += fmt.Sprintf("  disk %5.1f%%", *m.DiskPercent)
			}
			if m.GPUUtilization != nil {
				line += fmt.Sprintf("  gpu %5.1f%%", *m.GPUUtilization)
			}
			fmt.Println(line)
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := ch.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "initial connect failed: %v (retrying)\n", err)
		}
		defer ch.Stop()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}
