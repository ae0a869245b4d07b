package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	tabsplit "github.com/tabsplit/tabsplit/sdk/golang"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, connectivity and queue state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, tabsplit.DefaultBaseURL))
		fmt.Printf("  Transport:   %s\n", valueOrDefault(cfg.Default.Transport, "ws"))
		fmt.Printf("  Storage:     %s\n", valueOrDefault(cfg.Storage.Backend, "sqlite"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
			return nil
		}
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))

		a, err := openApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Println()
		fmt.Println("Sync:")
		if a.online() {
			fmt.Println("  Network:     online")
		} else {
			fmt.Printf("  Network:     offline (marker in %s)\n", a.conn.Dir)
		}
		fmt.Printf("  Queued:      %d\n", a.engine.Queue.Len())
		if head, ok := a.engine.Queue.PeekNext(); ok {
			fmt.Printf("  Head:        %s %s %s (%s, %d attempts)\n", head.Op, head.Collection, head.EntityID, head.Status, head.Attempts)
			if head.Status == tabsplit.StatusFailed {
				fmt.Printf("  STALLED:     %s\n", head.LastError)
				fmt.Println("               run 'tabsplit retry' to resume")
			}
		}

		if !a.online() {
			return nil
		}
		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		start := time.Now()
		if err := a.client.Probe(ctx); err != nil {
			fmt.Printf("  Server:      unreachable (%v)\n", err)
			return nil
		}
		fmt.Printf("  Server:      reachable (%s)\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}
