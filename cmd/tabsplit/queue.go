package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	tabsplit "github.com/tabsplit/tabsplit/sdk/golang"
)

var (
	queueJSON    bool
	retryTimeout time.Duration
)

type queueEntry struct {
	QueueID       string    `json:"queueId"`
	Op            string    `json:"op"`
	Collection    string    `json:"collection"`
	EntityID      string    `json:"entityId"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
	NextAttemptAt time.Time `json:"nextAttemptAt,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List queued mutations in send order",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		items := a.engine.Queue.List()
		entries := make([]queueEntry, len(items))
		for i, m := range items {
			entries[i] = queueEntry{
				QueueID:       m.QueueID,
				Op:            string(m.Op),
				Collection:    string(m.Collection),
				EntityID:      m.EntityID,
				Status:        string(m.Status),
				Attempts:      m.Attempts,
				EnqueuedAt:    m.EnqueuedAt,
				NextAttemptAt: m.NextAttemptAt,
				LastError:     m.LastError,
			}
		}
		if queueJSON {
			return printJSON(entries)
		}

		if len(entries) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %-6s %-13s %-32s %-9s attempts=%d\n", e.QueueID, e.Op, e.Collection, e.EntityID, e.Status, e.Attempts)
			if e.LastError != "" {
				fmt.Printf("    last error: %s\n", e.LastError)
			}
		}
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Reset attempt counters and drain the queue",
	Long:  "Resume a stalled queue: failed entries go back to pending and the queue is drained if online.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		if !a.online() {
			return fmt.Errorf("offline: remove %s to go online", filepath.Join(a.conn.Dir, tabsplit.OfflineMarker))
		}

		ctx, cancel := context.WithTimeout(context.Background(), retryTimeout)
		defer cancel()

		before := a.engine.Queue.Len()
		if err := a.engine.Sync.Retry(ctx); err != nil {
			return fmt.Errorf("retry failed: %w", err)
		}
		after := a.engine.Queue.Len()
		fmt.Printf("Sent %d mutation(s), %d remaining\n", before-after, after)
		if a.engine.Sync.Stalled() {
			fmt.Println("Queue is stalled again; check 'tabsplit queue' for the last error.")
		}
		if a.engine.Sync.Paused() {
			fmt.Println("Sync is paused: the server rejected the token. Run 'tabsplit init <token>'.")
		}
		return nil
	},
}

func init() {
	queueCmd.Flags().BoolVar(&queueJSON, "json", false, "Output raw JSON")
	retryCmd.Flags().DurationVar(&retryTimeout, "timeout", time.Minute, "How long to keep draining")

	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(retryCmd)
}
