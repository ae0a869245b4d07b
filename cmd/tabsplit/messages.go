package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	tabsplit "github.com/tabsplit/tabsplit/sdk/golang"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// send
	sendJSON    bool
	sendTimeout time.Duration

	// messages
	messagesLimit  int
	messagesBefore string
	messagesJSON   bool
)

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message (queued while offline)",
	Long:  "Write the message locally and queue it. When online the queue is drained before the command returns.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, text := args[0], args[1]
		a, err := openApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		var confirmedID string
		a.engine.On(tabsplit.EventMessageConfirmed, func(ev tabsplit.Event) {
			confirmedID = ev.ServerID
		})

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		msg, err := a.engine.Messages.Send(ctx, conversationID, text)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if a.online() {
			a.engine.Sync.Drain(ctx)
		}

		result := msg
		id := msg.ID
		if confirmedID != "" {
			id = confirmedID
		}
		if e, ok := a.engine.Get(tabsplit.CollectionMessages, id); ok {
			result = e.(*tabsplit.Message)
		}

		if sendJSON {
			return printJSON(result)
		}

		switch result.Status {
		case tabsplit.MessageSent:
			fmt.Printf("Message sent to conversation %s\n", conversationID)
			fmt.Printf("  Message ID: %s\n", result.ID)
		case tabsplit.MessageFailed:
			fmt.Printf("Message failed: %s\n", result.FailReason)
			fmt.Printf("  Temp ID:    %s\n", result.ID)
		default:
			fmt.Printf("Message queued for conversation %s\n", conversationID)
			fmt.Printf("  Temp ID:    %s\n", result.ID)
			fmt.Printf("  Queued:     %d mutation(s)\n", a.engine.Queue.Len())
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "List cached messages of a conversation, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var before time.Time
		if messagesBefore != "" {
			t, err := time.Parse(time.RFC3339Nano, messagesBefore)
			if err != nil {
				return fmt.Errorf("--before must be RFC 3339: %w", err)
			}
			before = t
		}

		a, err := openApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		page := a.engine.Messages.Messages(args[0], before, messagesLimit)
		if messagesJSON {
			return printJSON(page)
		}

		if len(page.Messages) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range page.Messages {
			marker := ""
			switch m.Status {
			case tabsplit.MessageSending:
				marker = " (sending)"
			case tabsplit.MessageFailed:
				marker = " (failed: " + m.FailReason + ")"
			}
			fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), valueOrDefault(m.SenderID, "?"), m.Text, marker)
		}
		if page.HasMore {
			fmt.Printf("\nMore: --before %s\n", page.Cursor.Format(time.RFC3339Nano))
		}
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 15*time.Second, "How long to wait for the send")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 20, "Maximum number of messages to return")
	messagesCmd.Flags().StringVar(&messagesBefore, "before", "", "Only messages created before this RFC 3339 time")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(messagesCmd)
}
