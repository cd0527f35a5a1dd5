package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var sendTaskID string

var sendCmd = &cobra.Command{
	Use:   "send <recipient> <content>",
	Short: "Send a message to an agent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		toolArgs := map[string]any{
			"to":      args[0],
			"content": args[1],
		}
		if sendTaskID != "" {
			toolArgs["task_id"] = sendTaskID
		}
		raw, err := c.callTool("send_message", toolArgs)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(raw)
			return nil
		}
		var result struct {
			Message struct {
				ID string `json:"id"`
			} `json:"message"`
			Delivered bool `json:"delivered"`
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		state := color.YellowString("queued")
		if result.Delivered {
			state = color.GreenString("delivered")
		}
		fmt.Printf("message %s sent to %q (%s)\n", result.Message.ID, args[0], state)
		return nil
	},
}

var (
	msgTaskID    string
	msgSender    string
	msgRecipient string
	msgSince     string
	msgLimit     int
)

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Retrieve message history, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		toolArgs := map[string]any{}
		if msgTaskID != "" {
			toolArgs["task_id"] = msgTaskID
		}
		if msgSender != "" {
			toolArgs["sender"] = msgSender
		}
		if msgRecipient != "" {
			toolArgs["recipient"] = msgRecipient
		}
		if msgSince != "" {
			toolArgs["since"] = msgSince
		}
		if msgLimit > 0 {
			toolArgs["limit"] = msgLimit
		}
		raw, err := c.callTool("get_messages", toolArgs)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(raw)
			return nil
		}
		var msgs []struct {
			ID        string    `json:"id"`
			Sender    string    `json:"sender"`
			Recipient string    `json:"recipient"`
			TaskID    string    `json:"task_id"`
			Content   string    `json:"content"`
			CreatedAt time.Time `json:"created_at"`
		}
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return fmt.Errorf("decode messages: %w", err)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			header := fmt.Sprintf("%s  %s -> %s",
				m.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				color.CyanString(m.Sender),
				color.CyanString(m.Recipient))
			if m.TaskID != "" {
				header += color.HiBlackString("  [task %s]", m.TaskID)
			}
			fmt.Println(header)
			fmt.Printf("  %s\n", m.Content)
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVarP(&sendTaskID, "task", "t", "", "task ID to group the message under")

	messagesCmd.Flags().StringVarP(&msgTaskID, "task", "t", "", "filter by task ID")
	messagesCmd.Flags().StringVar(&msgSender, "sender", "", "filter by sender agent name")
	messagesCmd.Flags().StringVar(&msgRecipient, "recipient", "", "filter by recipient agent name")
	messagesCmd.Flags().StringVar(&msgSince, "since", "", "only messages at or after this RFC 3339 instant")
	messagesCmd.Flags().IntVarP(&msgLimit, "limit", "n", 0, "maximum number of messages")
}
