package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	chatsync "github.com/relayline/chatsync"
	"github.com/spf13/cobra"
)

var (
	sendTo           string
	sendConversation string
	sendReplyTo      string
)

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", "", "recipient user id (starts a private conversation if needed)")
	sendCmd.Flags().StringVar(&sendConversation, "conversation", "", "target conversation id")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "message id to reply to")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send a message",
	Long:  "Send a message to a conversation (--conversation) or directly to a user (--to).",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if (sendTo == "") == (sendConversation == "") {
			return fmt.Errorf("exactly one of --to or --conversation is required")
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		resp, err := client.SendMessage(ctx, chatsync.SendRequest{
			ConversationID: sendConversation,
			TargetUserID:   sendTo,
			Body:           args[0],
			Kind:           chatsync.KindText,
			TempID:         "tmp-" + uuid.NewString(),
			ReplyToKey:     sendReplyTo,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Message sent to conversation %s\n", resp.ConversationID)
		fmt.Printf("  Message ID: %s\n", resp.Message.ID)
		fmt.Printf("  Body:       %s\n", resp.Message.Body)
		return nil
	},
}
