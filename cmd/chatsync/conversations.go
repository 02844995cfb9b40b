package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	chatsync "github.com/relayline/chatsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsLimit int
	conversationsJSON  bool

	// messages
	messagesLimit int
	messagesJSON  bool

	// users search
	usersSearchJSON bool

	// group create
	groupCreateMembers string

	// online
	onlineJSON bool
)

func init() {
	conversationsCmd.Flags().IntVar(&conversationsLimit, "limit", 0, "max conversations to list")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "output raw JSON")
	rootCmd.AddCommand(conversationsCmd)

	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 0, "max messages to fetch")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "output raw JSON")
	rootCmd.AddCommand(messagesCmd)

	usersSearchCmd.Flags().BoolVar(&usersSearchJSON, "json", false, "output raw JSON")
	usersCmd.AddCommand(usersSearchCmd)
	rootCmd.AddCommand(usersCmd)

	groupCreateCmd.Flags().StringVar(&groupCreateMembers, "members", "", "comma-separated user ids")
	groupCmd.AddCommand(groupCreateCmd)
	rootCmd.AddCommand(groupCmd)

	onlineCmd.Flags().BoolVar(&onlineJSON, "json", false, "output raw JSON")
	rootCmd.AddCommand(onlineCmd)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		session := getSession()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := client.ListConversations(ctx, chatsync.Page{Limit: conversationsLimit})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsJSON {
			return printJSON(convs)
		}

		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, conv := range convs {
			name := conv.Name
			if name == "" {
				if other, ok := conv.Counterpart(session.UserID); ok {
					name = other.DisplayName
					if name == "" {
						name = other.ID
					}
				}
			}
			line := fmt.Sprintf("%s  %-10s %s", conv.ID, conv.Kind, name)
			if conv.UnreadCount > 0 {
				line += fmt.Sprintf("  (%d unread)", conv.UnreadCount)
			}
			if conv.LastMessage != nil {
				preview := conv.LastMessage.Body
				if conv.LastMessage.Deleted {
					preview = "(deleted)"
				}
				line += "  | " + preview
			}
			fmt.Println(line)
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := client.GetMessages(ctx, args[0], chatsync.Page{Limit: messagesLimit})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if messagesJSON {
			return printJSON(msgs)
		}

		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, group := range chatsync.GroupByDay(msgs, time.Now()) {
			fmt.Printf("--- %s ---\n", group.Label)
			for _, msg := range group.Messages {
				printMessage(msg)
			}
		}
		return nil
	},
}

func printMessage(msg chatsync.Message) {
	body := msg.Body
	if msg.Deleted {
		body = "(deleted)"
	} else if msg.Edited {
		body += " (edited)"
	}
	fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Format("15:04"), msg.SenderID, body)
}

// ============================================================================
// users search
// ============================================================================

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "User directory commands",
}

var usersSearchCmd = &cobra.Command{
	Use:   "search <term>",
	Short: "Search users by name or handle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		users, err := client.SearchUsers(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if usersSearchJSON {
			return printJSON(users)
		}

		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}

		for _, u := range users {
			status := ""
			if u.Online {
				status = "  [online]"
			}
			fmt.Printf("%s  %s%s\n", u.ID, u.DisplayName, status)
		}
		return nil
	},
}

// ============================================================================
// group create
// ============================================================================

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Group conversation commands",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a group conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if groupCreateMembers == "" {
			return fmt.Errorf("--members is required")
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := client.CreateGroup(ctx, args[0], strings.Split(groupCreateMembers, ","))
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Group created: %s (%s)\n", conv.Name, conv.ID)
		return nil
	},
}

// ============================================================================
// online
// ============================================================================

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "List online users",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		users, err := client.ListOnlineUsers(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if onlineJSON {
			return printJSON(users)
		}

		if len(users) == 0 {
			fmt.Println("Nobody is online.")
			return nil
		}
		for _, id := range users {
			fmt.Println(id)
		}
		return nil
	},
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
