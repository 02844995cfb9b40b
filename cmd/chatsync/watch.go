package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	chatsync "github.com/relayline/chatsync"
	"github.com/spf13/cobra"
)

var (
	watchConversation string
	watchVerbose      bool
)

func init() {
	watchCmd.Flags().StringVar(&watchConversation, "conversation", "", "open this conversation and mark it read")
	watchCmd.Flags().BoolVar(&watchVerbose, "verbose", false, "enable debug logging")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run a live session and print activity",
	Long:  "Connect the event channel and print messages, typing indicators, and presence changes as they arrive. Ctrl-C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		session := getSession()

		level := slog.LevelWarn
		if watchVerbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		api := chatsync.NewClient(cfg.Default.BaseURL, cfg.Auth.Token)
		connector := chatsync.NewWSConnector(cfg.Default.BaseURL, chatsync.WSConfig{
			AutoReconnect: true,
			Logger:        logger,
		})

		engine := chatsync.NewController(session, connector, api, chatsync.Config{
			PageSize: cfg.Default.PageSize,
			Logger:   logger,
		})
		defer engine.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := engine.Start(ctx)
		cancel()
		if err != nil {
			if chatsync.IsAuth(err) {
				return fmt.Errorf("authentication failed: %w", err)
			}
			// A partial initial load still leaves a usable session.
			fmt.Fprintf(os.Stderr, "warning: initial load incomplete: %v\n", err)
		}

		if watchConversation != "" {
			selCtx, selCancel := context.WithTimeout(context.Background(), 15*time.Second)
			err := engine.SelectConversation(selCtx, watchConversation)
			selCancel()
			if err != nil {
				return fmt.Errorf("open conversation: %w", err)
			}
		}

		printed := map[string]bool{}
		unsubscribe := engine.Subscribe(func() {
			for _, msg := range engine.Messages() {
				key := msg.Key()
				if printed[key] {
					continue
				}
				printed[key] = true
				printMessage(msg)
			}
			if typing := engine.Typing(); len(typing) > 0 {
				fmt.Printf("  %s typing...\n", strings.Join(typing, ", "))
			}
		})
		defer unsubscribe()

		fmt.Printf("Connected as %s (%s). Watching", session.UserID, engine.ConnState())
		if watchConversation != "" {
			fmt.Printf(" conversation %s", watchConversation)
		}
		fmt.Println(".")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		fmt.Println("\nBye.")
		return nil
	},
}
