package main

import (
	"fmt"
	"os"

	chatsync "github.com/relayline/chatsync"
)

// getClient creates an API client from the stored configuration.
func getClient() *chatsync.Client {
	cfg := mustConfig()
	return chatsync.NewClient(cfg.Default.BaseURL, cfg.Auth.Token)
}

// getSession builds the engine session from the stored configuration.
func getSession() chatsync.Session {
	cfg := mustConfig()
	return chatsync.Session{
		UserID:      cfg.Auth.UserID,
		DisplayName: cfg.Auth.DisplayName,
		Token:       cfg.Auth.Token,
	}
}

func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No credentials. Run 'chatsync init <user-id> <token>' first.")
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL. Run 'chatsync config set default.base_url <url>' first.")
		os.Exit(1)
	}
	return cfg
}
