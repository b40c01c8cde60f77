package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/clinicdesk/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the effective configuration, then open a realtime connection and load the conversation list to check both channels.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", baseURL(cfg))
		fmt.Printf("  WS URL:    %s\n", valueOrDefault(cfg.Server.WSURL, "(derived)"))
		fmt.Printf("  Timeout:   %s\n", requestTimeout(cfg))
		fmt.Printf("  Log:       %s/%s\n", valueOrDefault(cfg.Log.Level, "warn"), valueOrDefault(cfg.Log.Format, "console"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:     (not set)")
			return nil
		}
		fmt.Printf("  Token:     %s\n", maskToken(cfg.Auth.Token))
		fmt.Printf("  User ID:   %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))

		fmt.Println()
		fmt.Println("Alerts:")
		fmt.Printf("  Bell:      %v\n", cfg.Alerts.Bell)
		fmt.Printf("  Webhook:   %s\n", valueOrDefault(cfg.Alerts.WebhookURL, "(none)"))

		log := newLogger(cfg)
		s := chatsync.NewSession(cfg.Auth.Token, cfg.Auth.UserID, newBackend(cfg, log),
			chatsync.WithLogger(log),
			chatsync.WithWSURL(wsURL(cfg, cfg.Auth.Token)),
			chatsync.WithConfig(chatsync.Config{MaxReconnectAttempts: 1}),
		)
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		start := time.Now()
		if err := s.Connect(ctx); err != nil {
			fmt.Printf("  Realtime:  FAILED (%v)\n", err)
		} else {
			fmt.Printf("  Realtime:  %s in %s\n", s.Transport().State(), time.Since(start).Round(time.Millisecond))
		}

		if err := s.RefreshDirectory(ctx); err != nil {
			fmt.Printf("  REST:      FAILED (%v)\n", apiFailure(err))
			return nil
		}
		snap := s.Directory().Snapshot()
		fmt.Printf("  REST:      ok\n")
		fmt.Printf("  Conversations: %d\n", len(snap.Conversations))
		fmt.Printf("  Unread:        %d\n", snap.TotalUnread)
		return nil
	},
}
