package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clinicdesk/chatsync"
)

var (
	alertsListen string
	alertsBell   bool
)

func init() {
	rootCmd.AddCommand(alertsCmd)
	alertsCmd.AddCommand(alertsServeCmd)
	alertsCmd.AddCommand(alertsTestCmd)

	alertsServeCmd.Flags().StringVar(&alertsListen, "listen", "127.0.0.1:9300", "Address to accept alert webhooks on")
	alertsServeCmd.Flags().BoolVar(&alertsBell, "bell", true, "Ring the terminal bell for each alert")
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Alert webhook bridge",
	Long:  "Run or exercise the signed webhook that `watch` posts alerts to.",
}

var alertsServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive signed alerts and print them",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := newLogger(cfg)
		out := &consoleOut{w: os.Stdout}

		recv, err := chatsync.NewAlertReceiver(cfg.Alerts.WebhookSecret, func(p *chatsync.AlertPayload) error {
			if alertsBell {
				fmt.Fprint(os.Stdout, "\a")
			}
			out.printf("[%s] %s", time.Unix(p.Timestamp, 0).Format(time.TimeOnly), formatMessage(&p.Message, cfg.Auth.UserID))
			return nil
		})
		if err != nil {
			return fmt.Errorf("alerts: %w (set alerts.webhook_secret)", err)
		}

		mux := http.NewServeMux()
		mux.Handle("/alerts", recv)
		srv := &http.Server{Addr: alertsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()

		log.Info().Str("addr", alertsListen).Msg("accepting alerts on /alerts")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("alert server: %w", err)
		}
		return nil
	},
}

var alertsTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Post a sample alert to alerts.webhook_url",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		wh, err := chatsync.NewWebhookAlerter(cfg.Alerts.WebhookURL, cfg.Alerts.WebhookSecret, nil)
		if err != nil {
			return fmt.Errorf("alerts: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout(cfg))
		defer cancel()

		msg := chatsync.Message{
			ID:          "test-" + time.Now().Format("150405"),
			SenderID:    "chatsync",
			RecipientID: valueOrDefault(cfg.Auth.UserID, "you"),
			Content:     "Test alert from chatsync",
			CreatedAt:   time.Now(),
		}
		if err := wh.Alert(ctx, msg); err != nil {
			return err
		}
		fmt.Printf("Alert delivered to %s\n", cfg.Alerts.WebhookURL)
		return nil
	},
}
