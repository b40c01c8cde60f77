package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicdesk/chatsync"
)

var (
	watchMetricsAddr string
	watchBell        bool
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9102)")
	watchCmd.Flags().BoolVar(&watchBell, "bell", false, "Ring the terminal bell on alerts (overrides alerts.bell)")
}

var watchCmd = &cobra.Command{
	Use:   "watch [peer-id]",
	Short: "Stream live chat events",
	Long: "Connect to the realtime channel and print every event as it arrives.\n" +
		"With a peer id, that conversation is opened and lines typed on stdin are sent to it.\n" +
		"SIGHUP re-reads the config file; a changed token replaces the session.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		log := newLogger(cfg)

		var peer string
		if len(args) == 1 {
			peer = args[0]
		}

		alerter, err := buildAlerter(cfg, watchBell || cfg.Alerts.Bell, os.Stdout)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if watchMetricsAddr != "" {
			srv := serveMetrics(watchMetricsAddr, log)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
		}

		out := &consoleOut{w: os.Stdout}
		tokens := chatsync.NewTokenStore(cfg.Auth.Token, cfg.Auth.UserID)
		sup := chatsync.NewSupervisor(tokens, func(token, userID string) *chatsync.Session {
			opts := []chatsync.SessionOption{
				chatsync.WithLogger(log),
				chatsync.WithWSURL(wsURL(cfg, token)),
			}
			if alerter != nil {
				opts = append(opts, chatsync.WithAlerter(alerter))
			}
			backend := newBackend(cfg, log)
			backend.SetToken(token)
			return chatsync.NewSession(token, userID, backend, opts...)
		}, log)

		sup.OnSwap(func(s *chatsync.Session) {
			s.SetHandler(&eventPrinter{EventHandler: s, out: out, selfID: s.SelfID()})
			s.OnStateChange(func(st chatsync.ConnState) {
				out.printf("-- %s", st)
			})
			if peer == "" {
				return
			}
			openCtx, cancel := context.WithTimeout(ctx, requestTimeout(cfg))
			defer cancel()
			if err := s.OpenConversation(openCtx, peer); err != nil {
				out.printf("!! could not open %s: %v", peer, err)
				return
			}
			s.SetPanelOpen(true)
			for _, m := range s.Messages() {
				out.printf("%s", formatMessage(&m, s.SelfID()))
			}
		})

		if err := sup.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("initial connect failed, retrying in the background")
		}
		defer sup.Stop()

		if peer != "" {
			go func() {
				// Give the socket a moment before asking for presence.
				time.Sleep(time.Second)
				if s := sup.Current(); s != nil {
					s.RequestStatus(ctx, []string{peer})
				}
			}()
			go readInput(ctx, sup, out)
		}

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		for {
			select {
			case <-ctx.Done():
				out.printf("-- shutting down")
				return nil
			case <-hup:
				next, err := loadConfig()
				if err != nil {
					log.Error().Err(err).Msg("config reload failed")
					continue
				}
				log.Info().Msg("config reloaded")
				tokens.Set(next.Auth.Token, next.Auth.UserID)
			}
		}
	},
}

// readInput sends each stdin line to the open conversation. Typing state is
// signalled while a line is being entered.
func readInput(ctx context.Context, sup *chatsync.Supervisor, out *consoleOut) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		s := sup.Current()
		if s == nil || line == "" {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		s.SetTyping(sendCtx, true)
		_, err := s.Send(sendCtx, line)
		s.SetTyping(sendCtx, false)
		cancel()
		if err != nil {
			out.printf("!! send failed: %v", err)
		}
	}
}

// buildAlerter combines the terminal bell and the webhook bridge. It returns
// nil when neither is configured.
func buildAlerter(cfg *Config, bell bool, w io.Writer) (chatsync.Alerter, error) {
	var alerters chatsync.MultiAlerter
	if bell {
		alerters = append(alerters, chatsync.AlertFunc(func(ctx context.Context, msg chatsync.Message) error {
			_, err := fmt.Fprint(w, "\a")
			return err
		}))
	}
	if cfg.Alerts.WebhookURL != "" {
		wh, err := chatsync.NewWebhookAlerter(cfg.Alerts.WebhookURL, cfg.Alerts.WebhookSecret, nil)
		if err != nil {
			return nil, fmt.Errorf("alerts: %w", err)
		}
		alerters = append(alerters, wh)
	}
	if len(alerters) == 0 {
		return nil, nil
	}
	return alerters, nil
}

func serveMetrics(addr string, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("addr", addr).Msg("serving metrics")
	return srv
}

// ============================================================================
// Event printer
// ============================================================================

type consoleOut struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *consoleOut) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format+"\n", args...)
}

// eventPrinter echoes push events to the console and hands them on to the
// session.
type eventPrinter struct {
	chatsync.EventHandler
	out    *consoleOut
	selfID string
}

func (p *eventPrinter) OnNewMessage(msg chatsync.Message) {
	p.out.printf("%s", formatMessage(&msg, p.selfID))
	p.EventHandler.OnNewMessage(msg)
}

func (p *eventPrinter) OnTyping(senderID string, typing bool) {
	if typing {
		p.out.printf("   %s is typing…", senderID)
	}
	p.EventHandler.OnTyping(senderID, typing)
}

func (p *eventPrinter) OnMessagesRead(ids []string) {
	p.out.printf("   %d message(s) read", len(ids))
	p.EventHandler.OnMessagesRead(ids)
}

func (p *eventPrinter) OnOnlineStatus(users map[string]bool) {
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		state := "offline"
		if users[id] {
			state = "online"
		}
		p.out.printf("   %s is %s", id, state)
	}
	p.EventHandler.OnOnlineStatus(users)
}

func (p *eventPrinter) OnReactionUpdate(messageID string, reactions []chatsync.Reaction) {
	p.out.printf("   %s: %s", messageID, formatReactions(reactions))
	p.EventHandler.OnReactionUpdate(messageID, reactions)
}

func (p *eventPrinter) OnMessageDeleted(messageID string) {
	p.out.printf("   %s deleted", messageID)
	p.EventHandler.OnMessageDeleted(messageID)
}
