package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/clinicdesk/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsUnread bool
	conversationsJSON   bool

	// history
	historyLimit int
	historyAll   bool
	historyJSON  bool

	// send
	sendFile string
	sendJSON bool

	// search
	searchJSON bool
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations and unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		log := newLogger(cfg)
		dir := chatsync.NewDirectory(newBackend(cfg, log), log)

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout(cfg))
		defer cancel()

		if err := dir.Refresh(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		snap := dir.Snapshot()

		if conversationsJSON {
			return printJSON(snap)
		}

		if len(snap.Conversations) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range snap.Conversations {
			if conversationsUnread && c.UnreadCount == 0 {
				continue
			}
			name := valueOrDefault(c.PeerName, c.PeerID)
			fmt.Printf("  %-24s %3d unread  %s  %s\n", name, c.UnreadCount, c.LastActivity.Local().Format("Jan 02 15:04"), truncate(c.LastMessage, 40))
		}
		fmt.Printf("Total unread: %d\n", snap.TotalUnread)
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <peer-id>",
	Short: "Show the message history with a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		log := newLogger(cfg)
		store := chatsync.NewMessageStore(newBackend(cfg, log), historyLimit, log)

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout(cfg))
		defer cancel()

		if err := store.LoadHistory(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		for historyAll {
			more, err := store.LoadMore(ctx)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			if !more {
				break
			}
		}

		msgs := store.Messages()
		if historyJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(&m, cfg.Auth.UserID))
		}
		if c := store.Cursor(); c.HasMore {
			fmt.Printf("(older messages available, use --all or a larger --limit)\n")
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <peer-id> [message]",
	Short: "Send a direct message or a file to a peer",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer := args[0]
		cfg := mustConfig()
		log := newLogger(cfg)
		backend := newBackend(cfg, log)

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout(cfg))
		defer cancel()

		var (
			msg *chatsync.Message
			err error
		)
		switch {
		case sendFile != "":
			data, rerr := os.ReadFile(sendFile)
			if rerr != nil {
				return fmt.Errorf("cannot read file: %w", rerr)
			}
			msg, err = backend.UploadFile(ctx, peer, filepath.Base(sendFile), data)
		case len(args) == 2 && strings.TrimSpace(args[1]) != "":
			msg, err = backend.SendMessage(ctx, &chatsync.SendRequest{
				RecipientID: peer,
				Content:     args[1],
				ClientID:    uuid.NewString(),
			})
		default:
			return chatsync.ErrEmptyMessage
		}
		if err != nil {
			return apiFailure(err)
		}

		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent to %s\n", peer)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		if msg.Attachment != nil {
			fmt.Printf("  File:       %s (%d bytes)\n", msg.Attachment.FileName, msg.Attachment.Size)
		} else {
			fmt.Printf("  Content:    %s\n", msg.Content)
		}
		return nil
	},
}

// ============================================================================
// react / delete
// ============================================================================

var reactCmd = &cobra.Command{
	Use:   "react <message-id> <emoji>",
	Short: "Toggle your reaction on a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		log := newLogger(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout(cfg))
		defer cancel()

		reactions, err := newBackend(cfg, log).ToggleReaction(ctx, args[0], args[1])
		if err != nil {
			return apiFailure(err)
		}
		fmt.Println(formatReactions(reactions))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		log := newLogger(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout(cfg))
		defer cancel()

		if err := newBackend(cfg, log).DeleteMessage(ctx, args[0]); err != nil {
			return apiFailure(err)
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

// ============================================================================
// search
// ============================================================================

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find users to message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		log := newLogger(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout(cfg))
		defer cancel()

		peers, err := newBackend(cfg, log).SearchPeers(ctx, args[0])
		if err != nil {
			return apiFailure(err)
		}

		if searchJSON {
			return printJSON(peers)
		}
		if len(peers) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for _, p := range peers {
			role := ""
			if p.Role != "" {
				role = " [" + p.Role + "]"
			}
			fmt.Printf("  %s  %s%s\n", p.ID, p.Name, role)
		}
		return nil
	},
}

// ============================================================================
// Output helpers
// ============================================================================

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// apiFailure renders backend errors the way the server reported them.
func apiFailure(err error) error {
	var apiErr *chatsync.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code != "" {
			return fmt.Errorf("API error: %s: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", apiErr.Status, apiErr.Message)
	}
	return fmt.Errorf("request failed: %w", err)
}

func formatMessage(m *chatsync.Message, selfID string) string {
	who := m.SenderID
	if m.SenderID == selfID {
		who = "you"
	}
	body := m.Content
	if m.Attachment != nil {
		body = strings.TrimSpace(body + " [file: " + m.Attachment.FileName + "]")
	}
	var flags []string
	if m.Pending {
		flags = append(flags, "sending")
	} else if m.SenderID == selfID && m.IsRead {
		flags = append(flags, "read")
	}
	if len(m.Reactions) > 0 {
		flags = append(flags, formatReactions(m.Reactions))
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format(time.DateTime), who, body)
	if len(flags) > 0 {
		line += "  (" + strings.Join(flags, ", ") + ")"
	}
	return line
}

func formatReactions(rs []chatsync.Reaction) string {
	if len(rs) == 0 {
		return "no reactions"
	}
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		parts = append(parts, fmt.Sprintf("%s %d", r.Emoji, len(r.UserIDs)))
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Only show conversations with unread messages")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", chatsync.DefaultPageSize, "Page size")
	historyCmd.Flags().BoolVar(&historyAll, "all", false, "Fetch every page")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")

	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "Upload a file instead of a text message")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output JSON")

	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "Output JSON")

	rootCmd.AddCommand(conversationsCmd, historyCmd, sendCmd, reactCmd, deleteCmd, searchCmd)
}
