package cmd

import (
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"chatsync/conversation"
	"chatsync/models"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	watchCmd.Flags().Bool("discover", false, "find the backend via mDNS instead of the configured URL")
	watchCmd.Flags().String("open", "", "conversation id to open and follow")
	watchCmd.Flags().String("filter", "all", "conversation filter: all, unread or archived")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the conversation list (and optionally one thread) live",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		discover, _ := cmd.Flags().GetBool("discover")
		env, err := newClientEnv(cmd, discover)
		if err != nil {
			return err
		}
		defer func() { _ = env.log.Sync() }()

		filterRaw, _ := cmd.Flags().GetString("filter")
		filter, err := conversation.ParseFilterKind(filterRaw)
		if err != nil {
			return err
		}

		sess, err := env.newSession()
		if err != nil {
			return err
		}
		defer sess.Stop()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sess.Start()
		if err := sess.SetFilter(ctx, filter); err != nil {
			return err
		}
		if openID, _ := cmd.Flags().GetString("open"); openID != "" {
			if _, err := waitForState(ctx, sess, hasConversation(openID)); err != nil {
				return err
			}
			if err := sess.OpenConversation(ctx, openID); err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-sess.Errors():
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			case <-sess.Updates():
				state, err := sess.Snapshot(ctx)
				if err != nil {
					return nil
				}
				renderState(out, state)
			}
		}
	},
}

func renderState(w io.Writer, state conversation.State) {
	status := "offline (REST only)"
	if state.Connected {
		status = "live"
	}
	fmt.Fprintf(w, "\n== %s | %s | filter=%s | %d conversations\n",
		state.UserID, status, state.Filter, len(state.Visible))

	for _, c := range state.Visible {
		marker := " "
		if c.ID == state.SelectedID {
			marker = ">"
		}
		title := c.Title
		if title == "" {
			title = strings.Join(c.Participants, ", ")
		}
		line := fmt.Sprintf("%s %-24s", marker, truncate(title, 24))
		if c.UnreadCount > 0 {
			line += fmt.Sprintf(" (%s unread)", humanize.Comma(int64(c.UnreadCount)))
		}
		if c.IsDraft {
			line += " [draft]"
		}
		if c.Archived {
			line += " [archived]"
		}
		if p := c.LastMessagePreview; p != nil {
			line += fmt.Sprintf("  %s: %s  %s", p.SenderID, p.Text, humanize.Time(p.Timestamp))
		}
		fmt.Fprintln(w, line)
	}

	if state.OpenID == "" {
		return
	}
	fmt.Fprintf(w, "-- %s\n", state.OpenID)
	if state.HistoryErr != nil {
		fmt.Fprintf(w, "   history unavailable: %v\n", state.HistoryErr)
	} else if !state.HistoryLoaded {
		fmt.Fprintln(w, "   loading...")
	}
	// messages are newest first; print oldest at the top
	for i := len(state.Messages) - 1; i >= 0; i-- {
		m := state.Messages[i]
		fmt.Fprintf(w, "   [%s] %s: %s%s%s\n",
			humanize.Time(m.Timestamp), m.SenderID, m.Content, messageFlags(m), readers(state.ReadState, m.ID))
	}
}

func messageFlags(m models.Message) string {
	switch {
	case m.Failed:
		return " (failed)"
	case m.Provisional:
		return " (sending)"
	default:
		return ""
	}
}

func readers(state models.ReadStateMap, messageID string) string {
	var names []string
	for reader, receipt := range state {
		if receipt.MessageID == messageID {
			names = append(names, reader)
		}
	}
	if len(names) == 0 {
		return ""
	}
	return " (seen by " + strings.Join(models.NormalizeParticipants(names), ", ") + ")"
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
