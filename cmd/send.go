package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatsync/conversation"

	"github.com/spf13/cobra"
)

func init() {
	sendCmd.Flags().StringSlice("to", nil, "participants for a new conversation (instead of a conversation id)")
	sendCmd.Flags().String("title", "", "title for a new conversation")
	sendCmd.Flags().Duration("timeout", 10*time.Second, "how long to wait for the server to confirm")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send [conversation-id] <message>",
	Short: "Send a message to a conversation, or start one with --to",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, _ := cmd.Flags().GetStringSlice("to")
		title, _ := cmd.Flags().GetString("title")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		var conversationID, content string
		switch {
		case len(to) > 0 && len(args) == 1:
			content = args[0]
		case len(to) == 0 && len(args) == 2:
			conversationID, content = args[0], args[1]
		default:
			return errors.New("give either a conversation id or --to, plus the message")
		}

		env, err := newClientEnv(cmd, false)
		if err != nil {
			return err
		}
		defer func() { _ = env.log.Sync() }()

		sess, err := env.newSession()
		if err != nil {
			return err
		}
		defer sess.Stop()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		sess.Start()

		if conversationID == "" {
			id, err := sendNew(ctx, sess, to, title, content)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		}
		if err := sendExisting(ctx, sess, conversationID, content); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), conversationID)
		return nil
	},
}

func sendExisting(ctx context.Context, sess *conversation.Session, conversationID, content string) error {
	if _, err := waitForState(ctx, sess, hasConversation(conversationID)); err != nil {
		return err
	}
	if err := sess.OpenConversation(ctx, conversationID); err != nil {
		return err
	}
	if _, err := waitForState(ctx, sess, func(s conversation.State) bool { return s.HistoryLoaded }); err != nil {
		return err
	}
	provisionalID, err := sess.Send(ctx, content)
	if err != nil {
		return err
	}
	_, err = waitForState(ctx, sess, func(s conversation.State) bool {
		for _, m := range s.Messages {
			if m.ID == provisionalID {
				return false
			}
		}
		return true
	})
	return err
}

func sendNew(ctx context.Context, sess *conversation.Session, to []string, title, content string) (string, error) {
	if _, err := waitForState(ctx, sess, func(s conversation.State) bool { return s.Conversations != nil }); err != nil {
		return "", err
	}
	draft, err := sess.StartDraft(ctx, to, title)
	if err != nil {
		return "", err
	}
	if _, err := sess.Send(ctx, content); err != nil {
		return "", err
	}
	if !draft.IsDraft {
		return draft.ID, nil
	}
	state, err := waitForState(ctx, sess, func(s conversation.State) bool {
		return s.OpenID != "" && !strings.HasPrefix(s.OpenID, conversation.DraftIDPrefix)
	})
	if err != nil {
		return "", err
	}
	return state.OpenID, nil
}
