package storage

import (
	"errors"
	"fmt"
	"time"

	"chatsync/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrNotParticipant indicates the user is not a member of the conversation.
	ErrNotParticipant = errors.New("storage: user is not a participant")
)

// DefaultMessageLimit caps ListMessages when no limit is given.
const DefaultMessageLimit = 200

// ConversationUpdate carries the optional fields of a conversation update. Archived is
// per participant; Title is shared.
type ConversationUpdate struct {
	Title    *string
	Archived *bool
}

type scanner interface {
	Scan(dest ...any) error
}

func validateConversationType(conversationType models.ConversationType) error {
	switch conversationType {
	case models.ConversationDirectMessage, models.ConversationAnnouncement:
		return nil
	default:
		return fmt.Errorf("invalid conversation type %q", conversationType)
	}
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func toUnixMilli(ts time.Time) int64 {
	if ts.IsZero() {
		return nowUnixMilli()
	}
	return ts.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
