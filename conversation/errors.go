package conversation

import (
	"errors"
	"fmt"

	"chatsync/network"
)

var (
	// ErrUnknownConversation indicates no conversation with the given id is registered.
	ErrUnknownConversation = errors.New("conversation: unknown conversation")
	// ErrNotDraft indicates a draft-only operation on a server conversation.
	ErrNotDraft = errors.New("conversation: not a draft")
	// ErrDraftConversation indicates a server-only operation on a draft.
	ErrDraftConversation = errors.New("conversation: draft has no server state yet")
	// ErrNoOpenConversation indicates an operation that needs an open conversation.
	ErrNoOpenConversation = errors.New("conversation: no conversation is open")
	// ErrEmptyMessage indicates a send with blank content.
	ErrEmptyMessage = errors.New("conversation: message content is empty")
	// ErrSessionStopped is returned once the session loop has exited.
	ErrSessionStopped = errors.New("conversation: session stopped")
)

// ChannelConnectError reports a failed push connect; the session keeps working from
// REST snapshots until a publish reconnects.
type ChannelConnectError = network.ChannelConnectError

// HistoryLoadError reports a failed message history fetch. The conversation stays
// selected; opening it again retries.
type HistoryLoadError struct {
	ConversationID string
	Err            error
}

func (e *HistoryLoadError) Error() string {
	return fmt.Sprintf("load history for %s: %v", e.ConversationID, e.Err)
}

func (e *HistoryLoadError) Unwrap() error { return e.Err }

// CreateConversationError reports a draft that could not be created server-side. The
// draft stays local until RetryDraft or DiscardDraft.
type CreateConversationError struct {
	DraftID string
	Err     error
}

func (e *CreateConversationError) Error() string {
	return fmt.Sprintf("create conversation for draft %s: %v", e.DraftID, e.Err)
}

func (e *CreateConversationError) Unwrap() error { return e.Err }

// ArchiveUpdateError reports a rejected archive toggle after the local flag was rolled back.
type ArchiveUpdateError struct {
	ConversationID string
	Archived       bool
	Err            error
}

func (e *ArchiveUpdateError) Error() string {
	return fmt.Sprintf("set archived=%t on %s: %v", e.Archived, e.ConversationID, e.Err)
}

func (e *ArchiveUpdateError) Unwrap() error { return e.Err }

// PublishError reports a provisional message whose publish failed. The message stays
// in the thread flagged as failed.
type PublishError struct {
	ConversationID string
	MessageID      string
	Err            error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish message %s to %s: %v", e.MessageID, e.ConversationID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
