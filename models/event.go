package models

import "time"

// EventKind tags an inbound push-channel event.
type EventKind string

const (
	EventCreateConversation EventKind = "create-conversation"
	EventChatMessage        EventKind = "chat-message"
	EventReadReceipt        EventKind = "read-receipt"
)

// Event is the decoded form of one inbound push frame. Exactly one of Conversation,
// Message or Receipt is set, matching Kind.
type Event struct {
	Kind           EventKind
	ConversationID string
	ID             string
	Timestamp      time.Time

	Conversation *Conversation
	Message      *Message
	Receipt      *ReadReceipt
}
