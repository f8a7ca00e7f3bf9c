package conversation

import (
	"time"

	"chatsync/models"

	"github.com/google/uuid"
)

// ProvisionalIDPrefix marks client-temporary message ids.
const ProvisionalIDPrefix = "tmp-"

// NewProvisionalID returns a fresh client-temporary message id.
func NewProvisionalID() string {
	return ProvisionalIDPrefix + uuid.NewString()
}

// NewProvisionalMessage builds the locally-visible copy of an outgoing message.
func NewProvisionalMessage(id, conversationID, senderID, content string, now time.Time) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Timestamp:      now,
		Provisional:    true,
	}
}

// ApplyLiveChatEvent merges a confirmed message into a chronological list. It returns
// the new list and whether a read receipt should be published for the message.
//
// A known id is updated in place. A self-authored message promotes the oldest
// provisional message with the same content. Anything else is appended.
func ApplyLiveChatEvent(messages []models.Message, incoming models.Message, currentUserID string) ([]models.Message, bool) {
	for i := range messages {
		if messages[i].ID != incoming.ID {
			continue
		}
		out := cloneMessages(messages)
		out[i] = mergeConfirmed(out[i], incoming)
		return out, false
	}

	if incoming.SenderID == currentUserID {
		for i := range messages {
			if !messages[i].Provisional || messages[i].Content != incoming.Content {
				continue
			}
			out := cloneMessages(messages)
			promoted := out[i]
			promoted.ID = incoming.ID
			if !incoming.Timestamp.IsZero() {
				promoted.Timestamp = incoming.Timestamp
			}
			promoted.Provisional = false
			promoted.Failed = false
			out[i] = promoted
			return out, false
		}
		return appendMessage(messages, incoming), false
	}

	return appendMessage(messages, incoming), true
}

// AppendProvisional adds a provisional message at the end of the list.
func AppendProvisional(messages []models.Message, provisional models.Message) []models.Message {
	provisional.Provisional = true
	return appendMessage(messages, provisional)
}

// MarkFailed flags the provisional message id as failed.
func MarkFailed(messages []models.Message, id string, failed bool) []models.Message {
	for i := range messages {
		if messages[i].ID != id || !messages[i].Provisional {
			continue
		}
		out := cloneMessages(messages)
		out[i].Failed = failed
		return out
	}
	return messages
}

// RehomeMessages rewrites every message's conversation id.
func RehomeMessages(messages []models.Message, conversationID string) []models.Message {
	out := cloneMessages(messages)
	for i := range out {
		out[i].ConversationID = conversationID
	}
	return out
}

// NewestFromOthers returns the newest confirmed message not authored by currentUserID.
func NewestFromOthers(chronological []models.Message, currentUserID string) (models.Message, bool) {
	for i := len(chronological) - 1; i >= 0; i-- {
		message := chronological[i]
		if message.SenderID != currentUserID && !message.Provisional {
			return message.Clone(), true
		}
	}
	return models.Message{}, false
}

func mergeConfirmed(existing, incoming models.Message) models.Message {
	out := existing.Clone()
	if incoming.SenderID != "" {
		out.SenderID = incoming.SenderID
	}
	out.Content = incoming.Content
	if !incoming.Timestamp.IsZero() {
		out.Timestamp = incoming.Timestamp
	}
	if incoming.ReadBy != nil {
		out.ReadBy = append([]models.ReadReceipt(nil), incoming.ReadBy...)
	}
	out.Provisional = false
	out.Failed = false
	return out
}

func appendMessage(messages []models.Message, message models.Message) []models.Message {
	out := make([]models.Message, 0, len(messages)+1)
	out = append(out, cloneMessages(messages)...)
	return append(out, message.Clone())
}
