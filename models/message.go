package models

import "time"

// Message represents one entry of a conversation thread.
//
// A provisional message is rendered locally before the server confirms it; its ID is a
// client-temporary value until reconciliation assigns the server ID.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	Timestamp      time.Time     `json:"timestamp"`
	Provisional    bool          `json:"isProvisional,omitempty"`
	Failed         bool          `json:"failed,omitempty"`
	ReadBy         []ReadReceipt `json:"readBy,omitempty"`
}

// Clone returns a copy with its own ReadBy slice.
func (m Message) Clone() Message {
	out := m
	out.ReadBy = append([]ReadReceipt(nil), m.ReadBy...)
	return out
}

// ReadReceipt attests that ReaderID had seen MessageID as of ReadAt.
type ReadReceipt struct {
	ID             string    `json:"id"`
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	ReaderID       string    `json:"readerUserId"`
	ReadAt         time.Time `json:"readAt"`
}

// ReadStateMap maps a participant ID to the newest receipt known for that participant.
type ReadStateMap map[string]ReadReceipt

// Clone returns a shallow copy of the map.
func (m ReadStateMap) Clone() ReadStateMap {
	out := make(ReadStateMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
