package models

import (
	"sort"
	"time"
	"unicode/utf8"
)

// ConversationType distinguishes person-to-person threads from broadcast announcements.
type ConversationType string

const (
	ConversationDirectMessage ConversationType = "direct-message"
	ConversationAnnouncement  ConversationType = "announcement"
)

// PreviewMaxRunes bounds the text kept in a last-message preview.
const PreviewMaxRunes = 80

// Preview is the short form of a conversation's latest message.
type Preview struct {
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is one entry of the user's conversation list.
type Conversation struct {
	ID                 string           `json:"id"`
	Title              string           `json:"title"`
	Type               ConversationType `json:"type"`
	Participants       []string         `json:"participants"`
	LastMessagePreview *Preview         `json:"lastMessagePreview,omitempty"`
	UnreadCount        int              `json:"unreadCount"`
	Archived           bool             `json:"archived"`
	IsDraft            bool             `json:"isDraft,omitempty"`
}

// Clone returns a deep copy so callers can mutate without aliasing registry state.
func (c Conversation) Clone() Conversation {
	out := c
	out.Participants = append([]string(nil), c.Participants...)
	if c.LastMessagePreview != nil {
		preview := *c.LastMessagePreview
		out.LastMessagePreview = &preview
	}
	return out
}

// HasParticipant reports whether userID is a member of the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, participant := range c.Participants {
		if participant == userID {
			return true
		}
	}
	return false
}

// SameParticipants reports whether both conversations have the same member set, ignoring order.
func SameParticipants(a, b []string) bool {
	left := NormalizeParticipants(a)
	right := NormalizeParticipants(b)
	if len(left) != len(right) {
		return false
	}
	for i := range left {
		if left[i] != right[i] {
			return false
		}
	}
	return true
}

// NormalizeParticipants returns a sorted copy without duplicates or empty ids.
func NormalizeParticipants(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// NewPreview builds a preview, truncating text to PreviewMaxRunes.
func NewPreview(senderID, text string, timestamp time.Time) *Preview {
	return &Preview{
		SenderID:  senderID,
		Text:      TruncatePreview(text),
		Timestamp: timestamp,
	}
}

// TruncatePreview shortens text to PreviewMaxRunes, appending an ellipsis when cut.
func TruncatePreview(text string) string {
	if utf8.RuneCountInString(text) <= PreviewMaxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:PreviewMaxRunes-1]) + "…"
}
