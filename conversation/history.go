package conversation

import (
	"context"
	"sort"

	"chatsync/models"
)

// HistorySource fetches a conversation's messages.
type HistorySource interface {
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
}

// HistoryLoader turns the REST history into the in-memory message shape.
type HistoryLoader struct {
	source HistorySource
}

// NewHistoryLoader wraps source.
func NewHistoryLoader(source HistorySource) *HistoryLoader {
	return &HistoryLoader{source: source}
}

// LoadSnapshot returns the conversation's messages newest first. Failures are
// reported as *HistoryLoadError.
func (l *HistoryLoader) LoadSnapshot(ctx context.Context, conversationID string) ([]models.Message, error) {
	records, err := l.source.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, &HistoryLoadError{ConversationID: conversationID, Err: err}
	}

	messages := make([]models.Message, 0, len(records))
	for _, record := range records {
		if record.ID == "" {
			continue
		}
		message := record.Clone()
		if message.ConversationID == "" {
			message.ConversationID = conversationID
		}
		message.Provisional = false
		message.Failed = false
		messages = append(messages, message)
	}
	SortNewestFirst(messages)
	return messages, nil
}

// SortNewestFirst orders messages by timestamp descending, id descending on ties.
func SortNewestFirst(messages []models.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		if !messages[i].Timestamp.Equal(messages[j].Timestamp) {
			return messages[i].Timestamp.After(messages[j].Timestamp)
		}
		return messages[i].ID > messages[j].ID
	})
}

// Chronological returns a reversed copy of a newest-first list.
func Chronological(newestFirst []models.Message) []models.Message {
	out := make([]models.Message, len(newestFirst))
	for i := range newestFirst {
		out[len(newestFirst)-1-i] = newestFirst[i].Clone()
	}
	return out
}
